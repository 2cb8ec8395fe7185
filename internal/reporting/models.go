package reporting

import "time"

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest requests aggregated call metrics. An empty UserID
// summarizes every participant.
type CallsSummaryRequest struct {
	UserID string    `json:"user_id,omitempty"`
	Range  TimeRange `json:"range"`
}

type CallsSummary struct {
	UserID string    `json:"user_id,omitempty"`
	Range  TimeRange `json:"range"`

	TotalCalls    int `json:"total_calls"`
	AnsweredCalls int `json:"answered_calls"`
	RejectedCalls int `json:"rejected_calls"`
	MissedCalls   int `json:"missed_calls"`
	DroppedCalls  int `json:"dropped_calls"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`

	ExtensionsRequested int     `json:"extensions_requested"`
	ExtensionsAccepted  int     `json:"extensions_accepted"`
	ExtensionAcceptRate float64 `json:"extension_accept_rate"`
}
