package reporting

import (
	"context"
	"errors"
	"time"

	"telehealth-rtc/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// MaxRange bounds a single summary query.
const MaxRange = 366 * 24 * time.Hour

// Repository abstracts data access for reporting. calls.Repository satisfies it.
type Repository interface {
	ListCallLogs(ctx context.Context, from, to time.Time, userID string) ([]calls.CallLog, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if req.Range.To.Sub(req.Range.From) > MaxRange {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListCallLogs(ctx, req.Range.From, req.Range.To, req.UserID)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{UserID: req.UserID, Range: req.Range}
	for _, l := range rows {
		out.TotalCalls++
		out.ExtensionsRequested += l.ExtensionsRequested
		out.ExtensionsAccepted += l.ExtensionsAccepted
		if l.AnsweredAt != nil {
			out.AnsweredCalls++
			out.TotalDurationSeconds += l.DurationSeconds
		}
		switch l.Reason {
		case calls.EndReasonRejected:
			out.RejectedCalls++
		case calls.EndReasonTimeout:
			out.MissedCalls++
		case calls.EndReasonPeerDisconnected:
			out.DroppedCalls++
		case calls.EndReasonHangup:
			// normal completion or caller cancel
		}
	}
	if out.AnsweredCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.AnsweredCalls
	}
	if out.ExtensionsRequested > 0 {
		out.ExtensionAcceptRate = float64(out.ExtensionsAccepted) / float64(out.ExtensionsRequested)
	}
	return out, nil
}
