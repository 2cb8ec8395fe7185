package reporting

import (
	"context"
	"errors"
	"testing"
	"time"

	"telehealth-rtc/internal/calls"
)

func seed(t *testing.T, now time.Time) *calls.MemoryRepo {
	t.Helper()
	repo := calls.NewMemoryRepo()
	answered := now.Add(5 * time.Second)
	logs := []calls.CallLog{
		{CallID: "c1", CallerID: "doc", CalleeID: "pat", Status: calls.StatusEnded, Reason: calls.EndReasonHangup,
			StartedAt: now, AnsweredAt: &answered, EndedAt: now.Add(time.Minute), DurationSeconds: 55,
			ExtensionsRequested: 2, ExtensionsAccepted: 1},
		{CallID: "c2", CallerID: "doc", CalleeID: "pat2", Status: calls.StatusTimeout, Reason: calls.EndReasonTimeout,
			StartedAt: now.Add(time.Minute), EndedAt: now.Add(90 * time.Second)},
		{CallID: "c3", CallerID: "pat", CalleeID: "doc", Status: calls.StatusRejected, Reason: calls.EndReasonRejected,
			StartedAt: now.Add(2 * time.Minute), EndedAt: now.Add(2 * time.Minute)},
		{CallID: "c4", CallerID: "pat", CalleeID: "doc", Status: calls.StatusEnded, Reason: calls.EndReasonPeerDisconnected,
			StartedAt: now.Add(3 * time.Minute), AnsweredAt: &answered, EndedAt: now.Add(4 * time.Minute), DurationSeconds: 25},
		{CallID: "old", CallerID: "doc", CalleeID: "pat", Status: calls.StatusEnded, Reason: calls.EndReasonHangup,
			StartedAt: now.Add(-48 * time.Hour), EndedAt: now.Add(-47 * time.Hour)},
	}
	for _, l := range logs {
		if err := repo.SaveCallLog(context.Background(), l); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	return repo
}

func TestCallsSummary_Aggregates(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	svc := NewService(seed(t, now))

	out, err := svc.CallsSummary(context.Background(), CallsSummaryRequest{Range: TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.TotalCalls != 4 || out.AnsweredCalls != 2 || out.MissedCalls != 1 || out.RejectedCalls != 1 || out.DroppedCalls != 1 {
		t.Fatalf("unexpected counts: %+v", out)
	}
	if out.TotalDurationSeconds != 80 || out.AverageDurationSeconds != 40 {
		t.Fatalf("unexpected durations: %+v", out)
	}
	if out.ExtensionAcceptRate != 0.5 {
		t.Fatalf("accept rate = %v", out.ExtensionAcceptRate)
	}
}

func TestCallsSummary_FiltersByUser(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	svc := NewService(seed(t, now))

	out, err := svc.CallsSummary(context.Background(), CallsSummaryRequest{UserID: "pat2", Range: TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.TotalCalls != 1 || out.MissedCalls != 1 {
		t.Fatalf("unexpected: %+v", out)
	}
}

func TestCallsSummary_RejectsBadRange(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	svc := NewService(calls.NewMemoryRepo())

	for _, r := range []TimeRange{
		{},
		{From: now, To: now},
		{From: now, To: now.Add(-time.Minute)},
		{From: now, To: now.Add(400 * 24 * time.Hour)},
	} {
		if _, err := svc.CallsSummary(context.Background(), CallsSummaryRequest{Range: r}); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("range %+v: expected ErrInvalidRequest, got %v", r, err)
		}
	}
}
