package calls

import (
	"context"
	"sort"
	"sync"
	"time"

	"telehealth-rtc/internal/apperr"
)

// Repository stores call logs. Live session state never touches it.
type Repository interface {
	SaveCallLog(ctx context.Context, l CallLog) error
	GetCallLog(ctx context.Context, callID string) (CallLog, error)
	// ListCallLogs returns logs started in [from, to). An empty userID
	// returns every participant's calls.
	ListCallLogs(ctx context.Context, from, to time.Time, userID string) ([]CallLog, error)
}

// MemoryRepo is an in-memory Repository for tests and local runs.
type MemoryRepo struct {
	mu   sync.Mutex
	logs map[string]CallLog
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{logs: map[string]CallLog{}} }

func (r *MemoryRepo) SaveCallLog(_ context.Context, l CallLog) error {
	if l.CallID == "" {
		return apperr.Invalid("call id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs[l.CallID] = l
	return nil
}

func (r *MemoryRepo) GetCallLog(_ context.Context, callID string) (CallLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.logs[callID]
	if !ok {
		return CallLog{}, apperr.ErrCallNotFound
	}
	return l, nil
}

func (r *MemoryRepo) ListCallLogs(_ context.Context, from, to time.Time, userID string) ([]CallLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CallLog, 0)
	for _, l := range r.logs {
		if l.StartedAt.Before(from) || !l.StartedAt.Before(to) {
			continue
		}
		if userID != "" && l.CallerID != userID && l.CalleeID != userID {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}
