package audit

import (
	"context"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"telehealth-rtc/pkg/utils"
)

func TestService_AppendRequiresActorAndType(t *testing.T) {
	svc := NewService(NewMemoryRepo())

	if err := svc.Append(context.Background(), Event{Type: EventTypeDenied}); err != ErrInvalidEvent {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
	if err := svc.Append(context.Background(), Event{ActorUserID: "u"}); err != ErrInvalidEvent {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestService_LogDenied(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	err := svc.LogDenied(context.Background(), Denial{
		UserID: "pat-1", Role: "patient", IP: "1.2.3.4", SocketID: "s1",
		Action: "extension-response", Code: "FORBIDDEN", CallID: "c1",
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs := repo.Events()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event")
	}
	e := evs[0]
	if e.Type != EventTypeDenied || e.IPAddress != "1.2.3.4" || e.CallID != "c1" {
		t.Fatalf("unexpected event: %+v", e)
	}
	if e.ID == "" || e.CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamp")
	}
}

func TestService_UnconfiguredRepo(t *testing.T) {
	var svc *Service
	if err := svc.LogExtension(context.Background(), "doc", "doctor", "c1", true); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRepos_RecentNewestFirst(t *testing.T) {
	ctx := context.Background()
	db, err := utils.OpenSQL(ctx, utils.DriverSQLite, ":memory:", utils.SQLPoolConfig{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	sqlRepo := NewSQLRepo(db)
	if err := sqlRepo.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	for name, repo := range map[string]Repository{"memory": NewMemoryRepo(), "sqlite": sqlRepo} {
		t.Run(name, func(t *testing.T) {
			svc := NewService(repo)
			base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
			for i, id := range []string{"a", "b", "c"} {
				svc.clock = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
				if err := svc.Append(ctx, Event{ID: id, Type: EventTypeDenied, ActorUserID: "u"}); err != nil {
					t.Fatalf("append: %v", err)
				}
			}
			got, err := svc.Recent(ctx, 2)
			if err != nil {
				t.Fatalf("recent: %v", err)
			}
			if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
				t.Fatalf("unexpected order: %+v", got)
			}
			if !got[0].CreatedAt.Equal(base.Add(2 * time.Minute)) {
				t.Fatalf("created_at = %v", got[0].CreatedAt)
			}
		})
	}
}
