package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("initiate: %w", Wrap(ErrAlreadyInCall, "room appt-1 busy", nil))
	if !errors.Is(err, ErrAlreadyInCall) {
		t.Fatalf("expected wrapped error to match sentinel")
	}
	if errors.Is(err, ErrRoomFull) {
		t.Fatalf("codes must not cross-match")
	}
	if KindOf(err) != KindStateConflict {
		t.Fatalf("expected STATE_CONFLICT, got %s", KindOf(err))
	}
}

func TestAsUnknownIsInfrastructure(t *testing.T) {
	e := As(errors.New("db down"))
	if e.Kind != KindInfrastructure || e.Code != "INTERNAL" {
		t.Fatalf("unexpected: %+v", e)
	}
	if As(nil) != nil {
		t.Fatalf("expected nil")
	}
}
