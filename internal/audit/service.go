package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// No Update/Delete methods are provided by design.
type Repository interface {
	Append(ctx context.Context, e Event) error
	// Recent returns the newest events first.
	Recent(ctx context.Context, limit int) ([]Event, error)
}

// Service logs internal audit information.
//
// IMPORTANT:
// - Audit is internal-only. Records are never sent to patients or doctors.
// - Callers should treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil || s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" || e.ActorUserID == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// Denial describes a rejected operation.
type Denial struct {
	UserID   string
	Role     string
	IP       string
	SocketID string
	Action   string
	Code     string
	CallID   string
	RoomID   string
	// ConversationID is set for chat operations.
	ConversationID string
	Message        string
}

// LogDenied records an authorization failure.
func (s *Service) LogDenied(ctx context.Context, d Denial) error {
	return s.Append(ctx, Event{
		Type:           EventTypeDenied,
		ActorUserID:    d.UserID,
		ActorRole:      d.Role,
		IPAddress:      d.IP,
		SocketID:       d.SocketID,
		Action:         d.Action,
		Code:           d.Code,
		CallID:         d.CallID,
		RoomID:         d.RoomID,
		ConversationID: d.ConversationID,
		Message:        d.Message,
	})
}

// LogExtension records an approved or declined call extension.
func (s *Service) LogExtension(ctx context.Context, actorUserID, actorRole, callID string, accepted bool) error {
	msg := "extension declined"
	if accepted {
		msg = "extension approved"
	}
	return s.Append(ctx, Event{
		Type:        EventTypeExtension,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		Action:      "extension-response",
		CallID:      callID,
		Message:     msg,
	})
}

func (s *Service) Recent(ctx context.Context, limit int) ([]Event, error) {
	if s == nil || s.repo == nil {
		return nil, errors.New("audit: repository not configured")
	}
	return s.repo.Recent(ctx, limit)
}
