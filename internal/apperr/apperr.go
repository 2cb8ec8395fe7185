// Package apperr is the error taxonomy shared by the real-time components.
// Every rejection that reaches a socket is an *Error so the gateway can turn
// it into a private error event without guessing.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation     Kind = "VALIDATION"
	KindAuthorization  Kind = "AUTHORIZATION"
	KindStateConflict  Kind = "STATE_CONFLICT"
	KindNotFound       Kind = "NOT_FOUND"
	KindInfrastructure Kind = "INFRASTRUCTURE"
)

// Error carries a kind and a stable code. Two errors match under errors.Is
// when their codes are equal, so wrapped messages still match the sentinels.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Err)
	}
	return e.Code + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrInvalidPayload       = &Error{Kind: KindValidation, Code: "INVALID_PAYLOAD", Message: "invalid payload"}
	ErrNotParticipant       = &Error{Kind: KindAuthorization, Code: "NOT_PARTICIPANT", Message: "not a participant"}
	ErrForbidden            = &Error{Kind: KindAuthorization, Code: "FORBIDDEN", Message: "action not allowed for this role"}
	ErrStateConflict        = &Error{Kind: KindStateConflict, Code: "STATE_CONFLICT", Message: "illegal transition"}
	ErrRoomFull             = &Error{Kind: KindStateConflict, Code: "ROOM_FULL", Message: "room is full"}
	ErrAlreadyInCall        = &Error{Kind: KindStateConflict, Code: "ALREADY_IN_CALL", Message: "room already has a live call"}
	ErrExtensionInProgress  = &Error{Kind: KindStateConflict, Code: "EXTENSION_IN_PROGRESS", Message: "an extension request is pending"}
	ErrCallNotFound         = &Error{Kind: KindNotFound, Code: "CALL_NOT_FOUND", Message: "unknown call"}
	ErrConversationNotFound = &Error{Kind: KindNotFound, Code: "CONVERSATION_NOT_FOUND", Message: "unknown conversation"}
	ErrMessageNotFound      = &Error{Kind: KindNotFound, Code: "MESSAGE_NOT_FOUND", Message: "unknown message"}
	ErrRoomNotFound         = &Error{Kind: KindNotFound, Code: "ROOM_NOT_FOUND", Message: "unknown room"}
	ErrDeliveryFailed       = &Error{Kind: KindInfrastructure, Code: "DELIVERY_FAILED", Message: "message could not be persisted"}
)

// Wrap returns a copy of sentinel with a more specific message and cause.
func Wrap(sentinel *Error, msg string, cause error) *Error {
	out := *sentinel
	if msg != "" {
		out.Message = msg
	}
	out.Err = cause
	return &out
}

// Invalid is shorthand for a VALIDATION error with a field-specific message.
func Invalid(format string, args ...any) *Error {
	return Wrap(ErrInvalidPayload, fmt.Sprintf(format, args...), nil)
}

// As extracts the taxonomy error from err. Unknown errors are reported as
// INFRASTRUCTURE so callers never leak internals as a different kind.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInfrastructure, Code: "INTERNAL", Message: "internal error", Err: err}
}

// KindOf reports the taxonomy kind of err.
func KindOf(err error) Kind {
	if e := As(err); e != nil {
		return e.Kind
	}
	return ""
}
