// Package bridgeerr defines the error taxonomy shared by every bridge
// component, following the teacher's sentinel-error style but generalized
// into a structured kind+code+message carrier so observers (logs, the
// session's error-listener set) can branch on Kind without string matching.
package bridgeerr

import (
	"errors"
	"fmt"
)

// Kind classifies a bridge error for propagation-policy decisions.
type Kind string

const (
	ConfigInvalid      Kind = "ConfigInvalid"
	NetworkUnavailable Kind = "NetworkUnavailable"
	ProtocolViolation  Kind = "ProtocolViolation"
	AudioFormatInvalid Kind = "AudioFormatInvalid"
	LiveApiError       Kind = "LiveApiError"
	SessionNotFound    Kind = "SessionNotFound"
	TimeoutExceeded    Kind = "TimeoutExceeded"
	Cancelled          Kind = "Cancelled"
	Internal           Kind = "Internal"
)

// Subkind further classifies a LiveApiError per spec.
type Subkind string

const (
	SubkindRateLimit  Subkind = "rate-limit"
	SubkindQuota      Subkind = "quota"
	SubkindModelError Subkind = "model-error"
)

// Error is the structured error every component returns for failures that
// must reach an observer as {kind, code, message, session_id?, channel_id?}.
type Error struct {
	Kind      Kind
	Subkind   Subkind
	Code      string
	Message   string
	SessionID string
	ChannelID string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds a bare Error with no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches kind/message context to an existing error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithSession returns a copy of e annotated with a session/channel id pair.
func (e *Error) WithSession(sessionID, channelID string) *Error {
	cp := *e
	cp.SessionID = sessionID
	cp.ChannelID = channelID
	return &cp
}

// WithSubkind returns a copy of e annotated with a LiveApiError subkind.
func (e *Error) WithSubkind(sub Subkind) *Error {
	cp := *e
	cp.Subkind = sub
	return &cp
}

// Is reports whether err carries the given Kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind == kind
	}
	return false
}

// Cancelled is never treated as a failure by callers walking the Kind.
func IsCancelled(err error) bool {
	return Is(err, Cancelled)
}
