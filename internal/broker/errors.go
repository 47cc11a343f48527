package broker

import "fmt"

// ErrorKind classifies broker errors so transports can map them uniformly.
type ErrorKind string

const (
	ErrUnauthorized      ErrorKind = "Unauthorized"
	ErrChannelNotFound   ErrorKind = "ChannelNotFound"
	ErrSessionNotFound   ErrorKind = "SessionNotFound"
	ErrAgentNameConflict ErrorKind = "AgentNameConflict"
	ErrBadRequest        ErrorKind = "BadRequest"
	ErrTransient         ErrorKind = "Transient"
	ErrQuotaExceeded     ErrorKind = "QuotaExceeded"
	ErrNameConflict      ErrorKind = "NameConflict"
)

// Error is the typed error surfaced by broker operations. It never carries
// event content, only routing/identity context.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError constructs a typed broker error.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the ErrorKind from any error, defaulting to Transient for
// errors the broker didn't originate (e.g. a raw driver error).
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if be, ok := err.(*Error); ok {
		return be.Kind
	}
	return ErrTransient
}

// SessionNotFoundMessage is the well-known statusMessage clients key their
// reconnect logic off of.
const SessionNotFoundMessage = "Agent session not found"
