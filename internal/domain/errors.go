package domain

import (
	"errors"
	"fmt"
)

// AuthorityCode classifies rejections from the answer authority.
type AuthorityCode string

const (
	CodeNotHost          AuthorityCode = "NOT_HOST"
	CodeAlreadyStarted   AuthorityCode = "ALREADY_STARTED"
	CodeNotEnoughPlayers AuthorityCode = "NOT_ENOUGH_PLAYERS"
	CodeAlreadyAnswered  AuthorityCode = "ALREADY_ANSWERED"
	CodeQuestionClosed   AuthorityCode = "QUESTION_CLOSED"
	CodeNotFound         AuthorityCode = "NOT_FOUND"
)

// AuthorityError is a typed RPC rejection. AlreadyAnswered on submit is
// special-cased by callers: it resolves to the originally recorded result
// and is treated as success, not a failure.
type AuthorityError struct {
	Code    AuthorityCode
	Message string
}

func (e *AuthorityError) Error() string {
	if e.Message == "" {
		return "authority: " + string(e.Code)
	}
	return fmt.Sprintf("authority: %s: %s", e.Code, e.Message)
}

// NewAuthorityError builds a typed rejection.
func NewAuthorityError(code AuthorityCode, format string, args ...any) *AuthorityError {
	return &AuthorityError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsAuthorityCode reports whether err is an AuthorityError with the code.
func IsAuthorityCode(err error, code AuthorityCode) bool {
	var ae *AuthorityError
	return errors.As(err, &ae) && ae.Code == code
}

// ConnectionError wraps channel unreachability. The core never retries it;
// the caller decides.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("channel %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

var (
	// ErrCancelled is the terminal, non-retryable failure surfaced when the
	// host cancels the challenge.
	ErrCancelled = errors.New("challenge cancelled by host")
	// ErrRoundClosed is returned to a player submitting after the local
	// countdown reached zero or outside an answering round.
	ErrRoundClosed = errors.New("round is closed for answers")
	// ErrSessionClosed is returned for operations on a session after Leave.
	ErrSessionClosed = errors.New("session closed")
)
