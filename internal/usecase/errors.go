package usecase

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorInvalidInput         ErrorCode = "INVALID_INPUT"
	ErrorConversationNotFound ErrorCode = "CONVERSATION_NOT_FOUND"
	ErrorInvalidChoice        ErrorCode = "INVALID_CHOICE"
	ErrorRateLimited          ErrorCode = "RATE_LIMITED"
	ErrorUpstream             ErrorCode = "UPSTREAM_ERROR"
	ErrorInternal             ErrorCode = "INTERNAL_ERROR"
)

// User-facing copy.
const (
	MsgGenericError         = "Sorry, an error occurred while processing your request."
	MsgConversationNotFound = "Sorry, I couldn't find your conversation."
	MsgInvalidChoice        = "Sorry, I didn't understand that choice."
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// CodeOf returns the code of a usecase error, or ErrorInternal for any other
// non-nil error.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Code
	}
	return ErrorInternal
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

// dialogueError classifies a failed dialogue service call.
func dialogueError(err error) *Error {
	if status, ok := upstreamStatusCode(err); ok && status == 429 {
		return newError(ErrorRateLimited, "dialogue_rate_limited", err)
	}
	return newError(ErrorUpstream, "dialogue_error", err)
}
