// Package apperr defines the error taxonomy shared by the hub, the key
// manager and the HTTP surfaces. Every error that leaves the process carries
// only its stable reason code.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind groups reason codes into the handful of categories callers branch on.
type Kind string

const (
	KindNotFound     Kind = "not_found"
	KindInvalidState Kind = "invalid_state"
	KindForbidden    Kind = "forbidden"
	KindTokenInvalid Kind = "token_invalid"
	KindTokenExpired Kind = "token_expired"
	KindRateLimited  Kind = "rate_limited"
	KindSlowConsumer Kind = "slow_consumer"
	KindInternal     Kind = "internal"
)

// Stable reason codes.
const (
	CodeChannelNotFound = "channel_not_found"
	CodeChannelClosed   = "channel_closed"
	CodeAlreadyClosing  = "already_closing"
	CodeChannelNotLive  = "channel_not_live"
	CodeMessageNotFound = "message_not_found"
	CodeKeyNotFound     = "key_not_found"
	CodeForbidden       = "forbidden"
	CodeBanned          = "banned"
	CodeMuted           = "muted"
	CodeTooLong         = "too_long"
	CodeEmpty           = "empty"
	CodeInvalidKind     = "invalid_kind"
	CodeRateExceeded    = "rate_exceeded"
	CodeTooFast         = "too_fast"
	CodeTokenInvalid    = "token_invalid"
	CodeTokenExpired    = "token_expired"
	CodeSlowConsumer    = "slow_consumer"
	CodeInternal        = "internal"
)

// Error is a classified failure. Two errors match under errors.Is when their
// codes are equal, so the sentinels below can be compared against wrapped
// instances that carry an operation and a cause.
type Error struct {
	Kind Kind
	Code string
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Code
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || other == nil {
		return false
	}
	return e.Code == other.Code
}

var (
	ErrChannelNotFound = &Error{Kind: KindNotFound, Code: CodeChannelNotFound}
	ErrChannelClosed   = &Error{Kind: KindInvalidState, Code: CodeChannelClosed}
	ErrAlreadyClosing  = &Error{Kind: KindInvalidState, Code: CodeAlreadyClosing}
	ErrChannelNotLive  = &Error{Kind: KindInvalidState, Code: CodeChannelNotLive}
	ErrMessageNotFound = &Error{Kind: KindNotFound, Code: CodeMessageNotFound}
	ErrKeyNotFound     = &Error{Kind: KindNotFound, Code: CodeKeyNotFound}
	ErrForbidden       = &Error{Kind: KindForbidden, Code: CodeForbidden}
	ErrBanned          = &Error{Kind: KindForbidden, Code: CodeBanned}
	ErrMuted           = &Error{Kind: KindForbidden, Code: CodeMuted}
	ErrTooLong         = &Error{Kind: KindInvalidState, Code: CodeTooLong}
	ErrEmpty           = &Error{Kind: KindInvalidState, Code: CodeEmpty}
	ErrInvalidKind     = &Error{Kind: KindInvalidState, Code: CodeInvalidKind}
	ErrRateExceeded    = &Error{Kind: KindRateLimited, Code: CodeRateExceeded}
	ErrTooFast         = &Error{Kind: KindRateLimited, Code: CodeTooFast}
	ErrTokenInvalid    = &Error{Kind: KindTokenInvalid, Code: CodeTokenInvalid}
	ErrTokenExpired    = &Error{Kind: KindTokenExpired, Code: CodeTokenExpired}
	ErrSlowConsumer    = &Error{Kind: KindSlowConsumer, Code: CodeSlowConsumer}
	ErrInternal        = &Error{Kind: KindInternal, Code: CodeInternal}
)

// Wrap annotates a sentinel with the failing operation and an optional cause.
func Wrap(sentinel *Error, op string, cause error) error {
	return &Error{Kind: sentinel.Kind, Code: sentinel.Code, Op: op, Err: cause}
}

// Internal reports an unexpected failure of op.
func Internal(op string, cause error) error {
	return Wrap(ErrInternal, op, cause)
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the stable reason code for err. Unclassified errors report
// "internal" so causes never leak to clients.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HTTPStatus maps an error kind to the status used by the HTTP API.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidState:
		switch CodeOf(err) {
		case CodeTooLong, CodeEmpty, CodeInvalidKind:
			return http.StatusUnprocessableEntity
		}
		return http.StatusConflict
	case KindForbidden:
		return http.StatusForbidden
	case KindTokenInvalid, KindTokenExpired:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindSlowConsumer:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// Backoff bounds the retries performed by Retry.
type Backoff struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// DefaultBackoff is used for key vault operations.
var DefaultBackoff = Backoff{Attempts: 4, Initial: 100 * time.Millisecond, Max: 2 * time.Second}

// Retry runs fn until it succeeds, the attempts are exhausted or ctx ends.
// Exhaustion is reported as an internal error wrapping the last failure.
func Retry(ctx context.Context, b Backoff, op string, fn func(context.Context) error) error {
	attempts := b.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := b.Initial
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if last = fn(ctx); last == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Internal(op, fmt.Errorf("%w (last error: %v)", ctx.Err(), last))
		case <-timer.C:
		}
		delay *= 2
		if b.Max > 0 && delay > b.Max {
			delay = b.Max
		}
	}
	return Internal(op, fmt.Errorf("after %d attempts: %w", attempts, last))
}
