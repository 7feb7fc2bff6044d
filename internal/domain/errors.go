package domain

import (
	"errors"
	"fmt"
)

// Store-level sentinels. Stores return these (possibly wrapped); services
// translate them into typed business errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrLockHeld      = errors.New("lock already held")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
)

// Kind is a stable, machine-readable error code.
type Kind string

const (
	KindValidation          Kind = "VALIDATION_ERROR"
	KindNotFound            Kind = "NOT_FOUND"
	KindInvalidState        Kind = "INVALID_STATE"
	KindForbidden           Kind = "FORBIDDEN"
	KindInsufficientBalance Kind = "INSUFFICIENT_BALANCE"
	KindTransactionFailed   Kind = "TRANSACTION_FAILED"
	KindSync                Kind = "SYNC_ERROR"
	KindLockContention      Kind = "LOCK_CONTENTION"
	KindNotInitialized      Kind = "NOT_INITIALIZED"
	KindAlreadyResolved     Kind = "ALREADY_RESOLVED"
	KindMarketNotEnded      Kind = "MARKET_NOT_ENDED"
	KindNotEligible         Kind = "NOT_ELIGIBLE"
	KindAlreadyClaimed      Kind = "ALREADY_CLAIMED"
	KindNotResolved         Kind = "NOT_RESOLVED"
	KindWalletNotConfigured Kind = "WALLET_NOT_CONFIGURED"
	KindAlreadyVoted        Kind = "ALREADY_VOTED"
)

// Error implements error so a bare Kind can be used as an errors.Is target.
func (k Kind) Error() string { return string(k) }

// defaultRetryable lists the kinds a caller may retry later.
var defaultRetryable = map[Kind]bool{
	KindInsufficientBalance: true,
	KindTransactionFailed:   true,
	KindSync:                true,
}

// Error is a typed business error carrying a kind, a human message and
// whether the caller may retry.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, or a bare Kind.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t
	case *Error:
		return e.Kind == t.Kind
	}
	return false
}

// NewError builds an Error with the kind's default retryability.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retryable: defaultRetryable[kind],
	}
}

// WrapError builds an Error around a cause.
func WrapError(kind Kind, err error, format string, args ...any) *Error {
	e := NewError(kind, format, args...)
	e.Err = err
	return e
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err carries a retryable *Error.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
