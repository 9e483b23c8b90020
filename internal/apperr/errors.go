// Package apperr defines the error taxonomy shared by the ledger, the payment
// issuer and the access controller. Every failure carries a Kind so transport
// code can pick a user-facing reply without string matching.
package apperr

import (
	"errors"
	"fmt"
	"log/slog"
)

type Kind string

const (
	KindValidation          Kind = "validation"
	KindContentRejected     Kind = "content_rejected"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindDuplicateReference  Kind = "duplicate_reference"
	KindInvalidTransition   Kind = "invalid_transition"
	KindNotFound            Kind = "not_found"
	KindMethodUnavailable   Kind = "method_unavailable"
	KindUnsupportedMethod   Kind = "unsupported_method"
	KindRateLimited         Kind = "rate_limited"
	KindStorage             Kind = "storage"
)

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrContentRejected     = &Error{Kind: KindContentRejected}
	ErrInsufficientBalance = &Error{Kind: KindInsufficientBalance}
	ErrDuplicateReference  = &Error{Kind: KindDuplicateReference}
	ErrInvalidTransition   = &Error{Kind: KindInvalidTransition}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrMethodUnavailable   = &Error{Kind: KindMethodUnavailable}
	ErrUnsupportedMethod   = &Error{Kind: KindUnsupportedMethod}
	ErrRateLimited         = &Error{Kind: KindRateLimited}
	ErrStorage             = &Error{Kind: KindStorage}
)

// Error is a classified failure with enough context to reconcile it later.
type Error struct {
	Kind      Kind
	Op        string
	UserID    int64
	Reference string
	// Transient marks storage failures that are known to have applied nothing
	// (lock contention, deadlock victim) and are therefore safe to retry.
	Transient bool
	Err       error
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds an error whose cause is a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Storage wraps a persistence failure. transient must only be true when the
// backend guarantees the operation did not apply.
func Storage(op string, err error, transient bool) *Error {
	return &Error{Kind: KindStorage, Op: op, Err: err, Transient: transient}
}

func (e *Error) WithUser(userID int64) *Error {
	e.UserID = userID
	return e
}

func (e *Error) WithReference(ref string) *Error {
	e.Reference = ref
	return e
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// LogValue renders the error as a group so handlers keep kind and context as
// separate fields.
func (e *Error) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("kind", string(e.Kind))}
	if e.Op != "" {
		attrs = append(attrs, slog.String("op", e.Op))
	}
	if e.UserID != 0 {
		attrs = append(attrs, slog.Int64("user_id", e.UserID))
	}
	if e.Reference != "" {
		attrs = append(attrs, slog.String("reference", e.Reference))
	}
	if e.Transient {
		attrs = append(attrs, slog.Bool("transient", true))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("cause", e.Err.Error()))
	}
	return slog.GroupValue(attrs...)
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Transient
	}
	return false
}
