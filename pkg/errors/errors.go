// Package apperrors defines the typed error taxonomy shared by the keeper
// core and the venue adapters.
package apperrors

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for propagation policy decisions.
type Kind string

const (
	KindNetwork             Kind = "network"
	KindRateLimited         Kind = "rate_limited"
	KindAuth                Kind = "auth"
	KindInvalidRequest      Kind = "invalid_request"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindNotFound            Kind = "not_found"
	KindLiquidityTooLow     Kind = "liquidity_too_low"
	KindDataQuality         Kind = "data_quality"
	KindStaleQuote          Kind = "stale_quote"
	KindUnprofitable        Kind = "unprofitable"
	KindSingleLegHanging    Kind = "single_leg_hanging"
	KindReconciliation      Kind = "reconciliation"
	KindFatal               Kind = "fatal"
	KindUnknown             Kind = "unknown"
)

// Error is a classified error with optional venue and symbol context.
// RetryAfter carries the venue's stated backoff for rate-limit errors.
type Error struct {
	Kind       Kind
	Venue      string
	Symbol     string
	Msg        string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	prefix := string(e.Kind)
	if e.Venue != "" {
		prefix = fmt.Sprintf("%s [%s]", prefix, e.Venue)
	}
	if e.Symbol != "" {
		prefix = fmt.Sprintf("%s %s", prefix, e.Symbol)
	}
	if e.Err != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %s: %v", prefix, e.Msg, e.Err)
		}
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the operation may succeed if repeated. Planner
// rejections and invariant violations are never retryable.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindRateLimited, KindUnknown:
		return true
	}
	return false
}

// New creates a classified error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// WithVenue attaches venue context and returns the error.
func (e *Error) WithVenue(venue string) *Error {
	e.Venue = venue
	return e
}

// WithSymbol attaches symbol context and returns the error.
func (e *Error) WithSymbol(symbol string) *Error {
	e.Symbol = symbol
	return e
}

// WithRetryAfter attaches a venue-stated backoff and returns the error.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// KindOf extracts the kind from any error chain; KindUnknown when none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// RetryAfterOf extracts the stated backoff from a rate-limit error, zero
// when none is present.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// IsRetryable reports whether the error chain allows a retry.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// Standardized venue errors
var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrOrderRejected        = errors.New("order rejected")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrNetwork              = errors.New("network error")
	ErrInvalidSymbol        = errors.New("invalid symbol")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrOrderNotFound        = errors.New("order not found")
	ErrDuplicateOrder       = errors.New("duplicate order")
	ErrStreamUnsupported    = errors.New("stream not supported")
	ErrBudgetExhausted      = errors.New("venue weight budget exhausted")
	ErrShuttingDown         = errors.New("keeper shutting down")
)
