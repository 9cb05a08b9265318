package fetch

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a fetch failure and decides retry eligibility.
type Kind string

const (
	// KindRateLimited means the Discogs API rejected the request with 429.
	KindRateLimited Kind = "rate_limited"

	// KindTransient covers server errors, network failures and truncated
	// responses that are worth retrying.
	KindTransient Kind = "transient"

	// KindPermanent covers client errors (missing release, bad request)
	// that will not succeed on retry.
	KindPermanent Kind = "permanent"
)

// Error is a typed fetch failure. Retry decisions are made on Kind alone,
// never on the message text.
type Error struct {
	Kind       Kind
	StatusCode int
	ReleaseID  int64
	Message    string

	// RetryAfter is the server-suggested wait from a 429 response,
	// zero when the header was absent.
	RetryAfter time.Duration

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("discogs %s error fetching release %d: %s: %v",
			e.Kind, e.ReleaseID, e.Message, e.Err)
	}
	return fmt.Sprintf("discogs %s error fetching release %d (status %d): %s",
		e.Kind, e.ReleaseID, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is worth another attempt.
// Total over Kind: unknown kinds are not retried.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindTransient:
		return true
	case KindPermanent:
		return false
	default:
		return false
	}
}

// IsRetryable reports whether err carries a retryable fetch classification.
// Errors that are not fetch.Error values are never retried.
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable()
	}
	return false
}

// KindOf extracts the classification from err, or KindPermanent when err
// is not a typed fetch error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindPermanent
}
