package casefetch

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotFound means the source has no record of the case.
	ErrNotFound = errors.New("case not found")
	// ErrFinalizeConflict is returned when a case is finalized twice with
	// different statuses.
	ErrFinalizeConflict = errors.New("checkpoint finalize conflict")
	// ErrInterrupted marks work abandoned because the run was canceled.
	ErrInterrupted = errors.New("run interrupted")
)

// TransientFetchError is a failure worth retrying.
type TransientFetchError struct {
	Kind       FailureKind
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *TransientFetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient fetch error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient fetch error: %v", e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// PermanentFetchError is a failure that will not go away on retry.
type PermanentFetchError struct {
	StatusCode int
	Err        error
}

func (e *PermanentFetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("permanent fetch error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("permanent fetch error: %v", e.Err)
}

func (e *PermanentFetchError) Unwrap() error { return e.Err }

// StorageError wraps a failure to persist checkpoint state or results.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ConfigurationError reports an invalid option.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

// StatusError builds the fetch error for a non-success HTTP status.
func StatusError(status int, retryAfter time.Duration) error {
	err := fmt.Errorf("unexpected status %d", status)
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return fmt.Errorf("%w: status %d", ErrNotFound, status)
	case status == http.StatusTooManyRequests:
		return &TransientFetchError{Kind: FailureRateLimited, StatusCode: status, RetryAfter: retryAfter, Err: err}
	case status == http.StatusRequestTimeout || status >= 500:
		return &TransientFetchError{Kind: FailureTransient, StatusCode: status, RetryAfter: retryAfter, Err: err}
	default:
		return &PermanentFetchError{StatusCode: status, Err: err}
	}
}

// Classify maps an attempt error to a failure kind and any server supplied
// retry delay. Timeouts, network errors and anything unrecognized are
// transient.
func Classify(err error) (FailureKind, time.Duration) {
	if err == nil {
		return FailureNone, 0
	}
	var transient *TransientFetchError
	if errors.As(err, &transient) {
		kind := transient.Kind
		if kind == FailureNone {
			kind = FailureTransient
		}
		return kind, transient.RetryAfter
	}
	if errors.Is(err, ErrNotFound) {
		return FailureNotFound, 0
	}
	var permanent *PermanentFetchError
	if errors.As(err, &permanent) {
		return FailurePermanent, 0
	}
	return FailureTransient, 0
}

// ParseRetryAfter reads a Retry-After header value given in seconds or as
// an HTTP date.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
