package domain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotFound signals a golden/cache miss. Control flow, not a failure.
	ErrNotFound = errors.New("not found")
	// ErrInvalidRequest signals malformed input. Never retried.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrCircuitOpen signals a fast-fail without a downstream attempt.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrPoolExhausted signals no connection within the checkout deadline.
	ErrPoolExhausted = errors.New("connection pool exhausted")
	// ErrProviderUnavailable signals an embedding provider failure.
	ErrProviderUnavailable = errors.New("embedding provider unavailable")
	// ErrCollectionUnavailable signals a failing vector collection.
	ErrCollectionUnavailable = errors.New("collection unavailable")
	// ErrRateLimited signals a downstream rate limit.
	ErrRateLimited = errors.New("rate limited")
	// ErrUnavailable signals a temporary downstream outage.
	ErrUnavailable = errors.New("temporarily unavailable")
	// ErrSearchUnavailable signals that every collection in a parallel
	// search failed.
	ErrSearchUnavailable = errors.New("search unavailable")
)

// AllCollectionsFailedError wraps ErrSearchUnavailable with the
// per-collection failures of one fan-out.
type AllCollectionsFailedError struct {
	Causes map[string]error
}

func (e *AllCollectionsFailedError) Error() string {
	names := make([]string, 0, len(e.Causes))
	for name := range e.Causes {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Sprintf("%s: all %d collections failed (%s)",
		ErrSearchUnavailable.Error(), len(e.Causes), strings.Join(names, ", "))
}

func (e *AllCollectionsFailedError) Unwrap() error { return ErrSearchUnavailable }

// NewAllCollectionsFailed creates the terminal fan-out failure.
func NewAllCollectionsFailed(causes map[string]error) error {
	return &AllCollectionsFailedError{Causes: causes}
}

/// IsTransient reports whether err belongs to the retryable error class:
// timeouts, rate limits and temporary unavailability. Misses, malformed
// requests, open circuits and exhausted pools are not retryable.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrUnavailable),
		errors.Is(err, ErrProviderUnavailable),
		errors.Is(err, ErrCollectionUnavailable):
		return true
	}
	return false
}
