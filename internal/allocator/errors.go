package allocator

import (
	"errors"
	"fmt"
)

// Kind classifies allocation failures.
type Kind string

const (
	// Upstream covers timeouts, transport failures and 5xx replies. Retryable.
	Upstream Kind = "upstream"
	// InvalidResponse means the allocator answered with something unusable.
	InvalidResponse Kind = "invalid_response"
	// RegionUnavailable means the requested region cannot be served.
	RegionUnavailable Kind = "region_unavailable"
)

// AllocationError reports why a lease could not be obtained.
type AllocationError struct {
	Kind   Kind
	Region string
	Err    error
}

func (e *AllocationError) Error() string {
	if e.Region != "" {
		return fmt.Sprintf("allocation failed (%s, region %s): %v", e.Kind, e.Region, e.Err)
	}
	return fmt.Sprintf("allocation failed (%s): %v", e.Kind, e.Err)
}

func (e *AllocationError) Unwrap() error {
	return e.Err
}

// Retryable reports whether a single immediate retry may succeed.
func (e *AllocationError) Retryable() bool {
	return e.Kind == Upstream
}

// IsRetryable reports whether err is a retryable AllocationError.
func IsRetryable(err error) bool {
	var allocErr *AllocationError
	return errors.As(err, &allocErr) && allocErr.Retryable()
}

// KindOf returns the allocation error kind, or "" for other errors.
func KindOf(err error) Kind {
	var allocErr *AllocationError
	if errors.As(err, &allocErr) {
		return allocErr.Kind
	}
	return ""
}
