package models

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionExpired is returned for a 401 on an authenticated call.
	ErrSessionExpired = errors.New("session expired")
	// ErrRateLimited is returned for a 429 response.
	ErrRateLimited = errors.New("rate limited")
	// ErrNotFound is returned for a 404 response.
	ErrNotFound = errors.New("not found")
	// ErrUnconfirmed means neither the confirmation endpoint nor the open
	// positions could confirm a deal. The outcome is unknown, not failed.
	ErrUnconfirmed = errors.New("deal outcome unconfirmed")
)

// AuthenticationError is a non-retryable credential failure.
type AuthenticationError struct {
	Reason string
	Status int
}

func (e *AuthenticationError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("authentication failed (%d): %s", e.Status, e.Reason)
	}
	return "authentication failed: " + e.Reason
}

// EpicNotFoundError is returned once every candidate epic for a symbol failed.
type EpicNotFoundError struct {
	Symbol     string
	Candidates []string
}

func (e *EpicNotFoundError) Error() string {
	return fmt.Sprintf("no epic found for symbol %s (tried %d candidates)", e.Symbol, len(e.Candidates))
}

// Is lets errors.Is(err, ErrNotFound) match an exhausted resolution.
func (e *EpicNotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ValidationError reports a caller-intent contradiction rejected before
// submission.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// OrderRejectedError carries the broker's reject reason.
type OrderRejectedError struct {
	DealReference string
	Reason        string
}

func (e *OrderRejectedError) Error() string {
	return fmt.Sprintf("deal %s rejected: %s", e.DealReference, e.Reason)
}

// NetworkError wraps a transport failure or timeout.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// APIError is any other non-2xx broker response.
type APIError struct {
	Status int
	Code   string
	Path   string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("broker returned %d for %s: %s", e.Status, e.Path, e.Code)
	}
	return fmt.Sprintf("broker returned %d for %s", e.Status, e.Path)
}

// IsRetryable reports whether err is transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, ErrRateLimited)
}
