package records

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrNameRequired  = errors.New("name is required")
	ErrInvalidEvent  = errors.New("invalid change event")
	ErrNotFound      = errors.New("record not found")
	ErrFetch         = errors.New("fetch failed")
	ErrSubscription  = errors.New("subscription failed")
	ErrMutation      = errors.New("mutation failed")
	ErrShutdown      = errors.New("engine shut down")
	ErrNotConfigured = errors.New("store not configured")
)

// FetchError reports a failed full refresh.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch records: %v", e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool {
	return target == ErrFetch
}

// SubscriptionError reports a failure setting up, running or tearing down the
// change feed. Op is one of "subscribe", "feed" or "unsubscribe".
type SubscriptionError struct {
	Op  string
	Err error
}

func (e *SubscriptionError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("change feed: %v", e.Err)
	}
	return fmt.Sprintf("change feed %s: %v", e.Op, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

func (e *SubscriptionError) Is(target error) bool {
	return target == ErrSubscription
}

// MutationError reports a failed insert, update or delete.
type MutationError struct {
	Op  string
	ID  int64
	Err error
}

func (e *MutationError) Error() string {
	if e.ID > 0 {
		return fmt.Sprintf("%s record %d: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("%s record: %v", e.Op, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

func (e *MutationError) Is(target error) bool {
	return target == ErrMutation
}

// ValidationError wraps field format failures.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid fields: %v", e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}
