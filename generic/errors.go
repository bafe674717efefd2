/*
errors.go - Centralized error types for the derivation engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Domain packages and store adapters wrap these errors with additional context.

ERROR CATEGORIES:
  1. UnknownPlan - Plan code not in the plan-rate table. The payment's
     commission generation is skipped with a warning; batches continue.
  2. StorageUnavailable - Transient store failure. The unit of work (one
     payment, one agent-period) is retried with backoff; no rollup is released.
  3. InvariantViolation - Bad input record (negative amount, date before the
     contract start, outright cap overflow). The record is rejected and logged.

USAGE:
  Callers classify with errors.Is / errors.As:

    if errors.Is(err, generic.ErrUnknownPlan) {
        logger.Warn("skipping commission", "error", err)
    }

SEE ALSO:
  - store.go: Interfaces whose adapters wrap failures as StorageError
  - commission/splitter.go: Raises UnknownPlan and InvariantViolation
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrUnknownPlan is returned when a payment's plan code has no rate record.
	ErrUnknownPlan = errors.New("unknown plan")

	// ErrStorageUnavailable is returned for transient storage failures.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrInvariantViolation is returned when a record breaks an engine invariant.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrDuplicateIdempotencyKey is returned when a record with the same id
	// already exists. This is expected behavior for retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrRollupReleased is returned when a conditional rollup transition loses
	// to a concurrent release of the same (agent, period).
	ErrRollupReleased = errors.New("rollup already released")

	// ErrNotFound is returned when a referenced agent, contract or payment doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidPeriod is returned when a period label is malformed.
	ErrInvalidPeriod = errors.New("invalid period")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// UnknownPlanError names the plan code that could not be resolved.
type UnknownPlanError struct {
	PlanCode  PlanCode
	PaymentID PaymentID
}

func (e *UnknownPlanError) Error() string {
	if e.PaymentID == "" {
		return fmt.Sprintf("unknown plan %q", e.PlanCode)
	}
	return fmt.Sprintf("unknown plan %q for payment %s", e.PlanCode, e.PaymentID)
}

func (e *UnknownPlanError) Unwrap() error {
	return ErrUnknownPlan
}

// InvariantViolationError describes a rejected record.
type InvariantViolationError struct {
	Record string // e.g. "payment pay-001", "contract ctr-9"
	Reason string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation: %s: %s", e.Record, e.Reason)
}

func (e *InvariantViolationError) Unwrap() error {
	return ErrInvariantViolation
}

// Violation is shorthand for building an InvariantViolationError.
func Violation(record, format string, args ...any) error {
	return &InvariantViolationError{Record: record, Reason: fmt.Sprintf(format, args...)}
}

// StorageError wraps a driver failure from a store adapter.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Is makes StorageError match ErrStorageUnavailable.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorageUnavailable
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Unavailable wraps err as a StorageError unless it is nil or already classified.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) || errors.Is(err, ErrInvariantViolation) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvariantViolation) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrInvalidPeriod)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
