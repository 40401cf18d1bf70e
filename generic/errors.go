/*
errors.go - Centralized error types for the engine

PURPOSE:
  All error kinds in one place for consistency and discoverability.
  Domain packages return these (or structured errors that unwrap to them)
  so callers can branch with errors.Is regardless of which component failed.

ERROR KINDS:
  1. ErrInsufficientBalance - redemption/payout exceeds available hours
  2. ErrCapExceeded         - accrual would breach the bank cap
  3. ErrNotFound            - unknown accrual/call-out/level/aggregate id
  4. ErrInvalidState        - operation forbidden in the aggregate's state
  5. ErrInvalidInput        - malformed arguments (negative hours, bad sequence)
  6. ErrConcurrentModification - optimistic version mismatch at persistence

  None of these is fatal. Every failing domain operation leaves its aggregate
  untouched, so retrying after fixing the input is always safe.

USAGE:
  if errors.Is(err, generic.ErrCapExceeded) {
      // tell the employee the bank is full
  }

SEE ALSO:
  - retry.go: Retries ErrConcurrentModification only
  - api/handlers.go: Maps error kinds to HTTP status codes
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
	// ErrInsufficientBalance is returned when a redemption or payout asks for
	// more hours than the account holds.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrCapExceeded is returned when an accrual would push the balance past
	// the account's bank cap. The accrual is rejected in full.
	ErrCapExceeded = errors.New("bank cap exceeded")

	// ErrNotFound is returned when an operation references an unknown id.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when an aggregate's state forbids the operation.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidInput is returned for malformed arguments.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConcurrentModification is returned when optimistic locking detects a conflict.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicate is returned when creating an aggregate whose id already exists.
	ErrDuplicate = errors.New("duplicate id")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	AccountID string
	Available Amount
	Requested Amount
	Shortfall Amount
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance on %s: available %v, requested %v, shortfall %v",
		e.AccountID, e.Available.Value, e.Requested.Value, e.Shortfall.Value)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// CapExceededError provides details about a rejected accrual.
type CapExceededError struct {
	AccountID string
	Balance   Amount
	Earned    Amount
	Cap       Amount
}

func (e *CapExceededError) Error() string {
	return fmt.Sprintf("bank cap exceeded on %s: balance %v + earned %v > cap %v",
		e.AccountID, e.Balance.Value, e.Earned.Value, e.Cap.Value)
}

func (e *CapExceededError) Unwrap() error {
	return ErrCapExceeded
}

// NotFoundError names what was looked up.
type NotFoundError struct {
	Kind string // "account", "accrual", "call-out", "window", "request", "level"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// InvalidStateError describes an operation rejected by the aggregate's state.
type InvalidStateError struct {
	Op     string
	State  string
	Detail string
}

func (e *InvalidStateError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("cannot %s in state %s: %s", e.Op, e.State, e.Detail)
	}
	return fmt.Sprintf("cannot %s in state %s", e.Op, e.State)
}

func (e *InvalidStateError) Unwrap() error {
	return ErrInvalidState
}

// NotFound is a convenience constructor.
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// InvalidState is a convenience constructor.
func InvalidState(op, state, detail string) error {
	return &InvalidStateError{Op: op, State: state, Detail: detail}
}

// InvalidInput wraps ErrInvalidInput with a message.
func InvalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input or
// a request the aggregate's current state cannot honour.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrCapExceeded) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrDuplicate)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
