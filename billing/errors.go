/*
errors.go - Centralized error types for the drawdown engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Stores and the API wrap these with additional context.

ERROR CATEGORIES:
  1. Validation - bad contract configuration (never thrown by the calculator)
  2. Operational - insufficient balance, duplicate today, bad amount
  3. Persistence - store failures, id collisions, concurrent edits

USAGE:
  if errors.Is(err, billing.ErrDuplicatePrevented) {
      // something already billed this resident today, investigate
  }

SEE ALSO:
  - generator.go: Maps these to ErrorKind in the run result
  - api/handlers.go: Maps these to HTTP status codes
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientBalance is returned when the drawdown exceeds the contract balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDuplicatePrevented is returned when an automated transaction already
	// exists for the resident today. This is the persisted idempotency guard.
	ErrDuplicatePrevented = errors.New("duplicate prevented: resident already billed today")

	// ErrDuplicateResident is returned when a run meets a second contract for
	// a resident it already processed.
	ErrDuplicateResident = errors.New("duplicate contract for same resident")

	// ErrInvalidAmount is returned when the computed transaction amount is not positive.
	ErrInvalidAmount = errors.New("invalid transaction amount")

	// ErrInvalidFrequency is returned for an empty or unknown drawdown frequency.
	ErrInvalidFrequency = errors.New("invalid drawdown frequency")

	// ErrDuplicateTransactionID is returned by a store when an allocated id collides.
	ErrDuplicateTransactionID = errors.New("duplicate transaction id")

	// ErrSequenceExhausted is returned when the id sequence runs past letter Z.
	ErrSequenceExhausted = errors.New("transaction id sequence exhausted")

	// ErrContractNotFound is returned when a referenced contract doesn't exist.
	ErrContractNotFound = errors.New("contract not found")

	// ErrTransactionNotFound is returned when a referenced transaction doesn't exist.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrConcurrentModification is returned when a contract's next run date
	// changed between read and update.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrInvalidContract is returned when a stored contract breaks the data-model rules.
	ErrInvalidContract = errors.New("invalid contract")

	// ErrInvalidTransition is returned for an illegal contract status change.
	ErrInvalidTransition = errors.New("invalid contract status transition")

	// ErrInvalidCatchup is returned when a catch-up request is misconfigured.
	ErrInvalidCatchup = errors.New("invalid catch-up request")

	// ErrCatchupLimitExceeded is returned when a catch-up would need more than MaxCatchupTransactions.
	ErrCatchupLimitExceeded = errors.New("catch-up limit exceeded")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	ContractID ContractID
	Available  Amount
	Requested  Amount
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s, requested %s, shortfall %s",
		e.Available, e.Requested, e.Requested.Sub(e.Available))
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// DuplicateTodayError names the transaction that already billed the resident.
type DuplicateTodayError struct {
	ResidentID   ResidentID
	Day          Date
	ExistingTxID TransactionID
}

func (e *DuplicateTodayError) Error() string {
	if e.ExistingTxID == "" {
		return fmt.Sprintf("duplicate prevented: resident %s already has an automated transaction on %s", e.ResidentID, e.Day)
	}
	return fmt.Sprintf("duplicate prevented: resident %s already has automated transaction %s on %s",
		e.ResidentID, e.ExistingTxID, e.Day)
}

func (e *DuplicateTodayError) Unwrap() error {
	return ErrDuplicatePrevented
}

// RollbackError reports a contract update failure and whether the
// compensating delete of the orphan transaction succeeded.
type RollbackError struct {
	TransactionID TransactionID
	UpdateErr     error
	DeleteErr     error
}

func (e *RollbackError) Error() string {
	if e.DeleteErr != nil {
		return fmt.Sprintf("contract update failed (%v) and orphan transaction %s could not be removed: %v",
			e.UpdateErr, e.TransactionID, e.DeleteErr)
	}
	return fmt.Sprintf("contract update failed, transaction %s rolled back: %v", e.TransactionID, e.UpdateErr)
}

func (e *RollbackError) Unwrap() error {
	return e.UpdateErr
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrContractNotFound) || errors.Is(err, ErrTransactionNotFound)
}
