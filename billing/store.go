/*
store.go - Ports between the engine and its collaborators

PURPOSE:
  Defines the interfaces the engine is constructed with. Nothing in this
  package holds a process-wide store; every collaborator is injected so tests
  can substitute in-memory fakes.

KEY INTERFACES:
  ContractStore:    Due-contract fetch, single fetch, drawdown update
  TransactionStore: Insert with caller-supplied id, same-day lookup, delete
  IDAllocator:      Organization-scoped sequential transaction ids
  AuditLog:         Append-only balance change records
  TxStore:          Optional real unit of work across the above
  Notifier:         Told once per completed run

UNIT OF WORK:
  When the store implements TxStore, the transaction insert and the contract
  update commit together. Otherwise the generator inserts, updates, and
  deletes the inserted transaction if the update fails.

IMPLEMENTATIONS:
  - billing/store/memory.go: In-memory for tests and demos
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL

SEE ALSO:
  - generator.go: Consumer of every port
*/
package billing

import (
	"context"
	"time"
)

// =============================================================================
// CONTRACT STORE
// =============================================================================

type ContractStore interface {
	// ListDueContracts returns snapshots for one organization pre-filtered to
	// auto billing enabled AND next run date == day, ordered by contract id.
	ListDueContracts(ctx context.Context, orgID OrganizationID, day Date) ([]ContractSnapshot, error)

	// GetContractSnapshot returns ErrContractNotFound when id is unknown.
	GetContractSnapshot(ctx context.Context, id ContractID) (ContractSnapshot, error)

	// UpdateContractDrawdown applies update only while the stored next run
	// date still equals update.ExpectedNextRunDate; otherwise it returns
	// ErrConcurrentModification and changes nothing.
	UpdateContractDrawdown(ctx context.Context, update ContractUpdate) error
}

// ContractUpdate carries the fields the engine mutates. A nil Balance leaves
// the balance untouched (catch-up advances the schedule only).
type ContractUpdate struct {
	ContractID          ContractID
	ExpectedNextRunDate Date
	NextRunDate         Date
	Balance             *Amount
	LastDrawdownDate    *time.Time
}

// =============================================================================
// TRANSACTION STORE
// =============================================================================

type TransactionStore interface {
	// InsertTransaction persists tx with its caller-supplied id. Returns
	// ErrDuplicateTransactionID if the id is taken.
	InsertTransaction(ctx context.Context, tx Transaction) error

	// FindAutomatedTransaction looks for a transaction created by the
	// automation actor for residentID with OccurredAt in [from, to).
	FindAutomatedTransaction(ctx context.Context, residentID ResidentID, from, to time.Time) (TransactionID, bool, error)

	// DeleteTransaction removes a transaction. Used only for rollback.
	DeleteTransaction(ctx context.Context, id TransactionID) error

	// ListTransactions returns transactions matching filter, ordered by OccurredAt.
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)
}

type TransactionFilter struct {
	OrganizationID *OrganizationID
	ContractID     *ContractID
	ResidentID     *ResidentID
	RunID          *RunID
}

// =============================================================================
// ID ALLOCATOR
// =============================================================================

// IDAllocator hands out organization-scoped sequential ids. Implementations
// must be safe for concurrent callers; gaps are acceptable.
type IDAllocator interface {
	AllocateTransactionID(ctx context.Context, orgID OrganizationID) (TransactionID, error)
}

// =============================================================================
// AUDIT LOG - Append-only
// =============================================================================

type AuditAction string

const (
	AuditAutomatedDrawdown AuditAction = "automated_drawdown"
	AuditCatchupScheduled  AuditAction = "catchup_schedule_advanced"
)

// AuditEntry records one field change made by the engine.
type AuditEntry struct {
	ID             string
	OrganizationID OrganizationID
	ResidentID     ResidentID
	ContractID     ContractID
	Action         AuditAction
	Field          string
	OldValue       string
	NewValue       string
	Timestamp      time.Time
	RunID          RunID
}

type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	ListAudit(ctx context.Context, contractID ContractID) ([]AuditEntry, error)
}

// =============================================================================
// COMBINED STORE
// =============================================================================

type Store interface {
	ContractStore
	TransactionStore
	AuditLog
}

// TxStore wraps Store with transaction support.
// If fn returns an error the transaction is rolled back.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// NOTIFIER
// =============================================================================

// Notifier tells organization admins a run finished. Delivery is external.
type Notifier interface {
	RunCompleted(ctx context.Context, orgID OrganizationID, result *GenerationResult) error
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) RunCompleted(context.Context, OrganizationID, *GenerationResult) error { return nil }
