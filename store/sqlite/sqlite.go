/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence port of the drawdown engine and the
  automation scheduler using SQLite. The PostgreSQL store in
  store/postgres follows the same schema with dialect differences only.

INTERFACES IMPLEMENTED:
  billing.TxStore:             Contracts, transactions, audit log, WithTx
  billing.IDAllocator:         Per-organization counter row
  billing.TransactionIDLister: For the scanning allocator
  automation.SettingsStore:    Per-organization automation settings
  automation.RunStore:         One run record per organization per day

KEY TABLES:
  contracts:           Billable contracts with schedule and balance
  residents, houses:   Read-only lineage joined into contract snapshots
  transactions:        Draft drawdowns, id is the sequential TXN id
  audit_log:           Append-only field changes made by the engine
  org_counters:        Last allocated sequence and id prefix per organization
  automation_settings: Enabled flag and timezone per organization
  automation_runs:     Unique on (organization_id, run_date)

INDEXES:
  - idx_contracts_due: Due-contract fetch (hot path)
  - idx_transactions_resident_automated: Same-day duplicate guard

STORAGE FORMATS:
  Money is stored as decimal TEXT. Dates are YYYY-MM-DD. Instants are UTC
  with fixed-width nanoseconds so text comparison is chronological.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, so ":memory:"
  databases are shared by every call. WithTx holds the write lock for the
  whole unit of work; the tx-scoped store it hands out never locks.

USAGE:
  store, err := sqlite.New("./data/drawdown.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  generator := billing.NewGenerator(store, store, logger)

SEE ALSO:
  - billing/store.go: Port definitions
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/anthonyo1978/taketwo-ndis-sub000/automation"
	"github.com/anthonyo1978/taketwo-ndis-sub000/billing"
)

// timeLayout sorts lexically in chronological order for UTC values.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS houses (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS residents (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		house_id TEXT,
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS contracts (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		resident_id TEXT NOT NULL,
		status TEXT NOT NULL,
		original_amount TEXT NOT NULL,
		current_balance TEXT NOT NULL,
		daily_support_item_cost TEXT,
		start_date TEXT NOT NULL,
		end_date TEXT,
		renewal_date TEXT,
		auto_billing_enabled INTEGER NOT NULL DEFAULT 0,
		frequency TEXT NOT NULL DEFAULT '',
		first_run_date TEXT,
		next_run_date TEXT,
		last_drawdown_date TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Due-contract fetch: auto billing on AND next_run_date = today
	CREATE INDEX IF NOT EXISTS idx_contracts_due
		ON contracts(organization_id, auto_billing_enabled, next_run_date);
	CREATE INDEX IF NOT EXISTS idx_contracts_resident
		ON contracts(resident_id);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		contract_id TEXT NOT NULL,
		resident_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		quantity INTEGER NOT NULL DEFAULT 1,
		unit_price TEXT NOT NULL,
		status TEXT NOT NULL,
		drawdown_status TEXT NOT NULL,
		is_drawdown INTEGER NOT NULL DEFAULT 0,
		is_catchup INTEGER NOT NULL DEFAULT 0,
		occurred_at TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL,
		automation_run_id TEXT,
		created_at TEXT NOT NULL
	);

	-- Same-day duplicate guard (hot path)
	CREATE INDEX IF NOT EXISTS idx_transactions_resident_automated
		ON transactions(resident_id, created_by, occurred_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_org
		ON transactions(organization_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_run
		ON transactions(automation_run_id) WHERE automation_run_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		resident_id TEXT NOT NULL,
		contract_id TEXT NOT NULL,
		action TEXT NOT NULL,
		field TEXT NOT NULL,
		old_value TEXT NOT NULL,
		new_value TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		run_id TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_log_contract
		ON audit_log(contract_id, timestamp);

	CREATE TABLE IF NOT EXISTS org_counters (
		organization_id TEXT PRIMARY KEY,
		prefix TEXT NOT NULL DEFAULT '',
		last_seq INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS automation_settings (
		organization_id TEXT PRIMARY KEY,
		enabled INTEGER NOT NULL DEFAULT 0,
		timezone TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS automation_runs (
		id TEXT PRIMARY KEY,
		generation_id TEXT,
		organization_id TEXT NOT NULL,
		run_date TEXT NOT NULL,
		status TEXT NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		successful INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		total_amount TEXT NOT NULL DEFAULT '0',
		error TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_automation_runs_unique
		ON automation_runs(organization_id, run_date);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// SEEDING - Contracts, residents and houses are owned by other services
// =============================================================================

// SaveHouse upserts a house.
func (s *Store) SaveHouse(ctx context.Context, orgID billing.OrganizationID, h billing.House) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO houses (id, organization_id, name) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, h.ID, orgID, h.Name)
	return err
}

// SaveResident upserts a resident.
func (s *Store) SaveResident(ctx context.Context, r billing.Resident) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var houseID sql.NullString
	if r.HouseID != nil {
		houseID = nullString(string(*r.HouseID))
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO residents (id, organization_id, house_id, first_name, last_name, status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			house_id = excluded.house_id,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			status = excluded.status
	`, r.ID, r.OrganizationID, houseID, r.FirstName, r.LastName, r.Status)
	return err
}

// SaveContract upserts a contract.
func (s *Store) SaveContract(ctx context.Context, c billing.Contract) error {
	if err := c.ValidationError(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}

	var daily sql.NullString
	if c.DailySupportItemCost != nil {
		daily = nullString(c.DailySupportItemCost.Value.String())
	}
	var lastDrawdown sql.NullString
	if c.LastDrawdownDate != nil {
		lastDrawdown = nullString(formatTime(*c.LastDrawdownDate))
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contracts (id, organization_id, resident_id, status, original_amount,
			current_balance, daily_support_item_cost, start_date, end_date, renewal_date,
			auto_billing_enabled, frequency, first_run_date, next_run_date, last_drawdown_date,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			resident_id = excluded.resident_id,
			status = excluded.status,
			original_amount = excluded.original_amount,
			current_balance = excluded.current_balance,
			daily_support_item_cost = excluded.daily_support_item_cost,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			renewal_date = excluded.renewal_date,
			auto_billing_enabled = excluded.auto_billing_enabled,
			frequency = excluded.frequency,
			first_run_date = excluded.first_run_date,
			next_run_date = excluded.next_run_date,
			last_drawdown_date = excluded.last_drawdown_date,
			updated_at = excluded.updated_at
	`,
		c.ID, c.OrganizationID, c.ResidentID, string(c.Status),
		c.OriginalAmount.Value.String(), c.CurrentBalance.Value.String(), daily,
		c.StartDate.String(), nullDate(c.EndDate), nullDate(c.RenewalDate),
		c.AutoBillingEnabled, string(c.Frequency), nullDate(c.FirstRunDate), nullDate(c.NextRunDate),
		lastDrawdown, formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	return err
}

// SetPrefix sets the organization segment of allocated transaction ids.
func (s *Store) SetPrefix(ctx context.Context, orgID billing.OrganizationID, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO org_counters (organization_id, prefix, last_seq) VALUES (?, ?, 0)
		ON CONFLICT(organization_id) DO UPDATE SET prefix = excluded.prefix
	`, orgID, prefix)
	return err
}

// =============================================================================
// CONTRACT STORE (billing.ContractStore interface)
// =============================================================================

const contractSelect = `
	SELECT c.id, c.organization_id, c.resident_id, c.status, c.original_amount,
		c.current_balance, c.daily_support_item_cost, c.start_date, c.end_date, c.renewal_date,
		c.auto_billing_enabled, c.frequency, c.first_run_date, c.next_run_date,
		c.last_drawdown_date, c.created_at, c.updated_at,
		r.id, r.organization_id, r.house_id, r.first_name, r.last_name, r.status,
		h.id, h.name
	FROM contracts c
	LEFT JOIN residents r ON r.id = c.resident_id
	LEFT JOIN houses h ON h.id = r.house_id
`

// ListDueContracts returns auto-billed contracts whose next run date is day.
func (s *Store) ListDueContracts(ctx context.Context, orgID billing.OrganizationID, day billing.Date) ([]billing.ContractSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listDueContracts(ctx, s.db, orgID, day)
}

func listDueContracts(ctx context.Context, q querier, orgID billing.OrganizationID, day billing.Date) ([]billing.ContractSnapshot, error) {
	rows, err := q.QueryContext(ctx, contractSelect+`
		WHERE c.organization_id = ? AND c.auto_billing_enabled = 1 AND c.next_run_date = ?
		ORDER BY c.id
	`, orgID, day.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []billing.ContractSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// GetContractSnapshot returns a contract with its resident and house.
func (s *Store) GetContractSnapshot(ctx context.Context, id billing.ContractID) (billing.ContractSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getContractSnapshot(ctx, s.db, id)
}

func getContractSnapshot(ctx context.Context, q querier, id billing.ContractID) (billing.ContractSnapshot, error) {
	rows, err := q.QueryContext(ctx, contractSelect+` WHERE c.id = ?`, id)
	if err != nil {
		return billing.ContractSnapshot{}, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return billing.ContractSnapshot{}, err
		}
		return billing.ContractSnapshot{}, billing.ErrContractNotFound
	}
	return scanSnapshot(rows)
}

func scanSnapshot(rows *sql.Rows) (billing.ContractSnapshot, error) {
	var c billing.Contract
	var status, original, balance, startDate, frequency, createdAt, updatedAt string
	var daily, endDate, renewalDate, firstRun, nextRun, lastDrawdown sql.NullString
	var rID, rOrg, rHouse, rFirst, rLast, rStatus, hID, hName sql.NullString
	if err := rows.Scan(
		&c.ID, &c.OrganizationID, &c.ResidentID, &status, &original,
		&balance, &daily, &startDate, &endDate, &renewalDate,
		&c.AutoBillingEnabled, &frequency, &firstRun, &nextRun,
		&lastDrawdown, &createdAt, &updatedAt,
		&rID, &rOrg, &rHouse, &rFirst, &rLast, &rStatus,
		&hID, &hName,
	); err != nil {
		return billing.ContractSnapshot{}, err
	}

	var err error
	c.Status = billing.ContractStatus(status)
	c.Frequency = billing.Frequency(frequency)
	if c.OriginalAmount, err = billing.ParseAmount(original); err != nil {
		return billing.ContractSnapshot{}, fmt.Errorf("contract %s original_amount: %w", c.ID, err)
	}
	if c.CurrentBalance, err = billing.ParseAmount(balance); err != nil {
		return billing.ContractSnapshot{}, fmt.Errorf("contract %s current_balance: %w", c.ID, err)
	}
	if daily.Valid {
		a, err := billing.ParseAmount(daily.String)
		if err != nil {
			return billing.ContractSnapshot{}, fmt.Errorf("contract %s daily_support_item_cost: %w", c.ID, err)
		}
		c.DailySupportItemCost = &a
	}
	if c.StartDate, err = billing.ParseDate(startDate); err != nil {
		return billing.ContractSnapshot{}, fmt.Errorf("contract %s start_date: %w", c.ID, err)
	}
	c.EndDate = parseNullDate(endDate)
	c.RenewalDate = parseNullDate(renewalDate)
	c.FirstRunDate = parseNullDate(firstRun)
	c.NextRunDate = parseNullDate(nextRun)
	if lastDrawdown.Valid {
		t := parseTime(lastDrawdown.String)
		c.LastDrawdownDate = &t
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)

	snap := billing.ContractSnapshot{Contract: c}
	if rID.Valid {
		r := billing.Resident{
			ID:             billing.ResidentID(rID.String),
			OrganizationID: billing.OrganizationID(rOrg.String),
			FirstName:      rFirst.String,
			LastName:       rLast.String,
			Status:         rStatus.String,
		}
		if rHouse.Valid {
			h := billing.HouseID(rHouse.String)
			r.HouseID = &h
		}
		snap.Resident = &r
	}
	if hID.Valid {
		snap.House = &billing.House{ID: billing.HouseID(hID.String), Name: hName.String}
	}
	return snap, nil
}

// UpdateContractDrawdown applies the update only while next_run_date still
// holds the expected value.
func (s *Store) UpdateContractDrawdown(ctx context.Context, u billing.ContractUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateContractDrawdown(ctx, s.db, u)
}

func updateContractDrawdown(ctx context.Context, q querier, u billing.ContractUpdate) error {
	var balance, lastDrawdown sql.NullString
	if u.Balance != nil {
		balance = nullString(u.Balance.Value.String())
	}
	if u.LastDrawdownDate != nil {
		lastDrawdown = nullString(formatTime(*u.LastDrawdownDate))
	}

	res, err := q.ExecContext(ctx, `
		UPDATE contracts SET
			next_run_date = ?,
			current_balance = COALESCE(?, current_balance),
			last_drawdown_date = COALESCE(?, last_drawdown_date),
			updated_at = ?
		WHERE id = ? AND next_run_date = ?
	`, u.NextRunDate.String(), balance, lastDrawdown, formatTime(time.Now()),
		u.ContractID, u.ExpectedNextRunDate.String())
	if err != nil {
		return fmt.Errorf("failed to update contract: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var count int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM contracts WHERE id = ?`, u.ContractID).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		return billing.ErrContractNotFound
	}
	return billing.ErrConcurrentModification
}

// =============================================================================
// TRANSACTION STORE (billing.TransactionStore interface)
// =============================================================================

// InsertTransaction persists a draft with its caller-supplied id.
func (s *Store) InsertTransaction(ctx context.Context, tx billing.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertTransaction(ctx, s.db, tx)
}

func insertTransaction(ctx context.Context, q querier, tx billing.Transaction) error {
	createdAt := tx.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO transactions (id, organization_id, contract_id, resident_id, amount,
			quantity, unit_price, status, drawdown_status, is_drawdown, is_catchup,
			occurred_at, description, note, created_by, automation_run_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.ID, tx.OrganizationID, tx.ContractID, tx.ResidentID, tx.Amount.Value.String(),
		tx.Quantity, tx.UnitPrice.Value.String(), string(tx.Status), string(tx.DrawdownStatus),
		tx.IsDrawdown, tx.IsCatchup, formatTime(tx.OccurredAt), tx.Description, tx.Note,
		tx.CreatedBy, nullString(string(tx.AutomationRunID)), formatTime(createdAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return billing.ErrDuplicateTransactionID
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// FindAutomatedTransaction returns the lowest automated transaction id for
// the resident with occurred_at in [from, to).
func (s *Store) FindAutomatedTransaction(ctx context.Context, residentID billing.ResidentID, from, to time.Time) (billing.TransactionID, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findAutomatedTransaction(ctx, s.db, residentID, from, to)
}

func findAutomatedTransaction(ctx context.Context, q querier, residentID billing.ResidentID, from, to time.Time) (billing.TransactionID, bool, error) {
	var id string
	err := q.QueryRowContext(ctx, `
		SELECT id FROM transactions
		WHERE resident_id = ? AND created_by = ? AND occurred_at >= ? AND occurred_at < ?
		ORDER BY id
		LIMIT 1
	`, residentID, billing.AutomationActor, formatTime(from), formatTime(to)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return billing.TransactionID(id), true, nil
}

// DeleteTransaction removes a transaction. Used only for rollback.
func (s *Store) DeleteTransaction(ctx context.Context, id billing.TransactionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteTransaction(ctx, s.db, id)
}

func deleteTransaction(ctx context.Context, q querier, id billing.TransactionID) error {
	res, err := q.ExecContext(ctx, `DELETE FROM transactions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return billing.ErrTransactionNotFound
	}
	return nil
}

// ListTransactions returns transactions matching the filter.
func (s *Store) ListTransactions(ctx context.Context, f billing.TransactionFilter) ([]billing.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listTransactions(ctx, s.db, f)
}

func listTransactions(ctx context.Context, q querier, f billing.TransactionFilter) ([]billing.Transaction, error) {
	var where []string
	var args []any
	if f.OrganizationID != nil {
		where, args = append(where, "organization_id = ?"), append(args, *f.OrganizationID)
	}
	if f.ContractID != nil {
		where, args = append(where, "contract_id = ?"), append(args, *f.ContractID)
	}
	if f.ResidentID != nil {
		where, args = append(where, "resident_id = ?"), append(args, *f.ResidentID)
	}
	if f.RunID != nil {
		where, args = append(where, "automation_run_id = ?"), append(args, *f.RunID)
	}

	query := `
		SELECT id, organization_id, contract_id, resident_id, amount, quantity, unit_price,
			status, drawdown_status, is_drawdown, is_catchup, occurred_at, description, note,
			created_by, automation_run_id, created_at
		FROM transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY occurred_at, id"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []billing.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func scanTransaction(rows *sql.Rows) (billing.Transaction, error) {
	var tx billing.Transaction
	var amount, unitPrice, status, dds, occurredAt, createdAt string
	var runID sql.NullString
	if err := rows.Scan(
		&tx.ID, &tx.OrganizationID, &tx.ContractID, &tx.ResidentID, &amount, &tx.Quantity, &unitPrice,
		&status, &dds, &tx.IsDrawdown, &tx.IsCatchup, &occurredAt, &tx.Description, &tx.Note,
		&tx.CreatedBy, &runID, &createdAt,
	); err != nil {
		return billing.Transaction{}, err
	}

	var err error
	if tx.Amount, err = billing.ParseAmount(amount); err != nil {
		return billing.Transaction{}, fmt.Errorf("transaction %s amount: %w", tx.ID, err)
	}
	if tx.UnitPrice, err = billing.ParseAmount(unitPrice); err != nil {
		return billing.Transaction{}, fmt.Errorf("transaction %s unit_price: %w", tx.ID, err)
	}
	tx.Status = billing.TransactionStatus(status)
	tx.DrawdownStatus = billing.DrawdownStatus(dds)
	tx.OccurredAt = parseTime(occurredAt)
	tx.CreatedAt = parseTime(createdAt)
	tx.AutomationRunID = billing.RunID(runID.String)
	return tx, nil
}

// ListTransactionIDs returns every transaction id of an organization.
func (s *Store) ListTransactionIDs(ctx context.Context, orgID billing.OrganizationID) ([]billing.TransactionID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listTransactionIDs(ctx, s.db, orgID)
}

func listTransactionIDs(ctx context.Context, q querier, orgID billing.OrganizationID) ([]billing.TransactionID, error) {
	rows, err := q.QueryContext(ctx, `SELECT id FROM transactions WHERE organization_id = ?`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []billing.TransactionID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, billing.TransactionID(id))
	}
	return ids, rows.Err()
}

// =============================================================================
// ID ALLOCATOR (billing.IDAllocator interface)
// =============================================================================

// AllocateTransactionID increments the organization's counter row.
func (s *Store) AllocateTransactionID(ctx context.Context, orgID billing.OrganizationID) (billing.TransactionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return allocateTransactionID(ctx, s.db, orgID)
}

func allocateTransactionID(ctx context.Context, q querier, orgID billing.OrganizationID) (billing.TransactionID, error) {
	var seq int64
	var prefix string
	err := q.QueryRowContext(ctx, `
		INSERT INTO org_counters (organization_id, prefix, last_seq) VALUES (?, '', 1)
		ON CONFLICT(organization_id) DO UPDATE SET last_seq = last_seq + 1
		RETURNING last_seq, prefix
	`, orgID).Scan(&seq, &prefix)
	if err != nil {
		return "", fmt.Errorf("failed to allocate transaction id: %w", err)
	}
	return billing.FormatTransactionID(prefix, seq)
}

// =============================================================================
// AUDIT LOG (billing.AuditLog interface)
// =============================================================================

// AppendAudit records one field change.
func (s *Store) AppendAudit(ctx context.Context, e billing.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendAudit(ctx, s.db, e)
}

func appendAudit(ctx context.Context, q querier, e billing.AuditEntry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO audit_log (id, organization_id, resident_id, contract_id, action, field,
			old_value, new_value, timestamp, run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.OrganizationID, e.ResidentID, e.ContractID, string(e.Action), e.Field,
		e.OldValue, e.NewValue, formatTime(e.Timestamp), nullString(string(e.RunID)))
	return err
}

// ListAudit returns a contract's audit entries oldest first.
func (s *Store) ListAudit(ctx context.Context, contractID billing.ContractID) ([]billing.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listAudit(ctx, s.db, contractID)
}

func listAudit(ctx context.Context, q querier, contractID billing.ContractID) ([]billing.AuditEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, organization_id, resident_id, contract_id, action, field, old_value,
			new_value, timestamp, run_id
		FROM audit_log
		WHERE contract_id = ?
		ORDER BY timestamp, rowid
	`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []billing.AuditEntry
	for rows.Next() {
		var e billing.AuditEntry
		var action, ts string
		var runID sql.NullString
		if err := rows.Scan(&e.ID, &e.OrganizationID, &e.ResidentID, &e.ContractID, &action,
			&e.Field, &e.OldValue, &e.NewValue, &ts, &runID); err != nil {
			return nil, err
		}
		e.Action = billing.AuditAction(action)
		e.Timestamp = parseTime(ts)
		e.RunID = billing.RunID(runID.String)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE (billing.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store billing.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore runs every call on the open transaction, ids included.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) ListDueContracts(ctx context.Context, orgID billing.OrganizationID, day billing.Date) ([]billing.ContractSnapshot, error) {
	return listDueContracts(ctx, ts.tx, orgID, day)
}

func (ts *txStore) GetContractSnapshot(ctx context.Context, id billing.ContractID) (billing.ContractSnapshot, error) {
	return getContractSnapshot(ctx, ts.tx, id)
}

func (ts *txStore) UpdateContractDrawdown(ctx context.Context, u billing.ContractUpdate) error {
	return updateContractDrawdown(ctx, ts.tx, u)
}

func (ts *txStore) InsertTransaction(ctx context.Context, tx billing.Transaction) error {
	return insertTransaction(ctx, ts.tx, tx)
}

func (ts *txStore) FindAutomatedTransaction(ctx context.Context, residentID billing.ResidentID, from, to time.Time) (billing.TransactionID, bool, error) {
	return findAutomatedTransaction(ctx, ts.tx, residentID, from, to)
}

func (ts *txStore) DeleteTransaction(ctx context.Context, id billing.TransactionID) error {
	return deleteTransaction(ctx, ts.tx, id)
}

func (ts *txStore) ListTransactions(ctx context.Context, f billing.TransactionFilter) ([]billing.Transaction, error) {
	return listTransactions(ctx, ts.tx, f)
}

func (ts *txStore) AppendAudit(ctx context.Context, e billing.AuditEntry) error {
	return appendAudit(ctx, ts.tx, e)
}

func (ts *txStore) ListAudit(ctx context.Context, contractID billing.ContractID) ([]billing.AuditEntry, error) {
	return listAudit(ctx, ts.tx, contractID)
}

func (ts *txStore) ListTransactionIDs(ctx context.Context, orgID billing.OrganizationID) ([]billing.TransactionID, error) {
	return listTransactionIDs(ctx, ts.tx, orgID)
}

func (ts *txStore) AllocateTransactionID(ctx context.Context, orgID billing.OrganizationID) (billing.TransactionID, error) {
	return allocateTransactionID(ctx, ts.tx, orgID)
}

// =============================================================================
// AUTOMATION SETTINGS (automation.SettingsStore interface)
// =============================================================================

// SaveSettings upserts an organization's automation settings.
func (s *Store) SaveSettings(ctx context.Context, st automation.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := st.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO automation_settings (organization_id, enabled, timezone, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(organization_id) DO UPDATE SET
			enabled = excluded.enabled,
			timezone = excluded.timezone,
			updated_at = excluded.updated_at
	`, st.OrganizationID, st.Enabled, st.Timezone, formatTime(updated))
	return err
}

// GetSettings returns automation.ErrSettingsNotFound for an unknown organization.
func (s *Store) GetSettings(ctx context.Context, orgID billing.OrganizationID) (automation.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st automation.Settings
	var updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT organization_id, enabled, timezone, updated_at
		FROM automation_settings WHERE organization_id = ?
	`, orgID).Scan(&st.OrganizationID, &st.Enabled, &st.Timezone, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return automation.Settings{}, automation.ErrSettingsNotFound
	}
	if err != nil {
		return automation.Settings{}, err
	}
	st.UpdatedAt = parseTime(updated)
	return st, nil
}

// ListEnabledSettings returns every organization with automation on.
func (s *Store) ListEnabledSettings(ctx context.Context) ([]automation.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT organization_id, enabled, timezone, updated_at
		FROM automation_settings WHERE enabled = 1
		ORDER BY organization_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []automation.Settings
	for rows.Next() {
		var st automation.Settings
		var updated string
		if err := rows.Scan(&st.OrganizationID, &st.Enabled, &st.Timezone, &updated); err != nil {
			return nil, err
		}
		st.UpdatedAt = parseTime(updated)
		result = append(result, st)
	}
	return result, rows.Err()
}

// =============================================================================
// AUTOMATION RUNS (automation.RunStore interface)
// =============================================================================

// SaveRun upserts the run for (organization, run date).
func (s *Store) SaveRun(ctx context.Context, r automation.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var completedAt sql.NullString
	if r.CompletedAt != nil {
		completedAt = nullString(formatTime(*r.CompletedAt))
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO automation_runs (id, generation_id, organization_id, run_date, status,
			processed, successful, failed, total_amount, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(organization_id, run_date) DO UPDATE SET
			id = excluded.id,
			generation_id = excluded.generation_id,
			status = excluded.status,
			processed = excluded.processed,
			successful = excluded.successful,
			failed = excluded.failed,
			total_amount = excluded.total_amount,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`, r.ID, nullString(string(r.GenerationID)), r.OrganizationID, r.RunDate.String(), string(r.Status),
		r.Processed, r.Successful, r.Failed, r.TotalAmount.Value.String(), r.Error,
		formatTime(r.StartedAt), completedAt)
	return err
}

const runSelect = `
	SELECT id, generation_id, organization_id, run_date, status, processed, successful,
		failed, total_amount, error, started_at, completed_at
	FROM automation_runs
`

// GetRun returns automation.ErrRunNotFound when no run exists for the day.
func (s *Store) GetRun(ctx context.Context, orgID billing.OrganizationID, day billing.Date) (automation.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs, err := s.queryRuns(ctx, runSelect+` WHERE organization_id = ? AND run_date = ?`, orgID, day.String())
	if err != nil {
		return automation.Run{}, err
	}
	if len(runs) == 0 {
		return automation.Run{}, automation.ErrRunNotFound
	}
	return runs[0], nil
}

// ListRuns returns an organization's runs, newest first.
func (s *Store) ListRuns(ctx context.Context, orgID billing.OrganizationID, limit int) ([]automation.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := runSelect + ` WHERE organization_id = ? ORDER BY run_date DESC`
	args := []any{orgID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryRuns(ctx, query, args...)
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]automation.Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []automation.Run
	for rows.Next() {
		var r automation.Run
		var genID, completedAt sql.NullString
		var runDate, status, total, startedAt string
		if err := rows.Scan(&r.ID, &genID, &r.OrganizationID, &runDate, &status, &r.Processed,
			&r.Successful, &r.Failed, &total, &r.Error, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		r.GenerationID = billing.RunID(genID.String)
		r.RunDate, _ = billing.ParseDate(runDate)
		r.Status = automation.RunStatus(status)
		r.TotalAmount, _ = billing.ParseAmount(total)
		r.StartedAt = parseTime(startedAt)
		if completedAt.Valid {
			t := parseTime(completedAt.String)
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDate(d *billing.Date) sql.NullString {
	if d == nil || d.IsZero() {
		return sql.NullString{}
	}
	return nullString(d.String())
}

func parseNullDate(s sql.NullString) *billing.Date {
	if !s.Valid {
		return nil
	}
	d, err := billing.ParseDate(s.String)
	if err != nil {
		return nil
	}
	return &d
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique
}
