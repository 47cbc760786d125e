/*
Package postgres provides a PostgreSQL-backed implementation of the storage interfaces.

PURPOSE:
  Same ports and schema as store/sqlite, for deployments where several
  scheduler or API processes share one database.

DIFFERENCES FROM SQLITE:
  - Money is NUMERIC(14,2), dates are DATE, instants are TIMESTAMPTZ
  - Transaction ids are allocated under pg_advisory_xact_lock per
    organization so concurrent processes never hand out the same sequence
  - Inserts use ON CONFLICT DO NOTHING so an id collision does not abort
    the surrounding transaction
  - Unique violations elsewhere are classified with pgerrcode

USAGE:
  store, err := postgres.New(ctx, "postgres://localhost/drawdown")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - store/sqlite/sqlite.go: Reference implementation and schema notes
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/anthonyo1978/taketwo-ndis-sub000/automation"
	"github.com/anthonyo1978/taketwo-ndis-sub000/billing"
)

// Store implements all storage interfaces on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// New connects and migrates the schema.
func New(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	store := &Store{pool: pool}
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// NewFromPool wraps an existing pool without migrating.
func NewFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
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
		original_amount NUMERIC(14,2) NOT NULL,
		current_balance NUMERIC(14,2) NOT NULL,
		daily_support_item_cost NUMERIC(14,2),
		start_date DATE NOT NULL,
		end_date DATE,
		renewal_date DATE,
		auto_billing_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		frequency TEXT NOT NULL DEFAULT '',
		first_run_date DATE,
		next_run_date DATE,
		last_drawdown_date TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_contracts_due
		ON contracts(organization_id, next_run_date) WHERE auto_billing_enabled;

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		contract_id TEXT NOT NULL,
		resident_id TEXT NOT NULL,
		amount NUMERIC(14,2) NOT NULL,
		quantity INTEGER NOT NULL DEFAULT 1,
		unit_price NUMERIC(14,2) NOT NULL,
		status TEXT NOT NULL,
		drawdown_status TEXT NOT NULL,
		is_drawdown BOOLEAN NOT NULL DEFAULT FALSE,
		is_catchup BOOLEAN NOT NULL DEFAULT FALSE,
		occurred_at TIMESTAMPTZ NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL,
		automation_run_id TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_resident_automated
		ON transactions(resident_id, created_by, occurred_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_org
		ON transactions(organization_id);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		seq BIGSERIAL,
		organization_id TEXT NOT NULL,
		resident_id TEXT NOT NULL,
		contract_id TEXT NOT NULL,
		action TEXT NOT NULL,
		field TEXT NOT NULL,
		old_value TEXT NOT NULL,
		new_value TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		run_id TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_log_contract
		ON audit_log(contract_id, timestamp);

	CREATE TABLE IF NOT EXISTS org_counters (
		organization_id TEXT PRIMARY KEY,
		prefix TEXT NOT NULL DEFAULT '',
		last_seq BIGINT NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS automation_settings (
		organization_id TEXT PRIMARY KEY,
		enabled BOOLEAN NOT NULL DEFAULT FALSE,
		timezone TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS automation_runs (
		id TEXT PRIMARY KEY,
		generation_id TEXT,
		organization_id TEXT NOT NULL,
		run_date DATE NOT NULL,
		status TEXT NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		successful INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		total_amount NUMERIC(14,2) NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		UNIQUE (organization_id, run_date)
	);
	`)
	return err
}

// =============================================================================
// SEEDING
// =============================================================================

func (s *Store) SaveHouse(ctx context.Context, orgID billing.OrganizationID, h billing.House) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO houses (id, organization_id, name) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
	`, string(h.ID), string(orgID), h.Name)
	return err
}

func (s *Store) SaveResident(ctx context.Context, r billing.Resident) error {
	var houseID *string
	if r.HouseID != nil {
		h := string(*r.HouseID)
		houseID = &h
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO residents (id, organization_id, house_id, first_name, last_name, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			house_id = EXCLUDED.house_id,
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			status = EXCLUDED.status
	`, string(r.ID), string(r.OrganizationID), houseID, r.FirstName, r.LastName, r.Status)
	return err
}

func (s *Store) SaveContract(ctx context.Context, c billing.Contract) error {
	if err := c.ValidationError(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO contracts (id, organization_id, resident_id, status, original_amount,
			current_balance, daily_support_item_cost, start_date, end_date, renewal_date,
			auto_billing_enabled, frequency, first_run_date, next_run_date, last_drawdown_date)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			resident_id = EXCLUDED.resident_id,
			status = EXCLUDED.status,
			original_amount = EXCLUDED.original_amount,
			current_balance = EXCLUDED.current_balance,
			daily_support_item_cost = EXCLUDED.daily_support_item_cost,
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			renewal_date = EXCLUDED.renewal_date,
			auto_billing_enabled = EXCLUDED.auto_billing_enabled,
			frequency = EXCLUDED.frequency,
			first_run_date = EXCLUDED.first_run_date,
			next_run_date = EXCLUDED.next_run_date,
			last_drawdown_date = EXCLUDED.last_drawdown_date,
			updated_at = NOW()
	`,
		string(c.ID), string(c.OrganizationID), string(c.ResidentID), string(c.Status),
		c.OriginalAmount.Value.String(), c.CurrentBalance.Value.String(), amountArg(c.DailySupportItemCost),
		c.StartDate.Time, dateArg(c.EndDate), dateArg(c.RenewalDate),
		c.AutoBillingEnabled, string(c.Frequency), dateArg(c.FirstRunDate), dateArg(c.NextRunDate),
		c.LastDrawdownDate,
	)
	return err
}

func (s *Store) SetPrefix(ctx context.Context, orgID billing.OrganizationID, prefix string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO org_counters (organization_id, prefix) VALUES ($1, $2)
		ON CONFLICT (organization_id) DO UPDATE SET prefix = EXCLUDED.prefix
	`, string(orgID), prefix)
	return err
}

// =============================================================================
// CONTRACT STORE
// =============================================================================

const contractSelect = `
	SELECT c.id, c.organization_id, c.resident_id, c.status, c.original_amount::text,
		c.current_balance::text, c.daily_support_item_cost::text, c.start_date, c.end_date,
		c.renewal_date, c.auto_billing_enabled, c.frequency, c.first_run_date, c.next_run_date,
		c.last_drawdown_date, c.created_at, c.updated_at,
		r.id, r.organization_id, r.house_id, r.first_name, r.last_name, r.status,
		h.id, h.name
	FROM contracts c
	LEFT JOIN residents r ON r.id = c.resident_id
	LEFT JOIN houses h ON h.id = r.house_id
`

func (s *Store) ListDueContracts(ctx context.Context, orgID billing.OrganizationID, day billing.Date) ([]billing.ContractSnapshot, error) {
	return listDueContracts(ctx, s.pool, orgID, day)
}

func listDueContracts(ctx context.Context, q querier, orgID billing.OrganizationID, day billing.Date) ([]billing.ContractSnapshot, error) {
	rows, err := q.Query(ctx, contractSelect+`
		WHERE c.organization_id = $1 AND c.auto_billing_enabled AND c.next_run_date = $2
		ORDER BY c.id
	`, string(orgID), day.Time)
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

func (s *Store) GetContractSnapshot(ctx context.Context, id billing.ContractID) (billing.ContractSnapshot, error) {
	return getContractSnapshot(ctx, s.pool, id)
}

func getContractSnapshot(ctx context.Context, q querier, id billing.ContractID) (billing.ContractSnapshot, error) {
	snap, err := scanSnapshot(q.QueryRow(ctx, contractSelect+` WHERE c.id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return billing.ContractSnapshot{}, billing.ErrContractNotFound
	}
	return snap, err
}

func scanSnapshot(row pgx.Row) (billing.ContractSnapshot, error) {
	var id, org, resident, status, original, balance, frequency string
	var daily *string
	var start time.Time
	var end, renewal, firstRun, nextRun, lastDrawdown *time.Time
	var c billing.Contract
	var rID, rOrg, rHouse, rFirst, rLast, rStatus, hID, hName *string

	if err := row.Scan(
		&id, &org, &resident, &status, &original,
		&balance, &daily, &start, &end,
		&renewal, &c.AutoBillingEnabled, &frequency, &firstRun, &nextRun,
		&lastDrawdown, &c.CreatedAt, &c.UpdatedAt,
		&rID, &rOrg, &rHouse, &rFirst, &rLast, &rStatus,
		&hID, &hName,
	); err != nil {
		return billing.ContractSnapshot{}, err
	}

	var err error
	c.ID = billing.ContractID(id)
	c.OrganizationID = billing.OrganizationID(org)
	c.ResidentID = billing.ResidentID(resident)
	c.Status = billing.ContractStatus(status)
	c.Frequency = billing.Frequency(frequency)
	if c.OriginalAmount, err = billing.ParseAmount(original); err != nil {
		return billing.ContractSnapshot{}, err
	}
	if c.CurrentBalance, err = billing.ParseAmount(balance); err != nil {
		return billing.ContractSnapshot{}, err
	}
	if daily != nil {
		a, err := billing.ParseAmount(*daily)
		if err != nil {
			return billing.ContractSnapshot{}, err
		}
		c.DailySupportItemCost = &a
	}
	c.StartDate = billing.DateOf(start)
	c.EndDate = datePtr(end)
	c.RenewalDate = datePtr(renewal)
	c.FirstRunDate = datePtr(firstRun)
	c.NextRunDate = datePtr(nextRun)
	c.LastDrawdownDate = lastDrawdown

	snap := billing.ContractSnapshot{Contract: c}
	if rID != nil {
		r := billing.Resident{
			ID:             billing.ResidentID(*rID),
			OrganizationID: billing.OrganizationID(deref(rOrg)),
			FirstName:      deref(rFirst),
			LastName:       deref(rLast),
			Status:         deref(rStatus),
		}
		if rHouse != nil {
			h := billing.HouseID(*rHouse)
			r.HouseID = &h
		}
		snap.Resident = &r
	}
	if hID != nil {
		snap.House = &billing.House{ID: billing.HouseID(*hID), Name: deref(hName)}
	}
	return snap, nil
}

func (s *Store) UpdateContractDrawdown(ctx context.Context, u billing.ContractUpdate) error {
	return updateContractDrawdown(ctx, s.pool, u)
}

func updateContractDrawdown(ctx context.Context, q querier, u billing.ContractUpdate) error {
	tag, err := q.Exec(ctx, `
		UPDATE contracts SET
			next_run_date = $1,
			current_balance = COALESCE($2::numeric, current_balance),
			last_drawdown_date = COALESCE($3, last_drawdown_date),
			updated_at = NOW()
		WHERE id = $4 AND next_run_date = $5
	`, u.NextRunDate.Time, amountArg(u.Balance), u.LastDrawdownDate, string(u.ContractID), u.ExpectedNextRunDate.Time)
	if err != nil {
		return fmt.Errorf("failed to update contract: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM contracts WHERE id = $1)`, string(u.ContractID)).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return billing.ErrContractNotFound
	}
	return billing.ErrConcurrentModification
}

// =============================================================================
// TRANSACTION STORE
// =============================================================================

func (s *Store) InsertTransaction(ctx context.Context, tx billing.Transaction) error {
	return insertTransaction(ctx, s.pool, tx)
}

func insertTransaction(ctx context.Context, q querier, tx billing.Transaction) error {
	createdAt := tx.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	tag, err := q.Exec(ctx, `
		INSERT INTO transactions (id, organization_id, contract_id, resident_id, amount,
			quantity, unit_price, status, drawdown_status, is_drawdown, is_catchup,
			occurred_at, description, note, created_by, automation_run_id, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7::numeric, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO NOTHING
	`,
		string(tx.ID), string(tx.OrganizationID), string(tx.ContractID), string(tx.ResidentID),
		tx.Amount.Value.String(), tx.Quantity, tx.UnitPrice.Value.String(),
		string(tx.Status), string(tx.DrawdownStatus), tx.IsDrawdown, tx.IsCatchup,
		tx.OccurredAt, tx.Description, tx.Note, tx.CreatedBy, textArg(string(tx.AutomationRunID)), createdAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return billing.ErrDuplicateTransactionID
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrDuplicateTransactionID
	}
	return nil
}

func (s *Store) FindAutomatedTransaction(ctx context.Context, residentID billing.ResidentID, from, to time.Time) (billing.TransactionID, bool, error) {
	return findAutomatedTransaction(ctx, s.pool, residentID, from, to)
}

func findAutomatedTransaction(ctx context.Context, q querier, residentID billing.ResidentID, from, to time.Time) (billing.TransactionID, bool, error) {
	var id string
	err := q.QueryRow(ctx, `
		SELECT id FROM transactions
		WHERE resident_id = $1 AND created_by = $2 AND occurred_at >= $3 AND occurred_at < $4
		ORDER BY id
		LIMIT 1
	`, string(residentID), billing.AutomationActor, from, to).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return billing.TransactionID(id), true, nil
}

func (s *Store) DeleteTransaction(ctx context.Context, id billing.TransactionID) error {
	return deleteTransaction(ctx, s.pool, id)
}

func deleteTransaction(ctx context.Context, q querier, id billing.TransactionID) error {
	tag, err := q.Exec(ctx, `DELETE FROM transactions WHERE id = $1`, string(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrTransactionNotFound
	}
	return nil
}

func (s *Store) ListTransactions(ctx context.Context, f billing.TransactionFilter) ([]billing.Transaction, error) {
	return listTransactions(ctx, s.pool, f)
}

func listTransactions(ctx context.Context, q querier, f billing.TransactionFilter) ([]billing.Transaction, error) {
	var where []string
	var args []any
	add := func(column string, value string) {
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if f.OrganizationID != nil {
		add("organization_id", string(*f.OrganizationID))
	}
	if f.ContractID != nil {
		add("contract_id", string(*f.ContractID))
	}
	if f.ResidentID != nil {
		add("resident_id", string(*f.ResidentID))
	}
	if f.RunID != nil {
		add("automation_run_id", string(*f.RunID))
	}

	query := `
		SELECT id, organization_id, contract_id, resident_id, amount::text, quantity,
			unit_price::text, status, drawdown_status, is_drawdown, is_catchup, occurred_at,
			description, note, created_by, automation_run_id, created_at
		FROM transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY occurred_at, id"

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []billing.Transaction
	for rows.Next() {
		var tx billing.Transaction
		var id, org, contract, resident, amount, unitPrice, status, dds string
		var runID *string
		if err := rows.Scan(&id, &org, &contract, &resident, &amount, &tx.Quantity,
			&unitPrice, &status, &dds, &tx.IsDrawdown, &tx.IsCatchup, &tx.OccurredAt,
			&tx.Description, &tx.Note, &tx.CreatedBy, &runID, &tx.CreatedAt); err != nil {
			return nil, err
		}
		tx.ID = billing.TransactionID(id)
		tx.OrganizationID = billing.OrganizationID(org)
		tx.ContractID = billing.ContractID(contract)
		tx.ResidentID = billing.ResidentID(resident)
		tx.Status = billing.TransactionStatus(status)
		tx.DrawdownStatus = billing.DrawdownStatus(dds)
		tx.AutomationRunID = billing.RunID(deref(runID))
		if tx.Amount, err = billing.ParseAmount(amount); err != nil {
			return nil, err
		}
		if tx.UnitPrice, err = billing.ParseAmount(unitPrice); err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func (s *Store) ListTransactionIDs(ctx context.Context, orgID billing.OrganizationID) ([]billing.TransactionID, error) {
	return listTransactionIDs(ctx, s.pool, orgID)
}

func listTransactionIDs(ctx context.Context, q querier, orgID billing.OrganizationID) ([]billing.TransactionID, error) {
	rows, err := q.Query(ctx, `SELECT id FROM transactions WHERE organization_id = $1`, string(orgID))
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	result := make([]billing.TransactionID, len(ids))
	for i, id := range ids {
		result[i] = billing.TransactionID(id)
	}
	return result, nil
}

// =============================================================================
// ID ALLOCATOR
// =============================================================================

// AllocateTransactionID takes the organization's advisory lock for the
// duration of a short transaction and bumps its counter.
func (s *Store) AllocateTransactionID(ctx context.Context, orgID billing.OrganizationID) (billing.TransactionID, error) {
	var id billing.TransactionID
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		id, err = allocateTransactionID(ctx, tx, orgID)
		return err
	})
	return id, err
}

// allocateTransactionID must run inside a transaction; the advisory lock is
// released when it ends.
func allocateTransactionID(ctx context.Context, q querier, orgID billing.OrganizationID) (billing.TransactionID, error) {
	if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "txn-seq:"+string(orgID)); err != nil {
		return "", fmt.Errorf("failed to lock id sequence: %w", err)
	}
	var seq int64
	var prefix string
	err := q.QueryRow(ctx, `
		INSERT INTO org_counters (organization_id, prefix, last_seq) VALUES ($1, '', 1)
		ON CONFLICT (organization_id) DO UPDATE SET last_seq = org_counters.last_seq + 1
		RETURNING last_seq, prefix
	`, string(orgID)).Scan(&seq, &prefix)
	if err != nil {
		return "", fmt.Errorf("failed to allocate transaction id: %w", err)
	}
	return billing.FormatTransactionID(prefix, seq)
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, e billing.AuditEntry) error {
	return appendAudit(ctx, s.pool, e)
}

func appendAudit(ctx context.Context, q querier, e billing.AuditEntry) error {
	_, err := q.Exec(ctx, `
		INSERT INTO audit_log (id, organization_id, resident_id, contract_id, action, field,
			old_value, new_value, timestamp, run_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, string(e.OrganizationID), string(e.ResidentID), string(e.ContractID), string(e.Action),
		e.Field, e.OldValue, e.NewValue, e.Timestamp, textArg(string(e.RunID)))
	return err
}

func (s *Store) ListAudit(ctx context.Context, contractID billing.ContractID) ([]billing.AuditEntry, error) {
	return listAudit(ctx, s.pool, contractID)
}

func listAudit(ctx context.Context, q querier, contractID billing.ContractID) ([]billing.AuditEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT id, organization_id, resident_id, contract_id, action, field, old_value,
			new_value, timestamp, run_id
		FROM audit_log
		WHERE contract_id = $1
		ORDER BY timestamp, seq
	`, string(contractID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []billing.AuditEntry
	for rows.Next() {
		var e billing.AuditEntry
		var org, resident, contract, action string
		var runID *string
		if err := rows.Scan(&e.ID, &org, &resident, &contract, &action, &e.Field,
			&e.OldValue, &e.NewValue, &e.Timestamp, &runID); err != nil {
			return nil, err
		}
		e.OrganizationID = billing.OrganizationID(org)
		e.ResidentID = billing.ResidentID(resident)
		e.ContractID = billing.ContractID(contract)
		e.Action = billing.AuditAction(action)
		e.RunID = billing.RunID(deref(runID))
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store billing.Store) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&txStore{tx: tx})
	})
}

type txStore struct {
	tx pgx.Tx
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
// AUTOMATION SETTINGS AND RUNS
// =============================================================================

func (s *Store) SaveSettings(ctx context.Context, st automation.Settings) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO automation_settings (organization_id, enabled, timezone, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (organization_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			timezone = EXCLUDED.timezone,
			updated_at = NOW()
	`, string(st.OrganizationID), st.Enabled, st.Timezone)
	return err
}

func (s *Store) GetSettings(ctx context.Context, orgID billing.OrganizationID) (automation.Settings, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT organization_id, enabled, timezone, updated_at
		FROM automation_settings WHERE organization_id = $1
	`, string(orgID))
	if err != nil {
		return automation.Settings{}, err
	}
	settings, err := collectSettings(rows)
	if err != nil {
		return automation.Settings{}, err
	}
	if len(settings) == 0 {
		return automation.Settings{}, automation.ErrSettingsNotFound
	}
	return settings[0], nil
}

func (s *Store) ListEnabledSettings(ctx context.Context) ([]automation.Settings, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT organization_id, enabled, timezone, updated_at
		FROM automation_settings WHERE enabled
		ORDER BY organization_id
	`)
	if err != nil {
		return nil, err
	}
	return collectSettings(rows)
}

func collectSettings(rows pgx.Rows) ([]automation.Settings, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (automation.Settings, error) {
		var st automation.Settings
		var org string
		err := row.Scan(&org, &st.Enabled, &st.Timezone, &st.UpdatedAt)
		st.OrganizationID = billing.OrganizationID(org)
		return st, err
	})
}

func (s *Store) SaveRun(ctx context.Context, r automation.Run) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO automation_runs (id, generation_id, organization_id, run_date, status,
			processed, successful, failed, total_amount, error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10, $11, $12)
		ON CONFLICT (organization_id, run_date) DO UPDATE SET
			id = EXCLUDED.id,
			generation_id = EXCLUDED.generation_id,
			status = EXCLUDED.status,
			processed = EXCLUDED.processed,
			successful = EXCLUDED.successful,
			failed = EXCLUDED.failed,
			total_amount = EXCLUDED.total_amount,
			error = EXCLUDED.error,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at
	`, r.ID, textArg(string(r.GenerationID)), string(r.OrganizationID), r.RunDate.Time, string(r.Status),
		r.Processed, r.Successful, r.Failed, r.TotalAmount.Value.String(), r.Error, r.StartedAt, r.CompletedAt)
	return err
}

const runSelect = `
	SELECT id, generation_id, organization_id, run_date, status, processed, successful,
		failed, total_amount::text, error, started_at, completed_at
	FROM automation_runs
`

func (s *Store) GetRun(ctx context.Context, orgID billing.OrganizationID, day billing.Date) (automation.Run, error) {
	rows, err := s.pool.Query(ctx, runSelect+` WHERE organization_id = $1 AND run_date = $2`, string(orgID), day.Time)
	if err != nil {
		return automation.Run{}, err
	}
	runs, err := collectRuns(rows)
	if err != nil {
		return automation.Run{}, err
	}
	if len(runs) == 0 {
		return automation.Run{}, automation.ErrRunNotFound
	}
	return runs[0], nil
}

func (s *Store) ListRuns(ctx context.Context, orgID billing.OrganizationID, limit int) ([]automation.Run, error) {
	query := runSelect + ` WHERE organization_id = $1 ORDER BY run_date DESC`
	args := []any{string(orgID)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectRuns(rows)
}

func collectRuns(rows pgx.Rows) ([]automation.Run, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (automation.Run, error) {
		var r automation.Run
		var genID *string
		var org, status, total string
		var runDate time.Time
		if err := row.Scan(&r.ID, &genID, &org, &runDate, &status, &r.Processed, &r.Successful,
			&r.Failed, &total, &r.Error, &r.StartedAt, &r.CompletedAt); err != nil {
			return r, err
		}
		r.GenerationID = billing.RunID(deref(genID))
		r.OrganizationID = billing.OrganizationID(org)
		r.RunDate = billing.DateOf(runDate)
		r.Status = automation.RunStatus(status)
		var err error
		r.TotalAmount, err = billing.ParseAmount(total)
		return r, err
	})
}

// Helper functions

func isUniqueViolation(err error) bool {
	var e *pgconn.PgError
	return errors.As(err, &e) && e.Code == pgerrcode.UniqueViolation
}

func amountArg(a *billing.Amount) *string {
	if a == nil {
		return nil
	}
	s := a.Value.String()
	return &s
}

func dateArg(d *billing.Date) *time.Time {
	if d == nil || d.IsZero() {
		return nil
	}
	return &d.Time
}

func datePtr(t *time.Time) *billing.Date {
	if t == nil {
		return nil
	}
	d := billing.DateOf(*t)
	return &d
}

func textArg(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
