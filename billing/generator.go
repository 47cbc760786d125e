/*
generator.go - Automated drawdown run orchestrator

PURPOSE:
  One call bills every contract of an organization that is due today:
  fetch, evaluate, deduplicate by resident, compute amount, check balance,
  check for an automated transaction already made today, insert a draft,
  advance the contract, audit.

IDEMPOTENCY LAYERS:
  1. Per-run resident set: a resident billed earlier in this run is skipped.
  2. Persisted same-day check: an automated transaction for the resident with
     OccurredAt inside today's window blocks a new one, whichever contract it
     was billed against. This survives restarts and double triggers and is
     never skipped.
  3. Id allocation: collisions are retried with a fresh id and backoff.

ORDERING:
  Contracts are processed one at a time in list order. Layer 1 depends on
  seeing each prior outcome.

FAILURE SEMANTICS:
  A per-contract failure is recorded and the run continues; the contract's
  next run date is not advanced, so the next scheduled run reconsiders it.
  Only a failure of the initial fetch fails the batch, and nothing has been
  written at that point.

SEE ALSO:
  - eligibility.go: Evaluate
  - rates.go: TransactionAmount
  - catchup.go: Overdue contracts
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// RESULT TYPES
// =============================================================================

type ErrorKind string

const (
	ErrorDuplicateResident  ErrorKind = "duplicate_resident"
	ErrorInvalidAmount      ErrorKind = "invalid_amount"
	ErrorInsufficientFunds  ErrorKind = "insufficient_balance"
	ErrorDuplicatePrevented ErrorKind = "duplicate_prevented"
	ErrorConcurrentChange   ErrorKind = "concurrent_modification"
	ErrorPersistence        ErrorKind = "persistence"
	ErrorFetchFailed        ErrorKind = "fetch_failed"
)

// ContractError is one per-contract failure in a run.
type ContractError struct {
	ContractID ContractID `json:"contract_id,omitempty"`
	ResidentID ResidentID `json:"resident_id,omitempty"`
	Kind       ErrorKind  `json:"kind"`
	Reason     string     `json:"reason"`
	Err        error      `json:"-"`
}

// Summary aggregates the successful transactions of a run.
type Summary struct {
	TotalAmount        Amount
	AverageAmount      Amount
	FrequencyBreakdown map[Frequency]int
}

type GenerationResult struct {
	RunID          RunID
	OrganizationID OrganizationID
	AsOf           Date
	Success        bool

	ProcessedContracts     int
	SuccessfulTransactions int
	FailedTransactions     int

	Transactions []Transaction
	Errors       []ContractError
	Skipped      []EligibilityResult // fetched but not eligible
	Summary      Summary

	StartedAt   time.Time
	CompletedAt time.Time
}

// ZoneResolver returns the timezone that defines an organization's calendar day.
type ZoneResolver interface {
	OrganizationLocation(ctx context.Context, orgID OrganizationID) (*time.Location, error)
}

// Observer receives run outcomes, e.g. for metrics.
type Observer interface {
	RunFinished(orgID OrganizationID, result *GenerationResult, elapsed time.Duration)
	CatchupFinished(orgID OrganizationID, result *CatchupResult)
}

// =============================================================================
// GENERATOR
// =============================================================================

const (
	DefaultMaxIDAttempts  = 5
	DefaultIDRetryBackoff = 50 * time.Millisecond
)

type Generator struct {
	Store    Store
	IDs      IDAllocator
	Notifier Notifier
	Observer Observer
	Clock    Clock
	Location *time.Location // used when Zones is nil or has no answer
	Zones    ZoneResolver
	Logger   *zap.Logger

	MaxIDAttempts  int
	IDRetryBackoff time.Duration

	NewRunID func() RunID
}

func NewGenerator(store Store, ids IDAllocator, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		Store:          store,
		IDs:            ids,
		Notifier:       NopNotifier{},
		Clock:          SystemClock{},
		Location:       time.UTC,
		Logger:         logger.Named("generator"),
		MaxIDAttempts:  DefaultMaxIDAttempts,
		IDRetryBackoff: DefaultIDRetryBackoff,
		NewRunID:       func() RunID { return RunID(uuid.NewString()) },
	}
}

// TodayFor is orgID's current calendar day.
func (g *Generator) TodayFor(ctx context.Context, orgID OrganizationID) Date {
	return Today(g.Clock, g.LocationFor(ctx, orgID))
}

// LocationFor returns the timezone of orgID's calendar day.
func (g *Generator) LocationFor(ctx context.Context, orgID OrganizationID) *time.Location {
	if g.Zones != nil {
		loc, err := g.Zones.OrganizationLocation(ctx, orgID)
		if err == nil && loc != nil {
			return loc
		}
		if err != nil {
			g.Logger.Warn("failed to resolve organization timezone",
				zap.String("organization_id", string(orgID)), zap.Error(err))
		}
	}
	return g.locationOrUTC()
}

// EligibleContracts fetches the pre-filtered pool and evaluates all five
// checks on each snapshot, returning eligible snapshots and the rest with
// their reasons.
func (g *Generator) EligibleContracts(ctx context.Context, orgID OrganizationID, day Date) ([]ContractSnapshot, []EligibilityResult, error) {
	snaps, err := g.Store.ListDueContracts(ctx, orgID, day)
	if err != nil {
		return nil, nil, err
	}
	var eligible []ContractSnapshot
	var skipped []EligibilityResult
	for _, snap := range snaps {
		verdict := Evaluate(snap, day)
		if verdict.IsEligible {
			eligible = append(eligible, snap)
			continue
		}
		skipped = append(skipped, verdict)
	}
	return eligible, skipped, nil
}

// GenerateForEligibleContracts runs one drawdown pass for an organization.
// A zero asOf means today. The returned error is non-nil only when the
// eligible-contract fetch fails; per-contract failures are in result.Errors.
func (g *Generator) GenerateForEligibleContracts(ctx context.Context, orgID OrganizationID, asOf Date) (*GenerationResult, error) {
	loc := g.LocationFor(ctx, orgID)
	if asOf.IsZero() {
		asOf = Today(g.Clock, loc)
	}
	started := g.Clock.Now()
	result := &GenerationResult{
		RunID:          g.NewRunID(),
		OrganizationID: orgID,
		AsOf:           asOf,
		StartedAt:      started,
	}
	log := g.Logger.With(
		zap.String("run_id", string(result.RunID)),
		zap.String("organization_id", string(orgID)),
		zap.String("as_of", asOf.String()),
	)

	eligible, skipped, err := g.EligibleContracts(ctx, orgID, asOf)
	if err != nil {
		log.Error("failed to fetch eligible contracts", zap.Error(err))
		result.Errors = []ContractError{{Kind: ErrorFetchFailed, Reason: err.Error(), Err: err}}
		result.CompletedAt = g.Clock.Now()
		g.finish(ctx, result, started, log)
		return result, fmt.Errorf("fetch eligible contracts: %w", err)
	}
	result.Skipped = skipped
	log.Info("starting drawdown run", zap.Int("eligible", len(eligible)), zap.Int("ineligible", len(skipped)))

	billed := make(map[ResidentID]TransactionID)
	frequencies := make(map[Frequency]int)
	for _, snap := range eligible {
		c := snap.Contract
		result.ProcessedContracts++

		if prior, ok := billed[c.ResidentID]; ok {
			g.recordFailure(result, c, fmt.Errorf("%w: resident already billed by %s in this run", ErrDuplicateResident, prior), log)
			continue
		}

		tx, err := g.generateOne(ctx, snap, result.RunID, asOf, loc)
		if err != nil {
			g.recordFailure(result, c, err, log)
			continue
		}
		billed[c.ResidentID] = tx.ID
		frequencies[c.Frequency]++
		result.Transactions = append(result.Transactions, tx)
		result.SuccessfulTransactions++
	}

	result.Success = true
	result.Summary = summarize(result.Transactions, frequencies)
	result.CompletedAt = g.Clock.Now()
	log.Info("drawdown run complete",
		zap.Int("processed", result.ProcessedContracts),
		zap.Int("successful", result.SuccessfulTransactions),
		zap.Int("failed", result.FailedTransactions),
		zap.String("total_amount", result.Summary.TotalAmount.String()),
	)
	g.finish(ctx, result, started, log)
	return result, nil
}

func (g *Generator) finish(ctx context.Context, result *GenerationResult, started time.Time, log *zap.Logger) {
	if g.Observer != nil {
		g.Observer.RunFinished(result.OrganizationID, result, g.Clock.Now().Sub(started))
	}
	if g.Notifier == nil {
		return
	}
	if err := g.Notifier.RunCompleted(ctx, result.OrganizationID, result); err != nil {
		log.Warn("failed to notify organization admins", zap.Error(err))
	}
}

func (g *Generator) recordFailure(result *GenerationResult, c Contract, err error, log *zap.Logger) {
	ce := ContractError{
		ContractID: c.ID,
		ResidentID: c.ResidentID,
		Kind:       classify(err),
		Reason:     err.Error(),
		Err:        err,
	}
	result.Errors = append(result.Errors, ce)
	result.FailedTransactions++
	log.Warn("contract drawdown failed",
		zap.String("contract_id", string(c.ID)),
		zap.String("resident_id", string(c.ResidentID)),
		zap.String("kind", string(ce.Kind)),
		zap.String("reason", ce.Reason),
	)
}

func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrDuplicateResident):
		return ErrorDuplicateResident
	case errors.Is(err, ErrDuplicatePrevented):
		return ErrorDuplicatePrevented
	case errors.Is(err, ErrInsufficientBalance):
		return ErrorInsufficientFunds
	case errors.Is(err, ErrInvalidAmount):
		return ErrorInvalidAmount
	case errors.Is(err, ErrConcurrentModification):
		return ErrorConcurrentChange
	default:
		return ErrorPersistence
	}
}

// =============================================================================
// SINGLE CONTRACT
// =============================================================================

// GenerateTransactionForContract bills one contract for day. On success the
// draft transaction and the contract's new balance and next run date are
// persisted together; on failure neither is.
func (g *Generator) GenerateTransactionForContract(ctx context.Context, snap ContractSnapshot, runID RunID, day Date) (Transaction, error) {
	return g.generateOne(ctx, snap, runID, day, g.LocationFor(ctx, snap.Contract.OrganizationID))
}

func (g *Generator) generateOne(ctx context.Context, snap ContractSnapshot, runID RunID, day Date, loc *time.Location) (Transaction, error) {
	c := snap.Contract
	if c.NextRunDate == nil {
		return Transaction{}, fmt.Errorf("contract %s has no next run date", c.ID)
	}

	amount, err := DrawdownAmount(c)
	if err != nil {
		return Transaction{}, err
	}
	if c.CurrentBalance.LessThan(amount) {
		return Transaction{}, &InsufficientBalanceError{ContractID: c.ID, Available: c.CurrentBalance, Requested: amount}
	}

	from, to := day.Window(loc)
	existing, found, err := g.Store.FindAutomatedTransaction(ctx, c.ResidentID, from, to)
	if err != nil {
		return Transaction{}, fmt.Errorf("check same-day transactions: %w", err)
	}
	if found {
		return Transaction{}, &DuplicateTodayError{ResidentID: c.ResidentID, Day: day, ExistingTxID: existing}
	}

	now := g.Clock.Now()
	newBalance := c.CurrentBalance.Sub(amount)
	update := ContractUpdate{
		ContractID:          c.ID,
		ExpectedNextRunDate: *c.NextRunDate,
		NextRunDate:         c.Frequency.Next(*c.NextRunDate),
		Balance:             &newBalance,
		LastDrawdownDate:    &now,
	}
	draft := NewDraftDrawdown("", c, amount, occurredAt(day, now, loc), runID)
	draft.Description = fmt.Sprintf("Automated %s drawdown", c.Frequency)
	draft.Note = fmt.Sprintf("Drawdown for %s, contract %s", day, c.ID)
	draft.CreatedAt = now

	tx, err := g.persistDrawdown(ctx, draft, update)
	if err != nil {
		return Transaction{}, err
	}

	g.audit(ctx, c, runID, now, []fieldChange{
		{field: "current_balance", from: c.CurrentBalance.String(), to: newBalance.String()},
		{field: "next_run_date", from: c.NextRunDate.String(), to: update.NextRunDate.String()},
	}, AuditAutomatedDrawdown)
	return tx, nil
}

// DrawdownAmount returns the per-period amount for a contract, deriving the
// daily cost from the contract terms when it has not been stored.
func DrawdownAmount(c Contract) (Amount, error) {
	if !c.Frequency.Valid() {
		return Amount{}, fmt.Errorf("%w: %v", ErrInvalidAmount, fmt.Errorf("%w: %q", ErrInvalidFrequency, c.Frequency))
	}
	var daily Amount
	if c.DailySupportItemCost != nil {
		daily = c.DailySupportItemCost.Round()
	} else {
		calc := CalculateRates(c.OriginalAmount, &c.StartDate, c.EndDate, c.Frequency)
		if !calc.IsValid {
			return Amount{}, fmt.Errorf("%w: cannot derive daily rate: %v", ErrInvalidAmount, calc.Errors)
		}
		daily = calc.DailyRate
	}
	amount := TransactionAmount(c.Frequency, daily)
	if !amount.IsPositive() {
		return Amount{}, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	return amount, nil
}

// occurredAt keeps the transaction inside day's window even when the run
// is for a day other than the clock's.
func occurredAt(day Date, now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	if DateOf(local).Equal(day) {
		return local
	}
	start, _ := day.Window(loc)
	return start
}

func (g *Generator) locationOrUTC() *time.Location {
	if g.Location == nil {
		return time.UTC
	}
	return g.Location
}

// persistDrawdown inserts the draft and applies the contract update as one
// unit of work: a real transaction when the store supports it, otherwise
// insert then compensate.
func (g *Generator) persistDrawdown(ctx context.Context, draft Transaction, update ContractUpdate) (Transaction, error) {
	if txStore, ok := g.Store.(TxStore); ok {
		var inserted Transaction
		err := txStore.WithTx(ctx, func(s Store) error {
			tx, err := g.insertWithFreshID(ctx, s, g.scopedAllocator(s), draft)
			if err != nil {
				return err
			}
			if err := s.UpdateContractDrawdown(ctx, update); err != nil {
				return fmt.Errorf("update contract: %w", err)
			}
			inserted = tx
			return nil
		})
		return inserted, err
	}

	tx, err := g.insertWithFreshID(ctx, g.Store, g.IDs, draft)
	if err != nil {
		return Transaction{}, err
	}
	if err := g.Store.UpdateContractDrawdown(ctx, update); err != nil {
		rb := &RollbackError{TransactionID: tx.ID, UpdateErr: err}
		if delErr := g.Store.DeleteTransaction(ctx, tx.ID); delErr != nil {
			rb.DeleteErr = delErr
			g.Logger.Error("orphan draft transaction left after failed contract update",
				zap.String("transaction_id", string(tx.ID)),
				zap.String("contract_id", string(update.ContractID)),
				zap.Error(delErr),
			)
		}
		return Transaction{}, rb
	}
	return tx, nil
}

// scopedAllocator returns the allocator to use inside a unit of work on s.
// A scanning allocator reads ids through s, since the parent store may be
// locked until the unit of work ends.
func (g *Generator) scopedAllocator(s Store) IDAllocator {
	if scan, ok := g.IDs.(*ScanningAllocator); ok {
		if lister, ok := s.(TransactionIDLister); ok {
			return &ScanningAllocator{Source: lister, Prefixes: scan.Prefixes}
		}
	}
	if scoped, ok := s.(IDAllocator); ok {
		return scoped
	}
	return g.IDs
}

// insertWithFreshID allocates an id and inserts, retrying on collision.
// A transaction-scoped store that can allocate is used as its own allocator
// so the counter advances inside the same unit of work.
func (g *Generator) insertWithFreshID(ctx context.Context, s TransactionStore, ids IDAllocator, draft Transaction) (Transaction, error) {
	attempts := g.MaxIDAttempts
	if attempts <= 0 {
		attempts = DefaultMaxIDAttempts
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		id, err := ids.AllocateTransactionID(ctx, draft.OrganizationID)
		if err != nil {
			return Transaction{}, fmt.Errorf("allocate transaction id: %w", err)
		}
		draft.ID = id
		err = s.InsertTransaction(ctx, draft)
		if err == nil {
			return draft, nil
		}
		if !errors.Is(err, ErrDuplicateTransactionID) {
			return Transaction{}, fmt.Errorf("insert transaction: %w", err)
		}
		lastErr = err
		g.Logger.Warn("transaction id collision, retrying",
			zap.String("transaction_id", string(id)), zap.Int("attempt", attempt))
		if err := sleepContext(ctx, g.IDRetryBackoff*time.Duration(attempt)); err != nil {
			return Transaction{}, err
		}
	}
	return Transaction{}, fmt.Errorf("insert transaction after %d attempts: %w", attempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type fieldChange struct {
	field, from, to string
}

// audit failures are logged only: the drawdown itself is already durable.
func (g *Generator) audit(ctx context.Context, c Contract, runID RunID, at time.Time, changes []fieldChange, action AuditAction) {
	for _, ch := range changes {
		entry := AuditEntry{
			ID:             uuid.NewString(),
			OrganizationID: c.OrganizationID,
			ResidentID:     c.ResidentID,
			ContractID:     c.ID,
			Action:         action,
			Field:          ch.field,
			OldValue:       ch.from,
			NewValue:       ch.to,
			Timestamp:      at,
			RunID:          runID,
		}
		if err := g.Store.AppendAudit(ctx, entry); err != nil {
			g.Logger.Warn("failed to write audit entry",
				zap.String("contract_id", string(c.ID)),
				zap.String("field", ch.field),
				zap.Error(err),
			)
		}
	}
}

// =============================================================================
// SUMMARY
// =============================================================================

func summarize(txs []Transaction, frequencies map[Frequency]int) Summary {
	total := ZeroAmount()
	for _, tx := range txs {
		total = total.Add(tx.Amount)
	}
	s := Summary{
		TotalAmount:        total,
		AverageAmount:      ZeroAmount(),
		FrequencyBreakdown: frequencies,
	}
	if len(txs) > 0 {
		s.AverageAmount = total.DivInt(int64(len(txs)))
	}
	return s
}
