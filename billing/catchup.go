package billing

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// CATCH-UP GENERATOR - Backfill for a stale next run date
// =============================================================================

// MaxCatchupTransactions bounds one catch-up. Larger gaps are rejected up
// front, never truncated.
const MaxCatchupTransactions = 50

type CatchupRequest struct {
	OrganizationID OrganizationID
	ContractID     ContractID
	ResidentID     ResidentID
	NextRunDate    Date
	Frequency      Frequency
	Amount         Amount // per transaction
	CurrentBalance Amount
	StartDate      Date
	AsOf           Date // zero means today
}

type CatchupValidation struct {
	Valid    bool
	Count    int
	Dates    []Date
	Warnings []string
	Error    string
	Err      error `json:"-"`
}

type CatchupResult struct {
	ContractID          ContractID
	RunID               RunID
	TransactionsCreated int
	Transactions        []Transaction
	Warnings            []string
	NextRunDate         *Date // schedule after the catch-up, nil if not advanced
	Err                 error
}

// BillingDates enumerates next, next+step, ... while <= today, returning at
// most limit+1 dates so callers can detect an overflow without walking an
// unbounded range.
func BillingDates(next Date, frequency Frequency, today Date, limit int) []Date {
	step := frequency.Days()
	if step == 0 {
		return nil
	}
	var dates []Date
	for d := next; d.BeforeOrEqual(today); d = d.AddDays(step) {
		dates = append(dates, d)
		if len(dates) > limit {
			break
		}
	}
	return dates
}

// ValidateCatchupGeneration is a pure pre-check. It rejects a next run date
// before the contract start and gaps needing more than
// MaxCatchupTransactions, and warns (but allows) when nothing is overdue.
func ValidateCatchupGeneration(nextRunDate, startDate Date, frequency Frequency, today Date) CatchupValidation {
	reject := func(err error) CatchupValidation {
		return CatchupValidation{Error: err.Error(), Err: err}
	}
	if !frequency.Valid() {
		return reject(fmt.Errorf("%w: %w: %q", ErrInvalidCatchup, ErrInvalidFrequency, frequency))
	}
	if nextRunDate.IsZero() {
		return reject(fmt.Errorf("%w: next run date is not set", ErrInvalidCatchup))
	}
	if nextRunDate.Before(startDate) {
		return reject(fmt.Errorf("%w: next run date %s is before contract start %s", ErrInvalidCatchup, nextRunDate, startDate))
	}
	if !nextRunDate.Before(today) {
		return CatchupValidation{
			Valid:    true,
			Warnings: []string{fmt.Sprintf("next run date %s is not in the past; nothing to catch up", nextRunDate)},
		}
	}

	dates := BillingDates(nextRunDate, frequency, today, MaxCatchupTransactions)
	if len(dates) > MaxCatchupTransactions {
		return reject(fmt.Errorf("%w: more than %d %s transactions needed since %s",
			ErrCatchupLimitExceeded, MaxCatchupTransactions, frequency, nextRunDate))
	}
	return CatchupValidation{Valid: true, Count: len(dates), Dates: dates}
}

// GenerateCatchup creates one draft transaction per missed billing date.
//
// Balance is neither checked per transaction nor decremented: drafts only
// affect the balance when posted, which has its own check. A shortfall
// across the whole batch is reported as a warning.
//
// On an insert failure it stops and returns what was created so far along
// with the error. Created transactions are kept; each stands alone.
func (g *Generator) GenerateCatchup(ctx context.Context, req CatchupRequest) (*CatchupResult, error) {
	loc := g.LocationFor(ctx, req.OrganizationID)
	today := req.AsOf
	if today.IsZero() {
		today = Today(g.Clock, loc)
	}
	result := &CatchupResult{ContractID: req.ContractID, RunID: g.NewRunID()}
	log := g.Logger.With(
		zap.String("run_id", string(result.RunID)),
		zap.String("contract_id", string(req.ContractID)),
		zap.String("resident_id", string(req.ResidentID)),
	)

	v := ValidateCatchupGeneration(req.NextRunDate, req.StartDate, req.Frequency, today)
	result.Warnings = append(result.Warnings, v.Warnings...)
	if !v.Valid {
		result.Err = v.Err
		return result, v.Err
	}
	if v.Count == 0 {
		return result, nil
	}
	if !req.Amount.IsPositive() {
		result.Err = fmt.Errorf("%w: %s", ErrInvalidAmount, req.Amount)
		return result, result.Err
	}

	total := req.Amount.MulInt(int64(v.Count))
	if total.GreaterThan(req.CurrentBalance) {
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"%d transactions totalling %s exceed the current balance %s; some may fail when posted",
			v.Count, total, req.CurrentBalance))
	}

	owner := Contract{ID: req.ContractID, OrganizationID: req.OrganizationID, ResidentID: req.ResidentID}
	now := g.Clock.Now()
	var last *Date
	for _, day := range v.Dates {
		from, to := day.Window(loc)
		existing, found, err := g.Store.FindAutomatedTransaction(ctx, req.ResidentID, from, to)
		if err != nil {
			result.Err = fmt.Errorf("check existing transaction for %s: %w", day, err)
			break
		}
		if found {
			result.Warnings = append(result.Warnings, fmt.Sprintf("skipped %s: resident already billed by %s", day, existing))
			d := day
			last = &d
			continue
		}

		draft := NewDraftDrawdown("", owner, req.Amount, from, result.RunID)
		draft.IsCatchup = true
		draft.Description = fmt.Sprintf("Catch-up %s drawdown", req.Frequency)
		draft.Note = fmt.Sprintf("Catch-up drawdown for %s (missed run)", day)
		draft.CreatedAt = now

		tx, err := g.insertWithFreshID(ctx, g.Store, g.IDs, draft)
		if err != nil {
			result.Err = fmt.Errorf("catch-up for %s: %w", day, err)
			break
		}
		result.Transactions = append(result.Transactions, tx)
		result.TransactionsCreated++
		d := day
		last = &d
	}

	if last != nil {
		g.advanceAfterCatchup(ctx, req, *last, now, result, log)
	}
	if g.Observer != nil {
		g.Observer.CatchupFinished(req.OrganizationID, result)
	}

	log.Info("catch-up complete",
		zap.Int("created", result.TransactionsCreated),
		zap.Int("planned", v.Count),
		zap.Strings("warnings", result.Warnings),
		zap.Error(result.Err),
	)
	return result, result.Err
}

// advanceAfterCatchup moves the schedule past the last handled date so the
// contract rejoins the exact-today path. A failure here is a warning: the
// transactions stand and the schedule can be fixed by hand.
func (g *Generator) advanceAfterCatchup(ctx context.Context, req CatchupRequest, last Date, now time.Time, result *CatchupResult, log *zap.Logger) {
	next := req.Frequency.Next(last)
	err := g.Store.UpdateContractDrawdown(ctx, ContractUpdate{
		ContractID:          req.ContractID,
		ExpectedNextRunDate: req.NextRunDate,
		NextRunDate:         next,
	})
	if err != nil {
		log.Warn("failed to advance next run date after catch-up", zap.Error(err))
		result.Warnings = append(result.Warnings, fmt.Sprintf("next run date was not advanced: %v", err))
		return
	}
	result.NextRunDate = &next
	owner := Contract{ID: req.ContractID, OrganizationID: req.OrganizationID, ResidentID: req.ResidentID}
	g.audit(ctx, owner, result.RunID, now, []fieldChange{
		{field: "next_run_date", from: req.NextRunDate.String(), to: next.String()},
	}, AuditCatchupScheduled)
}

// CatchupRequestFor builds a catch-up request from a stored contract.
func CatchupRequestFor(c Contract, asOf Date) (CatchupRequest, error) {
	if c.NextRunDate == nil {
		return CatchupRequest{}, fmt.Errorf("%w: contract %s has no next run date", ErrInvalidCatchup, c.ID)
	}
	amount, err := DrawdownAmount(c)
	if err != nil {
		return CatchupRequest{}, err
	}
	return CatchupRequest{
		OrganizationID: c.OrganizationID,
		ContractID:     c.ID,
		ResidentID:     c.ResidentID,
		NextRunDate:    *c.NextRunDate,
		Frequency:      c.Frequency,
		Amount:         amount,
		CurrentBalance: c.CurrentBalance,
		StartDate:      c.StartDate,
		AsOf:           asOf,
	}, nil
}

// GenerateCatchupForContract loads a contract and backfills its missed dates.
func (g *Generator) GenerateCatchupForContract(ctx context.Context, id ContractID, asOf Date) (*CatchupResult, error) {
	snap, err := g.Store.GetContractSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	req, err := CatchupRequestFor(snap.Contract, asOf)
	if err != nil {
		return &CatchupResult{ContractID: id, Err: err}, err
	}
	return g.GenerateCatchup(ctx, req)
}
