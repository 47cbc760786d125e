package billing

import (
	"context"
	"fmt"
	"time"
)

// PreviewItem is what a run would do for one fetched contract.
type PreviewItem struct {
	ContractID   ContractID
	ResidentID   ResidentID
	ResidentName string
	HouseName    string
	Frequency    Frequency

	Eligibility EligibilityResult
	Rates       RateCalculation
	Amount      Amount
	NewBalance  Amount
	NextRunDate *Date

	WouldBill bool
	Problem   string
	Kind      ErrorKind
}

type Preview struct {
	OrganizationID OrganizationID
	AsOf           Date
	Items          []PreviewItem
	WouldBill      int
	TotalAmount    Amount
}

// Preview evaluates and prices every due contract without writing anything.
// It mirrors the run's resident dedup and reads the same-day guard.
func (g *Generator) Preview(ctx context.Context, orgID OrganizationID, asOf Date) (*Preview, error) {
	loc := g.LocationFor(ctx, orgID)
	if asOf.IsZero() {
		asOf = Today(g.Clock, loc)
	}
	snaps, err := g.Store.ListDueContracts(ctx, orgID, asOf)
	if err != nil {
		return nil, fmt.Errorf("fetch due contracts: %w", err)
	}

	p := &Preview{OrganizationID: orgID, AsOf: asOf, TotalAmount: ZeroAmount()}
	seen := make(map[ResidentID]bool)
	for _, snap := range snaps {
		item := g.previewOne(ctx, snap, asOf, loc, seen)
		if item.WouldBill {
			seen[item.ResidentID] = true
			p.WouldBill++
			p.TotalAmount = p.TotalAmount.Add(item.Amount)
		}
		p.Items = append(p.Items, item)
	}
	return p, nil
}

func (g *Generator) previewOne(ctx context.Context, snap ContractSnapshot, asOf Date, loc *time.Location, seen map[ResidentID]bool) PreviewItem {
	c := snap.Contract
	item := PreviewItem{
		ContractID:  c.ID,
		ResidentID:  c.ResidentID,
		Frequency:   c.Frequency,
		Eligibility: Evaluate(snap, asOf),
		Rates:       CalculateRates(c.OriginalAmount, &c.StartDate, c.EndDate, c.Frequency),
	}
	if snap.Resident != nil {
		item.ResidentName = snap.Resident.Name()
	}
	if snap.House != nil {
		item.HouseName = snap.House.Name
	}

	fail := func(err error) PreviewItem {
		item.Problem = err.Error()
		item.Kind = classify(err)
		return item
	}
	if !item.Eligibility.IsEligible {
		item.Problem = "not eligible"
		return item
	}
	if seen[c.ResidentID] {
		return fail(ErrDuplicateResident)
	}
	amount, err := DrawdownAmount(c)
	if err != nil {
		return fail(err)
	}
	item.Amount = amount
	if c.CurrentBalance.LessThan(amount) {
		return fail(&InsufficientBalanceError{ContractID: c.ID, Available: c.CurrentBalance, Requested: amount})
	}
	from, to := asOf.Window(loc)
	existing, found, err := g.Store.FindAutomatedTransaction(ctx, c.ResidentID, from, to)
	if err != nil {
		return fail(fmt.Errorf("check same-day transactions: %w", err))
	}
	if found {
		return fail(&DuplicateTodayError{ResidentID: c.ResidentID, Day: asOf, ExistingTxID: existing})
	}

	item.NewBalance = c.CurrentBalance.Sub(amount)
	next := c.Frequency.Next(*c.NextRunDate)
	item.NextRunDate = &next
	item.WouldBill = true
	return item
}

// ExplainError renders a run error kind for operators.
func ExplainError(kind ErrorKind) string {
	switch kind {
	case ErrorDuplicatePrevented:
		return "an automated transaction already exists for this resident today; investigate before re-running"
	case ErrorDuplicateResident:
		return "the resident has more than one billable contract; only the first was billed"
	case ErrorInsufficientFunds:
		return "the contract balance does not cover the drawdown"
	case ErrorInvalidAmount:
		return "the contract's rate or frequency is misconfigured"
	case ErrorConcurrentChange:
		return "the contract changed while the run was in progress"
	case ErrorFetchFailed:
		return "the run could not load contracts; nothing was billed"
	}
	return "a storage error interrupted this contract; nothing was billed for it"
}
