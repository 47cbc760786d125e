/*
Package billing provides the automated contract drawdown engine.

PURPOSE:
  Decides which funding contracts are due for a drawdown, computes the amount
  to bill, creates draft transactions, advances each contract's balance and
  next-run date, and guards against duplicate or out-of-balance billing.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A currency value backed by decimal.Decimal
  - Identifiers: Type-safe ids for organizations, contracts, residents

DESIGN PRINCIPLES:
  1. Precision: Money never touches float64 in the engine
  2. Injection: Every collaborator (stores, allocator, audit, clock) is a port
  3. Drafts only: Automation never posts a financial transaction
  4. Re-run safety: Two idempotency layers, in-memory and persisted

USAGE:
  gen := billing.NewGenerator(store, allocator, logger)
  result, err := gen.GenerateForEligibleContracts(ctx, "org-1", billing.Today(clock, loc))

SEE ALSO:
  - rates.go: Daily/weekly/fortnightly rate calculation
  - eligibility.go: The five eligibility checks
  - generator.go: The run orchestrator
  - catchup.go: Backfill of missed billing dates
*/
package billing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Currency value
// =============================================================================

type Amount struct {
	Value    decimal.Decimal
	Currency Currency
}

type Currency string

const CurrencyAUD Currency = "AUD"

// CurrencyPlaces is the precision used for every billed amount.
const CurrencyPlaces = 2

func NewAmount(value float64) Amount {
	return Amount{Value: decimal.NewFromFloat(value), Currency: CurrencyAUD}
}

func NewAmountFromDecimal(value decimal.Decimal) Amount {
	return Amount{Value: value, Currency: CurrencyAUD}
}

func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, err
	}
	return NewAmountFromDecimal(d), nil
}

func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(fmt.Sprintf("billing: parse amount %q: %v", s, err))
	}
	return a
}

func ZeroAmount() Amount { return Amount{Value: decimal.Zero, Currency: CurrencyAUD} }

func (a Amount) Add(b Amount) Amount              { return Amount{Value: a.Value.Add(b.Value), Currency: a.cur()} }
func (a Amount) Sub(b Amount) Amount              { return Amount{Value: a.Value.Sub(b.Value), Currency: a.cur()} }
func (a Amount) Mul(s decimal.Decimal) Amount     { return Amount{Value: a.Value.Mul(s), Currency: a.cur()} }
func (a Amount) MulInt(n int64) Amount            { return a.Mul(decimal.NewFromInt(n)) }
func (a Amount) Neg() Amount                      { return Amount{Value: a.Value.Neg(), Currency: a.cur()} }
func (a Amount) Round() Amount                    { return Amount{Value: a.Value.Round(CurrencyPlaces), Currency: a.cur()} }
func (a Amount) IsNegative() bool                 { return a.Value.IsNegative() }
func (a Amount) IsZero() bool                     { return a.Value.IsZero() }
func (a Amount) IsPositive() bool                 { return a.Value.IsPositive() }
func (a Amount) Equal(b Amount) bool              { return a.Value.Equal(b.Value) }
func (a Amount) GreaterThan(b Amount) bool        { return a.Value.GreaterThan(b.Value) }
func (a Amount) GreaterThanOrEqual(b Amount) bool { return a.Value.GreaterThanOrEqual(b.Value) }
func (a Amount) LessThan(b Amount) bool           { return a.Value.LessThan(b.Value) }
func (a Amount) String() string                   { return a.Value.StringFixed(CurrencyPlaces) }

// DivInt divides and rounds to currency precision.
func (a Amount) DivInt(n int64) Amount {
	return Amount{Value: a.Value.DivRound(decimal.NewFromInt(n), CurrencyPlaces), Currency: a.cur()}
}

func (a Amount) cur() Currency {
	if a.Currency == "" {
		return CurrencyAUD
	}
	return a.Currency
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type OrganizationID string
type ContractID string
type ResidentID string
type HouseID string
type TransactionID string
type RunID string

// AutomationActor is recorded as CreatedBy on every engine-created transaction.
const AutomationActor = "automation-system"
