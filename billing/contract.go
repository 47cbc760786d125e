package billing

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// CONTRACT STATUS - Lifecycle state machine
// =============================================================================

type ContractStatus string

const (
	ContractDraft     ContractStatus = "draft"
	ContractActive    ContractStatus = "active"
	ContractExpired   ContractStatus = "expired"
	ContractRenewed   ContractStatus = "renewed"
	ContractCancelled ContractStatus = "cancelled"
)

// contractTransitions holds the allowed next states. Renewal produces a new
// Active contract, so Renewed is terminal for the old one.
var contractTransitions = map[ContractStatus][]ContractStatus{
	ContractDraft:   {ContractActive, ContractCancelled},
	ContractActive:  {ContractExpired, ContractCancelled},
	ContractExpired: {ContractRenewed},
}

// Normalize lower-cases the status so stored "Active" and "active" compare equal.
func (s ContractStatus) Normalize() ContractStatus {
	return ContractStatus(strings.ToLower(strings.TrimSpace(string(s))))
}

func (s ContractStatus) IsTerminal() bool {
	_, ok := contractTransitions[s.Normalize()]
	return !ok
}

// CanTransition reports whether a contract may move from one status to another.
func CanTransition(from, to ContractStatus) bool {
	for _, next := range contractTransitions[from.Normalize()] {
		if next == to.Normalize() {
			return true
		}
	}
	return false
}

// Transition returns the new status or an error naming the illegal move.
func Transition(from, to ContractStatus) (ContractStatus, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return to.Normalize(), nil
}

// =============================================================================
// CONTRACT - The billable unit
// =============================================================================

type Contract struct {
	ID             ContractID
	OrganizationID OrganizationID
	ResidentID     ResidentID
	Status         ContractStatus

	OriginalAmount       Amount
	CurrentBalance       Amount
	DailySupportItemCost *Amount // nil when not yet derived

	StartDate   Date
	EndDate     *Date
	RenewalDate *Date

	AutoBillingEnabled bool
	Frequency          Frequency // empty when unset
	FirstRunDate       *Date
	NextRunDate        *Date
	LastDrawdownDate   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the data-model rules. Automation without a frequency
// is an error rather than a silently defaulted value.
func (c Contract) Validate() []string {
	var problems []string
	if c.CurrentBalance.GreaterThan(c.OriginalAmount) {
		problems = append(problems, fmt.Sprintf("current balance %s exceeds original amount %s", c.CurrentBalance, c.OriginalAmount))
	}
	if c.EndDate != nil && c.EndDate.Before(c.StartDate) {
		problems = append(problems, "end date is before start date")
	}
	if c.AutoBillingEnabled {
		if c.Frequency == "" {
			problems = append(problems, "automation enabled without a drawdown frequency")
		} else if !c.Frequency.Valid() {
			problems = append(problems, fmt.Sprintf("unknown drawdown frequency %q", c.Frequency))
		}
		if c.FirstRunDate == nil {
			problems = append(problems, "automation enabled without a first run date")
		}
		if c.NextRunDate == nil {
			problems = append(problems, "automation enabled without a next run date")
		}
	}
	return problems
}

// ValidationError joins Validate's problems into one ErrInvalidContract, or
// returns nil for a valid contract.
func (c Contract) ValidationError() error {
	problems := c.Validate()
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w %s: %s", ErrInvalidContract, c.ID, strings.Join(problems, "; "))
}

// =============================================================================
// RESIDENT / HOUSE - Read-only lineage for a contract
// =============================================================================

type Resident struct {
	ID             ResidentID
	OrganizationID OrganizationID
	HouseID        *HouseID
	FirstName      string
	LastName       string
	Status         string // free text from the resident record, e.g. "Active"
}

func (r Resident) Name() string {
	return strings.TrimSpace(r.FirstName + " " + r.LastName)
}

type House struct {
	ID   HouseID
	Name string
}

// ContractSnapshot is everything the evaluator needs, fetched in one read.
type ContractSnapshot struct {
	Contract Contract
	Resident *Resident
	House    *House
}
