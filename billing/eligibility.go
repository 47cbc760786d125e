package billing

import (
	"fmt"
	"strings"
)

// =============================================================================
// ELIGIBILITY EVALUATOR - Pure over a snapshot and "today"
// =============================================================================

// EligibilityChecks holds the five independent verdicts.
type EligibilityChecks struct {
	Status     bool `json:"status_check"`
	Automation bool `json:"automation_check"`
	Balance    bool `json:"balance_check"`
	Date       bool `json:"date_check"`
	NextRun    bool `json:"next_run_check"`
}

// All is the conjunction of every check.
func (c EligibilityChecks) All() bool {
	return c.Status && c.Automation && c.Balance && c.Date && c.NextRun
}

// EligibilityResult is produced fresh on every evaluation and never stored.
type EligibilityResult struct {
	ContractID ContractID
	IsEligible bool
	Reasons    []string
	Checks     EligibilityChecks
}

const residentActiveStatus = "active"

// Evaluate runs all five checks and reports every failure reason. The
// next-run check is strict: only a next run date equal to today passes.
// Overdue contracts belong to the catch-up path.
func Evaluate(snap ContractSnapshot, today Date) EligibilityResult {
	c := snap.Contract
	var reasons []string

	statusOK, r := checkStatus(c, snap.Resident)
	reasons = append(reasons, r...)
	automationOK, r := checkAutomation(c)
	reasons = append(reasons, r...)
	balanceOK, r := checkBalance(c)
	reasons = append(reasons, r...)
	dateOK, r := checkDates(c, today)
	reasons = append(reasons, r...)
	nextRunOK, r := checkNextRun(c, today)
	reasons = append(reasons, r...)

	checks := EligibilityChecks{
		Status:     statusOK,
		Automation: automationOK,
		Balance:    balanceOK,
		Date:       dateOK,
		NextRun:    nextRunOK,
	}
	return EligibilityResult{
		ContractID: c.ID,
		IsEligible: checks.All(),
		Reasons:    reasons,
		Checks:     checks,
	}
}

// Both statuses compare case-insensitively.
func checkStatus(c Contract, resident *Resident) (bool, []string) {
	var reasons []string
	if c.Status.Normalize() != ContractActive {
		reasons = append(reasons, fmt.Sprintf("contract status is %q, not active", c.Status))
	}
	if resident == nil {
		reasons = append(reasons, "resident record not found")
	} else if !strings.EqualFold(strings.TrimSpace(resident.Status), residentActiveStatus) {
		reasons = append(reasons, fmt.Sprintf("resident status is %q, not active", resident.Status))
	}
	return len(reasons) == 0, reasons
}

func checkAutomation(c Contract) (bool, []string) {
	var reasons []string
	if !c.AutoBillingEnabled {
		reasons = append(reasons, "automated billing is disabled")
	}
	switch {
	case c.Frequency == "":
		reasons = append(reasons, "drawdown frequency is not set")
	case !c.Frequency.Valid():
		reasons = append(reasons, fmt.Sprintf("drawdown frequency %q is not daily, weekly or fortnightly", c.Frequency))
	}
	return len(reasons) == 0, reasons
}

func checkBalance(c Contract) (bool, []string) {
	if !c.CurrentBalance.IsPositive() {
		return false, []string{fmt.Sprintf("current balance %s is not positive", c.CurrentBalance)}
	}
	if c.DailySupportItemCost != nil && c.CurrentBalance.LessThan(*c.DailySupportItemCost) {
		return false, []string{fmt.Sprintf("current balance %s is below the daily support item cost %s",
			c.CurrentBalance, *c.DailySupportItemCost)}
	}
	return true, nil
}

func checkDates(c Contract, today Date) (bool, []string) {
	var reasons []string
	if today.Before(c.StartDate) {
		reasons = append(reasons, fmt.Sprintf("contract starts on %s", c.StartDate))
	}
	if c.EndDate != nil && today.After(*c.EndDate) {
		reasons = append(reasons, fmt.Sprintf("contract ended on %s", *c.EndDate))
	}
	return len(reasons) == 0, reasons
}

func checkNextRun(c Contract, today Date) (bool, []string) {
	if c.NextRunDate == nil || c.NextRunDate.IsZero() {
		return false, []string{"next run date is not set"}
	}
	next := *c.NextRunDate
	switch {
	case next.Before(today):
		return false, []string{fmt.Sprintf("next run date %s is overdue (today is %s); use catch-up", next, today)}
	case next.After(today):
		return false, []string{fmt.Sprintf("next run date %s is in the future (today is %s)", next, today)}
	}
	return true, nil
}
