package billing

import (
	"fmt"
)

// =============================================================================
// RATE CALCULATOR - Pure, no I/O
// =============================================================================

// RateCalculation is the result of CalculateRates. Callers must check
// IsValid before reading any rate field.
type RateCalculation struct {
	DailyRate         Amount
	WeeklyRate        Amount
	FortnightlyRate   Amount
	TransactionAmount Amount // per-period amount for the requested frequency
	TotalDays         int
	IsValid           bool
	Errors            []string
}

// CalculateRates spreads amount evenly over [start, end] inclusive.
//
// Only the daily rate is rounded to currency precision; weekly and
// fortnightly are multiples of that rounded rate so the preview always equals
// what TransactionAmount bills.
func CalculateRates(amount Amount, start, end *Date, frequency Frequency) RateCalculation {
	var errs []string
	if !amount.IsPositive() {
		errs = append(errs, "contract amount must be greater than zero")
	}
	if start == nil || start.IsZero() {
		errs = append(errs, "start date is required")
	}
	if end == nil || end.IsZero() {
		errs = append(errs, "end date is required")
	}
	if frequency != "" && !frequency.Valid() {
		errs = append(errs, fmt.Sprintf("unknown drawdown frequency %q", frequency))
	}

	totalDays := 0
	if start != nil && end != nil && !start.IsZero() && !end.IsZero() {
		if !end.After(*start) {
			errs = append(errs, "end date must be after start date")
		}
		totalDays = DaysBetween(*start, *end) + 1
		if totalDays <= 0 {
			errs = append(errs, "contract duration must be at least one day")
		}
	}

	if len(errs) > 0 {
		return RateCalculation{TotalDays: totalDays, Errors: errs}
	}

	daily := amount.DivInt(int64(totalDays))
	calc := RateCalculation{
		DailyRate:       daily,
		WeeklyRate:      TransactionAmount(FrequencyWeekly, daily).Round(),
		FortnightlyRate: TransactionAmount(FrequencyFortnightly, daily).Round(),
		TotalDays:       totalDays,
		IsValid:         true,
	}
	if frequency != "" {
		calc.TransactionAmount = TransactionAmount(frequency, daily)
	}
	return calc
}

// TransactionAmount is the authoritative per-drawdown amount. An unknown
// frequency yields zero, which the generator rejects as an invalid amount.
func TransactionAmount(frequency Frequency, dailyRate Amount) Amount {
	days := frequency.Days()
	if days == 0 {
		return ZeroAmount()
	}
	return dailyRate.MulInt(int64(days))
}
