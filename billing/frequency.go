package billing

import (
	"fmt"
	"strings"
)

// Frequency is how often an automated drawdown bills a contract.
type Frequency string

const (
	FrequencyDaily       Frequency = "daily"
	FrequencyWeekly      Frequency = "weekly"
	FrequencyFortnightly Frequency = "fortnightly"
)

// Frequencies lists every supported frequency in ascending period length.
var Frequencies = []Frequency{FrequencyDaily, FrequencyWeekly, FrequencyFortnightly}

// ParseFrequency rejects empty and unknown values. There is no default:
// a contract without a frequency is misconfigured, not fortnightly.
func ParseFrequency(s string) (Frequency, error) {
	f := Frequency(strings.ToLower(strings.TrimSpace(s)))
	if !f.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidFrequency, s)
	}
	return f, nil
}

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyFortnightly:
		return true
	}
	return false
}

// Days is the calendar-day step between two billing dates.
func (f Frequency) Days() int {
	switch f {
	case FrequencyDaily:
		return 1
	case FrequencyWeekly:
		return 7
	case FrequencyFortnightly:
		return 14
	}
	return 0
}

// Next advances a billing date by one period.
func (f Frequency) Next(d Date) Date {
	return d.AddDays(f.Days())
}

func (f Frequency) String() string { return string(f) }
