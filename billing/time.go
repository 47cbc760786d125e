package billing

import (
	"time"
)

// =============================================================================
// DATE - Calendar day with no time-of-day component
// =============================================================================

// Date is a calendar day. The wrapped time is always midnight UTC so that
// day arithmetic never crosses a daylight-saving boundary.
type Date struct {
	Time time.Time
}

const DateLayout = "2006-01-02"

func NewDate(year int, month time.Month, day int) Date {
	return Date{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf strips the time-of-day from t, using t's own location for the calendar day.
func DateOf(t time.Time) Date {
	return NewDate(t.Year(), t.Month(), t.Day())
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, err
	}
	return DateOf(t), nil
}

// Today returns the calendar day of clock.Now() in loc.
func Today(clock Clock, loc *time.Location) Date {
	if loc == nil {
		loc = time.UTC
	}
	return DateOf(clock.Now().In(loc))
}

// Comparison
func (d Date) Before(other Date) bool        { return d.Time.Before(other.Time) }
func (d Date) After(other Date) bool         { return d.Time.After(other.Time) }
func (d Date) Equal(other Date) bool         { return d.Time.Equal(other.Time) }
func (d Date) BeforeOrEqual(other Date) bool { return !d.After(other) }
func (d Date) AfterOrEqual(other Date) bool  { return !d.Before(other) }
func (d Date) IsZero() bool                  { return d.Time.IsZero() }

// Arithmetic
func (d Date) AddDays(n int) Date { return Date{Time: d.Time.AddDate(0, 0, n)} }

func (d Date) String() string { return d.Time.Format(DateLayout) }

// Window returns the [start, end) instants covering this day in loc.
func (d Date) Window(loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	start := time.Date(d.Time.Year(), d.Time.Month(), d.Time.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

// DaysBetween returns the whole days from -> to (negative when to is earlier).
func DaysBetween(from, to Date) int {
	return int(to.Time.Sub(from.Time).Hours() / 24)
}

// DatePtr is a convenience for optional date fields.
func DatePtr(d Date) *Date { return &d }

// =============================================================================
// CLOCK
// =============================================================================

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock always returns the same instant.
type FixedClock struct {
	At time.Time
}

func (c FixedClock) Now() time.Time { return c.At }
