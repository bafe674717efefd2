package generic

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - A closed date range [Start, End]
// =============================================================================

// Period defines a date range. Both ends are inclusive; stores that query
// half-open ranges use EndExclusive.
type Period struct {
	Start TimePoint
	End   TimePoint
}

// Contains returns true if the time point is within the period [Start, End]
func (p Period) Contains(t TimePoint) bool {
	return t.AfterOrEqual(p.Start) && t.BeforeOrEqual(p.End)
}

// EndExclusive returns the first day after the period.
func (p Period) EndExclusive() TimePoint {
	return p.End.AddDays(1)
}

// String returns a string representation of the period.
func (p Period) String() string {
	return "[" + p.Start.String() + ", " + p.End.String() + "]"
}

// =============================================================================
// MONTHLY PERIODS - Calendar months and offset billing months
// =============================================================================

// PeriodType defines how a month's date range is derived.
type PeriodType string

const (
	PeriodCalendarMonth PeriodType = "calendar_month" // 1st through end of month
	PeriodBillingMonth  PeriodType = "billing_month"  // 7th through the 6th of the next month
)

// BillingBoundaryDay is the first day of a billing month.
const BillingBoundaryDay = 7

// PeriodConfig defines how to derive month windows.
type PeriodConfig struct {
	Type PeriodType

	// For billing months: the day of the calendar month the period starts on.
	BoundaryDay int
}

var (
	CalendarMonths = PeriodConfig{Type: PeriodCalendarMonth, BoundaryDay: 1}
	BillingMonths  = PeriodConfig{Type: PeriodBillingMonth, BoundaryDay: BillingBoundaryDay}
)

func (pc PeriodConfig) boundary() int {
	if pc.Type == PeriodCalendarMonth || pc.BoundaryDay < 1 {
		return 1
	}
	return pc.BoundaryDay
}

// Window returns the date range of the month labelled (year, month).
// A billing month (2025, March) spans 2025-03-07 through 2025-04-06.
func (pc PeriodConfig) Window(bp BillingPeriod) Period {
	start := NewTimePoint(bp.Year, bp.Month, pc.boundary())
	return Period{Start: start, End: start.AddMonths(1).AddDays(-1)}
}

// PeriodFor returns the month label whose window contains the given date.
func (pc PeriodConfig) PeriodFor(date TimePoint) BillingPeriod {
	bp := BillingPeriod{Year: date.Year(), Month: date.Month()}
	if date.Day() < pc.boundary() {
		return bp.Previous()
	}
	return bp
}

// =============================================================================
// BILLING PERIOD - (year, month) label
// =============================================================================

// BillingPeriod labels one month. Which dates it covers depends on the
// PeriodConfig used to open its Window.
type BillingPeriod struct {
	Year  int
	Month time.Month
}

// NewBillingPeriod validates and builds a period label.
func NewBillingPeriod(year int, month int) (BillingPeriod, error) {
	if month < 1 || month > 12 {
		return BillingPeriod{}, fmt.Errorf("%w: month %d out of range", ErrInvalidPeriod, month)
	}
	if year < 1 {
		return BillingPeriod{}, fmt.Errorf("%w: year %d out of range", ErrInvalidPeriod, year)
	}
	return BillingPeriod{Year: year, Month: time.Month(month)}, nil
}

// Previous returns the period immediately before bp, rolling the year at January.
func (bp BillingPeriod) Previous() BillingPeriod {
	if bp.Month == time.January {
		return BillingPeriod{Year: bp.Year - 1, Month: time.December}
	}
	return BillingPeriod{Year: bp.Year, Month: bp.Month - 1}
}

// Next returns the period immediately after bp.
func (bp BillingPeriod) Next() BillingPeriod {
	if bp.Month == time.December {
		return BillingPeriod{Year: bp.Year + 1, Month: time.January}
	}
	return BillingPeriod{Year: bp.Year, Month: bp.Month + 1}
}

// Before reports whether bp is earlier than other.
func (bp BillingPeriod) Before(other BillingPeriod) bool {
	if bp.Year != other.Year {
		return bp.Year < other.Year
	}
	return bp.Month < other.Month
}

func (bp BillingPeriod) String() string {
	return fmt.Sprintf("%04d-%02d", bp.Year, int(bp.Month))
}

// ParseBillingPeriod parses a "YYYY-MM" label.
func ParseBillingPeriod(s string) (BillingPeriod, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return BillingPeriod{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}
	return BillingPeriod{Year: t.Year(), Month: t.Month()}, nil
}
