package generic

import (
	"sync"
	"time"

	cal "github.com/rickar/cal/v2"
	"github.com/rickar/cal/v2/us"
)

// =============================================================================
// CLOCK - The only source of "now"
// =============================================================================

// Clock supplies the current instant. Domain operations never call time.Now;
// the engine reads the clock once per operation and passes the value down so
// a single operation sees one consistent "now".
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock is a settable clock for tests and scenario replays.
type FixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{t: t}
}

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// =============================================================================
// TIME UTILITIES
// =============================================================================

// Date returns midnight UTC for the given day.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// RoundMinutes converts a duration to whole minutes, rounding half away from zero.
func RoundMinutes(d time.Duration) int {
	return int(d.Round(time.Minute) / time.Minute)
}

// HoursBetween returns the decimal hours between two instants.
func HoursBetween(from, to time.Time) Amount {
	return Hours(to.Sub(from).Hours())
}

// Within reports whether t lies in the closed interval [from, to].
func Within(t, from, to time.Time) bool {
	return !t.Before(from) && !t.After(to)
}

// IsWeekend reports Saturday/Sunday.
func IsWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// =============================================================================
// HOLIDAY CALENDAR - Drives richer accrual ratios for holiday overtime
// =============================================================================

// HolidayCalendar answers whether overtime on a date was holiday work.
type HolidayCalendar interface {
	IsHoliday(date time.Time) bool
}

// NoHolidays is a calendar with no holidays.
type NoHolidays struct{}

func (NoHolidays) IsHoliday(time.Time) bool { return false }

// FederalHolidayCalendar is the US federal holiday set, observed dates included.
type FederalHolidayCalendar struct {
	bc *cal.BusinessCalendar
}

// NewFederalHolidayCalendar builds the calendar once; it is safe for concurrent reads.
func NewFederalHolidayCalendar() *FederalHolidayCalendar {
	bc := cal.NewBusinessCalendar()
	bc.AddHoliday(
		us.NewYear,
		us.MlkDay,
		us.PresidentsDay,
		us.MemorialDay,
		us.Juneteenth,
		us.IndependenceDay,
		us.LaborDay,
		us.ThanksgivingDay,
		us.ChristmasDay,
	)
	return &FederalHolidayCalendar{bc: bc}
}

func (c *FederalHolidayCalendar) IsHoliday(date time.Time) bool {
	actual, observed, _ := c.bc.IsHoliday(date)
	return actual || observed
}
