// Package interval provides pure time-math over the 5-minute real-time
// market grid: flooring, slot assignment for new orders, and settlement
// readiness.
package interval

import (
	"fmt"
	"time"
)

// Length is the width of one real-time market interval.
const Length = 5 * time.Minute

// PerHour is the number of intervals composing a delivery hour.
const PerHour = 12

// MaxLeadTime is how far ahead an order may target an interval.
const MaxLeadTime = 24 * time.Hour

// Floor returns the start of the interval containing t.
func Floor(t time.Time) time.Time {
	return t.Truncate(Length)
}

// Next returns the start of the interval after the one containing t.
func Next(t time.Time) time.Time {
	return Floor(t).Add(Length)
}

// IsAligned reports whether t sits exactly on an interval boundary, and
// returns the aligned timestamp either way.
func IsAligned(t time.Time) (bool, time.Time) {
	aligned := Floor(t)
	return aligned.Equal(t), aligned
}

// AssignSlot picks the interval a newly submitted real-time order
// belongs to: the containing interval while it is still open, otherwise
// the next one.
func AssignSlot(orderTime time.Time) time.Time {
	start := Floor(orderTime)
	if orderTime.Before(start.Add(Length)) {
		return start
	}
	return start.Add(Length)
}

// ValidateTarget checks whether an order placed at orderTime may target
// the interval starting at target. Closed intervals and intervals more
// than MaxLeadTime ahead are rejected.
func ValidateTarget(orderTime, target time.Time) error {
	end := target.Add(Length)
	if !end.After(orderTime) {
		return fmt.Errorf("interval %s-%s has already closed",
			target.UTC().Format("15:04"), end.UTC().Format("15:04"))
	}
	if target.After(orderTime.Add(MaxLeadTime)) {
		return fmt.Errorf("interval starts more than %s ahead", MaxLeadTime)
	}
	return nil
}

// Readiness describes whether an interval can be settled as of a given
// instant.
type Readiness struct {
	IntervalStart time.Time `json:"interval_start"`
	IntervalEnd   time.Time `json:"interval_end"`
	IsComplete    bool      `json:"is_complete"`
	CanSettle     bool      `json:"can_settle"`
	ExpectedAt    time.Time `json:"expected_settlement_time"`
	Message       string    `json:"message"`
}

// SettlementReadiness reports whether the interval starting at start is
// settleable as of asOf, given the typical publication delay after
// interval close.
func SettlementReadiness(start, asOf time.Time, publicationDelay time.Duration) Readiness {
	end := start.Add(Length)
	expected := end.Add(publicationDelay)

	r := Readiness{
		IntervalStart: start,
		IntervalEnd:   end,
		ExpectedAt:    expected,
	}

	switch {
	case asOf.Before(end):
		r.Message = fmt.Sprintf("interval is still open, settlement after %s",
			end.UTC().Format("15:04:05"))
	case asOf.Before(expected):
		r.IsComplete = true
		r.Message = fmt.Sprintf("interval complete, settlement data expected around %s",
			expected.UTC().Format("15:04:05"))
	default:
		r.IsComplete = true
		r.CanSettle = true
		r.Message = "settlement data should be available"
	}
	return r
}

// ForHour returns the PerHour interval starts composing the delivery
// hour beginning at hourStart.
func ForHour(hourStart time.Time) []time.Time {
	starts := make([]time.Time, 0, PerHour)
	cur := hourStart.Truncate(time.Hour)
	for i := 0; i < PerHour; i++ {
		starts = append(starts, cur)
		cur = cur.Add(Length)
	}
	return starts
}

// FormatRange renders an interval in a display timezone, e.g.
// "14:35-14:40 EST".
func FormatRange(start time.Time, loc *time.Location) string {
	end := start.Add(Length)
	ls, le := start.In(loc), end.In(loc)
	return fmt.Sprintf("%s-%s %s", ls.Format("15:04"), le.Format("15:04"), ls.Format("MST"))
}
