// Package clock implements the trading-day state machine. It is pure:
// every query takes an explicit instant and returns the same answer for
// the same instant, so it is safe from any number of goroutines.
package clock

import (
	"fmt"
	"time"

	"github.com/voltsim/voltsim/internal/config"
)

// State is a phase of the trading day in home-timezone local time.
type State string

const (
	StatePreMarket State = "PRE_MARKET" // before market open, both markets closed
	StatePre11AM   State = "PRE_11AM"   // both markets open
	StatePost11AM  State = "POST_11AM"  // day-ahead closed, real-time open
	StateEndOfDay  State = "END_OF_DAY" // both markets closed
)

// Permissions says which markets accept orders in a given state.
type Permissions struct {
	DAOrders bool `json:"da_orders"`
	RTOrders bool `json:"rt_orders"`
}

// Transition describes the next state change after a given instant.
type Transition struct {
	NextState    State     `json:"next_state"`
	At           time.Time `json:"at"`
	SecondsUntil int64     `json:"seconds_until"`
}

// Info bundles everything the API layer reports about the clock.
type Info struct {
	State         State       `json:"state"`
	LocalTime     time.Time   `json:"local_time"`
	Timezone      string      `json:"timezone"`
	Permissions   Permissions `json:"permissions"`
	Next          Transition  `json:"next_transition"`
	CutoffMessage string      `json:"cutoff_message,omitempty"`
}

// TradingClock maps instants onto trading-day states. The conversion to
// local time uses the UTC offset in effect at that instant, so states
// are correct across daylight-saving transitions.
type TradingClock struct {
	loc        *time.Location
	cutoff     time.Duration
	open       time.Duration
	close      time.Duration
	cutoffHour int
	disabled   bool
}

// New builds a clock from configuration. It fails only if the configured
// timezone is unknown to the platform's zone database.
func New(cfg config.Config) (*TradingClock, error) {
	loc, err := time.LoadLocation(cfg.HomeTimezone)
	if err != nil {
		return nil, fmt.Errorf("loading home timezone %q: %w", cfg.HomeTimezone, err)
	}
	return &TradingClock{
		loc: loc,
		cutoff: time.Duration(cfg.CutoffHour)*time.Hour +
			time.Duration(cfg.CutoffMinute)*time.Minute +
			time.Duration(cfg.CutoffSecond)*time.Second,
		open: time.Duration(cfg.MarketOpenHour) * time.Hour,
		close: time.Duration(cfg.MarketCloseHour)*time.Hour +
			time.Duration(cfg.MarketCloseMinute)*time.Minute +
			59*time.Second,
		cutoffHour: cfg.CutoffHour,
		disabled:   cfg.ClockDisabled,
	}, nil
}

// localTimeOfDay is the elapsed duration since local midnight, carrying
// nanosecond precision so the cutoff boundary holds to sub-second
// resolution.
func (c *TradingClock) localTimeOfDay(t time.Time) (time.Time, time.Duration) {
	local := t.In(c.loc)
	tod := time.Duration(local.Hour())*time.Hour +
		time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second +
		time.Duration(local.Nanosecond())
	return local, tod
}

// StateAt returns the trading state in effect at t. The cutoff is a
// closed lower bound: strictly before allows day-ahead, at-or-after
// blocks it.
func (c *TradingClock) StateAt(t time.Time) State {
	if c.disabled {
		return StatePre11AM
	}

	_, tod := c.localTimeOfDay(t)
	switch {
	case tod < c.open:
		return StatePreMarket
	case tod < c.cutoff:
		return StatePre11AM
	case tod <= c.close:
		return StatePost11AM
	default:
		return StateEndOfDay
	}
}

// PermissionsFor maps a state onto market permissions.
func (c *TradingClock) PermissionsFor(state State) Permissions {
	if c.disabled {
		return Permissions{DAOrders: true, RTOrders: true}
	}
	switch state {
	case StatePre11AM:
		return Permissions{DAOrders: true, RTOrders: true}
	case StatePost11AM:
		return Permissions{DAOrders: false, RTOrders: true}
	default:
		return Permissions{}
	}
}

// PermissionsAt is shorthand for PermissionsFor(StateAt(t)).
func (c *TradingClock) PermissionsAt(t time.Time) Permissions {
	return c.PermissionsFor(c.StateAt(t))
}

// wallClock builds the instant at a given wall-clock offset from
// midnight on a local date. Built from clock components rather than
// duration addition, so the instant stays on the configured wall time
// even when the day contains a daylight-saving shift.
func (c *TradingClock) wallClock(y int, m time.Month, d int, tod time.Duration) time.Time {
	return time.Date(y, m, d,
		int(tod/time.Hour),
		int(tod/time.Minute)%60,
		int(tod/time.Second)%60,
		int(tod%time.Second),
		c.loc)
}

// NextTransition computes the next state change after t. Transition
// instants are constructed in the home timezone, so a day spanning a
// daylight-saving shift still transitions at the configured wall time.
func (c *TradingClock) NextTransition(t time.Time) Transition {
	local, tod := c.localTimeOfDay(t)
	y, m, d := local.Date()

	var at time.Time
	var next State
	switch {
	case tod < c.open:
		at = c.wallClock(y, m, d, c.open)
		next = StatePre11AM
	case tod < c.cutoff:
		at = c.wallClock(y, m, d, c.cutoff)
		next = StatePost11AM
	case tod <= c.close:
		at = c.wallClock(y, m, d, c.close)
		next = StateEndOfDay
	default:
		at = c.wallClock(y, m, d+1, c.open)
		next = StatePre11AM
	}

	return Transition{
		NextState:    next,
		At:           at,
		SecondsUntil: int64(at.Sub(local) / time.Second),
	}
}

// InfoAt returns the full clock report for t.
func (c *TradingClock) InfoAt(t time.Time) Info {
	local, _ := c.localTimeOfDay(t)
	state := c.StateAt(t)
	return Info{
		State:         state,
		LocalTime:     local,
		Timezone:      c.loc.String(),
		Permissions:   c.PermissionsFor(state),
		Next:          c.NextTransition(t),
		CutoffMessage: c.CutoffMessage(t),
	}
}

// CutoffMessage renders a user-facing description of day-ahead
// availability at t.
func (c *TradingClock) CutoffMessage(t time.Time) string {
	if c.disabled {
		return ""
	}
	switch c.StateAt(t) {
	case StatePre11AM:
		next := c.NextTransition(t)
		return "DA orders close in " + FormatDuration(time.Duration(next.SecondsUntil)*time.Second)
	case StatePost11AM:
		return fmt.Sprintf("DA orders closed until tomorrow %02d:00 %s", c.cutoffHour, c.loc.String())
	default:
		return "Market closed - DA orders unavailable"
	}
}

// TradingDayEnd returns local midnight after the trading day containing
// t, used as the expiry for day-only orders.
func (c *TradingClock) TradingDayEnd(t time.Time) time.Time {
	local := t.In(c.loc)
	y, m, d := local.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, c.loc)
}

// FormatDuration renders a duration as "1h 2m 3s".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		return "past due"
	}
	h := int(d / time.Hour)
	m := int(d/time.Minute) % 60
	s := int(d/time.Second) % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
