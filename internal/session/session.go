// Package session maintains the per-user daily trading session and the
// running capital account behind it.
package session

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/voltsim/voltsim/internal/clock"
	"github.com/voltsim/voltsim/internal/config"
	"github.com/voltsim/voltsim/internal/types"
	"github.com/voltsim/voltsim/pkg/response"
	"gorm.io/gorm"
)

type Manager struct {
	db  *Database
	clk *clock.TradingClock
	cfg config.Config
}

func NewManager(gormDB *gorm.DB, clk *clock.TradingClock, cfg config.Config) *Manager {
	return &Manager{
		db:  NewDatabase(gormDB),
		clk: clk,
		cfg: cfg,
	}
}

// GetOrCreateSession returns the user's session row for the UTC day
// containing asOf, creating it on first touch. Session rows are never
// deleted.
func (m *Manager) GetOrCreateSession(userID string, asOf time.Time) (*types.TradingSession, error) {
	dayStart := asOf.UTC().Truncate(24 * time.Hour)

	session, err := m.db.GetSession(userID, dayStart)
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if session != nil {
		return m.refresh(session, asOf)
	}

	capital, err := m.capitalFor(userID)
	if err != nil {
		return nil, err
	}

	carryovers, err := m.db.CountCarryovers(userID, dayStart)
	if err != nil {
		return nil, fmt.Errorf("counting carryovers: %w", err)
	}

	perms := m.clk.PermissionsAt(asOf)
	session = &types.TradingSession{
		UserID:               userID,
		TradingDate:          dayStart,
		StartingCapital:      capital.CurrentCapital,
		CurrentCapital:       capital.CurrentCapital,
		ClockState:           string(m.clk.StateAt(asOf)),
		DAOrdersEnabled:      perms.DAOrders,
		RTOrdersEnabled:      perms.RTOrders,
		CarryoverDAPositions: int(carryovers),
	}
	if err := m.db.CreateSession(session); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	log.Info().
		Str("service", "session").
		Str("user_id", userID).
		Time("trading_date", dayStart).
		Float64("starting_capital", session.StartingCapital).
		Int("carryover_da_positions", session.CarryoverDAPositions).
		Msg("trading session created")

	return session, nil
}

// refresh re-stamps the clock-derived fields so a stale session row
// reflects the current trading state.
func (m *Manager) refresh(session *types.TradingSession, asOf time.Time) (*types.TradingSession, error) {
	perms := m.clk.PermissionsAt(asOf)
	state := string(m.clk.StateAt(asOf))
	if session.ClockState == state &&
		session.DAOrdersEnabled == perms.DAOrders &&
		session.RTOrdersEnabled == perms.RTOrders {
		return session, nil
	}

	session.ClockState = state
	session.DAOrdersEnabled = perms.DAOrders
	session.RTOrdersEnabled = perms.RTOrders
	session.UpdatedAt = asOf.UTC()
	if err := m.db.SaveSession(session); err != nil {
		return nil, fmt.Errorf("refreshing session: %w", err)
	}
	return session, nil
}

func (m *Manager) capitalFor(userID string) (*types.UserCapital, error) {
	capital, err := m.db.GetUserCapital(userID)
	if err != nil {
		return nil, fmt.Errorf("loading user capital: %w", err)
	}
	if capital != nil {
		return capital, nil
	}

	capital = &types.UserCapital{
		UserID:          userID,
		StartingCapital: m.cfg.StartingCapital,
		CurrentCapital:  m.cfg.StartingCapital,
	}
	if err := m.db.CreateUserCapital(capital); err != nil {
		return nil, fmt.Errorf("creating user capital: %w", err)
	}
	return capital, nil
}

// IsTradingAllowed gates order submission for a market at an instant.
func (m *Manager) IsTradingAllowed(market types.Market, asOf time.Time) (bool, string) {
	perms := m.clk.PermissionsAt(asOf)
	switch market {
	case types.MarketDayAhead:
		if !perms.DAOrders {
			return false, m.clk.CutoffMessage(asOf)
		}
	case types.MarketRealTime:
		if !perms.RTOrders {
			return false, "real-time market is closed"
		}
	default:
		return false, fmt.Sprintf("unknown market %q", market)
	}
	return true, ""
}

// Summary is the session view returned by the API.
type Summary struct {
	Session *types.TradingSession      `json:"session"`
	Capital *types.UserCapital         `json:"capital"`
	Clock   clock.Info                 `json:"clock"`
	Ledger  []types.CapitalLedgerEntry `json:"recent_ledger"`
}

// GetSummary assembles the session, capital, clock, and recent ledger
// view for a user.
func (m *Manager) GetSummary(userID string, asOf time.Time) (*Summary, error) {
	session, err := m.GetOrCreateSession(userID, asOf)
	if err != nil {
		return nil, err
	}
	capital, err := m.capitalFor(userID)
	if err != nil {
		return nil, err
	}
	ledger, err := m.db.RecentLedgerEntries(userID, 7)
	if err != nil {
		return nil, fmt.Errorf("loading ledger entries: %w", err)
	}

	return &Summary{
		Session: session,
		Capital: capital,
		Clock:   m.clk.InfoAt(asOf),
		Ledger:  ledger,
	}, nil
}

// GinHandlers contains HTTP handlers for session endpoints.
type GinHandlers struct {
	manager *Manager
}

func NewGinHandlers(manager *Manager) *GinHandlers {
	return &GinHandlers{manager: manager}
}

func (h *GinHandlers) GetSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("user_id")

		summary, err := h.manager.GetSummary(userID, time.Now().UTC())
		response.Handle(c, summary, err)
	}
}

func (h *GinHandlers) GetClockHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.manager.clk.InfoAt(time.Now().UTC()))
	}
}
