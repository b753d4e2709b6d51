// Package matching converts externally published prices into fills. The
// exchange is a price-taker venue: every order matches 1:1 against the
// published price for its node and time, never against other orders.
package matching

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/voltsim/voltsim/internal/clock"
	"github.com/voltsim/voltsim/internal/config"
	"github.com/voltsim/voltsim/internal/types"
	"gorm.io/gorm"
)

// Engine applies one price event at a time as an atomic, idempotent
// batch over the eligible orders. Batches for different nodes or
// non-overlapping time keys may run concurrently; the row locks taken
// inside each transaction keep a duplicate or late event from
// double-filling an order.
type Engine struct {
	db  *Database
	clk *clock.TradingClock
	cfg config.Config
}

func NewEngine(gormDB *gorm.DB, clk *clock.TradingClock, cfg config.Config) *Engine {
	return &Engine{
		db:  NewDatabase(gormDB),
		clk: clk,
		cfg: cfg,
	}
}

// ProcessRealTimeTick matches all eligible real-time orders for the node
// against one 5-minute price observation. Orders whose limit is not met
// stay pending for a future tick, subject to expiry.
func (e *Engine) ProcessRealTimeTick(ctx context.Context, node string, intervalStart time.Time, price float64, asOf time.Time) (*types.MatchResult, error) {
	logger := log.With().
		Str("service", "matching").
		Str("node", node).
		Time("interval_start", intervalStart).
		Float64("lmp", price).
		Logger()

	started := time.Now()
	result := &types.MatchResult{
		Node:         node,
		Market:       types.MarketRealTime,
		TimestampUTC: intervalStart,
		EventPrice:   price,
	}

	tx := e.db.Begin().WithContext(ctx)
	if err := tx.Error; err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	orders, err := e.db.EligibleRealTimeOrders(tx, node, intervalStart)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting eligible RT orders: %w", err)
	}

	for i := range orders {
		order := &orders[i]
		outcome := e.processRealTimeOrder(tx, order, intervalStart, price, asOf)
		result.Outcomes = append(result.Outcomes, outcome)
		result.Matched++
		e.tally(result, outcome)
	}

	if err := tx.Commit().Error; err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("committing RT matching batch: %w", err)
	}

	result.ProcessingMS = float64(time.Since(started).Microseconds()) / 1000.0
	logger.Info().
		Int("matched", result.Matched).
		Int("filled", result.Filled).
		Int("expired", result.Expired).
		Int("errors", result.Errors).
		Float64("processing_time_ms", result.ProcessingMS).
		Msg("RT matching completed")

	return result, nil
}

func (e *Engine) processRealTimeOrder(tx *gorm.DB, order *types.Order, intervalStart time.Time, price float64, asOf time.Time) types.OrderOutcome {
	// Idempotency guard: a fill keyed to this exact interval means a
	// duplicate event, not an error.
	done, err := e.db.HasFill(tx, order.Model.ID, intervalStart, types.FillRTImmediate)
	if err != nil {
		return errorOutcome(order, err)
	}
	if done || order.Status != types.StatusPending {
		return types.OrderOutcome{
			OrderID: order.OrderID,
			Outcome: types.OutcomeAlreadyProcessed,
			Reason:  "already processed for this interval",
		}
	}

	if expired, why := e.isExpired(order, asOf); expired {
		return e.cancelOrder(tx, order, "expired: "+why, asOf)
	}

	if !shouldFill(order, price) {
		// Immediate-or-cancel gets exactly one look.
		if order.TimeInForce == types.TIFImmediateOrCancel {
			return e.cancelOrder(tx, order,
				fmt.Sprintf("immediate-or-cancel not filled: limit $%.2f vs LMP $%.2f", limitOf(order), price), asOf)
		}
		return types.OrderOutcome{
			OrderID: order.OrderID,
			Outcome: types.OutcomeNoFill,
			Reason:  fmt.Sprintf("limit not met: $%.2f vs LMP $%.2f", limitOf(order), price),
		}
	}

	return e.fillOrder(tx, order, types.FillRTImmediate, intervalStart, price, asOf)
}

// ProcessDayAheadPrice matches all eligible day-ahead orders for the
// delivery hour against its single clearing event. Because there is
// exactly one clearing per hour, a non-matching limit order is rejected
// on the spot instead of staying pending.
func (e *Engine) ProcessDayAheadPrice(ctx context.Context, node string, hourStart time.Time, clearingPrice float64, asOf time.Time) (*types.MatchResult, error) {
	logger := log.With().
		Str("service", "matching").
		Str("node", node).
		Time("hour_start", hourStart).
		Float64("da_price", clearingPrice).
		Logger()

	started := time.Now()
	result := &types.MatchResult{
		Node:         node,
		Market:       types.MarketDayAhead,
		TimestampUTC: hourStart,
		EventPrice:   clearingPrice,
	}

	tx := e.db.Begin().WithContext(ctx)
	if err := tx.Error; err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	orders, err := e.db.EligibleDayAheadOrders(tx, node, hourStart)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting eligible DA orders: %w", err)
	}

	for i := range orders {
		order := &orders[i]
		outcome := e.processDayAheadOrder(tx, order, hourStart, clearingPrice, asOf)
		result.Outcomes = append(result.Outcomes, outcome)
		result.Matched++
		e.tally(result, outcome)
	}

	if err := tx.Commit().Error; err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("committing DA matching batch: %w", err)
	}

	result.ProcessingMS = float64(time.Since(started).Microseconds()) / 1000.0
	logger.Info().
		Int("matched", result.Matched).
		Int("filled", result.Filled).
		Int("rejected", result.Rejected).
		Int("errors", result.Errors).
		Float64("processing_time_ms", result.ProcessingMS).
		Msg("DA matching completed")

	return result, nil
}

func (e *Engine) processDayAheadOrder(tx *gorm.DB, order *types.Order, hourStart time.Time, clearingPrice float64, asOf time.Time) types.OrderOutcome {
	done, err := e.db.HasFill(tx, order.Model.ID, hourStart, types.FillDAClosing)
	if err != nil {
		return errorOutcome(order, err)
	}
	if done || order.Status != types.StatusPending {
		return types.OrderOutcome{
			OrderID: order.OrderID,
			Outcome: types.OutcomeAlreadyProcessed,
			Reason:  "already processed for this delivery hour",
		}
	}

	if expired, why := e.isExpired(order, asOf); expired {
		return e.cancelOrder(tx, order, "expired: "+why, asOf)
	}

	if !shouldFill(order, clearingPrice) {
		return e.rejectOrder(tx, order,
			fmt.Sprintf("limit not met: limit $%.2f vs clearing $%.2f", limitOf(order), clearingPrice), asOf)
	}

	return e.fillOrder(tx, order, types.FillDAClosing, hourStart, clearingPrice, asOf)
}

// shouldFill applies the price-taker fill rule: market orders always
// fill, a limit buy fills at or below its limit, a limit sell at or
// above.
func shouldFill(order *types.Order, eventPrice float64) bool {
	if order.Kind == types.KindMarket {
		return true
	}
	limit := limitOf(order)
	if order.Side == types.SideBuy {
		return eventPrice <= limit
	}
	return eventPrice >= limit
}

func limitOf(order *types.Order) float64 {
	if order.LimitPrice == nil {
		return 0
	}
	return *order.LimitPrice
}

// isExpired evaluates time-in-force before eligibility. Immediate-or-
// cancel is handled at match time since it survives exactly one tick.
func (e *Engine) isExpired(order *types.Order, asOf time.Time) (bool, string) {
	if order.ExpiresAt != nil {
		if asOf.After(*order.ExpiresAt) {
			return true, fmt.Sprintf("explicit expiry %s passed", order.ExpiresAt.UTC().Format(time.RFC3339))
		}
		return false, ""
	}

	switch order.TimeInForce {
	case types.TIFDay:
		dayEnd := e.clk.TradingDayEnd(order.CreatedAt)
		if asOf.After(dayEnd) {
			return true, "day order expired at local trading-day midnight"
		}
	case types.TIFGoodTillCancelled:
		if order.Market == types.MarketRealTime {
			deadline := order.CreatedAt.Add(e.cfg.GTCDefaultRTLife)
			if asOf.After(deadline) {
				return true, fmt.Sprintf("GTC real-time default lifetime of %s exceeded", e.cfg.GTCDefaultRTLife)
			}
		} else {
			deadline := order.HourStartUTC.Add(time.Hour)
			if asOf.After(deadline) {
				return true, "GTC day-ahead order outlived its delivery hour"
			}
		}
	}
	return false, ""
}

// fillOrder executes a full fill at the event price and writes the
// immutable fill record. Partial fills do not exist in this venue. The
// order update and its fill land under a savepoint: a mid-fill failure
// unwinds both writes so the order stays pending while the rest of the
// batch commits.
func (e *Engine) fillOrder(tx *gorm.DB, order *types.Order, kind types.FillKind, ts time.Time, price float64, asOf time.Time) types.OrderOutcome {
	qty := order.QuantityMWh
	filledAt := asOf

	sp := fmt.Sprintf("fill_order_%d", order.Model.ID)
	if err := tx.SavePoint(sp).Error; err != nil {
		return errorOutcome(order, err)
	}

	order.Status = types.StatusFilled
	order.FilledPrice = &price
	order.FilledQuantity = &qty
	order.FilledAt = &filledAt
	order.UpdatedAt = asOf

	if err := e.db.SaveOrder(tx, order); err != nil {
		return e.unwindFill(tx, sp, order, err)
	}

	fill := &types.Fill{
		OrderRef:          order.Model.ID,
		OrderID:           order.OrderID,
		Kind:              kind,
		TimestampUTC:      ts,
		Price:             price,
		QuantityMWh:       qty,
		MarketPriceAtFill: price,
	}
	if err := e.db.CreateFill(tx, fill); err != nil {
		return e.unwindFill(tx, sp, order, err)
	}

	if err := e.db.BumpSessionMetrics(tx, order.UserID, ts, qty, e.cfg.StartingCapital); err != nil {
		log.Warn().Err(err).Str("order_id", order.OrderID).Msg("failed to update session metrics")
	}

	log.Debug().
		Str("order_id", order.OrderID).
		Str("side", string(order.Side)).
		Float64("quantity_mwh", qty).
		Float64("fill_price", price).
		Time("market_ts", ts).
		Msg("fill executed")

	return types.OrderOutcome{
		OrderID:        order.OrderID,
		Outcome:        types.OutcomeFilled,
		FilledPrice:    price,
		FilledQuantity: qty,
	}
}

// unwindFill rolls the order and fill writes back to the savepoint and
// restores the in-memory order to its pending shape.
func (e *Engine) unwindFill(tx *gorm.DB, sp string, order *types.Order, cause error) types.OrderOutcome {
	if err := tx.RollbackTo(sp).Error; err != nil {
		log.Error().Err(err).Str("order_id", order.OrderID).Msg("savepoint rollback failed")
	}
	order.Status = types.StatusPending
	order.FilledPrice = nil
	order.FilledQuantity = nil
	order.FilledAt = nil
	return errorOutcome(order, cause)
}

func (e *Engine) rejectOrder(tx *gorm.DB, order *types.Order, reason string, asOf time.Time) types.OrderOutcome {
	order.Status = types.StatusRejected
	order.RejectionReason = reason
	order.UpdatedAt = asOf

	if err := e.db.SaveOrder(tx, order); err != nil {
		return errorOutcome(order, err)
	}
	return types.OrderOutcome{
		OrderID: order.OrderID,
		Outcome: types.OutcomeRejected,
		Reason:  reason,
	}
}

func (e *Engine) cancelOrder(tx *gorm.DB, order *types.Order, reason string, asOf time.Time) types.OrderOutcome {
	order.Status = types.StatusCancelled
	order.RejectionReason = reason
	order.UpdatedAt = asOf

	if err := e.db.SaveOrder(tx, order); err != nil {
		return errorOutcome(order, err)
	}
	return types.OrderOutcome{
		OrderID: order.OrderID,
		Outcome: types.OutcomeExpired,
		Reason:  reason,
	}
}

// errorOutcome isolates a per-order failure: the order is left pending
// for the next event and its siblings keep processing.
func errorOutcome(order *types.Order, err error) types.OrderOutcome {
	log.Error().Err(err).Str("order_id", order.OrderID).Msg("matching failure for order")
	return types.OrderOutcome{
		OrderID: order.OrderID,
		Outcome: types.OutcomeError,
		Reason:  err.Error(),
	}
}

func (e *Engine) tally(result *types.MatchResult, outcome types.OrderOutcome) {
	switch outcome.Outcome {
	case types.OutcomeFilled:
		result.Filled++
	case types.OutcomeRejected:
		result.Rejected++
	case types.OutcomeExpired:
		result.Expired++
	case types.OutcomeError:
		result.Errors++
	}
}
