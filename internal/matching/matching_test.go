package matching

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/voltsim/voltsim/internal/clock"
	"github.com/voltsim/voltsim/internal/config"
	"github.com/voltsim/voltsim/internal/database"
	"github.com/voltsim/voltsim/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(name), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return db
}

func testEngine(t *testing.T, db *gorm.DB) *Engine {
	t.Helper()
	cfg := config.Default()
	clk, err := clock.New(cfg)
	require.NoError(t, err)
	return NewEngine(db, clk, cfg)
}

func limitPtr(v float64) *float64 { return &v }

func seedDAOrder(t *testing.T, db *gorm.DB, orderID string, side types.OrderSide, kind types.OrderKind, limit *float64, qty float64, hour, createdAt time.Time) *types.Order {
	t.Helper()
	order := &types.Order{
		OrderID:      orderID,
		UserID:       "trader-1",
		Node:         "HUB-NORTH",
		Market:       types.MarketDayAhead,
		Side:         side,
		Kind:         kind,
		LimitPrice:   limit,
		QuantityMWh:  qty,
		TimeInForce:  types.TIFGoodTillCancelled,
		HourStartUTC: hour,
		Status:       types.StatusPending,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}
	require.NoError(t, db.Create(order).Error)
	return order
}

func seedRTOrder(t *testing.T, db *gorm.DB, orderID string, side types.OrderSide, kind types.OrderKind, limit *float64, qty float64, tif types.TimeInForce, slot, createdAt time.Time) *types.Order {
	t.Helper()
	order := &types.Order{
		OrderID:      orderID,
		UserID:       "trader-1",
		Node:         "HUB-NORTH",
		Market:       types.MarketRealTime,
		Side:         side,
		Kind:         kind,
		LimitPrice:   limit,
		QuantityMWh:  qty,
		TimeInForce:  tif,
		HourStartUTC: slot.Truncate(time.Hour),
		SlotStartUTC: &slot,
		Status:       types.StatusPending,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}
	require.NoError(t, db.Create(order).Error)
	return order
}

func TestDayAheadLimitBuyFillsBelowLimit(t *testing.T) {
	db := testDB(t)
	engine := testEngine(t, db)
	hour := time.Date(2026, 6, 2, 14, 0, 0, 0, time.UTC)
	created := hour.Add(-5 * time.Hour)

	seedDAOrder(t, db, "da-1", types.SideBuy, types.KindLimit, limitPtr(50), 3, hour, created)

	result, err := engine.ProcessDayAheadPrice(context.Background(), "HUB-NORTH", hour, 48, created.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, result.Matched)
	require.Equal(t, 1, result.Filled)
	require.Equal(t, types.OutcomeFilled, result.Outcomes[0].Outcome)
	require.Equal(t, 48.0, result.Outcomes[0].FilledPrice)
	require.Equal(t, 3.0, result.Outcomes[0].FilledQuantity)

	var order types.Order
	require.NoError(t, db.Where("order_id = ?", "da-1").First(&order).Error)
	require.Equal(t, types.StatusFilled, order.Status)
	require.Equal(t, 48.0, *order.FilledPrice)

	var fill types.Fill
	require.NoError(t, db.Where("order_ref = ?", order.ID).First(&fill).Error)
	require.Equal(t, types.FillDAClosing, fill.Kind)
	require.True(t, fill.TimestampUTC.Equal(hour))
}

func TestDayAheadLimitBuyRejectedAboveLimit(t *testing.T) {
	db := testDB(t)
	engine := testEngine(t, db)
	hour := time.Date(2026, 6, 2, 14, 0, 0, 0, time.UTC)
	created := hour.Add(-5 * time.Hour)

	seedDAOrder(t, db, "da-2", types.SideBuy, types.KindLimit, limitPtr(50), 3, hour, created)

	result, err := engine.ProcessDayAheadPrice(context.Background(), "HUB-NORTH", hour, 52, created.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, result.Rejected)
	require.Equal(t, types.OutcomeRejected, result.Outcomes[0].Outcome)
	require.Contains(t, result.Outcomes[0].Reason, "limit $50.00 vs clearing $52.00")

	var order types.Order
	require.NoError(t, db.Where("order_id = ?", "da-2").First(&order).Error)
	require.Equal(t, types.StatusRejected, order.Status)
	require.NotEmpty(t, order.RejectionReason)
	require.True(t, order.UpdatedAt.Equal(created.Add(time.Hour)))

	var fills int64
	require.NoError(t, db.Model(&types.Fill{}).Count(&fills).Error)
	require.Zero(t, fills)
}

func TestDayAheadLimitSellFillsAboveLimit(t *testing.T) {
	db := testDB(t)
	engine := testEngine(t, db)
	hour := time.Date(2026, 6, 2, 14, 0, 0, 0, time.UTC)
	created := hour.Add(-5 * time.Hour)

	seedDAOrder(t, db, "da-3", types.SideSell, types.KindLimit, limitPtr(50), 2, hour, created)

	result, err := engine.ProcessDayAheadPrice(context.Background(), "HUB-NORTH", hour, 52, created.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, result.Filled)
	require.Equal(t, 52.0, result.Outcomes[0].FilledPrice)
}

func TestRealTimeMarketOrderFillsFullQuantity(t *testing.T) {
	db := testDB(t)
	engine := testEngine(t, db)
	slot := time.Date(2026, 6, 2, 14, 35, 0, 0, time.UTC)
	created := slot.Add(-2 * time.Minute)

	seedRTOrder(t, db, "rt-1", types.SideBuy, types.KindMarket, nil, 2.5, types.TIFGoodTillCancelled, slot, created)

	result, err := engine.ProcessRealTimeTick(context.Background(), "HUB-NORTH", slot, 47.25, slot.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, result.Filled)
	require.Equal(t, 47.25, result.Outcomes[0].FilledPrice)
	require.Equal(t, 2.5, result.Outcomes[0].FilledQuantity)

	var fill types.Fill
	require.NoError(t, db.Where("order_id = ?", "rt-1").First(&fill).Error)
	require.Equal(t, types.FillRTImmediate, fill.Kind)
	require.Equal(t, 2.5, fill.QuantityMWh)
	require.True(t, fill.TimestampUTC.Equal(slot))

	// A fill bumps the session trade counters for the day.
	var session types.TradingSession
	require.NoError(t, db.Where("user_id = ?", "trader-1").First(&session).Error)
	require.Equal(t, 1, session.DailyTrades)
	require.Equal(t, 2.5, session.DailyVolumeMWh)
}

func TestRealTimeLimitNoFillStaysPending(t *testing.T) {
	db := testDB(t)
	engine := testEngine(t, db)
	slot := time.Date(2026, 6, 2, 14, 35, 0, 0, time.UTC)
	created := slot.Add(-2 * time.Minute)

	seedRTOrder(t, db, "rt-2", types.SideBuy, types.KindLimit, limitPtr(40), 1, types.TIFGoodTillCancelled, slot, created)

	result, err := engine.ProcessRealTimeTick(context.Background(), "HUB-NORTH", slot, 45, slot.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 0, result.Filled)
	require.Equal(t, types.OutcomeNoFill, result.Outcomes[0].Outcome)

	var order types.Order
	require.NoError(t, db.Where("order_id = ?", "rt-2").First(&order).Error)
	require.Equal(t, types.StatusPending, order.Status)

	// The next tick at a matching price fills it.
	nextSlot := slot.Add(5 * time.Minute)
	result, err = engine.ProcessRealTimeTick(context.Background(), "HUB-NORTH", nextSlot, 39.5, nextSlot.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, result.Filled)
}

func TestImmediateOrCancelSurvivesOneTickOnly(t *testing.T) {
	db := testDB(t)
	engine := testEngine(t, db)
	slot := time.Date(2026, 6, 2, 14, 35, 0, 0, time.UTC)
	created := slot.Add(-2 * time.Minute)

	seedRTOrder(t, db, "rt-ioc", types.SideBuy, types.KindLimit, limitPtr(40), 1, types.TIFImmediateOrCancel, slot, created)

	asOf := slot.Add(time.Minute)
	result, err := engine.ProcessRealTimeTick(context.Background(), "HUB-NORTH", slot, 45, asOf)
	require.NoError(t, err)
	require.Equal(t, 1, result.Expired)
	require.Contains(t, result.Outcomes[0].Reason, "immediate-or-cancel")

	var order types.Order
	require.NoError(t, db.Where("order_id = ?", "rt-ioc").First(&order).Error)
	require.Equal(t, types.StatusCancelled, order.Status)
	// The mutation is stamped with the event time, not the wall clock.
	require.True(t, order.UpdatedAt.Equal(asOf))
}

func TestReprocessingSameEventIsIdempotent(t *testing.T) {
	db := testDB(t)
	engine := testEngine(t, db)
	slot := time.Date(2026, 6, 2, 14, 35, 0, 0, time.UTC)
	created := slot.Add(-2 * time.Minute)

	seedRTOrder(t, db, "rt-3", types.SideBuy, types.KindMarket, nil, 2, types.TIFGoodTillCancelled, slot, created)

	first, err := engine.ProcessRealTimeTick(context.Background(), "HUB-NORTH", slot, 50, slot.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, first.Filled)

	// Replaying the identical event produces no new fills or state
	// changes.
	second, err := engine.ProcessRealTimeTick(context.Background(), "HUB-NORTH", slot, 50, slot.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 0, second.Filled)

	var fills int64
	require.NoError(t, db.Model(&types.Fill{}).Count(&fills).Error)
	require.Equal(t, int64(1), fills)

	var session types.TradingSession
	require.NoError(t, db.Where("user_id = ?", "trader-1").First(&session).Error)
	require.Equal(t, 1, session.DailyTrades)
}

func TestFillWriteFailureLeavesOrderPending(t *testing.T) {
	db := testDB(t)
	engine := testEngine(t, db)
	slot := time.Date(2026, 6, 2, 14, 35, 0, 0, time.UTC)

	// Writing the fill record for one order is made to fail. That order
	// must come out of the batch still pending, with no half-committed
	// filled status, while its sibling fills normally.
	require.NoError(t, db.Callback().Create().Before("gorm:create").Register("fail_fill_write", func(tx *gorm.DB) {
		if fill, ok := tx.Statement.Dest.(*types.Fill); ok && fill.OrderID == "rt-broken" {
			tx.AddError(errors.New("disk I/O error"))
		}
	}))

	seedRTOrder(t, db, "rt-broken", types.SideBuy, types.KindMarket, nil, 1, types.TIFGoodTillCancelled, slot, slot.Add(-3*time.Minute))
	seedRTOrder(t, db, "rt-fine", types.SideBuy, types.KindMarket, nil, 1, types.TIFGoodTillCancelled, slot, slot.Add(-time.Minute))

	result, err := engine.ProcessRealTimeTick(context.Background(), "HUB-NORTH", slot, 50, slot.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, result.Filled)
	require.Equal(t, 1, result.Errors)

	var broken types.Order
	require.NoError(t, db.Where("order_id = ?", "rt-broken").First(&broken).Error)
	require.Equal(t, types.StatusPending, broken.Status)
	require.Nil(t, broken.FilledPrice)
	require.Nil(t, broken.FilledAt)

	var fine types.Order
	require.NoError(t, db.Where("order_id = ?", "rt-fine").First(&fine).Error)
	require.Equal(t, types.StatusFilled, fine.Status)

	var fills int64
	require.NoError(t, db.Model(&types.Fill{}).Count(&fills).Error)
	require.Equal(t, int64(1), fills)
}

func TestOrdersProcessedInSubmissionOrder(t *testing.T) {
	db := testDB(t)
	engine := testEngine(t, db)
	slot := time.Date(2026, 6, 2, 14, 35, 0, 0, time.UTC)

	seedRTOrder(t, db, "rt-late", types.SideBuy, types.KindMarket, nil, 1, types.TIFGoodTillCancelled, slot, slot.Add(-time.Minute))
	seedRTOrder(t, db, "rt-early", types.SideBuy, types.KindMarket, nil, 1, types.TIFGoodTillCancelled, slot, slot.Add(-3*time.Minute))

	result, err := engine.ProcessRealTimeTick(context.Background(), "HUB-NORTH", slot, 50, slot.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, result.Outcomes, 2)
	require.Equal(t, "rt-early", result.Outcomes[0].OrderID)
	require.Equal(t, "rt-late", result.Outcomes[1].OrderID)
}

func TestDayOrderExpiresAtLocalMidnight(t *testing.T) {
	db := testDB(t)
	engine := testEngine(t, db)

	created := time.Date(2026, 6, 1, 14, 0, 0, 0, time.UTC) // 10:00 EDT
	slot := time.Date(2026, 6, 2, 14, 35, 0, 0, time.UTC)
	seedRTOrder(t, db, "rt-day", types.SideBuy, types.KindMarket, nil, 1, types.TIFDay, slot, created)

	// Local midnight after June 1 EDT is 04:00 UTC June 2; a tick the
	// next afternoon finds the order expired instead of filling it.
	result, err := engine.ProcessRealTimeTick(context.Background(), "HUB-NORTH", slot, 50, slot.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, result.Expired)
	require.Equal(t, 0, result.Filled)

	var order types.Order
	require.NoError(t, db.Where("order_id = ?", "rt-day").First(&order).Error)
	require.Equal(t, types.StatusCancelled, order.Status)
}

func TestGTCRealTimeDefaultLifetime(t *testing.T) {
	db := testDB(t)
	engine := testEngine(t, db)

	created := time.Date(2026, 6, 2, 8, 0, 0, 0, time.UTC)
	slot := time.Date(2026, 6, 2, 14, 35, 0, 0, time.UTC)
	seedRTOrder(t, db, "rt-gtc", types.SideBuy, types.KindMarket, nil, 1, types.TIFGoodTillCancelled, slot, created)

	// More than four hours after creation the default lifetime is over.
	result, err := engine.ProcessRealTimeTick(context.Background(), "HUB-NORTH", slot, 50, created.Add(5*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, result.Expired)
	require.Contains(t, result.Outcomes[0].Reason, "GTC real-time default lifetime")
}

func TestExplicitExpiryOverridesDefaults(t *testing.T) {
	db := testDB(t)
	engine := testEngine(t, db)

	created := time.Date(2026, 6, 2, 8, 0, 0, 0, time.UTC)
	slot := time.Date(2026, 6, 2, 14, 35, 0, 0, time.UTC)
	order := seedRTOrder(t, db, "rt-exp", types.SideBuy, types.KindMarket, nil, 1, types.TIFGoodTillCancelled, slot, created)

	expiry := created.Add(8 * time.Hour)
	order.ExpiresAt = &expiry
	require.NoError(t, db.Save(order).Error)

	// Five hours in: past the GTC default but inside the explicit
	// expiry, so the order still fills.
	result, err := engine.ProcessRealTimeTick(context.Background(), "HUB-NORTH", slot, 50, created.Add(5*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, result.Filled)
}

func TestEventsOnOtherNodesLeaveOrdersAlone(t *testing.T) {
	db := testDB(t)
	engine := testEngine(t, db)
	slot := time.Date(2026, 6, 2, 14, 35, 0, 0, time.UTC)

	seedRTOrder(t, db, "rt-north", types.SideBuy, types.KindMarket, nil, 1, types.TIFGoodTillCancelled, slot, slot.Add(-time.Minute))

	result, err := engine.ProcessRealTimeTick(context.Background(), "HUB-SOUTH", slot, 50, slot.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 0, result.Matched)

	var order types.Order
	require.NoError(t, db.Where("order_id = ?", "rt-north").First(&order).Error)
	require.Equal(t, types.StatusPending, order.Status)
}
