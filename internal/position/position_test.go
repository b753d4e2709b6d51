package position

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
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

func seedOrder(t *testing.T, db *gorm.DB, side types.OrderSide, status types.OrderStatus, qty float64, hour time.Time) {
	t.Helper()
	order := &types.Order{
		OrderID:      fmt.Sprintf("ord-%s-%s-%v-%d", side, status, qty, time.Now().UnixNano()),
		UserID:       "trader-1",
		Node:         "HUB-NORTH",
		Market:       types.MarketDayAhead,
		Side:         side,
		Kind:         types.KindMarket,
		QuantityMWh:  qty,
		TimeInForce:  types.TIFGoodTillCancelled,
		HourStartUTC: hour,
		Status:       status,
	}
	if status == types.StatusFilled {
		price := 50.0
		order.FilledPrice = &price
		order.FilledQuantity = &qty
	}
	require.NoError(t, db.Create(order).Error)
}

func TestValidateOrderSellBeyondProjected(t *testing.T) {
	db := testDB(t)
	mgr := NewManager(db, 100)
	hour := time.Date(2026, 6, 1, 14, 0, 0, 0, time.UTC)

	seedOrder(t, db, types.SideBuy, types.StatusFilled, 1, hour)
	seedOrder(t, db, types.SideBuy, types.StatusPending, 2, hour)

	// Filled 1 + pending 2 = 3 MWh sellable; 5 must be rejected.
	err := mgr.ValidateOrder("trader-1", "HUB-NORTH", types.MarketDayAhead, hour, types.SideSell, 5)
	require.Error(t, err)
	permErr, ok := err.(*types.PermissionError)
	require.True(t, ok, "expected PermissionError, got %T", err)
	require.Contains(t, permErr.Reason, "maximum sellable quantity: 3.0 MWh")

	// Exactly 3 MWh is fine.
	err = mgr.ValidateOrder("trader-1", "HUB-NORTH", types.MarketDayAhead, hour, types.SideSell, 3)
	require.NoError(t, err)
}

func TestValidateOrderSellWithNoPosition(t *testing.T) {
	db := testDB(t)
	mgr := NewManager(db, 100)
	hour := time.Date(2026, 6, 1, 14, 0, 0, 0, time.UTC)

	err := mgr.ValidateOrder("trader-1", "HUB-NORTH", types.MarketDayAhead, hour, types.SideSell, 1)
	require.Error(t, err)
	require.Contains(t, err.Error(), "cannot sell energy without buying first")
}

func TestValidateOrderPositionCap(t *testing.T) {
	db := testDB(t)
	mgr := NewManager(db, 100)
	hour := time.Date(2026, 6, 1, 14, 0, 0, 0, time.UTC)

	seedOrder(t, db, types.SideBuy, types.StatusFilled, 95, hour)

	err := mgr.ValidateOrder("trader-1", "HUB-NORTH", types.MarketDayAhead, hour, types.SideBuy, 10)
	require.Error(t, err)
	require.Contains(t, err.Error(), "maximum position limit of 100.0 MWh")
	require.Contains(t, err.Error(), "projected position: 105.0 MWh")

	// Up to the cap exactly is allowed.
	err = mgr.ValidateOrder("trader-1", "HUB-NORTH", types.MarketDayAhead, hour, types.SideBuy, 5)
	require.NoError(t, err)
}

func TestDayAheadBucketsAreIndependent(t *testing.T) {
	db := testDB(t)
	mgr := NewManager(db, 100)
	hour14 := time.Date(2026, 6, 1, 14, 0, 0, 0, time.UTC)
	hour15 := hour14.Add(time.Hour)

	seedOrder(t, db, types.SideBuy, types.StatusFilled, 5, hour14)

	// The hour-14 position does not authorize a sale in hour 15.
	err := mgr.ValidateOrder("trader-1", "HUB-NORTH", types.MarketDayAhead, hour15, types.SideSell, 5)
	require.Error(t, err)

	pos, err := mgr.NetPosition("trader-1", "HUB-NORTH", types.MarketDayAhead, hour14)
	require.NoError(t, err)
	require.Equal(t, 5.0, pos.NetMWh)
}

func TestRealTimeNetsAcrossTheDay(t *testing.T) {
	db := testDB(t)
	mgr := NewManager(db, 100)
	day := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	morning := day.Add(10 * time.Hour)
	slot := morning
	order := &types.Order{
		OrderID:      "rt-buy-1",
		UserID:       "trader-1",
		Node:         "HUB-NORTH",
		Market:       types.MarketRealTime,
		Side:         types.SideBuy,
		Kind:         types.KindMarket,
		QuantityMWh:  4,
		TimeInForce:  types.TIFGoodTillCancelled,
		HourStartUTC: morning,
		SlotStartUTC: &slot,
		Status:       types.StatusFilled,
	}
	qty := 4.0
	price := 45.0
	order.FilledQuantity = &qty
	order.FilledPrice = &price
	require.NoError(t, db.Create(order).Error)

	// An afternoon sale nets against the morning buy.
	afternoon := day.Add(14 * time.Hour)
	err := mgr.ValidateOrder("trader-1", "HUB-NORTH", types.MarketRealTime, afternoon, types.SideSell, 4)
	require.NoError(t, err)

	err = mgr.ValidateOrder("trader-1", "HUB-NORTH", types.MarketRealTime, afternoon, types.SideSell, 4.5)
	require.Error(t, err)
}

func TestProjectIncludesPendingBothSides(t *testing.T) {
	db := testDB(t)
	mgr := NewManager(db, 100)
	hour := time.Date(2026, 6, 1, 14, 0, 0, 0, time.UTC)

	seedOrder(t, db, types.SideBuy, types.StatusFilled, 6, hour)
	seedOrder(t, db, types.SideBuy, types.StatusPending, 2, hour)
	seedOrder(t, db, types.SideSell, types.StatusPending, 3, hour)

	proj, err := mgr.Project("trader-1", "HUB-NORTH", types.MarketDayAhead, hour)
	require.NoError(t, err)
	require.Equal(t, 6.0, proj.Filled.NetMWh)
	require.Equal(t, 2.0, proj.PendingBuyMWh)
	require.Equal(t, 3.0, proj.PendingSellMWh)
	require.Equal(t, 5.0, proj.ProjectedNet)
}

func TestSummaryAndHourlyBreakdown(t *testing.T) {
	db := testDB(t)
	mgr := NewManager(db, 100)
	day := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	seedOrder(t, db, types.SideBuy, types.StatusFilled, 3, day.Add(14*time.Hour))
	seedOrder(t, db, types.SideSell, types.StatusPending, 1, day.Add(14*time.Hour))
	seedOrder(t, db, types.SideBuy, types.StatusFilled, 2, day.Add(15*time.Hour))

	summary, err := mgr.Summary("trader-1", "HUB-NORTH", day)
	require.NoError(t, err)
	require.Equal(t, 5.0, summary.DayAhead.Filled.NetMWh)
	require.Equal(t, -1.0, summary.DayAhead.Pending.NetMWh)
	require.Equal(t, 2, summary.DayAhead.Filled.OrderCount)
	require.Equal(t, 1, summary.DayAhead.Pending.OrderCount)

	rows, err := mgr.HourlyBreakdown("trader-1", "HUB-NORTH", day)
	require.NoError(t, err)
	require.Len(t, rows, 24)
	require.Equal(t, 3.0, rows[14].DayAheadNet)
	require.Equal(t, -1.0, rows[14].PendingDelta)
	require.Equal(t, 2.0, rows[15].DayAheadNet)
	require.Equal(t, 0.0, rows[0].DayAheadNet)
}
