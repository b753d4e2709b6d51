package trading

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/voltsim/voltsim/internal/clock"
	"github.com/voltsim/voltsim/internal/config"
	"github.com/voltsim/voltsim/internal/database"
	"github.com/voltsim/voltsim/internal/position"
	"github.com/voltsim/voltsim/internal/session"
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

func testService(t *testing.T, db *gorm.DB) *Service {
	t.Helper()
	cfg := config.Default()
	clk, err := clock.New(cfg)
	require.NoError(t, err)
	positions := position.NewManager(db, cfg.MaxPositionMWh)
	sessions := session.NewManager(db, clk, cfg)
	return NewService(db, clk, positions, sessions, cfg)
}

// 14:00 UTC in January is 09:00 New York, inside the day-ahead window.
var beforeCutoff = time.Date(2026, 1, 15, 14, 0, 0, 0, time.UTC)

// 17:00 UTC in January is 12:00 New York, past the 11:00 cutoff.
var afterCutoff = time.Date(2026, 1, 15, 17, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func daRequest() OrderRequest {
	return OrderRequest{
		Node:         "HUB-NORTH",
		Market:       string(types.MarketDayAhead),
		Side:         string(types.SideBuy),
		Kind:         string(types.KindLimit),
		LimitPrice:   ptr(45.0),
		QuantityMWh:  2.5,
		HourStartUTC: ptr(beforeCutoff.Add(6 * time.Hour)),
	}
}

func rtRequest() OrderRequest {
	return OrderRequest{
		Node:        "HUB-NORTH",
		Market:      string(types.MarketRealTime),
		Side:        string(types.SideBuy),
		Kind:        string(types.KindMarket),
		QuantityMWh: 1.0,
	}
}

func TestSubmitDayAheadOrder(t *testing.T) {
	db := testDB(t)
	service := testService(t, db)

	order, err := service.SubmitOrder("trader-1", daRequest(), "key-1", beforeCutoff)
	require.NoError(t, err)
	require.Equal(t, types.StatusPending, order.Status)
	require.Equal(t, types.TIFGoodTillCancelled, order.TimeInForce)
	require.Equal(t, beforeCutoff.Add(6*time.Hour), order.HourStartUTC)
	require.NotEmpty(t, order.OrderID)

	var stored types.Order
	require.NoError(t, db.Where("order_id = ?", order.OrderID).First(&stored).Error)
	require.Equal(t, types.StatusPending, stored.Status)
}

func TestSubmitRealTimeOrderTargetsCurrentSlot(t *testing.T) {
	db := testDB(t)
	service := testService(t, db)
	asOf := beforeCutoff.Add(7 * time.Minute)

	order, err := service.SubmitOrder("trader-1", rtRequest(), "key-1", asOf)
	require.NoError(t, err)
	require.NotNil(t, order.SlotStartUTC)
	require.Equal(t, beforeCutoff.Add(5*time.Minute), *order.SlotStartUTC)
	require.Equal(t, beforeCutoff, order.HourStartUTC)
}

func TestSubmitRealTimeOrderFutureSlot(t *testing.T) {
	db := testDB(t)
	service := testService(t, db)

	req := rtRequest()
	req.SlotStartUTC = ptr(beforeCutoff.Add(2 * time.Hour))
	order, err := service.SubmitOrder("trader-1", req, "key-1", beforeCutoff)
	require.NoError(t, err)
	require.Equal(t, beforeCutoff.Add(2*time.Hour), *order.SlotStartUTC)

	// A slot off the 5-minute grid is rejected.
	req = rtRequest()
	req.SlotStartUTC = ptr(beforeCutoff.Add(2*time.Hour + time.Minute))
	_, err = service.SubmitOrder("trader-1", req, "key-2", beforeCutoff)
	var validationErr *types.ValidationError
	require.ErrorAs(t, err, &validationErr)

	// So is a slot more than a day ahead.
	req = rtRequest()
	req.SlotStartUTC = ptr(beforeCutoff.Add(25 * time.Hour))
	_, err = service.SubmitOrder("trader-1", req, "key-3", beforeCutoff)
	require.ErrorAs(t, err, &validationErr)
}

func TestSubmitOrderValidationRules(t *testing.T) {
	db := testDB(t)
	service := testService(t, db)

	cases := []struct {
		name   string
		mutate func(*OrderRequest)
	}{
		{"unknown market", func(r *OrderRequest) { r.Market = "futures" }},
		{"unknown side", func(r *OrderRequest) { r.Side = "hold" }},
		{"limit without price", func(r *OrderRequest) { r.LimitPrice = nil }},
		{"non-positive limit price", func(r *OrderRequest) { r.LimitPrice = ptr(0.0) }},
		{"market with limit price", func(r *OrderRequest) { r.Kind = string(types.KindMarket) }},
		{"zero quantity", func(r *OrderRequest) { r.QuantityMWh = 0 }},
		{"quantity above maximum", func(r *OrderRequest) { r.QuantityMWh = 150 }},
		{"unknown time in force", func(r *OrderRequest) { r.TimeInForce = "fok" }},
		{"expiry in the past", func(r *OrderRequest) {
			r.ExpiresAt = ptr(beforeCutoff.Add(-time.Minute))
		}},
		{"missing delivery hour", func(r *OrderRequest) { r.HourStartUTC = nil }},
		{"unaligned delivery hour", func(r *OrderRequest) {
			r.HourStartUTC = ptr(beforeCutoff.Add(6*time.Hour + 30*time.Minute))
		}},
		{"delivery hour in the past", func(r *OrderRequest) {
			r.HourStartUTC = ptr(beforeCutoff.Add(-2 * time.Hour))
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := daRequest()
			tc.mutate(&req)
			_, err := service.SubmitOrder("trader-1", req, "", beforeCutoff)
			var validationErr *types.ValidationError
			require.ErrorAs(t, err, &validationErr)
		})
	}

	// Nothing was persisted along the way.
	var count int64
	require.NoError(t, db.Model(&types.Order{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestSubmitDayAheadAfterCutoff(t *testing.T) {
	db := testDB(t)
	service := testService(t, db)

	req := daRequest()
	req.HourStartUTC = ptr(afterCutoff.Add(6 * time.Hour))
	_, err := service.SubmitOrder("trader-1", req, "key-1", afterCutoff)

	var permissionErr *types.PermissionError
	require.ErrorAs(t, err, &permissionErr)

	// The real-time market stays open past the cutoff.
	_, err = service.SubmitOrder("trader-1", rtRequest(), "key-2", afterCutoff)
	require.NoError(t, err)
}

func TestSubmitSellWithoutPosition(t *testing.T) {
	db := testDB(t)
	service := testService(t, db)

	req := daRequest()
	req.Side = string(types.SideSell)
	_, err := service.SubmitOrder("trader-1", req, "key-1", beforeCutoff)

	var permissionErr *types.PermissionError
	require.ErrorAs(t, err, &permissionErr)
	require.Contains(t, err.Error(), "without buying first")
}

func TestSubmitOrderIdempotencyReplay(t *testing.T) {
	db := testDB(t)
	service := testService(t, db)

	first, err := service.SubmitOrder("trader-1", daRequest(), "key-1", beforeCutoff)
	require.NoError(t, err)

	second, err := service.SubmitOrder("trader-1", daRequest(), "key-1", beforeCutoff.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, first.OrderID, second.OrderID)

	var count int64
	require.NoError(t, db.Model(&types.Order{}).Count(&count).Error)
	require.Equal(t, int64(1), count)

	// A fresh key creates a fresh order.
	third, err := service.SubmitOrder("trader-1", daRequest(), "key-2", beforeCutoff.Add(2*time.Minute))
	require.NoError(t, err)
	require.NotEqual(t, first.OrderID, third.OrderID)
}

func TestSubmitWithoutIdempotencyKey(t *testing.T) {
	db := testDB(t)
	service := testService(t, db)

	// Repeat keyless submissions each create an order and never write
	// an idempotency record.
	first, err := service.SubmitOrder("trader-1", daRequest(), "", beforeCutoff)
	require.NoError(t, err)
	second, err := service.SubmitOrder("trader-1", daRequest(), "", beforeCutoff.Add(time.Minute))
	require.NoError(t, err)
	require.NotEqual(t, first.OrderID, second.OrderID)

	var records int64
	require.NoError(t, db.Model(&types.IdempotencyRecord{}).Count(&records).Error)
	require.Zero(t, records)
}

func TestSubmitReusesExpiredIdempotencyKey(t *testing.T) {
	db := testDB(t)
	service := testService(t, db)

	first, err := service.SubmitOrder("trader-1", daRequest(), "key-1", beforeCutoff)
	require.NoError(t, err)

	// Age the record past its expiry; the key becomes usable again and
	// its record is refreshed instead of tripping the unique index.
	expired := beforeCutoff.Add(-time.Hour)
	require.NoError(t, db.Model(&types.IdempotencyRecord{}).
		Where("idempotency_key = ?", "key-1").
		Update("expires_at", expired).Error)

	second, err := service.SubmitOrder("trader-1", daRequest(), "key-1", beforeCutoff.Add(time.Minute))
	require.NoError(t, err)
	require.NotEqual(t, first.OrderID, second.OrderID)

	var record types.IdempotencyRecord
	require.NoError(t, db.Where("idempotency_key = ?", "key-1").First(&record).Error)
	require.Equal(t, second.OrderID, record.ResourceID)

	var records int64
	require.NoError(t, db.Model(&types.IdempotencyRecord{}).Count(&records).Error)
	require.Equal(t, int64(1), records)
}

func TestCancelOrder(t *testing.T) {
	db := testDB(t)
	service := testService(t, db)

	order, err := service.SubmitOrder("trader-1", daRequest(), "key-1", beforeCutoff)
	require.NoError(t, err)

	cancelled, err := service.CancelOrder("trader-1", order.OrderID, beforeCutoff.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, types.StatusCancelled, cancelled.Status)
	require.Equal(t, "cancelled by user", cancelled.RejectionReason)

	// Cancelling twice fails on status.
	_, err = service.CancelOrder("trader-1", order.OrderID, beforeCutoff.Add(2*time.Minute))
	var validationErr *types.ValidationError
	require.ErrorAs(t, err, &validationErr)
	require.Contains(t, err.Error(), "only pending orders")
}

func TestCancelOrderOwnership(t *testing.T) {
	db := testDB(t)
	service := testService(t, db)

	order, err := service.SubmitOrder("trader-1", daRequest(), "key-1", beforeCutoff)
	require.NoError(t, err)

	_, err = service.CancelOrder("trader-2", order.OrderID, beforeCutoff.Add(time.Minute))
	require.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}

func TestGetOrderAndListOrders(t *testing.T) {
	db := testDB(t)
	service := testService(t, db)

	daOrder, err := service.SubmitOrder("trader-1", daRequest(), "key-1", beforeCutoff)
	require.NoError(t, err)
	_, err = service.SubmitOrder("trader-1", rtRequest(), "key-2", beforeCutoff.Add(time.Minute))
	require.NoError(t, err)

	view, err := service.GetOrder("trader-1", daOrder.OrderID)
	require.NoError(t, err)
	require.Equal(t, daOrder.OrderID, view.Order.OrderID)
	require.Empty(t, view.Fills)

	all, err := service.ListOrders("trader-1", "", "")
	require.NoError(t, err)
	require.Len(t, all, 2)

	daOnly, err := service.ListOrders("trader-1", types.MarketDayAhead, "")
	require.NoError(t, err)
	require.Len(t, daOnly, 1)
	require.Equal(t, daOrder.OrderID, daOnly[0].OrderID)

	_, err = service.GetOrder("trader-2", daOrder.OrderID)
	require.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}
