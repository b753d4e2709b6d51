// Package settlement computes delivery-hour P&L for filled day-ahead
// orders against the real-time price series and rolls the results into
// the daily capital ledger.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/voltsim/voltsim/internal/config"
	"github.com/voltsim/voltsim/internal/interval"
	"github.com/voltsim/voltsim/internal/types"
	"github.com/voltsim/voltsim/pkg/response"
	"gorm.io/gorm"
)

// DataQuality tags how trustworthy a settlement figure is. A figure is
// always produced; the tag carries its provenance.
const (
	QualityCompleteVerified    = "complete-verified"
	QualityCompleteProvisional = "complete-provisional"
	QualityPartial             = "partial"
	QualityNoData              = "no-data"
)

const (
	StatusProvisional = "provisional"
	StatusVerified    = "verified"
)

// BucketResult is the P&L of one delivery hour computed bucket by
// bucket: sum over the 12 intervals of (P_DA - P_RT) x quantity/12.
// The same formula applies to both order sides; direction is a property
// of the position, not the arithmetic.
type BucketResult struct {
	OrderID       string    `json:"order_id"`
	Node          string    `json:"node"`
	HourStartUTC  time.Time `json:"hour_start_utc"`
	DayAheadPrice float64   `json:"day_ahead_price"`
	QuantityMWh   float64   `json:"quantity_mwh"`
	PnL           float64   `json:"pnl"`
	Quality       string    `json:"quality"`
	BucketsPriced int       `json:"buckets_priced"`
	BucketsFilled int       `json:"buckets_estimated"`
}

// SettlementReport is the per-order settlement view including the
// provisional vs verified difference when both exist.
type SettlementReport struct {
	OrderID        string     `json:"order_id"`
	Status         string     `json:"status"`
	ProvisionalPnL float64    `json:"provisional_pnl"`
	VerifiedPnL    *float64   `json:"verified_pnl,omitempty"`
	Difference     *float64   `json:"settlement_difference,omitempty"`
	Quality        string     `json:"quality"`
	VerifiedAt     *time.Time `json:"verified_at,omitempty"`
}

// HourLine is one row of a daily settlement report.
type HourLine struct {
	HourStartUTC time.Time `json:"hour_start_utc"`
	OrderID      string    `json:"order_id"`
	Side         string    `json:"side"`
	QuantityMWh  float64   `json:"quantity_mwh"`
	PnL          float64   `json:"pnl"`
	Quality      string    `json:"quality"`
	Carryover    bool      `json:"carryover"`
}

// DailyReport summarizes one user's settled trading day.
type DailyReport struct {
	UserID            string     `json:"user_id"`
	Date              time.Time  `json:"date"`
	TotalPnL          float64    `json:"total_pnl"`
	Quality           string     `json:"quality"`
	WinningHours      int        `json:"winning_hours"`
	LosingHours       int        `json:"losing_hours"`
	CarryoverCount    int        `json:"carryover_count"`
	CarryoverAvgPrice float64    `json:"carryover_avg_price"`
	Credited          bool       `json:"credited"`
	Hours             []HourLine `json:"hours"`
}

type Engine struct {
	db  *Database
	cfg config.Config
}

func NewEngine(gormDB *gorm.DB, cfg config.Config) *Engine {
	return &Engine{
		db:  NewDatabase(gormDB),
		cfg: cfg,
	}
}

// hourSeries gathers one price series across a delivery hour's buckets.
type hourSeries struct {
	prices map[time.Time]float64
}

func (s hourSeries) lookup(start time.Time) (float64, bool) {
	p, ok := s.prices[start.UTC()]
	return p, ok
}

// BucketPnL computes the delivery-hour P&L for an order at daPrice and
// quantity, merging verified and provisional real-time prices. Verified
// observations win per bucket; gaps are filled with the average of the
// buckets that do have a price, lowering the quality tag.
func (e *Engine) BucketPnL(node string, hourStart time.Time, daPrice, quantityMWh float64) (BucketResult, error) {
	hourStart = hourStart.Truncate(time.Hour)
	hourEnd := hourStart.Add(time.Hour)

	verified, err := e.db.RealTimePrices(node, hourStart, hourEnd, true)
	if err != nil {
		return BucketResult{}, fmt.Errorf("loading verified RT prices: %w", err)
	}
	provisional, err := e.db.RealTimePrices(node, hourStart, hourEnd, false)
	if err != nil {
		return BucketResult{}, fmt.Errorf("loading provisional RT prices: %w", err)
	}

	result := e.bucketPnL(hourStart, daPrice, quantityMWh,
		hourSeries{prices: verified}, hourSeries{prices: provisional})
	result.Node = node
	return result, nil
}

// verifiedBucketPnL computes the hour strictly from the verified series.
// It reports ok=false until all buckets have a verified price.
func (e *Engine) verifiedBucketPnL(node string, hourStart time.Time, daPrice, quantityMWh float64) (BucketResult, bool, error) {
	hourStart = hourStart.Truncate(time.Hour)
	hourEnd := hourStart.Add(time.Hour)

	verified, err := e.db.RealTimePrices(node, hourStart, hourEnd, true)
	if err != nil {
		return BucketResult{}, false, err
	}
	if len(verified) < interval.PerHour {
		return BucketResult{}, false, nil
	}

	result := e.bucketPnL(hourStart, daPrice, quantityMWh, hourSeries{prices: verified}, hourSeries{})
	result.Node = node
	return result, result.Quality == QualityCompleteVerified, nil
}

func (e *Engine) bucketPnL(hourStart time.Time, daPrice, quantityMWh float64, verified, provisional hourSeries) BucketResult {
	result := BucketResult{
		HourStartUTC:  hourStart,
		DayAheadPrice: daPrice,
		QuantityMWh:   quantityMWh,
	}

	da := decimal.NewFromFloat(daPrice)
	qtyPerBucket := decimal.NewFromFloat(quantityMWh).
		Div(decimal.NewFromInt(interval.PerHour))

	starts := interval.ForHour(hourStart)
	known := make([]float64, 0, interval.PerHour)
	bucketPrices := make([]*float64, interval.PerHour)
	allVerified := true

	for i, start := range starts {
		if p, ok := verified.lookup(start); ok {
			v := p
			bucketPrices[i] = &v
			known = append(known, p)
			continue
		}
		allVerified = false
		if p, ok := provisional.lookup(start); ok {
			v := p
			bucketPrices[i] = &v
			known = append(known, p)
		}
	}

	result.BucketsPriced = len(known)
	if len(known) == 0 {
		result.Quality = QualityNoData
		return result
	}

	// Best available estimate for a missing bucket is the mean of the
	// buckets that do have a price.
	estimate := mean(known)
	total := decimal.Zero
	for _, p := range bucketPrices {
		price := estimate
		if p != nil {
			price = *p
		} else {
			result.BucketsFilled++
		}
		total = total.Add(da.Sub(decimal.NewFromFloat(price)).Mul(qtyPerBucket))
	}

	result.PnL, _ = total.Round(2).Float64()
	switch {
	case result.BucketsFilled > 0:
		result.Quality = QualityPartial
	case allVerified:
		result.Quality = QualityCompleteVerified
	default:
		result.Quality = QualityCompleteProvisional
	}
	return result
}

func mean(values []float64) float64 {
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(decimal.NewFromFloat(v))
	}
	f, _ := sum.Div(decimal.NewFromInt(int64(len(values)))).Float64()
	return f
}

// SettleOrder computes and records settlement for one filled day-ahead
// order. The first pass writes a provisional figure; once every bucket
// has a verified price the verified figure is added alongside it, never
// replacing the provisional record.
func (e *Engine) SettleOrder(ctx context.Context, order *types.Order, asOf time.Time) (*SettlementReport, error) {
	logger := log.With().
		Str("service", "settlement").
		Str("order_id", order.OrderID).
		Time("hour_start", order.HourStartUTC).
		Logger()

	if order.FilledPrice == nil || order.FilledQuantity == nil {
		return nil, fmt.Errorf("order %s has no fill to settle", order.OrderID)
	}
	daPrice := *order.FilledPrice
	qty := *order.FilledQuantity

	record, err := e.db.GetOrderSettlement(order.Model.ID)
	if err != nil {
		return nil, fmt.Errorf("loading settlement record: %w", err)
	}

	if record == nil {
		best, err := e.BucketPnL(order.Node, order.HourStartUTC, daPrice, qty)
		if err != nil {
			return nil, err
		}
		record = &types.OrderSettlement{
			OrderRef:          order.Model.ID,
			OrderID:           order.OrderID,
			ProvisionalPnL:    best.PnL,
			SettlementStatus:  StatusProvisional,
			BucketsCalculated: best.BucketsPriced,
		}
		if err := e.db.SaveOrderSettlement(record); err != nil {
			return nil, fmt.Errorf("saving provisional settlement: %w", err)
		}
		logger.Info().
			Float64("provisional_pnl", best.PnL).
			Str("quality", best.Quality).
			Msg("provisional settlement recorded")
	}

	if record.SettlementStatus != StatusVerified {
		verified, ok, err := e.verifiedBucketPnL(order.Node, order.HourStartUTC, daPrice, qty)
		if err != nil {
			return nil, err
		}
		if ok {
			verifiedAt := asOf
			record.VerifiedPnL = &verified.PnL
			record.VerifiedAt = &verifiedAt
			record.SettlementStatus = StatusVerified
			record.BucketsCalculated = verified.BucketsPriced
			if err := e.db.SaveOrderSettlement(record); err != nil {
				return nil, fmt.Errorf("saving verified settlement: %w", err)
			}
			if err := e.db.SetFillGrossPnL(order.Model.ID, types.FillDAClosing, verified.PnL); err != nil {
				return nil, fmt.Errorf("stamping gross P&L on fill: %w", err)
			}
			logger.Info().
				Float64("verified_pnl", verified.PnL).
				Float64("settlement_difference", verified.PnL-record.ProvisionalPnL).
				Msg("settlement verified")
		}
	}

	return reportFor(record), nil
}

func reportFor(record *types.OrderSettlement) *SettlementReport {
	report := &SettlementReport{
		OrderID:        record.OrderID,
		Status:         record.SettlementStatus,
		ProvisionalPnL: record.ProvisionalPnL,
		VerifiedPnL:    record.VerifiedPnL,
		VerifiedAt:     record.VerifiedAt,
		Quality:        QualityCompleteProvisional,
	}
	if record.VerifiedPnL != nil {
		diff := *record.VerifiedPnL - record.ProvisionalPnL
		report.Difference = &diff
		report.Quality = QualityCompleteVerified
	}
	return report
}

// SettleMatured walks every filled day-ahead order whose delivery hour
// plus publication delay has passed and settles it. Called by the
// background processor; safe to re-run at any time.
func (e *Engine) SettleMatured(ctx context.Context, asOf time.Time) (int, error) {
	orders, err := e.db.FilledDayAheadOrders(asOf.Add(-e.cfg.PublicationDelay))
	if err != nil {
		return 0, fmt.Errorf("listing settleable orders: %w", err)
	}

	settled := 0
	for i := range orders {
		if _, err := e.SettleOrder(ctx, &orders[i], asOf); err != nil {
			log.Error().Err(err).
				Str("order_id", orders[i].OrderID).
				Msg("order settlement failed")
			continue
		}
		settled++
	}
	return settled, nil
}

// DailyReportFor assembles one user's settlement report for the UTC day
// starting at dayStart, including carryover positions submitted before
// that day.
func (e *Engine) DailyReportFor(userID string, dayStart time.Time) (*DailyReport, error) {
	dayStart = dayStart.Truncate(24 * time.Hour)
	orders, err := e.db.OrdersDeliveringOn(userID, dayStart)
	if err != nil {
		return nil, fmt.Errorf("listing delivering orders: %w", err)
	}

	report := &DailyReport{
		UserID:  userID,
		Date:    dayStart,
		Quality: QualityCompleteVerified,
	}

	total := decimal.Zero
	carryValue := decimal.Zero
	carryQty := decimal.Zero

	for i := range orders {
		order := &orders[i]
		record, err := e.db.GetOrderSettlement(order.Model.ID)
		if err != nil {
			return nil, err
		}

		line := HourLine{
			HourStartUTC: order.HourStartUTC,
			OrderID:      order.OrderID,
			Side:         string(order.Side),
			Carryover:    order.CreatedAt.Before(dayStart),
		}
		if order.FilledQuantity != nil {
			line.QuantityMWh = *order.FilledQuantity
		}

		switch {
		case record == nil:
			line.Quality = QualityNoData
		case record.VerifiedPnL != nil:
			line.PnL = *record.VerifiedPnL
			line.Quality = QualityCompleteVerified
		default:
			line.PnL = record.ProvisionalPnL
			line.Quality = QualityCompleteProvisional
		}

		report.Quality = worseQuality(report.Quality, line.Quality)
		total = total.Add(decimal.NewFromFloat(line.PnL))
		if line.PnL > 0 {
			report.WinningHours++
		} else if line.PnL < 0 {
			report.LosingHours++
		}
		if line.Carryover {
			report.CarryoverCount++
			if order.FilledPrice != nil && order.FilledQuantity != nil {
				carryValue = carryValue.Add(
					decimal.NewFromFloat(*order.FilledPrice).Mul(decimal.NewFromFloat(*order.FilledQuantity)))
				carryQty = carryQty.Add(decimal.NewFromFloat(*order.FilledQuantity))
			}
		}
		report.Hours = append(report.Hours, line)
	}

	report.TotalPnL, _ = total.Round(2).Float64()
	if carryQty.IsPositive() {
		report.CarryoverAvgPrice, _ = carryValue.Div(carryQty).Round(2).Float64()
	}

	entry, err := e.db.LedgerEntry(userID, dayStart)
	if err != nil {
		return nil, err
	}
	report.Credited = entry != nil
	return report, nil
}

var qualityRank = map[string]int{
	QualityCompleteVerified:    0,
	QualityCompleteProvisional: 1,
	QualityPartial:             2,
	QualityNoData:              3,
}

func worseQuality(a, b string) string {
	if qualityRank[b] > qualityRank[a] {
		return b
	}
	return a
}

// SettleDay credits one user's realized daily P&L to the capital ledger.
// The (user, day) unique index guarantees the credit lands exactly once
// no matter how many times the day is re-settled.
func (e *Engine) SettleDay(ctx context.Context, userID string, dayStart time.Time) (*DailyReport, error) {
	dayStart = dayStart.Truncate(24 * time.Hour)
	logger := log.With().
		Str("service", "settlement").
		Str("user_id", userID).
		Time("trading_date", dayStart).
		Logger()

	report, err := e.DailyReportFor(userID, dayStart)
	if err != nil {
		return nil, err
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

	entry := &types.CapitalLedgerEntry{
		UserID:      userID,
		LedgerDate:  dayStart,
		Amount:      report.TotalPnL,
		DataQuality: report.Quality,
		Description: fmt.Sprintf("daily settlement for %s", dayStart.Format("2006-01-02")),
	}
	credited, err := e.db.CreditLedger(tx, entry)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("crediting capital ledger: %w", err)
	}

	if credited {
		capital, err := e.db.GetOrCreateUserCapital(tx, userID, e.cfg.StartingCapital)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		capital.CurrentCapital += report.TotalPnL
		capital.TotalRealizedPnL += report.TotalPnL
		capital.TotalTrades += len(report.Hours)
		capital.WinningTrades += report.WinningHours
		capital.LosingTrades += report.LosingHours
		capital.UpdatedAt = time.Now().UTC()
		if err := e.db.SaveUserCapital(tx, capital); err != nil {
			tx.Rollback()
			return nil, err
		}

		if err := e.db.UpdateSessionPnL(tx, userID, dayStart, report.TotalPnL, capital.CurrentCapital, report.CarryoverCount); err != nil {
			tx.Rollback()
			return nil, err
		}

		logger.Info().
			Float64("daily_pnl", report.TotalPnL).
			Str("quality", report.Quality).
			Float64("current_capital", capital.CurrentCapital).
			Msg("daily settlement credited")
	} else {
		logger.Info().Msg("daily settlement already credited, skipping")
	}

	if err := tx.Commit().Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	report.Credited = true
	return report, nil
}

// GinHandlers contains HTTP handlers for settlement endpoints.
type GinHandlers struct {
	engine *Engine
}

func NewGinHandlers(engine *Engine) *GinHandlers {
	return &GinHandlers{engine: engine}
}

func (h *GinHandlers) GetOrderSettlementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")

		record, err := h.engine.db.GetOrderSettlementByID(orderID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Not settled yet: report when the delivery hour's last
			// bucket becomes settleable instead of a bare not-found.
			order, orderErr := h.engine.db.GetOrderByID(orderID)
			if orderErr != nil {
				response.Handle(c, nil, orderErr)
				return
			}
			lastBucket := order.HourStartUTC.Add(time.Hour - interval.Length)
			response.Success(c, interval.SettlementReadiness(lastBucket, time.Now().UTC(), h.engine.cfg.PublicationDelay))
			return
		}
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, reportFor(record))
	}
}

func (h *GinHandlers) GetDailyReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("user_id")
		day, err := time.Parse("2006-01-02", c.Param("date"))
		if err != nil {
			response.BadRequest(c, "date must be YYYY-MM-DD")
			return
		}

		report, reportErr := h.engine.DailyReportFor(userID, day.UTC())
		response.Handle(c, report, reportErr)
	}
}

func (h *GinHandlers) SettleDayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("user_id")
		day, err := time.Parse("2006-01-02", c.Param("date"))
		if err != nil {
			response.BadRequest(c, "date must be YYYY-MM-DD")
			return
		}

		report, settleErr := h.engine.SettleDay(c.Request.Context(), userID, day.UTC())
		response.Handle(c, report, settleErr)
	}
}
