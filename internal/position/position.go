// Package position computes net positions from order history and
// enforces the inventory rules: no naked shorts, bounded exposure.
package position

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/voltsim/voltsim/internal/types"
	"gorm.io/gorm"
)

// Manager validates orders against current and projected positions.
// Day-ahead positions are scoped to a delivery hour; real-time positions
// are scoped to the whole trading day so intraday trades net across
// slots.
type Manager struct {
	db     *Database
	maxNet float64
}

func NewManager(gormDB *gorm.DB, maxPositionMWh float64) *Manager {
	return &Manager{
		db:     NewDatabase(gormDB),
		maxNet: maxPositionMWh,
	}
}

// Position is the derived net position for one bucket. It is never
// stored; it is always recomputed from order history.
type Position struct {
	NetMWh     float64 `json:"net_mwh"`
	BuyMWh     float64 `json:"buy_mwh"`
	SellMWh    float64 `json:"sell_mwh"`
	OrderCount int     `json:"order_count"`
}

// Projection extends a filled Position with the effect of still-pending
// orders in the same bucket.
type Projection struct {
	Filled         Position `json:"filled"`
	PendingBuyMWh  float64  `json:"pending_buy_mwh"`
	PendingSellMWh float64  `json:"pending_sell_mwh"`
	ProjectedNet   float64  `json:"projected_net_mwh"`
}

// bucketWindow maps a (market, bucket) pair onto the time range its
// orders occupy: the delivery hour for day-ahead, the trading day for
// real-time.
func bucketWindow(market types.Market, bucket time.Time) (time.Time, time.Time) {
	if market == types.MarketDayAhead {
		start := bucket.Truncate(time.Hour)
		return start, start.Add(time.Hour)
	}
	start := bucket.UTC().Truncate(24 * time.Hour)
	return start, start.Add(24 * time.Hour)
}

func sumVolumes(orders []types.Order) (buy, sell decimal.Decimal) {
	for _, o := range orders {
		qty := o.QuantityMWh
		if o.FilledQuantity != nil {
			qty = *o.FilledQuantity
		}
		d := decimal.NewFromFloat(qty)
		if o.Side == types.SideBuy {
			buy = buy.Add(d)
		} else {
			sell = sell.Add(d)
		}
	}
	return buy, sell
}

// NetPosition computes the filled net position for a bucket.
func (m *Manager) NetPosition(userID, node string, market types.Market, bucket time.Time) (Position, error) {
	start, end := bucketWindow(market, bucket)
	filled, err := m.db.OrdersInWindow(userID, node, market, types.StatusFilled, start, end)
	if err != nil {
		return Position{}, err
	}

	buy, sell := sumVolumes(filled)
	return Position{
		NetMWh:     buy.Sub(sell).InexactFloat64(),
		BuyMWh:     buy.InexactFloat64(),
		SellMWh:    sell.InexactFloat64(),
		OrderCount: len(filled),
	}, nil
}

// Project computes the filled position plus the net effect of pending
// orders in the same bucket. Including pending orders closes the race
// where several open orders jointly oversell the position.
func (m *Manager) Project(userID, node string, market types.Market, bucket time.Time) (Projection, error) {
	filled, err := m.NetPosition(userID, node, market, bucket)
	if err != nil {
		return Projection{}, err
	}

	start, end := bucketWindow(market, bucket)
	pending, err := m.db.OrdersInWindow(userID, node, market, types.StatusPending, start, end)
	if err != nil {
		return Projection{}, err
	}

	pendBuy, pendSell := sumVolumes(pending)
	projected := decimal.NewFromFloat(filled.NetMWh).Add(pendBuy).Sub(pendSell)

	return Projection{
		Filled:         filled,
		PendingBuyMWh:  pendBuy.InexactFloat64(),
		PendingSellMWh: pendSell.InexactFloat64(),
		ProjectedNet:   projected.InexactFloat64(),
	}, nil
}

// ValidateOrder accepts or rejects a candidate order against the
// projected position in its bucket. A nil return means the order may be
// submitted; violations come back as *types.PermissionError with the
// maximum sellable quantity or the cap spelled out.
func (m *Manager) ValidateOrder(userID, node string, market types.Market, bucket time.Time, side types.OrderSide, quantityMWh float64) error {
	proj, err := m.Project(userID, node, market, bucket)
	if err != nil {
		return err
	}

	qty := decimal.NewFromFloat(quantityMWh)
	projected := decimal.NewFromFloat(proj.ProjectedNet)
	if side == types.SideBuy {
		projected = projected.Add(qty)
	} else {
		projected = projected.Sub(qty)
	}

	if projected.IsNegative() {
		maxSell := decimal.NewFromFloat(proj.ProjectedNet)
		if !maxSell.IsPositive() {
			return types.NewPermissionError(market,
				"cannot sell energy without buying first; current net position: %.1f MWh",
				proj.Filled.NetMWh)
		}
		return types.NewPermissionError(market,
			"cannot sell %.1f MWh; maximum sellable quantity: %.1f MWh (filled %.1f + pending buys %.1f - pending sells %.1f)",
			quantityMWh, maxSell.InexactFloat64(), proj.Filled.NetMWh,
			proj.PendingBuyMWh, proj.PendingSellMWh)
	}

	if projected.Abs().GreaterThan(decimal.NewFromFloat(m.maxNet)) {
		return types.NewPermissionError(market,
			"order would exceed maximum position limit of %.1f MWh; projected position: %.1f MWh",
			m.maxNet, projected.InexactFloat64())
	}

	return nil
}

// MarketSummary is the filled/pending breakdown for one market within a
// portfolio summary.
type MarketSummary struct {
	Filled  Position `json:"filled"`
	Pending Position `json:"pending"`
}

// PortfolioSummary is the per-day position report exposed to the API
// layer.
type PortfolioSummary struct {
	UserID   string        `json:"user_id"`
	Node     string        `json:"node"`
	Date     string        `json:"date"`
	DayAhead MarketSummary `json:"day_ahead"`
	RealTime MarketSummary `json:"real_time"`
	NetMWh   float64       `json:"net_exposure_mwh"`
}

// Summary builds the portfolio summary for one user, node and day.
func (m *Manager) Summary(userID, node string, day time.Time) (PortfolioSummary, error) {
	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)

	orders, err := m.db.OrdersForDay(userID, node, start, end)
	if err != nil {
		return PortfolioSummary{}, err
	}

	bucket := func(market types.Market, status types.OrderStatus) Position {
		var subset []types.Order
		for _, o := range orders {
			if o.Market == market && o.Status == status {
				subset = append(subset, o)
			}
		}
		buy, sell := sumVolumes(subset)
		return Position{
			NetMWh:     buy.Sub(sell).InexactFloat64(),
			BuyMWh:     buy.InexactFloat64(),
			SellMWh:    sell.InexactFloat64(),
			OrderCount: len(subset),
		}
	}

	summary := PortfolioSummary{
		UserID: userID,
		Node:   node,
		Date:   start.Format("2006-01-02"),
		DayAhead: MarketSummary{
			Filled:  bucket(types.MarketDayAhead, types.StatusFilled),
			Pending: bucket(types.MarketDayAhead, types.StatusPending),
		},
		RealTime: MarketSummary{
			Filled:  bucket(types.MarketRealTime, types.StatusFilled),
			Pending: bucket(types.MarketRealTime, types.StatusPending),
		},
	}
	summary.NetMWh = summary.DayAhead.Filled.NetMWh + summary.RealTime.Filled.NetMWh
	return summary, nil
}

// HourlyPosition is one row of the hour-by-hour breakdown.
type HourlyPosition struct {
	HourStart    time.Time `json:"hour_start"`
	DayAheadNet  float64   `json:"day_ahead_net_mwh"`
	PendingDelta float64   `json:"pending_delta_mwh"`
}

// HourlyBreakdown reports the day-ahead position hour by hour for one
// day.
func (m *Manager) HourlyBreakdown(userID, node string, day time.Time) ([]HourlyPosition, error) {
	start := day.UTC().Truncate(24 * time.Hour)

	rows := make([]HourlyPosition, 0, 24)
	for h := 0; h < 24; h++ {
		hourStart := start.Add(time.Duration(h) * time.Hour)
		proj, err := m.Project(userID, node, types.MarketDayAhead, hourStart)
		if err != nil {
			return nil, err
		}
		rows = append(rows, HourlyPosition{
			HourStart:    hourStart,
			DayAheadNet:  proj.Filled.NetMWh,
			PendingDelta: proj.ProjectedNet - proj.Filled.NetMWh,
		})
	}
	return rows, nil
}
