package matching

import (
	"errors"
	"time"

	"github.com/voltsim/voltsim/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) Begin() *gorm.DB {
	return d.db.Begin()
}

// EligibleRealTimeOrders selects, and locks, the pending real-time
// orders for a node whose assigned slot has arrived by intervalStart.
// The ordering (creation time, then row id) is the deterministic
// processing order for the whole batch.
func (d *Database) EligibleRealTimeOrders(tx *gorm.DB, node string, intervalStart time.Time) ([]types.Order, error) {
	var orders []types.Order
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("node = ? AND market = ? AND status = ? AND slot_start_utc <= ?",
			node, types.MarketRealTime, types.StatusPending, intervalStart).
		Order("created_at ASC, id ASC").
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// EligibleDayAheadOrders selects, and locks, the pending day-ahead
// orders whose delivery hour is exactly hourStart.
func (d *Database) EligibleDayAheadOrders(tx *gorm.DB, node string, hourStart time.Time) ([]types.Order, error) {
	var orders []types.Order
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("node = ? AND market = ? AND status = ? AND hour_start_utc = ?",
			node, types.MarketDayAhead, types.StatusPending, hourStart).
		Order("created_at ASC, id ASC").
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// HasFill reports whether a fill already exists for the idempotency key
// (order, trigger timestamp, kind).
func (d *Database) HasFill(tx *gorm.DB, orderRef uint, ts time.Time, kind types.FillKind) (bool, error) {
	var fill types.Fill
	err := tx.Where("order_ref = ? AND timestamp_utc = ? AND kind = ?", orderRef, ts, kind).
		First(&fill).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (d *Database) SaveOrder(tx *gorm.DB, order *types.Order) error {
	return tx.Save(order).Error
}

func (d *Database) CreateFill(tx *gorm.DB, fill *types.Fill) error {
	return tx.Create(fill).Error
}

// BumpSessionMetrics increments the daily trade counters on the user's
// session row for the trading day containing ts, creating the row lazily
// the way the session manager would.
func (d *Database) BumpSessionMetrics(tx *gorm.DB, userID string, ts time.Time, volumeMWh, startingCapital float64) error {
	day := ts.UTC().Truncate(24 * time.Hour)

	var session types.TradingSession
	err := tx.Where("user_id = ? AND trading_date = ?", userID, day).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		session = types.TradingSession{
			UserID:          userID,
			TradingDate:     day,
			StartingCapital: startingCapital,
			CurrentCapital:  startingCapital,
		}
	} else if err != nil {
		return err
	}

	session.DailyTrades++
	session.DailyVolumeMWh += volumeMWh
	session.UpdatedAt = time.Now().UTC()
	return tx.Save(&session).Error
}
