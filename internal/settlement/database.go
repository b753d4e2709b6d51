package settlement

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

// RealTimePrices returns the 5-minute prices of one series inside a
// delivery hour, keyed by interval start.
func (d *Database) RealTimePrices(node string, hourStart, hourEnd time.Time, verified bool) (map[time.Time]float64, error) {
	var rows []types.RealTimePrice
	err := d.db.Where("node = ? AND timestamp_utc >= ? AND timestamp_utc < ? AND verified = ?",
		node, hourStart, hourEnd, verified).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	prices := make(map[time.Time]float64, len(rows))
	for _, row := range rows {
		prices[row.TimestampUTC.UTC()] = row.Price
	}
	return prices, nil
}

// FilledDayAheadOrders returns the filled DA orders whose delivery hour
// ended at or before cutoff and which do not yet have a verified
// settlement.
func (d *Database) FilledDayAheadOrders(cutoff time.Time) ([]types.Order, error) {
	var orders []types.Order
	err := d.db.
		Where("market = ? AND status = ? AND hour_start_utc <= ?",
			types.MarketDayAhead, types.StatusFilled, cutoff.Add(-time.Hour)).
		Where("id NOT IN (?)",
			d.db.Model(&types.OrderSettlement{}).
				Select("order_ref").
				Where("settlement_status = ?", StatusVerified)).
		Order("hour_start_utc ASC, id ASC").
		Find(&orders).Error
	return orders, err
}

// OrdersDeliveringOn returns a user's filled DA orders whose delivery
// hour falls inside the UTC day starting at dayStart.
func (d *Database) OrdersDeliveringOn(userID string, dayStart time.Time) ([]types.Order, error) {
	var orders []types.Order
	err := d.db.
		Where("user_id = ? AND market = ? AND status = ? AND hour_start_utc >= ? AND hour_start_utc < ?",
			userID, types.MarketDayAhead, types.StatusFilled, dayStart, dayStart.Add(24*time.Hour)).
		Order("hour_start_utc ASC, id ASC").
		Find(&orders).Error
	return orders, err
}

// UsersDeliveringOn lists the distinct users with filled DA orders
// delivering inside the UTC day starting at dayStart.
func (d *Database) UsersDeliveringOn(dayStart time.Time) ([]string, error) {
	var users []string
	err := d.db.Model(&types.Order{}).
		Distinct("user_id").
		Where("market = ? AND status = ? AND hour_start_utc >= ? AND hour_start_utc < ?",
			types.MarketDayAhead, types.StatusFilled, dayStart, dayStart.Add(24*time.Hour)).
		Pluck("user_id", &users).Error
	return users, err
}

func (d *Database) GetOrderSettlement(orderRef uint) (*types.OrderSettlement, error) {
	var s types.OrderSettlement
	err := d.db.Where("order_ref = ?", orderRef).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (d *Database) GetOrderSettlementByID(orderID string) (*types.OrderSettlement, error) {
	var s types.OrderSettlement
	err := d.db.Where("order_id = ?", orderID).First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (d *Database) SaveOrderSettlement(s *types.OrderSettlement) error {
	return d.db.Save(s).Error
}

func (d *Database) GetOrderByID(orderID string) (*types.Order, error) {
	var order types.Order
	err := d.db.Where("order_id = ?", orderID).First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// CreditLedger writes a daily capital credit. The unique (user, date)
// index turns re-runs into no-ops, reported via the bool.
func (d *Database) CreditLedger(tx *gorm.DB, entry *types.CapitalLedgerEntry) (bool, error) {
	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(entry)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (d *Database) LedgerEntry(userID string, ledgerDate time.Time) (*types.CapitalLedgerEntry, error) {
	var entry types.CapitalLedgerEntry
	err := d.db.Where("user_id = ? AND ledger_date = ?", userID, ledgerDate).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// GetOrCreateUserCapital fetches the running capital row for a user,
// creating it with the starting balance when absent.
func (d *Database) GetOrCreateUserCapital(tx *gorm.DB, userID string, startingCapital float64) (*types.UserCapital, error) {
	var capital types.UserCapital
	err := tx.Where("user_id = ?", userID).First(&capital).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		capital = types.UserCapital{
			UserID:          userID,
			StartingCapital: startingCapital,
			CurrentCapital:  startingCapital,
		}
		if err := tx.Create(&capital).Error; err != nil {
			return nil, err
		}
		return &capital, nil
	}
	if err != nil {
		return nil, err
	}
	return &capital, nil
}

func (d *Database) SaveUserCapital(tx *gorm.DB, capital *types.UserCapital) error {
	return tx.Save(capital).Error
}

// UpdateSessionPnL records the settled daily P&L on the user's session
// row for the day, if one exists.
func (d *Database) UpdateSessionPnL(tx *gorm.DB, userID string, dayStart time.Time, realizedPnL, currentCapital float64, carryovers int) error {
	return tx.Model(&types.TradingSession{}).
		Where("user_id = ? AND trading_date = ?", userID, dayStart).
		Updates(map[string]interface{}{
			"daily_realized_pnl":     realizedPnL,
			"current_capital":        currentCapital,
			"carryover_da_positions": carryovers,
			"updated_at":             time.Now().UTC(),
		}).Error
}

// SetFillGrossPnL stamps the settled P&L back onto the fill record.
func (d *Database) SetFillGrossPnL(orderRef uint, kind types.FillKind, pnl float64) error {
	return d.db.Model(&types.Fill{}).
		Where("order_ref = ? AND kind = ?", orderRef, kind).
		Update("gross_pnl", pnl).Error
}
