package session

import (
	"errors"
	"time"

	"github.com/voltsim/voltsim/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) GetSession(userID string, dayStart time.Time) (*types.TradingSession, error) {
	var session types.TradingSession
	err := d.db.Where("user_id = ? AND trading_date = ?", userID, dayStart).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (d *Database) CreateSession(session *types.TradingSession) error {
	return d.db.Create(session).Error
}

func (d *Database) SaveSession(session *types.TradingSession) error {
	return d.db.Save(session).Error
}

func (d *Database) GetUserCapital(userID string) (*types.UserCapital, error) {
	var capital types.UserCapital
	err := d.db.Where("user_id = ?", userID).First(&capital).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &capital, nil
}

func (d *Database) CreateUserCapital(capital *types.UserCapital) error {
	return d.db.Create(capital).Error
}

// CountCarryovers counts filled day-ahead orders created before dayStart
// that deliver inside the day starting at dayStart.
func (d *Database) CountCarryovers(userID string, dayStart time.Time) (int64, error) {
	var count int64
	err := d.db.Model(&types.Order{}).
		Where("user_id = ? AND market = ? AND status = ?", userID, types.MarketDayAhead, types.StatusFilled).
		Where("created_at < ? AND hour_start_utc >= ? AND hour_start_utc < ?",
			dayStart, dayStart, dayStart.Add(24*time.Hour)).
		Count(&count).Error
	return count, err
}

func (d *Database) RecentLedgerEntries(userID string, limit int) ([]types.CapitalLedgerEntry, error) {
	var entries []types.CapitalLedgerEntry
	err := d.db.Where("user_id = ?", userID).
		Order("ledger_date DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}
