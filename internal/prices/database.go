package prices

import (
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

// StoreDayAheadPrice inserts one clearing price observation. A replayed
// observation for the same (node, hour, series) is a no-op.
func (d *Database) StoreDayAheadPrice(price *types.DayAheadPrice) (bool, error) {
	result := d.db.Clauses(clause.OnConflict{DoNothing: true}).Create(price)
	return result.RowsAffected > 0, result.Error
}

// StoreRealTimePrice inserts one 5-minute price observation. A replayed
// observation for the same (node, interval, series) is a no-op.
func (d *Database) StoreRealTimePrice(price *types.RealTimePrice) (bool, error) {
	result := d.db.Clauses(clause.OnConflict{DoNothing: true}).Create(price)
	return result.RowsAffected > 0, result.Error
}

func (d *Database) DayAheadPrices(node string, start, end time.Time, verified bool) ([]types.DayAheadPrice, error) {
	var rows []types.DayAheadPrice
	err := d.db.Where("node = ? AND hour_start_utc >= ? AND hour_start_utc < ? AND verified = ?",
		node, start, end, verified).
		Order("hour_start_utc ASC").
		Find(&rows).Error
	return rows, err
}

func (d *Database) RealTimePrices(node string, start, end time.Time, verified bool) ([]types.RealTimePrice, error) {
	var rows []types.RealTimePrice
	err := d.db.Where("node = ? AND timestamp_utc >= ? AND timestamp_utc < ? AND verified = ?",
		node, start, end, verified).
		Order("timestamp_utc ASC").
		Find(&rows).Error
	return rows, err
}
