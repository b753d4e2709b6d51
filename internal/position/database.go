package position

import (
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

func (d *Database) OrdersInWindow(userID, node string, market types.Market, status types.OrderStatus, start, end time.Time) ([]types.Order, error) {
	var orders []types.Order
	err := d.db.Where(
		"user_id = ? AND node = ? AND market = ? AND status = ? AND hour_start_utc >= ? AND hour_start_utc < ?",
		userID, node, market, status, start, end,
	).Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (d *Database) OrdersForDay(userID, node string, start, end time.Time) ([]types.Order, error) {
	var orders []types.Order
	err := d.db.Where(
		"user_id = ? AND node = ? AND hour_start_utc >= ? AND hour_start_utc < ?",
		userID, node, start, end,
	).Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}
