package trading

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

func (d *Database) GetOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetOrderForUser(orderID, userID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ? AND user_id = ?", orderID, userID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) ListOrders(userID string, market types.Market, status types.OrderStatus, limit int) ([]types.Order, error) {
	query := d.db.Where("user_id = ?", userID)
	if market != "" {
		query = query.Where("market = ?", market)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var orders []types.Order
	err := query.Order("created_at DESC, id DESC").Limit(limit).Find(&orders).Error
	return orders, err
}

func (d *Database) FillsForOrder(orderRef uint) ([]types.Fill, error) {
	var fills []types.Fill
	err := d.db.Where("order_ref = ?", orderRef).Order("timestamp_utc ASC").Find(&fills).Error
	return fills, err
}

func (d *Database) UpdateOrder(order *types.Order) error {
	return d.db.Save(order).Error
}

// CreateOrderWithIdempotency creates the order and, when a key was
// supplied, the idempotency record pointing at it, in one transaction.
// A leftover expired record for the same key is refreshed in place
// rather than colliding with the unique index.
func (d *Database) CreateOrderWithIdempotency(order *types.Order, idempotencyKey string) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Create(order).Error; err != nil {
		tx.Rollback()
		return err
	}

	if idempotencyKey != "" {
		record := types.IdempotencyRecord{
			IdempotencyKey: idempotencyKey,
			ResourceID:     order.OrderID,
			ResourceType:   "order",
			ExpiresAt:      time.Now().Add(24 * time.Hour),
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"resource_id", "resource_type", "expires_at", "updated_at"}),
		}).Create(&record).Error
		if err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit().Error
}

// GetIdempotencyRecord retrieves an idempotency record by key
func (d *Database) GetIdempotencyRecord(key string) (*types.IdempotencyRecord, error) {
	var record types.IdempotencyRecord
	if err := d.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}
