// Package trading owns the order lifecycle on the submission side:
// validation against the trading clock, interval targeting, position
// limits, and cancellation.
package trading

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/voltsim/voltsim/internal/clock"
	"github.com/voltsim/voltsim/internal/config"
	"github.com/voltsim/voltsim/internal/interval"
	"github.com/voltsim/voltsim/internal/position"
	"github.com/voltsim/voltsim/internal/session"
	"github.com/voltsim/voltsim/internal/types"
	"github.com/voltsim/voltsim/pkg/response"
	"gorm.io/gorm"
)

// OrderRequest is the submission payload.
type OrderRequest struct {
	Node         string     `json:"node" binding:"required"`
	Market       string     `json:"market" binding:"required"`
	Side         string     `json:"side" binding:"required"`
	Kind         string     `json:"kind" binding:"required"`
	LimitPrice   *float64   `json:"limit_price,omitempty"`
	QuantityMWh  float64    `json:"quantity_mwh" binding:"required"`
	TimeInForce  string     `json:"time_in_force,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	HourStartUTC *time.Time `json:"hour_start_utc,omitempty"`
	SlotStartUTC *time.Time `json:"slot_start_utc,omitempty"`
}

// Service handles order submission and lifecycle operations.
type Service struct {
	db        *Database
	clk       *clock.TradingClock
	positions *position.Manager
	sessions  *session.Manager
	cfg       config.Config
}

func NewService(gormDB *gorm.DB, clk *clock.TradingClock, positions *position.Manager, sessions *session.Manager, cfg config.Config) *Service {
	return &Service{
		db:        NewDatabase(gormDB),
		clk:       clk,
		positions: positions,
		sessions:  sessions,
		cfg:       cfg,
	}
}

// SubmitOrder validates and persists a new order as of an explicit
// instant. A rejected order is never persisted; the caller gets a typed
// error describing the failing rule. Retries with the same idempotency
// key return the originally created order.
func (s *Service) SubmitOrder(userID string, req OrderRequest, idempotencyKey string, asOf time.Time) (*types.Order, error) {
	logger := log.With().
		Str("service", "trading").
		Str("user_id", userID).
		Str("node", req.Node).
		Str("market", req.Market).
		Logger()

	if idempotencyKey != "" {
		record, err := s.db.GetIdempotencyRecord(idempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("checking idempotency record: %w", err)
		}
		if record != nil && record.ExpiresAt.After(asOf) {
			existing, err := s.db.GetOrder(record.ResourceID)
			if err != nil {
				return nil, err
			}
			if existing != nil {
				return existing, nil
			}
		}
	}

	order, err := s.buildOrder(userID, req, asOf)
	if err != nil {
		return nil, err
	}

	if allowed, reason := s.sessions.IsTradingAllowed(order.Market, asOf); !allowed {
		return nil, types.NewPermissionError(order.Market, "%s", reason)
	}
	if _, err := s.sessions.GetOrCreateSession(userID, asOf); err != nil {
		return nil, err
	}

	bucket := order.HourStartUTC
	if order.Market == types.MarketRealTime {
		bucket = order.HourStartUTC.UTC().Truncate(24 * time.Hour)
	}
	if err := s.positions.ValidateOrder(userID, order.Node, order.Market, bucket, order.Side, order.QuantityMWh); err != nil {
		return nil, err
	}

	if err := s.db.CreateOrderWithIdempotency(order, idempotencyKey); err != nil {
		return nil, fmt.Errorf("persisting order: %w", err)
	}

	logger.Info().
		Str("order_id", order.OrderID).
		Str("side", string(order.Side)).
		Str("kind", string(order.Kind)).
		Float64("quantity_mwh", order.QuantityMWh).
		Time("hour_start", order.HourStartUTC).
		Msg("order accepted")

	return order, nil
}

// buildOrder applies the field rules and time targeting, producing a
// pending order ready to persist.
func (s *Service) buildOrder(userID string, req OrderRequest, asOf time.Time) (*types.Order, error) {
	market := types.Market(req.Market)
	if market != types.MarketDayAhead && market != types.MarketRealTime {
		return nil, types.NewValidationError("market", "must be %q or %q", types.MarketDayAhead, types.MarketRealTime)
	}

	side := types.OrderSide(req.Side)
	if side != types.SideBuy && side != types.SideSell {
		return nil, types.NewValidationError("side", "must be %q or %q", types.SideBuy, types.SideSell)
	}

	kind := types.OrderKind(req.Kind)
	switch kind {
	case types.KindLimit:
		if req.LimitPrice == nil {
			return nil, types.NewValidationError("limit_price", "required for limit orders")
		}
		if *req.LimitPrice <= 0 {
			return nil, types.NewValidationError("limit_price", "must be positive")
		}
	case types.KindMarket:
		if req.LimitPrice != nil {
			return nil, types.NewValidationError("limit_price", "not allowed on market orders")
		}
	default:
		return nil, types.NewValidationError("kind", "must be %q or %q", types.KindMarket, types.KindLimit)
	}

	if req.QuantityMWh <= 0 {
		return nil, types.NewValidationError("quantity_mwh", "must be positive")
	}
	if req.QuantityMWh > s.cfg.MaxQuantityMWh {
		return nil, types.NewValidationError("quantity_mwh", "exceeds maximum of %.1f MWh", s.cfg.MaxQuantityMWh)
	}

	tif := types.TimeInForce(req.TimeInForce)
	if tif == "" {
		tif = types.TIFGoodTillCancelled
	}
	switch tif {
	case types.TIFGoodTillCancelled, types.TIFImmediateOrCancel, types.TIFDay:
	default:
		return nil, types.NewValidationError("time_in_force", "must be %q, %q or %q",
			types.TIFGoodTillCancelled, types.TIFImmediateOrCancel, types.TIFDay)
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(asOf) {
		return nil, types.NewValidationError("expires_at", "must be in the future")
	}

	order := &types.Order{
		OrderID:     uuid.New().String(),
		UserID:      userID,
		Node:        req.Node,
		Market:      market,
		Side:        side,
		Kind:        kind,
		LimitPrice:  req.LimitPrice,
		QuantityMWh: req.QuantityMWh,
		TimeInForce: tif,
		ExpiresAt:   req.ExpiresAt,
		Status:      types.StatusPending,
		CreatedAt:   asOf,
		UpdatedAt:   asOf,
	}

	switch market {
	case types.MarketDayAhead:
		if req.HourStartUTC == nil {
			return nil, types.NewValidationError("hour_start_utc", "required for day-ahead orders")
		}
		hour := req.HourStartUTC.UTC()
		if !hour.Truncate(time.Hour).Equal(hour) {
			return nil, types.NewValidationError("hour_start_utc", "must fall on an hour boundary")
		}
		if !hour.After(asOf) {
			return nil, types.NewValidationError("hour_start_utc", "delivery hour must be in the future")
		}
		order.HourStartUTC = hour

	case types.MarketRealTime:
		slot := interval.AssignSlot(asOf.UTC())
		if req.SlotStartUTC != nil {
			requested := req.SlotStartUTC.UTC()
			if aligned, _ := interval.IsAligned(requested); !aligned {
				return nil, types.NewValidationError("slot_start_utc", "must fall on a 5-minute boundary")
			}
			if err := interval.ValidateTarget(asOf.UTC(), requested); err != nil {
				return nil, types.NewValidationError("slot_start_utc", "%s", err.Error())
			}
			slot = requested
		}
		order.SlotStartUTC = &slot
		order.HourStartUTC = slot.Truncate(time.Hour)
	}

	return order, nil
}

// CancelOrder cancels a pending order owned by the user. Filled,
// rejected, and already-cancelled orders cannot be cancelled.
func (s *Service) CancelOrder(userID, orderID string, asOf time.Time) (*types.Order, error) {
	order, err := s.db.GetOrderForUser(orderID, userID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, gorm.ErrRecordNotFound
	}
	if order.Status != types.StatusPending {
		return nil, types.NewValidationError("status", "only pending orders can be cancelled; order is %s", order.Status)
	}

	order.Status = types.StatusCancelled
	order.RejectionReason = "cancelled by user"
	order.UpdatedAt = asOf
	if err := s.db.UpdateOrder(order); err != nil {
		return nil, fmt.Errorf("cancelling order: %w", err)
	}

	log.Info().
		Str("service", "trading").
		Str("order_id", orderID).
		Str("user_id", userID).
		Msg("order cancelled")

	return order, nil
}

// OrderView is an order plus its execution history.
type OrderView struct {
	Order *types.Order `json:"order"`
	Fills []types.Fill `json:"fills,omitempty"`
}

// GetOrder returns one of the user's orders with its fills.
func (s *Service) GetOrder(userID, orderID string) (*OrderView, error) {
	order, err := s.db.GetOrderForUser(orderID, userID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, gorm.ErrRecordNotFound
	}

	fills, err := s.db.FillsForOrder(order.Model.ID)
	if err != nil {
		return nil, err
	}
	return &OrderView{Order: order, Fills: fills}, nil
}

// ListOrders returns the user's most recent orders, optionally filtered
// by market and status.
func (s *Service) ListOrders(userID string, market types.Market, status types.OrderStatus) ([]types.Order, error) {
	return s.db.ListOrders(userID, market, status, 100)
}

// GinHandlers contains HTTP handlers for trading endpoints.
type GinHandlers struct {
	service   *Service
	positions *position.Manager
}

func NewGinHandlers(service *Service, positions *position.Manager) *GinHandlers {
	return &GinHandlers{
		service:   service,
		positions: positions,
	}
}

// CreateOrderHandler handles POST requests to create new orders.
// Requires a valid JWT token and idempotency key in headers.
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		idempotencyKey := c.GetHeader("Idempotency-Key")
		if idempotencyKey == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		var req OrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		userID := c.GetString("user_id")
		order, err := h.service.SubmitOrder(userID, req, idempotencyKey, time.Now().UTC())
		response.Handle(c, order, err)
	}
}

func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("user_id")
		orderID := c.Param("order_id")

		order, err := h.service.CancelOrder(userID, orderID, time.Now().UTC())
		response.Handle(c, order, err)
	}
}

func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("user_id")
		orderID := c.Param("order_id")

		view, err := h.service.GetOrder(userID, orderID)
		response.Handle(c, view, err)
	}
}

func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("user_id")
		market := types.Market(c.Query("market"))
		status := types.OrderStatus(c.Query("status"))

		orders, err := h.service.ListOrders(userID, market, status)
		response.Handle(c, orders, err)
	}
}

// GetPositionsHandler returns the user's portfolio summary for a node
// and day.
func (h *GinHandlers) GetPositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("user_id")
		node := c.Query("node")
		if node == "" {
			response.BadRequest(c, "node query parameter is required")
			return
		}

		day := time.Now().UTC()
		if raw := c.Query("date"); raw != "" {
			parsed, err := time.Parse("2006-01-02", raw)
			if err != nil {
				response.BadRequest(c, "date must be YYYY-MM-DD")
				return
			}
			day = parsed.UTC()
		}

		summary, err := h.positions.Summary(userID, node, day)
		response.Handle(c, summary, err)
	}
}

// GetHourlyPositionsHandler returns the per-hour day-ahead breakdown.
func (h *GinHandlers) GetHourlyPositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("user_id")
		node := c.Query("node")
		if node == "" {
			response.BadRequest(c, "node query parameter is required")
			return
		}

		day := time.Now().UTC()
		if raw := c.Query("date"); raw != "" {
			parsed, err := time.Parse("2006-01-02", raw)
			if err != nil {
				response.BadRequest(c, "date must be YYYY-MM-DD")
				return
			}
			day = parsed.UTC()
		}

		breakdown, err := h.positions.HourlyBreakdown(userID, node, day)
		response.Handle(c, breakdown, err)
	}
}
