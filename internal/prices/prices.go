// Package prices ingests externally published market prices. Each
// accepted observation is stored, then routed into the matching engine;
// verified re-publications update the settlement data without
// retriggering matching.
package prices

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/voltsim/voltsim/internal/interval"
	"github.com/voltsim/voltsim/internal/matching"
	"github.com/voltsim/voltsim/internal/types"
	"github.com/voltsim/voltsim/pkg/response"
	"gorm.io/gorm"
)

type Service struct {
	db     *Database
	engine *matching.Engine
}

func NewService(gormDB *gorm.DB, engine *matching.Engine) *Service {
	return &Service{
		db:     NewDatabase(gormDB),
		engine: engine,
	}
}

// OnRealTimePrice stores a 5-minute price and, for the provisional
// series, runs the matching pass for its interval. The interval start
// must sit on a 5-minute boundary.
func (s *Service) OnRealTimePrice(ctx context.Context, node string, ts time.Time, price float64, verified bool, asOf time.Time) (*types.MatchResult, error) {
	ts = ts.UTC()
	if aligned, _ := interval.IsAligned(ts); !aligned {
		return nil, types.NewValidationError("timestamp_utc", "must fall on a 5-minute boundary")
	}
	if price < 0 {
		return nil, types.NewValidationError("price", "must not be negative")
	}

	stored, err := s.db.StoreRealTimePrice(&types.RealTimePrice{
		Node:         node,
		TimestampUTC: ts,
		Verified:     verified,
		Price:        price,
	})
	if err != nil {
		return nil, fmt.Errorf("storing RT price: %w", err)
	}

	log.Debug().
		Str("service", "prices").
		Str("node", node).
		Time("timestamp", ts).
		Float64("price", price).
		Bool("verified", verified).
		Bool("stored", stored).
		Msg("real-time price received")

	if verified {
		return nil, nil
	}
	return s.engine.ProcessRealTimeTick(ctx, node, ts, price, asOf)
}

// OnDayAheadPrice stores an hourly clearing price and, for the
// provisional series, runs the day-ahead closing match for the hour.
func (s *Service) OnDayAheadPrice(ctx context.Context, node string, hourStart time.Time, price float64, verified bool, asOf time.Time) (*types.MatchResult, error) {
	hourStart = hourStart.UTC()
	if !hourStart.Truncate(time.Hour).Equal(hourStart) {
		return nil, types.NewValidationError("hour_start_utc", "must fall on an hour boundary")
	}
	if price < 0 {
		return nil, types.NewValidationError("price", "must not be negative")
	}

	stored, err := s.db.StoreDayAheadPrice(&types.DayAheadPrice{
		Node:         node,
		HourStartUTC: hourStart,
		Verified:     verified,
		ClosePrice:   price,
	})
	if err != nil {
		return nil, fmt.Errorf("storing DA price: %w", err)
	}

	log.Debug().
		Str("service", "prices").
		Str("node", node).
		Time("hour_start", hourStart).
		Float64("price", price).
		Bool("verified", verified).
		Bool("stored", stored).
		Msg("day-ahead price received")

	if verified {
		return nil, nil
	}
	return s.engine.ProcessDayAheadPrice(ctx, node, hourStart, price, asOf)
}

// pricePayload is the ingestion request body shared by both markets.
type pricePayload struct {
	Node         string    `json:"node" binding:"required"`
	TimestampUTC time.Time `json:"timestamp_utc" binding:"required"`
	Price        *float64  `json:"price" binding:"required"`
	Verified     bool      `json:"verified"`
}

// GinHandlers contains HTTP handlers for price ingestion and queries.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

func (h *GinHandlers) IngestRealTimeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var payload pricePayload
		if err := c.ShouldBindJSON(&payload); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.OnRealTimePrice(c.Request.Context(),
			payload.Node, payload.TimestampUTC, *payload.Price, payload.Verified, time.Now().UTC())
		response.Handle(c, result, err)
	}
}

func (h *GinHandlers) IngestDayAheadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var payload pricePayload
		if err := c.ShouldBindJSON(&payload); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.OnDayAheadPrice(c.Request.Context(),
			payload.Node, payload.TimestampUTC, *payload.Price, payload.Verified, time.Now().UTC())
		response.Handle(c, result, err)
	}
}

func (h *GinHandlers) QueryRealTimeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		node := c.Query("node")
		if node == "" {
			response.BadRequest(c, "node query parameter is required")
			return
		}
		start, end, err := parseWindow(c)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		rows, queryErr := h.service.db.RealTimePrices(node, start, end, c.Query("series") == "verified")
		response.Handle(c, rows, queryErr)
	}
}

func (h *GinHandlers) QueryDayAheadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		node := c.Query("node")
		if node == "" {
			response.BadRequest(c, "node query parameter is required")
			return
		}
		start, end, err := parseWindow(c)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		rows, queryErr := h.service.db.DayAheadPrices(node, start, end, c.Query("series") == "verified")
		response.Handle(c, rows, queryErr)
	}
}

func parseWindow(c *gin.Context) (time.Time, time.Time, error) {
	day, err := time.Parse("2006-01-02", c.Query("date"))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("date must be YYYY-MM-DD")
	}
	start := day.UTC()
	return start, start.Add(24 * time.Hour), nil
}
