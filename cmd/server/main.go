package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/voltsim/voltsim/internal/auth"
	"github.com/voltsim/voltsim/internal/clock"
	"github.com/voltsim/voltsim/internal/config"
	"github.com/voltsim/voltsim/internal/database"
	"github.com/voltsim/voltsim/internal/matching"
	"github.com/voltsim/voltsim/internal/position"
	"github.com/voltsim/voltsim/internal/prices"
	"github.com/voltsim/voltsim/internal/session"
	"github.com/voltsim/voltsim/internal/settlement"
	"github.com/voltsim/voltsim/internal/trading"
	"github.com/voltsim/voltsim/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings.
// In development mode, it enables pretty printing with timestamps.
// Debug logging can be enabled via DEBUG environment variable.
func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the exchange API server with graceful
// shutdown support.
func main() {
	if err := godotenv.Load(); err != nil {
		zlog.Debug().Msg("no .env file found, using environment")
	}
	cfg := config.FromEnv()

	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	tradingClock, err := clock.New(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize trading clock")
	}

	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService(cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials("test-api-key", "test-api-secret")
	authService.RegisterInternalCredentials("price-feed-key", "price-feed-secret")

	positionManager := position.NewManager(db, cfg.MaxPositionMWh)
	sessionManager := session.NewManager(db, tradingClock, cfg)
	sessionHandlers := session.NewGinHandlers(sessionManager)

	tradingService := trading.NewService(db, tradingClock, positionManager, sessionManager, cfg)
	tradingHandlers := trading.NewGinHandlers(tradingService, positionManager)

	matchingEngine := matching.NewEngine(db, tradingClock, cfg)

	priceService := prices.NewService(db, matchingEngine)
	priceHandlers := prices.NewGinHandlers(priceService)

	settlementEngine := settlement.NewEngine(db, cfg)
	settlementHandlers := settlement.NewGinHandlers(settlementEngine)

	// Create and start settlement processor
	settlementProcessor := settlement.NewProcessor(settlementEngine, cfg.SettleInterval)
	processorCtx, processorCancel := context.WithCancel(context.Background())
	defer processorCancel()

	go settlementProcessor.Start(processorCtx)

	router.Use(middleware.RateLimit())

	setupRoutes(router, cfg, authHandlers, tradingHandlers, sessionHandlers, priceHandlers, settlementHandlers)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers.
// Routes are grouped by functionality:
// - Auth routes: public token issuance
// - User routes: JWT protected order, position, session, settlement access
// - Internal routes: price ingestion, restricted to internal-scope tokens
func setupRoutes(
	router *gin.Engine,
	cfg config.Config,
	authHandlers *auth.GinHandlers,
	tradingHandlers *trading.GinHandlers,
	sessionHandlers *session.GinHandlers,
	priceHandlers *prices.GinHandlers,
	settlementHandlers *settlement.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			orders.POST("", tradingHandlers.CreateOrderHandler())
			orders.GET("", tradingHandlers.ListOrdersHandler())
			orders.GET("/:order_id", tradingHandlers.GetOrderHandler())
			orders.DELETE("/:order_id", tradingHandlers.CancelOrderHandler())
			orders.GET("/:order_id/settlement", settlementHandlers.GetOrderSettlementHandler())
		}

		positions := v1.Group("/positions")
		positions.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			positions.GET("", tradingHandlers.GetPositionsHandler())
			positions.GET("/hourly", tradingHandlers.GetHourlyPositionsHandler())
		}

		sessionGroup := v1.Group("/session")
		sessionGroup.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			sessionGroup.GET("", sessionHandlers.GetSessionHandler())
			sessionGroup.GET("/clock", sessionHandlers.GetClockHandler())
			sessionGroup.GET("/settlement/:date", settlementHandlers.GetDailyReportHandler())
			sessionGroup.POST("/settlement/:date", settlementHandlers.SettleDayHandler())
		}

		marketData := v1.Group("/prices")
		marketData.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			marketData.GET("/realtime", priceHandlers.QueryRealTimeHandler())
			marketData.GET("/dayahead", priceHandlers.QueryDayAheadHandler())
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(cfg.JWTSecret))
		{
			internal.POST("/prices/realtime", priceHandlers.IngestRealTimeHandler())
			internal.POST("/prices/dayahead", priceHandlers.IngestDayAheadHandler())
		}
	}
}
