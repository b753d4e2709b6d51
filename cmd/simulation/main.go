package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/voltsim/voltsim/internal/auth"
	"github.com/voltsim/voltsim/internal/clock"
	"github.com/voltsim/voltsim/internal/config"
	"github.com/voltsim/voltsim/internal/database"
	"github.com/voltsim/voltsim/internal/interval"
	"github.com/voltsim/voltsim/internal/matching"
	"github.com/voltsim/voltsim/internal/position"
	"github.com/voltsim/voltsim/internal/prices"
	"github.com/voltsim/voltsim/internal/session"
	"github.com/voltsim/voltsim/internal/settlement"
	"github.com/voltsim/voltsim/internal/trading"
	"github.com/voltsim/voltsim/pkg/middleware"
)

const (
	minOrders     = 10
	maxOrders     = 60
	numWorkers    = 4
	serverAddress = "http://localhost:8080"

	tradeAPIKey    = "test-api-key"
	tradeAPISecret = "test-api-secret"
	feedAPIKey     = "price-feed-key"
	feedAPISecret  = "price-feed-secret"
)

var nodes = []string{"HUB-NORTH", "HUB-SOUTH", "ZONE-WEST"}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes min, max, mean, median, 95th and 99th percentile
// durations from the recorded measurements.
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP communication with the exchange API
type simulationClient struct {
	baseURL   string
	userToken string
	feedToken string
	client    *http.Client
	stats     map[string]*routeStats
}

// newSimulationClient authenticates both a trading user and the price
// feed, and prepares performance tracking.
func newSimulationClient() (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: serverAddress,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":    {name: "Authentication"},
			"create":  {name: "Create Order"},
			"get":     {name: "Get Order"},
			"rt":      {name: "Publish RT Price"},
			"da":      {name: "Publish DA Price"},
			"session": {name: "Session Summary"},
		},
	}

	userToken, err := sc.authenticate(tradeAPIKey, tradeAPISecret)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate trading user: %w", err)
	}
	sc.userToken = userToken

	feedToken, err := sc.authenticate(feedAPIKey, feedAPISecret)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate price feed: %w", err)
	}
	sc.feedToken = feedToken

	return sc, nil
}

// authenticate performs API authentication and returns a JWT token
func (sc *simulationClient) authenticate(apiKey, apiSecret string) (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["auth"].addDuration(time.Since(start))
	}()

	body, err := json.Marshal(map[string]string{
		"api_key":    apiKey,
		"api_secret": apiSecret,
	})
	if err != nil {
		return "", err
	}

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/auth/token", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("authentication failed with status: %d", resp.StatusCode)
	}

	var result struct {
		Success bool `json:"success"`
		Data    struct {
			Token string `json:"jwt_token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.Data.Token, nil
}

// createOrder submits a new order to the API and returns its ID
func (sc *simulationClient) createOrder(req trading.OrderRequest) (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["create"].addDuration(time.Since(start))
	}()

	respBody, status, err := sc.post("/api/v1/orders", sc.userToken, req)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		sc.stats["create"].failures++
		return "", fmt.Errorf("create order failed with status %d: %s", status, string(respBody))
	}

	var result struct {
		Success bool `json:"success"`
		Data    struct {
			OrderID string `json:"order_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	if result.Data.OrderID == "" {
		return "", fmt.Errorf("no order ID in response: %s", string(respBody))
	}
	return result.Data.OrderID, nil
}

// publishRealTime publishes one 5-minute price observation
func (sc *simulationClient) publishRealTime(node string, ts time.Time, price float64) error {
	start := time.Now()
	defer func() {
		sc.stats["rt"].addDuration(time.Since(start))
	}()

	payload := map[string]interface{}{
		"node":          node,
		"timestamp_utc": ts.Format(time.RFC3339),
		"price":         price,
	}
	respBody, status, err := sc.post("/api/v1/internal/prices/realtime", sc.feedToken, payload)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		sc.stats["rt"].failures++
		return fmt.Errorf("RT price publication failed with status %d: %s", status, string(respBody))
	}
	return nil
}

// publishDayAhead publishes one hourly clearing price
func (sc *simulationClient) publishDayAhead(node string, hourStart time.Time, price float64) error {
	start := time.Now()
	defer func() {
		sc.stats["da"].addDuration(time.Since(start))
	}()

	payload := map[string]interface{}{
		"node":          node,
		"timestamp_utc": hourStart.Format(time.RFC3339),
		"price":         price,
	}
	respBody, status, err := sc.post("/api/v1/internal/prices/dayahead", sc.feedToken, payload)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		sc.stats["da"].failures++
		return fmt.Errorf("DA price publication failed with status %d: %s", status, string(respBody))
	}
	return nil
}

// getOrder retrieves the current state of an order
func (sc *simulationClient) getOrder(orderID string) (map[string]interface{}, error) {
	start := time.Now()
	defer func() {
		sc.stats["get"].addDuration(time.Since(start))
	}()

	respBody, status, err := sc.get("/api/v1/orders/"+orderID, sc.userToken)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		sc.stats["get"].failures++
		return nil, fmt.Errorf("get order failed with status %d: %s", status, string(respBody))
	}

	var result struct {
		Success bool `json:"success"`
		Data    struct {
			Order map[string]interface{} `json:"order"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	return result.Data.Order, nil
}

// getSessionSummary retrieves the trading session view
func (sc *simulationClient) getSessionSummary() (json.RawMessage, error) {
	start := time.Now()
	defer func() {
		sc.stats["session"].addDuration(time.Since(start))
	}()

	respBody, status, err := sc.get("/api/v1/session", sc.userToken)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		sc.stats["session"].failures++
		return nil, fmt.Errorf("session summary failed with status %d: %s", status, string(respBody))
	}
	return respBody, nil
}

func (sc *simulationClient) post(path, token string, payload interface{}) ([]byte, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequest("POST", sc.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.New().String())

	resp, err := sc.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	return respBody, resp.StatusCode, nil
}

func (sc *simulationClient) get(path, token string) ([]byte, int, error) {
	req, err := http.NewRequest("GET", sc.baseURL+path, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := sc.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	return respBody, resp.StatusCode, nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, stats := range sc.stats {
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// randomOrder builds a submission targeting either tomorrow's delivery
// hours (day-ahead) or the upcoming real-time intervals. Buys outnumber
// sells so most orders pass position validation; rejected sells are part
// of the scenario.
func randomOrder(now time.Time) trading.OrderRequest {
	node := nodes[rand.Intn(len(nodes))]
	side := "buy"
	if rand.Intn(4) == 0 {
		side = "sell"
	}

	req := trading.OrderRequest{
		Node:        node,
		Side:        side,
		QuantityMWh: float64(rand.Intn(20)+1) / 2.0,
	}

	if rand.Intn(2) == 0 {
		hour := now.UTC().Truncate(time.Hour).Add(time.Duration(rand.Intn(6)+1) * time.Hour)
		req.Market = "day-ahead"
		req.HourStartUTC = &hour
	} else {
		req.Market = "real-time"
	}

	if rand.Intn(2) == 0 {
		req.Kind = "market"
	} else {
		req.Kind = "limit"
		limit := 35.0 + rand.Float64()*30.0
		req.LimitPrice = &limit
	}

	return req
}

// main runs the exchange simulation: it starts a local API server,
// submits orders from concurrent workers, publishes prices to trigger
// matching, and reports the resulting session state.
func main() {
	go func() {
		if err := startServer(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	simClient, err := newSimulationClient()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	targetOrders := rand.Intn(maxOrders-minOrders) + minOrders
	log.Info().Int("target_orders", targetOrders).Msg("Starting simulation")

	ordersChan := make(chan string, targetOrders)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			createOrdersHTTP(workerID, targetOrders/numWorkers, simClient, ordersChan)
		}(i)
	}

	wg.Wait()
	close(ordersChan)

	var orderIDs []string
	for orderID := range ordersChan {
		orderIDs = append(orderIDs, orderID)
	}
	log.Info().Int("orders_created", len(orderIDs)).Msg("All orders created")

	// Publish prices: a few real-time ticks for the current intervals,
	// then clearing prices for the next hours on every node.
	now := time.Now().UTC()
	slot := interval.Floor(now)
	published := 0
	for _, node := range nodes {
		for i := 0; i < 3; i++ {
			price := 40.0 + rand.Float64()*20.0
			if err := simClient.publishRealTime(node, slot.Add(time.Duration(i)*interval.Length), price); err != nil {
				log.Error().Err(err).Str("node", node).Msg("Failed to publish RT price")
				continue
			}
			published++
		}
		for h := 1; h <= 6; h++ {
			hour := now.Truncate(time.Hour).Add(time.Duration(h) * time.Hour)
			price := 42.0 + rand.Float64()*16.0
			if err := simClient.publishDayAhead(node, hour, price); err != nil {
				log.Error().Err(err).Str("node", node).Msg("Failed to publish DA price")
				continue
			}
			published++
		}
	}
	log.Info().Int("published", published).Msg("Price publications complete")

	// Collect outcome statistics from the orders' final states.
	stats := struct {
		Total     int
		Filled    int
		Pending   int
		Rejected  int
		Cancelled int
		Markets   map[string]int
		Sides     map[string]int
		StartTime time.Time
	}{
		Total:     len(orderIDs),
		Markets:   make(map[string]int),
		Sides:     make(map[string]int),
		StartTime: now,
	}

	for _, orderID := range orderIDs {
		order, err := simClient.getOrder(orderID)
		if err != nil {
			log.Error().Err(err).Str("order_id", orderID).Msg("Failed to fetch order")
			continue
		}
		status, _ := order["status"].(string)
		switch status {
		case "filled":
			stats.Filled++
		case "pending":
			stats.Pending++
		case "rejected":
			stats.Rejected++
		case "cancelled":
			stats.Cancelled++
		}
		if market, ok := order["market"].(string); ok {
			stats.Markets[market]++
		}
		if side, ok := order["side"].(string); ok {
			stats.Sides[side]++
		}
	}

	summary, err := simClient.getSessionSummary()
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch session summary")
	}

	duration := time.Since(stats.StartTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("EXCHANGE SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Order Statistics
----------------
Total Orders:  %d
Filled:        %d
Pending:       %d
Rejected:      %d
Cancelled:     %d
Duration:      %v

Market Distribution
-------------------
`, stats.Total, stats.Filled, stats.Pending, stats.Rejected, stats.Cancelled,
		duration.Round(time.Millisecond))

	for market, count := range stats.Markets {
		bar := strings.Repeat("#", int(float64(count)/float64(stats.Total)*20))
		fmt.Printf("%-10s: %s (%d)\n", market, bar, count)
	}

	fmt.Println("\nSide Distribution")
	fmt.Println("-----------------")
	for side, count := range stats.Sides {
		bar := strings.Repeat("#", int(float64(count)/float64(stats.Total)*20))
		fmt.Printf("%-4s: %s (%d)\n", side, bar, count)
	}

	if summary != nil {
		fmt.Println("\nSession Summary")
		fmt.Println("---------------")
		fmt.Println(string(summary))
	}

	fmt.Println("\n" + strings.Repeat("=", 80))

	log.Info().
		Int("total_orders", stats.Total).
		Int("filled", stats.Filled).
		Int("pending", stats.Pending).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}

// createOrdersHTTP generates and submits random orders to the API.
// Runs as a worker goroutine, sending created order IDs to ordersChan.
func createOrdersHTTP(workerID, numOrders int, simClient *simulationClient, ordersChan chan<- string) {
	for i := 0; i < numOrders; i++ {
		req := randomOrder(time.Now())

		orderID, err := simClient.createOrder(req)
		if err != nil {
			log.Warn().Err(err).
				Int("worker_id", workerID).
				Str("node", req.Node).
				Msg("Order not accepted")
			continue
		}

		ordersChan <- orderID
		log.Info().
			Int("worker_id", workerID).
			Str("order_id", orderID).
			Str("market", req.Market).
			Str("side", req.Side).
			Float64("quantity_mwh", req.QuantityMWh).
			Msg("Order created")

		// Random sleep between orders
		time.Sleep(time.Duration(rand.Intn(200)) * time.Millisecond)
	}
}

// startServer initializes and starts the exchange API server in-process.
// The trading clock is disabled so the scenario runs at any wall time.
func startServer() error {
	cfg := config.FromEnv()
	cfg.ClockDisabled = true
	cfg.DatabasePath = "simulation.db"

	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	tradingClock, err := clock.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize trading clock: %w", err)
	}

	authService := auth.NewService(cfg.JWTSecret)
	authService.RegisterAPICredentials(tradeAPIKey, tradeAPISecret)
	authService.RegisterInternalCredentials(feedAPIKey, feedAPISecret)

	positionManager := position.NewManager(db, cfg.MaxPositionMWh)
	sessionManager := session.NewManager(db, tradingClock, cfg)
	tradingService := trading.NewService(db, tradingClock, positionManager, sessionManager, cfg)
	matchingEngine := matching.NewEngine(db, tradingClock, cfg)
	priceService := prices.NewService(db, matchingEngine)
	settlementEngine := settlement.NewEngine(db, cfg)

	router := gin.Default()
	authHandlers := auth.NewGinHandlers(authService)
	tradingHandlers := trading.NewGinHandlers(tradingService, positionManager)
	sessionHandlers := session.NewGinHandlers(sessionManager)
	priceHandlers := prices.NewGinHandlers(priceService)
	settlementHandlers := settlement.NewGinHandlers(settlementEngine)

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
			orders.GET("/:order_id", tradingHandlers.GetOrderHandler())
			orders.GET("/:order_id/settlement", settlementHandlers.GetOrderSettlementHandler())
		}

		sessionGroup := v1.Group("/session")
		sessionGroup.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			sessionGroup.GET("", sessionHandlers.GetSessionHandler())
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(cfg.JWTSecret))
		{
			internal.POST("/prices/realtime", priceHandlers.IngestRealTimeHandler())
			internal.POST("/prices/dayahead", priceHandlers.IngestDayAheadHandler())
		}
	}

	return router.Run(":8080")
}
