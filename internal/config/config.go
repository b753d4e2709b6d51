package config

import (
	"os"
	"strconv"
	"time"
)

// Config carries the tunables for the exchange core. Every component is
// constructed against an explicit Config rather than reading the
// environment itself.
type Config struct {
	// Day-ahead order cutoff in home-timezone local time.
	CutoffHour   int
	CutoffMinute int
	CutoffSecond int

	// Market session bounds in home-timezone local time.
	MarketOpenHour     int
	MarketCloseHour    int
	MarketCloseMinute  int

	// HomeTimezone is the IANA name of the trading calendar's timezone.
	HomeTimezone string

	// ClockDisabled forces the clock into the always-open state, the
	// rollback path for the trading-day state machine.
	ClockDisabled bool

	// Order and position limits.
	MaxQuantityMWh   float64
	MaxPositionMWh   float64
	GTCDefaultRTLife time.Duration

	// PublicationDelay is how long after interval close the real-time
	// price is typically published.
	PublicationDelay time.Duration

	StartingCapital float64

	// SettleInterval is the cadence of the background settlement loop.
	SettleInterval time.Duration

	JWTSecret    string
	DatabasePath string
}

// Default returns the configuration used when no environment overrides
// are present: 11:00:00 US Eastern cutoff, 100 MWh limits, $10k capital.
func Default() Config {
	return Config{
		CutoffHour:        11,
		CutoffMinute:      0,
		CutoffSecond:      0,
		MarketOpenHour:    0,
		MarketCloseHour:   23,
		MarketCloseMinute: 59,
		HomeTimezone:      "America/New_York",
		ClockDisabled:     false,
		MaxQuantityMWh:    100.0,
		MaxPositionMWh:    100.0,
		GTCDefaultRTLife:  4 * time.Hour,
		PublicationDelay:  5*time.Minute + 30*time.Second,
		StartingCapital:   10000.0,
		SettleInterval:    5 * time.Minute,
		JWTSecret:         "voltsim-secret-key",
		DatabasePath:      "voltsim.db",
	}
}

// FromEnv builds a Config from the environment, falling back to Default
// for anything unset.
func FromEnv() Config {
	cfg := Default()

	cfg.CutoffHour = envInt("ORDER_CUTOFF_HOUR", cfg.CutoffHour)
	cfg.CutoffMinute = envInt("ORDER_CUTOFF_MINUTE", cfg.CutoffMinute)
	cfg.CutoffSecond = envInt("ORDER_CUTOFF_SECOND", cfg.CutoffSecond)
	cfg.MarketOpenHour = envInt("MARKET_OPEN_HOUR", cfg.MarketOpenHour)
	cfg.MarketCloseHour = envInt("MARKET_CLOSE_HOUR", cfg.MarketCloseHour)
	cfg.MarketCloseMinute = envInt("MARKET_CLOSE_MINUTE", cfg.MarketCloseMinute)

	if tz := os.Getenv("HOME_TIMEZONE"); tz != "" {
		cfg.HomeTimezone = tz
	}
	if v := os.Getenv("TRADING_CLOCK_DISABLED"); v != "" {
		cfg.ClockDisabled = v == "true" || v == "1"
	}

	cfg.MaxQuantityMWh = envFloat("MAX_QUANTITY_MWH", cfg.MaxQuantityMWh)
	cfg.MaxPositionMWh = envFloat("MAX_POSITION_MWH", cfg.MaxPositionMWh)
	cfg.StartingCapital = envFloat("SIM_STARTING_CAPITAL", cfg.StartingCapital)

	if v := envInt("GTC_RT_LIFETIME_HOURS", 0); v > 0 {
		cfg.GTCDefaultRTLife = time.Duration(v) * time.Hour
	}
	if v := envInt("PUBLICATION_DELAY_SECONDS", 0); v > 0 {
		cfg.PublicationDelay = time.Duration(v) * time.Second
	}
	if v := envInt("SETTLE_INTERVAL_SECONDS", 0); v > 0 {
		cfg.SettleInterval = time.Duration(v) * time.Second
	}

	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}

	return cfg
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
