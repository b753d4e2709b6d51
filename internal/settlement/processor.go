package settlement

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Processor drives the settlement engine on a fixed cadence, picking up
// delivery hours as their publication delay elapses.
type Processor struct {
	engine       *Engine
	processDelay time.Duration
}

func NewProcessor(engine *Engine, processDelay time.Duration) *Processor {
	return &Processor{
		engine:       engine,
		processDelay: processDelay,
	}
}

// Start begins the settlement processing loop.
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "settlement_processor").Logger()
	logger.Info().Dur("interval", p.processDelay).Msg("starting settlement processor")

	ticker := time.NewTicker(p.processDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down settlement processor")
			return
		case <-ticker.C:
			p.runOnce(ctx, time.Now().UTC())
		}
	}
}

func (p *Processor) runOnce(ctx context.Context, asOf time.Time) {
	logger := log.With().Str("component", "settlement_processor").Logger()

	settled, err := p.engine.SettleMatured(ctx, asOf)
	if err != nil {
		logger.Error().Err(err).Msg("failed to settle matured delivery hours")
		return
	}
	if settled > 0 {
		logger.Info().Int("settled", settled).Msg("settlement pass completed")
	}

	// Credit the previous day's ledger once its last delivery hour has
	// matured. Re-runs are absorbed by the credit-once index.
	prevDay := asOf.Truncate(24 * time.Hour).Add(-24 * time.Hour)
	users, err := p.engine.db.UsersDeliveringOn(prevDay)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list users for daily settlement")
		return
	}
	for _, userID := range users {
		if _, err := p.engine.SettleDay(ctx, userID, prevDay); err != nil {
			logger.Error().Err(err).
				Str("user_id", userID).
				Msg("daily settlement failed")
		}
	}
}
