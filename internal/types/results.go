package types

import "time"

// MatchOutcome tags the result of processing one order against one price
// event.
type MatchOutcome string

const (
	OutcomeFilled           MatchOutcome = "filled"
	OutcomeRejected         MatchOutcome = "rejected"
	OutcomeNoFill           MatchOutcome = "no_fill"
	OutcomeExpired          MatchOutcome = "expired"
	OutcomeAlreadyProcessed MatchOutcome = "already_processed"
	OutcomeError            MatchOutcome = "error"
)

// OrderOutcome is the per-order result inside a matching batch.
type OrderOutcome struct {
	OrderID        string       `json:"order_id"`
	Outcome        MatchOutcome `json:"outcome"`
	FilledPrice    float64      `json:"filled_price,omitempty"`
	FilledQuantity float64      `json:"filled_quantity,omitempty"`
	Reason         string       `json:"reason,omitempty"`
}

// MatchResult summarizes one atomic matching pass over a price event.
type MatchResult struct {
	Node         string         `json:"node"`
	Market       Market         `json:"market"`
	TimestampUTC time.Time      `json:"timestamp_utc"`
	EventPrice   float64        `json:"event_price"`
	Matched      int            `json:"matched"`
	Filled       int            `json:"filled"`
	Rejected     int            `json:"rejected"`
	Expired      int            `json:"expired"`
	Errors       int            `json:"errors"`
	ProcessingMS float64        `json:"processing_time_ms"`
	Outcomes     []OrderOutcome `json:"outcomes"`
}
