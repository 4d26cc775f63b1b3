package engine

import "errors"

// Failure taxonomy for order placement and cancellation. Every rejection
// carries one of these so callers can map outcomes without string
// matching; there is deliberately no generic catch-all.
var (
	// ErrValidation covers malformed or out-of-bounds order parameters.
	// Rejected before any state is mutated.
	ErrValidation = errors.New("order validation failed")
	// ErrTradingHalted means the symbol's circuit breaker is active.
	ErrTradingHalted = errors.New("trading halted by circuit breaker")
	// ErrOrderNotFound means the order id is unknown.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderTerminal means the order is already filled or cancelled.
	ErrOrderTerminal = errors.New("order already terminal")
)
