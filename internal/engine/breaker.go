package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// Breaker is the per-symbol volatility guard. It tracks the last trade
// price as the reference; a single trade that moves price beyond the
// configured band halts the symbol for a fixed window. Resting orders stay
// in the book during a halt, but no new matches occur.
//
// A Breaker is owned by its symbol's state in the engine and is only
// mutated while the symbol lock is held.
type Breaker struct {
	thresholdBps int64
	haltFor      time.Duration

	ref       decimal.Decimal // zero until the first trade
	haltUntil time.Time       // zero when not halted
}

// BreakerStatus is the externally visible state, safe to hand to callers.
type BreakerStatus struct {
	Symbol         string          `json:"symbol"`
	Halted         bool            `json:"halted"`
	HaltedUntil    *time.Time      `json:"halted_until,omitempty"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
}

// NewBreaker creates a breaker that halts for haltFor whenever a trade
// moves price more than thresholdBps basis points from the reference.
func NewBreaker(thresholdBps int64, haltFor time.Duration) *Breaker {
	return &Breaker{thresholdBps: thresholdBps, haltFor: haltFor}
}

// Halted reports whether matching is currently blocked, clearing an
// expired halt window as a side effect.
func (b *Breaker) Halted(now time.Time) bool {
	if b.haltUntil.IsZero() {
		return false
	}
	if now.Before(b.haltUntil) {
		return true
	}
	b.haltUntil = time.Time{}
	return false
}

// Record observes a completed trade at price. Returns true if the move
// from the reference exceeded the band and the symbol is now halted.
// The trade price always becomes the new reference.
func (b *Breaker) Record(price decimal.Decimal, now time.Time) bool {
	tripped := false
	if !b.ref.IsZero() && b.thresholdBps > 0 {
		// |price-ref| / ref in basis points.
		move := price.Sub(b.ref).Abs().Mul(decimal.NewFromInt(10000))
		if move.GreaterThan(b.ref.Mul(decimal.NewFromInt(b.thresholdBps))) {
			b.haltUntil = now.Add(b.haltFor)
			tripped = true
		}
	}
	b.ref = price
	return tripped
}

// Status is a pure read; it never mutates breaker state, so an expired
// halt simply reads as not halted.
func (b *Breaker) Status(symbol string, now time.Time) BreakerStatus {
	st := BreakerStatus{Symbol: symbol, ReferencePrice: b.ref}
	if !b.haltUntil.IsZero() && now.Before(b.haltUntil) {
		st.Halted = true
		until := b.haltUntil
		st.HaltedUntil = &until
	}
	return st
}

// Reset clears halt state and the reference price. Administrative only.
func (b *Breaker) Reset() {
	b.ref = decimal.Zero
	b.haltUntil = time.Time{}
}
