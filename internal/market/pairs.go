// Package market holds trading-pair configuration: which symbols trade,
// at what precision, and with which fee schedule.
package market

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	ErrPairNotFound = errors.New("trading pair not found")
	ErrPairInvalid  = errors.New("invalid trading pair")
)

// Pair is the configuration for one trading pair. Prices are quoted in
// Quote per unit of Base; fees are in basis points of the filled amount.
type Pair struct {
	Symbol      string          `json:"symbol"` // e.g. "BTC/USDT"
	Base        string          `json:"base"`
	Quote       string          `json:"quote"`
	PriceScale  int32           `json:"price_scale"`  // max decimal places for prices
	AmountScale int32           `json:"amount_scale"` // max decimal places for amounts
	MinAmount   decimal.Decimal `json:"min_amount"`
	MinNotional decimal.Decimal `json:"min_notional"` // min price*amount for limit orders
	MakerFeeBps int64           `json:"maker_fee_bps"`
	TakerFeeBps int64           `json:"taker_fee_bps"`
	Active      bool            `json:"active"`
}

// Validate checks internal consistency before a pair is admitted to the
// registry.
func (p Pair) Validate() error {
	if p.Symbol == "" || p.Base == "" || p.Quote == "" {
		return fmt.Errorf("%w: symbol, base and quote are required", ErrPairInvalid)
	}
	if p.Base == p.Quote {
		return fmt.Errorf("%w: base and quote must differ", ErrPairInvalid)
	}
	if p.PriceScale < 0 || p.AmountScale < 0 {
		return fmt.Errorf("%w: scales must be non-negative", ErrPairInvalid)
	}
	if p.MakerFeeBps < 0 || p.TakerFeeBps < 0 {
		return fmt.Errorf("%w: fees must be non-negative", ErrPairInvalid)
	}
	if p.MinAmount.IsNegative() || p.MinNotional.IsNegative() {
		return fmt.Errorf("%w: minimums must be non-negative", ErrPairInvalid)
	}
	return nil
}

// DefaultPair returns a pair for "BASE/QUOTE" with common crypto-spot
// defaults: 2 price decimals, 8 amount decimals, 10/20 bps maker/taker.
func DefaultPair(symbol string) (Pair, error) {
	parts := strings.Split(symbol, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Pair{}, fmt.Errorf("%w: symbol %q must be BASE/QUOTE", ErrPairInvalid, symbol)
	}
	return Pair{
		Symbol:      symbol,
		Base:        parts[0],
		Quote:       parts[1],
		PriceScale:  2,
		AmountScale: 8,
		MinAmount:   decimal.New(1, -8),
		MinNotional: decimal.New(1, -2),
		MakerFeeBps: 10,
		TakerFeeBps: 20,
		Active:      true,
	}, nil
}

// Registry is the owned, synchronized set of configured pairs.
type Registry struct {
	mu    sync.RWMutex
	pairs map[string]Pair
}

func NewRegistry() *Registry {
	return &Registry{pairs: make(map[string]Pair)}
}

// Get returns the configuration for symbol.
func (r *Registry) Get(symbol string) (Pair, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pairs[symbol]
	if !ok {
		return Pair{}, fmt.Errorf("%w: %s", ErrPairNotFound, symbol)
	}
	return p, nil
}

// Upsert adds or replaces a pair after validation.
func (r *Registry) Upsert(p Pair) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pairs[p.Symbol] = p
	return nil
}

// List returns all configured pairs.
func (r *Registry) List() []Pair {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Pair, 0, len(r.pairs))
	for _, p := range r.pairs {
		out = append(out, p)
	}
	return out
}
