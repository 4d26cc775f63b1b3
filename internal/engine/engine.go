// Package engine matches orders per symbol with price-time priority,
// settling balances through the ledger and guarding each symbol with a
// volatility circuit breaker.
package engine

import (
	"fmt"
	"log"
	"sync"
	"time"

	"exchange/internal/ledger"
	"exchange/internal/market"
	"exchange/internal/orderbook"
	"exchange/internal/sequence"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TradeRecorder receives each trade immediately after its fill settles,
// one record per match, so partial progress is observable even if a later
// step of the same incoming order fails.
type TradeRecorder interface {
	RecordTrade(trade *orderbook.Trade) error
}

// OrderRecorder persists order state transitions and serves lookups for
// orders that are no longer resting in any book.
type OrderRecorder interface {
	RecordOrder(order *orderbook.Order) error
	GetOrder(id string) (*orderbook.Order, error)
}

// Config carries engine-wide settings.
type Config struct {
	// FeeAccount is the ledger user credited with all collected fees.
	FeeAccount string
	// BreakerThresholdBps is the basis-point move that trips a symbol's
	// circuit breaker; 0 disables it.
	BreakerThresholdBps int64
	// BreakerHaltFor is how long matching stays halted after a trip.
	BreakerHaltFor time.Duration
}

func DefaultConfig() Config {
	return Config{
		FeeAccount:          "exchange:fees",
		BreakerThresholdBps: 1000, // 10%
		BreakerHaltFor:      5 * time.Minute,
	}
}

// symbolState owns one symbol's book and breaker. All matching for the
// symbol serializes on mu; different symbols proceed in parallel.
type symbolState struct {
	mu      sync.Mutex
	book    *orderbook.Book
	breaker *Breaker
}

// Engine is the per-symbol order matching engine.
type Engine struct {
	pairs    *market.Registry
	ledger   *ledger.Ledger
	orderSeq *sequence.Sequencer
	tradeSeq *sequence.Sequencer
	trades   TradeRecorder
	orders   OrderRecorder
	cfg      Config

	mu      sync.RWMutex
	symbols map[string]*symbolState
	resting map[string]string // resting order id -> symbol
}

// New creates an engine. trades and orders may be nil, in which case
// nothing is persisted (unit tests).
func New(pairs *market.Registry, l *ledger.Ledger, trades TradeRecorder, orders OrderRecorder, cfg Config) *Engine {
	return &Engine{
		pairs:    pairs,
		ledger:   l,
		orderSeq: sequence.New(0),
		tradeSeq: sequence.New(0),
		trades:   trades,
		orders:   orders,
		cfg:      cfg,
		symbols:  make(map[string]*symbolState),
		resting:  make(map[string]string),
	}
}

func (e *Engine) symbol(symbol string) *symbolState {
	e.mu.RLock()
	st, ok := e.symbols[symbol]
	e.mu.RUnlock()
	if ok {
		return st
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok = e.symbols[symbol]; ok {
		return st
	}
	st = &symbolState{
		book:    orderbook.New(symbol),
		breaker: NewBreaker(e.cfg.BreakerThresholdBps, e.cfg.BreakerHaltFor),
	}
	e.symbols[symbol] = st
	return st
}

func (e *Engine) setResting(orderID, symbol string) {
	e.mu.Lock()
	e.resting[orderID] = symbol
	e.mu.Unlock()
}

func (e *Engine) dropResting(orderID string) {
	e.mu.Lock()
	delete(e.resting, orderID)
	e.mu.Unlock()
}

// ProcessOrder validates, reserves, matches and finally rests or finalizes
// a new order. It returns a snapshot of the order's state after matching,
// or a typed failure with no side effects for validation and balance
// rejections.
func (e *Engine) ProcessOrder(userID, symbol string, side orderbook.Side, typ orderbook.OrderType, price, amount decimal.Decimal) (*orderbook.Order, error) {
	pair, err := e.validate(userID, symbol, side, typ, price, amount)
	if err != nil {
		return nil, err
	}

	st := e.symbol(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()

	// Reserve before touching book or breaker. Buy orders reserve quote,
	// sell orders reserve base. Market buys reserve the exact cost of the
	// liquidity they can consume, computed under the symbol lock so the
	// book cannot change between estimate and match.
	reserveAsset := pair.Base
	reserved := amount
	if side == orderbook.Buy {
		reserveAsset = pair.Quote
		if typ == orderbook.Market {
			reserved, _ = st.book.AskLiquidityCost(amount)
		} else {
			reserved = price.Mul(amount)
		}
	}
	if reserved.IsPositive() {
		if err := e.ledger.Freeze(userID, reserveAsset, reserved); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	if st.breaker.Halted(now) {
		if reserved.IsPositive() {
			if err := e.ledger.Release(userID, reserveAsset, reserved); err != nil {
				log.Printf("[ENGINE] release after halt rejection failed: %v", err)
				return nil, err
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrTradingHalted, symbol)
	}

	// The order is accepted: assign its sequence. Time priority within the
	// symbol follows this number, not arrival-race order.
	order := &orderbook.Order{
		ID:        uuid.New().String(),
		Seq:       e.orderSeq.Next(),
		UserID:    userID,
		Symbol:    symbol,
		Side:      side,
		Type:      typ,
		Price:     price,
		Amount:    amount,
		Filled:    decimal.Zero,
		Status:    orderbook.Open,
		CreatedAt: now,
		UpdatedAt: now,
	}

	spent, err := e.match(st, pair, order)

	// Reconcile the reservation: keep what a resting remainder still
	// needs, release everything else (price improvement surplus, the
	// unmatched part of market/IOC orders, or a mid-walk halt remainder).
	rest := typ == orderbook.Limit && order.Remaining().IsPositive()
	keep := decimal.Zero
	if rest {
		keep = order.Remaining()
		if side == orderbook.Buy {
			keep = order.Remaining().Mul(price)
		}
	}
	leftover := reserved.Sub(spent).Sub(keep)
	if leftover.IsPositive() {
		if relErr := e.ledger.Release(userID, reserveAsset, leftover); relErr != nil {
			log.Printf("[ENGINE] reservation release failed for order %s: %v", order.ID, relErr)
			if err == nil {
				err = relErr
			}
		}
	}

	if rest {
		st.book.Insert(order)
		e.setResting(order.ID, symbol)
	} else if order.Remaining().IsPositive() {
		// Market and IOC remainders never rest.
		if order.Filled.IsPositive() {
			order.Status = orderbook.Filled
		} else {
			order.Status = orderbook.Cancelled
		}
		order.UpdatedAt = time.Now()
	}

	e.recordOrder(order)

	out := *order
	return &out, err
}

// validate rejects malformed orders before any state is mutated.
func (e *Engine) validate(userID, symbol string, side orderbook.Side, typ orderbook.OrderType, price, amount decimal.Decimal) (market.Pair, error) {
	if userID == "" {
		return market.Pair{}, fmt.Errorf("%w: user id required", ErrValidation)
	}
	pair, err := e.pairs.Get(symbol)
	if err != nil {
		return market.Pair{}, fmt.Errorf("%w: unknown symbol %s", ErrValidation, symbol)
	}
	if !pair.Active {
		return market.Pair{}, fmt.Errorf("%w: %s is not active", ErrValidation, symbol)
	}
	if !amount.IsPositive() {
		return market.Pair{}, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if !amount.Equal(amount.Truncate(pair.AmountScale)) {
		return market.Pair{}, fmt.Errorf("%w: amount exceeds %d decimal places", ErrValidation, pair.AmountScale)
	}
	if amount.LessThan(pair.MinAmount) {
		return market.Pair{}, fmt.Errorf("%w: amount below minimum %s", ErrValidation, pair.MinAmount)
	}
	if typ == orderbook.Market {
		return pair, nil
	}
	if !price.IsPositive() {
		return market.Pair{}, fmt.Errorf("%w: price must be positive", ErrValidation)
	}
	if !price.Equal(price.Truncate(pair.PriceScale)) {
		return market.Pair{}, fmt.Errorf("%w: price exceeds %d decimal places", ErrValidation, pair.PriceScale)
	}
	if price.Mul(amount).LessThan(pair.MinNotional) {
		return market.Pair{}, fmt.Errorf("%w: notional below minimum %s", ErrValidation, pair.MinNotional)
	}
	return pair, nil
}

// match walks the opposing side of the book, settling one fill at a time.
// It returns how much of the taker's reservation was consumed. The caller
// holds the symbol lock.
func (e *Engine) match(st *symbolState, pair market.Pair, order *orderbook.Order) (decimal.Decimal, error) {
	spent := decimal.Zero

	for order.Remaining().IsPositive() {
		maker := st.book.BestOpposing(order.Side)
		if maker == nil {
			break
		}
		if order.Type != orderbook.Market && !crosses(order.Side, order.Price, maker.Price) {
			break
		}

		qty := decimal.Min(order.Remaining(), maker.Remaining())
		// Maker-price rule: the trade executes at the resting order's price.
		tradePrice := maker.Price
		quoteAmt := tradePrice.Mul(qty)

		var buyerID, sellerID string
		var buyerFeeBps, sellerFeeBps int64
		if order.Side == orderbook.Buy {
			buyerID, sellerID = order.UserID, maker.UserID
			buyerFeeBps, sellerFeeBps = pair.TakerFeeBps, pair.MakerFeeBps
		} else {
			buyerID, sellerID = maker.UserID, order.UserID
			buyerFeeBps, sellerFeeBps = pair.MakerFeeBps, pair.TakerFeeBps
		}

		// Each side pays its fee on the asset it receives, rounded up at
		// the asset's settlement scale and credited to the fee account.
		// Splitting the legs this way keeps per-asset totals conserved:
		// the payer's frozen funds cover both the counterparty's net and
		// the fee.
		buyerFee := feeAmount(qty, buyerFeeBps, pair.AmountScale)
		sellerFee := feeAmount(quoteAmt, sellerFeeBps, pair.PriceScale+pair.AmountScale)

		// Quote leg: buyer's frozen quote pays the seller net of the
		// seller's fee, plus the fee account.
		if err := e.ledger.Settle(buyerID, sellerID, pair.Quote, quoteAmt.Sub(sellerFee), true); err != nil {
			log.Printf("[ENGINE] quote leg settle failed on %s: %v", order.Symbol, err)
			return spent, err
		}
		if err := e.ledger.Settle(buyerID, e.cfg.FeeAccount, pair.Quote, sellerFee, true); err != nil {
			log.Printf("[ENGINE] quote fee settle failed on %s: %v", order.Symbol, err)
			return spent, err
		}
		// Base leg: seller's frozen base pays the buyer net of the
		// buyer's fee, plus the fee account.
		if err := e.ledger.Settle(sellerID, buyerID, pair.Base, qty.Sub(buyerFee), true); err != nil {
			log.Printf("[ENGINE] base leg settle failed on %s: %v", order.Symbol, err)
			return spent, err
		}
		if err := e.ledger.Settle(sellerID, e.cfg.FeeAccount, pair.Base, buyerFee, true); err != nil {
			log.Printf("[ENGINE] base fee settle failed on %s: %v", order.Symbol, err)
			return spent, err
		}

		if order.Side == orderbook.Buy {
			spent = spent.Add(quoteAmt)
		} else {
			spent = spent.Add(qty)
		}

		now := time.Now()
		order.Filled = order.Filled.Add(qty)
		order.UpdatedAt = now
		if order.IsFilled() {
			order.Status = orderbook.Filled
		} else {
			order.Status = orderbook.PartiallyFilled
		}

		maker.Filled = maker.Filled.Add(qty)
		maker.UpdatedAt = now
		if maker.IsFilled() {
			maker.Status = orderbook.Filled
			st.book.Remove(maker.ID)
			e.dropResting(maker.ID)
		} else {
			maker.Status = orderbook.PartiallyFilled
		}
		e.recordOrder(maker)

		trade := &orderbook.Trade{
			ID:           uuid.New().String(),
			Seq:          e.tradeSeq.Next(),
			Symbol:       order.Symbol,
			Price:        tradePrice,
			Amount:       qty,
			MakerOrderID: maker.ID,
			TakerOrderID: order.ID,
			MakerUserID:  maker.UserID,
			TakerUserID:  order.UserID,
			Timestamp:    now,
		}
		if order.Side == orderbook.Buy {
			trade.TakerFee = buyerFee
			trade.MakerFee = sellerFee
		} else {
			trade.TakerFee = sellerFee
			trade.MakerFee = buyerFee
		}
		e.recordTrade(trade)

		// A single incoming order can trip the breaker mid-walk; stop
		// matching immediately. Completed fills stand.
		if st.breaker.Record(tradePrice, now) {
			log.Printf("[BREAKER] %s halted after trade at %s", order.Symbol, tradePrice)
			break
		}
	}

	return spent, nil
}

func crosses(side orderbook.Side, takerPrice, makerPrice decimal.Decimal) bool {
	if side == orderbook.Buy {
		return takerPrice.GreaterThanOrEqual(makerPrice)
	}
	return takerPrice.LessThanOrEqual(makerPrice)
}

// feeAmount computes bps of amount, rounded up at scale so fees are never
// rounded in the user's favor.
func feeAmount(amount decimal.Decimal, bps int64, scale int32) decimal.Decimal {
	if bps == 0 || !amount.IsPositive() {
		return decimal.Zero
	}
	return amount.Mul(decimal.New(bps, -4)).RoundUp(scale)
}

// CancelOrder removes a resting order, releases its remaining reservation
// and marks it cancelled. A cancel racing a concurrent fill loses cleanly:
// whichever observes the order first wins, the other reports the outcome.
func (e *Engine) CancelOrder(orderID string) (*orderbook.Order, error) {
	e.mu.RLock()
	symbol, ok := e.resting[orderID]
	e.mu.RUnlock()
	if !ok {
		return nil, e.terminalOrNotFound(orderID)
	}

	st := e.symbol(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()

	order, err := st.book.Remove(orderID)
	if err != nil {
		// Lost the race: the order matched away between the index read
		// and acquiring the symbol lock.
		return nil, e.terminalOrNotFound(orderID)
	}
	e.dropResting(orderID)

	pair, perr := e.pairs.Get(symbol)
	if perr != nil {
		return nil, perr
	}
	remaining := order.Remaining()
	asset := pair.Base
	if order.Side == orderbook.Buy {
		asset = pair.Quote
		remaining = remaining.Mul(order.Price)
	}
	if remaining.IsPositive() {
		if err := e.ledger.Release(order.UserID, asset, remaining); err != nil {
			log.Printf("[ENGINE] release on cancel failed for order %s: %v", orderID, err)
			return nil, err
		}
	}

	order.Status = orderbook.Cancelled
	order.UpdatedAt = time.Now()
	e.recordOrder(order)

	out := *order
	return &out, nil
}

func (e *Engine) terminalOrNotFound(orderID string) error {
	if e.orders != nil {
		if o, err := e.orders.GetOrder(orderID); err == nil && o.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrOrderTerminal, orderID, o.Status)
		}
	}
	return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
}

// BookSnapshot returns the symbol's current depth.
func (e *Engine) BookSnapshot(symbol string) orderbook.Snapshot {
	st := e.symbol(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.book.Snapshot()
}

// OpenOrders returns copies of the user's resting orders for a symbol.
func (e *Engine) OpenOrders(symbol, userID string) []orderbook.Order {
	st := e.symbol(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()

	orders := st.book.OrdersByUser(userID)
	out := make([]orderbook.Order, 0, len(orders))
	for _, o := range orders {
		out = append(out, *o)
	}
	return out
}

// BreakerStatus is a pure read of the symbol's circuit breaker.
func (e *Engine) BreakerStatus(symbol string) BreakerStatus {
	st := e.symbol(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.breaker.Status(symbol, time.Now())
}

// ResetBreaker clears halt state and reference price for one symbol.
// Administrative and test use only.
func (e *Engine) ResetBreaker(symbol string) {
	st := e.symbol(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.breaker.Reset()
}

// ResetAllBreakers clears every symbol's breaker.
func (e *Engine) ResetAllBreakers() {
	e.mu.RLock()
	symbols := make([]string, 0, len(e.symbols))
	for s := range e.symbols {
		symbols = append(symbols, s)
	}
	e.mu.RUnlock()

	for _, s := range symbols {
		e.ResetBreaker(s)
	}
}

func (e *Engine) recordTrade(trade *orderbook.Trade) {
	if e.trades == nil {
		return
	}
	if err := e.trades.RecordTrade(trade); err != nil {
		log.Printf("[STORE] failed to record trade %s: %v", trade.ID, err)
	}
}

func (e *Engine) recordOrder(order *orderbook.Order) {
	if e.orders == nil {
		return
	}
	o := *order
	if err := e.orders.RecordOrder(&o); err != nil {
		log.Printf("[STORE] failed to record order %s: %v", order.ID, err)
	}
}
