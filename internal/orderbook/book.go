package orderbook

import (
	"errors"

	"github.com/shopspring/decimal"
)

var ErrOrderNotFound = errors.New("order not found in book")

// PriceLevel holds all resting orders at a specific price, FIFO by
// sequence number.
type PriceLevel struct {
	Price  decimal.Decimal
	Orders []*Order
}

func (pl *PriceLevel) TotalAmount() decimal.Decimal {
	total := decimal.Zero
	for _, o := range pl.Orders {
		total = total.Add(o.Remaining())
	}
	return total
}

// Book is the in-memory order book for a single symbol. Bids are sorted
// descending by price, asks ascending, so the best level is always first.
// Within a level orders are FIFO by sequence number.
//
// The book is not safe for concurrent use; the matching engine serializes
// all access per symbol.
type Book struct {
	Symbol string

	bids   []*PriceLevel
	asks   []*PriceLevel
	orders map[string]*Order
}

func New(symbol string) *Book {
	return &Book{
		Symbol: symbol,
		bids:   make([]*PriceLevel, 0),
		asks:   make([]*PriceLevel, 0),
		orders: make(map[string]*Order),
	}
}

// BestOpposing returns the first resting order the incoming side would
// match against: the lowest ask for a buy, the highest bid for a sell.
// Returns nil when that side of the book is empty.
func (b *Book) BestOpposing(incoming Side) *Order {
	levels := b.asks
	if incoming == Sell {
		levels = b.bids
	}
	if len(levels) == 0 {
		return nil
	}
	return levels[0].Orders[0]
}

// Insert places a resting order into the book at its price/sequence
// position. The order must have remaining amount and a non-terminal status.
func (b *Book) Insert(order *Order) {
	b.orders[order.ID] = order

	if order.Side == Buy {
		b.bids = insertIntoLevels(b.bids, order, func(level, incoming decimal.Decimal) bool {
			return level.LessThan(incoming) // bids descending
		})
	} else {
		b.asks = insertIntoLevels(b.asks, order, func(level, incoming decimal.Decimal) bool {
			return level.GreaterThan(incoming) // asks ascending
		})
	}
}

// insertIntoLevels finds or creates the price level for the order.
// worse reports whether an existing level sorts after the incoming price.
func insertIntoLevels(levels []*PriceLevel, order *Order, worse func(level, incoming decimal.Decimal) bool) []*PriceLevel {
	for i, level := range levels {
		if level.Price.Equal(order.Price) {
			level.Orders = append(level.Orders, order)
			return levels
		}
		if worse(level.Price, order.Price) {
			newLevel := &PriceLevel{Price: order.Price, Orders: []*Order{order}}
			return append(levels[:i], append([]*PriceLevel{newLevel}, levels[i:]...)...)
		}
	}
	return append(levels, &PriceLevel{Price: order.Price, Orders: []*Order{order}})
}

// Remove takes an order out of the book, dropping its price level if it
// becomes empty. Used both for fully filled makers and for cancels.
func (b *Book) Remove(orderID string) (*Order, error) {
	order, exists := b.orders[orderID]
	if !exists {
		return nil, ErrOrderNotFound
	}
	delete(b.orders, orderID)

	if order.Side == Buy {
		b.bids = removeFromLevels(b.bids, order)
	} else {
		b.asks = removeFromLevels(b.asks, order)
	}
	return order, nil
}

func removeFromLevels(levels []*PriceLevel, order *Order) []*PriceLevel {
	for i, level := range levels {
		if !level.Price.Equal(order.Price) {
			continue
		}
		for j, o := range level.Orders {
			if o.ID == order.ID {
				level.Orders = append(level.Orders[:j], level.Orders[j+1:]...)
				break
			}
		}
		if len(level.Orders) == 0 {
			return append(levels[:i], levels[i+1:]...)
		}
		return levels
	}
	return levels
}

// Get returns a resting order by ID.
func (b *Book) Get(orderID string) (*Order, bool) {
	order, exists := b.orders[orderID]
	return order, exists
}

// OrdersByUser returns the user's resting orders.
func (b *Book) OrdersByUser(userID string) []*Order {
	var out []*Order
	for _, o := range b.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	return out
}

// AskLiquidityCost walks the ask side and returns the quote cost of buying
// up to amount of base, and the base amount actually available. The engine
// uses this under the symbol lock to compute the exact reservation for a
// market buy.
func (b *Book) AskLiquidityCost(amount decimal.Decimal) (cost, available decimal.Decimal) {
	remaining := amount
	for _, level := range b.asks {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		for _, o := range level.Orders {
			if remaining.LessThanOrEqual(decimal.Zero) {
				break
			}
			take := decimal.Min(remaining, o.Remaining())
			cost = cost.Add(take.Mul(level.Price))
			available = available.Add(take)
			remaining = remaining.Sub(take)
		}
	}
	return cost, available
}

// BestBid returns the highest bid price, or zero if there are no bids.
func (b *Book) BestBid() decimal.Decimal {
	if len(b.bids) == 0 {
		return decimal.Zero
	}
	return b.bids[0].Price
}

// BestAsk returns the lowest ask price, or zero if there are no asks.
func (b *Book) BestAsk() decimal.Decimal {
	if len(b.asks) == 0 {
		return decimal.Zero
	}
	return b.asks[0].Price
}

// Snapshot returns aggregated per-level depth.
type Snapshot struct {
	Symbol string          `json:"symbol"`
	Bids   []LevelSnapshot `json:"bids"`
	Asks   []LevelSnapshot `json:"asks"`
}

type LevelSnapshot struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

func (b *Book) Snapshot() Snapshot {
	snap := Snapshot{
		Symbol: b.Symbol,
		Bids:   make([]LevelSnapshot, len(b.bids)),
		Asks:   make([]LevelSnapshot, len(b.asks)),
	}
	for i, level := range b.bids {
		snap.Bids[i] = LevelSnapshot{Price: level.Price, Amount: level.TotalAmount()}
	}
	for i, level := range b.asks {
		snap.Asks[i] = LevelSnapshot{Price: level.Price, Amount: level.TotalAmount()}
	}
	return snap
}
