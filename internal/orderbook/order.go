package orderbook

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func ParseSide(s string) (Side, error) {
	switch s {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	default:
		return 0, fmt.Errorf("unknown side %q", s)
	}
}

func (s Side) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

func (s *Side) UnmarshalJSON(b []byte) error {
	v, err := ParseSide(unquote(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

type OrderType int

const (
	Limit OrderType = iota
	Market
	// IOC is a limit order that matches what it can immediately and
	// never rests in the book.
	IOC
)

func (t OrderType) String() string {
	switch t {
	case Limit:
		return "limit"
	case Market:
		return "market"
	case IOC:
		return "ioc"
	default:
		return "unknown"
	}
}

func ParseOrderType(s string) (OrderType, error) {
	switch s {
	case "limit":
		return Limit, nil
	case "market":
		return Market, nil
	case "ioc":
		return IOC, nil
	default:
		return 0, fmt.Errorf("unknown order type %q", s)
	}
}

func (t OrderType) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

func (t *OrderType) UnmarshalJSON(b []byte) error {
	v, err := ParseOrderType(unquote(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

type Status int

const (
	Open Status = iota
	PartiallyFilled
	Filled
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Open:
		return "open"
	case PartiallyFilled:
		return "partially_filled"
	case Filled:
		return "filled"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is absorbing. Filled and Cancelled
// orders never transition again.
func (s Status) Terminal() bool {
	return s == Filled || s == Cancelled
}

func ParseStatus(s string) (Status, error) {
	switch s {
	case "open":
		return Open, nil
	case "partially_filled":
		return PartiallyFilled, nil
	case "filled":
		return Filled, nil
	case "cancelled":
		return Cancelled, nil
	default:
		return 0, fmt.Errorf("unknown status %q", s)
	}
}

func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

func (s *Status) UnmarshalJSON(b []byte) error {
	v, err := ParseStatus(unquote(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func unquote(b []byte) string {
	if len(b) >= 2 && b[0] == '"' && b[len(b)-1] == '"' {
		return string(b[1 : len(b)-1])
	}
	return string(b)
}

// Order is a single buy or sell instruction. Seq is assigned when the
// order is accepted into matching and is the time-priority tie-breaker;
// ID is the stable external identifier.
type Order struct {
	ID        string          `json:"id"`
	Seq       uint64          `json:"seq"`
	UserID    string          `json:"user_id"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Type      OrderType       `json:"type"`
	Price     decimal.Decimal `json:"price"` // zero for market orders
	Amount    decimal.Decimal `json:"amount"`
	Filled    decimal.Decimal `json:"filled"`
	Status    Status          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (o *Order) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.Filled)
}

func (o *Order) IsFilled() bool {
	return o.Filled.GreaterThanOrEqual(o.Amount)
}

// Trade is one fill between a resting (maker) order and an incoming
// (taker) order. Price is always the maker's price. Immutable once created.
type Trade struct {
	ID           string          `json:"id"`
	Seq          uint64          `json:"seq"`
	Symbol       string          `json:"symbol"`
	Price        decimal.Decimal `json:"price"`
	Amount       decimal.Decimal `json:"amount"`
	MakerOrderID string          `json:"maker_order_id"`
	TakerOrderID string          `json:"taker_order_id"`
	MakerUserID  string          `json:"maker_user_id"`
	TakerUserID  string          `json:"taker_user_id"`
	MakerFee     decimal.Decimal `json:"maker_fee"`
	TakerFee     decimal.Decimal `json:"taker_fee"`
	Timestamp    time.Time       `json:"timestamp"`
}
