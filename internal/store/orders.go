package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"exchange/internal/orderbook"

	"github.com/shopspring/decimal"
)

var ErrOrderNotFound = errors.New("order not found")

// RecordOrder upserts the order's current state. The engine calls this on
// every transition, so the row always reflects the latest status.
func (s *Store) RecordOrder(o *orderbook.Order) error {
	_, err := s.db.Exec(`
		INSERT INTO orders (id, seq, user_id, symbol, side, type, price, amount, filled, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			filled = excluded.filled,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		o.ID, o.Seq, o.UserID, o.Symbol, o.Side.String(), o.Type.String(),
		o.Price.String(), o.Amount.String(), o.Filled.String(), o.Status.String(),
		o.CreatedAt, o.UpdatedAt,
	)
	return err
}

// GetOrder returns the recorded state of one order.
func (s *Store) GetOrder(id string) (*orderbook.Order, error) {
	row := s.db.QueryRow(`
		SELECT id, seq, user_id, symbol, side, type, price, amount, filled, status, created_at, updated_at
		FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	return o, err
}

// OrdersByUser returns the user's orders, newest first.
func (s *Store) OrdersByUser(userID string, limit int) ([]*orderbook.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, seq, user_id, symbol, side, type, price, amount, filled, status, created_at, updated_at
		FROM orders WHERE user_id = ? ORDER BY seq DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*orderbook.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*orderbook.Order, error) {
	var (
		o                                        orderbook.Order
		side, typ, price, amount, filled, status string
		createdAt, updatedAt                     time.Time
	)
	err := row.Scan(&o.ID, &o.Seq, &o.UserID, &o.Symbol, &side, &typ,
		&price, &amount, &filled, &status, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if o.Side, err = orderbook.ParseSide(side); err != nil {
		return nil, err
	}
	if o.Type, err = orderbook.ParseOrderType(typ); err != nil {
		return nil, err
	}
	if o.Status, err = orderbook.ParseStatus(status); err != nil {
		return nil, err
	}
	if o.Price, err = decimal.NewFromString(price); err != nil {
		return nil, err
	}
	if o.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	if o.Filled, err = decimal.NewFromString(filled); err != nil {
		return nil, err
	}
	o.CreatedAt = createdAt
	o.UpdatedAt = updatedAt
	return &o, nil
}
