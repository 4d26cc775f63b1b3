package store

import (
	"time"

	"exchange/internal/orderbook"

	"github.com/shopspring/decimal"
)

// RecordTrade inserts one fill. Trades are immutable; a duplicate id is
// an error.
func (s *Store) RecordTrade(t *orderbook.Trade) error {
	_, err := s.db.Exec(`
		INSERT INTO trades (id, seq, symbol, price, amount, maker_order_id, taker_order_id,
			maker_user_id, taker_user_id, maker_fee, taker_fee, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Seq, t.Symbol, t.Price.String(), t.Amount.String(),
		t.MakerOrderID, t.TakerOrderID, t.MakerUserID, t.TakerUserID,
		t.MakerFee.String(), t.TakerFee.String(), t.Timestamp,
	)
	return err
}

// RecentTrades returns the symbol's latest trades, newest first.
func (s *Store) RecentTrades(symbol string, limit int) ([]*orderbook.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, seq, symbol, price, amount, maker_order_id, taker_order_id,
			maker_user_id, taker_user_id, maker_fee, taker_fee, timestamp
		FROM trades WHERE symbol = ? ORDER BY seq DESC LIMIT ?`, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*orderbook.Trade
	for rows.Next() {
		var (
			t                               orderbook.Trade
			price, amount, makerF, takerF   string
			ts                              time.Time
		)
		if err := rows.Scan(&t.ID, &t.Seq, &t.Symbol, &price, &amount,
			&t.MakerOrderID, &t.TakerOrderID, &t.MakerUserID, &t.TakerUserID,
			&makerF, &takerF, &ts); err != nil {
			return nil, err
		}
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		if t.MakerFee, err = decimal.NewFromString(makerF); err != nil {
			return nil, err
		}
		if t.TakerFee, err = decimal.NewFromString(takerF); err != nil {
			return nil, err
		}
		t.Timestamp = ts
		out = append(out, &t)
	}
	return out, rows.Err()
}
