package store

import (
	"exchange/internal/ledger"

	"github.com/shopspring/decimal"
)

// SaveBalances replaces the persisted balance snapshot. Called on
// shutdown with the ledger's full state.
func (s *Store) SaveBalances(balances []ledger.Balance) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM balances"); err != nil {
		return err
	}
	for _, b := range balances {
		if _, err := tx.Exec(`
			INSERT INTO balances (user_id, asset, available, frozen)
			VALUES (?, ?, ?, ?)`,
			b.User, b.Asset, b.Available.String(), b.Frozen.String(),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadBalances reads the persisted snapshot back into a ledger. Frozen
// funds are restored as available: the orders that reserved them did not
// survive the restart, so nothing holds the reservation anymore.
func (s *Store) LoadBalances(l *ledger.Ledger) error {
	rows, err := s.db.Query("SELECT user_id, asset, available, frozen FROM balances")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var user, asset, availStr, frozenStr string
		if err := rows.Scan(&user, &asset, &availStr, &frozenStr); err != nil {
			return err
		}
		avail, err := decimal.NewFromString(availStr)
		if err != nil {
			return err
		}
		frozen, err := decimal.NewFromString(frozenStr)
		if err != nil {
			return err
		}
		total := avail.Add(frozen)
		if total.IsPositive() {
			if err := l.Deposit(user, asset, total); err != nil {
				return err
			}
		}
	}
	return rows.Err()
}
