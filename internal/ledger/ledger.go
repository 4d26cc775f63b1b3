// Package ledger tracks available and frozen balances per (user, asset).
// Every operation is atomic with respect to concurrent callers on the same
// key; operations on disjoint keys do not block each other.
package ledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInvariant signals a ledger underflow that should be impossible:
	// a release or frozen debit larger than the frozen amount. It is never
	// clamped; callers must treat it as fatal to the operation.
	ErrInvariant = errors.New("ledger invariant violation")
	ErrBadAmount = errors.New("amount must be positive")
)

type key struct {
	user  string
	asset string
}

type entry struct {
	k         key
	mu        sync.Mutex
	available decimal.Decimal
	frozen    decimal.Decimal
}

// Balance is a read-only snapshot of one (user, asset) entry.
type Balance struct {
	User      string          `json:"user"`
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Frozen    decimal.Decimal `json:"frozen"`
}

// Ledger holds all balance entries. The outer map is guarded by mu;
// each entry serializes its own mutations so disjoint keys do not contend.
type Ledger struct {
	mu      sync.RWMutex
	entries map[key]*entry
}

func New() *Ledger {
	return &Ledger{entries: make(map[key]*entry)}
}

func (l *Ledger) get(user, asset string) *entry {
	k := key{user, asset}

	l.mu.RLock()
	e, ok := l.entries[k]
	l.mu.RUnlock()
	if ok {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok = l.entries[k]; ok {
		return e
	}
	e = &entry{k: k}
	l.entries[k] = e
	return e
}

// Deposit credits available balance. This is an external operation: it is
// the only way (besides Withdraw) that an asset's total across all users
// changes.
func (l *Ledger) Deposit(user, asset string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrBadAmount
	}
	e := l.get(user, asset)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.available = e.available.Add(amount)
	return nil
}

// Withdraw debits available balance, failing if the user does not have it.
func (l *Ledger) Withdraw(user, asset string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrBadAmount
	}
	e := l.get(user, asset)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.available.LessThan(amount) {
		return fmt.Errorf("%w: withdraw %s %s for %s", ErrInsufficientBalance, amount, asset, user)
	}
	e.available = e.available.Sub(amount)
	return nil
}

// Freeze moves amount from available to frozen, all or nothing.
func (l *Ledger) Freeze(user, asset string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrBadAmount
	}
	e := l.get(user, asset)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.available.LessThan(amount) {
		return fmt.Errorf("%w: freeze %s %s for %s", ErrInsufficientBalance, amount, asset, user)
	}
	e.available = e.available.Sub(amount)
	e.frozen = e.frozen.Add(amount)
	return nil
}

// Release moves amount from frozen back to available. A release larger
// than the frozen amount indicates a bookkeeping bug and fails with
// ErrInvariant rather than clamping.
func (l *Ledger) Release(user, asset string, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	if amount.IsNegative() {
		return ErrBadAmount
	}
	e := l.get(user, asset)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.frozen.LessThan(amount) {
		return fmt.Errorf("%w: release %s %s for %s exceeds frozen %s", ErrInvariant, amount, asset, user, e.frozen)
	}
	e.frozen = e.frozen.Sub(amount)
	e.available = e.available.Add(amount)
	return nil
}

// Settle atomically debits one user and credits another for the same
// asset. When fromFrozen is set the debit comes out of the debit user's
// frozen balance (the amount was previously reserved); otherwise out of
// available. The credit always lands in available. A frozen debit larger
// than the frozen amount is an ErrInvariant.
func (l *Ledger) Settle(debitUser, creditUser, asset string, amount decimal.Decimal, fromFrozen bool) error {
	if amount.IsZero() {
		return nil
	}
	if amount.IsNegative() {
		return ErrBadAmount
	}

	debit := l.get(debitUser, asset)
	credit := l.get(creditUser, asset)

	lockPair(debit, credit)
	defer unlockPair(debit, credit)

	if fromFrozen {
		if debit.frozen.LessThan(amount) {
			return fmt.Errorf("%w: settle %s %s from frozen for %s exceeds frozen %s", ErrInvariant, amount, asset, debitUser, debit.frozen)
		}
		debit.frozen = debit.frozen.Sub(amount)
	} else {
		if debit.available.LessThan(amount) {
			return fmt.Errorf("%w: settle %s %s for %s", ErrInsufficientBalance, amount, asset, debitUser)
		}
		debit.available = debit.available.Sub(amount)
	}
	credit.available = credit.available.Add(amount)
	return nil
}

// lockPair acquires both entry locks in a stable order so concurrent
// settlements between the same two entries cannot deadlock.
func lockPair(a, b *entry) {
	if a == b {
		a.mu.Lock()
		return
	}
	if entryOrder(a, b) {
		a.mu.Lock()
		b.mu.Lock()
	} else {
		b.mu.Lock()
		a.mu.Lock()
	}
}

func unlockPair(a, b *entry) {
	if a == b {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()
	b.mu.Unlock()
}

func entryOrder(a, b *entry) bool {
	if a.k.user != b.k.user {
		return a.k.user < b.k.user
	}
	return a.k.asset < b.k.asset
}

// Get returns a snapshot of one entry. Missing entries read as zero.
func (l *Ledger) Get(user, asset string) Balance {
	e := l.get(user, asset)
	e.mu.Lock()
	defer e.mu.Unlock()
	return Balance{User: user, Asset: asset, Available: e.available, Frozen: e.frozen}
}

// BalancesForUser returns all non-zero entries for one user.
func (l *Ledger) BalancesForUser(user string) []Balance {
	l.mu.RLock()
	keys := make([]key, 0)
	for k := range l.entries {
		if k.user == user {
			keys = append(keys, k)
		}
	}
	l.mu.RUnlock()

	out := make([]Balance, 0, len(keys))
	for _, k := range keys {
		b := l.Get(k.user, k.asset)
		if !b.Available.IsZero() || !b.Frozen.IsZero() {
			out = append(out, b)
		}
	}
	return out
}

// TotalByAsset sums available+frozen across all users for one asset.
// Matching and freezing must never change this total; only Deposit and
// Withdraw may.
func (l *Ledger) TotalByAsset(asset string) decimal.Decimal {
	l.mu.RLock()
	keys := make([]key, 0)
	for k := range l.entries {
		if k.asset == asset {
			keys = append(keys, k)
		}
	}
	l.mu.RUnlock()

	total := decimal.Zero
	for _, k := range keys {
		b := l.Get(k.user, k.asset)
		total = total.Add(b.Available).Add(b.Frozen)
	}
	return total
}

// Snapshot returns every non-zero entry, for persistence on shutdown.
func (l *Ledger) Snapshot() []Balance {
	l.mu.RLock()
	keys := make([]key, 0, len(l.entries))
	for k := range l.entries {
		keys = append(keys, k)
	}
	l.mu.RUnlock()

	out := make([]Balance, 0, len(keys))
	for _, k := range keys {
		b := l.Get(k.user, k.asset)
		if !b.Available.IsZero() || !b.Frozen.IsZero() {
			out = append(out, b)
		}
	}
	return out
}
