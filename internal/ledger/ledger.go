// Package ledger keeps per-user integer balances. Every mutation is a
// conditional read-modify-write on the user's balance record; nothing here
// touches more than one key.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"

	"github.com/potshot/pool-engine/internal/kv"
	"github.com/potshot/pool-engine/internal/model"
)

// UpdateFunc maps the current balance to the next one, or rejects. It may
// be called several times and must not have side effects.
type UpdateFunc func(balance int64) (int64, error)

// Ledger is the Balance Ledger.
type Ledger struct {
	kv *kv.Client
}

// New returns a Ledger over c.
func New(c *kv.Client) *Ledger {
	return &Ledger{kv: c}
}

// Open creates the balance record with initial if absent and returns the
// current record either way. An existing balance is never reset.
func (l *Ledger) Open(ctx context.Context, userID string, initial int64) (*model.Balance, error) {
	if userID == "" {
		return nil, model.Invalid("user id is required")
	}
	if initial < 0 {
		return nil, model.Invalid("initial balance %d is negative", initial)
	}

	var out *model.Balance
	_, err := l.kv.Update(ctx, model.BalancePath(userID), func(cur kv.Entry) ([]byte, error) {
		if cur.Exists() {
			b, err := model.ParseBalance(cur.Value)
			if err != nil {
				return nil, err
			}
			out = b
			return nil, kv.ErrNoChange
		}
		out = &model.Balance{UserID: userID, Balance: initial}
		return json.Marshal(out)
	})
	if err != nil {
		return nil, fmt.Errorf("open balance %s: %w", userID, err)
	}
	return out, nil
}

// Balance returns the user's balance record.
func (l *Ledger) Balance(ctx context.Context, userID string) (*model.Balance, error) {
	e, err := l.kv.Get(ctx, model.BalancePath(userID))
	if err != nil {
		return nil, fmt.Errorf("get balance %s: %w", userID, err)
	}
	if !e.Exists() {
		return nil, fmt.Errorf("balance %s: %w", userID, model.ErrNotFound)
	}
	return model.ParseBalance(e.Value)
}

// Adjust applies update to the user's balance as a single serializable
// read-modify-write. When update rejects, nothing is written and its error
// is returned. A negative result is refused with ErrInsufficientFunds.
func (l *Ledger) Adjust(ctx context.Context, userID string, update UpdateFunc) (*model.Balance, error) {
	return l.mutate(ctx, userID, func(b *model.Balance) error {
		next, err := update(b.Balance)
		if err != nil {
			return err
		}
		b.Balance = next
		return nil
	})
}

// Debit removes amount, rejecting with ErrInsufficientFunds rather than
// going negative.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int64) (*model.Balance, error) {
	if amount <= 0 {
		return nil, model.Invalid("debit amount %d must be positive", amount)
	}
	return l.Adjust(ctx, userID, func(bal int64) (int64, error) {
		if amount > bal {
			return 0, fmt.Errorf("%w: balance %d, need %d", model.ErrInsufficientFunds, bal, amount)
		}
		return bal - amount, nil
	})
}

// Credit adds amount.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64) (*model.Balance, error) {
	if amount <= 0 {
		return nil, model.Invalid("credit amount %d must be positive", amount)
	}
	return l.Adjust(ctx, userID, func(bal int64) (int64, error) {
		return add(bal, amount)
	})
}

// CreditOnce adds amount unless a credit under key was already applied to
// this balance. The key is recorded in the same write as the balance
// change, so repeating the call after any failure can never credit twice.
// applied reports whether this call performed the credit.
func (l *Ledger) CreditOnce(ctx context.Context, userID, key string, amount int64) (b *model.Balance, applied bool, err error) {
	if key == "" {
		return nil, false, model.Invalid("credit key is required")
	}
	if amount <= 0 {
		return nil, false, model.Invalid("credit amount %d must be positive", amount)
	}

	b, err = l.mutate(ctx, userID, func(b *model.Balance) error {
		applied = false
		if _, done := b.Credits[key]; done {
			return kv.ErrNoChange
		}
		next, err := add(b.Balance, amount)
		if err != nil {
			return err
		}
		if b.Credits == nil {
			b.Credits = make(map[string]int64)
		}
		b.Balance = next
		b.Credits[key] = amount
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if applied {
		slog.Debug("keyed credit applied", "user", userID, "key", key, "amount", amount)
	}
	return b, applied, nil
}

// DebitOnce removes amount and records it as a hold under key in the same
// write, so after an ambiguous failure a re-read of the balance shows
// whether the debit landed. A key already held is left alone and applied
// is false.
func (l *Ledger) DebitOnce(ctx context.Context, userID, key string, amount int64) (b *model.Balance, applied bool, err error) {
	if key == "" {
		return nil, false, model.Invalid("hold key is required")
	}
	if amount <= 0 {
		return nil, false, model.Invalid("debit amount %d must be positive", amount)
	}

	b, err = l.mutate(ctx, userID, func(b *model.Balance) error {
		applied = false
		if _, held := b.Holds[key]; held {
			return kv.ErrNoChange
		}
		if amount > b.Balance {
			return fmt.Errorf("%w: balance %d, need %d", model.ErrInsufficientFunds, b.Balance, amount)
		}
		if b.Holds == nil {
			b.Holds = make(map[string]int64)
		}
		b.Balance -= amount
		b.Holds[key] = amount
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return b, applied, nil
}

// Refund returns the amount held under key and drops the hold. Refunding a
// key that is not held does nothing, so a refund can be retried freely.
func (l *Ledger) Refund(ctx context.Context, userID, key string) (b *model.Balance, refunded int64, err error) {
	b, err = l.mutate(ctx, userID, func(b *model.Balance) error {
		refunded = 0
		amt, held := b.Holds[key]
		if !held {
			return kv.ErrNoChange
		}
		next, err := add(b.Balance, amt)
		if err != nil {
			return err
		}
		b.Balance = next
		delete(b.Holds, key)
		refunded = amt
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return b, refunded, nil
}

// Held reports the amount held under key, reading the balance afresh.
func (l *Ledger) Held(ctx context.Context, userID, key string) (int64, bool, error) {
	b, err := l.Balance(ctx, userID)
	if err != nil {
		return 0, false, err
	}
	amt, ok := b.Holds[key]
	return amt, ok, nil
}

// OnBalanceChange delivers the user's balance every time it changes,
// starting with the current value. Close the returned subscription to stop.
func (l *Ledger) OnBalanceChange(ctx context.Context, userID string, fn func(*model.Balance)) (kv.Subscription, error) {
	return l.kv.Subscribe(ctx, model.BalancePath(userID), func(e kv.Entry) {
		b, err := model.ParseBalance(e.Value)
		if err != nil {
			slog.Warn("dropping malformed balance", "path", e.Path, "err", err)
			return
		}
		fn(b)
	})
}

func (l *Ledger) mutate(ctx context.Context, userID string, fn func(*model.Balance) error) (*model.Balance, error) {
	var out *model.Balance
	_, err := l.kv.Update(ctx, model.BalancePath(userID), func(cur kv.Entry) ([]byte, error) {
		if !cur.Exists() {
			return nil, fmt.Errorf("balance %s: %w", userID, model.ErrNotFound)
		}
		b, err := model.ParseBalance(cur.Value)
		if err != nil {
			return nil, err
		}
		out = b
		if err := fn(b); err != nil {
			return nil, err
		}
		if b.Balance < 0 {
			return nil, fmt.Errorf("%w: balance would become %d", model.ErrInsufficientFunds, b.Balance)
		}
		return json.Marshal(b)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func add(bal, amount int64) (int64, error) {
	if amount > math.MaxInt64-bal {
		return 0, model.Invalid("credit of %d overflows balance %d", amount, bal)
	}
	return bal + amount, nil
}
