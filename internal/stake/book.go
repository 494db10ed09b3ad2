// Package stake implements the Stake Book: one wager per (market, user),
// placed as debit, then pool admission, then the stake record, with a
// keyed refund when a later step fails.
package stake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/potshot/pool-engine/internal/kv"
	"github.com/potshot/pool-engine/internal/ledger"
	"github.com/potshot/pool-engine/internal/market"
	"github.com/potshot/pool-engine/internal/metrics"
	"github.com/potshot/pool-engine/internal/model"
	"github.com/potshot/pool-engine/internal/session"
)

// DefaultCompensateTimeout bounds rollback writes issued after the caller's
// context may already be gone.
const DefaultCompensateTimeout = 10 * time.Second

// HoldKey names the balance hold taken by one placement attempt on
// marketID. Attempts never share a key, so concurrent placements by the
// same user cannot resolve or refund each other's debit.
func HoldKey(marketID, attempt string) string {
	return "stake:" + marketID + ":" + attempt
}

// Book owns stakes/{marketID}/{userID} records.
type Book struct {
	kv      *kv.Client
	ledger  *ledger.Ledger
	markets *market.Registry

	compensateTimeout time.Duration
	now               func() time.Time
}

// NewBook returns a Book.
func NewBook(c *kv.Client, l *ledger.Ledger, r *market.Registry) *Book {
	return &Book{
		kv:                c,
		ledger:            l,
		markets:           r,
		compensateTimeout: DefaultCompensateTimeout,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

// Place stakes amount on outcomeIndex of marketID for the session's user.
// The balance is debited first. If admission into the pool or the stake
// record write then fails, the hold is refunded where that is safe and
// the failure is returned.
func (b *Book) Place(ctx context.Context, sess session.Session, marketID string, outcomeIndex int, amount int64) (*model.Stake, error) {
	start := time.Now()
	st, err := b.place(ctx, sess, marketID, outcomeIndex, amount)
	metrics.StakeLatency.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.StakesTotal.WithLabelValues("ok").Inc()
		slog.Info("stake placed", "market", marketID, "user", sess.UserID, "outcome", outcomeIndex, "amount", amount)
	case errors.Is(err, model.ErrTransient):
		metrics.StakesTotal.WithLabelValues("transient").Inc()
		slog.Warn("stake placement contended", "market", marketID, "user", sess.UserID, "err", err)
	case isRejection(err):
		metrics.StakesTotal.WithLabelValues("rejected").Inc()
	default:
		metrics.StakesTotal.WithLabelValues("failed").Inc()
		slog.Error("stake placement failed", "market", marketID, "user", sess.UserID, "err", err)
	}
	return st, err
}

func (b *Book) place(ctx context.Context, sess session.Session, marketID string, outcomeIndex int, amount int64) (*model.Stake, error) {
	uid := sess.UserID
	if uid == "" {
		return nil, model.Invalid("session has no user")
	}
	if amount <= 0 {
		return nil, model.Invalid("amount %d must be positive", amount)
	}

	m, err := b.markets.Get(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if m.Status != model.StatusOpen {
		return nil, fmt.Errorf("market %s is %s: %w", marketID, m.Status, model.ErrMarketNotOpen)
	}
	if !m.ValidOutcome(outcomeIndex) {
		return nil, model.Invalid("outcome %d out of range [0,%d)", outcomeIndex, len(m.Outcomes))
	}
	if _, ok := m.Wagers[uid]; ok {
		return nil, fmt.Errorf("user %s on market %s: %w", uid, marketID, model.ErrAlreadyStaked)
	}
	existing, err := b.kv.Get(ctx, model.StakePath(marketID, uid))
	if err != nil {
		return nil, fmt.Errorf("check stake: %w", err)
	}
	if existing.Exists() {
		return nil, fmt.Errorf("user %s on market %s: %w", uid, marketID, model.ErrAlreadyStaked)
	}

	// 1. Debit, as a hold under a key unique to this attempt.
	key := HoldKey(marketID, uuid.NewString())
	if err := b.debit(ctx, uid, key, amount); err != nil {
		return nil, err
	}

	// 2. Admit into the pool.
	w := model.Wager{OutcomeIndex: outcomeIndex, Amount: amount, PlacedAt: b.now()}
	if _, err := b.markets.Admit(ctx, marketID, uid, w); err != nil {
		if !isRejection(err) && b.admitted(ctx, marketID, uid, w) {
			slog.Warn("admission reported failure but committed", "market", marketID, "user", uid, "err", err)
		} else {
			b.compensate(ctx, uid, key, "admit")
			return nil, fmt.Errorf("admit stake: %w", err)
		}
	}

	// 3. Record the stake.
	st := &model.Stake{
		MarketID:     marketID,
		UserID:       uid,
		OutcomeIndex: outcomeIndex,
		Amount:       amount,
		PlacedAt:     w.PlacedAt,
	}
	_, err = b.kv.Update(ctx, model.StakePath(marketID, uid), func(cur kv.Entry) ([]byte, error) {
		if cur.Exists() {
			prev, err := model.ParseStake(cur.Value)
			if err != nil {
				return nil, err
			}
			// Settlement got here first and materialized this very wager.
			if sameWager(prev, w) {
				st = prev
				return nil, kv.ErrNoChange
			}
			return nil, fmt.Errorf("user %s on market %s: %w", uid, marketID, model.ErrAlreadyStaked)
		}
		return json.Marshal(st)
	})
	if err != nil {
		if !isRejection(err) {
			if prev := b.recorded(ctx, marketID, uid, w); prev != nil {
				slog.Warn("stake record reported failure but committed", "market", marketID, "user", uid, "err", err)
				return prev, nil
			}
		}
		b.rollbackAdmission(ctx, marketID, uid, key, amount)
		return nil, fmt.Errorf("record stake: %w", err)
	}
	return st, nil
}

// Get returns the stake record for (marketID, userID).
func (b *Book) Get(ctx context.Context, marketID, userID string) (*model.Stake, error) {
	e, err := b.kv.Get(ctx, model.StakePath(marketID, userID))
	if err != nil {
		return nil, fmt.Errorf("get stake %s/%s: %w", marketID, userID, err)
	}
	if !e.Exists() {
		return nil, fmt.Errorf("stake %s/%s: %w", marketID, userID, model.ErrNotFound)
	}
	return model.ParseStake(e.Value)
}

// ListByMarket returns every recorded stake on marketID, ordered by user.
func (b *Book) ListByMarket(ctx context.Context, marketID string) ([]*model.Stake, error) {
	entries, err := b.kv.List(ctx, model.StakesPrefix(marketID))
	if err != nil {
		return nil, fmt.Errorf("list stakes %s: %w", marketID, err)
	}
	out := make([]*model.Stake, 0, len(entries))
	for _, e := range entries {
		s, err := model.ParseStake(e.Value)
		if err != nil {
			slog.Warn("skipping malformed stake", "path", e.Path, "err", err)
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// BeginClaim fixes the payout of a stake. A zero payout completes the claim
// immediately; a positive one leaves the stake pending until FinishClaim. If
// the stake is already pending or claimed, its recorded payout wins over
// payout and nothing is written. When the stake record is missing it is
// materialized from the pool entry w.
func (b *Book) BeginClaim(ctx context.Context, marketID, userID string, w model.Wager, payout int64) (*model.Stake, error) {
	if payout < 0 {
		return nil, model.Invalid("payout %d is negative", payout)
	}
	return b.mutate(ctx, marketID, userID, func(s *model.Stake, exists bool) error {
		if !exists {
			s.MarketID = marketID
			s.UserID = userID
			s.OutcomeIndex = w.OutcomeIndex
			s.Amount = w.Amount
			s.PlacedAt = w.PlacedAt
		}
		if s.Claimed || s.Pending {
			return kv.ErrNoChange
		}
		p := payout
		s.Payout = &p
		if payout == 0 {
			at := b.now()
			s.Claimed = true
			s.ClaimedAt = &at
			return nil
		}
		s.Pending = true
		return nil
	})
}

// FinishClaim marks a pending stake claimed. Already claimed is a no-op.
func (b *Book) FinishClaim(ctx context.Context, marketID, userID string) (*model.Stake, error) {
	return b.mutate(ctx, marketID, userID, func(s *model.Stake, exists bool) error {
		if !exists {
			return fmt.Errorf("stake %s/%s: %w", marketID, userID, model.ErrNotFound)
		}
		if s.Claimed {
			return kv.ErrNoChange
		}
		if !s.Pending {
			return fmt.Errorf("finish claim on stake without payout: %w", model.ErrInvalidTransition)
		}
		at := b.now()
		s.Pending = false
		s.Claimed = true
		s.ClaimedAt = &at
		return nil
	})
}

func (b *Book) mutate(ctx context.Context, marketID, userID string, fn func(s *model.Stake, exists bool) error) (*model.Stake, error) {
	var out *model.Stake
	_, err := b.kv.Update(ctx, model.StakePath(marketID, userID), func(cur kv.Entry) ([]byte, error) {
		s := &model.Stake{}
		if cur.Exists() {
			parsed, err := model.ParseStake(cur.Value)
			if err != nil {
				return nil, err
			}
			s = parsed
		}
		out = s
		if err := fn(s, cur.Exists()); err != nil {
			return nil, err
		}
		return json.Marshal(s)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// debit takes amount from the user's balance under key. After an ambiguous
// failure the balance is re-read: a hold under key means the debit landed
// and placement goes on. If the balance cannot be read either, the hold is
// refunded, which does nothing when the debit never landed.
func (b *Book) debit(ctx context.Context, uid, key string, amount int64) error {
	_, _, err := b.ledger.DebitOnce(ctx, uid, key, amount)
	if err == nil || isRejection(err) {
		return err
	}

	dctx, cancel := b.detached(ctx)
	defer cancel()
	held, ok, rerr := b.ledger.Held(dctx, uid, key)
	switch {
	case rerr != nil:
		b.compensate(ctx, uid, key, "debit")
	case ok && held == amount:
		slog.Warn("debit reported failure but committed", "user", uid, "key", key, "err", err)
		return nil
	}
	return fmt.Errorf("debit stake: %w", err)
}

// admitted re-reads the market after an ambiguous admission error.
func (b *Book) admitted(ctx context.Context, marketID, uid string, w model.Wager) bool {
	ctx, cancel := b.detached(ctx)
	defer cancel()

	m, err := b.markets.Get(ctx, marketID)
	if err != nil {
		return false
	}
	got, ok := m.Wagers[uid]
	return ok && got.Amount == w.Amount && got.OutcomeIndex == w.OutcomeIndex && got.PlacedAt.Equal(w.PlacedAt)
}

// recorded re-reads the stake record after an ambiguous write error and
// returns it if it holds this wager.
func (b *Book) recorded(ctx context.Context, marketID, uid string, w model.Wager) *model.Stake {
	ctx, cancel := b.detached(ctx)
	defer cancel()

	s, err := b.Get(ctx, marketID, uid)
	if err != nil || !sameWager(s, w) {
		return nil
	}
	return s
}

// rollbackAdmission undoes an admission whose stake record could not be
// written. Once the market has left open the pool is frozen with this wager
// in it, so the debit stands and settlement materializes the record.
func (b *Book) rollbackAdmission(ctx context.Context, marketID, uid, key string, amount int64) {
	dctx, cancel := b.detached(ctx)
	defer cancel()

	err := b.markets.Withdraw(dctx, marketID, uid)
	switch {
	case err == nil:
		b.compensate(ctx, uid, key, "record")
	case errors.Is(err, model.ErrMarketNotOpen):
		slog.Warn("stake admitted to a closed pool without record; settlement will materialize it",
			"market", marketID, "user", uid, "amount", amount)
	default:
		metrics.CompensationsTotal.WithLabelValues("skipped").Inc()
		slog.Error("could not withdraw admission; leaving debit in place",
			"market", marketID, "user", uid, "amount", amount, "err", err)
	}
}

// compensate refunds the hold under key. It runs detached from ctx: a
// caller that has gone away must not leave the debit half-undone. The
// refund is keyed, so it can never return more than was taken.
func (b *Book) compensate(ctx context.Context, uid, key, step string) {
	ctx, cancel := b.detached(ctx)
	defer cancel()

	_, amount, err := b.ledger.Refund(ctx, uid, key)
	if err != nil {
		metrics.CompensationsTotal.WithLabelValues("failed").Inc()
		slog.Error("compensating refund failed", "user", uid, "key", key, "step", step, "err", err)
		return
	}
	if amount == 0 {
		return
	}
	metrics.CompensationsTotal.WithLabelValues("ok").Inc()
	slog.Warn("compensating refund issued", "user", uid, "amount", amount, "step", step)
}

func (b *Book) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), b.compensateTimeout)
}

func sameWager(s *model.Stake, w model.Wager) bool {
	return s.Amount == w.Amount && s.OutcomeIndex == w.OutcomeIndex && s.PlacedAt.Equal(w.PlacedAt)
}

// isRejection reports whether err is a definite refusal that wrote nothing.
func isRejection(err error) bool {
	return errors.Is(err, model.ErrValidation) ||
		errors.Is(err, model.ErrInsufficientFunds) ||
		errors.Is(err, model.ErrAlreadyStaked) ||
		errors.Is(err, model.ErrTransient) ||
		market.IsTerminal(err)
}
