// Package settlement computes and applies one user's pari-mutuel payout for
// a settled market, exactly once, from inside that user's own session.
//
// A claim moves through three single-key writes:
//
//	stakes/{m}/{u}   unclaimed -> pending{payout}   (BeginClaim)
//	balances/{u}     += payout, key "settle:{m}"   (CreditOnce)
//	stakes/{m}/{u}   pending -> claimed             (FinishClaim)
//
// The payout is fixed by the first write and reused by every retry; the
// credit key makes the second write apply at most once. Any redelivery
// after a partial failure resumes where the last attempt stopped.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/potshot/pool-engine/internal/ledger"
	"github.com/potshot/pool-engine/internal/market"
	"github.com/potshot/pool-engine/internal/metrics"
	"github.com/potshot/pool-engine/internal/model"
	"github.com/potshot/pool-engine/internal/session"
	"github.com/potshot/pool-engine/internal/stake"
)

// Status is the outcome of one settlement run.
type Status string

const (
	StatusClaimed        Status = "claimed"
	StatusAlreadyClaimed Status = "already_claimed"
	StatusNoStake        Status = "no_stake"
	StatusNotSettled     Status = "not_settled"
)

// Result reports what a settlement run did.
type Result struct {
	MarketID string `json:"market_id"`
	UserID   string `json:"user_id"`
	Status   Status `json:"status"`
	Payout   int64  `json:"payout"`
	// Credited is true only for the run that applied the ledger credit.
	Credited bool `json:"credited"`
}

// CreditKey is the ledger idempotence key for a market's payout.
func CreditKey(marketID string) string { return "settle:" + marketID }

// Engine is the Settlement Engine.
type Engine struct {
	markets *market.Registry
	stakes  *stake.Book
	ledger  *ledger.Ledger
}

// NewEngine returns an Engine.
func NewEngine(r *market.Registry, b *stake.Book, l *ledger.Ledger) *Engine {
	return &Engine{markets: r, stakes: b, ledger: l}
}

// Settle applies the session user's payout for marketID. It is safe to call
// any number of times, concurrently or after a failed attempt.
func (e *Engine) Settle(ctx context.Context, sess session.Session, marketID string) (Result, error) {
	res, err := e.settle(ctx, sess.UserID, marketID)
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues("error").Inc()
		return res, fmt.Errorf("settle %s for %s: %w", marketID, sess.UserID, err)
	}
	metrics.SettlementsTotal.WithLabelValues(string(res.Status)).Inc()
	if res.Credited {
		metrics.PayoutUnitsTotal.Add(float64(res.Payout))
		slog.Info("payout credited", "market", marketID, "user", sess.UserID, "payout", res.Payout)
	}
	return res, nil
}

func (e *Engine) settle(ctx context.Context, uid, marketID string) (Result, error) {
	res := Result{MarketID: marketID, UserID: uid}

	m, err := e.markets.Get(ctx, marketID)
	if err != nil {
		return res, err
	}
	winner, ok := m.Winner()
	if !ok {
		res.Status = StatusNotSettled
		return res, nil
	}
	w, ok := m.Wagers[uid]
	if !ok {
		res.Status = StatusNoStake
		return res, nil
	}

	prior, err := e.stakes.Get(ctx, marketID, uid)
	switch {
	case errors.Is(err, model.ErrNotFound):
	case err != nil:
		return res, err
	case prior.Claimed:
		res.Status = StatusAlreadyClaimed
		res.Payout = *prior.Payout
		return res, nil
	}

	// The pool is frozen once the market is settled, so every run sees the
	// same tally and computes the same payout.
	payout := PayoutFor(TallyPool(m), w, winner)

	st, err := e.stakes.BeginClaim(ctx, marketID, uid, w, payout)
	if err != nil {
		return res, fmt.Errorf("begin claim: %w", err)
	}
	res.Status = StatusClaimed
	res.Payout = *st.Payout
	if st.Claimed {
		return res, nil
	}

	if res.Payout > 0 {
		_, credited, err := e.ledger.CreditOnce(ctx, uid, CreditKey(marketID), res.Payout)
		if err != nil {
			return res, fmt.Errorf("credit payout: %w", err)
		}
		res.Credited = credited
	}

	if _, err := e.stakes.FinishClaim(ctx, marketID, uid); err != nil {
		return res, fmt.Errorf("finish claim: %w", err)
	}
	return res, nil
}
