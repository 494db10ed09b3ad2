// Package market implements the Market Registry: the open/closed/settled
// lifecycle of a market, its fixed outcome set, and the admission book that
// decides which stakes belong to its pool.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/potshot/pool-engine/internal/kv"
	"github.com/potshot/pool-engine/internal/metrics"
	"github.com/potshot/pool-engine/internal/model"
)

// Registry owns markets/{id} records.
type Registry struct {
	kv  *kv.Client
	now func() time.Time
}

// NewRegistry returns a Registry over c.
func NewRegistry(c *kv.Client) *Registry {
	return &Registry{kv: c, now: func() time.Time { return time.Now().UTC() }}
}

// Create opens a new market. Outcome labels are trimmed and blank labels
// dropped; the question must be non-empty and at least two outcomes must
// remain.
func (r *Registry) Create(ctx context.Context, question string, outcomes []string) (*model.Market, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, model.Invalid("question is required")
	}
	labels := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		if o = strings.TrimSpace(o); o != "" {
			labels = append(labels, o)
		}
	}
	if len(labels) < 2 {
		return nil, model.Invalid("at least 2 outcomes are required, got %d", len(labels))
	}

	m := &model.Market{
		ID:        uuid.New().String(),
		Question:  question,
		Outcomes:  labels,
		Status:    model.StatusOpen,
		CreatedAt: r.now(),
		Wagers:    make(map[string]model.Wager),
	}
	_, err := r.kv.Update(ctx, model.MarketPath(m.ID), func(cur kv.Entry) ([]byte, error) {
		if cur.Exists() {
			return nil, fmt.Errorf("market %s already exists: %w", m.ID, model.ErrInvalidTransition)
		}
		return json.Marshal(m)
	})
	if err != nil {
		return nil, fmt.Errorf("create market: %w", err)
	}

	metrics.MarketTransitions.WithLabelValues("create").Inc()
	slog.Info("market created", "market", m.ID, "outcomes", len(labels))
	return m, nil
}

// Get returns the market with the given id.
func (r *Registry) Get(ctx context.Context, id string) (*model.Market, error) {
	e, err := r.kv.Get(ctx, model.MarketPath(id))
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	if !e.Exists() {
		return nil, fmt.Errorf("market %s: %w", id, model.ErrNotFound)
	}
	return model.ParseMarket(e.Value)
}

// List returns every market, newest first. Malformed records are skipped.
func (r *Registry) List(ctx context.Context) ([]*model.Market, error) {
	entries, err := r.kv.List(ctx, model.MarketsPrefix)
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	out := make([]*model.Market, 0, len(entries))
	for _, e := range entries {
		m, err := model.ParseMarket(e.Value)
		if err != nil {
			slog.Warn("skipping malformed market", "path", e.Path, "err", err)
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Close stops new stakes. Valid only from open.
func (r *Registry) Close(ctx context.Context, id string) (*model.Market, error) {
	m, err := r.mutate(ctx, id, func(m *model.Market) error {
		if m.Status != model.StatusOpen {
			return fmt.Errorf("close market in status %s: %w", m.Status, model.ErrInvalidTransition)
		}
		at := r.now()
		m.Status = model.StatusClosed
		m.ClosedAt = &at
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.MarketTransitions.WithLabelValues("close").Inc()
	slog.Info("market closed", "market", id)
	return m, nil
}

// Settle fixes the winning outcome. Settling again with the same outcome is
// a silent no-op; a different outcome is rejected and the recorded one
// stands.
func (r *Registry) Settle(ctx context.Context, id string, outcomeIndex int) (*model.Market, error) {
	changed := false
	m, err := r.mutate(ctx, id, func(m *model.Market) error {
		changed = false
		if !m.ValidOutcome(outcomeIndex) {
			return model.Invalid("outcome %d out of range [0,%d)", outcomeIndex, len(m.Outcomes))
		}
		if winner, settled := m.Winner(); settled {
			if winner == outcomeIndex {
				return kv.ErrNoChange
			}
			return fmt.Errorf("market %s settled on %d, asked %d: %w", id, winner, outcomeIndex, model.ErrSettledOutcomeMismatch)
		}
		at := r.now()
		idx := outcomeIndex
		m.Status = model.StatusSettled
		m.WinningOutcomeIndex = &idx
		m.SettledAt = &at
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		metrics.MarketTransitions.WithLabelValues("settle").Inc()
		slog.Info("market settled", "market", id, "winner", outcomeIndex, "bettors", len(m.Wagers))
	}
	return m, nil
}

// Admit adds userID's wager to the pool. It fails with ErrMarketNotOpen
// unless the market is open, and with ErrAlreadyStaked if the user is
// already in the pool.
func (r *Registry) Admit(ctx context.Context, id, userID string, w model.Wager) (*model.Market, error) {
	if w.Amount <= 0 {
		return nil, model.Invalid("amount %d must be positive", w.Amount)
	}
	return r.mutate(ctx, id, func(m *model.Market) error {
		if m.Status != model.StatusOpen {
			return fmt.Errorf("market %s is %s: %w", id, m.Status, model.ErrMarketNotOpen)
		}
		if !m.ValidOutcome(w.OutcomeIndex) {
			return model.Invalid("outcome %d out of range [0,%d)", w.OutcomeIndex, len(m.Outcomes))
		}
		if _, ok := m.Wagers[userID]; ok {
			return fmt.Errorf("user %s on market %s: %w", userID, id, model.ErrAlreadyStaked)
		}
		m.Wagers[userID] = w
		return nil
	})
}

// Withdraw removes userID's wager from the pool. Only an open market can
// lose a wager; removing an absent wager is a no-op.
func (r *Registry) Withdraw(ctx context.Context, id, userID string) error {
	_, err := r.mutate(ctx, id, func(m *model.Market) error {
		if _, ok := m.Wagers[userID]; !ok {
			return kv.ErrNoChange
		}
		if m.Status != model.StatusOpen {
			return fmt.Errorf("withdraw from %s market %s: %w", m.Status, id, model.ErrMarketNotOpen)
		}
		delete(m.Wagers, userID)
		return nil
	})
	return err
}

// OnMarketChange delivers every market once and then each change to any
// market. Close the returned subscription to stop.
func (r *Registry) OnMarketChange(ctx context.Context, fn func(*model.Market)) (kv.Subscription, error) {
	return r.kv.Subscribe(ctx, model.MarketsPrefix, func(e kv.Entry) {
		m, err := model.ParseMarket(e.Value)
		if err != nil {
			slog.Warn("dropping malformed market", "path", e.Path, "err", err)
			return
		}
		fn(m)
	})
}

func (r *Registry) mutate(ctx context.Context, id string, fn func(*model.Market) error) (*model.Market, error) {
	var out *model.Market
	_, err := r.kv.Update(ctx, model.MarketPath(id), func(cur kv.Entry) ([]byte, error) {
		if !cur.Exists() {
			return nil, fmt.Errorf("market %s: %w", id, model.ErrNotFound)
		}
		m, err := model.ParseMarket(cur.Value)
		if err != nil {
			return nil, err
		}
		out = m
		if err := fn(m); err != nil {
			return nil, err
		}
		return json.Marshal(m)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// IsTerminal reports whether err means the market can no longer change in
// the way the caller wanted, as opposed to a store failure worth retrying.
func IsTerminal(err error) bool {
	return errors.Is(err, model.ErrMarketNotOpen) ||
		errors.Is(err, model.ErrInvalidTransition) ||
		errors.Is(err, model.ErrSettledOutcomeMismatch) ||
		errors.Is(err, model.ErrNotFound)
}
