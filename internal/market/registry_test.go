package market_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/potshot/pool-engine/internal/kv"
	"github.com/potshot/pool-engine/internal/market"
	"github.com/potshot/pool-engine/internal/model"
)

func newTestRegistry(t *testing.T) *market.Registry {
	t.Helper()
	st := kv.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	policy := kv.RetryPolicy{MaxAttempts: 256, BaseDelay: 10 * time.Microsecond, MaxDelay: time.Millisecond}
	return market.NewRegistry(kv.NewClient(st, policy))
}

func seedMarket(t *testing.T, r *market.Registry) *model.Market {
	t.Helper()
	m, err := r.Create(context.Background(), "Who wins the final?", []string{"A", "B"})
	if err != nil {
		t.Fatalf("failed to seed market: %v", err)
	}
	return m
}

func TestCreate(t *testing.T) {
	r := newTestRegistry(t)
	m, err := r.Create(context.Background(), "  Rain tomorrow?  ", []string{" yes ", "", "no", "   "})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.Status != model.StatusOpen {
		t.Errorf("expected open, got %s", m.Status)
	}
	if m.WinningOutcomeIndex != nil {
		t.Error("new market must have no winning outcome")
	}
	if m.Question != "Rain tomorrow?" {
		t.Errorf("question not trimmed: %q", m.Question)
	}
	if len(m.Outcomes) != 2 || m.Outcomes[0] != "yes" || m.Outcomes[1] != "no" {
		t.Errorf("unexpected outcomes %q", m.Outcomes)
	}

	got, err := r.Get(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Question != m.Question {
		t.Errorf("round trip mismatch: %q", got.Question)
	}
}

func TestCreate_Validation(t *testing.T) {
	r := newTestRegistry(t)
	tests := []struct {
		name     string
		question string
		outcomes []string
	}{
		{"empty question", "  ", []string{"A", "B"}},
		{"one outcome", "Q", []string{"A"}},
		{"blank outcomes", "Q", []string{"A", " ", ""}},
		{"no outcomes", "Q", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Create(context.Background(), tt.question, tt.outcomes)
			if !errors.Is(err, model.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestClose(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	m := seedMarket(t, r)

	closed, err := r.Close(ctx, m.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Status != model.StatusClosed || closed.ClosedAt == nil {
		t.Errorf("unexpected closed market %+v", closed)
	}

	if _, err := r.Close(ctx, m.ID); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("closing twice: expected ErrInvalidTransition, got %v", err)
	}
}

func TestSettle_FromOpenAndClosed(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	open := seedMarket(t, r)
	if _, err := r.Settle(ctx, open.ID, 1); err != nil {
		t.Fatalf("settle open: %v", err)
	}

	closed := seedMarket(t, r)
	r.Close(ctx, closed.ID)
	m, err := r.Settle(ctx, closed.ID, 0)
	if err != nil {
		t.Fatalf("settle closed: %v", err)
	}
	if w, ok := m.Winner(); !ok || w != 0 {
		t.Errorf("expected winner 0, got %d (%v)", w, ok)
	}

	if _, err := r.Close(ctx, closed.ID); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("close after settle: expected ErrInvalidTransition, got %v", err)
	}
}

func TestSettle_SameOutcomeIsNoop(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	m := seedMarket(t, r)

	first, err := r.Settle(ctx, m.ID, 1)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	second, err := r.Settle(ctx, m.ID, 1)
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if !first.SettledAt.Equal(*second.SettledAt) {
		t.Errorf("second settle must not change state: %v vs %v", first.SettledAt, second.SettledAt)
	}
}

func TestSettle_DifferentOutcomeRejected(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	m := seedMarket(t, r)

	r.Settle(ctx, m.ID, 0)
	if _, err := r.Settle(ctx, m.ID, 1); !errors.Is(err, model.ErrSettledOutcomeMismatch) {
		t.Fatalf("expected ErrSettledOutcomeMismatch, got %v", err)
	}
	got, _ := r.Get(ctx, m.ID)
	if w, _ := got.Winner(); w != 0 {
		t.Errorf("recorded outcome overwritten: %d", w)
	}
}

func TestSettle_OutOfRange(t *testing.T) {
	r := newTestRegistry(t)
	m := seedMarket(t, r)
	for _, idx := range []int{-1, 2} {
		if _, err := r.Settle(context.Background(), m.ID, idx); !errors.Is(err, model.ErrValidation) {
			t.Errorf("idx %d: expected ErrValidation, got %v", idx, err)
		}
	}
}

func TestSettle_ConcurrentConflictingOutcomes(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	m := seedMarket(t, r)

	var wg sync.WaitGroup
	results := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = r.Settle(ctx, m.ID, i%2)
		}(i)
	}
	wg.Wait()

	got, _ := r.Get(ctx, m.ID)
	winner, ok := got.Winner()
	if !ok {
		t.Fatal("market should be settled")
	}
	for i, err := range results {
		if i%2 == winner && err != nil {
			t.Errorf("settle %d with winning outcome failed: %v", i, err)
		}
		if i%2 != winner && !errors.Is(err, model.ErrSettledOutcomeMismatch) {
			t.Errorf("settle %d with losing outcome: expected mismatch, got %v", i, err)
		}
	}
}

func TestAdmit(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	m := seedMarket(t, r)

	if _, err := r.Admit(ctx, m.ID, "u1", model.Wager{OutcomeIndex: 0, Amount: 10}); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if _, err := r.Admit(ctx, m.ID, "u1", model.Wager{OutcomeIndex: 1, Amount: 5}); !errors.Is(err, model.ErrAlreadyStaked) {
		t.Errorf("expected ErrAlreadyStaked, got %v", err)
	}
	if _, err := r.Admit(ctx, m.ID, "u2", model.Wager{OutcomeIndex: 2, Amount: 5}); !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected ErrValidation for bad outcome, got %v", err)
	}

	r.Close(ctx, m.ID)
	if _, err := r.Admit(ctx, m.ID, "u3", model.Wager{OutcomeIndex: 0, Amount: 5}); !errors.Is(err, model.ErrMarketNotOpen) {
		t.Errorf("expected ErrMarketNotOpen, got %v", err)
	}
}

func TestWithdraw(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	m := seedMarket(t, r)

	r.Admit(ctx, m.ID, "u1", model.Wager{OutcomeIndex: 0, Amount: 10})
	if err := r.Withdraw(ctx, m.ID, "u1"); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if err := r.Withdraw(ctx, m.ID, "u1"); err != nil {
		t.Errorf("withdrawing an absent wager should be a no-op, got %v", err)
	}

	r.Admit(ctx, m.ID, "u2", model.Wager{OutcomeIndex: 0, Amount: 10})
	r.Settle(ctx, m.ID, 0)
	if err := r.Withdraw(ctx, m.ID, "u2"); !errors.Is(err, model.ErrMarketNotOpen) {
		t.Errorf("expected ErrMarketNotOpen after settle, got %v", err)
	}
}

func TestList_NewestFirst(t *testing.T) {
	r := newTestRegistry(t)
	first := seedMarket(t, r)
	time.Sleep(2 * time.Millisecond)
	second := seedMarket(t, r)

	got, err := r.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != second.ID || got[1].ID != first.ID {
		t.Errorf("unexpected order")
	}
}

func TestGet_NotFound(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Get(context.Background(), "nope"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestOnMarketChange(t *testing.T) {
	r := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := seedMarket(t, r)

	got := make(chan *model.Market, 16)
	sub, err := r.OnMarketChange(ctx, func(m *model.Market) { got <- m })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	r.Settle(ctx, m.ID, 1)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case mk := <-got:
			if mk.Status == model.StatusSettled {
				return
			}
		case <-deadline:
			t.Fatal("never observed the settle")
		}
	}
}
