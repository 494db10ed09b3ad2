package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/potshot/pool-engine/internal/metrics"
)

// RetryPolicy bounds optimistic-update retries.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is used when a zero policy is passed to NewClient.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 8,
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    250 * time.Millisecond,
	}
}

// Backoff returns the jittered delay before retry number attempt (1-based).
// Exponential growth capped at MaxDelay; the result lies in [d/2, d].
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	half := d / 2
	return half + rand.N(half+1)
}

// UpdateFunc computes the next value from the current entry. Returning
// ErrNoChange skips the write; any other error aborts the update.
type UpdateFunc func(current Entry) ([]byte, error)

// Client adds bounded-retry conditional updates and deduplicated
// subscriptions on top of a Store.
type Client struct {
	store  Store
	policy RetryPolicy
}

// NewClient wraps st. A zero policy selects DefaultRetryPolicy.
func NewClient(st Store, policy RetryPolicy) *Client {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	return &Client{store: st, policy: policy}
}

// Store returns the wrapped backend.
func (c *Client) Store() Store { return c.store }

func (c *Client) Get(ctx context.Context, path string) (Entry, error) {
	return c.store.Get(ctx, path)
}

func (c *Client) List(ctx context.Context, prefix string) ([]Entry, error) {
	return c.store.List(ctx, prefix)
}

func (c *Client) Set(ctx context.Context, path string, value []byte) (Entry, error) {
	ver, err := c.store.Set(ctx, path, value)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Path: path, Value: value, Version: ver}, nil
}

// Update performs a read-modify-write on a single path. fn may run several
// times; it must be a pure function of the entry it is given. When fn
// returns ErrNoChange the current entry is returned unchanged.
func (c *Client) Update(ctx context.Context, path string, fn UpdateFunc) (Entry, error) {
	for attempt := 0; attempt < c.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, c.policy.Backoff(attempt)); err != nil {
				return Entry{}, err
			}
		}

		cur, err := c.store.Get(ctx, path)
		if err != nil {
			return Entry{}, err
		}

		next, err := fn(cur)
		if errors.Is(err, ErrNoChange) {
			return cur, nil
		}
		if err != nil {
			return cur, err
		}

		ver, err := c.store.CompareAndSwap(ctx, path, cur.Version, next)
		if errors.Is(err, ErrVersionMismatch) {
			metrics.StoreConflicts.WithLabelValues(Kind(path)).Inc()
			continue
		}
		if err != nil {
			return Entry{}, err
		}
		return Entry{Path: path, Value: next, Version: ver}, nil
	}

	metrics.StoreRetriesExhausted.WithLabelValues(Kind(path)).Inc()
	return Entry{}, fmt.Errorf("update %s after %d attempts: %w", path, c.policy.MaxAttempts, ErrRetriesExhausted)
}

// Subscribe delivers the current state of every path under prefix once,
// then every later change. Deliveries are serialized, and an entry whose
// version is not newer than one already delivered for the same path is
// dropped, so redelivered or reordered notifications never move a consumer
// backwards.
func (c *Client) Subscribe(ctx context.Context, prefix string, fn func(Entry)) (Subscription, error) {
	cs := &clientSub{seen: make(map[string]uint64), fn: fn}

	inner, err := c.store.Subscribe(ctx, prefix, cs.deliver)
	if err != nil {
		return nil, err
	}
	cs.inner = inner

	go func() {
		entries, err := c.store.List(ctx, prefix)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("kv: initial snapshot failed", "prefix", prefix, "err", err)
			}
			return
		}
		for _, e := range entries {
			cs.deliver(e)
		}
	}()

	return cs, nil
}

type clientSub struct {
	inner  Subscription
	mu     sync.Mutex
	seen   map[string]uint64
	closed atomic.Bool
	fn     func(Entry)
}

func (s *clientSub) deliver(e Entry) {
	if !e.Exists() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() || e.Version <= s.seen[e.Path] {
		return
	}
	s.seen[e.Path] = e.Version
	s.fn(e)
}

func (s *clientSub) Close() error {
	s.closed.Store(true)
	return s.inner.Close()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
