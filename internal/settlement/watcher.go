package settlement

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/potshot/pool-engine/internal/market"
	"github.com/potshot/pool-engine/internal/model"
	"github.com/potshot/pool-engine/internal/session"
)

const (
	DefaultSweepInterval = 30 * time.Second
	DefaultSettleTimeout = 15 * time.Second
)

// WatcherOptions configures a Watcher. Zero values select the defaults.
type WatcherOptions struct {
	SweepInterval time.Duration
	SettleTimeout time.Duration
	// OnResult, if set, is called after every successful settlement run.
	OnResult func(Result)
	// ExternalFeed skips the watcher's own market subscription. The caller
	// forwards market changes through Observe instead.
	ExternalFeed bool
}

// Watcher drives the Engine for one session: it reacts to market change
// notifications and periodically re-lists markets to catch settlements it
// missed while disconnected. A Watcher is Run once.
type Watcher struct {
	engine  *Engine
	markets *market.Registry
	opts    WatcherOptions
	q       *workQueue
}

// NewWatcher returns a Watcher.
func NewWatcher(e *Engine, r *market.Registry, opts WatcherOptions) *Watcher {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.SettleTimeout <= 0 {
		opts.SettleTimeout = DefaultSettleTimeout
	}
	return &Watcher{engine: e, markets: r, opts: opts, q: newWorkQueue()}
}

// Observe queues a market change for the running watcher. It never blocks
// and is safe to call from any goroutine.
func (w *Watcher) Observe(m *model.Market) {
	w.q.push(m)
}

// Run blocks until ctx is done. Cancelling ctx stops new settlement runs;
// a run already in flight finishes on its own timeout.
func (w *Watcher) Run(ctx context.Context, sess session.Session) error {
	done := make(map[string]bool)

	if !w.opts.ExternalFeed {
		sub, err := w.markets.OnMarketChange(ctx, w.Observe)
		if err != nil {
			return err
		}
		defer sub.Close()
	}

	w.sweep(ctx, sess)

	ticker := time.NewTicker(w.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.sweep(ctx, sess)
		case <-w.q.ready():
		}

		for _, m := range w.q.drain() {
			if ctx.Err() != nil {
				return nil
			}
			if done[m.ID] || !wants(m, sess.UserID) {
				continue
			}
			if w.settleOne(ctx, sess, m.ID) {
				done[m.ID] = true
			}
		}
	}
}

func (w *Watcher) sweep(ctx context.Context, sess session.Session) {
	markets, err := w.markets.List(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("settlement sweep failed", "user", sess.UserID, "err", err)
		}
		return
	}
	for _, m := range markets {
		w.q.push(m)
	}
}

// settleOne reports whether the market needs no further attention.
func (w *Watcher) settleOne(ctx context.Context, sess session.Session, marketID string) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.opts.SettleTimeout)
	defer cancel()

	res, err := w.engine.Settle(ctx, sess, marketID)
	if err != nil {
		slog.Warn("settlement attempt failed; will retry on next sweep", "market", marketID, "user", sess.UserID, "err", err)
		return false
	}
	if w.opts.OnResult != nil {
		w.opts.OnResult(res)
	}
	return res.Status != StatusNotSettled
}

func wants(m *model.Market, uid string) bool {
	if m.Status != model.StatusSettled {
		return false
	}
	_, ok := m.Wagers[uid]
	return ok
}

// workQueue holds the latest observed state of each changed market, in
// first-seen order, with a wake-up signal.
type workQueue struct {
	mu     sync.Mutex
	ids    []string
	latest map[string]*model.Market
	signal chan struct{}
}

func newWorkQueue() *workQueue {
	return &workQueue{latest: make(map[string]*model.Market), signal: make(chan struct{}, 1)}
}

func (q *workQueue) push(m *model.Market) {
	q.mu.Lock()
	if _, ok := q.latest[m.ID]; !ok {
		q.ids = append(q.ids, m.ID)
	}
	q.latest[m.ID] = m
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *workQueue) ready() <-chan struct{} { return q.signal }

func (q *workQueue) drain() []*model.Market {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*model.Market, 0, len(q.ids))
	for _, id := range q.ids {
		out = append(out, q.latest[id])
	}
	q.ids = nil
	q.latest = make(map[string]*model.Market)
	return out
}
