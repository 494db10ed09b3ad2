package kv

import (
	"context"
	"log/slog"
	"time"
)

const (
	reconnectMaxDelay = 5 * time.Second
	releaseTimeout    = 2 * time.Second
)

// loopSubscription is the handle for backends that deliver from a single
// goroutine. Close cancels the loop and waits for it to exit.
type loopSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func newLoopSubscription(cancel context.CancelFunc) *loopSubscription {
	return &loopSubscription{cancel: cancel, done: make(chan struct{})}
}

func (s *loopSubscription) finish() { close(s.done) }

func (s *loopSubscription) Close() error {
	s.cancel()
	<-s.done
	return nil
}

// replay delivers the current state of prefix after a reconnect.
func replay(ctx context.Context, st Store, prefix string, fn func(Entry)) {
	entries, err := st.List(ctx, prefix)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("kv: replay after reconnect failed", "prefix", prefix, "err", err)
		}
		return
	}
	for _, e := range entries {
		fn(e)
	}
}
