package kv

import (
	"context"
	"testing"
	"time"
)

func TestHub_Wants(t *testing.T) {
	h := newHub()
	defer h.close()

	if h.wants("markets/m1") {
		t.Error("empty hub should want nothing")
	}
	sub, err := h.subscribe(context.Background(), "markets/", func(Entry) {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if !h.wants("markets/m1") {
		t.Error("expected markets/m1 to be wanted")
	}
	if h.wants("balances/u1") {
		t.Error("balances/u1 is outside every prefix")
	}
	sub.Close()
	if h.wants("markets/m1") {
		t.Error("closed subscriber should no longer count")
	}
}

func TestHub_ResyncReplaysEachPrefix(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	defer st.Close()
	st.Set(ctx, "markets/m1", []byte("m1"))
	st.Set(ctx, "balances/u1", []byte("100"))
	st.Set(ctx, "balances/u2", []byte("200"))

	h := newHub()
	defer h.close()

	markets := make(chan Entry, 8)
	balances := make(chan Entry, 8)
	h.subscribe(ctx, "markets/", func(e Entry) { markets <- e })
	h.subscribe(ctx, "balances/u1", func(e Entry) { balances <- e })

	h.resync(ctx, st)

	expectPaths(t, markets, "markets/m1")
	expectPaths(t, balances, "balances/u1")
}

func expectPaths(t *testing.T, ch <-chan Entry, want ...string) {
	t.Helper()
	for _, p := range want {
		select {
		case e := <-ch:
			if e.Path != p {
				t.Errorf("expected %s, got %s", p, e.Path)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", p)
		}
	}
	select {
	case e := <-ch:
		t.Errorf("unexpected extra delivery %s", e.Path)
	case <-time.After(20 * time.Millisecond):
	}
}
