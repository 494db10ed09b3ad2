// Package kvtest provides fault injection around a kv.Store for tests.
package kvtest

import (
	"context"
	"strings"
	"sync"

	"github.com/potshot/pool-engine/internal/kv"
)

// Op names a Store operation that can be made to fail.
type Op string

const (
	OpGet  Op = "get"
	OpList Op = "list"
	OpSet  Op = "set"
	OpCAS  Op = "cas"
)

type fault struct {
	op     Op
	prefix string
	err    error
	// remaining is the number of calls still to fail; negative means always.
	remaining int
	// after lets the write land before returning err.
	after bool
}

// FaultStore wraps a Store and fails selected calls.
type FaultStore struct {
	kv.Store

	mu     sync.Mutex
	faults []*fault
	calls  map[Op]int
	copies int
}

// Wrap returns a FaultStore delegating to st.
func Wrap(st kv.Store) *FaultStore {
	return &FaultStore{Store: st, calls: make(map[Op]int)}
}

// Fail makes the next n calls of op on paths under prefix return err
// without touching the backend. n < 0 fails every call.
func (f *FaultStore) Fail(op Op, prefix string, n int, err error) {
	f.add(&fault{op: op, prefix: prefix, err: err, remaining: n})
}

// FailAfterWrite is like Fail for OpSet and OpCAS, except the write is
// applied first. It models a reply lost after commit.
func (f *FaultStore) FailAfterWrite(op Op, prefix string, n int, err error) {
	f.add(&fault{op: op, prefix: prefix, err: err, remaining: n, after: true})
}

// Redeliver makes every subscription notification arrive n times.
func (f *FaultStore) Redeliver(n int) {
	f.mu.Lock()
	f.copies = n
	f.mu.Unlock()
}

// Reset removes every configured fault.
func (f *FaultStore) Reset() {
	f.mu.Lock()
	f.faults = nil
	f.mu.Unlock()
}

// Calls returns how many times op was invoked.
func (f *FaultStore) Calls(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *FaultStore) add(ft *fault) {
	f.mu.Lock()
	f.faults = append(f.faults, ft)
	f.mu.Unlock()
}

func (f *FaultStore) take(op Op, path string) *fault {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	for _, ft := range f.faults {
		if ft.op != op || ft.remaining == 0 || !strings.HasPrefix(path, ft.prefix) {
			continue
		}
		if ft.remaining > 0 {
			ft.remaining--
		}
		return ft
	}
	return nil
}

func (f *FaultStore) Get(ctx context.Context, path string) (kv.Entry, error) {
	if ft := f.take(OpGet, path); ft != nil {
		return kv.Entry{}, ft.err
	}
	return f.Store.Get(ctx, path)
}

func (f *FaultStore) List(ctx context.Context, prefix string) ([]kv.Entry, error) {
	if ft := f.take(OpList, prefix); ft != nil {
		return nil, ft.err
	}
	return f.Store.List(ctx, prefix)
}

func (f *FaultStore) Set(ctx context.Context, path string, value []byte) (uint64, error) {
	ft := f.take(OpSet, path)
	if ft != nil && !ft.after {
		return 0, ft.err
	}
	ver, err := f.Store.Set(ctx, path, value)
	if ft != nil && err == nil {
		return 0, ft.err
	}
	return ver, err
}

func (f *FaultStore) CompareAndSwap(ctx context.Context, path string, version uint64, value []byte) (uint64, error) {
	ft := f.take(OpCAS, path)
	if ft != nil && !ft.after {
		return 0, ft.err
	}
	ver, err := f.Store.CompareAndSwap(ctx, path, version, value)
	if ft != nil && err == nil {
		return 0, ft.err
	}
	return ver, err
}

func (f *FaultStore) Subscribe(ctx context.Context, prefix string, fn func(kv.Entry)) (kv.Subscription, error) {
	return f.Store.Subscribe(ctx, prefix, func(e kv.Entry) {
		f.mu.Lock()
		n := f.copies
		f.mu.Unlock()
		for i := 0; i < max(n, 1); i++ {
			fn(e)
		}
	})
}
