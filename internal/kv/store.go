// Package kv is the shared-state layer of the pool engine: a path-addressed
// key/value store offering single-key optimistic compare-and-swap and
// asynchronous, at-least-once change notifications. Nothing in this package
// spans more than one key; callers build every invariant on top of per-key
// CAS.
//
// Implementations include in-memory (tests, development), Badger (embedded),
// PostgreSQL (LISTEN/NOTIFY) and Redis (WATCH/MULTI plus pub/sub).
package kv

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrVersionMismatch is returned by CompareAndSwap when the stored
	// version differs from the one the caller read.
	ErrVersionMismatch = errors.New("kv: version mismatch")

	// ErrRetriesExhausted is returned by Client.Update when every attempt
	// lost a compare-and-swap race.
	ErrRetriesExhausted = errors.New("kv: conflict retries exhausted")

	// ErrUnavailable wraps transport and driver failures of a backend.
	ErrUnavailable = errors.New("kv: store unavailable")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("kv: store closed")

	// ErrNoChange is returned by an UpdateFunc to leave the value untouched.
	// Client.Update then returns the current entry and a nil error.
	ErrNoChange = errors.New("kv: no change")
)

// Entry is one stored value. Version 0 means the path holds no value.
// Versions are strictly increasing per path.
type Entry struct {
	Path    string
	Value   []byte
	Version uint64
}

// Exists reports whether the entry holds a value.
func (e Entry) Exists() bool { return e.Version != 0 }

// Subscription is a handle on a live subscription. Close stops further
// deliveries; it must not be called from inside the subscription callback
// for the PostgreSQL and Redis backends.
type Subscription interface {
	Close() error
}

// Store is the backend interface.
type Store interface {
	// Get returns the entry at path, or an entry with Version 0 if absent.
	Get(ctx context.Context, path string) (Entry, error)

	// List returns every entry at or below prefix, ordered by path.
	List(ctx context.Context, prefix string) ([]Entry, error)

	// Set unconditionally writes value and returns the new version.
	Set(ctx context.Context, path string, value []byte) (uint64, error)

	// CompareAndSwap writes value only if the stored version equals
	// version (0 meaning "absent"). Returns ErrVersionMismatch otherwise.
	CompareAndSwap(ctx context.Context, path string, version uint64, value []byte) (uint64, error)

	// Subscribe delivers the current entry for every path at or below
	// prefix each time it changes. Delivery is asynchronous, at-least-once,
	// and ordered per path; after a reconnect a backend may redeliver.
	Subscribe(ctx context.Context, prefix string, fn func(Entry)) (Subscription, error)

	Close() error
}

// Join builds a store path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// matchPath reports whether path is prefix itself or lies below it.
func matchPath(prefix, path string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" || path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}

// Kind returns the first path segment ("balances", "markets", ...). Used as
// a low-cardinality metrics label.
func Kind(path string) string {
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return path
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
