package kv

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
)

const badgerSetAttempts = 32

// BadgerOptions configures an embedded Badger store.
type BadgerOptions struct {
	Dir      string
	InMemory bool
}

// BadgerStore implements Store on an embedded Badger database. Each value
// is stored behind an 8-byte big-endian version header; Badger's
// transaction conflict detection backs the compare-and-swap. The database
// directory is locked to one process, so notifications are fanned out
// in-process after each commit.
type BadgerStore struct {
	db  *badger.DB
	hub *hub

	// commitMu orders commit+publish so notifications for a path follow
	// commit order.
	commitMu sync.Mutex
}

// OpenBadger opens (or creates) the database described by opts.
func OpenBadger(opts BadgerOptions) (*BadgerStore, error) {
	dir := opts.Dir
	if opts.InMemory {
		dir = ""
	} else if strings.TrimSpace(dir) == "" {
		return nil, errors.New("kv: badger dir is required")
	}

	bopts := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithInMemory(opts.InMemory)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("kv: open badger: %w", err)
	}
	return &BadgerStore{db: db, hub: newHub()}, nil
}

func (s *BadgerStore) Get(_ context.Context, path string) (Entry, error) {
	e := Entry{Path: path}
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		e, err = readEntry(txn, path)
		return err
	})
	if err != nil {
		return Entry{}, badgerErr("get", err)
	}
	return e, nil
}

func (s *BadgerStore) List(_ context.Context, prefix string) ([]Entry, error) {
	var out []Entry
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		p := []byte(strings.TrimSuffix(prefix, "/"))
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			path := string(item.KeyCopy(nil))
			if !matchPath(prefix, path) {
				continue
			}
			e := Entry{Path: path}
			if err := item.Value(func(val []byte) error {
				e.Version, e.Value = decodeVersioned(val)
				return nil
			}); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, badgerErr("list", err)
	}
	return out, nil
}

func (s *BadgerStore) Set(ctx context.Context, path string, value []byte) (uint64, error) {
	// Unconditional writes still race other writers on the version header;
	// retry until the read-then-write commits.
	for attempt := 0; attempt < badgerSetAttempts; attempt++ {
		cur, err := s.Get(ctx, path)
		if err != nil {
			return 0, err
		}
		ver, err := s.CompareAndSwap(ctx, path, cur.Version, value)
		if !errors.Is(err, ErrVersionMismatch) {
			return ver, err
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
	}
	return 0, fmt.Errorf("badger set %s: %w", path, ErrRetriesExhausted)
}

func (s *BadgerStore) CompareAndSwap(_ context.Context, path string, version uint64, value []byte) (uint64, error) {
	next := version + 1

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		cur, err := readEntry(txn, path)
		if err != nil {
			return err
		}
		if cur.Version != version {
			return ErrVersionMismatch
		}
		return txn.Set([]byte(path), encodeVersioned(next, value))
	})
	switch {
	case errors.Is(err, ErrVersionMismatch), errors.Is(err, badger.ErrConflict):
		return 0, ErrVersionMismatch
	case err != nil:
		return 0, badgerErr("cas", err)
	}

	s.hub.publish(Entry{Path: path, Value: value, Version: next})
	return next, nil
}

func (s *BadgerStore) Subscribe(ctx context.Context, prefix string, fn func(Entry)) (Subscription, error) {
	return s.hub.subscribe(ctx, prefix, fn)
}

func (s *BadgerStore) Close() error {
	s.hub.close()
	return s.db.Close()
}

func readEntry(txn *badger.Txn, path string) (Entry, error) {
	e := Entry{Path: path}
	item, err := txn.Get([]byte(path))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return e, nil
	}
	if err != nil {
		return e, err
	}
	err = item.Value(func(val []byte) error {
		e.Version, e.Value = decodeVersioned(val)
		return nil
	})
	return e, err
}

func encodeVersioned(version uint64, value []byte) []byte {
	buf := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(buf, version)
	copy(buf[8:], value)
	return buf
}

// decodeVersioned copies out of val; Badger reuses value buffers once the
// callback returns.
func decodeVersioned(val []byte) (uint64, []byte) {
	if len(val) < 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(val[:8]), clone(val[8:])
}

func badgerErr(op string, err error) error {
	if errors.Is(err, badger.ErrDBClosed) {
		return ErrClosed
	}
	return fmt.Errorf("badger %s: %w: %w", op, ErrUnavailable, err)
}
