package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgChannel is the LISTEN/NOTIFY channel carrying changed paths.
const pgChannel = "kv_changes"

const pgSchema = `
CREATE TABLE IF NOT EXISTS kv_entries (
	path       TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	version    BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore implements Store on a single PostgreSQL table. The version
// column backs compare-and-swap; every write issues pg_notify with the path
// inside the writing transaction, so listeners hear about it on commit.
//
// A store holds at most one pooled connection in LISTEN mode, opened by the
// first Subscribe. Notifications are read once and fanned out to
// subscribers in process.
type PostgresStore struct {
	pool *pgxpool.Pool
	hub  *hub

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listening chan struct{} // closed when the listener exits; nil until started
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	ctx, cancel := context.WithCancel(context.Background())
	return &PostgresStore{pool: pool, hub: newHub(), ctx: ctx, cancel: cancel}
}

// Migrate creates the backing table. Safe to call repeatedly.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("kv: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, path string) (Entry, error) {
	e := Entry{Path: path}
	var version int64

	err := s.pool.QueryRow(ctx,
		`SELECT value, version FROM kv_entries WHERE path = $1`, path).
		Scan(&e.Value, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return e, nil
	}
	if err != nil {
		return Entry{}, pgErr("get", err)
	}
	e.Version = uint64(version)
	return e, nil
}

func (s *PostgresStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	base := strings.TrimSuffix(prefix, "/")
	rows, err := s.pool.Query(ctx,
		`SELECT path, value, version FROM kv_entries
		 WHERE $1 = '' OR path = $1 OR starts_with(path, $1 || '/')
		 ORDER BY path`, base)
	if err != nil {
		return nil, pgErr("list", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var version int64
		if err := rows.Scan(&e.Path, &e.Value, &version); err != nil {
			return nil, pgErr("list", err)
		}
		e.Version = uint64(version)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, pgErr("list", err)
	}
	return out, nil
}

func (s *PostgresStore) Set(ctx context.Context, path string, value []byte) (uint64, error) {
	var version int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`INSERT INTO kv_entries (path, value, version)
			 VALUES ($1, $2, 1)
			 ON CONFLICT (path) DO UPDATE
			 SET value = EXCLUDED.value,
			     version = kv_entries.version + 1,
			     updated_at = now()
			 RETURNING version`, path, value).Scan(&version); err != nil {
			return err
		}
		return notify(ctx, tx, path)
	})
	if err != nil {
		return 0, pgErr("set", err)
	}
	return uint64(version), nil
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, path string, version uint64, value []byte) (uint64, error) {
	var next int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var row pgx.Row
		if version == 0 {
			row = tx.QueryRow(ctx,
				`INSERT INTO kv_entries (path, value, version)
				 VALUES ($1, $2, 1)
				 ON CONFLICT (path) DO NOTHING
				 RETURNING version`, path, value)
		} else {
			row = tx.QueryRow(ctx,
				`UPDATE kv_entries
				 SET value = $2, version = version + 1, updated_at = now()
				 WHERE path = $1 AND version = $3
				 RETURNING version`, path, value, int64(version))
		}
		if err := row.Scan(&next); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrVersionMismatch
			}
			return err
		}
		return notify(ctx, tx, path)
	})
	if errors.Is(err, ErrVersionMismatch) {
		return 0, ErrVersionMismatch
	}
	if err != nil {
		return 0, pgErr("cas", err)
	}
	return uint64(next), nil
}

// Subscribe registers fn with the store's shared listener, starting it on
// first use.
func (s *PostgresStore) Subscribe(ctx context.Context, prefix string, fn func(Entry)) (Subscription, error) {
	if err := s.startListener(ctx); err != nil {
		return nil, err
	}
	return s.hub.subscribe(ctx, prefix, fn)
}

func (s *PostgresStore) Close() error {
	s.cancel()
	s.mu.Lock()
	done := s.listening
	s.mu.Unlock()
	if done != nil {
		<-done
	}
	s.hub.close()
	s.pool.Close()
	return nil
}

func (s *PostgresStore) startListener(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	if s.listening != nil {
		return nil
	}
	conn, err := s.listen(ctx)
	if err != nil {
		return err
	}
	s.listening = make(chan struct{})
	go s.run(conn, s.listening)
	return nil
}

// run pumps notifications until the store closes. When the connection drops
// it reconnects with backoff and replays the current state under every
// subscriber's prefix, since notifications sent while disconnected are lost.
func (s *PostgresStore) run(conn *pgxpool.Conn, done chan struct{}) {
	defer close(done)
	for {
		err := s.pump(s.ctx, conn)
		s.release(conn)
		if s.ctx.Err() != nil {
			return
		}
		slog.Warn("kv: postgres listener dropped", "err", err)

		conn = s.relisten(s.ctx)
		if conn == nil {
			return
		}
		s.hub.resync(s.ctx, s)
	}
}

func (s *PostgresStore) listen(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, pgErr("listen", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgChannel); err != nil {
		conn.Release()
		return nil, pgErr("listen", err)
	}
	return conn, nil
}

func (s *PostgresStore) relisten(ctx context.Context) *pgxpool.Conn {
	policy := DefaultRetryPolicy()
	policy.MaxDelay = reconnectMaxDelay
	for attempt := 1; ; attempt++ {
		if sleep(ctx, policy.Backoff(attempt)) != nil {
			return nil
		}
		conn, err := s.listen(ctx)
		if err == nil {
			return conn
		}
		slog.Warn("kv: postgres relisten failed", "attempt", attempt, "err", err)
	}
}

// pump reads each notified path once, and only when a subscriber wants it.
func (s *PostgresStore) pump(ctx context.Context, conn *pgxpool.Conn) error {
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		if n.Channel != pgChannel || !s.hub.wants(n.Payload) {
			continue
		}
		e, err := s.Get(ctx, n.Payload)
		if err != nil {
			slog.Warn("kv: postgres notification read failed", "path", n.Payload, "err", err)
			continue
		}
		s.hub.publish(e)
	}
}

// release returns the listening connection to the pool. UNLISTEN runs on a
// fresh context because the store context is usually cancelled by now; a
// connection that cannot be reset is destroyed instead.
func (s *PostgresStore) release(conn *pgxpool.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if _, err := conn.Exec(ctx, "UNLISTEN *"); err != nil {
		conn.Hijack().Close(ctx)
		return
	}
	conn.Release()
}

func notify(ctx context.Context, tx pgx.Tx, path string) error {
	_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, pgChannel, path)
	return err
}

func pgErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("postgres %s: %w: %w", op, ErrUnavailable, err)
}
