package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "kv:"
	redisChannel   = "kv:changes"
	redisScanCount = 256
)

// RedisStore implements Store on Redis hashes. Each path maps to a hash with
// the value under "v" and its version under "ver". CompareAndSwap uses
// WATCH/MULTI; every write publishes the path on a pub/sub channel in the
// same transaction.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Get(ctx context.Context, path string) (Entry, error) {
	fields, err := s.rdb.HGetAll(ctx, redisKey(path)).Result()
	if err != nil {
		return Entry{}, redisErr("get", err)
	}
	return decodeHash(path, fields)
}

func (s *RedisStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	match := redisKeyPrefix + globEscape(strings.TrimSuffix(prefix, "/")) + "*"

	var out []Entry
	iter := s.rdb.Scan(ctx, 0, match, redisScanCount).Iterator()
	for iter.Next(ctx) {
		path := strings.TrimPrefix(iter.Val(), redisKeyPrefix)
		if !matchPath(prefix, path) {
			continue
		}
		e, err := s.Get(ctx, path)
		if err != nil {
			return nil, err
		}
		// Deleted between SCAN and HGETALL.
		if !e.Exists() {
			continue
		}
		out = append(out, e)
	}
	if err := iter.Err(); err != nil {
		return nil, redisErr("list", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *RedisStore) Set(ctx context.Context, path string, value []byte) (uint64, error) {
	key := redisKey(path)
	var incr *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "v", value)
		incr = pipe.HIncrBy(ctx, key, "ver", 1)
		pipe.Publish(ctx, redisChannel, path)
		return nil
	})
	if err != nil {
		return 0, redisErr("set", err)
	}
	return uint64(incr.Val()), nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, path string, version uint64, value []byte) (uint64, error) {
	key := redisKey(path)
	next := version + 1

	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, key, "ver").Uint64()
		if errors.Is(err, redis.Nil) {
			cur = 0
		} else if err != nil {
			return err
		}
		if cur != version {
			return ErrVersionMismatch
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "v", value, "ver", next)
			pipe.Publish(ctx, redisChannel, path)
			return nil
		})
		return err
	}, key)

	switch {
	case errors.Is(err, ErrVersionMismatch), errors.Is(err, redis.TxFailedErr):
		return 0, ErrVersionMismatch
	case err != nil:
		return 0, redisErr("cas", err)
	}
	return next, nil
}

// Subscribe listens on the change channel and re-reads each matching path.
// go-redis reconnects the pub/sub connection on its own and confirms the
// re-subscription; messages published while it was down are lost, so the
// current state of prefix is replayed on every confirmation after the first.
func (s *RedisStore) Subscribe(ctx context.Context, prefix string, fn func(Entry)) (Subscription, error) {
	pubsub := s.rdb.Subscribe(ctx, redisChannel)

	// Verify the subscription is established by receiving the confirmation.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, redisErr("subscribe", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := newLoopSubscription(cancel)
	// Receive does not watch ctx; closing the pubsub unblocks it.
	stop := context.AfterFunc(ctx, func() { _ = pubsub.Close() })
	go func() {
		defer sub.finish()
		defer stop()
		defer pubsub.Close()
		s.receive(ctx, pubsub, prefix, fn)
	}()
	return sub, nil
}

func (s *RedisStore) receive(ctx context.Context, pubsub *redis.PubSub, prefix string, fn func(Entry)) {
	policy := DefaultRetryPolicy()
	policy.MaxDelay = reconnectMaxDelay
	failures := 0

	for {
		msg, err := pubsub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			failures++
			slog.Warn("kv: redis subscription interrupted", "prefix", prefix, "attempt", failures, "err", err)
			if sleep(ctx, policy.Backoff(failures)) != nil {
				return
			}
			continue
		}
		failures = 0

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				replay(ctx, s, prefix, fn)
			}
		case *redis.Message:
			if !matchPath(prefix, m.Payload) {
				continue
			}
			e, err := s.Get(ctx, m.Payload)
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("kv: redis notification read failed", "path", m.Payload, "err", err)
				}
				continue
			}
			fn(e)
		}
	}
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func redisKey(path string) string { return redisKeyPrefix + path }

func decodeHash(path string, fields map[string]string) (Entry, error) {
	e := Entry{Path: path}
	raw, ok := fields["ver"]
	if !ok {
		return e, nil
	}
	ver, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("redis get %s: bad version %q: %w", path, raw, ErrUnavailable)
	}
	e.Version = ver
	e.Value = []byte(fields["v"])
	return e, nil
}

// globEscape quotes the characters SCAN MATCH treats specially.
func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func redisErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, redis.ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("redis %s: %w: %w", op, ErrUnavailable, err)
}
