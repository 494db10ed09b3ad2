package kv

import (
	"context"
	"sync"
)

// hub fans committed writes out to in-process subscribers. Each subscriber
// owns an unbounded queue drained by its own goroutine, so a slow callback
// never blocks a writer and per-path order is the order of publish calls.
type hub struct {
	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[uint64]*subscriber)}
}

func (h *hub) subscribe(ctx context.Context, prefix string, fn func(Entry)) (Subscription, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.nextID++
	s := &subscriber{
		id:     h.nextID,
		prefix: prefix,
		fn:     fn,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		hub:    h,
	}
	h.subs[s.id] = s
	h.mu.Unlock()

	go s.run(ctx)
	return s, nil
}

func (h *hub) publish(e Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		if matchPath(s.prefix, e.Path) {
			s.push(Entry{Path: e.Path, Value: clone(e.Value), Version: e.Version})
		}
	}
}

// wants reports whether any subscriber's prefix covers path.
func (h *hub) wants(path string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		if matchPath(s.prefix, path) {
			return true
		}
	}
	return false
}

// resync re-delivers the current state under every subscriber's prefix,
// for backends that can miss notifications while reconnecting.
func (h *hub) resync(ctx context.Context, st Store) {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		replay(ctx, st, s.prefix, s.push)
	}
}

func (h *hub) close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}

type subscriber struct {
	id     uint64
	prefix string
	fn     func(Entry)
	hub    *hub

	mu    sync.Mutex
	queue []Entry

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func (s *subscriber) push(e Entry) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run(ctx context.Context) {
	defer s.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			batch := s.queue
			s.queue = nil
			s.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, e := range batch {
				select {
				case <-s.done:
					return
				default:
				}
				s.fn(e)
			}
		}
	}
}

func (s *subscriber) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.hub.mu.Lock()
		delete(s.hub.subs, s.id)
		s.hub.mu.Unlock()
	})
	return nil
}
