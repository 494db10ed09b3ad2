package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/potshot/pool-engine/internal/aggregate"
	"github.com/potshot/pool-engine/internal/ledger"
	"github.com/potshot/pool-engine/internal/market"
	"github.com/potshot/pool-engine/internal/metrics"
	"github.com/potshot/pool-engine/internal/model"
	"github.com/potshot/pool-engine/internal/session"
	"github.com/potshot/pool-engine/internal/settlement"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	sendBuffer = 64

	maxMessageSize = 4096
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type       string             `json:"type"` // hello, market, balance, settlement
	Session    *session.Session   `json:"session,omitempty"`
	Market     *model.Market      `json:"market,omitempty"`
	Summary    *aggregate.Summary `json:"summary,omitempty"`
	Balance    *model.Balance     `json:"balance,omitempty"`
	Settlement *settlement.Result `json:"settlement,omitempty"`
}

// WSOptions configures a WSHub.
type WSOptions struct {
	// AllowedOrigins lists accepted Origin headers; "*" or an empty list
	// accepts any origin.
	AllowedOrigins []string
	Watcher        settlement.WatcherOptions
}

// WSHub serves one live session per WebSocket connection. Each connection
// gets its own goroutine tree: market and balance subscriptions forwarded to
// the socket, and a settlement watcher that claims the user's payouts.
// Connections share nothing but the store.
type WSHub struct {
	sessions *session.Manager
	markets  *market.Registry
	ledger   *ledger.Ledger
	engine   *settlement.Engine
	opts     WSOptions
	upgrader websocket.Upgrader

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(sm *session.Manager, r *market.Registry, l *ledger.Ledger, e *settlement.Engine, opts WSOptions) *WSHub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &WSHub{
		sessions: sm,
		markets:  r,
		ledger:   l,
		engine:   e,
		opts:     opts,
		base:     ctx,
		cancel:   cancel,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *WSHub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opts.AllowedOrigins) == 0 || slices.Contains(h.opts.AllowedOrigins, "*") {
		return true
	}
	return slices.Contains(h.opts.AllowedOrigins, origin)
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws. The user is
// taken from the X-User-ID header or the user_id query parameter, since
// browsers cannot set headers on the upgrade request.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	uid := r.Header.Get(UserHeader)
	if uid == "" {
		uid = r.URL.Query().Get("user_id")
	}
	if uid == "" {
		writeError(w, errUnauthenticated.Error(), http.StatusUnauthorized)
		return
	}
	sess, err := h.sessions.Resume(r.Context(), uid)
	if err != nil {
		if statusFor(err) == http.StatusNotFound {
			writeError(w, errUnauthenticated.Error(), http.StatusUnauthorized)
			return
		}
		writeErr(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	// The connection outlives the request context, which request-timeout
	// middleware cancels.
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.serve(conn, *sess)
	}()
}

// Shutdown ends every connection and waits for their goroutines, or for ctx.
func (h *WSHub) Shutdown(ctx context.Context) error {
	h.cancel()
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type wsConn struct {
	conn   *websocket.Conn
	send   chan []byte
	cancel context.CancelFunc
	user   string
}

// push queues msg for the writer. A client that falls a full buffer behind
// is disconnected; it resynchronizes from the snapshot on reconnect.
func (c *wsConn) push(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("ws marshal failed", "type", msg.Type, "err", err)
		return
	}
	select {
	case c.send <- data:
	default:
		slog.Warn("ws client too slow, disconnecting", "user", c.user)
		c.cancel()
	}
}

func (h *WSHub) serve(conn *websocket.Conn, sess session.Session) {
	ctx, cancel := context.WithCancel(h.base)
	defer cancel()

	c := &wsConn{conn: conn, send: make(chan []byte, sendBuffer), cancel: cancel, user: sess.UserID}

	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()
	slog.Info("ws session started", "user", sess.UserID)
	defer slog.Info("ws session ended", "user", sess.UserID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.writePump(gctx) })
	g.Go(func() error {
		c.readPump()
		return nil
	})

	c.push(WSMessage{Type: "hello", Session: &sess})

	// One market subscription per connection feeds both the client and the
	// settlement watcher.
	var watcher *settlement.Watcher
	if !sess.Admin {
		wopts := h.opts.Watcher
		wopts.ExternalFeed = true
		wopts.OnResult = func(res settlement.Result) {
			if res.Status == settlement.StatusClaimed {
				c.push(WSMessage{Type: "settlement", Settlement: &res})
			}
		}
		watcher = settlement.NewWatcher(h.engine, h.markets, wopts)
	}

	marketSub, err := h.markets.OnMarketChange(gctx, func(m *model.Market) {
		s := aggregate.Summarize(m)
		c.push(WSMessage{Type: "market", Market: m, Summary: &s})
		if watcher != nil {
			watcher.Observe(m)
		}
	})
	if err != nil {
		slog.Error("ws market subscription failed", "user", sess.UserID, "err", err)
		cancel()
	} else {
		defer marketSub.Close()
	}

	balanceSub, err := h.ledger.OnBalanceChange(gctx, sess.UserID, func(b *model.Balance) {
		c.push(WSMessage{Type: "balance", Balance: b})
	})
	if err != nil {
		slog.Error("ws balance subscription failed", "user", sess.UserID, "err", err)
		cancel()
	} else {
		defer balanceSub.Close()
	}

	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx, sess) })
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Warn("ws session failed", "user", sess.UserID, "err", err)
	}
}

// readPump keeps the connection alive and detects disconnects. Client
// messages carry no commands and are discarded.
func (c *wsConn) readPump() {
	defer c.cancel()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on the connection. It closes the socket when
// ctx ends, which also unblocks readPump.
func (c *wsConn) writePump(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return nil
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.cancel()
				return nil
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return nil
			}
		}
	}
}
