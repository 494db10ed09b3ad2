// Package api provides the HTTP handlers for joining, managing markets,
// placing stakes and reading balances, plus the WebSocket bridge that
// streams store notifications to a connected session.
//
// Money is an integer count of units; implied returns use shopspring/decimal.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/potshot/pool-engine/internal/aggregate"
	"github.com/potshot/pool-engine/internal/ledger"
	"github.com/potshot/pool-engine/internal/market"
	"github.com/potshot/pool-engine/internal/model"
	"github.com/potshot/pool-engine/internal/session"
	"github.com/potshot/pool-engine/internal/settlement"
	"github.com/potshot/pool-engine/internal/stake"
)

// UserHeader carries the caller's user id on authenticated requests.
const UserHeader = "X-User-ID"

// retryAfterSeconds is advertised with 503 responses.
const retryAfterSeconds = 1

var (
	errUnauthenticated = errors.New("unknown or missing user")
	errForbidden       = errors.New("forbidden")
)

// Service handles the HTTP surface. It holds no state of its own; every
// request reads and writes through the store-backed components.
type Service struct {
	sessions *session.Manager
	markets  *market.Registry
	stakes   *stake.Book
	ledger   *ledger.Ledger
	engine   *settlement.Engine
}

// NewService creates a new Service.
func NewService(sm *session.Manager, r *market.Registry, b *stake.Book, l *ledger.Ledger, e *settlement.Engine) *Service {
	return &Service{sessions: sm, markets: r, stakes: b, ledger: l, engine: e}
}

// Routes mounts the REST endpoints on r. hub may be nil.
func (s *Service) Routes(r chi.Router, hub *WSHub) {
	r.Post("/sessions", s.Join)
	r.Get("/markets", s.ListMarkets)
	r.Get("/markets/{marketID}", s.GetMarket)
	r.Get("/markets/{marketID}/summary", s.GetSummary)
	r.Get("/markets/{marketID}/stakes", s.ListStakes)
	r.Get("/markets/{marketID}/stakes/{userID}", s.GetStake)
	r.Get("/balances/{userID}", s.GetBalance)

	r.Group(func(r chi.Router) {
		r.Use(s.Authenticate)
		r.Post("/markets", s.CreateMarket)
		r.Post("/markets/{marketID}/close", s.CloseMarket)
		r.Post("/markets/{marketID}/settle", s.SettleMarket)
		r.Post("/markets/{marketID}/stakes", s.PlaceStake)
		r.Post("/markets/{marketID}/claim", s.Claim)
	})

	if hub != nil {
		r.Get("/ws", hub.HandleWS)
	}
}

// --- Request/Response types ---

// JoinRequest is the JSON body for POST /sessions.
type JoinRequest struct {
	DisplayName string `json:"display_name"`
	AdminToken  string `json:"admin_token,omitempty"`
}

// JoinResponse returns the issued identity and opening balance.
type JoinResponse struct {
	Session session.Session `json:"session"`
	Balance int64           `json:"balance"`
}

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	Question string   `json:"question"`
	Outcomes []string `json:"outcomes"`
}

// SettleMarketRequest is the JSON body for POST /markets/{id}/settle.
type SettleMarketRequest struct {
	OutcomeIndex *int `json:"outcome_index"`
}

// StakeRequest is the JSON body for POST /markets/{id}/stakes.
type StakeRequest struct {
	OutcomeIndex *int  `json:"outcome_index"`
	Amount       int64 `json:"amount"`
}

// StakeResponse is the placed stake plus the balance left after the debit.
type StakeResponse struct {
	Stake   *model.Stake `json:"stake"`
	Balance int64        `json:"balance"`
}

// --- Session middleware ---

type sessionKey struct{}

// Authenticate resolves the UserHeader into a session.Session stored on the
// request context.
func (s *Service) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid := r.Header.Get(UserHeader)
		if uid == "" {
			writeError(w, errUnauthenticated.Error(), http.StatusUnauthorized)
			return
		}
		sess, err := s.sessions.Resume(r.Context(), uid)
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, errUnauthenticated.Error(), http.StatusUnauthorized)
			return
		}
		if err != nil {
			writeErr(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, *sess)))
	})
}

// SessionFrom returns the session set by Authenticate.
func SessionFrom(ctx context.Context) (session.Session, bool) {
	sess, ok := ctx.Value(sessionKey{}).(session.Session)
	return sess, ok
}

// --- HTTP Handlers ---

// Join handles POST /api/v1/sessions
func (s *Service) Join(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	sess, err := s.sessions.Join(ctx, req.DisplayName, req.AdminToken)
	if err != nil {
		writeErr(w, err)
		return
	}
	bal, err := s.ledger.Balance(ctx, sess.UserID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, JoinResponse{Session: *sess, Balance: bal.Balance})
}

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	var req CreateMarketRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	m, err := s.markets.Create(r.Context(), req.Question, req.Outcomes)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// CloseMarket handles POST /api/v1/markets/{marketID}/close
func (s *Service) CloseMarket(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	m, err := s.markets.Close(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// SettleMarket handles POST /api/v1/markets/{marketID}/settle
func (s *Service) SettleMarket(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	var req SettleMarketRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.OutcomeIndex == nil {
		writeError(w, "outcome_index is required", http.StatusBadRequest)
		return
	}

	m, err := s.markets.Settle(r.Context(), chi.URLParam(r, "marketID"), *req.OutcomeIndex)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// PlaceStake handles POST /api/v1/markets/{marketID}/stakes
func (s *Service) PlaceStake(w http.ResponseWriter, r *http.Request) {
	sess, _ := SessionFrom(r.Context())
	if sess.Admin {
		writeError(w, "admins cannot stake", http.StatusForbidden)
		return
	}
	var req StakeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.OutcomeIndex == nil {
		writeError(w, "outcome_index is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	st, err := s.stakes.Place(ctx, sess, chi.URLParam(r, "marketID"), *req.OutcomeIndex, req.Amount)
	if err != nil {
		writeErr(w, err)
		return
	}

	resp := StakeResponse{Stake: st}
	if bal, err := s.ledger.Balance(ctx, sess.UserID); err == nil {
		resp.Balance = bal.Balance
	}
	writeJSON(w, http.StatusCreated, resp)
}

// Claim handles POST /api/v1/markets/{marketID}/claim. It runs the same
// settlement as the session watcher, for clients without a live socket.
func (s *Service) Claim(w http.ResponseWriter, r *http.Request) {
	sess, _ := SessionFrom(r.Context())
	res, err := s.engine.Settle(r.Context(), sess, chi.URLParam(r, "marketID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListMarkets handles GET /api/v1/markets
// Returns all markets, optionally filtered by ?status=open|closed|settled.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.markets.List(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}

	status := model.MarketStatus(r.URL.Query().Get("status"))
	out := make([]*model.Market, 0, len(markets))
	for _, m := range markets {
		if status == "" || m.Status == status {
			out = append(out, m)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.markets.Get(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// GetSummary handles GET /api/v1/markets/{marketID}/summary
func (s *Service) GetSummary(w http.ResponseWriter, r *http.Request) {
	m, err := s.markets.Get(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, aggregate.Summarize(m))
}

// ListStakes handles GET /api/v1/markets/{marketID}/stakes
func (s *Service) ListStakes(w http.ResponseWriter, r *http.Request) {
	stakes, err := s.stakes.ListByMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stakes)
}

// GetStake handles GET /api/v1/markets/{marketID}/stakes/{userID}
func (s *Service) GetStake(w http.ResponseWriter, r *http.Request) {
	st, err := s.stakes.Get(r.Context(), chi.URLParam(r, "marketID"), chi.URLParam(r, "userID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetBalance handles GET /api/v1/balances/{userID}
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := s.ledger.Balance(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	sess, ok := SessionFrom(r.Context())
	if !ok || !sess.Admin {
		writeError(w, errForbidden.Error(), http.StatusForbidden)
		return false
	}
	return true
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// statusFor maps a core error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, model.ErrInsufficientFunds),
		errors.Is(err, model.ErrMarketNotOpen),
		errors.Is(err, model.ErrAlreadyStaked),
		errors.Is(err, model.ErrSettledOutcomeMismatch),
		errors.Is(err, model.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, model.ErrTransient),
		errors.Is(err, model.ErrStoreUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeErr writes err with the status statusFor assigns. Internal errors are
// logged and replaced by a generic message.
func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	case http.StatusInternalServerError:
		slog.Error("request failed", "err", err)
		msg = "internal error"
	}
	writeError(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
