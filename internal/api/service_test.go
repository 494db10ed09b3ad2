package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/potshot/pool-engine/internal/aggregate"
	"github.com/potshot/pool-engine/internal/api"
	"github.com/potshot/pool-engine/internal/kv"
	"github.com/potshot/pool-engine/internal/ledger"
	"github.com/potshot/pool-engine/internal/market"
	"github.com/potshot/pool-engine/internal/model"
	"github.com/potshot/pool-engine/internal/session"
	"github.com/potshot/pool-engine/internal/settlement"
	"github.com/potshot/pool-engine/internal/stake"
)

type testEnv struct {
	store  *kv.MemoryStore
	hub    *api.WSHub
	router chi.Router
}

// newTestEnv wires the full service over an in-memory store and chi router.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, session.Options{StartingBalance: 1000, AdminNames: []string{"admin"}})
}

func newTestEnvWith(t *testing.T, opts session.Options) *testEnv {
	t.Helper()
	ms := kv.NewMemoryStore()
	t.Cleanup(func() { ms.Close() })

	c := kv.NewClient(ms, kv.RetryPolicy{})
	l := ledger.New(c)
	r := market.NewRegistry(c)
	b := stake.NewBook(c, l, r)
	e := settlement.NewEngine(r, b, l)
	sm := session.NewManager(c, l, nil, opts)

	svc := api.NewService(sm, r, b, l, e)
	hub := api.NewWSHub(sm, r, l, e, api.WSOptions{})

	router := chi.NewRouter()
	router.Route("/api/v1", func(r chi.Router) { svc.Routes(r, hub) })
	return &testEnv{store: ms, hub: hub, router: router}
}

func (e *testEnv) do(t *testing.T, method, path, uid string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if uid != "" {
		req.Header.Set(api.UserHeader, uid)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %T: %v (%s)", v, err, w.Body.String())
	}
	return v
}

func expect(t *testing.T, w *httptest.ResponseRecorder, status int) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, w.Code, w.Body.String())
	}
}

func (e *testEnv) join(t *testing.T, name string) string {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/sessions", "", api.JoinRequest{DisplayName: name})
	expect(t, w, http.StatusCreated)
	return decode[api.JoinResponse](t, w).Session.UserID
}

func (e *testEnv) createMarket(t *testing.T, admin string, outcomes ...string) string {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/markets", admin, api.CreateMarketRequest{Question: "Who wins?", Outcomes: outcomes})
	expect(t, w, http.StatusCreated)
	return decode[model.Market](t, w).ID
}

func (e *testEnv) stake(t *testing.T, uid, marketID string, idx int, amount int64) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, "POST", "/api/v1/markets/"+marketID+"/stakes", uid, api.StakeRequest{OutcomeIndex: &idx, Amount: amount})
}

func (e *testEnv) balance(t *testing.T, uid string) int64 {
	t.Helper()
	w := e.do(t, "GET", "/api/v1/balances/"+uid, "", nil)
	expect(t, w, http.StatusOK)
	return decode[model.Balance](t, w).Balance
}

// --- Join ---

func TestJoin(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/sessions", "", api.JoinRequest{DisplayName: "  alice "})
	expect(t, w, http.StatusCreated)

	resp := decode[api.JoinResponse](t, w)
	if resp.Session.UserID == "" || resp.Session.DisplayName != "alice" {
		t.Errorf("unexpected session %+v", resp.Session)
	}
	if resp.Session.Admin {
		t.Error("alice should not be admin")
	}
	if resp.Balance != 1000 {
		t.Errorf("expected starting balance 1000, got %d", resp.Balance)
	}
}

func TestJoin_Invalid(t *testing.T) {
	env := newTestEnv(t)

	expect(t, env.do(t, "POST", "/api/v1/sessions", "", api.JoinRequest{DisplayName: "   "}), http.StatusBadRequest)
	expect(t, env.do(t, "POST", "/api/v1/sessions", "", map[string]string{"name": "x"}), http.StatusBadRequest)
}

// --- Market management ---

func TestJoin_AdminTokenGate(t *testing.T) {
	env := newTestEnvWith(t, session.Options{StartingBalance: 1000, AdminNames: []string{"admin"}, AdminToken: "s3cret"})

	expect(t, env.do(t, "POST", "/api/v1/sessions", "", api.JoinRequest{DisplayName: "admin"}), http.StatusForbidden)

	w := env.do(t, "POST", "/api/v1/sessions", "", api.JoinRequest{DisplayName: "admin", AdminToken: "s3cret"})
	expect(t, w, http.StatusCreated)
	if resp := decode[api.JoinResponse](t, w); !resp.Session.Admin {
		t.Errorf("expected admin session, got %+v", resp.Session)
	}
}

func TestCreateMarket_AdminOnly(t *testing.T) {
	env := newTestEnv(t)
	admin := env.join(t, "Admin")
	alice := env.join(t, "alice")

	body := api.CreateMarketRequest{Question: "Rain tomorrow?", Outcomes: []string{"yes", " ", "no"}}

	expect(t, env.do(t, "POST", "/api/v1/markets", "", body), http.StatusUnauthorized)
	expect(t, env.do(t, "POST", "/api/v1/markets", "nobody", body), http.StatusUnauthorized)
	expect(t, env.do(t, "POST", "/api/v1/markets", alice, body), http.StatusForbidden)

	w := env.do(t, "POST", "/api/v1/markets", admin, body)
	expect(t, w, http.StatusCreated)
	m := decode[model.Market](t, w)
	if m.Status != model.StatusOpen || len(m.Outcomes) != 2 {
		t.Errorf("unexpected market %+v", m)
	}
}

func TestCreateMarket_Validation(t *testing.T) {
	env := newTestEnv(t)
	admin := env.join(t, "admin")

	w := env.do(t, "POST", "/api/v1/markets", admin, api.CreateMarketRequest{Question: "Q", Outcomes: []string{"only"}})
	expect(t, w, http.StatusBadRequest)
	w = env.do(t, "POST", "/api/v1/markets", admin, api.CreateMarketRequest{Question: "", Outcomes: []string{"a", "b"}})
	expect(t, w, http.StatusBadRequest)
}

func TestMarketLifecycle(t *testing.T) {
	env := newTestEnv(t)
	admin := env.join(t, "admin")
	id := env.createMarket(t, admin, "A", "B")

	one := 1
	expect(t, env.do(t, "POST", "/api/v1/markets/"+id+"/close", admin, nil), http.StatusOK)
	expect(t, env.do(t, "POST", "/api/v1/markets/"+id+"/close", admin, nil), http.StatusConflict)

	five := 5
	expect(t, env.do(t, "POST", "/api/v1/markets/"+id+"/settle", admin, api.SettleMarketRequest{OutcomeIndex: &five}), http.StatusBadRequest)
	expect(t, env.do(t, "POST", "/api/v1/markets/"+id+"/settle", admin, api.SettleMarketRequest{}), http.StatusBadRequest)

	w := env.do(t, "POST", "/api/v1/markets/"+id+"/settle", admin, api.SettleMarketRequest{OutcomeIndex: &one})
	expect(t, w, http.StatusOK)
	if m := decode[model.Market](t, w); m.Status != model.StatusSettled || *m.WinningOutcomeIndex != 1 {
		t.Errorf("unexpected settled market %+v", m)
	}

	// Same outcome again is a silent success; a different one is rejected.
	expect(t, env.do(t, "POST", "/api/v1/markets/"+id+"/settle", admin, api.SettleMarketRequest{OutcomeIndex: &one}), http.StatusOK)
	zero := 0
	expect(t, env.do(t, "POST", "/api/v1/markets/"+id+"/settle", admin, api.SettleMarketRequest{OutcomeIndex: &zero}), http.StatusConflict)

	expect(t, env.do(t, "POST", "/api/v1/markets/missing/close", admin, nil), http.StatusNotFound)
}

func TestSettleMarket_FromOpen(t *testing.T) {
	env := newTestEnv(t)
	admin := env.join(t, "admin")
	id := env.createMarket(t, admin, "A", "B")

	zero := 0
	w := env.do(t, "POST", "/api/v1/markets/"+id+"/settle", admin, api.SettleMarketRequest{OutcomeIndex: &zero})
	expect(t, w, http.StatusOK)
	if m := decode[model.Market](t, w); m.Status != model.StatusSettled {
		t.Errorf("expected settled, got %s", m.Status)
	}
	expect(t, env.do(t, "POST", "/api/v1/markets/"+id+"/close", admin, nil), http.StatusConflict)
}

func TestListMarkets_FilterByStatus(t *testing.T) {
	env := newTestEnv(t)
	admin := env.join(t, "admin")
	open := env.createMarket(t, admin, "A", "B")
	closed := env.createMarket(t, admin, "C", "D")
	expect(t, env.do(t, "POST", "/api/v1/markets/"+closed+"/close", admin, nil), http.StatusOK)

	all := decode[[]model.Market](t, env.do(t, "GET", "/api/v1/markets", "", nil))
	if len(all) != 2 {
		t.Fatalf("expected 2 markets, got %d", len(all))
	}
	onlyOpen := decode[[]model.Market](t, env.do(t, "GET", "/api/v1/markets?status=open", "", nil))
	if len(onlyOpen) != 1 || onlyOpen[0].ID != open {
		t.Errorf("expected only %s, got %+v", open, onlyOpen)
	}
}

// --- Stakes ---

func TestPlaceStake(t *testing.T) {
	env := newTestEnv(t)
	admin := env.join(t, "admin")
	alice := env.join(t, "alice")
	id := env.createMarket(t, admin, "A", "B")

	w := env.stake(t, alice, id, 0, 250)
	expect(t, w, http.StatusCreated)
	resp := decode[api.StakeResponse](t, w)
	if resp.Stake.Amount != 250 || resp.Stake.OutcomeIndex != 0 || resp.Stake.Claimed {
		t.Errorf("unexpected stake %+v", resp.Stake)
	}
	if resp.Balance != 750 {
		t.Errorf("expected balance 750, got %d", resp.Balance)
	}

	got := decode[model.Stake](t, env.do(t, "GET", "/api/v1/markets/"+id+"/stakes/"+alice, "", nil))
	if got.Amount != 250 {
		t.Errorf("expected stored stake 250, got %+v", got)
	}
	list := decode[[]model.Stake](t, env.do(t, "GET", "/api/v1/markets/"+id+"/stakes", "", nil))
	if len(list) != 1 {
		t.Errorf("expected 1 stake, got %d", len(list))
	}
}

func TestPlaceStake_Rejections(t *testing.T) {
	env := newTestEnv(t)
	admin := env.join(t, "admin")
	alice := env.join(t, "alice")
	id := env.createMarket(t, admin, "A", "B")
	closed := env.createMarket(t, admin, "C", "D")
	expect(t, env.do(t, "POST", "/api/v1/markets/"+closed+"/close", admin, nil), http.StatusOK)

	tests := []struct {
		name   string
		uid    string
		market string
		idx    int
		amount int64
		status int
	}{
		{"admin cannot stake", admin, id, 0, 10, http.StatusForbidden},
		{"zero amount", alice, id, 0, 0, http.StatusBadRequest},
		{"outcome out of range", alice, id, 2, 10, http.StatusBadRequest},
		{"insufficient funds", alice, id, 0, 1001, http.StatusConflict},
		{"closed market", alice, closed, 0, 10, http.StatusConflict},
		{"unknown market", alice, "missing", 0, 10, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expect(t, env.stake(t, tt.uid, tt.market, tt.idx, tt.amount), tt.status)
		})
	}

	if got := env.balance(t, alice); got != 1000 {
		t.Errorf("rejections must not move the balance, got %d", got)
	}
}

func TestPlaceStake_Twice(t *testing.T) {
	env := newTestEnv(t)
	admin := env.join(t, "admin")
	alice := env.join(t, "alice")
	id := env.createMarket(t, admin, "A", "B")

	expect(t, env.stake(t, alice, id, 0, 100), http.StatusCreated)
	expect(t, env.stake(t, alice, id, 1, 100), http.StatusConflict)

	if got := env.balance(t, alice); got != 900 {
		t.Errorf("expected 900 after one stake, got %d", got)
	}
}

// --- Settlement ---

func TestClaim_PariMutuel(t *testing.T) {
	env := newTestEnv(t)
	admin := env.join(t, "admin")
	alice := env.join(t, "alice")
	bob := env.join(t, "bob")
	id := env.createMarket(t, admin, "A", "B")

	expect(t, env.stake(t, alice, id, 0, 100), http.StatusCreated)
	expect(t, env.stake(t, bob, id, 1, 50), http.StatusCreated)

	// Claiming before settlement does nothing.
	res := decode[settlement.Result](t, env.do(t, "POST", "/api/v1/markets/"+id+"/claim", alice, nil))
	if res.Status != settlement.StatusNotSettled {
		t.Errorf("expected not_settled, got %s", res.Status)
	}

	zero := 0
	expect(t, env.do(t, "POST", "/api/v1/markets/"+id+"/close", admin, nil), http.StatusOK)
	expect(t, env.do(t, "POST", "/api/v1/markets/"+id+"/settle", admin, api.SettleMarketRequest{OutcomeIndex: &zero}), http.StatusOK)

	w := env.do(t, "POST", "/api/v1/markets/"+id+"/claim", alice, nil)
	expect(t, w, http.StatusOK)
	res = decode[settlement.Result](t, w)
	if res.Status != settlement.StatusClaimed || res.Payout != 150 || !res.Credited {
		t.Errorf("unexpected result %+v", res)
	}

	res = decode[settlement.Result](t, env.do(t, "POST", "/api/v1/markets/"+id+"/claim", alice, nil))
	if res.Status != settlement.StatusAlreadyClaimed || res.Credited {
		t.Errorf("second claim should be a no-op, got %+v", res)
	}

	res = decode[settlement.Result](t, env.do(t, "POST", "/api/v1/markets/"+id+"/claim", bob, nil))
	if res.Status != settlement.StatusClaimed || res.Payout != 0 {
		t.Errorf("loser should claim 0, got %+v", res)
	}

	if got := env.balance(t, alice); got != 1050 {
		t.Errorf("alice: expected 1050, got %d", got)
	}
	if got := env.balance(t, bob); got != 950 {
		t.Errorf("bob: expected 950, got %d", got)
	}
}

func TestSummary(t *testing.T) {
	env := newTestEnv(t)
	admin := env.join(t, "admin")
	alice := env.join(t, "alice")
	bob := env.join(t, "bob")
	id := env.createMarket(t, admin, "A", "B")

	expect(t, env.stake(t, alice, id, 0, 300), http.StatusCreated)
	expect(t, env.stake(t, bob, id, 1, 100), http.StatusCreated)

	w := env.do(t, "GET", "/api/v1/markets/"+id+"/summary", "", nil)
	expect(t, w, http.StatusOK)
	s := decode[aggregate.Summary](t, w)
	if s.Pot != 400 || s.Bettors != 2 {
		t.Errorf("unexpected summary %+v", s)
	}
	if s.Outcomes[1].ReturnPerUnit == nil || s.Outcomes[1].ReturnPerUnit.String() != "4" {
		t.Errorf("expected B return 4, got %v", s.Outcomes[1].ReturnPerUnit)
	}
}

func TestGetBalance_Unknown(t *testing.T) {
	env := newTestEnv(t)
	expect(t, env.do(t, "GET", "/api/v1/balances/nobody", "", nil), http.StatusNotFound)
}
