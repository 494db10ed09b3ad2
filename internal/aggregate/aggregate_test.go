package aggregate_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/potshot/pool-engine/internal/aggregate"
	"github.com/potshot/pool-engine/internal/model"
)

func sampleMarket(status model.MarketStatus) *model.Market {
	m := &model.Market{
		ID:       "m1",
		Question: "Who wins?",
		Outcomes: []string{"A", "B", "C"},
		Status:   status,
		Wagers: map[string]model.Wager{
			"u1": {OutcomeIndex: 0, Amount: 300},
			"u2": {OutcomeIndex: 1, Amount: 200},
			"u3": {OutcomeIndex: 0, Amount: 100},
		},
	}
	if status == model.StatusSettled {
		idx := 0
		m.WinningOutcomeIndex = &idx
	}
	return m
}

func TestSummarize_Open(t *testing.T) {
	s := aggregate.Summarize(sampleMarket(model.StatusOpen))

	if s.Pot != 600 || s.Bettors != 3 {
		t.Fatalf("expected pot 600 with 3 bettors, got %d/%d", s.Pot, s.Bettors)
	}
	a, b, c := s.Outcomes[0], s.Outcomes[1], s.Outcomes[2]
	if a.Total != 400 || a.Bettors != 2 || b.Total != 200 || c.Total != 0 {
		t.Errorf("unexpected totals %+v", s.Outcomes)
	}
	if a.ReturnPerUnit == nil || !a.ReturnPerUnit.Equal(decimal.RequireFromString("1.5")) {
		t.Errorf("expected A return 1.5, got %v", a.ReturnPerUnit)
	}
	if b.ReturnPerUnit == nil || !b.ReturnPerUnit.Equal(decimal.NewFromInt(3)) {
		t.Errorf("expected B return 3, got %v", b.ReturnPerUnit)
	}
	if c.ReturnPerUnit != nil {
		t.Errorf("outcome without backing has no return, got %v", c.ReturnPerUnit)
	}
}

func TestSummarize_RoundsToFourPlaces(t *testing.T) {
	m := &model.Market{
		ID: "m1", Outcomes: []string{"A", "B"}, Status: model.StatusOpen,
		Wagers: map[string]model.Wager{
			"u1": {OutcomeIndex: 0, Amount: 3},
			"u2": {OutcomeIndex: 1, Amount: 7},
		},
	}
	s := aggregate.Summarize(m)
	if got := s.Outcomes[0].ReturnPerUnit.String(); got != "3.3333" {
		t.Errorf("expected 3.3333, got %s", got)
	}
}

func TestSummarize_SettledHasNoReturns(t *testing.T) {
	s := aggregate.Summarize(sampleMarket(model.StatusSettled))
	for _, o := range s.Outcomes {
		if o.ReturnPerUnit != nil {
			t.Errorf("outcome %d: settled market should have no implied return", o.Index)
		}
	}
	if s.WinningOutcomeIndex == nil || *s.WinningOutcomeIndex != 0 {
		t.Errorf("expected winner 0, got %v", s.WinningOutcomeIndex)
	}
}

func TestSummarize_Empty(t *testing.T) {
	m := &model.Market{ID: "m1", Outcomes: []string{"A", "B"}, Status: model.StatusOpen}
	s := aggregate.Summarize(m)
	if s.Pot != 0 || s.Bettors != 0 || len(s.Outcomes) != 2 {
		t.Errorf("unexpected empty summary %+v", s)
	}
}
