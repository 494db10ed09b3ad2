package settlement

import (
	"github.com/shopspring/decimal"

	"github.com/potshot/pool-engine/internal/model"
)

// Tally is the pool of a market broken down by outcome.
type Tally struct {
	Pot     int64
	Totals  []int64
	Bettors []int
}

// TallyPool sums the market's admitted wagers.
func TallyPool(m *model.Market) Tally {
	t := Tally{
		Totals:  make([]int64, len(m.Outcomes)),
		Bettors: make([]int, len(m.Outcomes)),
	}
	for _, w := range m.Wagers {
		if !m.ValidOutcome(w.OutcomeIndex) {
			continue
		}
		t.Pot += w.Amount
		t.Totals[w.OutcomeIndex] += w.Amount
		t.Bettors[w.OutcomeIndex]++
	}
	return t
}

// PayoutFor returns floor(pot × amount / winnersTotal) for a wager on the
// winning outcome, and 0 for a losing wager or a pool with no winners. The
// product is computed exactly; the remainder stays with the house.
func PayoutFor(t Tally, w model.Wager, winner int) int64 {
	if winner < 0 || winner >= len(t.Totals) || w.OutcomeIndex != winner {
		return 0
	}
	winnersTotal := t.Totals[winner]
	if winnersTotal <= 0 || w.Amount <= 0 {
		return 0
	}
	q, _ := decimal.NewFromInt(t.Pot).
		Mul(decimal.NewFromInt(w.Amount)).
		QuoRem(decimal.NewFromInt(winnersTotal), 0)
	return q.IntPart()
}
