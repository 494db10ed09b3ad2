// Package aggregate projects a market's pool into display figures. Nothing
// here writes to the store.
package aggregate

import (
	"github.com/shopspring/decimal"

	"github.com/potshot/pool-engine/internal/model"
	"github.com/potshot/pool-engine/internal/settlement"
)

// returnPlaces is the rounding precision of implied returns.
const returnPlaces = 4

// OutcomeSummary is one outcome's share of the pool.
type OutcomeSummary struct {
	Index   int    `json:"index"`
	Label   string `json:"label"`
	Total   int64  `json:"total"`
	Bettors int    `json:"bettors"`
	// ReturnPerUnit is pot / total, present only while the market is open
	// and the outcome has backing.
	ReturnPerUnit *decimal.Decimal `json:"return_per_unit,omitempty"`
}

// Summary is the live view of a market.
type Summary struct {
	MarketID            string             `json:"market_id"`
	Status              model.MarketStatus `json:"status"`
	Pot                 int64              `json:"pot"`
	Bettors             int                `json:"bettors"`
	Outcomes            []OutcomeSummary   `json:"outcomes"`
	WinningOutcomeIndex *int               `json:"winning_outcome_index,omitempty"`
}

// Summarize computes the pot, per-outcome totals and bettor counts, and the
// implied return per unit staked while the market is still open.
func Summarize(m *model.Market) Summary {
	t := settlement.TallyPool(m)
	s := Summary{
		MarketID:            m.ID,
		Status:              m.Status,
		Pot:                 t.Pot,
		Outcomes:            make([]OutcomeSummary, len(m.Outcomes)),
		WinningOutcomeIndex: m.WinningOutcomeIndex,
	}
	pot := decimal.NewFromInt(t.Pot)
	for i, label := range m.Outcomes {
		o := OutcomeSummary{Index: i, Label: label, Total: t.Totals[i], Bettors: t.Bettors[i]}
		if m.Status == model.StatusOpen && o.Total > 0 {
			r := pot.DivRound(decimal.NewFromInt(o.Total), returnPlaces)
			o.ReturnPerUnit = &r
		}
		s.Bettors += o.Bettors
		s.Outcomes[i] = o
	}
	return s
}
