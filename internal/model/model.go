// Package model defines the core domain types shared across the pool engine.
// Money is an integer count of currency units; records are stored as JSON
// and parsed back through the Parse functions, which reject malformed shapes.
package model

import (
	"time"
)

// MarketStatus is the lifecycle state of a market.
type MarketStatus string

const (
	StatusOpen    MarketStatus = "open"
	StatusClosed  MarketStatus = "closed"
	StatusSettled MarketStatus = "settled"
)

// Valid reports whether s is a known status.
func (s MarketStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusClosed, StatusSettled:
		return true
	}
	return false
}

// User is the profile written when a session joins.
// Stored at users/{id}.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	JoinedAt    time.Time `json:"joined_at"`
}

// Balance is a user's spendable currency. Credits records keyed credits
// already applied (for example "settle:<marketID>"), so a keyed credit is
// written in the same compare-and-swap as the balance change.
// Stored at balances/{userID}.
type Balance struct {
	UserID  string           `json:"user_id"`
	Balance int64            `json:"balance"`
	Credits map[string]int64 `json:"credits,omitempty"`
	// Holds records keyed debits. Refunding a hold removes it.
	Holds map[string]int64 `json:"holds,omitempty"`
}

// Wager is one user's entry in a market pool.
type Wager struct {
	OutcomeIndex int       `json:"outcome_index"`
	Amount       int64     `json:"amount"`
	PlacedAt     time.Time `json:"placed_at"`
}

// Market is an admin-defined question with a fixed outcome set. Wagers is
// the admission book: a stake counts toward the pool once it is admitted
// here, and the settle transition freezes it.
// Stored at markets/{id}.
type Market struct {
	ID                  string           `json:"id"`
	Question            string           `json:"question"`
	Outcomes            []string         `json:"outcomes"`
	Status              MarketStatus     `json:"status"`
	WinningOutcomeIndex *int             `json:"winning_outcome_index,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	ClosedAt            *time.Time       `json:"closed_at,omitempty"`
	SettledAt           *time.Time       `json:"settled_at,omitempty"`
	Wagers              map[string]Wager `json:"wagers"`
}

// ValidOutcome reports whether idx addresses one of the market's outcomes.
func (m *Market) ValidOutcome(idx int) bool {
	return idx >= 0 && idx < len(m.Outcomes)
}

// Winner returns the winning outcome index and whether the market is settled.
func (m *Market) Winner() (int, bool) {
	if m.Status != StatusSettled || m.WinningOutcomeIndex == nil {
		return 0, false
	}
	return *m.WinningOutcomeIndex, true
}

// Stake is a user's wager on one market plus its settlement state. Pending
// means a payout has been fixed and may not have been credited yet; Claimed
// means settlement is complete.
// Stored at stakes/{marketID}/{userID}.
type Stake struct {
	MarketID     string     `json:"market_id"`
	UserID       string     `json:"user_id"`
	OutcomeIndex int        `json:"outcome_index"`
	Amount       int64      `json:"amount"`
	Claimed      bool       `json:"claimed"`
	Pending      bool       `json:"pending,omitempty"`
	Payout       *int64     `json:"payout,omitempty"`
	PlacedAt     time.Time  `json:"placed_at"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
}

// Key paths.

func UserPath(userID string) string    { return "users/" + userID }
func BalancePath(userID string) string { return "balances/" + userID }
func MarketPath(marketID string) string {
	return "markets/" + marketID
}
func StakePath(marketID, userID string) string {
	return "stakes/" + marketID + "/" + userID
}

const (
	MarketsPrefix  = "markets"
	BalancesPrefix = "balances"
)

// StakesPrefix lists every stake record of a market.
func StakesPrefix(marketID string) string { return "stakes/" + marketID }
