package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

func decode(kind string, data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed %s record: %v", ErrValidation, kind, err)
	}
	return nil
}

// ParseUser decodes and checks a stored user record.
func ParseUser(data []byte) (*User, error) {
	var u User
	if err := decode("user", data, &u); err != nil {
		return nil, err
	}
	if u.ID == "" {
		return nil, Invalid("user: missing id")
	}
	return &u, nil
}

// ParseBalance decodes and checks a stored balance record.
func ParseBalance(data []byte) (*Balance, error) {
	var b Balance
	if err := decode("balance", data, &b); err != nil {
		return nil, err
	}
	if b.UserID == "" {
		return nil, Invalid("balance: missing user_id")
	}
	if b.Balance < 0 {
		return nil, Invalid("balance %s: negative balance %d", b.UserID, b.Balance)
	}
	for key, amt := range b.Credits {
		if amt < 0 {
			return nil, Invalid("balance %s: negative credit %q", b.UserID, key)
		}
	}
	for key, amt := range b.Holds {
		if amt <= 0 {
			return nil, Invalid("balance %s: non-positive hold %q", b.UserID, key)
		}
	}
	return &b, nil
}

// ParseMarket decodes a stored market and enforces its structural
// invariants: at least two outcomes, a winning index present exactly when
// settled and in range, and well-formed pool entries.
func ParseMarket(data []byte) (*Market, error) {
	var m Market
	if err := decode("market", data, &m); err != nil {
		return nil, err
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	if m.Wagers == nil {
		m.Wagers = make(map[string]Wager)
	}
	return &m, nil
}

func (m *Market) validate() error {
	switch {
	case m.ID == "":
		return Invalid("market: missing id")
	case strings.TrimSpace(m.Question) == "":
		return Invalid("market %s: empty question", m.ID)
	case len(m.Outcomes) < 2:
		return Invalid("market %s: %d outcomes", m.ID, len(m.Outcomes))
	case !m.Status.Valid():
		return Invalid("market %s: unknown status %q", m.ID, m.Status)
	}

	settled := m.Status == StatusSettled
	if settled != (m.WinningOutcomeIndex != nil) {
		return Invalid("market %s: winning outcome must be set exactly when settled", m.ID)
	}
	if settled && !m.ValidOutcome(*m.WinningOutcomeIndex) {
		return Invalid("market %s: winning outcome %d out of range", m.ID, *m.WinningOutcomeIndex)
	}

	for uid, w := range m.Wagers {
		if w.Amount <= 0 {
			return Invalid("market %s: wager by %s has amount %d", m.ID, uid, w.Amount)
		}
		if !m.ValidOutcome(w.OutcomeIndex) {
			return Invalid("market %s: wager by %s on outcome %d", m.ID, uid, w.OutcomeIndex)
		}
	}
	return nil
}

// ParseStake decodes and checks a stored stake record.
func ParseStake(data []byte) (*Stake, error) {
	var s Stake
	if err := decode("stake", data, &s); err != nil {
		return nil, err
	}
	switch {
	case s.MarketID == "" || s.UserID == "":
		return nil, Invalid("stake: missing market_id or user_id")
	case s.Amount <= 0:
		return nil, Invalid("stake %s/%s: amount %d", s.MarketID, s.UserID, s.Amount)
	case s.OutcomeIndex < 0:
		return nil, Invalid("stake %s/%s: outcome %d", s.MarketID, s.UserID, s.OutcomeIndex)
	case (s.Claimed || s.Pending) && s.Payout == nil:
		return nil, Invalid("stake %s/%s: settled without payout", s.MarketID, s.UserID)
	case s.Claimed && s.Pending:
		return nil, Invalid("stake %s/%s: both claimed and pending", s.MarketID, s.UserID)
	case s.Payout != nil && *s.Payout < 0:
		return nil, Invalid("stake %s/%s: negative payout", s.MarketID, s.UserID)
	}
	return &s, nil
}
