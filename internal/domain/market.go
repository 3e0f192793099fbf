// Package domain holds the core entities and collaborator interfaces of the
// prediction-market ledger. Packages implementing storage, caching, transport,
// and the payout rail depend on this package, never the other way around.
package domain

import (
	"time"

	"github.com/holiman/uint256"
)

// Account identifies a caller. On the payout rail this is a hex address, but
// the ledger treats it as an opaque principal.
type Account string

// Bet is a single stake placed on one outcome label. Bets are immutable once
// created and owned exclusively by their parent Market.
type Bet struct {
	Bettor     Account      `json:"bettor"`
	Amount     *uint256.Int `json:"amount"`
	Prediction string       `json:"prediction"`
	PlacedAt   time.Time    `json:"placed_at"`
}

// Market is a proposition with enumerated outcomes that accepts bets until it
// is resolved to a single winning outcome.
//
// Invariants:
//   - Resolved == false iff WinningOutcome == nil.
//   - Once Resolved flips to true it never reverts.
//   - TotalStaked equals the sum of all bet amounts while the market is open.
//     Settlement reduces it to the unpaid residual; withdrawal zeroes it.
//
// A bet's Prediction is free text compared to WinningOutcome by exact,
// case-sensitive equality; it is not validated against Outcomes.
type Market struct {
	ID             uint64       `json:"id"`
	Description    string       `json:"description"`
	Outcomes       []string     `json:"outcomes"`
	Bets           []Bet        `json:"bets"`
	Resolved       bool         `json:"resolved"`
	WinningOutcome *string      `json:"winning_outcome,omitempty"`
	TotalStaked    *uint256.Int `json:"total_staked"`
	Creator        Account      `json:"creator"`
	CreatedAt      time.Time    `json:"created_at"`
	ResolvedAt     *time.Time   `json:"resolved_at,omitempty"`
	ArchivedAt     *time.Time   `json:"archived_at,omitempty"`
}

// Payout is a single settlement instruction: pay Amount to Recipient.
type Payout struct {
	Recipient Account
	Amount    *uint256.Int
}

// MaxAmountBits bounds bet amounts and the staked pool to 128 bits, the width
// of the native currency's smallest unit.
const MaxAmountBits = 128

// ValidAmount reports whether v is a usable stake: non-nil, non-zero, and
// within the 128-bit currency range.
func ValidAmount(v *uint256.Int) bool {
	return v != nil && !v.IsZero() && v.BitLen() <= MaxAmountBits
}
