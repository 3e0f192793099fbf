package domain

import "time"

// Pub/sub channels carrying live ledger events.
const (
	ChannelMarkets     = "markets"
	ChannelBets        = "bets"
	ChannelSettlements = "settlements"
	ChannelWithdrawals = "withdrawals"
)

// StreamSettlements is the durable stream recording every settlement.
const StreamSettlements = "stream:settlements"

// MarketCreatedEvent is published on ChannelMarkets after create_market.
type MarketCreatedEvent struct {
	Type        string    `json:"type"` // "market_created"
	MarketID    uint64    `json:"market_id"`
	Description string    `json:"description"`
	Outcomes    []string  `json:"outcomes"`
	Creator     Account   `json:"creator"`
	CreatedAt   time.Time `json:"created_at"`
}

// BetPlacedEvent is published on ChannelBets after place_bet.
type BetPlacedEvent struct {
	Type        string  `json:"type"` // "bet_placed"
	MarketID    uint64  `json:"market_id"`
	Bettor      Account `json:"bettor"`
	Amount      string  `json:"amount"` // decimal string
	Prediction  string  `json:"prediction"`
	TotalStaked string  `json:"total_staked"`
}

// MarketSettledEvent is published on ChannelSettlements and appended to
// StreamSettlements after settle_market.
type MarketSettledEvent struct {
	Type           string    `json:"type"` // "market_settled"
	MarketID       uint64    `json:"market_id"`
	WinningOutcome string    `json:"winning_outcome"`
	Pool           string    `json:"pool"`
	WinningStake   string    `json:"winning_stake"`
	PayoutCount    int       `json:"payout_count"`
	ResolvedAt     time.Time `json:"resolved_at"`
}

// FundsWithdrawnEvent is published on ChannelWithdrawals after withdraw_funds.
type FundsWithdrawnEvent struct {
	Type     string  `json:"type"` // "funds_withdrawn"
	MarketID uint64  `json:"market_id"`
	Creator  Account `json:"creator"`
	Amount   string  `json:"amount"`
}
