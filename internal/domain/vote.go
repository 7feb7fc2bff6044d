package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Vote is one user's stake on one market.
type Vote struct {
	ID         string           `json:"id"`
	MarketID   string           `json:"marketId"`
	Voter      string           `json:"voter"`
	Prediction Prediction       `json:"prediction"`
	Amount     decimal.Decimal  `json:"amount"`
	Reward     *decimal.Decimal `json:"reward,omitempty"`
	Claimed    bool             `json:"claimed"`
	CreatedAt  time.Time        `json:"createdAt"`
}

// Payout is the reward assigned to a single vote at resolution.
type Payout struct {
	VoteID  string          `json:"voteId"`
	Voter   string          `json:"voter"`
	Stake   decimal.Decimal `json:"stake"`
	Reward  decimal.Decimal `json:"reward"`
	Correct bool            `json:"correct"`
}

// ClaimResult is returned by a successful reward claim.
type ClaimResult struct {
	MarketID string          `json:"marketId"`
	Voter    string          `json:"voter"`
	Amount   decimal.Decimal `json:"amount"`
}
