// Package settlement computes payouts for a resolved market. It is pure: no
// I/O, no clock, no randomness.
package settlement

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictify/internal/domain"
)

// Policy names the rule that produced a set of payouts.
type Policy string

const (
	// PolicyProportional splits the whole pool among winners pro rata.
	PolicyProportional Policy = "proportional"
	// PolicyRefundInvalid refunds every stake because the market was INVALID.
	PolicyRefundInvalid Policy = "refund_invalid"
	// PolicyRefundNoWinners refunds every stake because nobody backed the
	// winning side.
	PolicyRefundNoWinners Policy = "refund_no_winners"
)

// DefaultPrecision is the number of decimal places rewards are rounded down to.
const DefaultPrecision int32 = 8

// Result is the full outcome of a settlement computation.
type Result struct {
	Outcome     domain.Outcome     `json:"outcome"`
	Policy      Policy             `json:"policy"`
	TotalPool   decimal.Decimal    `json:"totalPool"`
	WinningPool decimal.Decimal    `json:"winningPool"`
	Payouts     []domain.Payout    `json:"payouts"`
	Stats       []domain.StatDelta `json:"-"`
}

// Sum returns the total paid out.
func (r Result) Sum() decimal.Decimal {
	sum := decimal.Zero
	for _, p := range r.Payouts {
		sum = sum.Add(p.Reward)
	}
	return sum
}

// Compute derives every vote's reward for outcome. Pools are taken from the
// votes themselves so the payout always conserves what was staked.
//
// Winners get stake*total/winning rounded down to precision places; the last
// winner in vote order absorbs the rounding remainder so the winners' rewards
// sum to the total pool exactly.
func Compute(outcome domain.Outcome, votes []domain.Vote, precision int32) (Result, error) {
	if !outcome.Valid() {
		return Result{}, fmt.Errorf("settlement: unknown outcome %q", outcome)
	}

	ordered := make([]domain.Vote, len(votes))
	copy(ordered, votes)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	total, winning := decimal.Zero, decimal.Zero
	for _, v := range ordered {
		if !v.Amount.IsPositive() {
			return Result{}, fmt.Errorf("settlement: vote %s has non-positive stake %s", v.ID, v.Amount)
		}
		if !domain.ValidPrediction(v.Prediction) {
			return Result{}, fmt.Errorf("settlement: vote %s has invalid prediction %q", v.ID, v.Prediction)
		}
		total = total.Add(v.Amount)
		if v.Prediction == outcome {
			winning = winning.Add(v.Amount)
		}
	}

	res := Result{Outcome: outcome, TotalPool: total, WinningPool: winning}
	switch {
	case outcome == domain.OutcomeInvalid:
		res.Policy = PolicyRefundInvalid
		res.WinningPool = decimal.Zero
	case winning.IsZero():
		res.Policy = PolicyRefundNoWinners
	default:
		res.Policy = PolicyProportional
	}

	if res.Policy != PolicyProportional {
		for _, v := range ordered {
			res.Payouts = append(res.Payouts, domain.Payout{VoteID: v.ID, Voter: v.Voter, Stake: v.Amount, Reward: v.Amount})
			res.Stats = append(res.Stats, domain.StatDelta{Address: v.Voter})
		}
		return res, nil
	}

	lastWinner := -1
	for i, v := range ordered {
		if v.Prediction == outcome {
			lastWinner = i
		}
	}

	distributed := decimal.Zero
	for i, v := range ordered {
		correct := v.Prediction == outcome
		reward := decimal.Zero
		switch {
		case i == lastWinner:
			reward = total.Sub(distributed)
		case correct:
			reward = v.Amount.Mul(total).DivRound(winning, precision+4).Truncate(precision)
			distributed = distributed.Add(reward)
		}
		res.Payouts = append(res.Payouts, domain.Payout{VoteID: v.ID, Voter: v.Voter, Stake: v.Amount, Reward: reward, Correct: correct})
		res.Stats = append(res.Stats, domain.StatDelta{Address: v.Voter, Correct: correct})
	}
	return res, nil
}

// Report is the archived record of a settlement.
type Report struct {
	MarketID    string          `json:"marketId"`
	OnChainID   string          `json:"onChainId,omitempty"`
	Title       string          `json:"title"`
	Outcome     domain.Outcome  `json:"outcome"`
	Policy      Policy          `json:"policy"`
	TotalPool   decimal.Decimal `json:"totalPool"`
	WinningPool decimal.Decimal `json:"winningPool"`
	ResolvedBy  string          `json:"resolvedBy"`
	ResolvedAt  time.Time       `json:"resolvedAt"`
	Note        string          `json:"note,omitempty"`
	Payouts     []domain.Payout `json:"payouts"`
}

// NewReport assembles a report from a resolved market and its result.
func NewReport(m domain.Market, r Result) Report {
	rep := Report{
		MarketID:    m.ID,
		Title:       m.Title,
		Outcome:     r.Outcome,
		Policy:      r.Policy,
		TotalPool:   r.TotalPool,
		WinningPool: r.WinningPool,
		Payouts:     r.Payouts,
	}
	if m.OnChainID != nil {
		rep.OnChainID = *m.OnChainID
	}
	if m.ResolvedBy != nil {
		rep.ResolvedBy = *m.ResolvedBy
	}
	if m.ResolvedAt != nil {
		rep.ResolvedAt = *m.ResolvedAt
	}
	if m.ResolutionNote != nil {
		rep.Note = *m.ResolutionNote
	}
	return rep
}
