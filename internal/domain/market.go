package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusPending   MarketStatus = "PENDING"
	MarketStatusActive    MarketStatus = "ACTIVE"
	MarketStatusResolved  MarketStatus = "RESOLVED"
	MarketStatusCancelled MarketStatus = "CANCELLED"
)

// Valid reports whether s is a known status.
func (s MarketStatus) Valid() bool {
	switch s {
	case MarketStatusPending, MarketStatusActive, MarketStatusResolved, MarketStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further lifecycle transition is possible.
func (s MarketStatus) Terminal() bool {
	return s == MarketStatusResolved || s == MarketStatusCancelled
}

// MarketType selects the payout flavour recorded on chain.
type MarketType string

const (
	MarketTypeStandard MarketType = "STANDARD"
	MarketTypeNoLoss   MarketType = "NO_LOSS"
)

// Valid reports whether t is an implemented market type.
func (t MarketType) Valid() bool {
	return t == MarketTypeStandard || t == MarketTypeNoLoss
}

// Outcome is the final answer of a resolved market.
type Outcome string

const (
	OutcomeYes     Outcome = "YES"
	OutcomeNo      Outcome = "NO"
	OutcomeInvalid Outcome = "INVALID"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	return o == OutcomeYes || o == OutcomeNo || o == OutcomeInvalid
}

// Prediction is the side a voter stakes on. Only YES and NO are valid.
type Prediction = Outcome

// ValidPrediction reports whether p can be staked on.
func ValidPrediction(p Prediction) bool {
	return p == OutcomeYes || p == OutcomeNo
}

// Pools holds the cached pool metrics of a market.
type Pools struct {
	YesPool          decimal.Decimal `json:"yesPool"`
	NoPool           decimal.Decimal `json:"noPool"`
	TotalVolume      decimal.Decimal `json:"totalVolume"`
	YesPercentage    decimal.Decimal `json:"yesPercentage"`
	NoPercentage     decimal.Decimal `json:"noPercentage"`
	ParticipantCount int64           `json:"participantCount"`
}

var hundred = decimal.NewFromInt(100)

// NewPools builds a Pools value from the two sides, deriving total volume and
// percentages. Percentages are a projection of the pools and are never set
// independently.
func NewPools(yes, no decimal.Decimal, participants int64) Pools {
	p := Pools{YesPool: yes, NoPool: no, ParticipantCount: participants}
	p.Recompute()
	return p
}

// Recompute refreshes TotalVolume and the percentages from the pools. Both
// percentages are 50 when the total is zero; otherwise they sum to exactly 100.
func (p *Pools) Recompute() {
	p.TotalVolume = p.YesPool.Add(p.NoPool)
	if !p.TotalVolume.IsPositive() {
		p.YesPercentage = decimal.NewFromInt(50)
		p.NoPercentage = decimal.NewFromInt(50)
		return
	}
	p.YesPercentage = p.YesPool.Mul(hundred).Div(p.TotalVolume).Round(2)
	p.NoPercentage = hundred.Sub(p.YesPercentage)
}

// Add stakes amount on the given side and recomputes the projection.
func (p *Pools) Add(side Prediction, amount decimal.Decimal) {
	if side == OutcomeYes {
		p.YesPool = p.YesPool.Add(amount)
	} else {
		p.NoPool = p.NoPool.Add(amount)
	}
	p.Recompute()
}

// Market is a YES/NO prediction market owned by a group.
type Market struct {
	ID             string           `json:"id"`
	OnChainID      *string          `json:"onChainId,omitempty"`
	GroupID        string           `json:"groupId"`
	Title          string           `json:"title"`
	Description    string           `json:"description,omitempty"`
	ImageURL       string           `json:"imageUrl,omitempty"`
	Type           MarketType       `json:"marketType"`
	EndDate        time.Time        `json:"endDate"`
	MinStake       decimal.Decimal  `json:"minStake"`
	MaxStake       *decimal.Decimal `json:"maxStake,omitempty"`
	Status         MarketStatus     `json:"status"`
	Outcome        *Outcome         `json:"outcome,omitempty"`
	Pools
	ResolvedBy     *string          `json:"resolvedBy,omitempty"`
	ResolvedAt     *time.Time       `json:"resolvedAt,omitempty"`
	ResolutionNote *string          `json:"resolutionNote,omitempty"`
	CreatedBy      string           `json:"createdBy"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// HasOnChainID reports whether the market has been committed on chain.
func (m Market) HasOnChainID() bool {
	return m.OnChainID != nil && *m.OnChainID != ""
}

// ChainNumbered reports whether the on-chain id is a contract market number.
// It is false for an id that fell back to the creation tx hash.
func (m Market) ChainNumbered() bool {
	if !m.HasOnChainID() {
		return false
	}
	for _, c := range *m.OnChainID {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Initialized reports whether the market is ACTIVE with an on-chain id.
func (m Market) Initialized() bool {
	return m.Status == MarketStatusActive && m.HasOnChainID()
}

// StakeAllowed reports whether amount is inside [MinStake, MaxStake].
// A nil MaxStake means the upper bound is unbounded.
func (m Market) StakeAllowed(amount decimal.Decimal) bool {
	if amount.LessThan(m.MinStake) {
		return false
	}
	if m.MaxStake != nil && amount.GreaterThan(*m.MaxStake) {
		return false
	}
	return true
}

// MarketView is a market as returned to callers, optionally overlaid with
// live on-chain data that is never written back to the store.
type MarketView struct {
	Market
	Live *ChainMarketState `json:"live,omitempty"`
}

// CreateMarketInput carries the fields accepted by off-chain market creation.
type CreateMarketInput struct {
	GroupID     string           `json:"groupId"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	ImageURL    string           `json:"imageUrl"`
	Type        MarketType       `json:"marketType"`
	EndDate     time.Time        `json:"endDate"`
	MinStake    decimal.Decimal  `json:"minStake"`
	MaxStake    *decimal.Decimal `json:"maxStake"`
	CreatedBy   string           `json:"-"`
}

// InitializeResult is returned by market initialization.
type InitializeResult struct {
	MarketID           string `json:"marketId"`
	OnChainID          string `json:"onChainId"`
	TxHash             string `json:"txHash,omitempty"`
	AlreadyInitialized bool   `json:"alreadyInitialized"`
}

// MarketFilter narrows group listings.
type MarketFilter struct {
	GroupID string
	Status  *MarketStatus
	ListOpts
}
