package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ChainMarketState is the authoritative state of a market as read from the
// ledger, converted to display units and local vocabulary.
type ChainMarketState struct {
	OnChainID        string          `json:"onChainId"`
	Status           MarketStatus    `json:"status"`
	Outcome          *Outcome        `json:"outcome,omitempty"`
	YesPool          decimal.Decimal `json:"yesPool"`
	NoPool           decimal.Decimal `json:"noPool"`
	YesPercentage    decimal.Decimal `json:"yesPercentage"`
	NoPercentage     decimal.Decimal `json:"noPercentage"`
	ParticipantCount int64           `json:"participantCount"`
	FetchedAt        time.Time       `json:"fetchedAt"`
}

// Pools projects the chain state onto the cached pool metrics. Percentages are
// recomputed from the pools rather than copied.
func (s ChainMarketState) Pools() Pools {
	return NewPools(s.YesPool, s.NoPool, s.ParticipantCount)
}

// CreateMarketParams are the arguments of the on-chain market creation entry.
type CreateMarketParams struct {
	Title       string
	Description string
	EndTime     time.Time
	MinStake    decimal.Decimal
	MaxStake    *decimal.Decimal // nil encodes as 0, meaning unbounded
	Resolver    string
	Type        MarketType
}

// Submission is the outcome of a confirmed relay transaction.
type Submission struct {
	OnChainID string `json:"onChainId"`
	TxHash    string `json:"txHash"`
	// FromEvent is false when the on-chain id fell back to the tx hash.
	FromEvent bool `json:"fromEvent"`
}

// LedgerReader issues read-only view calls against the market contract.
type LedgerReader interface {
	MarketState(ctx context.Context, onChainID string) (ChainMarketState, error)
	MarketCount(ctx context.Context) (uint64, error)
}

// codeTable is a bidirectional mapping between on-chain integer codes and a
// local enum.
type codeTable[T comparable] struct {
	name    string
	byCode  map[uint8]T
	byValue map[T]uint8
}

func newCodeTable[T comparable](name string, pairs map[uint8]T) codeTable[T] {
	t := codeTable[T]{
		name:    name,
		byCode:  make(map[uint8]T, len(pairs)),
		byValue: make(map[T]uint8, len(pairs)),
	}
	for code, v := range pairs {
		if _, dup := t.byValue[v]; dup {
			panic(fmt.Sprintf("domain: duplicate %s value %v", name, v))
		}
		t.byCode[code] = v
		t.byValue[v] = code
	}
	return t
}

func (t codeTable[T]) fromChain(code uint8) (T, error) {
	v, ok := t.byCode[code]
	if !ok {
		var zero T
		return zero, fmt.Errorf("domain: unknown %s code %d", t.name, code)
	}
	return v, nil
}

func (t codeTable[T]) toChain(v T) (uint8, error) {
	code, ok := t.byValue[v]
	if !ok {
		return 0, fmt.Errorf("domain: %s %v has no chain code", t.name, v)
	}
	return code, nil
}

// outcomeNoneCode is the chain's "not yet resolved" outcome.
const outcomeNoneCode uint8 = 0

var (
	chainStatuses = newCodeTable("market status", map[uint8]MarketStatus{
		0: MarketStatusActive,
		1: MarketStatusResolved,
		2: MarketStatusCancelled,
	})
	chainOutcomes = newCodeTable("outcome", map[uint8]Outcome{
		1: OutcomeYes,
		2: OutcomeNo,
		3: OutcomeInvalid,
	})
	chainMarketTypes = newCodeTable("market type", map[uint8]MarketType{
		0: MarketTypeStandard,
		1: MarketTypeNoLoss,
	})
)

// StatusFromChain maps an on-chain status code to the local status.
func StatusFromChain(code uint8) (MarketStatus, error) { return chainStatuses.fromChain(code) }

// StatusToChain maps a local status to its chain code. PENDING has no chain
// representation.
func StatusToChain(s MarketStatus) (uint8, error) { return chainStatuses.toChain(s) }

// OutcomeFromChain maps an outcome code. Code 0 means unresolved and yields nil.
func OutcomeFromChain(code uint8) (*Outcome, error) {
	if code == outcomeNoneCode {
		return nil, nil
	}
	o, err := chainOutcomes.fromChain(code)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// OutcomeToChain maps a local outcome to its chain code.
func OutcomeToChain(o Outcome) (uint8, error) { return chainOutcomes.toChain(o) }

// MarketTypeFromChain maps a market type code.
func MarketTypeFromChain(code uint8) (MarketType, error) { return chainMarketTypes.fromChain(code) }

// MarketTypeToChain maps a market type to its chain code.
func MarketTypeToChain(t MarketType) (uint8, error) { return chainMarketTypes.toChain(t) }
