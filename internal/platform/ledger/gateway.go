// Package ledger is the gateway to the on-chain market contract. It knows the
// contract's function signatures and numeric encodings and nothing about
// business rules.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/predictify/internal/domain"
)

// Backend is the slice of the JSON-RPC client the gateway uses.
// *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

var _ Backend = (*ethclient.Client)(nil)

// Config holds the gateway's connection and encoding parameters.
type Config struct {
	RPCURL          string
	ContractAddress string
	ChainID         int64
	StakeDecimals   int32
	NativeDecimals  int32

	RequestsPerSecond float64
	Burst             int
	CallTimeout       time.Duration

	GasLimit            uint64
	GasPriceTTL         time.Duration
	ReceiptTimeout      time.Duration
	ReceiptPollInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.StakeDecimals == 0 {
		c.StakeDecimals = 8
	}
	if c.NativeDecimals == 0 {
		c.NativeDecimals = 18
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.GasLimit == 0 {
		c.GasLimit = 500_000
	}
	if c.GasPriceTTL <= 0 {
		c.GasPriceTTL = time.Minute
	}
	if c.ReceiptTimeout <= 0 {
		c.ReceiptTimeout = 60 * time.Second
	}
	if c.ReceiptPollInterval <= 0 {
		c.ReceiptPollInterval = 2 * time.Second
	}
}

// Gateway issues view calls and signed entry transactions against the market
// contract.
type Gateway struct {
	backend  Backend
	contract common.Address
	cfg      Config
	limiter  *rate.Limiter
	logger   *slog.Logger

	mu        sync.RWMutex
	cachedGas *big.Int
	gasAt     time.Time
}

var _ domain.LedgerReader = (*Gateway)(nil)

// Dial connects to cfg.RPCURL and returns a ready Gateway.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Gateway, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("ledger: dial rpc %s: %w", cfg.RPCURL, err)
	}
	g, err := NewWithBackend(client, cfg, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	return g, nil
}

// NewWithBackend builds a Gateway over an existing backend.
func NewWithBackend(b Backend, cfg Config, logger *slog.Logger) (*Gateway, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("ledger: invalid contract address %q", cfg.ContractAddress)
	}
	cfg.setDefaults()

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Gateway{
		backend:  b,
		contract: common.HexToAddress(cfg.ContractAddress),
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, cfg.Burst),
		logger:   logger,
	}, nil
}

// Close releases the RPC connection.
func (g *Gateway) Close() {
	g.backend.Close()
}

// Contract returns the market contract address.
func (g *Gateway) Contract() common.Address { return g.contract }

// ChainID returns the configured chain id.
func (g *Gateway) ChainID() int64 { return g.cfg.ChainID }

// MarketCount returns the number of markets the contract has created.
func (g *Gateway) MarketCount(ctx context.Context) (uint64, error) {
	out, err := g.view(ctx, methodMarketCount)
	if err != nil {
		return 0, err
	}
	return out[0].(uint64), nil
}

// MarketState reads status, outcome, pools, percentages and participant count
// concurrently. Any failed view fails the whole read.
func (g *Gateway) MarketState(ctx context.Context, onChainID string) (domain.ChainMarketState, error) {
	id, err := parseMarketID(onChainID)
	if err != nil {
		return domain.ChainMarketState{}, err
	}

	var (
		statusCode, outcomeCode uint8
		yesUnits, noUnits       *big.Int
		yesBp, noBp             uint64
		participants            uint64
	)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		out, err := g.view(egCtx, methodMarketStatus, id)
		if err != nil {
			return err
		}
		statusCode = out[0].(uint8)
		return nil
	})
	eg.Go(func() error {
		out, err := g.view(egCtx, methodMarketOutcome, id)
		if err != nil {
			return err
		}
		outcomeCode = out[0].(uint8)
		return nil
	})
	eg.Go(func() error {
		out, err := g.view(egCtx, methodMarketPools, id)
		if err != nil {
			return err
		}
		yesUnits, noUnits = out[0].(*big.Int), out[1].(*big.Int)
		return nil
	})
	eg.Go(func() error {
		out, err := g.view(egCtx, methodPercentages, id)
		if err != nil {
			return err
		}
		yesBp, noBp = out[0].(uint64), out[1].(uint64)
		return nil
	})
	eg.Go(func() error {
		out, err := g.view(egCtx, methodParticipantCount, id)
		if err != nil {
			return err
		}
		participants = out[0].(uint64)
		return nil
	})
	if err := eg.Wait(); err != nil {
		return domain.ChainMarketState{}, fmt.Errorf("ledger: market %s state: %w", onChainID, err)
	}

	status, err := domain.StatusFromChain(statusCode)
	if err != nil {
		return domain.ChainMarketState{}, fmt.Errorf("ledger: market %s: %w", onChainID, err)
	}
	outcome, err := domain.OutcomeFromChain(outcomeCode)
	if err != nil {
		return domain.ChainMarketState{}, fmt.Errorf("ledger: market %s: %w", onChainID, err)
	}

	return domain.ChainMarketState{
		OnChainID:        onChainID,
		Status:           status,
		Outcome:          outcome,
		YesPool:          FromBaseUnits(yesUnits, g.cfg.StakeDecimals),
		NoPool:           FromBaseUnits(noUnits, g.cfg.StakeDecimals),
		YesPercentage:    basisPointsToPercent(yesBp),
		NoPercentage:     basisPointsToPercent(noBp),
		ParticipantCount: int64(participants),
		FetchedAt:        time.Now().UTC(),
	}, nil
}

// Balance returns the native balance of addr in display units.
func (g *Gateway) Balance(ctx context.Context, addr common.Address) (decimal.Decimal, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return decimal.Decimal{}, fmt.Errorf("ledger: rate limit: %w", err)
	}
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	wei, err := g.backend.BalanceAt(callCtx, addr, nil)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("ledger: balance of %s: %w", addr.Hex(), err)
	}
	return FromBaseUnits(wei, g.cfg.NativeDecimals), nil
}

// view packs, calls and unpacks one read-only contract method.
func (g *Gateway) view(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := marketABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: pack %s: %w", method, err)
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("ledger: rate limit: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	raw, err := g.backend.CallContract(callCtx, ethereum.CallMsg{To: &g.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: call %s: %w", method, err)
	}
	out, err := marketABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("ledger: unpack %s: %w", method, err)
	}
	return out, nil
}

var errEmptyMarketID = errors.New("ledger: empty on-chain market id")

func parseMarketID(onChainID string) (uint64, error) {
	if onChainID == "" {
		return 0, errEmptyMarketID
	}
	id, err := strconv.ParseUint(onChainID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("ledger: on-chain market id %q is not numeric: %w", onChainID, err)
	}
	return id, nil
}
