package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/predictify/internal/domain"
)

// Signer signs transactions for one account.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction) (*types.Transaction, error)
}

var (
	// ErrReverted means the transaction was mined but failed.
	ErrReverted = errors.New("ledger: transaction reverted")
	// ErrReceiptTimeout means the transaction was sent but no receipt was seen
	// in time. It may still be mined, so callers must not resubmit blindly.
	ErrReceiptTimeout = errors.New("ledger: receipt not observed before timeout")
)

const fallbackGasPriceWei = 30_000_000_000

// CreateMarket submits create_market and waits for the receipt. The on-chain
// id comes from the MarketCreated event; when the event is missing the tx
// hash is used instead and FromEvent is false.
func (g *Gateway) CreateMarket(ctx context.Context, signer Signer, p domain.CreateMarketParams) (domain.Submission, error) {
	typeCode, err := domain.MarketTypeToChain(p.Type)
	if err != nil {
		return domain.Submission{}, fmt.Errorf("ledger: create market: %w", err)
	}
	if !common.IsHexAddress(p.Resolver) {
		return domain.Submission{}, fmt.Errorf("ledger: create market: invalid resolver %q", p.Resolver)
	}
	minUnits, err := ToBaseUnits(p.MinStake, g.cfg.StakeDecimals)
	if err != nil {
		return domain.Submission{}, err
	}
	maxUnits := new(big.Int)
	if p.MaxStake != nil {
		if maxUnits, err = ToBaseUnits(*p.MaxStake, g.cfg.StakeDecimals); err != nil {
			return domain.Submission{}, err
		}
	}

	data, err := marketABI.Pack(methodCreateMarket,
		p.Title,
		p.Description,
		uint64(p.EndTime.Unix()),
		minUnits,
		maxUnits,
		common.HexToAddress(p.Resolver),
		typeCode,
	)
	if err != nil {
		return domain.Submission{}, fmt.Errorf("ledger: pack %s: %w", methodCreateMarket, err)
	}

	receipt, err := g.transact(ctx, signer, data)
	if err != nil {
		return domain.Submission{}, err
	}

	txHash := receipt.TxHash.Hex()
	if id, ok := g.marketCreatedID(receipt.Logs); ok {
		return domain.Submission{OnChainID: strconv.FormatUint(id, 10), TxHash: txHash, FromEvent: true}, nil
	}

	g.logger.Warn("ledger: MarketCreated event missing, using tx hash as market id",
		slog.String("tx", txHash),
	)
	return domain.Submission{OnChainID: txHash, TxHash: txHash}, nil
}

// Resolve submits resolve(marketId, outcome) and returns the tx hash.
func (g *Gateway) Resolve(ctx context.Context, signer Signer, onChainID string, outcome domain.Outcome) (string, error) {
	id, err := parseMarketID(onChainID)
	if err != nil {
		return "", err
	}
	code, err := domain.OutcomeToChain(outcome)
	if err != nil {
		return "", fmt.Errorf("ledger: resolve: %w", err)
	}
	data, err := marketABI.Pack(methodResolve, id, code)
	if err != nil {
		return "", fmt.Errorf("ledger: pack %s: %w", methodResolve, err)
	}

	receipt, err := g.transact(ctx, signer, data)
	if err != nil {
		return "", err
	}
	return receipt.TxHash.Hex(), nil
}

// transact signs and sends a call to the market contract, then waits for a
// successful receipt.
func (g *Gateway) transact(ctx context.Context, signer Signer, data []byte) (*types.Receipt, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("ledger: rate limit: %w", err)
	}

	from := signer.Address()
	nonce, err := g.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("ledger: nonce: %w", err)
	}

	gasPrice := g.gasPrice(ctx)

	gasLimit, err := g.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:     from,
		To:       &g.contract,
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil {
		g.logger.Warn("ledger: gas estimate failed, using default",
			slog.String("error", err.Error()),
			slog.Uint64("limit", g.cfg.GasLimit),
		)
		gasLimit = g.cfg.GasLimit
	}
	gasLimit = gasLimit * 12 / 10

	tx := types.NewTransaction(nonce, g.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := signer.SignTx(tx)
	if err != nil {
		return nil, fmt.Errorf("ledger: sign tx: %w", err)
	}
	if err := g.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("ledger: send tx: %w", err)
	}

	hash := signed.Hash()
	g.logger.Info("ledger: transaction sent",
		slog.String("tx", hash.Hex()),
		slog.Uint64("nonce", nonce),
		slog.Uint64("gas_limit", gasLimit),
	)

	// A sent transaction is no longer abortable by the caller.
	receiptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.ReceiptTimeout)
	defer cancel()

	receipt, err := g.waitForReceipt(receiptCtx, hash)
	if err != nil {
		return nil, fmt.Errorf("%w: tx %s: %v", ErrReceiptTimeout, hash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: tx %s", ErrReverted, hash.Hex())
	}
	return receipt, nil
}

// gasPrice returns the suggested gas price plus 10%, cached for GasPriceTTL.
// RPC failures fall back to the last value, then to a fixed price.
func (g *Gateway) gasPrice(ctx context.Context) *big.Int {
	g.mu.RLock()
	cached, at := g.cachedGas, g.gasAt
	g.mu.RUnlock()

	if cached != nil && time.Since(at) < g.cfg.GasPriceTTL {
		return cached
	}

	price, err := g.backend.SuggestGasPrice(ctx)
	if err != nil {
		if cached != nil {
			return cached
		}
		return big.NewInt(fallbackGasPriceWei)
	}

	buffered := new(big.Int).Mul(price, big.NewInt(11))
	buffered.Div(buffered, big.NewInt(10))

	g.mu.Lock()
	g.cachedGas = buffered
	g.gasAt = time.Now()
	g.mu.Unlock()
	return buffered
}

func (g *Gateway) waitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(g.cfg.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			receipt, err := g.backend.TransactionReceipt(ctx, hash)
			if err != nil {
				continue // not yet mined
			}
			return receipt, nil
		}
	}
}

// marketCreatedID finds the MarketCreated event emitted by the contract.
func (g *Gateway) marketCreatedID(logs []*types.Log) (uint64, bool) {
	ev := marketABI.Events[eventMarketCreated]
	for _, l := range logs {
		if l == nil || l.Address != g.contract || len(l.Topics) == 0 || l.Topics[0] != ev.ID {
			continue
		}
		fields := map[string]any{}
		if err := marketABI.UnpackIntoMap(fields, eventMarketCreated, l.Data); err != nil {
			g.logger.Warn("ledger: undecodable MarketCreated log", slog.String("error", err.Error()))
			continue
		}
		if id, ok := fields["market_id"].(uint64); ok {
			return id, true
		}
	}
	return 0, false
}
