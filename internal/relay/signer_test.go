package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/predictify/internal/domain"
	"github.com/alanyoungcy/predictify/internal/platform/ledger"
	"github.com/alanyoungcy/predictify/internal/retry"
)

type stubKey struct{}

func (stubKey) Address() common.Address {
	return common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
}
func (stubKey) SignTx(tx *types.Transaction) (*types.Transaction, error) { return tx, nil }

type stubLedger struct {
	mu         sync.Mutex
	balance    decimal.Decimal
	balanceErr error
	createErrs []error
	creates    int
	lastParams domain.CreateMarketParams
	sub        domain.Submission
}

func (l *stubLedger) Balance(context.Context, common.Address) (decimal.Decimal, error) {
	return l.balance, l.balanceErr
}

func (l *stubLedger) CreateMarket(_ context.Context, _ ledger.Signer, p domain.CreateMarketParams) (domain.Submission, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.creates++
	l.lastParams = p
	if len(l.createErrs) > 0 {
		err := l.createErrs[0]
		l.createErrs = l.createErrs[1:]
		return domain.Submission{}, err
	}
	return l.sub, nil
}

func (l *stubLedger) Resolve(context.Context, ledger.Signer, string, domain.Outcome) (string, error) {
	return "0xresolved", nil
}

type recordingAlerter struct {
	events []string
}

func (a *recordingAlerter) Notify(_ context.Context, event, _, _ string) error {
	a.events = append(a.events, event)
	return nil
}

type memLocks struct {
	mu   sync.Mutex
	held map[string]bool
	keys []string
}

func (m *memLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held == nil {
		m.held = map[string]bool{}
	}
	if m.held[key] {
		return nil, domain.ErrLockHeld
	}
	m.held[key] = true
	m.keys = append(m.keys, key)
	return func() {
		m.mu.Lock()
		delete(m.held, key)
		m.mu.Unlock()
	}, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
	return cfg
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestAddress_WithoutKey(t *testing.T) {
	s := NewSigner(&stubLedger{}, nil, nil, nil, nil, testConfig(), discard())
	_, err := s.Address()
	assert.True(t, errors.Is(err, domain.KindWalletNotConfigured))
	assert.False(t, domain.IsRetryable(err))

	_, err = s.SubmitMarketCreation(context.Background(), domain.CreateMarketParams{})
	assert.True(t, errors.Is(err, domain.KindWalletNotConfigured))
}

func TestBalance_ErrorReportsZero(t *testing.T) {
	l := &stubLedger{balanceErr: errors.New("Connection timed out")}
	s := NewSigner(l, stubKey{}, nil, nil, nil, testConfig(), discard())

	assert.True(t, s.Balance(context.Background()).IsZero())
	assert.False(t, s.HasSufficientBalance(context.Background()))
}

func TestHasSufficientBalance_IncludesGasBuffer(t *testing.T) {
	l := &stubLedger{balance: decimal.RequireFromString("10.05")}
	s := NewSigner(l, stubKey{}, nil, nil, nil, testConfig(), discard())
	assert.False(t, s.HasSufficientBalance(context.Background()))

	l.balance = decimal.RequireFromString("10.1")
	assert.True(t, s.HasSufficientBalance(context.Background()))
}

func TestSubmitMarketCreation_RetriesTransientThenSucceeds(t *testing.T) {
	l := &stubLedger{
		createErrs: []error{errors.New("dial tcp: i/o timeout")},
		sub:        domain.Submission{OnChainID: "12", TxHash: "0xabc", FromEvent: true},
	}
	locks := &memLocks{}
	s := NewSigner(l, stubKey{}, locks, nil, nil, testConfig(), discard())

	sub, err := s.SubmitMarketCreation(context.Background(), domain.CreateMarketParams{Title: "t"})
	require.NoError(t, err)
	assert.Equal(t, "12", sub.OnChainID)
	assert.Equal(t, 2, l.creates)
	assert.Equal(t, stubKey{}.Address().Hex(), l.lastParams.Resolver, "relay resolves its own markets")
	assert.Equal(t, []string{"relay:0x70997970c51812dc3a010c7d01b50e0d17dc79c8"}, locks.keys)
	assert.Empty(t, locks.held, "account lock released")
}

func TestSubmitMarketCreation_ExhaustedRetriesAreTransactionFailed(t *testing.T) {
	transient := errors.New("network unreachable")
	l := &stubLedger{createErrs: []error{transient, transient, transient, transient}}
	s := NewSigner(l, stubKey{}, nil, nil, nil, testConfig(), discard())

	_, err := s.SubmitMarketCreation(context.Background(), domain.CreateMarketParams{})
	assert.True(t, errors.Is(err, domain.KindTransactionFailed))
	assert.True(t, domain.IsRetryable(err))
	assert.Equal(t, 3, l.creates)
}

func TestSubmitMarketCreation_InsufficientFunds(t *testing.T) {
	l := &stubLedger{createErrs: []error{errors.New("ledger: send tx: insufficient funds for gas * price + value")}}
	s := NewSigner(l, stubKey{}, nil, nil, nil, testConfig(), discard())

	_, err := s.SubmitMarketCreation(context.Background(), domain.CreateMarketParams{})
	assert.True(t, errors.Is(err, domain.KindInsufficientBalance))
	assert.Equal(t, 1, l.creates, "funding errors are not retried")
}

func TestSubmitMarketCreation_ReceiptTimeoutIsNotResubmitted(t *testing.T) {
	l := &stubLedger{createErrs: []error{fmt.Errorf("%w: tx 0x1: context deadline exceeded", ledger.ErrReceiptTimeout)}}
	s := NewSigner(l, stubKey{}, nil, nil, nil, testConfig(), discard())

	_, err := s.SubmitMarketCreation(context.Background(), domain.CreateMarketParams{})
	assert.True(t, errors.Is(err, domain.KindTransactionFailed))
	assert.ErrorIs(t, err, ledger.ErrReceiptTimeout)
	assert.False(t, domain.IsRetryable(err))
	assert.Equal(t, 1, l.creates)
}

func TestMonitorBalance_AlertsBelowThreshold(t *testing.T) {
	alerts := &recordingAlerter{}
	l := &stubLedger{balance: decimal.NewFromInt(3)}
	s := NewSigner(l, stubKey{}, nil, alerts, nil, testConfig(), discard())

	s.MonitorBalance(context.Background())
	assert.Equal(t, []string{EventLowBalance}, alerts.events)

	l.balance = decimal.NewFromInt(50)
	s.MonitorBalance(context.Background())
	assert.Len(t, alerts.events, 1)
}

func TestMonitorBalance_NoKeyDoesNothing(t *testing.T) {
	alerts := &recordingAlerter{}
	s := NewSigner(&stubLedger{}, nil, nil, alerts, nil, testConfig(), discard())
	assert.NotPanics(t, func() { s.MonitorBalance(context.Background()) })
	assert.Empty(t, alerts.events)
}
