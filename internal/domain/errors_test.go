package domain_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/predictify/internal/domain"
)

func TestError_IsMatchesKindThroughWrapping(t *testing.T) {
	err := fmt.Errorf("market_service: initialize: %w",
		domain.NewError(domain.KindInsufficientBalance, "relay balance %s below threshold", "3"))

	assert.True(t, errors.Is(err, domain.KindInsufficientBalance))
	assert.False(t, errors.Is(err, domain.KindTransactionFailed))
	assert.Equal(t, domain.KindInsufficientBalance, domain.KindOf(err))
	assert.True(t, domain.IsRetryable(err))
}

func TestError_DefaultRetryability(t *testing.T) {
	assert.False(t, domain.NewError(domain.KindValidation, "x").Retryable)
	assert.False(t, domain.NewError(domain.KindLockContention, "x").Retryable)
	assert.True(t, domain.NewError(domain.KindTransactionFailed, "x").Retryable)
	assert.True(t, domain.NewError(domain.KindSync, "x").Retryable)
}

func TestError_UnwrapKeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := domain.WrapError(domain.KindSync, cause, "sync market %s", "m1")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "SYNC_ERROR")
	assert.Equal(t, domain.Kind(""), domain.KindOf(cause))
}
