package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/predictify/internal/domain"
)

func TestStatusCodes_RoundTripEveryChainStatus(t *testing.T) {
	for _, s := range []domain.MarketStatus{
		domain.MarketStatusActive,
		domain.MarketStatusResolved,
		domain.MarketStatusCancelled,
	} {
		code, err := domain.StatusToChain(s)
		require.NoError(t, err, s)
		back, err := domain.StatusFromChain(code)
		require.NoError(t, err)
		assert.Equal(t, s, back)
	}
}

func TestStatusCodes_KnownValues(t *testing.T) {
	cases := map[uint8]domain.MarketStatus{
		0: domain.MarketStatusActive,
		1: domain.MarketStatusResolved,
		2: domain.MarketStatusCancelled,
	}
	for code, want := range cases {
		got, err := domain.StatusFromChain(code)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := domain.StatusFromChain(3)
	assert.Error(t, err)

	_, err = domain.StatusToChain(domain.MarketStatusPending)
	assert.Error(t, err, "PENDING exists only off chain")
}

func TestOutcomeCodes(t *testing.T) {
	none, err := domain.OutcomeFromChain(0)
	require.NoError(t, err)
	assert.Nil(t, none)

	cases := map[uint8]domain.Outcome{
		1: domain.OutcomeYes,
		2: domain.OutcomeNo,
		3: domain.OutcomeInvalid,
	}
	for code, want := range cases {
		got, err := domain.OutcomeFromChain(code)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want, *got)

		back, err := domain.OutcomeToChain(want)
		require.NoError(t, err)
		assert.Equal(t, code, back)
	}

	_, err = domain.OutcomeFromChain(4)
	assert.Error(t, err)
}

func TestMarketTypeCodes(t *testing.T) {
	for code, want := range map[uint8]domain.MarketType{0: domain.MarketTypeStandard, 1: domain.MarketTypeNoLoss} {
		got, err := domain.MarketTypeFromChain(code)
		require.NoError(t, err)
		assert.Equal(t, want, got)

		back, err := domain.MarketTypeToChain(want)
		require.NoError(t, err)
		assert.Equal(t, code, back)
	}

	_, err := domain.MarketTypeToChain("PARLAY")
	assert.Error(t, err)
}
