package monitor

import (
	"context"
	"errors"
	"testing"

	"yieldvault/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type readerFunc func(ctx context.Context, address, code, issuer string) (decimal.Decimal, error)

func (f readerFunc) GetAssetBalance(ctx context.Context, address, code, issuer string) (decimal.Decimal, error) {
	return f(ctx, address, code, issuer)
}

func TestObserveWithoutBaseline(t *testing.T) {
	m := New(readerFunc(func(_ context.Context, address, code, issuer string) (decimal.Decimal, error) {
		assert.Equal(t, "GWALLET", address)
		assert.Equal(t, "USDC", code)
		assert.Equal(t, "GISSUER", issuer)
		return decimal.NewFromInt(100), nil
	}), "USDC", "GISSUER")

	obs, err := m.Observe(context.Background(), &model.Wallet{PublicAddress: "GWALLET"})
	require.NoError(t, err)
	assert.False(t, obs.HasBaseline())
	assert.True(t, obs.Delta().IsZero())
}

func TestObserveDelta(t *testing.T) {
	prev := decimal.NewFromInt(100)
	m := New(readerFunc(func(context.Context, string, string, string) (decimal.Decimal, error) {
		return decimal.NewFromInt(115), nil
	}), "USDC", "GISSUER")

	obs, err := m.Observe(context.Background(), &model.Wallet{PublicAddress: "G", PreviousObservedBalance: &prev})
	require.NoError(t, err)
	assert.True(t, obs.HasBaseline())
	assert.True(t, decimal.NewFromInt(15).Equal(obs.Delta()))
}

func TestObservePropagatesErrors(t *testing.T) {
	m := New(readerFunc(func(context.Context, string, string, string) (decimal.Decimal, error) {
		return decimal.Zero, errors.New("horizon unavailable")
	}), "USDC", "GISSUER")

	_, err := m.Observe(context.Background(), &model.Wallet{PublicAddress: "G"})
	assert.ErrorContains(t, err, "horizon unavailable")
}
