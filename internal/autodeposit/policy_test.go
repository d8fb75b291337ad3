package autodeposit

import (
	"testing"
	"time"

	"yieldvault/internal/config"
	"yieldvault/internal/model"
	"yieldvault/internal/monitor"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func obs(previous *string, current string) *monitor.Observation {
	o := &monitor.Observation{Current: decimal.RequireFromString(current)}
	if previous != nil {
		p := decimal.RequireFromString(*previous)
		o.Previous = &p
	}
	return o
}

func TestEvaluate(t *testing.T) {
	p := defaultPolicy()

	tests := []struct {
		name       string
		previous   *string
		current    string
		wantState  string
		wantAmount string
	}{
		{"no baseline", nil, "1000", StateNoBaseline, ""},
		{"decrease", ptr("100"), "90", StateNotTriggered, ""},
		{"unchanged", ptr("100"), "100", StateNotTriggered, ""},
		{"below minimum", ptr("100"), "105", StateNotTriggered, ""},
		{"qualifying", ptr("100"), "115", StateDepositing, "114"},
		{"exactly minimum", ptr("0"), "10", StateNotTriggered, ""},
		{"minimum after buffer", ptr("0"), "11", StateDepositing, "10"},
		{"stroop precision", ptr("0"), "20.123456789", StateDepositing, "19.1234567"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Evaluate(obs(tt.previous, tt.current))
			assert.Equal(t, tt.wantState, d.State)
			if tt.wantAmount != "" {
				assert.True(t, decimal.RequireFromString(tt.wantAmount).Equal(d.DepositAmount), d.DepositAmount.String())
			}
		})
	}
}

func TestPolicyFromConfig(t *testing.T) {
	p := PolicyFromConfig(config.AutoDepositConfig{
		MinDepositAmount: decimal.NewFromInt(10),
		NetworkFeeBuffer: decimal.NewFromInt(1),
		MaxRetries:       3,
		RetryDelay:       5 * time.Second,
	})
	_, err := p.WithOverrides(nil)
	require.NoError(t, err)

	delay := 1
	got, err := p.WithOverrides(&model.AutoDepositRequest{RetryDelaySeconds: &delay})
	require.NoError(t, err)
	assert.Equal(t, time.Second, got.RetryDelay)
	assert.Equal(t, 5*time.Second, p.RetryDelay)
}

func TestInvalidOverrides(t *testing.T) {
	p := defaultPolicy()
	negative := decimal.NewFromInt(-1)

	_, err := p.WithOverrides(&model.AutoDepositRequest{MinDepositAmount: &negative})
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	_, err = p.WithOverrides(&model.AutoDepositRequest{NetworkFeeBuffer: &negative})
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}
