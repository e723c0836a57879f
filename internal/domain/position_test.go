package domain

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPositionRemaining(t *testing.T) {
	p := Position{
		InstallmentAmount: big.NewInt(100),
		TotalInstallments: 5,
	}

	assert.Equal(t, big.NewInt(500), p.Remaining())
	assert.Equal(t, big.NewInt(500), p.EscrowTotal())

	p.FilledInstallments = 2
	assert.Equal(t, big.NewInt(300), p.Remaining())

	p.FilledInstallments = 5
	assert.True(t, p.FullyFilled())
	assert.Equal(t, big.NewInt(0), p.Remaining())

	// The escrow total never changes with fills.
	assert.Equal(t, big.NewInt(500), p.EscrowTotal())
}

func TestPositionRemainingNilAmount(t *testing.T) {
	p := Position{TotalInstallments: 3}
	assert.Equal(t, big.NewInt(0), p.Remaining())
}

func TestParseCadence(t *testing.T) {
	for _, s := range []string{"hourly", "daily", "weekly", "monthly"} {
		c, err := ParseCadence(s)
		require.NoError(t, err)
		assert.Equal(t, Cadence(s), c)
		assert.Greater(t, c.Interval(), time.Duration(0))
	}

	_, err := ParseCadence("fortnightly")
	assert.ErrorIs(t, err, ErrInvalidCadence)
}

func TestCadenceInterval(t *testing.T) {
	assert.Equal(t, time.Hour, CadenceHourly.Interval())
	assert.Equal(t, 24*time.Hour, CadenceDaily.Interval())
	assert.Equal(t, 7*24*time.Hour, CadenceWeekly.Interval())
	assert.Equal(t, 30*24*time.Hour, CadenceMonthly.Interval())
}

func TestParseAsset(t *testing.T) {
	a, err := ParseAsset("0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48")
	require.NoError(t, err)
	assert.False(t, a.IsNative())
	assert.Equal(t, "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", a.String())

	native, err := ParseAsset("0x0000000000000000000000000000000000000000")
	require.NoError(t, err)
	assert.True(t, native.IsNative())
	assert.True(t, NativeAsset.IsNative())

	_, err = ParseAsset("not-an-address")
	assert.ErrorIs(t, err, ErrInvalidAsset)
}
