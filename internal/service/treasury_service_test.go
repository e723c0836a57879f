package service

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dcavault/internal/domain"
)

func TestSetFeeRate(t *testing.T) {
	f := newFixture(0)
	svc := f.treasuryService()
	ctx := context.Background()

	require.NoError(t, svc.SetFeeRate(ctx, admin, 250))
	rate, err := svc.Rate(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(250), rate)

	err = svc.SetFeeRate(ctx, admin, 10001)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	err = svc.SetFeeRate(ctx, nonAdmin, 100)
	assert.ErrorIs(t, err, domain.ErrInvalidCaller)
}

func TestFeeRateOnlyAffectsFutureCreations(t *testing.T) {
	f := newFixture(100)
	positions := f.positionService()
	treasury := f.treasuryService()
	ctx := context.Background()

	before, err := positions.Create(ctx, CreateParams{
		Owner: ownerAddr, SrcAsset: usdc, DstAsset: weth,
		InstallmentAmount: big.NewInt(100), TotalInstallments: 10, Cadence: domain.CadenceDaily,
	})
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(10), before.FeePaid) // 1% of 1000

	require.NoError(t, treasury.SetFeeRate(ctx, admin, 200))

	after, err := positions.Create(ctx, CreateParams{
		Owner: ownerAddr, SrcAsset: usdc, DstAsset: weth,
		InstallmentAmount: big.NewInt(100), TotalInstallments: 10, Cadence: domain.CadenceDaily,
	})
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(20), after.FeePaid) // 2% of 1000

	// The earlier position's reserved fee is untouched.
	got, err := positions.Get(ctx, before.ID)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(10), got.FeePaid)
}

func TestWithdrawDrainsAccrualOnce(t *testing.T) {
	f := newFixture(0)
	svc := f.treasuryService()
	ctx := context.Background()

	require.NoError(t, f.fees.Accrue(ctx, usdc, big.NewInt(50)))
	require.NoError(t, f.pool.Credit(ctx, usdc, big.NewInt(50)))

	paid, err := svc.Withdraw(ctx, admin, []domain.Asset{usdc, weth})
	require.NoError(t, err)
	require.Len(t, paid, 1)
	assert.Equal(t, big.NewInt(50), paid[usdc])

	require.Len(t, f.bank.pushes, 1)
	assert.Equal(t, adminAddr, f.bank.pushes[0].Counterparty)
	assert.Equal(t, big.NewInt(50), f.bank.pushes[0].Amount)

	// A second withdrawal finds nothing to drain and transfers nothing.
	paid, err = svc.Withdraw(ctx, admin, []domain.Asset{usdc})
	require.NoError(t, err)
	assert.Empty(t, paid)
	assert.Len(t, f.bank.pushes, 1)

	accrued, err := f.fees.Accrued(ctx, usdc)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(0), accrued)
}

func TestWithdrawRequiresAdmin(t *testing.T) {
	f := newFixture(0)
	svc := f.treasuryService()

	_, err := svc.Withdraw(context.Background(), nonAdmin, []domain.Asset{usdc})
	assert.ErrorIs(t, err, domain.ErrInvalidCaller)
}

func TestWithdrawTransferFailureRestoresAccrual(t *testing.T) {
	f := newFixture(0)
	svc := f.treasuryService()
	ctx := context.Background()

	require.NoError(t, f.fees.Accrue(ctx, usdc, big.NewInt(50)))
	require.NoError(t, f.pool.Credit(ctx, usdc, big.NewInt(50)))
	f.bank.pushErr = errors.New("rpc: connection refused")

	_, err := svc.Withdraw(ctx, admin, []domain.Asset{usdc})
	require.Error(t, err)

	// The accrual and pool balance are restored, so a retry can succeed.
	accrued, _ := f.fees.Accrued(ctx, usdc)
	assert.Equal(t, big.NewInt(50), accrued)
	bal, _ := f.pool.Balance(ctx, usdc)
	assert.Equal(t, big.NewInt(50), bal)
	require.NoError(t, f.verifier.Verify(ctx, usdc))
}

func TestRescueSweepsActualBalance(t *testing.T) {
	f := newFixture(0)
	f.bank.balance = big.NewInt(777)
	svc := f.treasuryService()
	ctx := context.Background()

	swept, err := svc.Rescue(ctx, admin, weth)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(777), swept)
	require.Len(t, f.bank.pushes, 1)
	assert.Equal(t, adminAddr, f.bank.pushes[0].Counterparty)

	_, err = svc.Rescue(ctx, nonAdmin, weth)
	assert.ErrorIs(t, err, domain.ErrInvalidCaller)
}
