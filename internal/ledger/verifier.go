// Package ledger implements the custodial pool accounting checks. Funds from
// many users are commingled in one pool wallet; the only cross-position
// invariant is that, per asset, tracked custody covers the unfilled escrow of
// every open position plus any accrued-but-unwithdrawn fees.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/alanyoungcy/dcavault/internal/domain"
)

// Verifier checks the per-asset solvency invariant after ledger transitions.
type Verifier struct {
	positions domain.PositionStore
	fees      domain.FeeStore
	pool      domain.PoolStore
	logger    *slog.Logger
}

// NewVerifier creates a Verifier over the given stores.
func NewVerifier(positions domain.PositionStore, fees domain.FeeStore, pool domain.PoolStore, logger *slog.Logger) *Verifier {
	return &Verifier{
		positions: positions,
		fees:      fees,
		pool:      pool,
		logger:    logger.With(slog.String("component", "ledger")),
	}
}

// Verify checks that the pool's tracked custody of asset covers the sum of
// unfilled escrow across all open positions plus the unwithdrawn fee accrual.
// A shortfall returns domain.ErrInsolvent; callers treat it as a fatal
// accounting defect, not a retryable condition.
func (v *Verifier) Verify(ctx context.Context, asset domain.Asset) error {
	balance, err := v.pool.Balance(ctx, asset)
	if err != nil {
		return fmt.Errorf("ledger: pool balance %s: %w", asset, err)
	}
	owed, err := v.positions.SumOpenEscrow(ctx, asset)
	if err != nil {
		return fmt.Errorf("ledger: open escrow %s: %w", asset, err)
	}
	accrued, err := v.fees.Accrued(ctx, asset)
	if err != nil {
		return fmt.Errorf("ledger: fee accrual %s: %w", asset, err)
	}

	required := new(big.Int).Add(owed, accrued)
	if balance.Cmp(required) < 0 {
		v.logger.ErrorContext(ctx, "pool custody below obligations",
			slog.String("asset", asset.String()),
			slog.String("balance", balance.String()),
			slog.String("required", required.String()),
		)
		return fmt.Errorf("ledger: %s custody %s below obligations %s: %w",
			asset, balance, required, domain.ErrInsolvent)
	}
	return nil
}

// VerifyAll checks the invariant for every listed asset and returns the first
// violation encountered.
func (v *Verifier) VerifyAll(ctx context.Context, assets []domain.Asset) error {
	for _, asset := range assets {
		if err := v.Verify(ctx, asset); err != nil {
			return err
		}
	}
	return nil
}
