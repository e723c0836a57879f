package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/alanyoungcy/dcavault/internal/domain"
)

// maxFeeRateBps caps the protocol fee at 100% of escrow; anything above is a
// caller error.
const maxFeeRateBps = 10_000

// TreasuryService manages the protocol fee rate, accrued fee withdrawal, and
// the emergency fund sweep. All mutations are admin-gated through the access
// control provider.
type TreasuryService struct {
	fees   domain.FeeStore
	pool   domain.PoolStore
	bank   domain.Bank
	roles  domain.RoleChecker
	bus    domain.SignalBus
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewTreasuryService creates a TreasuryService.
func NewTreasuryService(
	fees domain.FeeStore,
	pool domain.PoolStore,
	bank domain.Bank,
	roles domain.RoleChecker,
	bus domain.SignalBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *TreasuryService {
	return &TreasuryService{
		fees:   fees,
		pool:   pool,
		bank:   bank,
		roles:  roles,
		bus:    bus,
		audit:  audit,
		logger: logger.With(slog.String("component", "treasury_service")),
	}
}

// SetFeeRate replaces the fee rate applied to future position creations.
// Open positions keep the fee they reserved at creation.
func (s *TreasuryService) SetFeeRate(ctx context.Context, caller domain.Principal, bps uint32) error {
	if err := s.requireAdmin(ctx, caller); err != nil {
		return err
	}
	if bps > maxFeeRateBps {
		return fmt.Errorf("treasury_service: rate %d bps: %w", bps, domain.ErrInvalidAmount)
	}
	if err := s.fees.SetRate(ctx, bps); err != nil {
		return fmt.Errorf("treasury_service: set rate: %w", err)
	}
	s.auditLog(ctx, "fee_rate_set", map[string]any{"bps": bps, "caller": caller.Name})
	s.logger.InfoContext(ctx, "fee rate updated",
		slog.Uint64("bps", uint64(bps)),
		slog.String("caller", caller.Name),
	)
	return nil
}

// Rate returns the current fee rate in basis points.
func (s *TreasuryService) Rate(ctx context.Context) (uint32, error) {
	rate, err := s.fees.Rate(ctx)
	if err != nil {
		return 0, fmt.Errorf("treasury_service: rate: %w", err)
	}
	return rate, nil
}

// Accrued returns the unwithdrawn fee accrual for an asset.
func (s *TreasuryService) Accrued(ctx context.Context, asset domain.Asset) (*big.Int, error) {
	accrued, err := s.fees.Accrued(ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("treasury_service: accrued %s: %w", asset, err)
	}
	return accrued, nil
}

// Withdraw drains the entire accrual of each listed asset and transfers the
// amounts to the caller. The drain is a single conditional update per asset,
// so concurrent withdrawals over overlapping asset sets can never pay the
// same accrual twice. A failed transfer restores that asset's accrual and
// aborts the call.
func (s *TreasuryService) Withdraw(ctx context.Context, caller domain.Principal, assets []domain.Asset) (map[domain.Asset]*big.Int, error) {
	if err := s.requireAdmin(ctx, caller); err != nil {
		return nil, err
	}

	drained, err := s.fees.Drain(ctx, assets)
	if err != nil {
		return nil, fmt.Errorf("treasury_service: drain: %w", err)
	}

	paid := make(map[domain.Asset]*big.Int, len(drained))
	for asset, amount := range drained {
		if err := s.pool.Debit(ctx, asset, amount); err != nil {
			s.restore(ctx, asset, amount, false)
			return paid, fmt.Errorf("treasury_service: debit %s: %w", asset, err)
		}
		if err := s.bank.Push(ctx, caller.Address, asset, amount); err != nil {
			s.restore(ctx, asset, amount, true)
			return paid, fmt.Errorf("treasury_service: transfer %s: %w", asset, err)
		}
		paid[asset] = amount
	}

	amounts := make(map[string]string, len(paid))
	for asset, amount := range paid {
		amounts[asset.String()] = amount.String()
	}
	evt, _ := json.Marshal(domain.FeesWithdrawnEvent{
		Event:   "fees_withdrawn",
		Caller:  caller.Name,
		Amounts: amounts,
	})
	if pubErr := s.bus.Publish(ctx, domain.ChannelTreasury, evt); pubErr != nil {
		s.logger.WarnContext(ctx, "publish withdraw event failed",
			slog.String("error", pubErr.Error()),
		)
	}
	s.auditLog(ctx, "fees_withdrawn", map[string]any{
		"caller":  caller.Name,
		"amounts": amounts,
	})
	return paid, nil
}

// restore re-accrues a drained amount after a failed payout so the ledger
// keeps owing it.
func (s *TreasuryService) restore(ctx context.Context, asset domain.Asset, amount *big.Int, recredit bool) {
	if err := s.fees.Accrue(ctx, asset, amount); err != nil {
		s.logger.ErrorContext(ctx, "failed to restore fee accrual",
			slog.String("asset", asset.String()),
			slog.String("amount", amount.String()),
			slog.String("error", err.Error()),
		)
	}
	if recredit {
		if err := s.pool.Credit(ctx, asset, amount); err != nil {
			s.logger.ErrorContext(ctx, "failed to restore pool balance",
				slog.String("asset", asset.String()),
				slog.String("amount", amount.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Rescue sweeps the pool wallet's entire actual balance of an asset to the
// caller. It is an emergency escape hatch outside normal accounting: no pool
// or fee records change, and the sweep is loudly audited.
func (s *TreasuryService) Rescue(ctx context.Context, caller domain.Principal, asset domain.Asset) (*big.Int, error) {
	if err := s.requireAdmin(ctx, caller); err != nil {
		return nil, err
	}

	balance, err := s.bank.Balance(ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("treasury_service: balance %s: %w", asset, err)
	}
	if balance.Sign() > 0 {
		if err := s.bank.Push(ctx, caller.Address, asset, balance); err != nil {
			return nil, fmt.Errorf("treasury_service: rescue %s: %w", asset, err)
		}
	}

	s.auditLog(ctx, "funds_rescued", map[string]any{
		"caller": caller.Name,
		"asset":  asset.String(),
		"amount": balance.String(),
	})
	s.logger.WarnContext(ctx, "funds rescued",
		slog.String("asset", asset.String()),
		slog.String("amount", balance.String()),
		slog.String("caller", caller.Name),
	)
	return balance, nil
}

func (s *TreasuryService) requireAdmin(ctx context.Context, caller domain.Principal) error {
	ok, err := s.roles.HasRole(ctx, caller.Name, domain.RoleAdmin)
	if err != nil {
		return fmt.Errorf("treasury_service: role check %s: %w", caller.Name, err)
	}
	if !ok {
		return fmt.Errorf("treasury_service: %s lacks role %s: %w", caller.Name, domain.RoleAdmin, domain.ErrInvalidCaller)
	}
	return nil
}

func (s *TreasuryService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
