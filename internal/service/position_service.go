package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/alanyoungcy/dcavault/internal/domain"
	"github.com/alanyoungcy/dcavault/internal/ledger"
)

// feeDenominator converts basis points to a fraction.
const feeDenominator = 10_000

// PositionService handles position creation and the read-only query surface.
// Fill and close transitions live in the engine; creation is the only flow
// that moves funds into the pool.
type PositionService struct {
	positions domain.PositionStore
	fees      domain.FeeStore
	pool      domain.PoolStore
	bank      domain.Bank
	deposits  domain.DepositStore
	cache     domain.PositionCache
	bus       domain.SignalBus
	audit     domain.AuditStore
	verifier  *ledger.Verifier
	logger    *slog.Logger
	now       func() time.Time
}

// NewPositionService creates a PositionService with all required dependencies.
func NewPositionService(
	positions domain.PositionStore,
	fees domain.FeeStore,
	pool domain.PoolStore,
	bank domain.Bank,
	deposits domain.DepositStore,
	cache domain.PositionCache,
	bus domain.SignalBus,
	audit domain.AuditStore,
	verifier *ledger.Verifier,
	logger *slog.Logger,
) *PositionService {
	return &PositionService{
		positions: positions,
		fees:      fees,
		pool:      pool,
		bank:      bank,
		deposits:  deposits,
		cache:     cache,
		bus:       bus,
		audit:     audit,
		verifier:  verifier,
		logger:    logger.With(slog.String("component", "position_service")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the service's time source, for deterministic tests.
func (s *PositionService) SetNowFunc(now func() time.Time) {
	if now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
		return
	}
	s.now = now
}

// CreateParams are the caller-supplied fields for opening a position.
type CreateParams struct {
	Owner             string
	SrcAsset          domain.Asset
	DstAsset          domain.Asset
	InstallmentAmount *big.Int
	TotalInstallments int
	Cadence           domain.Cadence
	// DepositTx proves the exact native-asset payment when SrcAsset is the
	// native asset; ignored for ERC-20 escrow, which is pulled by allowance.
	DepositTx string
}

// Create opens a new position: the protocol fee is computed at the current
// rate, escrow plus fee is pulled from the owner into the pool, the fee is
// accrued per source asset, and the record is allocated with the next
// sequential id. The whole amount is custodied up front; fills and close only
// ever pay out of what was escrowed here.
func (s *PositionService) Create(ctx context.Context, p CreateParams) (domain.Position, error) {
	if p.InstallmentAmount == nil || p.InstallmentAmount.Sign() <= 0 || p.TotalInstallments <= 0 {
		return domain.Position{}, fmt.Errorf("position_service: create: %w", domain.ErrInvalidAmount)
	}
	if p.SrcAsset == p.DstAsset {
		return domain.Position{}, fmt.Errorf("position_service: create: src equals dst: %w", domain.ErrInvalidAsset)
	}

	escrow := new(big.Int).Mul(p.InstallmentAmount, big.NewInt(int64(p.TotalInstallments)))
	rate, err := s.fees.Rate(ctx)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: fee rate: %w", err)
	}
	fee := reserveFee(rate, escrow)
	required := new(big.Int).Add(escrow, fee)

	// Funds move first; the record is only written once the pool really
	// holds the escrow.
	if p.SrcAsset.IsNative() {
		if err := s.bank.VerifyNativeDeposit(ctx, p.DepositTx, p.Owner, required); err != nil {
			return domain.Position{}, fmt.Errorf("position_service: verify deposit: %w", err)
		}
		// A verified hash is spent exactly once. Two creates racing on the
		// same deposit resolve here: one consumes it, the other is rejected.
		if err := s.deposits.Consume(ctx, p.DepositTx); err != nil {
			return domain.Position{}, fmt.Errorf("position_service: consume deposit %s: %w", p.DepositTx, err)
		}
	} else {
		if err := s.bank.Pull(ctx, p.Owner, p.SrcAsset, required); err != nil {
			return domain.Position{}, fmt.Errorf("position_service: pull escrow: %w", err)
		}
	}

	now := s.now()
	pos := domain.Position{
		Owner:             p.Owner,
		SrcAsset:          p.SrcAsset,
		DstAsset:          p.DstAsset,
		InstallmentAmount: p.InstallmentAmount,
		TotalInstallments: p.TotalInstallments,
		AccruedOutput:     big.NewInt(0),
		FeePaid:           fee,
		Cadence:           p.Cadence,
		Status:            domain.PositionStatusOpen,
		CreatedAt:         now,
		NextFillAt:        &now, // first installment is due immediately
	}

	id, err := s.positions.Create(ctx, pos)
	if err != nil {
		// Escrow was pulled but the record failed to persist. This needs
		// operator reconciliation; rescueFunds exists for exactly this.
		s.logger.ErrorContext(ctx, "position create failed after escrow pull",
			slog.String("owner", p.Owner),
			slog.String("required", required.String()),
			slog.String("error", err.Error()),
		)
		return domain.Position{}, fmt.Errorf("position_service: create position: %w", err)
	}
	pos.ID = id

	if err := s.pool.Credit(ctx, p.SrcAsset, required); err != nil {
		return domain.Position{}, fmt.Errorf("position_service: credit pool: %w", err)
	}
	if fee.Sign() > 0 {
		if err := s.fees.Accrue(ctx, p.SrcAsset, fee); err != nil {
			return domain.Position{}, fmt.Errorf("position_service: accrue fee: %w", err)
		}
	}

	evt, _ := json.Marshal(domain.PositionOpenedEvent{
		Event:             "position_opened",
		PositionID:        id,
		Owner:             pos.Owner,
		SrcAsset:          pos.SrcAsset.String(),
		DstAsset:          pos.DstAsset.String(),
		InstallmentAmount: pos.InstallmentAmount.String(),
		TotalInstallments: pos.TotalInstallments,
		Fee:               fee.String(),
		Cadence:           string(pos.Cadence),
	})
	if pubErr := s.bus.Publish(ctx, domain.ChannelPositions, evt); pubErr != nil {
		s.logger.WarnContext(ctx, "publish open event failed",
			slog.Int64("position_id", id),
			slog.String("error", pubErr.Error()),
		)
	}
	if auditErr := s.audit.Log(ctx, "position_opened", map[string]any{
		"position_id": id,
		"owner":       pos.Owner,
		"src_asset":   pos.SrcAsset.String(),
		"dst_asset":   pos.DstAsset.String(),
		"escrow":      escrow.String(),
		"fee":         fee.String(),
		"cadence":     string(pos.Cadence),
	}); auditErr != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.Int64("position_id", id),
			slog.String("error", auditErr.Error()),
		)
	}

	s.logger.InfoContext(ctx, "position opened",
		slog.Int64("position_id", id),
		slog.String("owner", pos.Owner),
		slog.String("escrow", escrow.String()),
		slog.String("fee", fee.String()),
	)

	if err := s.verifier.Verify(ctx, p.SrcAsset); err != nil {
		return pos, err
	}
	return pos, nil
}

// Get returns a position by id, serving from the read cache when possible.
func (s *PositionService) Get(ctx context.Context, id int64) (domain.Position, error) {
	if s.cache != nil {
		if pos, err := s.cache.Get(ctx, id); err == nil {
			return pos, nil
		}
	}
	pos, err := s.positions.GetByID(ctx, id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: get %d: %w", id, err)
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, pos); err != nil {
			s.logger.WarnContext(ctx, "cache set failed",
				slog.Int64("position_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return pos, nil
}

// ListByOwner returns the owner's positions in creation order, closed ones
// included.
func (s *PositionService) ListByOwner(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.Position, error) {
	positions, err := s.positions.ListByOwner(ctx, owner, opts)
	if err != nil {
		return nil, fmt.Errorf("position_service: list for %q: %w", owner, err)
	}
	return positions, nil
}

// reserveFee computes the protocol fee in basis points of the total escrow.
func reserveFee(rateBps uint32, escrow *big.Int) *big.Int {
	fee := new(big.Int).Mul(escrow, big.NewInt(int64(rateBps)))
	return fee.Div(fee, big.NewInt(feeDenominator))
}
