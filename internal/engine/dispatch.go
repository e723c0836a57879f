package engine

import (
	"fmt"

	"github.com/alanyoungcy/dcavault/internal/domain"
)

// dispatch selects the venue strategy for a fill and builds the swap request.
// Explicit generic-call params route through the generic venue after
// validation; otherwise the router venue self-selects the conversion path,
// including native-asset legs.
func (e *Engine) dispatch(pos domain.Position, params *domain.GenericCallParams) (domain.Venue, domain.SwapRequest, error) {
	req := domain.SwapRequest{
		PositionID: pos.ID,
		SrcAsset:   pos.SrcAsset,
		DstAsset:   pos.DstAsset,
		Amount:     pos.InstallmentAmount,
		Receiver:   pos.Owner,
	}

	if params == nil {
		if e.router == nil {
			return nil, domain.SwapRequest{}, fmt.Errorf("engine: router venue not configured")
		}
		return e.router, req, nil
	}

	if e.generic == nil {
		return nil, domain.SwapRequest{}, fmt.Errorf("engine: generic venue not configured")
	}
	if err := validateParams(pos, params); err != nil {
		return nil, domain.SwapRequest{}, err
	}

	// Forward a copy with the receiver pinned to the owner; a filler never
	// chooses where the output goes.
	forwarded := *params
	forwarded.Desc.Receiver = pos.Owner
	req.Generic = &forwarded
	return e.generic, req, nil
}

// validateParams rejects generic-call descriptions that disagree with the
// position's own fields, so a filler cannot substitute a different swap than
// the one authorized for this escrow.
func validateParams(pos domain.Position, params *domain.GenericCallParams) error {
	if params.Desc.SrcAsset != pos.SrcAsset || params.Desc.DstAsset != pos.DstAsset {
		return fmt.Errorf("description %s->%s, position %s->%s: %w",
			params.Desc.SrcAsset, params.Desc.DstAsset, pos.SrcAsset, pos.DstAsset, domain.ErrTokenMismatch)
	}
	if params.Desc.Amount == nil || params.Desc.Amount.Cmp(pos.InstallmentAmount) != 0 {
		return fmt.Errorf("description amount %v, installment %s: %w",
			params.Desc.Amount, pos.InstallmentAmount, domain.ErrAmountMismatch)
	}
	return nil
}
