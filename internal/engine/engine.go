// Package engine implements the fill dispatch engine: the lock-guarded state
// transitions that convert installments through external venues and reconcile
// the results into the position ledger. Every mutating entry point holds a
// per-position exclusion lock for the full duration of the external call, so
// a reentrant fill or close observes a consistent, not-yet-updated record and
// is rejected instead of double-spending the shared pool.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/dcavault/internal/domain"
	"github.com/alanyoungcy/dcavault/internal/ledger"
)

// defaultLockTTL bounds how long a crashed fill can keep a position locked.
const defaultLockTTL = 2 * time.Minute

// Alerter delivers operator alerts. Implemented by notify.Notifier.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Deps bundles the collaborators the engine needs.
type Deps struct {
	Positions domain.PositionStore
	Pool      domain.PoolStore
	Bank      domain.Bank
	Locks     domain.LockManager
	Roles     domain.RoleChecker
	Generic   domain.Venue // generic-call strategy
	Router    domain.Venue // router-path strategy
	Cache     domain.PositionCache
	Bus       domain.SignalBus
	Audit     domain.AuditStore
	Verifier  *ledger.Verifier
	Alerts    Alerter
	Logger    *slog.Logger
	LockTTL   time.Duration
}

// Engine executes fill, bulk-fill, and close transitions against the
// position ledger.
type Engine struct {
	positions domain.PositionStore
	pool      domain.PoolStore
	bank      domain.Bank
	locks     domain.LockManager
	roles     domain.RoleChecker
	generic   domain.Venue
	router    domain.Venue
	cache     domain.PositionCache
	bus       domain.SignalBus
	audit     domain.AuditStore
	verifier  *ledger.Verifier
	alerts    Alerter
	logger    *slog.Logger
	lockTTL   time.Duration
	now       func() time.Time
}

// New creates an Engine from its dependencies.
func New(d Deps) *Engine {
	ttl := d.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &Engine{
		positions: d.Positions,
		pool:      d.Pool,
		bank:      d.Bank,
		locks:     d.Locks,
		roles:     d.Roles,
		generic:   d.Generic,
		router:    d.Router,
		cache:     d.Cache,
		bus:       d.Bus,
		audit:     d.Audit,
		verifier:  d.Verifier,
		alerts:    d.Alerts,
		logger:    d.Logger.With(slog.String("component", "engine")),
		lockTTL:   ttl,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the engine's time source, for deterministic tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
		return
	}
	e.now = now
}

func lockKey(id int64) string {
	return fmt.Sprintf("position:%d", id)
}

// Fill converts one installment of the given position. The caller must hold
// the filler role. With params set, the swap is routed through the
// generic-call venue after validating that the supplied description matches
// the position exactly; without params the router venue self-selects the
// conversion. On success the updated record is returned.
func (e *Engine) Fill(ctx context.Context, caller domain.Principal, id int64, params *domain.GenericCallParams) (domain.Position, error) {
	if err := e.requireRole(ctx, caller, domain.RoleFiller); err != nil {
		return domain.Position{}, err
	}

	unlock, err := e.locks.Acquire(ctx, lockKey(id), e.lockTTL)
	if err != nil {
		return domain.Position{}, fmt.Errorf("engine: fill %d: %w", id, err)
	}
	defer unlock()

	return e.fillLocked(ctx, caller, id, params)
}

// fillLocked runs one installment conversion. The caller must already hold
// the position's exclusion lock.
func (e *Engine) fillLocked(ctx context.Context, caller domain.Principal, id int64, params *domain.GenericCallParams) (domain.Position, error) {
	pos, err := e.positions.GetByID(ctx, id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("engine: fill %d: %w", id, err)
	}
	if err := fillable(pos); err != nil {
		return domain.Position{}, fmt.Errorf("engine: fill %d: %w", id, err)
	}

	venue, req, err := e.dispatch(pos, params)
	if err != nil {
		return domain.Position{}, fmt.Errorf("engine: fill %d: %w", id, err)
	}

	output, err := venue.Swap(ctx, req)
	if err != nil {
		// Venue failures abort the fill with zero state change; the caller
		// resubmits if it still wants the installment.
		e.logger.WarnContext(ctx, "venue swap failed",
			slog.Int64("position_id", id),
			slog.String("venue", venue.Name()),
			slog.String("error", err.Error()),
		)
		e.alert(ctx, "fill_failed", "Fill failed",
			fmt.Sprintf("position %d: venue %s: %v", id, venue.Name(), err))
		return domain.Position{}, fmt.Errorf("engine: fill %d via %s: %w", id, venue.Name(), err)
	}
	if output == nil || output.Sign() <= 0 {
		return domain.Position{}, fmt.Errorf("engine: fill %d via %s: venue reported zero output", id, venue.Name())
	}

	now := e.now()
	updated, err := e.positions.RecordFill(ctx, id, output, now, now.Add(pos.Cadence.Interval()))
	if err != nil {
		return domain.Position{}, fmt.Errorf("engine: record fill %d: %w", id, err)
	}
	if err := e.pool.Debit(ctx, pos.SrcAsset, pos.InstallmentAmount); err != nil {
		return domain.Position{}, fmt.Errorf("engine: debit pool for fill %d: %w", id, err)
	}
	e.invalidate(ctx, id)

	e.publishFilled(ctx, updated, caller, output, venue.Name())
	e.auditLog(ctx, "position_filled", map[string]any{
		"position_id": id,
		"filled":      updated.FilledInstallments,
		"filler":      caller.Name,
		"output":      output.String(),
		"venue":       venue.Name(),
	})

	e.logger.InfoContext(ctx, "installment filled",
		slog.Int64("position_id", id),
		slog.Int("filled", updated.FilledInstallments),
		slog.Int("total", updated.TotalInstallments),
		slog.String("output", output.String()),
		slog.String("venue", venue.Name()),
	)

	if err := e.verifier.Verify(ctx, pos.SrcAsset); err != nil {
		e.alert(ctx, "solvency", "Solvency check failed", err.Error())
		return updated, err
	}
	return updated, nil
}

// BulkFill applies one fill to each id in order. All per-position locks are
// acquired and all preconditions validated before any venue call, so a batch
// containing a closed, fully filled, or in-flight position is rejected
// without touching the others. During execution a venue failure aborts the
// remaining ids; installments already converted stay recorded, since an
// executed swap cannot be unwound.
func (e *Engine) BulkFill(ctx context.Context, caller domain.Principal, ids []int64) ([]domain.Position, error) {
	if err := e.requireRole(ctx, caller, domain.RoleFiller); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	unlocks := make([]func(), 0, len(ids))
	releaseAll := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}

	for _, id := range ids {
		unlock, err := e.locks.Acquire(ctx, lockKey(id), e.lockTTL)
		if err != nil {
			releaseAll()
			return nil, fmt.Errorf("engine: bulk fill %d: %w", id, err)
		}
		unlocks = append(unlocks, unlock)
	}
	defer releaseAll()

	// Validation pass: any rejection fails the whole batch before the first
	// external call.
	for _, id := range ids {
		pos, err := e.positions.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("engine: bulk fill %d: %w", id, err)
		}
		if err := fillable(pos); err != nil {
			return nil, fmt.Errorf("engine: bulk fill %d: %w", id, err)
		}
	}

	filled := make([]domain.Position, 0, len(ids))
	for _, id := range ids {
		pos, err := e.fillLocked(ctx, caller, id, nil)
		if err != nil {
			return filled, fmt.Errorf("engine: bulk fill aborted at %d after %d fills: %w", id, len(filled), err)
		}
		filled = append(filled, pos)
	}
	return filled, nil
}

// Close ends a position: the unfilled remainder is refunded to the owner and
// the record is marked closed. The caller must be the owner. A second close
// is rejected with ErrAlreadyClosed and triggers no transfer. The position's
// exclusion lock is held across the refund transfer, so a close can never
// interleave with a pending fill on the same id.
func (e *Engine) Close(ctx context.Context, caller domain.Principal, id int64) (domain.Position, *big.Int, error) {
	unlock, err := e.locks.Acquire(ctx, lockKey(id), e.lockTTL)
	if err != nil {
		return domain.Position{}, nil, fmt.Errorf("engine: close %d: %w", id, err)
	}
	defer unlock()

	pos, err := e.positions.GetByID(ctx, id)
	if err != nil {
		return domain.Position{}, nil, fmt.Errorf("engine: close %d: %w", id, err)
	}
	if !sameAddress(caller.Address, pos.Owner) {
		return domain.Position{}, nil, fmt.Errorf("engine: close %d: %w", id, domain.ErrInvalidCaller)
	}
	if !pos.Open() {
		return domain.Position{}, nil, fmt.Errorf("engine: close %d: %w", id, domain.ErrAlreadyClosed)
	}

	refund := pos.Remaining()

	// Commit the close before moving funds. If the refund transfer then
	// fails, the row is reopened and the remainder stays in the pool for the
	// next attempt; a retry against a still-open row can never pay twice.
	closed, err := e.positions.Close(ctx, id, e.now())
	if err != nil {
		return domain.Position{}, nil, fmt.Errorf("engine: close %d: %w", id, err)
	}
	if refund.Sign() > 0 {
		if err := e.bank.Push(ctx, pos.Owner, pos.SrcAsset, refund); err != nil {
			if reopenErr := e.positions.Reopen(ctx, id); reopenErr != nil {
				// The row stays closed with the refund unpaid. Funds are
				// held in the pool pending operator reconciliation.
				e.logger.ErrorContext(ctx, "reopen failed after refund failure",
					slog.Int64("position_id", id),
					slog.String("refund", refund.String()),
					slog.String("error", reopenErr.Error()),
				)
				e.alert(ctx, "solvency", "Refund held pending reconciliation",
					fmt.Sprintf("position %d refund %s: push: %v, reopen: %v", id, refund, err, reopenErr))
			}
			e.invalidate(ctx, id)
			return domain.Position{}, nil, fmt.Errorf("engine: refund %d: %w", id, err)
		}
		if err := e.pool.Debit(ctx, pos.SrcAsset, refund); err != nil {
			return domain.Position{}, nil, fmt.Errorf("engine: debit pool for close %d: %w", id, err)
		}
	}
	e.invalidate(ctx, id)

	e.publishClosed(ctx, closed, refund)
	e.auditLog(ctx, "position_closed", map[string]any{
		"position_id": id,
		"owner":       closed.Owner,
		"refund":      refund.String(),
	})

	e.logger.InfoContext(ctx, "position closed",
		slog.Int64("position_id", id),
		slog.String("refund", refund.String()),
	)

	if err := e.verifier.Verify(ctx, pos.SrcAsset); err != nil {
		e.alert(ctx, "solvency", "Solvency check failed", err.Error())
		return closed, refund, err
	}
	return closed, refund, nil
}

// fillable rejects fills on closed or fully consumed positions.
func fillable(pos domain.Position) error {
	if !pos.Open() {
		return domain.ErrPositionClosed
	}
	if pos.FullyFilled() {
		return domain.ErrAlreadyFullyFilled
	}
	return nil
}

func (e *Engine) requireRole(ctx context.Context, caller domain.Principal, role domain.Role) error {
	ok, err := e.roles.HasRole(ctx, caller.Name, role)
	if err != nil {
		return fmt.Errorf("engine: role check %s/%s: %w", caller.Name, role, err)
	}
	if !ok {
		return fmt.Errorf("engine: %s lacks role %s: %w", caller.Name, role, domain.ErrInvalidCaller)
	}
	return nil
}

func sameAddress(a, b string) bool {
	return common.HexToAddress(a) == common.HexToAddress(b)
}

func (e *Engine) invalidate(ctx context.Context, id int64) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Invalidate(ctx, id); err != nil {
		e.logger.WarnContext(ctx, "cache invalidate failed",
			slog.Int64("position_id", id),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) publishFilled(ctx context.Context, pos domain.Position, caller domain.Principal, output *big.Int, venueName string) {
	evt, _ := json.Marshal(domain.PositionFilledEvent{
		Event:              "position_filled",
		PositionID:         pos.ID,
		FilledInstallments: pos.FilledInstallments,
		Filler:             caller.Name,
		Output:             output.String(),
		Venue:              venueName,
	})
	if err := e.bus.Publish(ctx, domain.ChannelFills, evt); err != nil {
		e.logger.WarnContext(ctx, "publish fill event failed",
			slog.Int64("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
	if err := e.bus.StreamAppend(ctx, domain.StreamFills, evt); err != nil {
		e.logger.WarnContext(ctx, "append fill journal failed",
			slog.Int64("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) publishClosed(ctx context.Context, pos domain.Position, refund *big.Int) {
	evt, _ := json.Marshal(domain.PositionClosedEvent{
		Event:      "position_closed",
		PositionID: pos.ID,
		Refund:     refund.String(),
	})
	if err := e.bus.Publish(ctx, domain.ChannelPositions, evt); err != nil {
		e.logger.WarnContext(ctx, "publish close event failed",
			slog.Int64("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) auditLog(ctx context.Context, event string, detail map[string]any) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Log(ctx, event, detail); err != nil {
		e.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) alert(ctx context.Context, event, title, message string) {
	if e.alerts == nil {
		return
	}
	if err := e.alerts.Notify(ctx, event, title, message); err != nil {
		e.logger.WarnContext(ctx, "alert dispatch failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
