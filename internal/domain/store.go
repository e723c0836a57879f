package domain

import (
	"context"
	"math/big"
	"time"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// PositionStore is the authoritative position ledger. Mutations happen only
// through the fill dispatch engine and the close flow; there is no other
// writer. Implementations must make RecordFill and Close conditional updates
// so a stale caller can never overwrite a concurrent transition.
type PositionStore interface {
	// Create persists a new position and returns its sequentially allocated id.
	Create(ctx context.Context, pos Position) (int64, error)
	// GetByID returns ErrNotFound for unknown ids.
	GetByID(ctx context.Context, id int64) (Position, error)
	// ListByOwner returns the owner's positions in creation order, closed
	// ones included.
	ListByOwner(ctx context.Context, owner string, opts ListOpts) ([]Position, error)
	// ListDue returns open, not fully filled positions whose advisory
	// next_fill_at is at or before asOf.
	ListDue(ctx context.Context, asOf time.Time, limit int) ([]Position, error)
	// RecordFill increments filled_installments and adds output to
	// accrued_output, guarded by status = open and filled < total. It returns
	// the updated record, or ErrNotFound when the guard did not match.
	RecordFill(ctx context.Context, id int64, output *big.Int, at, nextFill time.Time) (Position, error)
	// Close marks the position closed, guarded by status = open. It returns
	// the record as it was at close time, ErrAlreadyClosed when the position
	// exists but is closed, or ErrNotFound.
	Close(ctx context.Context, id int64, at time.Time) (Position, error)
	// Reopen reverts a close, guarded by status = closed. Used when the
	// refund transfer fails after the close has committed.
	Reopen(ctx context.Context, id int64) error
	// SumOpenEscrow returns the total unfilled escrow the pool owes across
	// all open positions in the given source asset.
	SumOpenEscrow(ctx context.Context, asset Asset) (*big.Int, error)
	// ListClosedBefore returns positions closed strictly before the cutoff,
	// for archival.
	ListClosedBefore(ctx context.Context, before time.Time) ([]Position, error)
}

// FeeStore persists the protocol fee rate and per-asset fee accruals.
type FeeStore interface {
	Rate(ctx context.Context) (uint32, error)
	SetRate(ctx context.Context, bps uint32) error
	Accrue(ctx context.Context, asset Asset, amount *big.Int) error
	Accrued(ctx context.Context, asset Asset) (*big.Int, error)
	// Drain atomically zeroes the accruals for the given assets and returns
	// the drained amounts. Overlapping concurrent drains must never pay the
	// same accrual twice.
	Drain(ctx context.Context, assets []Asset) (map[Asset]*big.Int, error)
}

// DepositStore records native deposit transactions that have funded a
// position, so one mined deposit can never be cited for a second escrow.
type DepositStore interface {
	// Consume marks the deposit hash as spent. It returns ErrDepositUsed
	// when the hash was consumed before.
	Consume(ctx context.Context, txHash string) error
}

// PoolStore tracks per-asset custody balances of the commingled pool. Debit
// fails with ErrInsufficientPool rather than letting a balance go negative.
type PoolStore interface {
	Credit(ctx context.Context, asset Asset, amount *big.Int) error
	Debit(ctx context.Context, asset Asset, amount *big.Int) error
	Balance(ctx context.Context, asset Asset) (*big.Int, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
