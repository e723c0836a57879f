package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/dcavault/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. Fill and
// close transitions are conditional updates guarded on the current status, so
// a stale caller can never overwrite a concurrent transition.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, owner_addr, src_asset, dst_asset,
	installment_amount::text, total_installments, filled_installments,
	accrued_output::text, fee_paid::text, cadence, status,
	created_at, last_fill_at, next_fill_at, closed_at`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var srcAsset, dstAsset, installment, accrued, feePaid, cadence, status string

	err := row.Scan(
		&p.ID, &p.Owner, &srcAsset, &dstAsset,
		&installment, &p.TotalInstallments, &p.FilledInstallments,
		&accrued, &feePaid, &cadence, &status,
		&p.CreatedAt, &p.LastFillAt, &p.NextFillAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}

	p.SrcAsset = domain.Asset(srcAsset)
	p.DstAsset = domain.Asset(dstAsset)
	p.Cadence = domain.Cadence(cadence)
	p.Status = domain.PositionStatus(status)

	if p.InstallmentAmount, err = parseNumeric(installment); err != nil {
		return domain.Position{}, err
	}
	if p.AccruedOutput, err = parseNumeric(accrued); err != nil {
		return domain.Position{}, err
	}
	if p.FeePaid, err = parseNumeric(feePaid); err != nil {
		return domain.Position{}, err
	}
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func parseNumeric(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("postgres: invalid numeric %q", s)
	}
	return v, nil
}

// Create inserts a new position and returns its allocated id.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) (int64, error) {
	const query = `
		INSERT INTO positions (
			owner_addr, src_asset, dst_asset, installment_amount,
			total_installments, filled_installments, accrued_output, fee_paid,
			cadence, status, created_at, next_fill_at
		) VALUES (
			$1, $2, $3, $4::numeric,
			$5, 0, 0, $6::numeric,
			$7, $8, $9, $10
		)
		RETURNING id`

	var id int64
	err := s.pool.QueryRow(ctx, query,
		p.Owner, p.SrcAsset.String(), p.DstAsset.String(), p.InstallmentAmount.String(),
		p.TotalInstallments, p.FeePaid.String(),
		string(p.Cadence), string(p.Status), p.CreatedAt, p.NextFillAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: create position: %w", err)
	}
	return id, nil
}

// GetByID retrieves a single position by id.
func (s *PositionStore) GetByID(ctx context.Context, id int64) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %d: %w", id, err)
	}
	return p, nil
}

// ListByOwner returns the owner's positions in creation order, closed ones
// included.
func (s *PositionStore) ListByOwner(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE owner_addr = $1 ORDER BY id`
	args := []any{owner}
	argIdx := 2

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions for %s: %w", owner, err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions: %w", err)
	}
	return positions, nil
}

// ListDue returns open, not fully filled positions whose next_fill_at is at
// or before asOf, earliest due first.
func (s *PositionStore) ListDue(ctx context.Context, asOf time.Time, limit int) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status = 'open'
		   AND filled_installments < total_installments
		   AND next_fill_at <= $1
		 ORDER BY next_fill_at
		 LIMIT $2`, asOf, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list due positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan due positions: %w", err)
	}
	return positions, nil
}

// RecordFill consumes one installment and adds output to accrued_output. The
// update is guarded on the position being open with installments remaining;
// a guard miss returns ErrNotFound.
func (s *PositionStore) RecordFill(ctx context.Context, id int64, output *big.Int, at, nextFill time.Time) (domain.Position, error) {
	const query = `
		UPDATE positions SET
			filled_installments = filled_installments + 1,
			accrued_output      = accrued_output + $2::numeric,
			last_fill_at        = $3,
			next_fill_at        = $4,
			updated_at          = NOW()
		WHERE id = $1
		  AND status = 'open'
		  AND filled_installments < total_installments
		RETURNING ` + positionSelectCols

	row := s.pool.QueryRow(ctx, query, id, output.String(), at, nextFill)
	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: record fill for position %d: %w", id, err)
	}
	return p, nil
}

// Close marks the position closed, guarded on status = open. An existing but
// already-closed position returns ErrAlreadyClosed.
func (s *PositionStore) Close(ctx context.Context, id int64, at time.Time) (domain.Position, error) {
	const query = `
		UPDATE positions SET
			status       = 'closed',
			closed_at    = $2,
			next_fill_at = NULL,
			updated_at   = NOW()
		WHERE id = $1 AND status = 'open'
		RETURNING ` + positionSelectCols

	row := s.pool.QueryRow(ctx, query, id, at)
	p, err := scanPositionRow(row)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, fmt.Errorf("postgres: close position %d: %w", id, err)
	}

	// Guard miss: distinguish unknown from already closed.
	var status string
	lookupErr := s.pool.QueryRow(ctx,
		`SELECT status FROM positions WHERE id = $1`, id).Scan(&status)
	if errors.Is(lookupErr, pgx.ErrNoRows) {
		return domain.Position{}, domain.ErrNotFound
	}
	if lookupErr != nil {
		return domain.Position{}, fmt.Errorf("postgres: close position %d: %w", id, lookupErr)
	}
	return domain.Position{}, domain.ErrAlreadyClosed
}

// Reopen reverts a close, guarded on status = closed. The refund owed to the
// owner stays in the pool until the next close attempt succeeds.
func (s *PositionStore) Reopen(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE positions SET
			status     = 'open',
			closed_at  = NULL,
			updated_at = NOW()
		WHERE id = $1 AND status = 'closed'`, id)
	if err != nil {
		return fmt.Errorf("postgres: reopen position %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SumOpenEscrow returns the total unfilled escrow across all open positions
// in the given source asset.
func (s *PositionStore) SumOpenEscrow(ctx context.Context, asset domain.Asset) (*big.Int, error) {
	const query = `
		SELECT COALESCE(SUM(
			(total_installments - filled_installments)::numeric * installment_amount
		), 0)::text
		FROM positions
		WHERE src_asset = $1 AND status = 'open'`

	var sum string
	if err := s.pool.QueryRow(ctx, query, asset.String()).Scan(&sum); err != nil {
		return nil, fmt.Errorf("postgres: sum open escrow for %s: %w", asset, err)
	}
	return parseNumeric(sum)
}

// ListClosedBefore returns positions closed strictly before the cutoff.
func (s *PositionStore) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status = 'closed' AND closed_at < $1
		 ORDER BY closed_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed positions: %w", err)
	}
	return positions, nil
}

var _ domain.PositionStore = (*PositionStore)(nil)
