package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/dcavault/internal/domain"
)

// FeeStore implements domain.FeeStore using PostgreSQL. The fee rate lives in
// a single-row config table; accruals are one row per asset.
type FeeStore struct {
	pool *pgxpool.Pool
}

// NewFeeStore creates a FeeStore backed by the given connection pool.
func NewFeeStore(pool *pgxpool.Pool) *FeeStore {
	return &FeeStore{pool: pool}
}

// Rate returns the current fee rate in basis points.
func (s *FeeStore) Rate(ctx context.Context) (uint32, error) {
	var bps uint32
	err := s.pool.QueryRow(ctx,
		`SELECT rate_bps FROM fee_config WHERE id = 1`).Scan(&bps)
	if err != nil {
		return 0, fmt.Errorf("postgres: get fee rate: %w", err)
	}
	return bps, nil
}

// SetRate updates the fee rate.
func (s *FeeStore) SetRate(ctx context.Context, bps uint32) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE fee_config SET rate_bps = $1, updated_at = NOW() WHERE id = 1`, bps)
	if err != nil {
		return fmt.Errorf("postgres: set fee rate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Accrue adds amount to the asset's fee accrual.
func (s *FeeStore) Accrue(ctx context.Context, asset domain.Asset, amount *big.Int) error {
	const query = `
		INSERT INTO fee_accruals (asset, accrued) VALUES ($1, $2::numeric)
		ON CONFLICT (asset) DO UPDATE
			SET accrued = fee_accruals.accrued + EXCLUDED.accrued,
			    updated_at = NOW()`

	if _, err := s.pool.Exec(ctx, query, asset.String(), amount.String()); err != nil {
		return fmt.Errorf("postgres: accrue fee for %s: %w", asset, err)
	}
	return nil
}

// Accrued returns the asset's outstanding fee accrual. Assets never accrued
// report zero.
func (s *FeeStore) Accrued(ctx context.Context, asset domain.Asset) (*big.Int, error) {
	var accrued string
	err := s.pool.QueryRow(ctx,
		`SELECT accrued::text FROM fee_accruals WHERE asset = $1`, asset.String()).Scan(&accrued)
	if errors.Is(err, pgx.ErrNoRows) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get accrued fees for %s: %w", asset, err)
	}
	return parseNumeric(accrued)
}

// Drain atomically zeroes the accruals for the given assets and returns the
// drained amounts. The pre-drain value is captured under row lock, so
// overlapping drains can never pay the same accrual twice.
func (s *FeeStore) Drain(ctx context.Context, assets []domain.Asset) (map[domain.Asset]*big.Int, error) {
	keys := make([]string, len(assets))
	for i, a := range assets {
		keys[i] = a.String()
	}

	const query = `
		UPDATE fee_accruals f
		SET accrued = 0, updated_at = NOW()
		FROM (
			SELECT asset, accrued FROM fee_accruals
			WHERE asset = ANY($1) AND accrued > 0
			FOR UPDATE
		) old
		WHERE f.asset = old.asset
		RETURNING f.asset, old.accrued::text`

	rows, err := s.pool.Query(ctx, query, keys)
	if err != nil {
		return nil, fmt.Errorf("postgres: drain fees: %w", err)
	}
	defer rows.Close()

	drained := make(map[domain.Asset]*big.Int)
	for rows.Next() {
		var asset, amount string
		if err := rows.Scan(&asset, &amount); err != nil {
			return nil, fmt.Errorf("postgres: scan drained fees: %w", err)
		}
		v, err := parseNumeric(amount)
		if err != nil {
			return nil, err
		}
		drained[domain.Asset(asset)] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: drain fees rows: %w", err)
	}
	return drained, nil
}

var _ domain.FeeStore = (*FeeStore)(nil)
