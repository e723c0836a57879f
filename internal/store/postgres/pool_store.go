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

// PoolStore implements domain.PoolStore using PostgreSQL, one row per asset.
type PoolStore struct {
	pool *pgxpool.Pool
}

// NewPoolStore creates a PoolStore backed by the given connection pool.
func NewPoolStore(pool *pgxpool.Pool) *PoolStore {
	return &PoolStore{pool: pool}
}

// Credit adds amount to the asset's pool balance.
func (s *PoolStore) Credit(ctx context.Context, asset domain.Asset, amount *big.Int) error {
	const query = `
		INSERT INTO pool_balances (asset, balance) VALUES ($1, $2::numeric)
		ON CONFLICT (asset) DO UPDATE
			SET balance = pool_balances.balance + EXCLUDED.balance,
			    updated_at = NOW()`

	if _, err := s.pool.Exec(ctx, query, asset.String(), amount.String()); err != nil {
		return fmt.Errorf("postgres: credit pool %s: %w", asset, err)
	}
	return nil
}

// Debit subtracts amount from the asset's pool balance. The update is guarded
// so the balance can never go negative; a short balance returns
// ErrInsufficientPool.
func (s *PoolStore) Debit(ctx context.Context, asset domain.Asset, amount *big.Int) error {
	const query = `
		UPDATE pool_balances
		SET balance = balance - $2::numeric, updated_at = NOW()
		WHERE asset = $1 AND balance >= $2::numeric`

	tag, err := s.pool.Exec(ctx, query, asset.String(), amount.String())
	if err != nil {
		return fmt.Errorf("postgres: debit pool %s: %w", asset, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: debit %s of %s: %w", amount, asset, domain.ErrInsufficientPool)
	}
	return nil
}

// Balance returns the asset's pool balance. Unknown assets report zero.
func (s *PoolStore) Balance(ctx context.Context, asset domain.Asset) (*big.Int, error) {
	var balance string
	err := s.pool.QueryRow(ctx,
		`SELECT balance::text FROM pool_balances WHERE asset = $1`, asset.String()).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get pool balance %s: %w", asset, err)
	}
	return parseNumeric(balance)
}

var _ domain.PoolStore = (*PoolStore)(nil)
