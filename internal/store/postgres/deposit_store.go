package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/dcavault/internal/domain"
)

// DepositStore implements domain.DepositStore using PostgreSQL. One row per
// consumed native deposit hash.
type DepositStore struct {
	pool *pgxpool.Pool
}

// NewDepositStore creates a DepositStore backed by the given connection pool.
func NewDepositStore(pool *pgxpool.Pool) *DepositStore {
	return &DepositStore{pool: pool}
}

// Consume inserts the deposit hash. Hashes are hex strings, so they are
// lowercased before insert to keep case variants from slipping past the
// primary key. A conflict means the deposit already funded a position.
func (s *DepositStore) Consume(ctx context.Context, txHash string) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO used_deposits (tx_hash) VALUES ($1) ON CONFLICT (tx_hash) DO NOTHING`,
		strings.ToLower(txHash))
	if err != nil {
		return fmt.Errorf("postgres: consume deposit %s: %w", txHash, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrDepositUsed
	}
	return nil
}

var _ domain.DepositStore = (*DepositStore)(nil)
