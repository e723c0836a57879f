package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/dcavault/internal/domain"
)

// positionCacheTTL bounds staleness if an invalidation is ever missed.
const positionCacheTTL = 5 * time.Minute

// PositionCache implements domain.PositionCache using Redis string keys with
// JSON values. Mutating flows invalidate after every transition; the store
// stays authoritative.
type PositionCache struct {
	rdb *redis.Client
}

// NewPositionCache creates a PositionCache backed by the given Client.
func NewPositionCache(c *Client) *PositionCache {
	return &PositionCache{rdb: c.Underlying()}
}

func positionKey(id int64) string {
	return fmt.Sprintf("position:%d", id)
}

// cachedPosition is the JSON wire form. Token amounts are decimal strings.
type cachedPosition struct {
	ID                 int64      `json:"id"`
	Owner              string     `json:"owner"`
	SrcAsset           string     `json:"srcAsset"`
	DstAsset           string     `json:"dstAsset"`
	InstallmentAmount  string     `json:"installmentAmount"`
	TotalInstallments  int        `json:"totalInstallments"`
	FilledInstallments int        `json:"filledInstallments"`
	AccruedOutput      string     `json:"accruedOutput"`
	FeePaid            string     `json:"feePaid"`
	Cadence            string     `json:"cadence"`
	Status             string     `json:"status"`
	CreatedAt          time.Time  `json:"createdAt"`
	LastFillAt         *time.Time `json:"lastFillAt,omitempty"`
	NextFillAt         *time.Time `json:"nextFillAt,omitempty"`
	ClosedAt           *time.Time `json:"closedAt,omitempty"`
}

func toCached(p domain.Position) cachedPosition {
	return cachedPosition{
		ID:                 p.ID,
		Owner:              p.Owner,
		SrcAsset:           p.SrcAsset.String(),
		DstAsset:           p.DstAsset.String(),
		InstallmentAmount:  bigToString(p.InstallmentAmount),
		TotalInstallments:  p.TotalInstallments,
		FilledInstallments: p.FilledInstallments,
		AccruedOutput:      bigToString(p.AccruedOutput),
		FeePaid:            bigToString(p.FeePaid),
		Cadence:            string(p.Cadence),
		Status:             string(p.Status),
		CreatedAt:          p.CreatedAt,
		LastFillAt:         p.LastFillAt,
		NextFillAt:         p.NextFillAt,
		ClosedAt:           p.ClosedAt,
	}
}

func fromCached(c cachedPosition) (domain.Position, error) {
	installment, ok := new(big.Int).SetString(c.InstallmentAmount, 10)
	if !ok {
		return domain.Position{}, fmt.Errorf("redis: invalid cached amount %q", c.InstallmentAmount)
	}
	accrued, ok := new(big.Int).SetString(c.AccruedOutput, 10)
	if !ok {
		return domain.Position{}, fmt.Errorf("redis: invalid cached amount %q", c.AccruedOutput)
	}
	feePaid, ok := new(big.Int).SetString(c.FeePaid, 10)
	if !ok {
		return domain.Position{}, fmt.Errorf("redis: invalid cached amount %q", c.FeePaid)
	}
	return domain.Position{
		ID:                 c.ID,
		Owner:              c.Owner,
		SrcAsset:           domain.Asset(c.SrcAsset),
		DstAsset:           domain.Asset(c.DstAsset),
		InstallmentAmount:  installment,
		TotalInstallments:  c.TotalInstallments,
		FilledInstallments: c.FilledInstallments,
		AccruedOutput:      accrued,
		FeePaid:            feePaid,
		Cadence:            domain.Cadence(c.Cadence),
		Status:             domain.PositionStatus(c.Status),
		CreatedAt:          c.CreatedAt,
		LastFillAt:         c.LastFillAt,
		NextFillAt:         c.NextFillAt,
		ClosedAt:           c.ClosedAt,
	}, nil
}

func bigToString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// Set stores a position snapshot.
func (pc *PositionCache) Set(ctx context.Context, pos domain.Position) error {
	data, err := json.Marshal(toCached(pos))
	if err != nil {
		return fmt.Errorf("redis: marshal position %d: %w", pos.ID, err)
	}
	if err := pc.rdb.Set(ctx, positionKey(pos.ID), data, positionCacheTTL).Err(); err != nil {
		return fmt.Errorf("redis: set position %d: %w", pos.ID, err)
	}
	return nil
}

// Get returns the cached position, or domain.ErrNotFound on a miss.
func (pc *PositionCache) Get(ctx context.Context, id int64) (domain.Position, error) {
	data, err := pc.rdb.Get(ctx, positionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Position{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("redis: get position %d: %w", id, err)
	}

	var cached cachedPosition
	if err := json.Unmarshal(data, &cached); err != nil {
		return domain.Position{}, fmt.Errorf("redis: unmarshal position %d: %w", id, err)
	}
	return fromCached(cached)
}

// Invalidate drops the cached snapshot.
func (pc *PositionCache) Invalidate(ctx context.Context, id int64) error {
	if err := pc.rdb.Del(ctx, positionKey(id)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate position %d: %w", id, err)
	}
	return nil
}

var _ domain.PositionCache = (*PositionCache)(nil)
