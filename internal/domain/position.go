package domain

import (
	"math/big"
	"time"
)

// PositionStatus tracks whether a position is open or closed.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// Cadence is the advisory fill schedule for a position. The engine never
// enforces real time between fills, only the installment count; the cadence
// is consumed by the scheduler to decide when a fill is due.
type Cadence string

const (
	CadenceHourly  Cadence = "hourly"
	CadenceDaily   Cadence = "daily"
	CadenceWeekly  Cadence = "weekly"
	CadenceMonthly Cadence = "monthly"
)

// ParseCadence validates a cadence label.
func ParseCadence(s string) (Cadence, error) {
	switch Cadence(s) {
	case CadenceHourly, CadenceDaily, CadenceWeekly, CadenceMonthly:
		return Cadence(s), nil
	default:
		return "", ErrInvalidCadence
	}
}

// Interval returns the nominal time between fills. Monthly is approximated
// as 30 days; the value is only used for scheduling hints.
func (c Cadence) Interval() time.Duration {
	switch c {
	case CadenceHourly:
		return time.Hour
	case CadenceDaily:
		return 24 * time.Hour
	case CadenceWeekly:
		return 7 * 24 * time.Hour
	case CadenceMonthly:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Position is one user's recurring-conversion escrow and its progress.
// IDs are allocated sequentially at creation and never reused; records are
// never deleted, closed positions stay queryable.
type Position struct {
	ID                 int64
	Owner              string // EVM address entitled to close and receive output
	SrcAsset           Asset
	DstAsset           Asset
	InstallmentAmount  *big.Int // source-asset amount converted per fill
	TotalInstallments  int
	FilledInstallments int
	AccruedOutput      *big.Int // cumulative destination-asset credited
	FeePaid            *big.Int // fee reserved at creation
	Cadence            Cadence
	Status             PositionStatus
	CreatedAt          time.Time
	LastFillAt         *time.Time
	NextFillAt         *time.Time
	ClosedAt           *time.Time
}

// Open reports whether the position is still open.
func (p Position) Open() bool {
	return p.Status == PositionStatusOpen
}

// FullyFilled reports whether all installments have been consumed.
func (p Position) FullyFilled() bool {
	return p.FilledInstallments >= p.TotalInstallments
}

// Remaining returns the unfilled escrow still held by the pool for this
// position: (total - filled) * installment.
func (p Position) Remaining() *big.Int {
	unfilled := int64(p.TotalInstallments - p.FilledInstallments)
	if unfilled <= 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Mul(big.NewInt(unfilled), bigOrZero(p.InstallmentAmount))
}

// EscrowTotal returns the full escrow pulled at creation, excluding fee:
// total * installment.
func (p Position) EscrowTotal() *big.Int {
	return new(big.Int).Mul(big.NewInt(int64(p.TotalInstallments)), bigOrZero(p.InstallmentAmount))
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
