package service

import (
	"context"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/dcavault/internal/domain"
	"github.com/alanyoungcy/dcavault/internal/ledger"
)

const (
	usdc      = domain.Asset("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	weth      = domain.Asset("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	ownerAddr = "0x1111111111111111111111111111111111111111"
	adminAddr = "0x2222222222222222222222222222222222222222"
)

var (
	admin    = domain.Principal{Name: "ops", Address: adminAddr}
	nonAdmin = domain.Principal{Name: "alice", Address: ownerAddr}
)

type memPositions struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]domain.Position
}

func newMemPositions() *memPositions {
	return &memPositions{nextID: 1, rows: make(map[int64]domain.Position)}
}

func (m *memPositions) Create(_ context.Context, pos domain.Position) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos.ID = m.nextID
	m.nextID++
	m.rows[pos.ID] = pos
	return pos.ID, nil
}

func (m *memPositions) GetByID(_ context.Context, id int64) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.rows[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return pos, nil
}

func (m *memPositions) ListByOwner(_ context.Context, owner string, _ domain.ListOpts) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Position
	for _, pos := range m.rows {
		if pos.Owner == owner {
			out = append(out, pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memPositions) ListDue(context.Context, time.Time, int) ([]domain.Position, error) {
	return nil, nil
}

func (m *memPositions) RecordFill(_ context.Context, id int64, output *big.Int, at, next time.Time) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos := m.rows[id]
	pos.FilledInstallments++
	pos.AccruedOutput = new(big.Int).Add(pos.AccruedOutput, output)
	pos.LastFillAt = &at
	pos.NextFillAt = &next
	m.rows[id] = pos
	return pos, nil
}

func (m *memPositions) Close(_ context.Context, id int64, at time.Time) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.rows[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	if !pos.Open() {
		return domain.Position{}, domain.ErrAlreadyClosed
	}
	pos.Status = domain.PositionStatusClosed
	pos.ClosedAt = &at
	m.rows[id] = pos
	return pos, nil
}

func (m *memPositions) Reopen(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.rows[id]
	if !ok || pos.Open() {
		return domain.ErrNotFound
	}
	pos.Status = domain.PositionStatusOpen
	pos.ClosedAt = nil
	m.rows[id] = pos
	return nil
}

func (m *memPositions) SumOpenEscrow(_ context.Context, asset domain.Asset) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := big.NewInt(0)
	for _, pos := range m.rows {
		if pos.Open() && pos.SrcAsset == asset {
			sum.Add(sum, pos.Remaining())
		}
	}
	return sum, nil
}

func (m *memPositions) ListClosedBefore(context.Context, time.Time) ([]domain.Position, error) {
	return nil, nil
}

type memPool struct {
	mu       sync.Mutex
	balances map[domain.Asset]*big.Int
}

func newMemPool() *memPool { return &memPool{balances: make(map[domain.Asset]*big.Int)} }

func (m *memPool) Credit(_ context.Context, asset domain.Asset, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.balances[asset]
	if !ok {
		cur = big.NewInt(0)
	}
	m.balances[asset] = new(big.Int).Add(cur, amount)
	return nil
}

func (m *memPool) Debit(_ context.Context, asset domain.Asset, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.balances[asset]
	if !ok || cur.Cmp(amount) < 0 {
		return domain.ErrInsufficientPool
	}
	m.balances[asset] = new(big.Int).Sub(cur, amount)
	return nil
}

func (m *memPool) Balance(_ context.Context, asset domain.Asset) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.balances[asset]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(cur), nil
}

type memFees struct {
	mu      sync.Mutex
	rate    uint32
	accrued map[domain.Asset]*big.Int
}

func newMemFees(rate uint32) *memFees {
	return &memFees{rate: rate, accrued: make(map[domain.Asset]*big.Int)}
}

func (m *memFees) Rate(context.Context) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rate, nil
}

func (m *memFees) SetRate(_ context.Context, bps uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rate = bps
	return nil
}

func (m *memFees) Accrue(_ context.Context, asset domain.Asset, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.accrued[asset]
	if !ok {
		cur = big.NewInt(0)
	}
	m.accrued[asset] = new(big.Int).Add(cur, amount)
	return nil
}

func (m *memFees) Accrued(_ context.Context, asset domain.Asset) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.accrued[asset]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(cur), nil
}

func (m *memFees) Drain(_ context.Context, assets []domain.Asset) (map[domain.Asset]*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.Asset]*big.Int)
	for _, asset := range assets {
		cur, ok := m.accrued[asset]
		if !ok || cur.Sign() == 0 {
			continue
		}
		out[asset] = cur
		m.accrued[asset] = big.NewInt(0)
	}
	return out, nil
}

type transfer struct {
	Counterparty string
	Asset        domain.Asset
	Amount       *big.Int
}

type fakeBank struct {
	mu         sync.Mutex
	pulls      []transfer
	pushes     []transfer
	pullErr    error
	pushErr    error
	depositErr error
	balance    *big.Int
	// depositChecks records VerifyNativeDeposit calls.
	depositChecks []transfer
}

func (b *fakeBank) Pull(_ context.Context, from string, asset domain.Asset, amount *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pullErr != nil {
		return b.pullErr
	}
	b.pulls = append(b.pulls, transfer{Counterparty: from, Asset: asset, Amount: new(big.Int).Set(amount)})
	return nil
}

func (b *fakeBank) Push(_ context.Context, to string, asset domain.Asset, amount *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pushErr != nil {
		return b.pushErr
	}
	b.pushes = append(b.pushes, transfer{Counterparty: to, Asset: asset, Amount: new(big.Int).Set(amount)})
	return nil
}

func (b *fakeBank) Balance(context.Context, domain.Asset) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.balance == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(b.balance), nil
}

func (b *fakeBank) VerifyNativeDeposit(_ context.Context, txHash string, from string, amount *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.depositErr != nil {
		return b.depositErr
	}
	b.depositChecks = append(b.depositChecks, transfer{Counterparty: from, Asset: domain.NativeAsset, Amount: new(big.Int).Set(amount)})
	return nil
}

type memDeposits struct {
	mu   sync.Mutex
	used map[string]bool
}

func newMemDeposits() *memDeposits { return &memDeposits{used: make(map[string]bool)} }

func (m *memDeposits) Consume(_ context.Context, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(txHash)
	if m.used[key] {
		return domain.ErrDepositUsed
	}
	m.used[key] = true
	return nil
}

type memBus struct {
	mu        sync.Mutex
	published map[string][][]byte
}

func newMemBus() *memBus { return &memBus{published: make(map[string][][]byte)} }

func (m *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[channel] = append(m.published[channel], payload)
	return nil
}

func (m *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (m *memBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (m *memBus) StreamRead(context.Context, string, string, int64) ([]domain.StreamMessage, error) {
	return nil, nil
}

type memAudit struct {
	mu     sync.Mutex
	events []string
}

func (m *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type staticRoles map[string][]domain.Role

func (s staticRoles) HasRole(_ context.Context, principal string, role domain.Role) (bool, error) {
	for _, r := range s[principal] {
		if r == role {
			return true, nil
		}
	}
	return false, nil
}

type fixture struct {
	positions *memPositions
	pool      *memPool
	fees      *memFees
	bank      *fakeBank
	deposits  *memDeposits
	bus       *memBus
	audit     *memAudit
	verifier  *ledger.Verifier
	logger    *slog.Logger
}

func newFixture(feeRateBps uint32) *fixture {
	f := &fixture{
		positions: newMemPositions(),
		pool:      newMemPool(),
		fees:      newMemFees(feeRateBps),
		bank:      &fakeBank{},
		deposits:  newMemDeposits(),
		bus:       newMemBus(),
		audit:     &memAudit{},
		logger:    slog.New(slog.DiscardHandler),
	}
	f.verifier = ledger.NewVerifier(f.positions, f.fees, f.pool, f.logger)
	return f
}

func (f *fixture) positionService() *PositionService {
	return NewPositionService(f.positions, f.fees, f.pool, f.bank, f.deposits, nil, f.bus, f.audit, f.verifier, f.logger)
}

func (f *fixture) treasuryService() *TreasuryService {
	roles := staticRoles{admin.Name: {domain.RoleAdmin}}
	return NewTreasuryService(f.fees, f.pool, f.bank, roles, f.bus, f.audit, f.logger)
}
