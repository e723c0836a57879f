package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dcavault/internal/domain"
	"github.com/alanyoungcy/dcavault/internal/ledger"
)

const (
	usdc = domain.Asset("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	weth = domain.Asset("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")

	ownerAddr  = "0x1111111111111111111111111111111111111111"
	otherAddr  = "0x2222222222222222222222222222222222222222"
	fillerName = "keeper"
)

var (
	filler = domain.Principal{Name: fillerName, Address: otherAddr}
	owner  = domain.Principal{Name: "alice", Address: ownerAddr}
)

// ---------------------------------------------------------------------------
// In-memory fakes
// ---------------------------------------------------------------------------

type memPositions struct {
	mu        sync.Mutex
	nextID    int64
	rows      map[int64]domain.Position
	reopenErr error
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

func (m *memPositions) ListDue(_ context.Context, asOf time.Time, limit int) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Position
	for _, pos := range m.rows {
		if pos.Open() && !pos.FullyFilled() && pos.NextFillAt != nil && !pos.NextFillAt.After(asOf) {
			out = append(out, pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memPositions) RecordFill(_ context.Context, id int64, output *big.Int, at, nextFill time.Time) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.rows[id]
	if !ok || !pos.Open() || pos.FullyFilled() {
		return domain.Position{}, domain.ErrNotFound
	}
	pos.FilledInstallments++
	pos.AccruedOutput = new(big.Int).Add(pos.AccruedOutput, output)
	pos.LastFillAt = &at
	pos.NextFillAt = &nextFill
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
	if m.reopenErr != nil {
		return m.reopenErr
	}
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

func (m *memPositions) ListClosedBefore(_ context.Context, before time.Time) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Position
	for _, pos := range m.rows {
		if !pos.Open() && pos.ClosedAt != nil && pos.ClosedAt.Before(before) {
			out = append(out, pos)
		}
	}
	return out, nil
}

type memPool struct {
	mu       sync.Mutex
	balances map[domain.Asset]*big.Int
}

func newMemPool() *memPool {
	return &memPool{balances: make(map[domain.Asset]*big.Int)}
}

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

func newMemFees() *memFees {
	return &memFees{accrued: make(map[domain.Asset]*big.Int)}
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

// memLocks is an in-process analog of the Redis lock manager: acquiring a
// held key fails with ErrLockHeld.
type memLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocks() *memLocks {
	return &memLocks{held: make(map[string]bool)}
}

func (m *memLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[key] {
		return nil, domain.ErrLockHeld
	}
	m.held[key] = true
	released := false
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if released {
			return
		}
		released = true
		delete(m.held, key)
	}, nil
}

type memBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streamed  map[string][][]byte
}

func newMemBus() *memBus {
	return &memBus{published: make(map[string][][]byte), streamed: make(map[string][][]byte)}
}

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

func (m *memBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamed[stream] = append(m.streamed[stream], payload)
	return nil
}

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

type bankPush struct {
	To     string
	Asset  domain.Asset
	Amount *big.Int
}

type fakeBank struct {
	mu      sync.Mutex
	pushes  []bankPush
	pushErr error
}

func (b *fakeBank) Pull(context.Context, string, domain.Asset, *big.Int) error { return nil }

func (b *fakeBank) Push(_ context.Context, to string, asset domain.Asset, amount *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pushErr != nil {
		return b.pushErr
	}
	b.pushes = append(b.pushes, bankPush{To: to, Asset: asset, Amount: new(big.Int).Set(amount)})
	return nil
}

func (b *fakeBank) Balance(context.Context, domain.Asset) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (b *fakeBank) VerifyNativeDeposit(context.Context, string, string, *big.Int) error {
	return nil
}

// fakeVenue returns a fixed output per call, optionally failing at a given
// 1-based call index, and can run a callback mid-swap to model reentrancy
// from inside the pending external call.
type fakeVenue struct {
	mu     sync.Mutex
	name   string
	output *big.Int
	calls  int
	failAt int
	onSwap func(ctx context.Context, req domain.SwapRequest)
	reqs   []domain.SwapRequest
}

func (v *fakeVenue) Name() string { return v.name }

func (v *fakeVenue) Swap(ctx context.Context, req domain.SwapRequest) (*big.Int, error) {
	v.mu.Lock()
	v.calls++
	call := v.calls
	v.reqs = append(v.reqs, req)
	cb := v.onSwap
	v.mu.Unlock()

	if cb != nil {
		cb(ctx, req)
	}
	if v.failAt > 0 && call >= v.failAt {
		return nil, fmt.Errorf("venue %s: execution reverted", v.name)
	}
	return new(big.Int).Set(v.output), nil
}

func (v *fakeVenue) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	engine    *Engine
	positions *memPositions
	pool      *memPool
	fees      *memFees
	bank      *fakeBank
	router    *fakeVenue
	generic   *fakeVenue
	bus       *memBus
	audit     *memAudit
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		positions: newMemPositions(),
		pool:      newMemPool(),
		fees:      newMemFees(),
		bank:      &fakeBank{},
		router:    &fakeVenue{name: "router", output: big.NewInt(42)},
		generic:   &fakeVenue{name: "generic", output: big.NewInt(42)},
		bus:       newMemBus(),
		audit:     &memAudit{},
	}
	logger := slog.New(slog.DiscardHandler)
	h.engine = New(Deps{
		Positions: h.positions,
		Pool:      h.pool,
		Bank:      h.bank,
		Locks:     newMemLocks(),
		Roles:     staticRoles{fillerName: {domain.RoleFiller}},
		Generic:   h.generic,
		Router:    h.router,
		Bus:       h.bus,
		Audit:     h.audit,
		Verifier:  ledger.NewVerifier(h.positions, h.fees, h.pool, logger),
		Logger:    logger,
	})
	return h
}

// open seeds a position and credits the pool with its escrow, as the create
// flow would.
func (h *harness) open(t *testing.T, src domain.Asset, installment int64, total int) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := h.positions.Create(ctx, domain.Position{
		Owner:             ownerAddr,
		SrcAsset:          src,
		DstAsset:          weth,
		InstallmentAmount: big.NewInt(installment),
		TotalInstallments: total,
		AccruedOutput:     big.NewInt(0),
		FeePaid:           big.NewInt(0),
		Cadence:           domain.CadenceDaily,
		Status:            domain.PositionStatusOpen,
		CreatedAt:         time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, h.pool.Credit(ctx, src, big.NewInt(installment*int64(total))))
	return id
}

// ---------------------------------------------------------------------------
// Fill
// ---------------------------------------------------------------------------

func TestFillThreeInstallmentsThenRejects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.open(t, usdc, 100, 3)

	for want := 1; want <= 3; want++ {
		pos, err := h.engine.Fill(ctx, filler, id, nil)
		require.NoError(t, err)
		assert.Equal(t, want, pos.FilledInstallments)
		assert.Equal(t, big.NewInt(int64(want)*42), pos.AccruedOutput)
	}

	_, err := h.engine.Fill(ctx, filler, id, nil)
	assert.ErrorIs(t, err, domain.ErrAlreadyFullyFilled)

	// Escrow fully consumed: pool balance for the asset is back to zero and
	// closing refunds nothing.
	bal, err := h.pool.Balance(ctx, usdc)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(0), bal)

	_, refund, err := h.engine.Close(ctx, owner, id)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(0), refund)
	assert.Empty(t, h.bank.pushes)
}

func TestFillRequiresFillerRole(t *testing.T) {
	h := newHarness(t)
	id := h.open(t, usdc, 100, 3)

	_, err := h.engine.Fill(context.Background(), owner, id, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidCaller)
	assert.Zero(t, h.router.callCount())
}

func TestFillUnknownPosition(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Fill(context.Background(), filler, 999, nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFillClosedPosition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.open(t, usdc, 100, 3)

	_, _, err := h.engine.Close(ctx, owner, id)
	require.NoError(t, err)

	_, err = h.engine.Fill(ctx, filler, id, nil)
	assert.ErrorIs(t, err, domain.ErrPositionClosed)
}

func TestFillVenueFailureLeavesStateUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.open(t, usdc, 100, 3)
	h.router.failAt = 1

	_, err := h.engine.Fill(ctx, filler, id, nil)
	require.Error(t, err)

	pos, err := h.positions.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, pos.FilledInstallments)
	assert.Equal(t, big.NewInt(0), pos.AccruedOutput)

	bal, _ := h.pool.Balance(ctx, usdc)
	assert.Equal(t, big.NewInt(300), bal)
}

func TestFillRejectsZeroOutput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.open(t, usdc, 100, 3)
	h.router.output = big.NewInt(0)

	_, err := h.engine.Fill(ctx, filler, id, nil)
	require.ErrorContains(t, err, "zero output")

	pos, _ := h.positions.GetByID(ctx, id)
	assert.Zero(t, pos.FilledInstallments)
}

func TestReentrantFillIsExcluded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.open(t, usdc, 100, 3)

	var reentrantErr error
	h.router.onSwap = func(ctx context.Context, req domain.SwapRequest) {
		// Only reenter from the outer call.
		h.router.onSwap = nil
		_, reentrantErr = h.engine.Fill(ctx, filler, id, nil)
	}

	pos, err := h.engine.Fill(ctx, filler, id, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, pos.FilledInstallments)
	assert.ErrorIs(t, reentrantErr, domain.ErrLockHeld)

	// Only the outer conversion consumed an installment.
	assert.Equal(t, 1, h.router.callCount())
}

func TestReentrantCloseDuringFillIsExcluded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.open(t, usdc, 100, 3)

	var closeErr error
	h.router.onSwap = func(ctx context.Context, req domain.SwapRequest) {
		h.router.onSwap = nil
		_, _, closeErr = h.engine.Close(ctx, owner, id)
	}

	_, err := h.engine.Fill(ctx, filler, id, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, closeErr, domain.ErrLockHeld)
	assert.Empty(t, h.bank.pushes)
}

// ---------------------------------------------------------------------------
// Generic-call dispatch
// ---------------------------------------------------------------------------

func genericParams(src, dst domain.Asset, amount int64) *domain.GenericCallParams {
	return &domain.GenericCallParams{
		Target:  "0x3333333333333333333333333333333333333333",
		Payload: []byte{0xde, 0xad},
		Desc: domain.SwapDescription{
			SrcAsset:  src,
			DstAsset:  dst,
			Receiver:  otherAddr, // engine must pin this to the owner
			Amount:    big.NewInt(amount),
			MinReturn: big.NewInt(1),
		},
	}
}

func TestFillGenericCallValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.open(t, usdc, 100, 3)

	_, err := h.engine.Fill(ctx, filler, id, genericParams(weth, weth, 100))
	assert.ErrorIs(t, err, domain.ErrTokenMismatch)

	_, err = h.engine.Fill(ctx, filler, id, genericParams(usdc, weth, 99))
	assert.ErrorIs(t, err, domain.ErrAmountMismatch)

	assert.Zero(t, h.generic.callCount())

	pos, err := h.engine.Fill(ctx, filler, id, genericParams(usdc, weth, 100))
	require.NoError(t, err)
	assert.Equal(t, 1, pos.FilledInstallments)
	assert.Zero(t, h.router.callCount())

	// The forwarded description's receiver is always the position owner.
	require.Len(t, h.generic.reqs, 1)
	req := h.generic.reqs[0]
	require.NotNil(t, req.Generic)
	assert.Equal(t, ownerAddr, req.Generic.Desc.Receiver)
	assert.Equal(t, ownerAddr, req.Receiver)
}

func TestFillRejectsUnconfiguredVenue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.open(t, usdc, 100, 3)
	logger := slog.New(slog.DiscardHandler)

	deps := Deps{
		Positions: h.positions,
		Pool:      h.pool,
		Bank:      h.bank,
		Locks:     newMemLocks(),
		Roles:     staticRoles{fillerName: {domain.RoleFiller}},
		Bus:       h.bus,
		Audit:     h.audit,
		Verifier:  ledger.NewVerifier(h.positions, h.fees, h.pool, logger),
		Logger:    logger,
	}

	genericOnly := deps
	genericOnly.Generic = h.generic
	_, err := New(genericOnly).Fill(ctx, filler, id, nil)
	require.ErrorContains(t, err, "router venue not configured")

	routerOnly := deps
	routerOnly.Router = h.router
	_, err = New(routerOnly).Fill(ctx, filler, id, genericParams(usdc, weth, 100))
	require.ErrorContains(t, err, "generic venue not configured")

	assert.Zero(t, h.generic.callCount())
	assert.Zero(t, h.router.callCount())
}

// ---------------------------------------------------------------------------
// BulkFill
// ---------------------------------------------------------------------------

func TestBulkFillRejectsWholeBatchOnValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.open(t, usdc, 100, 3)
	b := h.open(t, usdc, 100, 1)
	c := h.open(t, usdc, 100, 3)

	// Exhaust b so it is already fully filled.
	_, err := h.engine.Fill(ctx, filler, b, nil)
	require.NoError(t, err)
	callsBefore := h.router.callCount()

	_, err = h.engine.BulkFill(ctx, filler, []int64{a, b, c})
	assert.ErrorIs(t, err, domain.ErrAlreadyFullyFilled)

	// No venue call was made and the other positions are unchanged.
	assert.Equal(t, callsBefore, h.router.callCount())
	for _, id := range []int64{a, c} {
		pos, getErr := h.positions.GetByID(ctx, id)
		require.NoError(t, getErr)
		assert.Zero(t, pos.FilledInstallments, "position %d", id)
	}
}

func TestBulkFillFillsAllInOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.open(t, usdc, 100, 3)
	b := h.open(t, usdc, 50, 2)

	filled, err := h.engine.BulkFill(ctx, filler, []int64{a, b})
	require.NoError(t, err)
	require.Len(t, filled, 2)
	assert.Equal(t, a, filled[0].ID)
	assert.Equal(t, b, filled[1].ID)
	assert.Equal(t, 1, filled[0].FilledInstallments)
	assert.Equal(t, 1, filled[1].FilledInstallments)
}

func TestBulkFillAbortsRemainderOnVenueFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.open(t, usdc, 100, 3)
	b := h.open(t, usdc, 100, 3)
	c := h.open(t, usdc, 100, 3)
	h.router.failAt = 2

	filled, err := h.engine.BulkFill(ctx, filler, []int64{a, b, c})
	require.Error(t, err)
	require.Len(t, filled, 1)
	assert.Equal(t, a, filled[0].ID)

	// The first conversion really happened and stays recorded; the failed
	// and never-attempted ones are untouched.
	posA, _ := h.positions.GetByID(ctx, a)
	posB, _ := h.positions.GetByID(ctx, b)
	posC, _ := h.positions.GetByID(ctx, c)
	assert.Equal(t, 1, posA.FilledInstallments)
	assert.Zero(t, posB.FilledInstallments)
	assert.Zero(t, posC.FilledInstallments)
	assert.Equal(t, 2, h.router.callCount())
}

func TestBulkFillRequiresFillerRole(t *testing.T) {
	h := newHarness(t)
	id := h.open(t, usdc, 100, 3)

	_, err := h.engine.BulkFill(context.Background(), owner, []int64{id})
	assert.ErrorIs(t, err, domain.ErrInvalidCaller)
}

// ---------------------------------------------------------------------------
// Close
// ---------------------------------------------------------------------------

func TestCloseRefundsUnfilledRemainder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.open(t, usdc, 100, 5)

	for i := 0; i < 2; i++ {
		_, err := h.engine.Fill(ctx, filler, id, nil)
		require.NoError(t, err)
	}

	closed, refund, err := h.engine.Close(ctx, owner, id)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(300), refund)
	assert.Equal(t, domain.PositionStatusClosed, closed.Status)

	require.Len(t, h.bank.pushes, 1)
	assert.Equal(t, ownerAddr, h.bank.pushes[0].To)
	assert.Equal(t, usdc, h.bank.pushes[0].Asset)
	assert.Equal(t, big.NewInt(300), h.bank.pushes[0].Amount)

	// Second close is rejected and produces no second transfer.
	_, _, err = h.engine.Close(ctx, owner, id)
	assert.ErrorIs(t, err, domain.ErrAlreadyClosed)
	assert.Len(t, h.bank.pushes, 1)
}

func TestCloseRejectsNonOwner(t *testing.T) {
	h := newHarness(t)
	id := h.open(t, usdc, 100, 5)

	stranger := domain.Principal{Name: "mallory", Address: otherAddr}
	_, _, err := h.engine.Close(context.Background(), stranger, id)
	assert.ErrorIs(t, err, domain.ErrInvalidCaller)
	assert.Empty(t, h.bank.pushes)
}

func TestCloseRefundFailureKeepsPositionOpen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.open(t, usdc, 100, 5)
	h.bank.pushErr = fmt.Errorf("rpc: connection refused")

	_, _, err := h.engine.Close(ctx, owner, id)
	require.Error(t, err)

	pos, getErr := h.positions.GetByID(ctx, id)
	require.NoError(t, getErr)
	assert.True(t, pos.Open())

	bal, _ := h.pool.Balance(ctx, usdc)
	assert.Equal(t, big.NewInt(500), bal)

	// A retry after the transfer recovers pays the remainder exactly once.
	h.bank.pushErr = nil
	_, refund, err := h.engine.Close(ctx, owner, id)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(500), refund)
	require.Len(t, h.bank.pushes, 1)

	bal, _ = h.pool.Balance(ctx, usdc)
	assert.Equal(t, big.NewInt(0), bal)
}

func TestCloseHoldsRefundWhenReopenFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.open(t, usdc, 100, 5)
	h.bank.pushErr = fmt.Errorf("rpc: connection refused")
	h.positions.reopenErr = fmt.Errorf("store: connection lost")

	_, _, err := h.engine.Close(ctx, owner, id)
	require.Error(t, err)

	// The row stays closed with the refund held in the pool: a later close
	// is rejected instead of paying the remainder again.
	pos, getErr := h.positions.GetByID(ctx, id)
	require.NoError(t, getErr)
	assert.False(t, pos.Open())

	bal, _ := h.pool.Balance(ctx, usdc)
	assert.Equal(t, big.NewInt(500), bal)

	h.bank.pushErr = nil
	h.positions.reopenErr = nil
	_, _, err = h.engine.Close(ctx, owner, id)
	assert.ErrorIs(t, err, domain.ErrAlreadyClosed)
	assert.Empty(t, h.bank.pushes)
}

// ---------------------------------------------------------------------------
// Solvency across sequences
// ---------------------------------------------------------------------------

func TestSolvencyHoldsAcrossLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := ledger.NewVerifier(h.positions, h.fees, h.pool, slog.New(slog.DiscardHandler))

	a := h.open(t, usdc, 100, 3)
	b := h.open(t, usdc, 250, 4)
	require.NoError(t, v.Verify(ctx, usdc))

	_, err := h.engine.Fill(ctx, filler, a, nil)
	require.NoError(t, err)
	require.NoError(t, v.Verify(ctx, usdc))

	_, err = h.engine.Fill(ctx, filler, b, nil)
	require.NoError(t, err)
	require.NoError(t, v.Verify(ctx, usdc))

	_, _, err = h.engine.Close(ctx, owner, a)
	require.NoError(t, err)
	require.NoError(t, v.Verify(ctx, usdc))

	_, _, err = h.engine.Close(ctx, owner, b)
	require.NoError(t, err)
	require.NoError(t, v.Verify(ctx, usdc))

	// Everything refunded or converted: the pool is empty for the asset.
	bal, _ := h.pool.Balance(ctx, usdc)
	assert.Equal(t, big.NewInt(0), bal)
}
