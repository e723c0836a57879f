package custody

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dcavault/internal/domain"
)

const (
	poolKeyHex      = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	depositorKeyHex = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	chainID         = int64(31337)

	usdc = domain.Asset("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
)

type fakeBackend struct {
	sent     []*types.Transaction
	txs      map[common.Hash]*types.Transaction
	receipts map[common.Hash]*types.Receipt
	callRet  []byte
	balance  *big.Int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		txs:      make(map[common.Hash]*types.Transaction),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 60_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.sent = append(f.sent, tx)
	f.txs[tx.Hash()] = tx
	f.receipts[tx.Hash()] = &types.Receipt{Status: types.ReceiptStatusSuccessful}
	return nil
}

func (f *fakeBackend) TransactionByHash(_ context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	tx, ok := f.txs[hash]
	if !ok {
		return nil, false, fmt.Errorf("not found")
	}
	return tx, false, nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	r, ok := f.receipts[hash]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return r, nil
}

func (f *fakeBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return f.callRet, nil
}

func (f *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return f.balance, nil
}

func newTestBank(t *testing.T, backend *fakeBackend) *Bank {
	t.Helper()
	bank, err := NewBank(backend, poolKeyHex, Config{
		ChainID:      chainID,
		WaitTimeout:  time.Second,
		PollInterval: time.Millisecond,
	}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return bank
}

func testABI(t *testing.T) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	require.NoError(t, err)
	return parsed
}

func signedDeposit(t *testing.T, key *ecdsa.PrivateKey, to common.Address, value *big.Int) *types.Transaction {
	t.Helper()
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    0,
		To:       &to,
		Value:    value,
		Gas:      nativeTransferGas,
		GasPrice: big.NewInt(1_000_000_000),
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(big.NewInt(chainID)), key)
	require.NoError(t, err)
	return signed
}

func TestPullSendsTransferFrom(t *testing.T) {
	backend := newFakeBackend()
	bank := newTestBank(t, backend)
	user := common.HexToAddress("0x1111111111111111111111111111111111111111")

	err := bank.Pull(context.Background(), user.Hex(), usdc, big.NewInt(5000))
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	assert.Equal(t, usdc.Address(), *tx.To())

	method := testABI(t).Methods["transferFrom"]
	assert.Equal(t, method.ID, tx.Data()[:4])
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, user, args[0])
	assert.Equal(t, bank.PoolAddress(), args[1])
	assert.Equal(t, big.NewInt(5000), args[2])
}

func TestPullRejectsNativeAsset(t *testing.T) {
	bank := newTestBank(t, newFakeBackend())
	err := bank.Pull(context.Background(), "0x1111111111111111111111111111111111111111", domain.NativeAsset, big.NewInt(1))
	require.ErrorIs(t, err, domain.ErrInvalidAsset)
}

func TestPushNativeTransfersValue(t *testing.T) {
	backend := newFakeBackend()
	bank := newTestBank(t, backend)
	recipient := common.HexToAddress("0x2222222222222222222222222222222222222222")

	err := bank.Push(context.Background(), recipient.Hex(), domain.NativeAsset, big.NewInt(123456))
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	assert.Equal(t, recipient, *tx.To())
	assert.Equal(t, big.NewInt(123456), tx.Value())
	assert.Empty(t, tx.Data())
	assert.Equal(t, uint64(nativeTransferGas), tx.Gas())
}

func TestPushERC20Transfers(t *testing.T) {
	backend := newFakeBackend()
	bank := newTestBank(t, backend)
	recipient := common.HexToAddress("0x2222222222222222222222222222222222222222")

	err := bank.Push(context.Background(), recipient.Hex(), usdc, big.NewInt(999))
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	assert.Equal(t, usdc.Address(), *tx.To())

	method := testABI(t).Methods["transfer"]
	assert.Equal(t, method.ID, tx.Data()[:4])
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, recipient, args[0])
	assert.Equal(t, big.NewInt(999), args[1])
}

func TestBalanceERC20(t *testing.T) {
	backend := newFakeBackend()
	bank := newTestBank(t, backend)

	packed, err := testABI(t).Methods["balanceOf"].Outputs.Pack(big.NewInt(777))
	require.NoError(t, err)
	backend.callRet = packed

	bal, err := bank.Balance(context.Background(), usdc)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(777), bal)
}

func TestBalanceNative(t *testing.T) {
	backend := newFakeBackend()
	backend.balance = big.NewInt(424242)
	bank := newTestBank(t, backend)

	bal, err := bank.Balance(context.Background(), domain.NativeAsset)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(424242), bal)
}

func TestVerifyNativeDeposit(t *testing.T) {
	backend := newFakeBackend()
	bank := newTestBank(t, backend)

	depKey, err := ethcrypto.HexToECDSA(depositorKeyHex)
	require.NoError(t, err)
	depositor := ethcrypto.PubkeyToAddress(depKey.PublicKey)

	tx := signedDeposit(t, depKey, bank.PoolAddress(), big.NewInt(20_100))
	backend.txs[tx.Hash()] = tx
	backend.receipts[tx.Hash()] = &types.Receipt{Status: types.ReceiptStatusSuccessful}

	ctx := context.Background()
	require.NoError(t, bank.VerifyNativeDeposit(ctx, tx.Hash().Hex(), depositor.Hex(), big.NewInt(20_100)))

	err = bank.VerifyNativeDeposit(ctx, tx.Hash().Hex(), depositor.Hex(), big.NewInt(20_000))
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	err = bank.VerifyNativeDeposit(ctx, tx.Hash().Hex(), "0x3333333333333333333333333333333333333333", big.NewInt(20_100))
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestVerifyNativeDepositRejectsWrongRecipient(t *testing.T) {
	backend := newFakeBackend()
	bank := newTestBank(t, backend)

	depKey, err := ethcrypto.HexToECDSA(depositorKeyHex)
	require.NoError(t, err)
	depositor := ethcrypto.PubkeyToAddress(depKey.PublicKey)

	elsewhere := common.HexToAddress("0x4444444444444444444444444444444444444444")
	tx := signedDeposit(t, depKey, elsewhere, big.NewInt(100))
	backend.txs[tx.Hash()] = tx
	backend.receipts[tx.Hash()] = &types.Receipt{Status: types.ReceiptStatusSuccessful}

	err = bank.VerifyNativeDeposit(context.Background(), tx.Hash().Hex(), depositor.Hex(), big.NewInt(100))
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestVerifyNativeDepositRejectsReverted(t *testing.T) {
	backend := newFakeBackend()
	bank := newTestBank(t, backend)

	depKey, err := ethcrypto.HexToECDSA(depositorKeyHex)
	require.NoError(t, err)
	depositor := ethcrypto.PubkeyToAddress(depKey.PublicKey)

	tx := signedDeposit(t, depKey, bank.PoolAddress(), big.NewInt(100))
	backend.txs[tx.Hash()] = tx
	backend.receipts[tx.Hash()] = &types.Receipt{Status: types.ReceiptStatusFailed}

	err = bank.VerifyNativeDeposit(context.Background(), tx.Hash().Hex(), depositor.Hex(), big.NewInt(100))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reverted")
}
