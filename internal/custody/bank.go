// Package custody moves funds between user wallets and the pool wallet on an
// EVM chain. ERC-20 escrow is pulled via transferFrom against a prior
// allowance; native escrow is deposited by the user and verified by
// transaction hash.
package custody

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/dcavault/internal/domain"
)

const erc20ABI = `[
  {"name":"transfer","type":"function","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"name":"transferFrom","type":"function","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"name":"balanceOf","type":"function","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const (
	defaultWaitTimeout  = 2 * time.Minute
	defaultPollInterval = 2 * time.Second
	nativeTransferGas   = 21_000
)

// Backend is the subset of the Ethereum JSON-RPC client the bank needs.
// *ethclient.Client satisfies it.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Config holds custody settings.
type Config struct {
	ChainID int64
	// WaitTimeout bounds how long a sent transaction may stay unmined.
	WaitTimeout time.Duration
	// PollInterval is the receipt polling cadence.
	PollInterval time.Duration
}

// Bank implements domain.Bank against an EVM chain using the pool wallet's
// private key.
type Bank struct {
	backend  Backend
	key      *ecdsa.PrivateKey
	poolAddr common.Address
	chainID  *big.Int
	erc20    abi.ABI
	logger   *slog.Logger

	waitTimeout  time.Duration
	pollInterval time.Duration
}

// NewBank builds a Bank from a hex-encoded pool wallet private key.
func NewBank(backend Backend, privateKeyHex string, cfg Config, logger *slog.Logger) (*Bank, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("custody: invalid pool key: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("custody: parse erc20 abi: %w", err)
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = defaultWaitTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Bank{
		backend:      backend,
		key:          key,
		poolAddr:     ethcrypto.PubkeyToAddress(key.PublicKey),
		chainID:      big.NewInt(cfg.ChainID),
		erc20:        parsed,
		logger:       logger.With("component", "custody"),
		waitTimeout:  cfg.WaitTimeout,
		pollInterval: cfg.PollInterval,
	}, nil
}

// PoolAddress returns the custodial pool wallet address.
func (b *Bank) PoolAddress() common.Address {
	return b.poolAddr
}

// Pull moves amount of an ERC-20 asset from the user's wallet into the pool
// via transferFrom. Native escrow is never pulled; callers verify the user's
// own deposit transaction instead.
func (b *Bank) Pull(ctx context.Context, from string, asset domain.Asset, amount *big.Int) error {
	if asset.IsNative() {
		return fmt.Errorf("custody: pull native asset: %w", domain.ErrInvalidAsset)
	}
	data, err := b.erc20.Pack("transferFrom", common.HexToAddress(from), b.poolAddr, amount)
	if err != nil {
		return fmt.Errorf("custody: pack transferFrom: %w", err)
	}
	token := asset.Address()
	if err := b.sendAndWait(ctx, &token, nil, data); err != nil {
		return fmt.Errorf("custody: pull %s of %s from %s: %w", amount, asset, from, err)
	}
	return nil
}

// Push moves amount of an asset from the pool wallet to the recipient.
func (b *Bank) Push(ctx context.Context, to string, asset domain.Asset, amount *big.Int) error {
	recipient := common.HexToAddress(to)
	if asset.IsNative() {
		if err := b.sendAndWait(ctx, &recipient, amount, nil); err != nil {
			return fmt.Errorf("custody: push native %s to %s: %w", amount, to, err)
		}
		return nil
	}
	data, err := b.erc20.Pack("transfer", recipient, amount)
	if err != nil {
		return fmt.Errorf("custody: pack transfer: %w", err)
	}
	token := asset.Address()
	if err := b.sendAndWait(ctx, &token, nil, data); err != nil {
		return fmt.Errorf("custody: push %s of %s to %s: %w", amount, asset, to, err)
	}
	return nil
}

// Balance returns the pool wallet's on-chain holdings of asset.
func (b *Bank) Balance(ctx context.Context, asset domain.Asset) (*big.Int, error) {
	if asset.IsNative() {
		bal, err := b.backend.BalanceAt(ctx, b.poolAddr, nil)
		if err != nil {
			return nil, fmt.Errorf("custody: native balance: %w", err)
		}
		return bal, nil
	}

	data, err := b.erc20.Pack("balanceOf", b.poolAddr)
	if err != nil {
		return nil, fmt.Errorf("custody: pack balanceOf: %w", err)
	}
	token := asset.Address()
	res, err := b.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("custody: balanceOf %s: %w", asset, err)
	}
	out, err := b.erc20.Unpack("balanceOf", res)
	if err != nil {
		return nil, fmt.Errorf("custody: unpack balanceOf: %w", err)
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("custody: unexpected balanceOf result type %T", out[0])
	}
	return bal, nil
}

// VerifyNativeDeposit checks that txHash is a mined native transfer of
// exactly amount from the given sender to the pool wallet.
func (b *Bank) VerifyNativeDeposit(ctx context.Context, txHash string, from string, amount *big.Int) error {
	hash := common.HexToHash(txHash)

	tx, pending, err := b.backend.TransactionByHash(ctx, hash)
	if err != nil {
		return fmt.Errorf("custody: fetch deposit %s: %w", txHash, err)
	}
	if pending {
		return fmt.Errorf("custody: deposit %s not yet mined", txHash)
	}

	receipt, err := b.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		return fmt.Errorf("custody: fetch deposit receipt %s: %w", txHash, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("custody: deposit %s reverted", txHash)
	}

	if tx.To() == nil || *tx.To() != b.poolAddr {
		return fmt.Errorf("custody: deposit %s not addressed to pool wallet: %w", txHash, domain.ErrInvalidAmount)
	}
	sender, err := types.Sender(types.LatestSignerForChainID(b.chainID), tx)
	if err != nil {
		return fmt.Errorf("custody: recover deposit sender: %w", err)
	}
	if sender != common.HexToAddress(from) {
		return fmt.Errorf("custody: deposit %s sent by %s, expected %s: %w", txHash, sender.Hex(), from, domain.ErrInvalidAmount)
	}
	if tx.Value().Cmp(amount) != 0 {
		return fmt.Errorf("custody: deposit %s carries %s, expected %s: %w", txHash, tx.Value(), amount, domain.ErrInvalidAmount)
	}
	return nil
}

// sendAndWait signs, submits, and waits for a transaction to be mined with a
// successful status.
func (b *Bank) sendAndWait(ctx context.Context, to *common.Address, value *big.Int, data []byte) error {
	nonce, err := b.backend.PendingNonceAt(ctx, b.poolAddr)
	if err != nil {
		return fmt.Errorf("fetch nonce: %w", err)
	}
	gasPrice, err := b.backend.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("suggest gas price: %w", err)
	}

	var gasLimit uint64
	if len(data) == 0 {
		gasLimit = nativeTransferGas
	} else {
		gasLimit, err = b.backend.EstimateGas(ctx, ethereum.CallMsg{
			From:  b.poolAddr,
			To:    to,
			Value: value,
			Data:  data,
		})
		if err != nil {
			return fmt.Errorf("estimate gas: %w", err)
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(b.chainID), b.key)
	if err != nil {
		return fmt.Errorf("sign transaction: %w", err)
	}
	if err := b.backend.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("send transaction: %w", err)
	}

	b.logger.Debug("transaction submitted", "tx", signed.Hash().Hex(), "nonce", nonce)

	receipt, err := b.waitMined(ctx, signed.Hash())
	if err != nil {
		return err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("transaction %s reverted", signed.Hash().Hex())
	}
	return nil
}

func (b *Bank) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, b.waitTimeout)
	defer cancel()

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := b.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

var _ domain.Bank = (*Bank)(nil)
