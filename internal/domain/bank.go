package domain

import (
	"context"
	"math/big"
)

// Bank moves assets between user wallets and the custodial pool wallet.
// ERC-20 pulls require a prior allowance from the user to the pool wallet;
// native-asset escrow is paid by the user directly and verified by deposit
// transaction hash.
type Bank interface {
	// Pull transfers amount of asset from the user's wallet into the pool.
	Pull(ctx context.Context, from string, asset Asset, amount *big.Int) error
	// Push transfers amount of asset from the pool to the recipient.
	Push(ctx context.Context, to string, asset Asset, amount *big.Int) error
	// Balance returns the pool wallet's actual holdings of the asset.
	Balance(ctx context.Context, asset Asset) (*big.Int, error)
	// VerifyNativeDeposit checks that txHash is a mined transfer of exactly
	// amount of the native asset from the given sender to the pool wallet.
	// A value mismatch fails with ErrInvalidAmount.
	VerifyNativeDeposit(ctx context.Context, txHash string, from string, amount *big.Int) error
}
