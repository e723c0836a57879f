package domain

import (
	"github.com/ethereum/go-ethereum/common"
)

// Asset identifies a token by its checksummed EVM contract address. The zero
// address denotes the chain's native asset.
type Asset string

// NativeAsset is the sentinel for the chain's native asset.
const NativeAsset Asset = "0x0000000000000000000000000000000000000000"

// ParseAsset validates and normalizes a hex token address into an Asset.
func ParseAsset(s string) (Asset, error) {
	if !common.IsHexAddress(s) {
		return "", ErrInvalidAsset
	}
	return Asset(common.HexToAddress(s).Hex()), nil
}

// IsNative reports whether the asset is the chain's native asset.
func (a Asset) IsNative() bool {
	return common.HexToAddress(string(a)) == (common.Address{})
}

// Address returns the asset's contract address.
func (a Asset) Address() common.Address {
	return common.HexToAddress(string(a))
}

func (a Asset) String() string { return string(a) }
