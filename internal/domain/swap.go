package domain

import (
	"context"
	"math/big"
)

// SwapDescription is the structured description a caller supplies to the
// generic-call venue: which assets are converted, for whom, and the exact
// input and minimum output amounts the venue must honor.
type SwapDescription struct {
	SrcAsset  Asset
	DstAsset  Asset
	Receiver  string
	Amount    *big.Int
	MinReturn *big.Int
	Flags     uint64
	Permit    []byte
}

// GenericCallParams carries the opaque venue call a filler supplies for the
// generic-call strategy. The engine validates Desc against the position
// before forwarding; the payload itself is passed through verbatim.
type GenericCallParams struct {
	Target         string
	ApprovalTarget string
	Payload        []byte
	Desc           SwapDescription
}

// SwapRequest is one installment conversion handed to a venue. Output is
// always directed to Receiver (the position owner), never to the pool.
type SwapRequest struct {
	PositionID int64
	SrcAsset   Asset
	DstAsset   Asset
	Amount     *big.Int
	Receiver   string
	Generic    *GenericCallParams // set for the generic-call strategy only
}

// Venue converts one installment through an external exchange venue and
// reports the realized output amount. Venues never mutate ledger state; the
// engine reconciles the reported output into the position record.
type Venue interface {
	Name() string
	Swap(ctx context.Context, req SwapRequest) (*big.Int, error)
}
