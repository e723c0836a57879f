package domain

// Pub/sub channels and streams carrying position lifecycle events for
// off-chain observers. Payloads are JSON; amounts are decimal strings.
const (
	ChannelPositions = "positions"
	ChannelFills     = "fills"
	ChannelTreasury  = "treasury"
	StreamFills      = "stream:fills"
)

// PositionOpenedEvent is published when a position is created and its escrow
// has been pulled into the pool.
type PositionOpenedEvent struct {
	Event             string `json:"event"`
	PositionID        int64  `json:"position_id"`
	Owner             string `json:"owner"`
	SrcAsset          string `json:"src_asset"`
	DstAsset          string `json:"dst_asset"`
	InstallmentAmount string `json:"installment_amount"`
	TotalInstallments int    `json:"total_installments"`
	Fee               string `json:"fee"`
	Cadence           string `json:"cadence"`
}

// PositionFilledEvent is published after each successful fill.
type PositionFilledEvent struct {
	Event              string `json:"event"`
	PositionID         int64  `json:"position_id"`
	FilledInstallments int    `json:"filled_installments"`
	Filler             string `json:"filler"`
	Output             string `json:"output"`
	Venue              string `json:"venue"`
}

// PositionClosedEvent is published when a position is closed and the unfilled
// remainder has been refunded to the owner.
type PositionClosedEvent struct {
	Event      string `json:"event"`
	PositionID int64  `json:"position_id"`
	Refund     string `json:"refund"`
}

// FeesWithdrawnEvent is published when the administrator drains accrued fees.
type FeesWithdrawnEvent struct {
	Event   string            `json:"event"`
	Caller  string            `json:"caller"`
	Amounts map[string]string `json:"amounts"` // asset -> amount
}
