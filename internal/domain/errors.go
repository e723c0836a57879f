package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidCaller      = errors.New("caller not permitted")
	ErrPositionClosed     = errors.New("position is closed")
	ErrAlreadyClosed      = errors.New("position already closed")
	ErrAlreadyFullyFilled = errors.New("all installments already filled")
	ErrTokenMismatch      = errors.New("swap token does not match position")
	ErrAmountMismatch     = errors.New("swap amount does not match position")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrDepositUsed        = errors.New("deposit transaction already consumed")
	ErrInvalidAsset       = errors.New("invalid asset address")
	ErrInvalidCadence     = errors.New("invalid cadence")
	ErrLockHeld           = errors.New("lock already held")
	ErrInsufficientPool   = errors.New("insufficient pool balance")
	ErrInsolvent          = errors.New("pool custody below escrow obligations")
)
