package domain

import "errors"

var (
	ErrInvalidAccount      = errors.New("invalid_account")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidSource       = errors.New("invalid_source")
	ErrInsufficientBalance = errors.New("insufficient_balance")
	ErrLotNotFound         = errors.New("lot_not_found")
	ErrLotNotExpired       = errors.New("lot_not_expired")
	ErrLotAlreadyExpired   = errors.New("lot_already_expired")
)
