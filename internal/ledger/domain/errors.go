package domain

import "errors"

var (
	ErrInvalidAccount     = errors.New("invalid_account")
	ErrInvalidKind        = errors.New("invalid_transaction_kind")
	ErrInconsistentTotals = errors.New("inconsistent_balance_totals")
)
