package domain

import "errors"

var (
	ErrInvalidAccount     = errors.New("invalid_account")
	ErrInvalidSajuKey     = errors.New("invalid_saju_key")
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrInvalidPGToken     = errors.New("invalid_pg_token")
	ErrDuplicatePurchase  = errors.New("duplicate_purchase")
	ErrOrderNotFound      = errors.New("order_not_found")
	ErrOrderExpired       = errors.New("order_expired")
	ErrOrderNotRefundable = errors.New("order_not_refundable")
	ErrAmountMismatch     = errors.New("amount_mismatch")
	ErrMethodNotAllowed   = errors.New("payment_method_not_allowed")
	ErrNoPayment          = errors.New("order_has_no_payment")
)
