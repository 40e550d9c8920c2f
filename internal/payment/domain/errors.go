package domain

import (
	"errors"
	"fmt"
)

var (
	ErrProviderNotFound = errors.New("payment_provider_not_found")
	ErrInvalidProvider  = errors.New("invalid_payment_provider")
	ErrInvalidConfig    = errors.New("invalid_payment_config")
	ErrInvalidPayload   = errors.New("invalid_payment_payload")
	ErrInvalidEvent     = errors.New("invalid_payment_event")
	ErrInvalidSignature = errors.New("invalid_payment_signature")
	ErrEventIgnored     = errors.New("payment_event_ignored")
)

// GatewayError is a provider failure carrying the provider's own message.
type GatewayError struct {
	Provider string
	Op       string
	Code     string
	Message  string
	Status   int
	Err      error
}

func (e *GatewayError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s %s failed (%s): %s", e.Provider, e.Op, e.Code, msg)
	}
	return fmt.Sprintf("%s %s failed: %s", e.Provider, e.Op, msg)
}

func (e *GatewayError) Unwrap() error { return e.Err }
