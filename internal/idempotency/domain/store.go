package domain

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidKey = errors.New("invalid_idempotency_key")
	ErrInProgress = errors.New("idempotency_in_progress")
	ErrClaimLost  = errors.New("idempotency_claim_lost")
)

const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
)

// Record is one cached result. It is written once and never updated.
type Record struct {
	Key       string
	Operation string
	Response  []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store is a TTL keyed result store with an exclusive per-key claim.
// Memory serves a single process; redis and database serve several.
type Store interface {
	// Get returns the completed record for key, or nil when absent or expired.
	Get(ctx context.Context, key string) (*Record, error)
	// Claim reserves key for one computation. claimed is false while another
	// holder's claim or a completed record exists.
	Claim(ctx context.Context, key, operation string, ttl time.Duration) (token string, claimed bool, err error)
	// Complete stores the result for a claim held under token.
	Complete(ctx context.Context, key, token string, record Record) error
	// Release drops a claim without storing a result.
	Release(ctx context.Context, key, token string) error
	// Purge removes records that expired before the given time.
	Purge(ctx context.Context, before time.Time) (int64, error)
}
