// Package memory keeps idempotency records in process. It is only correct
// for a single-instance deployment.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/fortunepay/internal/clock"
	"github.com/smallbiznis/fortunepay/internal/idempotency/domain"
)

type entry struct {
	status    string
	token     string
	record    domain.Record
	expiresAt time.Time
}

type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	clock   clock.Clock
}

func New(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Store{
		entries: make(map[string]*entry),
		clock:   clk,
	}
}

func (s *Store) Get(_ context.Context, key string) (*domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok || e.status != domain.StatusCompleted {
		return nil, nil
	}
	record := e.record
	record.Response = append([]byte(nil), e.record.Response...)
	return &record, nil
}

func (s *Store) Claim(_ context.Context, key, operation string, ttl time.Duration) (string, bool, error) {
	if key == "" {
		return "", false, domain.ErrInvalidKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(key); ok {
		return "", false, nil
	}
	token := uuid.NewString()
	s.entries[key] = &entry{
		status:    domain.StatusPending,
		token:     token,
		record:    domain.Record{Key: key, Operation: operation},
		expiresAt: s.clock.Now().Add(ttl),
	}
	return token, true, nil
}

func (s *Store) Complete(_ context.Context, key, token string, record domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok || e.status != domain.StatusPending || e.token != token {
		return domain.ErrClaimLost
	}
	record.Key = key
	if record.Operation == "" {
		record.Operation = e.record.Operation
	}
	e.status = domain.StatusCompleted
	e.token = ""
	e.record = record
	e.expiresAt = record.ExpiresAt
	return nil
}

func (s *Store) Release(_ context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok && e.status == domain.StatusPending && e.token == token {
		delete(s.entries, key)
	}
	return nil
}

func (s *Store) Purge(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for key, e := range s.entries {
		if !e.expiresAt.After(before) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

// live returns the entry for key, evicting it first when it has expired.
func (s *Store) live(key string) (*entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.After(s.clock.Now()) {
		delete(s.entries, key)
		return nil, false
	}
	return e, true
}
