// Package registry persists the set of escrow contracts the keeper manages.
package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// EscrowRecord is one managed escrow. The (EscrowAddress, Network) pair is the
// composite key; addresses are lower-cased at the store boundary so lookups
// stay case-stable regardless of how the registrant checksummed them.
type EscrowRecord struct {
	EscrowAddress    string     `json:"escrowAddress"`
	Network          string     `json:"network"`
	Email            string     `json:"email,omitempty"`
	InactivityPeriod int64      `json:"inactivityPeriod"`
	CreatedAt        time.Time  `json:"createdAt"`
	LastEmailSent    *time.Time `json:"lastEmailSent,omitempty"`
}

// ErrNotFound is returned by UpdateLastNotified when no record matches.
var ErrNotFound = errors.New("registry: record not found")

// Store abstracts escrow record persistence. Calls are individually atomic;
// no multi-record transactions are required.
type Store interface {
	// Add upserts by (address, network). CreatedAt of an existing record is
	// preserved; email and inactivity period are replaced.
	Add(ctx context.Context, rec EscrowRecord) error
	// Remove deletes the record and reports whether one existed.
	Remove(ctx context.Context, address, network string) (bool, error)
	// Get returns the record or nil when absent.
	Get(ctx context.Context, address, network string) (*EscrowRecord, error)
	// ListByNetwork returns all records for a network in unspecified order.
	ListByNetwork(ctx context.Context, network string) ([]EscrowRecord, error)
	// UpdateLastNotified advances the last-warning timestamp after a
	// confirmed delivery. Only the keeper's notification policy calls this.
	UpdateLastNotified(ctx context.Context, address, network string, ts time.Time) error
}

// Key normalizes the composite key parts.
func Key(address, network string) string {
	return strings.ToLower(address) + "|" + network
}

// NormalizeAddress lower-cases a chain address for key stability.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]EscrowRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]EscrowRecord),
	}
}

func (m *MemoryStore) Add(_ context.Context, rec EscrowRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.EscrowAddress = NormalizeAddress(rec.EscrowAddress)
	key := Key(rec.EscrowAddress, rec.Network)
	if existing, ok := m.data[key]; ok {
		rec.CreatedAt = existing.CreatedAt
		rec.LastEmailSent = existing.LastEmailSent
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.data[key] = rec
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, address, network string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := Key(address, network)
	_, ok := m.data[key]
	delete(m.data, key)
	return ok, nil
}

func (m *MemoryStore) Get(_ context.Context, address, network string) (*EscrowRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[Key(address, network)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) ListByNetwork(_ context.Context, network string) ([]EscrowRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []EscrowRecord
	for _, rec := range m.data {
		if rec.Network == network {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateLastNotified(_ context.Context, address, network string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := Key(address, network)
	rec, ok := m.data[key]
	if !ok {
		return ErrNotFound
	}
	rec.LastEmailSent = &ts
	m.data[key] = rec
	return nil
}
