package store

import (
	"context"
	"sort"
	"sync"

	"github.com/ajai24/food-ordering/internal/domain"
)

// MemoryStore is an in-memory payment store used for unit testing and for
// running the service without a database. A single process map cannot share
// the per-order idempotency invariant across replicas, so deployments with
// more than one engine instance must use the Mongo-backed store.
type MemoryStore struct {
	mu          sync.RWMutex
	byReference map[string]*domain.PaymentTransaction
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byReference: make(map[string]*domain.PaymentTransaction),
	}
}

// Create persists a new record. It fails with ErrDuplicateReference on a
// reference collision and with ErrActivePayment if the order already has a
// non-terminal payment; both checks happen under the same lock so
// concurrent creates serialize.
func (s *MemoryStore) Create(_ context.Context, tx *domain.PaymentTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byReference[tx.Reference]; exists {
		return ErrDuplicateReference
	}
	for _, existing := range s.byReference {
		if existing.OrderID == tx.OrderID && existing.Active() {
			return ErrActivePayment
		}
	}

	tx.Version = 1
	s.byReference[tx.Reference] = tx.Clone()
	return nil
}

// FindByReference returns a copy of the record for the given reference, or
// ErrNotFound.
func (s *MemoryStore) FindByReference(_ context.Context, reference string) (*domain.PaymentTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.byReference[reference]
	if !ok {
		return nil, ErrNotFound
	}
	return tx.Clone(), nil
}

// FindActiveByOrder returns the order's non-terminal payment, or nil if the
// order has none.
func (s *MemoryStore) FindActiveByOrder(_ context.Context, orderID string) (*domain.PaymentTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, tx := range s.byReference {
		if tx.OrderID == orderID && tx.Active() {
			return tx.Clone(), nil
		}
	}
	return nil, nil
}

// ListByCustomer returns the customer's payments, newest first.
func (s *MemoryStore) ListByCustomer(_ context.Context, customerID string) ([]*domain.PaymentTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.PaymentTransaction
	for _, tx := range s.byReference {
		if tx.CustomerID == customerID {
			out = append(out, tx.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Save persists the full record if its version still matches the stored one,
// then bumps the version on both the stored record and tx. A mismatch
// returns ErrVersionConflict and leaves the stored record untouched.
func (s *MemoryStore) Save(_ context.Context, tx *domain.PaymentTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.byReference[tx.Reference]
	if !ok {
		return ErrNotFound
	}
	if current.Version != tx.Version {
		return ErrVersionConflict
	}

	tx.Version++
	s.byReference[tx.Reference] = tx.Clone()
	return nil
}

// Ping implements the health probe; the in-memory store is always reachable.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close implements the store lifecycle; nothing to release.
func (s *MemoryStore) Close(context.Context) error { return nil }
