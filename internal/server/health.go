package server

import "context"

// HealthService defines behaviour for readiness probes.
type HealthService interface {
	Probe(ctx context.Context) error
}

// Pinger is satisfied by payment stores that can verify connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreHealthService verifies payment store connectivity as part of health
// checks.
type StoreHealthService struct {
	Store Pinger
}

// Probe implements the HealthService interface.
func (s StoreHealthService) Probe(ctx context.Context) error {
	if s.Store == nil {
		return nil
	}
	return s.Store.Ping(ctx)
}
