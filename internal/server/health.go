package server

import (
	"context"

	"github.com/vmoraes/recimarket/backend/internal/graph"
)

// HealthService defines behaviour for readiness probes.
type HealthService interface {
	Probe(ctx context.Context) error
}

// LedgerHealthService reports whether the graph store behind the transaction
// ledger is reachable. A nil client (in-memory ledger) always probes healthy.
type LedgerHealthService struct {
	Client graph.Client
}

// Probe implements the HealthService interface.
func (s LedgerHealthService) Probe(ctx context.Context) error {
	if s.Client == nil {
		return nil
	}
	return s.Client.VerifyConnectivity(ctx)
}
