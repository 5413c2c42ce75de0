// Package registry adapts the external party registry behind the narrow
// contract the trade engine consumes.
package registry

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vmoraes/recimarket/backend/internal/domain"
)

// Registry resolves party identities and standing-relationship rates.
type Registry interface {
	GetParty(ctx context.Context, partyID string) (domain.Party, error)
	// IncrementRate returns the configured price-increment rate for a
	// linked entity, or zero when none is configured.
	IncrementRate(ctx context.Context, linkedEntityID string) (decimal.Decimal, error)
}

// Static is an immutable in-memory registry snapshot, safe for concurrent reads.
type Static struct {
	mu      sync.RWMutex
	parties map[string]domain.Party
	rates   map[string]decimal.Decimal
}

// NewStatic builds a registry from parties and per-entity increment rates.
func NewStatic(parties []domain.Party, rates map[string]decimal.Decimal) *Static {
	byID := make(map[string]domain.Party, len(parties))
	for _, p := range parties {
		byID[p.ID] = p
	}
	if rates == nil {
		rates = map[string]decimal.Decimal{}
	}
	return &Static{parties: byID, rates: rates}
}

// GetParty implements Registry.
func (s *Static) GetParty(_ context.Context, partyID string) (domain.Party, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.parties[partyID]
	if !ok {
		return domain.Party{}, &domain.PartyNotFoundError{PartyID: partyID}
	}
	return p, nil
}

// IncrementRate implements Registry.
func (s *Static) IncrementRate(_ context.Context, linkedEntityID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rate, ok := s.rates[linkedEntityID]; ok {
		return rate, nil
	}
	return decimal.Zero, nil
}

type registryFile struct {
	Parties []partyEntry      `yaml:"parties"`
	Rates   map[string]string `yaml:"incrementRates"`
}

type partyEntry struct {
	ID             string `yaml:"id"`
	Name           string `yaml:"name"`
	Role           string `yaml:"role"`
	LinkedEntityID string `yaml:"linkedEntityId"`
}

// LoadFile reads a YAML seed file into a Static registry.
func LoadFile(path string) (*Static, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry seed: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse registry seed: %w", err)
	}

	parties := make([]domain.Party, 0, len(file.Parties))
	for i, entry := range file.Parties {
		id := strings.TrimSpace(entry.ID)
		if id == "" {
			return nil, fmt.Errorf("registry seed entry %d: id is required", i)
		}
		role := domain.PartyRole(strings.TrimSpace(entry.Role))
		if !role.Valid() {
			return nil, fmt.Errorf("registry seed entry %q: unknown role %q", id, entry.Role)
		}
		linked := strings.TrimSpace(entry.LinkedEntityID)
		parties = append(parties, domain.Party{
			ID:             id,
			Name:           entry.Name,
			Role:           role,
			IsLinked:       linked != "",
			LinkedEntityID: linked,
		})
	}

	rates := make(map[string]decimal.Decimal, len(file.Rates))
	for entityID, rateStr := range file.Rates {
		rate, err := decimal.NewFromString(strings.TrimSpace(rateStr))
		if err != nil {
			return nil, fmt.Errorf("registry seed rate for %q: invalid value %q: %w", entityID, rateStr, err)
		}
		rates[entityID] = rate
	}

	return NewStatic(parties, rates), nil
}
