// Package catalog adapts the external material catalog behind the narrow
// contract the pricing engine consumes.
package catalog

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

// Catalog resolves material references for pricing and validation.
type Catalog interface {
	GetMaterial(ctx context.Context, materialID string) (domain.Material, error)
}

// Static is an immutable in-memory catalog snapshot, safe for concurrent reads.
type Static struct {
	mu        sync.RWMutex
	materials map[string]domain.Material
}

// NewStatic builds a catalog from the provided materials.
func NewStatic(materials []domain.Material) *Static {
	byID := make(map[string]domain.Material, len(materials))
	for _, m := range materials {
		byID[m.ID] = m
	}
	return &Static{materials: byID}
}

// GetMaterial implements Catalog.
func (s *Static) GetMaterial(_ context.Context, materialID string) (domain.Material, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.materials[materialID]
	if !ok {
		return domain.Material{}, &domain.MaterialNotFoundError{MaterialID: materialID}
	}
	return m, nil
}

type materialFile struct {
	Materials []materialEntry `yaml:"materials"`
}

type materialEntry struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"displayName"`
	Unit        string `yaml:"unit"`
	BasePrice   string `yaml:"basePrice"`
	FreeText    bool   `yaml:"freeText"`
}

// LoadFile reads a YAML seed file into a Static catalog.
func LoadFile(path string) (*Static, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog seed: %w", err)
	}

	var file materialFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse catalog seed: %w", err)
	}

	materials := make([]domain.Material, 0, len(file.Materials))
	for i, entry := range file.Materials {
		id := strings.TrimSpace(entry.ID)
		if id == "" {
			return nil, fmt.Errorf("catalog seed entry %d: id is required", i)
		}
		price, err := decimal.NewFromString(strings.TrimSpace(entry.BasePrice))
		if err != nil {
			return nil, fmt.Errorf("catalog seed entry %q: invalid basePrice %q: %w", id, entry.BasePrice, err)
		}
		if price.IsNegative() {
			return nil, fmt.Errorf("catalog seed entry %q: basePrice must not be negative", id)
		}
		materials = append(materials, domain.Material{
			ID:          id,
			DisplayName: entry.DisplayName,
			Unit:        entry.Unit,
			BasePrice:   price,
			FreeText:    entry.FreeText,
		})
	}

	return NewStatic(materials), nil
}
