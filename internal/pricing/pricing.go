// Package pricing resolves unit prices and builds validated material lines.
package pricing

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vmoraes/recimarket/backend/internal/catalog"
	"github.com/vmoraes/recimarket/backend/internal/domain"
	"github.com/vmoraes/recimarket/backend/internal/registry"
)

// Resolver computes the suggested unit price for a (material, counterparty)
// pair from catalog and registry snapshots. It is read-only and safe for
// concurrent use.
type Resolver struct {
	catalog  catalog.Catalog
	registry registry.Registry
}

// NewResolver constructs a Resolver.
func NewResolver(cat catalog.Catalog, reg registry.Registry) *Resolver {
	return &Resolver{catalog: cat, registry: reg}
}

// UnitPrice returns the material's base price, raised by the counterparty's
// standing-relationship increment when one applies. A manually entered line
// price always overrides this suggestion; callers only consult the resolver
// when a line's price is unset.
func (r *Resolver) UnitPrice(ctx context.Context, materialID string, counterparty domain.Party) (decimal.Decimal, error) {
	material, err := r.catalog.GetMaterial(ctx, materialID)
	if err != nil {
		return decimal.Zero, err
	}

	if !counterparty.IsLinked || counterparty.LinkedEntityID == "" {
		return material.BasePrice, nil
	}

	rate, err := r.registry.IncrementRate(ctx, counterparty.LinkedEntityID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("increment rate for %s: %w", counterparty.LinkedEntityID, err)
	}

	return material.BasePrice.Mul(decimal.NewFromInt(1).Add(rate)), nil
}
