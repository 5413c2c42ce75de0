package pricing

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/vmoraes/recimarket/backend/internal/catalog"
	"github.com/vmoraes/recimarket/backend/internal/domain"
)

// Entry is a single material row as supplied by the caller. UnitPrice may be
// left zero to request the suggested price from the resolver.
type Entry struct {
	MaterialID  string
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
}

// Builder validates entries and aggregates them into priced lines.
type Builder struct {
	catalog  catalog.Catalog
	resolver *Resolver
}

// NewBuilder constructs a Builder.
func NewBuilder(cat catalog.Catalog, resolver *Resolver) *Builder {
	return &Builder{catalog: cat, resolver: resolver}
}

// BuildLines validates every entry, defaults unset unit prices via the
// resolver, and returns the priced lines together with the transaction total.
// Validation reports every failing field in one ValidationError; an unknown
// material surfaces as MaterialNotFoundError instead.
//
// Each subtotal is quantity x unitPrice rounded half-up to 2 decimals. The
// total is the exact sum of subtotals, never a recomputation from aggregated
// quantities, so rounding error cannot compound.
func (b *Builder) BuildLines(ctx context.Context, counterparty domain.Party, entries []Entry) ([]domain.MaterialLine, decimal.Decimal, error) {
	var verr domain.ValidationError

	if len(entries) == 0 {
		verr.Add("lines", "at least one material line is required")
		return nil, decimal.Zero, verr.Err()
	}

	lines := make([]domain.MaterialLine, 0, len(entries))
	total := decimal.Zero

	for i, entry := range entries {
		field := func(name string) string { return fmt.Sprintf("lines[%d].%s", i, name) }

		materialID := strings.TrimSpace(entry.MaterialID)
		if materialID == "" {
			verr.Add(field("materialId"), "is required")
			continue
		}

		material, err := b.catalog.GetMaterial(ctx, materialID)
		if err != nil {
			return nil, decimal.Zero, err
		}

		if material.FreeText && strings.TrimSpace(entry.Description) == "" {
			verr.Add(field("description"), "is required for free-text materials")
		}

		if !entry.Quantity.IsPositive() {
			verr.Add(field("quantity"), "must be greater than zero")
		}

		unitPrice := entry.UnitPrice
		if unitPrice.IsZero() {
			unitPrice, err = b.resolver.UnitPrice(ctx, materialID, counterparty)
			if err != nil {
				return nil, decimal.Zero, err
			}
		}
		if !unitPrice.IsPositive() {
			verr.Add(field("unitPrice"), "must be greater than zero")
		}

		if len(verr.Fields) > 0 {
			continue
		}

		subtotal := entry.Quantity.Mul(unitPrice).Round(2)
		lines = append(lines, domain.MaterialLine{
			MaterialID:  materialID,
			Description: strings.TrimSpace(entry.Description),
			Quantity:    entry.Quantity,
			Unit:        material.Unit,
			UnitPrice:   unitPrice,
			Subtotal:    subtotal,
		})
		total = total.Add(subtotal)
	}

	if err := verr.Err(); err != nil {
		return nil, decimal.Zero, err
	}

	return lines, total, nil
}
