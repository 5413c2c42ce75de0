package domain

import "github.com/shopspring/decimal"

// Material describes a catalog entry for a tradeable recyclable.
type Material struct {
	ID          string
	DisplayName string
	Unit        string
	BasePrice   decimal.Decimal
	// FreeText marks the catch-all "other" category, which requires a
	// per-line description instead of relying on the display name.
	FreeText bool
}
