package pricing

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/vmoraes/recimarket/backend/internal/catalog"
	"github.com/vmoraes/recimarket/backend/internal/domain"
	"github.com/vmoraes/recimarket/backend/internal/registry"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testCatalog() *catalog.Static {
	return catalog.NewStatic([]domain.Material{
		{ID: "paper", DisplayName: "Paper", Unit: "kg", BasePrice: dec("0.50")},
		{ID: "aluminum", DisplayName: "Aluminum", Unit: "kg", BasePrice: dec("1.00")},
		{ID: "other", DisplayName: "Other", Unit: "kg", BasePrice: dec("0.10"), FreeText: true},
	})
}

func testRegistry() *registry.Static {
	return registry.NewStatic(
		[]domain.Party{
			{ID: "col-1", Name: "José", Role: domain.RoleIndividualCollector},
			{ID: "coop-buyer", Name: "Coop Recicla", Role: domain.RoleCooperative, IsLinked: true, LinkedEntityID: "coop1"},
			{ID: "coop-norate", Name: "Coop Nova", Role: domain.RoleCooperative, IsLinked: true, LinkedEntityID: "coop9"},
		},
		map[string]decimal.Decimal{"coop1": dec("0.10")},
	)
}

func TestResolver_UnitPrice_Unlinked(t *testing.T) {
	r := NewResolver(testCatalog(), testRegistry())

	price, err := r.UnitPrice(context.Background(), "paper", domain.Party{ID: "col-1", Role: domain.RoleIndividualCollector})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !price.Equal(dec("0.50")) {
		t.Errorf("expected base price 0.50, got %s", price)
	}
}

func TestResolver_UnitPrice_LinkedIncrement(t *testing.T) {
	r := NewResolver(testCatalog(), testRegistry())

	counterparty := domain.Party{ID: "coop-buyer", Role: domain.RoleCooperative, IsLinked: true, LinkedEntityID: "coop1"}
	price, err := r.UnitPrice(context.Background(), "aluminum", counterparty)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !price.Equal(dec("1.10")) {
		t.Errorf("expected incremented price 1.10, got %s", price)
	}
}

func TestResolver_UnitPrice_LinkedWithoutConfiguredRate(t *testing.T) {
	r := NewResolver(testCatalog(), testRegistry())

	counterparty := domain.Party{ID: "coop-norate", Role: domain.RoleCooperative, IsLinked: true, LinkedEntityID: "coop9"}
	price, err := r.UnitPrice(context.Background(), "aluminum", counterparty)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !price.Equal(dec("1.00")) {
		t.Errorf("expected base price when no rate is configured, got %s", price)
	}
}

func TestResolver_UnitPrice_UnknownMaterial(t *testing.T) {
	r := NewResolver(testCatalog(), testRegistry())

	_, err := r.UnitPrice(context.Background(), "plutonium", domain.Party{ID: "col-1"})
	var notFound *domain.MaterialNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected MaterialNotFoundError, got %v", err)
	}
	if notFound.MaterialID != "plutonium" {
		t.Errorf("expected error to carry material id, got %q", notFound.MaterialID)
	}
}

func TestBuilder_BuildLines_TotalsAndRounding(t *testing.T) {
	cat := testCatalog()
	b := NewBuilder(cat, NewResolver(cat, testRegistry()))

	lines, total, err := b.BuildLines(context.Background(), domain.Party{ID: "col-1"}, []Entry{
		{MaterialID: "paper", Quantity: dec("10"), UnitPrice: dec("0.5")},
		{MaterialID: "aluminum", Quantity: dec("3.333"), UnitPrice: dec("1.00")},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if !lines[0].Subtotal.Equal(dec("5.00")) {
		t.Errorf("expected first subtotal 5.00, got %s", lines[0].Subtotal)
	}
	// 3.333 * 1.00 = 3.333 rounds half-up to 3.33.
	if !lines[1].Subtotal.Equal(dec("3.33")) {
		t.Errorf("expected rounded subtotal 3.33, got %s", lines[1].Subtotal)
	}
	if !total.Equal(dec("8.33")) {
		t.Errorf("expected total 8.33, got %s", total)
	}
}

func TestBuilder_BuildLines_RoundHalfUp(t *testing.T) {
	cat := testCatalog()
	b := NewBuilder(cat, NewResolver(cat, testRegistry()))

	lines, _, err := b.BuildLines(context.Background(), domain.Party{ID: "col-1"}, []Entry{
		// 0.5 * 0.05 = 0.025 -> 0.03 with half-up rounding.
		{MaterialID: "paper", Quantity: dec("0.5"), UnitPrice: dec("0.05")},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !lines[0].Subtotal.Equal(dec("0.03")) {
		t.Errorf("expected half-up rounding to 0.03, got %s", lines[0].Subtotal)
	}
}

func TestBuilder_BuildLines_DefaultsPriceFromResolver(t *testing.T) {
	cat := testCatalog()
	b := NewBuilder(cat, NewResolver(cat, testRegistry()))

	counterparty := domain.Party{ID: "coop-buyer", Role: domain.RoleCooperative, IsLinked: true, LinkedEntityID: "coop1"}
	lines, total, err := b.BuildLines(context.Background(), counterparty, []Entry{
		{MaterialID: "aluminum", Quantity: dec("2")},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !lines[0].UnitPrice.Equal(dec("1.10")) {
		t.Errorf("expected suggested price 1.10, got %s", lines[0].UnitPrice)
	}
	if !total.Equal(dec("2.20")) {
		t.Errorf("expected total 2.20, got %s", total)
	}
}

func TestBuilder_BuildLines_ManualPriceOverrides(t *testing.T) {
	cat := testCatalog()
	b := NewBuilder(cat, NewResolver(cat, testRegistry()))

	counterparty := domain.Party{ID: "coop-buyer", IsLinked: true, LinkedEntityID: "coop1"}
	lines, _, err := b.BuildLines(context.Background(), counterparty, []Entry{
		{MaterialID: "aluminum", Quantity: dec("1"), UnitPrice: dec("0.90")},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !lines[0].UnitPrice.Equal(dec("0.90")) {
		t.Errorf("manual price must override the suggestion, got %s", lines[0].UnitPrice)
	}
}

func TestBuilder_BuildLines_ReportsEveryFailingField(t *testing.T) {
	cat := testCatalog()
	b := NewBuilder(cat, NewResolver(cat, testRegistry()))

	_, _, err := b.BuildLines(context.Background(), domain.Party{ID: "col-1"}, []Entry{
		{MaterialID: "paper", Quantity: dec("0"), UnitPrice: dec("0.5")},
		{MaterialID: "", Quantity: dec("1")},
		{MaterialID: "other", Quantity: dec("2"), UnitPrice: dec("0.10")},
	})

	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.Fields) != 3 {
		t.Fatalf("expected 3 field errors (quantity, materialId, description), got %d: %v", len(verr.Fields), verr.Fields)
	}
}

func TestBuilder_BuildLines_EmptyEntries(t *testing.T) {
	cat := testCatalog()
	b := NewBuilder(cat, NewResolver(cat, testRegistry()))

	_, _, err := b.BuildLines(context.Background(), domain.Party{ID: "col-1"}, nil)
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for empty entries, got %v", err)
	}
}
