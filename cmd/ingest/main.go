// Command ingest bulk-loads historical transactions from a JSON file into
// the ledger, pricing and validating each record as live creation would.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/vmoraes/recimarket/backend/internal/catalog"
	"github.com/vmoraes/recimarket/backend/internal/config"
	"github.com/vmoraes/recimarket/backend/internal/domain"
	"github.com/vmoraes/recimarket/backend/internal/graph"
	"github.com/vmoraes/recimarket/backend/internal/ledger"
	"github.com/vmoraes/recimarket/backend/internal/logging"
	"github.com/vmoraes/recimarket/backend/internal/pricing"
	"github.com/vmoraes/recimarket/backend/internal/registry"
	"github.com/vmoraes/recimarket/backend/internal/service"
)

type recordFile struct {
	Transactions []recordEntry `json:"transactions"`
}

type recordEntry struct {
	RequestID     string      `json:"requestId"`
	InitiatorID   string      `json:"initiatorId"`
	ReceiverID    string      `json:"receiverId"`
	Notes         string      `json:"notes"`
	Status        string      `json:"status"`
	DisputeReason string      `json:"disputeReason"`
	ForcedBy      string      `json:"forcedBy"`
	CreatedAt     string      `json:"createdAt"`
	Lines         []lineEntry `json:"lines"`
}

type lineEntry struct {
	MaterialID  string `json:"materialId"`
	Description string `json:"description"`
	Quantity    string `json:"quantity"`
	UnitPrice   string `json:"unitPrice"`
}

func main() {
	var (
		input   = flag.String("input", "data/transactions.json", "JSON file with historical transactions")
		workers = flag.Int("workers", 4, "number of concurrent import workers")
		timeout = flag.Duration("timeout", 5*time.Minute, "overall import deadline")
	)
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Logging)

	records, err := loadRecords(*input)
	if err != nil {
		logger.Error("failed to load input file", "path", *input, "error", err)
		os.Exit(1)
	}
	if len(records) == 0 {
		logger.Info("nothing to import", "path", *input)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	cat, err := catalog.LoadFile(cfg.Engine.CatalogPath)
	if err != nil {
		logger.Error("failed to load material catalog", "path", cfg.Engine.CatalogPath, "error", err)
		os.Exit(1)
	}
	reg, err := registry.LoadFile(cfg.Engine.RegistryPath)
	if err != nil {
		logger.Error("failed to load party registry", "path", cfg.Engine.RegistryPath, "error", err)
		os.Exit(1)
	}

	if cfg.Graph.URI == "" {
		logger.Error("GRAPH_URI is required for imports; an in-memory ledger would discard them")
		os.Exit(1)
	}
	client, err := graph.NewNeo4jClient(ctx, graph.Options{
		URI:            cfg.Graph.URI,
		Database:       cfg.Graph.Database,
		Username:       cfg.Graph.Username,
		Password:       cfg.Graph.Password,
		MaxConnections: cfg.Graph.MaxConnections,
	})
	if err != nil {
		logger.Error("failed to create graph client", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := client.Close(context.Background()); err != nil {
			logger.Warn("closing graph client failed", "error", err)
		}
	}()

	builder := pricing.NewBuilder(cat, pricing.NewResolver(cat, reg))
	svc := service.NewTradeService(ledger.NewGraph(client), reg, builder, logger).
		WithCurrency(cfg.Engine.Currency).
		WithRetry(cfg.Engine.RetryAttempts, cfg.Engine.RetryBackoff)

	err = service.NewBulkImporter(svc, *workers).ImportTransactions(ctx, records)
	var ierr *service.ImportError
	switch {
	case err == nil:
		logger.Info("import completed", "records", len(records))
	case errors.As(err, &ierr):
		logger.Error("import completed with failures",
			"records", len(records), "failed", len(ierr.Errors))
		for _, recErr := range ierr.Errors {
			logger.Error("record import failed", "error", recErr)
		}
		os.Exit(1)
	default:
		logger.Error("import aborted", "error", err)
		os.Exit(1)
	}
}

func loadRecords(path string) ([]service.ImportRecord, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file recordFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	records := make([]service.ImportRecord, 0, len(file.Transactions))
	for i, entry := range file.Transactions {
		rec, err := entry.toImportRecord()
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (e recordEntry) toImportRecord() (service.ImportRecord, error) {
	entries := make([]pricing.Entry, 0, len(e.Lines))
	for _, line := range e.Lines {
		quantity, err := decimal.NewFromString(line.Quantity)
		if err != nil {
			return service.ImportRecord{}, fmt.Errorf("invalid quantity %q: %w", line.Quantity, err)
		}
		unitPrice := decimal.Zero
		if line.UnitPrice != "" {
			unitPrice, err = decimal.NewFromString(line.UnitPrice)
			if err != nil {
				return service.ImportRecord{}, fmt.Errorf("invalid unitPrice %q: %w", line.UnitPrice, err)
			}
		}
		entries = append(entries, pricing.Entry{
			MaterialID:  line.MaterialID,
			Description: line.Description,
			Quantity:    quantity,
			UnitPrice:   unitPrice,
		})
	}

	var createdAt time.Time
	if e.CreatedAt != "" {
		ts, err := time.Parse(time.RFC3339, e.CreatedAt)
		if err != nil {
			return service.ImportRecord{}, fmt.Errorf("invalid createdAt %q: %w", e.CreatedAt, err)
		}
		createdAt = ts
	}

	return service.ImportRecord{
		RequestID:     e.RequestID,
		InitiatorID:   e.InitiatorID,
		ReceiverID:    e.ReceiverID,
		Entries:       entries,
		Notes:         e.Notes,
		Status:        domain.TransactionStatus(e.Status),
		DisputeReason: e.DisputeReason,
		ForcedBy:      e.ForcedBy,
		CreatedAt:     createdAt,
	}, nil
}
