package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vmoraes/recimarket/backend/internal/domain"
	"github.com/vmoraes/recimarket/backend/internal/pricing"
)

// ImportRecord is one historical transaction in a bulk import file. Status
// may name any lifecycle state; the receipt gate is derived from it.
type ImportRecord struct {
	RequestID     string
	InitiatorID   string
	ReceiverID    string
	Entries       []pricing.Entry
	Notes         string
	Status        domain.TransactionStatus
	DisputeReason string
	ForcedBy      string
	CreatedAt     time.Time
}

// ImportError accumulates every failing record of a bulk import run.
type ImportError struct {
	Errors []error
}

func (e *ImportError) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	msg := "multiple errors:"
	for _, err := range e.Errors {
		msg += " " + err.Error() + ";"
	}
	return msg
}

func (e *ImportError) append(err error) {
	if err == nil {
		return
	}
	e.Errors = append(e.Errors, err)
}

func (e *ImportError) asError() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e
}

// ImportTransaction persists one historical record directly in its final
// state, bypassing the lifecycle. Party snapshots and priced lines are built
// exactly as for live creation.
func (s *TradeService) ImportTransaction(ctx context.Context, rec ImportRecord) (domain.Transaction, error) {
	if !rec.Status.Valid() {
		verr := &domain.ValidationError{}
		verr.Add("status", fmt.Sprintf("unknown status %q", rec.Status))
		return domain.Transaction{}, verr
	}

	// Dispute metadata must be consistent with the record's state, the
	// same way the lifecycle would have produced it.
	reason := strings.TrimSpace(rec.DisputeReason)
	forcedBy := strings.TrimSpace(rec.ForcedBy)
	var verr domain.ValidationError
	if rec.Status == domain.StatusDisputed && reason == "" {
		verr.Add("disputeReason", "is required for disputed records")
	}
	if reason != "" && !reachedThroughDispute(rec.Status) {
		verr.Add("disputeReason", fmt.Sprintf("not allowed for %s records", rec.Status))
	}
	if rec.Status == domain.StatusForcedAccepted && forcedBy == "" {
		verr.Add("forcedBy", "is required for forced_accepted records")
	}
	if forcedBy != "" && rec.Status != domain.StatusForcedAccepted {
		verr.Add("forcedBy", "is only allowed for forced_accepted records")
	}
	if err := verr.Err(); err != nil {
		return domain.Transaction{}, err
	}

	initiator, err := s.registry.GetParty(ctx, strings.TrimSpace(rec.InitiatorID))
	if err != nil {
		return domain.Transaction{}, err
	}
	receiver, err := s.registry.GetParty(ctx, strings.TrimSpace(rec.ReceiverID))
	if err != nil {
		return domain.Transaction{}, err
	}

	origin := originFor(initiator)
	buyer := receiver
	if origin == domain.OriginPurchase {
		buyer = initiator
	}

	lines, total, err := s.builder.BuildLines(ctx, buyer, rec.Entries)
	if err != nil {
		return domain.Transaction{}, err
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.nowFn()
	}
	createdAt = createdAt.UTC()

	tx := domain.Transaction{
		ID:            s.newID(),
		RequestID:     strings.TrimSpace(rec.RequestID),
		Initiator:     initiator,
		Receiver:      receiver,
		Lines:         lines,
		TotalAmount:   total,
		Currency:      s.currency,
		Notes:         strings.TrimSpace(rec.Notes),
		Origin:        origin,
		Status:        rec.Status,
		ReceiptStatus: receiptStatusFor(rec.Status),
		DisputeReason: reason,
		ForcedBy:      forcedBy,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}

	return s.createWithRetry(ctx, tx)
}

// reachedThroughDispute reports whether the status is reachable only via
// open_dispute, which is where a dispute reason gets recorded and carried.
func reachedThroughDispute(status domain.TransactionStatus) bool {
	switch status {
	case domain.StatusDisputed, domain.StatusForcedAccepted, domain.StatusCancelled:
		return true
	}
	return false
}

// receiptStatusFor mirrors the gate the lifecycle maintains: any state
// reached through acceptance has an available receipt.
func receiptStatusFor(status domain.TransactionStatus) domain.ReceiptStatus {
	switch status {
	case domain.StatusAccepted, domain.StatusForcedAccepted, domain.StatusCompleted:
		return domain.ReceiptAvailable
	}
	return domain.ReceiptNotAvailable
}

// BulkImporter loads historical transaction datasets using a worker pool.
type BulkImporter struct {
	service *TradeService
	workers int
}

// NewBulkImporter creates a BulkImporter with the provided concurrency.
func NewBulkImporter(service *TradeService, workers int) *BulkImporter {
	if workers <= 0 {
		workers = 4
	}
	return &BulkImporter{
		service: service,
		workers: workers,
	}
}

// ImportTransactions processes the records concurrently. Failing records are
// aggregated into one ImportError; the remaining records still import.
func (bi *BulkImporter) ImportTransactions(ctx context.Context, records []ImportRecord) error {
	return bi.run(ctx, len(records), func(idx int) error {
		if _, err := bi.service.ImportTransaction(ctx, records[idx]); err != nil {
			return fmt.Errorf("record %d: %w", idx, err)
		}
		return nil
	})
}

func (bi *BulkImporter) run(ctx context.Context, total int, workerFn func(idx int) error) error {
	if total == 0 {
		return nil
	}
	indexCh := make(chan int)
	errCh := make(chan error, total)
	var wg sync.WaitGroup

	worker := func() {
		defer wg.Done()
		for idx := range indexCh {
			if err := workerFn(idx); err != nil {
				select {
				case errCh <- err:
				case <-ctx.Done():
					return
				}
			}
		}
	}

	for i := 0; i < bi.workers; i++ {
		wg.Add(1)
		go worker()
	}

Loop:
	for i := 0; i < total; i++ {
		select {
		case indexCh <- i:
		case <-ctx.Done():
			break Loop
		}
	}
	close(indexCh)
	wg.Wait()
	close(errCh)

	var importErr ImportError
	for err := range errCh {
		if err == nil {
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		importErr.append(err)
	}
	return importErr.asError()
}
