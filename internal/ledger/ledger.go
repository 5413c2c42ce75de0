// Package ledger provides durable storage for trade transactions with
// compare-and-swap lifecycle semantics.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vmoraes/recimarket/backend/internal/domain"
)

var (
	// ErrNotFound indicates the transaction id is unknown to the ledger.
	ErrNotFound = errors.New("transaction not found")
	// ErrStaleStatus indicates the expected status no longer matches; the
	// caller lost a concurrent race and must re-read before retrying.
	ErrStaleStatus = errors.New("transaction status changed concurrently")
)

// ListOptions defines filters and pagination for transaction listing.
type ListOptions struct {
	PartyID string
	Status  domain.TransactionStatus
	From    *time.Time
	To      *time.Time
	Limit   int
	Offset  int
}

// StatusPatch carries the fields a lifecycle transition may mutate alongside
// the status itself. Nil pointers leave the stored value untouched.
type StatusPatch struct {
	ReceiptStatus *domain.ReceiptStatus
	DisputeReason *string
	ForcedBy      *string
	// Lines and TotalAmount are set only by the separately-authorized
	// draft edit, which re-freezes the priced lines.
	Lines       []domain.MaterialLine
	TotalAmount *decimal.Decimal
	UpdatedAt   time.Time
}

// Ledger is the storage contract of the transaction engine.
//
// Create is idempotent on the transaction's RequestID: replaying a creation
// request returns the stored record instead of producing a duplicate.
// CompareAndSwapStatus applies the patch only when the stored status equals
// expected, failing with ErrStaleStatus otherwise, so no two concurrent
// transitions can both succeed.
type Ledger interface {
	Create(ctx context.Context, tx domain.Transaction) (domain.Transaction, error)
	Get(ctx context.Context, id string) (domain.Transaction, error)
	CompareAndSwapStatus(ctx context.Context, id string, expected, next domain.TransactionStatus, patch StatusPatch) (domain.Transaction, error)
	List(ctx context.Context, opts ListOptions) ([]domain.Transaction, error)
}
