package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/vmoraes/recimarket/backend/internal/domain"
)

// Memory is an in-memory Ledger used for tests and local development. It
// enforces the same CAS and idempotency contract as the graph-backed ledger.
type Memory struct {
	mu        sync.Mutex
	byID      map[string]domain.Transaction
	byRequest map[string]string
}

// NewMemory constructs an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		byID:      make(map[string]domain.Transaction),
		byRequest: make(map[string]string),
	}
}

// Create implements Ledger. Replaying a request id returns the stored record.
func (m *Memory) Create(_ context.Context, tx domain.Transaction) (domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.RequestID != "" {
		if existingID, ok := m.byRequest[tx.RequestID]; ok {
			return m.byID[existingID].Clone(), nil
		}
	}

	m.byID[tx.ID] = tx.Clone()
	if tx.RequestID != "" {
		m.byRequest[tx.RequestID] = tx.ID
	}
	return tx.Clone(), nil
}

// Get implements Ledger.
func (m *Memory) Get(_ context.Context, id string) (domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.byID[id]
	if !ok {
		return domain.Transaction{}, ErrNotFound
	}
	return tx.Clone(), nil
}

// CompareAndSwapStatus implements Ledger.
func (m *Memory) CompareAndSwapStatus(_ context.Context, id string, expected, next domain.TransactionStatus, patch StatusPatch) (domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.byID[id]
	if !ok {
		return domain.Transaction{}, ErrNotFound
	}
	if tx.Status != expected {
		return domain.Transaction{}, ErrStaleStatus
	}

	tx.Status = next
	tx.UpdatedAt = patch.UpdatedAt
	if patch.ReceiptStatus != nil {
		tx.ReceiptStatus = *patch.ReceiptStatus
	}
	if patch.DisputeReason != nil {
		tx.DisputeReason = *patch.DisputeReason
	}
	if patch.ForcedBy != nil {
		tx.ForcedBy = *patch.ForcedBy
	}
	if patch.Lines != nil {
		tx.Lines = append([]domain.MaterialLine(nil), patch.Lines...)
	}
	if patch.TotalAmount != nil {
		tx.TotalAmount = *patch.TotalAmount
	}

	m.byID[id] = tx.Clone()
	return tx.Clone(), nil
}

// List implements Ledger, returning newest transactions first.
func (m *Memory) List(_ context.Context, opts ListOptions) ([]domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []domain.Transaction
	for _, tx := range m.byID {
		if opts.PartyID != "" && !tx.PartyOf(opts.PartyID) {
			continue
		}
		if opts.Status != "" && tx.Status != opts.Status {
			continue
		}
		if opts.From != nil && tx.CreatedAt.Before(*opts.From) {
			continue
		}
		if opts.To != nil && tx.CreatedAt.After(*opts.To) {
			continue
		}
		matched = append(matched, tx.Clone())
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]

	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}
