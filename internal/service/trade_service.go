// Package service implements the transaction lifecycle engine: idempotent
// creation, authorized status transitions, the receipt gate and bounded
// retries over transient ledger failures.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vmoraes/recimarket/backend/internal/domain"
	"github.com/vmoraes/recimarket/backend/internal/ledger"
	"github.com/vmoraes/recimarket/backend/internal/pricing"
	"github.com/vmoraes/recimarket/backend/internal/registry"
)

const (
	defaultCurrency      = "BRL"
	defaultRetryAttempts = 3
	defaultRetryBackoff  = 100 * time.Millisecond

	defaultPageSize = 50
	maxPageSize     = 200
)

// TradeService orchestrates the transaction lifecycle over a Ledger.
type TradeService struct {
	ledger   ledger.Ledger
	registry registry.Registry
	builder  *pricing.Builder
	logger   *slog.Logger

	currency      string
	retryAttempts int
	retryBackoff  time.Duration

	nowFn func() time.Time
	newID func() string
	sleep func(ctx context.Context, d time.Duration) error
}

// NewTradeService constructs a TradeService with production defaults.
func NewTradeService(led ledger.Ledger, reg registry.Registry, builder *pricing.Builder, logger *slog.Logger) *TradeService {
	return &TradeService{
		ledger:        led,
		registry:      reg,
		builder:       builder,
		logger:        logger,
		currency:      defaultCurrency,
		retryAttempts: defaultRetryAttempts,
		retryBackoff:  defaultRetryBackoff,
		nowFn:         time.Now,
		newID:         uuid.NewString,
		sleep:         sleepCtx,
	}
}

// WithClock overrides the time source, primarily for tests.
func (s *TradeService) WithClock(nowFn func() time.Time) *TradeService {
	s.nowFn = nowFn
	return s
}

// WithIDGenerator overrides transaction id generation, primarily for tests.
func (s *TradeService) WithIDGenerator(newID func() string) *TradeService {
	s.newID = newID
	return s
}

// WithCurrency overrides the currency code stamped onto new transactions.
func (s *TradeService) WithCurrency(code string) *TradeService {
	if code != "" {
		s.currency = code
	}
	return s
}

// WithRetry overrides the transient-failure retry policy.
func (s *TradeService) WithRetry(attempts int, backoff time.Duration) *TradeService {
	if attempts > 0 {
		s.retryAttempts = attempts
	}
	if backoff >= 0 {
		s.retryBackoff = backoff
	}
	return s
}

// CreateTransaction validates the draft, freezes party snapshots and priced
// lines, and persists a new pending_acceptance transaction. Replaying a
// RequestID returns the previously stored transaction unchanged.
func (s *TradeService) CreateTransaction(ctx context.Context, draft Draft) (domain.Transaction, error) {
	var verr domain.ValidationError
	initiatorID := strings.TrimSpace(draft.InitiatorID)
	receiverID := strings.TrimSpace(draft.ReceiverID)
	if initiatorID == "" {
		verr.Add("initiatorId", "is required")
	}
	if receiverID == "" {
		verr.Add("receiverId", "is required")
	}
	if initiatorID != "" && initiatorID == receiverID {
		verr.Add("receiverId", "must differ from initiatorId")
	}
	if err := verr.Err(); err != nil {
		return domain.Transaction{}, err
	}

	initiator, err := s.registry.GetParty(ctx, initiatorID)
	if err != nil {
		return domain.Transaction{}, err
	}
	receiver, err := s.registry.GetParty(ctx, receiverID)
	if err != nil {
		return domain.Transaction{}, err
	}

	origin := originFor(initiator)
	// Relationship pricing follows the buying side of the trade: the
	// initiator of a purchase, the receiver of a sale.
	buyer := receiver
	if origin == domain.OriginPurchase {
		buyer = initiator
	}

	lines, total, err := s.builder.BuildLines(ctx, buyer, draft.Entries)
	if err != nil {
		return domain.Transaction{}, err
	}

	now := s.nowFn().UTC()
	tx := domain.Transaction{
		ID:            s.newID(),
		RequestID:     strings.TrimSpace(draft.RequestID),
		Initiator:     initiator,
		Receiver:      receiver,
		Lines:         lines,
		TotalAmount:   total,
		Currency:      s.currency,
		Notes:         strings.TrimSpace(draft.Notes),
		Origin:        origin,
		Status:        domain.StatusPendingAcceptance,
		ReceiptStatus: domain.ReceiptNotAvailable,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	stored, err := s.createWithRetry(ctx, tx)
	if err != nil {
		s.logger.Error("transaction creation failed", "transactionId", tx.ID, "error", err)
		return domain.Transaction{}, err
	}
	if stored.ID != tx.ID {
		s.logger.Info("creation replay detected", "requestId", tx.RequestID, "transactionId", stored.ID)
		return stored, nil
	}

	s.logger.Info("transaction created",
		"transactionId", stored.ID,
		"origin", stored.Origin,
		"initiatorId", stored.Initiator.ID,
		"receiverId", stored.Receiver.ID,
		"totalAmount", stored.TotalAmount.StringFixed(2))
	return stored, nil
}

// Get returns a transaction by id.
func (s *TradeService) Get(ctx context.Context, id string) (domain.Transaction, error) {
	return s.getWithRetry(ctx, id)
}

// List returns transactions matching the filters, newest first.
func (s *TradeService) List(ctx context.Context, params ListParams) ([]domain.Transaction, error) {
	if params.Status != "" && !params.Status.Valid() {
		verr := &domain.ValidationError{}
		verr.Add("status", "unknown status value")
		return nil, verr
	}

	page := params.Page
	if page < 1 {
		page = 1
	}
	size := params.PageSize
	if size < 1 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}

	opts := ledger.ListOptions{
		PartyID: params.PartyID,
		Status:  params.Status,
		From:    params.From,
		To:      params.To,
		Limit:   size,
		Offset:  (page - 1) * size,
	}

	var txs []domain.Transaction
	err := s.withRetry(ctx, func() error {
		var lerr error
		txs, lerr = s.ledger.List(ctx, opts)
		return lerr
	})
	return txs, err
}

// Accept moves a pending transaction to accepted and unlocks its receipt.
// Only the receiving party may accept.
func (s *TradeService) Accept(ctx context.Context, id string, actor domain.Actor) (domain.Transaction, error) {
	return s.applyTransition(ctx, id, actor, domain.EventAccept, func(_ domain.Transaction, patch *ledger.StatusPatch) error {
		available := domain.ReceiptAvailable
		patch.ReceiptStatus = &available
		return nil
	})
}

// Reject terminally declines a pending transaction. Only the receiving
// party may reject.
func (s *TradeService) Reject(ctx context.Context, id string, actor domain.Actor) (domain.Transaction, error) {
	return s.applyTransition(ctx, id, actor, domain.EventReject, nil)
}

// OpenDispute moves a pending transaction to disputed. The reason is
// mandatory and only the receiving party may dispute.
func (s *TradeService) OpenDispute(ctx context.Context, id string, actor domain.Actor, reason string) (domain.Transaction, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		verr := &domain.ValidationError{}
		verr.Add("disputeReason", "is required")
		return domain.Transaction{}, verr
	}
	return s.applyTransition(ctx, id, actor, domain.EventOpenDispute, func(_ domain.Transaction, patch *ledger.StatusPatch) error {
		patch.DisputeReason = &reason
		return nil
	})
}

// ForceAccept resolves a dispute in favor of the initiator. Only an
// arbitrator may force acceptance; the receipt becomes available.
func (s *TradeService) ForceAccept(ctx context.Context, id string, actor domain.Actor) (domain.Transaction, error) {
	return s.applyTransition(ctx, id, actor, domain.EventForceAccept, func(_ domain.Transaction, patch *ledger.StatusPatch) error {
		available := domain.ReceiptAvailable
		patch.ReceiptStatus = &available
		forcedBy := actor.PartyID
		patch.ForcedBy = &forcedBy
		return nil
	})
}

// Cancel terminally abandons a disputed transaction. Either party or an
// arbitrator may cancel.
func (s *TradeService) Cancel(ctx context.Context, id string, actor domain.Actor) (domain.Transaction, error) {
	return s.applyTransition(ctx, id, actor, domain.EventCancel, nil)
}

// Complete settles an accepted transaction. Either party may confirm
// settlement.
func (s *TradeService) Complete(ctx context.Context, id string, actor domain.Actor) (domain.Transaction, error) {
	return s.applyTransition(ctx, id, actor, domain.EventComplete, nil)
}

// UpdateLines replaces the material lines of a transaction that is still
// pending acceptance. Only the initiator may edit, and the replacement goes
// through the same validation and pricing as creation.
func (s *TradeService) UpdateLines(ctx context.Context, id string, actor domain.Actor, entries []pricing.Entry) (domain.Transaction, error) {
	tx, err := s.getWithRetry(ctx, id)
	if err != nil {
		return domain.Transaction{}, err
	}

	if actor.IsArbitrator() || actor.PartyID != tx.Initiator.ID {
		return domain.Transaction{}, &domain.UnauthorizedActorError{ActorID: actor.PartyID, Event: eventEditLines}
	}
	if tx.Status != domain.StatusPendingAcceptance {
		return domain.Transaction{}, &domain.InvalidTransitionError{Current: tx.Status, Event: eventEditLines}
	}

	buyer := tx.Receiver
	if tx.Origin == domain.OriginPurchase {
		buyer = tx.Initiator
	}
	lines, total, err := s.builder.BuildLines(ctx, buyer, entries)
	if err != nil {
		return domain.Transaction{}, err
	}

	patch := ledger.StatusPatch{
		Lines:       lines,
		TotalAmount: &total,
		UpdatedAt:   s.nowFn().UTC(),
	}

	updated, err := s.casWithRetry(ctx, id, tx.Status, tx.Status, patch)
	if errors.Is(err, ledger.ErrStaleStatus) {
		fresh, ferr := s.getWithRetry(ctx, id)
		if ferr != nil {
			return domain.Transaction{}, ferr
		}
		return domain.Transaction{}, &domain.InvalidTransitionError{Current: fresh.Status, Event: eventEditLines}
	}
	if err != nil {
		s.logger.Error("line edit failed", "transactionId", id, "error", err)
		return domain.Transaction{}, err
	}

	s.logger.Info("transaction lines updated", "transactionId", id, "totalAmount", updated.TotalAmount.StringFixed(2))
	return updated, nil
}

// CanGenerateReceipt reports whether the receipt gate is open for the
// transaction.
func (s *TradeService) CanGenerateReceipt(ctx context.Context, id string) (bool, error) {
	tx, err := s.getWithRetry(ctx, id)
	if err != nil {
		return false, err
	}
	return tx.ReceiptStatus == domain.ReceiptAvailable, nil
}

// GenerateReceipt returns the receipt data for an accepted (or
// force-accepted, or completed) transaction, or ReceiptNotReadyError while
// the gate is closed.
func (s *TradeService) GenerateReceipt(ctx context.Context, id string) (Receipt, error) {
	tx, err := s.getWithRetry(ctx, id)
	if err != nil {
		return Receipt{}, err
	}
	if tx.ReceiptStatus != domain.ReceiptAvailable {
		return Receipt{}, &domain.ReceiptNotReadyError{TransactionID: tx.ID, Status: tx.Status}
	}

	return Receipt{
		TransactionID: tx.ID,
		IssuedAt:      s.nowFn().UTC(),
		Origin:        tx.Origin,
		Status:        tx.Status,
		Initiator:     tx.Initiator,
		Receiver:      tx.Receiver,
		Lines:         append([]domain.MaterialLine(nil), tx.Lines...),
		TotalAmount:   tx.TotalAmount,
		Currency:      tx.Currency,
	}, nil
}

// eventEditLines names the separately-authorized draft edit in errors. It is
// not part of the lifecycle transition table.
const eventEditLines domain.Event = "edit_lines"

// originFor derives the trade origin from the initiator's commercial role:
// companies buy material (purchase), collectors and cooperatives sell it.
func originFor(initiator domain.Party) domain.Origin {
	if initiator.Role == domain.RoleCompany {
		return domain.OriginPurchase
	}
	return domain.OriginSale
}

// applyTransition runs the shared transition pipeline: load, resolve the
// target status, authorize the actor, build the patch and compare-and-swap.
// A lost CAS race is re-read and reported as an InvalidTransitionError
// carrying the fresh status.
func (s *TradeService) applyTransition(ctx context.Context, id string, actor domain.Actor, event domain.Event, configure func(tx domain.Transaction, patch *ledger.StatusPatch) error) (domain.Transaction, error) {
	tx, err := s.getWithRetry(ctx, id)
	if err != nil {
		return domain.Transaction{}, err
	}

	next, err := domain.NextStatus(tx.Status, event)
	if err != nil {
		return domain.Transaction{}, err
	}
	if err := authorize(tx, actor, event); err != nil {
		return domain.Transaction{}, err
	}

	patch := ledger.StatusPatch{UpdatedAt: s.nowFn().UTC()}
	if configure != nil {
		if err := configure(tx, &patch); err != nil {
			return domain.Transaction{}, err
		}
	}

	updated, err := s.casWithRetry(ctx, id, tx.Status, next, patch)
	if errors.Is(err, ledger.ErrStaleStatus) {
		fresh, ferr := s.getWithRetry(ctx, id)
		if ferr != nil {
			return domain.Transaction{}, ferr
		}
		s.logger.Info("transition lost concurrent race",
			"transactionId", id, "event", event, "status", fresh.Status)
		return domain.Transaction{}, &domain.InvalidTransitionError{Current: fresh.Status, Event: event}
	}
	if err != nil {
		s.logger.Error("transition failed", "transactionId", id, "event", event, "error", err)
		return domain.Transaction{}, err
	}

	s.logger.Info("transaction transitioned",
		"transactionId", id, "event", event, "from", tx.Status, "to", updated.Status)
	return updated, nil
}

// authorize enforces the actor table: accept, reject and open_dispute belong
// to the receiving party; force_accept to arbitrators; cancel to either
// party or an arbitrator; complete to either party.
func authorize(tx domain.Transaction, actor domain.Actor, event domain.Event) error {
	denied := &domain.UnauthorizedActorError{ActorID: actor.PartyID, Event: event}

	switch event {
	case domain.EventAccept, domain.EventReject, domain.EventOpenDispute:
		if actor.IsArbitrator() || actor.PartyID != tx.Receiver.ID {
			return denied
		}
	case domain.EventForceAccept:
		if !actor.IsArbitrator() {
			return denied
		}
	case domain.EventCancel:
		if !actor.IsArbitrator() && !tx.PartyOf(actor.PartyID) {
			return denied
		}
	case domain.EventComplete:
		if actor.IsArbitrator() || !tx.PartyOf(actor.PartyID) {
			return denied
		}
	default:
		return denied
	}
	return nil
}

func (s *TradeService) createWithRetry(ctx context.Context, tx domain.Transaction) (domain.Transaction, error) {
	var stored domain.Transaction
	err := s.withRetry(ctx, func() error {
		var lerr error
		stored, lerr = s.ledger.Create(ctx, tx)
		return lerr
	})
	return stored, err
}

func (s *TradeService) getWithRetry(ctx context.Context, id string) (domain.Transaction, error) {
	var tx domain.Transaction
	err := s.withRetry(ctx, func() error {
		var lerr error
		tx, lerr = s.ledger.Get(ctx, id)
		return lerr
	})
	return tx, err
}

func (s *TradeService) casWithRetry(ctx context.Context, id string, expected, next domain.TransactionStatus, patch ledger.StatusPatch) (domain.Transaction, error) {
	var tx domain.Transaction
	err := s.withRetry(ctx, func() error {
		var lerr error
		tx, lerr = s.ledger.CompareAndSwapStatus(ctx, id, expected, next, patch)
		return lerr
	})
	return tx, err
}

// withRetry re-runs op over transient persistence failures with a fixed
// backoff. Permanent failures and domain errors surface immediately.
func (s *TradeService) withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 1; attempt <= s.retryAttempts; attempt++ {
		err = op()
		if err == nil || !domain.IsTransient(err) {
			return err
		}
		if attempt == s.retryAttempts {
			break
		}
		s.logger.Warn("transient ledger failure, retrying",
			"attempt", attempt, "maxAttempts", s.retryAttempts, "error", err)
		if serr := s.sleep(ctx, s.retryBackoff); serr != nil {
			return serr
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
