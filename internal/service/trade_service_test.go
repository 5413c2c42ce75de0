package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vmoraes/recimarket/backend/internal/catalog"
	"github.com/vmoraes/recimarket/backend/internal/domain"
	"github.com/vmoraes/recimarket/backend/internal/ledger"
	"github.com/vmoraes/recimarket/backend/internal/pricing"
	"github.com/vmoraes/recimarket/backend/internal/registry"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testClock() func() time.Time {
	return func() time.Time {
		return time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	}
}

func sequentialIDs(prefix string) func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s-%d", prefix, n.Add(1))
	}
}

func testParties() []domain.Party {
	return []domain.Party{
		{ID: "col-1", Name: "José", Role: domain.RoleIndividualCollector},
		{ID: "col-2", Name: "Maria", Role: domain.RoleIndividualCollector, IsLinked: true, LinkedEntityID: "coop-central"},
		{ID: "coop-1", Name: "Coop Central", Role: domain.RoleCooperative},
		{ID: "co-1", Name: "ReciPlast", Role: domain.RoleCompany, IsLinked: true, LinkedEntityID: "coop-central"},
		{ID: "co-2", Name: "EcoMetal", Role: domain.RoleCompany},
	}
}

func newTestService(led ledger.Ledger) *TradeService {
	cat := catalog.NewStatic([]domain.Material{
		{ID: "paper", DisplayName: "Paper", Unit: "kg", BasePrice: dec("0.50")},
		{ID: "aluminum", DisplayName: "Aluminum", Unit: "kg", BasePrice: dec("1.00")},
		{ID: "other", DisplayName: "Other", Unit: "kg", BasePrice: dec("0.10"), FreeText: true},
	})
	reg := registry.NewStatic(testParties(), map[string]decimal.Decimal{
		"coop-central": dec("0.10"),
	})
	builder := pricing.NewBuilder(cat, pricing.NewResolver(cat, reg))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return NewTradeService(led, reg, builder, logger).
		WithClock(testClock()).
		WithIDGenerator(sequentialIDs("tx")).
		WithRetry(3, 0)
}

func saleDraft(requestID string) Draft {
	return Draft{
		RequestID:   requestID,
		InitiatorID: "col-1",
		ReceiverID:  "co-2",
		Entries: []pricing.Entry{
			{MaterialID: "paper", Quantity: dec("10")},
			{MaterialID: "aluminum", Quantity: dec("2.5")},
		},
	}
}

func TestCreateTransaction(t *testing.T) {
	svc := newTestService(ledger.NewMemory())

	tx, err := svc.CreateTransaction(context.Background(), saleDraft("req-1"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if tx.Status != domain.StatusPendingAcceptance {
		t.Errorf("expected pending_acceptance, got %s", tx.Status)
	}
	if tx.ReceiptStatus != domain.ReceiptNotAvailable {
		t.Errorf("expected receipt not_available, got %s", tx.ReceiptStatus)
	}
	if tx.Origin != domain.OriginSale {
		t.Errorf("collector-initiated trade must be a sale, got %s", tx.Origin)
	}
	if !tx.TotalAmount.Equal(dec("7.50")) {
		t.Errorf("expected total 7.50, got %s", tx.TotalAmount)
	}
	if tx.Currency != "BRL" {
		t.Errorf("expected BRL, got %s", tx.Currency)
	}
	if tx.Initiator.Name != "José" || tx.Receiver.Name != "EcoMetal" {
		t.Errorf("party snapshots not frozen: %+v / %+v", tx.Initiator, tx.Receiver)
	}
}

func TestCreateTransaction_CompanyInitiatorIsPurchase(t *testing.T) {
	svc := newTestService(ledger.NewMemory())

	tx, err := svc.CreateTransaction(context.Background(), Draft{
		InitiatorID: "co-1",
		ReceiverID:  "col-1",
		Entries:     []pricing.Entry{{MaterialID: "paper", Quantity: dec("10")}},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if tx.Origin != domain.OriginPurchase {
		t.Errorf("company-initiated trade must be a purchase, got %s", tx.Origin)
	}
	// co-1 is the buyer and linked to coop-central at +10%.
	if !tx.Lines[0].UnitPrice.Equal(dec("0.55")) {
		t.Errorf("expected incremented unit price 0.55, got %s", tx.Lines[0].UnitPrice)
	}
}

func TestCreateTransaction_BuyerIncrementOnSale(t *testing.T) {
	svc := newTestService(ledger.NewMemory())

	// col-1 sells to co-1; the receiver is the buying side, so its
	// standing relationship drives the increment.
	tx, err := svc.CreateTransaction(context.Background(), Draft{
		InitiatorID: "col-1",
		ReceiverID:  "co-1",
		Entries:     []pricing.Entry{{MaterialID: "aluminum", Quantity: dec("4")}},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !tx.Lines[0].UnitPrice.Equal(dec("1.1")) {
		t.Errorf("expected buyer increment 1.10, got %s", tx.Lines[0].UnitPrice)
	}
	if !tx.TotalAmount.Equal(dec("4.40")) {
		t.Errorf("expected total 4.40, got %s", tx.TotalAmount)
	}
}

func TestCreateTransaction_ValidationAndLookupFailures(t *testing.T) {
	svc := newTestService(ledger.NewMemory())
	ctx := context.Background()

	_, err := svc.CreateTransaction(ctx, Draft{InitiatorID: "col-1", ReceiverID: "col-1"})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for self-trade, got %v", err)
	}

	_, err = svc.CreateTransaction(ctx, Draft{
		InitiatorID: "ghost",
		ReceiverID:  "co-2",
		Entries:     []pricing.Entry{{MaterialID: "paper", Quantity: dec("1")}},
	})
	var perr *domain.PartyNotFoundError
	if !errors.As(err, &perr) || perr.PartyID != "ghost" {
		t.Fatalf("expected PartyNotFoundError for ghost, got %v", err)
	}

	_, err = svc.CreateTransaction(ctx, Draft{
		InitiatorID: "col-1",
		ReceiverID:  "co-2",
		Entries:     []pricing.Entry{{MaterialID: "plutonium", Quantity: dec("1")}},
	})
	var merr *domain.MaterialNotFoundError
	if !errors.As(err, &merr) {
		t.Fatalf("expected MaterialNotFoundError, got %v", err)
	}
}

func TestCreateTransaction_IdempotentOnRequestID(t *testing.T) {
	svc := newTestService(ledger.NewMemory())
	ctx := context.Background()

	first, err := svc.CreateTransaction(ctx, saleDraft("req-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := svc.CreateTransaction(ctx, saleDraft("req-1"))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("replay must return the stored transaction, got %s want %s", second.ID, first.ID)
	}

	third, err := svc.CreateTransaction(ctx, saleDraft("req-2"))
	if err != nil {
		t.Fatalf("fresh request: %v", err)
	}
	if third.ID == first.ID {
		t.Errorf("distinct request ids must create distinct transactions")
	}
}

func TestAccept(t *testing.T) {
	svc := newTestService(ledger.NewMemory())
	ctx := context.Background()

	tx, err := svc.CreateTransaction(ctx, saleDraft("req-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	receiver := domain.Actor{PartyID: "co-2", Role: domain.ActorParty}
	accepted, err := svc.Accept(ctx, tx.ID, receiver)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Status != domain.StatusAccepted {
		t.Errorf("expected accepted, got %s", accepted.Status)
	}
	if accepted.ReceiptStatus != domain.ReceiptAvailable {
		t.Errorf("acceptance must unlock the receipt, got %s", accepted.ReceiptStatus)
	}

	// A reject after acceptance is off the transition graph and must not
	// change stored state.
	_, err = svc.Reject(ctx, tx.ID, receiver)
	var terr *domain.InvalidTransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if terr.Current != domain.StatusAccepted {
		t.Errorf("error must carry current status accepted, got %s", terr.Current)
	}
	current, _ := svc.Get(ctx, tx.ID)
	if current.Status != domain.StatusAccepted {
		t.Errorf("failed transition must leave status untouched, got %s", current.Status)
	}
}

func TestConcurrentConflictingTransitions(t *testing.T) {
	svc := newTestService(ledger.NewMemory())
	ctx := context.Background()
	receiver := domain.Actor{PartyID: "co-2", Role: domain.ActorParty}

	tx, err := svc.CreateTransaction(ctx, saleDraft("req-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// An accept and a reject race for the same pending transaction.
	// Exactly one must win; the loser gets an InvalidTransitionError
	// carrying the status the winner produced.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, call := range []func() (domain.Transaction, error){
		func() (domain.Transaction, error) { return svc.Accept(ctx, tx.ID, receiver) },
		func() (domain.Transaction, error) { return svc.Reject(ctx, tx.ID, receiver) },
	} {
		wg.Add(1)
		go func(idx int, fn func() (domain.Transaction, error)) {
			defer wg.Done()
			_, errs[idx] = fn()
		}(i, call)
	}
	wg.Wait()

	final, err := svc.Get(ctx, tx.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != domain.StatusAccepted && final.Status != domain.StatusRejected {
		t.Fatalf("expected a settled status, got %s", final.Status)
	}

	var wins int
	for _, callErr := range errs {
		if callErr == nil {
			wins++
			continue
		}
		var terr *domain.InvalidTransitionError
		if !errors.As(callErr, &terr) {
			t.Fatalf("loser must fail with InvalidTransitionError, got %v", callErr)
		}
		if terr.Current != final.Status {
			t.Errorf("loser's error must carry the winner's status %s, got %s", final.Status, terr.Current)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winning transition, got %d", wins)
	}
}

func TestTransitionAuthorization(t *testing.T) {
	svc := newTestService(ledger.NewMemory())
	ctx := context.Background()

	tx, err := svc.CreateTransaction(ctx, saleDraft("req-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	initiator := domain.Actor{PartyID: "col-1", Role: domain.ActorParty}
	stranger := domain.Actor{PartyID: "col-2", Role: domain.ActorParty}
	arbitrator := domain.Actor{PartyID: "arb-1", Role: domain.ActorArbitrator}

	cases := []struct {
		name string
		call func() error
	}{
		{"initiator cannot accept", func() error { _, err := svc.Accept(ctx, tx.ID, initiator); return err }},
		{"stranger cannot accept", func() error { _, err := svc.Accept(ctx, tx.ID, stranger); return err }},
		{"arbitrator cannot accept", func() error { _, err := svc.Accept(ctx, tx.ID, arbitrator); return err }},
		{"initiator cannot reject", func() error { _, err := svc.Reject(ctx, tx.ID, initiator); return err }},
		{"initiator cannot dispute", func() error { _, err := svc.OpenDispute(ctx, tx.ID, initiator, "short weight"); return err }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.call()
			var uerr *domain.UnauthorizedActorError
			if !errors.As(err, &uerr) {
				t.Fatalf("expected UnauthorizedActorError, got %v", err)
			}
		})
	}

	current, _ := svc.Get(ctx, tx.ID)
	if current.Status != domain.StatusPendingAcceptance {
		t.Errorf("denied transitions must not change status, got %s", current.Status)
	}
}

func TestOpenDispute(t *testing.T) {
	svc := newTestService(ledger.NewMemory())
	ctx := context.Background()

	tx, err := svc.CreateTransaction(ctx, saleDraft("req-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	receiver := domain.Actor{PartyID: "co-2", Role: domain.ActorParty}

	_, err = svc.OpenDispute(ctx, tx.ID, receiver, "   ")
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("blank reason must fail validation, got %v", err)
	}
	current, _ := svc.Get(ctx, tx.ID)
	if current.Status != domain.StatusPendingAcceptance {
		t.Errorf("failed dispute must leave status untouched, got %s", current.Status)
	}

	disputed, err := svc.OpenDispute(ctx, tx.ID, receiver, "short weight on delivery")
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if disputed.Status != domain.StatusDisputed {
		t.Errorf("expected disputed, got %s", disputed.Status)
	}
	if disputed.DisputeReason != "short weight on delivery" {
		t.Errorf("expected reason recorded, got %q", disputed.DisputeReason)
	}
	if disputed.ReceiptStatus != domain.ReceiptNotAvailable {
		t.Errorf("dispute must not unlock the receipt")
	}
}

func TestForceAcceptAndCancel(t *testing.T) {
	svc := newTestService(ledger.NewMemory())
	ctx := context.Background()
	receiver := domain.Actor{PartyID: "co-2", Role: domain.ActorParty}
	arbitrator := domain.Actor{PartyID: "arb-1", Role: domain.ActorArbitrator}

	tx, err := svc.CreateTransaction(ctx, saleDraft("req-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.OpenDispute(ctx, tx.ID, receiver, "contested weights"); err != nil {
		t.Fatalf("dispute: %v", err)
	}

	if _, err := svc.ForceAccept(ctx, tx.ID, receiver); err == nil {
		t.Fatal("non-arbitrator must not force-accept")
	}

	forced, err := svc.ForceAccept(ctx, tx.ID, arbitrator)
	if err != nil {
		t.Fatalf("force accept: %v", err)
	}
	if forced.Status != domain.StatusForcedAccepted {
		t.Errorf("expected forced_accepted, got %s", forced.Status)
	}
	if forced.ForcedBy != "arb-1" {
		t.Errorf("expected arbitrator recorded, got %q", forced.ForcedBy)
	}
	if forced.ReceiptStatus != domain.ReceiptAvailable {
		t.Errorf("forced acceptance must unlock the receipt")
	}

	// Cancellation path on a second dispute.
	tx2, err := svc.CreateTransaction(ctx, saleDraft("req-2"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.OpenDispute(ctx, tx2.ID, receiver, "damaged bales"); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	cancelled, err := svc.Cancel(ctx, tx2.ID, domain.Actor{PartyID: "col-1", Role: domain.ActorParty})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.StatusCancelled {
		t.Errorf("expected cancelled, got %s", cancelled.Status)
	}
}

func TestComplete(t *testing.T) {
	svc := newTestService(ledger.NewMemory())
	ctx := context.Background()
	receiver := domain.Actor{PartyID: "co-2", Role: domain.ActorParty}

	tx, err := svc.CreateTransaction(ctx, saleDraft("req-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Complete(ctx, tx.ID, receiver); err == nil {
		t.Fatal("completing a pending transaction must fail")
	}

	if _, err := svc.Accept(ctx, tx.ID, receiver); err != nil {
		t.Fatalf("accept: %v", err)
	}
	completed, err := svc.Complete(ctx, tx.ID, domain.Actor{PartyID: "col-1", Role: domain.ActorParty})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.Status != domain.StatusCompleted {
		t.Errorf("expected completed, got %s", completed.Status)
	}
	if completed.ReceiptStatus != domain.ReceiptAvailable {
		t.Errorf("completion must keep the receipt available")
	}
}

func TestReceiptGate(t *testing.T) {
	svc := newTestService(ledger.NewMemory())
	ctx := context.Background()
	receiver := domain.Actor{PartyID: "co-2", Role: domain.ActorParty}

	tx, err := svc.CreateTransaction(ctx, saleDraft("req-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ready, err := svc.CanGenerateReceipt(ctx, tx.ID)
	if err != nil || ready {
		t.Fatalf("pending receipt gate must be closed, got ready=%v err=%v", ready, err)
	}

	_, err = svc.GenerateReceipt(ctx, tx.ID)
	var rerr *domain.ReceiptNotReadyError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected ReceiptNotReadyError, got %v", err)
	}
	if rerr.Status != domain.StatusPendingAcceptance {
		t.Errorf("error must carry current status, got %s", rerr.Status)
	}

	if _, err := svc.Accept(ctx, tx.ID, receiver); err != nil {
		t.Fatalf("accept: %v", err)
	}

	receipt, err := svc.GenerateReceipt(ctx, tx.ID)
	if err != nil {
		t.Fatalf("receipt after accept: %v", err)
	}
	if receipt.TransactionID != tx.ID || len(receipt.Lines) != 2 {
		t.Errorf("receipt must carry the frozen lines, got %+v", receipt)
	}
	if !receipt.TotalAmount.Equal(dec("7.50")) {
		t.Errorf("expected receipt total 7.50, got %s", receipt.TotalAmount)
	}
}

func TestUpdateLines(t *testing.T) {
	svc := newTestService(ledger.NewMemory())
	ctx := context.Background()
	initiator := domain.Actor{PartyID: "col-1", Role: domain.ActorParty}
	receiver := domain.Actor{PartyID: "co-2", Role: domain.ActorParty}

	tx, err := svc.CreateTransaction(ctx, saleDraft("req-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = svc.UpdateLines(ctx, tx.ID, receiver, []pricing.Entry{{MaterialID: "paper", Quantity: dec("1")}})
	var uerr *domain.UnauthorizedActorError
	if !errors.As(err, &uerr) {
		t.Fatalf("only the initiator may edit, got %v", err)
	}

	updated, err := svc.UpdateLines(ctx, tx.ID, initiator, []pricing.Entry{{MaterialID: "paper", Quantity: dec("20")}})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if len(updated.Lines) != 1 || !updated.TotalAmount.Equal(dec("10.00")) {
		t.Errorf("expected re-priced total 10.00, got %s (%d lines)", updated.TotalAmount, len(updated.Lines))
	}

	if _, err := svc.Accept(ctx, tx.ID, receiver); err != nil {
		t.Fatalf("accept: %v", err)
	}
	_, err = svc.UpdateLines(ctx, tx.ID, initiator, []pricing.Entry{{MaterialID: "paper", Quantity: dec("5")}})
	var terr *domain.InvalidTransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("editing an accepted transaction must fail, got %v", err)
	}
}

func TestList(t *testing.T) {
	svc := newTestService(ledger.NewMemory())
	ctx := context.Background()

	if _, err := svc.CreateTransaction(ctx, saleDraft("req-1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.CreateTransaction(ctx, Draft{
		RequestID:   "req-2",
		InitiatorID: "col-2",
		ReceiverID:  "co-1",
		Entries:     []pricing.Entry{{MaterialID: "paper", Quantity: dec("3")}},
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	all, err := svc.List(ctx, ListParams{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(all))
	}

	byParty, err := svc.List(ctx, ListParams{PartyID: "co-1"})
	if err != nil {
		t.Fatalf("list by party: %v", err)
	}
	if len(byParty) != 1 {
		t.Errorf("expected 1 transaction for co-1, got %d", len(byParty))
	}

	_, err = svc.List(ctx, ListParams{Status: "sideways"})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("unknown status filter must fail validation, got %v", err)
	}
}

// flakyLedger fails the first failures calls to each method with the given
// error, then delegates.
type flakyLedger struct {
	ledger.Ledger
	failures int
	err      error
	calls    int
}

func (f *flakyLedger) Get(ctx context.Context, id string) (domain.Transaction, error) {
	f.calls++
	if f.calls <= f.failures {
		return domain.Transaction{}, f.err
	}
	return f.Ledger.Get(ctx, id)
}

func TestRetryOnTransientFailures(t *testing.T) {
	mem := ledger.NewMemory()
	svc := newTestService(mem)
	ctx := context.Background()

	tx, err := svc.CreateTransaction(ctx, saleDraft("req-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	transient := &domain.PersistenceError{Op: "get", Transient: true, Err: errors.New("connection reset")}
	flaky := &flakyLedger{Ledger: mem, failures: 2, err: transient}
	svc.ledger = flaky

	got, err := svc.Get(ctx, tx.ID)
	if err != nil {
		t.Fatalf("expected retries to recover, got %v", err)
	}
	if got.ID != tx.ID {
		t.Errorf("expected transaction %s, got %s", tx.ID, got.ID)
	}
	if flaky.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", flaky.calls)
	}
}

func TestNoRetryOnPermanentFailures(t *testing.T) {
	mem := ledger.NewMemory()
	svc := newTestService(mem)

	permanent := &domain.PersistenceError{Op: "get", Err: errors.New("syntax error")}
	flaky := &flakyLedger{Ledger: mem, failures: 10, err: permanent}
	svc.ledger = flaky

	_, err := svc.Get(context.Background(), "tx-1")
	if !errors.Is(err, permanent) {
		t.Fatalf("expected the permanent failure, got %v", err)
	}
	if flaky.calls != 1 {
		t.Errorf("permanent failures must not be retried, got %d attempts", flaky.calls)
	}
}
