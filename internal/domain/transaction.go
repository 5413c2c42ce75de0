package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatus enumerates the lifecycle states of a trade.
type TransactionStatus string

const (
	StatusPendingAcceptance TransactionStatus = "pending_acceptance"
	StatusAccepted          TransactionStatus = "accepted"
	StatusRejected          TransactionStatus = "rejected"
	StatusDisputed          TransactionStatus = "disputed"
	StatusForcedAccepted    TransactionStatus = "forced_accepted"
	StatusCancelled         TransactionStatus = "cancelled"
	StatusCompleted         TransactionStatus = "completed"
)

// Valid reports whether the status is one of the closed set.
func (s TransactionStatus) Valid() bool {
	switch s {
	case StatusPendingAcceptance, StatusAccepted, StatusRejected,
		StatusDisputed, StatusForcedAccepted, StatusCancelled, StatusCompleted:
		return true
	}
	return false
}

// Terminal reports whether no further transition leaves the status.
// forced_accepted is near-terminal: the receipt becomes available but no
// forward edge is defined for it.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case StatusRejected, StatusCancelled, StatusCompleted, StatusForcedAccepted:
		return true
	}
	return false
}

// Origin records which side of the marketplace initiated the trade.
type Origin string

const (
	OriginPurchase Origin = "purchase"
	OriginSale     Origin = "sale"
)

// ReceiptStatus gates receipt generation on acceptance.
type ReceiptStatus string

const (
	ReceiptNotAvailable ReceiptStatus = "not_available"
	ReceiptAvailable    ReceiptStatus = "available"
)

// Event names a lifecycle transition request.
type Event string

const (
	EventAccept      Event = "accept"
	EventReject      Event = "reject"
	EventOpenDispute Event = "open_dispute"
	EventForceAccept Event = "force_accept"
	EventCancel      Event = "cancel"
	EventComplete    Event = "complete"
)

// transitions is the closed lifecycle graph. Any (status, event) pair absent
// from this table is invalid.
var transitions = map[TransactionStatus]map[Event]TransactionStatus{
	StatusPendingAcceptance: {
		EventAccept:      StatusAccepted,
		EventReject:      StatusRejected,
		EventOpenDispute: StatusDisputed,
	},
	StatusDisputed: {
		EventForceAccept: StatusForcedAccepted,
		EventCancel:      StatusCancelled,
	},
	StatusAccepted: {
		EventComplete: StatusCompleted,
	},
}

// NextStatus resolves the target status for an event applied to the current
// status, or an InvalidTransitionError when the edge does not exist.
func NextStatus(current TransactionStatus, event Event) (TransactionStatus, error) {
	if edges, ok := transitions[current]; ok {
		if next, ok := edges[event]; ok {
			return next, nil
		}
	}
	return "", &InvalidTransitionError{Current: current, Event: event}
}

// MaterialLine is a single priced material entry within a transaction.
type MaterialLine struct {
	MaterialID  string
	Description string
	Quantity    decimal.Decimal
	Unit        string
	UnitPrice   decimal.Decimal
	Subtotal    decimal.Decimal
}

// Transaction records a trade of recyclable materials between two parties.
// Initiator, receiver, origin and lines are frozen at creation; lifecycle
// transitions mutate only status, receipt status, dispute reason, forcedBy
// and updatedAt.
type Transaction struct {
	ID            string
	RequestID     string
	Initiator     Party
	Receiver      Party
	Lines         []MaterialLine
	TotalAmount   decimal.Decimal
	Currency      string
	Notes         string
	Origin        Origin
	Status        TransactionStatus
	ReceiptStatus ReceiptStatus
	DisputeReason string
	ForcedBy      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PartyOf reports whether the given party id is the initiator or receiver.
func (t Transaction) PartyOf(partyID string) bool {
	return partyID != "" && (partyID == t.Initiator.ID || partyID == t.Receiver.ID)
}

// Clone returns a deep copy so callers cannot mutate stored state through
// the lines slice.
func (t Transaction) Clone() Transaction {
	cp := t
	cp.Lines = append([]MaterialLine(nil), t.Lines...)
	return cp
}
