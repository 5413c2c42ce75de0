package service

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/vmoraes/recimarket/backend/internal/domain"
	"github.com/vmoraes/recimarket/backend/internal/pricing"
)

// Draft is the inbound payload for creating a transaction. RequestID keys
// idempotent creation: replaying the same draft returns the stored record.
type Draft struct {
	RequestID   string
	InitiatorID string
	ReceiverID  string
	Entries     []pricing.Entry
	Notes       string
}

// ListParams defines filters for listing transactions.
type ListParams struct {
	PartyID  string
	Status   domain.TransactionStatus
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

// Receipt is the data-only receipt artifact. Rendering (image/PDF) is an
// external concern; this carries everything a renderer needs.
type Receipt struct {
	TransactionID string
	IssuedAt      time.Time
	Origin        domain.Origin
	Status        domain.TransactionStatus
	Initiator     domain.Party
	Receiver      domain.Party
	Lines         []domain.MaterialLine
	TotalAmount   decimal.Decimal
	Currency      string
}
