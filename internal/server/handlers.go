package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vmoraes/recimarket/backend/internal/domain"
	"github.com/vmoraes/recimarket/backend/internal/ledger"
	"github.com/vmoraes/recimarket/backend/internal/pricing"
	"github.com/vmoraes/recimarket/backend/internal/service"
)

// APIHandlers exposes HTTP handlers for the REST API.
type APIHandlers struct {
	logger  *slog.Logger
	service *service.TradeService
}

// NewAPIHandlers constructs an APIHandlers instance.
func NewAPIHandlers(logger *slog.Logger, svc *service.TradeService) *APIHandlers {
	return &APIHandlers{
		logger:  logger,
		service: svc,
	}
}

func (h *APIHandlers) handleTransactions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createTransaction(w, r)
	case http.MethodGet:
		h.listTransactions(w, r)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

// handleTransactionByID dispatches /transactions/{id} and its sub-resources:
// lifecycle actions, line edits and the receipt.
func (h *APIHandlers) handleTransactionByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/transactions/"), "/")
	if rest == "" {
		writeError(w, http.StatusBadRequest, "transaction ID is required")
		return
	}

	id, action, _ := strings.Cut(rest, "/")
	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		h.getTransaction(w, r, id)
	case "accept", "reject", "dispute", "force-accept", "cancel", "complete":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		h.applyTransition(w, r, id, action)
	case "lines":
		if r.Method != http.MethodPut {
			methodNotAllowed(w, http.MethodPut)
			return
		}
		h.updateLines(w, r, id)
	case "receipt":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		h.getReceipt(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "unknown resource")
	}
}

func (h *APIHandlers) createTransaction(w http.ResponseWriter, r *http.Request) {
	var payload createTransactionRequest
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	draft, err := payload.toDraft()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if draft.RequestID == "" {
		draft.RequestID = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}

	tx, err := h.service.CreateTransaction(r.Context(), draft)
	if err != nil {
		h.writeDomainError(w, err, "failed to create transaction")
		return
	}

	respondJSON(w, http.StatusCreated, toTransactionResponse(tx))
}

func (h *APIHandlers) getTransaction(w http.ResponseWriter, r *http.Request, id string) {
	tx, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err, "failed to fetch transaction")
		return
	}
	respondJSON(w, http.StatusOK, toTransactionResponse(tx))
}

func (h *APIHandlers) listTransactions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	params := service.ListParams{
		PartyID:  query.Get("partyId"),
		Status:   domain.TransactionStatus(query.Get("status")),
		Page:     parseInt(query.Get("page"), 1),
		PageSize: parseInt(query.Get("pageSize"), 50),
	}

	if v := query.Get("from"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from timestamp")
			return
		}
		params.From = &ts
	}
	if v := query.Get("to"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to timestamp")
			return
		}
		params.To = &ts
	}

	txs, err := h.service.List(r.Context(), params)
	if err != nil {
		h.writeDomainError(w, err, "failed to list transactions")
		return
	}

	resp := listTransactionsResponse{
		Items: make([]transactionResponse, 0, len(txs)),
	}
	for _, tx := range txs {
		resp.Items = append(resp.Items, toTransactionResponse(tx))
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *APIHandlers) applyTransition(w http.ResponseWriter, r *http.Request, id, action string) {
	var payload actionRequest
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	actor, err := payload.toActor()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	var tx domain.Transaction
	switch action {
	case "accept":
		tx, err = h.service.Accept(ctx, id, actor)
	case "reject":
		tx, err = h.service.Reject(ctx, id, actor)
	case "dispute":
		tx, err = h.service.OpenDispute(ctx, id, actor, payload.Reason)
	case "force-accept":
		tx, err = h.service.ForceAccept(ctx, id, actor)
	case "cancel":
		tx, err = h.service.Cancel(ctx, id, actor)
	case "complete":
		tx, err = h.service.Complete(ctx, id, actor)
	}
	if err != nil {
		h.writeDomainError(w, err, "failed to apply transition")
		return
	}

	respondJSON(w, http.StatusOK, toTransactionResponse(tx))
}

func (h *APIHandlers) updateLines(w http.ResponseWriter, r *http.Request, id string) {
	var payload updateLinesRequest
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	actor, err := payload.toActor()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := toEntries(payload.Lines)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tx, err := h.service.UpdateLines(r.Context(), id, actor, entries)
	if err != nil {
		h.writeDomainError(w, err, "failed to update lines")
		return
	}

	respondJSON(w, http.StatusOK, toTransactionResponse(tx))
}

func (h *APIHandlers) getReceipt(w http.ResponseWriter, r *http.Request, id string) {
	receipt, err := h.service.GenerateReceipt(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err, "failed to generate receipt")
		return
	}

	resp := receiptResponse{
		TransactionID: receipt.TransactionID,
		IssuedAt:      formatTime(receipt.IssuedAt),
		Origin:        string(receipt.Origin),
		Status:        string(receipt.Status),
		Initiator:     toPartyResponse(receipt.Initiator),
		Receiver:      toPartyResponse(receipt.Receiver),
		Lines:         toLineResponses(receipt.Lines),
		TotalAmount:   receipt.TotalAmount.StringFixed(2),
		Currency:      receipt.Currency,
	}
	respondJSON(w, http.StatusOK, resp)
}

// writeDomainError maps the engine's error taxonomy onto HTTP statuses.
func (h *APIHandlers) writeDomainError(w http.ResponseWriter, err error, logMsg string) {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		fields := make([]fieldErrorResponse, 0, len(verr.Fields))
		for _, f := range verr.Fields {
			fields = append(fields, fieldErrorResponse{Field: f.Field, Message: f.Message})
		}
		respondJSON(w, http.StatusBadRequest, validationErrorResponse{
			Error:  "validation failed",
			Fields: fields,
		})
		return
	}

	var merr *domain.MaterialNotFoundError
	var perr *domain.PartyNotFoundError
	switch {
	case errors.As(err, &merr), errors.As(err, &perr), errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case isInvalidTransition(err), isReceiptNotReady(err):
		writeError(w, http.StatusConflict, err.Error())
	case isUnauthorizedActor(err):
		writeError(w, http.StatusForbidden, err.Error())
	case domain.IsTransient(err):
		h.logger.Error(logMsg, "error", err)
		writeError(w, http.StatusServiceUnavailable, "storage temporarily unavailable")
	default:
		h.logger.Error(logMsg, "error", err)
		writeError(w, http.StatusInternalServerError, logMsg)
	}
}

func isInvalidTransition(err error) bool {
	var terr *domain.InvalidTransitionError
	return errors.As(err, &terr)
}

func isReceiptNotReady(err error) bool {
	var rerr *domain.ReceiptNotReadyError
	return errors.As(err, &rerr)
}

func isUnauthorizedActor(err error) bool {
	var uerr *domain.UnauthorizedActorError
	return errors.As(err, &uerr)
}

// --- Request & Response DTOs ---

type createTransactionRequest struct {
	RequestID   string        `json:"requestId"`
	InitiatorID string        `json:"initiatorId"`
	ReceiverID  string        `json:"receiverId"`
	Notes       string        `json:"notes"`
	Lines       []lineRequest `json:"lines"`
}

type lineRequest struct {
	MaterialID  string `json:"materialId"`
	Description string `json:"description"`
	Quantity    string `json:"quantity"`
	UnitPrice   string `json:"unitPrice"`
}

type actionRequest struct {
	ActorID   string `json:"actorId"`
	ActorRole string `json:"actorRole"`
	Reason    string `json:"reason"`
}

type updateLinesRequest struct {
	ActorID   string        `json:"actorId"`
	ActorRole string        `json:"actorRole"`
	Lines     []lineRequest `json:"lines"`
}

type transactionResponse struct {
	TransactionID string          `json:"transactionId"`
	RequestID     string          `json:"requestId,omitempty"`
	Origin        string          `json:"origin"`
	Status        string          `json:"status"`
	ReceiptStatus string          `json:"receiptStatus"`
	Initiator     partyResponse   `json:"initiator"`
	Receiver      partyResponse   `json:"receiver"`
	Lines         []lineResponse  `json:"lines"`
	TotalAmount   string          `json:"totalAmount"`
	Currency      string          `json:"currency"`
	Notes         string          `json:"notes,omitempty"`
	DisputeReason string          `json:"disputeReason,omitempty"`
	ForcedBy      string          `json:"forcedBy,omitempty"`
	CreatedAt     string          `json:"createdAt"`
	UpdatedAt     string          `json:"updatedAt"`
}

type partyResponse struct {
	PartyID string `json:"partyId"`
	Name    string `json:"name"`
	Role    string `json:"role"`
}

type lineResponse struct {
	MaterialID  string `json:"materialId"`
	Description string `json:"description,omitempty"`
	Quantity    string `json:"quantity"`
	Unit        string `json:"unit"`
	UnitPrice   string `json:"unitPrice"`
	Subtotal    string `json:"subtotal"`
}

type listTransactionsResponse struct {
	Items []transactionResponse `json:"items"`
}

type receiptResponse struct {
	TransactionID string         `json:"transactionId"`
	IssuedAt      string         `json:"issuedAt"`
	Origin        string         `json:"origin"`
	Status        string         `json:"status"`
	Initiator     partyResponse  `json:"initiator"`
	Receiver      partyResponse  `json:"receiver"`
	Lines         []lineResponse `json:"lines"`
	TotalAmount   string         `json:"totalAmount"`
	Currency      string         `json:"currency"`
}

type fieldErrorResponse struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type validationErrorResponse struct {
	Error  string               `json:"error"`
	Fields []fieldErrorResponse `json:"fields"`
}

func (req createTransactionRequest) toDraft() (service.Draft, error) {
	entries, err := toEntries(req.Lines)
	if err != nil {
		return service.Draft{}, err
	}
	return service.Draft{
		RequestID:   req.RequestID,
		InitiatorID: req.InitiatorID,
		ReceiverID:  req.ReceiverID,
		Entries:     entries,
		Notes:       req.Notes,
	}, nil
}

func (req actionRequest) toActor() (domain.Actor, error) {
	return toActor(req.ActorID, req.ActorRole)
}

func (req updateLinesRequest) toActor() (domain.Actor, error) {
	return toActor(req.ActorID, req.ActorRole)
}

func toActor(actorID, actorRole string) (domain.Actor, error) {
	role := domain.ActorRole(actorRole)
	if role == "" {
		role = domain.ActorParty
	}
	if role != domain.ActorParty && role != domain.ActorArbitrator {
		return domain.Actor{}, fmtError("invalid actorRole")
	}
	if actorID == "" {
		return domain.Actor{}, fmtError("actorId is required")
	}
	return domain.Actor{PartyID: actorID, Role: role}, nil
}

func toEntries(lines []lineRequest) ([]pricing.Entry, error) {
	entries := make([]pricing.Entry, 0, len(lines))
	for _, line := range lines {
		quantity, err := parseDecimal(line.Quantity)
		if err != nil {
			return nil, fmtError("invalid quantity " + strconv.Quote(line.Quantity))
		}
		unitPrice := decimal.Zero
		if line.UnitPrice != "" {
			unitPrice, err = parseDecimal(line.UnitPrice)
			if err != nil {
				return nil, fmtError("invalid unitPrice " + strconv.Quote(line.UnitPrice))
			}
		}
		entries = append(entries, pricing.Entry{
			MaterialID:  line.MaterialID,
			Description: line.Description,
			Quantity:    quantity,
			UnitPrice:   unitPrice,
		})
	}
	return entries, nil
}

func parseDecimal(value string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(value)
}

func toTransactionResponse(tx domain.Transaction) transactionResponse {
	return transactionResponse{
		TransactionID: tx.ID,
		RequestID:     tx.RequestID,
		Origin:        string(tx.Origin),
		Status:        string(tx.Status),
		ReceiptStatus: string(tx.ReceiptStatus),
		Initiator:     toPartyResponse(tx.Initiator),
		Receiver:      toPartyResponse(tx.Receiver),
		Lines:         toLineResponses(tx.Lines),
		TotalAmount:   tx.TotalAmount.StringFixed(2),
		Currency:      tx.Currency,
		Notes:         tx.Notes,
		DisputeReason: tx.DisputeReason,
		ForcedBy:      tx.ForcedBy,
		CreatedAt:     formatTime(tx.CreatedAt),
		UpdatedAt:     formatTime(tx.UpdatedAt),
	}
}

func toPartyResponse(p domain.Party) partyResponse {
	return partyResponse{
		PartyID: p.ID,
		Name:    p.Name,
		Role:    string(p.Role),
	}
}

func toLineResponses(lines []domain.MaterialLine) []lineResponse {
	out := make([]lineResponse, 0, len(lines))
	for _, line := range lines {
		out = append(out, lineResponse{
			MaterialID:  line.MaterialID,
			Description: line.Description,
			Quantity:    line.Quantity.String(),
			Unit:        line.Unit,
			UnitPrice:   line.UnitPrice.String(),
			Subtotal:    line.Subtotal.StringFixed(2),
		})
	}
	return out
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return err
	}
	return nil
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	if v, err := strconv.Atoi(value); err == nil {
		return v
	}
	return fallback
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{
		"error": msg,
	})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func fmtError(msg string) error {
	return errors.New(msg)
}
