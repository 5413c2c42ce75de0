package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vmoraes/recimarket/backend/internal/domain"
	"github.com/vmoraes/recimarket/backend/internal/graph"
)

// Graph persists transactions in a graph database. Party snapshots are
// frozen as JSON on the trade node so registry edits never rewrite history;
// party nodes and participation edges exist alongside for graph queries.
type Graph struct {
	client graph.Client
}

// NewGraph instantiates a Graph ledger backed by the supplied client.
func NewGraph(client graph.Client) *Graph {
	return &Graph{client: client}
}

// Create implements Ledger. The MERGE on requestId makes creation idempotent:
// replaying a request returns the already-stored trade.
func (g *Graph) Create(ctx context.Context, tx domain.Transaction) (domain.Transaction, error) {
	props, err := tradeProperties(tx)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("encode transaction %s: %w", tx.ID, err)
	}

	// The trade id doubles as the merge key when the caller supplied no
	// request id, so unkeyed creations can never collide with each other.
	requestID := tx.RequestID
	if requestID == "" {
		requestID = tx.ID
	}

	params := map[string]any{
		"requestId":   requestID,
		"tradeId":     tx.ID,
		"props":       props,
		"initiatorId": tx.Initiator.ID,
		"receiverId":  tx.Receiver.ID,
		"initiatorProps": map[string]any{
			"name": tx.Initiator.Name,
			"role": string(tx.Initiator.Role),
		},
		"receiverProps": map[string]any{
			"name": tx.Receiver.Name,
			"role": string(tx.Receiver.Role),
		},
	}

	res, err := g.client.ExecuteWrite(ctx, createTradeCypher, params)
	if err != nil {
		return domain.Transaction{}, g.wrap("create", tx.ID, err)
	}
	if len(res.Records) == 0 {
		return domain.Transaction{}, g.wrap("create", tx.ID, fmt.Errorf("no record returned"))
	}

	return tradeFromRecord(res.Records[0])
}

// Get implements Ledger.
func (g *Graph) Get(ctx context.Context, id string) (domain.Transaction, error) {
	res, err := g.client.ExecuteRead(ctx, getTradeCypher, map[string]any{"tradeId": id})
	if err != nil {
		return domain.Transaction{}, g.wrap("get", id, err)
	}
	if len(res.Records) == 0 {
		return domain.Transaction{}, ErrNotFound
	}
	return tradeFromRecord(res.Records[0])
}

// CompareAndSwapStatus implements Ledger. The status guard in the cypher
// ensures only one of two racing transitions can match and mutate the node.
func (g *Graph) CompareAndSwapStatus(ctx context.Context, id string, expected, next domain.TransactionStatus, patch StatusPatch) (domain.Transaction, error) {
	patchProps := map[string]any{}
	if patch.ReceiptStatus != nil {
		patchProps["receiptStatus"] = string(*patch.ReceiptStatus)
	}
	if patch.DisputeReason != nil {
		patchProps["disputeReason"] = *patch.DisputeReason
	}
	if patch.ForcedBy != nil {
		patchProps["forcedBy"] = *patch.ForcedBy
	}
	if patch.Lines != nil {
		linesJSON, err := encodeLines(patch.Lines)
		if err != nil {
			return domain.Transaction{}, fmt.Errorf("encode lines for %s: %w", id, err)
		}
		patchProps["linesJson"] = linesJSON
	}
	if patch.TotalAmount != nil {
		patchProps["totalAmount"] = patch.TotalAmount.String()
	}

	params := map[string]any{
		"tradeId":   id,
		"expected":  string(expected),
		"next":      string(next),
		"updatedAt": formatTime(patch.UpdatedAt),
		"patch":     patchProps,
	}

	res, err := g.client.ExecuteWrite(ctx, casTradeCypher, params)
	if err != nil {
		return domain.Transaction{}, g.wrap("compare-and-swap", id, err)
	}
	if len(res.Records) > 0 {
		return tradeFromRecord(res.Records[0])
	}

	// No row matched: either the trade is unknown or the guard failed.
	exists, err := g.client.ExecuteRead(ctx, tradeExistsCypher, map[string]any{"tradeId": id})
	if err != nil {
		return domain.Transaction{}, g.wrap("compare-and-swap", id, err)
	}
	if len(exists.Records) == 0 {
		return domain.Transaction{}, ErrNotFound
	}
	return domain.Transaction{}, ErrStaleStatus
}

// List implements Ledger.
func (g *Graph) List(ctx context.Context, opts ListOptions) ([]domain.Transaction, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	from := ""
	if opts.From != nil && !opts.From.IsZero() {
		from = formatTime(opts.From.UTC())
	}
	to := ""
	if opts.To != nil && !opts.To.IsZero() {
		to = formatTime(opts.To.UTC())
	}

	params := map[string]any{
		"partyId": opts.PartyID,
		"status":  string(opts.Status),
		"from":    from,
		"to":      to,
		"skip":    offset,
		"limit":   limit,
	}

	res, err := g.client.ExecuteRead(ctx, listTradesCypher, params)
	if err != nil {
		return nil, g.wrap("list", "", err)
	}

	txs := make([]domain.Transaction, 0, len(res.Records))
	for _, record := range res.Records {
		tx, err := tradeFromRecord(record)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

func (g *Graph) wrap(op, txID string, err error) error {
	return &domain.PersistenceError{
		Op:            op,
		TransactionID: txID,
		Transient:     graph.IsTransientError(err),
		Err:           err,
	}
}

// --- serialization ---

type lineRecord struct {
	MaterialID  string `json:"materialId"`
	Description string `json:"description,omitempty"`
	Quantity    string `json:"quantity"`
	Unit        string `json:"unit"`
	UnitPrice   string `json:"unitPrice"`
	Subtotal    string `json:"subtotal"`
}

type partyRecord struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Role           string `json:"role"`
	IsLinked       bool   `json:"isLinked,omitempty"`
	LinkedEntityID string `json:"linkedEntityId,omitempty"`
}

func tradeProperties(tx domain.Transaction) (map[string]any, error) {
	linesJSON, err := encodeLines(tx.Lines)
	if err != nil {
		return nil, err
	}
	initiatorJSON, err := encodeParty(tx.Initiator)
	if err != nil {
		return nil, err
	}
	receiverJSON, err := encodeParty(tx.Receiver)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"origin":        string(tx.Origin),
		"status":        string(tx.Status),
		"receiptStatus": string(tx.ReceiptStatus),
		"currency":      tx.Currency,
		"notes":         tx.Notes,
		"disputeReason": tx.DisputeReason,
		"forcedBy":      tx.ForcedBy,
		"totalAmount":   tx.TotalAmount.String(),
		"linesJson":     linesJSON,
		"initiatorJson": initiatorJSON,
		"receiverJson":  receiverJSON,
		"createdAt":     formatTime(tx.CreatedAt),
		"updatedAt":     formatTime(tx.UpdatedAt),
	}, nil
}

func encodeLines(lines []domain.MaterialLine) (string, error) {
	records := make([]lineRecord, 0, len(lines))
	for _, line := range lines {
		records = append(records, lineRecord{
			MaterialID:  line.MaterialID,
			Description: line.Description,
			Quantity:    line.Quantity.String(),
			Unit:        line.Unit,
			UnitPrice:   line.UnitPrice.String(),
			Subtotal:    line.Subtotal.String(),
		})
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeLines(raw string) ([]domain.MaterialLine, error) {
	if raw == "" {
		return nil, nil
	}
	var records []lineRecord
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return nil, err
	}
	lines := make([]domain.MaterialLine, 0, len(records))
	for _, rec := range records {
		quantity, err := decimal.NewFromString(rec.Quantity)
		if err != nil {
			return nil, fmt.Errorf("line quantity %q: %w", rec.Quantity, err)
		}
		unitPrice, err := decimal.NewFromString(rec.UnitPrice)
		if err != nil {
			return nil, fmt.Errorf("line unitPrice %q: %w", rec.UnitPrice, err)
		}
		subtotal, err := decimal.NewFromString(rec.Subtotal)
		if err != nil {
			return nil, fmt.Errorf("line subtotal %q: %w", rec.Subtotal, err)
		}
		lines = append(lines, domain.MaterialLine{
			MaterialID:  rec.MaterialID,
			Description: rec.Description,
			Quantity:    quantity,
			Unit:        rec.Unit,
			UnitPrice:   unitPrice,
			Subtotal:    subtotal,
		})
	}
	return lines, nil
}

func encodeParty(p domain.Party) (string, error) {
	raw, err := json.Marshal(partyRecord{
		ID:             p.ID,
		Name:           p.Name,
		Role:           string(p.Role),
		IsLinked:       p.IsLinked,
		LinkedEntityID: p.LinkedEntityID,
	})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeParty(raw string) (domain.Party, error) {
	if raw == "" {
		return domain.Party{}, nil
	}
	var rec partyRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return domain.Party{}, err
	}
	return domain.Party{
		ID:             rec.ID,
		Name:           rec.Name,
		Role:           domain.PartyRole(rec.Role),
		IsLinked:       rec.IsLinked,
		LinkedEntityID: rec.LinkedEntityID,
	}, nil
}

func tradeFromRecord(record graph.Record) (domain.Transaction, error) {
	total, err := decimal.NewFromString(toString(record["totalAmount"]))
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("trade totalAmount: %w", err)
	}
	lines, err := decodeLines(toString(record["linesJson"]))
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("trade lines: %w", err)
	}
	initiator, err := decodeParty(toString(record["initiatorJson"]))
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("trade initiator: %w", err)
	}
	receiver, err := decodeParty(toString(record["receiverJson"]))
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("trade receiver: %w", err)
	}

	tx := domain.Transaction{
		ID:            toString(record["tradeId"]),
		RequestID:     toString(record["requestId"]),
		Initiator:     initiator,
		Receiver:      receiver,
		Lines:         lines,
		TotalAmount:   total,
		Currency:      toString(record["currency"]),
		Notes:         toString(record["notes"]),
		Origin:        domain.Origin(toString(record["origin"])),
		Status:        domain.TransactionStatus(toString(record["status"])),
		ReceiptStatus: domain.ReceiptStatus(toString(record["receiptStatus"])),
		DisputeReason: toString(record["disputeReason"]),
		ForcedBy:      toString(record["forcedBy"]),
	}
	if created := toTime(record["createdAt"]); created != nil {
		tx.CreatedAt = *created
	}
	if updated := toTime(record["updatedAt"]); updated != nil {
		tx.UpdatedAt = *updated
	}
	return tx, nil
}

// timestampLayout is fixed-width so the lexicographic string comparisons in
// the cypher range filters and ORDER BY agree with chronological order.
// RFC3339Nano would trim trailing zeros and break that agreement for
// sub-second timestamps.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timestampLayout)
}

func toString(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func toTime(val any) *time.Time {
	switch v := val.(type) {
	case time.Time:
		return &v
	case string:
		if v == "" {
			return nil
		}
		if parsed, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return &parsed
		}
		if parsed, err := time.Parse(time.RFC3339, v); err == nil {
			return &parsed
		}
	}
	return nil
}

// --- cypher ---

const tradeReturnFields = `
RETURN t.tradeId AS tradeId,
       t.requestId AS requestId,
       t.origin AS origin,
       t.status AS status,
       t.receiptStatus AS receiptStatus,
       t.currency AS currency,
       t.notes AS notes,
       t.disputeReason AS disputeReason,
       t.forcedBy AS forcedBy,
       t.totalAmount AS totalAmount,
       t.linesJson AS linesJson,
       t.initiatorJson AS initiatorJson,
       t.receiverJson AS receiverJson,
       t.createdAt AS createdAt,
       t.updatedAt AS updatedAt
`

const createTradeCypher = `
MERGE (t:Trade {requestId: $requestId})
ON CREATE SET t.tradeId = $tradeId, t += $props
WITH t
MERGE (i:Party {partyId: $initiatorId})
SET i += $initiatorProps
MERGE (r:Party {partyId: $receiverId})
SET r += $receiverProps
MERGE (i)-[:INITIATED]->(t)
MERGE (t)-[:RECEIVED_BY]->(r)
` + tradeReturnFields

const getTradeCypher = `
MATCH (t:Trade {tradeId: $tradeId})
` + tradeReturnFields

const tradeExistsCypher = `
MATCH (t:Trade {tradeId: $tradeId})
RETURN t.status AS status
`

const casTradeCypher = `
MATCH (t:Trade {tradeId: $tradeId})
WHERE t.status = $expected
SET t.status = $next, t.updatedAt = $updatedAt, t += $patch
` + tradeReturnFields

const listTradesCypher = `
MATCH (t:Trade)
WHERE ($status = "" OR t.status = $status)
  AND ($from = "" OR t.createdAt >= $from)
  AND ($to = "" OR t.createdAt <= $to)
  AND (
    $partyId = ""
    OR EXISTS { MATCH (p:Party {partyId: $partyId})-[:INITIATED]->(t) }
    OR EXISTS { MATCH (t)-[:RECEIVED_BY]->(p:Party {partyId: $partyId}) }
  )
` + tradeReturnFields + `
ORDER BY t.createdAt DESC
SKIP $skip LIMIT $limit
`
