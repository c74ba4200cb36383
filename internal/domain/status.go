package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// AttributeType selects the status query mode.
type AttributeType string

const (
	AttributeTypeReferenceIDList AttributeType = "referenceIdList"
	AttributeTypeBatchID         AttributeType = "batchId"
)

// NormalizeAttributeType maps the accepted spellings onto the canonical values.
// Unknown values are returned unchanged so callers can report them.
func NormalizeAttributeType(raw string) AttributeType {
	switch strings.TrimSpace(raw) {
	case "referenceIdList", "reference_id_list":
		return AttributeTypeReferenceIDList
	case "batchId", "batch_id", "transaction_id":
		return AttributeTypeBatchID
	default:
		return AttributeType(strings.TrimSpace(raw))
	}
}

// StatusRequest is the DTO for the status endpoint. AttributeValue is kept raw
// because its expected shape depends on AttributeType.
type StatusRequest struct {
	BatchID        string          `json:"batch_id"`
	AttributeType  string          `json:"attribute_type"`
	AttributeValue json.RawMessage `json:"attribute_value"`
}

// StatusRecord is the per-payment answer of a status query.
type StatusRecord struct {
	ReferenceID  string        `json:"reference_id"`
	Timestamp    time.Time     `json:"timestamp"`
	Status       PaymentStatus `json:"status"`
	ErrorCode    *string       `json:"error_code"`
	ErrorMessage *string       `json:"error_message"`
	Amount       string        `json:"amount"`
	PayerFA      *string       `json:"payer_fa,omitempty"`
	PayeeFA      string        `json:"payee_fa"`
	Currency     string        `json:"currency"`
}

// StatusResponse answers a status query. Items is positional for reference-id
// queries: a nil entry marks an id with no ledger record.
type StatusResponse struct {
	BatchID       string          `json:"batch_id"`
	CorrelationID string          `json:"correlation_id"`
	AttributeType AttributeType   `json:"attribute_type"`
	Items         []*StatusRecord `json:"items"`
}

// NewStatusRecord maps a ledger row onto the status record shape.
func NewStatusRecord(item PaymentItem) *StatusRecord {
	return &StatusRecord{
		ReferenceID:  item.ReferenceID,
		Timestamp:    item.UpdatedAt,
		Status:       item.Status,
		ErrorCode:    item.ErrorCode,
		ErrorMessage: item.ErrorMessage,
		Amount:       item.Amount,
		PayerFA:      item.PayerFA,
		PayeeFA:      item.PayeeFA,
		Currency:     item.Currency,
	}
}

// SweepReport summarizes one reconciliation sweep of a backend.
type SweepReport struct {
	Backend     string
	Picked      int
	Succeeded   int
	Rejected    int
	AuthFailed  bool
	WriteErrors int
	Stopped     bool
}
