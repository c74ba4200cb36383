/**
 * @description
 * This file defines the core domain models for the disbursement-service.
 * These structs represent the ledger rows, intake requests and acknowledgements,
 * and the status query shapes used across the api, app, and store layers.
 *
 * @notes
 * - Amounts are carried as decimal strings exactly as the caller sent them; rails
 *   convert them to their own representation at transfer time.
 * - BackendName is assigned once at intake and never rewritten afterwards.
 */

package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PaymentStatus is the lifecycle state of a single ledger row.
type PaymentStatus string

const (
	PaymentStatusReceived  PaymentStatus = "received"
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusRejected  PaymentStatus = "rejected"
)

// ErrorCodePaymentFailed is the generic code written on every rail failure.
const ErrorCodePaymentFailed = "rjct.payment.failed"

// ParsePaymentStatus accepts the long status names and the short G2P Connect codes.
func ParsePaymentStatus(raw string) (PaymentStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "received", "rcvd":
		return PaymentStatusReceived, nil
	case "pending", "pdng":
		return PaymentStatusPending, nil
	case "succeeded", "succ":
		return PaymentStatusSucceeded, nil
	case "rejected", "rjct":
		return PaymentStatusRejected, nil
	default:
		return "", fmt.Errorf("unknown payment status %q", raw)
	}
}

// PaymentItem is one disbursement instruction as persisted in the payment_list table.
type PaymentItem struct {
	ID                 int64         `json:"id"`
	BatchID            string        `json:"batch_id"`
	ReferenceID        string        `json:"reference_id"`
	PayerFA            *string       `json:"payer_fa,omitempty"`
	PayeeFA            string        `json:"payee_fa"`
	Amount             string        `json:"amount"`
	Currency           string        `json:"currency"`
	ScheduledTimestamp time.Time     `json:"scheduled_timestamp"`
	Status             PaymentStatus `json:"status"`
	BackendName        *string       `json:"backend_name,omitempty"`
	ErrorCode          *string       `json:"error_code,omitempty"`
	ErrorMessage       *string       `json:"error_message,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// Routed reports whether intake managed to assign a backend to the item.
func (p PaymentItem) Routed() bool {
	return p.BackendName != nil && *p.BackendName != ""
}

// ReferenceOwner records which backend holds the latest row for a reference id.
// RowID is that row's ledger id; an empty Backend means the row is unrouted.
type ReferenceOwner struct {
	Backend string
	RowID   int64
}

// RoutingRule maps a financial-address pattern to a target (backend name or payer FA).
type RoutingRule struct {
	Order  int    `json:"order" mapstructure:"order"`
	Regex  string `json:"regex" mapstructure:"regex"`
	Target string `json:"target" mapstructure:"target"`
}

// DisburseRequest is the DTO for the intake endpoint.
type DisburseRequest struct {
	BatchID string             `json:"batch_id,omitempty"`
	Items   []DisbursementItem `json:"items"`
}

// DisbursementItem is one instruction inside a DisburseRequest.
type DisbursementItem struct {
	ReferenceID        string    `json:"reference_id"`
	PayerFA            *string   `json:"payer_fa,omitempty"`
	PayeeFA            string    `json:"payee_fa"`
	Amount             string    `json:"amount"`
	Currency           string    `json:"currency"`
	ScheduledTimestamp time.Time `json:"scheduled_timestamp"`
	PayerName          *string   `json:"payer_name,omitempty"`
	PayeeName          *string   `json:"payee_name,omitempty"`
	Note               *string   `json:"note,omitempty"`
	Instruction        *string   `json:"instruction,omitempty"`
}

// UnmarshalJSON accepts scheduled timestamps with or without a zone offset.
// Timestamps without an offset are read as UTC wall clock.
func (d *DisbursementItem) UnmarshalJSON(data []byte) error {
	type alias DisbursementItem
	aux := struct {
		*alias
		ScheduledTimestamp string `json:"scheduled_timestamp"`
	}{alias: (*alias)(d)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	raw := strings.TrimSpace(aux.ScheduledTimestamp)
	if raw == "" {
		d.ScheduledTimestamp = time.Time{}
		return nil
	}
	ts, err := ParseTimestamp(raw)
	if err != nil {
		return fmt.Errorf("scheduled_timestamp: %w", err)
	}
	d.ScheduledTimestamp = ts
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses an ISO-8601 timestamp and normalizes it to a UTC wall clock.
func ParseTimestamp(raw string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", raw)
}

// DisburseAcknowledgement is returned synchronously by intake. It means the batch
// was accepted for asynchronous processing, not that it was processed.
type DisburseAcknowledgement struct {
	BatchID string                   `json:"batch_id"`
	Items   []DisbursementItemStatus `json:"items"`
}

// DisbursementItemStatus echoes one accepted instruction.
type DisbursementItemStatus struct {
	ReferenceID string        `json:"reference_id"`
	Status      PaymentStatus `json:"status"`
	Amount      string        `json:"amount"`
	Currency    string        `json:"currency"`
	PayerFA     *string       `json:"payer_fa,omitempty"`
	PayerName   *string       `json:"payer_name,omitempty"`
	PayeeFA     string        `json:"payee_fa"`
	PayeeName   *string       `json:"payee_name,omitempty"`
	Instruction *string       `json:"instruction,omitempty"`
}

// IntakeTask is the unit of background work submitted by intake.
type IntakeTask struct {
	BatchID    string             `json:"batch_id"`
	Items      []DisbursementItem `json:"items"`
	AcceptedAt time.Time          `json:"accepted_at"`
}

// IntakeReport describes what the background intake task did with a batch.
type IntakeReport struct {
	BatchID        string
	Inserted       int
	Unrouted       int
	TranslationErr error
}
