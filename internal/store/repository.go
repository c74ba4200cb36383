/**
 * @description
 * This file defines the `Ledger` interface, the contract for every read and write
 * against the payment_list table. Intake inserts rows, the reconciler polls and
 * updates them, and the status aggregator reads them. Keeping this behind an
 * interface lets the service run on PostgreSQL in production and on the in-memory
 * ledger in tests and local runs.
 *
 * @dependencies
 * - context, errors: Standard Go libraries.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"

	"github.com/transfa/disbursement-service/internal/domain"
)

var (
	ErrPaymentItemNotFound = errors.New("payment item not found")
	ErrEmptyInsert         = errors.New("no payment items to insert")
)

// Ledger defines the set of methods for interacting with the payment ledger.
type Ledger interface {
	// Intake
	// InsertPaymentItems persists items in slice order inside one transaction and
	// returns them with their assigned ids and timestamps.
	InsertPaymentItems(ctx context.Context, items []domain.PaymentItem) ([]domain.PaymentItem, error)

	// Reconciliation
	ListRetryEligible(ctx context.Context, backend string, statuses []domain.PaymentStatus, limit int) ([]domain.PaymentItem, error)
	UpdatePaymentStatus(ctx context.Context, id int64, params UpdatePaymentStatusParams) error

	// Status
	FindByBatchID(ctx context.Context, batchID string) ([]domain.PaymentItem, error)
	FindLatestByReferenceIDs(ctx context.Context, referenceIDs []string) (map[string]domain.PaymentItem, error)
	FindLatestByBackendAndReferenceIDs(ctx context.Context, backend string, referenceIDs []string) (map[string]domain.PaymentItem, error)
	ListReferenceOwners(ctx context.Context) (map[string]domain.ReferenceOwner, error)
}

// UpdatePaymentStatusParams carries a status transition. ErrorCode and
// ErrorMessage are written as given, so nil clears them.
type UpdatePaymentStatusParams struct {
	Status       domain.PaymentStatus
	ErrorCode    *string
	ErrorMessage *string
}

func statusStrings(statuses []domain.PaymentStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, string(status))
	}
	return out
}
