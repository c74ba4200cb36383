/**
 * @description
 * This file provides the PostgreSQL implementation of the `Ledger` interface.
 * It contains the SQL for the payment_list table: batch inserts from intake,
 * FIFO polling and status transitions for the reconciler, and the read paths
 * used by the status aggregator.
 *
 * @dependencies
 * - context, embed, errors, fmt: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/disbursement-service/internal/domain"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const paymentItemColumns = `
	id, batch_id, reference_id, payer_fa, payee_fa, amount, currency,
	scheduled_timestamp, status, backend_name, error_code, error_message,
	created_at, updated_at
`

// PostgresRepository is a concrete implementation of the Ledger interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema applies the embedded migrations in file-name order. Every
// statement is idempotent, so it is safe to run on each start.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	names, err := fs.Glob(migrationFiles, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		script, err := migrationFiles.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := r.db.Exec(ctx, string(script)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

// InsertPaymentItems inserts all rows for a batch atomically, in slice order.
func (r *PostgresRepository) InsertPaymentItems(ctx context.Context, items []domain.PaymentItem) ([]domain.PaymentItem, error) {
	if len(items) == 0 {
		return nil, ErrEmptyInsert
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO payment_list (
			batch_id, reference_id, payer_fa, payee_fa, amount, currency,
			scheduled_timestamp, status, backend_name
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at
	`
	inserted := make([]domain.PaymentItem, 0, len(items))
	for _, item := range items {
		status := item.Status
		if status == "" {
			status = domain.PaymentStatusReceived
		}
		err := tx.QueryRow(ctx, query,
			item.BatchID,
			item.ReferenceID,
			item.PayerFA,
			item.PayeeFA,
			item.Amount,
			item.Currency,
			item.ScheduledTimestamp,
			string(status),
			item.BackendName,
		).Scan(&item.ID, &item.CreatedAt, &item.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("insert payment item %q: %w", item.ReferenceID, err)
		}
		item.Status = status
		inserted = append(inserted, item)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return inserted, nil
}

// ListRetryEligible returns the backend's rows in one of the given statuses,
// oldest first. A limit of zero or less means no limit.
func (r *PostgresRepository) ListRetryEligible(ctx context.Context, backend string, statuses []domain.PaymentStatus, limit int) ([]domain.PaymentItem, error) {
	query := `SELECT ` + paymentItemColumns + `
		FROM payment_list
		WHERE backend_name = $1
		  AND status = ANY($2::text[])
		ORDER BY id ASC
	`
	args := []any{backend, statusStrings(statuses)}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	return r.queryPaymentItems(ctx, query, args...)
}

// UpdatePaymentStatus writes a status transition. backend_name is never touched.
func (r *PostgresRepository) UpdatePaymentStatus(ctx context.Context, id int64, params UpdatePaymentStatusParams) error {
	query := `
		UPDATE payment_list
		SET
			status = $1,
			error_code = $2,
			error_message = $3,
			updated_at = NOW()
		WHERE id = $4
	`
	tag, err := r.db.Exec(ctx, query, string(params.Status), params.ErrorCode, params.ErrorMessage, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentItemNotFound
	}
	return nil
}

// FindByBatchID returns every row of a batch in insertion order.
func (r *PostgresRepository) FindByBatchID(ctx context.Context, batchID string) ([]domain.PaymentItem, error) {
	query := `SELECT ` + paymentItemColumns + `
		FROM payment_list
		WHERE batch_id = $1
		ORDER BY id ASC
	`
	return r.queryPaymentItems(ctx, query, batchID)
}

// FindLatestByReferenceIDs returns the most recently inserted row per reference id.
// Ids without a row are absent from the map.
func (r *PostgresRepository) FindLatestByReferenceIDs(ctx context.Context, referenceIDs []string) (map[string]domain.PaymentItem, error) {
	if len(referenceIDs) == 0 {
		return map[string]domain.PaymentItem{}, nil
	}
	query := `SELECT DISTINCT ON (reference_id) ` + paymentItemColumns + `
		FROM payment_list
		WHERE reference_id = ANY($1::text[])
		ORDER BY reference_id, id DESC
	`
	items, err := r.queryPaymentItems(ctx, query, referenceIDs)
	if err != nil {
		return nil, err
	}
	return indexByReference(items), nil
}

// FindLatestByBackendAndReferenceIDs is FindLatestByReferenceIDs restricted to one backend's partition.
func (r *PostgresRepository) FindLatestByBackendAndReferenceIDs(ctx context.Context, backend string, referenceIDs []string) (map[string]domain.PaymentItem, error) {
	if len(referenceIDs) == 0 {
		return map[string]domain.PaymentItem{}, nil
	}
	query := `SELECT DISTINCT ON (reference_id) ` + paymentItemColumns + `
		FROM payment_list
		WHERE backend_name = $1
		  AND reference_id = ANY($2::text[])
		ORDER BY reference_id, id DESC
	`
	items, err := r.queryPaymentItems(ctx, query, backend, referenceIDs)
	if err != nil {
		return nil, err
	}
	return indexByReference(items), nil
}

// ListReferenceOwners maps each reference id to the backend and id of its latest
// row. References whose latest row is unrouted are omitted.
func (r *PostgresRepository) ListReferenceOwners(ctx context.Context) (map[string]domain.ReferenceOwner, error) {
	query := `
		SELECT reference_id, backend_name, id
		FROM (
			SELECT DISTINCT ON (reference_id) reference_id, backend_name, id
			FROM payment_list
			ORDER BY reference_id, id DESC
		) latest
		WHERE backend_name IS NOT NULL
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	owners := make(map[string]domain.ReferenceOwner)
	for rows.Next() {
		var (
			referenceID string
			owner       domain.ReferenceOwner
		)
		if err := rows.Scan(&referenceID, &owner.Backend, &owner.RowID); err != nil {
			return nil, err
		}
		owners[referenceID] = owner
	}
	return owners, rows.Err()
}

func (r *PostgresRepository) queryPaymentItems(ctx context.Context, query string, args ...any) ([]domain.PaymentItem, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.PaymentItem
	for rows.Next() {
		item, err := scanPaymentItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanPaymentItem(row pgx.Row) (domain.PaymentItem, error) {
	var (
		item   domain.PaymentItem
		status string
	)
	err := row.Scan(
		&item.ID,
		&item.BatchID,
		&item.ReferenceID,
		&item.PayerFA,
		&item.PayeeFA,
		&item.Amount,
		&item.Currency,
		&item.ScheduledTimestamp,
		&status,
		&item.BackendName,
		&item.ErrorCode,
		&item.ErrorMessage,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return item, ErrPaymentItemNotFound
		}
		return item, err
	}
	item.Status = domain.PaymentStatus(status)
	return item, nil
}

func indexByReference(items []domain.PaymentItem) map[string]domain.PaymentItem {
	out := make(map[string]domain.PaymentItem, len(items))
	for _, item := range items {
		if existing, ok := out[item.ReferenceID]; ok && existing.ID > item.ID {
			continue
		}
		out[item.ReferenceID] = item
	}
	return out
}
