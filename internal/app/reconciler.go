/**
 * @description
 * Per-backend reconciliation. Each sweep polls the ledger for the backend's
 * retry-eligible items in insertion order, authenticates against the rail once,
 * and attempts every item sequentially, writing the outcome back to the ledger.
 *
 * @notes
 * - Rejected items are picked up again on the next sweep with no backoff and no
 *   attempt cap.
 * - A stop request is honoured only between sweeps; a transfer that has started
 *   always runs to completion or timeout.
 */
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/transfa/disbursement-service/internal/domain"
	"github.com/transfa/disbursement-service/internal/metrics"
	"github.com/transfa/disbursement-service/internal/store"
)

// SweepLedger is the slice of the ledger a reconciler touches.
type SweepLedger interface {
	ListRetryEligible(ctx context.Context, backend string, statuses []domain.PaymentStatus, limit int) ([]domain.PaymentItem, error)
	UpdatePaymentStatus(ctx context.Context, id int64, params store.UpdatePaymentStatusParams) error
}

// ReconcilerOptions tunes a sweep.
type ReconcilerOptions struct {
	RetryStatuses []domain.PaymentStatus
	BatchLimit    int
	CallTimeout   time.Duration
}

// Reconciler owns one backend's partition of the ledger.
type Reconciler struct {
	backend string
	rail    Rail
	ledger  SweepLedger
	opts    ReconcilerOptions
	logger  *slog.Logger
	metrics *metrics.Metrics
	stopped atomic.Bool
}

func NewReconciler(backend string, rail Rail, ledger SweepLedger, opts ReconcilerOptions, logger *slog.Logger, m *metrics.Metrics) *Reconciler {
	if len(opts.RetryStatuses) == 0 {
		opts.RetryStatuses = []domain.PaymentStatus{domain.PaymentStatusReceived, domain.PaymentStatusRejected}
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	return &Reconciler{
		backend: backend,
		rail:    rail,
		ledger:  ledger,
		opts:    opts,
		logger:  logger.With("backend", backend),
		metrics: m,
	}
}

func (r *Reconciler) Backend() string { return r.backend }

// Stop makes every later sweep return immediately.
func (r *Reconciler) Stop() { r.stopped.Store(true) }

// Run is the scheduled entry point.
func (r *Reconciler) Run() {
	report, err := r.Sweep(context.Background())
	if err != nil {
		r.logger.Error("sweep failed", "error", err)
		return
	}
	if report.Stopped || report.Picked == 0 {
		r.logger.Debug("sweep found no work", "stopped", report.Stopped)
		return
	}
	r.logger.Info("sweep finished",
		"picked", report.Picked,
		"succeeded", report.Succeeded,
		"rejected", report.Rejected,
		"auth_failed", report.AuthFailed,
		"write_errors", report.WriteErrors,
	)
}

// Sweep runs one poll-dispatch-update cycle. Only a failed poll is returned as an
// error; per-item failures are counted in the report.
func (r *Reconciler) Sweep(ctx context.Context) (*domain.SweepReport, error) {
	report := &domain.SweepReport{Backend: r.backend}
	if r.stopped.Load() {
		report.Stopped = true
		return report, nil
	}

	items, err := r.ledger.ListRetryEligible(ctx, r.backend, r.opts.RetryStatuses, r.opts.BatchLimit)
	if err != nil {
		return nil, fmt.Errorf("list retry-eligible items: %w", err)
	}
	report.Picked = len(items)
	if len(items) == 0 {
		return report, nil
	}

	// writes and rail calls must outlive a cancelled caller once the sweep has begun
	workCtx := context.WithoutCancel(ctx)

	authCtx, cancel := context.WithTimeout(workCtx, r.opts.CallTimeout)
	session, err := r.rail.Authenticate(authCtx)
	cancel()
	if err != nil {
		r.logger.Error("rail authentication failed; rejecting sweep", "error", err, "items", len(items))
		r.metrics.IncrementAuthFailure(r.backend)
		report.AuthFailed = true
		message := fmt.Sprintf("%s payment failed during authentication", r.rail.Name())
		for _, item := range items {
			r.reject(workCtx, item, message, report)
		}
		return report, nil
	}

	for _, item := range items {
		r.attempt(workCtx, session, item, report)
	}
	return report, nil
}

func (r *Reconciler) attempt(ctx context.Context, session RailSession, item domain.PaymentItem, report *domain.SweepReport) {
	if err := r.ledger.UpdatePaymentStatus(ctx, item.ID, store.UpdatePaymentStatusParams{
		Status:       domain.PaymentStatusPending,
		ErrorCode:    item.ErrorCode,
		ErrorMessage: item.ErrorMessage,
	}); err != nil {
		r.logger.Error("failed to mark item pending; skipping", "id", item.ID, "reference_id", item.ReferenceID, "error", err)
		report.WriteErrors++
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
	start := time.Now()
	err := r.rail.Transfer(callCtx, session, item)
	r.metrics.ObserveRailCall(r.backend, start)
	cancel()

	if err != nil {
		r.logger.Warn("transfer failed", "id", item.ID, "reference_id", item.ReferenceID, "error", err)
		r.reject(ctx, item, fmt.Sprintf("%s payment failed with unknown reason", r.rail.Name()), report)
		return
	}

	if err := r.ledger.UpdatePaymentStatus(ctx, item.ID, store.UpdatePaymentStatusParams{
		Status: domain.PaymentStatusSucceeded,
	}); err != nil {
		r.logger.Error("failed to record successful transfer", "id", item.ID, "reference_id", item.ReferenceID, "error", err)
		report.WriteErrors++
		return
	}
	report.Succeeded++
	r.metrics.IncrementSweepItem(r.backend, string(domain.PaymentStatusSucceeded))
}

func (r *Reconciler) reject(ctx context.Context, item domain.PaymentItem, message string, report *domain.SweepReport) {
	code := domain.ErrorCodePaymentFailed
	if err := r.ledger.UpdatePaymentStatus(ctx, item.ID, store.UpdatePaymentStatusParams{
		Status:       domain.PaymentStatusRejected,
		ErrorCode:    &code,
		ErrorMessage: &message,
	}); err != nil {
		r.logger.Error("failed to record rejection", "id", item.ID, "reference_id", item.ReferenceID, "error", err)
		report.WriteErrors++
		return
	}
	report.Rejected++
	r.metrics.IncrementSweepItem(r.backend, string(domain.PaymentStatusRejected))
}
