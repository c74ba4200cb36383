/**
 * @description
 * Disbursement intake. Disburse validates a batch and acknowledges it
 * synchronously; ProcessBatch runs later on the task queue and does the
 * translation, routing, and ledger writes.
 *
 * @notes
 * - The acknowledgement means "accepted for processing". Translation and routing
 *   failures never reach the caller; they surface in the IntakeReport and in status.
 * - If translation fails for a batch, every item in it is persisted unrouted.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/disbursement-service/internal/domain"
	"github.com/transfa/disbursement-service/internal/metrics"
	"github.com/transfa/disbursement-service/internal/routing"
)

var (
	ErrInvalidDisburseRequest = errors.New("invalid disburse request")
	ErrIntakeUnavailable      = errors.New("intake is not accepting batches")
	ErrTranslationMismatch    = errors.New("translation returned a different number of addresses")
)

const defaultMaxBatchSize = 1000

// IntakeLedger is the slice of the ledger intake writes to.
type IntakeLedger interface {
	InsertPaymentItems(ctx context.Context, items []domain.PaymentItem) ([]domain.PaymentItem, error)
}

// IntakeService accepts disbursement batches and persists them as ledger rows.
type IntakeService struct {
	ledger       IntakeLedger
	table        *routing.Table
	translator   Translator
	index        ReferenceIndex
	queue        TaskQueue
	maxBatchSize int
	metrics      *metrics.Metrics
	now          func() time.Time
}

// NewIntakeService creates the intake service. translator and index may be nil to
// disable ID translation and reference indexing.
func NewIntakeService(ledger IntakeLedger, table *routing.Table, translator Translator, index ReferenceIndex, maxBatchSize int, m *metrics.Metrics) *IntakeService {
	if maxBatchSize <= 0 {
		maxBatchSize = defaultMaxBatchSize
	}
	return &IntakeService{
		ledger:       ledger,
		table:        table,
		translator:   translator,
		index:        index,
		maxBatchSize: maxBatchSize,
		metrics:      m,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetTaskQueue attaches the queue Disburse submits to. The queue usually wraps
// HandleTask, so it is attached after construction.
func (s *IntakeService) SetTaskQueue(queue TaskQueue) {
	s.queue = queue
}

// Disburse validates the batch, hands it to the task queue, and returns the
// acknowledgement without waiting for processing.
func (s *IntakeService) Disburse(ctx context.Context, req domain.DisburseRequest) (*domain.DisburseAcknowledgement, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	batchID := strings.TrimSpace(req.BatchID)
	if batchID == "" {
		batchID = uuid.NewString()
	}

	ack := &domain.DisburseAcknowledgement{
		BatchID: batchID,
		Items:   make([]domain.DisbursementItemStatus, 0, len(req.Items)),
	}
	for _, item := range req.Items {
		ack.Items = append(ack.Items, domain.DisbursementItemStatus{
			ReferenceID: item.ReferenceID,
			Status:      domain.PaymentStatusReceived,
			Amount:      item.Amount,
			Currency:    item.Currency,
			PayerFA:     item.PayerFA,
			PayerName:   item.PayerName,
			PayeeFA:     item.PayeeFA,
			PayeeName:   item.PayeeName,
			Instruction: item.Instruction,
		})
	}

	if s.queue == nil {
		return nil, ErrIntakeUnavailable
	}
	task := domain.IntakeTask{BatchID: batchID, Items: req.Items, AcceptedAt: s.now()}
	if err := s.queue.Submit(ctx, task); err != nil {
		log.Printf("level=error component=intake batch_id=%s msg=\"failed to enqueue batch\" err=%v", batchID, err)
		return nil, fmt.Errorf("%w: %v", ErrIntakeUnavailable, err)
	}

	log.Printf("level=info component=intake batch_id=%s items=%d msg=\"batch accepted\"", batchID, len(req.Items))
	return ack, nil
}

func (s *IntakeService) validate(req domain.DisburseRequest) error {
	if len(req.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrInvalidDisburseRequest)
	}
	if len(req.Items) > s.maxBatchSize {
		return fmt.Errorf("%w: batch has %d items, maximum is %d", ErrInvalidDisburseRequest, len(req.Items), s.maxBatchSize)
	}

	seen := make(map[string]struct{}, len(req.Items))
	for i, item := range req.Items {
		ref := strings.TrimSpace(item.ReferenceID)
		if ref == "" {
			return fmt.Errorf("%w: items[%d].reference_id is required", ErrInvalidDisburseRequest, i)
		}
		if _, dup := seen[ref]; dup {
			return fmt.Errorf("%w: duplicate reference_id %q", ErrInvalidDisburseRequest, ref)
		}
		seen[ref] = struct{}{}

		if strings.TrimSpace(item.PayeeFA) == "" {
			return fmt.Errorf("%w: items[%d].payee_fa is required", ErrInvalidDisburseRequest, i)
		}
		amount, err := decimal.NewFromString(strings.TrimSpace(item.Amount))
		if err != nil {
			return fmt.Errorf("%w: items[%d].amount must be a decimal number", ErrInvalidDisburseRequest, i)
		}
		if !amount.IsPositive() {
			return fmt.Errorf("%w: items[%d].amount must be positive", ErrInvalidDisburseRequest, i)
		}
		if strings.TrimSpace(item.Currency) == "" {
			return fmt.Errorf("%w: items[%d].currency is required", ErrInvalidDisburseRequest, i)
		}
		if item.ScheduledTimestamp.IsZero() {
			return fmt.Errorf("%w: items[%d].scheduled_timestamp is required", ErrInvalidDisburseRequest, i)
		}
	}
	return nil
}

// HandleTask is the TaskFunc run by the queue workers.
func (s *IntakeService) HandleTask(ctx context.Context, task domain.IntakeTask) {
	report, err := s.ProcessBatch(ctx, task)
	if err != nil {
		log.Printf("level=error component=intake batch_id=%s msg=\"batch processing failed\" err=%v", task.BatchID, err)
		return
	}
	if report.TranslationErr != nil {
		log.Printf("level=warn component=intake batch_id=%s msg=\"id translation failed; batch persisted unrouted\" err=%v", report.BatchID, report.TranslationErr)
	}
	var queueWait time.Duration
	if !task.AcceptedAt.IsZero() {
		queueWait = s.now().Sub(task.AcceptedAt)
	}
	log.Printf("level=info component=intake batch_id=%s inserted=%d unrouted=%d queue_wait=%s msg=\"batch persisted\"", report.BatchID, report.Inserted, report.Unrouted, queueWait)
}

// ProcessBatch translates, routes, and persists one accepted batch in caller order.
func (s *IntakeService) ProcessBatch(ctx context.Context, task domain.IntakeTask) (*domain.IntakeReport, error) {
	report := &domain.IntakeReport{BatchID: task.BatchID}
	if len(task.Items) == 0 {
		return report, nil
	}

	addresses, routable := s.resolveAddresses(ctx, task.Items, report)

	rows := make([]domain.PaymentItem, 0, len(task.Items))
	for i, item := range task.Items {
		row := domain.PaymentItem{
			BatchID:            task.BatchID,
			ReferenceID:        item.ReferenceID,
			PayerFA:            item.PayerFA,
			PayeeFA:            item.PayeeFA,
			Amount:             strings.TrimSpace(item.Amount),
			Currency:           item.Currency,
			ScheduledTimestamp: item.ScheduledTimestamp.UTC(),
			Status:             domain.PaymentStatusReceived,
		}
		if row.PayerFA == nil || strings.TrimSpace(*row.PayerFA) == "" {
			row.PayerFA = nil
			if payer, ok := s.table.ResolvePayerAddress(addresses[i]); ok {
				row.PayerFA = &payer
			}
		}
		if routable {
			if backend, ok := s.table.ResolveBackend(addresses[i]); ok {
				row.BackendName = &backend
			}
		}
		if row.BackendName == nil {
			report.Unrouted++
		}
		rows = append(rows, row)
	}

	s.forgetReferences(ctx, task)

	inserted, err := s.ledger.InsertPaymentItems(ctx, rows)
	if err != nil {
		return report, fmt.Errorf("insert batch %s: %w", task.BatchID, err)
	}
	report.Inserted = len(inserted)
	s.metrics.RecordIntake(report.Inserted, report.Unrouted, report.TranslationErr != nil)

	if s.index != nil {
		entries := make(map[string]domain.ReferenceOwner, len(inserted))
		for _, row := range inserted {
			owner := domain.ReferenceOwner{RowID: row.ID}
			if row.BackendName != nil {
				owner.Backend = *row.BackendName
			}
			entries[row.ReferenceID] = owner
		}
		if err := s.index.Record(ctx, entries); err != nil {
			// references stay forgotten, so status reads them from the ledger
			log.Printf("level=warn component=intake batch_id=%s msg=\"failed to update reference index\" err=%v", task.BatchID, err)
		}
	}
	return report, nil
}

// forgetReferences drops the batch's references from the index before their new
// rows are inserted. An entry left behind would point status at an older row.
func (s *IntakeService) forgetReferences(ctx context.Context, task domain.IntakeTask) {
	if s.index == nil {
		return
	}
	refs := make([]string, 0, len(task.Items))
	for _, item := range task.Items {
		refs = append(refs, item.ReferenceID)
	}
	if err := s.index.Forget(ctx, refs); err != nil {
		log.Printf("level=warn component=intake batch_id=%s msg=\"failed to clear reference index entries\" err=%v", task.BatchID, err)
	}
}

// resolveAddresses returns the address each item is routed on and whether the
// batch may be routed at all.
func (s *IntakeService) resolveAddresses(ctx context.Context, items []domain.DisbursementItem, report *domain.IntakeReport) ([]string, bool) {
	raw := make([]string, len(items))
	for i, item := range items {
		raw[i] = item.PayeeFA
	}
	if s.translator == nil {
		return raw, true
	}

	translated, err := s.translator.Translate(ctx, raw)
	if err == nil && len(translated) != len(raw) {
		err = fmt.Errorf("%w: got %d for %d ids", ErrTranslationMismatch, len(translated), len(raw))
	}
	if err != nil {
		report.TranslationErr = err
		return raw, false
	}
	return translated, true
}
