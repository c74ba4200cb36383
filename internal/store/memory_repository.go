package store

import (
	"context"
	"sync"
	"time"

	"github.com/transfa/disbursement-service/internal/domain"
)

// MemoryRepository is a process-local Ledger used for local runs (LEDGER_DRIVER=memory)
// and tests. Rows live in insertion order, so the slice index tracks the id.
type MemoryRepository struct {
	mu     sync.RWMutex
	items  []domain.PaymentItem
	nextID int64
	now    func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{nextID: 1, now: func() time.Time { return time.Now().UTC() }}
}

func (r *MemoryRepository) InsertPaymentItems(ctx context.Context, items []domain.PaymentItem) ([]domain.PaymentItem, error) {
	if len(items) == 0 {
		return nil, ErrEmptyInsert
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	inserted := make([]domain.PaymentItem, 0, len(items))
	for _, item := range items {
		item.ID = r.nextID
		r.nextID++
		if item.Status == "" {
			item.Status = domain.PaymentStatusReceived
		}
		item.CreatedAt = now
		item.UpdatedAt = now
		r.items = append(r.items, item)
		inserted = append(inserted, item)
	}
	return inserted, nil
}

func (r *MemoryRepository) ListRetryEligible(ctx context.Context, backend string, statuses []domain.PaymentStatus, limit int) ([]domain.PaymentItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	wanted := make(map[domain.PaymentStatus]struct{}, len(statuses))
	for _, status := range statuses {
		wanted[status] = struct{}{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.PaymentItem
	for _, item := range r.items {
		if item.BackendName == nil || *item.BackendName != backend {
			continue
		}
		if _, ok := wanted[item.Status]; !ok {
			continue
		}
		out = append(out, item)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *MemoryRepository) UpdatePaymentStatus(ctx context.Context, id int64, params UpdatePaymentStatusParams) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	idx := int(id - 1)
	if id < 1 || idx >= len(r.items) {
		return ErrPaymentItemNotFound
	}
	item := &r.items[idx]
	item.Status = params.Status
	item.ErrorCode = copyString(params.ErrorCode)
	item.ErrorMessage = copyString(params.ErrorMessage)
	item.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRepository) FindByBatchID(ctx context.Context, batchID string) ([]domain.PaymentItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.PaymentItem
	for _, item := range r.items {
		if item.BatchID == batchID {
			out = append(out, item)
		}
	}
	return out, nil
}

func (r *MemoryRepository) FindLatestByReferenceIDs(ctx context.Context, referenceIDs []string) (map[string]domain.PaymentItem, error) {
	return r.findLatest(ctx, nil, referenceIDs)
}

func (r *MemoryRepository) FindLatestByBackendAndReferenceIDs(ctx context.Context, backend string, referenceIDs []string) (map[string]domain.PaymentItem, error) {
	return r.findLatest(ctx, &backend, referenceIDs)
}

func (r *MemoryRepository) ListReferenceOwners(ctx context.Context) (map[string]domain.ReferenceOwner, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	owners := make(map[string]domain.ReferenceOwner)
	for _, item := range r.items {
		if item.Routed() {
			owners[item.ReferenceID] = domain.ReferenceOwner{Backend: *item.BackendName, RowID: item.ID}
		} else {
			delete(owners, item.ReferenceID)
		}
	}
	return owners, nil
}

func (r *MemoryRepository) findLatest(ctx context.Context, backend *string, referenceIDs []string) (map[string]domain.PaymentItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	wanted := make(map[string]struct{}, len(referenceIDs))
	for _, id := range referenceIDs {
		wanted[id] = struct{}{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]domain.PaymentItem)
	for _, item := range r.items {
		if _, ok := wanted[item.ReferenceID]; !ok {
			continue
		}
		if backend != nil && (item.BackendName == nil || *item.BackendName != *backend) {
			continue
		}
		// later rows overwrite earlier ones
		out[item.ReferenceID] = item
	}
	return out, nil
}

func copyString(v *string) *string {
	if v == nil {
		return nil
	}
	s := *v
	return &s
}
