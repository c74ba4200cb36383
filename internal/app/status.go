package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/transfa/disbursement-service/internal/domain"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidAttributeValue       = errors.New("invalid attribute value")
	ErrAttributeTypeNotImplemented = errors.New("attribute type not implemented")
)

// StatusLedger is the read side of the ledger used by status queries.
type StatusLedger interface {
	FindByBatchID(ctx context.Context, batchID string) ([]domain.PaymentItem, error)
	FindLatestByReferenceIDs(ctx context.Context, referenceIDs []string) (map[string]domain.PaymentItem, error)
	FindLatestByBackendAndReferenceIDs(ctx context.Context, backend string, referenceIDs []string) (map[string]domain.PaymentItem, error)
}

// StatusService answers status queries from the ledger. Reads never mutate, so
// repeated queries without an intervening sweep return identical records.
type StatusService struct {
	ledger StatusLedger
	index  ReferenceIndex
}

// NewStatusService creates the status service. A nil index sends every
// reference lookup straight to the ledger.
func NewStatusService(ledger StatusLedger, index ReferenceIndex) *StatusService {
	return &StatusService{ledger: ledger, index: index}
}

func (s *StatusService) Status(ctx context.Context, req domain.StatusRequest) (*domain.StatusResponse, error) {
	attrType := domain.NormalizeAttributeType(req.AttributeType)
	resp := &domain.StatusResponse{
		BatchID:       req.BatchID,
		CorrelationID: uuid.NewString(),
		AttributeType: attrType,
	}

	switch attrType {
	case domain.AttributeTypeReferenceIDList:
		ids, err := decodeReferenceList(req.AttributeValue)
		if err != nil {
			return nil, fmt.Errorf("%w: attribute_value is supposed to be a list of strings", ErrInvalidAttributeValue)
		}
		items, err := s.byReferenceIDs(ctx, ids)
		if err != nil {
			return nil, err
		}
		resp.Items = items
	case domain.AttributeTypeBatchID:
		var batchID string
		if err := decodeStrict(req.AttributeValue, &batchID); err != nil {
			return nil, fmt.Errorf("%w: attribute_value is supposed to be a string", ErrInvalidAttributeValue)
		}
		rows, err := s.ledger.FindByBatchID(ctx, batchID)
		if err != nil {
			return nil, fmt.Errorf("find batch %s: %w", batchID, err)
		}
		resp.Items = make([]*domain.StatusRecord, 0, len(rows))
		for _, row := range rows {
			resp.Items = append(resp.Items, domain.NewStatusRecord(row))
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrAttributeTypeNotImplemented, req.AttributeType)
	}
	return resp, nil
}

// decodeStrict rejects JSON null and values of the wrong shape.
func decodeStrict(raw json.RawMessage, dst any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return errors.New("missing value")
	}
	return json.Unmarshal(trimmed, dst)
}

// decodeReferenceList accepts only a JSON array of strings. A null element would
// otherwise decode to "".
func decodeReferenceList(raw json.RawMessage) ([]string, error) {
	var values []*string
	if err := decodeStrict(raw, &values); err != nil {
		return nil, err
	}
	if values == nil {
		return nil, errors.New("missing value")
	}
	ids := make([]string, len(values))
	for i, value := range values {
		if value == nil {
			return nil, fmt.Errorf("element %d is null", i)
		}
		ids[i] = *value
	}
	return ids, nil
}

// byReferenceIDs returns one record per input id, in input order, nil for misses.
func (s *StatusService) byReferenceIDs(ctx context.Context, ids []string) ([]*domain.StatusRecord, error) {
	found, err := s.lookupReferences(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.StatusRecord, len(ids))
	for i, id := range ids {
		if row, ok := found[id]; ok {
			out[i] = domain.NewStatusRecord(row)
		}
	}
	return out, nil
}

func (s *StatusService) lookupReferences(ctx context.Context, ids []string) (map[string]domain.PaymentItem, error) {
	unique := dedupe(ids)
	if len(unique) == 0 {
		return map[string]domain.PaymentItem{}, nil
	}
	if s.index == nil {
		return s.ledger.FindLatestByReferenceIDs(ctx, unique)
	}

	owners, err := s.index.Lookup(ctx, unique)
	if err != nil {
		log.Printf("level=warn component=status msg=\"reference index lookup failed; using ledger\" err=%v", err)
		return s.ledger.FindLatestByReferenceIDs(ctx, unique)
	}

	byBackend := make(map[string][]string)
	var misses []string
	for _, id := range unique {
		if owner, ok := owners[id]; ok {
			byBackend[owner.Backend] = append(byBackend[owner.Backend], id)
		} else {
			misses = append(misses, id)
		}
	}

	var (
		mu     sync.Mutex
		result = make(map[string]domain.PaymentItem, len(unique))
	)
	merge := func(rows map[string]domain.PaymentItem) {
		mu.Lock()
		defer mu.Unlock()
		for ref, row := range rows {
			result[ref] = row
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for backend, refs := range byBackend {
		backend, refs := backend, refs
		g.Go(func() error {
			rows, err := s.ledger.FindLatestByBackendAndReferenceIDs(gctx, backend, refs)
			if err != nil {
				return fmt.Errorf("status for backend %s: %w", backend, err)
			}
			merge(rows)
			return nil
		})
	}
	if len(misses) > 0 {
		g.Go(func() error {
			rows, err := s.ledger.FindLatestByReferenceIDs(gctx, misses)
			if err != nil {
				return fmt.Errorf("status for unindexed references: %w", err)
			}
			merge(rows)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// an indexed reference whose partition has no row, or only a row older than
	// the indexed one, is re-read from the whole ledger
	var stale []string
	for _, refs := range byBackend {
		for _, ref := range refs {
			row, ok := result[ref]
			if !ok || row.ID < owners[ref].RowID {
				delete(result, ref)
				stale = append(stale, ref)
			}
		}
	}
	if len(stale) > 0 {
		rows, err := s.ledger.FindLatestByReferenceIDs(ctx, stale)
		if err != nil {
			return nil, fmt.Errorf("status for stale index entries: %w", err)
		}
		merge(rows)
	}
	return result, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
