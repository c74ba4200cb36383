package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/transfa/disbursement-service/internal/domain"
	"github.com/transfa/disbursement-service/internal/store"
)

func seedLedger(t *testing.T, ledger *store.MemoryRepository, batchID string, rows ...domain.PaymentItem) {
	t.Helper()
	for i := range rows {
		rows[i].BatchID = batchID
		rows[i].Amount = "10"
		rows[i].Currency = "KES"
		rows[i].ScheduledTimestamp = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
		rows[i].Status = domain.PaymentStatusReceived
	}
	_, err := ledger.InsertPaymentItems(context.Background(), rows)
	require.NoError(t, err)
}

func statusRequest(attrType string, value any) domain.StatusRequest {
	raw, _ := json.Marshal(value)
	return domain.StatusRequest{BatchID: "Q1", AttributeType: attrType, AttributeValue: raw}
}

func TestStatus_ReferenceListIsPositional(t *testing.T) {
	ledger := store.NewMemoryRepository()
	seedLedger(t, ledger, "B1",
		domain.PaymentItem{ReferenceID: "r1", PayeeFA: "mm:1.x", BackendName: ptrString(RailMpesa)},
		domain.PaymentItem{ReferenceID: "r2", PayeeFA: "mm:2.x"},
	)
	svc := NewStatusService(ledger, nil)

	resp, err := svc.Status(context.Background(), statusRequest("referenceIdList", []string{"r2", "missing", "r1"}))
	require.NoError(t, err)
	require.Equal(t, domain.AttributeTypeReferenceIDList, resp.AttributeType)
	require.NotEmpty(t, resp.CorrelationID)
	require.Len(t, resp.Items, 3)
	require.Equal(t, "r2", resp.Items[0].ReferenceID)
	require.Nil(t, resp.Items[1])
	require.Equal(t, "r1", resp.Items[2].ReferenceID)
	require.Equal(t, domain.PaymentStatusReceived, resp.Items[2].Status)
}

func TestStatus_ReturnsLatestRowForReusedReference(t *testing.T) {
	ledger := store.NewMemoryRepository()
	seedLedger(t, ledger, "B1", domain.PaymentItem{ReferenceID: "r1", PayeeFA: "mm:1.x", BackendName: ptrString(RailMpesa)})
	seedLedger(t, ledger, "B2", domain.PaymentItem{ReferenceID: "r1", PayeeFA: "mm:9.x", BackendName: ptrString(RailMpesa)})
	svc := NewStatusService(ledger, nil)

	resp, err := svc.Status(context.Background(), statusRequest("reference_id_list", []string{"r1"}))
	require.NoError(t, err)
	require.Equal(t, "mm:9.x", resp.Items[0].PayeeFA)
}

func TestStatus_BatchQueryPreservesInsertionOrder(t *testing.T) {
	ledger := store.NewMemoryRepository()
	seedLedger(t, ledger, "B1",
		domain.PaymentItem{ReferenceID: "r1", PayeeFA: "mm:1.x"},
		domain.PaymentItem{ReferenceID: "r2", PayeeFA: "mm:2.x"},
	)
	seedLedger(t, ledger, "B2", domain.PaymentItem{ReferenceID: "other", PayeeFA: "mm:3.x"})
	seedLedger(t, ledger, "B1", domain.PaymentItem{ReferenceID: "r3", PayeeFA: "mm:4.x"})
	svc := NewStatusService(ledger, nil)

	for _, attrType := range []string{"batchId", "batch_id", "transaction_id"} {
		resp, err := svc.Status(context.Background(), statusRequest(attrType, "B1"))
		require.NoError(t, err, attrType)
		require.Equal(t, domain.AttributeTypeBatchID, resp.AttributeType)
		require.Len(t, resp.Items, 3)
		require.Equal(t, "r1", resp.Items[0].ReferenceID)
		require.Equal(t, "r2", resp.Items[1].ReferenceID)
		require.Equal(t, "r3", resp.Items[2].ReferenceID)
	}

	resp, err := svc.Status(context.Background(), statusRequest("batchId", "unknown"))
	require.NoError(t, err)
	require.Empty(t, resp.Items)
}

func TestStatus_RepeatedQueriesAreIdentical(t *testing.T) {
	ledger := store.NewMemoryRepository()
	seedLedger(t, ledger, "B1", domain.PaymentItem{ReferenceID: "r1", PayeeFA: "mm:1.x", BackendName: ptrString(RailMpesa)})
	svc := NewStatusService(ledger, NewMemoryReferenceIndex())

	req := statusRequest("referenceIdList", []string{"r1"})
	first, err := svc.Status(context.Background(), req)
	require.NoError(t, err)
	second, err := svc.Status(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, first.Items, second.Items)
}

func TestStatus_InvalidInput(t *testing.T) {
	svc := NewStatusService(store.NewMemoryRepository(), nil)

	tests := []struct {
		name    string
		req     domain.StatusRequest
		wantErr error
	}{
		{name: "reference list given a string", req: statusRequest("referenceIdList", "r1"), wantErr: ErrInvalidAttributeValue},
		{name: "reference list given null", req: domain.StatusRequest{AttributeType: "referenceIdList", AttributeValue: json.RawMessage("null")}, wantErr: ErrInvalidAttributeValue},
		{name: "reference list with a null element", req: domain.StatusRequest{AttributeType: "referenceIdList", AttributeValue: json.RawMessage(`["r1", null]`)}, wantErr: ErrInvalidAttributeValue},
		{name: "reference list with numbers", req: statusRequest("referenceIdList", []int{1, 2}), wantErr: ErrInvalidAttributeValue},
		{name: "batch id given a list", req: statusRequest("batchId", []string{"B1"}), wantErr: ErrInvalidAttributeValue},
		{name: "batch id missing", req: domain.StatusRequest{AttributeType: "batchId"}, wantErr: ErrInvalidAttributeValue},
		{name: "unknown attribute type", req: statusRequest("payeeFa", "x"), wantErr: ErrAttributeTypeNotImplemented},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Status(context.Background(), tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

type countingStatusLedger struct {
	*store.MemoryRepository
	mu         sync.Mutex
	byBackend  map[string][]string
	unfiltered [][]string
}

func (l *countingStatusLedger) FindLatestByReferenceIDs(ctx context.Context, ids []string) (map[string]domain.PaymentItem, error) {
	l.mu.Lock()
	l.unfiltered = append(l.unfiltered, append([]string(nil), ids...))
	l.mu.Unlock()
	return l.MemoryRepository.FindLatestByReferenceIDs(ctx, ids)
}

func (l *countingStatusLedger) FindLatestByBackendAndReferenceIDs(ctx context.Context, backend string, ids []string) (map[string]domain.PaymentItem, error) {
	l.mu.Lock()
	if l.byBackend == nil {
		l.byBackend = make(map[string][]string)
	}
	l.byBackend[backend] = append(l.byBackend[backend], ids...)
	l.mu.Unlock()
	return l.MemoryRepository.FindLatestByBackendAndReferenceIDs(ctx, backend, ids)
}

func TestStatus_IndexedLookupFansOutPerBackend(t *testing.T) {
	repo := store.NewMemoryRepository()
	seedLedger(t, repo, "B1",
		domain.PaymentItem{ReferenceID: "r1", PayeeFA: "mm:1.x", BackendName: ptrString(RailMpesa)},
		domain.PaymentItem{ReferenceID: "r2", PayeeFA: "acc:1@bank", BackendName: ptrString(RailMojaloop)},
		domain.PaymentItem{ReferenceID: "r3", PayeeFA: "token:1"},
	)
	index := NewMemoryReferenceIndex()
	_, err := RebuildReferenceIndex(context.Background(), repo, index)
	require.NoError(t, err)

	ledger := &countingStatusLedger{MemoryRepository: repo}
	svc := NewStatusService(ledger, index)

	resp, err := svc.Status(context.Background(), statusRequest("referenceIdList", []string{"r1", "r2", "r3", "r1"}))
	require.NoError(t, err)
	require.Len(t, resp.Items, 4)
	for i, want := range []string{"r1", "r2", "r3", "r1"} {
		require.NotNil(t, resp.Items[i])
		require.Equal(t, want, resp.Items[i].ReferenceID)
	}

	require.Equal(t, []string{"r1"}, ledger.byBackend[RailMpesa])
	require.Equal(t, []string{"r2"}, ledger.byBackend[RailMojaloop])
	require.Equal(t, [][]string{{"r3"}}, ledger.unfiltered)
}

func TestStatus_StaleIndexEntryFallsBackToLedger(t *testing.T) {
	repo := store.NewMemoryRepository()
	seedLedger(t, repo, "B1", domain.PaymentItem{ReferenceID: "r1", PayeeFA: "mm:1.x", BackendName: ptrString(RailMpesa)})

	index := NewMemoryReferenceIndex()
	require.NoError(t, index.Record(context.Background(), map[string]domain.ReferenceOwner{"r1": {Backend: RailMojaloop, RowID: 1}}))

	svc := NewStatusService(repo, index)
	resp, err := svc.Status(context.Background(), statusRequest("referenceIdList", []string{"r1"}))
	require.NoError(t, err)
	require.NotNil(t, resp.Items[0])
	require.Equal(t, "r1", resp.Items[0].ReferenceID)
}

func TestStatus_IndexedRowNewerThanPartitionFallsBackToLedger(t *testing.T) {
	repo := store.NewMemoryRepository()
	seedLedger(t, repo, "B1", domain.PaymentItem{ReferenceID: "r1", PayeeFA: "mm:1.x", BackendName: ptrString(RailMpesa)})
	seedLedger(t, repo, "B2", domain.PaymentItem{ReferenceID: "r1", PayeeFA: "x:1@bank", BackendName: ptrString(RailMojaloop)})

	// the entry names row 2 but the wrong backend, whose partition only holds row 1
	index := NewMemoryReferenceIndex()
	require.NoError(t, index.Record(context.Background(), map[string]domain.ReferenceOwner{"r1": {Backend: RailMpesa, RowID: 2}}))

	svc := NewStatusService(repo, index)
	resp, err := svc.Status(context.Background(), statusRequest("referenceIdList", []string{"r1"}))
	require.NoError(t, err)
	require.NotNil(t, resp.Items[0])
	require.Equal(t, "x:1@bank", resp.Items[0].PayeeFA)
}

// lossyIndex drops every Record call after the first allowed ones.
type lossyIndex struct {
	*MemoryReferenceIndex
	allowedRecords int
}

func (l *lossyIndex) Record(ctx context.Context, entries map[string]domain.ReferenceOwner) error {
	if l.allowedRecords == 0 {
		return errors.New("redis write timed out")
	}
	l.allowedRecords--
	return l.MemoryReferenceIndex.Record(ctx, entries)
}

func TestStatus_ReusedReferenceWithLostIndexWrite(t *testing.T) {
	ctx := context.Background()
	ledger := store.NewMemoryRepository()
	index := &lossyIndex{MemoryReferenceIndex: NewMemoryReferenceIndex(), allowedRecords: 1}
	intake := NewIntakeService(ledger, mustTable(t), nil, index, 0, nil)

	_, err := intake.ProcessBatch(ctx, domain.IntakeTask{BatchID: "B1", Items: []domain.DisbursementItem{disbursementItem("r1", "mm:1.x", "10")}})
	require.NoError(t, err)
	_, err = intake.ProcessBatch(ctx, domain.IntakeTask{BatchID: "B2", Items: []domain.DisbursementItem{disbursementItem("r1", "x:1@bank", "10")}})
	require.NoError(t, err)

	indexed := NewStatusService(ledger, index)
	plain := NewStatusService(ledger, nil)
	req := statusRequest("referenceIdList", []string{"r1"})

	withIndex, err := indexed.Status(ctx, req)
	require.NoError(t, err)
	withoutIndex, err := plain.Status(ctx, req)
	require.NoError(t, err)

	require.NotNil(t, withIndex.Items[0])
	require.Equal(t, "x:1@bank", withIndex.Items[0].PayeeFA)
	require.Equal(t, withoutIndex.Items, withIndex.Items)
}

type brokenIndex struct{}

func (brokenIndex) Record(ctx context.Context, entries map[string]domain.ReferenceOwner) error {
	return nil
}

func (brokenIndex) Forget(ctx context.Context, ids []string) error { return nil }

func (brokenIndex) Lookup(ctx context.Context, ids []string) (map[string]domain.ReferenceOwner, error) {
	return nil, errors.New("redis unavailable")
}

func TestStatus_IndexErrorFallsBackToLedger(t *testing.T) {
	repo := store.NewMemoryRepository()
	seedLedger(t, repo, "B1", domain.PaymentItem{ReferenceID: "r1", PayeeFA: "mm:1.x", BackendName: ptrString(RailMpesa)})

	svc := NewStatusService(repo, brokenIndex{})
	resp, err := svc.Status(context.Background(), statusRequest("referenceIdList", []string{"r1", "r2"}))
	require.NoError(t, err)
	require.NotNil(t, resp.Items[0])
	require.Nil(t, resp.Items[1])
}
