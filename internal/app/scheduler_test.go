package app

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/transfa/disbursement-service/internal/domain"
	"github.com/transfa/disbursement-service/internal/store"
)

type countingRail struct {
	railStub
	sweeps atomic.Int32
}

func (c *countingRail) Authenticate(ctx context.Context) (RailSession, error) {
	c.sweeps.Add(1)
	return RailSession{}, nil
}

func TestScheduler_StopMarksReconcilersStopped(t *testing.T) {
	ledger := store.NewMemoryRepository()
	rec := NewReconciler(RailMpesa, &railStub{name: RailMpesa}, ledger, ReconcilerOptions{}, discardLogger(), nil)

	s := NewScheduler([]*Reconciler{rec}, time.Hour, 0, discardLogger())
	s.Start()

	select {
	case <-s.Stop().Done():
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}

	report, err := rec.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep returned error: %v", err)
	}
	if !report.Stopped {
		t.Fatal("expected sweep after Stop to report stopped")
	}
}

func TestScheduler_StopDuringStartupDelaySkipsRegistration(t *testing.T) {
	ledger := store.NewMemoryRepository()
	_, err := ledger.InsertPaymentItems(context.Background(), []domain.PaymentItem{
		{BatchID: "B1", ReferenceID: "r1", PayeeFA: "mm:1.x", Amount: "1", Currency: "KES", BackendName: ptrString(RailMpesa)},
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	rail := &countingRail{railStub: railStub{name: RailMpesa}}
	rec := NewReconciler(RailMpesa, rail, ledger, ReconcilerOptions{}, discardLogger(), nil)

	s := NewScheduler([]*Reconciler{rec}, time.Second, 50*time.Millisecond, discardLogger())
	s.Start()
	<-s.Stop().Done()

	time.Sleep(100 * time.Millisecond)
	if entries := s.cron.Entries(); len(entries) != 0 {
		t.Fatalf("expected no scheduled sweeps after an early stop, got %d", len(entries))
	}
	if got := rail.sweeps.Load(); got != 0 {
		t.Fatalf("expected no sweeps, got %d", got)
	}
}
