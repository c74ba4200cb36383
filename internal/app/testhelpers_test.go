package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/transfa/disbursement-service/internal/domain"
	"github.com/transfa/disbursement-service/internal/routing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ptrString(v string) *string { return &v }

func mustTable(t *testing.T) *routing.Table {
	t.Helper()
	table, err := routing.NewTable(
		[]domain.RoutingRule{
			{Order: 1, Regex: `^mm:`, Target: RailMpesa},
			{Order: 2, Regex: `@bank`, Target: RailMojaloop},
		},
		[]domain.RoutingRule{
			{Order: 1, Regex: `^mm:`, Target: "treasury:mobile"},
			{Order: 2, Regex: `.*`, Target: "treasury:default"},
		},
	)
	if err != nil {
		t.Fatalf("failed to build routing table: %v", err)
	}
	return table
}

func disbursementItem(ref, payeeFA, amount string) domain.DisbursementItem {
	return domain.DisbursementItem{
		ReferenceID:        ref,
		PayeeFA:            payeeFA,
		Amount:             amount,
		Currency:           "KES",
		ScheduledTimestamp: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

type translatorStub struct {
	mu        sync.Mutex
	addresses map[string]string
	err       error
	short     bool
	calls     [][]string
}

func (s *translatorStub) Translate(ctx context.Context, ids []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, append([]string(nil), ids...))
	if s.err != nil {
		return nil, s.err
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.addresses[id])
	}
	if s.short && len(out) > 0 {
		out = out[:len(out)-1]
	}
	return out, nil
}

type queueStub struct {
	err   error
	tasks []domain.IntakeTask
}

func (q *queueStub) Submit(ctx context.Context, task domain.IntakeTask) error {
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *queueStub) Close() {}
