package store

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/suite"

	"github.com/transfa/disbursement-service/internal/domain"
)

// PostgresRepositorySuite runs against the database in DATABASE_URL. Every test
// uses its own backend name and reference ids, so a shared database is fine.
type PostgresRepositorySuite struct {
	suite.Suite
	pool    *pgxpool.Pool
	repo    *PostgresRepository
	ctx     context.Context
	run     string
	backend string
	other   string
}

func TestPostgresRepositorySuite(t *testing.T) {
	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("DATABASE_URL not set")
	}
	suite.Run(t, new(PostgresRepositorySuite))
}

func (s *PostgresRepositorySuite) SetupSuite() {
	s.ctx = context.Background()
	poolConfig, err := pgxpool.ParseConfig(os.Getenv("DATABASE_URL"))
	s.Require().NoError(err)
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	s.pool, err = pgxpool.NewWithConfig(s.ctx, poolConfig)
	s.Require().NoError(err)
	s.repo = NewPostgresRepository(s.pool)
	s.Require().NoError(s.repo.EnsureSchema(s.ctx))
}

func (s *PostgresRepositorySuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *PostgresRepositorySuite) SetupTest() {
	s.run = uuid.NewString()[:8]
	s.backend = "mpesa-" + s.run
	s.other = "mojaloop-" + s.run
}

func (s *PostgresRepositorySuite) TearDownTest() {
	_, err := s.pool.Exec(s.ctx, `DELETE FROM payment_list WHERE batch_id LIKE $1`, s.run+"-%")
	s.Require().NoError(err)
}

func (s *PostgresRepositorySuite) batch(name string) string { return s.run + "-" + name }

func (s *PostgresRepositorySuite) ref(name string) string { return s.run + "-" + name }

func (s *PostgresRepositorySuite) TestFindLatestByReferenceIDs() {
	first, err := s.repo.InsertPaymentItems(s.ctx, []domain.PaymentItem{
		paymentItem(s.batch("B1"), s.ref("r1"), ptrString(s.backend)),
		paymentItem(s.batch("B1"), s.ref("r2"), ptrString(s.other)),
	})
	s.Require().NoError(err)
	second, err := s.repo.InsertPaymentItems(s.ctx, []domain.PaymentItem{
		paymentItem(s.batch("B2"), s.ref("r1"), ptrString(s.other)),
	})
	s.Require().NoError(err)
	s.Require().Greater(second[0].ID, first[0].ID)

	s.Run("latest row wins", func() {
		found, err := s.repo.FindLatestByReferenceIDs(s.ctx, []string{s.ref("r1"), s.ref("r2"), s.ref("missing")})
		s.Require().NoError(err)
		s.Len(found, 2)
		s.Equal(second[0].ID, found[s.ref("r1")].ID)
		s.Equal(s.batch("B1"), found[s.ref("r2")].BatchID)
		s.Equal(domain.PaymentStatusReceived, found[s.ref("r2")].Status)
	})

	s.Run("restricted to backend partition", func() {
		found, err := s.repo.FindLatestByBackendAndReferenceIDs(s.ctx, s.backend, []string{s.ref("r1"), s.ref("r2")})
		s.Require().NoError(err)
		s.Len(found, 1)
		s.Equal(first[0].ID, found[s.ref("r1")].ID)
	})

	s.Run("reference owners follow the latest row", func() {
		owners, err := s.repo.ListReferenceOwners(s.ctx)
		s.Require().NoError(err)
		s.Equal(domain.ReferenceOwner{Backend: s.other, RowID: second[0].ID}, owners[s.ref("r1")])
		s.Equal(domain.ReferenceOwner{Backend: s.other, RowID: first[1].ID}, owners[s.ref("r2")])
	})
}

func (s *PostgresRepositorySuite) TestListRetryEligibleIsFIFO() {
	inserted, err := s.repo.InsertPaymentItems(s.ctx, []domain.PaymentItem{
		paymentItem(s.batch("B1"), s.ref("r1"), ptrString(s.backend)),
		paymentItem(s.batch("B1"), s.ref("r2"), ptrString(s.other)),
		paymentItem(s.batch("B1"), s.ref("r3"), ptrString(s.backend)),
		paymentItem(s.batch("B1"), s.ref("r4"), ptrString(s.backend)),
		paymentItem(s.batch("B1"), s.ref("r5"), nil),
	})
	s.Require().NoError(err)
	s.Require().NoError(s.repo.UpdatePaymentStatus(s.ctx, inserted[2].ID, UpdatePaymentStatusParams{Status: domain.PaymentStatusSucceeded}))
	s.Require().NoError(s.repo.UpdatePaymentStatus(s.ctx, inserted[3].ID, UpdatePaymentStatusParams{
		Status:       domain.PaymentStatusRejected,
		ErrorCode:    ptrString(domain.ErrorCodePaymentFailed),
		ErrorMessage: ptrString("boom"),
	}))

	retry := []domain.PaymentStatus{domain.PaymentStatusReceived, domain.PaymentStatusRejected}

	s.Run("oldest first within the backend", func() {
		rows, err := s.repo.ListRetryEligible(s.ctx, s.backend, retry, 0)
		s.Require().NoError(err)
		s.Require().Len(rows, 2)
		s.Equal(s.ref("r1"), rows[0].ReferenceID)
		s.Equal(s.ref("r4"), rows[1].ReferenceID)
		s.Require().NotNil(rows[1].ErrorMessage)
		s.Equal("boom", *rows[1].ErrorMessage)
	})

	s.Run("limit", func() {
		rows, err := s.repo.ListRetryEligible(s.ctx, s.backend, retry, 1)
		s.Require().NoError(err)
		s.Require().Len(rows, 1)
		s.Equal(s.ref("r1"), rows[0].ReferenceID)
	})

	s.Run("batch order", func() {
		rows, err := s.repo.FindByBatchID(s.ctx, s.batch("B1"))
		s.Require().NoError(err)
		s.Require().Len(rows, 5)
		s.Nil(rows[4].BackendName)
		s.Equal(domain.PaymentStatusSucceeded, rows[2].Status)
	})
}

func (s *PostgresRepositorySuite) TestUpdateUnknownID() {
	err := s.repo.UpdatePaymentStatus(s.ctx, -1, UpdatePaymentStatusParams{Status: domain.PaymentStatusSucceeded})
	s.ErrorIs(err, ErrPaymentItemNotFound)
}
