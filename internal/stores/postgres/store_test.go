package pgice

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	pgContainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/rzbill/ice/internal/ice"
	"github.com/rzbill/ice/internal/ice/icetest"
	logpkg "github.com/rzbill/ice/pkg/log"
)

type StoreSuite struct {
	suite.Suite

	container *pgContainer.PostgresContainer
	pool      *pgxpool.Pool
}

func TestStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("postgres container tests skipped in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupSuite() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := pgContainer.Run(ctx,
		"postgres:17",
		pgContainer.WithDatabase("ice"),
		pgContainer.WithUsername("ice"),
		pgContainer.WithPassword("ice"),
		pgContainer.BasicWaitStrategies(),
	)
	s.Require().NoError(err, "start postgres container")
	s.container = container

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	s.Require().NoError(err)

	pool, err := pgxpool.New(ctx, dsn)
	s.Require().NoError(err)
	s.pool = pool
}

func (s *StoreSuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.container != nil {
		_ = testcontainers.TerminateContainer(s.container)
	}
}

func (s *StoreSuite) open(t *testing.T) ice.Store {
	t.Helper()
	ctx := context.Background()
	st, err := Open(ctx, Options{
		Pool:   s.pool,
		Logger: logpkg.NewLogger(logpkg.WithOutput(logpkg.NullOutput{})),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.pool.Exec(ctx, `TRUNCATE ice_jobs, ice_delay_bucket, ice_ready_queue`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return st
}

func (s *StoreSuite) TestStoreConformance() {
	icetest.RunStoreSuite(s.T(), s.open)
}

func (s *StoreSuite) TestQueueConformance() {
	icetest.RunQueueSuite(s.T(), s.open)
}

func (s *StoreSuite) TestMigrateIsIdempotent() {
	st := s.open(s.T())
	ctx := context.Background()
	s.Require().NoError(st.(*Store).Migrate(ctx))
	s.Require().NoError(st.(*Store).Migrate(ctx))
	s.Require().NoError(st.Ping(ctx))
}

func (s *StoreSuite) TestOpenWithDSN() {
	ctx := context.Background()
	dsn, err := s.container.ConnectionString(ctx, "sslmode=disable")
	s.Require().NoError(err)

	st, err := Open(ctx, Options{DSN: dsn, MaxConns: 2, SkipMigrate: true})
	s.Require().NoError(err)
	defer st.Close()
	n, err := st.Bucket().Len(ctx)
	s.Require().NoError(err)
	s.GreaterOrEqual(n, 0)
}
