package testutil

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // драйвер "pgx" для wait.ForSQL
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/shaiso/flowq/internal/repo"
)

// PGIntegrationEnv включает тесты против настоящего Postgres.
const PGIntegrationEnv = "FLOWQ_PG_INTEGRATION"

var (
	pgOnce sync.Once
	pgDSN  string
	pgErr  error
)

// RequirePostgres пропускает тест, если интеграционные тесты не включены.
func RequirePostgres(t *testing.T) {
	t.Helper()
	if os.Getenv(PGIntegrationEnv) != "1" {
		t.Skipf("set %s=1 to run Postgres integration tests", PGIntegrationEnv)
	}
}

// PostgresDSN поднимает (один раз на процесс) контейнер Postgres и возвращает DSN.
// Контейнер убирает Ryuk после завершения процесса тестов.
func PostgresDSN(t *testing.T) string {
	t.Helper()
	RequirePostgres(t)

	pgOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		c, err := testcontainers.Run(
			ctx, "postgres:16",
			testcontainers.WithExposedPorts("5432/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForAll(
					wait.ForListeningPort("5432/tcp"),
					wait.ForLog("ready to accept connections"),
					wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
						return fmt.Sprintf("postgres://flowq:flowq@%s:%s/flowq_test?sslmode=disable", host, port.Port())
					}).WithQuery("SELECT 1"),
				).WithDeadline(2*time.Minute),
			),
			testcontainers.WithEnv(map[string]string{
				"POSTGRES_USER":     "flowq",
				"POSTGRES_PASSWORD": "flowq",
				"POSTGRES_DB":       "flowq_test",
			}),
		)
		if err != nil {
			pgErr = err
			return
		}

		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			_ = c.Terminate(context.Background())
			pgErr = err
			return
		}
		pgDSN = fmt.Sprintf("postgres://flowq:flowq@%s/flowq_test?sslmode=disable", endpoint)
	})

	require.NoError(t, pgErr, "start postgres container")
	return pgDSN
}

// NewPGStore возвращает мигрированное Postgres-хранилище с пустыми таблицами.
func NewPGStore(t *testing.T) *repo.PGStore {
	t.Helper()
	ctx := context.Background()

	pool, err := repo.NewPool(ctx, PostgresDSN(t), 10)
	require.NoError(t, err)
	require.NoError(t, repo.Migrate(pool))
	truncate(t, pool)

	s := repo.NewPGStore(pool)
	t.Cleanup(s.Close)
	return s
}

func truncate(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	_, err := pool.Exec(context.Background(), `
		TRUNCATE job_queue, job_completed, job_logs, concurrency_key, concurrency_slot,
		         debounce_key, debounce_bucket, job_cache, resume_job, script, flow, schedule`)
	require.NoError(t, err)
}
