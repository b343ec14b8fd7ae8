package integration

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/ehr/anchor/internal/platform/db"
	"github.com/ehr/anchor/migrations"
)

// testDB holds the shared database for integration tests.
type testDB struct {
	ConnStr   string
	container *postgres.PostgresContainer
}

// globalDB is initialised once in TestMain and nil when no container could
// be started.
var (
	globalDB *testDB
	setupErr error
)

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		setupErr = fmt.Errorf("integration tests disabled by -short")
		os.Exit(m.Run())
	}

	ctx := context.Background()
	tdb, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres container unavailable, integration tests will be skipped: %v\n", err)
		setupErr = err
		os.Exit(m.Run())
	}

	globalDB = tdb
	code := m.Run()
	tdb.container.Terminate(ctx)
	os.Exit(code)
}

func startPostgres(ctx context.Context) (tdb *testDB, err error) {
	// testcontainers panics when no Docker host can be resolved.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("docker unavailable: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("anchortest"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(context.Background())
		return nil, fmt.Errorf("resolve connection string: %w", err)
	}
	return &testDB{ConnStr: connStr, container: container}, nil
}

// newSchemaPool creates an isolated schema with all migrations applied and
// returns a pool whose search_path points at it. The schema is dropped when
// the test ends.
func newSchemaPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if globalDB == nil {
		t.Skipf("postgres not available: %v", setupErr)
	}
	ctx := context.Background()
	schema := uniqueSchema("anchor")

	pool, err := db.NewPool(ctx, globalDB.ConnStr, 8, 1, schema)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}

	if _, err := db.NewMigrator(pool, migrations.Postgres).Up(ctx, schema); err != nil {
		pool.Close()
		t.Fatalf("migrate schema %s: %v", schema, err)
	}

	t.Cleanup(func() {
		if _, err := pool.Exec(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema)); err != nil {
			t.Logf("warning: failed to drop schema %s: %v", schema, err)
		}
		pool.Close()
	})
	return pool
}

// uniqueSchema generates a unique schema name for test isolation.
func uniqueSchema(prefix string) string {
	short := strings.ReplaceAll(uuid.New().String()[:8], "-", "")
	return fmt.Sprintf("%s_%s", prefix, short)
}
