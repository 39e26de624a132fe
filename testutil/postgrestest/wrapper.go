package postgrestest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore/postgresengine"
)

// Adapter type constants, selected with the ADAPTER_TYPE environment variable.
const (
	typePGXPool = "pgxpool"
	typeSQLDB   = "sqldb"
	typeSQLX    = "sqlx"
)

// Wrapper abstracts over the database adapters a Backend can run on.
type Wrapper interface {
	Backend() *postgresengine.Backend
	Exec(t testing.TB, query string)
	QueryInt(t testing.TB, query string) int64
	Close()
}

// PGXPoolWrapper wraps pgxpool-based testing.
type PGXPoolWrapper struct {
	pool    *pgxpool.Pool
	backend *postgresengine.Backend
}

func (w *PGXPoolWrapper) Backend() *postgresengine.Backend {
	return w.backend
}

func (w *PGXPoolWrapper) Exec(t testing.TB, query string) {
	_, err := w.pool.Exec(context.Background(), query)
	require.NoError(t, err, "error in arranging test data")
}

func (w *PGXPoolWrapper) QueryInt(t testing.TB, query string) int64 {
	var value int64
	err := w.pool.QueryRow(context.Background(), query).Scan(&value)
	require.NoError(t, err, "error in querying test data")

	return value
}

func (w *PGXPoolWrapper) Close() {
	w.pool.Close()
}

// SQLDBWrapper wraps sql.DB-based testing.
type SQLDBWrapper struct {
	db      *sql.DB
	backend *postgresengine.Backend
}

func (w *SQLDBWrapper) Backend() *postgresengine.Backend {
	return w.backend
}

func (w *SQLDBWrapper) Exec(t testing.TB, query string) {
	_, err := w.db.ExecContext(context.Background(), query)
	require.NoError(t, err, "error in arranging test data")
}

func (w *SQLDBWrapper) QueryInt(t testing.TB, query string) int64 {
	var value int64
	err := w.db.QueryRowContext(context.Background(), query).Scan(&value)
	require.NoError(t, err, "error in querying test data")

	return value
}

func (w *SQLDBWrapper) Close() {
	_ = w.db.Close() // ignore error
}

// SQLXWrapper wraps sqlx.DB-based testing.
type SQLXWrapper struct {
	db      *sqlx.DB
	backend *postgresengine.Backend
}

func (w *SQLXWrapper) Backend() *postgresengine.Backend {
	return w.backend
}

func (w *SQLXWrapper) Exec(t testing.TB, query string) {
	_, err := w.db.ExecContext(context.Background(), query)
	require.NoError(t, err, "error in arranging test data")
}

func (w *SQLXWrapper) QueryInt(t testing.TB, query string) int64 {
	var value int64
	err := w.db.GetContext(context.Background(), &value, query)
	require.NoError(t, err, "error in querying test data")

	return value
}

func (w *SQLXWrapper) Close() {
	_ = w.db.Close() // ignore error
}

// CreateWrapper creates the wrapper selected by ADAPTER_TYPE and closes it when the test ends.
func CreateWrapper(t *testing.T, options ...postgresengine.Option) Wrapper {
	t.Helper()

	settings := Settings(t)
	adapterTypeFromEnv := strings.ToLower(os.Getenv("ADAPTER_TYPE"))

	var wrapper Wrapper

	switch adapterTypeFromEnv {
	case typePGXPool, "":
		pool := NewPGXPool(t)
		backend, err := postgresengine.NewBackendFromPGXPool(pool, options...)
		require.NoError(t, err, "error creating the backend in test setup")

		wrapper = &PGXPoolWrapper{pool: pool, backend: backend}

	case typeSQLDB:
		db, err := settings.OpenSQLDB()
		require.NoError(t, err, "error connecting to DB in test setup")
		backend, err := postgresengine.NewBackendFromSQLDB(db, options...)
		require.NoError(t, err, "error creating the backend in test setup")

		wrapper = &SQLDBWrapper{db: db, backend: backend}

	case typeSQLX:
		db, err := settings.OpenSQLX()
		require.NoError(t, err, "error connecting to DB in test setup")
		backend, err := postgresengine.NewBackendFromSQLX(db, options...)
		require.NoError(t, err, "error creating the backend in test setup")

		wrapper = &SQLXWrapper{db: db, backend: backend}

	default: // neither one of the known types nor empty
		panic(fmt.Sprintf("unsupported adapter type from env: %s", adapterTypeFromEnv))
	}

	t.Cleanup(wrapper.Close)

	return wrapper
}

// NewPGXPool opens a pool to the test database that is closed when the test ends.
func NewPGXPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	poolConfig, err := Settings(t).PGXPoolConfig()
	require.NoError(t, err, "error in test setup")

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	require.NoError(t, err, "error connecting to DB pool in test setup")
	t.Cleanup(pool.Close)

	return pool
}
