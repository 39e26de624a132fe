package postgresengine

import (
	"context"
	"database/sql"
	"errors"

	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // goqu dialect
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore"
	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore/internal/adapters"
	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore/internal/sqlbackend"
)

const (
	backendName             = "postgres"
	dialectPostgres         = "postgres"
	schemaPrefix            = "mt_tenant_"
	sqlStateUniqueViolation = "23505"
	logMsgTenantEnsured     = "storage objects ensured"
	logMsgOperation         = "eventstore operation: "
	logMsgRollbackFailed    = "failed to roll back transaction"
	logAttrError            = "error"
	logAttrTenantID         = "tenant_id"
	logAttrSchema           = "schema"
	logAttrPolicy           = "policy"
	logAttrTenancy          = "tenancy"
)

// Backend stores streams, events and snapshots of all tenants in one PostgreSQL database.
type Backend struct {
	db               adapters.DBAdapter
	pool             *pgxpool.Pool
	replica          *pgxpool.Pool
	core             *sqlbackend.Core
	tablePrefix      string
	tenancy          Tenancy
	provisioned      *sqlbackend.ProvisionCache
	logger           eventstore.Logger
	contextualLogger eventstore.ContextualLogger
}

// NewBackendFromPGXPool creates a Backend using a pgx Pool with optional configuration.
func NewBackendFromPGXPool(pool *pgxpool.Pool, options ...Option) (*Backend, error) {
	if pool == nil {
		return nil, eventstore.ConfigurationError(eventstore.ErrNilDatabaseConnection, "")
	}

	return newBackend(adapters.NewPGXAdapter(pool), pool, options)
}

// NewBackendFromSQLDB creates a Backend using a sql.DB (lib/pq) with optional configuration.
func NewBackendFromSQLDB(db *sql.DB, options ...Option) (*Backend, error) {
	if db == nil {
		return nil, eventstore.ConfigurationError(eventstore.ErrNilDatabaseConnection, "")
	}

	return newBackend(adapters.NewSQLAdapter(db), nil, options)
}

// NewBackendFromSQLX creates a Backend using a sqlx.DB with optional configuration.
func NewBackendFromSQLX(db *sqlx.DB, options ...Option) (*Backend, error) {
	if db == nil {
		return nil, eventstore.ConfigurationError(eventstore.ErrNilDatabaseConnection, "")
	}

	return newBackend(adapters.NewSQLXAdapter(db), nil, options)
}

func newBackend(db adapters.DBAdapter, pool *pgxpool.Pool, options []Option) (*Backend, error) {
	backend := &Backend{
		db:          db,
		pool:        pool,
		provisioned: sqlbackend.NewProvisionCache(),
	}

	for _, option := range options {
		if err := option(backend); err != nil {
			return nil, err
		}
	}

	if backend.replica != nil {
		if backend.pool == nil {
			return nil, eventstore.ConfigurationError(eventstore.ErrInvalidOption, "a replica requires a pgx pool")
		}

		backend.db = adapters.NewPGXAdapterWithReplica(backend.pool, backend.replica)
	}

	backend.core = sqlbackend.NewCore(dialectPostgres, isUniqueViolation, backend.logger, backend.contextualLogger)

	return backend, nil
}

// Capabilities reports cross-tenant atomicity for both tenancy styles, since all tenant schemas
// live in the same database.
func (b *Backend) Capabilities() eventstore.Capabilities {
	return eventstore.Capabilities{
		Name:              backendName,
		CrossTenantAtomic: true,
	}
}

// Tenancy returns the configured tenancy style.
func (b *Backend) Tenancy() Tenancy {
	return b.tenancy
}

// SchemaFor returns the schema holding the tables of tenantID, "" for Conjoined tenancy, which
// uses the search_path.
func (b *Backend) SchemaFor(tenantID eventstore.TenantID) string {
	if b.tenancy == Conjoined {
		return ""
	}

	return schemaPrefix + sqlbackend.TenantSlug(tenantID)
}

// EnsureSchema verifies or creates the storage objects of tenantID. Successful outcomes are cached.
func (b *Backend) EnsureSchema(ctx context.Context, tenantID eventstore.TenantID, policy eventstore.AutoCreate) error {
	cacheKey := tenantID
	if b.tenancy == Conjoined {
		cacheKey = ""
	}

	if b.provisioned.IsProvisioned(cacheKey) {
		return nil
	}

	schema := b.SchemaFor(tenantID)

	var err error
	switch policy {
	case eventstore.AutoCreateNone:
		err = b.verifySchema(ctx, schema)
	case eventstore.AutoCreateAdditive:
		err = b.createSchema(ctx, schema, false)
	default:
		err = b.createSchema(ctx, schema, true)
	}

	if err != nil {
		return err
	}

	b.provisioned.Remember(cacheKey)
	b.logOperation(
		ctx,
		logMsgTenantEnsured,
		logAttrTenantID, tenantID,
		logAttrSchema, schema,
		logAttrPolicy, policy.String(),
		logAttrTenancy, b.tenancy.String(),
	)

	return nil
}

// StreamVersion returns the committed version of a stream, 0 if it does not exist.
func (b *Backend) StreamVersion(
	ctx context.Context,
	tenantID eventstore.TenantID,
	streamID eventstore.StreamID,
) (eventstore.SequenceNumber, error) {
	return b.core.StreamVersion(ctx, b.db, b.tablesFor(tenantID), tenantID, streamID)
}

// ReadStream returns the events of a stream ordered by sequence number.
func (b *Backend) ReadStream(
	ctx context.Context,
	tenantID eventstore.TenantID,
	streamID eventstore.StreamID,
) (eventstore.StorableEvents, error) {
	return b.core.ReadStream(ctx, b.db, b.tablesFor(tenantID), tenantID, streamID)
}

// LoadSnapshot returns nil, nil when the aggregate has no snapshot.
func (b *Backend) LoadSnapshot(
	ctx context.Context,
	tenantID eventstore.TenantID,
	aggregateType string,
	aggregateID eventstore.StreamID,
) (*eventstore.Snapshot, error) {
	return b.core.LoadSnapshot(ctx, b.db, b.tablesFor(tenantID), tenantID, aggregateType, aggregateID)
}

// Commit writes the whole batch in one transaction. With SchemaPerTenant the statements of each
// tenant target that tenant's schema.
func (b *Backend) Commit(ctx context.Context, batch eventstore.CommitBatch) error {
	return b.core.CommitInTransaction(ctx, b.db, batch, b.tablesFor)
}

func (b *Backend) tablesFor(tenantID eventstore.TenantID) sqlbackend.Tables {
	return sqlbackend.TablesIn(b.SchemaFor(tenantID), b.tablePrefix)
}

func (b *Backend) logOperation(ctx context.Context, action string, args ...any) {
	if b.logger != nil {
		b.logger.Info(logMsgOperation+action, args...)
	}

	if b.contextualLogger != nil {
		b.contextualLogger.InfoContext(ctx, logMsgOperation+action, args...)
	}
}

func (b *Backend) logWarn(ctx context.Context, msg string, args ...any) {
	if b.logger != nil {
		b.logger.Warn(msg, args...)
	}

	if b.contextualLogger != nil {
		b.contextualLogger.WarnContext(ctx, msg, args...)
	}
}

// isUniqueViolation recognizes SQLSTATE 23505 from pgx and lib/pq.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == sqlStateUniqueViolation
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == sqlStateUniqueViolation
	}

	return false
}
