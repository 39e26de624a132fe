package sqliteengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3" // goqu dialect
	gonanoid "github.com/matoous/go-nanoid/v2"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore"
	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore/internal/adapters"
	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore/internal/sqlbackend"
)

const (
	backendName         = "sqlite"
	driverName          = "sqlite"
	dialectSQLite       = "sqlite3"
	filePrefix          = "tenant-"
	fileSuffix          = ".db"
	logMsgOperation     = "eventstore operation: "
	logMsgTenantEnsured = "storage objects ensured"
	logMsgCloseFailed   = "failed to close tenant database"
	logAttrTenantID     = "tenant_id"
	logAttrPolicy       = "policy"
	logAttrPath         = "path"
	logAttrError        = "error"
)

var pragmas = []string{
	"PRAGMA journal_mode=WAL;",
	"PRAGMA synchronous=FULL;",
	"PRAGMA foreign_keys=ON;",
	"PRAGMA busy_timeout=5000;",
}

type tenantDB struct {
	db      *sql.DB
	adapter adapters.DBAdapter
}

// Backend keeps every tenant in its own SQLite database.
type Backend struct {
	dir              string
	memoryName       string
	mu               sync.Mutex
	tenants          map[eventstore.TenantID]*tenantDB
	core             *sqlbackend.Core
	tables           sqlbackend.Tables
	provisioned      *sqlbackend.ProvisionCache
	logger           eventstore.Logger
	contextualLogger eventstore.ContextualLogger
}

// NewBackend stores tenants as files named tenant-<slug>.db in dir, which is created if missing.
func NewBackend(dir string, options ...Option) (*Backend, error) {
	if dir == "" {
		return nil, eventstore.ConfigurationError(eventstore.ErrMissingConnectionInfo, "sqlite directory")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eventstore.ConfigurationError(err, "creating sqlite directory "+dir)
	}

	return newBackend(dir, "", options)
}

// NewInMemoryBackend keeps tenants in shared-cache in-memory databases that live until Close.
func NewInMemoryBackend(options ...Option) (*Backend, error) {
	name, err := gonanoid.Generate("abcdefghijklmnopqrstuvwxyz0123456789", 12)
	if err != nil {
		return nil, err
	}

	return newBackend("", name, options)
}

func newBackend(dir, memoryName string, options []Option) (*Backend, error) {
	backend := &Backend{
		dir:         dir,
		memoryName:  memoryName,
		tenants:     make(map[eventstore.TenantID]*tenantDB),
		tables:      sqlbackend.TablesIn("", ""),
		provisioned: sqlbackend.NewProvisionCache(),
	}

	for _, option := range options {
		if err := option(backend); err != nil {
			return nil, err
		}
	}

	backend.core = sqlbackend.NewCore(dialectSQLite, isUniqueViolation, backend.logger, backend.contextualLogger)

	return backend, nil
}

// Capabilities reports that tenants are committed one at a time.
func (b *Backend) Capabilities() eventstore.Capabilities {
	return eventstore.Capabilities{
		Name:              backendName,
		CrossTenantAtomic: false,
	}
}

// PathFor returns the database file of tenantID, "" for in-memory backends.
func (b *Backend) PathFor(tenantID eventstore.TenantID) string {
	if b.dir == "" {
		return ""
	}

	return filepath.Join(b.dir, filePrefix+sqlbackend.TenantSlug(tenantID)+fileSuffix)
}

// EnsureSchema opens the tenant's database and verifies or creates its tables.
// With AutoCreateNone a missing database file is a schema policy violation.
func (b *Backend) EnsureSchema(ctx context.Context, tenantID eventstore.TenantID, policy eventstore.AutoCreate) error {
	if b.provisioned.IsProvisioned(tenantID) {
		return nil
	}

	if policy == eventstore.AutoCreateNone && b.dir != "" {
		if _, err := os.Stat(b.PathFor(tenantID)); errors.Is(err, os.ErrNotExist) {
			return errors.Join(eventstore.ErrSchemaPolicy, fmt.Errorf("tenant %q has no database file", tenantID))
		}
	}

	tenant, err := b.open(tenantID)
	if err != nil {
		return err
	}

	switch policy {
	case eventstore.AutoCreateNone:
		err = b.verifyTables(ctx, tenant)
	case eventstore.AutoCreateAdditive:
		err = b.createTables(ctx, tenant)
	default:
		if err = b.createTables(ctx, tenant); err == nil {
			err = b.upgradeTables(ctx, tenant)
		}
	}

	if err != nil {
		return err
	}

	b.provisioned.Remember(tenantID)
	b.logOperation(ctx, logMsgTenantEnsured, logAttrTenantID, tenantID, logAttrPath, b.PathFor(tenantID), logAttrPolicy, policy.String())

	return nil
}

// StreamVersion returns the committed version of a stream, 0 if it does not exist.
func (b *Backend) StreamVersion(
	ctx context.Context,
	tenantID eventstore.TenantID,
	streamID eventstore.StreamID,
) (eventstore.SequenceNumber, error) {
	tenant, err := b.provisionedTenant(tenantID)
	if err != nil {
		return 0, err
	}

	return b.core.StreamVersion(ctx, tenant.adapter, b.tables, tenantID, streamID)
}

// ReadStream returns the events of a stream ordered by sequence number.
func (b *Backend) ReadStream(
	ctx context.Context,
	tenantID eventstore.TenantID,
	streamID eventstore.StreamID,
) (eventstore.StorableEvents, error) {
	tenant, err := b.provisionedTenant(tenantID)
	if err != nil {
		return nil, err
	}

	return b.core.ReadStream(ctx, tenant.adapter, b.tables, tenantID, streamID)
}

// LoadSnapshot returns nil, nil when the aggregate has no snapshot.
func (b *Backend) LoadSnapshot(
	ctx context.Context,
	tenantID eventstore.TenantID,
	aggregateType string,
	aggregateID eventstore.StreamID,
) (*eventstore.Snapshot, error) {
	tenant, err := b.provisionedTenant(tenantID)
	if err != nil {
		return nil, err
	}

	return b.core.LoadSnapshot(ctx, tenant.adapter, b.tables, tenantID, aggregateType, aggregateID)
}

// Commit writes each tenant's part of the batch in a transaction of that tenant's database.
func (b *Backend) Commit(ctx context.Context, batch eventstore.CommitBatch) error {
	return eventstore.CommitTenantsSequentially(ctx, batch, func(ctx context.Context, part eventstore.CommitBatch) error {
		tenant, err := b.provisionedTenant(part.Streams[0].TenantID)
		if err != nil {
			return err
		}

		return b.core.CommitInTransaction(ctx, tenant.adapter, part, func(eventstore.TenantID) sqlbackend.Tables {
			return b.tables
		})
	})
}

// Close closes all tenant databases. In-memory tenants are gone afterwards.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error

	for tenantID, tenant := range b.tenants {
		if err := tenant.db.Close(); err != nil {
			b.logWarn(context.Background(), logMsgCloseFailed, logAttrTenantID, tenantID, logAttrError, err.Error())
			errs = append(errs, err)
		}

		delete(b.tenants, tenantID)
		b.provisioned.Forget(tenantID)
	}

	return errors.Join(errs...)
}

func (b *Backend) provisionedTenant(tenantID eventstore.TenantID) (*tenantDB, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tenant, ok := b.tenants[tenantID]
	if !ok || !b.provisioned.IsProvisioned(tenantID) {
		return nil, errors.Join(eventstore.ErrSchemaPolicy, fmt.Errorf("tenant %q is not provisioned", tenantID))
	}

	return tenant, nil
}

func (b *Backend) open(tenantID eventstore.TenantID) (*tenantDB, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if tenant, ok := b.tenants[tenantID]; ok {
		return tenant, nil
	}

	db, err := openSQLite(b.dataSourceName(tenantID))
	if err != nil {
		return nil, errors.Join(eventstore.ErrSchemaProvisioningFailed, err)
	}

	tenant := &tenantDB{db: db, adapter: adapters.NewSQLAdapter(db)}
	b.tenants[tenantID] = tenant

	return tenant, nil
}

func (b *Backend) dataSourceName(tenantID eventstore.TenantID) string {
	if b.dir != "" {
		return b.PathFor(tenantID)
	}

	return "file:" + b.memoryName + "-" + sqlbackend.TenantSlug(tenantID) + "?mode=memory&cache=shared"
}

// openSQLite limits the pool to one connection, pragmas are per connection.
func openSQLite(dataSourceName string) (*sql.DB, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err = db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return db, nil
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

// isUniqueViolation recognizes primary key and unique constraint failures.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}

	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	default:
		return false
	}
}
