package postgresengine

import (
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore"
)

var tablePrefixPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,20}$`)

// Tenancy selects how tenants are separated inside the database.
type Tenancy int

const (
	// Conjoined keeps all tenants in shared tables, keyed by tenant_id.
	Conjoined Tenancy = iota

	// SchemaPerTenant gives every tenant its own schema.
	SchemaPerTenant
)

func (t Tenancy) String() string {
	switch t {
	case Conjoined:
		return "conjoined"
	case SchemaPerTenant:
		return "schema_per_tenant"
	default:
		return "unknown"
	}
}

// Option defines a functional option for configuring a Backend.
type Option func(*Backend) error

// WithTablePrefix sets a prefix for the streams, events and snapshots tables.
// Only lowercase letters, digits and underscores are allowed.
func WithTablePrefix(prefix string) Option {
	return func(b *Backend) error {
		if !tablePrefixPattern.MatchString(prefix) {
			return eventstore.ConfigurationError(eventstore.ErrInvalidOption, fmt.Sprintf("table prefix %q", prefix))
		}

		b.tablePrefix = prefix

		return nil
	}
}

// WithTenancy sets the tenancy style. The default is Conjoined.
func WithTenancy(tenancy Tenancy) Option {
	return func(b *Backend) error {
		if tenancy != Conjoined && tenancy != SchemaPerTenant {
			return eventstore.ConfigurationError(eventstore.ErrInvalidOption, fmt.Sprintf("tenancy %d", tenancy))
		}

		b.tenancy = tenancy

		return nil
	}
}

// WithReplica sets a pgx pool for reads with eventual consistency.
// It is only supported by NewBackendFromPGXPool.
func WithReplica(replica *pgxpool.Pool) Option {
	return func(b *Backend) error {
		if replica == nil {
			return eventstore.ConfigurationError(eventstore.ErrNilDatabaseConnection, "replica pool")
		}

		b.replica = replica

		return nil
	}
}

// WithLogger sets the logger for the Backend.
// The logger will receive messages at different levels based on the logger's configured level:
//
// Debug level: SQL statements with execution timing (development use)
// Info level: committed batches, concurrency conflicts, provisioned tenants (production-safe)
// Warn level: non-critical issues like cleanup failures
// Error level: critical failures that cause operation failures.
func WithLogger(logger eventstore.Logger) Option {
	return func(b *Backend) error {
		b.logger = logger
		return nil
	}
}

// WithContextualLogger sets a context-aware logger, e.g. for trace correlation.
func WithContextualLogger(logger eventstore.ContextualLogger) Option {
	return func(b *Backend) error {
		b.contextualLogger = logger
		return nil
	}
}
