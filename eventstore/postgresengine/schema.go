package postgresengine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/blake2b"

	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore"
	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore/internal/sqlbackend"
)

const requiredTableCount = 3

// upgradableColumns are added to existing tables with AutoCreateAll. Key columns are never altered.
var upgradableColumns = map[string][]string{
	sqlbackend.TableStreams: {
		sqlbackend.ColCreatedAt + " TIMESTAMPTZ NOT NULL DEFAULT now()",
		sqlbackend.ColUpdatedAt + " TIMESTAMPTZ NOT NULL DEFAULT now()",
	},
	sqlbackend.TableEvents: {
		sqlbackend.ColMetadata + " JSONB NOT NULL DEFAULT '{}'",
	},
	sqlbackend.TableSnapshots: {
		sqlbackend.ColUpdatedAt + " TIMESTAMPTZ NOT NULL DEFAULT now()",
	},
}

// verifySchema fails with ErrSchemaPolicy when one of the tables is missing.
func (b *Backend) verifySchema(ctx context.Context, schema string) error {
	checks := make([]string, 0, requiredTableCount)
	for _, table := range []string{sqlbackend.TableStreams, sqlbackend.TableEvents, sqlbackend.TableSnapshots} {
		checks = append(checks, fmt.Sprintf("(to_regclass('%s') IS NOT NULL)::int", b.qualified(schema, table)))
	}

	found, err := b.core.QueryInt(ctx, b.db, "SELECT "+strings.Join(checks, " + "))
	if err != nil {
		return err
	}

	if found < requiredTableCount {
		return errors.Join(
			eventstore.ErrSchemaPolicy,
			fmt.Errorf("found %d of %d tables in schema %q with prefix %q", found, requiredTableCount, schema, b.tablePrefix),
		)
	}

	return nil
}

// createSchema creates missing storage objects in one transaction. An advisory lock serializes
// concurrent provisioning of the same schema, CREATE ... IF NOT EXISTS is not race free in PostgreSQL.
func (b *Backend) createSchema(ctx context.Context, schema string, upgrade bool) error {
	tx, err := b.db.BeginTx(ctx)
	if err != nil {
		return errors.Join(eventstore.ErrSchemaProvisioningFailed, err)
	}

	statements := []string{fmt.Sprintf("SELECT pg_advisory_xact_lock(%d)", b.provisioningLockKey(schema))}

	if schema != "" {
		statements = append(statements, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{schema}.Sanitize())
	}

	statements = append(statements, b.createStatements(schema)...)

	if upgrade {
		statements = append(statements, b.upgradeStatements(schema)...)
	}

	for _, statement := range statements {
		if err = b.core.ExecDDL(ctx, tx, statement); err != nil {
			if rollbackErr := tx.Rollback(ctx); rollbackErr != nil {
				b.logWarn(ctx, logMsgRollbackFailed, logAttrError, rollbackErr.Error())
			}

			return err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return errors.Join(eventstore.ErrSchemaProvisioningFailed, err)
	}

	return nil
}

func (b *Backend) createStatements(schema string) []string {
	streams := b.sanitized(schema, sqlbackend.TableStreams)
	events := b.sanitized(schema, sqlbackend.TableEvents)
	snapshots := b.sanitized(schema, sqlbackend.TableSnapshots)
	eventTypeIndex := pgx.Identifier{b.tablePrefix + "events_tenant_event_type_idx"}.Sanitize()

	return []string{
		`CREATE TABLE IF NOT EXISTS ` + streams + ` (
			tenant_id TEXT NOT NULL,
			stream_id UUID NOT NULL,
			version BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (tenant_id, stream_id)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + events + ` (
			tenant_id TEXT NOT NULL,
			stream_id UUID NOT NULL,
			sequence_number BIGINT NOT NULL,
			event_type TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			payload JSONB NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			PRIMARY KEY (tenant_id, stream_id, sequence_number)
		)`,
		`CREATE INDEX IF NOT EXISTS ` + eventTypeIndex + ` ON ` + events + ` (tenant_id, event_type)`,
		`CREATE TABLE IF NOT EXISTS ` + snapshots + ` (
			tenant_id TEXT NOT NULL,
			aggregate_type TEXT NOT NULL,
			aggregate_id UUID NOT NULL,
			sequence_number BIGINT NOT NULL,
			data JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (tenant_id, aggregate_type, aggregate_id)
		)`,
	}
}

func (b *Backend) upgradeStatements(schema string) []string {
	statements := make([]string, 0)

	for _, table := range []string{sqlbackend.TableStreams, sqlbackend.TableEvents, sqlbackend.TableSnapshots} {
		for _, column := range upgradableColumns[table] {
			statements = append(
				statements,
				"ALTER TABLE "+b.sanitized(schema, table)+" ADD COLUMN IF NOT EXISTS "+column,
			)
		}
	}

	return statements
}

func (b *Backend) sanitized(schema, table string) string {
	if schema == "" {
		return pgx.Identifier{b.tablePrefix + table}.Sanitize()
	}

	return pgx.Identifier{schema, b.tablePrefix + table}.Sanitize()
}

// qualified returns the name for to_regclass. Prefix and schema only contain [a-z0-9_].
func (b *Backend) qualified(schema, table string) string {
	if schema == "" {
		return b.tablePrefix + table
	}

	return schema + "." + b.tablePrefix + table
}

func (b *Backend) provisioningLockKey(schema string) int64 {
	sum := blake2b.Sum256([]byte("tenant-sessions:" + schema + ":" + b.tablePrefix))

	return int64(binary.BigEndian.Uint64(sum[:8])) //nolint:gosec // any bit pattern is a valid lock key
}
