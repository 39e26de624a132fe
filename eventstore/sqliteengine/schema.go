package sqliteengine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore"
	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore/internal/sqlbackend"
)

const createTables = `
CREATE TABLE IF NOT EXISTS streams (
	tenant_id TEXT NOT NULL,
	stream_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	created_at TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (tenant_id, stream_id)
);

CREATE TABLE IF NOT EXISTS events (
	tenant_id TEXT NOT NULL,
	stream_id TEXT NOT NULL,
	sequence_number INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	occurred_at TEXT NOT NULL,
	payload TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (tenant_id, stream_id, sequence_number)
);

CREATE INDEX IF NOT EXISTS idx_events_tenant_event_type ON events (tenant_id, event_type);

CREATE TABLE IF NOT EXISTS snapshots (
	tenant_id TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	sequence_number INTEGER NOT NULL,
	data TEXT NOT NULL,
	updated_at TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (tenant_id, aggregate_type, aggregate_id)
);
`

const requiredTableCount = 3

// upgradableColumns are added with AutoCreateAll when an older database lacks them.
// SQLite has no ADD COLUMN IF NOT EXISTS, so existing columns are looked up first.
var upgradableColumns = []struct {
	table      string
	column     string
	definition string
}{
	{sqlbackend.TableStreams, sqlbackend.ColCreatedAt, "TEXT NOT NULL DEFAULT ''"},
	{sqlbackend.TableStreams, sqlbackend.ColUpdatedAt, "TEXT NOT NULL DEFAULT ''"},
	{sqlbackend.TableEvents, sqlbackend.ColMetadata, "TEXT NOT NULL DEFAULT '{}'"},
	{sqlbackend.TableSnapshots, sqlbackend.ColUpdatedAt, "TEXT NOT NULL DEFAULT ''"},
}

func (b *Backend) verifyTables(ctx context.Context, tenant *tenantDB) error {
	found, err := b.core.QueryInt(ctx, tenant.adapter, fmt.Sprintf(
		`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name IN ('%s', '%s', '%s')`,
		sqlbackend.TableStreams, sqlbackend.TableEvents, sqlbackend.TableSnapshots,
	))
	if err != nil {
		return err
	}

	if found < requiredTableCount {
		return errors.Join(
			eventstore.ErrSchemaPolicy,
			fmt.Errorf("found %d of %d tables", found, requiredTableCount),
		)
	}

	return nil
}

func (b *Backend) createTables(ctx context.Context, tenant *tenantDB) error {
	for _, statement := range strings.Split(createTables, ";") {
		if strings.TrimSpace(statement) == "" {
			continue
		}

		if err := b.core.ExecDDL(ctx, tenant.adapter, statement); err != nil {
			return err
		}
	}

	return nil
}

func (b *Backend) upgradeTables(ctx context.Context, tenant *tenantDB) error {
	for _, upgrade := range upgradableColumns {
		exists, err := b.core.QueryInt(ctx, tenant.adapter, fmt.Sprintf(
			`SELECT count(*) FROM pragma_table_info('%s') WHERE name = '%s'`,
			upgrade.table, upgrade.column,
		))
		if err != nil {
			return err
		}

		if exists > 0 {
			continue
		}

		statement := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", upgrade.table, upgrade.column, upgrade.definition)
		if err = b.core.ExecDDL(ctx, tenant.adapter, statement); err != nil {
			return err
		}
	}

	return nil
}
