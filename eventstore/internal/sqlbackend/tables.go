package sqlbackend

import (
	"encoding/hex"
	"strings"
	"sync"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"golang.org/x/crypto/blake2b"

	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore"
)

const (
	TableStreams   = "streams"
	TableEvents    = "events"
	TableSnapshots = "snapshots"

	ColTenantID       = "tenant_id"
	ColStreamID       = "stream_id"
	ColVersion        = "version"
	ColSequenceNumber = "sequence_number"
	ColEventType      = "event_type"
	ColOccurredAt     = "occurred_at"
	ColPayload        = "payload"
	ColMetadata       = "metadata"
	ColAggregateType  = "aggregate_type"
	ColAggregateID    = "aggregate_id"
	ColData           = "data"
	ColCreatedAt      = "created_at"
	ColUpdatedAt      = "updated_at"

	maxSlugLength = 30
)

// Tables are the fully qualified tables of one tenant.
type Tables struct {
	Streams   exp.IdentifierExpression
	Events    exp.IdentifierExpression
	Snapshots exp.IdentifierExpression
}

// TablesIn returns the tables with the given name prefix, optionally inside a schema.
func TablesIn(schema, prefix string) Tables {
	table := func(name string) exp.IdentifierExpression {
		if schema == "" {
			return goqu.T(prefix + name)
		}

		return goqu.S(schema).Table(prefix + name)
	}

	return Tables{
		Streams:   table(TableStreams),
		Events:    table(TableEvents),
		Snapshots: table(TableSnapshots),
	}
}

// TenantSlug turns a tenant id into a lowercase identifier that is safe for schema and file names.
// Tenant ids that only differ in characters which get replaced stay distinct through the hash suffix.
func TenantSlug(tenantID eventstore.TenantID) string {
	var b strings.Builder

	for _, r := range strings.ToLower(tenantID) {
		if b.Len() >= maxSlugLength {
			break
		}

		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	sum := blake2b.Sum256([]byte(tenantID))

	return b.String() + "_" + hex.EncodeToString(sum[:4])
}

// ProvisionCache remembers the tenants whose storage objects were verified or created.
type ProvisionCache struct {
	mu      sync.Mutex
	tenants map[eventstore.TenantID]struct{}
}

func NewProvisionCache() *ProvisionCache {
	return &ProvisionCache{tenants: make(map[eventstore.TenantID]struct{})}
}

func (c *ProvisionCache) IsProvisioned(tenantID eventstore.TenantID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.tenants[tenantID]

	return ok
}

func (c *ProvisionCache) Remember(tenantID eventstore.TenantID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tenants[tenantID] = struct{}{}
}

// Forget drops a tenant, e.g. after its storage objects were removed.
func (c *ProvisionCache) Forget(tenantID eventstore.TenantID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.tenants, tenantID)
}
