package memoryengine

import (
	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore"
)

// Option configures a Backend.
type Option func(*Backend)

// WithPerTenantCommits makes the backend report that it cannot commit several tenants atomically.
func WithPerTenantCommits() Option {
	return func(b *Backend) {
		b.perTenantCommits = true
	}
}

// WithProvisionedTenants creates the partitions of the given tenants up front.
func WithProvisionedTenants(tenantIDs ...eventstore.TenantID) Option {
	return func(b *Backend) {
		for _, tenantID := range tenantIDs {
			b.partitions[tenantID] = newPartition()
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger eventstore.Logger) Option {
	return func(b *Backend) {
		b.logger = logger
	}
}
