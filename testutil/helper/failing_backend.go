package helper

import (
	"context"
	"errors"
	"sync"

	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore"
)

// ErrInjectedFailure is returned by FailingBackend for the tenants it was told to fail.
var ErrInjectedFailure = errors.New("injected backend failure")

// FailingBackend decorates a Backend and fails the commits of selected tenants.
// It reports CrossTenantAtomic as false, so that the store commits tenant by tenant.
type FailingBackend struct {
	eventstore.Backend

	mu             sync.Mutex
	failingTenants map[eventstore.TenantID]bool
	commitCalls    [][]eventstore.TenantID
}

// NewFailingBackend wraps backend.
func NewFailingBackend(backend eventstore.Backend) *FailingBackend {
	return &FailingBackend{
		Backend:        backend,
		failingTenants: make(map[eventstore.TenantID]bool),
	}
}

// FailCommitsFor makes every later commit touching tenantID fail with ErrInjectedFailure.
func (b *FailingBackend) FailCommitsFor(tenantID eventstore.TenantID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failingTenants[tenantID] = true
}

// Capabilities reports the wrapped backend's name and no cross-tenant atomicity.
func (b *FailingBackend) Capabilities() eventstore.Capabilities {
	capabilities := b.Backend.Capabilities()
	capabilities.CrossTenantAtomic = false

	return capabilities
}

// Commit fails when the batch touches a failing tenant, otherwise it delegates.
func (b *FailingBackend) Commit(ctx context.Context, batch eventstore.CommitBatch) error {
	b.mu.Lock()
	tenants := batch.Tenants()
	b.commitCalls = append(b.commitCalls, tenants)

	for _, tenantID := range tenants {
		if b.failingTenants[tenantID] {
			b.mu.Unlock()
			return ErrInjectedFailure
		}
	}
	b.mu.Unlock()

	return b.Backend.Commit(ctx, batch)
}

// CommitCalls returns the tenants of every Commit call, in call order.
func (b *FailingBackend) CommitCalls() [][]eventstore.TenantID {
	b.mu.Lock()
	defer b.mu.Unlock()

	calls := make([][]eventstore.TenantID, len(b.commitCalls))
	copy(calls, b.commitCalls)

	return calls
}
