package memoryengine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore"
)

const backendName = "memory"

type snapshotKey struct {
	aggregateType string
	aggregateID   eventstore.StreamID
}

type partition struct {
	streams   map[eventstore.StreamID]eventstore.StorableEvents
	snapshots map[snapshotKey]eventstore.Snapshot
}

func newPartition() *partition {
	return &partition{
		streams:   make(map[eventstore.StreamID]eventstore.StorableEvents),
		snapshots: make(map[snapshotKey]eventstore.Snapshot),
	}
}

// Backend keeps all tenants in memory, guarded by one mutex.
type Backend struct {
	mu               sync.Mutex
	partitions       map[eventstore.TenantID]*partition
	perTenantCommits bool
	logger           eventstore.Logger
}

// NewBackend creates an empty Backend.
func NewBackend(options ...Option) *Backend {
	backend := &Backend{
		partitions: make(map[eventstore.TenantID]*partition),
	}

	for _, option := range options {
		option(backend)
	}

	return backend
}

// Capabilities reports CrossTenantAtomic unless WithPerTenantCommits was used.
func (b *Backend) Capabilities() eventstore.Capabilities {
	return eventstore.Capabilities{
		Name:              backendName,
		CrossTenantAtomic: !b.perTenantCommits,
	}
}

// EnsureSchema creates the tenant's partition, unless the policy is AutoCreateNone.
// AutoCreateAll behaves like AutoCreateAdditive, partitions have nothing to upgrade.
func (b *Backend) EnsureSchema(_ context.Context, tenantID eventstore.TenantID, policy eventstore.AutoCreate) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.partitions[tenantID]; ok {
		return nil
	}

	if policy == eventstore.AutoCreateNone {
		return errors.Join(eventstore.ErrSchemaPolicy, fmt.Errorf("tenant %q is not provisioned", tenantID))
	}

	b.partitions[tenantID] = newPartition()

	if b.logger != nil {
		b.logger.Info("tenant partition created", "tenant_id", tenantID, "policy", policy.String())
	}

	return nil
}

// StreamVersion returns the number of events of the stream.
func (b *Backend) StreamVersion(
	_ context.Context,
	tenantID eventstore.TenantID,
	streamID eventstore.StreamID,
) (eventstore.SequenceNumber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	part, err := b.partition(tenantID)
	if err != nil {
		return 0, err
	}

	return eventstore.SequenceNumber(len(part.streams[streamID])), nil
}

// ReadStream returns a copy of the stream's events.
func (b *Backend) ReadStream(
	_ context.Context,
	tenantID eventstore.TenantID,
	streamID eventstore.StreamID,
) (eventstore.StorableEvents, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	part, err := b.partition(tenantID)
	if err != nil {
		return nil, err
	}

	events := slices.Clone(part.streams[streamID])
	if events == nil {
		events = eventstore.StorableEvents{}
	}

	return events, nil
}

// LoadSnapshot returns a copy of the snapshot, or nil if there is none.
func (b *Backend) LoadSnapshot(
	_ context.Context,
	tenantID eventstore.TenantID,
	aggregateType string,
	aggregateID eventstore.StreamID,
) (*eventstore.Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	part, err := b.partition(tenantID)
	if err != nil {
		return nil, err
	}

	snapshot, ok := part.snapshots[snapshotKey{aggregateType: aggregateType, aggregateID: aggregateID}]
	if !ok {
		return nil, nil
	}

	snapshot.Data = slices.Clone(snapshot.Data)

	return &snapshot, nil
}

// Commit validates every stream write against the current versions first and applies the batch
// only if all of them match.
func (b *Backend) Commit(_ context.Context, batch eventstore.CommitBatch) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, write := range batch.Streams {
		part, err := b.partition(write.TenantID)
		if err != nil {
			return err
		}

		current := eventstore.SequenceNumber(len(part.streams[write.StreamID]))
		if current != write.ExpectedVersion {
			if b.logger != nil {
				b.logger.Info(
					"concurrency conflict detected",
					"tenant_id", write.TenantID,
					"stream_id", write.StreamID.String(),
					"expected_version", write.ExpectedVersion,
					"current_version", current,
				)
			}

			return errors.Join(
				write.RaceError(),
				fmt.Errorf(
					"tenant %q stream %s: expected version %d, current version %d",
					write.TenantID, write.StreamID, write.ExpectedVersion, current,
				),
			)
		}
	}

	for _, snapshot := range batch.Snapshots {
		if _, err := b.partition(snapshot.TenantID); err != nil {
			return err
		}
	}

	for _, write := range batch.Streams {
		part := b.partitions[write.TenantID]
		part.streams[write.StreamID] = append(slices.Clone(part.streams[write.StreamID]), write.Events...)
	}

	for _, snapshot := range batch.Snapshots {
		part := b.partitions[snapshot.TenantID]
		snapshot.Data = slices.Clone(snapshot.Data)
		part.snapshots[snapshotKey{aggregateType: snapshot.AggregateType, aggregateID: snapshot.AggregateID}] = snapshot
	}

	if b.logger != nil {
		b.logger.Debug(
			"batch committed",
			"commit_id", batch.CommitID,
			"stream_count", len(batch.Streams),
			"event_count", batch.EventCount(),
		)
	}

	return nil
}

// Tenants returns the provisioned tenants, sorted.
func (b *Backend) Tenants() []eventstore.TenantID {
	b.mu.Lock()
	defer b.mu.Unlock()

	tenants := make([]eventstore.TenantID, 0, len(b.partitions))
	for tenantID := range b.partitions {
		tenants = append(tenants, tenantID)
	}
	slices.Sort(tenants)

	return tenants
}

func (b *Backend) partition(tenantID eventstore.TenantID) (*partition, error) {
	part, ok := b.partitions[tenantID]
	if !ok {
		return nil, errors.Join(eventstore.ErrSchemaPolicy, fmt.Errorf("tenant %q is not provisioned", tenantID))
	}

	return part, nil
}
