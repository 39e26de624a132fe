package eventstore

import (
	"context"
	"errors"
	"slices"
)

// AutoCreate is the storage provisioning policy of a Store.
type AutoCreate int

const (
	// AutoCreateNone never creates storage objects. Missing ones fail with ErrSchemaPolicy.
	AutoCreateNone AutoCreate = iota

	// AutoCreateAdditive creates missing storage objects but never changes existing ones.
	AutoCreateAdditive

	// AutoCreateAll creates missing storage objects and upgrades existing ones in place.
	AutoCreateAll
)

func (a AutoCreate) String() string {
	switch a {
	case AutoCreateNone:
		return "none"
	case AutoCreateAdditive:
		return "additive"
	case AutoCreateAll:
		return "all"
	default:
		return "unknown"
	}
}

// Capabilities describes what a Backend can guarantee.
type Capabilities struct {
	Name string

	// CrossTenantAtomic is true when one Commit call covering several tenants is all-or-nothing.
	CrossTenantAtomic bool
}

// StreamWrite is the planned change of one stream inside a CommitBatch.
type StreamWrite struct {
	TenantID TenantID
	StreamID StreamID

	// ExpectedVersion is the committed version the plan was based on, 0 means "no stream".
	ExpectedVersion SequenceNumber

	// StartsStream is set when the first buffered operation was an explicit StartStream.
	// It decides whether a lost race reports ErrDuplicateStream or ErrConcurrencyConflict.
	StartsStream bool

	Events StorableEvents
}

// NewVersion is the version of the stream after the write.
func (w StreamWrite) NewVersion() SequenceNumber {
	return w.ExpectedVersion + SequenceNumber(len(w.Events))
}

// RaceError is the error a backend reports when the committed version moved since planning.
func (w StreamWrite) RaceError() error {
	if w.ExpectedVersion == 0 && w.StartsStream {
		return ErrDuplicateStream
	}

	return ErrConcurrencyConflict
}

// CommitBatch is everything one SaveChanges writes: events of all touched streams and the
// snapshots of their inline projections.
type CommitBatch struct {
	CommitID  string
	Streams   []StreamWrite
	Snapshots []Snapshot
}

// Tenants returns the touched tenants in first-touch order.
func (b CommitBatch) Tenants() []TenantID {
	tenants := make([]TenantID, 0)
	for _, write := range b.Streams {
		if !slices.Contains(tenants, write.TenantID) {
			tenants = append(tenants, write.TenantID)
		}
	}

	return tenants
}

// ForTenant returns the part of the batch that belongs to tenantID.
func (b CommitBatch) ForTenant(tenantID TenantID) CommitBatch {
	part := CommitBatch{CommitID: b.CommitID}

	for _, write := range b.Streams {
		if write.TenantID == tenantID {
			part.Streams = append(part.Streams, write)
		}
	}

	for _, snapshot := range b.Snapshots {
		if snapshot.TenantID == tenantID {
			part.Snapshots = append(part.Snapshots, snapshot)
		}
	}

	return part
}

// EventCount returns the number of events in the batch.
func (b CommitBatch) EventCount() int {
	count := 0
	for _, write := range b.Streams {
		count += len(write.Events)
	}

	return count
}

// Backend is the persistence port of a Store.
type Backend interface {
	Capabilities() Capabilities

	// EnsureSchema makes sure the storage objects of tenantID exist, according to the policy.
	// Implementations cache the outcome per tenant.
	EnsureSchema(ctx context.Context, tenantID TenantID, policy AutoCreate) error

	// StreamVersion returns the committed version of a stream, 0 if it does not exist.
	StreamVersion(ctx context.Context, tenantID TenantID, streamID StreamID) (SequenceNumber, error)

	// ReadStream returns the committed events of a stream ordered by sequence number.
	ReadStream(ctx context.Context, tenantID TenantID, streamID StreamID) (StorableEvents, error)

	// LoadSnapshot returns nil, nil if there is no snapshot.
	LoadSnapshot(ctx context.Context, tenantID TenantID, aggregateType string, aggregateID StreamID) (*Snapshot, error)

	// Commit writes the batch. It must re-check every ExpectedVersion and fail with the write's
	// RaceError if the stream moved. Backends with CrossTenantAtomic commit all tenants or none.
	Commit(ctx context.Context, batch CommitBatch) error
}

// CommitTenantsSequentially commits a batch one tenant at a time, in first-touch order, for
// backends that cannot span tenants with one transaction. A failure after at least one tenant was
// committed is reported as *PartialCommitError.
func CommitTenantsSequentially(
	ctx context.Context,
	batch CommitBatch,
	commitTenant func(ctx context.Context, part CommitBatch) error,
) error {
	tenants := batch.Tenants()
	committed := make([]TenantID, 0, len(tenants))

	for i, tenantID := range tenants {
		if err := commitTenant(ctx, batch.ForTenant(tenantID)); err != nil {
			if len(committed) == 0 {
				return err
			}

			return &PartialCommitError{
				Committed:    committed,
				NotCommitted: slices.Clone(tenants[i:]),
				Err:          err,
			}
		}

		committed = append(committed, tenantID)
	}

	return nil
}

// IsConflict reports whether err is one of the optimistic concurrency errors.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrDuplicateStream)
}
