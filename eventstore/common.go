package eventstore

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Configuration errors. Every one of them is joined with ErrConfiguration, so callers can either
// check for the broad category or for the concrete cause.
var (
	// ErrConfiguration marks a misconfigured Store or Backend. It is never transient.
	ErrConfiguration = errors.New("eventstore is misconfigured")

	ErrMissingBackend                 = errors.New("no backend supplied")
	ErrMissingConnectionInfo          = errors.New("connection info is missing")
	ErrNilDatabaseConnection          = errors.New("database connection is nil")
	ErrUnregisteredEventType          = errors.New("event type is not registered")
	ErrDuplicateEventType             = errors.New("event type is registered more than once")
	ErrUnhandledEventType             = errors.New("projection has no handler for event type")
	ErrUnregisteredAggregateType      = errors.New("aggregate type has no registered projection")
	ErrDuplicateAggregateType         = errors.New("aggregate type is projected more than once")
	ErrInvalidOption                  = errors.New("option value is invalid")
	ErrUnsupportedProjectionLifecycle = errors.New("only inline projections are supported")
)

// Commit and concurrency errors.
var (
	ErrSchemaPolicy        = errors.New("required storage objects are missing and auto-creation is disabled")
	ErrDuplicateStream     = errors.New("stream already exists")
	ErrConcurrencyConflict = errors.New("concurrency conflict, committed version does not match the expected version")
	ErrPartialCommit       = errors.New("changes were committed for some tenants only")
)

// Session and input errors.
var (
	ErrSessionClosed = errors.New("session is already committed")
	ErrSessionFailed = errors.New("session failed during commit and must be discarded")
	ErrEmptyTenantID = errors.New("tenant id must not be empty")
	ErrEmptyStreamID = errors.New("stream id must not be empty")
	ErrNoEvents      = errors.New("at least one event is required")
)

// Backend I/O errors.
var (
	ErrReadingStreamFailed      = errors.New("reading stream failed")
	ErrReadingVersionFailed     = errors.New("reading stream version failed")
	ErrCommitFailed             = errors.New("committing changes failed")
	ErrLoadingSnapshotFailed    = errors.New("loading snapshot failed")
	ErrSchemaProvisioningFailed = errors.New("provisioning storage objects failed")
	ErrBuildingQueryFailed      = errors.New("building query failed")
	ErrScanningDBRowFailed      = errors.New("scanning db row failed")
)

// Serialization errors.
var (
	ErrSerializationFailed   = errors.New("serializing value failed")
	ErrDeserializationFailed = errors.New("deserializing value failed")
)

// TenantID identifies a logical tenant. It is an opaque key without lifecycle.
type TenantID = string

// StreamID identifies a stream within a tenant. The true key of a stream is (TenantID, StreamID).
type StreamID = uuid.UUID

// SequenceNumber is the per-stream version. The first event of a stream has number 1.
type SequenceNumber = uint

// DefaultTenantID is used by sessions that are opened without an explicit tenant.
const DefaultTenantID TenantID = "*DEFAULT*"

// ValidateTenantID rejects the empty tenant id.
func ValidateTenantID(tenantID TenantID) error {
	if tenantID == "" {
		return ErrEmptyTenantID
	}

	return nil
}

// ValidateStreamID rejects uuid.Nil.
func ValidateStreamID(streamID StreamID) error {
	if streamID == uuid.Nil {
		return ErrEmptyStreamID
	}

	return nil
}

// ConfigurationError joins the given cause with ErrConfiguration.
func ConfigurationError(cause error, detail string) error {
	if detail == "" {
		return errors.Join(ErrConfiguration, cause)
	}

	return errors.Join(ErrConfiguration, cause, errors.New(detail))
}

// PartialCommitError is returned when a backend cannot commit several tenants atomically and a
// later tenant failed after earlier ones were durably committed.
type PartialCommitError struct {
	Committed    []TenantID
	NotCommitted []TenantID
	Err          error
}

func (e *PartialCommitError) Error() string {
	return fmt.Sprintf(
		"%s: committed %v, not committed %v: %v",
		ErrPartialCommit.Error(),
		e.Committed,
		e.NotCommitted,
		e.Err,
	)
}

// Unwrap exposes both ErrPartialCommit and the cause to errors.Is and errors.As.
func (e *PartialCommitError) Unwrap() []error {
	return []error{ErrPartialCommit, e.Err}
}
