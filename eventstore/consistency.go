package eventstore

import "context"

// ConsistencyLevel tells a backend where reads may be served from.
type ConsistencyLevel int

const (
	// StrongConsistency reads from the primary. Commit planning always uses it.
	StrongConsistency ConsistencyLevel = iota

	// EventualConsistency allows reads from a replica, if the backend has one.
	// Load and FetchStream honor it, so query-only sessions can move off the primary.
	EventualConsistency
)

type consistencyKey struct{}

// WithStrongConsistency marks ctx so that reads go to the primary.
func WithStrongConsistency(ctx context.Context) context.Context {
	return context.WithValue(ctx, consistencyKey{}, StrongConsistency)
}

// WithEventualConsistency marks ctx so that reads may go to a replica.
//
//	ctx = eventstore.WithEventualConsistency(ctx)
//	thread, err := eventstore.Load[core.Thread](ctx, session, threadID)
func WithEventualConsistency(ctx context.Context) context.Context {
	return context.WithValue(ctx, consistencyKey{}, EventualConsistency)
}

// GetConsistencyLevel returns the level stored in ctx, StrongConsistency if none is set.
func GetConsistencyLevel(ctx context.Context) ConsistencyLevel {
	if level, ok := ctx.Value(consistencyKey{}).(ConsistencyLevel); ok {
		return level
	}

	return StrongConsistency
}

// ReadsFromReplica reports whether ctx allows a replica read.
func ReadsFromReplica(ctx context.Context) bool {
	return GetConsistencyLevel(ctx) == EventualConsistency
}

func (c ConsistencyLevel) String() string {
	switch c {
	case StrongConsistency:
		return "strong"
	case EventualConsistency:
		return "eventual"
	default:
		return "unknown"
	}
}
