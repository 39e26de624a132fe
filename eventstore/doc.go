// Package eventstore provides a multi-tenant event store with sessions that can write to several
// tenants at once and inline aggregate projections.
//
// A Store holds the configuration: the Backend, the registered event types, the projections and
// the serialization policies. Sessions are cheap and short-lived. A session is opened for one
// tenant, and ForTenant derives views that read and write as other tenants while sharing the same
// pending changes. One SaveChanges commits the changes of all views.
//
// Streams are keyed by (TenantID, StreamID), so the same stream id may exist in several tenants
// with unrelated content. Inline projections are folded during SaveChanges and their snapshots are
// committed together with the events.
//
// Common usage pattern:
//
//	store, err := eventstore.NewStore(
//		backend,
//		eventstore.WithEventType("ThreadStarted", core.ThreadStarted{}),
//		eventstore.WithProjection(core.ThreadProjection()),
//	)
//
//	session := store.OpenSession("ten1")
//	_ = session.StartStream(threadID, started)
//	_ = session.ForTenant("ten2").StartStream(otherThreadID, otherStarted)
//	err = session.SaveChanges(ctx)
//
//	thread, err := eventstore.Load[core.Thread](ctx, store.OpenSession("ten1"), threadID)
package eventstore
