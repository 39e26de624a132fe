// Package sqliteengine provides an eventstore.Backend with one SQLite database per tenant, using the
// pure Go driver modernc.org/sqlite.
//
// Tenants are physically separated, so a CommitBatch touching several tenants is committed one
// tenant at a time and a failure after the first tenant surfaces as eventstore.PartialCommitError.
//
//	backend, _ := sqliteengine.NewBackend("/var/lib/threads")
//	defer backend.Close()
//	store, _ := eventstore.NewStore(backend, options...)
package sqliteengine
