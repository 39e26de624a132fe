// Package sqlbackend holds the SQL shared by the PostgreSQL and SQLite backends.
//
// All statements are built with goqu for the dialect of the backend and executed through the
// adapters package. The Core reads stream versions, events and snapshots and writes a
// CommitBatch inside one transaction with optimistic version checks:
//
//   - A new stream is inserted with ON CONFLICT DO NOTHING. No affected row means that another
//     session created it first.
//   - An existing stream is updated with WHERE version = expected. No affected row means that
//     another session moved it.
//   - A unique violation on the events table is mapped to the same race errors.
//
// Schema provisioning (DDL) is dialect specific and stays in the backends.
package sqlbackend
