// Package adapters provide database adapter implementations for the SQL backends.
//
// The adapters support pgxpool.Pool, sql.DB (lib/pq for PostgreSQL, modernc for SQLite) and
// sqlx.DB behind one DBAdapter interface. All of them can open transactions, which the backends
// use to commit the streams, events and snapshots of a batch atomically.
//
// The pgx adapter optionally routes reads to a replica pool when the context asks for
// eventual consistency.
package adapters
