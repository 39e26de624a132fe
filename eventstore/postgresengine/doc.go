// Package postgresengine provides a PostgreSQL implementation of eventstore.Backend.
//
// All tenants share one physical connection pool. Two tenancy styles are supported:
//
//   - Conjoined (default): one set of tables with a tenant_id column in every key. A CommitBatch
//     for several tenants is written in one transaction, so the backend is cross-tenant atomic.
//   - SchemaPerTenant: one PostgreSQL schema per tenant holding its own tables. The schemas share
//     the database, so a CommitBatch spanning tenants is still written in one transaction.
//
// Supported database adapters are pgxpool.Pool, sql.DB (lib/pq) and sqlx.DB. With a pgx pool, a
// replica pool can serve reads of contexts marked with eventstore.WithEventualConsistency.
//
// Usage examples:
//
//	pool, _ := pgxpool.NewWithConfig(ctx, settings.PGXPoolConfig())
//	backend, _ := postgresengine.NewBackendFromPGXPool(
//		pool,
//		postgresengine.WithTablePrefix("mt_"),
//		postgresengine.WithTenancy(postgresengine.SchemaPerTenant),
//		postgresengine.WithLogger(logger),
//	)
//
//	store, _ := eventstore.NewStore(backend, options...)
package postgresengine
