// Package postgrestest runs the PostgreSQL backend tests against a shared testcontainers database.
//
// Set TSES_TEST_POSTGRES_DSN to use an existing database and ADAPTER_TYPE (pgxpool, sqldb, sqlx)
// to pick the database adapter. Without a container runtime the tests are skipped.
package postgrestest
