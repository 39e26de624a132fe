// Package pgsettings holds the connection settings of the PostgreSQL backend.
//
// Settings are loaded with viper from an optional file and TSES_ prefixed environment variables:
//
//	TSES_POSTGRES_HOST=db.internal TSES_POSTGRES_DATABASE=eventstore TSES_POSTGRES_USER=app
//
// and turned into a DSN, a pgxpool.Config, a sql.DB or a sqlx.DB.
package pgsettings
