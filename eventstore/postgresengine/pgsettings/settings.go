package pgsettings

import (
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"github.com/spf13/viper"

	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore"
)

const (
	envPrefix    = "tses"
	driverName   = "postgres"
	keyHost      = "postgres.host"
	keyPort      = "postgres.port"
	keyDatabase  = "postgres.database"
	keyUser      = "postgres.user"
	keyPassword  = "postgres.password"
	keySSLMode   = "postgres.ssl_mode"
	keyMaxConns  = "postgres.max_conns"
	keyMinConns  = "postgres.min_conns"
	keyLifetime  = "postgres.max_conn_lifetime"
	keyIdleTime  = "postgres.max_conn_idle_time"
	keyConnect   = "postgres.connect_timeout"
	keyStatement = "postgres.command_timeout"
)

// Settings describe how to reach the PostgreSQL database and how to pool connections to it.
type Settings struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	CommandTimeout  time.Duration `mapstructure:"command_timeout"`
}

type file struct {
	Postgres Settings `mapstructure:"postgres"`
}

// Defaults returns Settings for a local database without credentials.
func Defaults() Settings {
	return Settings{
		Host:            "localhost",
		Port:            5432,
		SSLMode:         "disable",
		MaxConns:        50,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 5 * time.Minute,
		ConnectTimeout:  5 * time.Second,
	}
}

// Load reads Settings from an optional config file (YAML, TOML, JSON) and from environment
// variables like TSES_POSTGRES_HOST, which take precedence. Pass "" to only use the environment.
func Load(path string) (Settings, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return Settings{}, eventstore.ConfigurationError(err, "reading "+path)
		}
	}

	var cfg file
	if err := v.Unmarshal(&cfg); err != nil {
		return Settings{}, eventstore.ConfigurationError(err, "unmarshal postgres settings")
	}

	if err := cfg.Postgres.Validate(); err != nil {
		return Settings{}, err
	}

	return cfg.Postgres, nil
}

func setDefaults(v *viper.Viper) {
	defaults := Defaults()

	v.SetDefault(keyHost, defaults.Host)
	v.SetDefault(keyPort, defaults.Port)
	v.SetDefault(keyDatabase, "")
	v.SetDefault(keyUser, "")
	v.SetDefault(keyPassword, "")
	v.SetDefault(keySSLMode, defaults.SSLMode)
	v.SetDefault(keyMaxConns, defaults.MaxConns)
	v.SetDefault(keyMinConns, defaults.MinConns)
	v.SetDefault(keyLifetime, defaults.MaxConnLifetime)
	v.SetDefault(keyIdleTime, defaults.MaxConnIdleTime)
	v.SetDefault(keyConnect, defaults.ConnectTimeout)
	v.SetDefault(keyStatement, time.Duration(0))
}

// Validate reports missing connection info and impossible pool sizes as ErrConfiguration.
func (s Settings) Validate() error {
	missing := make([]string, 0)

	if s.Host == "" {
		missing = append(missing, "host")
	}

	if s.Database == "" {
		missing = append(missing, "database")
	}

	if s.User == "" {
		missing = append(missing, "user")
	}

	if len(missing) > 0 {
		return eventstore.ConfigurationError(eventstore.ErrMissingConnectionInfo, strings.Join(missing, ", "))
	}

	if s.Port <= 0 || s.Port > 65535 {
		return eventstore.ConfigurationError(eventstore.ErrInvalidOption, fmt.Sprintf("port %d", s.Port))
	}

	if s.MaxConns < 0 || s.MinConns < 0 || (s.MaxConns > 0 && s.MinConns > s.MaxConns) {
		return eventstore.ConfigurationError(
			eventstore.ErrInvalidOption,
			fmt.Sprintf("pool size min %d max %d", s.MinConns, s.MaxConns),
		)
	}

	return nil
}

// DSN renders the settings as a postgres:// URL understood by pgx and lib/pq.
func (s Settings) DSN() string {
	query := url.Values{}

	if s.SSLMode != "" {
		query.Set("sslmode", s.SSLMode)
	}

	if s.ConnectTimeout > 0 {
		query.Set("connect_timeout", strconv.Itoa(int(s.ConnectTimeout.Seconds())))
	}

	if s.CommandTimeout > 0 {
		query.Set("statement_timeout", strconv.FormatInt(s.CommandTimeout.Milliseconds(), 10))
	}

	dsn := url.URL{
		Scheme:   driverName,
		Host:     net.JoinHostPort(s.Host, strconv.Itoa(s.Port)),
		Path:     "/" + s.Database,
		RawQuery: query.Encode(),
	}

	if s.Password != "" {
		dsn.User = url.UserPassword(s.User, s.Password)
	} else {
		dsn.User = url.User(s.User)
	}

	return dsn.String()
}

// PGXPoolConfig creates a pgxpool.Config with the pool settings applied.
func (s Settings) PGXPoolConfig() (*pgxpool.Config, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	dbConfig, err := pgxpool.ParseConfig(s.DSN())
	if err != nil {
		return nil, eventstore.ConfigurationError(err, "parsing postgres dsn")
	}

	if s.MaxConns > 0 {
		dbConfig.MaxConns = s.MaxConns
	}

	dbConfig.MinConns = s.MinConns
	dbConfig.MaxConnLifetime = s.MaxConnLifetime
	dbConfig.MaxConnIdleTime = s.MaxConnIdleTime

	if s.ConnectTimeout > 0 {
		dbConfig.ConnConfig.ConnectTimeout = s.ConnectTimeout
	}

	return dbConfig, nil
}

// OpenSQLDB opens a sql.DB through lib/pq. It does not connect until first use.
func (s Settings) OpenSQLDB() (*sql.DB, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, s.DSN())
	if err != nil {
		return nil, eventstore.ConfigurationError(err, "opening postgres database")
	}

	s.applyPoolSettings(db)

	return db, nil
}

// OpenSQLX opens a sqlx.DB through lib/pq. It does not connect until first use.
func (s Settings) OpenSQLX() (*sqlx.DB, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driverName, s.DSN())
	if err != nil {
		return nil, eventstore.ConfigurationError(err, "opening postgres database")
	}

	s.applyPoolSettings(db.DB)

	return db, nil
}

func (s Settings) applyPoolSettings(db *sql.DB) {
	if s.MaxConns > 0 {
		db.SetMaxOpenConns(int(s.MaxConns))
	}

	db.SetMaxIdleConns(int(s.MinConns))
	db.SetConnMaxLifetime(s.MaxConnLifetime)
	db.SetConnMaxIdleTime(s.MaxConnIdleTime)
}
