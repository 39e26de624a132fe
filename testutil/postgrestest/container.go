package postgrestest

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore/postgresengine/pgsettings"
)

const (
	image         = "postgres:16-alpine"
	containerPort = "5432/tcp"
	dbName        = "eventstore"
	dbUser        = "test"
	dbPassword    = "test"

	// EnvDSN points the tests at an existing database instead of a container.
	EnvDSN = "TSES_TEST_POSTGRES_DSN"
)

var (
	startOnce sync.Once
	started   pgsettings.Settings
	startErr  error
)

// Settings returns the connection settings of the shared test database. The container is started
// once per test binary and reaped by testcontainers after the run. Tests are skipped when no
// container runtime is available.
func Settings(t *testing.T) pgsettings.Settings {
	t.Helper()

	if dsn := os.Getenv(EnvDSN); dsn != "" {
		settings, err := settingsFromDSN(dsn)
		if err != nil {
			t.Fatalf("parsing %s: %v", EnvDSN, err)
		}

		return settings
	}

	testcontainers.SkipIfProviderIsNotHealthy(t)

	startOnce.Do(func() {
		started, startErr = startContainer(context.Background())
	})

	if startErr != nil {
		t.Skipf("postgres container unavailable: %v", startErr)
	}

	return started
}

func startContainer(ctx context.Context) (pgsettings.Settings, error) {
	req := testcontainers.ContainerRequest{
		Image:        image,
		ExposedPorts: []string{containerPort},
		Env: map[string]string{
			"POSTGRES_DB":       dbName,
			"POSTGRES_USER":     dbUser,
			"POSTGRES_PASSWORD": dbPassword,
		},
		WaitingFor: wait.ForAll(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			wait.ForListeningPort(containerPort),
		).WithDeadline(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return pgsettings.Settings{}, err
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return pgsettings.Settings{}, fmt.Errorf("container host: %w", err)
	}

	port, err := container.MappedPort(ctx, containerPort)
	if err != nil {
		_ = container.Terminate(ctx)
		return pgsettings.Settings{}, fmt.Errorf("mapped port: %w", err)
	}

	settings := pgsettings.Defaults()
	settings.Host = host
	settings.Port = port.Int()
	settings.Database = dbName
	settings.User = dbUser
	settings.Password = dbPassword
	settings.MaxConns = 20

	return settings, nil
}

func settingsFromDSN(dsn string) (pgsettings.Settings, error) {
	parsed, err := pgconn.ParseConfig(dsn)
	if err != nil {
		return pgsettings.Settings{}, err
	}

	settings := pgsettings.Defaults()
	settings.Host = parsed.Host
	settings.Port = int(parsed.Port)
	settings.Database = parsed.Database
	settings.User = parsed.User
	settings.Password = parsed.Password

	if parsed.TLSConfig != nil {
		settings.SSLMode = "require"
	}

	return settings, nil
}
