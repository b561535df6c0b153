// Package testutil starts shared backend containers for integration tests.
// Containers are started once per test binary. Tests are skipped with
// -short or when no container runtime is available.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const startTimeout = 3 * time.Minute

type shared struct {
	once      sync.Once
	container testcontainers.Container
	endpoint  string
	err       error
}

var (
	redisC    shared
	postgresC shared
	mongoC    shared
)

func (s *shared) get(t *testing.T, kind string, start func(ctx context.Context) (testcontainers.Container, string, error)) string {
	t.Helper()
	if testing.Short() {
		t.Skipf("skipping %s integration test in -short mode", kind)
	}
	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
		defer cancel()
		s.container, s.endpoint, s.err = start(ctx)
	})
	if s.err != nil {
		t.Skipf("%s container unavailable: %v", kind, s.err)
	}
	return s.endpoint
}

// RedisAddress returns host:port of a shared Redis container.
func RedisAddress(t *testing.T) string {
	return redisC.get(t, "redis", func(ctx context.Context) (testcontainers.Container, string, error) {
		c, err := testcontainers.Run(
			ctx, "redis:7",
			testcontainers.WithExposedPorts("6379/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("6379/tcp"),
				wait.ForLog("Ready to accept connections"),
			),
		)
		if err != nil {
			return nil, "", err
		}
		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			_ = c.Terminate(context.Background())
			return nil, "", err
		}
		return c, endpoint, nil
	})
}

// PostgresDSN returns a pgx DSN of a shared PostgreSQL container.
func PostgresDSN(t *testing.T) string {
	return postgresC.get(t, "postgres", func(ctx context.Context) (testcontainers.Container, string, error) {
		c, err := testcontainers.Run(
			ctx, "postgres:16",
			testcontainers.WithExposedPorts("5432/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForAll(
					wait.ForListeningPort("5432/tcp"),
					wait.ForLog("ready to accept connections"),
					wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
						return fmt.Sprintf("postgres://durex:durex@%s:%s/durex_test?sslmode=disable", host, port.Port())
					}).WithQuery("SELECT 1"),
				).WithDeadline(2*time.Minute),
			),
			testcontainers.WithEnv(map[string]string{
				"POSTGRES_USER":     "durex",
				"POSTGRES_PASSWORD": "durex",
				"POSTGRES_DB":       "durex_test",
			}),
		)
		if err != nil {
			return nil, "", err
		}
		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			_ = c.Terminate(context.Background())
			return nil, "", err
		}
		return c, fmt.Sprintf("postgres://durex:durex@%s/durex_test?sslmode=disable", endpoint), nil
	})
}

// MongoURI returns the connection URI of a shared MongoDB container.
func MongoURI(t *testing.T) string {
	return mongoC.get(t, "mongo", func(ctx context.Context) (testcontainers.Container, string, error) {
		c, err := testcontainers.Run(
			ctx, "mongo:7",
			testcontainers.WithExposedPorts("27017/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("27017/tcp"),
				wait.ForLog("Waiting for connections"),
			),
		)
		if err != nil {
			return nil, "", err
		}
		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			_ = c.Terminate(context.Background())
			return nil, "", err
		}
		return c, "mongodb://" + endpoint, nil
	})
}
