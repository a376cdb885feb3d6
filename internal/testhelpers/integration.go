//go:build integration
// +build integration

// Package testhelpers starts throwaway backing services for integration tests.
package testhelpers

import (
	"context"
	"fmt"
	"testing"
	"time"

	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	postgresImage  = "postgres:16-alpine"
	memcachedImage = "memcached:1.6-alpine"
)

// StartPostgres runs a disposable PostgreSQL container and returns its connection URL.
// The container is terminated when the test finishes.
func StartPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        postgresImage,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "tracker",
				"POSTGRES_PASSWORD": "tracker",
				"POSTGRES_DB":       "tracker",
			},
			WaitingFor: wait.ForAll(
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
				wait.ForListeningPort("5432/tcp"),
			).WithDeadline(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	return fmt.Sprintf("postgres://tracker:tracker@%s/tracker?sslmode=disable", endpoint(t, ctx, c, "5432/tcp"))
}

// StartMemcached runs a disposable memcached container and returns host:port.
func StartMemcached(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        memcachedImage,
			ExposedPorts: []string{"11211/tcp"},
			WaitingFor:   wait.ForListeningPort("11211/tcp").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("memcached container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	return endpoint(t, ctx, c, "11211/tcp")
}

func endpoint(t *testing.T, ctx context.Context, c tc.Container, port string) string {
	t.Helper()
	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	mapped, err := c.MappedPort(ctx, port)
	if err != nil {
		t.Fatalf("mapped port %s: %v", port, err)
	}
	return fmt.Sprintf("%s:%s", host, mapped.Port())
}
