// Package testutil provides shared container infrastructure for integration
// tests against the real vector backends.
//
// Usage in TestMain:
//
//	func TestMain(m *testing.M) {
//	    pg := testutil.MustStartPgvector()
//	    defer pg.Terminate()
//	    dsn = pg.DSN
//	    os.Exit(m.Run())
//	}
package testutil

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Container wraps a started testcontainer with its connection address.
type Container struct {
	container testcontainers.Container

	// DSN is the Postgres connection string (pgvector container only).
	DSN string

	// URL is the HTTP base URL (Qdrant container only).
	URL string
}

// Terminate stops and removes the container.
func (c *Container) Terminate() {
	_ = c.container.Terminate(context.Background())
}

// MustStartPgvector starts a Postgres container with the pgvector extension
// available. Calls os.Exit(1) on failure (suitable for TestMain).
func MustStartPgvector() *Container {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg17",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "cstp",
			"POSTGRES_PASSWORD": "cstp",
			"POSTGRES_DB":       "cstp",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: start pgvector container: %v\n", err)
		os.Exit(1)
	}

	host, port := mustEndpoint(ctx, container, "5432")
	return &Container{
		container: container,
		DSN:       fmt.Sprintf("postgres://cstp:cstp@%s:%s/cstp?sslmode=disable", host, port),
	}
}

// MustStartQdrant starts a Qdrant container and returns its gRPC-capable
// base URL. Calls os.Exit(1) on failure.
func MustStartQdrant() *Container {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "qdrant/qdrant:v1.12.4",
		ExposedPorts: []string{"6334/tcp"},
		WaitingFor:   wait.ForListeningPort("6334/tcp").WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: start qdrant container: %v\n", err)
		os.Exit(1)
	}

	host, port := mustEndpoint(ctx, container, "6334")
	return &Container{
		container: container,
		URL:       fmt.Sprintf("http://%s:%s", host, port),
	}
}

func mustEndpoint(ctx context.Context, container testcontainers.Container, port nat.Port) (string, string) {
	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: container host: %v\n", err)
		os.Exit(1)
	}
	mapped, err := container.MappedPort(ctx, port)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: container port: %v\n", err)
		os.Exit(1)
	}
	return host, mapped.Port()
}
