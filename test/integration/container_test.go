package integration

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const postgresImage = "postgres:16-alpine"

// startPostgresContainer runs a disposable postgres with testcontainers-go.
// The returned cleanup terminates it.
func startPostgresContainer(ctx context.Context) (string, func(), error) {
	ctr, err := tcpostgres.Run(ctx, postgresImage,
		tcpostgres.WithDatabase("revleak"),
		tcpostgres.WithUsername("revleak"),
		tcpostgres.WithPassword("revleak"),
		// postgres logs readiness twice: once for the init server, once for the real one.
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start %s: %w", postgresImage, err)
	}
	cleanup := func() { _ = ctr.Terminate(context.Background()) }

	connStr, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("container connection string: %w", err)
	}
	return connStr, cleanup, nil
}
