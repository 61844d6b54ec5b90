package infra

import (
	"context"
	"os"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// DSNEnv names an existing database to reuse instead of starting a container.
const DSNEnv = "TEST_DATABASE_URL"

type PGContainer struct {
	C *postgres.PostgresContainer
}

// StartPostgres starts a Postgres 16 container and returns its DSN. When
// overrideDSN or TEST_DATABASE_URL is set, that database is reused and
// shared reports true.
func StartPostgres(ctx context.Context, overrideDSN string) (pg *PGContainer, dsn string, shared bool, err error) {
	if overrideDSN != "" {
		return &PGContainer{}, overrideDSN, true, nil
	}
	if dsn := os.Getenv(DSNEnv); dsn != "" {
		return &PGContainer{}, dsn, true, nil
	}

	pgC, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("toolshare"),
		postgres.WithUsername("toolshare"),
		postgres.WithPassword("toolshare"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, "", false, err
	}

	dsn, err = pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", false, err
	}
	return &PGContainer{C: pgC}, dsn, false, nil
}

func (p *PGContainer) Terminate(ctx context.Context) error {
	if p == nil || p.C == nil {
		return nil
	}
	return p.C.Terminate(ctx)
}
