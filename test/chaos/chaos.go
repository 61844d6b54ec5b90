// Package chaos injects connection failures while actors run.
package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend kills one other backend of the current database
// with probability 1/oneIn on every tick. In-flight closure transactions on
// that connection roll back, which the oracles must tolerate.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, every time.Duration, oneIn int, stop <-chan struct{}) {
	if oneIn <= 0 {
		oneIn = 1
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(oneIn) != 0 {
				continue
			}
			_, _ = pool.Exec(ctx, `
				SELECT pg_terminate_backend(pid) FROM pg_stat_activity
				WHERE datname = current_database() AND pid <> pg_backend_pid() AND backend_type = 'client backend'
				ORDER BY random() LIMIT 1`)
		}
	}
}
