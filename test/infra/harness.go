package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Harness owns the Postgres container (if any), the migrated pool and the
// schema teardown.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	teardown  func(context.Context) error
}

// NewHarness starts or reuses a database and applies the embedded migrations.
func NewHarness(ctx context.Context, overrideDSN string) (*Harness, error) {
	pgC, dsn, shared, err := StartPostgres(ctx, overrideDSN)
	if err != nil {
		return nil, fmt.Errorf("start postgres: %w", err)
	}
	pool, teardown, err := ApplyMigrations(ctx, dsn, shared)
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, err
	}
	return &Harness{container: pgC, pool: pool, teardown: teardown}, nil
}

func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
	}
	if h.teardown != nil {
		_ = h.teardown(ctx)
	}
	_ = h.container.Terminate(ctx)
}

// Fixture is one rented tool with a completed payment and an open dispute.
type Fixture struct {
	OwnerID   string
	RenterID  string
	AdminID   string
	ToolID    string
	RentalID  string
	PaymentID string
	DisputeID string
}

// SeedOptions tunes the seeded dispute. Zero values give an open late_return
// dispute on a rental paid 200.00.
type SeedOptions struct {
	Paid          decimal.Decimal
	DisputeType   string
	DisputeStatus string
	OpenedAt      time.Time
}

// Seed inserts a fresh owner, renter, admin, tool, rental, payment and dispute.
func (h *Harness) Seed(ctx context.Context, opts SeedOptions) (Fixture, error) {
	if opts.Paid.IsZero() {
		opts.Paid = decimal.NewFromInt(200)
	}
	if opts.DisputeType == "" {
		opts.DisputeType = "late_return"
	}
	if opts.DisputeStatus == "" {
		opts.DisputeStatus = "open"
	}
	if opts.OpenedAt.IsZero() {
		opts.OpenedAt = time.Now().UTC()
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return Fixture{}, fmt.Errorf("seed begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var f Fixture
	users := []struct {
		dst  *string
		role string
	}{{&f.OwnerID, "member"}, {&f.RenterID, "member"}, {&f.AdminID, "admin"}}
	for _, u := range users {
		email := fmt.Sprintf("%s@toolshare.test", uuid.NewString())
		if err := tx.QueryRow(ctx,
			`INSERT INTO users (email, display_name, role) VALUES ($1, $2, $3) RETURNING id::text`,
			email, "Seed "+u.role, u.role).Scan(u.dst); err != nil {
			return Fixture{}, fmt.Errorf("seed user: %w", err)
		}
	}

	if err := tx.QueryRow(ctx,
		`INSERT INTO tools (owner_id, name, daily_rate) VALUES ($1, 'Rotary hammer', 25) RETURNING id::text`,
		f.OwnerID).Scan(&f.ToolID); err != nil {
		return Fixture{}, fmt.Errorf("seed tool: %w", err)
	}
	if err := tx.QueryRow(ctx,
		`INSERT INTO rentals (tool_id, renter_id, status) VALUES ($1, $2, 'completed') RETURNING id::text`,
		f.ToolID, f.RenterID).Scan(&f.RentalID); err != nil {
		return Fixture{}, fmt.Errorf("seed rental: %w", err)
	}
	if err := tx.QueryRow(ctx,
		`INSERT INTO payments (rental_id, amount, status) VALUES ($1, $2, 'completed') RETURNING id::text`,
		f.RentalID, opts.Paid).Scan(&f.PaymentID); err != nil {
		return Fixture{}, fmt.Errorf("seed payment: %w", err)
	}
	if err := tx.QueryRow(ctx, `
		INSERT INTO disputes (rental_id, opened_by, type, category, status, title, created_at, updated_at)
		VALUES ($1, $2, $3, 'service', $4, 'Seeded dispute', $5, $5)
		RETURNING id::text`,
		f.RentalID, f.RenterID, opts.DisputeType, opts.DisputeStatus, opts.OpenedAt).Scan(&f.DisputeID); err != nil {
		return Fixture{}, fmt.Errorf("seed dispute: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Fixture{}, fmt.Errorf("seed commit: %w", err)
	}
	return f, nil
}

// Reset truncates every mutable table. The audit log trigger blocks DELETE
// but not TRUNCATE.
func (h *Harness) Reset(ctx context.Context) error {
	tables := []string{
		"mutual_closure_audit_logs",
		"mutual_closures",
		"payment_refunds",
		"payments",
		"disputes",
		"rentals",
		"tools",
		"outbox",
		"users",
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tbl := range tables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", tbl, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}
	return nil
}

// ExpireNow backdates a pending closure so the next sweep picks it up.
func (h *Harness) ExpireNow(ctx context.Context, closureID string) error {
	_, err := h.pool.Exec(ctx,
		`UPDATE mutual_closures SET expires_at = now() - interval '1 minute' WHERE id = $1`, closureID)
	return err
}
