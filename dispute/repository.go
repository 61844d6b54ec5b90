package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"toolshare/db"
)

var (
	ErrNotFound  = errors.New("dispute: not found")
	ErrForbidden = errors.New("dispute: forbidden")
	ErrBadStatus = errors.New("dispute: invalid status transition")
	ErrInvalid   = errors.New("dispute: invalid input")
)

const selectColumns = `
	d.id::text, d.rental_id::text, d.opened_by::text, d.type, d.category, d.status,
	d.title, d.description, d.external_escalation_id, d.resolution, d.resolution_notes,
	d.refund_amount, d.created_at, d.updated_at, d.resolved_at`

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Get loads a dispute by id.
func (r *Repository) Get(ctx context.Context, q db.Querier, id string) (Record, error) {
	query := `SELECT` + selectColumns + ` FROM disputes d WHERE d.id = $1`
	rec, err := scanRecord(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get: %w", err)
	}
	return rec, nil
}

// GetForUpdate loads a dispute and holds its row lock until q's transaction ends.
func (r *Repository) GetForUpdate(ctx context.Context, q db.Querier, id string) (Record, error) {
	query := `SELECT` + selectColumns + ` FROM disputes d WHERE d.id = $1 FOR UPDATE`
	rec, err := scanRecord(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get for update: %w", err)
	}
	return rec, nil
}

// List returns disputes on rentals where userID is the renter or the tool owner.
func (r *Repository) List(ctx context.Context, q db.Querier, userID string, rentalID string) ([]Record, error) {
	query := `SELECT` + selectColumns + `
		FROM disputes d
		JOIN rentals rt ON rt.id = d.rental_id
		JOIN tools t ON t.id = rt.tool_id
		WHERE (rt.renter_id = $1 OR t.owner_id = $1)
	`
	args := []any{userID}
	if rentalID != "" {
		query += " AND d.rental_id = $2"
		args = append(args, rentalID)
	}
	query += " ORDER BY d.created_at DESC"

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

// Create opens a dispute when userID takes part in the rental.
func (r *Repository) Create(ctx context.Context, q db.Querier, userID string, params CreateParams) (Record, error) {
	query := `
		WITH inserted AS (
			INSERT INTO disputes (rental_id, opened_by, type, category, title, description, status)
			SELECT rt.id, $2, $3, $4, $5, $6, 'open'
			FROM rentals rt
			JOIN tools t ON t.id = rt.tool_id
			WHERE rt.id = $1 AND (rt.renter_id = $2 OR t.owner_id = $2)
			RETURNING *
		)
		SELECT` + selectColumns + ` FROM inserted d`

	rec, err := scanRecord(q.QueryRow(ctx, query,
		params.RentalID, userID, params.Type, params.Category, params.Title, params.Description))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrForbidden
		}
		return Record{}, fmt.Errorf("dispute: create: %w", err)
	}
	return rec, nil
}

// ResolveByMutualAgreement marks the dispute resolved with the agreed refund.
// Settled disputes are left untouched and reported as ErrBadStatus.
func (r *Repository) ResolveByMutualAgreement(ctx context.Context, q db.Querier, res MutualResolution) (Record, error) {
	query := `
		WITH updated AS (
			UPDATE disputes
			SET status = 'resolved',
			    resolution = $2,
			    resolution_notes = $3,
			    refund_amount = $4,
			    resolved_at = $5,
			    updated_at = $5
			WHERE id = $1 AND status NOT IN ('resolved', 'closed')
			RETURNING *
		)
		SELECT` + selectColumns + ` FROM updated d`

	var amount decimal.NullDecimal
	if res.RefundAmount != nil {
		amount = decimal.NewNullDecimal(*res.RefundAmount)
	}

	rec, err := scanRecord(q.QueryRow(ctx, query,
		res.DisputeID, ResolutionMutualAgreement, res.Notes, amount, res.ResolvedAt))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("dispute: resolve: %w", err)
	}

	if _, err := r.Get(ctx, q, res.DisputeID); err != nil {
		return Record{}, err
	}
	return Record{}, ErrBadStatus
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec        Record
		resolution *string
		amount     decimal.NullDecimal
	)
	err := row.Scan(
		&rec.ID,
		&rec.RentalID,
		&rec.OpenedBy,
		&rec.Type,
		&rec.Category,
		&rec.Status,
		&rec.Title,
		&rec.Description,
		&rec.ExternalEscalationID,
		&resolution,
		&rec.ResolutionNotes,
		&amount,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.ResolvedAt,
	)
	if err != nil {
		return Record{}, err
	}
	if resolution != nil {
		res := Resolution(*resolution)
		rec.Resolution = &res
	}
	if amount.Valid {
		v := amount.Decimal
		rec.RefundAmount = &v
	}
	return rec, nil
}
