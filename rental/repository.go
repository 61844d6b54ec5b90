package rental

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"toolshare/db"
)

// ErrNotFound signals the requested rental does not exist.
var ErrNotFound = errors.New("rental: not found")

// Repository provides read access to rental participants.
type Repository struct{}

// NewRepository returns a pgx-backed repository.
func NewRepository() *Repository {
	return &Repository{}
}

// Get fetches the renter and tool owner of a rental.
func (r *Repository) Get(ctx context.Context, q db.Querier, rentalID string) (Parties, error) {
	const query = `
		SELECT rt.id::text, rt.tool_id::text, rt.renter_id::text, t.owner_id::text
		FROM rentals rt
		JOIN tools t ON t.id = rt.tool_id
		WHERE rt.id = $1
	`

	var p Parties
	err := q.QueryRow(ctx, query, rentalID).Scan(&p.RentalID, &p.ToolID, &p.RenterID, &p.OwnerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Parties{}, ErrNotFound
		}
		return Parties{}, fmt.Errorf("rental: query parties: %w", err)
	}
	return p, nil
}
