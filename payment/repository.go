package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"toolshare/db"
)

// ErrNotFound signals that no completed payment is linked to the rental.
var ErrNotFound = errors.New("payment: not found")

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const paymentColumns = `p.id::text, p.rental_id::text, p.amount, p.status, p.created_at`

// ForRental returns the latest completed payment of a rental with its refunded total.
func (r *Repository) ForRental(ctx context.Context, q db.Querier, rentalID string) (Payment, error) {
	return r.forRental(ctx, q, rentalID, false)
}

// ForRentalForUpdate is ForRental holding the payment row lock.
func (r *Repository) ForRentalForUpdate(ctx context.Context, q db.Querier, rentalID string) (Payment, error) {
	return r.forRental(ctx, q, rentalID, true)
}

func (r *Repository) forRental(ctx context.Context, q db.Querier, rentalID string, lock bool) (Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments p
		WHERE p.rental_id = $1 AND p.status = 'completed'
		ORDER BY p.created_at DESC
		LIMIT 1
	`
	if lock {
		query += " FOR UPDATE"
	}

	var p Payment
	err := q.QueryRow(ctx, query, rentalID).Scan(&p.ID, &p.RentalID, &p.Amount, &p.Status, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrNotFound
		}
		return Payment{}, fmt.Errorf("payment: query by rental: %w", err)
	}

	const refundedSQL = `
		SELECT COALESCE(SUM(amount), 0)
		FROM payment_refunds
		WHERE payment_id = $1 AND status <> 'failed'
	`
	if err := q.QueryRow(ctx, refundedSQL, p.ID).Scan(&p.Refunded); err != nil {
		return Payment{}, fmt.Errorf("payment: sum refunds: %w", err)
	}
	return p, nil
}

// InsertRefund records a requested refund.
func (r *Repository) InsertRefund(ctx context.Context, q db.Querier, refund Refund) error {
	const insertSQL = `
		INSERT INTO payment_refunds (id, payment_id, amount, reason, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := q.Exec(ctx, insertSQL,
		refund.ID, refund.PaymentID, refund.Amount, refund.Reason, refund.Status, refund.CreatedAt,
	); err != nil {
		return fmt.Errorf("payment: insert refund: %w", err)
	}
	return nil
}
