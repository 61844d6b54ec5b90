package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"toolshare/db"
)

// Store defines the data access required by the service.
type Store interface {
	ForRental(ctx context.Context, q db.Querier, rentalID string) (Payment, error)
	ForRentalForUpdate(ctx context.Context, q db.Querier, rentalID string) (Payment, error)
	InsertRefund(ctx context.Context, q db.Querier, refund Refund) error
}

// Enqueuer writes outbox messages in the caller's transaction.
type Enqueuer interface {
	Enqueue(ctx context.Context, q db.Querier, topic string, payload map[string]any) error
}

// TopicRefundRequested is consumed by the payment provider bridge.
const TopicRefundRequested = "payment.refund_requested"

// Service records refunds against rental payments. Settlement with the
// payment provider happens downstream of the outbox message.
type Service struct {
	repo   Store
	outbox Enqueuer
	logger *slog.Logger
	now    func() time.Time
}

func NewService(repo Store, outbox Enqueuer, logger *slog.Logger) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:   repo,
		outbox: outbox,
		logger: logger,
		now:    time.Now,
	}
}

// RefundRental queues a refund of amount against the rental's completed
// payment. Every write goes through q, which must be the caller's transaction,
// so the refund commits or rolls back with the caller's state change.
// Business refusals come back as an unsuccessful result; err is reserved for
// infrastructure failures.
func (s *Service) RefundRental(ctx context.Context, q db.Querier, rentalID string, amount decimal.Decimal, reason string) (RefundResult, error) {
	if strings.TrimSpace(rentalID) == "" {
		return RefundResult{Message: "rental id required"}, nil
	}
	if !amount.IsPositive() {
		return RefundResult{Message: "refund amount must be positive"}, nil
	}

	p, err := s.repo.ForRentalForUpdate(ctx, q, rentalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return RefundResult{Message: "no completed payment for rental"}, nil
		}
		return RefundResult{}, err
	}
	if amount.GreaterThan(p.Refundable()) {
		return RefundResult{Message: fmt.Sprintf("refund exceeds refundable balance of %s", p.Refundable().StringFixed(2))}, nil
	}

	refund := Refund{
		ID:        uuid.NewString(),
		PaymentID: p.ID,
		Amount:    amount.Round(2),
		Reason:    reason,
		Status:    "requested",
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.InsertRefund(ctx, q, refund); err != nil {
		return RefundResult{}, err
	}

	if s.outbox != nil {
		payload := map[string]any{
			"refund_id":  refund.ID,
			"payment_id": p.ID,
			"rental_id":  rentalID,
			"amount":     refund.Amount.StringFixed(2),
			"reason":     reason,
		}
		if err := s.outbox.Enqueue(ctx, q, TopicRefundRequested, payload); err != nil {
			return RefundResult{}, err
		}
	}

	s.logger.InfoContext(ctx, "refund queued",
		slog.String("refund_id", refund.ID),
		slog.String("rental_id", rentalID),
		slog.String("amount", refund.Amount.StringFixed(2)),
	)
	return RefundResult{Success: true, RefundID: refund.ID}, nil
}
