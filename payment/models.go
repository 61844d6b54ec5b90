package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

// Payment is the completed charge linked to a rental.
type Payment struct {
	ID        string
	RentalID  string
	Amount    decimal.Decimal
	Refunded  decimal.Decimal
	Status    string
	CreatedAt time.Time
}

// Refundable is what remains after earlier refunds.
func (p Payment) Refundable() decimal.Decimal {
	rest := p.Amount.Sub(p.Refunded)
	if rest.IsNegative() {
		return decimal.Zero
	}
	return rest
}

// Refund is a refund row queued against a payment.
type Refund struct {
	ID        string
	PaymentID string
	Amount    decimal.Decimal
	Reason    string
	Status    string
	CreatedAt time.Time
}

// RefundResult is returned to callers requesting a refund.
type RefundResult struct {
	Success  bool
	RefundID string
	Message  string
}
