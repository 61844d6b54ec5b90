package closure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"toolshare/db"
	"toolshare/dispute"
	"toolshare/payment"
	"toolshare/rental"
)

// Eligibility is the verdict on whether a user may open a request.
type Eligibility struct {
	Eligible            bool
	Reasons             []string
	MaxRefundAmount     decimal.Decimal
	RequiresAdminReview bool
	Restrictions        []string
}

// DisputeReader loads disputes, optionally locking the row.
type DisputeReader interface {
	Get(ctx context.Context, q db.Querier, id string) (dispute.Record, error)
	GetForUpdate(ctx context.Context, q db.Querier, id string) (dispute.Record, error)
}

// RentalReader resolves the two participants of a rental.
type RentalReader interface {
	Get(ctx context.Context, q db.Querier, rentalID string) (rental.Parties, error)
}

// PaymentReader returns the completed payment of a rental.
type PaymentReader interface {
	ForRental(ctx context.Context, q db.Querier, rentalID string) (payment.Payment, error)
}

type activeLookup interface {
	HasActive(ctx context.Context, q db.Querier, disputeID string) (bool, error)
}

// Checker decides whether a user may open a mutual closure request.
type Checker struct {
	disputes DisputeReader
	rentals  RentalReader
	payments PaymentReader
	closures activeLookup
	velocity VelocityLimiter
	policy   Policy
	now      func() time.Time
}

func NewChecker(disputes DisputeReader, rentals RentalReader, payments PaymentReader, closures activeLookup, velocity VelocityLimiter, policy Policy) *Checker {
	return &Checker{
		disputes: disputes,
		rentals:  rentals,
		payments: payments,
		closures: closures,
		velocity: velocity,
		policy:   policy,
		now:      time.Now,
	}
}

// evaluation is what Check learned on the way to its verdict.
type evaluation struct {
	dispute      dispute.Record
	parties      rental.Parties
	activeExists bool
}

// Check never mutates state. Reasons explain every failed rule; err is only
// set for infrastructure failures.
func (c *Checker) Check(ctx context.Context, q db.Querier, disputeID, userID string) (Eligibility, error) {
	e, _, err := c.evaluate(ctx, q, disputeID, userID, false)
	return e, err
}

// evaluate with lock holds the dispute row lock so the active-request check
// stays valid until the caller's transaction ends.
func (c *Checker) evaluate(ctx context.Context, q db.Querier, disputeID, userID string, lock bool) (Eligibility, evaluation, error) {
	var (
		out Eligibility
		ev  evaluation
		err error
	)

	if lock {
		ev.dispute, err = c.disputes.GetForUpdate(ctx, q, disputeID)
	} else {
		ev.dispute, err = c.disputes.Get(ctx, q, disputeID)
	}
	if err != nil {
		if errors.Is(err, dispute.ErrNotFound) {
			out.Reasons = append(out.Reasons, msgDisputeMissing)
			return out, ev, nil
		}
		return out, ev, err
	}
	d := ev.dispute

	ev.parties, err = c.rentals.Get(ctx, q, d.RentalID)
	if err != nil {
		if errors.Is(err, rental.ErrNotFound) {
			out.Reasons = append(out.Reasons, "Rental for this dispute not found")
			return out, ev, nil
		}
		return out, ev, err
	}
	if !ev.parties.IsParticipant(userID) {
		out.Reasons = append(out.Reasons, "You are not a party to this rental")
		return out, ev, nil
	}

	if !c.policy.StatusEligible(d.Status) {
		out.Reasons = append(out.Reasons, fmt.Sprintf("Disputes with status %s are not eligible for mutual closure", d.Status))
	}
	if !c.policy.TypeEligible(d.Type) {
		out.Reasons = append(out.Reasons, fmt.Sprintf("Disputes of type %s are not eligible for mutual closure", d.Type))
	}
	if d.Escalated() {
		out.Reasons = append(out.Reasons, "Dispute has been escalated to the payment provider")
	}
	if d.Category == dispute.CategoryFraud {
		out.Reasons = append(out.Reasons, "Fraud disputes cannot be closed by mutual agreement")
	}
	now := c.now()
	if c.policy.MaxDisputeAge > 0 && now.Sub(d.CreatedAt) > c.policy.MaxDisputeAge {
		out.Reasons = append(out.Reasons, fmt.Sprintf("Dispute is older than %d days", int(c.policy.MaxDisputeAge.Hours()/24)))
	}

	ev.activeExists, err = c.closures.HasActive(ctx, q, d.ID)
	if err != nil {
		return out, ev, err
	}
	if ev.activeExists {
		out.Reasons = append(out.Reasons, msgActiveExists)
	}

	if c.velocity != nil {
		exceeded, err := c.velocity.Exceeded(ctx, q, userID, now)
		if err != nil {
			return out, ev, err
		}
		if exceeded {
			out.Reasons = append(out.Reasons, velocityReason(c.policy))
		}
	}

	if len(out.Reasons) > 0 {
		return out, ev, nil
	}

	var paid *decimal.Decimal
	p, err := c.payments.ForRental(ctx, q, d.RentalID)
	switch {
	case err == nil:
		paid = &p.Amount
	case errors.Is(err, payment.ErrNotFound):
	default:
		return out, ev, err
	}

	out.Eligible = true
	out.MaxRefundAmount = c.policy.RefundCeiling(paid)
	out.RequiresAdminReview = c.policy.TypeRequiresReview(d.Type)
	out.Restrictions = c.restrictions(out)
	return out, ev, nil
}

func (c *Checker) restrictions(e Eligibility) []string {
	r := []string{
		fmt.Sprintf("Maximum refund amount is $%s", e.MaxRefundAmount.StringFixed(2)),
		fmt.Sprintf("Requests expire between %d and %d hours after creation", c.policy.MinExpirationHours, c.policy.MaxExpirationHours),
	}
	if e.MaxRefundAmount.IsZero() {
		r = append(r, "No payment is linked to this rental, so no refund can be agreed")
	}
	if e.RequiresAdminReview {
		r = append(r, "Requests for this dispute type are reviewed by an administrator")
	}
	if c.policy.AdminReviewAmountThreshold.IsPositive() {
		r = append(r, fmt.Sprintf("Refunds of $%s or more are reviewed by an administrator", c.policy.AdminReviewAmountThreshold.StringFixed(2)))
	}
	return r
}

func velocityReason(p Policy) string {
	return fmt.Sprintf("You have reached the limit of %d mutual closure requests per %d hours",
		p.VelocityLimit, int(p.VelocityWindow.Hours()))
}
