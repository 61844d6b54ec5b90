package closure

import (
	"time"

	"github.com/shopspring/decimal"

	"toolshare/dispute"
)

// Policy holds the tunables of the closure workflow.
type Policy struct {
	MaxMutualClosureAmount     decimal.Decimal
	AdminReviewAmountThreshold decimal.Decimal
	PlatformFeeRate            decimal.Decimal

	MinExpirationHours     int
	MaxExpirationHours     int
	DefaultExpirationHours int

	MaxDisputeAge  time.Duration
	VelocityLimit  int
	VelocityWindow time.Duration
	ReminderWindow time.Duration

	EligibleStatuses []dispute.Status
	EligibleTypes    []dispute.Type
	AdminReviewTypes []dispute.Type

	// OverrideSettles makes an admin override run the refund and dispute
	// resolution of a normal acceptance.
	OverrideSettles bool
}

func DefaultPolicy() Policy {
	return Policy{
		MaxMutualClosureAmount:     decimal.NewFromInt(500),
		AdminReviewAmountThreshold: decimal.NewFromInt(250),
		PlatformFeeRate:            decimal.RequireFromString("0.05"),
		MinExpirationHours:         24,
		MaxExpirationHours:         168,
		DefaultExpirationHours:     48,
		MaxDisputeAge:              30 * 24 * time.Hour,
		VelocityLimit:              3,
		VelocityWindow:             24 * time.Hour,
		ReminderWindow:             24 * time.Hour,
		EligibleStatuses:           []dispute.Status{dispute.StatusOpen, dispute.StatusUnderReview},
		EligibleTypes: []dispute.Type{
			dispute.TypeItemDamage,
			dispute.TypeNotAsDescribed,
			dispute.TypeLateReturn,
			dispute.TypeNoShow,
			dispute.TypePaymentIssue,
			dispute.TypeOther,
		},
		AdminReviewTypes: []dispute.Type{dispute.TypeItemDamage},
	}
}

func (p Policy) StatusEligible(s dispute.Status) bool {
	for _, v := range p.EligibleStatuses {
		if v == s {
			return true
		}
	}
	return false
}

func (p Policy) TypeEligible(t dispute.Type) bool {
	for _, v := range p.EligibleTypes {
		if v == t {
			return true
		}
	}
	return false
}

func (p Policy) TypeRequiresReview(t dispute.Type) bool {
	for _, v := range p.AdminReviewTypes {
		if v == t {
			return true
		}
	}
	return false
}

// AmountRequiresReview is false when the threshold is unset.
func (p Policy) AmountRequiresReview(amount *decimal.Decimal) bool {
	if amount == nil || !p.AdminReviewAmountThreshold.IsPositive() {
		return false
	}
	return amount.GreaterThanOrEqual(p.AdminReviewAmountThreshold)
}

// RefundCeiling caps a refund at the global maximum and at the payment net of
// the platform fee. A rental without a payment has a zero ceiling.
func (p Policy) RefundCeiling(paid *decimal.Decimal) decimal.Decimal {
	if paid == nil || !paid.IsPositive() {
		return decimal.Zero
	}
	net := paid.Mul(decimal.NewFromInt(1).Sub(p.PlatformFeeRate)).Round(2)
	ceiling := decimal.Min(p.MaxMutualClosureAmount, net)
	if ceiling.IsNegative() {
		return decimal.Zero
	}
	return ceiling
}
