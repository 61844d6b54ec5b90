package closure

import (
	"fmt"
	"unicode/utf8"
)

const maxResolutionDetails = 2000

// Validate returns the business-rule violations of in. An empty result means
// the request may proceed.
func Validate(e Eligibility, p Policy, in CreateInput) []string {
	var out []string

	if !in.ProposedResolution.Valid() {
		out = append(out, fmt.Sprintf("Unknown proposed resolution %q", in.ProposedResolution))
	}
	if utf8.RuneCountInString(in.ResolutionDetails) > maxResolutionDetails {
		out = append(out, fmt.Sprintf("Resolution details cannot exceed %d characters", maxResolutionDetails))
	}

	if amount := in.AgreedRefundAmount; amount != nil {
		switch {
		case amount.IsNegative():
			out = append(out, "Refund amount cannot be negative")
		case amount.GreaterThan(e.MaxRefundAmount):
			out = append(out, fmt.Sprintf("Refund amount cannot exceed $%s", e.MaxRefundAmount.StringFixed(2)))
		case amount.GreaterThan(p.MaxMutualClosureAmount):
			out = append(out, fmt.Sprintf("Refund amount cannot exceed $%s", p.MaxMutualClosureAmount.StringFixed(2)))
		}
	}

	if in.ExpirationHours < p.MinExpirationHours || in.ExpirationHours > p.MaxExpirationHours {
		out = append(out, fmt.Sprintf("Expiration must be between %d and %d hours", p.MinExpirationHours, p.MaxExpirationHours))
	}

	hasAmount := in.AgreedRefundAmount != nil && in.AgreedRefundAmount.IsPositive()
	switch {
	case !in.RefundRecipient.Valid():
		out = append(out, fmt.Sprintf("Unknown refund recipient %q", in.RefundRecipient))
	case in.RefundRecipient == RecipientNone && hasAmount:
		out = append(out, "A refund recipient is required when a refund amount is agreed")
	case in.RefundRecipient != RecipientNone && !hasAmount:
		out = append(out, "A refund amount greater than zero is required when a refund recipient is set")
	}

	return out
}
