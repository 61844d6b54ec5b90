package dispute

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen        Status = "open"
	StatusUnderReview Status = "under_review"
	StatusEscalated   Status = "escalated"
	StatusResolved    Status = "resolved"
	StatusClosed      Status = "closed"
)

// Type classifies what the dispute is about.
type Type string

const (
	TypeItemDamage     Type = "item_damage"
	TypeNotAsDescribed Type = "item_not_as_described"
	TypeLateReturn     Type = "late_return"
	TypeNoShow         Type = "no_show"
	TypePaymentIssue   Type = "payment_issue"
	TypeSafetyIncident Type = "safety_incident"
	TypeOther          Type = "other"
)

// Category is the coarse risk bucket assigned at intake.
type Category string

const (
	CategoryDamage  Category = "damage"
	CategoryService Category = "service"
	CategoryBilling Category = "billing"
	CategoryFraud   Category = "fraud"
	CategorySafety  Category = "safety"
	CategoryOther   Category = "other"
)

// Resolution records how a resolved dispute was settled.
type Resolution string

const (
	ResolutionMutualAgreement Resolution = "mutual_agreement"
	ResolutionAdminDecision   Resolution = "admin_decision"
)

// Record mirrors the disputes table.
type Record struct {
	ID                   string
	RentalID             string
	OpenedBy             string
	Type                 Type
	Category             Category
	Status               Status
	Title                string
	Description          string
	ExternalEscalationID *string
	Resolution           *Resolution
	ResolutionNotes      *string
	RefundAmount         *decimal.Decimal
	CreatedAt            time.Time
	UpdatedAt            time.Time
	ResolvedAt           *time.Time
}

// Escalated reports whether an external payment provider owns the dispute.
func (r Record) Escalated() bool {
	return r.ExternalEscalationID != nil && *r.ExternalEscalationID != ""
}

// Settled reports whether the dispute no longer accepts a resolution.
func (r Record) Settled() bool {
	return r.Status == StatusResolved || r.Status == StatusClosed
}

// MutualResolution carries the fields stamped when both parties agree.
type MutualResolution struct {
	DisputeID    string
	Notes        string
	RefundAmount *decimal.Decimal
	ResolvedAt   time.Time
}

// CreateParams opens a new dispute on a rental.
type CreateParams struct {
	RentalID    string
	Type        Type
	Category    Category
	Title       string
	Description string
}
