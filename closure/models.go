package closure

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a mutual closure request.
type Status string

const (
	StatusPending          Status = "pending"
	StatusUnderAdminReview Status = "under_admin_review"
	StatusAccepted         Status = "accepted"
	StatusRejected         Status = "rejected"
	StatusExpired          Status = "expired"
	StatusCancelled        Status = "cancelled"
	StatusAdminBlocked     Status = "admin_blocked"
)

// Active reports whether the request still blocks new requests on its dispute.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusUnderAdminReview
}

// Terminal reports whether no further status transition is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusAccepted, StatusRejected, StatusExpired, StatusCancelled, StatusAdminBlocked:
		return true
	default:
		return false
	}
}

// Resolution is the kind of settlement the initiator proposes.
type Resolution string

const (
	ResolutionFullRefund      Resolution = "full_refund"
	ResolutionPartialRefund   Resolution = "partial_refund"
	ResolutionNoRefund        Resolution = "no_refund"
	ResolutionRepairOrReplace Resolution = "repair_or_replace"
	ResolutionReturnAndRefund Resolution = "return_and_refund"
	ResolutionOther           Resolution = "other"
)

func (r Resolution) Valid() bool {
	switch r {
	case ResolutionFullRefund, ResolutionPartialRefund, ResolutionNoRefund,
		ResolutionRepairOrReplace, ResolutionReturnAndRefund, ResolutionOther:
		return true
	default:
		return false
	}
}

// Recipient says who receives the agreed refund.
type Recipient string

const (
	RecipientNone   Recipient = "none"
	RecipientRenter Recipient = "renter"
	RecipientOwner  Recipient = "owner"
	RecipientSplit  Recipient = "split"
)

func (r Recipient) Valid() bool {
	switch r {
	case RecipientNone, RecipientRenter, RecipientOwner, RecipientSplit:
		return true
	default:
		return false
	}
}

// AdminAction is the decision an administrator applies to a request.
type AdminAction string

const (
	AdminApprove       AdminAction = "approve"
	AdminBlock         AdminAction = "block"
	AdminRequireReview AdminAction = "require_review"
	AdminOverride      AdminAction = "override"
)

// AuditAction is the fixed vocabulary of audit log labels.
type AuditAction string

const (
	AuditCreated            AuditAction = "Created"
	AuditAccepted           AuditAction = "Accepted"
	AuditRejected           AuditAction = "Rejected"
	AuditCancelled          AuditAction = "Cancelled"
	AuditExpired            AuditAction = "Expired"
	AuditAdminApprove       AuditAction = "AdminApprove"
	AuditAdminBlock         AuditAction = "AdminBlock"
	AuditAdminRequireReview AuditAction = "AdminRequireReview"
	AuditAdminOverride      AuditAction = "AdminOverride"
)

// SystemActor attributes automated transitions in the audit log.
const SystemActor = "system"

// Request mirrors the mutual_closures table.
type Request struct {
	ID                    string
	DisputeID             string
	InitiatorID           string
	ResponderID           string
	ProposedResolution    Resolution
	ResolutionDetails     string
	AgreedRefundAmount    *decimal.Decimal
	RefundRecipient       Recipient
	RequiresPaymentAction bool
	Status                Status
	CreatedAt             time.Time
	ExpiresAt             time.Time
	RespondedAt           *time.Time
	ResponseMessage       *string
	RejectionReason       *string
	RefundTransactionID   *string
	ReviewedByAdminID     *string
	AdminReviewedAt       *time.Time
	AdminNotes            *string
	UpdatedAt             time.Time
}

// IsExpired is true once a pending request has passed its expiry time.
func (r Request) IsExpired(now time.Time) bool {
	return r.Status == StatusPending && now.After(r.ExpiresAt)
}

// IsActionable is true while the responder can still accept or reject.
func (r Request) IsActionable(now time.Time) bool {
	return r.Status == StatusPending && !r.IsExpired(now) && r.RespondedAt == nil
}

// HoursUntilExpiry is floored at zero.
func (r Request) HoursUntilExpiry(now time.Time) float64 {
	left := r.ExpiresAt.Sub(now).Hours()
	if left < 0 {
		return 0
	}
	return left
}

// RefundAmount returns the agreed amount, zero when none was proposed.
func (r Request) RefundAmount() decimal.Decimal {
	if r.AgreedRefundAmount == nil {
		return decimal.Zero
	}
	return *r.AgreedRefundAmount
}

// IsParty reports whether userID initiated or must respond to the request.
func (r Request) IsParty(userID string) bool {
	return userID != "" && (userID == r.InitiatorID || userID == r.ResponderID)
}

// View is a request together with its values derived at read time.
type View struct {
	Request
	IsExpired        bool
	IsActionable     bool
	HoursUntilExpiry float64
}

func NewView(r Request, now time.Time) View {
	return View{
		Request:          r,
		IsExpired:        r.IsExpired(now),
		IsActionable:     r.IsActionable(now),
		HoursUntilExpiry: r.HoursUntilExpiry(now),
	}
}

// AuditEntry is one immutable row of a request's audit trail.
type AuditEntry struct {
	ID          string
	ClosureID   string
	ActorID     string
	Action      AuditAction
	Description string
	Context     map[string]any
	IPAddress   string
	UserAgent   string
	CreatedAt   time.Time
}

// RequestMeta carries best-effort caller details recorded in audit entries.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// CreateInput is the negotiation payload of a new request.
type CreateInput struct {
	ProposedResolution Resolution
	ResolutionDetails  string
	AgreedRefundAmount *decimal.Decimal
	RefundRecipient    Recipient
	ExpirationHours    int
}

// RespondInput is the responder's answer.
type RespondInput struct {
	Accept          bool
	Message         string
	RejectionReason string
}
