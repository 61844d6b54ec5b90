package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"toolshare/closure"
	"toolshare/dispute"
)

const maxBodyBytes = 1 << 20

type envelope struct {
	Success bool     `json:"success"`
	Data    any      `json:"data,omitempty"`
	Message string   `json:"message,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

type closureResponse struct {
	ID                    string           `json:"id"`
	DisputeID             string           `json:"disputeId"`
	InitiatorID           string           `json:"initiatorId"`
	ResponderID           string           `json:"responderId"`
	ProposedResolution    string           `json:"proposedResolution"`
	ResolutionDetails     string           `json:"resolutionDetails"`
	AgreedRefundAmount    *decimal.Decimal `json:"agreedRefundAmount"`
	RefundRecipient       string           `json:"refundRecipient"`
	RequiresPaymentAction bool             `json:"requiresPaymentAction"`
	Status                string           `json:"status"`
	CreatedAt             string           `json:"createdAt"`
	ExpiresAt             string           `json:"expiresAt"`
	RespondedAt           *string          `json:"respondedAt"`
	ResponseMessage       *string          `json:"responseMessage"`
	RejectionReason       *string          `json:"rejectionReason"`
	RefundTransactionID   *string          `json:"refundTransactionId"`
	ReviewedByAdminID     *string          `json:"reviewedByAdminId"`
	AdminReviewedAt       *string          `json:"adminReviewedAt"`
	AdminNotes            *string          `json:"adminNotes"`
	IsExpired             bool             `json:"isExpired"`
	IsActionable          bool             `json:"isActionable"`
	HoursUntilExpiry      float64          `json:"hoursUntilExpiry"`
}

type auditResponse struct {
	ID          string         `json:"id"`
	ActorID     string         `json:"actorId"`
	Action      string         `json:"action"`
	Description string         `json:"description"`
	Context     map[string]any `json:"context,omitempty"`
	CreatedAt   string         `json:"createdAt"`
}

type closureDetailResponse struct {
	Closure    closureResponse `json:"closure"`
	AuditTrail []auditResponse `json:"auditTrail"`
}

type eligibilityResponse struct {
	Eligible            bool            `json:"eligible"`
	Reasons             []string        `json:"reasons"`
	MaxRefundAmount     decimal.Decimal `json:"maxRefundAmount"`
	RequiresAdminReview bool            `json:"requiresAdminReview"`
	Restrictions        []string        `json:"restrictions"`
}

type disputeResponse struct {
	ID           string           `json:"id"`
	RentalID     string           `json:"rentalId"`
	OpenedBy     string           `json:"openedBy"`
	Type         string           `json:"type"`
	Category     string           `json:"category"`
	Status       string           `json:"status"`
	Title        string           `json:"title"`
	Description  string           `json:"description"`
	RefundAmount *decimal.Decimal `json:"refundAmount"`
	CreatedAt    string           `json:"createdAt"`
	ResolvedAt   *string          `json:"resolvedAt"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

func toClosureResponse(v closure.View) closureResponse {
	return closureResponse{
		ID:                    v.ID,
		DisputeID:             v.DisputeID,
		InitiatorID:           v.InitiatorID,
		ResponderID:           v.ResponderID,
		ProposedResolution:    string(v.ProposedResolution),
		ResolutionDetails:     v.ResolutionDetails,
		AgreedRefundAmount:    v.AgreedRefundAmount,
		RefundRecipient:       string(v.RefundRecipient),
		RequiresPaymentAction: v.RequiresPaymentAction,
		Status:                string(v.Status),
		CreatedAt:             v.CreatedAt.Format(time.RFC3339),
		ExpiresAt:             v.ExpiresAt.Format(time.RFC3339),
		RespondedAt:           formatTime(v.RespondedAt),
		ResponseMessage:       v.ResponseMessage,
		RejectionReason:       v.RejectionReason,
		RefundTransactionID:   v.RefundTransactionID,
		ReviewedByAdminID:     v.ReviewedByAdminID,
		AdminReviewedAt:       formatTime(v.AdminReviewedAt),
		AdminNotes:            v.AdminNotes,
		IsExpired:             v.IsExpired,
		IsActionable:          v.IsActionable,
		HoursUntilExpiry:      v.HoursUntilExpiry,
	}
}

func toAuditResponses(entries []closure.AuditEntry) []auditResponse {
	out := make([]auditResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditResponse{
			ID:          e.ID,
			ActorID:     e.ActorID,
			Action:      string(e.Action),
			Description: e.Description,
			Context:     e.Context,
			CreatedAt:   e.CreatedAt.Format(time.RFC3339),
		})
	}
	return out
}

func toDisputeResponse(d dispute.Record) disputeResponse {
	return disputeResponse{
		ID:           d.ID,
		RentalID:     d.RentalID,
		OpenedBy:     d.OpenedBy,
		Type:         string(d.Type),
		Category:     string(d.Category),
		Status:       string(d.Status),
		Title:        d.Title,
		Description:  d.Description,
		RefundAmount: d.RefundAmount,
		CreatedAt:    d.CreatedAt.Format(time.RFC3339),
		ResolvedAt:   formatTime(d.ResolvedAt),
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeFailure(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Success: false, Message: message})
}

// writeError maps workflow errors onto status codes. Anything unrecognised is
// logged and reported as a 500 without leaking the cause.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *closure.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusUnprocessableEntity, envelope{Message: ve.Error(), Errors: ve.Violations})
	case errors.Is(err, closure.ErrNotFound):
		writeFailure(w, http.StatusNotFound, closure.Message(err))
	case errors.Is(err, dispute.ErrNotFound):
		writeFailure(w, http.StatusNotFound, "Dispute not found")
	case errors.Is(err, closure.ErrForbidden):
		writeFailure(w, http.StatusForbidden, closure.Message(err))
	case errors.Is(err, dispute.ErrForbidden):
		writeFailure(w, http.StatusForbidden, "You are not a participant in this rental")
	case errors.Is(err, closure.ErrBadStatus),
		errors.Is(err, closure.ErrExpired),
		errors.Is(err, closure.ErrActiveClosureExists):
		writeFailure(w, http.StatusConflict, closure.Message(err))
	case errors.Is(err, closure.ErrIneligible), errors.Is(err, closure.ErrInvalid):
		writeFailure(w, http.StatusUnprocessableEntity, closure.Message(err))
	case errors.Is(err, dispute.ErrInvalid):
		writeFailure(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		writeFailure(w, http.StatusInternalServerError, closure.Message(err))
	}
}

// decodeBody reads a JSON body. An empty body leaves dst untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeFailure(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}
