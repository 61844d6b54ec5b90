package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"toolshare/closure"
	"toolshare/dispute"
)

type createClosureRequest struct {
	ProposedResolution string           `json:"proposedResolution"`
	ResolutionDetails  string           `json:"resolutionDetails"`
	AgreedRefundAmount *decimal.Decimal `json:"agreedRefundAmount"`
	RefundRecipient    string           `json:"refundRecipient"`
	ExpirationHours    int              `json:"expirationHours"`
}

// Accept is a pointer so a missing decision is told apart from a rejection.
type respondRequest struct {
	Accept          *bool  `json:"accept"`
	Message         string `json:"message"`
	RejectionReason string `json:"rejectionReason"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type reviewRequest struct {
	Action string `json:"action"`
	Notes  string `json:"notes"`
}

type createDisputeRequest struct {
	RentalID    string `json:"rentalId"`
	Type        string `json:"type"`
	Category    string `json:"category"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (s *Server) handleEligibility(w http.ResponseWriter, r *http.Request) {
	e, err := s.closureService.CheckEligibility(r.Context(), chi.URLParam(r, "disputeID"), userID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, eligibilityResponse{
		Eligible:            e.Eligible,
		Reasons:             nonNil(e.Reasons),
		MaxRefundAmount:     e.MaxRefundAmount,
		RequiresAdminReview: e.RequiresAdminReview,
		Restrictions:        nonNil(e.Restrictions),
	})
}

func (s *Server) handleCreateClosure(w http.ResponseWriter, r *http.Request) {
	var body createClosureRequest
	if !decodeBody(w, r, &body) {
		return
	}
	in := closure.CreateInput{
		ProposedResolution: closure.Resolution(strings.TrimSpace(body.ProposedResolution)),
		ResolutionDetails:  body.ResolutionDetails,
		AgreedRefundAmount: body.AgreedRefundAmount,
		RefundRecipient:    closure.Recipient(strings.TrimSpace(body.RefundRecipient)),
		ExpirationHours:    body.ExpirationHours,
	}

	v, err := s.closureService.CreateRequest(r.Context(), chi.URLParam(r, "disputeID"), userID(r), in, requestMeta(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, toClosureResponse(v))
}

func (s *Server) handleListClosures(w http.ResponseWriter, r *http.Request) {
	views, err := s.closureService.ListForDispute(r.Context(), chi.URLParam(r, "disputeID"), userID(r), isAdmin(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]closureResponse, 0, len(views))
	for _, v := range views {
		items = append(items, toClosureResponse(v))
	}
	writeData(w, http.StatusOK, listResponse[closureResponse]{Items: items})
}

func (s *Server) handleClosure(w http.ResponseWriter, r *http.Request) {
	closureID := chi.URLParam(r, "closureID")
	v, err := s.closureService.Get(r.Context(), closureID, userID(r), isAdmin(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	trail, err := s.closureService.AuditTrail(r.Context(), closureID, userID(r), isAdmin(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, closureDetailResponse{
		Closure:    toClosureResponse(v),
		AuditTrail: toAuditResponses(trail),
	})
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var body respondRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Accept == nil {
		writeFailure(w, http.StatusBadRequest, "accept is required")
		return
	}
	in := closure.RespondInput{
		Accept:          *body.Accept,
		Message:         body.Message,
		RejectionReason: body.RejectionReason,
	}

	v, err := s.closureService.RespondToRequest(r.Context(), chi.URLParam(r, "closureID"), userID(r), in, requestMeta(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toClosureResponse(v))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body cancelRequest
	if !decodeBody(w, r, &body) {
		return
	}
	v, err := s.closureService.CancelRequest(r.Context(), chi.URLParam(r, "closureID"), userID(r), body.Reason, requestMeta(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toClosureResponse(v))
}

func (s *Server) handleAdminReview(w http.ResponseWriter, r *http.Request) {
	var body reviewRequest
	if !decodeBody(w, r, &body) {
		return
	}
	action := closure.AdminAction(strings.TrimSpace(body.Action))

	v, err := s.closureService.AdminReview(r.Context(), chi.URLParam(r, "closureID"), userID(r), action, body.Notes, requestMeta(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toClosureResponse(v))
}

func (s *Server) handleDisputes(w http.ResponseWriter, r *http.Request) {
	records, err := s.disputeService.List(r.Context(), userID(r), r.URL.Query().Get("rentalId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]disputeResponse, 0, len(records))
	for _, d := range records {
		items = append(items, toDisputeResponse(d))
	}
	writeData(w, http.StatusOK, listResponse[disputeResponse]{Items: items})
}

func (s *Server) handleCreateDispute(w http.ResponseWriter, r *http.Request) {
	var body createDisputeRequest
	if !decodeBody(w, r, &body) {
		return
	}
	rec, err := s.disputeService.Create(r.Context(), userID(r), dispute.CreateParams{
		RentalID:    body.RentalID,
		Type:        dispute.Type(body.Type),
		Category:    dispute.Category(body.Category),
		Title:       body.Title,
		Description: body.Description,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, toDisputeResponse(rec))
}
