package closure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"toolshare/db"
	"toolshare/dispute"
	"toolshare/payment"
	"toolshare/rental"
)

// Store is the persistence the workflow needs.
type Store interface {
	Insert(ctx context.Context, q db.Querier, req Request) error
	Get(ctx context.Context, q db.Querier, id string) (Request, error)
	GetForUpdate(ctx context.Context, q db.Querier, id string) (Request, error)
	HasActive(ctx context.Context, q db.Querier, disputeID string) (bool, error)
	ListByDispute(ctx context.Context, q db.Querier, disputeID string) ([]Request, error)
	Update(ctx context.Context, q db.Querier, req Request, from ...Status) error
	AppendAudit(ctx context.Context, q db.Querier, entry AuditEntry) error
	ListAudit(ctx context.Context, q db.Querier, closureID string) ([]AuditEntry, error)
	CountInitiatedSince(ctx context.Context, q db.Querier, userID string, since time.Time) (int, error)
	LockInitiator(ctx context.Context, q db.Querier, userID string) error
	LockExpired(ctx context.Context, q db.Querier, now time.Time, limit int) ([]Request, error)
	ExpireBatch(ctx context.Context, tx pgx.Tx, ids []string, entries []AuditEntry, at time.Time) error
	ListExpiring(ctx context.Context, q db.Querier, from, until time.Time) ([]Request, error)
}

// DisputeStore reads disputes and stamps the mutual resolution.
type DisputeStore interface {
	DisputeReader
	ResolveByMutualAgreement(ctx context.Context, q db.Querier, res dispute.MutualResolution) (dispute.Record, error)
}

// Refunder executes the agreed refund for a rental. Its writes go through q
// so they commit with the acceptance.
type Refunder interface {
	RefundRental(ctx context.Context, q db.Querier, rentalID string, amount decimal.Decimal, reason string) (payment.RefundResult, error)
}

// Notifier delivers closure notices. Recipients are derived from the view.
type Notifier interface {
	RequestCreated(ctx context.Context, v View) error
	ResponseReceived(ctx context.Context, v View) error
	Cancelled(ctx context.Context, v View) error
	Expired(ctx context.Context, v View) error
	ExpiryReminder(ctx context.Context, v View) error
	AdminReviewRequired(ctx context.Context, v View) error
	AdminDecision(ctx context.Context, v View) error
}

// Enqueuer writes outbox messages in the caller's transaction.
type Enqueuer interface {
	Enqueue(ctx context.Context, q db.Querier, topic string, payload map[string]any) error
}

// Metrics observes transitions and collaborator failures.
type Metrics interface {
	Transition(action string)
	CollaboratorFailure(collaborator string)
}

// Deps wires a Service. Nil collaborators fall back to the pgx repositories,
// store-backed velocity and no-op notification.
type Deps struct {
	Pool     db.Pool
	Store    Store
	Disputes DisputeStore
	Rentals  RentalReader
	Payments PaymentReader
	Refunder Refunder
	Notifier Notifier
	Velocity VelocityLimiter
	Events   Enqueuer
	Metrics  Metrics
	Policy   Policy
	Logger   *slog.Logger
	Now      func() time.Time
}

// Service runs the mutual closure workflow. Every operation is one
// transaction; refusals are returned as *Error, *ValidationError or
// *IneligibleError and anything unexpected as *OperationError.
type Service struct {
	pool     db.Pool
	store    Store
	disputes DisputeStore
	rentals  RentalReader
	refunder Refunder
	notifier Notifier
	velocity VelocityLimiter
	events   Enqueuer
	metrics  Metrics
	checker  *Checker
	policy   Policy
	logger   *slog.Logger
	now      func() time.Time
}

const expireBatchSize = 200

func NewService(d Deps) *Service {
	if d.Store == nil {
		d.Store = NewRepository()
	}
	if d.Disputes == nil {
		d.Disputes = dispute.NewRepository()
	}
	if d.Rentals == nil {
		d.Rentals = rental.NewRepository()
	}
	if d.Payments == nil {
		d.Payments = payment.NewRepository()
	}
	if d.Policy.MaxExpirationHours == 0 {
		d.Policy = DefaultPolicy()
	}
	if d.Velocity == nil {
		d.Velocity = NewStoreVelocity(d.Store, d.Policy)
	}
	if d.Notifier == nil {
		d.Notifier = nopNotifier{}
	}
	if d.Metrics == nil {
		d.Metrics = nopMetrics{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}

	checker := NewChecker(d.Disputes, d.Rentals, d.Payments, d.Store, d.Velocity, d.Policy)
	checker.now = d.Now

	return &Service{
		pool:     d.Pool,
		store:    d.Store,
		disputes: d.Disputes,
		rentals:  d.Rentals,
		refunder: d.Refunder,
		notifier: d.Notifier,
		velocity: d.Velocity,
		events:   d.Events,
		metrics:  d.Metrics,
		checker:  checker,
		policy:   d.Policy,
		logger:   d.Logger,
		now:      d.Now,
	}
}

func (s *Service) Policy() Policy {
	return s.policy
}

// CheckEligibility reports whether userID may open a request on the dispute.
func (s *Service) CheckEligibility(ctx context.Context, disputeID, userID string) (Eligibility, error) {
	e, err := s.checker.Check(ctx, s.pool, disputeID, userID)
	if err != nil {
		return Eligibility{}, s.boundary(ctx, "checking mutual closure eligibility", err)
	}
	return e, nil
}

// ValidateRequest dry-runs eligibility and validation without writing.
func (s *Service) ValidateRequest(ctx context.Context, disputeID, userID string, in CreateInput) ([]string, error) {
	in = s.normalize(in)
	e, err := s.checker.Check(ctx, s.pool, disputeID, userID)
	if err != nil {
		return nil, s.boundary(ctx, "validating the mutual closure request", err)
	}
	if !e.Eligible {
		return e.Reasons, nil
	}
	return Validate(e, s.policy, in), nil
}

// CreateRequest opens a request from initiatorID to the other rental party.
func (s *Service) CreateRequest(ctx context.Context, disputeID, initiatorID string, in CreateInput, meta RequestMeta) (View, error) {
	v, err := s.createRequest(ctx, disputeID, initiatorID, s.normalize(in), meta)
	if err != nil {
		return View{}, s.boundary(ctx, "creating the mutual closure request", err)
	}
	return v, nil
}

func (s *Service) createRequest(ctx context.Context, disputeID, initiatorID string, in CreateInput, meta RequestMeta) (View, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return View{}, fmt.Errorf("closure: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	elig, ev, err := s.checker.evaluate(ctx, tx, disputeID, initiatorID, true)
	if err != nil {
		return View{}, err
	}
	if ev.activeExists {
		return View{}, fail(ErrActiveClosureExists, msgActiveExists)
	}
	if !elig.Eligible {
		return View{}, &IneligibleError{Reasons: elig.Reasons}
	}
	if violations := Validate(elig, s.policy, in); len(violations) > 0 {
		return View{}, &ValidationError{Violations: violations}
	}

	responder, ok := ev.parties.Counterparty(initiatorID)
	if !ok || responder == initiatorID {
		return View{}, fail(ErrForbidden, "You are not a party to this rental")
	}

	now := s.now().UTC()
	status := StatusPending
	if elig.RequiresAdminReview || s.policy.AmountRequiresReview(in.AgreedRefundAmount) {
		status = StatusUnderAdminReview
	}

	req := Request{
		ID:                    uuid.NewString(),
		DisputeID:             ev.dispute.ID,
		InitiatorID:           initiatorID,
		ResponderID:           responder,
		ProposedResolution:    in.ProposedResolution,
		ResolutionDetails:     in.ResolutionDetails,
		AgreedRefundAmount:    in.AgreedRefundAmount,
		RefundRecipient:       in.RefundRecipient,
		RequiresPaymentAction: in.AgreedRefundAmount != nil && in.AgreedRefundAmount.IsPositive(),
		Status:                status,
		CreatedAt:             now,
		ExpiresAt:             now.Add(time.Duration(in.ExpirationHours) * time.Hour),
		UpdatedAt:             now,
	}

	reserved, err := s.velocity.Reserve(ctx, tx, initiatorID, req.ID, now)
	if err != nil {
		return View{}, err
	}
	if !reserved {
		return View{}, &IneligibleError{Reasons: []string{velocityReason(s.policy)}}
	}
	committed := false
	defer func() {
		if !committed {
			s.releaseVelocity(ctx, initiatorID, req.ID)
		}
	}()

	if err := s.store.Insert(ctx, tx, req); err != nil {
		if errors.Is(err, ErrActiveClosureExists) {
			return View{}, fail(ErrActiveClosureExists, msgActiveExists)
		}
		return View{}, err
	}

	desc := fmt.Sprintf("Mutual closure proposed: %s", req.ProposedResolution)
	details := map[string]any{
		"status":           string(req.Status),
		"expiration_hours": in.ExpirationHours,
		"refund_recipient": string(req.RefundRecipient),
	}
	if req.RequiresPaymentAction {
		desc += fmt.Sprintf(" with a $%s refund to %s", req.RefundAmount().StringFixed(2), req.RefundRecipient)
		details["agreed_refund_amount"] = req.RefundAmount().StringFixed(2)
	}
	if err := s.record(ctx, tx, req, initiatorID, AuditCreated, desc, meta, details, now); err != nil {
		return View{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return View{}, fmt.Errorf("closure: commit create: %w", err)
	}
	committed = true

	s.metrics.Transition(string(AuditCreated))
	s.logger.InfoContext(ctx, "mutual closure requested",
		slog.String("closure_id", req.ID),
		slog.String("dispute_id", req.DisputeID),
		slog.String("user_id", initiatorID),
		slog.String("status", string(req.Status)),
	)

	v := NewView(req, now)
	s.notify(ctx, "request_created", v, s.notifier.RequestCreated)
	if req.Status == StatusUnderAdminReview {
		s.notify(ctx, "admin_review_required", v, s.notifier.AdminReviewRequired)
	}
	return v, nil
}

// RespondToRequest accepts or rejects a pending request on behalf of the
// responder. A request found past its expiry is expired instead and
// ErrExpired is returned.
func (s *Service) RespondToRequest(ctx context.Context, closureID, responderID string, in RespondInput, meta RequestMeta) (View, error) {
	v, err := s.respond(ctx, closureID, responderID, in, meta)
	if err != nil {
		return View{}, s.boundary(ctx, "responding to the mutual closure request", err)
	}
	return v, nil
}

func (s *Service) respond(ctx context.Context, closureID, responderID string, in RespondInput, meta RequestMeta) (View, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return View{}, fmt.Errorf("closure: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.lockRequest(ctx, tx, closureID)
	if err != nil {
		return View{}, err
	}
	if req.ResponderID != responderID {
		return View{}, fail(ErrForbidden, "Only the responding party can respond to this request")
	}
	if req.Status != StatusPending {
		return View{}, fail(ErrBadStatus, fmt.Sprintf("This request is %s and can no longer be answered", statusLabel(req.Status)))
	}

	now := s.now().UTC()
	if req.IsExpired(now) {
		return View{}, s.expireOnAccess(ctx, tx, req, responderID, now)
	}

	req.RespondedAt = &now
	req.ResponseMessage = optional(in.Message)
	req.UpdatedAt = now

	var (
		action  AuditAction
		desc    string
		details = map[string]any{}
	)
	if in.Accept {
		req.Status = StatusAccepted
		if err := s.settle(ctx, tx, &req, now); err != nil {
			return View{}, err
		}
		action = AuditAccepted
		desc = "Mutual closure accepted by the responding party"
		if req.RefundTransactionID != nil {
			details["refund_transaction_id"] = *req.RefundTransactionID
		}
	} else {
		req.Status = StatusRejected
		req.RejectionReason = optional(in.RejectionReason)
		action = AuditRejected
		desc = "Mutual closure rejected by the responding party"
		if req.RejectionReason != nil {
			details["rejection_reason"] = *req.RejectionReason
		}
	}

	if err := s.store.Update(ctx, tx, req, StatusPending); err != nil {
		return View{}, s.transitionErr(err)
	}
	if err := s.record(ctx, tx, req, responderID, action, desc, meta, details, now); err != nil {
		return View{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return View{}, fmt.Errorf("closure: commit response: %w", err)
	}

	s.metrics.Transition(string(action))
	s.logger.InfoContext(ctx, "mutual closure answered",
		slog.String("closure_id", req.ID),
		slog.String("dispute_id", req.DisputeID),
		slog.String("user_id", responderID),
		slog.String("status", string(req.Status)),
	)

	v := NewView(req, now)
	s.notify(ctx, "response_received", v, s.notifier.ResponseReceived)
	return v, nil
}

// CancelRequest withdraws a pending request. Only the initiator may cancel.
func (s *Service) CancelRequest(ctx context.Context, closureID, userID, reason string, meta RequestMeta) (View, error) {
	v, err := s.cancel(ctx, closureID, userID, reason, meta)
	if err != nil {
		return View{}, s.boundary(ctx, "cancelling the mutual closure request", err)
	}
	return v, nil
}

func (s *Service) cancel(ctx context.Context, closureID, userID, reason string, meta RequestMeta) (View, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return View{}, fmt.Errorf("closure: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.lockRequest(ctx, tx, closureID)
	if err != nil {
		return View{}, err
	}
	if req.InitiatorID != userID {
		return View{}, fail(ErrForbidden, "Only the initiator can cancel this request")
	}
	if req.Status != StatusPending {
		return View{}, fail(ErrBadStatus, fmt.Sprintf("This request is %s and can no longer be cancelled", statusLabel(req.Status)))
	}

	now := s.now().UTC()
	if req.IsExpired(now) {
		return View{}, s.expireOnAccess(ctx, tx, req, userID, now)
	}

	req.Status = StatusCancelled
	req.UpdatedAt = now
	if err := s.store.Update(ctx, tx, req, StatusPending); err != nil {
		return View{}, s.transitionErr(err)
	}

	details := map[string]any{}
	if r := strings.TrimSpace(reason); r != "" {
		details["reason"] = r
	}
	if err := s.record(ctx, tx, req, userID, AuditCancelled, "Mutual closure cancelled by the initiator", meta, details, now); err != nil {
		return View{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return View{}, fmt.Errorf("closure: commit cancel: %w", err)
	}

	s.metrics.Transition(string(AuditCancelled))
	s.logger.InfoContext(ctx, "mutual closure cancelled",
		slog.String("closure_id", req.ID),
		slog.String("user_id", userID),
	)

	v := NewView(req, now)
	s.notify(ctx, "cancelled", v, s.notifier.Cancelled)
	return v, nil
}

// AdminReview applies an administrator decision to a non-terminal request.
func (s *Service) AdminReview(ctx context.Context, closureID, adminID string, action AdminAction, notes string, meta RequestMeta) (View, error) {
	v, err := s.adminReview(ctx, closureID, adminID, action, notes, meta)
	if err != nil {
		return View{}, s.boundary(ctx, "reviewing the mutual closure request", err)
	}
	return v, nil
}

func (s *Service) adminReview(ctx context.Context, closureID, adminID string, action AdminAction, notes string, meta RequestMeta) (View, error) {
	var (
		target Status
		audit  AuditAction
	)
	switch action {
	case AdminApprove:
		target, audit = StatusPending, AuditAdminApprove
	case AdminBlock:
		target, audit = StatusAdminBlocked, AuditAdminBlock
	case AdminRequireReview:
		target, audit = StatusUnderAdminReview, AuditAdminRequireReview
	case AdminOverride:
		target, audit = StatusAccepted, AuditAdminOverride
	default:
		return View{}, fail(ErrInvalid, fmt.Sprintf("Unknown admin action %q", action))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return View{}, fmt.Errorf("closure: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.lockRequest(ctx, tx, closureID)
	if err != nil {
		return View{}, err
	}
	if req.Status.Terminal() {
		return View{}, fail(ErrBadStatus, fmt.Sprintf("This request is already %s", statusLabel(req.Status)))
	}

	now := s.now().UTC()
	from := req.Status
	req.Status = target
	req.ReviewedByAdminID = &adminID
	req.AdminReviewedAt = &now
	req.AdminNotes = optional(notes)
	req.UpdatedAt = now

	details := map[string]any{
		"from_status": string(from),
		"to_status":   string(target),
	}
	if action == AdminOverride {
		req.RespondedAt = &now
		details["settled"] = s.policy.OverrideSettles
		if s.policy.OverrideSettles {
			if err := s.settle(ctx, tx, &req, now); err != nil {
				return View{}, err
			}
			if req.RefundTransactionID != nil {
				details["refund_transaction_id"] = *req.RefundTransactionID
			}
		}
	}

	if err := s.store.Update(ctx, tx, req, from); err != nil {
		return View{}, s.transitionErr(err)
	}
	desc := fmt.Sprintf("Administrator applied %s", strings.ReplaceAll(string(action), "_", " "))
	if req.AdminNotes != nil {
		desc += ": " + *req.AdminNotes
	}
	if err := s.record(ctx, tx, req, adminID, audit, desc, meta, details, now); err != nil {
		return View{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return View{}, fmt.Errorf("closure: commit admin review: %w", err)
	}

	s.metrics.Transition(string(audit))
	s.logger.InfoContext(ctx, "mutual closure reviewed",
		slog.String("closure_id", req.ID),
		slog.String("user_id", adminID),
		slog.String("action", string(action)),
		slog.String("status", string(req.Status)),
	)

	v := NewView(req, now)
	s.notify(ctx, "admin_decision", v, s.notifier.AdminDecision)
	return v, nil
}

// ProcessExpiredRequests expires every pending request past its expiry and
// returns how many were expired. Running it twice expires each request once.
func (s *Service) ProcessExpiredRequests(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := s.expireBatch(ctx)
		total += n
		if err != nil {
			s.logger.ErrorContext(ctx, "mutual closure expiry sweep failed",
				slog.Int("count", total),
				slog.Any("error", err),
			)
			return total, &OperationError{Op: "processing expired mutual closure requests", Err: err}
		}
		if n < expireBatchSize {
			break
		}
	}
	if total > 0 {
		s.logger.InfoContext(ctx, "mutual closure requests expired", slog.Int("count", total))
	}
	return total, nil
}

func (s *Service) expireBatch(ctx context.Context) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("closure: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.now().UTC()
	reqs, err := s.store.LockExpired(ctx, tx, now, expireBatchSize)
	if err != nil {
		return 0, err
	}
	if len(reqs) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(reqs))
	entries := make([]AuditEntry, 0, len(reqs))
	for i := range reqs {
		reqs[i].Status = StatusExpired
		reqs[i].UpdatedAt = now
		ids = append(ids, reqs[i].ID)
		entries = append(entries, newAuditEntry(reqs[i].ID, SystemActor, AuditExpired,
			"Mutual closure expired without a response", RequestMeta{},
			map[string]any{"expires_at": reqs[i].ExpiresAt.Format(time.RFC3339)}, now))
	}
	if err := s.store.ExpireBatch(ctx, tx, ids, entries, now); err != nil {
		return 0, err
	}
	for _, req := range reqs {
		if err := s.publish(ctx, tx, req, AuditExpired, SystemActor); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("closure: commit expiry: %w", err)
	}

	for _, req := range reqs {
		s.metrics.Transition(string(AuditExpired))
		s.notify(ctx, "expired", NewView(req, now), s.notifier.Expired)
	}
	return len(reqs), nil
}

// SendReminders notifies responders of pending requests that expire within
// the policy's reminder window. It never changes state.
func (s *Service) SendReminders(ctx context.Context) (int, error) {
	now := s.now().UTC()
	reqs, err := s.store.ListExpiring(ctx, s.pool, now, now.Add(s.policy.ReminderWindow))
	if err != nil {
		return 0, s.boundary(ctx, "sending mutual closure reminders", err)
	}

	sent := 0
	for _, req := range reqs {
		if err := s.notifier.ExpiryReminder(ctx, NewView(req, now)); err != nil {
			s.metrics.CollaboratorFailure("notification")
			s.logger.WarnContext(ctx, "mutual closure reminder failed",
				slog.String("closure_id", req.ID),
				slog.Any("error", err),
			)
			continue
		}
		sent++
	}
	if sent > 0 {
		s.logger.InfoContext(ctx, "mutual closure reminders sent", slog.Int("count", sent))
	}
	return sent, nil
}

// Get returns a request to one of its parties or to an administrator.
func (s *Service) Get(ctx context.Context, closureID, userID string, isAdmin bool) (View, error) {
	req, err := s.readable(ctx, closureID, userID, isAdmin)
	if err != nil {
		return View{}, s.boundary(ctx, "loading the mutual closure request", err)
	}
	return NewView(req, s.now().UTC()), nil
}

// ListForDispute returns the dispute's requests, newest first.
func (s *Service) ListForDispute(ctx context.Context, disputeID, userID string, isAdmin bool) ([]View, error) {
	out, err := s.listForDispute(ctx, disputeID, userID, isAdmin)
	if err != nil {
		return nil, s.boundary(ctx, "listing mutual closure requests", err)
	}
	return out, nil
}

func (s *Service) listForDispute(ctx context.Context, disputeID, userID string, isAdmin bool) ([]View, error) {
	d, err := s.disputes.Get(ctx, s.pool, disputeID)
	if err != nil {
		if errors.Is(err, dispute.ErrNotFound) {
			return nil, fail(ErrNotFound, msgDisputeMissing)
		}
		return nil, err
	}
	if !isAdmin {
		parties, err := s.rentals.Get(ctx, s.pool, d.RentalID)
		if err != nil && !errors.Is(err, rental.ErrNotFound) {
			return nil, err
		}
		if !parties.IsParticipant(userID) {
			return nil, fail(ErrForbidden, "You are not a party to this rental")
		}
	}

	reqs, err := s.store.ListByDispute(ctx, s.pool, d.ID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	out := make([]View, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, NewView(r, now))
	}
	return out, nil
}

// AuditTrail returns a request's audit entries in the order they were written.
func (s *Service) AuditTrail(ctx context.Context, closureID, userID string, isAdmin bool) ([]AuditEntry, error) {
	if _, err := s.readable(ctx, closureID, userID, isAdmin); err != nil {
		return nil, s.boundary(ctx, "loading the mutual closure audit trail", err)
	}
	entries, err := s.store.ListAudit(ctx, s.pool, closureID)
	if err != nil {
		return nil, s.boundary(ctx, "loading the mutual closure audit trail", err)
	}
	return entries, nil
}

func (s *Service) readable(ctx context.Context, closureID, userID string, isAdmin bool) (Request, error) {
	req, err := s.store.Get(ctx, s.pool, closureID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Request{}, fail(ErrNotFound, msgNotFound)
		}
		return Request{}, err
	}
	if !isAdmin && !req.IsParty(userID) {
		return Request{}, fail(ErrForbidden, "You are not a party to this request")
	}
	return req, nil
}

func (s *Service) lockRequest(ctx context.Context, tx pgx.Tx, closureID string) (Request, error) {
	req, err := s.store.GetForUpdate(ctx, tx, closureID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Request{}, fail(ErrNotFound, msgNotFound)
		}
		return Request{}, err
	}
	return req, nil
}

// expireOnAccess commits the expiry of a pending request found past its
// expiry and returns the refusal the caller should see.
func (s *Service) expireOnAccess(ctx context.Context, tx pgx.Tx, req Request, userID string, now time.Time) error {
	req.Status = StatusExpired
	req.UpdatedAt = now
	if err := s.store.Update(ctx, tx, req, StatusPending); err != nil {
		return s.transitionErr(err)
	}
	details := map[string]any{"trigger": "access", "user_id": userID}
	if err := s.record(ctx, tx, req, SystemActor, AuditExpired, "Mutual closure expired without a response", RequestMeta{}, details, now); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("closure: commit expiry: %w", err)
	}

	s.metrics.Transition(string(AuditExpired))
	s.logger.InfoContext(ctx, "mutual closure expired on access", slog.String("closure_id", req.ID))
	s.notify(ctx, "expired", NewView(req, now), s.notifier.Expired)
	return fail(ErrExpired, msgExpired)
}

func (s *Service) releaseVelocity(ctx context.Context, userID, closureID string) {
	if err := s.velocity.Release(ctx, userID, closureID); err != nil {
		s.metrics.CollaboratorFailure("velocity")
		s.logger.WarnContext(ctx, "mutual closure velocity release failed",
			slog.String("closure_id", closureID),
			slog.String("user_id", userID),
			slog.Any("error", err),
		)
	}
}

// settle runs the side effects of an acceptance inside tx: the refund, when
// one was agreed, and the resolution of the parent dispute. A refund failure
// leaves RefundTransactionID nil and does not stop the acceptance. Nothing
// here commits; a later failure in the caller rolls the refund back too.
func (s *Service) settle(ctx context.Context, tx pgx.Tx, req *Request, now time.Time) error {
	d, err := s.disputes.GetForUpdate(ctx, tx, req.DisputeID)
	if err != nil {
		if errors.Is(err, dispute.ErrNotFound) {
			return fail(ErrNotFound, msgDisputeMissing)
		}
		return err
	}
	if d.Settled() {
		return fail(ErrBadStatus, "The dispute has already been resolved")
	}

	if req.RequiresPaymentAction && req.RefundAmount().IsPositive() {
		id, err := s.refund(ctx, tx, d.RentalID, *req)
		if err != nil {
			return err
		}
		req.RefundTransactionID = id
	}

	_, err = s.disputes.ResolveByMutualAgreement(ctx, tx, dispute.MutualResolution{
		DisputeID:    d.ID,
		Notes:        resolutionNotes(*req),
		RefundAmount: req.AgreedRefundAmount,
		ResolvedAt:   now,
	})
	if err != nil {
		if errors.Is(err, dispute.ErrBadStatus) {
			return fail(ErrBadStatus, "The dispute has already been resolved")
		}
		return err
	}
	return nil
}

// refund issues the refund under a savepoint of tx so a refused or failed
// refund is discarded without aborting the acceptance.
func (s *Service) refund(ctx context.Context, tx pgx.Tx, rentalID string, req Request) (*string, error) {
	if s.refunder == nil {
		s.metrics.CollaboratorFailure("refund")
		s.logger.WarnContext(ctx, "mutual closure refund skipped: no refunder configured",
			slog.String("closure_id", req.ID))
		return nil, nil
	}

	sp, err := tx.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("closure: refund savepoint: %w", err)
	}
	defer sp.Rollback(ctx)

	reason := fmt.Sprintf("Mutual closure %s: %s", req.ID, req.ProposedResolution)
	res, err := s.refunder.RefundRental(ctx, sp, rentalID, req.RefundAmount(), reason)
	if err != nil || !res.Success || res.RefundID == "" {
		s.metrics.CollaboratorFailure("refund")
		s.logger.WarnContext(ctx, "mutual closure refund failed",
			slog.String("closure_id", req.ID),
			slog.String("rental_id", rentalID),
			slog.String("amount", req.RefundAmount().StringFixed(2)),
			slog.String("message", res.Message),
			slog.Any("error", err),
		)
		if err := sp.Rollback(ctx); err != nil {
			return nil, fmt.Errorf("closure: rollback refund savepoint: %w", err)
		}
		return nil, nil
	}
	if err := sp.Commit(ctx); err != nil {
		return nil, fmt.Errorf("closure: release refund savepoint: %w", err)
	}
	id := res.RefundID
	return &id, nil
}

func (s *Service) record(ctx context.Context, q db.Querier, req Request, actorID string, action AuditAction, description string, meta RequestMeta, details map[string]any, at time.Time) error {
	entry := newAuditEntry(req.ID, actorID, action, description, meta, details, at)
	if err := s.store.AppendAudit(ctx, q, entry); err != nil {
		return err
	}
	return s.publish(ctx, q, req, action, actorID)
}

func (s *Service) publish(ctx context.Context, q db.Querier, req Request, action AuditAction, actorID string) error {
	if s.events == nil {
		return nil
	}
	return s.events.Enqueue(ctx, q, eventTopic(action), map[string]any{
		"closure_id": req.ID,
		"dispute_id": req.DisputeID,
		"status":     string(req.Status),
		"actor_id":   actorID,
	})
}

func (s *Service) notify(ctx context.Context, kind string, v View, send func(context.Context, View) error) {
	if err := send(ctx, v); err != nil {
		s.metrics.CollaboratorFailure("notification")
		s.logger.WarnContext(ctx, "mutual closure notification failed",
			slog.String("kind", kind),
			slog.String("closure_id", v.ID),
			slog.Any("error", err),
		)
	}
}

// transitionErr maps a lost status race to the caller-facing refusal.
func (s *Service) transitionErr(err error) error {
	if errors.Is(err, ErrBadStatus) {
		return fail(ErrBadStatus, "This request has already been processed")
	}
	return err
}

// boundary passes refusals through and replaces anything else with an
// OperationError after logging it.
func (s *Service) boundary(ctx context.Context, op string, err error) error {
	var (
		wf *Error
		ve *ValidationError
		ie *IneligibleError
	)
	if errors.As(err, &wf) || errors.As(err, &ve) || errors.As(err, &ie) {
		return err
	}
	s.logger.ErrorContext(ctx, "mutual closure operation failed",
		slog.String("op", op),
		slog.Any("error", err),
	)
	return &OperationError{Op: op, Err: err}
}

func (s *Service) normalize(in CreateInput) CreateInput {
	in.ResolutionDetails = strings.TrimSpace(in.ResolutionDetails)
	if in.ExpirationHours == 0 {
		in.ExpirationHours = s.policy.DefaultExpirationHours
	}
	if in.RefundRecipient == "" {
		in.RefundRecipient = RecipientNone
	}
	if in.AgreedRefundAmount != nil {
		v := in.AgreedRefundAmount.Round(2)
		in.AgreedRefundAmount = &v
	}
	return in
}

func newAuditEntry(closureID, actorID string, action AuditAction, description string, meta RequestMeta, details map[string]any, at time.Time) AuditEntry {
	if len(details) == 0 {
		details = nil
	}
	return AuditEntry{
		ID:          uuid.NewString(),
		ClosureID:   closureID,
		ActorID:     actorID,
		Action:      action,
		Description: description,
		Context:     details,
		IPAddress:   meta.IPAddress,
		UserAgent:   meta.UserAgent,
		CreatedAt:   at,
	}
}

func eventTopic(a AuditAction) string {
	switch a {
	case AuditCreated:
		return "mutual_closure.created"
	case AuditAccepted:
		return "mutual_closure.accepted"
	case AuditRejected:
		return "mutual_closure.rejected"
	case AuditCancelled:
		return "mutual_closure.cancelled"
	case AuditExpired:
		return "mutual_closure.expired"
	case AuditAdminApprove:
		return "mutual_closure.admin_approved"
	case AuditAdminBlock:
		return "mutual_closure.admin_blocked"
	case AuditAdminRequireReview:
		return "mutual_closure.admin_review_required"
	case AuditAdminOverride:
		return "mutual_closure.admin_overridden"
	default:
		return "mutual_closure.updated"
	}
}

func resolutionNotes(req Request) string {
	notes := fmt.Sprintf("Resolved by mutual agreement (%s)", strings.ReplaceAll(string(req.ProposedResolution), "_", " "))
	if req.ResolutionDetails != "" {
		notes += ": " + req.ResolutionDetails
	}
	return notes
}

func statusLabel(s Status) string {
	return strings.ReplaceAll(string(s), "_", " ")
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

type nopNotifier struct{}

func (nopNotifier) RequestCreated(context.Context, View) error      { return nil }
func (nopNotifier) ResponseReceived(context.Context, View) error    { return nil }
func (nopNotifier) Cancelled(context.Context, View) error           { return nil }
func (nopNotifier) Expired(context.Context, View) error             { return nil }
func (nopNotifier) ExpiryReminder(context.Context, View) error      { return nil }
func (nopNotifier) AdminReviewRequired(context.Context, View) error { return nil }
func (nopNotifier) AdminDecision(context.Context, View) error       { return nil }

type nopMetrics struct{}

func (nopMetrics) Transition(string)          {}
func (nopMetrics) CollaboratorFailure(string) {}
