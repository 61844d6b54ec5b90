package closure

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"toolshare/dispute"
	"toolshare/payment"
	"toolshare/rental"
)

const (
	testDispute = "dispute-1"
	testRental  = "rental-1"
	testRenter  = "renter-1"
	testOwner   = "owner-1"
	testAdmin   = "admin-1"
)

type harness struct {
	svc      *Service
	store    *memStore
	disputes *fakeDisputes
	rentals  *fakeRentals
	payments *fakePayments
	refunder *fakeRefunder
	notifier *recordingNotifier
	pool     *fakePool
	now      time.Time
}

func newHarness(t *testing.T, mutate func(*Policy)) *harness {
	t.Helper()
	h := &harness{
		store: newMemStore(),
		disputes: &fakeDisputes{records: map[string]dispute.Record{
			testDispute: {
				ID:        testDispute,
				RentalID:  testRental,
				OpenedBy:  testRenter,
				Type:      dispute.TypeLateReturn,
				Category:  dispute.CategoryService,
				Status:    dispute.StatusOpen,
				CreatedAt: time.Date(2026, 3, 8, 9, 0, 0, 0, time.UTC),
			},
		}},
		rentals: &fakeRentals{parties: map[string]rental.Parties{
			testRental: {RentalID: testRental, ToolID: "tool-1", RenterID: testRenter, OwnerID: testOwner},
		}},
		payments: &fakePayments{byRental: map[string]payment.Payment{
			testRental: {ID: "pay-1", RentalID: testRental, Amount: decimal.NewFromInt(200), Status: "completed"},
		}},
		refunder: &fakeRefunder{result: payment.RefundResult{Success: true, RefundID: "refund-1"}},
		notifier: &recordingNotifier{},
		pool:     &fakePool{},
		now:      time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}

	policy := DefaultPolicy()
	if mutate != nil {
		mutate(&policy)
	}
	h.svc = NewService(Deps{
		Pool:     h.pool,
		Store:    h.store,
		Disputes: h.disputes,
		Rentals:  h.rentals,
		Payments: h.payments,
		Refunder: h.refunder,
		Notifier: h.notifier,
		Policy:   policy,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:      func() time.Time { return h.now },
	})
	return h
}

func amount(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func refundInput(value string) CreateInput {
	return CreateInput{
		ProposedResolution: ResolutionPartialRefund,
		ResolutionDetails:  "Returned two days late",
		AgreedRefundAmount: amount(value),
		RefundRecipient:    RecipientRenter,
		ExpirationHours:    48,
	}
}

func (h *harness) create(t *testing.T, in CreateInput) View {
	t.Helper()
	v, err := h.svc.CreateRequest(context.Background(), testDispute, testOwner, in, RequestMeta{IPAddress: "203.0.113.7", UserAgent: "test"})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	return v
}

func TestCreateRequest_PendingWithinCeiling(t *testing.T) {
	h := newHarness(t, nil)

	v := h.create(t, refundInput("150"))

	if v.Status != StatusPending {
		t.Fatalf("expected pending, got %s", v.Status)
	}
	if v.ResponderID != testRenter {
		t.Errorf("expected renter to respond, got %s", v.ResponderID)
	}
	if !v.ExpiresAt.Equal(h.now.Add(48 * time.Hour)) {
		t.Errorf("unexpected expiry %s", v.ExpiresAt)
	}
	if !v.RequiresPaymentAction {
		t.Errorf("expected payment action for a positive refund")
	}
	if !v.IsActionable || v.IsExpired || v.HoursUntilExpiry != 48 {
		t.Errorf("unexpected derived fields %+v", v)
	}
	if !h.pool.last().committed {
		t.Errorf("expected commit")
	}

	stored := h.store.only(t)
	if got := h.store.auditActions(stored.ID); len(got) != 1 || got[0] != AuditCreated {
		t.Fatalf("expected one Created audit entry, got %v", got)
	}
	if h.store.audits[0].ActorID != testOwner || h.store.audits[0].IPAddress != "203.0.113.7" {
		t.Errorf("audit entry not attributed to caller: %+v", h.store.audits[0])
	}
	if kinds := h.notifier.kinds(); len(kinds) != 1 || kinds[0] != "request_created" {
		t.Errorf("expected only request notification, got %v", kinds)
	}

	e, err := h.svc.CheckEligibility(context.Background(), testDispute, testRenter)
	if err != nil {
		t.Fatalf("check eligibility: %v", err)
	}
	if e.Eligible {
		t.Errorf("expected dispute with an active request to be ineligible")
	}
}

func TestCreateRequest_AmountAboveCeiling(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.svc.CreateRequest(context.Background(), testDispute, testOwner, refundInput("195"), RequestMeta{})

	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got := Message(err); got != "Refund amount cannot exceed $190.00" {
		t.Fatalf("unexpected message %q", got)
	}
	if len(h.store.reqs) != 0 || len(h.store.audits) != 0 {
		t.Fatalf("expected no writes on validation failure")
	}
	if h.pool.last().committed {
		t.Errorf("expected no commit")
	}
}

func TestCreateRequest_AdminReviewByTypeAndAmount(t *testing.T) {
	t.Run("dispute type", func(t *testing.T) {
		h := newHarness(t, nil)
		d := h.disputes.records[testDispute]
		d.Type = dispute.TypeItemDamage
		h.disputes.records[testDispute] = d

		v := h.create(t, refundInput("100"))
		if v.Status != StatusUnderAdminReview {
			t.Fatalf("expected under admin review, got %s", v.Status)
		}
		if kinds := h.notifier.kinds(); len(kinds) != 2 || kinds[1] != "admin_review_required" {
			t.Errorf("expected admin alert, got %v", kinds)
		}
	})

	t.Run("amount", func(t *testing.T) {
		h := newHarness(t, nil)
		h.payments.byRental[testRental] = payment.Payment{ID: "pay-1", Amount: decimal.NewFromInt(400)}

		v := h.create(t, refundInput("300"))
		if v.Status != StatusUnderAdminReview {
			t.Fatalf("expected under admin review, got %s", v.Status)
		}
	})
}

func TestCreateRequest_SecondActiveRequestRefused(t *testing.T) {
	h := newHarness(t, nil)
	h.create(t, refundInput("150"))

	_, err := h.svc.CreateRequest(context.Background(), testDispute, testRenter, refundInput("50"), RequestMeta{})
	if !errors.Is(err, ErrActiveClosureExists) {
		t.Fatalf("expected ErrActiveClosureExists, got %v", err)
	}
	if !strings.Contains(Message(err), "already an active mutual closure request") {
		t.Fatalf("unexpected message %q", Message(err))
	}
	if len(h.store.reqs) != 1 {
		t.Fatalf("expected one stored request, got %d", len(h.store.reqs))
	}
}

func TestCreateRequest_RaceOnInsertMapsToConflict(t *testing.T) {
	h := newHarness(t, nil)
	h.store.insertErr = ErrActiveClosureExists

	_, err := h.svc.CreateRequest(context.Background(), testDispute, testOwner, refundInput("150"), RequestMeta{})
	if !errors.Is(err, ErrActiveClosureExists) {
		t.Fatalf("expected ErrActiveClosureExists, got %v", err)
	}
	if Message(err) != msgActiveExists {
		t.Fatalf("unexpected message %q", Message(err))
	}
}

func TestCreateRequest_Ineligible(t *testing.T) {
	h := newHarness(t, nil)
	d := h.disputes.records[testDispute]
	d.Category = dispute.CategoryFraud
	escalation := "pp-123"
	d.ExternalEscalationID = &escalation
	h.disputes.records[testDispute] = d

	_, err := h.svc.CreateRequest(context.Background(), testDispute, testOwner, refundInput("10"), RequestMeta{})
	var ie *IneligibleError
	if !errors.As(err, &ie) {
		t.Fatalf("expected ineligible error, got %v", err)
	}
	if len(ie.Reasons) != 2 {
		t.Fatalf("expected escalation and fraud reasons, got %v", ie.Reasons)
	}

	_, err = h.svc.CreateRequest(context.Background(), testDispute, "stranger", refundInput("10"), RequestMeta{})
	if !errors.Is(err, ErrIneligible) {
		t.Fatalf("expected ineligible stranger, got %v", err)
	}
}

func TestCreateRequest_RecipientRequiresAmount(t *testing.T) {
	h := newHarness(t, nil)
	in := refundInput("10")
	in.AgreedRefundAmount = nil

	_, err := h.svc.CreateRequest(context.Background(), testDispute, testOwner, in, RequestMeta{})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected validation failure, got %v", err)
	}
}

func TestCreateRequest_VelocityLimit(t *testing.T) {
	h := newHarness(t, func(p *Policy) { p.VelocityLimit = 1 })
	v := h.create(t, refundInput("20"))
	if _, err := h.svc.CancelRequest(context.Background(), v.ID, testOwner, "changed my mind", RequestMeta{}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	_, err := h.svc.CreateRequest(context.Background(), testDispute, testOwner, refundInput("20"), RequestMeta{})
	var ie *IneligibleError
	if !errors.As(err, &ie) || !strings.Contains(ie.Error(), "limit of 1") {
		t.Fatalf("expected velocity refusal, got %v", err)
	}

	if _, err := h.svc.CreateRequest(context.Background(), testDispute, testRenter, refundInput("20"), RequestMeta{}); err != nil {
		t.Fatalf("other party should not be limited: %v", err)
	}
}

func (h *harness) useVelocity(v VelocityLimiter) {
	h.svc.velocity = v
	h.svc.checker.velocity = v
}

func TestCreateRequest_VelocityReservationRefused(t *testing.T) {
	h := newHarness(t, func(p *Policy) { p.VelocityLimit = 1 })
	fv := &fakeVelocity{refuse: true}
	h.useVelocity(fv)

	_, err := h.svc.CreateRequest(context.Background(), testDispute, testOwner, refundInput("20"), RequestMeta{})
	var ie *IneligibleError
	if !errors.As(err, &ie) || !strings.Contains(ie.Error(), "limit of 1") {
		t.Fatalf("expected velocity refusal, got %v", err)
	}
	if len(h.store.reqs) != 0 || h.pool.last().committed {
		t.Fatalf("expected nothing persisted")
	}
	if len(fv.released) != 0 {
		t.Fatalf("a refused reservation holds nothing to release, got %v", fv.released)
	}
}

func TestCreateRequest_FailedCreateReleasesVelocitySlot(t *testing.T) {
	h := newHarness(t, nil)
	fv := &fakeVelocity{}
	h.useVelocity(fv)
	h.store.insertErr = errors.New("connection reset")

	if _, err := h.svc.CreateRequest(context.Background(), testDispute, testOwner, refundInput("20"), RequestMeta{}); err == nil {
		t.Fatalf("expected create to fail")
	}
	if len(fv.reserved) != 1 || len(fv.released) != 1 || fv.released[0] != fv.reserved[0] {
		t.Fatalf("expected the reserved slot released, reserved %v released %v", fv.reserved, fv.released)
	}

	h.store.insertErr = nil
	h.create(t, refundInput("20"))
	if len(fv.reserved) != 2 || len(fv.released) != 1 {
		t.Fatalf("a committed create keeps its slot, reserved %v released %v", fv.reserved, fv.released)
	}
}

func TestCreateRequest_InfrastructureFailureIsGeneric(t *testing.T) {
	h := newHarness(t, nil)
	boom := errors.New("connection reset")
	h.store.insertErr = boom

	_, err := h.svc.CreateRequest(context.Background(), testDispute, testOwner, refundInput("150"), RequestMeta{})
	var ope *OperationError
	if !errors.As(err, &ope) || !errors.Is(err, boom) {
		t.Fatalf("expected operation error wrapping cause, got %v", err)
	}
	if Message(err) != "An error occurred while creating the mutual closure request" {
		t.Fatalf("unexpected message %q", Message(err))
	}
}

func TestRespondToRequest_AcceptResolvesDispute(t *testing.T) {
	h := newHarness(t, nil)
	created := h.create(t, refundInput("150"))
	h.now = h.now.Add(time.Hour)

	v, err := h.svc.RespondToRequest(context.Background(), created.ID, testRenter, RespondInput{Accept: true, Message: "Fair"}, RequestMeta{})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if v.Status != StatusAccepted || v.RespondedAt == nil {
		t.Fatalf("expected accepted with response time, got %+v", v.Request)
	}
	if v.RefundTransactionID == nil || *v.RefundTransactionID != "refund-1" {
		t.Fatalf("expected refund reference, got %v", v.RefundTransactionID)
	}
	if len(h.refunder.calls) != 1 || !h.refunder.calls[0].amount.Equal(decimal.NewFromInt(150)) || h.refunder.calls[0].rentalID != testRental {
		t.Fatalf("unexpected refund calls %+v", h.refunder.calls)
	}
	if !strings.Contains(h.refunder.calls[0].reason, string(ResolutionPartialRefund)) {
		t.Errorf("refund reason should name the resolution: %q", h.refunder.calls[0].reason)
	}

	d := h.disputes.records[testDispute]
	if d.Status != dispute.StatusResolved || d.Resolution == nil || *d.Resolution != dispute.ResolutionMutualAgreement {
		t.Fatalf("expected dispute resolved by mutual agreement, got %+v", d)
	}
	if d.RefundAmount == nil || !d.RefundAmount.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("expected refund amount copied to dispute, got %v", d.RefundAmount)
	}
	if d.ResolvedAt == nil || d.ResolutionNotes == nil {
		t.Fatalf("expected resolution time and notes")
	}

	if got := h.store.auditActions(created.ID); len(got) != 2 || got[1] != AuditAccepted {
		t.Fatalf("unexpected audit trail %v", got)
	}
	if !h.pool.last().committed {
		t.Errorf("expected commit")
	}
}

func TestRespondToRequest_RefundFailureStillAccepts(t *testing.T) {
	h := newHarness(t, nil)
	h.refunder.err = errors.New("provider down")
	created := h.create(t, refundInput("150"))

	v, err := h.svc.RespondToRequest(context.Background(), created.ID, testRenter, RespondInput{Accept: true}, RequestMeta{})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if v.Status != StatusAccepted {
		t.Fatalf("expected accepted, got %s", v.Status)
	}
	if v.RefundTransactionID != nil {
		t.Fatalf("expected nil refund reference, got %v", *v.RefundTransactionID)
	}
	if h.disputes.records[testDispute].Status != dispute.StatusResolved {
		t.Fatalf("expected dispute resolved despite refund failure")
	}
}

func TestRespondToRequest_RefundRollsBackWithFailedAcceptance(t *testing.T) {
	h := newHarness(t, nil)
	created := h.create(t, refundInput("150"))
	open := h.disputes.records[testDispute]
	ctx := context.Background()

	h.store.updateErr = errors.New("connection reset")
	if _, err := h.svc.RespondToRequest(ctx, created.ID, testRenter, RespondInput{Accept: true}, RequestMeta{}); err == nil {
		t.Fatalf("expected the failed status write to fail the acceptance")
	}
	first := h.pool.last()
	if first.committed || !first.rolled {
		t.Fatalf("expected acceptance rolled back, got %+v", first)
	}
	if len(h.refunder.calls) != 1 || h.refunder.calls[0].q == first {
		t.Fatalf("expected the refund to run under a savepoint of the acceptance, got %+v", h.refunder.calls)
	}
	if got := h.refunder.durable(); got != 0 {
		t.Fatalf("expected no refund to survive the rollback, got %d", got)
	}
	// the dispute fake is not transactional; undo the rolled back resolution
	h.disputes.records[testDispute] = open

	v, err := h.svc.RespondToRequest(ctx, created.ID, testRenter, RespondInput{Accept: true}, RequestMeta{})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if v.Status != StatusAccepted || v.RefundTransactionID == nil {
		t.Fatalf("expected accepted with refund reference, got %+v", v.Request)
	}
	if got := h.refunder.durable(); got != 1 {
		t.Fatalf("expected exactly one committed refund after retry, got %d", got)
	}
}

func TestRespondToRequest_RefusedRefundDiscardsSavepoint(t *testing.T) {
	h := newHarness(t, nil)
	h.refunder.result = payment.RefundResult{Success: false, Message: "refund exceeds refundable balance"}
	created := h.create(t, refundInput("150"))

	v, err := h.svc.RespondToRequest(context.Background(), created.ID, testRenter, RespondInput{Accept: true}, RequestMeta{})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if v.Status != StatusAccepted || v.RefundTransactionID != nil {
		t.Fatalf("expected accepted without refund reference, got %+v", v.Request)
	}
	tx := h.pool.last()
	if !tx.committed || len(tx.savepoints) != 1 {
		t.Fatalf("expected one savepoint in a committed acceptance, got %+v", tx)
	}
	if sp := tx.savepoints[0]; sp.committed || !sp.rolled {
		t.Fatalf("expected refused refund savepoint rolled back, got %+v", sp)
	}
}

func TestRespondToRequest_AcceptWithoutRefundSkipsPayment(t *testing.T) {
	h := newHarness(t, nil)
	created := h.create(t, CreateInput{ProposedResolution: ResolutionNoRefund, ExpirationHours: 24})

	if _, err := h.svc.RespondToRequest(context.Background(), created.ID, testRenter, RespondInput{Accept: true}, RequestMeta{}); err != nil {
		t.Fatalf("respond: %v", err)
	}
	if len(h.refunder.calls) != 0 {
		t.Fatalf("expected no refund call, got %d", len(h.refunder.calls))
	}
	if h.disputes.records[testDispute].RefundAmount != nil {
		t.Fatalf("expected no refund amount on dispute")
	}
}

func TestRespondToRequest_Reject(t *testing.T) {
	h := newHarness(t, nil)
	created := h.create(t, refundInput("150"))

	v, err := h.svc.RespondToRequest(context.Background(), created.ID, testRenter, RespondInput{Accept: false, RejectionReason: "amount too low"}, RequestMeta{})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if v.Status != StatusRejected {
		t.Fatalf("expected rejected, got %s", v.Status)
	}
	if v.RejectionReason == nil || *v.RejectionReason != "amount too low" {
		t.Fatalf("expected rejection reason stored, got %v", v.RejectionReason)
	}
	if h.disputes.records[testDispute].Status != dispute.StatusOpen {
		t.Fatalf("expected dispute untouched")
	}
	if len(h.refunder.calls) != 0 {
		t.Fatalf("expected no refund on rejection")
	}
}

func TestRespondToRequest_ExpiresOnAccess(t *testing.T) {
	h := newHarness(t, nil)
	created := h.create(t, refundInput("150"))
	h.now = h.now.Add(49 * time.Hour)

	_, err := h.svc.RespondToRequest(context.Background(), created.ID, testRenter, RespondInput{Accept: true}, RequestMeta{})
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if Message(err) != msgExpired {
		t.Fatalf("unexpected message %q", Message(err))
	}

	stored, _ := h.store.Get(context.Background(), nil, created.ID)
	if stored.Status != StatusExpired {
		t.Fatalf("expected expired, got %s", stored.Status)
	}
	if !h.pool.last().committed {
		t.Fatalf("expected expiry to be committed")
	}
	last := h.store.audits[len(h.store.audits)-1]
	if last.Action != AuditExpired || last.ActorID != SystemActor {
		t.Fatalf("expected system Expired audit, got %+v", last)
	}
	if len(h.refunder.calls) != 0 || h.disputes.records[testDispute].Status != dispute.StatusOpen {
		t.Fatalf("expected no settlement for expired request")
	}
}

func TestRespondToRequest_Refusals(t *testing.T) {
	h := newHarness(t, nil)
	created := h.create(t, refundInput("150"))

	if _, err := h.svc.RespondToRequest(context.Background(), created.ID, testOwner, RespondInput{Accept: true}, RequestMeta{}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("initiator must not respond, got %v", err)
	}
	_, err := h.svc.RespondToRequest(context.Background(), "missing", testRenter, RespondInput{Accept: true}, RequestMeta{})
	if !errors.Is(err, ErrNotFound) || Message(err) != msgNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCancelRequest(t *testing.T) {
	h := newHarness(t, nil)
	created := h.create(t, refundInput("150"))

	if _, err := h.svc.CancelRequest(context.Background(), created.ID, testRenter, "", RequestMeta{}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("responder must not cancel, got %v", err)
	}

	v, err := h.svc.CancelRequest(context.Background(), created.ID, testOwner, "settled offline", RequestMeta{})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if v.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", v.Status)
	}
	last := h.store.audits[len(h.store.audits)-1]
	if last.Action != AuditCancelled || last.Context["reason"] != "settled offline" {
		t.Fatalf("unexpected audit entry %+v", last)
	}
	if kinds := h.notifier.kinds(); kinds[len(kinds)-1] != "cancelled" {
		t.Fatalf("expected cancellation notice, got %v", kinds)
	}
}

func TestAdminReview_Transitions(t *testing.T) {
	h := newHarness(t, nil)
	d := h.disputes.records[testDispute]
	d.Type = dispute.TypeItemDamage
	h.disputes.records[testDispute] = d
	created := h.create(t, refundInput("100"))

	v, err := h.svc.AdminReview(context.Background(), created.ID, testAdmin, AdminApprove, "looks fine", RequestMeta{})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if v.Status != StatusPending || v.ReviewedByAdminID == nil || *v.ReviewedByAdminID != testAdmin || v.AdminReviewedAt == nil {
		t.Fatalf("expected pending with admin stamp, got %+v", v.Request)
	}

	if v, err = h.svc.AdminReview(context.Background(), created.ID, testAdmin, AdminRequireReview, "", RequestMeta{}); err != nil || v.Status != StatusUnderAdminReview {
		t.Fatalf("require review: %v %s", err, v.Status)
	}
	if v, err = h.svc.AdminReview(context.Background(), created.ID, testAdmin, AdminBlock, "suspicious", RequestMeta{}); err != nil || v.Status != StatusAdminBlocked {
		t.Fatalf("block: %v %s", err, v.Status)
	}

	want := []AuditAction{AuditCreated, AuditAdminApprove, AuditAdminRequireReview, AuditAdminBlock}
	got := h.store.auditActions(created.ID)
	if len(got) != len(want) {
		t.Fatalf("unexpected audit trail %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("audit %d: want %s got %s", i, want[i], got[i])
		}
	}

	if _, err := h.svc.AdminReview(context.Background(), created.ID, testAdmin, "promote", "", RequestMeta{}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected unknown action refusal, got %v", err)
	}
}

func TestAdminReview_Override(t *testing.T) {
	t.Run("status only by default", func(t *testing.T) {
		h := newHarness(t, nil)
		created := h.create(t, refundInput("150"))

		v, err := h.svc.AdminReview(context.Background(), created.ID, testAdmin, AdminOverride, "", RequestMeta{})
		if err != nil {
			t.Fatalf("override: %v", err)
		}
		if v.Status != StatusAccepted {
			t.Fatalf("expected accepted, got %s", v.Status)
		}
		if len(h.refunder.calls) != 0 {
			t.Fatalf("expected no refund")
		}
		if h.disputes.records[testDispute].Status != dispute.StatusOpen {
			t.Fatalf("expected dispute untouched")
		}
	})

	t.Run("settles when configured", func(t *testing.T) {
		h := newHarness(t, func(p *Policy) { p.OverrideSettles = true })
		created := h.create(t, refundInput("150"))

		v, err := h.svc.AdminReview(context.Background(), created.ID, testAdmin, AdminOverride, "", RequestMeta{})
		if err != nil {
			t.Fatalf("override: %v", err)
		}
		if v.RefundTransactionID == nil || len(h.refunder.calls) != 1 {
			t.Fatalf("expected refund on settling override")
		}
		if h.disputes.records[testDispute].Status != dispute.StatusResolved {
			t.Fatalf("expected dispute resolved")
		}
	})
}

func TestTerminalStatesDoNotChange(t *testing.T) {
	terminal := map[Status]func(h *harness, id string){
		StatusRejected: func(h *harness, id string) {
			h.svc.RespondToRequest(context.Background(), id, testRenter, RespondInput{}, RequestMeta{})
		},
		StatusCancelled: func(h *harness, id string) {
			h.svc.CancelRequest(context.Background(), id, testOwner, "", RequestMeta{})
		},
		StatusAdminBlocked: func(h *harness, id string) {
			h.svc.AdminReview(context.Background(), id, testAdmin, AdminBlock, "", RequestMeta{})
		},
		StatusAccepted: func(h *harness, id string) {
			h.svc.RespondToRequest(context.Background(), id, testRenter, RespondInput{Accept: true}, RequestMeta{})
		},
	}

	for status, reach := range terminal {
		t.Run(string(status), func(t *testing.T) {
			h := newHarness(t, nil)
			created := h.create(t, refundInput("150"))
			reach(h, created.ID)
			if got, _ := h.store.Get(context.Background(), nil, created.ID); got.Status != status {
				t.Fatalf("setup: expected %s, got %s", status, got.Status)
			}

			ctx := context.Background()
			_, err := h.svc.RespondToRequest(ctx, created.ID, testRenter, RespondInput{Accept: true}, RequestMeta{})
			if !errors.Is(err, ErrBadStatus) {
				t.Errorf("respond: expected ErrBadStatus, got %v", err)
			}
			if _, err := h.svc.CancelRequest(ctx, created.ID, testOwner, "", RequestMeta{}); !errors.Is(err, ErrBadStatus) {
				t.Errorf("cancel: expected ErrBadStatus, got %v", err)
			}
			for _, action := range []AdminAction{AdminApprove, AdminBlock, AdminRequireReview, AdminOverride} {
				if _, err := h.svc.AdminReview(ctx, created.ID, testAdmin, action, "", RequestMeta{}); !errors.Is(err, ErrBadStatus) {
					t.Errorf("admin %s: expected ErrBadStatus, got %v", action, err)
				}
			}
			h.now = h.now.Add(100 * time.Hour)
			if _, err := h.svc.ProcessExpiredRequests(ctx); err != nil {
				t.Fatalf("sweep: %v", err)
			}

			if got, _ := h.store.Get(ctx, nil, created.ID); got.Status != status {
				t.Fatalf("terminal status changed from %s to %s", status, got.Status)
			}
		})
	}
}

func TestProcessExpiredRequests_Idempotent(t *testing.T) {
	h := newHarness(t, nil)
	created := h.create(t, refundInput("150"))
	h.now = h.now.Add(72 * time.Hour)

	n, err := h.svc.ProcessExpiredRequests(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("first sweep: n=%d err=%v", n, err)
	}
	n, err = h.svc.ProcessExpiredRequests(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("second sweep: n=%d err=%v", n, err)
	}

	stored, _ := h.store.Get(context.Background(), nil, created.ID)
	if stored.Status != StatusExpired {
		t.Fatalf("expected expired, got %s", stored.Status)
	}
	expired := 0
	for _, a := range h.store.auditActions(created.ID) {
		if a == AuditExpired {
			expired++
		}
	}
	if expired != 1 {
		t.Fatalf("expected exactly one Expired audit entry, got %d", expired)
	}
	if kinds := h.notifier.kinds(); kinds[len(kinds)-1] != "expired" {
		t.Fatalf("expected expiry notice, got %v", kinds)
	}
}

func TestSendReminders(t *testing.T) {
	h := newHarness(t, nil)
	created := h.create(t, refundInput("150"))

	if n, err := h.svc.SendReminders(context.Background()); err != nil || n != 0 {
		t.Fatalf("expected no reminders yet: n=%d err=%v", n, err)
	}

	h.now = h.now.Add(30 * time.Hour)
	n, err := h.svc.SendReminders(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected one reminder: n=%d err=%v", n, err)
	}
	last := h.notifier.sent[len(h.notifier.sent)-1]
	if last.kind != "expiry_reminder" || last.view.ID != created.ID {
		t.Fatalf("unexpected reminder %+v", last)
	}
	if stored, _ := h.store.Get(context.Background(), nil, created.ID); stored.Status != StatusPending {
		t.Fatalf("reminder must not change status")
	}
}

func TestQueries_Authorization(t *testing.T) {
	h := newHarness(t, nil)
	created := h.create(t, refundInput("150"))
	ctx := context.Background()

	if _, err := h.svc.Get(ctx, created.ID, "stranger", false); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected stranger refused, got %v", err)
	}
	if _, err := h.svc.Get(ctx, created.ID, "stranger", true); err != nil {
		t.Fatalf("admin should read any request: %v", err)
	}

	views, err := h.svc.ListForDispute(ctx, testDispute, testRenter, false)
	if err != nil || len(views) != 1 {
		t.Fatalf("list: %d %v", len(views), err)
	}
	if _, err := h.svc.ListForDispute(ctx, testDispute, "stranger", false); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected stranger refused, got %v", err)
	}

	trail, err := h.svc.AuditTrail(ctx, created.ID, testOwner, false)
	if err != nil || len(trail) != 1 || trail[0].Action != AuditCreated {
		t.Fatalf("unexpected audit trail %v %v", trail, err)
	}
}

func TestValidateRequest_DryRun(t *testing.T) {
	h := newHarness(t, nil)

	violations, err := h.svc.ValidateRequest(context.Background(), testDispute, testOwner, refundInput("195"))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(violations) != 1 {
		t.Fatalf("expected one violation, got %v", violations)
	}
	if len(h.store.reqs) != 0 || len(h.pool.txs) != 0 {
		t.Fatalf("dry run must not write")
	}
}
