// Package actors drives the closure workflow from competing goroutines.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"toolshare/closure"
	"toolshare/test/infra"
)

// Workflow is the closure surface the actors call.
type Workflow interface {
	CreateRequest(ctx context.Context, disputeID, initiatorID string, in closure.CreateInput, meta closure.RequestMeta) (closure.View, error)
	RespondToRequest(ctx context.Context, closureID, responderID string, in closure.RespondInput, meta closure.RequestMeta) (closure.View, error)
	CancelRequest(ctx context.Context, closureID, userID, reason string, meta closure.RequestMeta) (closure.View, error)
	ListForDispute(ctx context.Context, disputeID, userID string, isAdmin bool) ([]closure.View, error)
	ProcessExpiredRequests(ctx context.Context) (int, error)
}

var actorMeta = closure.RequestMeta{IPAddress: "127.0.0.1", UserAgent: "toolshare-actors"}

// expected reports refusals that contention legitimately produces. Operation
// errors are tolerated too: chaos may kill the connection mid-transaction.
func expected(err error) bool {
	var opErr *closure.OperationError
	return err == nil ||
		errors.Is(err, closure.ErrActiveClosureExists) ||
		errors.Is(err, closure.ErrBadStatus) ||
		errors.Is(err, closure.ErrExpired) ||
		errors.Is(err, closure.ErrIneligible) ||
		errors.Is(err, closure.ErrForbidden) ||
		errors.As(err, &opErr)
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func pause(minMs, spreadMs int) {
	time.Sleep(time.Duration(minMs+rand.Intn(spreadMs)) * time.Millisecond)
}

// Initiator keeps proposing partial refunds on the fixture's dispute,
// alternating between renter and owner.
func Initiator(ctx context.Context, wf Workflow, f infra.Fixture, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		initiator, recipient := f.RenterID, closure.RecipientRenter
		if rand.Intn(2) == 0 {
			initiator, recipient = f.OwnerID, closure.RecipientOwner
		}
		amount := decimal.NewFromInt(int64(1 + rand.Intn(40)))
		_, err := wf.CreateRequest(ctx, f.DisputeID, initiator, closure.CreateInput{
			ProposedResolution: closure.ResolutionPartialRefund,
			ResolutionDetails:  "stress proposal",
			AgreedRefundAmount: &amount,
			RefundRecipient:    recipient,
			ExpirationHours:    24,
		}, actorMeta)
		if !expected(err) {
			return fmt.Errorf("initiator: %w", err)
		}
		pause(10, 20)
	}
	return nil
}

// Responder accepts or rejects whatever is pending on the dispute.
func Responder(ctx context.Context, wf Workflow, f infra.Fixture, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		views, err := wf.ListForDispute(ctx, f.DisputeID, f.RenterID, false)
		if !expected(err) {
			return fmt.Errorf("responder list: %w", err)
		}
		for _, v := range views {
			if v.Status != closure.StatusPending {
				continue
			}
			accept := rand.Intn(4) == 0
			in := closure.RespondInput{Accept: accept}
			if !accept {
				in.RejectionReason = "counter offer coming"
			}
			if _, err := wf.RespondToRequest(ctx, v.ID, v.ResponderID, in, actorMeta); !expected(err) {
				return fmt.Errorf("responder: %w", err)
			}
		}
		pause(20, 40)
	}
	return nil
}

// Canceller withdraws pending requests on behalf of their initiator.
func Canceller(ctx context.Context, wf Workflow, f infra.Fixture, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		views, err := wf.ListForDispute(ctx, f.DisputeID, f.OwnerID, false)
		if !expected(err) {
			return fmt.Errorf("canceller list: %w", err)
		}
		for _, v := range views {
			if v.Status != closure.StatusPending || rand.Intn(3) != 0 {
				continue
			}
			if _, err := wf.CancelRequest(ctx, v.ID, v.InitiatorID, "changed my mind", actorMeta); !expected(err) {
				return fmt.Errorf("canceller: %w", err)
			}
		}
		pause(30, 50)
	}
	return nil
}

// Sweeper backdates a random pending request and runs the expiry sweep.
func Sweeper(ctx context.Context, wf Workflow, h *infra.Harness, f infra.Fixture, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		views, err := wf.ListForDispute(ctx, f.DisputeID, f.AdminID, true)
		if !expected(err) {
			return fmt.Errorf("sweeper list: %w", err)
		}
		for _, v := range views {
			if v.Status == closure.StatusPending && rand.Intn(2) == 0 {
				_ = h.ExpireNow(ctx, v.ID)
			}
		}
		if _, err := wf.ProcessExpiredRequests(ctx); !expected(err) {
			return fmt.Errorf("sweeper: %w", err)
		}
		pause(50, 100)
	}
	return nil
}
