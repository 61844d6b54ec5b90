// Package notify delivers mutual closure notices over Redis pub/sub. The
// realtime gateway subscribes to the per-user channels.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"toolshare/closure"
)

const AdminChannel = "notifications:admin"

// Kinds published in Envelope.Type.
const (
	KindRequestCreated      = "mutual_closure.request_created"
	KindResponseReceived    = "mutual_closure.response_received"
	KindCancelled           = "mutual_closure.cancelled"
	KindExpired             = "mutual_closure.expired"
	KindExpiryReminder      = "mutual_closure.expiry_reminder"
	KindAdminReviewRequired = "mutual_closure.admin_review_required"
	KindAdminDecision       = "mutual_closure.admin_decision"
)

func UserChannel(userID string) string {
	return "notifications:user:" + userID
}

// Envelope is the JSON message written to a channel.
type Envelope struct {
	Type    string  `json:"type"`
	Closure Closure `json:"closure"`
}

// Closure is the closure summary carried by every notice.
type Closure struct {
	ID                  string    `json:"id"`
	DisputeID           string    `json:"dispute_id"`
	InitiatorID         string    `json:"initiator_id"`
	ResponderID         string    `json:"responder_id"`
	Status              string    `json:"status"`
	ProposedResolution  string    `json:"proposed_resolution"`
	AgreedRefundAmount  *string   `json:"agreed_refund_amount,omitempty"`
	RefundRecipient     string    `json:"refund_recipient"`
	ExpiresAt           time.Time `json:"expires_at"`
	HoursUntilExpiry    float64   `json:"hours_until_expiry"`
	IsActionable        bool      `json:"is_actionable"`
	RefundTransactionID *string   `json:"refund_transaction_id,omitempty"`
}

func summarize(v closure.View) Closure {
	c := Closure{
		ID:                  v.ID,
		DisputeID:           v.DisputeID,
		InitiatorID:         v.InitiatorID,
		ResponderID:         v.ResponderID,
		Status:              string(v.Status),
		ProposedResolution:  string(v.ProposedResolution),
		RefundRecipient:     string(v.RefundRecipient),
		ExpiresAt:           v.ExpiresAt,
		HoursUntilExpiry:    v.HoursUntilExpiry,
		IsActionable:        v.IsActionable,
		RefundTransactionID: v.RefundTransactionID,
	}
	if v.AgreedRefundAmount != nil {
		s := v.AgreedRefundAmount.StringFixed(2)
		c.AgreedRefundAmount = &s
	}
	return c
}

// Publisher implements closure.Notifier. A nil client turns every call into a no-op.
type Publisher struct {
	rdb *redis.Client
}

func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

func (p *Publisher) RequestCreated(ctx context.Context, v closure.View) error {
	return p.publish(ctx, KindRequestCreated, v, UserChannel(v.ResponderID))
}

func (p *Publisher) ResponseReceived(ctx context.Context, v closure.View) error {
	return p.publish(ctx, KindResponseReceived, v, UserChannel(v.InitiatorID), UserChannel(v.ResponderID))
}

func (p *Publisher) Cancelled(ctx context.Context, v closure.View) error {
	return p.publish(ctx, KindCancelled, v, UserChannel(v.ResponderID))
}

func (p *Publisher) Expired(ctx context.Context, v closure.View) error {
	return p.publish(ctx, KindExpired, v, UserChannel(v.InitiatorID))
}

func (p *Publisher) ExpiryReminder(ctx context.Context, v closure.View) error {
	return p.publish(ctx, KindExpiryReminder, v, UserChannel(v.ResponderID))
}

func (p *Publisher) AdminReviewRequired(ctx context.Context, v closure.View) error {
	return p.publish(ctx, KindAdminReviewRequired, v, AdminChannel)
}

func (p *Publisher) AdminDecision(ctx context.Context, v closure.View) error {
	return p.publish(ctx, KindAdminDecision, v, UserChannel(v.InitiatorID), UserChannel(v.ResponderID))
}

func (p *Publisher) publish(ctx context.Context, kind string, v closure.View, channels ...string) error {
	if p.rdb == nil {
		return nil
	}
	body, err := json.Marshal(Envelope{Type: kind, Closure: summarize(v)})
	if err != nil {
		return fmt.Errorf("notify: marshal %s: %w", kind, err)
	}

	var errs []error
	for _, ch := range channels {
		if err := p.rdb.Publish(ctx, ch, body).Err(); err != nil {
			errs = append(errs, fmt.Errorf("notify: publish %s to %s: %w", kind, ch, err))
		}
	}
	return errors.Join(errs...)
}
