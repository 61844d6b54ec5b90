package closure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"toolshare/db"
)

const activeIndex = "mutual_closures_one_active"

const requestColumns = `
	id::text, dispute_id::text, initiator_id::text, responder_id::text,
	proposed_resolution, resolution_details, agreed_refund_amount, refund_recipient,
	requires_payment_action, status, created_at, expires_at, responded_at,
	response_message, rejection_reason, refund_transaction_id,
	reviewed_by_admin_id::text, admin_reviewed_at, admin_notes, updated_at`

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Insert persists a new request. A second active request on the same dispute
// is reported as ErrActiveClosureExists.
func (r *Repository) Insert(ctx context.Context, q db.Querier, req Request) error {
	const insertSQL = `
		INSERT INTO mutual_closures (
			id, dispute_id, initiator_id, responder_id, proposed_resolution, resolution_details,
			agreed_refund_amount, refund_recipient, requires_payment_action, status,
			created_at, expires_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := q.Exec(ctx, insertSQL,
		req.ID, req.DisputeID, req.InitiatorID, req.ResponderID,
		string(req.ProposedResolution), req.ResolutionDetails, nullDecimal(req.AgreedRefundAmount),
		string(req.RefundRecipient), req.RequiresPaymentAction, string(req.Status),
		req.CreatedAt, req.ExpiresAt, req.UpdatedAt,
	)
	if err != nil {
		if db.IsUniqueViolation(err) && db.ConstraintName(err) == activeIndex {
			return ErrActiveClosureExists
		}
		return fmt.Errorf("closure: insert: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, q db.Querier, id string) (Request, error) {
	return r.get(ctx, q, id, "")
}

// GetForUpdate holds the request row lock until q's transaction ends.
func (r *Repository) GetForUpdate(ctx context.Context, q db.Querier, id string) (Request, error) {
	return r.get(ctx, q, id, " FOR UPDATE")
}

func (r *Repository) get(ctx context.Context, q db.Querier, id, suffix string) (Request, error) {
	query := `SELECT` + requestColumns + ` FROM mutual_closures WHERE id = $1` + suffix
	req, err := scanRequest(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("closure: get: %w", err)
	}
	return req, nil
}

// HasActive reports whether the dispute has a pending or under-review request.
func (r *Repository) HasActive(ctx context.Context, q db.Querier, disputeID string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM mutual_closures
			WHERE dispute_id = $1 AND status IN ('pending', 'under_admin_review')
		)
	`
	var exists bool
	if err := q.QueryRow(ctx, query, disputeID).Scan(&exists); err != nil {
		return false, fmt.Errorf("closure: has active: %w", err)
	}
	return exists, nil
}

// ListByDispute returns the dispute's requests, newest first.
func (r *Repository) ListByDispute(ctx context.Context, q db.Querier, disputeID string) ([]Request, error) {
	query := `SELECT` + requestColumns + `
		FROM mutual_closures
		WHERE dispute_id = $1
		ORDER BY created_at DESC
	`
	return r.list(ctx, q, "list by dispute", query, disputeID)
}

// Update writes the mutable fields of req when its stored status is one of
// from. Otherwise nothing changes and ErrBadStatus is returned.
func (r *Repository) Update(ctx context.Context, q db.Querier, req Request, from ...Status) error {
	const updateSQL = `
		UPDATE mutual_closures
		SET status = $2,
		    responded_at = $3,
		    response_message = $4,
		    rejection_reason = $5,
		    refund_transaction_id = $6,
		    reviewed_by_admin_id = $7,
		    admin_reviewed_at = $8,
		    admin_notes = $9,
		    updated_at = $10
		WHERE id = $1 AND status = ANY($11)
	`
	tag, err := q.Exec(ctx, updateSQL,
		req.ID, string(req.Status), req.RespondedAt, req.ResponseMessage, req.RejectionReason,
		req.RefundTransactionID, req.ReviewedByAdminID, req.AdminReviewedAt, req.AdminNotes,
		req.UpdatedAt, statusStrings(from),
	)
	if err != nil {
		return fmt.Errorf("closure: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBadStatus
	}
	return nil
}

// AppendAudit adds one entry to a request's audit trail.
func (r *Repository) AppendAudit(ctx context.Context, q db.Querier, entry AuditEntry) error {
	args, err := auditArgs(entry)
	if err != nil {
		return err
	}
	if _, err := q.Exec(ctx, insertAuditSQL, args...); err != nil {
		return fmt.Errorf("closure: append audit: %w", err)
	}
	return nil
}

const insertAuditSQL = `
	INSERT INTO mutual_closure_audit_logs (
		id, closure_id, actor_id, action, description, context, ip_address, user_agent, created_at
	) VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9)
`

func auditArgs(e AuditEntry) ([]any, error) {
	var ctxJSON *string
	if len(e.Context) > 0 {
		b, err := json.Marshal(e.Context)
		if err != nil {
			return nil, fmt.Errorf("closure: marshal audit context: %w", err)
		}
		s := string(b)
		ctxJSON = &s
	}
	return []any{
		e.ID, e.ClosureID, e.ActorID, string(e.Action), e.Description, ctxJSON,
		nullText(e.IPAddress), nullText(e.UserAgent), e.CreatedAt,
	}, nil
}

// ListAudit returns the audit trail in creation order.
func (r *Repository) ListAudit(ctx context.Context, q db.Querier, closureID string) ([]AuditEntry, error) {
	const query = `
		SELECT id::text, closure_id::text, actor_id, action, description, context,
		       COALESCE(ip_address, ''), COALESCE(user_agent, ''), created_at
		FROM mutual_closure_audit_logs
		WHERE closure_id = $1
		ORDER BY created_at, id
	`
	rows, err := q.Query(ctx, query, closureID)
	if err != nil {
		return nil, fmt.Errorf("closure: list audit: %w", err)
	}
	defer rows.Close()

	out := make([]AuditEntry, 0, 4)
	for rows.Next() {
		var (
			e   AuditEntry
			raw []byte
		)
		if err := rows.Scan(&e.ID, &e.ClosureID, &e.ActorID, &e.Action, &e.Description, &raw,
			&e.IPAddress, &e.UserAgent, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("closure: scan audit: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Context); err != nil {
				return nil, fmt.Errorf("closure: decode audit context: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("closure: iterate audit: %w", err)
	}
	return out, nil
}

// CountInitiatedSince counts requests userID created at or after since.
func (r *Repository) CountInitiatedSince(ctx context.Context, q db.Querier, userID string, since time.Time) (int, error) {
	const query = `SELECT count(*) FROM mutual_closures WHERE initiator_id = $1 AND created_at >= $2`
	var n int
	if err := q.QueryRow(ctx, query, userID, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("closure: count initiated: %w", err)
	}
	return n, nil
}

// LockInitiator serializes request creation per initiator until q's
// transaction ends.
func (r *Repository) LockInitiator(ctx context.Context, q db.Querier, userID string) error {
	if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "closure:initiator:"+userID); err != nil {
		return fmt.Errorf("closure: lock initiator: %w", err)
	}
	return nil
}

// LockExpired locks up to limit pending requests past their expiry. Rows held
// by another sweeper are skipped.
func (r *Repository) LockExpired(ctx context.Context, q db.Querier, now time.Time, limit int) ([]Request, error) {
	query := `SELECT` + requestColumns + `
		FROM mutual_closures
		WHERE status = 'pending' AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`
	return r.list(ctx, q, "lock expired", query, now, limit)
}

// ExpireBatch moves the locked requests to expired and writes their audit
// entries in a single round trip.
func (r *Repository) ExpireBatch(ctx context.Context, tx pgx.Tx, ids []string, entries []AuditEntry, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	batch.Queue(`
		UPDATE mutual_closures
		SET status = 'expired', updated_at = $2
		WHERE id = ANY($1) AND status = 'pending'
	`, ids, at)
	for _, e := range entries {
		args, err := auditArgs(e)
		if err != nil {
			return err
		}
		batch.Queue(insertAuditSQL, args...)
	}

	br := tx.SendBatch(ctx, batch)
	tag, err := br.Exec()
	if err != nil {
		br.Close()
		return fmt.Errorf("closure: expire batch: %w", err)
	}
	if tag.RowsAffected() != int64(len(ids)) {
		br.Close()
		return fmt.Errorf("closure: expire batch: updated %d of %d: %w", tag.RowsAffected(), len(ids), ErrBadStatus)
	}
	for range entries {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("closure: expire batch audit: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("closure: expire batch close: %w", err)
	}
	return nil
}

// ListExpiring returns pending requests whose expiry falls in (from, until].
func (r *Repository) ListExpiring(ctx context.Context, q db.Querier, from, until time.Time) ([]Request, error) {
	query := `SELECT` + requestColumns + `
		FROM mutual_closures
		WHERE status = 'pending' AND expires_at > $1 AND expires_at <= $2
		ORDER BY expires_at
	`
	return r.list(ctx, q, "list expiring", query, from, until)
}

func (r *Repository) list(ctx context.Context, q db.Querier, op, query string, args ...any) ([]Request, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("closure: %s: %w", op, err)
	}
	defer rows.Close()

	out := make([]Request, 0, 8)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("closure: %s scan: %w", op, err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("closure: %s iterate: %w", op, err)
	}
	return out, nil
}

func scanRequest(row pgx.Row) (Request, error) {
	var (
		req    Request
		amount decimal.NullDecimal
	)
	err := row.Scan(
		&req.ID,
		&req.DisputeID,
		&req.InitiatorID,
		&req.ResponderID,
		&req.ProposedResolution,
		&req.ResolutionDetails,
		&amount,
		&req.RefundRecipient,
		&req.RequiresPaymentAction,
		&req.Status,
		&req.CreatedAt,
		&req.ExpiresAt,
		&req.RespondedAt,
		&req.ResponseMessage,
		&req.RejectionReason,
		&req.RefundTransactionID,
		&req.ReviewedByAdminID,
		&req.AdminReviewedAt,
		&req.AdminNotes,
		&req.UpdatedAt,
	)
	if err != nil {
		return Request{}, err
	}
	if amount.Valid {
		v := amount.Decimal
		req.AgreedRefundAmount = &v
	}
	return req, nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(*d)
}

func nullText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func statusStrings(in []Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
