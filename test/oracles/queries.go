package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows while the system is consistent.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_active_closure",
			SQL: `SELECT dispute_id, COUNT(*) FROM mutual_closures
                  WHERE status IN ('pending','under_admin_review')
                  GROUP BY dispute_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_accepted_resolves_dispute",
			SQL: `SELECT mc.id FROM mutual_closures mc
                  JOIN disputes d ON d.id = mc.dispute_id
                  WHERE mc.status = 'accepted' AND mc.reviewed_by_admin_id IS NULL
                    AND (d.status <> 'resolved' OR d.resolution IS DISTINCT FROM 'mutual_agreement')`,
		},
		{
			Name: "O3_created_audit_present",
			SQL: `SELECT mc.id FROM mutual_closures mc
                  WHERE NOT EXISTS (
                      SELECT 1 FROM mutual_closure_audit_logs a
                      WHERE a.closure_id = mc.id AND a.action = 'Created')`,
		},
		{
			Name: "O4_terminal_audit_present",
			SQL: `SELECT mc.id, mc.status FROM mutual_closures mc
                  WHERE mc.status IN ('accepted','rejected','cancelled','expired','admin_blocked')
                    AND NOT EXISTS (
                      SELECT 1 FROM mutual_closure_audit_logs a
                      WHERE a.closure_id = mc.id
                        AND a.action IN ('Accepted','Rejected','Cancelled','Expired','AdminBlock','AdminOverride'))`,
		},
		{
			Name: "O5_refunds_within_payment",
			SQL: `SELECT p.id, p.amount, SUM(r.amount) FROM payments p
                  JOIN payment_refunds r ON r.payment_id = p.id AND r.status <> 'failed'
                  GROUP BY p.id, p.amount HAVING SUM(r.amount) > p.amount`,
		},
		{
			Name: "O6_responded_only_once",
			SQL: `SELECT closure_id FROM mutual_closure_audit_logs
                  WHERE action IN ('Accepted','Rejected','Cancelled','Expired')
                  GROUP BY closure_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O7_refund_outbox_recorded",
			SQL: `SELECT r.id FROM payment_refunds r
                  WHERE NOT EXISTS (
                      SELECT 1 FROM outbox o
                      WHERE o.topic = 'payment.refund_requested' AND o.payload->>'refund_id' = r.id::text)`,
		},
		{
			Name: "O8_audit_append_only_guard",
			SQL: `SELECT 'missing_append_only_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'mutual_closure_audit_logs_no_mutation')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
