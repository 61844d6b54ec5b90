package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"toolshare/db"
)

// DefaultMaxAttempts bounds delivery retries before a message is parked as dead.
const DefaultMaxAttempts = 10

// Pending is a claimed outbox row awaiting delivery.
type Pending struct {
	ID       string
	Topic    string
	Payload  []byte
	Attempts int
}

// Key picks the partition key: the closure id when present so one closure's
// events stay ordered, otherwise the row id.
func (p Pending) Key() string {
	var body struct {
		ClosureID string `json:"closure_id"`
	}
	if err := json.Unmarshal(p.Payload, &body); err == nil && body.ClosureID != "" {
		return body.ClosureID
	}
	return p.ID
}

// Publisher delivers one message to the broker.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

// Store is the outbox table access the relay needs.
type Store interface {
	ClaimPending(ctx context.Context, q db.Querier, limit int) ([]Pending, error)
	MarkProcessed(ctx context.Context, q db.Querier, id string) error
	MarkFailed(ctx context.Context, q db.Querier, id string, dead bool) error
}

// Relay moves committed outbox rows to the broker. Rows are claimed with
// SKIP LOCKED so several relays can run side by side.
type Relay struct {
	pool        db.TxBeginner
	store       Store
	publisher   Publisher
	batchSize   int
	maxAttempts int
	logger      *slog.Logger
}

type RelayOptions struct {
	BatchSize   int
	MaxAttempts int
	Logger      *slog.Logger
}

func NewRelay(pool db.TxBeginner, store Store, publisher Publisher, opts RelayOptions) *Relay {
	if store == nil {
		store = NewRepository()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Relay{
		pool:        pool,
		store:       store,
		publisher:   publisher,
		batchSize:   opts.BatchSize,
		maxAttempts: opts.MaxAttempts,
		logger:      opts.Logger,
	}
}

// DeliverPending publishes one batch and returns how many messages were
// delivered. Publish failures are recorded on the row, not returned. Once a
// key fails, its later rows in the batch stay pending untouched so the key's
// order holds on the next pass.
func (r *Relay) DeliverPending(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin relay: %w", err)
	}
	defer tx.Rollback(ctx)

	batch, err := r.store.ClaimPending(ctx, tx, r.batchSize)
	if err != nil {
		return 0, err
	}

	delivered := 0
	blocked := map[string]bool{}
	for _, msg := range batch {
		key := msg.Key()
		if blocked[key] {
			r.logger.DebugContext(ctx, "outbox publish deferred behind failed key",
				slog.String("outbox_id", msg.ID),
				slog.String("key", key),
			)
			continue
		}
		if err := r.publisher.Publish(ctx, msg.Topic, key, msg.Payload); err != nil {
			blocked[key] = true
			dead := msg.Attempts+1 >= r.maxAttempts
			r.logger.WarnContext(ctx, "outbox publish failed",
				slog.String("outbox_id", msg.ID),
				slog.String("topic", msg.Topic),
				slog.Int("attempts", msg.Attempts+1),
				slog.Bool("dead", dead),
				slog.Any("error", err),
			)
			if err := r.store.MarkFailed(ctx, tx, msg.ID, dead); err != nil {
				return 0, err
			}
			continue
		}
		if err := r.store.MarkProcessed(ctx, tx, msg.ID); err != nil {
			return 0, err
		}
		delivered++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit relay: %w", err)
	}
	return delivered, nil
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// ClaimPending locks up to limit pending rows, oldest first.
func (r *Repository) ClaimPending(ctx context.Context, q db.Querier, limit int) ([]Pending, error) {
	const query = `
		SELECT id::text, topic, payload::text, attempts
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`

	rows, err := q.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	defer rows.Close()

	out := make([]Pending, 0, limit)
	for rows.Next() {
		var (
			p       Pending
			payload string
		)
		if err := rows.Scan(&p.ID, &p.Topic, &payload, &p.Attempts); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		p.Payload = []byte(payload)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate: %w", err)
	}
	return out, nil
}

func (r *Repository) MarkProcessed(ctx context.Context, q db.Querier, id string) error {
	if _, err := q.Exec(ctx, `UPDATE outbox SET status = 'processed', attempts = attempts + 1 WHERE id = $1`, id); err != nil {
		return fmt.Errorf("outbox: mark processed: %w", err)
	}
	return nil
}

func (r *Repository) MarkFailed(ctx context.Context, q db.Querier, id string, dead bool) error {
	status := "pending"
	if dead {
		status = "dead"
	}
	if _, err := q.Exec(ctx, `UPDATE outbox SET status = $2, attempts = attempts + 1 WHERE id = $1`, id, status); err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}
