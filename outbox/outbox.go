// Package outbox appends messages to the transactional outbox table so that
// downstream delivery observes exactly the state changes that committed.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"toolshare/db"
)

// Message is a queued outbox entry.
type Message struct {
	Topic   string
	Payload map[string]any
}

// Writer enqueues outbox messages through whatever Querier the caller holds,
// normally the transaction performing the state change.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

// Enqueue inserts one message.
func (w *Writer) Enqueue(ctx context.Context, q db.Querier, topic string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("outbox: empty topic")
	}
	body, err := encode(payload)
	if err != nil {
		return err
	}
	const insertSQL = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := q.Exec(ctx, insertSQL, topic, body); err != nil {
		return fmt.Errorf("outbox: enqueue %s: %w", topic, err)
	}
	return nil
}

func encode(payload map[string]any) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("outbox: marshal payload: %w", err)
	}
	return string(b), nil
}
