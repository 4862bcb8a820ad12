package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zoff-tech/go-calsync/pkg/schema"
)

// DeadLetterEvent is the JSON document published for every dead-lettered queue item.
type DeadLetterEvent struct {
	ItemID         string           `json:"item_id"`
	WorkspaceID    string           `json:"workspace_id"`
	Operation      schema.Operation `json:"operation"`
	Attempts       int              `json:"attempts"`
	MaxAttempts    int              `json:"max_attempts"`
	Class          string           `json:"class"`
	Error          string           `json:"error"`
	Payload        json.RawMessage  `json:"payload"`
	DeadLetteredAt time.Time        `json:"dead_lettered_at"`
}

// DeadLetterPublisher forwards dead-letter events to a single topic.
type DeadLetterPublisher struct {
	broker MessageBroker
	topic  string
}

func NewDeadLetterPublisher(b MessageBroker, topic string) *DeadLetterPublisher {
	return &DeadLetterPublisher{broker: b, topic: topic}
}

// PublishDeadLetter publishes ev keyed by workspace, so one workspace's events stay ordered.
func (p *DeadLetterPublisher) PublishDeadLetter(ctx context.Context, ev DeadLetterEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter %s: %w", ev.ItemID, err)
	}
	return p.broker.Publish(ctx, &Message{
		Topic:   p.topic,
		Key:     ev.WorkspaceID,
		Payload: body,
		Headers: map[string]string{
			"operation": string(ev.Operation),
			"class":     ev.Class,
		},
	})
}

func (p *DeadLetterPublisher) Close() error {
	return p.broker.Close()
}
