package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// OutboundPublisher publishes applied commands to NATS for downstream
// consumers. Subjects follow the pattern venue.ledger.events.{command_type},
// with the event id appended for market-event commands.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableCommand
}

// PublishableCommand is an applied command ready for outbound publishing.
type PublishableCommand struct {
	Sequence       int64       `json:"sequence"`
	CommandType    string      `json:"command_type"`
	IdempotencyKey string      `json:"idempotency_key"`
	EventID        *uint64     `json:"event_id,omitempty"`
	Result         interface{} `json:"result,omitempty"`
	StateHash      []byte      `json:"state_hash"`
	Timestamp      time.Time   `json:"timestamp"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableCommand) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case cmd, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, cmd); err != nil {
				log.Printf("WARN: outbound publish failed seq=%d: %v", cmd.Sequence, err)
				// Non-fatal: downstream consumers can query the command log directly
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, cmd PublishableCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	subject := fmt.Sprintf("venue.ledger.events.%s", cmd.CommandType)
	if cmd.EventID != nil {
		subject = fmt.Sprintf("%s.%d", subject, *cmd.EventID)
	}

	_, err = op.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "VENUE_LEDGER_EVENTS",
		Subjects:  []string{"venue.ledger.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Println("INFO: ensured outbound stream VENUE_LEDGER_EVENTS")
	return nil
}
