package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// OutboundPublisher publishes vault events to NATS for downstream consumers
// once they are persisted. Subjects are vault.events.<event_type>.<asset>.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableEvent
}

// PublishableEvent is a persisted event ready for outbound publishing.
type PublishableEvent struct {
	Sequence  int64           `json:"sequence"`
	EventID   string          `json:"event_id"`
	CommandID string          `json:"command_id"`
	EventType string          `json:"event_type"`
	AssetID   string          `json:"asset_id"`
	Payload   json.RawMessage `json:"payload"`
	StateHash string          `json:"state_hash"`
	Timestamp time.Time       `json:"timestamp"`
}

// HexHash renders a state hash for the wire.
func HexHash(h [32]byte) string {
	return hex.EncodeToString(h[:])
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableEvent) *OutboundPublisher {
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

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				// downstream consumers can read the event log directly
				log.Printf("WARN: outbound publish failed seq=%d: %v", evt.Sequence, err)
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("vault.events.%s", evt.EventType)
	if evt.AssetID != "" {
		subject = fmt.Sprintf("%s.%s", subject, evt.AssetID)
	}

	// dedup window on the stream keys on the event id
	_, err = op.js.Publish(ctx, subject, data, jetstream.WithMsgID(evt.EventID))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       "VAULT_EVENTS",
		Subjects:   []string{"vault.events.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Println("INFO: ensured outbound stream VAULT_EVENTS")
	return nil
}
