package ingestion

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSSubscriber subscribes to the vault command subjects on JetStream and
// feeds raw messages to the shell, which parses them and submits them to
// the processor. Subjects are vault.<group>.<command_type>.
type NATSSubscriber struct {
	js        jetstream.JetStream
	rawChan   chan<- RawCommand
	consumers []jetstream.ConsumeContext
}

// RawCommand is an undecoded command message
type RawCommand struct {
	Subject    string
	Data       []byte
	ReceivedAt time.Time
	AckFunc    func() // ACK once the processor has applied or rejected it
	NakFunc    func() // NAK on a transient failure (will be redelivered)
}

// CommandType returns the command type token of the subject.
func (r RawCommand) CommandType() string {
	parts := strings.Split(r.Subject, ".")
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}

// SubjectConfig maps a subject filter to a durable consumer
type SubjectConfig struct {
	Subject      string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns one consumer per command group.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "vault.prices.>", ConsumerName: "vault-prices", StreamName: "VAULT_PRICES"},
		{Subject: "vault.pool.>", ConsumerName: "vault-pool", StreamName: "VAULT_POOL"},
		{Subject: "vault.positions.>", ConsumerName: "vault-positions", StreamName: "VAULT_POSITIONS"},
		{Subject: "vault.custody.>", ConsumerName: "vault-custody", StreamName: "VAULT_CUSTODY"},
		{Subject: "vault.admin.>", ConsumerName: "vault-admin", StreamName: "VAULT_ADMIN"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, rawChan chan<- RawCommand) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		rawChan: rawChan,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawCommand{
				Subject:    msg.Subject(),
				Data:       msg.Data(),
				ReceivedAt: time.Now(),
				AckFunc:    func() { msg.Ack() },
				NakFunc:    func() { msg.Nak() },
			}

			select {
			case ns.rawChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		log.Printf("INFO: subscribed to %s (consumer=%s)", cfg.Subject, cfg.ConsumerName)
	}

	return nil
}

// EnsureStreams creates the command streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	for _, sub := range DefaultSubjects() {
		cfg := jetstream.StreamConfig{
			Name:      sub.StreamName,
			Subjects:  []string{sub.Subject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		}
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Printf("INFO: ensured stream %s", cfg.Name)
	}
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	log.Println("INFO: NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("vaultd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
