package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	// EventStream carries sequenced input events.
	EventStream = "SPOT_EVENTS"
	// EventSubjects is the filter for every input subject, e.g. spot.events.orders.
	EventSubjects = "spot.events.>"
	// EventConsumer is the durable consumer name. There is exactly one so
	// messages arrive in stream order.
	EventConsumer = "spot-engine"
)

// RawEvent is an undecoded message plus the callbacks that settle it.
type RawEvent struct {
	Subject    string
	Data       []byte
	ReceivedAt time.Time
	AckFunc    func() // processed, do not redeliver
	NakFunc    func() // redeliver later
	TermFunc   func() // never redeliver, the message is unusable
}

func (r RawEvent) Ack() {
	if r.AckFunc != nil {
		r.AckFunc()
	}
}

func (r RawEvent) Nak() {
	if r.NakFunc != nil {
		r.NakFunc()
	}
}

func (r RawEvent) Term() {
	if r.TermFunc != nil {
		r.TermFunc()
	}
}

// NATSSubscriber feeds JetStream messages into rawChan in stream order.
type NATSSubscriber struct {
	js       jetstream.JetStream
	rawChan  chan<- RawEvent
	consumer jetstream.ConsumeContext
	logger   zerolog.Logger
}

func NewNATSSubscriber(js jetstream.JetStream, rawChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		rawChan: rawChan,
		logger:  logger,
	}
}

// EventConsumerConfig is the durable consumer behind Subscribe. Explicit
// ack, max_deliver=5, ack_wait=30s, and one unacked message at a time so
// nothing newer is delivered while an event waits for redelivery.
func EventConsumerConfig() jetstream.ConsumerConfig {
	return jetstream.ConsumerConfig{
		Durable:       EventConsumer,
		FilterSubject: EventSubjects,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		MaxAckPending: 1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}
}

// Subscribe creates the durable consumer and starts delivery.
func (ns *NATSSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ns.js.CreateOrUpdateConsumer(ctx, EventStream, EventConsumerConfig())
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", EventConsumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		raw := RawEvent{
			Subject:    msg.Subject(),
			Data:       msg.Data(),
			ReceivedAt: time.Now(),
			AckFunc:    func() { msg.Ack() },
			NakFunc:    func() { msg.Nak() },
			TermFunc:   func() { msg.Term() },
		}

		select {
		case ns.rawChan <- raw:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", EventConsumer, err)
	}

	ns.consumer = cc
	ns.logger.Info().Str("subject", EventSubjects).Str("consumer", EventConsumer).Msg("subscribed")
	return nil
}

// EnsureStreams creates the input and result streams if they are missing.
// Both use file storage with limits retention and a 72h max age.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      EventStream,
			Subjects:  []string{EventSubjects},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:       ResultStream,
			Subjects:   []string{ResultSubjectPrefix + ">"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Replicas:   1,
			Duplicates: 10 * time.Minute,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// Stop halts delivery. Messages already handed to rawChan are unaffected.
func (ns *NATSSubscriber) Stop() {
	if ns.consumer != nil {
		ns.consumer.Stop()
	}
	ns.logger.Info().Msg("NATS subscriber stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("spotengine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
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
