package ingestion

import (
	"SpotEngine/internal/core"
	"SpotEngine/internal/observability"
	"SpotEngine/internal/order"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	ResultStream        = "SPOT_ENGINE_RESULTS"
	ResultSubjectPrefix = "spot.engine.results."
)

// JetStreamPublisher is the part of jetstream.JetStream the publisher uses.
type JetStreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes sequencer results for downstream consumers.
// Publishing is best effort: the sequencer drops results when this falls
// behind, and consumers that need every result read engine.* in Postgres.
type OutboundPublisher struct {
	js        JetStreamPublisher
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// ResultMessage is the JSON body published per applied event.
type ResultMessage struct {
	SequenceID int64             `json:"sequence_id"`
	PreviousID int64             `json:"previous_id"`
	EventType  string            `json:"event_type"`
	Outcome    string            `json:"outcome"`
	Reason     string            `json:"reason,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	StateHash  string            `json:"state_hash"`
	PrevHash   string            `json:"prev_hash"`
	Fills      []core.FillRecord `json:"fills,omitempty"`
	Transfers  []TransferMessage `json:"transfers,omitempty"`
	Orders     []order.Snapshot  `json:"orders,omitempty"`
	Event      json.RawMessage   `json:"event"`
}

type TransferMessage struct {
	JournalID string          `json:"journal_id"`
	Type      string          `json:"type"`
	FromUser  int64           `json:"from_user_id"`
	ToUser    int64           `json:"to_user_id"`
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
}

func NewOutboundPublisher(js JetStreamPublisher, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run publishes until ctx is cancelled or the input channel is closed.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, out); err != nil {
				op.logger.Warn().Err(err).Int64("sequence_id", out.Envelope.SequenceID).Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.PublishErrors.Inc()
				}
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, out core.CoreOutput) error {
	msg := NewResultMessage(out)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	// The sequence id doubles as the message id so the stream drops republished results.
	_, err = op.js.Publish(ctx, ResultSubject(msg.EventType), data,
		jetstream.WithMsgID(strconv.FormatInt(msg.SequenceID, 10)))
	return err
}

// ResultSubject returns spot.engine.results.<event type, lower case>.
func ResultSubject(eventType string) string {
	return ResultSubjectPrefix + strings.ToLower(eventType)
}

func NewResultMessage(out core.CoreOutput) ResultMessage {
	env := out.Envelope
	msg := ResultMessage{
		SequenceID: env.SequenceID,
		PreviousID: env.PreviousID,
		EventType:  env.EventType.String(),
		Outcome:    env.Outcome.String(),
		Reason:     env.Reason,
		CreatedAt:  env.CreatedAt,
		StateHash:  hex.EncodeToString(env.StateHash[:]),
		PrevHash:   hex.EncodeToString(env.PrevHash[:]),
		Fills:      out.Fills,
		Orders:     out.Orders,
		Event:      json.RawMessage(env.Payload),
	}
	for _, j := range out.Journal {
		msg.Transfers = append(msg.Transfers, TransferMessage{
			JournalID: j.JournalID.String(),
			Type:      j.Type.String(),
			FromUser:  j.FromUser,
			ToUser:    j.ToUser,
			Asset:     j.Asset.String(),
			Amount:    j.Amount,
		})
	}
	return msg
}
