package ingestion

import (
	"SpotEngine/internal/event"
	"SpotEngine/internal/observability"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ErrUnreadableSequencedEvent stops the pipeline when a message that carries
// a sequence id cannot be decoded.
var ErrUnreadableSequencedEvent = errors.New("unreadable sequenced event")

const (
	defaultAppendBackoff    = 100 * time.Millisecond
	defaultMaxAppendBackoff = 30 * time.Second
)

// EventAppender stores an event in the durable log before it is applied.
type EventAppender interface {
	AppendEvents(ctx context.Context, events ...event.Event) error
}

// EventProcessor applies events in sequence.
type EventProcessor interface {
	ProcessEvent(ctx context.Context, evt event.Event) error
}

// Pipeline is the sequencer's only caller. It decodes raw messages, records
// them in the event log so a later gap can be filled from it, and applies
// them one at a time. It never moves on to the next message before the
// current one is in the log.
type Pipeline struct {
	rawChan    <-chan RawEvent
	appender   EventAppender
	processor  EventProcessor
	metrics    *observability.Metrics
	logger     zerolog.Logger
	backoff    time.Duration
	maxBackoff time.Duration
}

func NewPipeline(
	rawChan <-chan RawEvent,
	appender EventAppender,
	processor EventProcessor,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Pipeline {
	return &Pipeline{
		rawChan:    rawChan,
		appender:   appender,
		processor:  processor,
		metrics:    metrics,
		logger:     logger,
		backoff:    defaultAppendBackoff,
		maxBackoff: defaultMaxAppendBackoff,
	}
}

// WithAppendBackoff sets the first and the largest wait between append
// retries.
func (p *Pipeline) WithAppendBackoff(initial, maxBackoff time.Duration) *Pipeline {
	p.backoff = initial
	p.maxBackoff = maxBackoff
	return p
}

// Run consumes until ctx is cancelled, rawChan is closed, or a message can
// not be carried through. A sequencer halt is returned wrapping
// core.ErrHalted.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-p.rawChan:
			if !ok {
				return nil
			}
			if err := p.handle(ctx, raw); err != nil {
				return err
			}
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, raw RawEvent) error {
	evt, err := ParseRawEvent(raw)
	if err != nil {
		if p.metrics != nil {
			p.metrics.IngestParseErrors.WithLabelValues(raw.Subject).Inc()
		}
		if seq := PeekSequenceID(raw.Data); seq > 0 {
			p.logger.Error().Err(err).Str("subject", raw.Subject).Int64("sequence_id", seq).Msg("sequenced event is unreadable, stopping ingestion")
			raw.Nak()
			return fmt.Errorf("%w %d: %w", ErrUnreadableSequencedEvent, seq, err)
		}
		p.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping unparseable event")
		raw.Term()
		return nil
	}

	if p.appender != nil {
		if err := p.appendWithRetry(ctx, evt); err != nil {
			raw.Nak()
			return err
		}
	}

	if err := p.processor.ProcessEvent(ctx, evt); err != nil {
		raw.Nak()
		return err
	}
	raw.Ack()
	return nil
}

// appendWithRetry retries with exponential backoff until the append succeeds
// or ctx is cancelled.
func (p *Pipeline) appendWithRetry(ctx context.Context, evt event.Event) error {
	seq := evt.Meta().SequenceID
	backoff := p.backoff

	for attempt := 0; ; attempt++ {
		err := p.appender.AppendEvents(ctx, evt)
		if err == nil {
			if attempt > 0 {
				p.logger.Info().Int64("sequence_id", seq).Int("retries", attempt).Msg("append to event log succeeded")
			}
			return nil
		}

		if p.metrics != nil {
			p.metrics.IngestAppendErrors.Inc()
		}
		p.logger.Error().Err(err).Int64("sequence_id", seq).Int("attempt", attempt).Dur("backoff", backoff).Msg("append to event log failed")

		select {
		case <-ctx.Done():
			return fmt.Errorf("append event %d: %w", seq, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > p.maxBackoff {
			backoff = p.maxBackoff
		}
	}
}
