package core

import (
	"SpotEngine/internal/event"
	"SpotEngine/internal/ledger"
	"SpotEngine/internal/match"
	"SpotEngine/internal/observability"
	"SpotEngine/internal/order"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrHalted is returned for every event once the sequencer has hit a fault
// it cannot recover from. The state is left as of the last applied event.
var ErrHalted = errors.New("sequencer halted")

// EventLoader reads the durable event log. Events must come back in
// ascending sequence order, starting after sequenceID.
type EventLoader interface {
	LoadEventsSince(ctx context.Context, sequenceID int64) ([]event.Event, error)
}

type Options struct {
	// Loader fills sequence gaps and drives Replay. Without one every gap is fatal.
	Loader EventLoader

	// PersistChan receives every output with a blocking send.
	PersistChan chan<- CoreOutput
	// PublishChan receives outputs when there is room; full means drop.
	PublishChan chan<- CoreOutput

	Metrics *observability.Metrics
	Logger  zerolog.Logger

	// Debug runs Validate after every event and halts on the first violation.
	Debug bool
}

// Sequencer is the single writer over the ledger, the registry and the
// match engine. ProcessEvent must be called from one goroutine; the query
// accessors may be called from any.
type Sequencer struct {
	ledger   *ledger.Ledger
	registry *order.Registry
	engine   *match.Engine
	clearing *clearing

	hasher    *StateHasher
	hashMu    sync.RWMutex
	stateHash [32]byte

	validator *SequenceValidator
	loader    EventLoader

	persistChan chan<- CoreOutput
	publishChan chan<- CoreOutput

	metrics *observability.Metrics
	logger  zerolog.Logger
	debug   bool

	lastSequenceID atomic.Int64
	halted         atomic.Bool
	haltMu         sync.Mutex
	haltCause      error

	// replaying is only touched by the writer goroutine.
	replaying bool
}

func NewSequencer(opts Options) *Sequencer {
	l := ledger.NewLedger()
	registry := order.NewRegistry(l)
	hasher := NewStateHasher()

	return &Sequencer{
		ledger:      l,
		registry:    registry,
		engine:      match.NewEngine(),
		clearing:    &clearing{ledger: l, registry: registry},
		hasher:      hasher,
		stateHash:   hasher.GetPrevHash(),
		validator:   NewSequenceValidator(),
		loader:      opts.Loader,
		persistChan: opts.PersistChan,
		publishChan: opts.PublishChan,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		debug:       opts.Debug,
	}
}

// ProcessEvent applies evt if it is the next event in sequence. Stale events
// are ignored. When evt's predecessor has not been seen, the missing range is
// loaded from the event log and applied first. A load that returns nothing,
// or that leaves the gap where it was, halts the sequencer for good, as does
// any other fault that leaves the sequence ambiguous.
func (s *Sequencer) ProcessEvent(ctx context.Context, evt event.Event) error {
	if s.halted.Load() {
		return ErrHalted
	}

	pending := []event.Event{evt}
	recoveredAt := int64(-1)

	for len(pending) > 0 {
		e := pending[0]
		pending = pending[1:]

		h := e.Meta()
		last := s.lastSequenceID.Load()

		switch s.validator.Classify(h, last) {
		case VerdictDuplicate:
			s.logger.Debug().
				Int64("sequence_id", h.SequenceID).
				Int64("last_sequence_id", last).
				Msg("ignoring duplicate event")
			if s.metrics != nil {
				s.metrics.EventDuplicates.Inc()
			}
			continue

		case VerdictGap:
			if s.metrics != nil {
				s.metrics.EventSequenceGap.Inc()
			}
			if recoveredAt == last {
				return s.halt(fmt.Errorf("gap after sequence %d persists after loading the event log", last))
			}
			recoveredAt = last

			loaded, err := s.loadGap(ctx, h, last)
			if err != nil {
				return s.halt(err)
			}
			// Requeue e behind the loaded range: it is a duplicate if the log
			// held it, otherwise it applies or triggers the next page.
			next := make([]event.Event, 0, len(loaded)+1+len(pending))
			next = append(next, loaded...)
			next = append(next, e)
			pending = append(next, pending...)
			continue

		case VerdictOutOfOrder:
			return s.halt(fmt.Errorf("event %d expects previous %d but last applied is %d", h.SequenceID, h.PreviousID, last))
		}

		if err := s.apply(e); err != nil {
			return s.halt(err)
		}
	}
	return nil
}

func (s *Sequencer) loadGap(ctx context.Context, h event.Header, last int64) ([]event.Event, error) {
	s.logger.Warn().
		Int64("sequence_id", h.SequenceID).
		Int64("previous_id", h.PreviousID).
		Int64("last_sequence_id", last).
		Msg("sequence gap, loading event log")

	if s.loader == nil {
		return nil, fmt.Errorf("gap after sequence %d and no event loader configured", last)
	}

	loaded, err := s.loader.LoadEventsSince(ctx, last)
	if err != nil {
		if s.metrics != nil {
			s.metrics.GapRecoveryLoads.WithLabelValues("error").Inc()
		}
		return nil, fmt.Errorf("load events since %d: %w", last, err)
	}
	if len(loaded) == 0 {
		if s.metrics != nil {
			s.metrics.GapRecoveryLoads.WithLabelValues("empty").Inc()
		}
		return nil, fmt.Errorf("gap after sequence %d: event log has nothing newer", last)
	}

	if s.metrics != nil {
		s.metrics.GapRecoveryLoads.WithLabelValues("loaded").Inc()
		s.metrics.ReplayedEvents.Add(float64(len(loaded)))
	}
	s.logger.Info().
		Int("events", len(loaded)).
		Int64("from", loaded[0].Meta().SequenceID).
		Int64("to", loaded[len(loaded)-1].Meta().SequenceID).
		Msg("loaded events to fill gap")
	return loaded, nil
}

// apply dispatches one in-sequence event, advances the sequence and emits
// the output.
func (s *Sequencer) apply(e event.Event) error {
	start := time.Now()
	h := e.Meta()
	eventType := e.EventType().String()

	payload, err := event.MarshalPayload(e)
	if err != nil {
		return fmt.Errorf("encode %s %d: %w", eventType, h.SequenceID, err)
	}

	d := &dispatcher{s: s, outcome: event.OutcomeAccepted}
	if err := e.Dispatch(d); err != nil {
		return fmt.Errorf("apply %s %d: %w", eventType, h.SequenceID, err)
	}

	journal := s.ledger.TakeJournal()
	if s.debug {
		for _, j := range journal {
			if err := j.Validate(); err != nil {
				return fmt.Errorf("after %s %d: %w", eventType, h.SequenceID, err)
			}
		}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("after %s %d: %w", eventType, h.SequenceID, err)
		}
	}

	s.lastSequenceID.Store(h.SequenceID)

	prevHash := s.hasher.GetPrevHash()
	digest := stateDigest(byte(d.outcome), journal, d.orders, s.ledger.GetBalance)
	stateHash := s.hasher.ComputeHash(h.SequenceID, digest)
	s.hashMu.Lock()
	s.stateHash = stateHash
	s.hashMu.Unlock()

	out := CoreOutput{
		Envelope: &event.Envelope{
			SequenceID: h.SequenceID,
			PreviousID: h.PreviousID,
			EventType:  e.EventType(),
			Outcome:    d.outcome,
			Reason:     d.reason,
			CreatedAt:  h.CreatedAt,
			Payload:    payload,
			StateHash:  stateHash,
			PrevHash:   prevHash,
		},
		Fills:    d.fills,
		Journal:  newJournalRecords(h.SequenceID, journal),
		Orders:   d.orders,
		Replayed: s.replaying,
	}
	s.emit(out)

	if d.outcome == event.OutcomeRejected {
		s.logger.Info().
			Int64("sequence_id", h.SequenceID).
			Str("event_type", eventType).
			Str("reason", d.reason).
			Msg("event rejected")
	}
	s.recordMetrics(eventType, d, journal, start)
	return nil
}

// emit hands the output downstream. Persistence gets a blocking send so
// nothing applied is lost; publishing is best effort and skipped on replay.
func (s *Sequencer) emit(out CoreOutput) {
	if s.persistChan != nil {
		s.persistChan <- out
	}
	if s.publishChan == nil || out.Replayed {
		return
	}
	select {
	case s.publishChan <- out:
	default:
		if s.metrics != nil {
			s.metrics.PublishDrops.Inc()
		}
	}
}

func (s *Sequencer) recordMetrics(eventType string, d *dispatcher, journal []ledger.Journal, start time.Time) {
	m := s.metrics
	if m == nil {
		return
	}
	m.CoreEventsApplied.WithLabelValues(eventType, d.outcome.String()).Inc()
	if d.outcome == event.OutcomeRejected {
		m.CoreEventsRejected.WithLabelValues(eventType, d.reason).Inc()
	}
	m.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	m.CoreSequence.Set(float64(s.lastSequenceID.Load()))

	for _, j := range journal {
		m.CoreJournals.WithLabelValues(j.Type.String()).Inc()
	}
	for _, f := range d.fills {
		m.Fills.WithLabelValues(f.TakerDirection.String()).Inc()
		m.FilledVolume.Add(f.Quantity.InexactFloat64())
	}
	if len(d.fills) > 0 {
		m.MarketPrice.Set(s.engine.MarketPrice().InexactFloat64())
	}
	m.RestingOrders.WithLabelValues(order.Buy.String()).Set(float64(s.engine.BuyBook().Len()))
	m.RestingOrders.WithLabelValues(order.Sell.String()).Set(float64(s.engine.SellBook().Len()))

	if s.persistChan != nil {
		m.SetChannelMetrics("persist", len(s.persistChan), cap(s.persistChan))
	}
	if s.publishChan != nil {
		m.SetChannelMetrics("publish", len(s.publishChan), cap(s.publishChan))
	}
}

func (s *Sequencer) halt(cause error) error {
	s.haltMu.Lock()
	if s.haltCause == nil {
		s.haltCause = cause
	}
	s.haltMu.Unlock()
	s.halted.Store(true)

	if s.metrics != nil {
		s.metrics.CoreHalted.Set(1)
	}
	s.logger.Error().
		Err(cause).
		Int64("last_sequence_id", s.lastSequenceID.Load()).
		Msg("sequencer halted")
	return fmt.Errorf("%w: %w", ErrHalted, cause)
}

// Replay applies the whole event log from the current sequence onward and
// returns how many events it loaded. Outputs are marked Replayed and are not
// published.
func (s *Sequencer) Replay(ctx context.Context) (int, error) {
	if s.loader == nil {
		return 0, nil
	}
	s.replaying = true
	defer func() { s.replaying = false }()

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		last := s.lastSequenceID.Load()
		events, err := s.loader.LoadEventsSince(ctx, last)
		if err != nil {
			return total, fmt.Errorf("replay since %d: %w", last, err)
		}
		if len(events) == 0 {
			break
		}
		for _, e := range events {
			if err := s.ProcessEvent(ctx, e); err != nil {
				return total, err
			}
		}
		total += len(events)
		if s.metrics != nil {
			s.metrics.ReplayedEvents.Add(float64(len(events)))
		}
		if s.lastSequenceID.Load() == last {
			return total, fmt.Errorf("replay made no progress past sequence %d", last)
		}
	}

	s.logger.Info().
		Int("events", total).
		Int64("last_sequence_id", s.lastSequenceID.Load()).
		Msg("replay complete")
	return total, nil
}

// --- Query accessors. Safe from any goroutine. ---

func (s *Sequencer) LastSequenceID() int64 {
	return s.lastSequenceID.Load()
}

func (s *Sequencer) Halted() bool {
	return s.halted.Load()
}

// HaltCause returns the fault that halted the sequencer, or nil.
func (s *Sequencer) HaltCause() error {
	s.haltMu.Lock()
	defer s.haltMu.Unlock()
	return s.haltCause
}

// StateHash returns the hash chain tip after the last applied event.
func (s *Sequencer) StateHash() [32]byte {
	s.hashMu.RLock()
	defer s.hashMu.RUnlock()
	return s.stateHash
}

func (s *Sequencer) GetBalance(userID int64, asset ledger.Asset) ledger.Balance {
	return s.ledger.GetBalance(userID, asset)
}

func (s *Sequencer) GetBalances(userID int64) map[ledger.Asset]ledger.Balance {
	return s.ledger.GetBalances(userID)
}

// TotalByAsset sums every account per asset. Each is zero while the ledger conserves funds.
func (s *Sequencer) TotalByAsset() map[ledger.Asset]decimal.Decimal {
	return s.ledger.TotalByAsset()
}

func (s *Sequencer) GetOrder(orderID int64) (order.Snapshot, bool) {
	o, ok := s.registry.GetOrder(orderID)
	if !ok {
		return order.Snapshot{}, false
	}
	return o.Snapshot(), true
}

func (s *Sequencer) GetUserOrders(userID int64) []order.Snapshot {
	orders := s.registry.GetUserOrders(userID)
	out := make([]order.Snapshot, len(orders))
	for i, o := range orders {
		out[i] = o.Snapshot()
	}
	return out
}

func (s *Sequencer) Depth(maxLevels int) match.Depth {
	return s.engine.Depth(maxLevels)
}

// SequenceMetrics exposes the duplicate and gap counters.
func (s *Sequencer) SequenceMetrics() *SequenceMetrics {
	return s.validator.Metrics()
}
