package ingestion_test

import (
	"SpotEngine/internal/core"
	"SpotEngine/internal/event"
	"SpotEngine/internal/ingestion"
	"SpotEngine/internal/ledger"
	"SpotEngine/internal/observability"
	"SpotEngine/internal/order"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ts = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

func hdr(seq int64) event.Header {
	return event.Header{SequenceID: seq, PreviousID: seq - 1, CreatedAt: ts}
}

func encode(t *testing.T, e event.Event) []byte {
	t.Helper()
	data, err := event.Marshal(e)
	require.NoError(t, err)
	return data
}

// settled records how a RawEvent was acknowledged.
type settled struct {
	acks, naks, terms int
}

func (s *settled) raw(subject string, data []byte) ingestion.RawEvent {
	return ingestion.RawEvent{
		Subject:  subject,
		Data:     data,
		AckFunc:  func() { s.acks++ },
		NakFunc:  func() { s.naks++ },
		TermFunc: func() { s.terms++ },
	}
}

// --- Parser ---

func TestParseRawEvent_Valid(t *testing.T) {
	in := &event.OrderRequest{Header: hdr(4), UserID: 7, Direction: order.Sell,
		Price: decimal.NewFromInt(30000), Quantity: decimal.RequireFromString("0.25")}

	evt, err := ingestion.ParseRawEvent(ingestion.RawEvent{Data: encode(t, in)})
	require.NoError(t, err)
	got, ok := evt.(*event.OrderRequest)
	require.True(t, ok)
	assert.Equal(t, int64(7), got.UserID)
	assert.True(t, got.Quantity.Equal(in.Quantity))
}

func TestValidate(t *testing.T) {
	one := decimal.NewFromInt(1)
	tests := []struct {
		name  string
		event event.Event
		ok    bool
	}{
		{"deposit", &event.Transfer{Header: hdr(1), FromUserID: ledger.DebtUserID, ToUserID: 5, Asset: ledger.AssetUSD, Amount: one}, true},
		{"checked transfer", &event.Transfer{Header: hdr(2), FromUserID: 5, ToUserID: 6, Asset: ledger.AssetBTC, Amount: one, CheckBalance: true}, true},
		{"unchecked transfer from user", &event.Transfer{Header: hdr(2), FromUserID: 5, ToUserID: 6, Asset: ledger.AssetBTC, Amount: one}, false},
		{"zero amount", &event.Transfer{Header: hdr(2), FromUserID: 5, ToUserID: 6, Asset: ledger.AssetBTC, Amount: decimal.Zero, CheckBalance: true}, false},
		{"unknown asset", &event.Transfer{Header: hdr(2), FromUserID: 5, ToUserID: 6, Asset: ledger.AssetUnknown, Amount: one, CheckBalance: true}, false},
		{"order", &event.OrderRequest{Header: hdr(3), UserID: 5, Direction: order.Buy, Price: one, Quantity: one}, true},
		{"order without direction", &event.OrderRequest{Header: hdr(3), UserID: 5, Price: one, Quantity: one}, false},
		{"order negative price", &event.OrderRequest{Header: hdr(3), UserID: 5, Direction: order.Buy, Price: one.Neg(), Quantity: one}, false},
		{"order zero quantity", &event.OrderRequest{Header: hdr(3), UserID: 5, Direction: order.Buy, Price: one, Quantity: decimal.Zero}, false},
		{"admin cancel", &event.OrderCancel{Header: hdr(4), OrderID: 3}, true},
		{"cancel without order", &event.OrderCancel{Header: hdr(4), UserID: 5}, false},
		{"zero sequence", &event.OrderCancel{Header: event.Header{CreatedAt: ts}, OrderID: 3}, false},
		{"previous not behind", &event.OrderCancel{Header: event.Header{SequenceID: 4, PreviousID: 4, CreatedAt: ts}, OrderID: 3}, false},
		{"no timestamp", &event.OrderCancel{Header: event.Header{SequenceID: 4, PreviousID: 3}, OrderID: 3}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ingestion.Validate(tt.event)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ingestion.ErrInvalidEvent)
			}
		})
	}
}

func TestParseRawEvent_Garbage(t *testing.T) {
	_, err := ingestion.ParseRawEvent(ingestion.RawEvent{Data: []byte(`{"type":"Deposit"}`)})
	assert.ErrorIs(t, err, ingestion.ErrInvalidEvent)
}

// --- Pipeline ---

type fakeAppender struct {
	appended []int64
	err      error
}

func (f *fakeAppender) AppendEvents(_ context.Context, events ...event.Event) error {
	if f.err != nil {
		return f.err
	}
	for _, e := range events {
		f.appended = append(f.appended, e.Meta().SequenceID)
	}
	return nil
}

type fakeProcessor struct {
	processed []int64
	errAt     map[int64]error
}

func (f *fakeProcessor) ProcessEvent(_ context.Context, evt event.Event) error {
	seq := evt.Meta().SequenceID
	if err := f.errAt[seq]; err != nil {
		return err
	}
	f.processed = append(f.processed, seq)
	return nil
}

func runPipeline(t *testing.T, appender ingestion.EventAppender, proc ingestion.EventProcessor, raws ...ingestion.RawEvent) (*observability.Metrics, error) {
	t.Helper()
	ch := make(chan ingestion.RawEvent, len(raws))
	for _, r := range raws {
		ch <- r
	}
	close(ch)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	p := ingestion.NewPipeline(ch, appender, proc, metrics, zerolog.Nop())
	return metrics, p.Run(context.Background())
}

func TestPipeline_AppendsThenProcesses(t *testing.T) {
	var s settled
	app := &fakeAppender{}
	proc := &fakeProcessor{}

	deposit := &event.Transfer{Header: hdr(1), FromUserID: ledger.DebtUserID, ToUserID: 5, Asset: ledger.AssetUSD, Amount: decimal.NewFromInt(10)}
	cancel := &event.OrderCancel{Header: hdr(2), OrderID: 1}
	metrics, err := runPipeline(t, app, proc,
		s.raw("spot.events.transfers", encode(t, deposit)),
		s.raw("spot.events.bogus", []byte(`not json`)),
		s.raw("spot.events.orders", encode(t, cancel)),
	)
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2}, app.appended)
	assert.Equal(t, []int64{1, 2}, proc.processed)
	assert.Equal(t, 2, s.acks)
	assert.Equal(t, 1, s.terms)
	assert.Equal(t, 0, s.naks)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.IngestParseErrors.WithLabelValues("spot.events.bogus")))
}

func TestPipeline_AppendFailureNeverSkipsAhead(t *testing.T) {
	var s settled
	proc := &fakeProcessor{}
	ch := make(chan ingestion.RawEvent, 2)
	ch <- s.raw("spot.events.orders", encode(t, &event.OrderCancel{Header: hdr(1), OrderID: 1}))
	ch <- s.raw("spot.events.orders", encode(t, &event.OrderCancel{Header: hdr(2), OrderID: 1}))
	close(ch)

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	p := ingestion.NewPipeline(ch, &fakeAppender{err: errors.New("db down")}, proc, metrics, zerolog.Nop()).
		WithAppendBackoff(time.Millisecond, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := p.Run(ctx)

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, proc.processed)
	assert.Equal(t, 1, s.naks)
	assert.Equal(t, 0, s.acks)
	assert.Len(t, ch, 1, "the next message is still queued")
	assert.Greater(t, testutil.ToFloat64(metrics.IngestAppendErrors), 1.0)
}

// memoryLog is an event log that can fail chosen appends once.
type memoryLog struct {
	events []event.Event
	failAt map[int64]bool
}

func (m *memoryLog) AppendEvents(_ context.Context, events ...event.Event) error {
	for _, e := range events {
		seq := e.Meta().SequenceID
		if m.failAt[seq] {
			delete(m.failAt, seq)
			return fmt.Errorf("append %d: connection reset", seq)
		}
		for _, have := range m.events {
			if have.Meta().SequenceID == seq {
				return nil
			}
		}
		m.events = append(m.events, e)
	}
	return nil
}

func (m *memoryLog) LoadEventsSince(_ context.Context, sequenceID int64) ([]event.Event, error) {
	var out []event.Event
	for _, e := range m.events {
		if e.Meta().SequenceID > sequenceID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memoryLog) sequenceIDs() []int64 {
	ids := make([]int64, 0, len(m.events))
	for _, e := range m.events {
		ids = append(ids, e.Meta().SequenceID)
	}
	return ids
}

func TestPipeline_TransientAppendFailureKeepsSequencerRunning(t *testing.T) {
	var s settled
	log := &memoryLog{failAt: map[int64]bool{2: true}}
	seq := core.NewSequencer(core.Options{Loader: log, Logger: zerolog.Nop()})

	var raws []ingestion.RawEvent
	for i := int64(1); i <= 3; i++ {
		deposit := &event.Transfer{Header: hdr(i), FromUserID: ledger.DebtUserID, ToUserID: 5, Asset: ledger.AssetUSD, Amount: decimal.NewFromInt(10)}
		raws = append(raws, s.raw("spot.events.transfers", encode(t, deposit)))
	}
	// A redelivery of 2 arrives after 3.
	raws = append(raws, raws[1])

	ch := make(chan ingestion.RawEvent, len(raws))
	for _, r := range raws {
		ch <- r
	}
	close(ch)
	p := ingestion.NewPipeline(ch, log, seq, observability.NewMetrics(prometheus.NewRegistry()), zerolog.Nop()).
		WithAppendBackoff(time.Millisecond, time.Millisecond)

	require.NoError(t, p.Run(context.Background()))
	assert.False(t, seq.Halted())
	assert.Equal(t, int64(3), seq.LastSequenceID())
	assert.Equal(t, []int64{1, 2, 3}, log.sequenceIDs())
	assert.Equal(t, 4, s.acks)
	assert.Equal(t, 0, s.naks)
	assert.True(t, seq.GetBalance(5, ledger.AssetUSD).Available.Equal(decimal.NewFromInt(30)))

	// The log alone rebuilds the same state.
	replica := core.NewSequencer(core.Options{Loader: log, Logger: zerolog.Nop()})
	n, err := replica.Replay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, seq.StateHash(), replica.StateHash())
}

func TestPipeline_StopsOnUnreadableSequencedEvent(t *testing.T) {
	var s settled
	app := &fakeAppender{}
	proc := &fakeProcessor{}

	metrics, err := runPipeline(t, app, proc,
		s.raw("spot.events.orders", encode(t, &event.OrderCancel{Header: hdr(1), OrderID: 1})),
		s.raw("spot.events.orders", []byte(`{"type":"OrderCancel","sequence_id":2,"previous_id":1,"payload":{"order_id":"x"}}`)),
		s.raw("spot.events.orders", encode(t, &event.OrderCancel{Header: hdr(3), OrderID: 1})),
	)

	require.ErrorIs(t, err, ingestion.ErrUnreadableSequencedEvent)
	assert.Contains(t, err.Error(), " 2:")
	assert.Equal(t, []int64{1}, app.appended)
	assert.Equal(t, []int64{1}, proc.processed)
	assert.Equal(t, 1, s.acks)
	assert.Equal(t, 1, s.naks)
	assert.Equal(t, 0, s.terms)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.IngestParseErrors.WithLabelValues("spot.events.orders")))
}

func TestPeekSequenceID(t *testing.T) {
	assert.Equal(t, int64(9), ingestion.PeekSequenceID([]byte(`{"sequence_id":9,"type":"Nope"}`)))
	assert.Equal(t, int64(0), ingestion.PeekSequenceID([]byte(`{"type":"Transfer"}`)))
	assert.Equal(t, int64(0), ingestion.PeekSequenceID([]byte(`not json`)))
}

func TestEventConsumerConfig_OneMessageInFlight(t *testing.T) {
	cfg := ingestion.EventConsumerConfig()
	assert.Equal(t, 1, cfg.MaxAckPending)
	assert.Equal(t, jetstream.AckExplicitPolicy, cfg.AckPolicy)
	assert.Equal(t, ingestion.EventConsumer, cfg.Durable)
}

func TestPipeline_StopsWhenSequencerHalts(t *testing.T) {
	var s settled
	proc := &fakeProcessor{errAt: map[int64]error{
		2: fmt.Errorf("%w: gap", core.ErrHalted),
	}}

	_, err := runPipeline(t, nil, proc,
		s.raw("a", encode(t, &event.OrderCancel{Header: hdr(1), OrderID: 1})),
		s.raw("a", encode(t, &event.OrderCancel{Header: hdr(2), OrderID: 1})),
		s.raw("a", encode(t, &event.OrderCancel{Header: hdr(3), OrderID: 1})),
	)
	require.ErrorIs(t, err, core.ErrHalted)
	assert.Equal(t, []int64{1}, proc.processed)
	assert.Equal(t, 1, s.acks)
	assert.Equal(t, 1, s.naks)
}

func TestPipeline_FeedsRealSequencer(t *testing.T) {
	var s settled
	seq := core.NewSequencer(core.Options{Logger: zerolog.Nop()})

	events := []event.Event{
		&event.Transfer{Header: hdr(1), FromUserID: ledger.DebtUserID, ToUserID: 5, Asset: ledger.AssetBTC, Amount: decimal.NewFromInt(2)},
		&event.OrderRequest{Header: hdr(2), UserID: 5, Direction: order.Sell, Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1)},
	}
	var raws []ingestion.RawEvent
	for _, e := range events {
		raws = append(raws, s.raw("spot.events.x", encode(t, e)))
	}
	// Redelivery of an applied event is acknowledged as a duplicate.
	raws = append(raws, raws[0])

	_, err := runPipeline(t, nil, seq, raws...)
	require.NoError(t, err)
	assert.Equal(t, 3, s.acks)
	assert.Equal(t, int64(2), seq.LastSequenceID())
	bal := seq.GetBalance(5, ledger.AssetBTC)
	assert.True(t, bal.Frozen.Equal(decimal.NewFromInt(1)))
}

// --- Publisher ---

type published struct {
	subject string
	data    []byte
	opts    int
}

type fakeJetStream struct {
	msgs []published
	err  error
}

func (f *fakeJetStream) Publish(_ context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, published{subject: subject, data: payload, opts: len(opts)})
	return &jetstream.PubAck{Stream: ingestion.ResultStream, Sequence: uint64(len(f.msgs))}, nil
}

func sequencerOutputs(t *testing.T) []core.CoreOutput {
	t.Helper()
	out := make(chan core.CoreOutput, 8)
	seq := core.NewSequencer(core.Options{PublishChan: out, Logger: zerolog.Nop()})
	events := []event.Event{
		&event.Transfer{Header: hdr(1), FromUserID: ledger.DebtUserID, ToUserID: 5, Asset: ledger.AssetBTC, Amount: decimal.NewFromInt(1)},
		&event.Transfer{Header: hdr(2), FromUserID: ledger.DebtUserID, ToUserID: 6, Asset: ledger.AssetUSD, Amount: decimal.NewFromInt(500)},
		&event.OrderRequest{Header: hdr(3), UserID: 5, Direction: order.Sell, Price: decimal.NewFromInt(400), Quantity: decimal.NewFromInt(1)},
		&event.OrderRequest{Header: hdr(4), UserID: 6, Direction: order.Buy, Price: decimal.NewFromInt(500), Quantity: decimal.NewFromInt(1)},
	}
	for _, e := range events {
		require.NoError(t, seq.ProcessEvent(context.Background(), e))
	}
	close(out)
	var outputs []core.CoreOutput
	for o := range out {
		outputs = append(outputs, o)
	}
	return outputs
}

func TestOutboundPublisher_PublishesResults(t *testing.T) {
	outputs := sequencerOutputs(t)
	require.Len(t, outputs, 4)

	ch := make(chan core.CoreOutput, len(outputs))
	for _, o := range outputs {
		ch <- o
	}
	close(ch)

	js := &fakeJetStream{}
	pub := ingestion.NewOutboundPublisher(js, ch, observability.NewMetrics(prometheus.NewRegistry()), zerolog.Nop())
	require.NoError(t, pub.Run(context.Background()))

	require.Len(t, js.msgs, 4)
	assert.Equal(t, "spot.engine.results.transfer", js.msgs[0].subject)
	assert.Equal(t, "spot.engine.results.orderrequest", js.msgs[3].subject)
	assert.Equal(t, 1, js.msgs[3].opts, "message id set for dedup")

	var msg ingestion.ResultMessage
	require.NoError(t, json.Unmarshal(js.msgs[3].data, &msg))
	assert.Equal(t, int64(4), msg.SequenceID)
	assert.Equal(t, "accepted", msg.Outcome)
	require.Len(t, msg.Fills, 1)
	assert.True(t, msg.Fills[0].Price.Equal(decimal.NewFromInt(400)))
	assert.Len(t, msg.StateHash, 64)
	assert.Len(t, msg.Orders, 2)
	// Freeze, refund and two settlement legs.
	assert.Len(t, msg.Transfers, 4)
}

func TestOutboundPublisher_CountsErrors(t *testing.T) {
	outputs := sequencerOutputs(t)
	ch := make(chan core.CoreOutput, 1)
	ch <- outputs[0]
	close(ch)

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	pub := ingestion.NewOutboundPublisher(&fakeJetStream{err: errors.New("no responders")}, ch, metrics, zerolog.Nop())
	require.NoError(t, pub.Run(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PublishErrors))
}

// --- Admin ingest ---

func TestAdminIngestService_Submit(t *testing.T) {
	ch := make(chan ingestion.RawEvent, 1)
	svc := ingestion.NewAdminIngestService(ch)

	seq, err := svc.SubmitEvent(context.Background(), &event.OrderCancel{Header: hdr(9), OrderID: 3})
	require.NoError(t, err)
	assert.Equal(t, int64(9), seq)

	raw := <-ch
	assert.Equal(t, ingestion.AdminSubject, raw.Subject)
	// Admin events have nobody to acknowledge.
	raw.Ack()
	raw.Nak()
}

func TestAdminIngestService_RejectsInvalid(t *testing.T) {
	ch := make(chan ingestion.RawEvent, 1)
	svc := ingestion.NewAdminIngestService(ch)

	_, err := svc.SubmitEvent(context.Background(), &event.OrderCancel{Header: hdr(9)})
	require.ErrorIs(t, err, ingestion.ErrInvalidEvent)
	assert.Empty(t, ch)
}

func TestAdminIngestService_HonoursContext(t *testing.T) {
	svc := ingestion.NewAdminIngestService(make(chan ingestion.RawEvent))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.SubmitEvent(ctx, &event.OrderCancel{Header: hdr(9), OrderID: 3})
	assert.ErrorIs(t, err, context.Canceled)
}
