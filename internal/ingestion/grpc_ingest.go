package ingestion

import (
	"SpotEngine/internal/event"
	"context"
	"fmt"
	"time"
)

// AdminSubject labels events that entered through the admin surface rather
// than the JetStream consumer.
const AdminSubject = "admin.submit"

// AdminIngestService injects already-sequenced events by hand, for operator
// repair and tests. It is not a throughput path: events share the pipeline
// with the NATS consumer and get the same validation and sequencing.
type AdminIngestService struct {
	rawChan chan<- RawEvent
}

func NewAdminIngestService(rawChan chan<- RawEvent) *AdminIngestService {
	return &AdminIngestService{rawChan: rawChan}
}

// Submit validates the wire JSON of one event and queues it for the
// pipeline. It returns the event's sequence id.
func (s *AdminIngestService) Submit(ctx context.Context, data []byte) (int64, error) {
	raw := RawEvent{Subject: AdminSubject, Data: data, ReceivedAt: time.Now()}
	evt, err := ParseRawEvent(raw)
	if err != nil {
		return 0, err
	}

	select {
	case s.rawChan <- raw:
		return evt.Meta().SequenceID, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// SubmitEvent encodes evt and submits it.
func (s *AdminIngestService) SubmitEvent(ctx context.Context, evt event.Event) (int64, error) {
	data, err := event.Marshal(evt)
	if err != nil {
		return 0, fmt.Errorf("encode event: %w", err)
	}
	return s.Submit(ctx, data)
}
