package core

import (
	"SpotEngine/internal/event"
	"sync/atomic"
)

// Verdict is what the sequencer must do with an incoming event.
type Verdict int

const (
	// VerdictApply: previous id matches the last applied sequence.
	VerdictApply Verdict = iota
	// VerdictDuplicate: sequence id already applied.
	VerdictDuplicate
	// VerdictGap: previous id is ahead, events are missing.
	VerdictGap
	// VerdictOutOfOrder: previous id is behind but the event is new.
	VerdictOutOfOrder
)

func (v Verdict) String() string {
	switch v {
	case VerdictApply:
		return "apply"
	case VerdictDuplicate:
		return "duplicate"
	case VerdictGap:
		return "gap"
	case VerdictOutOfOrder:
		return "out_of_order"
	default:
		return "unknown"
	}
}

// SequenceValidator classifies events against the last applied sequence id.
type SequenceValidator struct {
	metrics *SequenceMetrics
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		metrics: &SequenceMetrics{},
	}
}

// Classify checks duplicates before gaps: a stale event is ignored even if
// its previous id would also look like a gap.
func (sv *SequenceValidator) Classify(h event.Header, lastSequenceID int64) Verdict {
	switch {
	case h.SequenceID <= lastSequenceID:
		sv.metrics.duplicates.Add(1)
		return VerdictDuplicate
	case h.PreviousID > lastSequenceID:
		sv.metrics.gaps.Add(1)
		return VerdictGap
	case h.PreviousID != lastSequenceID:
		sv.metrics.outOfOrder.Add(1)
		return VerdictOutOfOrder
	default:
		return VerdictApply
	}
}

// Metrics returns the validator's counters.
func (sv *SequenceValidator) Metrics() *SequenceMetrics {
	return sv.metrics
}

// SequenceMetrics counts classifications. Readable from any goroutine.
type SequenceMetrics struct {
	duplicates atomic.Int64
	gaps       atomic.Int64
	outOfOrder atomic.Int64
}

func (m *SequenceMetrics) Duplicates() int64 { return m.duplicates.Load() }
func (m *SequenceMetrics) Gaps() int64       { return m.gaps.Load() }
func (m *SequenceMetrics) OutOfOrder() int64 { return m.outOfOrder.Load() }
