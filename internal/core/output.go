package core

import (
	"SpotEngine/internal/event"
	"SpotEngine/internal/ledger"
	"SpotEngine/internal/order"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CoreOutput is everything downstream needs to know about one applied event.
type CoreOutput struct {
	Envelope *event.Envelope
	Fills    []FillRecord
	Journal  []JournalRecord
	// Orders holds the state after the event of every order it touched.
	Orders []order.Snapshot
	// Replayed is set for events re-applied from the event log at startup.
	Replayed bool
}

// FillRecord is one trade, numbered within its sequence.
type FillRecord struct {
	SequenceID     int64           `json:"sequence_id"`
	Index          int             `json:"index"`
	TakerOrderID   int64           `json:"taker_order_id"`
	MakerOrderID   int64           `json:"maker_order_id"`
	TakerUserID    int64           `json:"taker_user_id"`
	MakerUserID    int64           `json:"maker_user_id"`
	TakerDirection order.Direction `json:"taker_direction"`
	Price          decimal.Decimal `json:"price"`
	Quantity       decimal.Decimal `json:"quantity"`
	CreatedAt      time.Time       `json:"created_at"`
}

// JournalRecord is a ledger journal entry with a stable identity.
type JournalRecord struct {
	JournalID  uuid.UUID `json:"journal_id"`
	SequenceID int64     `json:"sequence_id"`
	Index      int       `json:"index"`
	ledger.Journal
}

// journalNamespace roots the name-based journal ids so that re-applying a
// sequence yields the same ids and downstream inserts stay idempotent.
var journalNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:spotengine:journal"))

func journalID(sequenceID int64, index int) uuid.UUID {
	return uuid.NewSHA1(journalNamespace, []byte(fmt.Sprintf("%d/%d", sequenceID, index)))
}

func newJournalRecords(sequenceID int64, entries []ledger.Journal) []JournalRecord {
	if len(entries) == 0 {
		return nil
	}
	out := make([]JournalRecord, len(entries))
	for i, j := range entries {
		out[i] = JournalRecord{
			JournalID:  journalID(sequenceID, i),
			SequenceID: sequenceID,
			Index:      i,
			Journal:    j,
		}
	}
	return out
}
