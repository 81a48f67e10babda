package persistence

import (
	"SpotEngine/internal/core"
	"SpotEngine/internal/order"
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Postgres accepts at most this many bind parameters per statement.
const maxBindParams = 65535

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// multiInsert builds multi-row INSERT statements for one table.
type multiInsert struct {
	table    string
	columns  []string
	conflict string
}

var (
	eventLogInsert = multiInsert{
		table:    "event_log.events",
		columns:  []string{"sequence_id", "previous_id", "event_type", "payload", "created_at"},
		conflict: "ON CONFLICT (sequence_id) DO NOTHING",
	}
	appliedInsert = multiInsert{
		table:    "engine.applied_events",
		columns:  []string{"sequence_id", "previous_id", "event_type", "outcome", "reason", "state_hash", "prev_hash", "created_at"},
		conflict: "ON CONFLICT (sequence_id) DO NOTHING",
	}
	fillInsert = multiInsert{
		table: "engine.fills",
		columns: []string{"sequence_id", "fill_index", "taker_order_id", "maker_order_id", "taker_user_id",
			"maker_user_id", "taker_direction", "price", "quantity", "created_at"},
		conflict: "ON CONFLICT (sequence_id, fill_index) DO NOTHING",
	}
	journalInsert = multiInsert{
		table: "engine.journal",
		columns: []string{"journal_id", "sequence_id", "journal_index", "transfer_type", "from_user_id",
			"to_user_id", "asset", "amount"},
		conflict: "ON CONFLICT (journal_id) DO NOTHING",
	}
	// Orders only move forward: a replayed older version never overwrites a newer one.
	orderUpsert = multiInsert{
		table: "engine.orders",
		columns: []string{"order_id", "user_id", "direction", "price", "quantity", "unfilled_quantity",
			"status", "version", "created_at", "updated_at"},
		conflict: `ON CONFLICT (order_id) DO UPDATE SET
			unfilled_quantity = EXCLUDED.unfilled_quantity,
			status = EXCLUDED.status,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at
			WHERE engine.orders.version < EXCLUDED.version`,
	}
)

func (m multiInsert) build(rows [][]any) (string, []any) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(m.table)
	sb.WriteString(" (")
	sb.WriteString(strings.Join(m.columns, ", "))
	sb.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(m.columns))
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j := range m.columns {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", len(args)+j+1)
		}
		sb.WriteByte(')')
		args = append(args, row...)
	}
	sb.WriteByte(' ')
	sb.WriteString(m.conflict)
	return sb.String(), args
}

// exec writes rows in as few statements as the bind parameter limit allows.
func (m multiInsert) exec(ctx context.Context, ex execer, rows [][]any) error {
	perStatement := maxBindParams / len(m.columns)
	for start := 0; start < len(rows); start += perStatement {
		end := min(start+perStatement, len(rows))
		query, args := m.build(rows[start:end])
		if _, err := ex.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert %s: %w", m.table, err)
		}
	}
	return nil
}

// OutputWriter turns sequencer outputs into rows.
type OutputWriter struct{}

func NewOutputWriter() *OutputWriter {
	return &OutputWriter{}
}

// WriteBatch writes every table for the given outputs through ex. Callers
// pass a transaction so a batch lands all or nothing; every statement is
// idempotent so retries and replays are safe.
func (w *OutputWriter) WriteBatch(ctx context.Context, ex execer, outputs []core.CoreOutput) error {
	var (
		events   [][]any
		applied  [][]any
		fills    [][]any
		journals [][]any
		orders   = make(map[int64]order.Snapshot)
	)

	for _, out := range outputs {
		env := out.Envelope
		events = append(events, []any{env.SequenceID, env.PreviousID, env.EventType.String(), string(env.Payload), env.CreatedAt})
		applied = append(applied, []any{
			env.SequenceID, env.PreviousID, env.EventType.String(), env.Outcome.String(), env.Reason,
			env.StateHash[:], env.PrevHash[:], env.CreatedAt,
		})
		for _, f := range out.Fills {
			fills = append(fills, []any{
				f.SequenceID, f.Index, f.TakerOrderID, f.MakerOrderID, f.TakerUserID,
				f.MakerUserID, f.TakerDirection.String(), f.Price, f.Quantity, f.CreatedAt,
			})
		}
		for _, j := range out.Journal {
			journals = append(journals, []any{
				j.JournalID, j.SequenceID, j.Index, j.Type.String(), j.FromUser,
				j.ToUser, j.Asset.String(), j.Amount,
			})
		}
		// One row per order per statement; keep the newest version.
		for _, o := range out.Orders {
			if prev, ok := orders[o.ID]; !ok || prev.Version < o.Version {
				orders[o.ID] = o
			}
		}
	}

	if err := eventLogInsert.exec(ctx, ex, events); err != nil {
		return err
	}
	if err := appliedInsert.exec(ctx, ex, applied); err != nil {
		return err
	}
	if err := fillInsert.exec(ctx, ex, fills); err != nil {
		return err
	}
	if err := journalInsert.exec(ctx, ex, journals); err != nil {
		return err
	}
	return orderUpsert.exec(ctx, ex, orderRows(orders))
}

func orderRows(orders map[int64]order.Snapshot) [][]any {
	rows := make([][]any, 0, len(orders))
	for _, o := range orders {
		rows = append(rows, []any{
			o.ID, o.UserID, o.Direction.String(), o.Price, o.Quantity, o.UnfilledQuantity,
			o.Status.String(), o.Version, o.CreatedAt, o.UpdatedAt,
		})
	}
	return rows
}
