package core

import (
	"SpotEngine/internal/event"
	"SpotEngine/internal/ledger"
	"SpotEngine/internal/order"
	"fmt"
)

// dispatcher applies a single event to the sequencer's state and collects
// what the event produced. A returned error means state may be partially
// mutated and the sequencer must halt; business refusals are recorded as a
// rejected outcome instead.
type dispatcher struct {
	s *Sequencer

	outcome event.Outcome
	reason  string
	fills   []FillRecord
	orders  []order.Snapshot
}

func (d *dispatcher) reject(reason string) {
	d.outcome = event.OutcomeRejected
	d.reason = reason
}

func (d *dispatcher) OnOrderRequest(e *event.OrderRequest) error {
	s := d.s
	o, ok, err := s.registry.CreateOrder(e.SequenceID, e.CreatedAt, e.SequenceID, e.UserID, e.Direction, e.Price, e.Quantity)
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	if !ok {
		d.reject(event.ReasonInsufficientFunds)
		return nil
	}

	result, err := s.engine.ProcessOrder(e.SequenceID, o)
	if err != nil {
		return fmt.Errorf("match order %d: %w", o.ID, err)
	}
	if err := s.clearing.clearMatchResult(result); err != nil {
		return fmt.Errorf("clear order %d: %w", o.ID, err)
	}

	d.orders = append(d.orders, o.Snapshot())
	for i, f := range result.Fills {
		d.orders = append(d.orders, f.Maker.Snapshot())
		d.fills = append(d.fills, FillRecord{
			SequenceID:     e.SequenceID,
			Index:          i,
			TakerOrderID:   o.ID,
			MakerOrderID:   f.Maker.ID,
			TakerUserID:    o.UserID,
			MakerUserID:    f.Maker.UserID,
			TakerDirection: o.Direction,
			Price:          f.Price,
			Quantity:       f.Quantity,
			CreatedAt:      e.CreatedAt,
		})
	}
	return nil
}

func (d *dispatcher) OnOrderCancel(e *event.OrderCancel) error {
	s := d.s
	o, ok := s.registry.GetOrder(e.OrderID)
	if !ok {
		d.reject(event.ReasonOrderNotFound)
		return nil
	}
	if e.UserID != 0 && o.UserID != e.UserID {
		d.reject(event.ReasonNotOrderOwner)
		return nil
	}

	if err := s.engine.CancelOrder(e.CreatedAt, o); err != nil {
		return fmt.Errorf("cancel order %d: %w", o.ID, err)
	}
	if err := s.clearing.clearCancelOrder(o); err != nil {
		return err
	}
	d.orders = append(d.orders, o.Snapshot())
	return nil
}

func (d *dispatcher) OnTransfer(e *event.Transfer) error {
	ok, err := d.s.ledger.TryTransfer(ledger.AvailableToAvailable, e.FromUserID, e.ToUserID, e.Asset, e.Amount, e.CheckBalance)
	if err != nil {
		return fmt.Errorf("transfer %d->%d: %w", e.FromUserID, e.ToUserID, err)
	}
	if !ok {
		d.reject(event.ReasonInsufficientFunds)
	}
	return nil
}
