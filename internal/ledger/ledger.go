// Package ledger is the append-only per-entity event history.
package ledger

import (
	"context"
	"fmt"
	"iter"

	"github.com/google/uuid"
	"github.com/ukydev/smartpedals/internal/db"
	"github.com/ukydev/smartpedals/internal/models"
)

// Ledger reads and appends events through a db.Store.
type Ledger struct {
	store db.Store
}

// New creates a ledger on store.
func New(store db.Store) *Ledger {
	return &Ledger{store: store}
}

// Append validates ev and writes it in its own transaction. An empty ID is
// filled with a fresh uuid. The stored event, with its Seq, is returned.
func (l *Ledger) Append(ctx context.Context, ev models.Event) (models.Event, error) {
	var out models.Event
	err := l.store.RunInTx(ctx, func(ctx context.Context, tx db.Tx) error {
		var err error
		out, err = AppendTx(ctx, tx, ev)
		return err
	})
	return out, err
}

// AppendTx writes ev inside an already open transaction, so that an entity
// mutation and its history entries commit together.
func AppendTx(ctx context.Context, tx db.Tx, ev models.Event) (models.Event, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if err := ev.Validate(); err != nil {
		return ev, err
	}
	stored, err := tx.Append(ctx, ev)
	if err != nil {
		return ev, fmt.Errorf("append %s event to %s: %w", ev.Action, ev.Entity, err)
	}
	return stored, nil
}

// History yields the events of ref ordered by (timestamp, seq). Nothing is
// read until the sequence is ranged over, and every range starts a fresh
// query. A read failure is yielded once as the final element.
func (l *Ledger) History(ctx context.Context, ref models.EntityRef, order models.Order) iter.Seq2[models.Event, error] {
	return func(yield func(models.Event, error) bool) {
		cur, err := l.store.Events(ctx, ref, order)
		if err != nil {
			yield(models.Event{}, fmt.Errorf("history of %s: %w", ref, err))
			return
		}
		defer cur.Close(context.Background())

		for cur.Next(ctx) {
			var ev models.Event
			if err := cur.Decode(&ev); err != nil {
				yield(models.Event{}, fmt.Errorf("decode event of %s: %w", ref, err))
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
		if err := cur.Err(); err != nil {
			yield(models.Event{}, fmt.Errorf("history of %s: %w", ref, err))
			return
		}
		if err := ctx.Err(); err != nil {
			yield(models.Event{}, err)
		}
	}
}

// Collect drains a History sequence into a slice.
func Collect(seq iter.Seq2[models.Event, error]) ([]models.Event, error) {
	var out []models.Event
	for ev, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
	return out, nil
}
