package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/smartpedals/internal/db"
	"github.com/ukydev/smartpedals/internal/models"
)

func newLedger(t *testing.T) (*Ledger, *db.MemoryStore) {
	t.Helper()
	store := db.NewMemoryStore()
	require.NoError(t, store.RunInTx(context.Background(), func(ctx context.Context, tx db.Tx) error {
		if err := tx.InsertUser(ctx, models.User{RFID: "rfid123"}); err != nil {
			return err
		}
		return tx.InsertBike(ctx, models.Bike{BikeID: "bike001", Status: models.BikeMaintenance})
	}))
	return New(store), store
}

func TestAppend_AssignsIDAndSeq(t *testing.T) {
	l, store := newLedger(t)
	ctx := context.Background()
	ts := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	ev, err := l.Append(ctx, models.Event{
		Entity:    models.EntityRef{Kind: models.KindUser, ID: "rfid123"},
		Action:    models.ActionUndock,
		BikeID:    "bike001",
		RackID:    "rack001",
		Timestamp: ts,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, int64(1), ev.Seq)

	user, err := store.FindUser(ctx, "rfid123")
	require.NoError(t, err)
	assert.Equal(t, []string{ev.ID}, user.History)
}

func TestAppend_Rejects(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		event models.Event
		check func(error) bool
	}{
		{
			name:  "station has no history",
			event: models.Event{Entity: models.EntityRef{Kind: models.KindStation, ID: "station001"}, Action: models.ActionDock, Timestamp: time.Now()},
			check: func(err error) bool { var v *models.ValidationError; return errors.As(err, &v) },
		},
		{
			name:  "unknown action",
			event: models.Event{Entity: models.EntityRef{Kind: models.KindBike, ID: "bike001"}, Action: "teleport", Timestamp: time.Now()},
			check: func(err error) bool { var v *models.ValidationError; return errors.As(err, &v) },
		},
		{
			name:  "unknown entity",
			event: models.Event{Entity: models.EntityRef{Kind: models.KindBike, ID: "ghost"}, Action: models.ActionDock, Timestamp: time.Now()},
			check: models.IsNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Append(ctx, tt.event)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error %v", err)
		})
	}
}

func TestHistory_OrderAndTies(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	ref := models.EntityRef{Kind: models.KindBike, ID: "bike001"}
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	var ids []string
	for _, ts := range []time.Time{base, base.Add(time.Minute), base.Add(time.Minute)} {
		ev, err := l.Append(ctx, models.Event{Entity: ref, Action: models.ActionDock, BikeID: "bike001", Timestamp: ts})
		require.NoError(t, err)
		ids = append(ids, ev.ID)
	}

	oldest, err := Collect(l.History(ctx, ref, models.OldestFirst))
	require.NoError(t, err)
	require.Len(t, oldest, 3)
	for i, ev := range oldest {
		assert.Equal(t, ids[i], ev.ID)
	}

	newest, err := Collect(l.History(ctx, ref, models.NewestFirst))
	require.NoError(t, err)
	require.Len(t, newest, 3)
	assert.Equal(t, ids[2], newest[0].ID)
	assert.Equal(t, ids[0], newest[2].ID)
}

func TestHistory_LazyAndRestartable(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	ref := models.EntityRef{Kind: models.KindBike, ID: "bike001"}

	seq := l.History(ctx, ref, models.OldestFirst)
	_, err := l.Append(ctx, models.Event{Entity: ref, Action: models.ActionDock, Timestamp: time.Now()})
	require.NoError(t, err)

	// Created before the append, read after it.
	first, err := Collect(seq)
	require.NoError(t, err)
	assert.Len(t, first, 1)

	_, err = l.Append(ctx, models.Event{Entity: ref, Action: models.ActionUndock, Timestamp: time.Now().Add(time.Second)})
	require.NoError(t, err)
	second, err := Collect(seq)
	require.NoError(t, err)
	assert.Len(t, second, 2)

	// Early break stops cleanly.
	n := 0
	for range seq {
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestHistory_CanceledContext(t *testing.T) {
	l, _ := newLedger(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Collect(l.History(ctx, models.EntityRef{Kind: models.KindBike, ID: "bike001"}, models.OldestFirst))
	assert.ErrorIs(t, err, context.Canceled)
}
