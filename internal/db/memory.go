package db

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ukydev/smartpedals/internal/models"
)

// memState is one committed, immutable version of the whole store.
type memState struct {
	users    map[string]models.User
	bikes    map[string]models.Bike
	racks    map[string]models.Rack
	stations map[string]models.Station
	events   map[models.EntityRef][]models.Event
}

func (s *memState) clone() *memState {
	return &memState{
		users:    maps.Clone(s.users),
		bikes:    maps.Clone(s.bikes),
		racks:    maps.Clone(s.racks),
		stations: maps.Clone(s.stations),
		events:   maps.Clone(s.events),
	}
}

// MemoryStore is an in-process Store. Readers load the current snapshot
// without locking; commits validate versions and swap in a new snapshot.
type MemoryStore struct {
	mu    sync.Mutex
	state atomic.Pointer[memState]
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	s.state.Store(&memState{
		users:    map[string]models.User{},
		bikes:    map[string]models.Bike{},
		racks:    map[string]models.Rack{},
		stations: map[string]models.Station{},
		events:   map[models.EntityRef][]models.Event{},
	})
	return s
}

func cloneUser(u models.User) models.User {
	u.History = slices.Clone(u.History)
	return u
}

func cloneBike(b models.Bike) models.Bike {
	b.History = slices.Clone(b.History)
	if b.CurrentUser != nil {
		b.CurrentUser = models.StringPtr(*b.CurrentUser)
	}
	if b.CurrentRack != nil {
		b.CurrentRack = models.StringPtr(*b.CurrentRack)
	}
	return b
}

func cloneRack(r models.Rack) models.Rack {
	r.History = slices.Clone(r.History)
	if r.CurrentBike != nil {
		r.CurrentBike = models.StringPtr(*r.CurrentBike)
	}
	return r
}

func cloneStation(s models.Station) models.Station {
	s.Racks = slices.Clone(s.Racks)
	return s
}

func find[T any](m map[string]T, kind models.EntityKind, key string, clone func(T) T) (*T, error) {
	v, ok := m[key]
	if !ok {
		return nil, &models.NotFoundError{Kind: kind, Key: key}
	}
	v = clone(v)
	return &v, nil
}

func sortedValues[T any](m map[string]T, clone func(T) T, keep func(T) bool) []T {
	keys := slices.Sorted(maps.Keys(m))
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		if keep == nil || keep(m[k]) {
			out = append(out, clone(m[k]))
		}
	}
	return out
}

func (s *MemoryStore) FindUser(ctx context.Context, rfid string) (*models.User, error) {
	return find(s.state.Load().users, models.KindUser, rfid, cloneUser)
}

func (s *MemoryStore) FindBike(ctx context.Context, bikeID string) (*models.Bike, error) {
	return find(s.state.Load().bikes, models.KindBike, bikeID, cloneBike)
}

func (s *MemoryStore) FindRack(ctx context.Context, rackID string) (*models.Rack, error) {
	return find(s.state.Load().racks, models.KindRack, rackID, cloneRack)
}

func (s *MemoryStore) FindStation(ctx context.Context, stationID string) (*models.Station, error) {
	return find(s.state.Load().stations, models.KindStation, stationID, cloneStation)
}

func (s *MemoryStore) ListBikes(ctx context.Context) ([]models.Bike, error) {
	return sortedValues(s.state.Load().bikes, cloneBike, nil), nil
}

func (s *MemoryStore) ListStations(ctx context.Context) ([]models.Station, error) {
	return sortedValues(s.state.Load().stations, cloneStation, nil), nil
}

func (s *MemoryStore) ListRacks(ctx context.Context, stationID string) ([]models.Rack, error) {
	return sortedValues(s.state.Load().racks, cloneRack, func(r models.Rack) bool {
		return r.StationID == stationID
	}), nil
}

// Events returns a cursor over a copy of the stream taken from the current
// snapshot.
func (s *MemoryStore) Events(ctx context.Context, ref models.EntityRef, order models.Order) (EventCursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	evs := slices.Clone(s.state.Load().events[ref])
	sort.SliceStable(evs, func(i, j int) bool { return evs[i].Before(evs[j]) })
	if order == models.NewestFirst {
		slices.Reverse(evs)
	}
	return &sliceCursor{events: evs, pos: -1}, nil
}

// RunInTx runs fn against the snapshot current at call time and commits its
// writes only if none of the touched entities changed meanwhile.
func (s *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := newMemTx(s.state.Load())
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStore) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.state.Load()
	if err := checkOverlay(models.KindUser, tx.users, cur.users, userMeta); err != nil {
		return err
	}
	if err := checkOverlay(models.KindBike, tx.bikes, cur.bikes, bikeMeta); err != nil {
		return err
	}
	if err := checkOverlay(models.KindRack, tx.racks, cur.racks, rackMeta); err != nil {
		return err
	}
	if err := checkOverlay(models.KindStation, tx.stations, cur.stations, stationMeta); err != nil {
		return err
	}

	next := cur.clone()
	applyOverlay(tx.users, next.users)
	applyOverlay(tx.bikes, next.bikes)
	applyOverlay(tx.racks, next.racks)
	applyOverlay(tx.stations, next.stations)
	for _, ev := range tx.events {
		// Clip so that older snapshots never share spare capacity with newer ones.
		next.events[ev.Entity] = append(slices.Clip(next.events[ev.Entity]), ev)
	}
	s.state.Store(next)
	return nil
}

// sliceCursor is an EventCursor over an in-memory slice.
type sliceCursor struct {
	events []models.Event
	pos    int
}

func (c *sliceCursor) Next(ctx context.Context) bool {
	if ctx.Err() != nil || c.pos+1 >= len(c.events) {
		return false
	}
	c.pos++
	return true
}

func (c *sliceCursor) Decode(out interface{}) error {
	ev, ok := out.(*models.Event)
	if !ok {
		return &models.ValidationError{Field: "out", Reason: "must be *models.Event"}
	}
	*ev = c.events[c.pos]
	return nil
}

func (c *sliceCursor) Err() error { return nil }

func (c *sliceCursor) Close(ctx context.Context) error { return nil }
