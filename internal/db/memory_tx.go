package db

import (
	"context"
	"slices"

	"github.com/ukydev/smartpedals/internal/models"
)

// pending is a staged write to one entity. baseVersion and baseSeq record what
// the transaction saw so commit can detect interleaved writers.
type pending[T any] struct {
	val         T
	deleted     bool
	inserted    bool
	baseVersion int64
	baseSeq     int64
}

type metaFunc[T any] func(T) (version, seq int64)

func userMeta(u models.User) (int64, int64)       { return u.Version, u.LedgerSeq }
func bikeMeta(b models.Bike) (int64, int64)       { return b.Version, b.LedgerSeq }
func rackMeta(r models.Rack) (int64, int64)       { return r.Version, r.LedgerSeq }
func stationMeta(s models.Station) (int64, int64) { return s.Version, 0 }

// stage returns the overlay entry for key, seeding it from base on first use.
func stage[T any](ov map[string]*pending[T], base map[string]T, key string, meta metaFunc[T]) (*pending[T], bool) {
	if p, ok := ov[key]; ok {
		return p, !p.deleted
	}
	v, ok := base[key]
	if !ok {
		return nil, false
	}
	ver, seq := meta(v)
	p := &pending[T]{val: v, baseVersion: ver, baseSeq: seq}
	ov[key] = p
	return p, true
}

func lookup[T any](ov map[string]*pending[T], base map[string]T, key string) (T, bool) {
	if p, ok := ov[key]; ok {
		return p.val, !p.deleted
	}
	v, ok := base[key]
	return v, ok
}

func insert[T any](ov map[string]*pending[T], base map[string]T, kind models.EntityKind, key string, val T) error {
	if _, ok := lookup(ov, base, key); ok {
		return &models.DuplicateKeyError{Kind: kind, Key: key}
	}
	if p, ok := ov[key]; ok {
		// Re-created after a delete in the same transaction.
		p.val, p.deleted = val, false
		return nil
	}
	ov[key] = &pending[T]{val: val, inserted: true}
	return nil
}

func checkOverlay[T any](kind models.EntityKind, ov map[string]*pending[T], cur map[string]T, meta metaFunc[T]) error {
	for key, p := range ov {
		v, exists := cur[key]
		if p.inserted {
			if exists {
				return &models.DuplicateKeyError{Kind: kind, Key: key}
			}
			continue
		}
		if !exists {
			return &models.ConcurrentModificationError{Kind: kind, Key: key}
		}
		if ver, seq := meta(v); ver != p.baseVersion || seq != p.baseSeq {
			return &models.ConcurrentModificationError{Kind: kind, Key: key}
		}
	}
	return nil
}

func applyOverlay[T any](ov map[string]*pending[T], m map[string]T) {
	for key, p := range ov {
		if p.deleted {
			delete(m, key)
			continue
		}
		m[key] = p.val
	}
}

// memTx buffers every write until MemoryStore.commit.
type memTx struct {
	base     *memState
	users    map[string]*pending[models.User]
	bikes    map[string]*pending[models.Bike]
	racks    map[string]*pending[models.Rack]
	stations map[string]*pending[models.Station]
	events   []models.Event
}

func newMemTx(base *memState) *memTx {
	return &memTx{
		base:     base,
		users:    map[string]*pending[models.User]{},
		bikes:    map[string]*pending[models.Bike]{},
		racks:    map[string]*pending[models.Rack]{},
		stations: map[string]*pending[models.Station]{},
	}
}

func (t *memTx) User(ctx context.Context, rfid string) (*models.User, error) {
	v, ok := lookup(t.users, t.base.users, rfid)
	if !ok {
		return nil, &models.NotFoundError{Kind: models.KindUser, Key: rfid}
	}
	v = cloneUser(v)
	return &v, nil
}

func (t *memTx) Bike(ctx context.Context, bikeID string) (*models.Bike, error) {
	v, ok := lookup(t.bikes, t.base.bikes, bikeID)
	if !ok {
		return nil, &models.NotFoundError{Kind: models.KindBike, Key: bikeID}
	}
	v = cloneBike(v)
	return &v, nil
}

func (t *memTx) Rack(ctx context.Context, rackID string) (*models.Rack, error) {
	v, ok := lookup(t.racks, t.base.racks, rackID)
	if !ok {
		return nil, &models.NotFoundError{Kind: models.KindRack, Key: rackID}
	}
	v = cloneRack(v)
	return &v, nil
}

func (t *memTx) Station(ctx context.Context, stationID string) (*models.Station, error) {
	v, ok := lookup(t.stations, t.base.stations, stationID)
	if !ok {
		return nil, &models.NotFoundError{Kind: models.KindStation, Key: stationID}
	}
	v = cloneStation(v)
	return &v, nil
}

func (t *memTx) BikeRiddenBy(ctx context.Context, rfid string) (*models.Bike, error) {
	for id := range t.base.bikes {
		if _, staged := t.bikes[id]; staged {
			continue
		}
		if b := t.base.bikes[id]; models.Deref(b.CurrentUser) == rfid {
			b = cloneBike(b)
			return &b, nil
		}
	}
	for _, p := range t.bikes {
		if !p.deleted && models.Deref(p.val.CurrentUser) == rfid {
			b := cloneBike(p.val)
			return &b, nil
		}
	}
	return nil, nil
}

func (t *memTx) InsertUser(ctx context.Context, user models.User) error {
	user = cloneUser(user)
	user.History, user.LedgerSeq, user.Version = []string{}, 0, 0
	return insert(t.users, t.base.users, models.KindUser, user.RFID, user)
}

func (t *memTx) InsertBike(ctx context.Context, bike models.Bike) error {
	bike = cloneBike(bike)
	bike.History, bike.LedgerSeq, bike.Version = []string{}, 0, 0
	return insert(t.bikes, t.base.bikes, models.KindBike, bike.BikeID, bike)
}

func (t *memTx) InsertRack(ctx context.Context, rack models.Rack) error {
	rack = cloneRack(rack)
	rack.History, rack.LedgerSeq, rack.Version = []string{}, 0, 0
	return insert(t.racks, t.base.racks, models.KindRack, rack.RackID, rack)
}

func (t *memTx) InsertStation(ctx context.Context, station models.Station) error {
	station = cloneStation(station)
	if station.Racks == nil {
		station.Racks = []string{}
	}
	station.Version = 0
	return insert(t.stations, t.base.stations, models.KindStation, station.StationID, station)
}

func (t *memTx) UpdateUser(ctx context.Context, user models.User) error {
	p, ok := stage(t.users, t.base.users, user.RFID, userMeta)
	if !ok || p.val.Version != user.Version {
		return &models.ConcurrentModificationError{Kind: models.KindUser, Key: user.RFID}
	}
	next := cloneUser(user)
	next.ID, next.History, next.LedgerSeq = p.val.ID, p.val.History, p.val.LedgerSeq
	next.Version++
	p.val = next
	return nil
}

func (t *memTx) UpdateBike(ctx context.Context, bike models.Bike) error {
	p, ok := stage(t.bikes, t.base.bikes, bike.BikeID, bikeMeta)
	if !ok || p.val.Version != bike.Version {
		return &models.ConcurrentModificationError{Kind: models.KindBike, Key: bike.BikeID}
	}
	next := cloneBike(bike)
	next.History, next.LedgerSeq = p.val.History, p.val.LedgerSeq
	next.Version++
	p.val = next
	return nil
}

func (t *memTx) UpdateRack(ctx context.Context, rack models.Rack) error {
	p, ok := stage(t.racks, t.base.racks, rack.RackID, rackMeta)
	if !ok || p.val.Version != rack.Version {
		return &models.ConcurrentModificationError{Kind: models.KindRack, Key: rack.RackID}
	}
	next := cloneRack(rack)
	next.History, next.LedgerSeq = p.val.History, p.val.LedgerSeq
	next.StationID = p.val.StationID
	next.Version++
	p.val = next
	return nil
}

func (t *memTx) UpdateStation(ctx context.Context, station models.Station) error {
	p, ok := stage(t.stations, t.base.stations, station.StationID, stationMeta)
	if !ok || p.val.Version != station.Version {
		return &models.ConcurrentModificationError{Kind: models.KindStation, Key: station.StationID}
	}
	next := cloneStation(station)
	if next.Racks == nil {
		next.Racks = []string{}
	}
	next.Version++
	p.val = next
	return nil
}

func (t *memTx) DeleteUser(ctx context.Context, user models.User) error {
	p, ok := stage(t.users, t.base.users, user.RFID, userMeta)
	if !ok || p.val.Version != user.Version {
		return &models.ConcurrentModificationError{Kind: models.KindUser, Key: user.RFID}
	}
	p.deleted = true
	return nil
}

func (t *memTx) DeleteBike(ctx context.Context, bike models.Bike) error {
	p, ok := stage(t.bikes, t.base.bikes, bike.BikeID, bikeMeta)
	if !ok || p.val.Version != bike.Version {
		return &models.ConcurrentModificationError{Kind: models.KindBike, Key: bike.BikeID}
	}
	p.deleted = true
	return nil
}

func (t *memTx) DeleteRack(ctx context.Context, rack models.Rack) error {
	p, ok := stage(t.racks, t.base.racks, rack.RackID, rackMeta)
	if !ok || p.val.Version != rack.Version {
		return &models.ConcurrentModificationError{Kind: models.KindRack, Key: rack.RackID}
	}
	p.deleted = true
	return nil
}

func (t *memTx) Append(ctx context.Context, ev models.Event) (models.Event, error) {
	notFound := &models.NotFoundError{Kind: ev.Entity.Kind, Key: ev.Entity.ID}
	switch ev.Entity.Kind {
	case models.KindUser:
		p, ok := stage(t.users, t.base.users, ev.Entity.ID, userMeta)
		if !ok {
			return ev, notFound
		}
		p.val.LedgerSeq++
		p.val.History = append(slices.Clone(p.val.History), ev.ID)
		ev.Seq = p.val.LedgerSeq
	case models.KindBike:
		p, ok := stage(t.bikes, t.base.bikes, ev.Entity.ID, bikeMeta)
		if !ok {
			return ev, notFound
		}
		p.val.LedgerSeq++
		p.val.History = append(slices.Clone(p.val.History), ev.ID)
		ev.Seq = p.val.LedgerSeq
	case models.KindRack:
		p, ok := stage(t.racks, t.base.racks, ev.Entity.ID, rackMeta)
		if !ok {
			return ev, notFound
		}
		p.val.LedgerSeq++
		p.val.History = append(slices.Clone(p.val.History), ev.ID)
		ev.Seq = p.val.LedgerSeq
	default:
		return ev, &models.ValidationError{Field: "entity.kind", Reason: "no ledger for " + string(ev.Entity.Kind)}
	}
	t.events = append(t.events, ev)
	return ev, nil
}
