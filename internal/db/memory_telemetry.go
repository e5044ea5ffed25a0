package db

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/ukydev/smartpedals/internal/models"
)

// MemoryTelemetry keeps telemetry in expiring caches. Every item expires when
// it leaves its retention horizon, so PurgeBefore only removes what the
// janitor has not reached yet.
type MemoryTelemetry struct {
	fixes     *cache.Cache
	logs      *cache.Cache
	raw       *cache.Cache
	retention Retention
	now       func() time.Time
}

// NewMemoryTelemetry creates the caches. cleanupInterval drives the go-cache
// janitor; zero disables it.
func NewMemoryTelemetry(retention Retention, cleanupInterval time.Duration) *MemoryTelemetry {
	return &MemoryTelemetry{
		fixes:     cache.New(retention.Location, cleanupInterval),
		logs:      cache.New(retention.StationLog, cleanupInterval),
		raw:       cache.New(retention.Raw, cleanupInterval),
		retention: retention,
		now:       time.Now,
	}
}

// remaining is how long an entry stamped ts stays within ttl. go-cache treats
// negative durations as "never expire", so callers skip entries already out.
func (m *MemoryTelemetry) remaining(ts time.Time, ttl time.Duration) time.Duration {
	return ts.Add(ttl).Sub(m.now())
}

func (m *MemoryTelemetry) InsertFix(ctx context.Context, fix models.LocationFix) error {
	d := m.remaining(fix.Timestamp, m.retention.Location)
	if d <= 0 {
		return nil
	}
	m.fixes.Set(uuid.NewString(), fix, d)
	return nil
}

func (m *MemoryTelemetry) FindFixes(ctx context.Context, bikeID string, since time.Time) ([]models.LocationFix, error) {
	out := []models.LocationFix{}
	for _, item := range m.fixes.Items() {
		fix := item.Object.(models.LocationFix)
		if fix.BikeID == bikeID && !fix.Timestamp.Before(since) {
			out = append(out, fix)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MemoryTelemetry) InsertStationLog(ctx context.Context, log models.StationLog) error {
	d := m.remaining(log.TS, m.retention.StationLog)
	if d <= 0 {
		return nil
	}
	m.logs.Set(uuid.NewString(), log, d)
	return nil
}

func (m *MemoryTelemetry) FindStationLogs(ctx context.Context, stationID string, since time.Time, limit int64) ([]models.StationLog, error) {
	out := []models.StationLog{}
	for _, item := range m.logs.Items() {
		log := item.Object.(models.StationLog)
		if log.StationID == stationID && !log.TS.Before(since) {
			out = append(out, log)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TS.After(out[j].TS) })
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryTelemetry) InsertRaw(ctx context.Context, msg models.RawMessage) error {
	d := m.remaining(msg.ReceivedAt, m.retention.Raw)
	if d <= 0 {
		return nil
	}
	m.raw.Set(uuid.NewString(), msg, d)
	return nil
}

func (m *MemoryTelemetry) FindRaw(ctx context.Context, topic string, since time.Time, limit int64) ([]models.RawMessage, error) {
	out := []models.RawMessage{}
	for _, item := range m.raw.Items() {
		msg := item.Object.(models.RawMessage)
		if (topic == "" || msg.Topic == topic) && !msg.ReceivedAt.Before(since) {
			out = append(out, msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryTelemetry) PurgeBefore(ctx context.Context, class models.RetentionClass, cutoff time.Time) (int64, error) {
	var (
		c     *cache.Cache
		stamp func(interface{}) time.Time
	)
	switch class {
	case models.RetentionLocation:
		c = m.fixes
		stamp = func(v interface{}) time.Time { return v.(models.LocationFix).Timestamp }
	case models.RetentionStationLog:
		c = m.logs
		stamp = func(v interface{}) time.Time { return v.(models.StationLog).TS }
	case models.RetentionRaw:
		c = m.raw
		stamp = func(v interface{}) time.Time { return v.(models.RawMessage).ReceivedAt }
	default:
		return 0, fmt.Errorf("unknown retention class %q", class)
	}

	c.DeleteExpired()
	var n int64
	for key, item := range c.Items() {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if stamp(item.Object).Before(cutoff) {
			c.Delete(key)
			n++
		}
	}
	return n, nil
}
