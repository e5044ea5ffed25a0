package telemetry

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/smartpedals/internal/models"
)

// Purger removes telemetry past its horizon in the background. Failures are
// logged and retried on the next tick.
type Purger struct {
	store    *Store
	interval time.Duration
}

// NewPurger creates a purger running every interval.
func NewPurger(store *Store, interval time.Duration) *Purger {
	return &Purger{store: store, interval: interval}
}

// Run purges once immediately and then on every tick until ctx is done.
func (p *Purger) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log().WithField("interval", p.interval).Info("retention purger started")
	for {
		p.PurgeOnce(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			p.log().Info("retention purger stopped")
			return
		}
	}
}

func (p *Purger) log() *log.Entry { return p.store.log }

// PurgeOnce runs one cycle over every class. Each failing class yields a
// *models.RetentionPurgeError; the other classes are still purged.
func (p *Purger) PurgeOnce(ctx context.Context) []error {
	var errs []error
	now := p.store.now()
	for _, class := range Classes() {
		horizon, err := p.store.policy.Horizon(class)
		if err == nil {
			var n int64
			n, err = p.store.backend.PurgeBefore(ctx, class, now.Add(-horizon))
			if err == nil {
				p.store.metrics.Purged.WithLabelValues(string(class)).Add(float64(n))
				if n > 0 {
					p.log().WithFields(log.Fields{"class": class, "removed": n}).Debug("purged telemetry")
				}
				continue
			}
		}
		perr := &models.RetentionPurgeError{Class: class, Err: err}
		p.store.metrics.PurgeErrors.WithLabelValues(string(class)).Inc()
		p.log().WithError(perr).Warn("retention purge failed, retrying next cycle")
		errs = append(errs, perr)
	}
	return errs
}
