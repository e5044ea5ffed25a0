package db

import (
	"context"
	"errors"
	"time"

	"github.com/ukydev/smartpedals/internal/models"
)

// Bounded runs fn under a deadline of d. Running out of time, whether the
// deadline fires or fn reports it, becomes a *models.TimeoutError for op.
// A cancellation by the caller is returned unchanged.
func Bounded(ctx context.Context, op string, d time.Duration, fn func(ctx context.Context) error) error {
	if d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	err := fn(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		var te *models.TimeoutError
		if errors.As(err, &te) {
			return err
		}
		return &models.TimeoutError{Op: op, Err: err}
	}
	return err
}
