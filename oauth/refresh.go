// Package oauth schedules background credential upkeep. The refresher wakes on
// a jittered interval and asks the token authority to make sure the held
// credential is still valid, so an idle bot does not let its tokens lapse.
package oauth

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// DefaultInterval is used when the configured interval is not positive.
const DefaultInterval = 5 * time.Minute

// CheckTimeout bounds a single check.
const CheckTimeout = 15 * time.Second

// CheckFunc performs one provider-specific validity check, refreshing the
// credential when it is close to expiry.
type CheckFunc func(ctx context.Context) error

// RunRefresher blocks until ctx is done, invoking fn roughly every interval.
// Failed checks are logged and retried on the next tick. It always returns nil.
func RunRefresher(ctx context.Context, name string, interval time.Duration, fn CheckFunc) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	log := slog.Default().With(slog.String("component", "token_refresher"), slog.String("provider", name))

	// Spread instances that start together.
	//nolint:gosec // G404: scheduling jitter only
	initial := time.Duration(rand.Int63n(int64(interval/2) + 1))
	if !sleep(ctx, initial) {
		return nil
	}
	for {
		ctx2, cancel := context.WithTimeout(ctx, CheckTimeout)
		err := fn(ctx2)
		cancel()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			log.Warn("token check failed", slog.Any("err", err))
		} else {
			log.Debug("token check ok")
		}
		if !sleep(ctx, nextSleep(interval)) {
			return nil
		}
	}
}

// nextSleep returns interval with ±20% jitter, never below interval/2.
func nextSleep(interval time.Duration) time.Duration {
	jitterRange := int64(interval / 5)
	if jitterRange <= 0 {
		return interval
	}
	//nolint:gosec // G404: scheduling jitter only
	d := interval + time.Duration(rand.Int63n(jitterRange*2)-jitterRange)
	if d < interval/2 {
		d = interval / 2
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
