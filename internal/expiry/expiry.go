// Package expiry implements C9, the background sweep that transitions
// pending mint authorizations past their expiresAt to expired in bulk,
// independent of the lazy per-read expiry C7.status also performs
// (spec.md §4.9). Modeled on the teacher's periodic-ticker goroutine in
// node/miner.go, generalized from block production to a sweep call.
package expiry

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const DefaultInterval = 5 * time.Minute

// Store is the narrow slice of C10 this package depends on.
type Store interface {
	SweepExpired(now time.Time) (int, error)
}

type Worker struct {
	store    Store
	interval time.Duration
	log      zerolog.Logger
	now      func() time.Time
}

func New(store Store, interval time.Duration, log zerolog.Logger) *Worker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Worker{store: store, interval: interval, log: log, now: time.Now}
}

// Run blocks, sweeping on every tick until ctx is cancelled. A sweep that
// expired records is logged at info level, an empty sweep at debug level;
// failures are logged at error level but never stop the loop, matching the
// non-critical classification spec.md §7 gives background maintenance work.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweepOnce()
		}
	}
}

func (w *Worker) sweepOnce() {
	count, err := w.store.SweepExpired(w.now())
	if err != nil {
		w.log.Error().Err(err).Msg("expiry sweep failed")
		return
	}
	if count > 0 {
		w.log.Info().Int("expired", count).Msg("expiry sweep complete")
	} else {
		w.log.Debug().Msg("expiry sweep complete, nothing expired")
	}
}
