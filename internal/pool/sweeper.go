package pool

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

const defaultSweepInterval = 6 * time.Hour

// Sweeper periodically runs the orphan reconciliation sweep over both pools.
type Sweeper struct {
	service  *Service
	interval time.Duration
}

// NewSweeper constructs a sweeper. A non-positive interval falls back to the
// default.
func NewSweeper(service *Service, interval time.Duration) *Sweeper {
	if service == nil {
		return nil
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{service: service, interval: interval}
}

// Start launches the sweep loop in a background goroutine.
func (w *Sweeper) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go w.run(ctx)
	log.Infof("pool sweeper started (interval=%s)", w.interval)
}

func (w *Sweeper) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		w.sweep(ctx)

		timer := time.NewTimer(w.interval)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
	}
}

func (w *Sweeper) sweep(ctx context.Context) {
	for _, kind := range []Kind{KindLinks, KindCards} {
		repaired, errSweep := w.service.Reconcile(ctx, kind)
		if errSweep != nil {
			log.WithError(errSweep).Warnf("pool sweeper: reconcile %s failed", kind)
			continue
		}
		if repaired > 0 {
			log.Infof("pool sweeper: repaired %d orphaned %s", repaired, kind)
		}
	}
}
