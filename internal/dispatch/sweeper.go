package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const sweepTimeout = 30 * time.Second

// StartSweeper runs Sweep on a standard five-field cron schedule (UTC)
// until the returned stop func is called. Stop waits for a running sweep.
func (d *Dispatcher) StartSweeper(schedule string) (stop func(), err error) {
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(schedule, d.sweepOnce); err != nil {
		return nil, fmt.Errorf("dispatch: sweep schedule %q: %w", schedule, err)
	}
	c.Start()
	d.log.Info("reclaim sweeper started", zap.String("schedule", schedule), zap.Duration("timeout", d.opts.ReclaimTimeout))
	return func() { <-c.Stop().Done() }, nil
}

func (d *Dispatcher) sweepOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	n, err := d.Sweep(ctx)
	if err != nil {
		d.log.Warn("reclaim sweep", zap.Error(err))
		return
	}
	if n > 0 {
		d.log.Info("reclaimed stale actions", zap.Int("count", n))
	}
}
