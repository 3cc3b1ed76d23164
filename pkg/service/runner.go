package service

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/sirupsen/logrus"
)

// RunOptions bounds a worker loop.
type RunOptions struct {
	// Duration stops the loop after this long. Zero runs until ctx is done.
	Duration time.Duration
	// PollInterval is the sleep after an idle tick. Default: 5s.
	PollInterval time.Duration
	// IdleJitter adds up to this much random delay to every idle sleep so
	// that workers started together drift apart. Default: PollInterval/2.
	IdleJitter time.Duration
	// StopWhenIdle ends the loop after the first idle tick.
	StopWhenIdle bool
}

func (o *RunOptions) defaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.IdleJitter < 0 {
		o.IdleJitter = 0
	} else if o.IdleJitter == 0 {
		o.IdleJitter = o.PollInterval / 2
	}
}

// Run calls RunOnce until the deadline, ctx cancellation or, with
// StopWhenIdle, an idle tick. Busy ticks are chained without sleeping.
// Tick errors are logged and followed by an idle sleep; they never end the
// loop.
func (p *JobProcessor) Run(ctx context.Context, opts RunOptions) RunStats {
	opts.defaults()
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	log := p.logger.WithField("worker", p.cfg.WorkerID)
	log.WithFields(logrus.Fields{
		"duration":      opts.Duration.String(),
		"poll_interval": opts.PollInterval.String(),
		"batch_size":    p.cfg.BatchSize,
		"scope_target":  p.cfg.Scope.TargetLang,
	}).Info("Queue worker started")

	var total RunStats
	ticks := 0
	for ctx.Err() == nil {
		stats, err := p.RunOnce(ctx)
		total.Add(stats)
		ticks++

		idle := stats.Idle()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.WithError(err).Error("Queue tick failed")
			idle = true
		}
		if !idle {
			continue
		}
		if opts.StopWhenIdle {
			break
		}
		if sleepCtx(ctx, jittered(opts.PollInterval, opts.IdleJitter)) != nil {
			break
		}
	}

	log.WithFields(total.Fields()).WithField("ticks", ticks).Info("Queue worker stopped")
	return total
}

func jittered(base, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return base
	}
	return base + time.Duration(rand.Int64N(int64(jitter)+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
