// Package leasemonitor is a periodic sweep that requeues jobs whose lease
// or heartbeat has expired, incrementing their attempt counter. The sweep
// is idempotent, so running it redundantly (API host plus worker startup)
// is safe.
package leasemonitor

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	whirrstore "github.com/3leaps/whirr/internal/store"
)

// Monitor wraps a gocron scheduler running a single requeue-expired job.
type Monitor struct {
	scheduler gocron.Scheduler
	logger    *zap.Logger
}

// maxBackoffSkips bounds how many consecutive sweeps a persistently
// failing store can make the monitor skip before it tries again anyway;
// the sweep backs off but never stops outright.
const maxBackoffSkips = 5

// Start builds and starts a Monitor that sweeps store every interval.
func Start(store whirrstore.Store, interval time.Duration, logger *zap.Logger) (*Monitor, error) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	var consecutiveFailures int
	var skipsRemaining int

	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if skipsRemaining > 0 {
				skipsRemaining--
				return
			}
			reclaimed, err := store.RequeueExpired(context.Background())
			if err != nil {
				consecutiveFailures++
				logger.Error("requeue_expired sweep failed",
					zap.Error(err), zap.Int("consecutive_failures", consecutiveFailures))
				if consecutiveFailures > maxBackoffSkips {
					skipsRemaining = maxBackoffSkips
				} else {
					skipsRemaining = consecutiveFailures
				}
				return
			}
			consecutiveFailures = 0
			if len(reclaimed) > 0 {
				ids := make([]int64, len(reclaimed))
				for i, j := range reclaimed {
					ids[i] = j.ID
				}
				logger.Info("requeued expired jobs", zap.Int64s("job_ids", ids))
			}
		}),
	)
	if err != nil {
		return nil, err
	}

	sched.Start()
	return &Monitor{scheduler: sched, logger: logger}, nil
}

// Stop halts the sweep and releases the underlying scheduler.
func (m *Monitor) Stop() error {
	return m.scheduler.Shutdown()
}
