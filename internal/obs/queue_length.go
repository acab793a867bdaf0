// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"github.com/jobqueue/jobqueue/internal/core"
	"go.uber.org/zap"
)

// StartQueueDepthUpdater samples per-type, per-status queue depth on a
// ticker and publishes it to the QueueDepth gauge. types lists every
// job type Process has been called for; an empty slice samples the
// aggregate across all types only.
func StartQueueDepthUpdater(ctx context.Context, tr core.Transport, types []string, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sample(ctx, tr, "", log)
				for _, t := range types {
					sample(ctx, tr, t, log)
				}
			}
		}
	}()
}

func sample(ctx context.Context, tr core.Transport, jobType string, log *zap.Logger) {
	stats, err := tr.GetStats(ctx, jobType)
	if err != nil {
		log.Debug("queue depth poll error", String("type", jobType), Err(err))
		return
	}
	label := jobType
	if label == "" {
		label = "*"
	}
	QueueDepth.WithLabelValues(label, "waiting").Set(float64(stats.Waiting))
	QueueDepth.WithLabelValues(label, "active").Set(float64(stats.Active))
	QueueDepth.WithLabelValues(label, "completed").Set(float64(stats.Completed))
	QueueDepth.WithLabelValues(label, "failed").Set(float64(stats.Failed))
	QueueDepth.WithLabelValues(label, "delayed").Set(float64(stats.Delayed))
	QueueDepth.WithLabelValues(label, "paused").Set(float64(stats.Paused))
	if jobType != "" {
		ActiveWorkers.WithLabelValues(jobType).Set(float64(stats.Active))
	}
}
