package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"vq-worker/internal/models"
	"vq-worker/internal/telemetry"
)

// maxHeartbeatFailures is how many consecutive renewal failures are
// tolerated before the job is abandoned to lease expiry.
const maxHeartbeatFailures = 5

// heartbeat renews a job's claim in the background while its handler
// runs. A remote "cancelled" status or repeated renewal failures cancel
// the job context; the run loop inspects Cancelled to decide whether a
// terminal report may be sent (cancelled jobs must not be reported).
type heartbeat struct {
	queue     Queue
	job       models.Job
	interval  time.Duration
	extension time.Duration
	cancelJob context.CancelFunc
	log       zerolog.Logger

	cancelled atomic.Bool
	stop      context.CancelFunc
	done      chan struct{}
}

// startHeartbeat launches the renewal loop. Stop must be called once the
// handler returns, whatever the outcome.
func startHeartbeat(queue Queue, job models.Job, interval, extension time.Duration, cancelJob context.CancelFunc, log zerolog.Logger) *heartbeat {
	ctx, stop := context.WithCancel(context.Background())
	h := &heartbeat{
		queue:     queue,
		job:       job,
		interval:  interval,
		extension: extension,
		cancelJob: cancelJob,
		log:       log,
		stop:      stop,
		done:      make(chan struct{}),
	}
	go h.loop(ctx)
	return h
}

// Stop ends the renewal loop and waits for it to exit.
func (h *heartbeat) Stop() {
	h.stop()
	<-h.done
}

// Cancelled reports whether the queue service cancelled the job.
func (h *heartbeat) Cancelled() bool {
	return h.cancelled.Load()
}

func (h *heartbeat) loop(ctx context.Context) {
	defer close(h.done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		renewCtx, cancel := context.WithTimeout(ctx, h.interval*3)
		status, err := h.queue.RenewLease(renewCtx, h.job, h.extension)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			telemetry.HeartbeatFailures.Inc()
			h.log.Error().Err(err).Int("failures", failures).Msg("a heartbeat failed")
			if failures >= maxHeartbeatFailures {
				h.log.Error().Msg("heartbeats failing successively, abandoning job to lease expiry")
				h.cancelJob()
				return
			}
			continue
		}

		failures = 0
		telemetry.Heartbeats.Inc()

		switch status {
		case models.ClaimStatusCancelled:
			h.log.Warn().Str("task_uuid", h.job.TaskUUID.String()).Msg("job cancelled by jobs system")
			h.cancelled.Store(true)
			h.cancelJob()
			return
		case models.ClaimStatusInProgress:
		default:
			h.log.Error().Str("status", status).Msg("unexpected status from heartbeat")
		}
	}
}
