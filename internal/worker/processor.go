package worker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"vq-worker/internal/config"
	"vq-worker/internal/journal"
	"vq-worker/internal/models"
	"vq-worker/internal/podcost"
	"vq-worker/internal/telemetry"
)

// reportAttempts is the local retry budget for terminal status reports.
// An exhausted budget is logged and the loop returns to idle; a failed
// report must never crash the worker.
const reportAttempts = 3

// Processor drives the claim/process/report loop against the queue
// service. One job is active at a time; the queue's lease expiry covers
// crash recovery, so the loop keeps no state of its own.
type Processor struct {
	cfg        config.Config
	queue      Queue
	dispatcher *Dispatcher
	journal    *journal.Journal
	podCost    *podcost.Updater
	workerUUID string
	log        zerolog.Logger

	// oneShot drains after the first completed job or the first empty
	// poll; the continuous mode drains only on external signal.
	oneShot bool
}

// NewProcessor builds the run loop. journal may be nil (no run history);
// podCost may be nil (not running in Kubernetes).
func NewProcessor(cfg config.Config, q Queue, d *Dispatcher, jr *journal.Journal, pc *podcost.Updater, workerUUID string, oneShot bool, log zerolog.Logger) *Processor {
	d.Seal()
	return &Processor{
		cfg:        cfg,
		queue:      q,
		dispatcher: d,
		journal:    jr,
		podCost:    pc,
		workerUUID: workerUUID,
		log:        log,
		oneShot:    oneShot,
	}
}

// Run executes the loop until the context is cancelled (continuous mode)
// or the first job/empty poll completes (one-shot mode). An AuthError
// from the queue service is fatal and returned as-is; transient claim
// errors are retried with capped exponential backoff until the
// successive-error budget runs out.
func (p *Processor) Run(ctx context.Context) error {
	errorCount := 0
	claimAttempt := 0

	for {
		if ctx.Err() != nil {
			p.log.Info().Msg("shutdown requested, draining")
			return nil
		}

		opt, err := p.queue.ClaimNext(ctx, p.cfg.ClaimDuration)
		if err != nil {
			if models.IsAuth(err) {
				return fmt.Errorf("claiming failed: %w", err)
			}
			if ctx.Err() != nil {
				return nil
			}
			errorCount++
			claimAttempt++
			p.log.Error().Err(err).Int("successive_errors", errorCount).Msg("exception getting job from jobs system")
			if errorCount >= p.cfg.MaxLoopErrors {
				return fmt.Errorf("had %d successive errors, shutting down: %w", errorCount, err)
			}
			if !p.sleep(ctx, backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, claimAttempt)) {
				return nil
			}
			continue
		}
		claimAttempt = 0

		job, ok := opt.Get()
		if !ok {
			// A successful poll, even an empty one, breaks the error streak.
			errorCount = 0
			telemetry.EmptyPolls.Inc()
			if p.oneShot {
				p.log.Info().Msg("no jobs found, shutting down")
				return nil
			}
			p.log.Info().Msg("no jobs found, waiting... (continuous mode)")
			if !p.sleep(ctx, p.cfg.PollInterval) {
				return nil
			}
			continue
		}

		telemetry.ClaimsTotal.Inc()
		if err := p.processJob(ctx, job); err != nil {
			errorCount++
			p.log.Error().Err(err).Str("task_uuid", job.TaskUUID.String()).Msg("exception processing job")
			if p.oneShot {
				return err
			}
			if errorCount >= p.cfg.MaxLoopErrors {
				return fmt.Errorf("had %d successive errors, shutting down: %w", errorCount, err)
			}
			continue
		}
		errorCount = 0

		if p.oneShot {
			p.log.Info().Msg("one-shot job complete, draining")
			return nil
		}
		p.log.Info().Msg("checking for new job...")
	}
}

// processJob runs one claimed job end to end. The job context is
// deliberately detached from the run context: a shutdown signal starts
// the drain grace window instead of aborting the handler outright.
func (p *Processor) processJob(runCtx context.Context, job models.Job) error {
	log := p.log.With().Str("task_uuid", shortUUID(job.TaskUUID.String())).Logger()
	log.Info().Str("type", job.Type).Int("inputs", len(job.InputFiles)).Msg("got job")

	jobCtx, cancelJob := context.WithCancel(context.Background())
	defer cancelJob()

	processingDone := make(chan struct{})
	defer close(processingDone)
	go p.graceWatch(runCtx, cancelJob, processingDone)

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()
	p.setPodCost(1000)
	defer p.setPodCost(-1000)
	p.recordClaim(jobCtx, job)

	workDir, err := os.MkdirTemp("", "vq-job-*")
	if err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(workDir)
		log.Info().Msg("cleaned up")
	}()

	hb := startHeartbeat(p.queue, job, p.cfg.HeartbeatInterval, p.cfg.ClaimDuration, cancelJob, log)

	result := p.stageAndDispatch(jobCtx, job, workDir, log)

	hb.Stop()

	if hb.Cancelled() {
		// The jobs system cancelled the claim; it must not be reported.
		telemetry.JobsCancelled.Inc()
		p.recordOutcome(job, "cancelled", models.ErrKindCancelled, "cancelled by jobs system")
		p.recordEvent(job, "claim-cancelled", "work discarded, no terminal report sent")
		log.Warn().Msg("job cancelled, no terminal report sent")
		return nil
	}

	p.report(job, result, log)
	return nil
}

// stageAndDispatch fetches the job's inputs and hands it to the
// dispatcher. Staging failures become job-level failures, not loop
// errors.
func (p *Processor) stageAndDispatch(ctx context.Context, job models.Job, workDir string, log zerolog.Logger) models.JobResult {
	inputs, err := p.queue.FetchInputs(ctx, job, workDir)
	if err != nil {
		log.Error().Err(err).Msg("staging inputs failed")
		kind := models.KindForError(err)
		retryable := kind == models.ErrKindTransient || kind == models.ErrKindAssetUnavailable
		return models.Fail(kind, err.Error(), retryable)
	}
	if len(inputs) > 0 {
		log.Debug().Strs("files", lo.Map(inputs, func(a models.AssetRef, _ int) string { return a.Name })).Msg("inputs staged")
	}
	return p.dispatcher.Dispatch(ctx, job, inputs, workDir)
}

// report sends the terminal status with a bounded local retry budget.
// Reporting uses a fresh context so a drained run context cannot strand
// a finished job unreported.
func (p *Processor) report(job models.Job, result models.JobResult, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.HTTPTimeout*reportAttempts)
	defer cancel()

	var err error
	for attempt := 1; attempt <= reportAttempts; attempt++ {
		if result.Failed() {
			err = p.queue.ReportFailure(ctx, job, result.Failure.Kind, result.Failure.Message, result.Failure.Retryable)
		} else {
			err = p.queue.ReportSuccess(ctx, job, result.Outputs)
		}
		if err == nil {
			break
		}
		if !models.IsTransient(err) || attempt == reportAttempts {
			break
		}
		time.Sleep(backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempt))
	}

	switch {
	case err != nil:
		// Exhausted budget: log and return to idle, the lease expiry
		// will make the job claimable again.
		log.Error().Err(err).Msg("terminal report failed, relying on lease expiry")
		p.recordEvent(job, "report-failed", err.Error())
	case result.Failed():
		telemetry.JobsFailed.Inc()
		log.Error().
			Str("kind", string(result.Failure.Kind)).
			Bool("retryable", result.Failure.Retryable).
			Str("error", result.Failure.Message).
			Msg("ERROR - returning task")
		p.recordOutcome(job, "failed", result.Failure.Kind, result.Failure.Message)
	default:
		telemetry.JobsSucceeded.Inc()
		log.Info().
			Dur("duration", result.Metrics.Duration).
			Int("outputs", len(result.Outputs)).
			Msg("job complete")
		p.recordOutcome(job, "succeeded", "", "")
	}
}

// graceWatch cancels the job context only after the drain grace period
// has elapsed following a shutdown signal.
func (p *Processor) graceWatch(runCtx context.Context, cancelJob context.CancelFunc, done <-chan struct{}) {
	select {
	case <-done:
		return
	case <-runCtx.Done():
	}
	p.log.Warn().Dur("grace", p.cfg.DrainGrace).Msg("shutdown requested mid-job, waiting for handler")
	select {
	case <-done:
	case <-time.After(p.cfg.DrainGrace):
		p.log.Error().Msg("drain grace elapsed, abandoning job to lease expiry")
		cancelJob()
	}
}

func (p *Processor) recordClaim(ctx context.Context, job models.Job) {
	if p.journal == nil {
		return
	}
	if err := p.journal.RecordClaim(ctx, p.workerUUID, job); err != nil {
		p.log.Warn().Err(err).Msg("journal claim record failed")
	}
}

func (p *Processor) recordOutcome(job models.Job, outcome string, kind models.ErrorKind, detail string) {
	if p.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.journal.RecordOutcome(ctx, job, outcome, kind, detail); err != nil {
		p.log.Warn().Err(err).Msg("journal outcome record failed")
	}
}

func (p *Processor) recordEvent(job models.Job, event, detail string) {
	if p.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.journal.AppendEvent(ctx, job, event, detail); err != nil {
		p.log.Warn().Err(err).Msg("journal event record failed")
	}
}

func (p *Processor) setPodCost(cost int) {
	if p.podCost == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p.podCost.Set(ctx, cost)
}

// sleep waits for d or until the context is cancelled; false means the
// loop should drain.
func (p *Processor) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

func shortUUID(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
