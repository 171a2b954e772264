package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/mo"

	"vq-worker/internal/config"
	"vq-worker/internal/models"
)

type reportedFailure struct {
	kind      models.ErrorKind
	message   string
	retryable bool
}

type fakeQueue struct {
	mu          sync.Mutex
	jobs        []models.Job
	claimErr    error
	claimErrs   []error // scripted: one entry per poll, nil = successful poll
	claims      int
	successes   int
	failures    []reportedFailure
	renewStatus string
	reportErr   error
}

func (q *fakeQueue) ClaimNext(_ context.Context, _ time.Duration) (mo.Option[models.Job], error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.claims++
	if len(q.claimErrs) > 0 {
		err := q.claimErrs[0]
		q.claimErrs = q.claimErrs[1:]
		if err != nil {
			return mo.None[models.Job](), err
		}
	} else if q.claimErr != nil {
		return mo.None[models.Job](), q.claimErr
	}
	if len(q.jobs) == 0 {
		return mo.None[models.Job](), nil
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	return mo.Some(job), nil
}

func (q *fakeQueue) FetchInputs(_ context.Context, _ models.Job, _ string) ([]models.AssetRef, error) {
	return nil, nil
}

func (q *fakeQueue) RenewLease(_ context.Context, _ models.Job, _ time.Duration) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.renewStatus != "" {
		return q.renewStatus, nil
	}
	return models.ClaimStatusInProgress, nil
}

func (q *fakeQueue) ReportSuccess(_ context.Context, _ models.Job, _ []models.AssetRef) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.successes++
	return q.reportErr
}

func (q *fakeQueue) ReportFailure(_ context.Context, _ models.Job, kind models.ErrorKind, message string, retryable bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failures = append(q.failures, reportedFailure{kind: kind, message: message, retryable: retryable})
	return q.reportErr
}

func (q *fakeQueue) snapshot() (int, int, []reportedFailure) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.claims, q.successes, append([]reportedFailure(nil), q.failures...)
}

func testConfig() config.Config {
	return config.Config{
		PollInterval:      10 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
		ClaimDuration:     time.Minute,
		HTTPTimeout:       time.Second,
		BackoffInitial:    time.Millisecond,
		BackoffMax:        5 * time.Millisecond,
		MaxLoopErrors:     5,
		DrainGrace:        time.Second,
	}
}

func newTestProcessor(q Queue, d *Dispatcher, oneShot bool) *Processor {
	return NewProcessor(testConfig(), q, d, nil, nil, "worker-1", oneShot, zerolog.Nop())
}

func TestUnknownJobTypeReportedNonRetryable(t *testing.T) {
	q := &fakeQueue{jobs: []models.Job{{TaskUUID: uuid.New(), ClaimUUID: uuid.New(), Type: "resize-video"}}}
	d := NewDispatcher(zerolog.Nop())
	d.Register(&fakeHandler{typ: "pdf-merge"})

	p := newTestProcessor(q, d, true)
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	_, successes, failures := q.snapshot()
	if successes != 0 {
		t.Fatalf("successes = %d, want 0", successes)
	}
	if len(failures) != 1 {
		t.Fatalf("failures = %d, want 1", len(failures))
	}
	if failures[0].kind != models.ErrKindUnknownJobType || failures[0].retryable {
		t.Fatalf("unexpected failure report: %+v", failures[0])
	}
}

func TestEmptyPollsIssueNoReports(t *testing.T) {
	q := &fakeQueue{}
	d := NewDispatcher(zerolog.Nop())
	d.Register(&fakeHandler{typ: "pdf-merge"})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	p := newTestProcessor(q, d, false)
	if err := p.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	claims, successes, failures := q.snapshot()
	if claims < 2 {
		t.Fatalf("claims = %d, want at least 2 empty polls", claims)
	}
	if successes != 0 || len(failures) != 0 {
		t.Fatalf("no reports expected, got successes=%d failures=%d", successes, len(failures))
	}
}

func TestSuccessReportedExactlyOnce(t *testing.T) {
	q := &fakeQueue{jobs: []models.Job{{TaskUUID: uuid.New(), ClaimUUID: uuid.New(), Type: "pdf-merge"}}}
	d := NewDispatcher(zerolog.Nop())
	h := &fakeHandler{typ: "pdf-merge"}
	d.Register(h)

	p := newTestProcessor(q, d, true)
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	_, successes, failures := q.snapshot()
	if successes != 1 || len(failures) != 0 {
		t.Fatalf("successes=%d failures=%d, want 1/0", successes, len(failures))
	}
	if h.calls != 1 {
		t.Fatalf("handler calls = %d, want 1", h.calls)
	}
}

func TestHandlerFaultReportedRetryable(t *testing.T) {
	q := &fakeQueue{jobs: []models.Job{{TaskUUID: uuid.New(), ClaimUUID: uuid.New(), Type: "pdf-merge"}}}
	d := NewDispatcher(zerolog.Nop())
	d.Register(&fakeHandler{
		typ: "pdf-merge",
		fn: func(context.Context, models.Job) models.JobResult {
			panic("boom")
		},
	})

	p := newTestProcessor(q, d, true)
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	_, successes, failures := q.snapshot()
	if successes != 0 || len(failures) != 1 {
		t.Fatalf("successes=%d failures=%d, want 0/1", successes, len(failures))
	}
	if failures[0].kind != models.ErrKindHandlerFault || !failures[0].retryable {
		t.Fatalf("unexpected failure report: %+v", failures[0])
	}
}

func TestShutdownMidJobStillReports(t *testing.T) {
	q := &fakeQueue{jobs: []models.Job{{TaskUUID: uuid.New(), ClaimUUID: uuid.New(), Type: "pdf-merge"}}}
	d := NewDispatcher(zerolog.Nop())
	d.Register(&fakeHandler{
		typ: "pdf-merge",
		fn: func(ctx context.Context, _ models.Job) models.JobResult {
			// Simulate in-flight work that outlives the shutdown signal
			// but fits in the drain grace window.
			select {
			case <-time.After(80 * time.Millisecond):
				return models.Succeed(nil, models.Metrics{})
			case <-ctx.Done():
				return models.Fail(models.ErrKindHandlerFault, "aborted", true)
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	p := newTestProcessor(q, d, false)
	if err := p.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	_, successes, failures := q.snapshot()
	if successes != 1 || len(failures) != 0 {
		t.Fatalf("in-flight job not reported before exit: successes=%d failures=%d", successes, len(failures))
	}
}

func TestRemoteCancellationSkipsReport(t *testing.T) {
	q := &fakeQueue{
		jobs:        []models.Job{{TaskUUID: uuid.New(), ClaimUUID: uuid.New(), Type: "pdf-merge"}},
		renewStatus: models.ClaimStatusCancelled,
	}
	d := NewDispatcher(zerolog.Nop())
	d.Register(&fakeHandler{
		typ: "pdf-merge",
		fn: func(ctx context.Context, _ models.Job) models.JobResult {
			// The heartbeat cancels the job context on remote cancel.
			<-ctx.Done()
			return models.Fail(models.ErrKindCancelled, "cancelled", false)
		},
	})

	p := newTestProcessor(q, d, true)
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	_, successes, failures := q.snapshot()
	if successes != 0 || len(failures) != 0 {
		t.Fatalf("cancelled job must not be reported: successes=%d failures=%d", successes, len(failures))
	}
}

func TestAuthErrorIsFatal(t *testing.T) {
	q := &fakeQueue{claimErr: &models.AuthError{Op: "claim next job", Status: 401}}
	d := NewDispatcher(zerolog.Nop())
	d.Register(&fakeHandler{typ: "pdf-merge"})

	p := newTestProcessor(q, d, false)
	err := p.Run(context.Background())
	if !models.IsAuth(err) {
		t.Fatalf("expected fatal auth error, got %v", err)
	}
	claims, _, _ := q.snapshot()
	if claims != 1 {
		t.Fatalf("claims = %d, auth errors must not be retried", claims)
	}
}

func TestTransientClaimErrorsDrainAfterBudget(t *testing.T) {
	q := &fakeQueue{claimErr: &models.TransientError{Op: "claim next job", Status: 502}}
	d := NewDispatcher(zerolog.Nop())
	d.Register(&fakeHandler{typ: "pdf-merge"})

	p := newTestProcessor(q, d, false)
	if err := p.Run(context.Background()); err == nil {
		t.Fatal("expected error after successive transient failures")
	}

	claims, _, _ := q.snapshot()
	if claims != testConfig().MaxLoopErrors {
		t.Fatalf("claims = %d, want %d", claims, testConfig().MaxLoopErrors)
	}
}

func TestEmptyPollResetsErrorStreak(t *testing.T) {
	hiccup := &models.TransientError{Op: "claim next job", Status: 502}
	q := &fakeQueue{
		// Two bursts of 4 hiccups split by a successful empty poll: never
		// 5 in a row, so the loop must not drain on its own.
		claimErrs: []error{hiccup, hiccup, hiccup, hiccup, nil, hiccup, hiccup, hiccup, hiccup},
	}
	d := NewDispatcher(zerolog.Nop())
	d.Register(&fakeHandler{typ: "pdf-merge"})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	p := newTestProcessor(q, d, false)
	if err := p.Run(ctx); err != nil {
		t.Fatalf("non-successive errors must not drain the loop: %v", err)
	}

	claims, _, _ := q.snapshot()
	if claims < 10 {
		t.Fatalf("claims = %d, want the loop to outlive both error bursts", claims)
	}
}

func TestFailedTerminalReportDoesNotCrashLoop(t *testing.T) {
	q := &fakeQueue{
		jobs:      []models.Job{{TaskUUID: uuid.New(), ClaimUUID: uuid.New(), Type: "pdf-merge"}},
		reportErr: &models.TransientError{Op: "report success", Status: 503},
	}
	d := NewDispatcher(zerolog.Nop())
	d.Register(&fakeHandler{typ: "pdf-merge"})

	p := newTestProcessor(q, d, true)
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("exhausted report budget must not crash the worker: %v", err)
	}

	_, attempts, _ := q.snapshot()
	if attempts != reportAttempts {
		t.Fatalf("report attempts = %d, want %d", attempts, reportAttempts)
	}
}

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b10 := backoffWithJitter(base, max, 10)
	if b10 > max {
		t.Fatalf("backoff must cap at max, got %s", b10)
	}
}
