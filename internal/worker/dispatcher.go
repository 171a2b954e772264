package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"vq-worker/internal/device"
	"vq-worker/internal/models"
	"vq-worker/internal/telemetry"
)

// Dispatcher routes claimed jobs to registered handlers and brokers the
// device leases handlers declare. The registry is populated at process
// start and immutable afterwards.
type Dispatcher struct {
	handlers map[string]Handler
	leases   map[string]device.Lease
	log      zerolog.Logger
	sealed   bool
}

func NewDispatcher(log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
		leases:   make(map[string]device.Lease),
		log:      log,
	}
}

// Register binds a handler under its own type tag. Duplicate or
// post-seal registration is a programming error and panics at startup.
func (d *Dispatcher) Register(h Handler) {
	d.RegisterAs(h.Type(), h)
}

// RegisterAs binds a handler under an explicit tag, for deployments
// whose task service names differ from the handler's canonical type.
func (d *Dispatcher) RegisterAs(jobType string, h Handler) {
	if d.sealed {
		panic("dispatcher: registration after seal")
	}
	if jobType == "" || h == nil {
		panic("dispatcher: empty job type or nil handler")
	}
	if _, dup := d.handlers[jobType]; dup {
		panic(fmt.Sprintf("dispatcher: duplicate handler for type %q", jobType))
	}
	d.handlers[jobType] = h
}

// RegisterLease makes a device lease available to handlers that declare
// the matching requirement.
func (d *Dispatcher) RegisterLease(l device.Lease) {
	if d.sealed {
		panic("dispatcher: lease registration after seal")
	}
	d.leases[l.Name()] = l
}

// Seal freezes the registry. Called once before the run loop starts.
func (d *Dispatcher) Seal() {
	d.sealed = true
}

// Types lists the registered job types.
func (d *Dispatcher) Types() []string {
	types := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		types = append(types, t)
	}
	return types
}

// Dispatch runs the handler registered for the job's type. Unknown types
// fail closed without invoking anything. Any device the handler requires
// is acquired before Process and released on every exit path, including
// panics, which are converted into retryable failures.
func (d *Dispatcher) Dispatch(ctx context.Context, job models.Job, inputs []models.AssetRef, workDir string) models.JobResult {
	handler, ok := d.handlers[job.Type]
	if !ok {
		d.log.Error().Str("type", job.Type).Str("task_uuid", job.TaskUUID.String()).Msg("no handler registered for job type")
		return models.Fail(models.ErrKindUnknownJobType, fmt.Sprintf("no handler registered for type %q", job.Type), false)
	}

	if dev := handler.Requirements().Device; dev != "" {
		lease, ok := d.leases[dev]
		if !ok {
			return models.Fail(models.ErrKindHandlerFault, fmt.Sprintf("handler %q requires device %q but no lease is configured", job.Type, dev), true)
		}
		release, err := lease.Acquire(ctx)
		if err != nil {
			return models.Fail(models.ErrKindHandlerFault, fmt.Sprintf("acquire %s lease: %v", dev, err), true)
		}
		defer release()
		d.log.Debug().Str("device", dev).Str("task_uuid", job.TaskUUID.String()).Msg("device lease acquired")
	}

	start := time.Now()
	result := d.invoke(ctx, handler, job, inputs, workDir)
	result.Metrics.Duration = time.Since(start)
	telemetry.HandlerDuration.WithLabelValues(job.Type).Observe(result.Metrics.Duration.Seconds())
	return result
}

// invoke contains the panic boundary: no fault escapes a handler uncaught.
func (d *Dispatcher) invoke(ctx context.Context, handler Handler, job models.Job, inputs []models.AssetRef, workDir string) (result models.JobResult) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().
				Str("task_uuid", job.TaskUUID.String()).
				Str("type", job.Type).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("handler panicked")
			result = models.Fail(models.ErrKindHandlerFault, fmt.Sprintf("handler panic: %v", r), true)
		}
	}()
	return handler.Process(ctx, job, inputs, workDir)
}
