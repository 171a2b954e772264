// Package worker drives the job execution loop: it claims jobs from the
// queue service, stages their inputs, routes each job to the handler
// registered for its type, and reports the terminal outcome. Handlers
// are registered once at process start; a handler may declare that it
// needs an exclusive device lease for the duration of a run.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"vq-worker/internal/models"
)

// Queue is the queue-service surface the run loop depends on.
// *vq.Client implements it; tests substitute fakes.
type Queue interface {
	ClaimNext(ctx context.Context, claimDuration time.Duration) (mo.Option[models.Job], error)
	FetchInputs(ctx context.Context, job models.Job, dir string) ([]models.AssetRef, error)
	RenewLease(ctx context.Context, job models.Job, extension time.Duration) (string, error)
	ReportSuccess(ctx context.Context, job models.Job, outputs []models.AssetRef) error
	ReportFailure(ctx context.Context, job models.Job, kind models.ErrorKind, message string, retryable bool) error
}

// Uploader delivers handler outputs to the queue's file service.
type Uploader interface {
	UploadOutputs(ctx context.Context, org, folderUUID uuid.UUID, outputs []models.AssetRef) error
}

// Requirements declares the scarce resources a handler needs. An empty
// Device means none.
type Requirements struct {
	Device string
}

// Handler processes jobs of one type. Process receives the staged
// inputs and a scratch directory that outlives the call only until the
// run loop reports the result.
type Handler interface {
	Type() string
	Requirements() Requirements
	Process(ctx context.Context, job models.Job, inputs []models.AssetRef, workDir string) models.JobResult
}

// PermanentError marks a fault as a permanent input problem: the job
// will be reported non-retryable.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a permanent input fault.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Permanentf builds a permanent input fault from a format string.
func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether err is (or wraps) a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// resultFromError converts a handler error into the failure variant,
// classifying retryability from the error taxonomy.
func resultFromError(err error) models.JobResult {
	switch {
	case IsPermanent(err):
		return models.Fail(models.ErrKindHandlerFault, err.Error(), false)
	case models.IsAssetUnavailable(err):
		return models.Fail(models.ErrKindAssetUnavailable, err.Error(), true)
	case models.IsTransient(err):
		return models.Fail(models.ErrKindTransient, err.Error(), true)
	default:
		return models.Fail(models.ErrKindHandlerFault, err.Error(), true)
	}
}
