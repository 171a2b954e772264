package models

import "time"

// ErrorKind classifies job failures reported to the queue service.
type ErrorKind string

const (
	ErrKindAuth             ErrorKind = "auth"
	ErrKindTransient        ErrorKind = "transient"
	ErrKindAssetUnavailable ErrorKind = "asset-unavailable"
	ErrKindUnknownJobType   ErrorKind = "unknown-job-type"
	ErrKindHandlerFault     ErrorKind = "handler-fault"
	ErrKindCancelled        ErrorKind = "cancelled"
)

// Metrics summarizes a completed handler run.
type Metrics struct {
	Duration    time.Duration `json:"duration"`
	InputBytes  int64         `json:"input_bytes"`
	OutputBytes int64         `json:"output_bytes"`
}

// Failure describes a terminal job failure.
type Failure struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

// JobResult is the outcome of one handler invocation. Exactly one of the
// success fields or Failure is populated; Failed discriminates.
type JobResult struct {
	Outputs []AssetRef `json:"outputs,omitempty"`
	Metrics Metrics    `json:"metrics"`
	Failure *Failure   `json:"failure,omitempty"`
}

// Succeed builds a success result.
func Succeed(outputs []AssetRef, metrics Metrics) JobResult {
	return JobResult{Outputs: outputs, Metrics: metrics}
}

// Fail builds a failure result.
func Fail(kind ErrorKind, message string, retryable bool) JobResult {
	return JobResult{Failure: &Failure{Kind: kind, Message: message, Retryable: retryable}}
}

// Failed reports whether the result is the failure variant.
func (r JobResult) Failed() bool {
	return r.Failure != nil
}
