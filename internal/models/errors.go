package models

import (
	"errors"
	"fmt"
	"net/http"
)

// AuthError means the queue service rejected our credentials. It is
// fatal: retrying cannot help and the process should exit non-zero.
type AuthError struct {
	Op     string
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication rejected (status %d)", e.Op, e.Status)
}

// TransientError covers network faults and server-side errors that are
// expected to clear; callers retry with backoff.
type TransientError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: transient failure (status %d)", e.Op, e.Status)
}

func (e *TransientError) Unwrap() error { return e.Err }

// AssetUnavailableError means a referenced input asset could not be
// retrieved. The job fails but is retryable: the asset may appear later.
type AssetUnavailableError struct {
	AssetUUID string
}

func (e *AssetUnavailableError) Error() string {
	return fmt.Sprintf("the file uuid %s cannot be found", e.AssetUUID)
}

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsAssetUnavailable reports whether err is (or wraps) an AssetUnavailableError.
func IsAssetUnavailable(err error) bool {
	var ue *AssetUnavailableError
	return errors.As(err, &ue)
}

// ClassifyStatus converts an unexpected HTTP status from the queue
// service into the error taxonomy. 2xx statuses must be handled by the
// caller before classification.
func ClassifyStatus(op string, status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{Op: op, Status: status}
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return &TransientError{Op: op, Status: status}
	default:
		return fmt.Errorf("%s: unexpected status %d", op, status)
	}
}

// KindForError maps a queue-client error to the reported failure kind.
func KindForError(err error) ErrorKind {
	switch {
	case IsAuth(err):
		return ErrKindAuth
	case IsAssetUnavailable(err):
		return ErrKindAssetUnavailable
	case IsTransient(err):
		return ErrKindTransient
	default:
		return ErrKindHandlerFault
	}
}
