// Package device models exclusive leases over scarce hardware (a GPU).
// A handler that declares a device requirement holds the lease for the
// whole of one invocation; release runs on every exit path.
package device

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Lease grants exclusive access to one device. Acquire blocks until the
// device is free, the context is cancelled, or the configured maximum
// wait elapses. The returned release function is idempotent.
type Lease interface {
	Name() string
	Acquire(ctx context.Context) (release func(), err error)
}

// ErrLeaseBusy is returned when the device is held and the lease is
// configured to fail fast instead of waiting.
type ErrLeaseBusy struct {
	Device string
}

func (e *ErrLeaseBusy) Error() string {
	return fmt.Sprintf("device %s lease is busy", e.Device)
}

// MutexLease is a process-local lease: at most one holder inside this
// process. maxWait == 0 blocks until the context is cancelled; a
// positive maxWait bounds the wait.
type MutexLease struct {
	name    string
	maxWait time.Duration
	slot    chan struct{}
}

// NewMutexLease builds a single-slot lease for the named device.
func NewMutexLease(name string, maxWait time.Duration) *MutexLease {
	l := &MutexLease{
		name:    name,
		maxWait: maxWait,
		slot:    make(chan struct{}, 1),
	}
	l.slot <- struct{}{}
	return l
}

func (l *MutexLease) Name() string { return l.name }

// Acquire takes the slot, or fails when the wait budget runs out.
func (l *MutexLease) Acquire(ctx context.Context) (func(), error) {
	var timeout <-chan time.Time
	if l.maxWait > 0 {
		timer := time.NewTimer(l.maxWait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-l.slot:
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire %s lease: %w", l.name, ctx.Err())
	case <-timeout:
		return nil, &ErrLeaseBusy{Device: l.name}
	}

	var once sync.Once
	release := func() {
		once.Do(func() { l.slot <- struct{}{} })
	}
	return release, nil
}
