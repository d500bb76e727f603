// Copyright 2025 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"context"
	"sync"
)

// Status is the lifecycle state of a submitted job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// JobHandle tracks one submitted job. Handles are returned at submission
// and can be polled, waited on, or cancelled.
type JobHandle struct {
	ID string

	mu     sync.Mutex
	status Status
	err    error
	cancel context.CancelFunc
	done   chan struct{}
}

func newHandle(id string, cancel context.CancelFunc) *JobHandle {
	return &JobHandle{
		ID:     id,
		status: StatusPending,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Status returns the current lifecycle state.
func (h *JobHandle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Err returns the terminal error of a failed job, nil otherwise.
func (h *JobHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Cancel stops the job. Steps already completed keep their stored results.
func (h *JobHandle) Cancel() {
	h.cancel()
}

// Wait blocks until the job reaches a terminal state or the context ends.
// It returns the job's terminal error, if any.
func (h *JobHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *JobHandle) setRunning() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = StatusRunning
}

func (h *JobHandle) finish(err error, cancelled bool) {
	h.mu.Lock()
	switch {
	case cancelled:
		h.status = StatusCancelled
	case err != nil:
		h.status = StatusFailed
		h.err = err
	default:
		h.status = StatusDone
	}
	h.mu.Unlock()
	close(h.done)
}
