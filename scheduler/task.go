// Copyright 2018 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package scheduler implements the Task Scheduler: a
// priority-ordered layer over the Concurrency Core that assigns each task a
// category/priority, tracks its lifecycle and progress, and supports
// timeouts and cancellation.
package scheduler

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Priority orders tasks within a pool; higher values run first, FIFO
// within a priority.
type Priority int

const (
	Low      Priority = 0
	Normal   Priority = 50
	High     Priority = 100
	Critical Priority = 200
)

// Category selects which pool a task runs on.
type Category string

const (
	CategoryCore       Category = "core"
	CategoryPlugin     Category = "plugin"
	CategoryUI         Category = "ui"
	CategoryIO         Category = "io"
	CategoryBackground Category = "background"
	CategoryUser       Category = "user"
)

// Status is a Task's lifecycle state. Once terminal, it never changes.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ErrTaskTimeout is the error recorded on a task that was cancelled because
// its timeout elapsed.
var ErrTaskTimeout = errors.New("scheduler: task timeout")

// ErrTaskNotCancellable is returned by Cancel for a task with
// Cancellable=false.
var ErrTaskNotCancellable = errors.New("scheduler: task is not cancellable")

// Progress is a task's last reported completion fraction and message.
type Progress struct {
	Fraction float64
	Message  string
}

// Task is a scheduled unit of work.
type Task struct {
	ID          string
	Name        string
	Category    Category
	Priority    Priority
	Submitter   string
	PluginID    string
	Cancellable bool
	Timeout     time.Duration
	submittedAt time.Time
	seq         uint64 // FIFO tiebreaker within a priority

	mu       sync.Mutex
	status   Status
	progress Progress
	result   interface{}
	err      error

	onReport func(*Task) // set by the Scheduler to publish progress updates
}

// Func is the work a task performs. It must poll done for cancellation at
// well-defined yield points.
type Func func(t *Task, done <-chan struct{}) (interface{}, error)

func newTask(name string, category Category, priority Priority, submitter, pluginID string, cancellable bool, timeout time.Duration) *Task {
	return &Task{
		ID:          uuid.NewString(),
		Name:        name,
		Category:    category,
		Priority:    priority,
		Submitter:   submitter,
		PluginID:    pluginID,
		Cancellable: cancellable,
		Timeout:     timeout,
		submittedAt: time.Now(),
		status:      StatusPending,
	}
}

// Status returns the task's current lifecycle state.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Progress returns the last reported progress.
func (t *Task) Progress() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// Result returns the task's result and error once terminal.
func (t *Task) Result() (interface{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}

// Report records progress from inside a running Func. fraction is clamped
// to [0,1]. The update is republished as monitoring/metrics at a bounded
// rate.
func (t *Task) Report(fraction float64, message string) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	t.mu.Lock()
	t.progress = Progress{Fraction: fraction, Message: message}
	cb := t.onReport
	t.mu.Unlock()
	if cb != nil {
		cb(t)
	}
}

// advance moves status forward if the transition is lawful and the task
// isn't already terminal. Returns false if the call was a no-op because the
// task was already terminal.
func (t *Task) advance(to Status, result interface{}, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.terminal() {
		return false
	}
	t.status = to
	if to.terminal() {
		t.result = result
		t.err = err
	}
	return true
}
