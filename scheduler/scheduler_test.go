// Copyright 2018 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qorzen/qorzen-core/concurrency"
)

// TestPriorityOrderingAndCancel submits three
// tasks at LOW/NORMAL/HIGH priority onto a single-worker pool, which must
// start HIGH, then NORMAL, then LOW; cancelling NORMAL while it is still
// pending leaves HIGH and LOW unaffected.
func TestPriorityOrderingAndCancel(t *testing.T) {
	core := concurrency.New(concurrency.Options{CPUWorkers: 1, IOWorkers: 1, Headless: true})
	defer core.Shutdown()
	s := New(core, nil, nil)
	defer s.Shutdown()

	var mu sync.Mutex
	var started []string
	gate := make(chan struct{})

	mkFn := func(label string) Func {
		return func(tsk *Task, done <-chan struct{}) (interface{}, error) {
			mu.Lock()
			started = append(started, label)
			mu.Unlock()
			<-gate
			return nil, nil
		}
	}

	// First task occupies the sole CPU worker so the other three queue up in
	// priority order behind it.
	blocker := s.Submit("blocker", func(tsk *Task, done <-chan struct{}) (interface{}, error) {
		<-gate
		return nil, nil
	}, SubmitOptions{Priority: Normal, Cancellable: true})
	waitFor(t, time.Second, func() bool { return blocker.Status() == StatusRunning })

	low := s.Submit("low", mkFn("low"), SubmitOptions{Priority: Low, Cancellable: true})
	normal := s.Submit("normal", mkFn("normal"), SubmitOptions{Priority: Normal, Cancellable: true})
	high := s.Submit("high", mkFn("high"), SubmitOptions{Priority: High, Cancellable: true})

	require.NoError(t, s.Cancel(normal))
	require.Equal(t, StatusCancelled, normal.Status())

	close(gate)

	waitFor(t, time.Second, func() bool { return high.Status().terminal() && low.Status().terminal() })

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"high", "low"}, started)
	require.Equal(t, StatusCompleted, high.Status())
	require.Equal(t, StatusCompleted, low.Status())
}

func TestTaskTimeoutFailsWithErrTaskTimeout(t *testing.T) {
	core := concurrency.New(concurrency.Options{CPUWorkers: 2, IOWorkers: 2, Headless: true})
	defer core.Shutdown()
	s := New(core, nil, nil)
	defer s.Shutdown()

	tsk := s.Submit("slow", func(tsk *Task, done <-chan struct{}) (interface{}, error) {
		<-done
		return nil, nil
	}, SubmitOptions{Priority: Normal, Cancellable: true, Timeout: 10 * time.Millisecond})

	waitFor(t, time.Second, func() bool { return tsk.Status().terminal() })
	require.Equal(t, StatusFailed, tsk.Status())
	_, err := tsk.Result()
	require.ErrorIs(t, err, ErrTaskTimeout)
}

func TestNonCancellableTaskRejectsCancel(t *testing.T) {
	core := concurrency.New(concurrency.Options{CPUWorkers: 1, IOWorkers: 1, Headless: true})
	defer core.Shutdown()
	s := New(core, nil, nil)
	defer s.Shutdown()

	tsk := s.Submit("work", func(tsk *Task, done <-chan struct{}) (interface{}, error) {
		return 42, nil
	}, SubmitOptions{Priority: Normal, Cancellable: false})

	require.ErrorIs(t, s.Cancel(tsk), ErrTaskNotCancellable)
	waitFor(t, time.Second, func() bool { return tsk.Status().terminal() })
	require.Equal(t, StatusCompleted, tsk.Status())
}

type recordingBus struct {
	mu       sync.Mutex
	payloads []map[string]interface{}
}

func (r *recordingBus) PublishAsync(eventType, _ string, payload map[string]interface{}) {
	if eventType != "monitoring/metrics" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, payload)
}

func TestReportPublishesProgress(t *testing.T) {
	core := concurrency.New(concurrency.Options{CPUWorkers: 1, IOWorkers: 1, Headless: true})
	defer core.Shutdown()
	bus := &recordingBus{}
	s := New(core, bus, nil)
	defer s.Shutdown()

	tsk := s.Submit("progressive", func(tsk *Task, done <-chan struct{}) (interface{}, error) {
		tsk.Report(0.5, "halfway")
		return nil, nil
	}, SubmitOptions{Priority: Normal})

	waitFor(t, time.Second, func() bool { return tsk.Status().terminal() })
	require.Equal(t, StatusCompleted, tsk.Status())
	require.InDelta(t, 0.5, tsk.Progress().Fraction, 0.001)

	bus.mu.Lock()
	defer bus.mu.Unlock()
	require.NotEmpty(t, bus.payloads)
	last := bus.payloads[len(bus.payloads)-1]
	require.Equal(t, tsk.ID, last["task_id"])
	require.Equal(t, string(StatusCompleted), last["status"])
}

func TestGetTasksFilters(t *testing.T) {
	core := concurrency.New(concurrency.Options{CPUWorkers: 1, IOWorkers: 1, Headless: true})
	defer core.Shutdown()
	s := New(core, nil, nil)
	defer s.Shutdown()

	a := s.Submit("a", func(*Task, <-chan struct{}) (interface{}, error) { return nil, nil },
		SubmitOptions{Category: CategoryIO, PluginID: "sample"})
	s.Submit("b", func(*Task, <-chan struct{}) (interface{}, error) { return nil, nil },
		SubmitOptions{Category: CategoryCore})

	waitFor(t, time.Second, func() bool { return a.Status().terminal() })

	byPlugin := s.GetTasks(Filter{PluginID: "sample"}, 0)
	require.Len(t, byPlugin, 1)
	require.Equal(t, a.ID, byPlugin[0].ID)

	byCategory := s.GetTasks(Filter{Category: CategoryIO}, 0)
	require.Len(t, byCategory, 1)

	all := s.GetTasks(Filter{}, 0)
	require.Len(t, all, 2)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}
