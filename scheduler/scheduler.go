// Copyright 2018 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package scheduler

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qorzen/qorzen-core/concurrency"
	"github.com/qorzen/qorzen-core/logging"
)

// EventPublisher is the narrow bus surface the scheduler needs to emit
// `monitoring/metrics` progress updates. Kept narrow so the scheduler
// does not import the eventbus package; *eventbus.Bus satisfies it
// directly.
type EventPublisher interface {
	PublishAsync(eventType, source string, payload map[string]interface{})
}

// SubmitOptions configures a single Submit call.
type SubmitOptions struct {
	Category    Category
	Priority    Priority
	Submitter   string
	PluginID    string
	Cancellable bool
	Timeout     time.Duration
}

// Scheduler is the Task Scheduler manager: a priority queue
// over the Concurrency Core's pools, with per-task status, progress, and
// timeout handling.
type Scheduler struct {
	core   *concurrency.Core
	bus    EventPublisher
	logger logging.Logger

	mu     sync.Mutex
	pq     priorityQueue
	notify chan struct{}

	tasksMu sync.RWMutex
	tasks   map[string]*taskEntry

	seq uint64

	progressInterval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

type taskEntry struct {
	task         *Task
	fn           Func
	token        *concurrency.Token
	handle       *concurrency.Handle
	lastReported time.Time
	timedOut     int32 // atomic bool
}

// New starts a Scheduler backed by core. bus and logger may be nil.
func New(core *concurrency.Core, bus EventPublisher, logger logging.Logger) *Scheduler {
	s := &Scheduler{
		core:             core,
		bus:              bus,
		logger:           logger,
		notify:           make(chan struct{}, 1),
		tasks:            map[string]*taskEntry{},
		progressInterval: 100 * time.Millisecond,
		stopCh:           make(chan struct{}),
	}
	heap.Init(&s.pq)
	s.wg.Add(1)
	go s.dispatchLoop()
	return s
}

// Submit constructs a Task per opts, enqueues it in priority order, and
// returns it immediately in status Pending.
func (s *Scheduler) Submit(name string, fn Func, opts SubmitOptions) *Task {
	if opts.Category == "" {
		opts.Category = CategoryCore
	}
	t := newTask(name, opts.Category, opts.Priority, opts.Submitter, opts.PluginID, opts.Cancellable, opts.Timeout)

	s.mu.Lock()
	s.seq++
	t.seq = s.seq
	heap.Push(&s.pq, t)
	s.mu.Unlock()

	entry := &taskEntry{task: t, fn: fn, token: concurrency.NewToken()}
	t.mu.Lock()
	t.onReport = func(t *Task) { s.publishProgress(t, false) }
	t.mu.Unlock()
	s.tasksMu.Lock()
	s.tasks[t.ID] = entry
	s.tasksMu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return t
}

func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for s.pq.Len() == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
			case <-s.stopCh:
				return
			}
			s.mu.Lock()
		}
		t := heap.Pop(&s.pq).(*Task)
		s.mu.Unlock()

		if t.Status() != StatusPending {
			// Cancelled before it was ever dispatched.
			continue
		}
		started := make(chan struct{})
		s.dispatch(t, started)
		select {
		case <-started:
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) dispatch(t *Task, started chan<- struct{}) {
	s.tasksMu.RLock()
	entry := s.tasks[t.ID]
	s.tasksMu.RUnlock()
	if entry == nil {
		close(started)
		return
	}

	run := func() {
		close(started)
		if !t.advance(StatusRunning, nil, nil) {
			return
		}
		s.publishProgress(t, true)

		var timer *time.Timer
		if t.Timeout > 0 {
			timer = time.AfterFunc(t.Timeout, func() {
				atomic.StoreInt32(&entry.timedOut, 1)
				entry.token.Cancel()
			})
		}

		result, err := entry.fn(t, entry.token.Done())

		if timer != nil {
			timer.Stop()
		}

		switch {
		case atomic.LoadInt32(&entry.timedOut) == 1:
			t.advance(StatusFailed, nil, ErrTaskTimeout)
		case entry.token.Cancelled():
			t.advance(StatusCancelled, nil, nil)
		case err != nil:
			t.advance(StatusFailed, nil, err)
		default:
			t.advance(StatusCompleted, result, nil)
		}
		s.publishProgress(t, true)
	}

	switch t.Category {
	case CategoryIO:
		entry.handle = s.core.RunInIo(func(_ *concurrency.Token) { run() })
	case CategoryUI:
		entry.handle = s.core.RunOnMainThread(func(_ *concurrency.Token) { run() })
	default:
		entry.handle = s.core.RunInThread(func(_ *concurrency.Token) { run() })
	}
}

func (s *Scheduler) publishProgress(t *Task, force bool) {
	s.tasksMu.RLock()
	entry := s.tasks[t.ID]
	s.tasksMu.RUnlock()
	if entry == nil {
		return
	}
	now := time.Now()
	if !force && now.Sub(entry.lastReported) < s.progressInterval {
		return
	}
	entry.lastReported = now
	if s.bus == nil {
		return
	}
	p := t.Progress()
	s.bus.PublishAsync("monitoring/metrics", "scheduler", map[string]interface{}{
		"task_id":  t.ID,
		"status":   string(t.Status()),
		"progress": p.Fraction,
		"message":  p.Message,
	})
}

// Cancel requests cancellation of t. Tasks with Cancellable=false always
// fail with ErrTaskNotCancellable, even if already terminal.
func (s *Scheduler) Cancel(t *Task) error {
	if !t.Cancellable {
		return ErrTaskNotCancellable
	}
	s.tasksMu.RLock()
	entry := s.tasks[t.ID]
	s.tasksMu.RUnlock()
	if entry == nil {
		return nil
	}
	if t.advance(StatusCancelled, nil, nil) {
		// Was pending; dispatchLoop will skip it when popped.
		return nil
	}
	// Already running (or already terminal, in which case this is a no-op):
	// signal the token so a running job observes cancellation cooperatively.
	entry.token.Cancel()
	return nil
}

// Filter narrows GetTasks results.
type Filter struct {
	Status   Status
	Category Category
	PluginID string
}

// GetTasks returns a snapshot of up to limit tasks matching filter. limit
// <= 0 means unbounded.
func (s *Scheduler) GetTasks(filter Filter, limit int) []*Task {
	s.tasksMu.RLock()
	defer s.tasksMu.RUnlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, e := range s.tasks {
		if filter.Status != "" && e.task.Status() != filter.Status {
			continue
		}
		if filter.Category != "" && e.task.Category != filter.Category {
			continue
		}
		if filter.PluginID != "" && e.task.PluginID != filter.PluginID {
			continue
		}
		out = append(out, e.task)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Shutdown stops the dispatch loop. Already-dispatched jobs continue
// running to completion on the Concurrency Core.
func (s *Scheduler) Shutdown() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}
