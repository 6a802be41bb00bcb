// Copyright 2018 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package concurrency implements the platform's Concurrency Core: CPU and I/O worker pools, a main-thread queue drained by an
// external pump (or folded into the CPU pool when headless), and
// cooperative cancellation tokens.
package concurrency

import (
	"context"
	"runtime"
	"sync"
)

// Token is a cooperative cancellation primitive. Cancel
// never forcibly kills a running job; it only makes Cancelled() observable
// and, if the job has not started, removes it from its queue.
type Token struct {
	mu        sync.Mutex
	cancelled bool
	ch        chan struct{}
}

// NewToken returns a fresh, un-cancelled token.
func NewToken() *Token {
	return &Token{ch: make(chan struct{})}
}

// Cancel marks the token cancelled. Idempotent.
func (t *Token) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.cancelled {
		t.cancelled = true
		close(t.ch)
	}
}

// Cancelled reports whether Cancel has been called.
func (t *Token) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Done returns a channel closed when the token is cancelled, for use in a
// select alongside other work.
func (t *Token) Done() <-chan struct{} {
	return t.ch
}

// Job is a unit of work submitted to a pool. It receives a Token it should
// poll at well-defined yield points.
type Job func(tok *Token)

// Handle is returned by every Run* call; callers may Wait for completion or
// Cancel the job.
type Handle struct {
	token *Token
	done  chan struct{}
	err   interface{} // recovered panic, if any
}

// Cancel requests cancellation of the underlying job.
func (h *Handle) Cancel() { h.token.Cancel() }

// Wait blocks until the job has finished (run to completion, panicked, or
// observed cancellation and returned).
func (h *Handle) Wait() {
	<-h.done
}

// Done returns a channel closed when the job completes, for select-based
// waiting (e.g. with a timeout).
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Recovered returns the value recovered from a job panic, or nil.
func (h *Handle) Recovered() interface{} {
	return h.err
}

// pool is a fixed-size worker pool draining a FIFO job queue. The CPU and
// I/O pools share this implementation; only their sizing differs.
type pool struct {
	jobs chan poolJob
	wg   sync.WaitGroup
}

type poolJob struct {
	job    Job
	handle *Handle
}

func newPool(workers, queueCapacity int) *pool {
	if workers < 1 {
		workers = 1
	}
	if queueCapacity < 1 {
		queueCapacity = 256
	}
	p := &pool{jobs: make(chan poolJob, queueCapacity)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.loop()
	}
	return p
}

func (p *pool) loop() {
	defer p.wg.Done()
	for pj := range p.jobs {
		p.run(pj)
	}
}

func (p *pool) run(pj poolJob) {
	defer close(pj.handle.done)
	defer func() {
		if r := recover(); r != nil {
			pj.handle.err = r
		}
	}()
	if pj.handle.token.Cancelled() {
		return
	}
	pj.job(pj.handle.token)
}

func (p *pool) submit(job Job) *Handle {
	h := &Handle{token: NewToken(), done: make(chan struct{})}
	p.jobs <- poolJob{job: job, handle: h}
	return h
}

func (p *pool) stop() {
	close(p.jobs)
	p.wg.Wait()
}

// Core is the Concurrency Core manager: CPU pool, I/O pool, and a
// main-thread FIFO drained either by an external pump or, in headless mode,
// folded into the CPU pool.
type Core struct {
	cpu      *pool
	io       *pool
	main     chan mainJob
	headless bool
}

type mainJob struct {
	job    Job
	handle *Handle
}

// Options configures pool sizes. CPUWorkers defaults to runtime.NumCPU();
// IOWorkers defaults to 4x that, since blocking I/O wants a larger bounded
// pool than compute does.
type Options struct {
	CPUWorkers    int
	IOWorkers     int
	MainQueueSize int
	Headless      bool
}

// DefaultOptions returns pool sizes derived from the host's logical CPU
// count.
func DefaultOptions() Options {
	n := runtime.NumCPU()
	if n < 1 {
		n = 1
	}
	return Options{CPUWorkers: n, IOWorkers: n * 4, MainQueueSize: 256}
}

// New constructs a Core. If opts.Headless is true, RunOnMainThread behaves
// exactly like RunInThread.
func New(opts Options) *Core {
	if opts.CPUWorkers < 1 {
		opts.CPUWorkers = 1
	}
	if opts.IOWorkers < 1 {
		opts.IOWorkers = opts.CPUWorkers * 4
	}
	if opts.MainQueueSize < 1 {
		opts.MainQueueSize = 256
	}
	return &Core{
		cpu:      newPool(opts.CPUWorkers, 1024),
		io:       newPool(opts.IOWorkers, 1024),
		main:     make(chan mainJob, opts.MainQueueSize),
		headless: opts.Headless,
	}
}

// RunInThread submits a compute-bound job to the CPU pool.
func (c *Core) RunInThread(job Job) *Handle { return c.cpu.submit(job) }

// RunInIo submits a blocking-I/O job to the I/O pool.
func (c *Core) RunInIo(job Job) *Handle { return c.io.submit(job) }

// RunInProcess runs the job in the CPU pool, same as RunInThread. True
// fork-style process workers are not implemented by this Core; separate-
// process execution, where needed, is the isolation layer's concern.
// Callers still get a valid handle either way.
func (c *Core) RunInProcess(job Job) *Handle { return c.RunInThread(job) }

// RunOnMainThread enqueues a callable for the external pump to drain. In
// headless mode (no pump attached) it runs on the CPU pool instead.
func (c *Core) RunOnMainThread(job Job) *Handle {
	if c.headless {
		return c.RunInThread(job)
	}
	h := &Handle{token: NewToken(), done: make(chan struct{})}
	c.main <- mainJob{job: job, handle: h}
	return h
}

// PumpOnce drains and runs every callable currently queued on the main
// thread. The host's UI loop calls this once per frame/tick; it must be
// called from the actual main/UI thread.
func (c *Core) PumpOnce(ctx context.Context) {
	for {
		select {
		case mj := <-c.main:
			func() {
				defer close(mj.handle.done)
				defer func() {
					if r := recover(); r != nil {
						mj.handle.err = r
					}
				}()
				if !mj.handle.token.Cancelled() {
					mj.job(mj.handle.token)
				}
			}()
		case <-ctx.Done():
			return
		default:
			return
		}
	}
}

// Shutdown stops accepting new work and waits for in-flight jobs to drain.
func (c *Core) Shutdown() {
	c.cpu.stop()
	c.io.stop()
}
