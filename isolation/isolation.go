// Copyright 2018 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package isolation implements Plugin Isolation: per-plugin
// sandboxing in one of three modes (NONE/THREAD/PROCESS), a queued
// method-call proxy guaranteeing at most one in-flight call per plugin
// under THREAD/PROCESS, advisory resource accounting, and timeout-bounded
// method invocation.
package isolation

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Mode selects how a plugin is separated from the host.
type Mode string

const (
	// None runs the plugin in-process, sharing the host's goroutines with
	// no serialization guarantee.
	None Mode = "none"
	// Thread dedicates a single worker goroutine to the plugin; every call
	// is marshalled through its queue, so no two calls into the plugin
	// ever run concurrently.
	Thread Mode = "thread"
	// Process is the same serialization guarantee as Thread but marks the
	// plugin as intended for separate-process execution. True OS-process
	// separation is not implemented; Process behaves exactly like Thread.
	Process Mode = "process"
)

// PluginIsolationError is raised when a plugin breaches a declared
// resource limit.
type PluginIsolationError struct {
	PluginID string
	Limit    string
	Value    int64
	Max      int64
}

func (e *PluginIsolationError) Error() string {
	return fmt.Sprintf("isolation: plugin %s exceeded %s limit (%d > %d)", e.PluginID, e.Limit, e.Value, e.Max)
}

// ErrCallTimeout is returned by RunPluginMethod when a call does not
// complete within its timeout.
type ErrCallTimeout struct {
	PluginID string
	Method   string
}

func (e *ErrCallTimeout) Error() string {
	return fmt.Sprintf("isolation: call to %s.%s timed out", e.PluginID, e.Method)
}

// ResourceLimits are advisory per-plugin ceilings.
type ResourceLimits struct {
	MaxMemoryBytes int64
	MaxOpenFiles   int64
	MaxThreads     int64
	CPUShare       float64 // advisory only; not enforced by this package
}

// Usage is a plugin's live resource accounting.
type Usage struct {
	MemoryBytes int64
	OpenFiles   int64
	Threads     int64
}

// MethodFunc is a plugin's invokable surface, resolved by the Plugin
// Manager and handed to a Sandbox at plugin-load time.
type MethodFunc func(ctx context.Context, method string, args []interface{}, kwargs map[string]interface{}) (interface{}, error)

type call struct {
	ctx      context.Context
	method   string
	args     []interface{}
	kwargs   map[string]interface{}
	resultCh chan callResult
}

type callResult struct {
	value interface{}
	err   error
}

// BreachHandler is invoked when a plugin exceeds a resource limit. The
// Plugin Manager wires this to transition the plugin to FAILED.
type BreachHandler func(pluginID string, err *PluginIsolationError)

// Sandbox isolates a single plugin's method calls per its declared Mode.
type Sandbox struct {
	pluginID string
	mode     Mode
	limits   ResourceLimits
	target   MethodFunc
	onBreach BreachHandler

	memory  int64
	files   int64
	threads int64

	queue   chan *call
	stopCh  chan struct{}
	stopped int32
}

// NewSandbox constructs a Sandbox for a plugin. target is the plugin's
// resolved method dispatcher. onBreach may be nil.
func NewSandbox(pluginID string, mode Mode, limits ResourceLimits, target MethodFunc, onBreach BreachHandler) *Sandbox {
	s := &Sandbox{
		pluginID: pluginID,
		mode:     mode,
		limits:   limits,
		target:   target,
		onBreach: onBreach,
	}
	if mode != None {
		s.queue = make(chan *call, 64)
		s.stopCh = make(chan struct{})
		go s.worker()
	}
	return s
}

func (s *Sandbox) worker() {
	for {
		select {
		case c := <-s.queue:
			value, err := s.invoke(c)
			c.resultCh <- callResult{value: value, err: err}
		case <-s.stopCh:
			return
		}
	}
}

func (s *Sandbox) invoke(c *call) (interface{}, error) {
	return s.target(c.ctx, c.method, c.args, c.kwargs)
}

// RunPluginMethod calls method on the plugin, respecting the sandbox's
// isolation mode and timeout. A NONE-mode plugin is called
// directly (no queueing); THREAD/PROCESS calls are marshalled through the
// single worker goroutine, guaranteeing serialization.
func (s *Sandbox) RunPluginMethod(ctx context.Context, method string, args []interface{}, kwargs map[string]interface{}, timeout time.Duration) (interface{}, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if s.mode == None {
		return s.runDirect(ctx, method, args, kwargs)
	}

	c := &call{ctx: ctx, method: method, args: args, kwargs: kwargs, resultCh: make(chan callResult, 1)}
	select {
	case s.queue <- c:
	case <-ctx.Done():
		return nil, &ErrCallTimeout{PluginID: s.pluginID, Method: method}
	}

	select {
	case r := <-c.resultCh:
		return r.value, r.err
	case <-ctx.Done():
		return nil, &ErrCallTimeout{PluginID: s.pluginID, Method: method}
	}
}

func (s *Sandbox) runDirect(ctx context.Context, method string, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	type result struct {
		value interface{}
		err   error
	}
	done := make(chan result, 1)
	go func() {
		value, err := s.target(ctx, method, args, kwargs)
		done <- result{value: value, err: err}
	}()
	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, &ErrCallTimeout{PluginID: s.pluginID, Method: method}
	}
}

// Stop releases the sandbox's worker goroutine (THREAD/PROCESS modes
// only; a no-op for NONE).
func (s *Sandbox) Stop() {
	if s.mode == None {
		return
	}
	if atomic.CompareAndSwapInt32(&s.stopped, 0, 1) {
		close(s.stopCh)
	}
}

// SetMemoryUsage records a plugin's current memory footprint and reports a
// breach if it exceeds the configured ceiling.
func (s *Sandbox) SetMemoryUsage(bytes int64) {
	atomic.StoreInt64(&s.memory, bytes)
	if s.limits.MaxMemoryBytes > 0 && bytes > s.limits.MaxMemoryBytes {
		s.breach("memory", bytes, s.limits.MaxMemoryBytes)
	}
}

// RecordOpenFile and RecordCloseFile track the plugin's open-file budget.
func (s *Sandbox) RecordOpenFile() {
	n := atomic.AddInt64(&s.files, 1)
	if s.limits.MaxOpenFiles > 0 && n > s.limits.MaxOpenFiles {
		s.breach("open_files", n, s.limits.MaxOpenFiles)
	}
}

func (s *Sandbox) RecordCloseFile() {
	atomic.AddInt64(&s.files, -1)
}

// RecordThreadStart and RecordThreadStop track the plugin's thread budget.
func (s *Sandbox) RecordThreadStart() {
	n := atomic.AddInt64(&s.threads, 1)
	if s.limits.MaxThreads > 0 && n > s.limits.MaxThreads {
		s.breach("threads", n, s.limits.MaxThreads)
	}
}

func (s *Sandbox) RecordThreadStop() {
	atomic.AddInt64(&s.threads, -1)
}

func (s *Sandbox) breach(limit string, value, max int64) {
	if s.onBreach == nil {
		return
	}
	s.onBreach(s.pluginID, &PluginIsolationError{PluginID: s.pluginID, Limit: limit, Value: value, Max: max})
}

// Usage returns a snapshot of the sandbox's live resource accounting.
func (s *Sandbox) Usage() Usage {
	return Usage{
		MemoryBytes: atomic.LoadInt64(&s.memory),
		OpenFiles:   atomic.LoadInt64(&s.files),
		Threads:     atomic.LoadInt64(&s.threads),
	}
}
