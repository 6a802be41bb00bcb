// Copyright 2018 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package kernel implements the Manager Kernel: a registry of
// named managers started and stopped in dependency order, with typed lookup
// and an aggregate health snapshot.
package kernel

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/qorzen/qorzen-core/internal/util"
	"github.com/qorzen/qorzen-core/logging"
)

// HealthState is a manager's reported operating condition.
type HealthState string

const (
	HealthNotReady HealthState = "not_ready"
	HealthOK       HealthState = "ok"
	HealthDegraded HealthState = "degraded"
	HealthError    HealthState = "error"
	// HealthBlocked marks a manager that was never initialized because a
	// manager it depends on failed to come up.
	HealthBlocked HealthState = "blocked"
)

// Health is a single manager's health snapshot.
type Health struct {
	State   HealthState
	Message string
}

// DependencyCycle is returned by Register when a declared dependency edge
// would make the manager graph cyclic.
type DependencyCycle struct {
	Manager    string
	Dependency string
}

func (e *DependencyCycle) Error() string {
	return fmt.Sprintf("kernel: registering %q with dependency %q would create a cycle", e.Manager, e.Dependency)
}

// Manager is the minimum lifecycle a component registered with the Kernel
// must implement.
type Manager interface {
	Name() string
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// HealthReporter is implemented by managers that can report their own
// condition beyond "initialized or not".
type HealthReporter interface {
	Health() Health
}

type registration struct {
	manager      Manager
	dependencies []string
}

// Kernel owns the dependency graph of registered managers and drives their
// startup/shutdown order.
type Kernel struct {
	logger logging.Logger

	mu      sync.Mutex
	graph   *util.Graph
	regs    map[string]*registration
	started []string // in the order Initialize succeeded, for reverse-order Shutdown
	failed  map[string]string
	blocked map[string]string // dependent -> the failed manager that blocks it
	running bool
}

// New constructs an empty Kernel. logger may be nil.
func New(logger logging.Logger) *Kernel {
	return &Kernel{
		logger:  logger,
		graph:   util.NewGraph(),
		regs:    map[string]*registration{},
		failed:  map[string]string{},
		blocked: map[string]string{},
	}
}

// Register adds a manager to the Kernel under the given name, depending on
// the managers named in dependsOn. Register must be called before
// InitializeAll; registering after startup returns an error.
func (k *Kernel) Register(m Manager, dependsOn ...string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running {
		return errors.New("kernel: cannot register a manager after startup")
	}
	name := m.Name()
	if _, exists := k.regs[name]; exists {
		return errors.Errorf("kernel: manager %q already registered", name)
	}
	for _, dep := range dependsOn {
		if k.graph.WouldCycle(name, dep) {
			return &DependencyCycle{Manager: name, Dependency: dep}
		}
	}
	k.graph.AddNode(name)
	for _, dep := range dependsOn {
		k.graph.AddNode(dep)
		k.graph.AddEdge(name, dep)
	}
	k.regs[name] = &registration{manager: m, dependencies: dependsOn}
	return nil
}

// Deregister removes a not-yet-started manager from the Kernel, undoing a
// Register call. Deregistering after startup, or a name that was never
// registered, returns an error.
func (k *Kernel) Deregister(name string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running {
		return errors.New("kernel: cannot deregister a manager after startup")
	}
	if _, exists := k.regs[name]; !exists {
		return errors.Errorf("kernel: manager %q not registered", name)
	}
	delete(k.regs, name)
	k.graph.RemoveNode(name)
	return nil
}

// Get returns the manager registered under name, or nil.
func (k *Kernel) Get(name string) Manager {
	k.mu.Lock()
	defer k.mu.Unlock()
	r, ok := k.regs[name]
	if !ok {
		return nil
	}
	return r.manager
}

// GetAs looks up name and asserts the registered manager satisfies T,
// where T is the capability interface the caller needs (HealthReporter, a
// manager-specific surface, etc.). Returns the zero T and false when name
// is unknown or the manager does not implement T.
func GetAs[T any](k *Kernel, name string) (T, bool) {
	var zero T
	m := k.Get(name)
	if m == nil {
		return zero, false
	}
	t, ok := m.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// order computes the dependency-respecting start order. util.Graph.AddEdge
// records name -> dep ("name depends on dep"), and TopoSort already returns
// dependencies before dependents, so its output is exactly the start order;
// ShutdownAll walks k.started in reverse instead of recomputing this.
func (k *Kernel) order() ([]string, error) {
	return k.graph.TopoSort()
}

// InitializeAll starts every registered manager in dependency order. If a
// manager's Initialize fails, further initialization aborts and every
// transitive dependent of the failed manager is marked blocked, but the
// managers already started stay up; it is the caller's choice whether to
// run degraded or call ShutdownAll.
func (k *Kernel) InitializeAll(ctx context.Context) error {
	k.mu.Lock()
	if k.running {
		k.mu.Unlock()
		return errors.New("kernel: already started")
	}
	order, err := k.order()
	if err != nil {
		k.mu.Unlock()
		return errors.Wrap(err, "kernel: cannot determine start order")
	}
	k.running = true
	k.mu.Unlock()

	for _, name := range order {
		k.mu.Lock()
		r := k.regs[name]
		k.mu.Unlock()
		if r == nil {
			continue // a dependency name with no registered manager; purely advisory
		}
		if k.logger != nil {
			k.logger.Info("starting manager %s", name)
		}
		if err := r.manager.Initialize(ctx); err != nil {
			if k.logger != nil {
				k.logger.Error("manager %s failed to start: %v", name, err)
			}
			k.mu.Lock()
			k.failed[name] = err.Error()
			for _, dep := range k.dependentsOfLocked(name) {
				k.blocked[dep] = name
			}
			k.mu.Unlock()
			return errors.Wrapf(err, "kernel: manager %q failed to initialize", name)
		}
		k.mu.Lock()
		k.started = append(k.started, name)
		k.mu.Unlock()
	}
	return nil
}

// dependentsOfLocked returns every manager that transitively depends on
// name. Callers hold k.mu.
func (k *Kernel) dependentsOfLocked(name string) []string {
	reversed := k.graph.Reversed()
	var out []string
	seen := map[string]bool{name: true}
	queue := []string{name}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, dep := range reversed.Dependencies(n) {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			out = append(out, dep)
			queue = append(queue, dep)
		}
	}
	return out
}

// Blocked returns which managers were never initialized because a
// dependency failed, keyed by manager name with the failed dependency as
// the value.
func (k *Kernel) Blocked() map[string]string {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make(map[string]string, len(k.blocked))
	for name, by := range k.blocked {
		out[name] = by
	}
	return out
}

// ShutdownAll stops every started manager in reverse start order. Unlike
// InitializeAll, ShutdownAll is best-effort: every manager's Shutdown is
// attempted regardless of earlier failures, and all errors are
// aggregated.
func (k *Kernel) ShutdownAll(ctx context.Context) error {
	k.mu.Lock()
	started := append([]string(nil), k.started...)
	k.started = nil
	k.running = false
	k.failed = map[string]string{}
	k.blocked = map[string]string{}
	k.mu.Unlock()

	var result *multierror.Error
	for i := len(started) - 1; i >= 0; i-- {
		k.mu.Lock()
		r := k.regs[started[i]]
		k.mu.Unlock()
		if r == nil {
			continue
		}
		if k.logger != nil {
			k.logger.Info("stopping manager %s", started[i])
		}
		if err := r.manager.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("manager %s: %w", started[i], err))
		}
	}
	if result != nil {
		return result.ErrorOrNil()
	}
	return nil
}

// Health returns an aggregate snapshot of every registered manager's
// condition. A failed manager reports HealthError and its blocked
// dependents HealthBlocked, regardless of any HealthReporter they
// implement; other managers without a HealthReporter report HealthOK if
// started, HealthNotReady otherwise.
func (k *Kernel) Health() map[string]Health {
	k.mu.Lock()
	started := map[string]bool{}
	for _, name := range k.started {
		started[name] = true
	}
	failed := make(map[string]string, len(k.failed))
	for name, msg := range k.failed {
		failed[name] = msg
	}
	blocked := make(map[string]string, len(k.blocked))
	for name, by := range k.blocked {
		blocked[name] = by
	}
	regs := make(map[string]*registration, len(k.regs))
	for name, r := range k.regs {
		regs[name] = r
	}
	k.mu.Unlock()

	out := make(map[string]Health, len(regs))
	for name, r := range regs {
		if msg, ok := failed[name]; ok {
			out[name] = Health{State: HealthError, Message: msg}
			continue
		}
		if by, ok := blocked[name]; ok {
			out[name] = Health{State: HealthBlocked, Message: "blocked by failed manager " + by}
			continue
		}
		if hr, ok := r.manager.(HealthReporter); ok {
			out[name] = hr.Health()
			continue
		}
		if started[name] {
			out[name] = Health{State: HealthOK}
		} else {
			out[name] = Health{State: HealthNotReady}
		}
	}
	return out
}
