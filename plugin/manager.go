// Copyright 2018 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package plugin

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/qorzen/qorzen-core/hooks"
	"github.com/qorzen/qorzen-core/internal/util"
	"github.com/qorzen/qorzen-core/isolation"
	"github.com/qorzen/qorzen-core/keys"
)

// EventPublisher is the narrow bus surface the Manager uses to announce
// plugin/* events.
// Defined locally, the same narrowing technique used by scheduler.
// EventPublisher and errs.EventPublisher, so this package does not import
// eventbus.
type EventPublisher interface {
	PublishAsync(eventType, source string, payload map[string]interface{})
}

// Logger is the narrow logging surface the Manager writes to.
type Logger interface {
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// ResourceLimiter resolves the advisory resource ceilings a newly loaded
// plugin's Sandbox should enforce. The Plugin Manager owns
// this policy; isolation.Sandbox just enforces whatever it is given.
type ResourceLimiter func(name string, m *Manifest) isolation.ResourceLimits

// Options configures a Manager at construction. Config and Events back
// each plugin's capability-gated Host and are also handed to lifecycle
// hooks; Files is an opaque handle passed to hooks only.
type Options struct {
	Bus              EventPublisher
	Logger           Logger
	Config           ConfigService
	Events           EventService
	Files            interface{}
	Hooks            *hooks.Registry
	Keys             *keys.Store
	Limits           ResourceLimiter
	DefaultMode      isolation.Mode
	SkipVerification bool
}

// Manager implements the Plugin Manager: discovery, manifest
// validation, capability/dependency checks, install/update/uninstall, and
// state-machine-driven load/enable/disable, built on top of StateManager
// and isolation.Sandbox for the per-plugin concurrency
// guarantee.
type Manager struct {
	root        string
	coreVersion string
	registry    *Registry
	states      *StateManager
	opts        Options

	mu         sync.Mutex
	infos      map[string]*Info
	sandboxes  map[string]*isolation.Sandbox
	entryPoint map[string]isolation.MethodFunc
	capsets    map[string]CapabilitySet
	extensions *ExtensionRegistry

	watcher   *fsnotify.Watcher
	watchStop chan struct{}
}

// NewManager constructs a Manager rooted at pluginsRoot, tracking
// installed state in a registry file beneath it.
func NewManager(pluginsRoot, coreVersion string, opts Options) (*Manager, error) {
	if opts.Hooks == nil {
		opts.Hooks = hooks.NewRegistry()
	}
	if opts.Limits == nil {
		opts.Limits = func(string, *Manifest) isolation.ResourceLimits { return isolation.ResourceLimits{} }
	}
	if opts.DefaultMode == "" {
		opts.DefaultMode = isolation.Thread
	}
	reg, err := LoadRegistry(registryPath(pluginsRoot))
	if err != nil {
		return nil, err
	}
	return &Manager{
		root:        pluginsRoot,
		coreVersion: coreVersion,
		registry:    reg,
		states:      NewStateManager(),
		opts:        opts,
		infos:       map[string]*Info{},
		sandboxes:   map[string]*isolation.Sandbox{},
		entryPoint:  map[string]isolation.MethodFunc{},
		capsets:     map[string]CapabilitySet{},
		extensions:  NewExtensionRegistry(),
	}, nil
}

// RegisterEntryPoint binds name's callable surface, resolved from its
// manifest's entry_point hint by the host process at startup. Load uses this to build the plugin's
// Sandbox; a plugin with no registered entry point still loads, but every
// RunMethod call against it fails.
func (m *Manager) RegisterEntryPoint(name string, fn isolation.MethodFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entryPoint[name] = fn
}

func registryPath(pluginsRoot string) string {
	return pluginsRoot + string(os.PathSeparator) + ".registry.json"
}

func (m *Manager) publish(eventType string, payload map[string]interface{}) {
	if m.opts.Bus != nil {
		m.opts.Bus.PublishAsync(eventType, "plugin_manager", payload)
	}
}

func (m *Manager) logf(level string, format string, args ...interface{}) {
	if m.opts.Logger == nil {
		return
	}
	switch level {
	case "warn":
		m.opts.Logger.Warn(format, args...)
	case "error":
		m.opts.Logger.Error(format, args...)
	default:
		m.opts.Logger.Info(format, args...)
	}
}

// Discover scans m.root for plugin directories, registering each valid
// manifest and cross-referencing it against the persisted registry so a
// previously installed-but-disabled plugin resumes in Disabled rather than
// Discovered.
func (m *Manager) Discover() ([]*Info, []error) {
	infos, errs := Discover(m.root)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, info := range infos {
		name := info.Manifest.Name
		m.infos[name] = info
		m.capsets[name] = info.Manifest.CapabilitySet()
		if entry, ok := m.registry.Get(name); ok {
			if entry.Enabled {
				m.states.Seed(name, Discovered)
			} else {
				m.states.Seed(name, Disabled)
			}
		} else {
			m.states.Seed(name, Discovered)
		}
		info.State = m.states.Get(name)
	}
	m.publish("plugin_manager/discovered", map[string]interface{}{"count": len(infos)})
	return infos, errs
}

// Info returns the currently known record for name, or nil.
func (m *Manager) Info(name string) *Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.infos[name]
}

// State returns name's current lifecycle state.
func (m *Manager) State(name string) State {
	return m.states.Get(name)
}

// ResolveLoadOrder builds the dependency graph over every known plugin and
// returns a topological load order. Non-optional
// dependencies that are absent or version-incompatible fail resolution
// before any load occurs.
func (m *Manager) ResolveLoadOrder() ([]string, error) {
	m.mu.Lock()
	infos := make(map[string]*Info, len(m.infos))
	for k, v := range m.infos {
		infos[k] = v
	}
	m.mu.Unlock()

	g := util.NewGraph()
	for name := range infos {
		g.AddNode(name)
	}

	names := make([]string, 0, len(infos))
	for name := range infos {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		info := infos[name]
		for _, dep := range info.Manifest.Dependencies {
			other, ok := infos[dep.Name]
			if !ok {
				if dep.Optional {
					continue
				}
				return nil, &MissingDependency{PluginID: name, Needs: dep.Name}
			}
			r, err := ParseVersionRange(dep.Range)
			if err != nil {
				return nil, err
			}
			ok, err = r.Satisfies(other.Manifest.Version)
			if err != nil {
				return nil, err
			}
			if !ok {
				if dep.Optional {
					continue
				}
				return nil, &IncompatibleVersion{PluginID: name, Needs: dep.Name, Range: dep.Range, Got: other.Manifest.Version}
			}
			g.AddEdge(name, dep.Name)
		}
	}

	order, err := g.TopoSort()
	if err != nil {
		var cycleErr *util.ErrCycle
		if asErrCycle(err, &cycleErr) {
			return nil, &CircularDependency{Cycle: cycleErr.Cycle}
		}
		return nil, err
	}
	return order, nil
}

func asErrCycle(err error, target **util.ErrCycle) bool {
	if e, ok := err.(*util.ErrCycle); ok {
		*target = e
		return true
	}
	return false
}

// LoadAll resolves the load order and calls Load for every plugin not
// already Active or Disabled.
func (m *Manager) LoadAll() error {
	order, err := m.ResolveLoadOrder()
	if err != nil {
		return err
	}
	for _, name := range order {
		switch m.states.Get(name) {
		case Active, Disabled, Uninstalled:
			continue
		}
		if err := m.Load(name); err != nil {
			return fmt.Errorf("plugin: loading %s: %w", name, err)
		}
	}
	return nil
}

// Load drives a discovered plugin from Discovered to Active, constructing its
// isolation Sandbox on success. Loading a
// Disabled plugin is refused; Enable is the blessed path back from
// Disabled.
func (m *Manager) Load(name string) error {
	if m.states.Get(name) == Disabled {
		return &PluginDisabled{PluginID: name}
	}

	m.mu.Lock()
	info, ok := m.infos[name]
	m.mu.Unlock()
	if !ok {
		return &NotFound{PluginID: name}
	}

	if err := m.states.Transition(name, Loading, nil, nil); err != nil {
		return err
	}
	return m.activate(name, info)
}

// activate finishes a load already in the Loading state: it builds the
// plugin's sandbox, moves it to Active, publishes its extension points,
// and verifies its extension uses.
func (m *Manager) activate(name string, info *Info) error {
	m.mu.Lock()
	target := m.entryPoint[name]
	m.mu.Unlock()
	if target == nil {
		target = func(_ context.Context, method string, _ []interface{}, _ map[string]interface{}) (interface{}, error) {
			return nil, fmt.Errorf("plugin: %s: no entry point bound for method %s", name, method)
		}
	}

	box := isolation.NewSandbox(name, m.opts.DefaultMode, m.opts.Limits(name, info.Manifest), target,
		func(pluginID string, isoErr *isolation.PluginIsolationError) {
			m.logf("error", "plugin %s breached resource limit: %v", pluginID, isoErr)
			_ = m.states.Transition(pluginID, Failed, nil, nil)
			m.publish("plugin/failed", map[string]interface{}{"name": pluginID, "reason": isoErr.Error()})
		})

	if err := m.states.Transition(name, Active, statePtr(Loading), nil); err != nil {
		box.Stop()
		_ = m.states.Transition(name, Failed, nil, nil)
		return err
	}

	m.mu.Lock()
	m.sandboxes[name] = box
	m.mu.Unlock()

	for _, pt := range info.Manifest.ExtensionPoints {
		if err := m.extensions.Declare(name, pt.ID, pt.Version); err != nil {
			m.logf("warn", "plugin %s: %v", name, err)
		}
	}
	// A use-site naming a point nobody has declared yet is left for the
	// host to resolve (core-provided points register out of band); only a
	// declared-but-incompatible point fails the load.
	for _, use := range info.Manifest.ExtensionUses {
		point, ok := m.extensions.Lookup(use.ID)
		if !ok || use.Version == "" {
			continue
		}
		rng, err := ParseVersionRange(use.Version)
		if err != nil {
			return err
		}
		compatible, err := rng.Satisfies(point.Version)
		if err != nil {
			return err
		}
		if !compatible {
			_ = m.states.Transition(name, Failed, nil, nil)
			return &IncompatibleVersion{PluginID: name, Needs: use.ID, Range: use.Version, Got: point.Version}
		}
	}

	m.publish("plugin/loaded", map[string]interface{}{"name": name, "version": info.Manifest.Version})
	return nil
}

// RunMethod invokes method on a loaded plugin through its Sandbox,
// enforcing capability cap first: a denied capability fails before the
// Sandbox is ever touched, so no side effect occurs. timeout <= 0 means no
// deadline beyond ctx's own.
func (m *Manager) RunMethod(ctx context.Context, name, method string, cap Capability, args []interface{}, kwargs map[string]interface{}, timeout time.Duration) (interface{}, error) {
	if err := m.RequireCapability(name, cap); err != nil {
		return nil, err
	}
	m.mu.Lock()
	box, ok := m.sandboxes[name]
	m.mu.Unlock()
	if !ok || box == nil {
		return nil, &NotFound{PluginID: name}
	}
	return box.RunPluginMethod(ctx, method, args, kwargs, timeout)
}

// Extensions returns the Manager's extension point registry, through which
// the host and plugins register implementations against declared points.
func (m *Manager) Extensions() *ExtensionRegistry {
	return m.extensions
}

// Shutdown stops the directory watch and every plugin sandbox. Plugin
// state is left as-is so a later boot resumes from the persisted registry.
func (m *Manager) Shutdown() {
	m.StopWatch()
	m.mu.Lock()
	boxes := make([]*isolation.Sandbox, 0, len(m.sandboxes))
	for _, box := range m.sandboxes {
		if box != nil {
			boxes = append(boxes, box)
		}
	}
	m.mu.Unlock()
	for _, box := range boxes {
		box.Stop()
	}
}

func statePtr(s State) *State { return &s }

// Enable transitions a Disabled (or Inactive) plugin back to Active.
func (m *Manager) Enable(name string) error {
	m.mu.Lock()
	info, ok := m.infos[name]
	m.mu.Unlock()
	if !ok {
		return &NotFound{PluginID: name}
	}
	hctx := m.hookContext(name, info.Path, "", info.Manifest.Version)
	if ref := info.Manifest.LifecycleHooks[string(hooks.PreEnable)]; ref != "" {
		if err := m.runHook(hooks.PreEnable, ref, hctx); err != nil {
			return err
		}
	}

	cur := m.states.Get(name)
	var err error
	if cur == Disabled {
		if err = m.states.Transition(name, Loading, statePtr(Disabled), nil); err == nil {
			err = m.activate(name, info)
		}
	} else {
		err = m.states.Transition(name, Active, statePtr(Inactive), nil)
	}
	if err != nil {
		return err
	}

	if entry, ok := m.registry.Get(name); ok {
		entry.Enabled = true
		if perr := m.registry.Put(name, entry); perr != nil {
			return perr
		}
	}
	if ref := info.Manifest.LifecycleHooks[string(hooks.PostEnable)]; ref != "" {
		if herr := m.runHook(hooks.PostEnable, ref, hctx); herr != nil {
			m.logf("error", "plugin %s: post_enable hook failed: %v", name, herr)
		}
	}
	return nil
}

// Disable transitions any non-terminal plugin to Disabled explicitly.
func (m *Manager) Disable(name string) error {
	m.mu.Lock()
	info, ok := m.infos[name]
	m.mu.Unlock()

	var hctx hooks.Context
	var preRef, postRef string
	if ok {
		hctx = m.hookContext(name, info.Path, "", info.Manifest.Version)
		preRef = info.Manifest.LifecycleHooks[string(hooks.PreDisable)]
		postRef = info.Manifest.LifecycleHooks[string(hooks.PostDisable)]
	}
	if preRef != "" {
		if err := m.runHook(hooks.PreDisable, preRef, hctx); err != nil {
			return err
		}
	}

	err := m.states.Transition(name, Disabled, nil, func() error {
		if entry, ok := m.registry.Get(name); ok {
			entry.Enabled = false
			return m.registry.Put(name, entry)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	box := m.sandboxes[name]
	delete(m.sandboxes, name)
	m.mu.Unlock()
	if box != nil {
		box.Stop()
	}

	if postRef != "" {
		if herr := m.runHook(hooks.PostDisable, postRef, hctx); herr != nil {
			m.logf("error", "plugin %s: post_disable hook failed: %v", name, herr)
		}
	}
	return nil
}

// Reload transitions an Active plugin back through Loading to Active.
func (m *Manager) Reload(name string) error {
	if err := m.states.Transition(name, Loading, statePtr(Active), nil); err != nil {
		return err
	}
	return m.states.Transition(name, Active, statePtr(Loading), nil)
}

// RequireCapability checks name's granted capability set, returning
// *PermissionDenied without mutating any state if it lacks cap.
func (m *Manager) RequireCapability(name string, cap Capability) error {
	m.mu.Lock()
	set := m.capsets[name]
	m.mu.Unlock()
	return RequireCapability(set, name, cap)
}
