// Copyright 2023 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package hooks implements lifecycle hook dispatch for the Plugin
// Manager: a manifest names a hook by a "module/function"
// string rather than holding a live function value, so hooks are resolved
// from a process-wide Registry at install/transition time and invoked over
// a plain Context map, never via reflection or dynamic loading.
package hooks

import "fmt"

// Name is one of the ten lifecycle hook points a manifest may declare.
type Name string

const (
	PreInstall    Name = "pre_install"
	PostInstall   Name = "post_install"
	PreUninstall  Name = "pre_uninstall"
	PostUninstall Name = "post_uninstall"
	PreEnable     Name = "pre_enable"
	PostEnable    Name = "post_enable"
	PreDisable    Name = "pre_disable"
	PostDisable   Name = "post_disable"
	PreUpdate     Name = "pre_update"
	PostUpdate    Name = "post_update"
)

// IsPre reports whether n is a pre_* hook, whose failure aborts the
// transition.
func (n Name) IsPre() bool {
	switch n {
	case PreInstall, PreUninstall, PreEnable, PreDisable, PreUpdate:
		return true
	default:
		return false
	}
}

// Context is handed to every hook invocation. Fields are deliberately
// typed as `interface{}` handles rather than this package's own types, so
// hooks has no import-time dependency on config/eventbus/logging and can
// sit below the plugin package without a cycle.
type Context struct {
	PluginID    string
	Config      interface{}
	Logger      interface{}
	EventBus    interface{}
	FileAccess  interface{}
	PluginsDir  string
	InstallPath string
	OldVersion  string
	NewVersion  string
	Extra       map[string]interface{}
}

// Func is a plain function over a Context, the shape every registered
// hook must satisfy.
type Func func(ctx Context) error

// LifecycleHookError wraps a hook's failure with the hook point and the
// manifest reference that named it.
type LifecycleHookError struct {
	PluginID string
	Hook     Name
	Ref      string
	Err      error
}

func (e *LifecycleHookError) Error() string {
	return fmt.Sprintf("hooks: plugin %s hook %s (%s): %v", e.PluginID, e.Hook, e.Ref, e.Err)
}

func (e *LifecycleHookError) Unwrap() error { return e.Err }

// Registry resolves a manifest's "module/function" hook reference string
// to a registered Func. A host process registers its plugins' hook
// implementations once at startup (e.g. from a compiled-in plugin's init);
// a manifest's reference is resolved against this table at install and
// transition time.
type Registry struct {
	funcs map[string]Func
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{funcs: map[string]Func{}}
}

// Register binds ref (e.g. "sample/onPostInstall") to fn. Registering the
// same ref twice replaces the earlier binding.
func (r *Registry) Register(ref string, fn Func) {
	r.funcs[ref] = fn
}

// Run resolves ref and invokes it with ctx, normalizing a panic into a
// LifecycleHookError the same way errs.Boundary normalizes host/plugin
// boundary crossings elsewhere in the platform. An unresolved ref is
// itself a LifecycleHookError, not a silent no-op, since a manifest that
// names a hook but has no corresponding registration is a configuration
// defect.
func (r *Registry) Run(name Name, ref string, ctx Context) (err error) {
	if ref == "" {
		return nil
	}
	fn, ok := r.funcs[ref]
	if !ok {
		return &LifecycleHookError{PluginID: ctx.PluginID, Hook: name, Ref: ref, Err: fmt.Errorf("no hook registered for %q", ref)}
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = &LifecycleHookError{PluginID: ctx.PluginID, Hook: name, Ref: ref, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()
	if e := fn(ctx); e != nil {
		return &LifecycleHookError{PluginID: ctx.PluginID, Hook: name, Ref: ref, Err: e}
	}
	return nil
}
