// Copyright 2018 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// ExtensionPoint is a named interface a plugin offers for others to
// implement: the providing plugin, the point's id, and the version of its
// contract.
type ExtensionPoint struct {
	Provider string
	ID       string
	Version  string
}

// ExtensionRegistry tracks every declared extension point and the
// implementations registered against each, keyed by the consuming plugin.
// A use-site's declared version range is checked against the point's
// contract version with the same semver rules as plugin dependencies.
type ExtensionRegistry struct {
	mu     sync.Mutex
	points map[string]ExtensionPoint
	impls  map[string]map[string]interface{} // point id -> consumer -> implementation
}

// NewExtensionRegistry returns an empty ExtensionRegistry.
func NewExtensionRegistry() *ExtensionRegistry {
	return &ExtensionRegistry{
		points: map[string]ExtensionPoint{},
		impls:  map[string]map[string]interface{}{},
	}
}

// Declare publishes provider's extension point. Redeclaring an id owned by
// a different provider is an error; the same provider redeclaring (e.g. on
// reload) replaces the contract version.
func (r *ExtensionRegistry) Declare(provider, id, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.points[id]; ok && existing.Provider != provider {
		return fmt.Errorf("plugin: extension point %s already provided by %s", id, existing.Provider)
	}
	r.points[id] = ExtensionPoint{Provider: provider, ID: id, Version: version}
	return nil
}

// Lookup returns the declared point for id, if any.
func (r *ExtensionRegistry) Lookup(id string) (ExtensionPoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.points[id]
	return p, ok
}

// Register records consumer's implementation of the point named id,
// verifying the consumer's declared range against the point's contract
// version. An unknown id fails with MissingDependency; a version mismatch
// fails with IncompatibleVersion.
func (r *ExtensionRegistry) Register(consumer, id, versionRange string, impl interface{}) error {
	r.mu.Lock()
	point, ok := r.points[id]
	r.mu.Unlock()
	if !ok {
		return &MissingDependency{PluginID: consumer, Needs: "extension point " + id}
	}

	if versionRange != "" {
		rng, err := ParseVersionRange(versionRange)
		if err != nil {
			return err
		}
		ok, err := rng.Satisfies(point.Version)
		if err != nil {
			return err
		}
		if !ok {
			return &IncompatibleVersion{PluginID: consumer, Needs: id, Range: versionRange, Got: point.Version}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.impls[id] == nil {
		r.impls[id] = map[string]interface{}{}
	}
	r.impls[id][consumer] = impl
	return nil
}

// Implementations returns every registered implementation of id, keyed by
// consumer plugin.
func (r *ExtensionRegistry) Implementations(id string) map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]interface{}, len(r.impls[id]))
	for consumer, impl := range r.impls[id] {
		out[consumer] = impl
	}
	return out
}

// Points returns every declared point id, sorted.
func (r *ExtensionRegistry) Points() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.points))
	for id := range r.points {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// RemovePlugin drops everything name contributed: its declared points and
// every implementation it registered against other points. Called on
// uninstall so a reinstall starts clean.
func (r *ExtensionRegistry) RemovePlugin(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.points {
		if p.Provider == name {
			delete(r.points, id)
			delete(r.impls, id)
		}
	}
	for id := range r.impls {
		delete(r.impls[id], name)
	}
}
