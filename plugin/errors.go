// Copyright 2018 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package plugin

import "fmt"

// MissingDependency is returned when a plugin's non-optional dependency is
// not present among the discovered/installed population.
type MissingDependency struct {
	PluginID string
	Needs    string
}

func (e *MissingDependency) Error() string {
	return fmt.Sprintf("plugin: %s: missing dependency %s", e.PluginID, e.Needs)
}

// IncompatibleVersion is returned when a present dependency's version does
// not satisfy the declared range, or when a plugin's core-version band
// excludes the running core.
type IncompatibleVersion struct {
	PluginID string
	Needs    string
	Range    string
	Got      string
}

func (e *IncompatibleVersion) Error() string {
	return fmt.Sprintf("plugin: %s: requires %s %s, found %s", e.PluginID, e.Needs, e.Range, e.Got)
}

// CircularDependency is returned when the dependency graph over discovered
// plugins contains a cycle.
type CircularDependency struct {
	Cycle []string
}

func (e *CircularDependency) Error() string {
	return fmt.Sprintf("plugin: circular dependency: %v", e.Cycle)
}

// PluginDisabled is returned by Load when the target plugin's persisted
// state is Disabled.
type PluginDisabled struct {
	PluginID string
}

func (e *PluginDisabled) Error() string {
	return fmt.Sprintf("plugin: %s is disabled", e.PluginID)
}

// NotFound is returned when an operation names a plugin the Manager has
// no record of.
type NotFound struct {
	PluginID string
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("plugin: %s: not found", e.PluginID)
}

// PluginError wraps a failure raised while loading or running a plugin,
// keeping the plugin id attached through error chains.
type PluginError struct {
	PluginID string
	Err      error
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("plugin: %s: %v", e.PluginID, e.Err)
}

func (e *PluginError) Unwrap() error { return e.Err }
