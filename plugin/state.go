// Copyright 2018 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package plugin

import (
	"fmt"
	"sync"
)

// State is a plugin's position in the lifecycle state machine.
type State string

const (
	Discovered  State = "discovered"
	Loading     State = "loading"
	Active      State = "active"
	Inactive    State = "inactive"
	Disabled    State = "disabled"
	Failed      State = "failed"
	Uninstalled State = "uninstalled"
)

// allowed enumerates the lawful edges of the lifecycle state machine:
//
//	DISCOVERED -> LOADING -> {ACTIVE | FAILED}
//	ACTIVE <-> INACTIVE (disable/enable)
//	any -> DISABLED (explicit)
//	ACTIVE -> LOADING (reload)
//	any -> UNINSTALLED (terminal)
var allowed = map[State]map[State]bool{
	Discovered: {Loading: true, Disabled: true, Uninstalled: true},
	Loading:    {Active: true, Failed: true, Disabled: true, Uninstalled: true},
	Active:     {Inactive: true, Loading: true, Disabled: true, Uninstalled: true},
	Inactive:   {Active: true, Disabled: true, Uninstalled: true},
	Disabled:   {Loading: true, Uninstalled: true},
	Failed:     {Loading: true, Disabled: true, Uninstalled: true},
}

// CanTransition reports whether from -> to is a lawful edge.
func CanTransition(from, to State) bool {
	return allowed[from][to]
}

// IllegalTransition is returned when a requested transition is not a
// lawful edge of the state machine.
type IllegalTransition struct {
	PluginID string
	From, To State
}

func (e *IllegalTransition) Error() string {
	return fmt.Sprintf("plugin: %s: illegal transition %s -> %s", e.PluginID, e.From, e.To)
}

// StateMismatch is returned when a caller's expected precondition state
// does not match the plugin's actual current state.
type StateMismatch struct {
	PluginID string
	Expected State
	Actual   State
}

func (e *StateMismatch) Error() string {
	return fmt.Sprintf("plugin: %s: expected state %s, found %s", e.PluginID, e.Expected, e.Actual)
}

type pluginSlot struct {
	mu      sync.Mutex
	current State
}

// StateManager owns a per-plugin mutex serializing lifecycle transitions
// and the authoritative state table. Concurrent requests on the same
// plugin serialize on that mutex (sync.Mutex does not grant it in strict
// arrival order), and a loser whose
// expected precondition no longer holds fails with StateMismatch rather
// than being silently reordered.
type StateManager struct {
	mu    sync.Mutex
	slots map[string]*pluginSlot
}

// NewStateManager returns an empty StateManager.
func NewStateManager() *StateManager {
	return &StateManager{slots: map[string]*pluginSlot{}}
}

func (sm *StateManager) slot(pluginID string) *pluginSlot {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.slots[pluginID]
	if !ok {
		s = &pluginSlot{current: Discovered}
		sm.slots[pluginID] = s
	}
	return s
}

// Seed sets a plugin's initial state without going through Transition,
// used once at discovery time before any transition has occurred.
func (sm *StateManager) Seed(pluginID string, state State) {
	s := sm.slot(pluginID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = state
}

// Get returns a plugin's current state, or "" if it is not tracked.
func (sm *StateManager) Get(pluginID string) State {
	sm.mu.Lock()
	s, ok := sm.slots[pluginID]
	sm.mu.Unlock()
	if !ok {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Transition drives pluginID from its current state to target, serialized
// against any other in-flight transition for the same plugin.
// If expected is non-nil, the current state must equal it or the call
// fails with StateMismatch without running op. op performs the actual
// lifecycle work (hook dispatch, file operations, etc.); if op returns an
// error, the state is left at its pre-transition value and the error
// propagates.
func (sm *StateManager) Transition(pluginID string, target State, expected *State, op func() error) error {
	s := sm.slot(pluginID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if expected != nil && s.current != *expected {
		return &StateMismatch{PluginID: pluginID, Expected: *expected, Actual: s.current}
	}
	if !CanTransition(s.current, target) {
		return &IllegalTransition{PluginID: pluginID, From: s.current, To: target}
	}
	if op != nil {
		if err := op(); err != nil {
			return err
		}
	}
	s.current = target
	return nil
}

// Snapshot returns a copy of every tracked plugin's current state.
func (sm *StateManager) Snapshot() map[string]State {
	sm.mu.Lock()
	slots := make(map[string]*pluginSlot, len(sm.slots))
	for k, v := range sm.slots {
		slots[k] = v
	}
	sm.mu.Unlock()

	out := make(map[string]State, len(slots))
	for id, s := range slots {
		s.mu.Lock()
		out[id] = s.current
		s.mu.Unlock()
	}
	return out
}

// Remove deletes a plugin's tracked state entirely.
func (sm *StateManager) Remove(pluginID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.slots, pluginID)
}
