// Copyright 2018 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package plugin

import (
	"fmt"
)

// ConfigService is the configuration surface plugins reach through their
// Host. *config.Service satisfies it; the local interface keeps this
// package free of a config import.
type ConfigService interface {
	Get(key string, def interface{}) interface{}
	Set(key string, value interface{}) error
}

// EventService is the bus surface plugins reach through their Host.
// *eventbus.Bus satisfies it.
type EventService interface {
	PublishAsync(eventType, source string, payload map[string]interface{})
	SubscribeCallback(subscriberID, pattern string, cb func(eventType, source string, payload map[string]interface{})) error
	Unsubscribe(subscriberID string)
}

// Host is the platform surface handed to a plugin alongside its entry
// point. Every call checks the plugin's granted capability set before
// touching the underlying service, so a plugin without the capability gets
// PermissionDenied and the call has no side effect.
type Host struct {
	pluginID string
	caps     func() CapabilitySet
	config   ConfigService
	events   EventService
}

// Host returns name's capability-gated platform surface. The capability
// set is resolved live on every call, so updating or uninstalling the
// plugin takes effect on calls already holding the Host. Disabling the
// plugin leaves its capability set, and so the Host's grants, unchanged.
func (m *Manager) Host(name string) *Host {
	return &Host{
		pluginID: name,
		caps: func() CapabilitySet {
			m.mu.Lock()
			defer m.mu.Unlock()
			return m.capsets[name]
		},
		config: m.opts.Config,
		events: m.opts.Events,
	}
}

func (h *Host) require(c Capability) error {
	return RequireCapability(h.caps(), h.pluginID, c)
}

// ConfigGet reads a configuration value. Requires config.read.
func (h *Host) ConfigGet(key string, def interface{}) (interface{}, error) {
	if err := h.require(CapConfigRead); err != nil {
		return nil, err
	}
	if h.config == nil {
		return def, nil
	}
	return h.config.Get(key, def), nil
}

// ConfigSet writes a configuration value. Requires config.write.
func (h *Host) ConfigSet(key string, value interface{}) error {
	if err := h.require(CapConfigWrite); err != nil {
		return err
	}
	if h.config == nil {
		return fmt.Errorf("plugin: %s: no config service attached", h.pluginID)
	}
	return h.config.Set(key, value)
}

// PublishEvent publishes an event sourced to the plugin. Requires
// event.publish.
func (h *Host) PublishEvent(eventType string, payload map[string]interface{}) error {
	if err := h.require(CapEventPublish); err != nil {
		return err
	}
	if h.events == nil {
		return fmt.Errorf("plugin: %s: no event service attached", h.pluginID)
	}
	h.events.PublishAsync(eventType, h.pluginID, payload)
	return nil
}

// SubscribeEvents registers a subscription on the plugin's behalf under a
// plugin-namespaced subscriber id. Requires event.subscribe.
func (h *Host) SubscribeEvents(id, pattern string, cb func(eventType, source string, payload map[string]interface{})) error {
	if err := h.require(CapEventSubscribe); err != nil {
		return err
	}
	if h.events == nil {
		return fmt.Errorf("plugin: %s: no event service attached", h.pluginID)
	}
	return h.events.SubscribeCallback(h.subscriberID(id), pattern, cb)
}

// UnsubscribeEvents removes a subscription made through SubscribeEvents.
func (h *Host) UnsubscribeEvents(id string) {
	if h.events != nil {
		h.events.Unsubscribe(h.subscriberID(id))
	}
}

func (h *Host) subscriberID(id string) string {
	return h.pluginID + ":" + id
}
