// Copyright 2018 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package metrics

import (
	"context"

	"github.com/qorzen/qorzen-core/eventbus"
)

const subscriberID = "metrics-collector"

// Manager adapts a Collector to the kernel's manager lifecycle: Initialize
// subscribes it to every event on the bus, Shutdown unsubscribes.
type Manager struct {
	collector *Collector
	bus       *eventbus.Bus
}

// NewManager wraps collector for kernel registration.
func NewManager(collector *Collector, bus *eventbus.Bus) *Manager {
	return &Manager{collector: collector, bus: bus}
}

func (m *Manager) Name() string { return "metrics" }

func (m *Manager) Initialize(context.Context) error {
	return m.bus.Subscribe(eventbus.Subscription{
		SubscriberID: subscriberID,
		Pattern:      "*",
		Mode:         eventbus.Async,
		Callback: func(e *eventbus.Event) {
			m.collector.Observe(e.Type, e.Payload)
		},
	})
}

func (m *Manager) Shutdown(context.Context) error {
	m.bus.Unsubscribe(subscriberID)
	return nil
}

// Collector returns the wrapped Collector.
func (m *Manager) Collector() *Collector {
	return m.collector
}
