// Copyright 2018 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package eventbus

import (
	"reflect"

	"github.com/gobwas/glob"
)

// DeliveryMode controls whether a subscription's callback may be invoked
// inline on a synchronous publish, or is always dispatched to a worker.
type DeliveryMode int

const (
	// Async callbacks are always run on a bus worker, regardless of how the
	// triggering event was published.
	Async DeliveryMode = iota
	// Sync callbacks run inline, on the publishing goroutine, but only when
	// the event was published with PublishSync; an Async-published event
	// still dispatches Sync subscriptions to a worker.
	Sync
)

// Callback is invoked with a matching Event. It must not block
// indefinitely: the Task Scheduler's progress-report path and other
// managers depend on bus workers draining promptly.
type Callback func(*Event)

// Subscription is a standing interest in events matching a pattern. Registering the same SubscriberID twice replaces the earlier
// subscription — enforced by Bus.Subscribe, not here.
type Subscription struct {
	SubscriberID string
	Pattern      string
	Filter       map[string]interface{}
	Callback     Callback
	Mode         DeliveryMode

	matcher glob.Glob
}

// compilePattern compiles a subscription's type-pattern: an exact string
// or a prefix ending in "*". Event types are slash-delimited but "*" is
// not restricted to a path segment, so no separator is passed to
// glob.Compile — "plugin/*" matches "plugin/loaded" and "plugin/foo/bar"
// alike.
func compilePattern(pattern string) (glob.Glob, error) {
	return glob.Compile(pattern)
}

func (s *Subscription) matchesType(eventType string) bool {
	return s.matcher.Match(eventType)
}

func (s *Subscription) matchesFilter(payload map[string]interface{}) bool {
	for k, v := range s.Filter {
		pv, ok := payload[k]
		if !ok {
			return false
		}
		// Payload values are opaque and may be slices or maps, which == on
		// interface{} would panic on; DeepEqual handles every value shape.
		if !reflect.DeepEqual(pv, v) {
			return false
		}
	}
	return true
}
