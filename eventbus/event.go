// Copyright 2018 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package eventbus implements the platform's Event Bus: a
// topic-based asynchronous publish/subscribe system with wildcard and
// filter matching, synchronous and asynchronous delivery, and ordering
// guarantees per (publisher, subscriber) pair.
package eventbus

import (
	"time"

	"github.com/google/uuid"
)

// Event is an immutable publish/subscribe message. Once
// published, none of its fields are mutated again; a
// subscriber may receive the same *Event concurrently with others.
type Event struct {
	ID            string
	Type          string
	Source        string
	Timestamp     time.Time
	CorrelationID string
	Payload       map[string]interface{}
	Filter        map[string]interface{}
}

func newEvent(eventType, source, correlationID string, payload, filter map[string]interface{}) *Event {
	return &Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		Source:        source,
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
		Payload:       copyMap(payload),
		Filter:        copyMap(filter),
	}
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
