// Copyright 2018 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package eventbus

import (
	"fmt"
	"hash/fnv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/qorzen/qorzen-core/logging"
)

// BackpressurePolicy selects what Publish does when the bus queue is
// full.
type BackpressurePolicy int

const (
	// Block makes Publish wait until room is available.
	Block BackpressurePolicy = iota
	// DropOldest evicts the oldest queued event to make room for the new one.
	DropOldest
	// Reject makes Publish return ErrQueueFull immediately.
	Reject
)

// ErrorReporter is the narrow surface the bus needs from the Error
// Handler: a subscriber panic is captured and forwarded with severity
// MEDIUM and source `event_bus/<subscriber_id>`, never cancelling delivery
// to other subscribers. Defined locally to avoid an import cycle with the
// errs package, which itself publishes `error/<severity>` events on this
// bus.
type ErrorReporter interface {
	ReportSubscriberError(subscriberID string, recovered interface{})
}

// Config configures a Bus.
type Config struct {
	QueueCapacity int
	Workers       int
	Backpressure  BackpressurePolicy
}

// DefaultConfig returns sane defaults: a queue capacity of 1024, the given
// number of workers (2 when workers < 1), and Block backpressure.
func DefaultConfig(workers int) Config {
	if workers < 1 {
		workers = 2
	}
	return Config{QueueCapacity: 1024, Workers: workers, Backpressure: Block}
}

type job struct {
	sub   *Subscription
	event *Event
	done  chan struct{}
}

// Bus implements the platform Event Bus: a single logical delivery loop
// plus an N-worker dispatch pool.
type Bus struct {
	cfg    Config
	logger logging.Logger
	errs   ErrorReporter

	mu   sync.RWMutex
	subs map[string]*Subscription

	queue   chan *Event
	workers []chan job
	recent  *lru.Cache[string, *Event]

	stopCh chan chan struct{}
	wg     sync.WaitGroup

	closedMu sync.RWMutex
	closed   bool
}

// New starts a Bus with the given configuration. logger may be nil (a
// no-op is substituted); errs may be nil until the Error Handler manager
// has initialized, and can be attached later with AttachErrorReporter.
func New(cfg Config, logger logging.Logger) *Bus {
	if cfg.Workers < 1 {
		cfg.Workers = 2
	}
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = 1024
	}
	recent, _ := lru.New[string, *Event](256)
	b := &Bus{
		cfg:     cfg,
		logger:  logger,
		subs:    map[string]*Subscription{},
		queue:   make(chan *Event, cfg.QueueCapacity),
		workers: make([]chan job, cfg.Workers),
		recent:  recent,
		stopCh:  make(chan chan struct{}),
	}
	for i := range b.workers {
		// Unbuffered: a busy worker makes the dispatch loop block trying to
		// hand it the next job, which is what lets backpressure on the main
		// queue (QueueCapacity) actually take effect.
		b.workers[i] = make(chan job)
	}
	b.wg.Add(1)
	go b.dispatchLoop()
	for i := range b.workers {
		b.wg.Add(1)
		go b.workerLoop(b.workers[i])
	}
	return b
}

// AttachErrorReporter wires the Error Handler in once it is available; the
// bus starts before the Error Handler manager during boot.
func (b *Bus) AttachErrorReporter(r ErrorReporter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errs = r
}

// Subscribe registers (or replaces) a subscription. Reusing a SubscriberID
// atomically replaces the earlier subscription.
func (b *Bus) Subscribe(sub Subscription) error {
	matcher, err := compilePattern(sub.Pattern)
	if err != nil {
		return fmt.Errorf("eventbus: invalid pattern %q: %w", sub.Pattern, err)
	}
	sub.matcher = matcher
	cp := sub
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[sub.SubscriberID] = &cp
	return nil
}

// SubscribeCallback registers an Async subscription whose callback takes
// plain values instead of an *Event, a convenience for callers reached
// through a narrow interface that cannot name this package's types (the
// plugin facade in particular).
func (b *Bus) SubscribeCallback(subscriberID, pattern string, cb func(eventType, source string, payload map[string]interface{})) error {
	return b.Subscribe(Subscription{
		SubscriberID: subscriberID,
		Pattern:      pattern,
		Mode:         Async,
		Callback: func(e *Event) {
			cb(e.Type, e.Source, e.Payload)
		},
	})
}

// Unsubscribe atomically removes a subscription. In-flight callbacks
// already dispatched run to completion; no new callback is scheduled for
// that subscriber afterward.
func (b *Bus) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, subscriberID)
}

// Option customizes a single Publish/PublishSync call.
type Option func(*Event)

// WithCorrelationID attaches a correlation id to the published event.
func WithCorrelationID(id string) Option {
	return func(e *Event) { e.CorrelationID = id }
}

// WithFilter attaches optional filter attributes to the event record
// itself, distinct from a subscription's matching filter, which is
// evaluated against Payload.
func WithFilter(filter map[string]interface{}) Option {
	return func(e *Event) { e.Filter = copyMap(filter) }
}

// Publish enqueues an event for asynchronous delivery and returns once it
// has been accepted onto the queue (or rejected, per the backpressure
// policy). It does not wait for subscriber callbacks to run.
func (b *Bus) Publish(eventType, source string, payload map[string]interface{}, opts ...Option) (*Event, error) {
	if b.isClosed() {
		return nil, ErrBusClosed
	}
	e := newEvent(eventType, source, "", payload, nil)
	for _, o := range opts {
		o(e)
	}
	if err := b.enqueue(e); err != nil {
		return nil, err
	}
	b.recent.Add(e.ID, e)
	return e, nil
}

// PublishAsync implements logging.EventPublisher: a best-effort,
// error-swallowing publish used by the Logging Sink to avoid tangling log
// calls with bus backpressure errors.
func (b *Bus) PublishAsync(eventType, source string, payload map[string]interface{}) {
	_, _ = b.Publish(eventType, source, payload)
}

func (b *Bus) enqueue(e *Event) error {
	switch b.cfg.Backpressure {
	case Reject:
		select {
		case b.queue <- e:
			return nil
		default:
			b.alertQueueFull()
			return ErrQueueFull
		}
	case DropOldest:
		for {
			select {
			case b.queue <- e:
				return nil
			default:
				select {
				case <-b.queue:
				default:
				}
			}
		}
	default: // Block
		b.queue <- e
		return nil
	}
}

func (b *Bus) alertQueueFull() {
	select {
	case b.queue <- newEvent("monitoring/alert", "event_bus", "", map[string]interface{}{
		"reason": "queue_full",
	}, nil):
	default:
	}
}

// PublishSync delivers synchronously: the call returns only after every
// matching subscriber has finished. Subscriptions marked Sync
// run inline on the calling goroutine; Async subscriptions still run on a
// bus worker, but PublishSync waits for them.
func (b *Bus) PublishSync(eventType, source string, payload map[string]interface{}, opts ...Option) (*Event, error) {
	if b.isClosed() {
		return nil, ErrBusClosed
	}
	e := newEvent(eventType, source, "", payload, nil)
	for _, o := range opts {
		o(e)
	}

	b.mu.RLock()
	matches := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.matchesType(e.Type) && s.matchesFilter(e.Payload) {
			matches = append(matches, s)
		}
	}
	b.mu.RUnlock()

	var pending []chan struct{}
	for _, sub := range matches {
		if sub.Mode == Sync {
			b.invoke(sub, e)
			continue
		}
		done := make(chan struct{})
		b.workers[b.workerIndex(sub.SubscriberID)] <- job{sub: sub, event: e, done: done}
		pending = append(pending, done)
	}
	for _, done := range pending {
		<-done
	}
	b.recent.Add(e.ID, e)
	return e, nil
}

// RecentEvents returns the most recently accepted events, oldest first, a
// bounded diagnostic window queryable through the kernel.
func (b *Bus) RecentEvents() []*Event {
	keys := b.recent.Keys()
	out := make([]*Event, 0, len(keys))
	for _, k := range keys {
		if e, ok := b.recent.Peek(k); ok {
			out = append(out, e)
		}
	}
	return out
}

func (b *Bus) dispatchLoop() {
	defer b.wg.Done()
	for {
		select {
		case e := <-b.queue:
			b.dispatch(e)
		case reply := <-b.stopCh:
			b.drainQueue()
			close(reply)
			return
		}
	}
}

func (b *Bus) drainQueue() {
	for {
		select {
		case e := <-b.queue:
			b.dispatch(e)
		default:
			return
		}
	}
}

func (b *Bus) dispatch(e *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.matchesType(e.Type) && sub.matchesFilter(e.Payload) {
			b.workers[b.workerIndex(sub.SubscriberID)] <- job{sub: sub, event: e}
		}
	}
}

func (b *Bus) workerIndex(subscriberID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(subscriberID))
	return int(h.Sum32()) % len(b.workers)
}

func (b *Bus) workerLoop(ch chan job) {
	defer b.wg.Done()
	for j := range ch {
		b.invoke(j.sub, j.event)
		if j.done != nil {
			close(j.done)
		}
	}
}

func (b *Bus) invoke(sub *Subscription, e *Event) {
	defer func() {
		if r := recover(); r != nil {
			if b.logger != nil {
				b.logger.Error("eventbus: subscriber %s panicked: %v", sub.SubscriberID, r)
			}
			b.mu.RLock()
			reporter := b.errs
			b.mu.RUnlock()
			if reporter != nil {
				reporter.ReportSubscriberError(sub.SubscriberID, r)
			}
		}
	}()
	sub.Callback(e)
}

func (b *Bus) isClosed() bool {
	b.closedMu.RLock()
	defer b.closedMu.RUnlock()
	return b.closed
}

// Stop drains the queue, delivering everything already accepted, then
// shuts down every worker. After Stop returns, Publish/PublishSync return
// ErrBusClosed.
func (b *Bus) Stop() {
	b.closedMu.Lock()
	if b.closed {
		b.closedMu.Unlock()
		return
	}
	b.closed = true
	b.closedMu.Unlock()

	reply := make(chan struct{})
	b.stopCh <- reply
	<-reply

	for _, w := range b.workers {
		close(w)
	}
	b.wg.Wait()
}
