// Copyright 2018 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package errs implements the Error Handler: classified error
// capture, severity-based routing through error strategies, subscriber
// notification, and re-emission onto the Event Bus.
package errs

import (
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Severity classifies an ErrorInfo's urgency.
type Severity string

const (
	Low      Severity = "low"
	Medium   Severity = "medium"
	High     Severity = "high"
	Critical Severity = "critical"
)

// ErrorInfo is a captured, classified error.
type ErrorInfo struct {
	ID        string
	Message   string
	Source    string
	Severity  Severity
	PluginID  string
	Component string
	Traceback string
	Metadata  map[string]interface{}
	Handled   bool
	Timestamp time.Time
}

// Matcher selects which ErrorInfos a Strategy applies to. Fields left empty
// act as wildcards; dispatch prefers the most specific matcher (exact
// source+plugin+component) over a prefix match on Source alone.
type Matcher struct {
	Source    string
	PluginID  string
	Component string
}

func (m Matcher) specificity() int {
	n := 0
	if m.Source != "" {
		n++
	}
	if m.PluginID != "" {
		n++
	}
	if m.Component != "" {
		n++
	}
	return n
}

func (m Matcher) matches(info *ErrorInfo) bool {
	if m.PluginID != "" && m.PluginID != info.PluginID {
		return false
	}
	if m.Component != "" && m.Component != info.Component {
		return false
	}
	if m.Source == "" {
		return true
	}
	if m.Source == info.Source {
		return true
	}
	return strings.HasSuffix(m.Source, "*") && strings.HasPrefix(info.Source, strings.TrimSuffix(m.Source, "*"))
}

// Strategy handles a matched ErrorInfo. Returning true marks the error
// "absorbed": it will not escalate to a kernel shutdown even if Critical.
type Strategy func(info *ErrorInfo) (absorbed bool)

// Subscriber is notified of every handled ErrorInfo, regardless of strategy
// match.
type Subscriber func(info *ErrorInfo)

// EventPublisher is the narrow bus surface used to re-emit errors as
// `error/<severity>` events. *eventbus.Bus satisfies this via
// PublishAsync.
type EventPublisher interface {
	PublishAsync(eventType, source string, payload map[string]interface{})
}

// Logger is the narrow logging surface the handler writes captured errors
// to.
type Logger interface {
	Error(format string, args ...interface{})
}

type strategyEntry struct {
	matcher  Matcher
	strategy Strategy
}

// Handler is the Error Handler manager.
type Handler struct {
	bus    EventPublisher
	logger Logger

	mu          sync.Mutex
	strategies  []strategyEntry
	subscribers []Subscriber
	history     []ErrorInfo
	historyCap  int
	byID        *lru.Cache[string, ErrorInfo]

	onCritical func(info ErrorInfo)
}

// New constructs a Handler. bus and logger may be nil (errors are then
// only recorded in history). historyCap bounds both the retained history
// and the by-id lookup cache; <=0 selects the default of 1000.
func New(bus EventPublisher, logger Logger, historyCap int) *Handler {
	if historyCap <= 0 {
		historyCap = 1000
	}
	byID, _ := lru.New[string, ErrorInfo](historyCap)
	return &Handler{bus: bus, logger: logger, historyCap: historyCap, byID: byID}
}

// OnCritical registers the callback invoked when a Critical error is not
// absorbed by any strategy. cmd/qorzen wires it to signal its serve loop,
// which then runs the Kernel's ShutdownAll.
func (h *Handler) OnCritical(f func(info ErrorInfo)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onCritical = f
}

// RegisterErrorStrategy adds a strategy for errors matching m.
func (h *Handler) RegisterErrorStrategy(m Matcher, s Strategy) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.strategies = append(h.strategies, strategyEntry{matcher: m, strategy: s})
	sort.SliceStable(h.strategies, func(i, j int) bool {
		return h.strategies[i].matcher.specificity() > h.strategies[j].matcher.specificity()
	})
}

// RegisterErrorSubscriber adds a subscriber notified of every handled error.
func (h *Handler) RegisterErrorSubscriber(s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers = append(h.subscribers, s)
}

// HandleError records info, applies the first matching strategy, notifies
// subscribers, and re-emits the error as `error/<severity>`.
func (h *Handler) HandleError(info ErrorInfo) ErrorInfo {
	if info.ID == "" {
		info.ID = uuid.NewString()
	}
	if info.Timestamp.IsZero() {
		info.Timestamp = time.Now()
	}

	h.mu.Lock()
	strategies := append([]strategyEntry(nil), h.strategies...)
	subscribers := append([]Subscriber(nil), h.subscribers...)
	onCritical := h.onCritical
	h.mu.Unlock()

	absorbed := false
	for _, entry := range strategies {
		if entry.matcher.matches(&info) {
			absorbed = entry.strategy(&info)
			info.Handled = true
			break
		}
	}

	h.mu.Lock()
	h.history = append(h.history, info)
	if len(h.history) > h.historyCap {
		h.history = h.history[len(h.history)-h.historyCap:]
	}
	h.mu.Unlock()
	h.byID.Add(info.ID, info)

	if h.logger != nil {
		h.logger.Error("[%s] %s (source=%s plugin=%s component=%s)", info.Severity, info.Message, info.Source, info.PluginID, info.Component)
	}

	for _, sub := range subscribers {
		func() {
			defer func() { recover() }()
			sub(&info)
		}()
	}

	if h.bus != nil {
		h.bus.PublishAsync(fmt.Sprintf("error/%s", info.Severity), info.Source, map[string]interface{}{
			"id":        info.ID,
			"message":   info.Message,
			"source":    info.Source,
			"severity":  string(info.Severity),
			"plugin_id": info.PluginID,
			"component": info.Component,
			"metadata":  info.Metadata,
		})
	}

	if info.Severity == Critical && !absorbed && onCritical != nil {
		onCritical(info)
	}

	return info
}

// Get returns the handled error recorded under id, if it is still within
// the retained window.
func (h *Handler) Get(id string) (ErrorInfo, bool) {
	return h.byID.Get(id)
}

// ReportSubscriberError satisfies the bus's error-reporting surface: a
// recovered subscriber panic arrives here as a Medium-severity error
// attributed to that subscriber.
func (h *Handler) ReportSubscriberError(subscriberID string, recovered interface{}) {
	h.HandleError(ErrorInfo{
		Message:   fmt.Sprintf("subscriber panic: %v", recovered),
		Source:    "event_bus/" + subscriberID,
		Severity:  Medium,
		Component: "event_bus",
		Traceback: string(debug.Stack()),
	})
}

// History returns a snapshot of the most recently handled errors, oldest
// first.
func (h *Handler) History() []ErrorInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ErrorInfo, len(h.history))
	copy(out, h.history)
	return out
}

// Boundary wraps a function so any panic or returned error it raises is
// routed through HandleError with a fixed source/plugin/component context.
type Boundary struct {
	handler   *Handler
	source    string
	pluginID  string
	component string
	severity  Severity
}

// CreateBoundary returns a Boundary bound to the given context. Errors
// crossing it default to Medium severity; use WithSeverity to change it.
func (h *Handler) CreateBoundary(source, pluginID, component string) *Boundary {
	return &Boundary{handler: h, source: source, pluginID: pluginID, component: component, severity: Medium}
}

// WithSeverity returns a copy of b that classifies errors at the given
// severity instead of the default Medium.
func (b *Boundary) WithSeverity(s Severity) *Boundary {
	cp := *b
	cp.severity = s
	return &cp
}

// Run executes fn inside the boundary. A panic is recovered and converted
// to an error; both panics and returned errors are routed to HandleError.
// Run itself never panics or returns the original error unmodified — the
// boundary always normalizes to ErrorInfo before the caller sees anything.
func (b *Boundary) Run(fn func() error) (info *ErrorInfo) {
	defer func() {
		if r := recover(); r != nil {
			captured := b.handler.HandleError(ErrorInfo{
				Message:   fmt.Sprintf("panic: %v", r),
				Source:    b.source,
				Severity:  b.severity,
				PluginID:  b.pluginID,
				Component: b.component,
				Traceback: string(debug.Stack()),
			})
			info = &captured
		}
	}()
	if err := fn(); err != nil {
		captured := b.handler.HandleError(ErrorInfo{
			Message:   err.Error(),
			Source:    b.source,
			Severity:  b.severity,
			PluginID:  b.pluginID,
			Component: b.component,
		})
		return &captured
	}
	return nil
}
