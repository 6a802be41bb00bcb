// Copyright 2018 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package logging implements the platform's Logging Sink: a
// named logger handle per component, writing structured records to console
// and a rotating file, and — once the Event Bus is up — republishing each
// record as a `log/<level>` event. An internal filter prevents the
// log-publishes-event-which-gets-logged recursion that an event-bus-backed
// log handler would otherwise create.
package logging

import (
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// Level orders severities from least (Debug) to most (Error) severe;
// toLogrusLevel maps each one to its logrus counterpart.
type Level int

const (
	// Debug is the most verbose level.
	Debug Level = iota
	// Info is the default level.
	Info
	// Warn indicates a recoverable, noteworthy condition.
	Warn
	// Error indicates an operation failed.
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warning"
	case Error:
		return "error"
	default:
		return "info"
	}
}

// ParseLevel parses a configured level name.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "debug":
		return Debug, nil
	case "info":
		return Info, nil
	case "warning", "warn":
		return Warn, nil
	case "error":
		return Error, nil
	case "critical":
		return Error, nil
	default:
		return Info, fmt.Errorf("logging: unrecognized level %q", s)
	}
}

// Logger is the interface for per-component loggers. It intentionally takes
// printf-style format strings plus a field map rather than mirroring
// logrus directly: components ask for a named, field-scoped handle and
// never reach for the global logger.
type Logger interface {
	Debug(fmt string, a ...interface{})
	Info(fmt string, a ...interface{})
	Warn(fmt string, a ...interface{})
	Error(fmt string, a ...interface{})

	WithFields(fields map[string]interface{}) Logger
	GetFields() map[string]interface{}

	SetLevel(Level)
	GetLevel() Level
}

// Record is a structured log entry, the value the Sink publishes as a
// `log/<level>` event payload once the Event Bus is wired in.
type Record struct {
	Component string
	Level     Level
	Message   string
	Fields    map[string]interface{}
}

// EventPublisher is the minimal surface the Sink needs from the Event Bus,
// kept narrow to avoid an import cycle between logging and eventbus (the
// bus itself logs through this package).
type EventPublisher interface {
	PublishAsync(eventType, source string, payload map[string]interface{})
}

// Sink is the Logging Sink manager. It hands out per-component
// Logger handles, all sharing one rotating file writer, and optionally
// forwards every record to an Event Bus.
type Sink struct {
	mu        sync.RWMutex
	level     Level
	out       *logrus.Logger
	file      *rotatingFile
	bus       EventPublisher
	inFlight  bool // recursion guard: true while publishing a log event
	component string
}

// NewSink constructs a Sink writing to stderr plus, if filePath is
// non-empty, a size/count-rotated file. maxSizeBytes <= 0 disables
// rotation size checks (single ever-growing file); maxBackups <= 0 keeps
// rotated files forever.
func NewSink(filePath string, maxSizeBytes int64, maxBackups int, level Level) (*Sink, error) {
	out := logrus.New()
	out.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	out.SetLevel(toLogrusLevel(level))

	s := &Sink{level: level, out: out}

	if filePath != "" {
		rf, err := newRotatingFile(filePath, maxSizeBytes, maxBackups)
		if err != nil {
			return nil, err
		}
		s.file = rf
		out.SetOutput(io.MultiWriter(logrusStderr(), rf))
	}
	return s, nil
}

// AttachBus wires an Event Bus into the sink so subsequent records are also
// published as `log/<level>`. The sink starts before the bus during boot,
// so this is called once the bus manager has initialized.
func (s *Sink) AttachBus(bus EventPublisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bus = bus
}

// SetLevel changes the sink-wide threshold; existing component Logger
// handles observe the change because they delegate back to the sink.
func (s *Sink) SetLevel(level Level) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.level = level
	s.out.SetLevel(toLogrusLevel(level))
}

// Close releases the rotating file, if one was opened. Console output is
// unaffected.
func (s *Sink) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// Named returns a Logger handle scoped to the given component name.
func (s *Sink) Named(component string) Logger {
	return &componentLogger{sink: s, component: component, fields: map[string]interface{}{}}
}

func (s *Sink) publish(component string, level Level, fields map[string]interface{}, msg string) {
	entry := s.out.WithFields(toLogrusFields(fields)).WithField("component", component)

	switch level {
	case Debug:
		entry.Debug(msg)
	case Warn:
		entry.Warn(msg)
	case Error:
		entry.Error(msg)
	default:
		entry.Info(msg)
	}

	s.mu.Lock()
	bus := s.bus
	inFlight := s.inFlight
	if bus != nil && !inFlight {
		s.inFlight = true
	}
	s.mu.Unlock()

	if bus == nil || inFlight {
		return
	}
	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	payload := map[string]interface{}{
		"component": component,
		"message":   msg,
	}
	for k, v := range fields {
		payload[k] = v
	}
	bus.PublishAsync("log/"+level.String(), "logging/"+component, payload)
}

type componentLogger struct {
	sink      *Sink
	component string
	fields    map[string]interface{}
}

func (c *componentLogger) Debug(f string, a ...interface{}) { c.log(Debug, f, a...) }
func (c *componentLogger) Info(f string, a ...interface{})  { c.log(Info, f, a...) }
func (c *componentLogger) Warn(f string, a ...interface{})  { c.log(Warn, f, a...) }
func (c *componentLogger) Error(f string, a ...interface{}) { c.log(Error, f, a...) }

func (c *componentLogger) log(level Level, f string, a ...interface{}) {
	c.sink.mu.RLock()
	threshold := c.sink.level
	c.sink.mu.RUnlock()
	if level < threshold {
		return
	}
	msg := f
	if len(a) > 0 {
		msg = fmt.Sprintf(f, a...)
	}
	c.sink.publish(c.component, level, c.fields, msg)
}

func (c *componentLogger) WithFields(fields map[string]interface{}) Logger {
	merged := make(map[string]interface{}, len(c.fields)+len(fields))
	for k, v := range c.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &componentLogger{sink: c.sink, component: c.component, fields: merged}
}

func (c *componentLogger) GetFields() map[string]interface{} { return c.fields }

func (c *componentLogger) SetLevel(level Level) { c.sink.SetLevel(level) }
func (c *componentLogger) GetLevel() Level {
	c.sink.mu.RLock()
	defer c.sink.mu.RUnlock()
	return c.sink.level
}

func toLogrusLevel(l Level) logrus.Level {
	switch l {
	case Debug:
		return logrus.DebugLevel
	case Warn:
		return logrus.WarnLevel
	case Error:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

func toLogrusFields(fields map[string]interface{}) logrus.Fields {
	f := make(logrus.Fields, len(fields))
	for k, v := range fields {
		f[k] = v
	}
	return f
}
