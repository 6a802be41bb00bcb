// Copyright 2018 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package loggingtest provides a buffering logging.Logger implementation
// for assertions in tests.
package loggingtest

import (
	"fmt"
	"sync"

	"github.com/qorzen/qorzen-core/logging"
)

// Entry is one buffered log message.
type Entry struct {
	Level   logging.Level
	Fields  map[string]interface{}
	Message string
}

// Logger buffers log calls instead of writing them anywhere, so tests can
// assert on exactly what was logged.
type Logger struct {
	mtx     sync.Mutex
	level   logging.Level
	fields  map[string]interface{}
	entries *[]Entry
}

// New returns a fresh buffering logger at Info level.
func New() *Logger {
	return &Logger{level: logging.Info, entries: &[]Entry{}}
}

func (l *Logger) Debug(f string, a ...interface{}) { l.append(logging.Debug, f, a...) }
func (l *Logger) Info(f string, a ...interface{})  { l.append(logging.Info, f, a...) }
func (l *Logger) Warn(f string, a ...interface{})  { l.append(logging.Warn, f, a...) }
func (l *Logger) Error(f string, a ...interface{}) { l.append(logging.Error, f, a...) }

func (l *Logger) WithFields(fields map[string]interface{}) logging.Logger {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{level: l.level, entries: l.entries, fields: merged}
}

func (l *Logger) GetFields() map[string]interface{} { return l.fields }

func (l *Logger) SetLevel(level logging.Level) { l.level = level }
func (l *Logger) GetLevel() logging.Level      { return l.level }

// Entries returns every buffered record so far, in call order.
func (l *Logger) Entries() []Entry {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	out := make([]Entry, len(*l.entries))
	copy(out, *l.entries)
	return out
}

func (l *Logger) append(level logging.Level, f string, a ...interface{}) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	msg := f
	if len(a) > 0 {
		msg = fmt.Sprintf(f, a...)
	}
	*l.entries = append(*l.entries, Entry{Level: level, Fields: l.fields, Message: msg})
}
