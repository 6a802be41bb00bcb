// Copyright 2018 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package plugin

import (
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/qorzen/qorzen-core/internal/util"
)

const (
	watchBackoffBase = float64(100 * 1e6) // 100ms in ns
	watchBackoffMax  = float64(30 * 1e9)  // 30s in ns
)

// Watch starts an fsnotify watcher on the plugins root and rescans on
// every create/remove/rename beneath it, so a plugin dropped into the
// directory while the platform is running is discovered without a
// restart. Watcher errors back off exponentially before the watch is
// re-armed, keeping a flapping filesystem from spinning the loop.
func (m *Manager) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(m.root); err != nil {
		w.Close()
		return err
	}

	m.mu.Lock()
	if m.watcher != nil {
		m.mu.Unlock()
		w.Close()
		return nil
	}
	m.watcher = w
	m.watchStop = make(chan struct{})
	m.mu.Unlock()

	go m.watchLoop(w)
	return nil
}

func (m *Manager) watchLoop(w *fsnotify.Watcher) {
	retries := 0
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			retries = 0
			_, errs := m.Discover()
			for _, err := range errs {
				m.logf("warn", "plugin rescan: %v", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			m.logf("warn", "plugin watcher error: %v", err)
			retries++
			select {
			case <-time.After(util.DefaultBackoff(watchBackoffBase, watchBackoffMax, retries)):
			case <-m.watchStop:
				return
			}
		case <-m.watchStop:
			return
		}
	}
}

// StopWatch tears down an active directory watch. Safe to call when Watch
// was never started.
func (m *Manager) StopWatch() {
	m.mu.Lock()
	w := m.watcher
	stop := m.watchStop
	m.watcher = nil
	m.watchStop = nil
	m.mu.Unlock()
	if w == nil {
		return
	}
	close(stop)
	w.Close()
}
