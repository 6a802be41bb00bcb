// Copyright 2018 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package metrics exports the platform's operational counters through a
// Prometheus registry. It observes the rest of the core the same way any
// plugin would: by subscribing to the Event Bus, so the managers being
// measured carry no metrics dependency themselves.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector aggregates platform activity into Prometheus collectors. It is
// constructed once at boot and registered with the kernel like any other
// manager.
type Collector struct {
	registry *prometheus.Registry

	eventsPublished *prometheus.CounterVec
	logRecords      *prometheus.CounterVec
	errorsHandled   *prometheus.CounterVec
	pluginEvents    *prometheus.CounterVec
	taskProgress    *prometheus.GaugeVec
	alerts          prometheus.Counter
}

// NewCollector builds a Collector backed by its own Registry, so tests can
// construct many instances without duplicate-registration panics.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qorzen_events_published_total",
			Help: "Events accepted by the bus, by reserved type prefix.",
		}, []string{"prefix"}),
		logRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qorzen_log_records_total",
			Help: "Log records republished on the bus, by level.",
		}, []string{"level"}),
		errorsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qorzen_errors_handled_total",
			Help: "Errors routed through the error handler, by severity.",
		}, []string{"severity"}),
		pluginEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qorzen_plugin_lifecycle_total",
			Help: "Plugin lifecycle announcements, by kind (loaded, failed, ...).",
		}, []string{"kind"}),
		taskProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "qorzen_task_progress",
			Help: "Last reported completion fraction per active task.",
		}, []string{"task_id"}),
		alerts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qorzen_monitoring_alerts_total",
			Help: "monitoring/alert events, e.g. bus queue saturation.",
		}),
	}
	c.registry.MustRegister(c.eventsPublished, c.logRecords, c.errorsHandled, c.pluginEvents, c.taskProgress, c.alerts)
	return c
}

// Registry exposes the underlying Prometheus registry so a host can mount
// it on whatever scrape surface it runs.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Observe records one published event into the appropriate collectors.
// It is the callback Manager.Initialize subscribes to the bus; the payload shapes it
// reads are the ones the scheduler, logging sink, and error handler emit.
func (c *Collector) Observe(eventType string, payload map[string]interface{}) {
	c.eventsPublished.WithLabelValues(typePrefix(eventType)).Inc()

	switch {
	case strings.HasPrefix(eventType, "log/"):
		c.logRecords.WithLabelValues(strings.TrimPrefix(eventType, "log/")).Inc()
	case strings.HasPrefix(eventType, "error/"):
		c.errorsHandled.WithLabelValues(strings.TrimPrefix(eventType, "error/")).Inc()
	case strings.HasPrefix(eventType, "plugin/"):
		c.pluginEvents.WithLabelValues(strings.TrimPrefix(eventType, "plugin/")).Inc()
	case eventType == "monitoring/alert":
		c.alerts.Inc()
	case eventType == "monitoring/metrics":
		id, _ := payload["task_id"].(string)
		fraction, ok := payload["progress"].(float64)
		if id == "" || !ok {
			return
		}
		status, _ := payload["status"].(string)
		switch status {
		case "completed", "failed", "cancelled":
			c.taskProgress.DeleteLabelValues(id)
		default:
			c.taskProgress.WithLabelValues(id).Set(fraction)
		}
	}
}

func typePrefix(eventType string) string {
	if i := strings.IndexByte(eventType, '/'); i > 0 {
		return eventType[:i]
	}
	return eventType
}
