// Copyright 2025 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes the Prometheus instrumentation of a site. Each
// instance carries its own registry so that several sites can share a
// process, as they do in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the per-site collectors.
type Metrics struct {
	registry *prometheus.Registry

	JobsSubmitted prometheus.Counter
	JobsCompleted *prometheus.CounterVec
	StepsExecuted prometheus.Counter
	StepDuration  prometheus.Histogram
	AssetsServed  *prometheus.CounterVec
}

// New creates a metrics set backed by a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		JobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tessera_jobs_submitted_total",
			Help: "Jobs accepted by this site's runner.",
		}),
		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tessera_jobs_completed_total",
			Help: "Jobs finished by this site's runner, by outcome.",
		}, []string{"status"}),
		StepsExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tessera_steps_executed_total",
			Help: "Workflow steps executed by this site's runner.",
		}),
		StepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tessera_step_duration_seconds",
			Help:    "Wall time of one step, input polling included.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		AssetsServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tessera_assets_served_total",
			Help: "Asset retrievals answered by this site's store, by outcome.",
		}, []string{"outcome"}),
	}
	registry.MustRegister(m.JobsSubmitted, m.JobsCompleted, m.StepsExecuted, m.StepDuration, m.AssetsServed)
	return m
}

// ObserveStep records one executed step.
func (m *Metrics) ObserveStep(d time.Duration) {
	m.StepsExecuted.Inc()
	m.StepDuration.Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
