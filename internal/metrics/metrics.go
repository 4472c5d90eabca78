// Package metrics exposes pipeline stage outcomes as Prometheus metrics and
// writes them in the node-exporter textfile format.
package metrics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/banshee-data/terrain.covariates/internal/pipeline"
)

const namespace = "covariates"

// Collector records stage and run metrics into its own registry.
type Collector struct {
	pipeline.BaseObserver

	registry *prometheus.Registry
	textfile string

	StageDuration *prometheus.HistogramVec
	StageTotal    *prometheus.CounterVec
	StageCounters *prometheus.GaugeVec
	RunDuration   prometheus.Histogram
	RunsTotal     *prometheus.CounterVec
	LastRun       prometheus.Gauge
	LastSuccess   prometheus.Gauge
}

// NewCollector returns a collector. When textfile is set, every finished run
// rewrites it.
func NewCollector(textfile string) *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Collector{
		registry: reg,
		textfile: textfile,

		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "stage",
				Name:      "duration_seconds",
				Help:      "Stage wall time in seconds by stage and status.",
				Buckets:   []float64{0.01, 0.1, 1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"stage", "status"},
		),
		StageTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stage",
				Name:      "executions_total",
				Help:      "Stage executions by stage and status.",
			},
			[]string{"stage", "status"},
		),
		StageCounters: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "stage",
				Name:      "cells",
				Help:      "Cell counts reported by the last execution of a stage, such as flagged wetness cells.",
			},
			[]string{"stage", "counter"},
		),
		RunDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "run",
				Name:      "duration_seconds",
				Help:      "Pipeline run wall time in seconds.",
				Buckets:   []float64{1, 10, 60, 300, 900, 3600, 4 * 3600},
			},
		),
		RunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "run",
				Name:      "total",
				Help:      "Pipeline runs by outcome.",
			},
			[]string{"outcome"},
		),
		LastRun: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "last_finished_timestamp_seconds",
			Help:      "Unix time the last run finished.",
		}),
		LastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time the last successful run finished.",
		}),
	}
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// StageFinished records one stage outcome.
func (c *Collector) StageFinished(ctx context.Context, runID string, res pipeline.StageResult) error {
	status := string(res.Status)
	c.StageDuration.WithLabelValues(res.Stage, status).Observe(res.Duration.Seconds())
	c.StageTotal.WithLabelValues(res.Stage, status).Inc()
	for k, v := range res.Counters {
		c.StageCounters.WithLabelValues(res.Stage, k).Set(float64(v))
	}
	return nil
}

// RunFinished records the run and rewrites the textfile when configured.
func (c *Collector) RunFinished(ctx context.Context, sum *pipeline.RunSummary) error {
	outcome := "success"
	if sum.Err != nil {
		outcome = "failure"
	}
	c.RunDuration.Observe(sum.Finished.Sub(sum.Started).Seconds())
	c.RunsTotal.WithLabelValues(outcome).Inc()
	finished := float64(sum.Finished.UnixNano()) / 1e9
	c.LastRun.Set(finished)
	if sum.Err == nil {
		c.LastSuccess.Set(finished)
	}
	if c.textfile == "" {
		return nil
	}
	return c.WriteTextfile(c.textfile)
}

// WriteTextfile writes every metric to path atomically.
func (c *Collector) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
