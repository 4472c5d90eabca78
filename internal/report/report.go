// Package report renders a self-contained HTML page summarising a pipeline
// run: stage durations and outcomes, and value ranges of the rasters the run
// committed.
package report

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"go.uber.org/zap"

	"github.com/banshee-data/terrain.covariates/internal/pipeline"
)

var statusColors = map[pipeline.Status]string{
	pipeline.StatusRan:     "#35b779",
	pipeline.StatusSkipped: "#31688e",
	pipeline.StatusFailed:  "#d64541",
}

// Writer renders a report at Path after every run.
type Writer struct {
	pipeline.BaseObserver

	Path       string
	AssetsHost string // empty uses the go-echarts CDN
	Logger     *zap.Logger
}

// NewWriter returns a report writer for path.
func NewWriter(path string, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{Path: path, Logger: logger}
}

// RunFinished renders the report for sum.
func (w *Writer) RunFinished(ctx context.Context, sum *pipeline.RunSummary) error {
	var buf bytes.Buffer
	if err := Render(&buf, sum, w.AssetsHost); err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(w.Path), 0o755); err != nil {
		return err
	}
	tmp := w.Path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := os.Rename(tmp, w.Path); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	w.Logger.Info("run report written", zap.String("path", w.Path))
	return nil
}

// Render writes the report page for sum to buf.
func Render(buf *bytes.Buffer, sum *pipeline.RunSummary, assetsHost string) error {
	page := components.NewPage()
	page.PageTitle = "Covariate run " + sum.RunID
	if assetsHost != "" {
		page.SetAssetsHost(assetsHost)
	}
	page.AddCharts(stageChart(sum, assetsHost))
	if rc := rangeChart(sum, assetsHost); rc != nil {
		page.AddCharts(rc)
	}
	return page.Render(buf)
}

func subtitle(sum *pipeline.RunSummary) string {
	outcome := "succeeded"
	if sum.Err != nil {
		outcome = "failed: " + sum.Err.Error()
	}
	return fmt.Sprintf("%s  |  ran %d, skipped %d, failed %d  |  %s  |  %s",
		sum.Started.Format(time.RFC3339),
		sum.Count(pipeline.StatusRan), sum.Count(pipeline.StatusSkipped), sum.Count(pipeline.StatusFailed),
		sum.Finished.Sub(sum.Started).Round(time.Millisecond), outcome)
}

func initOpts(assetsHost string) opts.Initialization {
	o := opts.Initialization{Width: "100%", Height: "480px"}
	if assetsHost != "" {
		o.AssetsHost = assetsHost
	}
	return o
}

// stageChart is a bar per stage, coloured by outcome.
func stageChart(sum *pipeline.RunSummary, assetsHost string) *charts.Bar {
	x := make([]string, 0, len(sum.Stages))
	y := make([]opts.BarData, 0, len(sum.Stages))
	for _, s := range sum.Stages {
		x = append(x, s.Stage)
		y = append(y, opts.BarData{
			Name:      string(s.Status),
			Value:     s.Duration.Seconds(),
			ItemStyle: &opts.ItemStyle{Color: statusColors[s.Status]},
		})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts(assetsHost)),
		charts.WithTitleOpts(opts.Title{Title: "Stages " + sum.RunID, Subtitle: subtitle(sum)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "seconds"}),
	)
	bar.SetXAxis(x).AddSeries("duration", y,
		charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
	)
	return bar
}

// rangeChart shows min, mean and max of every raster with statistics, or
// nil when the run computed none.
func rangeChart(sum *pipeline.RunSummary, assetsHost string) *charts.Bar {
	var (
		names             []string
		mins, means, maxs []opts.BarData
	)
	for _, s := range sum.Stages {
		for _, o := range s.Outputs {
			if o.Stats == nil {
				continue
			}
			names = append(names, o.Artifact)
			mins = append(mins, opts.BarData{Value: o.Stats.Min})
			means = append(means, opts.BarData{Value: o.Stats.Mean})
			maxs = append(maxs, opts.BarData{Value: o.Stats.Max})
		}
	}
	if len(names) == 0 {
		return nil
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts(assetsHost)),
		charts.WithTitleOpts(opts.Title{Title: "Output value ranges"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(names).
		AddSeries("min", mins).
		AddSeries("mean", means).
		AddSeries("max", maxs)
	return bar
}
