package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/banshee-data/terrain.covariates/internal/config"
	"github.com/banshee-data/terrain.covariates/internal/pipeline"
	"github.com/banshee-data/terrain.covariates/internal/raster"
	"github.com/banshee-data/terrain.covariates/internal/testutil"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state", "runs.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

var t0 = time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)

func summary(id string, started time.Time, stages ...pipeline.StageResult) *pipeline.RunSummary {
	return &pipeline.RunSummary{
		RunID:    id,
		Targets:  []string{"twi"},
		Started:  started,
		Finished: started.Add(time.Minute),
		Stages:   stages,
	}
}

func TestMigrations(t *testing.T) {
	db := setupTestDB(t)

	latest, err := LatestVersion(Migrations())
	require.NoError(t, err)
	assert.EqualValues(t, 2, latest)

	version, dirty, err := db.MigrateVersion(Migrations())
	require.NoError(t, err)
	assert.Equal(t, latest, version)
	assert.False(t, dirty)

	require.NoError(t, db.MigrateDown(Migrations()))
	version, _, err = db.MigrateVersion(Migrations())
	require.NoError(t, err)
	assert.EqualValues(t, 1, version)

	require.NoError(t, db.MigrateUp(Migrations()))
	require.NoError(t, db.MigrateUp(Migrations()), "up to date is not an error")
	version, _, err = db.MigrateVersion(Migrations())
	require.NoError(t, err)
	assert.Equal(t, latest, version)
}

func TestFreshDatabaseHasNoVersion(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "runs.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	version, dirty, err := db.MigrateVersion(Migrations())
	require.NoError(t, err)
	assert.Zero(t, version)
	assert.False(t, dirty)
}

func TestRecordRun(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	stages := []pipeline.StageResult{
		{Stage: "dinf", Status: pipeline.StatusSkipped, Reason: "outputs valid", Started: t0, Duration: 2 * time.Millisecond},
		{
			Stage:    "twi",
			Status:   pipeline.StatusRan,
			Reason:   "twi: parameters changed",
			Started:  t0.Add(time.Second),
			Duration: 1500 * time.Millisecond,
			Outputs: []pipeline.OutputResult{{
				Artifact: "twi",
				Path:     "/site/outputs/twi.tif",
				SHA256:   "ab12",
				Stats:    &raster.Stats{Cells: 100, Valid: 96, NoData: 4, Min: 1, Max: 9},
			}},
			Counters: map[string]int{"flagged_cells": 4},
		},
	}
	sum := summary("run-1", t0, stages...)
	sum.EngineVersion = "WhiteboxTools v2.4.0"

	require.NoError(t, db.RunStarted(ctx, sum))
	run, err := db.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunRunning, run.Status)
	assert.Nil(t, run.Finished)

	for _, s := range stages {
		require.NoError(t, db.StageFinished(ctx, sum.RunID, s))
	}
	require.NoError(t, db.RunFinished(ctx, sum))

	run, err = db.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, run.Status)
	assert.Equal(t, []string{"twi"}, run.Targets)
	assert.WithinDuration(t, t0, run.Started, time.Microsecond)
	require.NotNil(t, run.Finished)
	assert.WithinDuration(t, t0.Add(time.Minute), *run.Finished, time.Microsecond)
	assert.Equal(t, 1, run.Ran)
	assert.Equal(t, 1, run.Skipped)
	assert.Zero(t, run.Failed)
	assert.Empty(t, run.Error)
	assert.Equal(t, "WhiteboxTools v2.4.0", run.EngineVersion)

	got, err := db.StageRuns(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "dinf", got[0].Stage)
	assert.Equal(t, pipeline.StatusSkipped, got[0].Status)
	assert.Nil(t, got[0].Counters)
	assert.Empty(t, got[0].Outputs)

	twi := got[1]
	assert.Equal(t, pipeline.StatusRan, twi.Status)
	assert.Equal(t, 1500*time.Millisecond, twi.Duration)
	assert.Equal(t, map[string]int{"flagged_cells": 4}, twi.Counters)
	require.Len(t, twi.Outputs, 1)
	assert.Equal(t, "/site/outputs/twi.tif", twi.Outputs[0].Path)
	require.NotNil(t, twi.Outputs[0].Stats)
	assert.Equal(t, 96, twi.Outputs[0].Stats.Valid)
}

func TestRecordFailedRun(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	procErr := &pipeline.ProcessingError{Stage: "pdep", Operation: "probability range check", Err: errors.New("3 cells outside [0, 1]")}
	sum := summary("run-f", t0, pipeline.StageResult{Stage: "pdep", Status: pipeline.StatusFailed, Started: t0, Err: procErr})
	sum.Err = procErr

	require.NoError(t, db.RunStarted(ctx, sum))
	require.NoError(t, db.StageFinished(ctx, sum.RunID, sum.Stages[0]))
	require.NoError(t, db.RunFinished(ctx, sum))

	run, err := db.GetRun(ctx, "run-f")
	require.NoError(t, err)
	assert.Equal(t, RunFailed, run.Status)
	assert.Equal(t, 1, run.Failed)
	assert.Contains(t, run.Error, "probability range check")

	stages, err := db.StageRuns(ctx, "run-f")
	require.NoError(t, err)
	require.Len(t, stages, 1)
	assert.Equal(t, procErr.Error(), stages[0].Error)
}

func TestStageOutsideRun(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.StageFinished(ctx, "ensure-7", pipeline.StageResult{Stage: "d8", Status: pipeline.StatusRan, Started: t0}))
	run, err := db.GetRun(ctx, "ensure-7")
	require.NoError(t, err)
	assert.Equal(t, RunRunning, run.Status)
	assert.Empty(t, run.Targets)

	err = db.RunFinished(ctx, summary("ghost", t0))
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = db.GetRun(ctx, "ghost")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestRecentRunsAndPrune(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		sum := summary(id, t0.Add(time.Duration(i)*time.Hour), pipeline.StageResult{Stage: "smooth", Status: pipeline.StatusRan, Started: t0})
		require.NoError(t, db.RunStarted(ctx, sum))
		require.NoError(t, db.StageFinished(ctx, id, sum.Stages[0]))
		require.NoError(t, db.RunFinished(ctx, sum))
	}

	runs, err := db.RecentRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].ID)
	assert.Equal(t, "b", runs[1].ID)

	n, err := db.Prune(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	runs, err = db.RecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "c", runs[0].ID)

	stages, err := db.StageRuns(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, stages, "stages go with their run")
}

func TestLedgerObservesPipeline(t *testing.T) {
	db := setupTestDB(t)
	dir := t.TempDir()
	testutil.WriteInputs(t, dir, testutil.Ramp(8, 8), nil, 5)

	cfg := config.EmptyConfig()
	cfg.WorkingDir = &dir
	orch, err := pipeline.New(cfg, pipeline.Options{
		Engine:    testutil.NewFakeEngine(),
		Observers: []pipeline.Observer{db},
	})
	require.NoError(t, err)

	sum, err := orch.Run(context.Background(), pipeline.StageTWI)
	require.NoError(t, err)

	runs, err := db.RecentRuns(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, sum.RunID, runs[0].ID)
	assert.Equal(t, RunSucceeded, runs[0].Status)
	assert.Equal(t, len(sum.Stages), runs[0].Ran)
	assert.Equal(t, "fake 1.0", runs[0].EngineVersion)

	stages, err := db.StageRuns(context.Background(), sum.RunID)
	require.NoError(t, err)
	require.Len(t, stages, len(sum.Stages))
	for i, s := range stages {
		assert.Equal(t, sum.Stages[i].Stage, s.Stage)
	}
}

func TestLedgerRecordsInterruptedRun(t *testing.T) {
	db := setupTestDB(t)
	dir := t.TempDir()
	testutil.WriteInputs(t, dir, testutil.Ramp(8, 8), nil, 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine := testutil.NewFakeEngine()
	engine.Before = func(ctx context.Context, op string) error {
		if op == testutil.OpBreach {
			cancel()
			return ctx.Err()
		}
		return nil
	}

	cfg := config.EmptyConfig()
	cfg.WorkingDir = &dir
	orch, err := pipeline.New(cfg, pipeline.Options{Engine: engine, Observers: []pipeline.Observer{db}})
	require.NoError(t, err)

	sum, err := orch.Run(ctx, pipeline.StageTWI)
	require.ErrorIs(t, err, context.Canceled)

	run, err := db.GetRun(context.Background(), sum.RunID)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, run.Status)
	assert.Equal(t, 1, run.Failed)
	assert.Contains(t, run.Error, "context canceled")

	stages, err := db.StageRuns(context.Background(), sum.RunID)
	require.NoError(t, err)
	assert.Len(t, stages, len(sum.Stages))
}
