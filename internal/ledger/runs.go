package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/terrain.covariates/internal/pipeline"
)

// ErrRunNotFound is returned when a run id is not in the ledger.
var ErrRunNotFound = errors.New("run not found")

// Run statuses.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// Run is one row of pipeline_runs.
type Run struct {
	ID            string     `json:"run_id"`
	Targets       []string   `json:"targets"`
	Started       time.Time  `json:"started"`
	Finished      *time.Time `json:"finished,omitempty"`
	Status        string     `json:"status"`
	Ran           int        `json:"ran"`
	Skipped       int        `json:"skipped"`
	Failed        int        `json:"failed"`
	Error         string     `json:"error,omitempty"`
	EngineVersion string     `json:"engine_version,omitempty"`
}

// StageRun is one row of stage_runs.
type StageRun struct {
	RunID    string                  `json:"run_id"`
	Stage    string                  `json:"stage"`
	Status   pipeline.Status         `json:"status"`
	Reason   string                  `json:"reason,omitempty"`
	Started  time.Time               `json:"started"`
	Duration time.Duration           `json:"duration"`
	Outputs  []pipeline.OutputResult `json:"outputs,omitempty"`
	Counters map[string]int          `json:"counters,omitempty"`
	Error    string                  `json:"error,omitempty"`
}

var _ pipeline.Observer = (*DB)(nil)

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(s float64) time.Time {
	return time.Unix(0, int64(s*1e9)).UTC()
}

func errString(err error) sql.NullString {
	if err == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: err.Error(), Valid: true}
}

// RunStarted records a new run.
func (db *DB) RunStarted(ctx context.Context, sum *pipeline.RunSummary) error {
	targets, err := json.Marshal(nonNil(sum.Targets))
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO pipeline_runs (run_id, targets, started_unix, status)
		VALUES (?, ?, ?, ?)`,
		sum.RunID, string(targets), unixSeconds(sum.Started), RunRunning)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", sum.RunID, err)
	}
	return nil
}

// StageFinished records one stage outcome. A stage ensured outside a run gets
// a placeholder run row.
func (db *DB) StageFinished(ctx context.Context, runID string, res pipeline.StageResult) error {
	outputs, err := json.Marshal(nonNil(res.Outputs))
	if err != nil {
		return err
	}
	counters, err := json.Marshal(res.Counters)
	if err != nil {
		return err
	}
	if res.Counters == nil {
		counters = []byte("{}")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO pipeline_runs (run_id, started_unix, status)
		VALUES (?, ?, ?)`,
		runID, unixSeconds(res.Started), RunRunning); err != nil {
		return fmt.Errorf("failed to record run %s: %w", runID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stage_runs (run_id, stage, status, reason, started_unix, duration_ms, outputs, counters, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, res.Stage, string(res.Status), res.Reason, unixSeconds(res.Started),
		res.Duration.Milliseconds(), string(outputs), string(counters), errString(res.Err)); err != nil {
		return fmt.Errorf("failed to record stage %s: %w", res.Stage, err)
	}
	return tx.Commit()
}

// RunFinished closes the run row with its totals.
func (db *DB) RunFinished(ctx context.Context, sum *pipeline.RunSummary) error {
	status := RunSucceeded
	if sum.Err != nil {
		status = RunFailed
	}
	res, err := db.ExecContext(ctx, `
		UPDATE pipeline_runs
		SET finished_unix = ?, status = ?, ran = ?, skipped = ?, failed = ?, error = ?, engine_version = ?
		WHERE run_id = ?`,
		unixSeconds(sum.Finished), status,
		sum.Count(pipeline.StatusRan), sum.Count(pipeline.StatusSkipped), sum.Count(pipeline.StatusFailed),
		errString(sum.Err), sum.EngineVersion, sum.RunID)
	if err != nil {
		return fmt.Errorf("failed to close run %s: %w", sum.RunID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, sum.RunID)
	}
	db.logger.Debug("run recorded", zap.String("run_id", sum.RunID), zap.String("status", status))
	return nil
}

const runColumns = `run_id, targets, started_unix, finished_unix, status, ran, skipped, failed, error, engine_version`

func scanRun(row interface{ Scan(...any) error }) (Run, error) {
	var (
		r        Run
		targets  string
		started  float64
		finished sql.NullFloat64
		errText  sql.NullString
		version  sql.NullString
	)
	if err := row.Scan(&r.ID, &targets, &started, &finished, &r.Status, &r.Ran, &r.Skipped, &r.Failed, &errText, &version); err != nil {
		return r, err
	}
	if err := json.Unmarshal([]byte(targets), &r.Targets); err != nil {
		return r, fmt.Errorf("run %s: bad targets: %w", r.ID, err)
	}
	r.Started = fromUnixSeconds(started)
	if finished.Valid {
		t := fromUnixSeconds(finished.Float64)
		r.Finished = &t
	}
	r.Error = errText.String
	r.EngineVersion = version.String
	return r, nil
}

// RecentRuns returns up to limit runs, newest first.
func (db *DB) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs ORDER BY started_unix DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns one run.
func (db *DB) GetRun(ctx context.Context, id string) (*Run, error) {
	r, err := scanRun(db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE run_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// StageRuns returns the stages recorded for a run in execution order.
func (db *DB) StageRuns(ctx context.Context, runID string) ([]StageRun, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT run_id, stage, status, reason, started_unix, duration_ms, outputs, counters, error
		FROM stage_runs WHERE run_id = ? ORDER BY stage_run_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StageRun
	for rows.Next() {
		var (
			s                 StageRun
			status            string
			reason, errText   sql.NullString
			started           float64
			durationMs        int64
			outputs, counters string
		)
		if err := rows.Scan(&s.RunID, &s.Stage, &status, &reason, &started, &durationMs, &outputs, &counters, &errText); err != nil {
			return nil, err
		}
		s.Status = pipeline.Status(status)
		s.Reason = reason.String
		s.Started = fromUnixSeconds(started)
		s.Duration = time.Duration(durationMs) * time.Millisecond
		s.Error = errText.String
		if err := json.Unmarshal([]byte(outputs), &s.Outputs); err != nil {
			return nil, fmt.Errorf("stage %s: bad outputs: %w", s.Stage, err)
		}
		if err := json.Unmarshal([]byte(counters), &s.Counters); err != nil {
			return nil, fmt.Errorf("stage %s: bad counters: %w", s.Stage, err)
		}
		if len(s.Counters) == 0 {
			s.Counters = nil
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Prune deletes all but the newest keep runs and their stages.
func (db *DB) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := db.ExecContext(ctx, `
		DELETE FROM pipeline_runs WHERE run_id NOT IN (
			SELECT run_id FROM pipeline_runs ORDER BY started_unix DESC, rowid DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	return res.RowsAffected()
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
