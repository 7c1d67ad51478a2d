package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dbsmedya/goscrape/internal/logger"
	"github.com/dbsmedya/goscrape/internal/sqlutil"
)

// RunStatus is the state of a pipeline run in the ledger.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
	// RunStatusInterrupted marks a run that never finished, found still
	// running when a later run of the same pipeline started.
	RunStatusInterrupted RunStatus = "interrupted"
)

const createRunTableSQL = `
CREATE TABLE IF NOT EXISTS %s (
	run_id CHAR(36) PRIMARY KEY,
	pipeline VARCHAR(255) NOT NULL,
	run_status VARCHAR(20) NOT NULL DEFAULT 'running',
	error_message TEXT,
	started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	finished_at TIMESTAMP NULL,
	INDEX idx_pipeline_started (pipeline, started_at),
	INDEX idx_status (run_status)
) ENGINE=InnoDB;
`

const createStageLogTableSQL = `
CREATE TABLE IF NOT EXISTS %s (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	run_id CHAR(36) NOT NULL,
	stage VARCHAR(255) NOT NULL,
	stage_status VARCHAR(20) NOT NULL,
	total_keys INT NOT NULL DEFAULT 0,
	processed INT NOT NULL DEFAULT 0,
	succeeded INT NOT NULL DEFAULT 0,
	failed INT NOT NULL DEFAULT 0,
	skipped INT NOT NULL DEFAULT 0,
	records INT NOT NULL DEFAULT 0,
	retries INT NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	output_hash CHAR(64),
	error_message TEXT,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	UNIQUE KEY uk_run_stage (run_id, stage),
	INDEX idx_stage (stage, created_at),
	FOREIGN KEY (run_id) REFERENCES %s(run_id) ON DELETE CASCADE
) ENGINE=InnoDB;
`

// RunEntry is one row of the run table.
type RunEntry struct {
	RunID      string
	Pipeline   string
	Status     RunStatus
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Ledger records pipeline runs and per-stage outcomes in MySQL. It is an
// audit trail: resuming never depends on it, the stage outputs are the
// source of truth.
type Ledger struct {
	db         *sql.DB
	runTable   string
	stageTable string
	logger     *logger.Logger
}

// NewLedger creates a ledger whose tables are named <prefix>_run and
// <prefix>_stage_log.
func NewLedger(db *sql.DB, prefix string, log *logger.Logger) (*Ledger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}
	if prefix == "" {
		prefix = "goscrape"
	}
	runTable, err := sqlutil.TableName(prefix, "run")
	if err != nil {
		return nil, fmt.Errorf("invalid table prefix: %w", err)
	}
	stageTable, err := sqlutil.TableName(prefix, "stage_log")
	if err != nil {
		return nil, fmt.Errorf("invalid table prefix: %w", err)
	}
	if log == nil {
		log = logger.NewDefault()
	}

	return &Ledger{
		db:         db,
		runTable:   runTable,
		stageTable: stageTable,
		logger:     log,
	}, nil
}

// InitializeTables creates the ledger tables if they don't exist.
func (l *Ledger) InitializeTables(ctx context.Context) error {
	l.logger.Debug("Initializing ledger tables")

	if _, err := l.db.ExecContext(ctx, fmt.Sprintf(createRunTableSQL, l.runTable)); err != nil {
		return fmt.Errorf("failed to create %s table: %w", l.runTable, err)
	}
	if _, err := l.db.ExecContext(ctx, fmt.Sprintf(createStageLogTableSQL, l.stageTable, l.runTable)); err != nil {
		return fmt.Errorf("failed to create %s table: %w", l.stageTable, err)
	}

	l.logger.Info("Ledger tables initialized")
	return nil
}

// StartRun inserts a running entry for runID. Earlier runs of the pipeline
// still marked running are closed as interrupted first, so each crash is
// reported by InterruptedRuns once.
func (l *Ledger) StartRun(ctx context.Context, runID, pipeline string) error {
	res, err := l.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET run_status = ? WHERE pipeline = ? AND run_status = ?", l.runTable),
		RunStatusInterrupted, pipeline, RunStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to close interrupted runs: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		l.logger.Infow("Marked stale runs interrupted", "pipeline", pipeline, "runs", n)
	}

	_, err = l.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (run_id, pipeline, run_status) VALUES (?, ?, ?)", l.runTable),
		runID, pipeline, RunStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}
	l.logger.Debugw("Run started", "run_id", runID, "pipeline", pipeline)
	return nil
}

// FinishRun closes runID with a final status.
func (l *Ledger) FinishRun(ctx context.Context, runID string, status RunStatus, errMsg string) error {
	_, err := l.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET run_status = ?, error_message = ?, finished_at = CURRENT_TIMESTAMP WHERE run_id = ?", l.runTable),
		status, nullString(errMsg), runID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	l.logger.Debugw("Run finished", "run_id", runID, "status", status)
	return nil
}

// RecordStage logs the outcome of one stage of runID.
func (l *Ledger) RecordStage(ctx context.Context, runID string, res *StageResult) error {
	if res == nil {
		return fmt.Errorf("stage result is nil")
	}
	errMsg := ""
	if res.Err != nil {
		errMsg = res.Err.Error()
	}
	s := res.Stats
	_, err := l.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (run_id, stage, stage_status, total_keys, processed, succeeded, failed, skipped, records, retries, duration_ms, output_hash, error_message)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, l.stageTable),
		runID, res.Name, res.Status,
		s.Total, s.Processed, s.Succeeded, s.Failed, s.Skipped, s.Records, s.Retries,
		s.Duration.Milliseconds(), nullString(res.Hash), nullString(errMsg),
	)
	if err != nil {
		return fmt.Errorf("failed to record stage %s: %w", res.Name, err)
	}
	return nil
}

// RecentRuns returns up to limit runs of a pipeline, newest first.
func (l *Ledger) RecentRuns(ctx context.Context, pipeline string, limit int) ([]RunEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := l.db.QueryContext(ctx,
		fmt.Sprintf("SELECT run_id, pipeline, run_status, error_message, started_at, finished_at FROM %s WHERE pipeline = ? ORDER BY started_at DESC LIMIT ?", l.runTable),
		pipeline, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			l.logger.Warnf("Failed to close rows: %v", err)
		}
	}()

	var runs []RunEntry
	for rows.Next() {
		var (
			e        RunEntry
			errMsg   sql.NullString
			finished sql.NullTime
		)
		if err := rows.Scan(&e.RunID, &e.Pipeline, &e.Status, &errMsg, &e.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		e.Error = errMsg.String
		if finished.Valid {
			t := finished.Time
			e.FinishedAt = &t
		}
		runs = append(runs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// InterruptedRuns counts runs of a pipeline still marked running. A non-zero
// count after a crash means the next run resumes from checkpoints.
func (l *Ledger) InterruptedRuns(ctx context.Context, pipeline string) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE pipeline = ? AND run_status = ?", l.runTable),
		pipeline, RunStatusRunning,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count interrupted runs: %w", err)
	}
	return n, nil
}

// LastHash returns the most recent output digest recorded for a stage of a
// pipeline, or "" when none was recorded.
func (l *Ledger) LastHash(ctx context.Context, pipeline, stage string) (string, error) {
	var hash sql.NullString
	err := l.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT s.output_hash FROM %s s JOIN %s r ON r.run_id = s.run_id
WHERE r.pipeline = ? AND s.stage = ? AND s.output_hash IS NOT NULL
ORDER BY s.id DESC LIMIT 1`, l.stageTable, l.runTable),
		pipeline, stage,
	).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get last hash: %w", err)
	}
	return hash.String, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
