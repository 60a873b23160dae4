package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for batch runs, frames and stages.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer; the driver is used from a single goroutine anyway
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS batch_runs (
            id TEXT PRIMARY KEY,
            input_path TEXT NOT NULL,
            output_path TEXT NOT NULL,
            frame_filter TEXT,
            options_json TEXT,
            status TEXT NOT NULL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS frame_runs (
            run_id TEXT NOT NULL,
            frame TEXT NOT NULL,
            folder TEXT NOT NULL,
            status TEXT NOT NULL,
            image_count INTEGER,
            summary_json TEXT,
            started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            completed_at TIMESTAMP,
            duration_ms INTEGER,
            error_message TEXT,
            PRIMARY KEY (run_id, frame)
        );`,
		`CREATE TABLE IF NOT EXISTS stage_events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT NOT NULL,
            frame TEXT NOT NULL,
            stage TEXT NOT NULL,
            status TEXT NOT NULL,
            duration_ms INTEGER,
            error_message TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_frame_runs_run ON frame_runs(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_stage_events_run_frame ON stage_events(run_id, frame);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures a persisted batch run.
type RunRecord struct {
	ID          string
	InputPath   string
	OutputPath  string
	FrameFilter []string
	OptionsJSON string
	Status      string
	Error       string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// FrameRecord captures the outcome of one frame within a run.
type FrameRecord struct {
	RunID       string
	Frame       string
	Folder      string
	Status      string
	ImageCount  int
	SummaryJSON string
	DurationMS  int64
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// StageEvent records one finished stage.
type StageEvent struct {
	RunID      string
	Frame      string
	Stage      string
	Status     string
	DurationMS int64
	Error      string
}

// RecordRunStart inserts a running batch.
func (s *Store) RecordRunStart(rec RunRecord) error {
	if s == nil {
		return nil
	}
	filter, _ := json.Marshal(rec.FrameFilter)
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO batch_runs (id, input_path, output_path, frame_filter, options_json, status) VALUES (?, ?, ?, ?, ?, 'running');`,
		rec.ID, rec.InputPath, rec.OutputPath, string(filter), rec.OptionsJSON)
	return err
}

// RecordRunResult finalizes a batch with status.
func (s *Store) RecordRunResult(id, status, errMsg string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE batch_runs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	return err
}

// RecordFrameStart marks a frame as running.
func (s *Store) RecordFrameStart(runID, frame, folder string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO frame_runs (run_id, frame, folder, status) VALUES (?, ?, ?, 'running');`, runID, frame, folder)
	return err
}

// RecordFrameResult finalizes a frame. summary is stored as JSON.
func (s *Store) RecordFrameResult(runID, frame, status string, imageCount int, summary any, duration time.Duration, errMsg string) error {
	if s == nil {
		return nil
	}
	var summaryJSON []byte
	if summary != nil {
		summaryJSON, _ = json.Marshal(summary)
	}
	_, err := s.DB.Exec(`UPDATE frame_runs SET status=?, image_count=?, summary_json=?, completed_at=CURRENT_TIMESTAMP, duration_ms=?, error_message=? WHERE run_id=? AND frame=?;`,
		status, imageCount, string(summaryJSON), duration.Milliseconds(), errMsg, runID, frame)
	return err
}

// RecordStage appends a stage event.
func (s *Store) RecordStage(ev StageEvent) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO stage_events (run_id, frame, stage, status, duration_ms, error_message) VALUES (?, ?, ?, ?, ?, ?);`,
		ev.RunID, ev.Frame, ev.Stage, ev.Status, ev.DurationMS, ev.Error)
	return err
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, input_path, output_path, frame_filter, options_json, status, created_at, completed_at, error_message FROM batch_runs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var filter, opts, errorMsg sql.NullString
		var completed sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.InputPath, &rec.OutputPath, &filter, &opts, &rec.Status, &rec.CreatedAt, &completed, &errorMsg); err != nil {
			return nil, err
		}
		if filter.Valid && filter.String != "" {
			if err := json.Unmarshal([]byte(filter.String), &rec.FrameFilter); err != nil {
				return nil, fmt.Errorf("unmarshal frame filter: %w", err)
			}
		}
		rec.OptionsJSON = opts.String
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		rec.Error = errorMsg.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// FramesForRun returns the frames of a run in processing order.
func (s *Store) FramesForRun(runID string) ([]FrameRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, frame, folder, status, image_count, summary_json, duration_ms, error_message, started_at, completed_at FROM frame_runs WHERE run_id=? ORDER BY folder;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []FrameRecord
	for rows.Next() {
		var rec FrameRecord
		var images, duration sql.NullInt64
		var summary, errorMsg sql.NullString
		var completed sql.NullTime
		if err := rows.Scan(&rec.RunID, &rec.Frame, &rec.Folder, &rec.Status, &images, &summary, &duration, &errorMsg, &rec.StartedAt, &completed); err != nil {
			return nil, err
		}
		rec.ImageCount = int(images.Int64)
		rec.SummaryJSON = summary.String
		rec.DurationMS = duration.Int64
		rec.Error = errorMsg.String
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// StagesForFrame returns stage events of a frame in insertion order.
func (s *Store) StagesForFrame(runID, frame string) ([]StageEvent, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, frame, stage, status, duration_ms, error_message FROM stage_events WHERE run_id=? AND frame=? ORDER BY id;`, runID, frame)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evs []StageEvent
	for rows.Next() {
		var ev StageEvent
		var duration sql.NullInt64
		var errorMsg sql.NullString
		if err := rows.Scan(&ev.RunID, &ev.Frame, &ev.Stage, &ev.Status, &duration, &errorMsg); err != nil {
			return nil, err
		}
		ev.DurationMS = duration.Int64
		ev.Error = errorMsg.String
		evs = append(evs, ev)
	}
	return evs, rows.Err()
}
