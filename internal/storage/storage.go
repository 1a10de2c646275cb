package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for jobs, solutions and watch events.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processing_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS solutions (
            job_id TEXT PRIMARY KEY,
            a REAL NOT NULL,
            b REAL NOT NULL,
            c REAL NOT NULL,
            d REAL NOT NULL,
            nmatch INTEGER,
            quad_distance REAL,
            dx_median REAL,
            dx_std REAL,
            dy_median REAL,
            dy_std REAL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS image_info (
            file_path TEXT PRIMARY KEY,
            object TEXT,
            filter TEXT,
            exposure_time REAL,
            width INTEGER,
            height INTEGER,
            bitpix INTEGER
        );`,
		`CREATE TABLE IF NOT EXISTS watch_events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            file_path TEXT NOT NULL,
            event_type TEXT NOT NULL,
            event_time TIMESTAMP NOT NULL,
            file_size INTEGER,
            is_processed BOOLEAN DEFAULT FALSE,
            event_data TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_watch_events_file_path ON watch_events(file_path);`,
		`CREATE INDEX IF NOT EXISTS idx_watch_events_event_type ON watch_events(event_type);`,
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

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string
	JobType     string
	Status      string
	InputPath   string
	OutputPath  string
	OptionsJSON string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// SolutionRecord captures a frozen similarity solution for a job.
type SolutionRecord struct {
	JobID        string
	A, B, C, D   float64
	NMatch       int
	QuadDistance float64
	DxMedian     float64
	DxStd        float64
	DyMedian     float64
	DyStd        float64
}

// ImageInfo captures basic FITS header details.
type ImageInfo struct {
	FilePath     string
	Object       string
	Filter       string
	ExposureTime float64
	Width        int
	Height       int
	Bitpix       int
}

// WatchEvent captures one filesystem event seen by the directory watcher.
type WatchEvent struct {
	FilePath  string
	EventType string
	EventTime time.Time
	FileSize  int64
	Processed bool
	EventData string
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var created time.Time
		var started, completed sql.NullTime
		var errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &rec.InputPath, &rec.OutputPath, &rec.OptionsJSON, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// JobByID fetches a single job record.
func (s *Store) JobByID(id string) (*JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var rec JobRecord
	var created time.Time
	var started, completed sql.NullTime
	var errorMsg sql.NullString
	err := s.DB.QueryRow(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs WHERE id=?;`, id).
		Scan(&rec.ID, &rec.JobType, &rec.Status, &rec.InputPath, &rec.OutputPath, &rec.OptionsJSON, &created, &started, &completed, &errorMsg)
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = created
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	if errorMsg.Valid {
		rec.Error = errorMsg.String
	}
	return &rec, nil
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RecordSolution persists the solved transform for a job.
func (s *Store) RecordSolution(rec SolutionRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO solutions (job_id, a, b, c, d, nmatch, quad_distance, dx_median, dx_std, dy_median, dy_std)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.JobID, rec.A, rec.B, rec.C, rec.D, rec.NMatch, rec.QuadDistance, rec.DxMedian, rec.DxStd, rec.DyMedian, rec.DyStd)
	return err
}

// SolutionByJob fetches the solved transform for a job.
func (s *Store) SolutionByJob(jobID string) (*SolutionRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var rec SolutionRecord
	err := s.DB.QueryRow(`SELECT job_id, a, b, c, d, nmatch, quad_distance, dx_median, dx_std, dy_median, dy_std FROM solutions WHERE job_id=?;`, jobID).
		Scan(&rec.JobID, &rec.A, &rec.B, &rec.C, &rec.D, &rec.NMatch, &rec.QuadDistance, &rec.DxMedian, &rec.DxStd, &rec.DyMedian, &rec.DyStd)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// RecordImageInfo stores basic FITS header details if available.
func (s *Store) RecordImageInfo(info ImageInfo) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO image_info (file_path, object, filter, exposure_time, width, height, bitpix)
        VALUES (?, ?, ?, ?, ?, ?, ?);`,
		info.FilePath, info.Object, info.Filter, info.ExposureTime, info.Width, info.Height, info.Bitpix)
	return err
}

// RecordWatchEvent persists a filesystem event from the directory watcher.
func (s *Store) RecordWatchEvent(ev WatchEvent) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO watch_events (file_path, event_type, event_time, file_size, is_processed, event_data) VALUES (?, ?, ?, ?, ?, ?);`,
		ev.FilePath, ev.EventType, ev.EventTime, ev.FileSize, ev.Processed, ev.EventData)
	return err
}

// RecentWatchEvents returns the latest watcher events up to limit.
func (s *Store) RecentWatchEvents(limit int) ([]WatchEvent, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT file_path, event_type, event_time, file_size, is_processed, event_data FROM watch_events ORDER BY id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evs []WatchEvent
	for rows.Next() {
		var ev WatchEvent
		var data sql.NullString
		if err := rows.Scan(&ev.FilePath, &ev.EventType, &ev.EventTime, &ev.FileSize, &ev.Processed, &data); err != nil {
			return nil, err
		}
		if data.Valid {
			ev.EventData = data.String
		}
		evs = append(evs, ev)
	}
	return evs, nil
}
