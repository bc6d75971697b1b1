package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/psantana5/data-flywheel/pkg/models"
)

// SQLiteStore is a SQLite-based implementation of the data store
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Configure SQLite connection string with parameters for concurrent access
	// - _journal_mode=WAL: Enable Write-Ahead Logging for better concurrency
	// - _busy_timeout=10000: Wait up to 10 seconds when database is locked
	// - _synchronous=NORMAL: Balance between safety and performance
	// - _txlock=immediate: Acquire write lock at transaction start to reduce conflicts
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer to avoid SQLITE_BUSY under concurrent candidate updates
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		workload_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		ts INTEGER NOT NULL,
		request TEXT NOT NULL,
		response TEXT NOT NULL,
		PRIMARY KEY (workload_id, client_id, ts)
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		workload_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		status TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS reports (
		job_id TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_dataset ON records(workload_id, client_id, ts);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Record operations

// InsertRecords adds records, ignoring duplicates of the natural key
func (s *SQLiteStore) InsertRecords(records []models.InteractionRecord) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, &models.BackendUnavailableError{Backend: "sqlite", Cause: err}
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO records (workload_id, client_id, ts, request, response)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, &models.BackendUnavailableError{Backend: "sqlite", Cause: err}
	}
	defer stmt.Close()

	inserted := 0
	for _, rec := range records {
		request, err := json.Marshal(rec.Request)
		if err != nil {
			return inserted, fmt.Errorf("failed to marshal request for %s: %w", rec.ID(), err)
		}
		response, err := json.Marshal(rec.Response)
		if err != nil {
			return inserted, fmt.Errorf("failed to marshal response for %s: %w", rec.ID(), err)
		}
		res, err := stmt.Exec(rec.WorkloadID, rec.ClientID, rec.Timestamp, string(request), string(response))
		if err != nil {
			return inserted, &models.BackendUnavailableError{Backend: "sqlite", Cause: err}
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, &models.BackendUnavailableError{Backend: "sqlite", Cause: err}
	}
	return inserted, nil
}

// FetchRecords returns matching records ordered by timestamp ascending
func (s *SQLiteStore) FetchRecords(workloadID, clientID string, since, until int64) ([]models.InteractionRecord, error) {
	query := `
		SELECT workload_id, client_id, ts, request, response FROM records
		WHERE workload_id = ? AND client_id = ?
		AND (? = 0 OR ts >= ?) AND (? = 0 OR ts <= ?)
		ORDER BY ts ASC
	`
	rows, err := s.db.Query(query, workloadID, clientID, since, since, until, until)
	if err != nil {
		return nil, &models.BackendUnavailableError{Backend: "sqlite", Cause: err}
	}
	defer rows.Close()

	var records []models.InteractionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &models.BackendUnavailableError{Backend: "sqlite", Cause: err}
	}
	if len(records) == 0 {
		return nil, models.ErrNoRecords
	}
	return records, nil
}

// CountRecords returns the number of stored records for a dataset
func (s *SQLiteStore) CountRecords(workloadID, clientID string) (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM records WHERE workload_id = ? AND client_id = ?`,
		workloadID, clientID,
	).Scan(&count)
	if err != nil {
		return 0, &models.BackendUnavailableError{Backend: "sqlite", Cause: err}
	}
	return count, nil
}

// Job operations

// CreateJob adds a new job to the store
func (s *SQLiteStore) CreateJob(job *models.FlywheelJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO jobs (id, workload_id, client_id, status, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.WorkloadID, job.ClientID, string(job.Status), string(payload), job.CreatedAt, time.Now())
	if err != nil {
		return &models.BackendUnavailableError{Backend: "sqlite", Cause: err}
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *SQLiteStore) GetJob(id string) (*models.FlywheelJob, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM jobs WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, &models.BackendUnavailableError{Backend: "sqlite", Cause: err}
	}
	var job models.FlywheelJob
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

// ListJobs returns all jobs, newest first
func (s *SQLiteStore) ListJobs() ([]*models.FlywheelJob, error) {
	rows, err := s.db.Query(`SELECT payload FROM jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, &models.BackendUnavailableError{Backend: "sqlite", Cause: err}
	}
	defer rows.Close()

	var jobs []*models.FlywheelJob
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, &models.BackendUnavailableError{Backend: "sqlite", Cause: err}
		}
		var job models.FlywheelJob
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job: %w", err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

// UpdateJob persists the current state of a job
func (s *SQLiteStore) UpdateJob(job *models.FlywheelJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	res, err := s.db.Exec(`
		UPDATE jobs SET status = ?, payload = ?, updated_at = ? WHERE id = ?
	`, string(job.Status), string(payload), time.Now(), job.ID)
	if err != nil {
		return &models.BackendUnavailableError{Backend: "sqlite", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// TransitionJobState validates and applies an FSM transition
func (s *SQLiteStore) TransitionJobState(id string, to models.JobStatus, reason string) error {
	job, err := s.GetJob(id)
	if err != nil {
		return err
	}
	if err := applyTransition(job, to, reason); err != nil {
		return err
	}
	return s.UpdateJob(job)
}

// Report operations

// SaveReport stores the report artifact for a job
func (s *SQLiteStore) SaveReport(report *models.ReportArtifact) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report for job %s: %w", report.JobID, err)
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO reports (job_id, payload, created_at)
		VALUES (?, ?, ?)
	`, report.JobID, string(payload), time.Now())
	if err != nil {
		return &models.BackendUnavailableError{Backend: "sqlite", Cause: err}
	}
	return nil
}

// GetReport retrieves the report artifact for a job
func (s *SQLiteStore) GetReport(jobID string) (*models.ReportArtifact, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM reports WHERE job_id = ?`, jobID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, &models.BackendUnavailableError{Backend: "sqlite", Cause: err}
	}
	var report models.ReportArtifact
	if err := json.Unmarshal([]byte(payload), &report); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report for job %s: %w", jobID, err)
	}
	return &report, nil
}

// Lifecycle

// HealthCheck verifies database connectivity
func (s *SQLiteStore) HealthCheck() error {
	return s.db.Ping()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner abstracts *sql.Row / *sql.Rows for record scanning
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*models.InteractionRecord, error) {
	var rec models.InteractionRecord
	var request, response string
	if err := row.Scan(&rec.WorkloadID, &rec.ClientID, &rec.Timestamp, &request, &response); err != nil {
		return nil, &models.BackendUnavailableError{Backend: "sqlite", Cause: err}
	}
	if err := json.Unmarshal([]byte(request), &rec.Request); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request for %s: %w", rec.ID(), err)
	}
	if err := json.Unmarshal([]byte(response), &rec.Response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response for %s: %w", rec.ID(), err)
	}
	return &rec, nil
}
