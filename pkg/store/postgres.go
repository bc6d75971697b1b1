package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/psantana5/data-flywheel/pkg/models"
)

// PostgreSQLStore implements Store using PostgreSQL
type PostgreSQLStore struct {
	db *sql.DB
}

// NewPostgreSQLStore creates a new PostgreSQL store
func NewPostgreSQLStore(config Config) (*PostgreSQLStore, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(25)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	} else {
		db.SetConnMaxIdleTime(1 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		return nil, &models.BackendUnavailableError{Backend: "postgres", Cause: err}
	}

	store := &PostgreSQLStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates tables if they don't exist
func (s *PostgreSQLStore) initSchema() error {
	schema := `
	-- Captured production interactions, immutable once ingested
	CREATE TABLE IF NOT EXISTS records (
		workload_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		ts BIGINT NOT NULL,
		request JSONB NOT NULL,
		response JSONB NOT NULL,
		PRIMARY KEY (workload_id, client_id, ts)
	);

	-- Flywheel jobs: indexed columns plus the full document payload
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		workload_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		status TEXT NOT NULL,
		payload JSONB NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS reports (
		job_id TEXT PRIMARY KEY,
		payload JSONB NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_dataset ON records(workload_id, client_id, ts);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_workload ON jobs(workload_id, client_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Record operations

// InsertRecords adds records, ignoring duplicates of the natural key
func (s *PostgreSQLStore) InsertRecords(records []models.InteractionRecord) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, &models.BackendUnavailableError{Backend: "postgres", Cause: err}
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO records (workload_id, client_id, ts, request, response)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (workload_id, client_id, ts) DO NOTHING
	`)
	if err != nil {
		return 0, &models.BackendUnavailableError{Backend: "postgres", Cause: err}
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
			return inserted, &models.BackendUnavailableError{Backend: "postgres", Cause: err}
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, &models.BackendUnavailableError{Backend: "postgres", Cause: err}
	}
	return inserted, nil
}

// FetchRecords returns matching records ordered by timestamp ascending
func (s *PostgreSQLStore) FetchRecords(workloadID, clientID string, since, until int64) ([]models.InteractionRecord, error) {
	query := `
		SELECT workload_id, client_id, ts, request, response FROM records
		WHERE workload_id = $1 AND client_id = $2
		AND ($3::bigint = 0 OR ts >= $3) AND ($4::bigint = 0 OR ts <= $4)
		ORDER BY ts ASC
	`
	rows, err := s.db.Query(query, workloadID, clientID, since, until)
	if err != nil {
		return nil, &models.BackendUnavailableError{Backend: "postgres", Cause: err}
	}
	defer rows.Close()

	var records []models.InteractionRecord
	for rows.Next() {
		var rec models.InteractionRecord
		var request, response []byte
		if err := rows.Scan(&rec.WorkloadID, &rec.ClientID, &rec.Timestamp, &request, &response); err != nil {
			return nil, &models.BackendUnavailableError{Backend: "postgres", Cause: err}
		}
		if err := json.Unmarshal(request, &rec.Request); err != nil {
			return nil, fmt.Errorf("failed to unmarshal request for %s: %w", rec.ID(), err)
		}
		if err := json.Unmarshal(response, &rec.Response); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response for %s: %w", rec.ID(), err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &models.BackendUnavailableError{Backend: "postgres", Cause: err}
	}
	if len(records) == 0 {
		return nil, models.ErrNoRecords
	}
	return records, nil
}

// CountRecords returns the number of stored records for a dataset
func (s *PostgreSQLStore) CountRecords(workloadID, clientID string) (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM records WHERE workload_id = $1 AND client_id = $2`,
		workloadID, clientID,
	).Scan(&count)
	if err != nil {
		return 0, &models.BackendUnavailableError{Backend: "postgres", Cause: err}
	}
	return count, nil
}

// Job operations

// CreateJob adds a new job to the store
func (s *PostgreSQLStore) CreateJob(job *models.FlywheelJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO jobs (id, workload_id, client_id, status, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, job.ID, job.WorkloadID, job.ClientID, string(job.Status), string(payload), job.CreatedAt, time.Now())
	if err != nil {
		return &models.BackendUnavailableError{Backend: "postgres", Cause: err}
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *PostgreSQLStore) GetJob(id string) (*models.FlywheelJob, error) {
	var payload []byte
	err := s.db.QueryRow(`SELECT payload FROM jobs WHERE id = $1`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, &models.BackendUnavailableError{Backend: "postgres", Cause: err}
	}
	var job models.FlywheelJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

// ListJobs returns all jobs, newest first
func (s *PostgreSQLStore) ListJobs() ([]*models.FlywheelJob, error) {
	rows, err := s.db.Query(`SELECT payload FROM jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, &models.BackendUnavailableError{Backend: "postgres", Cause: err}
	}
	defer rows.Close()

	var jobs []*models.FlywheelJob
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, &models.BackendUnavailableError{Backend: "postgres", Cause: err}
		}
		var job models.FlywheelJob
		if err := json.Unmarshal(payload, &job); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job: %w", err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

// UpdateJob persists the current state of a job
func (s *PostgreSQLStore) UpdateJob(job *models.FlywheelJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	res, err := s.db.Exec(`
		UPDATE jobs SET status = $1, payload = $2, updated_at = $3 WHERE id = $4
	`, string(job.Status), string(payload), time.Now(), job.ID)
	if err != nil {
		return &models.BackendUnavailableError{Backend: "postgres", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// TransitionJobState validates and applies an FSM transition
func (s *PostgreSQLStore) TransitionJobState(id string, to models.JobStatus, reason string) error {
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
func (s *PostgreSQLStore) SaveReport(report *models.ReportArtifact) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report for job %s: %w", report.JobID, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO reports (job_id, payload, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (job_id) DO UPDATE SET payload = EXCLUDED.payload
	`, report.JobID, string(payload), time.Now())
	if err != nil {
		return &models.BackendUnavailableError{Backend: "postgres", Cause: err}
	}
	return nil
}

// GetReport retrieves the report artifact for a job
func (s *PostgreSQLStore) GetReport(jobID string) (*models.ReportArtifact, error) {
	var payload []byte
	err := s.db.QueryRow(`SELECT payload FROM reports WHERE job_id = $1`, jobID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, &models.BackendUnavailableError{Backend: "postgres", Cause: err}
	}
	var report models.ReportArtifact
	if err := json.Unmarshal(payload, &report); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report for job %s: %w", jobID, err)
	}
	return &report, nil
}

// Lifecycle

// HealthCheck verifies database connectivity
func (s *PostgreSQLStore) HealthCheck() error {
	return s.db.Ping()
}

// Close closes the database connection
func (s *PostgreSQLStore) Close() error {
	return s.db.Close()
}
