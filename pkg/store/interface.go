package store

import (
	"time"

	"github.com/psantana5/data-flywheel/pkg/models"
)

// Store defines the interface for data persistence.
// Memory, SQLite and PostgreSQL all implement this interface.
type Store interface {
	// Record operations. Records are immutable; inserts deduplicate on the
	// (workload_id, client_id, timestamp) natural key. FetchRecords returns
	// records ordered by timestamp ascending and is an idempotent read:
	// identical arguments against an unchanged backend return identical
	// sequences. An empty match returns models.ErrNoRecords; a transport
	// failure returns *models.BackendUnavailableError.
	InsertRecords(records []models.InteractionRecord) (int, error)
	FetchRecords(workloadID, clientID string, since, until int64) ([]models.InteractionRecord, error)
	CountRecords(workloadID, clientID string) (int, error)

	// Job operations
	CreateJob(job *models.FlywheelJob) error
	GetJob(id string) (*models.FlywheelJob, error)
	ListJobs() ([]*models.FlywheelJob, error)
	UpdateJob(job *models.FlywheelJob) error

	// TransitionJobState validates the transition against the job FSM,
	// records it in the transition history and persists the new status.
	TransitionJobState(id string, to models.JobStatus, reason string) error

	// Report artifacts
	SaveReport(report *models.ReportArtifact) error
	GetReport(jobID string) (*models.ReportArtifact, error)

	// Lifecycle
	HealthCheck() error
	Close() error
}

// Config holds database configuration
type Config struct {
	Type string // "memory", "sqlite" or "postgres"
	DSN  string // file path for sqlite, connection string for postgres

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// applyTransition is the shared transition bookkeeping used by every backend
func applyTransition(job *models.FlywheelJob, to models.JobStatus, reason string) error {
	if err := models.ValidateTransition(job.Status, to); err != nil {
		return err
	}
	now := time.Now()
	job.StateTransitions = append(job.StateTransitions, models.StateTransition{
		From:      job.Status,
		To:        to,
		Timestamp: now,
		Reason:    reason,
	})
	job.Status = to
	switch to {
	case models.JobStatusLoadingData:
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
	case models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCanceled:
		if job.CompletedAt == nil {
			job.CompletedAt = &now
		}
	}
	return nil
}
