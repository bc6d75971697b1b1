package store

import (
	"errors"
	"sort"
	"sync"

	"github.com/psantana5/data-flywheel/pkg/models"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrReportNotFound = errors.New("report not found")
)

// MemoryStore is an in-memory implementation of the data store.
// Used for tests and for running the flywheel without persistence.
type MemoryStore struct {
	records   map[string][]models.InteractionRecord // workload/client -> records
	recordIDs map[string]bool                       // natural-key dedup
	jobs      map[string]*models.FlywheelJob
	reports   map[string]*models.ReportArtifact
	recordsMu sync.RWMutex
	jobsMu    sync.RWMutex
	reportsMu sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string][]models.InteractionRecord),
		recordIDs: make(map[string]bool),
		jobs:      make(map[string]*models.FlywheelJob),
		reports:   make(map[string]*models.ReportArtifact),
	}
}

func datasetKey(workloadID, clientID string) string {
	return workloadID + "/" + clientID
}

// Record operations

// InsertRecords adds records, ignoring duplicates of the natural key
func (s *MemoryStore) InsertRecords(records []models.InteractionRecord) (int, error) {
	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()

	inserted := 0
	for _, rec := range records {
		id := rec.ID()
		if s.recordIDs[id] {
			continue
		}
		key := datasetKey(rec.WorkloadID, rec.ClientID)
		s.records[key] = append(s.records[key], rec)
		s.recordIDs[id] = true
		inserted++
	}
	return inserted, nil
}

// FetchRecords returns matching records ordered by timestamp ascending
func (s *MemoryStore) FetchRecords(workloadID, clientID string, since, until int64) ([]models.InteractionRecord, error) {
	s.recordsMu.RLock()
	defer s.recordsMu.RUnlock()

	all := s.records[datasetKey(workloadID, clientID)]
	matched := make([]models.InteractionRecord, 0, len(all))
	for _, rec := range all {
		if since > 0 && rec.Timestamp < since {
			continue
		}
		if until > 0 && rec.Timestamp > until {
			continue
		}
		matched = append(matched, rec)
	}
	if len(matched) == 0 {
		return nil, models.ErrNoRecords
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp < matched[j].Timestamp
	})
	return matched, nil
}

// CountRecords returns the number of stored records for a dataset
func (s *MemoryStore) CountRecords(workloadID, clientID string) (int, error) {
	s.recordsMu.RLock()
	defer s.recordsMu.RUnlock()
	return len(s.records[datasetKey(workloadID, clientID)]), nil
}

// Job operations

// copyJob snapshots a job so callers and the store never share mutable
// state. Evaluation results are immutable and safe to share.
func copyJob(job *models.FlywheelJob) *models.FlywheelJob {
	clone := *job
	clone.Configs = append([]models.CandidateConfig(nil), job.Configs...)
	clone.StateTransitions = append([]models.StateTransition(nil), job.StateTransitions...)
	clone.Candidates = append([]models.CandidateResult(nil), job.Candidates...)
	for i := range clone.Candidates {
		if h := clone.Candidates[i].Customization; h != nil {
			hc := *h
			clone.Candidates[i].Customization = &hc
		}
	}
	if job.StartedAt != nil {
		t := *job.StartedAt
		clone.StartedAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		clone.CompletedAt = &t
	}
	return &clone
}

// CreateJob adds a new job to the store
func (s *MemoryStore) CreateJob(job *models.FlywheelJob) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	s.jobs[job.ID] = copyJob(job)
	return nil
}

// GetJob retrieves a job by ID
func (s *MemoryStore) GetJob(id string) (*models.FlywheelJob, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return copyJob(job), nil
}

// ListJobs returns all jobs, newest first
func (s *MemoryStore) ListJobs() ([]*models.FlywheelJob, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	jobs := make([]*models.FlywheelJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, copyJob(job))
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs, nil
}

// UpdateJob persists the current state of a job
func (s *MemoryStore) UpdateJob(job *models.FlywheelJob) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	s.jobs[job.ID] = copyJob(job)
	return nil
}

// TransitionJobState validates and applies an FSM transition
func (s *MemoryStore) TransitionJobState(id string, to models.JobStatus, reason string) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	return applyTransition(job, to, reason)
}

// Report operations

// SaveReport stores the report artifact for a job
func (s *MemoryStore) SaveReport(report *models.ReportArtifact) error {
	s.reportsMu.Lock()
	defer s.reportsMu.Unlock()
	s.reports[report.JobID] = report
	return nil
}

// GetReport retrieves the report artifact for a job
func (s *MemoryStore) GetReport(jobID string) (*models.ReportArtifact, error) {
	s.reportsMu.RLock()
	defer s.reportsMu.RUnlock()

	report, ok := s.reports[jobID]
	if !ok {
		return nil, ErrReportNotFound
	}
	return report, nil
}

// Lifecycle

// HealthCheck always succeeds for the in-memory store
func (s *MemoryStore) HealthCheck() error { return nil }

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error { return nil }
