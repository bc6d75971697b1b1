package models

import (
	"fmt"
	"time"
)

// JobStatus represents the status of a flywheel job
type JobStatus string

const (
	JobStatusCreated           JobStatus = "created"
	JobStatusLoadingData       JobStatus = "loading_data"
	JobStatusBaselineEval      JobStatus = "baseline_eval"
	JobStatusRunningCandidates JobStatus = "running_candidates"
	JobStatusAggregating       JobStatus = "aggregating"
	JobStatusCompleted         JobStatus = "completed"
	JobStatusFailed            JobStatus = "failed"
	JobStatusCanceled          JobStatus = "canceled"
)

// CandidateStatus represents the status of one candidate sub-pipeline
type CandidateStatus string

const (
	CandidateStatusPending     CandidateStatus = "pending"
	CandidateStatusEvalPre     CandidateStatus = "eval_pre"
	CandidateStatusCustomizing CandidateStatus = "customizing"
	CandidateStatusEvalPost    CandidateStatus = "eval_post"
	CandidateStatusCompleted   CandidateStatus = "completed"
	CandidateStatusFailed      CandidateStatus = "failed"
)

// CandidateConfig describes one candidate model to evaluate against the
// baseline. Immutable for the lifetime of the job that carries it.
type CandidateConfig struct {
	ModelName            string `json:"model_name"`
	ContextLength        int    `json:"context_length"`
	GPUs                 int    `json:"gpus"`
	PVCSize              string `json:"pvc_size,omitempty"`
	Tag                  string `json:"tag,omitempty"`
	CustomizationEnabled bool   `json:"customization_enabled"`
}

// Key identifies a config within a job. Two configs for the same model may
// coexist under different runtime tags.
func (c CandidateConfig) Key() string {
	if c.Tag == "" {
		return c.ModelName
	}
	return c.ModelName + ":" + c.Tag
}

// Validate checks a config at submission time
func (c CandidateConfig) Validate() error {
	if c.ModelName == "" {
		return fmt.Errorf("candidate config missing model_name")
	}
	if c.ContextLength < 0 {
		return fmt.Errorf("candidate %s: negative context_length", c.Key())
	}
	if c.GPUs <= 0 {
		return fmt.Errorf("candidate %s: gpus must be >= 1", c.Key())
	}
	return nil
}

// CandidateResult holds everything one candidate sub-pipeline produced.
// Pre/Post/Customization stay nil for stages that never ran.
type CandidateResult struct {
	Config        CandidateConfig         `json:"config"`
	Status        CandidateStatus         `json:"status"`
	Pre           *EvaluationResult       `json:"pre,omitempty"`
	Customization *CustomizationJobHandle `json:"customization,omitempty"`
	Post          *EvaluationResult       `json:"post,omitempty"`
	Error         string                  `json:"error,omitempty"`
}

// FlywheelJob is the aggregate root: one run of the flywheel for a
// (workload, client) pair over a set of candidate configs.
type FlywheelJob struct {
	ID               string            `json:"id"`
	WorkloadID       string            `json:"workload_id"`
	ClientID         string            `json:"client_id"`
	Configs          []CandidateConfig `json:"configs"`
	Status           JobStatus         `json:"status"`
	RecordCount      int               `json:"record_count,omitempty"`
	EvalRecordCount  int               `json:"eval_record_count,omitempty"`
	TrainRecordCount int               `json:"train_record_count,omitempty"`
	Baseline         *EvaluationResult `json:"baseline,omitempty"`
	Candidates       []CandidateResult `json:"candidates,omitempty"`
	ReportRef        string            `json:"report_ref,omitempty"`
	Error            string            `json:"error,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	StateTransitions []StateTransition `json:"state_transitions,omitempty"`
}

// StateTransition tracks job state changes with timestamps
type StateTransition struct {
	From      JobStatus `json:"from"`
	To        JobStatus `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// JobRequest is the submission payload accepted by the API
type JobRequest struct {
	WorkloadID string            `json:"workload_id"`
	ClientID   string            `json:"client_id"`
	Configs    []CandidateConfig `json:"configs"`
}

// Validate checks a submission before a job identity is minted
func (r *JobRequest) Validate() error {
	if r.WorkloadID == "" {
		return fmt.Errorf("missing workload_id")
	}
	if r.ClientID == "" {
		return fmt.Errorf("missing client_id")
	}
	if len(r.Configs) == 0 {
		return fmt.Errorf("at least one candidate config is required")
	}
	seen := make(map[string]bool, len(r.Configs))
	for _, cfg := range r.Configs {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if seen[cfg.Key()] {
			return fmt.Errorf("duplicate candidate config %q", cfg.Key())
		}
		seen[cfg.Key()] = true
	}
	return nil
}
