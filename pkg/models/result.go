package models

import (
	"fmt"
	"time"
)

// SkippedScore marks a per-record score whose evaluation call exhausted its
// retries. Skipped entries stay in the sequence but are excluded from the
// aggregate denominator.
const SkippedScore = -1.0

// RecordScore is the score for one ground-truth record
type RecordScore struct {
	RecordID string  `json:"record_id"`
	Score    float64 `json:"score"`
	Skipped  bool    `json:"skipped,omitempty"`
}

// EvaluationResult is the outcome of replaying a dataset slice against one
// model. Never mutated after creation.
type EvaluationResult struct {
	ModelID         string        `json:"model_id"`
	DatasetRef      string        `json:"dataset_ref"`
	PerRecordScores []RecordScore `json:"per_record_scores"`
	AggregateScore  float64       `json:"aggregate_score"`
	ScoredRecords   int           `json:"scored_records"`
	SkippedRecords  int           `json:"skipped_records"`
	ComputedAt      time.Time     `json:"computed_at"`
}

// NewEvaluationResult computes the aggregate over the non-skipped scores.
// A result with zero scorable records is invalid: the caller must treat the
// run as failed rather than report a vacuous aggregate.
func NewEvaluationResult(modelID, datasetRef string, scores []RecordScore, computedAt time.Time) (*EvaluationResult, error) {
	if len(scores) == 0 {
		return nil, fmt.Errorf("evaluation of %s produced no per-record scores", modelID)
	}
	var sum float64
	scored := 0
	skipped := 0
	for _, s := range scores {
		if s.Skipped {
			skipped++
			continue
		}
		if s.Score < 0 || s.Score > 1 {
			return nil, fmt.Errorf("evaluation of %s: record %s score %f out of [0,1]", modelID, s.RecordID, s.Score)
		}
		sum += s.Score
		scored++
	}
	if scored == 0 {
		return nil, fmt.Errorf("evaluation of %s: all %d records skipped", modelID, skipped)
	}
	return &EvaluationResult{
		ModelID:         modelID,
		DatasetRef:      datasetRef,
		PerRecordScores: scores,
		AggregateScore:  sum / float64(scored),
		ScoredRecords:   scored,
		SkippedRecords:  skipped,
		ComputedAt:      computedAt,
	}, nil
}

// CustomizationState is the lifecycle state of an external fine-tuning job
type CustomizationState string

const (
	CustomizationStateSubmitted CustomizationState = "SUBMITTED"
	CustomizationStateRunning   CustomizationState = "RUNNING"
	CustomizationStateSucceeded CustomizationState = "SUCCEEDED"
	CustomizationStateFailed    CustomizationState = "FAILED"
)

// Terminal reports whether the customization job can no longer change state
func (s CustomizationState) Terminal() bool {
	return s == CustomizationStateSucceeded || s == CustomizationStateFailed
}

// CustomizationJobHandle tracks one fine-tuning job on the customization
// backend. Created on submission, mutated only by the polling loop.
type CustomizationJobHandle struct {
	CandidateModelID   string             `json:"candidate_model_id"`
	TrainingDatasetRef string             `json:"training_dataset_ref"`
	ExternalJobID      string             `json:"external_job_id"`
	State              CustomizationState `json:"state"`
	ResultModelID      string             `json:"result_model_id,omitempty"` // set only on SUCCEEDED
	Error              string             `json:"error,omitempty"`
	SubmittedAt        time.Time          `json:"submitted_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// CandidateReport is one candidate's row in the final comparison
type CandidateReport struct {
	ModelName    string   `json:"model_name"`
	Tag          string   `json:"tag,omitempty"`
	GPUs         int      `json:"gpus"`
	Customized   bool     `json:"customized"`
	PreScore     *float64 `json:"pre_score,omitempty"`
	PostScore    *float64 `json:"post_score,omitempty"`
	DeltaPre     *float64 `json:"delta_pre,omitempty"`
	DeltaPost    *float64 `json:"delta_post,omitempty"`
	BestScore    *float64 `json:"best_score,omitempty"`
	Promotable   bool     `json:"promotable"`
	NotEvaluable bool     `json:"not_evaluable,omitempty"`
	Failure      string   `json:"failure,omitempty"`
}

// ReportArtifact is the comparative report produced by the aggregator.
// It is a pure function of the evaluation results that fed it and is safe
// to regenerate without re-running any evaluation.
type ReportArtifact struct {
	JobID         string            `json:"job_id"`
	WorkloadID    string            `json:"workload_id"`
	ClientID      string            `json:"client_id"`
	BaselineModel string            `json:"baseline_model"`
	BaselineScore float64           `json:"baseline_score"`
	Tolerance     float64           `json:"tolerance"`
	Candidates    []CandidateReport `json:"candidates"`
	Recommended   string            `json:"recommended,omitempty"` // key of the cheapest best promotable candidate
	PlotRef       string            `json:"plot_ref,omitempty"`
	GeneratedAt   time.Time         `json:"generated_at"`
}
