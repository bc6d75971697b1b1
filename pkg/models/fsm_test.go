package models

import (
	"testing"
	"time"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    JobStatus
		to      JobStatus
		wantErr bool
	}{
		// Valid transitions
		{"Created to LoadingData", JobStatusCreated, JobStatusLoadingData, false},
		{"LoadingData to BaselineEval", JobStatusLoadingData, JobStatusBaselineEval, false},
		{"BaselineEval to RunningCandidates", JobStatusBaselineEval, JobStatusRunningCandidates, false},
		{"RunningCandidates to Aggregating", JobStatusRunningCandidates, JobStatusAggregating, false},
		{"Aggregating to Completed", JobStatusAggregating, JobStatusCompleted, false},
		{"Created to Failed", JobStatusCreated, JobStatusFailed, false},
		{"LoadingData to Failed", JobStatusLoadingData, JobStatusFailed, false},
		{"BaselineEval to Failed", JobStatusBaselineEval, JobStatusFailed, false},
		{"RunningCandidates to Failed", JobStatusRunningCandidates, JobStatusFailed, false},
		{"Aggregating to Failed", JobStatusAggregating, JobStatusFailed, false},
		{"RunningCandidates to Canceled", JobStatusRunningCandidates, JobStatusCanceled, false},

		// Invalid transitions
		{"Created to BaselineEval", JobStatusCreated, JobStatusBaselineEval, true},
		{"Created to Completed", JobStatusCreated, JobStatusCompleted, true},
		{"LoadingData to Aggregating", JobStatusLoadingData, JobStatusAggregating, true},
		{"Completed to anything", JobStatusCompleted, JobStatusLoadingData, true},
		{"Failed to LoadingData", JobStatusFailed, JobStatusLoadingData, true},
		{"Failed to Created", JobStatusFailed, JobStatusCreated, true},
		{"Canceled to Aggregating", JobStatusCanceled, JobStatusAggregating, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTransition(%v, %v) error = %v, wantErr %v",
					tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestIsTerminalState(t *testing.T) {
	tests := []struct {
		name     string
		state    JobStatus
		expected bool
	}{
		{"Completed is terminal", JobStatusCompleted, true},
		{"Failed is terminal", JobStatusFailed, true},
		{"Canceled is terminal", JobStatusCanceled, true},
		{"Created is not terminal", JobStatusCreated, false},
		{"RunningCandidates is not terminal", JobStatusRunningCandidates, false},
		{"Aggregating is not terminal", JobStatusAggregating, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsTerminalState(tt.state)
			if result != tt.expected {
				t.Errorf("IsTerminalState(%v) = %v, want %v", tt.state, result, tt.expected)
			}
		})
	}
}

func TestNewEvaluationResultAggregate(t *testing.T) {
	now := time.Now()

	t.Run("MeanOverScoredRecords", func(t *testing.T) {
		scores := []RecordScore{
			{RecordID: "w/c/1", Score: 1.0},
			{RecordID: "w/c/2", Score: 0.5},
			{RecordID: "w/c/3", Score: 0.0},
		}
		res, err := NewEvaluationResult("model-a", "w/c", scores, now)
		if err != nil {
			t.Fatalf("NewEvaluationResult failed: %v", err)
		}
		if res.AggregateScore != 0.5 {
			t.Errorf("AggregateScore = %f, want 0.5", res.AggregateScore)
		}
		if len(res.PerRecordScores) != 3 {
			t.Errorf("PerRecordScores length = %d, want 3", len(res.PerRecordScores))
		}
	})

	t.Run("SkippedExcludedFromDenominator", func(t *testing.T) {
		scores := []RecordScore{
			{RecordID: "w/c/1", Score: 1.0},
			{RecordID: "w/c/2", Score: SkippedScore, Skipped: true},
			{RecordID: "w/c/3", Score: 0.0},
		}
		res, err := NewEvaluationResult("model-a", "w/c", scores, now)
		if err != nil {
			t.Fatalf("NewEvaluationResult failed: %v", err)
		}
		if res.AggregateScore != 0.5 {
			t.Errorf("AggregateScore = %f, want 0.5 (skipped excluded)", res.AggregateScore)
		}
		if res.SkippedRecords != 1 || res.ScoredRecords != 2 {
			t.Errorf("scored/skipped = %d/%d, want 2/1", res.ScoredRecords, res.SkippedRecords)
		}
		// Skipped entries are tagged, not omitted
		if len(res.PerRecordScores) != 3 {
			t.Errorf("PerRecordScores length = %d, want 3", len(res.PerRecordScores))
		}
	})

	t.Run("EmptyScoresRejected", func(t *testing.T) {
		if _, err := NewEvaluationResult("model-a", "w/c", nil, now); err == nil {
			t.Error("expected error for empty score sequence")
		}
	})

	t.Run("AllSkippedRejected", func(t *testing.T) {
		scores := []RecordScore{
			{RecordID: "w/c/1", Score: SkippedScore, Skipped: true},
		}
		if _, err := NewEvaluationResult("model-a", "w/c", scores, now); err == nil {
			t.Error("expected error when every record is skipped")
		}
	})
}
