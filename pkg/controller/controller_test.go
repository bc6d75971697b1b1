package controller

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/psantana5/data-flywheel/pkg/config"
	"github.com/psantana5/data-flywheel/pkg/customize"
	"github.com/psantana5/data-flywheel/pkg/models"
	"github.com/psantana5/data-flywheel/pkg/store"
)

// fakeEvaluator returns a fixed aggregate per model and records which models
// it was asked to evaluate.
type fakeEvaluator struct {
	mu      sync.Mutex
	scores  map[string]float64
	failFor map[string]bool
	calls   []string
	seen    map[string]int // model -> record count it was handed
}

func newFakeEvaluator(scores map[string]float64) *fakeEvaluator {
	return &fakeEvaluator{
		scores:  scores,
		failFor: map[string]bool{},
		seen:    map[string]int{},
	}
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, modelID, datasetRef string, records []models.InteractionRecord) (*models.EvaluationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, modelID)
	f.seen[modelID] = len(records)
	score, ok := f.scores[modelID]
	fail := f.failFor[modelID]
	f.mu.Unlock()

	if fail {
		return nil, &models.EvaluatorUnavailableError{ModelID: modelID, Cause: fmt.Errorf("serving backend down")}
	}
	if !ok {
		return nil, fmt.Errorf("no canned score for model %q", modelID)
	}
	return &models.EvaluationResult{
		ModelID:        modelID,
		DatasetRef:     datasetRef,
		AggregateScore: score,
		ScoredRecords:  len(records),
		ComputedAt:     time.Now().UTC(),
	}, nil
}

func (f *fakeEvaluator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeTrigger succeeds instantly unless told to fail for a model
type fakeTrigger struct {
	mu        sync.Mutex
	failFor   map[string]bool
	submitted []string
}

func (f *fakeTrigger) Submit(ctx context.Context, baseModel, trainingDatasetRef string, hp *customize.Hyperparameters) (*models.CustomizationJobHandle, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, baseModel)
	f.mu.Unlock()
	return &models.CustomizationJobHandle{
		CandidateModelID:   baseModel,
		TrainingDatasetRef: trainingDatasetRef,
		ExternalJobID:      "ext-" + baseModel,
		State:              models.CustomizationStateSubmitted,
		SubmittedAt:        time.Now().UTC(),
	}, nil
}

func (f *fakeTrigger) WaitForCompletion(ctx context.Context, handle *models.CustomizationJobHandle, pollInterval, deadline time.Duration) error {
	f.mu.Lock()
	fail := f.failFor[handle.CandidateModelID]
	f.mu.Unlock()
	if fail {
		handle.State = models.CustomizationStateFailed
		return &models.CustomizationTimeoutError{Model: handle.CandidateModelID, ExternalJobID: handle.ExternalJobID}
	}
	handle.State = models.CustomizationStateSucceeded
	handle.ResultModelID = handle.CandidateModelID + "-custom"
	return nil
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.DatasetDir = t.TempDir()
	cfg.ResultsDir = t.TempDir()
	cfg.Timeouts.JobDeadline = config.Duration(30 * time.Second)
	return cfg
}

func seedRecords(t *testing.T, st store.Store, n int) {
	records := make([]models.InteractionRecord, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, models.InteractionRecord{
			Timestamp:  int64(i + 1),
			WorkloadID: "wl-1",
			ClientID:   "client-1",
			Request: models.ChatCompletionRequest{
				Model:    "prod-model",
				Messages: []models.ChatMessage{{Role: "user", Content: fmt.Sprintf("q%d", i)}},
			},
			Response: models.ChatCompletionResponse{
				Choices: []models.ChatCompletionChoice{
					{Message: models.ChatMessage{Role: "assistant", Content: fmt.Sprintf("a%d", i)}},
				},
			},
		})
	}
	if _, err := st.InsertRecords(records); err != nil {
		t.Fatalf("failed to seed records: %v", err)
	}
}

func waitForTerminal(t *testing.T, st store.Store, jobID string) *models.FlywheelJob {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case <-deadline:
			job, _ := st.GetJob(jobID)
			t.Fatalf("job %s never reached a terminal state (last status %v)", jobID, job.Status)
			return nil
		case <-time.After(10 * time.Millisecond):
		}
		job, err := st.GetJob(jobID)
		if err != nil {
			t.Fatalf("GetJob failed: %v", err)
		}
		if models.IsTerminalState(job.Status) {
			return job
		}
	}
}

func TestRunWithoutCustomizationEvaluatesFullDataset(t *testing.T) {
	st := store.NewMemoryStore()
	ev := newFakeEvaluator(map[string]float64{
		"prod-model":  0.90,
		"small-model": 0.87,
	})
	ctrl := New(st, ev, nil, testConfig(t), nil)

	seedRecords(t, st, 10)
	job, err := ctrl.SubmitJob(&models.JobRequest{
		WorkloadID: "wl-1",
		ClientID:   "client-1",
		Configs:    []models.CandidateConfig{{ModelName: "small-model", GPUs: 1}},
	})
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}

	done := waitForTerminal(t, st, job.ID)
	if done.Status != models.JobStatusCompleted {
		t.Fatalf("status = %s, want completed (error: %s)", done.Status, done.Error)
	}

	// No customization-enabled candidate: every record is evaluated
	if done.EvalRecordCount != 10 || done.TrainRecordCount != 0 {
		t.Errorf("split = %d eval / %d train, want 10/0", done.EvalRecordCount, done.TrainRecordCount)
	}
	ev.mu.Lock()
	baselineRecords := ev.seen["prod-model"]
	candidateRecords := ev.seen["small-model"]
	ev.mu.Unlock()
	if baselineRecords != 10 || candidateRecords != 10 {
		t.Errorf("evaluated %d baseline / %d candidate records, want 10/10", baselineRecords, candidateRecords)
	}

	if done.Baseline == nil || done.Baseline.AggregateScore != 0.90 {
		t.Errorf("baseline = %+v, want aggregate 0.90", done.Baseline)
	}
	if len(done.Candidates) != 1 {
		t.Fatalf("got %d candidate results, want 1", len(done.Candidates))
	}
	cand := done.Candidates[0]
	if cand.Status != models.CandidateStatusCompleted {
		t.Errorf("candidate status = %s, want completed", cand.Status)
	}
	if cand.Customization != nil || cand.Post != nil {
		t.Error("candidate without customization must have no handle and no post score")
	}

	artifact, err := st.GetReport(job.ID)
	if err != nil {
		t.Fatalf("GetReport failed: %v", err)
	}
	// 0.87 >= 0.90 - 0.05: promotable within tolerance
	if artifact.Recommended != "small-model" {
		t.Errorf("Recommended = %q, want small-model", artifact.Recommended)
	}
	if done.ReportRef == "" {
		t.Error("completed job must carry a report reference")
	}
}

func TestRunWithCustomizationSplitsAndReevaluates(t *testing.T) {
	st := store.NewMemoryStore()
	ev := newFakeEvaluator(map[string]float64{
		"prod-model":       0.90,
		"mid-model":        0.80,
		"mid-model-custom": 0.93,
	})
	trigger := &fakeTrigger{failFor: map[string]bool{}}
	ctrl := New(st, ev, trigger, testConfig(t), nil)

	seedRecords(t, st, 10)
	req := &models.JobRequest{
		WorkloadID: "wl-1",
		ClientID:   "client-1",
		Configs:    []models.CandidateConfig{{ModelName: "mid-model", GPUs: 2, CustomizationEnabled: true}},
	}
	job, err := ctrl.SubmitJob(req)
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}

	// Resubmission mints a fresh identity
	job2, err := ctrl.SubmitJob(req)
	if err != nil {
		t.Fatalf("resubmit failed: %v", err)
	}
	if job2.ID == job.ID {
		t.Error("resubmitted job must get a new id")
	}

	done := waitForTerminal(t, st, job.ID)
	waitForTerminal(t, st, job2.ID)
	if done.Status != models.JobStatusCompleted {
		t.Fatalf("status = %s, want completed (error: %s)", done.Status, done.Error)
	}

	// 10 records at train_ratio 0.9: 9 train, 1 eval
	if done.TrainRecordCount != 9 || done.EvalRecordCount != 1 {
		t.Errorf("split = %d train / %d eval, want 9/1", done.TrainRecordCount, done.EvalRecordCount)
	}

	cand := done.Candidates[0]
	if cand.Customization == nil {
		t.Fatal("customization handle missing")
	}
	if cand.Customization.State != models.CustomizationStateSucceeded {
		t.Errorf("customization state = %s, want SUCCEEDED", cand.Customization.State)
	}
	if !strings.HasSuffix(cand.Customization.TrainingDatasetRef, ".jsonl") {
		t.Errorf("training dataset ref %q is not a jsonl path", cand.Customization.TrainingDatasetRef)
	}
	if cand.Pre == nil || cand.Post == nil {
		t.Fatal("customized candidate must carry both pre and post scores")
	}
	if cand.Post.AggregateScore <= cand.Pre.AggregateScore {
		t.Errorf("post %f should exceed pre %f in this scenario", cand.Post.AggregateScore, cand.Pre.AggregateScore)
	}
	if cand.Post.ModelID != "mid-model-custom" {
		t.Errorf("post evaluated %q, want the customized model", cand.Post.ModelID)
	}

	artifact, err := st.GetReport(job.ID)
	if err != nil {
		t.Fatalf("GetReport failed: %v", err)
	}
	if artifact.Recommended != "mid-model" {
		t.Errorf("Recommended = %q, want mid-model", artifact.Recommended)
	}
}

func TestRunEmptyDatasetFailsBeforeAnyEvaluation(t *testing.T) {
	st := store.NewMemoryStore()
	ev := newFakeEvaluator(map[string]float64{})
	ctrl := New(st, ev, nil, testConfig(t), nil)

	job, err := ctrl.SubmitJob(&models.JobRequest{
		WorkloadID: "wl-empty",
		ClientID:   "client-1",
		Configs:    []models.CandidateConfig{{ModelName: "small-model", GPUs: 1}},
	})
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}

	done := waitForTerminal(t, st, job.ID)
	if done.Status != models.JobStatusFailed {
		t.Fatalf("status = %s, want failed", done.Status)
	}
	if !strings.Contains(done.Error, "dataset error") {
		t.Errorf("job error = %q, want a dataset error", done.Error)
	}
	if ev.callCount() != 0 {
		t.Errorf("evaluator called %d times on an empty dataset, want 0", ev.callCount())
	}
}

func TestRunCandidateFailureIsContained(t *testing.T) {
	st := store.NewMemoryStore()
	ev := newFakeEvaluator(map[string]float64{
		"prod-model":   0.90,
		"good-model":   0.91,
		"flaky-model":  0.85,
		"other-custom": 0.80,
	})
	trigger := &fakeTrigger{failFor: map[string]bool{"flaky-model": true}}
	ctrl := New(st, ev, trigger, testConfig(t), nil)

	seedRecords(t, st, 10)
	job, err := ctrl.SubmitJob(&models.JobRequest{
		WorkloadID: "wl-1",
		ClientID:   "client-1",
		Configs: []models.CandidateConfig{
			{ModelName: "good-model", GPUs: 1},
			{ModelName: "flaky-model", GPUs: 1, CustomizationEnabled: true},
		},
	})
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}

	done := waitForTerminal(t, st, job.ID)
	if done.Status != models.JobStatusCompleted {
		t.Fatalf("status = %s, want completed despite one candidate failing (error: %s)", done.Status, done.Error)
	}

	byName := map[string]models.CandidateResult{}
	for _, c := range done.Candidates {
		byName[c.Config.ModelName] = c
	}
	good := byName["good-model"]
	flaky := byName["flaky-model"]

	if good.Status != models.CandidateStatusCompleted {
		t.Errorf("good-model status = %s, want completed", good.Status)
	}
	if flaky.Status != models.CandidateStatusFailed {
		t.Errorf("flaky-model status = %s, want failed", flaky.Status)
	}
	if flaky.Pre == nil {
		t.Error("failed customization must keep the pre score")
	}
	if flaky.Error == "" {
		t.Error("failed candidate must record its error")
	}

	artifact, err := st.GetReport(job.ID)
	if err != nil {
		t.Fatalf("GetReport failed: %v", err)
	}
	if artifact.Recommended != "good-model" {
		t.Errorf("Recommended = %q, want good-model", artifact.Recommended)
	}
}

func TestCancelRunningJob(t *testing.T) {
	st := store.NewMemoryStore()
	// Evaluator that blocks until its context is canceled
	started := make(chan struct{}, 1)
	ev := &blockingEvaluator{started: started}
	ctrl := New(st, ev, nil, testConfig(t), nil)

	seedRecords(t, st, 5)
	job, err := ctrl.SubmitJob(&models.JobRequest{
		WorkloadID: "wl-1",
		ClientID:   "client-1",
		Configs:    []models.CandidateConfig{{ModelName: "small-model", GPUs: 1}},
	})
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}

	<-started
	if err := ctrl.Cancel(job.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	done := waitForTerminal(t, st, job.ID)
	if done.Status != models.JobStatusCanceled {
		t.Fatalf("status = %s, want canceled", done.Status)
	}

	// Canceling a finished job is rejected
	if err := ctrl.Cancel(job.ID); err == nil {
		t.Error("canceling a terminal job must fail")
	}
}

type blockingEvaluator struct {
	started chan struct{}
}

func (b *blockingEvaluator) Evaluate(ctx context.Context, modelID, datasetRef string, records []models.InteractionRecord) (*models.EvaluationResult, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, ctx.Err()
}
