// Package controller orchestrates flywheel jobs: it drives the job state
// machine, fans candidate sub-pipelines out under a concurrency bound, and
// hands finished jobs to the aggregator.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/psantana5/data-flywheel/pkg/config"
	"github.com/psantana5/data-flywheel/pkg/customize"
	"github.com/psantana5/data-flywheel/pkg/logging"
	"github.com/psantana5/data-flywheel/pkg/metrics"
	"github.com/psantana5/data-flywheel/pkg/models"
	"github.com/psantana5/data-flywheel/pkg/report"
	"github.com/psantana5/data-flywheel/pkg/store"
	"github.com/psantana5/data-flywheel/pkg/tracing"
)

var tracer = otel.Tracer("flywheel/controller")

// Evaluator scores one model against a record slice. The production
// implementation is eval.Evaluator; tests substitute fakes.
type Evaluator interface {
	Evaluate(ctx context.Context, modelID, datasetRef string, records []models.InteractionRecord) (*models.EvaluationResult, error)
}

// CustomizationTrigger drives fine-tuning jobs on the customization backend.
// nil means no backend is configured and customization-enabled candidates
// skip straight past their customization stage with an error.
type CustomizationTrigger interface {
	Submit(ctx context.Context, baseModel, trainingDatasetRef string, hp *customize.Hyperparameters) (*models.CustomizationJobHandle, error)
	WaitForCompletion(ctx context.Context, handle *models.CustomizationJobHandle, pollInterval, deadline time.Duration) error
}

// Controller owns the lifecycle of every flywheel job on this node
type Controller struct {
	store      store.Store
	evaluator  Evaluator
	customizer CustomizationTrigger
	cfg        *config.Config
	log        *logging.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a controller. customizer may be nil when no customization
// backend is configured.
func New(st store.Store, evaluator Evaluator, customizer CustomizationTrigger, cfg *config.Config, logger *logging.Logger) *Controller {
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	return &Controller{
		store:      st,
		evaluator:  evaluator,
		customizer: customizer,
		cfg:        cfg,
		log:        logger.WithField("component", "controller"),
		cancels:    make(map[string]context.CancelFunc),
	}
}

// SubmitJob validates the request, mints a fresh job identity and starts the
// pipeline in the background. Resubmitting an identical request creates an
// independent job with its own id.
func (c *Controller) SubmitJob(req *models.JobRequest) (*models.FlywheelJob, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	job := &models.FlywheelJob{
		ID:         uuid.New().String(),
		WorkloadID: req.WorkloadID,
		ClientID:   req.ClientID,
		Configs:    req.Configs,
		Status:     models.JobStatusCreated,
		CreatedAt:  time.Now().UTC(),
	}
	if err := c.store.CreateJob(job); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(job)
	}()

	c.log.Info("Job submitted", map[string]interface{}{
		"job_id":     job.ID,
		"workload":   job.WorkloadID,
		"client":     job.ClientID,
		"candidates": len(job.Configs),
	})
	return job, nil
}

// Cancel requests cancellation of a running job. The pipeline observes the
// cancellation at its next stage boundary; in-flight external calls are
// interrupted through their context.
func (c *Controller) Cancel(jobID string) error {
	job, err := c.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if models.IsTerminalState(job.Status) {
		return fmt.Errorf("job %s already %s", jobID, job.Status)
	}

	c.mu.Lock()
	cancel, running := c.cancels[jobID]
	c.mu.Unlock()
	if running {
		cancel()
		return nil
	}
	// Not running on this node (created but never started, or orphaned by a
	// restart): transition directly.
	return c.store.TransitionJobState(jobID, models.JobStatusCanceled, "canceled by operator")
}

// Shutdown waits for all running pipelines to finish
func (c *Controller) Shutdown() {
	c.wg.Wait()
}

func (c *Controller) registerCancel(jobID string, cancel context.CancelFunc) {
	c.mu.Lock()
	c.cancels[jobID] = cancel
	c.mu.Unlock()
}

func (c *Controller) dropCancel(jobID string) {
	c.mu.Lock()
	delete(c.cancels, jobID)
	c.mu.Unlock()
}

// run drives one job through its full lifecycle
func (c *Controller) run(job *models.FlywheelJob) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeouts.JobDeadline.Std())
	defer cancel()
	c.registerCancel(job.ID, cancel)
	defer c.dropCancel(job.ID)

	ctx, span := tracer.Start(ctx, "flywheel.job", oteltrace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.workload", job.WorkloadID),
		attribute.Int("job.candidates", len(job.Configs)),
	))
	defer span.End()

	if err := c.pipeline(ctx, job); err != nil {
		tracing.SetError(ctx, err)
		c.finishWithError(ctx, job, err)
	}
}

func (c *Controller) pipeline(ctx context.Context, job *models.FlywheelJob) error {
	// Load and split the dataset
	if err := c.transition(job, models.JobStatusLoadingData, ""); err != nil {
		return err
	}
	trainRecords, evalRecords, err := c.loadDataset(job)
	if err != nil {
		return err
	}

	trainingRef := ""
	if len(trainRecords) > 0 {
		trainingRef, err = customize.WriteTrainingDataset(c.cfg.DatasetDir, job.ID, trainRecords)
		if err != nil {
			return &models.DatasetError{WorkloadID: job.WorkloadID, ClientID: job.ClientID, Cause: err}
		}
	}
	evalRef := fmt.Sprintf("%s/%s@%d:eval", job.WorkloadID, job.ClientID, len(evalRecords))

	// Baseline: the production model the records were captured from.
	// Evaluator unavailability here is fatal; without a baseline no
	// comparison is meaningful.
	if err := c.transition(job, models.JobStatusBaselineEval, ""); err != nil {
		return err
	}
	baselineModel := evalRecords[0].Request.Model
	baseline, err := c.evaluate(ctx, baselineModel, evalRef, evalRecords)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("baseline evaluation failed: %w", err)
	}
	job.Baseline = baseline
	c.persist(job)

	// Candidate sub-pipelines, bounded by the concurrency limit. Each
	// goroutine owns exactly one slot of job.Candidates; the mutex guards
	// the shared persist calls.
	if err := c.transition(job, models.JobStatusRunningCandidates, ""); err != nil {
		return err
	}
	job.Candidates = make([]models.CandidateResult, len(job.Configs))
	for i := range job.Configs {
		job.Candidates[i] = models.CandidateResult{
			Config: job.Configs[i],
			Status: models.CandidateStatusPending,
		}
	}
	c.persist(job)

	var candidateWG sync.WaitGroup
	var jobMu sync.Mutex
	sem := make(chan struct{}, c.cfg.MaxConcurrentCandidates)
	for i := range job.Candidates {
		candidateWG.Add(1)
		go func(slot int) {
			defer candidateWG.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			c.runCandidate(ctx, job, slot, &jobMu, evalRef, trainingRef, evalRecords)
		}(i)
	}
	candidateWG.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Aggregate and publish the report
	if err := c.transition(job, models.JobStatusAggregating, ""); err != nil {
		return err
	}
	artifact, err := report.Aggregate(job, c.cfg.Tolerance)
	if err != nil {
		return err
	}
	path, err := report.WriteArtifact(c.cfg.ResultsDir, artifact)
	if err != nil {
		return &models.AggregationError{Cause: err}
	}
	if err := c.store.SaveReport(artifact); err != nil {
		return &models.AggregationError{Cause: err}
	}
	job.ReportRef = path
	c.persist(job)

	if err := c.transition(job, models.JobStatusCompleted, ""); err != nil {
		return err
	}
	c.log.Info("Job completed", map[string]interface{}{
		"job_id":      job.ID,
		"baseline":    baseline.AggregateScore,
		"recommended": artifact.Recommended,
	})
	return nil
}

// loadDataset fetches the job's records and splits them between training and
// evaluation. The split happens only when a customization-enabled candidate
// will consume the training slice; otherwise every record is evaluated.
func (c *Controller) loadDataset(job *models.FlywheelJob) (trainRecords, evalRecords []models.InteractionRecord, err error) {
	records, err := c.store.FetchRecords(job.WorkloadID, job.ClientID, 0, 0)
	if err != nil {
		if errors.Is(err, models.ErrNoRecords) {
			return nil, nil, &models.DatasetError{WorkloadID: job.WorkloadID, ClientID: job.ClientID, Cause: err}
		}
		var unavailable *models.BackendUnavailableError
		if errors.As(err, &unavailable) {
			return nil, nil, err
		}
		return nil, nil, &models.DatasetError{WorkloadID: job.WorkloadID, ClientID: job.ClientID, Cause: err}
	}

	job.RecordCount = len(records)

	needsTraining := false
	if c.customizer != nil {
		for _, cfg := range job.Configs {
			if cfg.CustomizationEnabled {
				needsTraining = true
				break
			}
		}
	}
	if needsTraining {
		cut := int(float64(len(records)) * c.cfg.DataSplit.TrainRatio)
		if cut >= len(records) {
			cut = len(records) - 1
		}
		trainRecords = records[:cut]
		evalRecords = records[cut:]
	} else {
		evalRecords = records
	}
	if len(evalRecords) == 0 {
		return nil, nil, &models.DatasetError{
			WorkloadID: job.WorkloadID,
			ClientID:   job.ClientID,
			Cause:      fmt.Errorf("split left no evaluation records (%d total)", len(records)),
		}
	}

	job.TrainRecordCount = len(trainRecords)
	job.EvalRecordCount = len(evalRecords)
	c.persist(job)
	return trainRecords, evalRecords, nil
}

// runCandidate executes one candidate sub-pipeline. Every failure in here is
// candidate-local: it lands on the candidate's slot and never aborts the job.
func (c *Controller) runCandidate(ctx context.Context, job *models.FlywheelJob, slot int, jobMu *sync.Mutex, evalRef, trainingRef string, evalRecords []models.InteractionRecord) {
	cand := &job.Candidates[slot]
	cfg := cand.Config
	log := c.log.WithField("job_id", job.ID).WithField("candidate", cfg.Key())

	ctx, span := tracer.Start(ctx, "flywheel.candidate", oteltrace.WithAttributes(
		attribute.String("candidate.model", cfg.ModelName),
		attribute.Bool("candidate.customization", cfg.CustomizationEnabled),
	))
	defer span.End()

	setStatus := func(status models.CandidateStatus) {
		jobMu.Lock()
		cand.Status = status
		c.persist(job)
		jobMu.Unlock()
	}
	fail := func(err error) {
		jobMu.Lock()
		cand.Status = models.CandidateStatusFailed
		cand.Error = err.Error()
		c.persist(job)
		jobMu.Unlock()
		tracing.SetError(ctx, err)
		log.Warn("Candidate failed", map[string]interface{}{"error": err.Error()})
	}

	// Pre-customization evaluation
	setStatus(models.CandidateStatusEvalPre)
	pre, err := c.evaluate(ctx, cfg.ModelName, evalRef, evalRecords)
	if err != nil {
		fail(err)
		return
	}
	jobMu.Lock()
	cand.Pre = pre
	jobMu.Unlock()

	if !cfg.CustomizationEnabled {
		setStatus(models.CandidateStatusCompleted)
		return
	}
	if c.customizer == nil || trainingRef == "" {
		fail(fmt.Errorf("candidate %s requires customization but no backend is configured", cfg.Key()))
		return
	}

	// Fine-tune, then re-evaluate the customized model. A timeout or a
	// backend failure leaves the pre score as the candidate's best.
	setStatus(models.CandidateStatusCustomizing)
	handle, err := c.customizer.Submit(ctx, cfg.ModelName, trainingRef, nil)
	if err != nil {
		fail(err)
		return
	}
	// Publish snapshots: the polling loop mutates the handle while other
	// candidates may be persisting the job concurrently.
	publishHandle := func() {
		jobMu.Lock()
		snapshot := *handle
		cand.Customization = &snapshot
		c.persist(job)
		jobMu.Unlock()
	}
	publishHandle()

	err = c.customizer.WaitForCompletion(ctx, handle, c.cfg.Timeouts.CustomizationPoll.Std(), c.cfg.Timeouts.CustomizationDeadline.Std())
	publishHandle()
	if err != nil {
		metrics.CustomizationsTotal.WithLabelValues("failure").Inc()
		fail(err)
		return
	}
	metrics.CustomizationsTotal.WithLabelValues("success").Inc()

	setStatus(models.CandidateStatusEvalPost)
	post, err := c.evaluate(ctx, handle.ResultModelID, evalRef, evalRecords)
	if err != nil {
		fail(err)
		return
	}
	jobMu.Lock()
	cand.Post = post
	jobMu.Unlock()
	setStatus(models.CandidateStatusCompleted)
}

// evaluate wraps the evaluator with outcome accounting
func (c *Controller) evaluate(ctx context.Context, modelID, datasetRef string, records []models.InteractionRecord) (*models.EvaluationResult, error) {
	ctx, span := tracer.Start(ctx, "flywheel.evaluate", oteltrace.WithAttributes(
		attribute.String("eval.model", modelID),
		attribute.Int("eval.records", len(records)),
	))
	defer span.End()

	result, err := c.evaluator.Evaluate(ctx, modelID, datasetRef, records)
	if err != nil {
		tracing.SetError(ctx, err)
		metrics.EvaluationsTotal.WithLabelValues("failure").Inc()
		return nil, err
	}
	metrics.EvaluationsTotal.WithLabelValues("success").Inc()
	return result, nil
}

// transition moves the job to the next status both in memory and in the
// store. The store revalidates against its own copy, so a job canceled from
// the API between stages surfaces here as a transition error.
func (c *Controller) transition(job *models.FlywheelJob, to models.JobStatus, reason string) error {
	if err := c.store.TransitionJobState(job.ID, to, reason); err != nil {
		return err
	}
	stored, err := c.store.GetJob(job.ID)
	if err != nil {
		return err
	}
	job.Status = stored.Status
	job.StateTransitions = stored.StateTransitions
	job.StartedAt = stored.StartedAt
	job.CompletedAt = stored.CompletedAt
	return nil
}

// persist best-effort snapshots the job. Losing a snapshot loses progress
// granularity, not correctness.
func (c *Controller) persist(job *models.FlywheelJob) {
	if err := c.store.UpdateJob(job); err != nil {
		c.log.Warn("Failed to persist job snapshot", map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		})
	}
}

// finishWithError drives the job to its terminal state after a pipeline
// error: canceled when the context was canceled, failed otherwise.
func (c *Controller) finishWithError(ctx context.Context, job *models.FlywheelJob, err error) {
	to := models.JobStatusFailed
	reason := err.Error()
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		to = models.JobStatusCanceled
		reason = "canceled"
	} else if errors.Is(err, context.DeadlineExceeded) {
		reason = "job deadline exceeded"
	}

	job.Error = reason
	c.persist(job)
	if terr := c.store.TransitionJobState(job.ID, to, reason); terr != nil {
		c.log.Error("Failed to record terminal state", map[string]interface{}{
			"job_id": job.ID,
			"error":  terr.Error(),
		})
		return
	}
	c.log.Info("Job finished with error", map[string]interface{}{
		"job_id": job.ID,
		"status": string(to),
		"reason": reason,
	})
}
