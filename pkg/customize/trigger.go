// Package customize is the fine-tuning boundary: it submits customization
// jobs to an external backend, polls them to completion, and prepares the
// JSONL training datasets the backend consumes.
package customize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/psantana5/data-flywheel/pkg/logging"
	"github.com/psantana5/data-flywheel/pkg/models"
)

// Hyperparameters passed through to the customization backend. Zero values
// are omitted so the backend applies its own defaults.
type Hyperparameters struct {
	Epochs       int     `json:"epochs,omitempty"`
	LearningRate float64 `json:"learning_rate,omitempty"`
	BatchSize    int     `json:"batch_size,omitempty"`
}

type submitRequest struct {
	BaseModel          string           `json:"base_model"`
	TrainingDatasetRef string           `json:"training_dataset_ref"`
	Hyperparameters    *Hyperparameters `json:"hyperparameters,omitempty"`
}

// backendJob is the customization backend's view of one fine-tuning job
type backendJob struct {
	JobID       string                    `json:"job_id"`
	State       models.CustomizationState `json:"state"`
	OutputModel string                    `json:"output_model,omitempty"`
	Error       string                    `json:"error,omitempty"`
}

// Trigger drives fine-tuning jobs on an external customization backend
type Trigger struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *logging.Logger
}

// NewTrigger creates a trigger for the given backend. A zero timeout falls
// back to 30 seconds per HTTP call; the overall job deadline is enforced by
// WaitForCompletion, not here.
func NewTrigger(baseURL, apiKey string, callTimeout time.Duration, logger *logging.Logger) *Trigger {
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	return &Trigger{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: callTimeout},
		log:        logger.WithField("component", "customize"),
	}
}

// Submit starts a fine-tuning job for baseModel on the given training
// dataset and returns a handle in SUBMITTED state. A rejected or unreachable
// submission is a CustomizationSubmitError.
func (t *Trigger) Submit(ctx context.Context, baseModel, trainingDatasetRef string, hp *Hyperparameters) (*models.CustomizationJobHandle, error) {
	payload, err := json.Marshal(submitRequest{
		BaseModel:          baseModel,
		TrainingDatasetRef: trainingDatasetRef,
		Hyperparameters:    hp,
	})
	if err != nil {
		return nil, &models.CustomizationSubmitError{Model: baseModel, Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", t.baseURL+"/v1/customizations", bytes.NewBuffer(payload))
	if err != nil {
		return nil, &models.CustomizationSubmitError{Model: baseModel, Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, &models.CustomizationSubmitError{Model: baseModel, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &models.CustomizationSubmitError{
			Model: baseModel,
			Cause: fmt.Errorf("backend returned status %d: %s", resp.StatusCode, string(body)),
		}
	}

	var job backendJob
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, &models.CustomizationSubmitError{Model: baseModel, Cause: fmt.Errorf("failed to decode submit response: %w", err)}
	}
	if job.JobID == "" {
		return nil, &models.CustomizationSubmitError{Model: baseModel, Cause: fmt.Errorf("backend returned no job id")}
	}

	now := time.Now().UTC()
	state := job.State
	if state == "" {
		state = models.CustomizationStateSubmitted
	}
	t.log.Info("Customization submitted", map[string]interface{}{
		"model":        baseModel,
		"external_job": job.JobID,
		"dataset":      trainingDatasetRef,
	})
	return &models.CustomizationJobHandle{
		CandidateModelID:   baseModel,
		TrainingDatasetRef: trainingDatasetRef,
		ExternalJobID:      job.JobID,
		State:              state,
		SubmittedAt:        now,
		UpdatedAt:          now,
	}, nil
}

// Poll fetches the current backend state for the handle's job and updates
// the handle in place
func (t *Trigger) Poll(ctx context.Context, handle *models.CustomizationJobHandle) error {
	req, err := http.NewRequestWithContext(ctx, "GET", t.baseURL+"/v1/customizations/"+handle.ExternalJobID, nil)
	if err != nil {
		return fmt.Errorf("failed to create poll request: %w", err)
	}
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("customization poll failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("customization poll returned status %d: %s", resp.StatusCode, string(body))
	}

	var job backendJob
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return fmt.Errorf("failed to decode poll response: %w", err)
	}

	handle.State = job.State
	handle.ResultModelID = job.OutputModel
	handle.Error = job.Error
	handle.UpdatedAt = time.Now().UTC()
	return nil
}

// WaitForCompletion polls the handle's job with exponential backoff until it
// reaches a terminal state or the deadline expires. On expiry it returns a
// CustomizationTimeoutError; a backend-reported failure becomes a
// CustomizationFailedError. Transient poll errors are tolerated and retried
// on the next tick. Both outcomes are candidate-local.
func (t *Trigger) WaitForCompletion(ctx context.Context, handle *models.CustomizationJobHandle, pollInterval, deadline time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	interval := pollInterval
	maxInterval := 5 * time.Minute

	for {
		select {
		case <-ctx.Done():
			return &models.CustomizationTimeoutError{
				Model:         handle.CandidateModelID,
				ExternalJobID: handle.ExternalJobID,
			}
		case <-time.After(interval):
		}

		if err := t.Poll(ctx, handle); err != nil {
			if ctx.Err() != nil {
				return &models.CustomizationTimeoutError{
					Model:         handle.CandidateModelID,
					ExternalJobID: handle.ExternalJobID,
				}
			}
			t.log.Warn("Customization poll failed, will retry", map[string]interface{}{
				"external_job": handle.ExternalJobID,
				"error":        err.Error(),
			})
		}

		if handle.State.Terminal() {
			break
		}

		interval = time.Duration(float64(interval) * 1.5)
		if interval > maxInterval {
			interval = maxInterval
		}
	}

	if handle.State == models.CustomizationStateFailed {
		return &models.CustomizationFailedError{
			Model:         handle.CandidateModelID,
			ExternalJobID: handle.ExternalJobID,
			Reason:        handle.Error,
		}
	}
	if handle.ResultModelID == "" {
		return &models.CustomizationFailedError{
			Model:         handle.CandidateModelID,
			ExternalJobID: handle.ExternalJobID,
			Reason:        "backend reported success without an output model",
		}
	}

	t.log.Info("Customization finished", map[string]interface{}{
		"model":        handle.CandidateModelID,
		"external_job": handle.ExternalJobID,
		"result_model": handle.ResultModelID,
	})
	return nil
}
