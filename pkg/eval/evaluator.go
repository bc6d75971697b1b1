// Package eval replays captured production traffic against a model and
// scores its outputs with the captured responses as ground truth.
package eval

import (
	"context"
	"fmt"
	"time"

	"github.com/psantana5/data-flywheel/pkg/inference"
	"github.com/psantana5/data-flywheel/pkg/logging"
	"github.com/psantana5/data-flywheel/pkg/models"
	"github.com/psantana5/data-flywheel/pkg/retry"
)

// Evaluator scores one model against a set of ground-truth records
type Evaluator struct {
	client inference.ChatClient
	judge  Judge // nil: lexical similarity only
	retry  retry.Config
	log    *logging.Logger
}

// New creates an evaluator. judge may be nil, in which case free-text
// responses are scored lexically.
func New(client inference.ChatClient, judge Judge, retryCfg retry.Config, logger *logging.Logger) *Evaluator {
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	return &Evaluator{
		client: client,
		judge:  judge,
		retry:  retryCfg,
		log:    logger.WithField("component", "evaluator"),
	}
}

// Evaluate replays every record against modelID and returns the scored
// result. The per-record sequence always has one entry per input record;
// records whose calls exhausted their retries are tagged skipped and
// excluded from the aggregate denominator. If no record could be scored at
// all the serving backend is considered unavailable and an
// EvaluatorUnavailableError is returned.
func (e *Evaluator) Evaluate(ctx context.Context, modelID, datasetRef string, records []models.InteractionRecord) (*models.EvaluationResult, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("evaluate called with empty record set")
	}

	e.log.Info("Starting evaluation", map[string]interface{}{
		"model":   modelID,
		"dataset": datasetRef,
		"records": len(records),
	})

	scores := make([]models.RecordScore, 0, len(records))
	var lastErr error

	for i := range records {
		rec := &records[i]
		score, err := e.scoreRecord(ctx, modelID, rec)
		if err != nil {
			// Job-level cancellation is not a per-record failure
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = &models.PerRecordEvaluationError{RecordID: rec.ID(), Cause: err}
			e.log.Warn("Record skipped after retries", map[string]interface{}{
				"model":  modelID,
				"record": rec.ID(),
				"error":  err.Error(),
			})
			scores = append(scores, models.RecordScore{
				RecordID: rec.ID(),
				Score:    models.SkippedScore,
				Skipped:  true,
			})
			continue
		}
		scores = append(scores, models.RecordScore{RecordID: rec.ID(), Score: score})
	}

	result, err := models.NewEvaluationResult(modelID, datasetRef, scores, time.Now().UTC())
	if err != nil {
		// Every record was skipped: total evaluator unavailability
		return nil, &models.EvaluatorUnavailableError{ModelID: modelID, Cause: lastErr}
	}

	e.log.Info("Evaluation finished", map[string]interface{}{
		"model":     modelID,
		"aggregate": result.AggregateScore,
		"scored":    result.ScoredRecords,
		"skipped":   result.SkippedRecords,
	})
	return result, nil
}

// scoreRecord replays one record and scores the output, retrying the
// external calls with backoff
func (e *Evaluator) scoreRecord(ctx context.Context, modelID string, rec *models.InteractionRecord) (float64, error) {
	want := rec.Response.FirstMessage()
	if want == nil {
		return 0, fmt.Errorf("record %s has no ground-truth message", rec.ID())
	}

	var score float64
	err := retry.Do(ctx, e.retry, func() error {
		req := rec.Request
		req.Model = modelID
		// Deterministic replay
		temperature := 0.0
		req.Temperature = &temperature

		resp, err := e.client.ChatCompletion(ctx, &req)
		if err != nil {
			return err
		}
		got := resp.FirstMessage()
		if got == nil {
			return fmt.Errorf("model %s returned no message", modelID)
		}

		// Tool calls are scored structurally; free text goes to the judge
		// when one is configured.
		if e.judge != nil && len(want.ToolCalls) == 0 {
			question := lastUserContent(rec.Request.Messages)
			s, err := e.judge.Score(ctx, question, want.Content, got.Content)
			if err != nil {
				return err
			}
			score = s
			return nil
		}
		score = ScoreMessage(got, want)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return score, nil
}

func lastUserContent(messages []models.ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}
