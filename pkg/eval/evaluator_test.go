package eval

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/psantana5/data-flywheel/pkg/models"
	"github.com/psantana5/data-flywheel/pkg/retry"
)

// fakeChatClient answers from a canned map keyed by the last user message,
// and can be told to fail for specific questions.
type fakeChatClient struct {
	answers map[string]string
	failFor map[string]bool
	calls   int
}

func (f *fakeChatClient) ChatCompletion(_ context.Context, req *models.ChatCompletionRequest) (*models.ChatCompletionResponse, error) {
	f.calls++
	question := lastUserContent(req.Messages)
	if f.failFor[question] {
		return nil, errors.New("connection refused")
	}
	answer, ok := f.answers[question]
	if !ok {
		return nil, fmt.Errorf("no canned answer for %q", question)
	}
	return &models.ChatCompletionResponse{
		Choices: []models.ChatCompletionChoice{
			{Message: models.ChatMessage{Role: "assistant", Content: answer}},
		},
	}, nil
}

func makeRecord(ts int64, question, answer string) models.InteractionRecord {
	return models.InteractionRecord{
		Timestamp:  ts,
		WorkloadID: "wl-1",
		ClientID:   "client-1",
		Request: models.ChatCompletionRequest{
			Model:    "prod-model",
			Messages: []models.ChatMessage{{Role: "user", Content: question}},
		},
		Response: models.ChatCompletionResponse{
			Choices: []models.ChatCompletionChoice{
				{Message: models.ChatMessage{Role: "assistant", Content: answer}},
			},
		},
	}
}

func fastRetry() retry.Config {
	return retry.Config{
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestEvaluateAggregatesScores(t *testing.T) {
	client := &fakeChatClient{
		answers: map[string]string{
			"q1": "right answer one",
			"q2": "right answer two",
			"q3": "completely unrelated text here",
		},
	}
	records := []models.InteractionRecord{
		makeRecord(1, "q1", "right answer one"),
		makeRecord(2, "q2", "right answer two"),
		makeRecord(3, "q3", "right answer three"),
	}

	ev := New(client, nil, fastRetry(), nil)
	result, err := ev.Evaluate(context.Background(), "candidate-a", "ds-1", records)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if result.ModelID != "candidate-a" {
		t.Errorf("ModelID = %q, want candidate-a", result.ModelID)
	}
	if len(result.PerRecordScores) != 3 {
		t.Fatalf("got %d record scores, want 3", len(result.PerRecordScores))
	}
	if result.SkippedRecords != 0 {
		t.Errorf("SkippedRecords = %d, want 0", result.SkippedRecords)
	}
	// Two exact matches and one low-overlap answer: aggregate lands well
	// below a perfect 1.0 but above the mismatched record alone.
	if result.AggregateScore <= 0.5 || result.AggregateScore >= 1.0 {
		t.Errorf("AggregateScore = %f, want in (0.5, 1.0)", result.AggregateScore)
	}
}

func TestEvaluateSkipsFailedRecords(t *testing.T) {
	client := &fakeChatClient{
		answers: map[string]string{
			"q1": "alpha beta",
			"q2": "gamma delta",
		},
		failFor: map[string]bool{"q2": true},
	}
	records := []models.InteractionRecord{
		makeRecord(1, "q1", "alpha beta"),
		makeRecord(2, "q2", "gamma delta"),
	}

	ev := New(client, nil, fastRetry(), nil)
	result, err := ev.Evaluate(context.Background(), "candidate-a", "ds-1", records)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if len(result.PerRecordScores) != 2 {
		t.Fatalf("got %d record scores, want 2", len(result.PerRecordScores))
	}
	if !result.PerRecordScores[1].Skipped {
		t.Error("failing record was not tagged skipped")
	}
	if result.PerRecordScores[1].Score != models.SkippedScore {
		t.Errorf("skipped score = %f, want sentinel %f", result.PerRecordScores[1].Score, models.SkippedScore)
	}
	if result.SkippedRecords != 1 {
		t.Errorf("SkippedRecords = %d, want 1", result.SkippedRecords)
	}
	// Aggregate covers the scored record only
	if result.AggregateScore != 1.0 {
		t.Errorf("AggregateScore = %f, want 1.0 over the single scored record", result.AggregateScore)
	}
}

func TestEvaluateAllSkippedIsUnavailable(t *testing.T) {
	client := &fakeChatClient{
		answers: map[string]string{},
		failFor: map[string]bool{"q1": true, "q2": true},
	}
	records := []models.InteractionRecord{
		makeRecord(1, "q1", "a"),
		makeRecord(2, "q2", "b"),
	}

	ev := New(client, nil, fastRetry(), nil)
	_, err := ev.Evaluate(context.Background(), "candidate-a", "ds-1", records)
	if err == nil {
		t.Fatal("expected error when every record is skipped")
	}
	var unavailable *models.EvaluatorUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("error = %T, want *EvaluatorUnavailableError", err)
	}
	if unavailable.ModelID != "candidate-a" {
		t.Errorf("ModelID = %q, want candidate-a", unavailable.ModelID)
	}
}

func TestEvaluateRespectsCancellation(t *testing.T) {
	client := &fakeChatClient{answers: map[string]string{"q1": "a"}}
	records := []models.InteractionRecord{makeRecord(1, "q1", "a")}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ev := New(client, nil, fastRetry(), nil)
	_, err := ev.Evaluate(ctx, "candidate-a", "ds-1", records)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestEvaluateRetriesTransientFailures(t *testing.T) {
	// Fails once, then succeeds: the record must end up scored, not skipped.
	var attempts int
	client := &flakyChatClient{
		failures: 1,
		attempts: &attempts,
		answer:   "stable answer",
	}
	records := []models.InteractionRecord{makeRecord(1, "q1", "stable answer")}

	ev := New(client, nil, fastRetry(), nil)
	result, err := ev.Evaluate(context.Background(), "candidate-a", "ds-1", records)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.SkippedRecords != 0 {
		t.Errorf("SkippedRecords = %d, want 0 after successful retry", result.SkippedRecords)
	}
	if attempts != 2 {
		t.Errorf("client called %d times, want 2", attempts)
	}
}

type flakyChatClient struct {
	failures int
	attempts *int
	answer   string
}

func (f *flakyChatClient) ChatCompletion(context.Context, *models.ChatCompletionRequest) (*models.ChatCompletionResponse, error) {
	*f.attempts++
	if *f.attempts <= f.failures {
		return nil, errors.New("connection refused")
	}
	return &models.ChatCompletionResponse{
		Choices: []models.ChatCompletionChoice{
			{Message: models.ChatMessage{Role: "assistant", Content: f.answer}},
		},
	}, nil
}
