package eval

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/psantana5/data-flywheel/pkg/inference"
	"github.com/psantana5/data-flywheel/pkg/models"
)

// Judge scores a free-text candidate answer against the ground-truth answer.
// The evaluator is agnostic to where the judge runs.
type Judge interface {
	Score(ctx context.Context, question, groundTruth, answer string) (float64, error)
}

const judgePromptTemplate = `You are grading a model answer against a reference answer.
Rate how semantically similar the model answer is to the reference on a scale from 0 to 10,
where 10 means equivalent in meaning and 0 means unrelated.
Respond with only the number.

Question:
%s

Reference answer:
%s

Model answer:
%s`

// LLMJudge delegates semantic-similarity scoring to a judge model behind a
// chat-completions endpoint (local or remote).
type LLMJudge struct {
	client  inference.ChatClient
	modelID string
}

// NewLLMJudge creates a judge backed by the given client and model
func NewLLMJudge(client inference.ChatClient, modelID string) *LLMJudge {
	return &LLMJudge{client: client, modelID: modelID}
}

// Score asks the judge model for a 0-10 rating and normalizes it to [0,1]
func (j *LLMJudge) Score(ctx context.Context, question, groundTruth, answer string) (float64, error) {
	prompt := fmt.Sprintf(judgePromptTemplate, question, groundTruth, answer)
	temperature := 0.0
	resp, err := j.client.ChatCompletion(ctx, &models.ChatCompletionRequest{
		Model:       j.modelID,
		Messages:    []models.ChatMessage{{Role: "user", Content: prompt}},
		Temperature: &temperature,
	})
	if err != nil {
		return 0, fmt.Errorf("judge call failed: %w", err)
	}

	msg := resp.FirstMessage()
	if msg == nil {
		return 0, fmt.Errorf("judge returned empty response")
	}
	rating, err := parseRating(msg.Content)
	if err != nil {
		return 0, err
	}
	return rating / 10.0, nil
}

// parseRating extracts the first number from the judge's reply and clamps it
// to [0,10]. Judge models occasionally wrap the number in prose.
func parseRating(content string) (float64, error) {
	for _, field := range strings.FieldsFunc(content, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.'
	}) {
		if field == "" || field == "." {
			continue
		}
		rating, err := strconv.ParseFloat(field, 64)
		if err != nil {
			continue
		}
		if rating < 0 {
			rating = 0
		}
		if rating > 10 {
			rating = 10
		}
		return rating, nil
	}
	return 0, fmt.Errorf("judge reply %q contains no rating", content)
}
