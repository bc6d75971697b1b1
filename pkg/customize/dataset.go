package customize

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/psantana5/data-flywheel/pkg/models"
)

// trainingExample is one JSONL line in the fine-tuning format the
// customization backend consumes: the captured conversation with the
// production model's response appended as the target assistant turn.
type trainingExample struct {
	Messages []models.ChatMessage    `json:"messages"`
	Tools    []models.ToolDefinition `json:"tools,omitempty"`
}

// WriteTrainingDataset serializes the training slice to a JSONL file under
// dir and returns its path. The file is written atomically via a temp file
// so a crashed writer never leaves a partial dataset behind.
func WriteTrainingDataset(dir, jobID string, records []models.InteractionRecord) (string, error) {
	if len(records) == 0 {
		return "", fmt.Errorf("training dataset for job %s is empty", jobID)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create dataset directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s-train.jsonl", jobID))
	tmp, err := os.CreateTemp(dir, jobID+"-train-*.jsonl")
	if err != nil {
		return "", fmt.Errorf("failed to create temp dataset file: %w", err)
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	for i := range records {
		rec := &records[i]
		target := rec.Response.FirstMessage()
		if target == nil {
			continue
		}
		example := trainingExample{
			Messages: append(append([]models.ChatMessage{}, rec.Request.Messages...), *target),
			Tools:    rec.Request.Tools,
		}
		if err := enc.Encode(example); err != nil {
			tmp.Close()
			return "", fmt.Errorf("failed to encode training example %s: %w", rec.ID(), err)
		}
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to flush dataset file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to finalize dataset file: %w", err)
	}
	return path, nil
}
