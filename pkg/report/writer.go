package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/psantana5/data-flywheel/pkg/models"
)

// WriteArtifact persists the report JSON under dir and a companion CSV of
// the per-candidate scores for plotting. The CSV path is recorded on the
// artifact as PlotRef before the JSON is written.
func WriteArtifact(dir string, artifact *models.ReportArtifact) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create results directory: %w", err)
	}

	csvPath := filepath.Join(dir, fmt.Sprintf("%s-scores.csv", artifact.JobID))
	if err := writeScoresCSV(csvPath, artifact); err != nil {
		return "", err
	}
	artifact.PlotRef = csvPath

	path := filepath.Join(dir, fmt.Sprintf("%s-report.json", artifact.JobID))
	tmp, err := os.CreateTemp(dir, artifact.JobID+"-report-*.json")
	if err != nil {
		return "", fmt.Errorf("failed to create temp report file: %w", err)
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(artifact); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to encode report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to flush report file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to finalize report file: %w", err)
	}
	return path, nil
}

func writeScoresCSV(path string, artifact *models.ReportArtifact) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create scores csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"model", "gpus", "pre_score", "post_score", "baseline", "promotable"}); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, c := range artifact.Candidates {
		row := []string{
			rowKey(c),
			strconv.Itoa(c.GPUs),
			formatScore(c.PreScore),
			formatScore(c.PostScore),
			strconv.FormatFloat(artifact.BaselineScore, 'f', 4, 64),
			strconv.FormatBool(c.Promotable),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

func formatScore(score *float64) string {
	if score == nil {
		return ""
	}
	return strconv.FormatFloat(*score, 'f', 4, 64)
}
