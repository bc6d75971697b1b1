// Package report turns a completed job's evaluation results into the
// comparative promotion report. Aggregation is a pure function of its
// inputs: the same job state always yields the same report.
package report

import (
	"fmt"
	"sort"
	"time"

	"github.com/psantana5/data-flywheel/pkg/models"
)

// Aggregate builds the report for a finished job. Candidates without a
// single usable score are marked not evaluable rather than dropped, so the
// report always carries one row per submitted config. The recommended
// candidate is the promotable one with the highest best score; ties break
// toward fewer GPUs, then lexicographic key.
func Aggregate(job *models.FlywheelJob, tolerance float64) (*models.ReportArtifact, error) {
	if job.Baseline == nil {
		return nil, &models.AggregationError{Cause: fmt.Errorf("job %s has no baseline result", job.ID)}
	}
	if len(job.Candidates) == 0 {
		return nil, &models.AggregationError{Cause: fmt.Errorf("job %s has no candidate results", job.ID)}
	}

	baseline := job.Baseline.AggregateScore
	rows := make([]models.CandidateReport, 0, len(job.Candidates))
	for i := range job.Candidates {
		rows = append(rows, candidateRow(&job.Candidates[i], baseline, tolerance))
	}

	// Stable row order for rendering: by candidate key
	sort.Slice(rows, func(i, j int) bool {
		return rowKey(rows[i]) < rowKey(rows[j])
	})

	return &models.ReportArtifact{
		JobID:         job.ID,
		WorkloadID:    job.WorkloadID,
		ClientID:      job.ClientID,
		BaselineModel: job.Baseline.ModelID,
		BaselineScore: baseline,
		Tolerance:     tolerance,
		Candidates:    rows,
		Recommended:   recommend(rows),
		GeneratedAt:   time.Now().UTC(),
	}, nil
}

func candidateRow(c *models.CandidateResult, baseline, tolerance float64) models.CandidateReport {
	row := models.CandidateReport{
		ModelName:  c.Config.ModelName,
		Tag:        c.Config.Tag,
		GPUs:       c.Config.GPUs,
		Customized: c.Customization != nil && c.Customization.State == models.CustomizationStateSucceeded,
		Failure:    c.Error,
	}

	if c.Pre != nil {
		pre := c.Pre.AggregateScore
		row.PreScore = &pre
		delta := pre - baseline
		row.DeltaPre = &delta
	}
	if c.Post != nil {
		post := c.Post.AggregateScore
		row.PostScore = &post
		delta := post - baseline
		row.DeltaPost = &delta
	}

	best := bestScore(row.PreScore, row.PostScore)
	if best == nil {
		row.NotEvaluable = true
		return row
	}
	row.BestScore = best
	// A candidate is promotable when its best score is within tolerance of
	// the baseline or better.
	row.Promotable = *best >= baseline-tolerance
	return row
}

func bestScore(pre, post *float64) *float64 {
	switch {
	case pre == nil:
		return post
	case post == nil:
		return pre
	case *post >= *pre:
		return post
	default:
		return pre
	}
}

func rowKey(r models.CandidateReport) string {
	if r.Tag == "" {
		return r.ModelName
	}
	return r.ModelName + ":" + r.Tag
}

// recommend picks the promotable row with the highest best score, breaking
// ties toward cheaper deployments (fewer GPUs), then by key for determinism
func recommend(rows []models.CandidateReport) string {
	var winner *models.CandidateReport
	for i := range rows {
		r := &rows[i]
		if !r.Promotable || r.BestScore == nil {
			continue
		}
		if winner == nil || better(r, winner) {
			winner = r
		}
	}
	if winner == nil {
		return ""
	}
	return rowKey(*winner)
}

func better(a, b *models.CandidateReport) bool {
	if *a.BestScore != *b.BestScore {
		return *a.BestScore > *b.BestScore
	}
	if a.GPUs != b.GPUs {
		return a.GPUs < b.GPUs
	}
	return rowKey(*a) < rowKey(*b)
}
