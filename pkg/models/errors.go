package models

import (
	"errors"
	"fmt"
)

// Error taxonomy for the flywheel pipeline. Fatal errors abort the whole job;
// candidate-local errors are captured on the candidate and the job proceeds.

// DatasetError indicates a missing or empty dataset. Fatal: an empty dataset
// must abort the job rather than produce a meaningless score.
type DatasetError struct {
	WorkloadID string
	ClientID   string
	Cause      error
}

func (e *DatasetError) Error() string {
	msg := fmt.Sprintf("dataset error for workload %s client %s", e.WorkloadID, e.ClientID)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *DatasetError) Unwrap() error { return e.Cause }

// BackendUnavailableError indicates a transport failure talking to the
// record store backend.
type BackendUnavailableError struct {
	Backend string
	Cause   error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("backend %s unavailable: %v", e.Backend, e.Cause)
}

func (e *BackendUnavailableError) Unwrap() error { return e.Cause }

// EvaluatorUnavailableError indicates the model-serving backend could not be
// reached at all. Fatal when it prevents the baseline from being computed,
// candidate-local otherwise.
type EvaluatorUnavailableError struct {
	ModelID string
	Cause   error
}

func (e *EvaluatorUnavailableError) Error() string {
	return fmt.Sprintf("evaluator unavailable for model %s: %v", e.ModelID, e.Cause)
}

func (e *EvaluatorUnavailableError) Unwrap() error { return e.Cause }

// PerRecordEvaluationError is an isolated single-record failure. Retried,
// then skipped; never fatal.
type PerRecordEvaluationError struct {
	RecordID string
	Cause    error
}

func (e *PerRecordEvaluationError) Error() string {
	return fmt.Sprintf("evaluation of record %s failed: %v", e.RecordID, e.Cause)
}

func (e *PerRecordEvaluationError) Unwrap() error { return e.Cause }

// CustomizationSubmitError indicates the fine-tuning submission was rejected
// or never reached the backend. Candidate-local.
type CustomizationSubmitError struct {
	Model string
	Cause error
}

func (e *CustomizationSubmitError) Error() string {
	return fmt.Sprintf("customization submit failed for %s: %v", e.Model, e.Cause)
}

func (e *CustomizationSubmitError) Unwrap() error { return e.Cause }

// CustomizationTimeoutError indicates the polling deadline expired before the
// fine-tuning job reached a terminal state. Candidate-local: the candidate
// keeps its pre-customization score in the report.
type CustomizationTimeoutError struct {
	Model         string
	ExternalJobID string
}

func (e *CustomizationTimeoutError) Error() string {
	return fmt.Sprintf("customization of %s timed out (external job %s)", e.Model, e.ExternalJobID)
}

// CustomizationFailedError indicates the backend itself reported the
// fine-tuning job as failed. Candidate-local, surfaced identically to a
// timeout.
type CustomizationFailedError struct {
	Model         string
	ExternalJobID string
	Reason        string
}

func (e *CustomizationFailedError) Error() string {
	return fmt.Sprintf("customization of %s failed (external job %s): %s", e.Model, e.ExternalJobID, e.Reason)
}

// AggregationError should not occur given well-formed inputs; it is a
// programming-invariant violation and fatal.
type AggregationError struct {
	Cause error
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("aggregation invariant violation: %v", e.Cause)
}

func (e *AggregationError) Unwrap() error { return e.Cause }

// ErrNoRecords is returned by record fetches that match nothing
var ErrNoRecords = errors.New("no records match")

// IsFatal reports whether an error must abort the whole job as opposed to a
// single candidate. EvaluatorUnavailableError is classified by the caller:
// fatal during baseline evaluation, candidate-local afterwards.
func IsFatal(err error) bool {
	var de *DatasetError
	var be *BackendUnavailableError
	var ae *AggregationError
	return errors.As(err, &de) || errors.As(err, &be) || errors.As(err, &ae)
}
