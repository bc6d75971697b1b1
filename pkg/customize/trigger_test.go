package customize

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/psantana5/data-flywheel/pkg/models"
)

// fakeBackend simulates a customization backend that reports RUNNING for a
// configurable number of polls before reaching a terminal state.
type fakeBackend struct {
	runningPolls int32
	finalState   models.CustomizationState
	outputModel  string
	failReason   string
	polls        int32
}

func (b *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/customizations", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id": "ext-job-1",
			"state":  models.CustomizationStateSubmitted,
		})
	})
	mux.HandleFunc("/v1/customizations/", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&b.polls, 1)
		resp := map[string]interface{}{"job_id": "ext-job-1"}
		if n <= b.runningPolls {
			resp["state"] = models.CustomizationStateRunning
		} else {
			resp["state"] = b.finalState
			if b.outputModel != "" {
				resp["output_model"] = b.outputModel
			}
			if b.failReason != "" {
				resp["error"] = b.failReason
			}
		}
		json.NewEncoder(w).Encode(resp)
	})
	return mux
}

func TestSubmitAndWaitSucceeded(t *testing.T) {
	backend := &fakeBackend{
		runningPolls: 2,
		finalState:   models.CustomizationStateSucceeded,
		outputModel:  "llama-8b-custom-v1",
	}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	trigger := NewTrigger(srv.URL, "test-key", 5*time.Second, nil)
	handle, err := trigger.Submit(context.Background(), "llama-8b", "ds-train-1", nil)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if handle.ExternalJobID != "ext-job-1" {
		t.Errorf("ExternalJobID = %q, want ext-job-1", handle.ExternalJobID)
	}
	if handle.State != models.CustomizationStateSubmitted {
		t.Errorf("State = %q, want SUBMITTED", handle.State)
	}

	err = trigger.WaitForCompletion(context.Background(), handle, time.Millisecond, 5*time.Second)
	if err != nil {
		t.Fatalf("WaitForCompletion failed: %v", err)
	}
	if handle.State != models.CustomizationStateSucceeded {
		t.Errorf("final state = %q, want SUCCEEDED", handle.State)
	}
	if handle.ResultModelID != "llama-8b-custom-v1" {
		t.Errorf("ResultModelID = %q, want llama-8b-custom-v1", handle.ResultModelID)
	}
}

func TestWaitBackendFailure(t *testing.T) {
	backend := &fakeBackend{
		finalState: models.CustomizationStateFailed,
		failReason: "out of GPU quota",
	}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	trigger := NewTrigger(srv.URL, "", 5*time.Second, nil)
	handle, err := trigger.Submit(context.Background(), "llama-8b", "ds-train-1", nil)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	err = trigger.WaitForCompletion(context.Background(), handle, time.Millisecond, 5*time.Second)
	var failed *models.CustomizationFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("error = %v, want *CustomizationFailedError", err)
	}
	if failed.Reason != "out of GPU quota" {
		t.Errorf("Reason = %q, want backend reason", failed.Reason)
	}
}

func TestWaitDeadlineExpiry(t *testing.T) {
	// Backend that never finishes
	backend := &fakeBackend{
		runningPolls: 1 << 30,
		finalState:   models.CustomizationStateSucceeded,
	}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	trigger := NewTrigger(srv.URL, "", 5*time.Second, nil)
	handle, err := trigger.Submit(context.Background(), "llama-8b", "ds-train-1", nil)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	err = trigger.WaitForCompletion(context.Background(), handle, time.Millisecond, 50*time.Millisecond)
	var timeout *models.CustomizationTimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("error = %v, want *CustomizationTimeoutError", err)
	}
	if timeout.ExternalJobID != "ext-job-1" {
		t.Errorf("ExternalJobID = %q, want ext-job-1", timeout.ExternalJobID)
	}
}

func TestSubmitRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown base model", http.StatusBadRequest)
	}))
	defer srv.Close()

	trigger := NewTrigger(srv.URL, "", 5*time.Second, nil)
	_, err := trigger.Submit(context.Background(), "no-such-model", "ds-train-1", nil)
	var submit *models.CustomizationSubmitError
	if !errors.As(err, &submit) {
		t.Fatalf("error = %v, want *CustomizationSubmitError", err)
	}
	if submit.Model != "no-such-model" {
		t.Errorf("Model = %q, want no-such-model", submit.Model)
	}
}

func TestWriteTrainingDataset(t *testing.T) {
	dir := t.TempDir()
	records := []models.InteractionRecord{
		{
			Timestamp:  1,
			WorkloadID: "wl-1",
			ClientID:   "client-1",
			Request: models.ChatCompletionRequest{
				Messages: []models.ChatMessage{{Role: "user", Content: "hello"}},
			},
			Response: models.ChatCompletionResponse{
				Choices: []models.ChatCompletionChoice{
					{Message: models.ChatMessage{Role: "assistant", Content: "hi there"}},
				},
			},
		},
		{
			Timestamp:  2,
			WorkloadID: "wl-1",
			ClientID:   "client-1",
			Request: models.ChatCompletionRequest{
				Messages: []models.ChatMessage{{Role: "user", Content: "bye"}},
			},
			Response: models.ChatCompletionResponse{
				Choices: []models.ChatCompletionChoice{
					{Message: models.ChatMessage{Role: "assistant", Content: "goodbye"}},
				},
			},
		},
	}

	path, err := WriteTrainingDataset(dir, "job-1", records)
	if err != nil {
		t.Fatalf("WriteTrainingDataset failed: %v", err)
	}
	if filepath.Dir(path) != dir {
		t.Errorf("dataset written outside target dir: %s", path)
	}
	if !strings.HasSuffix(path, "job-1-train.jsonl") {
		t.Errorf("unexpected dataset filename: %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to open dataset: %v", err)
	}
	defer f.Close()

	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var example struct {
			Messages []models.ChatMessage `json:"messages"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &example); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", lines+1, err)
		}
		last := example.Messages[len(example.Messages)-1]
		if last.Role != "assistant" {
			t.Errorf("line %d: last message role = %q, want assistant", lines+1, last.Role)
		}
		lines++
	}
	if lines != 2 {
		t.Errorf("dataset has %d lines, want 2", lines)
	}
}

func TestWriteTrainingDatasetEmpty(t *testing.T) {
	if _, err := WriteTrainingDataset(t.TempDir(), "job-1", nil); err == nil {
		t.Fatal("expected error for empty training slice")
	}
}
