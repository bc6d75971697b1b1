// Package api exposes the flywheel over HTTP: job submission and lifecycle,
// record ingestion and report retrieval.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/psantana5/data-flywheel/pkg/controller"
	"github.com/psantana5/data-flywheel/pkg/ingest"
	"github.com/psantana5/data-flywheel/pkg/metrics"
	"github.com/psantana5/data-flywheel/pkg/models"
	"github.com/psantana5/data-flywheel/pkg/store"
)

// Server wires the HTTP handlers to the controller and the store
type Server struct {
	store      store.Store
	controller *controller.Controller
}

// NewServer creates the API server
func NewServer(st store.Store, ctrl *controller.Controller) *Server {
	return &Server{store: st, controller: ctrl}
}

// Router builds the HTTP route table
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/jobs", s.handleSubmitJob).Methods("POST")
	r.HandleFunc("/jobs", s.handleListJobs).Methods("GET")
	r.HandleFunc("/jobs/{id}", s.handleGetJob).Methods("GET")
	r.HandleFunc("/jobs/{id}/cancel", s.handleCancelJob).Methods("POST")
	r.HandleFunc("/jobs/{id}/report", s.handleGetReport).Methods("GET")
	r.HandleFunc("/records", s.handleInsertRecords).Methods("POST")
	r.HandleFunc("/records/count", s.handleCountRecords).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req models.JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	job, err := s.controller.SubmitJob(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	log.Printf("Job %s submitted for workload %s client %s (%d candidates)",
		job.ID, job.WorkloadID, job.ClientID, len(job.Configs))
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":     job.ID,
		"status": string(job.Status),
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := s.store.GetJob(id)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.controller.Cancel(id); err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	log.Printf("Job %s cancellation requested", id)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "canceling"})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	artifact, err := s.store.GetReport(id)
	if err != nil {
		if errors.Is(err, store.ErrReportNotFound) {
			// Distinguish "no such job" from "job not finished yet"
			if _, jerr := s.store.GetJob(id); errors.Is(jerr, store.ErrJobNotFound) {
				writeError(w, http.StatusNotFound, "job not found")
				return
			}
			writeError(w, http.StatusNotFound, "report not available yet")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

func (s *Server) handleInsertRecords(w http.ResponseWriter, r *http.Request) {
	var records []models.InteractionRecord
	if strings.Contains(r.Header.Get("Content-Type"), "ndjson") {
		parsed, err := ingest.Read(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		records = parsed
	} else {
		if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
		if len(records) == 0 {
			writeError(w, http.StatusBadRequest, "empty record batch")
			return
		}
		for i := range records {
			if err := records[i].Validate(); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
	}

	inserted, err := s.store.InsertRecords(records)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	metrics.RecordsIngested.Add(float64(inserted))
	log.Printf("Inserted %d/%d records", inserted, len(records))
	writeJSON(w, http.StatusOK, map[string]int{
		"received": len(records),
		"inserted": inserted,
	})
}

func (s *Server) handleCountRecords(w http.ResponseWriter, r *http.Request) {
	workloadID := r.URL.Query().Get("workload_id")
	clientID := r.URL.Query().Get("client_id")
	if workloadID == "" || clientID == "" {
		writeError(w, http.StatusBadRequest, "workload_id and client_id are required")
		return
	}

	count, err := s.store.CountRecords(workloadID, clientID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workload_id": workloadID,
		"client_id":   clientID,
		"count":       count,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.HealthCheck(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
