package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/clinsynth/cohortgen/internal/api/middleware"
	"github.com/clinsynth/cohortgen/internal/cohort"
	"github.com/clinsynth/cohortgen/internal/icd10"
	"github.com/clinsynth/cohortgen/internal/jobs"
	"github.com/clinsynth/cohortgen/internal/retrieval"
	"github.com/clinsynth/cohortgen/internal/schema"
)

// DiagnosisResolver resolves user-entered ICD-10 codes.
// *icd10.Client is the real implementation.
type DiagnosisResolver interface {
	Resolve(ctx context.Context, code string) (*icd10.Diagnosis, error)
}

// DocumentPayload is one inline reference document. Data is base64 in the
// JSON wire form; encoding/json decodes it transparently.
type DocumentPayload struct {
	Filename  string `json:"filename"`
	ScopeNote string `json:"scope_note"`
	Data      []byte `json:"data"`
}

// CohortRequest is the request body for POST /api/cohorts.
type CohortRequest struct {
	ICDCode   string            `json:"icd10_code"`
	N         int               `json:"n"`
	Filters   cohort.Filters    `json:"filters"`
	Schema    string            `json:"schema,omitempty"`
	Seed      string            `json:"seed,omitempty"`
	Documents []DocumentPayload `json:"documents,omitempty"`
}

// CohortsHandler handles cohort generation endpoints.
type CohortsHandler struct {
	resolver    DiagnosisResolver
	publisher   jobs.Publisher
	store       jobs.JobStore
	maxPatients int
	log         zerolog.Logger
}

// NewCohortsHandler creates a new cohorts handler.
func NewCohortsHandler(resolver DiagnosisResolver, publisher jobs.Publisher, store jobs.JobStore, maxPatients int, log zerolog.Logger) *CohortsHandler {
	return &CohortsHandler{
		resolver:    resolver,
		publisher:   publisher,
		store:       store,
		maxPatients: maxPatients,
		log:         log,
	}
}

// CreateCohort handles POST /api/cohorts.
// The request is validated and the diagnosis resolved up front; the
// generation itself runs asynchronously and is tracked via /api/jobs.
func (h *CohortsHandler) CreateCohort(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CohortRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.ICDCode == "" {
		middleware.WriteError(w, http.StatusBadRequest, "icd10_code is required")
		return
	}
	if req.N < 1 || req.N > h.maxPatients {
		middleware.WriteError(w, http.StatusBadRequest,
			fmt.Sprintf("n must be between 1 and %d", h.maxPatients))
		return
	}

	var specs []schema.ColumnSpec
	if req.Schema != "" {
		parsed, err := schema.Parse(req.Schema)
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, "Invalid schema: "+err.Error())
			return
		}
		if len(parsed) > cohort.MaxExtraColumns {
			middleware.WriteError(w, http.StatusBadRequest,
				fmt.Sprintf("schema declares %d columns, the maximum is %d", len(parsed), cohort.MaxExtraColumns))
			return
		}
		specs = parsed
	}

	docs := make([]retrieval.Document, 0, len(req.Documents))
	for i, d := range req.Documents {
		if len(d.Data) == 0 || strings.TrimSpace(d.ScopeNote) == "" {
			middleware.WriteError(w, http.StatusBadRequest,
				fmt.Sprintf("document %d needs data and a scope_note", i+1))
			return
		}
		docs = append(docs, retrieval.Document{
			Filename:  d.Filename,
			Data:      d.Data,
			ScopeNote: d.ScopeNote,
		})
	}

	diag, err := h.resolver.Resolve(ctx, req.ICDCode)
	if err != nil {
		var nf *icd10.NotFoundError
		if errors.As(err, &nf) {
			middleware.WriteError(w, http.StatusUnprocessableEntity, "Unknown ICD-10 code: "+req.ICDCode)
			return
		}
		h.log.Error().Err(err).Str("code", req.ICDCode).Msg("Diagnosis lookup failed")
		middleware.WriteError(w, http.StatusBadGateway, "Diagnosis lookup failed")
		return
	}

	job := &jobs.GenerateCohortJob{
		Request: &cohort.RunRequest{
			ICDCode:      diag.Code,
			ICDLabel:     diag.Label,
			N:            req.N,
			Filters:      req.Filters,
			Seed:         req.Seed,
			ExtraColumns: specs,
			Documents:    docs,
		},
		ICDCode:   diag.Code,
		Diagnosis: diag.Label,
		N:         req.N,
	}

	if err := h.publisher.PublishGenerateCohort(ctx, job); err != nil {
		h.log.Error().Err(err).Msg("Failed to enqueue generation job")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to enqueue generation job")
		return
	}

	h.log.Info().Str("job_id", job.JobID).Str("icd10_code", diag.Code).Int("n", req.N).
		Msg("Generation job enqueued")

	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{
		"job_id":     job.JobID,
		"icd10_code": diag.Code,
		"diagnosis":  diag.Label,
		"status":     string(job.Status),
	})
}

// DownloadArchive handles GET /api/cohorts/{runID}/archive.
// The archive lives in the run's local workspace until the service stops.
func (h *CohortsHandler) DownloadArchive(w http.ResponseWriter, r *http.Request, runID string) {
	ctx := r.Context()

	all, err := h.store.ListJobs(ctx, jobs.JobFilter{Status: jobs.JobStatusCompleted})
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list jobs")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to locate run")
		return
	}

	for _, job := range all {
		if job.RunID != runID || job.ArchivePath == "" {
			continue
		}
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", filepath.Base(job.ArchivePath)))
		http.ServeFile(w, r, job.ArchivePath)
		return
	}

	middleware.WriteError(w, http.StatusNotFound, "Run not found")
}

// LookupHandler handles diagnosis lookup endpoints.
type LookupHandler struct {
	resolver DiagnosisResolver
	log      zerolog.Logger
}

// NewLookupHandler creates a new lookup handler.
func NewLookupHandler(resolver DiagnosisResolver, log zerolog.Logger) *LookupHandler {
	return &LookupHandler{resolver: resolver, log: log}
}

// ResolveCode handles GET /api/icd10?code={code}.
func (h *LookupHandler) ResolveCode(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		middleware.WriteError(w, http.StatusBadRequest, "code query parameter is required")
		return
	}

	diag, err := h.resolver.Resolve(r.Context(), code)
	if err != nil {
		var nf *icd10.NotFoundError
		if errors.As(err, &nf) {
			middleware.WriteError(w, http.StatusNotFound, "Unknown ICD-10 code: "+code)
			return
		}
		h.log.Error().Err(err).Str("code", code).Msg("Diagnosis lookup failed")
		middleware.WriteError(w, http.StatusBadGateway, "Diagnosis lookup failed")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"icd10_code": diag.Code,
		"diagnosis":  diag.Label,
	})
}

// JobsHandler handles job-related endpoints.
type JobsHandler struct {
	store jobs.JobStore
	log   zerolog.Logger
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(store jobs.JobStore, log zerolog.Logger) *JobsHandler {
	return &JobsHandler{
		store: store,
		log:   log,
	}
}

// GetJob handles GET /api/jobs/{id}
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	ctx := r.Context()

	job, err := h.store.GetJob(ctx, jobID)
	if err != nil {
		middleware.WriteError(w, http.StatusNotFound, "Job not found")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /api/jobs
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	query := r.URL.Query()
	filter := jobs.JobFilter{
		ICDCode: query.Get("icd10_code"),
		Status:  jobs.JobStatus(query.Get("status")),
	}

	if limitStr := query.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = limit
		}
	}

	if offsetStr := query.Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil {
			filter.Offset = offset
		}
	}

	jobsList, err := h.store.ListJobs(ctx, filter)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list jobs")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobsList,
		"count": len(jobsList),
	})
}
