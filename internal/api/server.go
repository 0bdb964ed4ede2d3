// Package api exposes the orchestrator's reporting queries and control
// operations over a small JSON HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/avelsk/gatherd/internal/app/reconcile"
	"github.com/avelsk/gatherd/internal/app/reporting"
	wfapp "github.com/avelsk/gatherd/internal/app/workflow"
	chunkdomain "github.com/avelsk/gatherd/internal/domain/chunking"
	wfdomain "github.com/avelsk/gatherd/internal/domain/workflow"
	"github.com/avelsk/gatherd/pkg/common/logger"
)

// Server binds the reporting service and workflow orchestrator to HTTP
// routes. It is an internal control surface: no authentication, meant to sit
// behind the deployment's ingress policy.
type Server struct {
	reports      *reporting.Service
	orchestrator *wfapp.Orchestrator

	logger *logger.Logger
	tracer trace.Tracer
}

// NewServer creates the API server.
func NewServer(
	reports *reporting.Service,
	orchestrator *wfapp.Orchestrator,
	log *logger.Logger,
	tracer trace.Tracer,
) *Server {
	return &Server{
		reports:      reports,
		orchestrator: orchestrator,
		logger:       log.With("component", "api_server"),
		tracer:       tracer,
	}
}

// Routes returns the handler with all routes bound.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/jobs/{id}/summary", s.handleJobSummary)
	mux.HandleFunc("GET /v1/jobs/{id}/chunks", s.handleListChunks)
	mux.HandleFunc("GET /v1/jobs/{id}/engines", s.handleEngineBreakdown)
	mux.HandleFunc("GET /v1/stats", s.handleSystemStats)

	mux.HandleFunc("POST /v1/jobs/{id}/reconcile", s.handleReconcile)
	mux.HandleFunc("POST /v1/jobs/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /v1/jobs/{id}/archive", s.handleArchive)
	mux.HandleFunc("DELETE /v1/jobs/{id}/checkpoints", s.handleClear)

	mux.HandleFunc("POST /v1/workflows/{id}/pause", s.workflowAction(s.orchestrator.Pause))
	mux.HandleFunc("POST /v1/workflows/{id}/resume", s.workflowAction(s.orchestrator.Resume))
	mux.HandleFunc("POST /v1/workflows/{id}/cancel", s.workflowAction(s.orchestrator.Cancel))
	mux.HandleFunc("POST /v1/workflows/{id}/recover", s.handleRecover)

	return mux
}

func (s *Server) handleJobSummary(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobID(w, r)
	if !ok {
		return
	}

	summary, err := s.reports.JobSummary(r.Context(), jobID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toJobSummaryResponse(summary))
}

func (s *Server) handleListChunks(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobID(w, r)
	if !ok {
		return
	}

	var statuses []chunkdomain.ChunkStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, valid := chunkdomain.ParseChunkStatus(raw)
		if !valid {
			s.writeJSON(w, http.StatusBadRequest,
				errorResponse{Error: "unrecognized chunk status: " + raw})
			return
		}
		statuses = append(statuses, status)
	}

	chunks, err := s.reports.ListChunks(r.Context(), jobID, statuses...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := chunkListResponse{JobID: jobID, Chunks: make([]chunkResponse, 0, len(chunks))}
	for _, c := range chunks {
		resp.Chunks = append(resp.Chunks, toChunkResponse(c))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEngineBreakdown(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobID(w, r)
	if !ok {
		return
	}

	stats, err := s.reports.EngineBreakdown(r.Context(), jobID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, engineBreakdownResponse{JobID: jobID, Engines: stats})
}

func (s *Server) handleSystemStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.reports.SystemStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobID(w, r)
	if !ok {
		return
	}

	result, err := s.reports.TriggerReconciliation(r.Context(), jobID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toReconcileResponse(result))
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobID(w, r)
	if !ok {
		return
	}

	result, err := s.reports.TriggerResume(r.Context(), jobID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toReconcileResponse(result))
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobID(w, r)
	if !ok {
		return
	}

	archived, err := s.reports.ArchiveJob(r.Context(), jobID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, archiveResponse{JobID: jobID, RecordsArchived: archived})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobID(w, r)
	if !ok {
		return
	}

	chunks, records, err := s.reports.ClearJob(r.Context(), jobID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, clearResponse{
		JobID:          jobID,
		ChunksDeleted:  chunks,
		RecordsDeleted: records,
	})
}

func (s *Server) workflowAction(action func(context.Context, uuid.UUID) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid workflow id"})
			return
		}

		if err := action(r.Context(), id); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, ackResponse{WorkflowID: id, Status: "ok"})
	}
}

type recoverRequest struct {
	FromStep int `json:"from_step"`
	// Optional resume point for the recovered step, typically copied from a
	// reconciliation resume plan.
	ResumeOffset     int `json:"resume_offset,omitempty"`
	ResumeDownloaded int `json:"resume_downloaded,omitempty"`
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid workflow id"})
		return
	}

	var req recoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	var opts []wfapp.RecoverOption
	if req.ResumeOffset > 0 || req.ResumeDownloaded > 0 {
		opts = append(opts, wfapp.WithStepResume(req.FromStep, wfdomain.StepResume{
			Offset:     req.ResumeOffset,
			Downloaded: req.ResumeDownloaded,
		}))
	}

	if err := s.orchestrator.Recover(r.Context(), id, req.FromStep, opts...); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ackResponse{WorkflowID: id, Status: "recovering"})
}

func (s *Server) jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid job id"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error(context.Background(), "failed to encode response", "error", err)
	}
}

// writeError maps domain errors to HTTP statuses: unknown ids to 404,
// invalid input and refused transitions to 4xx, the rest to 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validationErr *chunkdomain.ValidationError
		stateErr      *wfdomain.InvalidStateError
		transitionErr *wfdomain.InvalidTransitionError
		recoveryErr   *wfdomain.RecoveryLimitError
		stepErr       *wfdomain.StepRangeError
	)

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, wfdomain.ErrWorkflowNotFound),
		errors.Is(err, chunkdomain.ErrChunkNotFound),
		errors.Is(err, chunkdomain.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.As(err, &validationErr), errors.As(err, &stepErr):
		status = http.StatusBadRequest
	case errors.As(err, &stateErr), errors.As(err, &transitionErr),
		errors.As(err, &recoveryErr),
		errors.Is(err, wfdomain.ErrStaleWrite),
		errors.Is(err, wfapp.ErrWorkflowNotRunning):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		s.logger.Error(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

type errorResponse struct {
	Error string `json:"error"`
}

type ackResponse struct {
	WorkflowID uuid.UUID `json:"workflow_id"`
	Status     string    `json:"status"`
}

type archiveResponse struct {
	JobID           uuid.UUID `json:"job_id"`
	RecordsArchived int       `json:"records_archived"`
}

type clearResponse struct {
	JobID          uuid.UUID `json:"job_id"`
	ChunksDeleted  int64     `json:"chunks_deleted"`
	RecordsDeleted int64     `json:"records_deleted"`
}

type jobSummaryResponse struct {
	JobID             uuid.UUID   `json:"job_id"`
	State             string      `json:"state"`
	WorkflowStatus    string      `json:"workflow_status,omitempty"`
	TargetQuantity    int         `json:"target_quantity"`
	Keywords          []string    `json:"keywords,omitempty"`
	CompletedFraction float64     `json:"completed_fraction"`
	SuccessRate       float64     `json:"success_rate"`
	QuantityCompleted int         `json:"quantity_completed"`
	QuantityTotal     int         `json:"quantity_total"`
	SkippedChunks     []uuid.UUID `json:"skipped_chunks,omitempty"`
	LastReconciledAt  *time.Time  `json:"last_reconciled_at,omitempty"`
}

func toJobSummaryResponse(s reporting.JobSummary) jobSummaryResponse {
	resp := jobSummaryResponse{
		JobID:             s.JobID,
		State:             string(s.State),
		WorkflowStatus:    string(s.WorkflowStatus),
		TargetQuantity:    s.TargetQuantity,
		Keywords:          s.Keywords,
		CompletedFraction: s.Progress.CompletedFraction,
		SuccessRate:       s.Progress.SuccessRate,
		QuantityCompleted: s.Progress.QuantityCompleted,
		QuantityTotal:     s.Progress.QuantityTotal,
		SkippedChunks:     s.SkippedChunks,
	}
	if !s.LastReconciledAt.IsZero() {
		t := s.LastReconciledAt
		resp.LastReconciledAt = &t
	}
	return resp
}

type chunkResponse struct {
	ID             uuid.UUID `json:"id"`
	Index          int       `json:"index"`
	Status         string    `json:"status"`
	Priority       int       `json:"priority"`
	RangeStart     int       `json:"range_start"`
	RangeEnd       int       `json:"range_end"`
	RetryCount     int       `json:"retry_count"`
	ExternalTaskID string    `json:"external_task_id,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func toChunkResponse(c *chunkdomain.Chunk) chunkResponse {
	return chunkResponse{
		ID:             c.ID(),
		Index:          c.Index(),
		Status:         string(c.Status()),
		Priority:       c.Priority(),
		RangeStart:     c.RangeStart(),
		RangeEnd:       c.RangeEnd(),
		RetryCount:     c.RetryCount(),
		ExternalTaskID: c.ExternalTaskID(),
		LastError:      c.LastError(),
		UpdatedAt:      c.UpdatedAt(),
	}
}

type chunkListResponse struct {
	JobID  uuid.UUID       `json:"job_id"`
	Chunks []chunkResponse `json:"chunks"`
}

type engineBreakdownResponse struct {
	JobID   uuid.UUID               `json:"job_id"`
	Engines []reporting.EngineStats `json:"engines"`
}

type reconcileResponse struct {
	JobID             uuid.UUID  `json:"job_id"`
	SilentlyCompleted int        `json:"silently_completed"`
	Failed            int        `json:"failed"`
	Stale             int        `json:"stale"`
	Active            int        `json:"active"`
	RetryCount        int        `json:"retry_count"`
	SkipCount         int        `json:"skip_count"`
	RemainingQuantity int        `json:"remaining_quantity"`
	EstimatedDone     *time.Time `json:"estimated_completion,omitempty"`
	GeneratedAt       time.Time  `json:"generated_at"`
}

func toReconcileResponse(r *reconcile.Result) reconcileResponse {
	resp := reconcileResponse{
		JobID:             r.JobID,
		SilentlyCompleted: r.Count(reconcile.ClassSilentlyCompleted),
		Failed:            r.Count(reconcile.ClassFailed),
		Stale:             r.Count(reconcile.ClassStale),
		Active:            r.Count(reconcile.ClassActive),
		RetryCount:        len(r.Plan.Retry),
		SkipCount:         len(r.Plan.Skip),
		RemainingQuantity: r.Plan.RemainingQuantity,
		GeneratedAt:       r.GeneratedAt,
	}
	if !r.Plan.EstimatedDone.IsZero() {
		t := r.Plan.EstimatedDone
		resp.EstimatedDone = &t
	}
	return resp
}
