package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"simrun.engine/internal/core/apperrors"
	"simrun.engine/internal/core/domain"
	"simrun.engine/internal/core/logger"
	"simrun.engine/internal/core/services"
)

const maxRequestBody = 8 << 20

type Server struct {
	router     *chi.Mux
	planner    *services.Planner
	jobs       *services.JobService
	canceller  *services.Canceller
	healthSvc  *services.HealthService
	log        *slog.Logger
	httpServer *http.Server
}

func NewServer(planner *services.Planner, jobs *services.JobService, canceller *services.Canceller, healthSvc *services.HealthService) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		planner:   planner,
		jobs:      jobs,
		canceller: canceller,
		healthSvc: healthSvc,
		log:       logger.Get().With("component", "http"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(MetricsMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	s.router.Get("/metrics", MetricsHandler().ServeHTTP)

	// Kubernetes probes
	s.router.Get("/health/live", s.handleLiveness)
	s.router.Get("/health/ready", s.handleReadiness)
	s.router.Get("/api/health/detailed", s.handleDetailedHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleSubmit)
			r.Get("/", s.handleListJobs)
			r.Get("/stats", s.handleStats)
			r.Get("/{id}", s.handleGetJob)
			r.Delete("/{id}", s.handleCancelJob)
			r.Post("/{id}/cancel", s.handleCancelJob)
			r.Get("/{id}/logs", s.handleGetJobLogs)
			r.Get("/{id}/logs/stream", s.handleStreamLogs)
			r.Get("/{id}/result", s.handleResult)
		})
		r.Get("/sweeps/{id}", s.handleGetSweep)
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("HTTP server listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// requestLogger threads chi's request id into the context logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logger.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r.WithContext(ctx))

		logger.WithContext(ctx).Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start))
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("Failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.WithContext(r.Context()).Error("Request failed", "path", r.URL.Path, "error", err)
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error(), Field: apperrors.FieldOf(err)})
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	status, code := s.healthSvc.SimpleHealthCheck(r.Context())
	w.WriteHeader(code)
	w.Write([]byte(status))
}

func (s *Server) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	report := s.healthSvc.CheckHealth(r.Context())

	statusCode := http.StatusOK
	if report.Status == services.HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	s.writeJSON(w, statusCode, report)
}

// jobResponse adds derived fields to the stored record.
type jobResponse struct {
	*domain.Job
	RuntimeSeconds *float64 `json:"runtime_seconds,omitempty"`
}

func newJobResponse(job *domain.Job) *jobResponse {
	resp := &jobResponse{Job: job}
	if d, ok := job.Runtime(); ok {
		secs := d.Seconds()
		resp.RuntimeSeconds = &secs
	}
	return resp
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req services.SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, r, apperrors.Validation("body", "invalid JSON: "+err.Error()))
		return
	}

	result, err := s.planner.Submit(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, result)
}

type jobListResponse struct {
	Jobs    []*jobResponse `json:"jobs"`
	Total   int64          `json:"total"`
	Page    int            `json:"page"`
	Size    int            `json:"size"`
	HasNext bool           `json:"has_next"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := queryInt(q.Get("page"), "page")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	size, err := queryInt(q.Get("size"), "size")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	filter := domain.JobFilter{
		Status:    domain.JobStatus(q.Get("status")),
		CreatedBy: q.Get("created_by"),
		SweepID:   q.Get("sweep_id"),
	}
	result, err := s.jobs.ListJobs(r.Context(), filter, page, size)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := jobListResponse{
		Jobs:    make([]*jobResponse, 0, len(result.Jobs)),
		Total:   result.Total,
		Page:    result.Page,
		Size:    result.Size,
		HasNext: result.HasNext,
	}
	for _, job := range result.Jobs {
		resp.Jobs = append(resp.Jobs, newJobResponse(job))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func queryInt(raw, field string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.Validation(field, field+" must be an integer")
	}
	return v, nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.jobs.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newJobResponse(job))
}

func (s *Server) handleGetJobLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.jobs.Logs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	// Checked up front so errors still get a JSON body.
	if _, err := s.jobs.CheckResult(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+id+`.tar.gz"`)
	if err := s.jobs.WriteResult(r.Context(), id, w); err != nil {
		// Headers are gone; the truncated body is all the client gets.
		logger.WithContext(r.Context()).Error("Failed to stream result archive", "job_id", id, "error", err)
	}
}

type cancelResponse struct {
	Job              *jobResponse `json:"job"`
	AlreadyRequested bool         `json:"already_requested"`
	Message          string       `json:"message"`
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	res, err := s.canceller.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if res != nil && errors.Is(err, apperrors.ErrConflict) {
			// The job already finished; report it alongside the conflict.
			s.writeJSON(w, http.StatusConflict, map[string]any{
				"error": err.Error(),
				"job":   newJobResponse(res.Job),
			})
			return
		}
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cancelResponse{
		Job:              newJobResponse(res.Job),
		AlreadyRequested: res.AlreadyRequested,
		Message:          res.Message,
	})
}

func (s *Server) handleGetSweep(w http.ResponseWriter, r *http.Request) {
	sweep, err := s.jobs.GetSweep(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sweep)
}
