package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"storyforge/internal/config"
	"storyforge/internal/models"
	"storyforge/internal/queue"
	"storyforge/internal/service"
	"storyforge/internal/store"
	"storyforge/internal/telemetry"
)

// StoryService is the submission/read surface the server fronts.
type StoryService interface {
	Submit(ctx context.Context, userID int64, req service.SubmitRequest) (service.SubmitResult, error)
	Status(ctx context.Context, userID int64, requestID string) (models.Story, error)
	PendingStories(ctx context.Context, userID int64) (map[string][]models.Story, error)
	Stories(ctx context.Context, userID int64) ([]models.Story, error)
	StatusCounts(ctx context.Context, userID int64) (map[string]int64, error)
	Templates(ctx context.Context, category, ageGroup string) ([]models.StoryTemplate, error)
	RecommendedTemplates(ctx context.Context, userID, childID int64) ([]models.StoryTemplate, error)
}

// QueueAdmin is the operational queue surface.
type QueueAdmin interface {
	Stats(ctx context.Context) (models.QueueStats, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Cancel(ctx context.Context, jobID string) (bool, error)
	PurgeOld(ctx context.Context, olderThan time.Duration, state string, limit int64) ([]queue.PurgedJob, error)
}

// Limiter caps per-user submission rate.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Server wires the HTTP handlers.
type Server struct {
	cfg      config.Config
	stories  StoryService
	admin    QueueAdmin
	limiter  Limiter
	validate *validator.Validate
	logger   *slog.Logger
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, stories StoryService, admin QueueAdmin, limiter Limiter, logger *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		stories:  stories,
		admin:    admin,
		limiter:  limiter,
		validate: validator.New(),
		logger:   logger.With("component", "api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/stories/generate", s.handleSubmit)
		r.Get("/stories", s.handleListStories)
		r.Get("/stories/pending", s.handlePending)
		r.Get("/stories/stats", s.handleStoryStats)
		r.Get("/stories/status/{requestID}", s.handleStatus)

		r.Get("/templates", s.handleTemplates)
		r.Get("/templates/recommended/{childID}", s.handleRecommended)

		r.Route("/admin/queue", func(r chi.Router) {
			r.Get("/stats", s.handleQueueStats)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Post("/cancel/{jobID}", s.handleCancel)
			r.Post("/purge", s.handlePurge)
		})
	})
	return r
}

type submitRequest struct {
	TemplateID int64 `json:"template_id" validate:"required,gt=0"`
	ChildID    int64 `json:"child_id" validate:"required,gt=0"`
	Priority   int   `json:"priority" validate:"gte=0"`
}

// handleSubmit accepts a generation request and returns 202 immediately;
// callers poll the status endpoint with the returned request id.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "template_id and child_id are required positive integers")
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), "rl:user:"+strconv.FormatInt(userID, 10))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit check failed")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "too many generation requests, slow down")
			return
		}
	}

	result, err := s.stories.Submit(r.Context(), userID, service.SubmitRequest{
		TemplateID: req.TemplateID,
		ChildID:    req.ChildID,
		Priority:   req.Priority,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	telemetry.EnqueueCounter.Inc()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"request_id": result.RequestID,
		"status":     result.Status,
		"job_id":     result.JobID,
	})
}

type storyResponse struct {
	RequestID string          `json:"request_id"`
	Status    string          `json:"status"`
	Title     string          `json:"title,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// toStoryResponse shapes a tracker row for callers. Title and content are
// exposed only once generation completed.
func toStoryResponse(st models.Story) storyResponse {
	resp := storyResponse{
		RequestID: st.RequestID,
		Status:    st.GenerationStatus,
		CreatedAt: st.CreatedAt,
		UpdatedAt: st.UpdatedAt,
	}
	if st.GenerationStatus == models.GenerationCompleted {
		resp.Title = st.Title
		resp.Content = json.RawMessage(st.Content)
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	requestID := chi.URLParam(r, "requestID")
	story, err := s.stories.Status(r.Context(), userID, requestID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStoryResponse(story))
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	grouped, err := s.stories.PendingStories(r.Context(), userID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	out := make(map[string][]storyResponse, len(grouped))
	for status, stories := range grouped {
		rs := make([]storyResponse, 0, len(stories))
		for _, st := range stories {
			rs = append(rs, toStoryResponse(st))
		}
		out[status] = rs
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListStories(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	stories, err := s.stories.Stories(r.Context(), userID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	out := make([]storyResponse, 0, len(stories))
	for _, st := range stories {
		out = append(out, toStoryResponse(st))
	}
	writeJSON(w, http.StatusOK, map[string]any{"stories": out, "count": len(out)})
}

func (s *Server) handleStoryStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	counts, err := s.stories.StatusCounts(r.Context(), userID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.stories.Templates(r.Context(), r.URL.Query().Get("category"), r.URL.Query().Get("age_group"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": templates, "count": len(templates)})
}

func (s *Server) handleRecommended(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	childID, err := strconv.ParseInt(chi.URLParam(r, "childID"), 10, 64)
	if err != nil || childID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid child id")
		return
	}
	templates, err := s.stories.RecommendedTemplates(r.Context(), userID, childID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": templates, "count": len(templates), "child_id": childID})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.admin.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read queue stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.Pause(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to pause queue")
		return
	}
	s.logger.Info("queue paused")
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.Resume(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to resume queue")
		return
	}
	s.logger.Info("queue resumed")
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

// handleCancel removes a job that has not started. Active and terminal jobs
// report cancelled=false; in-flight work cannot be interrupted.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	cancelled, err := s.admin.Cancel(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	if cancelled {
		telemetry.CancelCounter.Inc()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

type purgeRequest struct {
	State        string `json:"state"`
	OlderThanSec int64  `json:"older_than_sec"`
	Limit        int64  `json:"limit"`
}

// handlePurge triggers one bounded retention sweep on demand.
func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	req := purgeRequest{State: models.JobCompleted}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	olderThan := time.Duration(req.OlderThanSec) * time.Second
	if olderThan <= 0 {
		olderThan = s.cfg.CompletedRetention
		if req.State == models.JobFailed {
			olderThan = s.cfg.FailedRetention
		}
	}
	limit := req.Limit
	if limit <= 0 {
		limit = int64(s.cfg.PurgeBatchSize)
	}

	purged, err := s.admin.PurgeOld(r.Context(), olderThan, req.State, limit)
	if err != nil {
		if errors.Is(err, queue.ErrStateNotTerminal) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("purge failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to purge jobs")
		return
	}
	telemetry.PurgeCounter.Add(float64(len(purged)))
	writeJSON(w, http.StatusOK, map[string]any{"purged": len(purged)})
}

// userID reads the authenticated user from the X-User-ID header. Token
// verification happens upstream; this service trusts the header.
func (s *Server) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.Header.Get("X-User-ID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return 0, false
	}
	return id, true
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrChildNotFound),
		errors.Is(err, store.ErrTemplateNotFound),
		errors.Is(err, store.ErrUserNotFound),
		errors.Is(err, store.ErrStoryNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrDuplicateRequest):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
