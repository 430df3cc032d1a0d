package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"storyforge/internal/models"
	"storyforge/internal/store"
)

// TrackerStore is the slice of the persistence layer the service needs.
type TrackerStore interface {
	FindActiveChild(ctx context.Context, childID, userID int64) (models.Child, error)
	FindActiveTemplate(ctx context.Context, templateID int64) (models.StoryTemplate, error)
	ListActiveTemplates(ctx context.Context, category, ageGroup string) ([]models.StoryTemplate, error)
	CreatePendingStory(ctx context.Context, p store.CreateStoryParams) (models.Story, error)
	GetStoryByRequestID(ctx context.Context, requestID string, userID int64) (models.Story, error)
	ListStoriesByStatus(ctx context.Context, userID int64, status string) ([]models.Story, error)
	ListStories(ctx context.Context, userID int64) ([]models.Story, error)
	MarkStoryFailed(ctx context.Context, requestID string, content []byte) error
	StatusCounts(ctx context.Context, userID int64) (map[string]int64, error)
}

// Enqueuer hands jobs to the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job models.StoryJob, delay time.Duration) (models.JobHandle, error)
}

// StoryService owns submission and read paths for story generation requests.
type StoryService struct {
	store  TrackerStore
	queue  Enqueuer
	logger *slog.Logger
}

// NewStoryService wires the service.
func NewStoryService(st TrackerStore, q Enqueuer, logger *slog.Logger) *StoryService {
	return &StoryService{store: st, queue: q, logger: logger.With("component", "story_service")}
}

// SubmitRequest is one generation submission.
type SubmitRequest struct {
	TemplateID int64
	ChildID    int64
	Priority   int
}

// SubmitResult is returned synchronously; generation continues in the
// background and callers poll by RequestID.
type SubmitResult struct {
	RequestID string       `json:"request_id"`
	Status    string       `json:"status"`
	JobID     string       `json:"job_id"`
	Story     models.Story `json:"story"`
}

// Submit validates the referenced entities, creates the pending tracker row,
// and enqueues the generation job. The tracker row exists before the enqueue
// is attempted so a caller polling immediately always finds it; if the
// enqueue fails the row is flipped to failed rather than left pending.
func (s *StoryService) Submit(ctx context.Context, userID int64, req SubmitRequest) (SubmitResult, error) {
	tmpl, err := s.store.FindActiveTemplate(ctx, req.TemplateID)
	if err != nil {
		return SubmitResult{}, err
	}
	child, err := s.store.FindActiveChild(ctx, req.ChildID, userID)
	if err != nil {
		return SubmitResult{}, err
	}

	requestID := uuid.NewString()
	pending, err := json.Marshal(models.PendingContent{
		RequestID:     requestID,
		TemplateTitle: tmpl.Title,
		ChildName:     child.Name,
		SubmittedAt:   time.Now().UTC(),
	})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("marshal pending content: %w", err)
	}

	story, err := s.store.CreatePendingStory(ctx, store.CreateStoryParams{
		RequestID:  requestID,
		UserID:     userID,
		ChildID:    child.ID,
		TemplateID: tmpl.ID,
		Title:      tmpl.Title + " - " + child.Name,
		Content:    pending,
	})
	if err != nil {
		return SubmitResult{}, err
	}

	handle, err := s.queue.Enqueue(ctx, models.StoryJob{
		RequestID:  requestID,
		UserID:     userID,
		ChildID:    child.ID,
		TemplateID: tmpl.ID,
		Priority:   req.Priority,
	}, 0)
	if err != nil {
		// The one state this design forbids is a pending row with no job
		// behind it, so flip the row before surfacing the error.
		failed, merr := json.Marshal(models.FailedContent{
			Error:     "enqueue failed: " + err.Error(),
			RequestID: requestID,
			FailedAt:  time.Now().UTC(),
		})
		if merr == nil {
			if ferr := s.store.MarkStoryFailed(ctx, requestID, failed); ferr != nil {
				s.logger.Error("mark story failed after enqueue error", "request_id", requestID, "error", ferr)
			}
		}
		return SubmitResult{}, fmt.Errorf("enqueue story job: %w", err)
	}

	s.logger.Info("story generation submitted",
		"request_id", requestID, "job_id", handle.ID,
		"user_id", userID, "child_id", child.ID, "template_id", tmpl.ID,
		"priority", req.Priority)

	return SubmitResult{
		RequestID: requestID,
		Status:    models.GenerationPending,
		JobID:     handle.ID,
		Story:     story,
	}, nil
}

// Status returns the caller's story by request id.
func (s *StoryService) Status(ctx context.Context, userID int64, requestID string) (models.Story, error) {
	return s.store.GetStoryByRequestID(ctx, requestID, userID)
}

// PendingStories lists the caller's in-flight requests grouped by status.
func (s *StoryService) PendingStories(ctx context.Context, userID int64) (map[string][]models.Story, error) {
	grouped := make(map[string][]models.Story, 2)
	for _, status := range []string{models.GenerationPending, models.GenerationProcessing} {
		stories, err := s.store.ListStoriesByStatus(ctx, userID, status)
		if err != nil {
			return nil, err
		}
		grouped[status] = stories
	}
	return grouped, nil
}

// Stories lists all of the caller's stories, newest first.
func (s *StoryService) Stories(ctx context.Context, userID int64) ([]models.Story, error) {
	return s.store.ListStories(ctx, userID)
}

// StatusCounts aggregates the caller's stories per generation status.
func (s *StoryService) StatusCounts(ctx context.Context, userID int64) (map[string]int64, error) {
	return s.store.StatusCounts(ctx, userID)
}

// Templates lists active templates with optional filters.
func (s *StoryService) Templates(ctx context.Context, category, ageGroup string) ([]models.StoryTemplate, error) {
	return s.store.ListActiveTemplates(ctx, category, ageGroup)
}

// RecommendedTemplates suggests templates matching the child's age band.
func (s *StoryService) RecommendedTemplates(ctx context.Context, userID, childID int64) ([]models.StoryTemplate, error) {
	child, err := s.store.FindActiveChild(ctx, childID, userID)
	if err != nil {
		return nil, err
	}
	return s.store.ListActiveTemplates(ctx, "", ageGroupFor(child.Age))
}

// ageGroupFor maps a child's age onto the template catalog's age bands.
func ageGroupFor(age int) string {
	switch {
	case age <= 0:
		return "3-6"
	case age <= 4:
		return "3-5"
	case age <= 6:
		return "3-6"
	case age <= 8:
		return "4-7"
	default:
		return "7-10"
	}
}
