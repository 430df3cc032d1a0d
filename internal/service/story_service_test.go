package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyforge/internal/models"
	"storyforge/internal/store"
)

type fakeStore struct {
	child      models.Child
	childErr   error
	tmpl       models.StoryTemplate
	tmplErr    error
	created    []store.CreateStoryParams
	createErr  error
	failedWith map[string][]byte
	templates  []models.StoryTemplate
	lastFilter [2]string
}

func (f *fakeStore) FindActiveChild(_ context.Context, childID, userID int64) (models.Child, error) {
	if f.childErr != nil {
		return models.Child{}, f.childErr
	}
	return f.child, nil
}

func (f *fakeStore) FindActiveTemplate(_ context.Context, templateID int64) (models.StoryTemplate, error) {
	if f.tmplErr != nil {
		return models.StoryTemplate{}, f.tmplErr
	}
	return f.tmpl, nil
}

func (f *fakeStore) ListActiveTemplates(_ context.Context, category, ageGroup string) ([]models.StoryTemplate, error) {
	f.lastFilter = [2]string{category, ageGroup}
	return f.templates, nil
}

func (f *fakeStore) CreatePendingStory(_ context.Context, p store.CreateStoryParams) (models.Story, error) {
	if f.createErr != nil {
		return models.Story{}, f.createErr
	}
	f.created = append(f.created, p)
	return models.Story{
		ID:               1,
		RequestID:        p.RequestID,
		UserID:           p.UserID,
		ChildID:          p.ChildID,
		TemplateID:       p.TemplateID,
		Title:            p.Title,
		Content:          p.Content,
		GenerationStatus: models.GenerationPending,
	}, nil
}

func (f *fakeStore) GetStoryByRequestID(_ context.Context, requestID string, userID int64) (models.Story, error) {
	return models.Story{RequestID: requestID, UserID: userID}, nil
}

func (f *fakeStore) ListStoriesByStatus(_ context.Context, userID int64, status string) ([]models.Story, error) {
	return []models.Story{{UserID: userID, GenerationStatus: status}}, nil
}

func (f *fakeStore) ListStories(_ context.Context, userID int64) ([]models.Story, error) {
	return nil, nil
}

func (f *fakeStore) MarkStoryFailed(_ context.Context, requestID string, content []byte) error {
	if f.failedWith == nil {
		f.failedWith = make(map[string][]byte)
	}
	f.failedWith[requestID] = content
	return nil
}

func (f *fakeStore) StatusCounts(_ context.Context, userID int64) (map[string]int64, error) {
	return map[string]int64{models.GenerationPending: 2}, nil
}

type fakeQueue struct {
	enqueued []models.StoryJob
	err      error
}

func (f *fakeQueue) Enqueue(_ context.Context, job models.StoryJob, _ time.Duration) (models.JobHandle, error) {
	if f.err != nil {
		return models.JobHandle{}, f.err
	}
	f.enqueued = append(f.enqueued, job)
	return models.JobHandle{ID: "job-1", State: models.JobWaiting, Priority: job.Priority}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testFixtures() (*fakeStore, *fakeQueue) {
	st := &fakeStore{
		child: models.Child{ID: 5, UserID: 1, Name: "Mia", Gender: models.GenderFemale, Age: 6, IsActive: true},
		tmpl:  models.StoryTemplate{ID: 2, Title: "The Brave Knight", IsActive: true},
	}
	return st, &fakeQueue{}
}

func TestSubmitCreatesPendingRowThenEnqueues(t *testing.T) {
	st, q := testFixtures()
	svc := NewStoryService(st, q, testLogger())

	res, err := svc.Submit(context.Background(), 1, SubmitRequest{TemplateID: 2, ChildID: 5, Priority: 3})
	require.NoError(t, err)

	assert.NotEmpty(t, res.RequestID)
	assert.Equal(t, models.GenerationPending, res.Status)
	assert.Equal(t, "job-1", res.JobID)

	require.Len(t, st.created, 1)
	assert.Equal(t, res.RequestID, st.created[0].RequestID)
	assert.Equal(t, "The Brave Knight - Mia", st.created[0].Title)

	var pending models.PendingContent
	require.NoError(t, json.Unmarshal(st.created[0].Content, &pending))
	assert.Equal(t, res.RequestID, pending.RequestID)
	assert.Equal(t, "Mia", pending.ChildName)

	require.Len(t, q.enqueued, 1)
	job := q.enqueued[0]
	assert.Equal(t, res.RequestID, job.RequestID)
	assert.Equal(t, int64(1), job.UserID)
	assert.Equal(t, int64(5), job.ChildID)
	assert.Equal(t, int64(2), job.TemplateID)
	assert.Equal(t, 3, job.Priority)
}

func TestSubmitRejectsUnknownChildBeforeAnyWrite(t *testing.T) {
	st, q := testFixtures()
	st.childErr = store.ErrChildNotFound
	svc := NewStoryService(st, q, testLogger())

	_, err := svc.Submit(context.Background(), 1, SubmitRequest{TemplateID: 2, ChildID: 99})
	assert.ErrorIs(t, err, store.ErrChildNotFound)
	assert.Empty(t, st.created, "validation failure must not create a tracker row")
	assert.Empty(t, q.enqueued)
}

func TestSubmitRejectsUnknownTemplate(t *testing.T) {
	st, q := testFixtures()
	st.tmplErr = store.ErrTemplateNotFound
	svc := NewStoryService(st, q, testLogger())

	_, err := svc.Submit(context.Background(), 1, SubmitRequest{TemplateID: 99, ChildID: 5})
	assert.ErrorIs(t, err, store.ErrTemplateNotFound)
	assert.Empty(t, st.created)
	assert.Empty(t, q.enqueued)
}

func TestSubmitFlipsRowToFailedWhenEnqueueFails(t *testing.T) {
	st, q := testFixtures()
	q.err = errors.New("redis down")
	svc := NewStoryService(st, q, testLogger())

	_, err := svc.Submit(context.Background(), 1, SubmitRequest{TemplateID: 2, ChildID: 5})
	require.Error(t, err)

	require.Len(t, st.created, 1, "row is created before the enqueue attempt")
	requestID := st.created[0].RequestID
	require.Contains(t, st.failedWith, requestID, "row must not be left dangling in pending")

	var failed models.FailedContent
	require.NoError(t, json.Unmarshal(st.failedWith[requestID], &failed))
	assert.Contains(t, failed.Error, "redis down")
}

func TestPendingStoriesGroupsByStatus(t *testing.T) {
	st, q := testFixtures()
	svc := NewStoryService(st, q, testLogger())

	grouped, err := svc.PendingStories(context.Background(), 1)
	require.NoError(t, err)
	require.Contains(t, grouped, models.GenerationPending)
	require.Contains(t, grouped, models.GenerationProcessing)
	assert.Equal(t, models.GenerationPending, grouped[models.GenerationPending][0].GenerationStatus)
}

func TestRecommendedTemplatesUsesChildAgeBand(t *testing.T) {
	st, q := testFixtures()
	st.templates = []models.StoryTemplate{{ID: 2}}
	svc := NewStoryService(st, q, testLogger())

	st.child.Age = 6
	_, err := svc.RecommendedTemplates(context.Background(), 1, 5)
	require.NoError(t, err)
	assert.Equal(t, [2]string{"", "3-6"}, st.lastFilter)

	st.child.Age = 9
	_, err = svc.RecommendedTemplates(context.Background(), 1, 5)
	require.NoError(t, err)
	assert.Equal(t, [2]string{"", "7-10"}, st.lastFilter)
}

func TestAgeGroupBands(t *testing.T) {
	cases := map[int]string{
		0:  "3-6",
		3:  "3-5",
		4:  "3-5",
		5:  "3-6",
		7:  "4-7",
		8:  "4-7",
		12: "7-10",
	}
	for age, want := range cases {
		assert.Equal(t, want, ageGroupFor(age), "age %d", age)
	}
}
