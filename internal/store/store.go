package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"storyforge/internal/models"
)

// Store wraps pgxpool for story and entity persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// FindActiveUser returns the user if it exists and is active.
func (s *Store) FindActiveUser(ctx context.Context, userID int64) (models.User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, email, name, is_active FROM users
		WHERE id = $1 AND is_active
	`, userID)
	var u models.User
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.IsActive); err != nil {
		return models.User{}, mapError(err, ErrUserNotFound)
	}
	return u, nil
}

// FindActiveChild returns the child only when it is active and belongs to
// the given user.
func (s *Store) FindActiveChild(ctx context.Context, childID, userID int64) (models.Child, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, name, gender, age, hair_color, eye_color, skin_tone, is_active
		FROM children
		WHERE id = $1 AND user_id = $2 AND is_active
	`, childID, userID)
	var c models.Child
	if err := row.Scan(&c.ID, &c.UserID, &c.Name, &c.Gender, &c.Age, &c.HairColor, &c.EyeColor, &c.SkinTone, &c.IsActive); err != nil {
		return models.Child{}, mapError(err, ErrChildNotFound)
	}
	return c, nil
}

// FindActiveTemplate returns the template if it exists and is active.
func (s *Store) FindActiveTemplate(ctx context.Context, templateID int64) (models.StoryTemplate, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, title, category, age_group, male_version, female_version, is_active
		FROM story_templates
		WHERE id = $1 AND is_active
	`, templateID)
	var t models.StoryTemplate
	if err := row.Scan(&t.ID, &t.Title, &t.Category, &t.AgeGroup, &t.MaleVersion, &t.FemaleVersion, &t.IsActive); err != nil {
		return models.StoryTemplate{}, mapError(err, ErrTemplateNotFound)
	}
	return t, nil
}

// ListActiveTemplates returns active templates, optionally filtered by
// category and age group.
func (s *Store) ListActiveTemplates(ctx context.Context, category, ageGroup string) ([]models.StoryTemplate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, title, category, age_group, male_version, female_version, is_active
		FROM story_templates
		WHERE is_active
		  AND ($1 = '' OR category = $1)
		  AND ($2 = '' OR age_group = $2)
		ORDER BY id
	`, category, ageGroup)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	var out []models.StoryTemplate
	for rows.Next() {
		var t models.StoryTemplate
		if err := rows.Scan(&t.ID, &t.Title, &t.Category, &t.AgeGroup, &t.MaleVersion, &t.FemaleVersion, &t.IsActive); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreateStoryParams collects the inputs for a new pending story row.
type CreateStoryParams struct {
	RequestID  string
	UserID     int64
	ChildID    int64
	TemplateID int64
	Title      string
	Content    []byte
}

// CreatePendingStory inserts the pending tracker row for a submission.
// The unique request_id key makes concurrent duplicate submissions surface
// as ErrDuplicateRequest instead of a second row.
func (s *Store) CreatePendingStory(ctx context.Context, p CreateStoryParams) (models.Story, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO stories (request_id, user_id, child_id, template_id, title, content, generation_status)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending')
		RETURNING id, created_at, updated_at
	`, p.RequestID, p.UserID, p.ChildID, p.TemplateID, p.Title, p.Content)

	story := models.Story{
		RequestID:        p.RequestID,
		UserID:           p.UserID,
		ChildID:          p.ChildID,
		TemplateID:       p.TemplateID,
		Title:            p.Title,
		Content:          p.Content,
		GenerationStatus: models.GenerationPending,
	}
	if err := row.Scan(&story.ID, &story.CreatedAt, &story.UpdatedAt); err != nil {
		return models.Story{}, mapError(err, ErrStoryNotFound)
	}
	return story, nil
}

// GetStoryByRequestID is the ownership-scoped status lookup. A guessed
// request id belonging to another user reads as not found.
func (s *Store) GetStoryByRequestID(ctx context.Context, requestID string, userID int64) (models.Story, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, request_id, user_id, child_id, template_id, title, content, generation_status, created_at, updated_at
		FROM stories
		WHERE request_id = $1 AND user_id = $2
	`, requestID, userID)
	return scanStory(row)
}

// ListStoriesByStatus returns the user's stories in one generation status,
// newest first.
func (s *Store) ListStoriesByStatus(ctx context.Context, userID int64, status string) ([]models.Story, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, request_id, user_id, child_id, template_id, title, content, generation_status, created_at, updated_at
		FROM stories
		WHERE user_id = $1 AND generation_status = $2
		ORDER BY created_at DESC
	`, userID, status)
	if err != nil {
		return nil, fmt.Errorf("query stories: %w", err)
	}
	defer rows.Close()
	return collectStories(rows)
}

// ListStories returns all of the user's stories, newest first.
func (s *Store) ListStories(ctx context.Context, userID int64) ([]models.Story, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, request_id, user_id, child_id, template_id, title, content, generation_status, created_at, updated_at
		FROM stories
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query stories: %w", err)
	}
	defer rows.Close()
	return collectStories(rows)
}

// MarkStoryProcessing advances the row to processing. Guarded so a completed
// story never moves backward; a failed one may re-enter processing through an
// explicit re-enqueue. Zero matched rows is not an error: the tracker is
// advisory for callers, not queue bookkeeping.
func (s *Store) MarkStoryProcessing(ctx context.Context, requestID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE stories
		SET generation_status = 'processing', updated_at = NOW()
		WHERE request_id = $1 AND generation_status IN ('pending', 'processing', 'failed')
	`, requestID)
	return err
}

// CompleteStory upserts the final content keyed by request id. Safe under
// redelivery: a row that is already completed is left untouched, so a job
// replayed after a crash between persist and ack cannot duplicate or clobber
// the result. Returns whether this call applied the completion.
func (s *Store) CompleteStory(ctx context.Context, requestID, title string, content []byte) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE stories
		SET generation_status = 'completed', title = $2, content = $3, updated_at = NOW()
		WHERE request_id = $1 AND generation_status <> 'completed'
	`, requestID, title, content)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkStoryFailed records the failure payload. Completed rows are never
// demoted; repeating the same terminal outcome is a no-op in effect.
func (s *Store) MarkStoryFailed(ctx context.Context, requestID string, content []byte) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE stories
		SET generation_status = 'failed', content = $2, updated_at = NOW()
		WHERE request_id = $1 AND generation_status <> 'completed'
	`, requestID, content)
	return err
}

// StatusCounts aggregates the user's stories per generation status.
func (s *Store) StatusCounts(ctx context.Context, userID int64) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT generation_status, COUNT(*) FROM stories
		WHERE user_id = $1
		GROUP BY generation_status
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("count stories: %w", err)
	}
	defer rows.Close()

	counts := map[string]int64{
		models.GenerationPending:    0,
		models.GenerationProcessing: 0,
		models.GenerationCompleted:  0,
		models.GenerationFailed:     0,
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStory(row rowScanner) (models.Story, error) {
	var st models.Story
	err := row.Scan(&st.ID, &st.RequestID, &st.UserID, &st.ChildID, &st.TemplateID,
		&st.Title, &st.Content, &st.GenerationStatus, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return models.Story{}, mapError(err, ErrStoryNotFound)
	}
	return st, nil
}

func collectStories(rows pgx.Rows) ([]models.Story, error) {
	var out []models.Story
	for rows.Next() {
		st, err := scanStory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
