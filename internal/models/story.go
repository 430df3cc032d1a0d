package models

import (
	"time"
)

// GenerationStatus values persisted on a story row. The status only moves
// forward: pending -> processing -> completed|failed. A failed story may
// re-enter processing through an explicit re-enqueue of the same request id.
const (
	GenerationPending    = "pending"
	GenerationProcessing = "processing"
	GenerationCompleted  = "completed"
	GenerationFailed     = "failed"
)

// Queue-side job states.
const (
	JobWaiting   = "waiting"
	JobDelayed   = "delayed"
	JobActive    = "active"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// StoryJob is the payload carried by one generation job in the queue.
// RequestID is the caller-facing correlation key; the queue's internal job id
// is never the only way to find a story.
type StoryJob struct {
	RequestID  string `json:"request_id"`
	UserID     int64  `json:"user_id"`
	ChildID    int64  `json:"child_id"`
	TemplateID int64  `json:"template_id"`
	Priority   int    `json:"priority"`
}

// JobHandle is what Enqueue returns: the queue-internal identity plus the
// state the job landed in.
type JobHandle struct {
	ID       string `json:"id"`
	State    string `json:"state"`
	Priority int    `json:"priority"`
}

// LeasedJob is a job held under an exclusive lease by one worker slot.
type LeasedJob struct {
	ID          string
	Job         StoryJob
	Attempts    int
	MaxAttempts int
	LeasedAt    time.Time
}

// QueueStats is the per-state census exposed to operators.
type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	IsPaused  bool  `json:"is_paused"`
}

// Story is the caller-visible shadow of a generation request.
type Story struct {
	ID               int64     `json:"id"`
	RequestID        string    `json:"request_id"`
	UserID           int64     `json:"user_id"`
	ChildID          int64     `json:"child_id"`
	TemplateID       int64     `json:"template_id"`
	Title            string    `json:"title"`
	Content          []byte    `json:"-"`
	GenerationStatus string    `json:"generation_status"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// PendingContent is the content blob while a story waits for a worker.
type PendingContent struct {
	RequestID     string    `json:"request_id"`
	TemplateTitle string    `json:"template_title"`
	ChildName     string    `json:"child_name"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// CompletedContent is the content blob once generation succeeded.
type CompletedContent struct {
	Title            string            `json:"title"`
	Body             string            `json:"body"`
	Placeholders     map[string]string `json:"placeholders,omitempty"`
	RequestID        string            `json:"request_id"`
	JobID            string            `json:"job_id,omitempty"`
	ProcessingTimeMs int64             `json:"processing_time_ms"`
	ProcessedAt      time.Time         `json:"processed_at"`
}

// FailedContent is the content blob once generation failed for good.
type FailedContent struct {
	Error     string    `json:"error"`
	RequestID string    `json:"request_id"`
	JobID     string    `json:"job_id,omitempty"`
	FailedAt  time.Time `json:"failed_at"`
}

// User is the slice of the account entity the pipeline needs.
type User struct {
	ID       int64  `json:"id"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`
}

// Child is a profile a story gets personalized for.
type Child struct {
	ID        int64  `json:"id"`
	UserID    int64  `json:"user_id"`
	Name      string `json:"name"`
	Gender    string `json:"gender"`
	Age       int    `json:"age"`
	HairColor string `json:"hair_color,omitempty"`
	EyeColor  string `json:"eye_color,omitempty"`
	SkinTone  string `json:"skin_tone,omitempty"`
	IsActive  bool   `json:"is_active"`
}

// Gender values stored on a child profile.
const (
	GenderFemale = "female"
	GenderMale   = "male"
)

// StoryTemplate holds the two gendered variants of a template text.
type StoryTemplate struct {
	ID            int64  `json:"id"`
	Title         string `json:"title"`
	Category      string `json:"category"`
	AgeGroup      string `json:"age_group"`
	MaleVersion   string `json:"male_version"`
	FemaleVersion string `json:"female_version"`
	IsActive      bool   `json:"is_active"`
}
