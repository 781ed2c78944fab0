// Package job defines the durable unit of state for one replay-to-video
// conversion: the record, its render configuration, and the status machine.
package job

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a job. Transitions are one-directional:
// queued -> processing -> completed | failed.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is one of the four known states.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from s to next is legal. This is the
// single place transition legality is decided; stores enforce it.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// MessageLimit bounds the human-readable detail stored on a job. Renderer
// stderr can run to megabytes; we keep a summary only.
const MessageLimit = 2000

// TruncateMessage bounds msg to MessageLimit characters.
func TruncateMessage(msg string) string {
	if len(msg) > MessageLimit {
		return msg[:MessageLimit]
	}
	return msg
}

// Config is the render configuration captured at submission. It is
// write-once: nothing mutates it after the record is created.
type Config struct {
	// Anonymize replaces player names in the rendered video.
	Anonymize bool `json:"anon"`
	// NoChat suppresses the chat overlay.
	NoChat bool `json:"no_chat"`
	// NoLogs suppresses the damage/ribbon log overlay.
	NoLogs bool `json:"no_logs"`
	// TeamTracers colors shell tracers by team.
	TeamTracers bool `json:"team_tracers"`
	// FPS is the output frame rate.
	FPS int `json:"fps"`
	// Quality is the encoder quality level, 1 (worst) to 9 (best).
	Quality int `json:"quality"`
	// WebhookURL, when set, receives the finished video and player
	// metadata once the job completes.
	WebhookURL string `json:"webhook_url,omitempty"`
}

// DefaultConfig mirrors the renderer's own defaults.
func DefaultConfig() Config {
	return Config{FPS: 20, Quality: 7}
}

// Validate rejects configs the renderer would choke on. Called before a
// record is created, so invalid configs never enter the state machine.
func (c Config) Validate() error {
	if c.FPS < 1 || c.FPS > 60 {
		return fmt.Errorf("fps must be between 1 and 60, got %d", c.FPS)
	}
	if c.Quality < 1 || c.Quality > 9 {
		return fmt.Errorf("quality must be between 1 and 9, got %d", c.Quality)
	}
	if c.WebhookURL != "" && !strings.HasPrefix(c.WebhookURL, "http://") && !strings.HasPrefix(c.WebhookURL, "https://") {
		return fmt.Errorf("webhook_url must be an http(s) URL")
	}
	return nil
}

// Job is one replay-to-video conversion request and its tracked state.
type Job struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	SessionID string    `json:"-"`
	Config    Config    `json:"config"`
	// SourcePath is where the uploaded replay lives on disk.
	SourcePath string `json:"-"`
	// OutputPath is the object key of the rendered video. Non-empty iff
	// Status == StatusCompleted.
	OutputPath  string     `json:"-"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// New creates a queued job with a fresh id.
func New(filename, sessionID string, cfg Config) *Job {
	return &Job{
		ID:        uuid.New().String(),
		Filename:  filename,
		Status:    StatusQueued,
		SessionID: sessionID,
		Config:    cfg,
		CreatedAt: time.Now().UTC(),
	}
}

// Relations used in the renderer's player info output.
const (
	RelationAlly    = 0
	RelationEnemy   = 1
	RelationNeutral = 2
)

// Participant is one player extracted from the replay by the renderer.
type Participant struct {
	Name     string `json:"name"`
	Clan     string `json:"clan,omitempty"`
	Ship     string `json:"ship"`
	Relation int    `json:"relation"`
	BuildURL string `json:"build_url,omitempty"`
}
