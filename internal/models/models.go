package models

import (
	"time"

	"github.com/google/uuid"
)

// JobState tracks where a generation request is in the pipeline.
type JobState string

const (
	JobStateQueued      JobState = "queued"
	JobStateModerating  JobState = "moderating"
	JobStateBlocked     JobState = "blocked"
	JobStateGenerating  JobState = "generating"
	JobStateCompressing JobState = "compressing"
	JobStateDelivering  JobState = "delivering"
	JobStateDelivered   JobState = "delivered"
	JobStateFailed      JobState = "failed"
)

// Terminal reports whether a job in this state will never move again.
func (s JobState) Terminal() bool {
	return s == JobStateDelivered || s == JobStateBlocked || s == JobStateFailed
}

// nextStates is the directed transition graph of the pipeline. Queued
// appears as a target for mid-stage states because the stale-job sweep
// requeues jobs whose stage never finished.
var nextStates = map[JobState][]JobState{
	JobStateQueued:      {JobStateModerating},
	JobStateModerating:  {JobStateBlocked, JobStateGenerating, JobStateQueued, JobStateFailed},
	JobStateGenerating:  {JobStateCompressing, JobStateQueued, JobStateFailed},
	JobStateCompressing: {JobStateDelivering, JobStateQueued, JobStateFailed},
	JobStateDelivering:  {JobStateDelivered, JobStateQueued, JobStateFailed},
}

// CanTransition reports whether moving from one state to another is legal.
// A non-terminal stage may re-enter itself on retry.
func CanTransition(from, to JobState) bool {
	if from == to {
		return !from.Terminal()
	}
	for _, next := range nextStates[from] {
		if next == to {
			return true
		}
	}
	return false
}

// GenerationParams is the snapshot of a sender's settings taken at enqueue
// time. Jobs copy these by value so later settings changes never touch an
// in-flight request.
type GenerationParams struct {
	FPS         int    `json:"fps"`
	DurationSec int    `json:"duration"`
	Resolution  string `json:"resolution"`
	AspectRatio string `json:"aspect_ratio"`
	CameraFixed bool   `json:"camera_fixed"`
}

// Settings holds a sender's generation defaults, upserted by /settings
// commands.
type Settings struct {
	SenderID    string    `json:"sender_id"`
	FPS         int       `json:"fps"`
	DurationSec int       `json:"duration"`
	Resolution  string    `json:"resolution"`
	AspectRatio string    `json:"aspect_ratio"`
	CameraFixed bool      `json:"camera_fixed"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DefaultSettings returns the out-of-the-box generation defaults.
func DefaultSettings(senderID string) Settings {
	return Settings{
		SenderID:    senderID,
		FPS:         24,
		DurationSec: 5,
		Resolution:  "720p",
		AspectRatio: "16:9",
		CameraFixed: false,
	}
}

// Params converts settings into the immutable per-job snapshot.
func (s Settings) Params() GenerationParams {
	return GenerationParams{
		FPS:         s.FPS,
		DurationSec: s.DurationSec,
		Resolution:  s.Resolution,
		AspectRatio: s.AspectRatio,
		CameraFixed: s.CameraFixed,
	}
}

// Job is one tracked generation request moving through the pipeline.
type Job struct {
	ID         uuid.UUID        `json:"id"`
	SenderID   string           `json:"sender_id"`
	Prompt     string           `json:"prompt"`
	Params     GenerationParams `json:"params"`
	State      JobState         `json:"state"`
	Attempt    int              `json:"attempt"`            // retry counter for the current stage
	Requeues   int              `json:"requeues,omitempty"` // times the sweep sent this job back to the queue; never reset
	MessageSID string           `json:"message_sid,omitempty"`
	LastError  *string          `json:"last_error,omitempty"`
	MediaRef   string           `json:"media_ref,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// QueueStats is the derived per-state snapshot served by /v1/stats.
type QueueStats struct {
	QueueSize     int              `json:"queue_size"`
	ActiveWorkers int              `json:"active_workers"`
	JobsByState   map[JobState]int `json:"jobs_by_state"`
}

// WebhookResponse is the synchronous acknowledgment body for inbound
// webhook calls.
type WebhookResponse struct {
	Status string     `json:"status"`
	JobID  *uuid.UUID `json:"job_id,omitempty"`
	Reply  string     `json:"reply,omitempty"`
}
