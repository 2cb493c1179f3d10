package entity

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether a status can no longer change on its own.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ProgressUnknown is the stored progress value when the source duration
// could not be probed and no percentage can be computed.
const ProgressUnknown = -1.0

type Job struct {
	ID            uuid.UUID  `json:"id"`
	Name          string     `json:"name"`
	Status        JobStatus  `json:"status"`
	InputFile     string     `json:"input_file"`
	OutputFile    string     `json:"output_file"`
	Command       []string   `json:"command"`
	Progress      float64    `json:"progress"`
	QueuePosition int        `json:"queue_position"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	TotalFrames   int64      `json:"total_frames,omitempty"`
	StartTime     *time.Time `json:"start_time,omitempty"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	Retried       bool       `json:"retried"`
	Cleared       bool       `json:"cleared"`
	WorkerID      string     `json:"worker_id,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// JobUpdate is a partial update; nil fields are left untouched.
type JobUpdate struct {
	Status       *JobStatus
	Progress     *float64
	ErrorMessage *string
	TotalFrames  *int64
	StartTime    *time.Time
	EndTime      *time.Time
	Retried      *bool
	Cleared      *bool
	WorkerID     *string
}

// ProgressSample is one point-in-time measurement of a running encode.
type ProgressSample struct {
	Frame   int64         `json:"frame"`
	FPS     float64       `json:"fps"`
	Quality float64       `json:"quality"`
	Size    int64         `json:"size"`
	OutTime time.Duration `json:"out_time"`
	Bitrate string        `json:"bitrate"`
	Speed   float64       `json:"speed"`
	Percent float64       `json:"percent"`
}
