package broadcast

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/SeriousBug/frame-shift-video-sub001/internal/entity"
)

// DefaultChannel is the pub/sub channel UI transports subscribe to.
const DefaultChannel = "frameshift:events"

// RedisSink publishes lifecycle events as JSON on a single pub/sub channel.
// Publish errors are logged and dropped.
type RedisSink struct {
	rdb     *redis.Client
	channel string
}

func NewRedisSink(rdb *redis.Client, channel string) *RedisSink {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisSink{rdb: rdb, channel: channel}
}

type event struct {
	Type    string  `json:"type"`
	JobID   string  `json:"job_id,omitempty"`
	Percent float64 `json:"percent,omitempty"`
	Frame   int64   `json:"frame,omitempty"`
	FPS     float64 `json:"fps,omitempty"`
	Payload any     `json:"payload,omitempty"`
}

func (s *RedisSink) publish(ctx context.Context, ev event) {
	body, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[broadcast] type=%s marshal_error=%v", ev.Type, err)
		return
	}
	if err := s.rdb.Publish(ctx, s.channel, body).Err(); err != nil {
		log.Printf("[broadcast] type=%s publish_error=%v", ev.Type, err)
	}
}

func (s *RedisSink) JobCreated(ctx context.Context, job *entity.Job) {
	s.publish(ctx, event{Type: "job_created", JobID: job.ID.String(), Payload: job})
}

func (s *RedisSink) JobProgress(ctx context.Context, jobID string, percent float64, sample entity.ProgressSample) {
	s.publish(ctx, event{
		Type:    "job_progress",
		JobID:   jobID,
		Percent: percent,
		Frame:   sample.Frame,
		FPS:     sample.FPS,
	})
}

func (s *RedisSink) JobsCleared(ctx context.Context) {
	s.publish(ctx, event{Type: "jobs_cleared"})
}

func (s *RedisSink) StatusCounts(ctx context.Context, counts map[entity.JobStatus]int) {
	s.publish(ctx, event{Type: "status_counts", Payload: counts})
}
