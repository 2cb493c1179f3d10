// Package broadcast fans job lifecycle events out to whoever is listening
// (UI transports, dashboards). Delivery is fire-and-forget: a lost event is
// never allowed to affect job processing.
package broadcast

import (
	"context"

	"github.com/SeriousBug/frame-shift-video-sub001/internal/entity"
)

type Sink interface {
	JobCreated(ctx context.Context, job *entity.Job)
	JobProgress(ctx context.Context, jobID string, percent float64, sample entity.ProgressSample)
	JobsCleared(ctx context.Context)
	StatusCounts(ctx context.Context, counts map[entity.JobStatus]int)
}

// NopSink is used when no broadcast transport is configured.
type NopSink struct{}

func (NopSink) JobCreated(context.Context, *entity.Job) {}
func (NopSink) JobProgress(context.Context, string, float64, entity.ProgressSample) {
}
func (NopSink) JobsCleared(context.Context)                              {}
func (NopSink) StatusCounts(context.Context, map[entity.JobStatus]int) {}
