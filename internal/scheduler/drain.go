package scheduler

import (
	"log"

	"github.com/SeriousBug/frame-shift-video-sub001/internal/entity"
)

// maybeNotifyDrained fires the once-per-drain completion notification when
// the queue has emptied out. Cleared jobs do not count toward the totals,
// and the flag suppresses repeats until a new job arrives (Trigger re-arms).
func (s *Scheduler) maybeNotifyDrained() {
	s.mu.Lock()
	if s.processing || s.shuttingDown || s.drainNotified {
		s.mu.Unlock()
		return
	}
	s.drainNotified = true
	s.mu.Unlock()

	completed, failed := 0, 0
	counts := map[entity.JobStatus]int{}
	for _, status := range []entity.JobStatus{
		entity.StatusPending, entity.StatusProcessing, entity.StatusCompleted,
		entity.StatusFailed, entity.StatusCancelled,
	} {
		jobs, err := s.store.ByStatus(s.opCtx, status)
		if err != nil {
			log.Printf("[scheduler] drain_count_error=%v", err)
			return
		}
		counts[status] = len(jobs)
		for _, j := range jobs {
			if j.Cleared {
				continue
			}
			switch status {
			case entity.StatusCompleted:
				completed++
			case entity.StatusFailed:
				failed++
			}
		}
	}

	// Something else moved while counting, or there was nothing to report.
	if counts[entity.StatusPending] > 0 || counts[entity.StatusProcessing] > 0 {
		return
	}
	if completed == 0 && failed == 0 {
		return
	}

	if s.notifier.IsEnabled() {
		if err := s.notifier.NotifyAllComplete(s.opCtx, completed, failed); err != nil {
			log.Printf("[scheduler] notify_error=%v", err)
		}
	}

	cleared, err := s.store.ClearSuccessfulJobs(s.opCtx)
	if err != nil {
		log.Printf("[scheduler] clear_successful_error=%v", err)
	} else if cleared > 0 {
		log.Printf("[scheduler] cleared_jobs=%d", cleared)
	}

	s.sink.JobsCleared(s.opCtx)
	s.sink.StatusCounts(s.opCtx, counts)
}
