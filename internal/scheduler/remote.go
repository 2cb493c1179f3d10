package scheduler

import (
	"log"

	"github.com/SeriousBug/frame-shift-video-sub001/internal/entity"
	"github.com/SeriousBug/frame-shift-video-sub001/internal/protocol"
)

// pickFollower returns the base URL of the first configured follower that
// reports idle. With single-flight followers busy/idle is the only load
// signal there is, so first-idle-wins is the whole policy. An empty return
// means run locally.
func (s *Scheduler) pickFollower() string {
	if s.dispatcher == nil || len(s.cfg.FollowerURLs) == 0 {
		return ""
	}
	for _, url := range s.cfg.FollowerURLs {
		status, err := s.dispatcher.Status(s.opCtx, url)
		if err != nil {
			log.Printf("[scheduler] follower=%s status_error=%v", url, err)
			continue
		}
		if !status.Busy {
			return url
		}
	}
	return ""
}

// runRemote hands the job to a follower and blocks on the execute call; the
// follower's HTTP response is the terminal result. Progress arrives out of
// band through the ingest endpoint, not here.
func (s *Scheduler) runRemote(job *entity.Job, url string) {
	s.mu.Lock()
	cancelledEarly := false
	if s.active != nil && s.active.id == job.ID {
		s.active.remoteURL = url
		cancelledEarly = s.active.cancelled
	}
	s.mu.Unlock()
	if cancelledEarly {
		// CancelJob already wrote the terminal row while follower statuses
		// were being polled; nothing was dispatched yet.
		log.Printf("[scheduler] job_id=%s cancelled before dispatch", job.ID)
		return
	}
	log.Printf("[scheduler] job_id=%s follower=%s dispatched", job.ID, url)

	result, err := s.dispatcher.Execute(s.opCtx, url, protocol.ExecuteJobRequest{
		JobID:      job.ID.String(),
		JobName:    job.Name,
		InputFile:  job.InputFile,
		OutputFile: job.OutputFile,
		Command:    job.Command,
	})
	if err != nil {
		s.resolveRemoteFailure(job, "dispatch to "+url+" failed: "+err.Error(), "")
		return
	}

	if !result.Success {
		s.resolveRemoteFailure(job, result.ErrorMessage, result.StderrTail)
		return
	}

	// Same re-check as the failure paths: a cancel may have landed while the
	// follower was encoding (remote cancel delivery is best-effort), and a
	// terminal row is never overwritten.
	current, err := s.store.GetByID(s.opCtx, job.ID)
	if err == nil && current.Status != entity.StatusProcessing {
		log.Printf("[scheduler] job_id=%s status=%s left untouched after remote result", job.ID, current.Status)
		return
	}

	output := result.OutputFile
	if output == "" {
		output = job.OutputFile
	}
	if err := s.store.Complete(s.opCtx, job.ID, output); err != nil {
		log.Printf("[scheduler] job_id=%s complete_write_error=%v", job.ID, err)
		return
	}
	frames := result.TotalFrames
	if err := s.store.Update(s.opCtx, job.ID, entity.JobUpdate{TotalFrames: &frames}); err != nil {
		log.Printf("[scheduler] job_id=%s frames_write_error=%v", job.ID, err)
	}
	log.Printf("[scheduler] job_id=%s follower=%s status=completed", job.ID, url)
}

// resolveRemoteFailure applies the same cancel-vs-failure status re-check as
// the local path before recording a failure.
func (s *Scheduler) resolveRemoteFailure(job *entity.Job, msg, stderrTail string) {
	current, err := s.store.GetByID(s.opCtx, job.ID)
	if err == nil && current.Status != entity.StatusProcessing {
		log.Printf("[scheduler] job_id=%s status=%s left untouched after remote result", job.ID, current.Status)
		return
	}
	if msg == "" {
		msg = "follower reported failure"
	}
	s.storeFailure(job.ID, msg, stderrTail)
}
