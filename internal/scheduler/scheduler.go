// Package scheduler owns the single-flight job loop on the leader: it polls
// the durable store for the next pending job, drives an execution (local
// ffmpeg or a remote follower), and persists every transition.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SeriousBug/frame-shift-video-sub001/internal/broadcast"
	"github.com/SeriousBug/frame-shift-video-sub001/internal/entity"
	"github.com/SeriousBug/frame-shift-video-sub001/internal/ffmpeg"
	"github.com/SeriousBug/frame-shift-video-sub001/internal/notify"
	"github.com/SeriousBug/frame-shift-video-sub001/internal/protocol"
)

// Store is the durable job table, implemented by postgresql.JobRepository.
// NextPending returns (nil, nil) on an empty queue.
type Store interface {
	Create(ctx context.Context, name, inputFile, outputFile string, command []string) (uuid.UUID, error)
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	NextPending(ctx context.Context) (*entity.Job, error)
	ByStatus(ctx context.Context, status entity.JobStatus) ([]entity.Job, error)
	Update(ctx context.Context, id uuid.UUID, u entity.JobUpdate) error
	UpdateProgress(ctx context.Context, id uuid.UUID, percent float64, workerID string) error
	Complete(ctx context.Context, id uuid.UUID, outputPath string) error
	SetError(ctx context.Context, id uuid.UUID, msg string) error
	ResetProcessingJobs(ctx context.Context) (int64, error)
	ClearSuccessfulJobs(ctx context.Context) (int64, error)
}

// Runner starts process executions; Execution is one in flight.
type Runner interface {
	Start(ctx context.Context, spec ffmpeg.RunSpec) (Execution, error)
}

type Execution interface {
	Wait(onProgress func(entity.ProgressSample)) ffmpeg.Outcome
	Kill()
}

// Dispatcher is the leader side of the follower protocol, implemented by
// dispatch.Client.
type Dispatcher interface {
	Execute(ctx context.Context, baseURL string, req protocol.ExecuteJobRequest) (protocol.JobCompleteResult, error)
	Cancel(ctx context.Context, baseURL, jobID string) (bool, error)
	Status(ctx context.Context, baseURL string) (protocol.WorkerStatus, error)
}

type processRunner struct {
	r *ffmpeg.Runner
}

// NewProcessRunner adapts the concrete ffmpeg runner to the Runner port.
func NewProcessRunner(r *ffmpeg.Runner) Runner {
	return processRunner{r: r}
}

func (p processRunner) Start(ctx context.Context, spec ffmpeg.RunSpec) (Execution, error) {
	e, err := p.r.Start(ctx, spec)
	if err != nil {
		return nil, err
	}
	return e, nil
}

const DefaultPollInterval = 5 * time.Second

type Config struct {
	PollInterval time.Duration
	JobTimeout   time.Duration // 0 means no deadline
	FollowerURLs []string      // ordered; empty means always run locally
}

// ErrAlreadyRetried guards the one-shot retry semantics of the retried flag.
var ErrAlreadyRetried = errors.New("job was already retried")

type activeJob struct {
	id         uuid.UUID
	exec       Execution // nil while the job runs on a follower
	remoteURL  string
	cancelled  bool
	lastSample entity.ProgressSample
}

type Scheduler struct {
	store      Store
	runner     Runner
	sink       broadcast.Sink
	notifier   notify.Notifier
	dispatcher Dispatcher
	cfg        Config

	// opCtx outlives the run loop's context so terminal writes still land
	// while the process is shutting down.
	opCtx context.Context

	mu            sync.Mutex
	processing    bool
	shuttingDown  bool
	drainNotified bool
	active        *activeJob

	stop     chan struct{}
	stopOnce sync.Once
}

func New(store Store, runner Runner, sink broadcast.Sink, notifier notify.Notifier, dispatcher Dispatcher, cfg Config) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Scheduler{
		store:      store,
		runner:     runner,
		sink:       sink,
		notifier:   notifier,
		dispatcher: dispatcher,
		cfg:        cfg,
		opCtx:      context.Background(),
		stop:       make(chan struct{}),
	}
}

// Start recovers crash leftovers, runs one immediate queue check, and
// installs the periodic re-check. Any job stuck in processing from a
// previous run goes back to pending before the first check: nothing
// in memory survived, so the durable state must not claim otherwise.
func (s *Scheduler) Start(ctx context.Context) error {
	n, err := s.store.ResetProcessingJobs(ctx)
	if err != nil {
		return fmt.Errorf("reset processing jobs: %w", err)
	}
	if n > 0 {
		log.Printf("[scheduler] recovered_jobs=%d reverted to pending", n)
	}
	s.opCtx = context.WithoutCancel(ctx)

	s.checkQueue()

	ticker := time.NewTicker(s.cfg.PollInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.checkQueue()
			}
		}
	}()
	return nil
}

// Trigger runs an out-of-band queue check, used after new jobs are
// enqueued. It also re-arms the drain notification.
func (s *Scheduler) Trigger() {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return
	}
	s.drainNotified = false
	s.mu.Unlock()
	go s.checkQueue()
}

// checkQueue dispatches at most one job. Re-entrant calls while a job is in
// flight are no-ops; the guard is a boolean, not a lock held across the run.
func (s *Scheduler) checkQueue() {
	s.mu.Lock()
	if s.processing || s.shuttingDown {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	job, err := s.store.NextPending(s.opCtx)
	if err != nil {
		log.Printf("[scheduler] next_pending_error=%v", err)
		return
	}
	if job == nil {
		s.maybeNotifyDrained()
		return
	}

	s.mu.Lock()
	if s.processing || s.shuttingDown {
		s.mu.Unlock()
		return
	}
	s.processing = true
	s.active = &activeJob{id: job.ID}
	s.mu.Unlock()

	// Fire and forget: the poll timer must never block on an encode.
	go s.runJob(job)
}

func (s *Scheduler) runJob(job *entity.Job) {
	defer func() {
		// A bug in job processing must not take the poll loop down.
		if r := recover(); r != nil {
			log.Printf("[scheduler] job_id=%s panic=%v", job.ID, r)
		}
		s.mu.Lock()
		s.active = nil
		s.processing = false
		shutting := s.shuttingDown
		s.mu.Unlock()
		// A fresh goroutine, not recursion: queue length must not grow
		// the stack.
		if !shutting {
			go s.checkQueue()
		}
	}()

	now := time.Now().UTC()
	status := entity.StatusProcessing
	progress := 0.0
	if err := s.store.Update(s.opCtx, job.ID, entity.JobUpdate{
		Status:    &status,
		StartTime: &now,
		Progress:  &progress,
	}); err != nil {
		log.Printf("[scheduler] job_id=%s mark_processing_error=%v", job.ID, err)
		return
	}
	log.Printf("[scheduler] job_id=%s name=%q status=processing", job.ID, job.Name)

	if url := s.pickFollower(); url != "" {
		s.runRemote(job, url)
		return
	}
	s.runLocal(job)
}

func (s *Scheduler) runLocal(job *entity.Job) {
	exec, err := s.runner.Start(s.opCtx, ffmpeg.RunSpec{
		Args:       job.Command,
		InputPath:  job.InputFile,
		OutputPath: job.OutputFile,
		Timeout:    s.cfg.JobTimeout,
	})
	if err != nil {
		// Spawn failure: the tool never ran, so there is no exit code.
		s.storeFailure(job.ID, fmt.Sprintf("could not start transcode: %v", err), "")
		return
	}

	s.mu.Lock()
	cancelledEarly := false
	if s.active != nil && s.active.id == job.ID {
		s.active.exec = exec
		cancelledEarly = s.active.cancelled
	}
	s.mu.Unlock()
	if cancelledEarly {
		exec.Kill()
	}

	outcome := exec.Wait(func(sample entity.ProgressSample) {
		s.mu.Lock()
		if s.active != nil && s.active.id == job.ID {
			s.active.lastSample = sample
		}
		s.mu.Unlock()
		if err := s.store.UpdateProgress(s.opCtx, job.ID, sample.Percent, ""); err != nil {
			log.Printf("[scheduler] job_id=%s progress_write_error=%v", job.ID, err)
		}
		s.sink.JobProgress(s.opCtx, job.ID.String(), sample.Percent, sample)
	})

	switch o := outcome.(type) {
	case ffmpeg.Success:
		s.finalize(job, o)
	case ffmpeg.Failure:
		s.handleFailure(job, o)
	}
}

// finalize moves the staged artifact over the requested output path. A
// failed rename is a failed job: an artifact nobody can use does not count
// as a success, however well the encode went.
func (s *Scheduler) finalize(job *entity.Job, o ffmpeg.Success) {
	if err := os.Rename(o.TempPath, job.OutputFile); err != nil {
		_ = os.Remove(o.TempPath)
		s.storeFailure(job.ID,
			fmt.Sprintf("encode finished but moving output into place failed: %v", err),
			ffmpeg.TailForStorage(o.Stderr))
		return
	}

	if err := s.store.Complete(s.opCtx, job.ID, job.OutputFile); err != nil {
		log.Printf("[scheduler] job_id=%s complete_write_error=%v", job.ID, err)
		return
	}
	frames := o.TotalFrames
	if err := s.store.Update(s.opCtx, job.ID, entity.JobUpdate{TotalFrames: &frames}); err != nil {
		log.Printf("[scheduler] job_id=%s frames_write_error=%v", job.ID, err)
	}
	log.Printf("[scheduler] job_id=%s status=completed total_frames=%d", job.ID, o.TotalFrames)
}

// handleFailure resolves the race between a user cancel and the process's
// own exit: the stored status is re-read immediately before writing, and a
// row someone else already resolved is left alone.
func (s *Scheduler) handleFailure(job *entity.Job, f ffmpeg.Failure) {
	current, err := s.store.GetByID(s.opCtx, job.ID)
	if err == nil && current.Status != entity.StatusProcessing {
		log.Printf("[scheduler] job_id=%s status=%s left untouched after process exit", job.ID, current.Status)
		return
	}

	if f.Cancelled {
		status := entity.StatusCancelled
		end := time.Now().UTC()
		if err := s.store.Update(s.opCtx, job.ID, entity.JobUpdate{Status: &status, EndTime: &end}); err != nil {
			log.Printf("[scheduler] job_id=%s cancel_write_error=%v", job.ID, err)
		}
		log.Printf("[scheduler] job_id=%s status=cancelled", job.ID)
		return
	}

	s.storeFailure(job.ID, f.Message, ffmpeg.TailForStorage(f.Stderr))
}

func (s *Scheduler) storeFailure(id uuid.UUID, msg, stderrTail string) {
	if stderrTail != "" {
		msg = msg + "\n" + stderrTail
	}
	if err := s.store.SetError(s.opCtx, id, msg); err != nil {
		log.Printf("[scheduler] job_id=%s error_write_error=%v", id, err)
		return
	}
	log.Printf("[scheduler] job_id=%s status=failed", id)
}

// CancelJob stops a running job or withdraws a pending one. Cancelling a
// pending job never touches a process.
func (s *Scheduler) CancelJob(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	if s.active != nil && s.active.id == id {
		s.active.cancelled = true
		exec := s.active.exec
		remote := s.active.remoteURL
		s.mu.Unlock()

		// The row is marked before the kill so the process-exit path sees
		// cancelled and does not record a failure.
		status := entity.StatusCancelled
		end := time.Now().UTC()
		if err := s.store.Update(ctx, id, entity.JobUpdate{Status: &status, EndTime: &end}); err != nil {
			return err
		}
		if exec != nil {
			exec.Kill()
		}
		if remote != "" && s.dispatcher != nil {
			if _, err := s.dispatcher.Cancel(ctx, remote, id.String()); err != nil {
				log.Printf("[scheduler] job_id=%s remote_cancel_error=%v", id, err)
			}
		}
		return nil
	}
	s.mu.Unlock()

	job, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != entity.StatusPending {
		return fmt.Errorf("job is %s, only pending or running jobs can be cancelled", job.Status)
	}
	status := entity.StatusCancelled
	end := time.Now().UTC()
	return s.store.Update(ctx, id, entity.JobUpdate{Status: &status, EndTime: &end})
}

// CreateJob inserts a pending job at the back of the queue and nudges the
// scheduler.
func (s *Scheduler) CreateJob(ctx context.Context, name, inputFile, outputFile string, command []string) (*entity.Job, error) {
	id, err := s.store.Create(ctx, name, inputFile, outputFile, command)
	if err != nil {
		return nil, err
	}
	job, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.sink.JobCreated(ctx, job)
	s.Trigger()
	return job, nil
}

// RetryJob resubmits a terminal job as a fresh pending row. The original is
// marked retried; the flag is boolean on purpose, so a row can be resubmitted
// at most once.
func (s *Scheduler) RetryJob(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	job, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.Status.IsTerminal() {
		return nil, fmt.Errorf("job is %s, only finished jobs can be retried", job.Status)
	}
	if job.Retried {
		return nil, ErrAlreadyRetried
	}

	newID, err := s.store.Create(ctx, job.Name, job.InputFile, job.OutputFile, job.Command)
	if err != nil {
		return nil, err
	}
	retried := true
	if err := s.store.Update(ctx, id, entity.JobUpdate{Retried: &retried}); err != nil {
		log.Printf("[scheduler] job_id=%s retried_flag_error=%v", id, err)
	}

	created, err := s.store.GetByID(ctx, newID)
	if err != nil {
		return nil, err
	}
	s.sink.JobCreated(ctx, created)
	s.Trigger()
	return created, nil
}

// Stop halts the poll loop, kills any running execution, and reverts the
// active job to pending so it is picked up again after a restart.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return
	}
	s.shuttingDown = true
	active := s.active
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stop) })

	if active == nil {
		return
	}

	job, err := s.store.GetByID(ctx, active.id)
	if err == nil && job.Status == entity.StatusProcessing {
		status := entity.StatusPending
		msg := "instance shut down during processing; job requeued"
		progress := 0.0
		if err := s.store.Update(ctx, active.id, entity.JobUpdate{
			Status:       &status,
			ErrorMessage: &msg,
			Progress:     &progress,
		}); err != nil {
			log.Printf("[scheduler] job_id=%s shutdown_requeue_error=%v", active.id, err)
		}
	}
	if active.exec != nil {
		active.exec.Kill()
	}
	if active.remoteURL != "" && s.dispatcher != nil {
		if _, err := s.dispatcher.Cancel(ctx, active.remoteURL, active.id.String()); err != nil {
			log.Printf("[scheduler] job_id=%s remote_cancel_error=%v", active.id, err)
		}
	}
}

// ActiveProgress exposes the latest sample for the running job, if any.
func (s *Scheduler) ActiveProgress() (uuid.UUID, entity.ProgressSample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return uuid.Nil, entity.ProgressSample{}, false
	}
	return s.active.id, s.active.lastSample, true
}
