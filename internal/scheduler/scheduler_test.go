package scheduler_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/SeriousBug/frame-shift-video-sub001/internal/entity"
	"github.com/SeriousBug/frame-shift-video-sub001/internal/ffmpeg"
	"github.com/SeriousBug/frame-shift-video-sub001/internal/protocol"
	"github.com/SeriousBug/frame-shift-video-sub001/internal/scheduler"
)

// ---- fakes ----

type fakeStore struct {
	mu         sync.Mutex
	jobs       map[uuid.UUID]*entity.Job
	nextPos    int
	resetCalls int
	clearCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: map[uuid.UUID]*entity.Job{}}
}

func (s *fakeStore) addJob(status entity.JobStatus, name string) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextPos++
	id := uuid.New()
	s.jobs[id] = &entity.Job{
		ID:            id,
		Name:          name,
		Status:        status,
		InputFile:     "/in/" + name + ".mkv",
		OutputFile:    "/out/" + name + ".mkv",
		Command:       []string{"-i", "/in/" + name + ".mkv", "/out/" + name + ".mkv"},
		QueuePosition: s.nextPos,
		CreatedAt:     time.Now().UTC(),
	}
	return id
}

func (s *fakeStore) get(id uuid.UUID) entity.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

func (s *fakeStore) Create(ctx context.Context, name, inputFile, outputFile string, command []string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextPos++
	id := uuid.New()
	s.jobs[id] = &entity.Job{
		ID: id, Name: name, Status: entity.StatusPending,
		InputFile: inputFile, OutputFile: outputFile, Command: command,
		QueuePosition: s.nextPos, CreatedAt: time.Now().UTC(),
	}
	return id, nil
}

func (s *fakeStore) GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, errors.New("not found")
	}
	copied := *j
	return &copied, nil
}

func (s *fakeStore) NextPending(ctx context.Context) (*entity.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []*entity.Job
	for _, j := range s.jobs {
		if j.Status == entity.StatusPending {
			pending = append(pending, j)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}
	sort.Slice(pending, func(a, b int) bool {
		if pending[a].QueuePosition != pending[b].QueuePosition {
			return pending[a].QueuePosition < pending[b].QueuePosition
		}
		return pending[a].CreatedAt.Before(pending[b].CreatedAt)
	})
	copied := *pending[0]
	return &copied, nil
}

func (s *fakeStore) ByStatus(ctx context.Context, status entity.JobStatus) ([]entity.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entity.Job
	for _, j := range s.jobs {
		if j.Status == status {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (s *fakeStore) Update(ctx context.Context, id uuid.UUID, u entity.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return errors.New("not found")
	}
	if u.Status != nil {
		j.Status = *u.Status
	}
	if u.Progress != nil {
		j.Progress = *u.Progress
	}
	if u.ErrorMessage != nil {
		j.ErrorMessage = *u.ErrorMessage
	}
	if u.TotalFrames != nil {
		j.TotalFrames = *u.TotalFrames
	}
	if u.StartTime != nil {
		j.StartTime = u.StartTime
	}
	if u.EndTime != nil {
		j.EndTime = u.EndTime
	}
	if u.Retried != nil {
		j.Retried = *u.Retried
	}
	if u.Cleared != nil {
		j.Cleared = *u.Cleared
	}
	if u.WorkerID != nil {
		j.WorkerID = *u.WorkerID
	}
	return nil
}

func (s *fakeStore) UpdateProgress(ctx context.Context, id uuid.UUID, percent float64, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return errors.New("not found")
	}
	j.Progress = percent
	return nil
}

func (s *fakeStore) Complete(ctx context.Context, id uuid.UUID, outputPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return errors.New("not found")
	}
	j.Status = entity.StatusCompleted
	j.OutputFile = outputPath
	j.Progress = 100
	j.ErrorMessage = ""
	now := time.Now().UTC()
	j.EndTime = &now
	return nil
}

func (s *fakeStore) SetError(ctx context.Context, id uuid.UUID, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return errors.New("not found")
	}
	j.Status = entity.StatusFailed
	j.ErrorMessage = msg
	now := time.Now().UTC()
	j.EndTime = &now
	return nil
}

func (s *fakeStore) ResetProcessingJobs(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetCalls++
	var n int64
	for _, j := range s.jobs {
		if j.Status == entity.StatusProcessing {
			j.Status = entity.StatusPending
			j.Progress = 0
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) ClearSuccessfulJobs(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearCalls++
	var n int64
	for _, j := range s.jobs {
		if j.Status == entity.StatusCompleted && !j.Cleared {
			j.Cleared = true
			n++
		}
	}
	return n, nil
}

type fakeExec struct {
	mu            sync.Mutex
	samples       []entity.ProgressSample
	outcome       ffmpeg.Outcome
	killedOutcome ffmpeg.Outcome
	block         chan struct{}
	killed        bool
	unblock       sync.Once
}

func (e *fakeExec) Wait(on func(entity.ProgressSample)) ffmpeg.Outcome {
	for _, s := range e.samples {
		if on != nil {
			on(s)
		}
	}
	if e.block != nil {
		<-e.block
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.killed && e.killedOutcome != nil {
		return e.killedOutcome
	}
	return e.outcome
}

func (e *fakeExec) Kill() {
	e.mu.Lock()
	e.killed = true
	e.mu.Unlock()
	if e.block != nil {
		e.unblock.Do(func() { close(e.block) })
	}
}

func (e *fakeExec) wasKilled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.killed
}

type fakeRunner struct {
	mu    sync.Mutex
	execs []*fakeExec
	calls int
}

func (r *fakeRunner) Start(ctx context.Context, spec ffmpeg.RunSpec) (scheduler.Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if len(r.execs) == 0 {
		return nil, errors.New("no execution configured")
	}
	e := r.execs[0]
	if len(r.execs) > 1 {
		r.execs = r.execs[1:]
	}
	return e, nil
}

func (r *fakeRunner) startCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type countingSink struct {
	mu       sync.Mutex
	progress int
	created  int
	cleared  int
	counts   int
}

func (s *countingSink) JobCreated(context.Context, *entity.Job) {
	s.mu.Lock()
	s.created++
	s.mu.Unlock()
}
func (s *countingSink) JobProgress(context.Context, string, float64, entity.ProgressSample) {
	s.mu.Lock()
	s.progress++
	s.mu.Unlock()
}
func (s *countingSink) JobsCleared(context.Context) {
	s.mu.Lock()
	s.cleared++
	s.mu.Unlock()
}
func (s *countingSink) StatusCounts(context.Context, map[entity.JobStatus]int) {
	s.mu.Lock()
	s.counts++
	s.mu.Unlock()
}

type recordingNotifier struct {
	mu        sync.Mutex
	calls     int
	completed int
	failed    int
}

func (n *recordingNotifier) IsEnabled() bool { return true }
func (n *recordingNotifier) NotifyAllComplete(ctx context.Context, completed, failed int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	n.completed = completed
	n.failed = failed
	return nil
}

func (n *recordingNotifier) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

// ---- helpers ----

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newScheduler(store *fakeStore, runner *fakeRunner, sink *countingSink, notifier *recordingNotifier) *scheduler.Scheduler {
	return scheduler.New(store, runner, sink, notifier, nil, scheduler.Config{
		PollInterval: 10 * time.Millisecond,
	})
}

// ---- tests ----

func TestStart_RevertsProcessingJobsBeforeFirstCheck(t *testing.T) {
	store := newFakeStore()
	stuck := store.addJob(entity.StatusProcessing, "stuck")
	runner := &fakeRunner{execs: []*fakeExec{{outcome: ffmpeg.Failure{Message: "boom"}}}}
	sink := &countingSink{}
	notifier := &recordingNotifier{}

	s := newScheduler(store, runner, sink, notifier)
	defer s.Stop(context.Background())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if store.resetCalls != 1 {
		t.Fatalf("expected one reset call, got %d", store.resetCalls)
	}
	// The recovered job is pending again and gets picked up by the first
	// check rather than staying stranded in processing.
	waitFor(t, "recovered job to reach a terminal state", func() bool {
		return store.get(stuck).Status == entity.StatusFailed
	})
}

func TestCheckQueue_SingleFlight(t *testing.T) {
	store := newFakeStore()
	first := store.addJob(entity.StatusPending, "a")
	store.addJob(entity.StatusPending, "b")

	blocking := &fakeExec{block: make(chan struct{}), outcome: ffmpeg.Failure{Message: "boom"}}
	second := &fakeExec{outcome: ffmpeg.Failure{Message: "boom"}}
	runner := &fakeRunner{execs: []*fakeExec{blocking, second}}
	sink := &countingSink{}
	notifier := &recordingNotifier{}

	s := newScheduler(store, runner, sink, notifier)
	defer s.Stop(context.Background())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, "first job to start", func() bool { return runner.startCalls() == 1 })

	// Back-to-back triggers plus the 10ms poll loop: still one process.
	s.Trigger()
	s.Trigger()
	time.Sleep(100 * time.Millisecond)
	if got := runner.startCalls(); got != 1 {
		t.Fatalf("expected exactly one active process, got %d starts", got)
	}
	if store.get(first).Status != entity.StatusProcessing {
		t.Fatalf("expected first job processing, got %s", store.get(first).Status)
	}

	blocking.unblock.Do(func() { close(blocking.block) })
	waitFor(t, "second job to start after the first finished", func() bool {
		return runner.startCalls() == 2
	})
}

func TestCancelPendingJob_NeverSpawnsAProcess(t *testing.T) {
	store := newFakeStore()
	id := store.addJob(entity.StatusPending, "queued")
	runner := &fakeRunner{}
	s := newScheduler(store, runner, &countingSink{}, &recordingNotifier{})

	if err := s.CancelJob(context.Background(), id); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	job := store.get(id)
	if job.Status != entity.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", job.Status)
	}
	if job.StartTime != nil || job.TotalFrames != 0 {
		t.Fatalf("no process fields may be populated: %+v", job)
	}
	if runner.startCalls() != 0 {
		t.Fatalf("expected no process start, got %d", runner.startCalls())
	}
}

func TestCancelProcessingJob_IsCancelledNotFailed(t *testing.T) {
	store := newFakeStore()
	id := store.addJob(entity.StatusPending, "running")

	exec := &fakeExec{
		block:         make(chan struct{}),
		killedOutcome: ffmpeg.Failure{Message: "transcode cancelled", Cancelled: true},
		outcome:       ffmpeg.Failure{Message: "boom"},
	}
	runner := &fakeRunner{execs: []*fakeExec{exec}}

	s := newScheduler(store, runner, &countingSink{}, &recordingNotifier{})
	defer s.Stop(context.Background())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "job to start", func() bool { return runner.startCalls() == 1 })

	if err := s.CancelJob(context.Background(), id); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	waitFor(t, "process to be killed", exec.wasKilled)
	// However the process exit resolves afterwards, the stored status must
	// stay cancelled.
	time.Sleep(50 * time.Millisecond)
	if got := store.get(id).Status; got != entity.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got)
	}
}

func TestFinalizeRenameFailure_IsJobFailure(t *testing.T) {
	dir := t.TempDir()
	tempArtifact := filepath.Join(dir, "movie.tmp.mkv")
	if err := os.WriteFile(tempArtifact, []byte("encoded"), 0o644); err != nil {
		t.Fatalf("write temp artifact: %v", err)
	}
	finalPath := filepath.Join(dir, "missing-dir", "movie.mkv")

	store := newFakeStore()
	id := store.addJob(entity.StatusPending, "movie")
	store.mu.Lock()
	store.jobs[id].OutputFile = finalPath
	store.mu.Unlock()

	exec := &fakeExec{outcome: ffmpeg.Success{TempPath: tempArtifact, TotalFrames: 99}}
	runner := &fakeRunner{execs: []*fakeExec{exec}}

	s := newScheduler(store, runner, &countingSink{}, &recordingNotifier{})
	defer s.Stop(context.Background())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, "job to fail", func() bool { return store.get(id).Status == entity.StatusFailed })

	job := store.get(id)
	if !strings.Contains(job.ErrorMessage, "moving output into place failed") {
		t.Fatalf("unexpected error message %q", job.ErrorMessage)
	}
	if _, err := os.Stat(tempArtifact); !os.IsNotExist(err) {
		t.Fatalf("expected temp artifact removed, stat err=%v", err)
	}
	if _, err := os.Stat(finalPath); !os.IsNotExist(err) {
		t.Fatalf("expected nothing at the final path, stat err=%v", err)
	}
}

func TestProgressSamples_FlowToStoreAndSink(t *testing.T) {
	store := newFakeStore()
	id := store.addJob(entity.StatusPending, "prog")

	exec := &fakeExec{
		samples: []entity.ProgressSample{
			{Frame: 10, Percent: 25},
			{Frame: 20, Percent: 50},
		},
		outcome: ffmpeg.Failure{Message: "boom"},
	}
	runner := &fakeRunner{execs: []*fakeExec{exec}}
	sink := &countingSink{}

	s := newScheduler(store, runner, sink, &recordingNotifier{})
	defer s.Stop(context.Background())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, "job to finish", func() bool { return store.get(id).Status == entity.StatusFailed })

	sink.mu.Lock()
	progressEvents := sink.progress
	sink.mu.Unlock()
	if progressEvents != 2 {
		t.Fatalf("expected 2 progress broadcasts, got %d", progressEvents)
	}
}

func TestDrainNotification_FiresOnceAndClears(t *testing.T) {
	store := newFakeStore()
	done := store.addJob(entity.StatusCompleted, "done")
	store.addJob(entity.StatusFailed, "broken")

	runner := &fakeRunner{}
	sink := &countingSink{}
	notifier := &recordingNotifier{}

	s := newScheduler(store, runner, sink, notifier)
	defer s.Stop(context.Background())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, "drain notification", func() bool { return notifier.callCount() == 1 })
	notifier.mu.Lock()
	completed, failed := notifier.completed, notifier.failed
	notifier.mu.Unlock()
	if completed != 1 || failed != 1 {
		t.Fatalf("expected completed=1 failed=1, got %d/%d", completed, failed)
	}
	if !store.get(done).Cleared {
		t.Fatal("expected successful job auto-cleared")
	}

	// The 10ms poll loop keeps finding an empty queue; the flag must
	// suppress repeats.
	time.Sleep(100 * time.Millisecond)
	if got := notifier.callCount(); got != 1 {
		t.Fatalf("expected one notification per drain, got %d", got)
	}
}

func TestRetryJob_BooleanSemantics(t *testing.T) {
	store := newFakeStore()
	id := store.addJob(entity.StatusFailed, "flaky")
	runner := &fakeRunner{}

	s := newScheduler(store, runner, &countingSink{}, &recordingNotifier{})

	created, err := s.RetryJob(context.Background(), id)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if created.Status != entity.StatusPending {
		t.Fatalf("expected a fresh pending job, got %s", created.Status)
	}
	original := store.get(id)
	if !original.Retried {
		t.Fatal("expected original marked retried")
	}
	if original.Status != entity.StatusFailed {
		t.Fatalf("original must keep its terminal status, got %s", original.Status)
	}

	if _, err := s.RetryJob(context.Background(), id); !errors.Is(err, scheduler.ErrAlreadyRetried) {
		t.Fatalf("expected ErrAlreadyRetried, got %v", err)
	}
}

func TestRetryJob_RejectsNonTerminal(t *testing.T) {
	store := newFakeStore()
	id := store.addJob(entity.StatusPending, "waiting")
	s := newScheduler(store, &fakeRunner{}, &countingSink{}, &recordingNotifier{})

	if _, err := s.RetryJob(context.Background(), id); err == nil {
		t.Fatal("expected an error retrying a pending job")
	}
}

func TestStop_RevertsActiveJobToPending(t *testing.T) {
	store := newFakeStore()
	id := store.addJob(entity.StatusPending, "interrupted")

	exec := &fakeExec{
		block:         make(chan struct{}),
		killedOutcome: ffmpeg.Failure{Message: "transcode cancelled", Cancelled: true},
	}
	runner := &fakeRunner{execs: []*fakeExec{exec}}

	s := newScheduler(store, runner, &countingSink{}, &recordingNotifier{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "job to start", func() bool { return runner.startCalls() == 1 })

	s.Stop(context.Background())

	waitFor(t, "process killed on stop", exec.wasKilled)
	job := store.get(id)
	if job.Status != entity.StatusPending {
		t.Fatalf("expected pending after shutdown, got %s", job.Status)
	}
	if job.ErrorMessage == "" {
		t.Fatal("expected an explanatory message on the requeued job")
	}
}

// ---- remote dispatch ----

type fakeDispatcher struct {
	mu          sync.Mutex
	statuses    map[string]protocol.WorkerStatus
	result      protocol.JobCompleteResult
	executed    []string
	lastReq     protocol.ExecuteJobRequest
	execBlock   chan struct{} // Execute blocks until closed
	statusBlock chan struct{} // Status blocks until closed
	statusCalls int
	cancelCalls []string
	cancelErr   error
}

func (d *fakeDispatcher) Execute(ctx context.Context, baseURL string, req protocol.ExecuteJobRequest) (protocol.JobCompleteResult, error) {
	d.mu.Lock()
	d.executed = append(d.executed, baseURL)
	d.lastReq = req
	block := d.execBlock
	result := d.result
	d.mu.Unlock()
	if block != nil {
		<-block
	}
	return result, nil
}

func (d *fakeDispatcher) Cancel(ctx context.Context, baseURL, jobID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelCalls = append(d.cancelCalls, jobID)
	if d.cancelErr != nil {
		return false, d.cancelErr
	}
	return true, nil
}

func (d *fakeDispatcher) Status(ctx context.Context, baseURL string) (protocol.WorkerStatus, error) {
	d.mu.Lock()
	d.statusCalls++
	block := d.statusBlock
	status := d.statuses[baseURL]
	d.mu.Unlock()
	if block != nil {
		<-block
	}
	return status, nil
}

func (d *fakeDispatcher) executeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.executed)
}

func TestDispatch_FirstIdleFollowerWins(t *testing.T) {
	store := newFakeStore()
	id := store.addJob(entity.StatusPending, "remote")

	dispatcher := &fakeDispatcher{
		statuses: map[string]protocol.WorkerStatus{
			"http://w1": {WorkerID: "w1", Busy: true},
			"http://w2": {WorkerID: "w2", Busy: false},
		},
		result: protocol.JobCompleteResult{Success: true, TotalFrames: 777},
	}

	s := scheduler.New(store, &fakeRunner{}, &countingSink{}, &recordingNotifier{}, dispatcher, scheduler.Config{
		PollInterval: 10 * time.Millisecond,
		FollowerURLs: []string{"http://w1", "http://w2"},
	})
	defer s.Stop(context.Background())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, "remote job to complete", func() bool {
		return store.get(id).Status == entity.StatusCompleted
	})

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	if len(dispatcher.executed) != 1 || dispatcher.executed[0] != "http://w2" {
		t.Fatalf("expected dispatch to the first idle follower, got %v", dispatcher.executed)
	}
	if dispatcher.lastReq.JobID != id.String() {
		t.Fatalf("expected job id %s in the envelope, got %s", id, dispatcher.lastReq.JobID)
	}
	if store.get(id).TotalFrames != 777 {
		t.Fatalf("expected frames from the follower result, got %d", store.get(id).TotalFrames)
	}
}

func TestDispatch_AllBusyRunsLocally(t *testing.T) {
	store := newFakeStore()
	id := store.addJob(entity.StatusPending, "local-fallback")

	dispatcher := &fakeDispatcher{
		statuses: map[string]protocol.WorkerStatus{
			"http://w1": {WorkerID: "w1", Busy: true},
		},
	}
	runner := &fakeRunner{execs: []*fakeExec{{outcome: ffmpeg.Failure{Message: "boom"}}}}

	s := scheduler.New(store, runner, &countingSink{}, &recordingNotifier{}, dispatcher, scheduler.Config{
		PollInterval: 10 * time.Millisecond,
		FollowerURLs: []string{"http://w1"},
	})
	defer s.Stop(context.Background())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, "local fallback to run", func() bool { return runner.startCalls() == 1 })
	waitFor(t, "local run to resolve", func() bool {
		return store.get(id).Status == entity.StatusFailed
	})
	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	if len(dispatcher.executed) != 0 {
		t.Fatalf("expected no remote dispatch, got %v", dispatcher.executed)
	}
}

func TestDispatch_CancelDuringRemoteRunStaysCancelled(t *testing.T) {
	store := newFakeStore()
	id := store.addJob(entity.StatusPending, "remote-cancel")

	// Remote cancel delivery fails, and the follower finishes the encode
	// anyway and reports success.
	dispatcher := &fakeDispatcher{
		statuses:  map[string]protocol.WorkerStatus{"http://w1": {WorkerID: "w1"}},
		result:    protocol.JobCompleteResult{Success: true, TotalFrames: 500},
		execBlock: make(chan struct{}),
		cancelErr: errors.New("follower unreachable"),
	}

	s := scheduler.New(store, &fakeRunner{}, &countingSink{}, &recordingNotifier{}, dispatcher, scheduler.Config{
		PollInterval: 10 * time.Millisecond,
		FollowerURLs: []string{"http://w1"},
	})
	defer s.Stop(context.Background())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "job to reach the follower", func() bool { return dispatcher.executeCount() == 1 })

	if err := s.CancelJob(context.Background(), id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := store.get(id).Status; got != entity.StatusCancelled {
		t.Fatalf("expected cancelled after cancel, got %s", got)
	}

	close(dispatcher.execBlock)

	// The success result arriving afterwards must not overwrite the
	// terminal row.
	time.Sleep(100 * time.Millisecond)
	job := store.get(id)
	if job.Status != entity.StatusCancelled {
		t.Fatalf("terminal status must be one-way, cancelled was overwritten with %s", job.Status)
	}
	if job.TotalFrames != 0 {
		t.Fatalf("frames from the stale result must not land, got %d", job.TotalFrames)
	}
}

func TestDispatch_CancelBeforeDispatchNeverExecutes(t *testing.T) {
	store := newFakeStore()
	id := store.addJob(entity.StatusPending, "pre-dispatch-cancel")

	dispatcher := &fakeDispatcher{
		statuses:    map[string]protocol.WorkerStatus{"http://w1": {WorkerID: "w1"}},
		statusBlock: make(chan struct{}),
	}

	s := scheduler.New(store, &fakeRunner{}, &countingSink{}, &recordingNotifier{}, dispatcher, scheduler.Config{
		PollInterval: 10 * time.Millisecond,
		FollowerURLs: []string{"http://w1"},
	})
	defer s.Stop(context.Background())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "follower status poll", func() bool {
		dispatcher.mu.Lock()
		defer dispatcher.mu.Unlock()
		return dispatcher.statusCalls >= 1
	})

	// Cancel lands while the scheduler is still picking a follower.
	if err := s.CancelJob(context.Background(), id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	close(dispatcher.statusBlock)

	time.Sleep(100 * time.Millisecond)
	if got := dispatcher.executeCount(); got != 0 {
		t.Fatalf("expected no dispatch for a cancelled job, got %d", got)
	}
	if got := store.get(id).Status; got != entity.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got)
	}
}
