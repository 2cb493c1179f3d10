// Package worker runs jobs on behalf of a remote leader. It keeps the same
// single-flight discipline as the scheduler, but jobs arrive over HTTP
// instead of a poll loop, and results travel back as the response to the
// dispatch call.
package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/SeriousBug/frame-shift-video-sub001/internal/entity"
	"github.com/SeriousBug/frame-shift-video-sub001/internal/ffmpeg"
	"github.com/SeriousBug/frame-shift-video-sub001/internal/protocol"
)

// Reporter delivers progress updates to the leader. Delivery failures are
// logged and swallowed; telemetry is not part of the correctness contract.
type Reporter interface {
	ReportProgress(ctx context.Context, update protocol.JobProgressUpdate) error
}

type Runner interface {
	Start(ctx context.Context, spec ffmpeg.RunSpec) (Execution, error)
}

type Execution interface {
	Wait(onProgress func(entity.ProgressSample)) ffmpeg.Outcome
	Kill()
}

type processRunner struct {
	r *ffmpeg.Runner
}

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

type activeJob struct {
	req        protocol.ExecuteJobRequest
	exec       Execution
	cancelled  bool
	startedAt  time.Time
	lastSample entity.ProgressSample
}

type Executor struct {
	runner   Runner
	reporter Reporter // nil when no leader is configured
	workerID string
	timeout  time.Duration

	mu     sync.Mutex
	active map[string]*activeJob
}

func NewExecutor(runner Runner, reporter Reporter, workerID string, timeout time.Duration) *Executor {
	return &Executor{
		runner:   runner,
		reporter: reporter,
		workerID: workerID,
		timeout:  timeout,
		active:   map[string]*activeJob{},
	}
}

// ExecuteJob runs one job to completion and returns its terminal result. A
// second job while one is running is refused; the in-memory registry is the
// only record and is discarded unconditionally when execution ends.
func (e *Executor) ExecuteJob(ctx context.Context, req protocol.ExecuteJobRequest) protocol.JobCompleteResult {
	e.mu.Lock()
	if len(e.active) > 0 {
		e.mu.Unlock()
		return protocol.JobCompleteResult{
			JobID:        req.JobID,
			ErrorMessage: "worker is busy with another job",
		}
	}
	aj := &activeJob{req: req, startedAt: time.Now()}
	e.active[req.JobID] = aj
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.active, req.JobID)
		e.mu.Unlock()
	}()

	log.Printf("[worker] job_id=%s name=%q started", req.JobID, req.JobName)

	exec, err := e.runner.Start(ctx, ffmpeg.RunSpec{
		Args:       req.Command,
		InputPath:  req.InputFile,
		OutputPath: req.OutputFile,
		Timeout:    e.timeout,
	})
	if err != nil {
		return protocol.JobCompleteResult{
			JobID:        req.JobID,
			ErrorMessage: fmt.Sprintf("could not start transcode: %v", err),
		}
	}

	e.mu.Lock()
	aj.exec = exec
	cancelledEarly := aj.cancelled
	e.mu.Unlock()
	if cancelledEarly {
		exec.Kill()
	}

	outcome := exec.Wait(func(sample entity.ProgressSample) {
		e.mu.Lock()
		aj.lastSample = sample
		started := aj.startedAt
		e.mu.Unlock()
		e.report(ctx, req.JobID, sample, started)
	})

	switch o := outcome.(type) {
	case ffmpeg.Success:
		if err := os.Rename(o.TempPath, req.OutputFile); err != nil {
			_ = os.Remove(o.TempPath)
			return protocol.JobCompleteResult{
				JobID:        req.JobID,
				ErrorMessage: fmt.Sprintf("encode finished but moving output into place failed: %v", err),
				StderrTail:   ffmpeg.TailForStorage(o.Stderr),
			}
		}
		log.Printf("[worker] job_id=%s status=completed total_frames=%d", req.JobID, o.TotalFrames)
		return protocol.JobCompleteResult{
			JobID:       req.JobID,
			Success:     true,
			OutputFile:  req.OutputFile,
			TotalFrames: o.TotalFrames,
		}
	case ffmpeg.Failure:
		removeTemp(req.OutputFile)
		log.Printf("[worker] job_id=%s status=failed cancelled=%t error=%q", req.JobID, o.Cancelled, o.Message)
		return protocol.JobCompleteResult{
			JobID:        req.JobID,
			ErrorMessage: o.Message,
			StderrTail:   ffmpeg.TailForStorage(o.Stderr),
		}
	default:
		return protocol.JobCompleteResult{
			JobID:        req.JobID,
			ErrorMessage: "internal error: unknown outcome",
		}
	}
}

func (e *Executor) report(ctx context.Context, jobID string, sample entity.ProgressSample, started time.Time) {
	if e.reporter == nil {
		return
	}
	update := protocol.JobProgressUpdate{
		JobID:    jobID,
		Progress: sample.Percent,
		Frame:    sample.Frame,
		FPS:      sample.FPS,
		Speed:    sample.Speed,
	}
	if sample.Percent > 0 {
		elapsed := time.Since(started)
		remaining := time.Duration(float64(elapsed) * (100 - sample.Percent) / sample.Percent)
		update.ETA = remaining.Round(time.Second).String()
	}
	if err := e.reporter.ReportProgress(ctx, update); err != nil {
		log.Printf("[worker] job_id=%s progress_report_error=%v", jobID, err)
	}
}

func removeTemp(outputFile string) {
	temp := ffmpeg.TempOutputPath(outputFile)
	if err := os.Remove(temp); err != nil && !os.IsNotExist(err) {
		log.Printf("[worker] temp=%s cleanup_error=%v", temp, err)
	}
}

// CancelJob kills a matching active job and reports whether one was found.
func (e *Executor) CancelJob(jobID string) bool {
	e.mu.Lock()
	aj, ok := e.active[jobID]
	if !ok {
		e.mu.Unlock()
		return false
	}
	aj.cancelled = true
	exec := aj.exec
	delete(e.active, jobID)
	e.mu.Unlock()

	if exec != nil {
		exec.Kill()
	}
	log.Printf("[worker] job_id=%s cancelled", jobID)
	return true
}

// Shutdown kills whatever is running so in-flight execute calls resolve as
// cancellations and the HTTP server can drain.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	var execs []Execution
	for _, aj := range e.active {
		aj.cancelled = true
		if aj.exec != nil {
			execs = append(execs, aj.exec)
		}
	}
	e.mu.Unlock()
	for _, exec := range execs {
		exec.Kill()
	}
}

// Status reports busy/idle and the latest sample per active job, for the
// leader's health polling.
func (e *Executor) Status() protocol.WorkerStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	status := protocol.WorkerStatus{
		WorkerID:   e.workerID,
		Busy:       len(e.active) > 0,
		ActiveJobs: []protocol.ActiveJobStatus{},
	}
	for id, aj := range e.active {
		status.ActiveJobs = append(status.ActiveJobs, protocol.ActiveJobStatus{
			JobID:    id,
			JobName:  aj.req.JobName,
			Progress: aj.lastSample.Percent,
			Frame:    aj.lastSample.Frame,
			FPS:      aj.lastSample.FPS,
			Speed:    aj.lastSample.Speed,
		})
	}
	return status
}
