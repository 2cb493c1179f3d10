package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/SeriousBug/frame-shift-video-sub001/internal/entity"
)

// DefaultKillGrace is how long a terminated process gets to exit on SIGTERM
// before it is force-killed.
const DefaultKillGrace = 5 * time.Second

// Runner spawns ffmpeg processes. Zero values fall back to binaries on PATH
// and the default kill grace window.
type Runner struct {
	FFmpegPath  string
	FFprobePath string
	KillGrace   time.Duration
}

// RunSpec describes one execution. Args is the complete, already-built
// argument list; the runner's only rewrite is swapping OutputPath for the
// staging path so a partial file never lands at the final location.
type RunSpec struct {
	Args       []string
	InputPath  string
	OutputPath string
	Timeout    time.Duration
}

func (r *Runner) ffmpegPath() string {
	if r.FFmpegPath != "" {
		return r.FFmpegPath
	}
	return "ffmpeg"
}

func (r *Runner) ffprobePath() string {
	if r.FFprobePath != "" {
		return r.FFprobePath
	}
	return "ffprobe"
}

func (r *Runner) killGrace() time.Duration {
	if r.KillGrace > 0 {
		return r.KillGrace
	}
	return DefaultKillGrace
}

// TempOutputPath is the staging path an execution writes to until the
// caller renames it over the final path.
func TempOutputPath(finalPath string) string {
	dir, base := filepath.Split(finalPath)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)
	return filepath.Join(dir, name+".tmp"+ext)
}

// Execution is one running ffmpeg process. Wait consumes it; Kill may be
// called concurrently from any goroutine, any number of times.
type Execution struct {
	cmd       *exec.Cmd
	tempPath  string
	duration  time.Duration // 0 means the probe failed; percent stays unknown
	timeout   time.Duration
	grace     time.Duration
	stderrBuf *bytes.Buffer
	events    chan entity.ProgressSample
	waitErr   chan error

	mu       sync.Mutex
	finished bool
	killed   bool
	timedOut bool
	timer    *time.Timer
}

// Start probes the input duration, rewrites the output argument to the
// staging path, and spawns the process. A returned error means the process
// never started (spawn failure, no exit code).
func (r *Runner) Start(ctx context.Context, spec RunSpec) (*Execution, error) {
	duration, err := r.Probe(ctx, spec.InputPath)
	if err != nil {
		// No duration means no percentage, never a guessed one.
		log.Printf("[ffmpeg] input=%s probe_failed=%v", spec.InputPath, err)
		duration = 0
	}

	tempPath := TempOutputPath(spec.OutputPath)
	args := make([]string, len(spec.Args))
	for i, a := range spec.Args {
		if a == spec.OutputPath {
			a = tempPath
		}
		args[i] = a
	}

	cmd := exec.Command(r.ffmpegPath(), args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	e := &Execution{
		cmd:       cmd,
		tempPath:  tempPath,
		duration:  duration,
		timeout:   spec.Timeout,
		grace:     r.killGrace(),
		stderrBuf: &bytes.Buffer{},
		events:    make(chan entity.ProgressSample, 16),
		waitErr:   make(chan error, 1),
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		e.readStream(stdout, nil)
	}()
	go func() {
		defer readers.Done()
		e.readStream(stderr, e.stderrBuf)
	}()
	go func() {
		readers.Wait()
		close(e.events)
		err := cmd.Wait()
		// Mark finished as soon as the process is gone so a timeout firing
		// after a clean exit cannot relabel the run.
		e.mu.Lock()
		e.finished = true
		timer := e.timer
		e.mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		e.waitErr <- err
	}()

	if e.timeout > 0 {
		e.mu.Lock()
		e.timer = time.AfterFunc(e.timeout, func() { e.kill(true) })
		e.mu.Unlock()
	}
	return e, nil
}

// readStream pumps one pipe through the progress parser, also mirroring
// stderr into the diagnostic buffer.
func (e *Execution) readStream(pipe io.Reader, capture *bytes.Buffer) {
	parser := newProgressParser()
	buf := make([]byte, 4096)
	for {
		n, err := pipe.Read(buf)
		if n > 0 {
			if capture != nil {
				capture.Write(buf[:n])
			}
			for _, s := range parser.Feed(buf[:n]) {
				s.Percent = e.percent(s.OutTime)
				e.events <- s
			}
		}
		if err != nil {
			return
		}
	}
}

func (e *Execution) percent(outTime time.Duration) float64 {
	if e.duration <= 0 {
		return entity.ProgressUnknown
	}
	pct := float64(outTime) / float64(e.duration) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// Kill requests termination: SIGTERM first, SIGKILL after the grace window.
// It is a no-op on an execution that already stopped.
func (e *Execution) Kill() {
	e.kill(false)
}

func (e *Execution) kill(timedOut bool) {
	e.mu.Lock()
	if e.finished || e.killed {
		e.mu.Unlock()
		return
	}
	e.killed = true
	e.timedOut = timedOut
	proc := e.cmd.Process
	e.mu.Unlock()

	if proc == nil {
		return
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return
	}
	grace := e.grace
	go func() {
		time.Sleep(grace)
		e.mu.Lock()
		done := e.finished
		e.mu.Unlock()
		if !done {
			_ = proc.Kill()
		}
	}()
}

// Wait streams progress samples into onProgress and blocks until the
// process exits, then resolves the terminal outcome. Samples may arrive
// out of frame order; the maximum frame seen wins for final statistics.
func (e *Execution) Wait(onProgress func(entity.ProgressSample)) Outcome {
	var maxFrame int64
	var last *entity.ProgressSample
	for s := range e.events {
		if s.Frame > maxFrame {
			maxFrame = s.Frame
		}
		sample := s
		last = &sample
		if onProgress != nil {
			onProgress(s)
		}
	}

	err := <-e.waitErr

	e.mu.Lock()
	killed, timedOut := e.killed, e.timedOut
	e.mu.Unlock()

	stderr := e.stderrBuf.String()
	// A kill or timeout flag raised after a clean exit does not change the
	// outcome; the process already finished its work.
	switch {
	case timedOut && err != nil:
		return Failure{
			Message:    fmt.Sprintf("transcode timed out after %s", e.timeout),
			ExitCode:   exitCode(err),
			TimedOut:   true,
			Stderr:     stderr,
			LastSample: last,
		}
	case killed && err != nil:
		return Failure{
			Message:    "transcode cancelled",
			ExitCode:   exitCode(err),
			Cancelled:  true,
			Stderr:     stderr,
			LastSample: last,
		}
	case err != nil:
		return Failure{
			Message:    fmt.Sprintf("ffmpeg exited with code %d", exitCode(err)),
			ExitCode:   exitCode(err),
			Stderr:     stderr,
			LastSample: last,
		}
	default:
		return Success{
			TempPath:    e.tempPath,
			TotalFrames: maxFrame,
			Stderr:      stderr,
		}
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
