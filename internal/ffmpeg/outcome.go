package ffmpeg

import (
	"strings"

	"github.com/SeriousBug/frame-shift-video-sub001/internal/entity"
)

// Outcome is the terminal result of one execution. It is a closed union:
// callers type-switch on Success vs Failure and the compiler keeps them
// honest about handling both.
type Outcome interface {
	outcome()
}

// Success means the process exited 0 and the encoded artifact sits at
// TempPath, waiting for the caller to rename it into place.
type Success struct {
	TempPath    string
	TotalFrames int64
	Stderr      string
}

// Failure carries everything a caller needs to store a useful error.
// ExitCode is -1 when the process never started. Cancelled and TimedOut
// distinguish deliberate termination from a genuinely failed encode.
type Failure struct {
	Message    string
	ExitCode   int
	Cancelled  bool
	TimedOut   bool
	Stderr     string
	LastSample *entity.ProgressSample
}

func (Success) outcome() {}
func (Failure) outcome() {}

const (
	tailMaxLines = 5
	tailMaxChars = 1000
)

// TailForStorage reduces a raw diagnostic stream to the bounded tail that
// gets persisted with a failed job.
func TailForStorage(stderr string) string {
	stderr = strings.TrimRight(stderr, "\r\n")
	if stderr == "" {
		return ""
	}

	lines := strings.FieldsFunc(stderr, func(r rune) bool {
		return r == '\n' || r == '\r'
	})
	if len(lines) > tailMaxLines {
		lines = lines[len(lines)-tailMaxLines:]
	}
	tail := strings.Join(lines, "\n")
	if len(tail) > tailMaxChars {
		tail = tail[len(tail)-tailMaxChars:]
	}
	return tail
}
