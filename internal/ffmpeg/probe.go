package ffmpeg

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Probe asks ffprobe for the total duration of the input. Probe failure is
// not fatal to an execution; it only disables percentage computation.
func (r *Runner) Probe(ctx context.Context, inputPath string) (time.Duration, error) {
	cmd := exec.CommandContext(ctx, r.ffprobePath(),
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		inputPath,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", inputPath, err)
	}

	raw := strings.TrimSpace(string(out))
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || secs <= 0 {
		return 0, fmt.Errorf("ffprobe %s: unusable duration %q", inputPath, raw)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
