// Package protocol defines the wire messages exchanged between the leader
// and follower instances. These are transient envelopes, not stored state.
package protocol

// ExecuteJobRequest asks a follower to run one job. The command is the full
// ffmpeg argument list with paths already resolved; the follower does not
// build or inspect it.
type ExecuteJobRequest struct {
	JobID      string   `json:"job_id"`
	JobName    string   `json:"job_name"`
	InputFile  string   `json:"input_file"`
	OutputFile string   `json:"output_file"`
	Command    []string `json:"command"`
}

// JobProgressUpdate is a best-effort progress sample posted back to the
// leader while a follower is encoding. A lost update is superseded by the
// next one, so delivery is not part of the correctness contract.
type JobProgressUpdate struct {
	JobID    string  `json:"job_id"`
	Progress float64 `json:"progress"`
	Frame    int64   `json:"frame"`
	FPS      float64 `json:"fps"`
	Speed    float64 `json:"speed"`
	ETA      string  `json:"eta,omitempty"`
}

// JobCompleteResult is the synchronous response to an execute call; the HTTP
// response itself is the completion signal.
type JobCompleteResult struct {
	JobID        string `json:"job_id"`
	Success      bool   `json:"success"`
	OutputFile   string `json:"output_file,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	StderrTail   string `json:"stderr_tail,omitempty"`
	TotalFrames  int64  `json:"total_frames,omitempty"`
}

// CancelResponse reports whether a cancel request found a running job.
// A missing job is not a transport error.
type CancelResponse struct {
	Success   bool `json:"success"`
	Cancelled bool `json:"cancelled"`
}

// ActiveJobStatus is the latest known progress for one running job.
type ActiveJobStatus struct {
	JobID    string  `json:"job_id"`
	JobName  string  `json:"job_name"`
	Progress float64 `json:"progress"`
	Frame    int64   `json:"frame"`
	FPS      float64 `json:"fps"`
	Speed    float64 `json:"speed"`
}

// WorkerStatus is a follower's health snapshot.
type WorkerStatus struct {
	WorkerID   string            `json:"worker_id"`
	Busy       bool              `json:"busy"`
	ActiveJobs []ActiveJobStatus `json:"active_jobs"`
}
