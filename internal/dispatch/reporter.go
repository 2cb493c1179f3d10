package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/SeriousBug/frame-shift-video-sub001/internal/protocol"
)

// Reporter posts progress updates from a follower to the leader's ingest
// endpoint. Callers treat delivery as best-effort; the next sample
// supersedes a lost one.
type Reporter struct {
	leaderURL string
	secret    string
	workerID  string
	client    *http.Client
}

func NewReporter(leaderURL, secret, workerID string) *Reporter {
	return &Reporter{
		leaderURL: strings.TrimRight(leaderURL, "/"),
		secret:    secret,
		workerID:  workerID,
		client:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (r *Reporter) ReportProgress(ctx context.Context, update protocol.JobProgressUpdate) error {
	body, err := json.Marshal(update)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/api/jobs/%s/progress", r.leaderURL, update.JobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(protocol.HeaderSignature, protocol.Sign(r.secret, body))
	req.Header.Set(protocol.HeaderWorkerID, r.workerID)

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("progress ingest: status %d", resp.StatusCode)
	}
	return nil
}
