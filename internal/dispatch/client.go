// Package dispatch is the HTTP client side of the leader/follower protocol:
// the leader hands jobs to followers, followers stream progress back.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/SeriousBug/frame-shift-video-sub001/internal/protocol"
)

// Client issues signed calls against a follower. Execute deliberately has no
// client timeout: the HTTP response is the job's completion signal and an
// encode can run for hours. Cancellation flows through the context.
type Client struct {
	secret   string
	callerID string
	exec     *http.Client
	control  *http.Client
}

func NewClient(secret, callerID string) *Client {
	return &Client{
		secret:   secret,
		callerID: callerID,
		exec:     &http.Client{},
		control:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, hc *http.Client, method, url string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(protocol.HeaderSignature, protocol.Sign(c.secret, body))
	req.Header.Set(protocol.HeaderWorkerID, c.callerID)

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, url, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Execute sends a job to a follower and blocks until the follower returns
// its terminal result.
func (c *Client) Execute(ctx context.Context, baseURL string, req protocol.ExecuteJobRequest) (protocol.JobCompleteResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return protocol.JobCompleteResult{}, err
	}
	var result protocol.JobCompleteResult
	err = c.do(ctx, c.exec, http.MethodPost, strings.TrimRight(baseURL, "/")+"/worker/execute", body, &result)
	return result, err
}

// Cancel asks a follower to stop a job. The returned boolean says whether
// the follower actually had it running.
func (c *Client) Cancel(ctx context.Context, baseURL, jobID string) (bool, error) {
	var resp protocol.CancelResponse
	err := c.do(ctx, c.control, http.MethodPost,
		strings.TrimRight(baseURL, "/")+"/worker/cancel/"+jobID, []byte{}, &resp)
	if err != nil {
		return false, err
	}
	return resp.Cancelled, nil
}

// Status polls a follower's health snapshot.
func (c *Client) Status(ctx context.Context, baseURL string) (protocol.WorkerStatus, error) {
	var status protocol.WorkerStatus
	err := c.do(ctx, c.control, http.MethodGet, strings.TrimRight(baseURL, "/")+"/worker/status", nil, &status)
	return status, err
}
