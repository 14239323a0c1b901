// -----------------------------------------------------------------------
// Remote Executor - HTTP client for the queue-based remote export backend
// -----------------------------------------------------------------------

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
)

// Remote job status vocabulary reported by the executor.
const (
	StatusInQueue         = "IN_QUEUE"
	StatusInProgress      = "IN_PROGRESS"
	StatusCompleted       = "COMPLETED"
	StatusFailed          = "FAILED"
	StatusCancelled       = "CANCELLED"
	StatusTimedOut        = "TIMED_OUT"
	StatusCancelRequested = "CANCEL_REQUESTED"
)

// RunInput identifies the staged work for one remote export.
type RunInput struct {
	JobID        string `json:"jobId"`
	PayloadRef   string `json:"payloadRef"`
	OutputPrefix string `json:"outputPrefix"`
}

// RunPolicy carries the remote-side execution budget and queue TTL.
type RunPolicy struct {
	ExecutionTimeout int64 `json:"executionTimeout"`
	TTL              int64 `json:"ttl"`
}

// RunRequest is the body of the /run submission.
type RunRequest struct {
	Input  RunInput  `json:"input"`
	Policy RunPolicy `json:"policy"`
}

// Job is the acknowledgement returned by /run.
type Job struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// StatusResponse is one /status poll result. Output is populated once the
// remote run completes; Error carries the remote failure descriptor.
type StatusResponse struct {
	ID     string                 `json:"id"`
	Status string                 `json:"status"`
	Output map[string]interface{} `json:"output,omitempty"`
	Error  interface{}            `json:"error,omitempty"`
}

// Executor submits export jobs to a remote runner and tracks them. The
// pipeline worker only depends on this interface; tests swap in stubs.
type Executor interface {
	Submit(ctx context.Context, req RunRequest) (Job, error)
	Status(ctx context.Context, remoteJobID string) (StatusResponse, error)
	Cancel(ctx context.Context, remoteJobID string) error
}

// Client is the HTTP Executor: POST <base>/<endpoint>/run,
// GET <base>/<endpoint>/status/<id>, POST <base>/<endpoint>/cancel/<id>,
// all bearer-authenticated JSON.
type Client struct {
	baseURL  string
	endpoint string
	apiKey   string
	http     *http.Client
	logger   arbor.ILogger
}

// NewClient builds the HTTP executor for the configured endpoint.
func NewClient(baseURL, endpoint, apiKey string, logger arbor.ILogger) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		endpoint: endpoint,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

// Submit enqueues a staged export on the remote runner.
func (c *Client) Submit(ctx context.Context, req RunRequest) (Job, error) {
	var job Job
	url := fmt.Sprintf("%s/%s/run", c.baseURL, c.endpoint)
	if err := c.do(ctx, http.MethodPost, url, req, &job); err != nil {
		return Job{}, fmt.Errorf("remote submit failed: %w", err)
	}
	return job, nil
}

// Status polls the remote job state.
func (c *Client) Status(ctx context.Context, remoteJobID string) (StatusResponse, error) {
	var status StatusResponse
	url := fmt.Sprintf("%s/%s/status/%s", c.baseURL, c.endpoint, remoteJobID)
	if err := c.do(ctx, http.MethodGet, url, nil, &status); err != nil {
		return StatusResponse{}, fmt.Errorf("remote status failed: %w", err)
	}
	return status, nil
}

// Cancel requests remote cancellation. Best effort: a failed cancel call
// is logged and swallowed, the poll loop stops locally either way.
func (c *Client) Cancel(ctx context.Context, remoteJobID string) error {
	url := fmt.Sprintf("%s/%s/cancel/%s", c.baseURL, c.endpoint, remoteJobID)
	var ack map[string]interface{}
	if err := c.do(ctx, http.MethodPost, url, nil, &ack); err != nil {
		c.logger.Warn().
			Str("remote_job_id", remoteJobID).
			Str("error", err.Error()).
			Msg("Remote cancel call failed, treating as cancel-requested")
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, url string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed encoding request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed reading response from %s: %w", url, err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s returned %d: %s", method, url, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed decoding response from %s: %w", url, err)
	}
	return nil
}

// IsTerminal reports whether a remote status ends the poll loop.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// StatusMessage maps a remote status onto the human-readable heartbeat
// text shown on the job's event stream.
func StatusMessage(status string) string {
	switch status {
	case StatusInQueue:
		return "Remote queued"
	case StatusInProgress:
		return "Remote running"
	case StatusCompleted:
		return "Remote completed"
	case StatusFailed:
		return "Remote failed"
	case StatusCancelled:
		return "Remote cancelled"
	case StatusTimedOut:
		return "Remote timed out"
	default:
		return "Remote status: " + status
	}
}
