// Package octoprint talks to OctoPrint-compatible printer backends over
// their REST surface, and declares the contract for the live event stream
// consumed by observers. The stream protocol itself is provided by the
// embedding application.
package octoprint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/okkerhart/printwatch/internal/types"

	"go.uber.org/zap"
)

// StatusError is a non-2xx backend response. The numeric code is preserved
// for the caller; 409 means the printer is not in the right state for the
// command and callers may want to message it differently.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned status %d", e.Code)
}

// Conflict reports whether the printer rejected the command because of its
// current state.
func (e *StatusError) Conflict() bool {
	return e.Code == http.StatusConflict
}

// StreamEvent is one item on a stream client's event channel: either a
// state snapshot, or a drop marker while the client reconnects underneath.
type StreamEvent struct {
	Snapshot *types.PrinterStateSnapshot
	Dropped  bool
}

// StreamClient is the live event stream for one printer connection. The
// concrete implementation handles its own reconnects; observers see a
// Dropped event while that happens and the channel closing only when the
// client is closed for good.
type StreamClient interface {
	Connect(ctx context.Context) error
	Events() <-chan StreamEvent
	Close() error
}

// StreamDialer opens a stream client for an endpoint.
type StreamDialer func(endpoint types.PrinterEndpoint) (StreamClient, error)

// CommandClient is the REST command surface of a printer backend.
type CommandClient interface {
	CurrentJob(ctx context.Context) (*types.PrinterStateSnapshot, error)
	PauseJob(ctx context.Context) error
	ResumeJob(ctx context.Context) error
	CancelJob(ctx context.Context) error
	Snapshot(ctx context.Context, url string) ([]byte, error)
}

// RESTClient implements CommandClient with direct HTTP calls. Used both for
// normal foreground requests and, with a short timeout, as the companion's
// fallback path when the peer channel is down.
type RESTClient struct {
	endpoint   types.PrinterEndpoint
	httpClient *http.Client
	logger     *zap.Logger
}

// NewRESTClient creates a client for one endpoint with the given timeout.
func NewRESTClient(endpoint types.PrinterEndpoint, timeout time.Duration, logger *zap.Logger) *RESTClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RESTClient{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With(zap.String("component", "octoprint_client"), zap.String("printer", endpoint.Name)),
	}
}

// jobResponse mirrors the backend's GET /api/job shape. Progress fields are
// pointers: the backend reports null while no job is active.
type jobResponse struct {
	State    string `json:"state"`
	Progress struct {
		Completion    *float64 `json:"completion"`
		PrintTime     *int     `json:"printTime"`
		PrintTimeLeft *int     `json:"printTimeLeft"`
	} `json:"progress"`
	Job struct {
		File struct {
			Name string `json:"name"`
		} `json:"file"`
	} `json:"job"`
}

// CurrentJob fetches the active job status and normalizes it into a snapshot.
func (c *RESTClient) CurrentJob(ctx context.Context) (*types.PrinterStateSnapshot, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/job", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch job status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode}
	}

	var job jobResponse
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, fmt.Errorf("failed to decode job status: %w", err)
	}

	return &types.PrinterStateSnapshot{
		PrinterID:        c.endpoint.ID,
		Status:           job.State,
		Completion:       job.Progress.Completion,
		ElapsedSeconds:   job.Progress.PrintTime,
		RemainingSeconds: job.Progress.PrintTimeLeft,
		FileName:         job.Job.File.Name,
	}, nil
}

// PauseJob pauses the active job.
func (c *RESTClient) PauseJob(ctx context.Context) error {
	return c.postJobCommand(ctx, map[string]string{"command": "pause", "action": "pause"})
}

// ResumeJob resumes a paused job.
func (c *RESTClient) ResumeJob(ctx context.Context) error {
	return c.postJobCommand(ctx, map[string]string{"command": "pause", "action": "resume"})
}

// CancelJob cancels the active job.
func (c *RESTClient) CancelJob(ctx context.Context) error {
	return c.postJobCommand(ctx, map[string]string{"command": "cancel"})
}

func (c *RESTClient) postJobCommand(ctx context.Context, command map[string]string) error {
	payload, err := json.Marshal(command)
	if err != nil {
		return fmt.Errorf("failed to marshal job command: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/job", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send job command: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode}
	}

	return nil
}

// Snapshot fetches one camera frame from the given URL. Authentication
// headers are attached only when the URL points at the printer's own host.
func (c *RESTClient) Snapshot(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build snapshot request: %w", err)
	}
	if strings.HasPrefix(url, c.endpoint.URL) {
		c.applyAuth(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode}
	}

	frame, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	return frame, nil
}

func (c *RESTClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	url := strings.TrimRight(c.endpoint.URL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	c.applyAuth(req)
	return req, nil
}

func (c *RESTClient) applyAuth(req *http.Request) {
	if c.endpoint.APIKey != "" {
		req.Header.Set("X-Api-Key", c.endpoint.APIKey)
	}
	if c.endpoint.Auth != nil {
		req.SetBasicAuth(c.endpoint.Auth.Username, c.endpoint.Auth.Password)
	}
}

// IsStreamingURL reports whether a camera URL is a segmented live-stream
// format that constrained companion devices cannot decode.
func IsStreamingURL(url string) bool {
	lower := strings.ToLower(url)
	return strings.Contains(lower, ".m3u8") || strings.Contains(lower, "/hls/")
}
