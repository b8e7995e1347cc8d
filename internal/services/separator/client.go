package separator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultRequestTimeout = 30 * time.Second
	userAgent             = "stemd/0.1.0"
)

// State enumerates the remote job lifecycle as reported by the service.
type State string

const (
	StateQueued  State = "queued"
	StateRunning State = "running"
	StateDone    State = "done"
	StateError   State = "error"
)

// JobStatus is the result of polling a remote separation job.
type JobStatus struct {
	State State
	// Progress is the remote completion fraction in [0,1]; meaningful while
	// running.
	Progress float64
	// Message carries the remote error description when State is StateError.
	Message string
	// Artifacts maps stem names to download locations when State is StateDone.
	Artifacts map[string]string
}

// Client wraps the remote stem-separation HTTP API. Each call is synchronous;
// the overall job is driven by repeated short polls.
type Client struct {
	baseURL        string
	apiToken       string
	httpClient     *http.Client
	requestTimeout time.Duration
}

// Option customizes the separator client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithAPIToken sets the bearer token sent with every request.
func WithAPIToken(token string) Option {
	return func(c *Client) {
		c.apiToken = strings.TrimSpace(token)
	}
}

// WithRequestTimeout bounds poll requests. Upload and download stream payloads
// and are governed only by the caller's context.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.requestTimeout = timeout
		}
	}
}

// NewClient constructs a separation service client.
func NewClient(baseURL string, opts ...Option) *Client {
	client := &Client{
		baseURL:        strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient:     &http.Client{},
		requestTimeout: defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.httpClient == nil {
		client.httpClient = &http.Client{}
	}
	return client
}

type uploadResponse struct {
	ID string `json:"id"`
}

type pollResponse struct {
	State     string            `json:"state"`
	Progress  float64           `json:"progress"`
	Error     string            `json:"error"`
	Artifacts map[string]string `json:"artifacts"`
}

// Upload streams the source mix to the service and returns the opaque remote
// job reference. The source file is opened here; existence is a precondition.
func (c *Client) Upload(ctx context.Context, sourcePath string) (string, error) {
	if strings.TrimSpace(sourcePath) == "" {
		return "", errors.New("separator upload: source path required")
	}
	file, err := os.Open(sourcePath)
	if err != nil {
		return "", fmt.Errorf("separator upload: open source: %w", err)
	}
	defer file.Close()

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	go func() {
		part, err := writer.CreateFormFile("mix", filepath.Base(sourcePath))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, file); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(writer.Close())
	}()

	endpoint, err := url.JoinPath(c.baseURL, "/v1/jobs")
	if err != nil {
		return "", fmt.Errorf("separator upload: build url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		return "", fmt.Errorf("separator upload: request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	c.setCommonHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("separator upload: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("separator upload: read body: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("separator upload: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed uploadResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("separator upload: parse response: %w", err)
	}
	if strings.TrimSpace(parsed.ID) == "" {
		return "", errors.New("separator upload: service returned empty job reference")
	}
	return parsed.ID, nil
}

// Poll fetches the current state of a remote job.
func (c *Client) Poll(ctx context.Context, ref string) (JobStatus, error) {
	var empty JobStatus
	if strings.TrimSpace(ref) == "" {
		return empty, errors.New("separator poll: job reference required")
	}

	endpoint, err := url.JoinPath(c.baseURL, "/v1/jobs", ref)
	if err != nil {
		return empty, fmt.Errorf("separator poll: build url: %w", err)
	}

	pollCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(pollCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return empty, fmt.Errorf("separator poll: request: %w", err)
	}
	c.setCommonHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return empty, fmt.Errorf("separator poll: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return empty, fmt.Errorf("separator poll: read body: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return empty, fmt.Errorf("separator poll: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed pollResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return empty, fmt.Errorf("separator poll: parse response: %w", err)
	}

	status := JobStatus{
		Progress:  clampFraction(parsed.Progress),
		Message:   strings.TrimSpace(parsed.Error),
		Artifacts: parsed.Artifacts,
	}
	switch State(strings.ToLower(strings.TrimSpace(parsed.State))) {
	case StateQueued:
		status.State = StateQueued
	case StateRunning:
		status.State = StateRunning
	case StateDone:
		status.State = StateDone
	case StateError:
		status.State = StateError
	default:
		return empty, fmt.Errorf("separator poll: unknown state %q", parsed.State)
	}
	return status, nil
}

// Download streams an artifact location into dest, creating parent directories.
func (c *Client) Download(ctx context.Context, location, dest string) error {
	if strings.TrimSpace(location) == "" {
		return errors.New("separator download: artifact location required")
	}
	if strings.TrimSpace(dest) == "" {
		return errors.New("separator download: destination path required")
	}

	endpoint := location
	if !strings.Contains(location, "://") {
		joined, err := url.JoinPath(c.baseURL, location)
		if err != nil {
			return fmt.Errorf("separator download: build url: %w", err)
		}
		endpoint = joined
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("separator download: request: %w", err)
	}
	c.setCommonHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("separator download: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("separator download: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("separator download: ensure destination dir: %w", err)
	}
	tmp := dest + ".partial"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("separator download: create destination: %w", err)
	}

	if _, err := io.Copy(file, resp.Body); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("separator download: transfer: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("separator download: close destination: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("separator download: finalize destination: %w", err)
	}
	return nil
}

func (c *Client) setCommonHeaders(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}
}

func clampFraction(value float64) float64 {
	switch {
	case value < 0:
		return 0
	case value > 1:
		return 1
	default:
		return value
	}
}
