package videoapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/animus-labs/adpipe/internal/domain"
	"github.com/animus-labs/adpipe/internal/upstream"
)

const serviceName = "video"

// maxVideoBytes caps a fetched render.
const maxVideoBytes = 512 << 20

type Config struct {
	Endpoint string
	Timeout  time.Duration
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("video api endpoint is required")
	}
	if _, err := url.Parse(c.Endpoint); err != nil {
		return fmt.Errorf("video api endpoint: %w", err)
	}
	return nil
}

// JobState is one status reply for a submitted job.
type JobState struct {
	Status    domain.JobStatus
	OutputURL string
	Raw       string
}

// Client speaks the render job protocol: POST /jobs, GET /jobs/{id}, then
// GET on the returned output URL.
type Client struct {
	endpoint string
	http     *http.Client
}

func NewClient(cfg Config, httpClient *http.Client) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{endpoint: strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/"), http: httpClient}, nil
}

type submitResponse struct {
	JobID string `json:"jobId"`
}

type statusResponse struct {
	Status    string `json:"status"`
	OutputURL string `json:"outputUrl"`
}

// Submit starts a render. A reply that yields no job id is a submission
// error.
func (c *Client) Submit(ctx context.Context, req domain.VideoRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal video request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/jobs", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build submit request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	raw, err := c.do(httpReq)
	if err != nil {
		return "", err
	}
	var out submitResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", &domain.Error{
			Kind: domain.KindJobSubmission,
			Hint: "the render API accepted the request but its reply was not a job descriptor",
			Raw:  string(raw),
			Err:  fmt.Errorf("decode submit response: %w", err),
		}
	}
	jobID := strings.TrimSpace(out.JobID)
	if jobID == "" {
		return "", &domain.Error{
			Kind: domain.KindJobSubmission,
			Hint: "the render API accepted the request but returned no job id",
			Raw:  string(raw),
			Err:  errors.New("submit response has no jobId"),
		}
	}
	return jobID, nil
}

func (c *Client) Status(ctx context.Context, jobID string) (JobState, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return JobState{}, fmt.Errorf("build status request: %w", err)
	}
	raw, err := c.do(httpReq)
	if err != nil {
		return JobState{}, err
	}
	var out statusResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return JobState{}, upstream.InvalidResponse(serviceName, string(raw), err)
	}
	return JobState{Status: ParseStatus(out.Status), OutputURL: strings.TrimSpace(out.OutputURL), Raw: string(raw)}, nil
}

// Fetch downloads the rendered output.
func (c *Client) Fetch(ctx context.Context, outputURL string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, outputURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build fetch request: %w", err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, upstream.FromTransport(serviceName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, upstream.FromResponse(serviceName, resp)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxVideoBytes+1))
	if err != nil {
		return nil, upstream.FromTransport(serviceName, err)
	}
	if len(body) > maxVideoBytes {
		return nil, fmt.Errorf("video output exceeds %d bytes", maxVideoBytes)
	}
	return body, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, upstream.FromTransport(serviceName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, upstream.FromResponse(serviceName, resp)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, upstream.FromTransport(serviceName, err)
	}
	return raw, nil
}

// ParseStatus maps the remote status vocabulary onto JobStatus. Unknown
// values count as still running.
func ParseStatus(s string) domain.JobStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SUCCEEDED", "SUCCESS", "DONE", "COMPLETED":
		return domain.JobStatusSucceeded
	case "FAILED", "ERROR", "CANCELLED", "CANCELED":
		return domain.JobStatusFailed
	case "SUBMITTED", "QUEUED":
		return domain.JobStatusSubmitted
	default:
		return domain.JobStatusRunning
	}
}
