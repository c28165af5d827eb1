package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/animus-labs/adpipe/internal/domain"
	"github.com/animus-labs/adpipe/internal/upstream"
)

const serviceName = "genai"

// Request is one generative call: a text prompt and an optional image.
type Request struct {
	Prompt   string
	ImageURL string
}

// Analyzer returns the model's text reply, expected to hold JSON.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (string, error)
}

type Config struct {
	Endpoint string
	Model    string
	Timeout  time.Duration
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("genai endpoint is required")
	}
	if strings.TrimSpace(c.Model) == "" {
		return errors.New("genai model is required")
	}
	return nil
}

// Client calls a JSON generate endpoint:
// POST {endpoint}/v1/models/{model}:generate.
type Client struct {
	endpoint string
	model    string
	http     *http.Client
}

func NewClient(cfg Config, httpClient *http.Client) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		endpoint: strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/"),
		model:    strings.TrimSpace(cfg.Model),
		http:     httpClient,
	}, nil
}

type generateRequest struct {
	Prompt           string `json:"prompt"`
	ImageURL         string `json:"imageUrl,omitempty"`
	ResponseMimeType string `json:"responseMimeType"`
}

type generateResponse struct {
	Text string `json:"text"`
}

func (c *Client) Analyze(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(generateRequest{
		Prompt:           req.Prompt,
		ImageURL:         strings.TrimSpace(req.ImageURL),
		ResponseMimeType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("marshal generate request: %w", err)
	}
	url := fmt.Sprintf("%s/v1/models/%s:generate", c.endpoint, c.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build generate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", upstream.FromTransport(serviceName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", upstream.FromResponse(serviceName, resp)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", upstream.FromTransport(serviceName, err)
	}
	var out generateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", upstream.InvalidResponse(serviceName, string(raw), err)
	}
	if strings.TrimSpace(out.Text) == "" {
		return "", upstream.InvalidResponse(serviceName, string(raw), errors.New("empty text"))
	}
	return out.Text, nil
}

// StripFences removes a surrounding markdown code fence, with or without a
// language tag.
func StripFences(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// Decode parses a model reply into v. Malformed output is a response format
// error carrying the raw text.
func Decode(text string, v any) error {
	if err := json.Unmarshal([]byte(StripFences(text)), v); err != nil {
		return &domain.Error{
			Kind: domain.KindResponseFormat,
			Hint: upstream.Hint(domain.KindResponseFormat),
			Raw:  text,
			Err:  fmt.Errorf("decode model reply: %w", err),
		}
	}
	return nil
}

var _ Analyzer = (*Client)(nil)
