package genai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/animus-labs/adpipe/internal/domain"
	"github.com/animus-labs/adpipe/internal/upstream"
)

func TestStripFences(t *testing.T) {
	cases := map[string]string{
		"```json\n{\"a\":1}\n```": `{"a":1}`,
		"```\n{\"a\":1}\n```":     `{"a":1}`,
		"  {\"a\":1}  ":           `{"a":1}`,
		"```json{\"a\":1}```":     `{"a":1}`,
	}
	for in, want := range cases {
		if got := StripFences(in); got != want {
			t.Fatalf("StripFences(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDecodeMalformedKeepsRaw(t *testing.T) {
	var v map[string]any
	err := Decode("Sure! Here is the JSON you asked for", &v)
	if !errors.Is(err, domain.ErrResponseFormat) {
		t.Fatalf("expected response format error, got %v", err)
	}
	var de *domain.Error
	if !errors.As(err, &de) || de.Raw != "Sure! Here is the JSON you asked for" {
		t.Fatalf("expected raw output on error, got %+v", de)
	}
}

func TestClientAnalyze(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models/gemini-pro:generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(generateResponse{Text: "```json\n{\"usps\":[\"30-hour battery\"]}\n```"})
	}))
	defer srv.Close()

	c, err := NewClient(Config{Endpoint: srv.URL, Model: "gemini-pro"}, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	text, err := c.Analyze(context.Background(), Request{Prompt: "analyze", ImageURL: "https://cdn.example.com/logo.png"})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if got.ImageURL != "https://cdn.example.com/logo.png" || got.ResponseMimeType != "application/json" {
		t.Fatalf("unexpected request: %+v", got)
	}
	var out domain.USPAnalysis
	if err := Decode(text, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.USPs) != 1 || out.USPs[0] != "30-hour battery" {
		t.Fatalf("unexpected usps: %#v", out.USPs)
	}
}

func TestClientAnalyzeClassifiesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c, err := NewClient(Config{Endpoint: srv.URL, Model: "missing"}, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = c.Analyze(context.Background(), Request{Prompt: "x"})
	if !errors.Is(upstream.Classify(err), domain.ErrUpstreamNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestClientAnalyzeInvalidEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<html>oops</html>`)
	}))
	defer srv.Close()

	c, _ := NewClient(Config{Endpoint: srv.URL, Model: "m"}, srv.Client())
	_, err := c.Analyze(context.Background(), Request{Prompt: "x"})
	if !errors.Is(upstream.Classify(err), domain.ErrResponseFormat) {
		t.Fatalf("expected response format, got %v", err)
	}
}
