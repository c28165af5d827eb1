package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/animus-labs/adpipe/internal/domain"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 2}
}

func TestKindForStatus(t *testing.T) {
	cases := []struct {
		status int
		kind   domain.ErrorKind
	}{
		{http.StatusUnauthorized, domain.KindUpstreamAuth},
		{http.StatusForbidden, domain.KindUpstreamAuth},
		{http.StatusNotFound, domain.KindUpstreamNotFound},
		{http.StatusTooManyRequests, domain.KindTransientNetwork},
		{http.StatusServiceUnavailable, domain.KindTransientNetwork},
		{http.StatusGatewayTimeout, domain.KindTransientNetwork},
		{http.StatusBadRequest, domain.KindUpstreamRejected},
		{http.StatusUnprocessableEntity, domain.KindUpstreamRejected},
	}
	for _, tc := range cases {
		if got := KindFor(CodeForStatus(tc.status)); got != tc.kind {
			t.Fatalf("status %d: expected %s, got %s", tc.status, tc.kind, got)
		}
	}
}

func TestClassifyKeepsRawBody(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusForbidden, Body: io.NopCloser(strings.NewReader(`{"error":"PERMISSION_DENIED"}`))}
	err := Classify(FromResponse("genai", resp))
	if !errors.Is(err, domain.ErrUpstreamAuth) {
		t.Fatalf("expected auth kind, got %v", err)
	}
	var de *domain.Error
	if !errors.As(err, &de) {
		t.Fatalf("expected *domain.Error, got %T", err)
	}
	if de.Raw != `{"error":"PERMISSION_DENIED"}` || de.Hint == "" {
		t.Fatalf("unexpected classified error: %+v", de)
	}
	var ue *Error
	if !errors.As(err, &ue) || ue.StatusCode != http.StatusForbidden {
		t.Fatalf("expected upstream error in chain")
	}
}

func TestClassifyPassThrough(t *testing.T) {
	if Classify(nil) != nil {
		t.Fatalf("expected nil")
	}
	if err := Classify(context.Canceled); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation to pass through, got %v", err)
	}
	already := domain.Errorf(domain.KindJobFailed, "boom")
	if err := Classify(already); err != error(already) {
		t.Fatalf("expected classified error unchanged")
	}
}

func TestFromTransport(t *testing.T) {
	if err := FromTransport("video", context.Canceled); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation unchanged, got %v", err)
	}
	var ue *Error
	if err := FromTransport("video", context.DeadlineExceeded); !errors.As(err, &ue) || ue.Code != CodeDeadline {
		t.Fatalf("expected deadline code, got %v", err)
	}
	if err := FromTransport("video", errors.New("connection reset")); !errors.As(err, &ue) || ue.Code != CodeUnavailable {
		t.Fatalf("expected unavailable code, got %v", err)
	}
}

func TestRetryRecoversFromTransientFailures(t *testing.T) {
	calls := 0
	retried := 0
	err := Retry(context.Background(), fastPolicy(4), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &Error{Service: "genai", Code: CodeUnavailable, StatusCode: 503}
		}
		return nil
	}, func(error, time.Duration) { retried++ })
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 || retried != 2 {
		t.Fatalf("expected 3 calls and 2 retries, got %d and %d", calls, retried)
	}
}

func TestRetryStopsOnPermanentFailure(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(5), func(ctx context.Context) error {
		calls++
		return &Error{Service: "genai", Code: CodeNotFound, StatusCode: 404}
	}, nil)
	if !errors.Is(err, domain.ErrUpstreamNotFound) {
		t.Fatalf("expected not found kind, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestRetryExhaustionIsTerminal(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		calls++
		return &Error{Service: "video", Code: CodeRateLimited, StatusCode: 429}
	}, nil)
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	var de *domain.Error
	if !errors.As(err, &de) || de.Kind != domain.KindTransientNetwork {
		t.Fatalf("expected transient kind, got %v", err)
	}
	if !strings.Contains(de.Hint, "gave up after 3 attempts") {
		t.Fatalf("unexpected hint %q", de.Hint)
	}
}

func TestRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	policy := RetryPolicy{MaxAttempts: 10, InitialInterval: time.Hour, MaxInterval: time.Hour, Multiplier: 1}
	err := Retry(ctx, policy, func(ctx context.Context) error {
		calls++
		cancel()
		return &Error{Service: "video", Code: CodeUnavailable}
	}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}
}

func TestRetryPolicyValidate(t *testing.T) {
	if err := DefaultRetryPolicy().Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
	if err := (RetryPolicy{}).Validate(); err == nil {
		t.Fatalf("expected zero policy to be invalid")
	}
}

func TestNewHTTPClientStaticToken(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewHTTPClient(context.Background(), AuthConfig{StaticToken: "tok-123"}, 5*time.Second)
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if got != "Bearer tok-123" {
		t.Fatalf("expected bearer header, got %q", got)
	}
}

func TestNewHTTPClientClientCredentials(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"access_token":"cc-token","token_type":"Bearer","expires_in":3600}`)
			return
		}
		got = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := AuthConfig{TokenURL: srv.URL + "/token", ClientID: "adpipe", ClientSecret: "secret"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	client := NewHTTPClient(context.Background(), cfg, 5*time.Second)
	resp, err := client.Get(srv.URL + "/v1/jobs")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if got != "Bearer cc-token" {
		t.Fatalf("expected client credentials token, got %q", got)
	}
}

func TestAuthConfigValidate(t *testing.T) {
	if err := (AuthConfig{TokenURL: "https://auth.example.com/token"}).Validate(); err == nil {
		t.Fatalf("expected missing client id to fail")
	}
}
