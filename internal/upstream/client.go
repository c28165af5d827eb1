package upstream

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/animus-labs/adpipe/internal/platform/env"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// AuthConfig selects how outbound requests are authorized. A token URL
// enables the OAuth2 client-credentials flow; otherwise a static bearer
// token is used when present.
type AuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	StaticToken  string
}

func AuthConfigFromEnv() (AuthConfig, error) {
	cfg := AuthConfig{
		TokenURL:     strings.TrimSpace(env.String("ADPIPE_UPSTREAM_TOKEN_URL", "")),
		ClientID:     strings.TrimSpace(env.String("ADPIPE_UPSTREAM_CLIENT_ID", "")),
		ClientSecret: env.String("ADPIPE_UPSTREAM_CLIENT_SECRET", ""),
		Scopes:       env.List("ADPIPE_UPSTREAM_SCOPES", nil),
		StaticToken:  strings.TrimSpace(env.String("ADPIPE_UPSTREAM_TOKEN", "")),
	}
	if err := cfg.Validate(); err != nil {
		return AuthConfig{}, err
	}
	return cfg, nil
}

func (c AuthConfig) Validate() error {
	if c.TokenURL == "" {
		return nil
	}
	if c.ClientID == "" {
		return errors.New("ADPIPE_UPSTREAM_CLIENT_ID is required when ADPIPE_UPSTREAM_TOKEN_URL is set")
	}
	if c.ClientSecret == "" {
		return errors.New("ADPIPE_UPSTREAM_CLIENT_SECRET is required when ADPIPE_UPSTREAM_TOKEN_URL is set")
	}
	return nil
}

// NewHTTPClient returns a traced client that authorizes requests per cfg.
func NewHTTPClient(ctx context.Context, cfg AuthConfig, timeout time.Duration) *http.Client {
	base := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)

	var client *http.Client
	switch {
	case cfg.TokenURL != "":
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		client = cc.Client(ctx)
	case cfg.StaticToken != "":
		client = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.StaticToken, TokenType: "Bearer"}))
	default:
		client = base
	}
	client.Timeout = timeout
	return client
}
