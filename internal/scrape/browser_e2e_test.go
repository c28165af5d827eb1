//go:build e2e

package scrape

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestBrowserTextRendersScriptContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<html><body><h1>Earbuds</h1><div id="copy"></div>
<script>document.getElementById("copy").textContent = "30-hour battery";</script></body></html>`)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	text, err := NewBrowser(Config{Headless: true}).Text(ctx, srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if !strings.Contains(text, "30-hour battery") {
		t.Fatalf("rendered text missing script content: %q", text)
	}
}
