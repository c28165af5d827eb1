//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func TestServeReportsSubmittedRun(t *testing.T) {
	infra := ensureInfra(t)
	bin := buildBinary(t)
	addr := freeAddr(t)
	environ := infra.environ("ADPIPE_HTTP_ADDR=" + addr)

	runID := fmt.Sprintf("e2e-%d", time.Now().UnixNano())
	got := runCLI(t, bin, environ,
		"submit",
		"--run-id", runID,
		"--by", "e2e",
		"--product-text", "Wireless earbuds",
		"--brand-image-url", "https://example.com/brand.png",
	)
	if strings.TrimSpace(got) != runID {
		t.Fatalf("submit printed %q, want %q", got, runID)
	}

	var out bytes.Buffer
	cmd := exec.Command(bin, "serve")
	cmd.Env = environ
	cmd.Dir = t.TempDir()
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Start(); err != nil {
		t.Fatalf("start serve: %v", err)
	}
	t.Cleanup(func() { stopProcess(t, cmd, &out) })

	base := "http://" + addr
	waitHTTP200(t, base+"/readyz", 10*time.Second)

	resp, err := http.Get(base + "/v1/runs/" + runID)
	if err != nil {
		t.Fatalf("GET run: %v\n%s", err, out.String())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET run status=%d\n%s", resp.StatusCode, out.String())
	}
	var view struct {
		RunID     string            `json:"run_id"`
		Status    string            `json:"status"`
		CreatedBy string            `json:"created_by"`
		Params    map[string]string `json:"params"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if view.Status != "PENDING_APPROVAL" || view.CreatedBy != "e2e" {
		t.Fatalf("run view = %+v", view)
	}
	if view.Params["brand_image_url"] != "https://example.com/brand.png" {
		t.Fatalf("params = %v", view.Params)
	}

	cancel, err := http.Post(base+"/v1/runs/"+runID+"/cancel", "application/json", strings.NewReader(`{"canceled_by":"e2e"}`))
	if err != nil {
		t.Fatalf("POST cancel: %v", err)
	}
	_ = cancel.Body.Close()
	if cancel.StatusCode != http.StatusConflict {
		t.Fatalf("cancel of pending run status=%d, want 409", cancel.StatusCode)
	}

	status := runCLI(t, bin, environ, "status", runID, "--audit")
	if !strings.Contains(status, "PENDING_APPROVAL") {
		t.Fatalf("status output missing run status:\n%s", status)
	}
}
