package worker

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/animus-labs/adpipe/internal/domain"
	"github.com/animus-labs/adpipe/internal/repo"
	"github.com/google/go-cmp/cmp"
)

// fakeRuns is both the lister and the runner: driving a run moves it to
// SUCCEEDED after the release channel fires.
type fakeRuns struct {
	mu       sync.Mutex
	status   map[string]domain.RunStatus
	executed []string
	resumed  []string
	active   int
	peak     int
	release  chan struct{}
}

func newFakeRuns(status map[string]domain.RunStatus) *fakeRuns {
	return &fakeRuns{status: status, release: make(chan struct{})}
}

func (f *fakeRuns) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Run
	for id, st := range f.status {
		if st == filter.Status {
			out = append(out, domain.Run{ID: id, Status: st})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (f *fakeRuns) drive(ctx context.Context, runID string, log *[]string) (domain.Run, error) {
	f.mu.Lock()
	*log = append(*log, runID)
	f.status[runID] = domain.RunStatusRunning
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	f.mu.Unlock()

	select {
	case <-f.release:
	case <-ctx.Done():
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.active--
	if ctx.Err() != nil {
		return domain.Run{ID: runID, Status: domain.RunStatusRunning}, ctx.Err()
	}
	f.status[runID] = domain.RunStatusSucceeded
	return domain.Run{ID: runID, Status: domain.RunStatusSucceeded}, nil
}

func (f *fakeRuns) Execute(ctx context.Context, runID string) (domain.Run, error) {
	return f.drive(ctx, runID, &f.executed)
}

func (f *fakeRuns) Resume(ctx context.Context, runID string) (domain.Run, error) {
	return f.drive(ctx, runID, &f.resumed)
}

func (f *fakeRuns) snapshot() (executed, resumed []string, peak int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	executed = append([]string(nil), f.executed...)
	resumed = append([]string(nil), f.resumed...)
	sort.Strings(executed)
	sort.Strings(resumed)
	return executed, resumed, f.peak
}

func (f *fakeRuns) count(status domain.RunStatus) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, st := range f.status {
		if st == status {
			n++
		}
	}
	return n
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestWorkerExecutesEachRunOnceWithinLimit(t *testing.T) {
	runs := newFakeRuns(map[string]domain.RunStatus{
		"run-a": domain.RunStatusPendingApproval,
		"run-b": domain.RunStatusPendingApproval,
		"run-c": domain.RunStatusPendingApproval,
		"run-d": domain.RunStatusSucceeded,
	})
	w, err := New(discardLogger(), runs, runs, Config{Concurrency: 2, PollInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	waitFor(t, func() bool { return runs.count(domain.RunStatusRunning) == 2 })
	// Give the poll loop a few ticks to prove it does not exceed the limit.
	time.Sleep(10 * time.Millisecond)
	close(runs.release)
	waitFor(t, func() bool { return runs.count(domain.RunStatusSucceeded) == 4 })

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	executed, resumed, peak := runs.snapshot()
	if diff := cmp.Diff([]string{"run-a", "run-b", "run-c"}, executed); diff != "" {
		t.Fatalf("executed (-want +got):\n%s", diff)
	}
	if len(resumed) != 0 {
		t.Fatalf("resumed without Resume set: %v", resumed)
	}
	if peak > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestWorkerResumesRunningRunsAtStartup(t *testing.T) {
	runs := newFakeRuns(map[string]domain.RunStatus{
		"run-a": domain.RunStatusRunning,
		"run-b": domain.RunStatusPendingApproval,
	})
	close(runs.release)
	w, err := New(discardLogger(), runs, runs, Config{Concurrency: 4, PollInterval: time.Millisecond, Resume: true})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	waitFor(t, func() bool { return runs.count(domain.RunStatusSucceeded) == 2 })
	cancel()
	<-done

	executed, resumed, _ := runs.snapshot()
	if diff := cmp.Diff([]string{"run-a"}, resumed); diff != "" {
		t.Fatalf("resumed (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"run-b"}, executed); diff != "" {
		t.Fatalf("executed (-want +got):\n%s", diff)
	}
}

func TestWorkerShutdownWaitsForInflightRuns(t *testing.T) {
	runs := newFakeRuns(map[string]domain.RunStatus{"run-a": domain.RunStatusPendingApproval})
	w, err := New(discardLogger(), runs, runs, Config{Concurrency: 1, PollInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	waitFor(t, func() bool { return runs.count(domain.RunStatusRunning) == 1 })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := runs.count(domain.RunStatusRunning); got != 1 {
		t.Fatalf("interrupted run should stay RUNNING, got %d running", got)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{Concurrency: 0, PollInterval: time.Second}).Validate(); err == nil {
		t.Fatal("expected concurrency error")
	}
	if err := (Config{Concurrency: 1}).Validate(); err == nil {
		t.Fatal("expected poll interval error")
	}
}
