package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/animus-labs/adpipe/internal/domain"
	"github.com/animus-labs/adpipe/internal/upstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationScope = "github.com/animus-labs/adpipe/internal/poller"

// Phase is the poller's position in the job protocol.
type Phase string

const (
	// PhaseSubmitted: the next step submits the job.
	PhaseSubmitted Phase = "SUBMITTED"
	PhasePolling   Phase = "POLLING"
	PhaseDone      Phase = "DONE"
)

// Remote is the external side of one long-running job.
type Remote interface {
	Submit(ctx context.Context) (string, error)
	Status(ctx context.Context, jobID string) (domain.JobStatus, string, error)
}

type Config struct {
	Interval        time.Duration
	Timeout         time.Duration
	MaxPollFailures int
	SubmitRetry     upstream.RetryPolicy
}

func DefaultConfig() Config {
	return Config{
		Interval:        15 * time.Second,
		Timeout:         20 * time.Minute,
		MaxPollFailures: 5,
		SubmitRetry:     upstream.DefaultRetryPolicy(),
	}
}

func (c Config) Validate() error {
	if c.Interval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if c.Timeout < c.Interval {
		return errors.New("poll timeout must be >= poll interval")
	}
	if c.MaxPollFailures < 0 {
		return errors.New("max poll failures must be >= 0")
	}
	return c.SubmitRetry.Validate()
}

// Machine drives one job from submission to a terminal state. Step performs
// a single transition so a host can multiplex many machines; Run blocks.
// A Machine is not safe for concurrent use.
type Machine struct {
	cfg    Config
	remote Remote
	now    func() time.Time
	polls  metric.Int64Counter

	phase    Phase
	job      domain.AsyncJob
	deadline time.Time
	failures int
	err      error
}

func New(cfg Config, remote Remote) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if remote == nil {
		return nil, errors.New("remote is required")
	}
	polls, err := otel.Meter(instrumentationScope).Int64Counter("adpipe.job.polls",
		metric.WithDescription("Status polls issued for long-running jobs"))
	if err != nil {
		polls = noop.Int64Counter{}
	}
	return &Machine{cfg: cfg, remote: remote, now: time.Now, polls: polls, phase: PhaseSubmitted}, nil
}

func (m *Machine) Phase() Phase { return m.phase }

func (m *Machine) Job() domain.AsyncJob { return m.job }

// Err is the terminal error, if the machine finished unsuccessfully.
func (m *Machine) Err() error { return m.err }

// Step performs one transition and returns how long to wait before the next
// one. Once DONE, Step returns the recorded outcome without contacting the
// remote. Cancellation leaves the phase unchanged.
func (m *Machine) Step(ctx context.Context) (time.Duration, error) {
	if m.phase == PhaseDone {
		return 0, m.err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	switch m.phase {
	case PhaseSubmitted:
		return m.submit(ctx)
	case PhasePolling:
		return m.poll(ctx)
	default:
		return 0, fmt.Errorf("unknown poller phase %q", m.phase)
	}
}

func (m *Machine) submit(ctx context.Context) (time.Duration, error) {
	var jobID string
	err := upstream.Retry(ctx, m.cfg.SubmitRetry, func(ctx context.Context) error {
		id, err := m.remote.Submit(ctx)
		if err != nil {
			return err
		}
		jobID = id
		return nil
	}, nil)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0, err
		}
		return m.finish(err)
	}
	if jobID == "" {
		return m.finish(domain.Errorf(domain.KindJobSubmission, "submission returned no job id"))
	}
	now := m.now().UTC()
	m.job = domain.AsyncJob{ID: jobID, Status: domain.JobStatusSubmitted, SubmittedAt: now}
	m.deadline = now.Add(m.cfg.Timeout)
	m.phase = PhasePolling
	return m.nextDelay(now), nil
}

func (m *Machine) poll(ctx context.Context) (time.Duration, error) {
	now := m.now().UTC()
	if !now.Before(m.deadline) {
		return m.finish(&domain.Error{
			Kind: domain.KindJobTimeout,
			Hint: "the job did not reach a terminal state in time; raise the poll timeout or check the render backlog",
			Err:  fmt.Errorf("no terminal status after %s (%d polls)", m.cfg.Timeout, m.job.Attempts),
		})
	}

	status, outputURI, err := m.remote.Status(ctx, m.job.ID)
	m.job.Attempts++
	m.job.LastPolledAt = now
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0, err
		}
		m.polls.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "error")))
		err = upstream.Classify(err)
		if domain.IsRetryable(err) && m.failures < m.cfg.MaxPollFailures {
			m.failures++
			return m.nextDelay(now), nil
		}
		return m.finish(err)
	}
	m.failures = 0
	m.job.Status = status
	m.polls.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))

	switch status {
	case domain.JobStatusSucceeded:
		if outputURI == "" {
			return m.finish(domain.Errorf(domain.KindJobFailed, "job succeeded without an output reference"))
		}
		m.job.OutputURI = outputURI
		return m.finish(nil)
	case domain.JobStatusFailed:
		return m.finish(domain.Errorf(domain.KindJobFailed, "job reported FAILED"))
	default:
		return m.nextDelay(now), nil
	}
}

func (m *Machine) nextDelay(now time.Time) time.Duration {
	delay := m.cfg.Interval
	if remaining := m.deadline.Sub(now); remaining < delay {
		delay = remaining
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

func (m *Machine) finish(err error) (time.Duration, error) {
	m.phase = PhaseDone
	if err != nil {
		var de *domain.Error
		if errors.As(err, &de) {
			cp := *de
			if cp.JobID == "" {
				cp.JobID = m.job.ID
			}
			err = &cp
		} else {
			err = &domain.Error{Kind: domain.KindOf(err), JobID: m.job.ID, Err: err}
		}
	}
	m.err = err
	return 0, err
}

// Run steps the machine until DONE, sleeping between steps.
func (m *Machine) Run(ctx context.Context) (domain.AsyncJob, error) {
	for {
		delay, err := m.Step(ctx)
		if err != nil || m.phase == PhaseDone {
			return m.job, err
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return m.job, ctx.Err()
		case <-timer.C:
		}
	}
}
