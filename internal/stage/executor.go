package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/adpipe/internal/artifacts"
	"github.com/animus-labs/adpipe/internal/domain"
	"github.com/animus-labs/adpipe/internal/upstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationScope = "github.com/animus-labs/adpipe/internal/stage"

// Input is the per-run context handed to a stage. Inputs names the
// artifact URIs the stage reads.
type Input struct {
	RunID     string
	RootURI   string
	Params    map[string]string
	Inputs    map[string]string
	Artifacts *artifacts.Store
	Logger    *slog.Logger
}

func (in Input) Param(key string) string {
	return strings.TrimSpace(in.Params[key])
}

// Output is the single artifact a stage produces.
type Output struct {
	Body        []byte
	ContentType string
}

type Func func(ctx context.Context, in Input) (Output, error)

type Stage struct {
	Name string
	// Artifact is the base file name of the output, e.g. "usp_analysis.json".
	Artifact string
	// Retry marks Run as safe to repeat on transient failures.
	Retry bool
	Run   Func
}

type Result struct {
	URI     string
	Skipped bool
}

type Executor struct {
	store      *artifacts.Store
	retry      upstream.RetryPolicy
	logger     *slog.Logger
	tracer     trace.Tracer
	executions metric.Int64Counter
	duration   metric.Float64Histogram
}

func NewExecutor(store *artifacts.Store, retry upstream.RetryPolicy, logger *slog.Logger) (*Executor, error) {
	if store == nil {
		return nil, errors.New("artifact store is required")
	}
	if err := retry.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.Meter(instrumentationScope)
	executions, err := meter.Int64Counter("adpipe.stage.executions",
		metric.WithDescription("Stage executions by outcome"))
	if err != nil {
		executions = noop.Int64Counter{}
	}
	duration, err := meter.Float64Histogram("adpipe.stage.duration",
		metric.WithDescription("Stage execution time"), metric.WithUnit("s"))
	if err != nil {
		duration = noop.Float64Histogram{}
	}
	return &Executor{
		store:      store,
		retry:      retry,
		logger:     logger,
		tracer:     otel.Tracer(instrumentationScope),
		executions: executions,
		duration:   duration,
	}, nil
}

// Execute runs st once and commits its output as a new artifact. When
// committedURI names a blob that already exists the stage is not run again.
func (e *Executor) Execute(ctx context.Context, st Stage, in Input, committedURI string) (Result, error) {
	if st.Run == nil || strings.TrimSpace(st.Name) == "" || strings.TrimSpace(st.Artifact) == "" {
		return Result{}, fmt.Errorf("stage %q is incomplete", st.Name)
	}
	logger := e.logger.With("run_id", in.RunID, "stage", st.Name)

	if committedURI != "" {
		ok, err := e.store.Exists(ctx, committedURI)
		if err != nil {
			return Result{}, domain.WithStage(st.Name, err)
		}
		if ok {
			logger.Info("stage already committed", "uri", committedURI)
			e.executions.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", st.Name), attribute.String("outcome", "skipped")))
			return Result{URI: committedURI, Skipped: true}, nil
		}
		logger.Warn("committed artifact missing, re-running stage", "uri", committedURI)
	}

	ctx, span := e.tracer.Start(ctx, "stage."+st.Name, trace.WithAttributes(
		attribute.String("run.id", in.RunID),
		attribute.String("stage.name", st.Name),
	))
	defer span.End()

	if in.Logger == nil {
		in.Logger = logger
	}
	in.Artifacts = e.store

	started := time.Now()
	out, err := e.run(ctx, st, in, logger)
	elapsed := time.Since(started)
	outcome := "succeeded"
	if err != nil {
		outcome = "failed"
	}
	attrs := metric.WithAttributes(attribute.String("stage", st.Name), attribute.String("outcome", outcome))
	e.executions.Add(ctx, 1, attrs)
	e.duration.Record(ctx, elapsed.Seconds(), attrs)

	if err != nil {
		err = domain.WithStage(st.Name, upstream.Classify(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, string(domain.KindOf(err)))
		logger.Error("stage failed", "kind", domain.KindOf(err), "error", err, "elapsed", elapsed)
		return Result{}, err
	}

	uri := e.store.URIFor(in.RootURI, st.Artifact)
	contentType := out.ContentType
	if contentType == "" {
		contentType = artifacts.ContentTypeJSON
	}
	if err := e.store.Put(ctx, uri, out.Body, contentType); err != nil {
		err = domain.WithStage(st.Name, fmt.Errorf("write artifact: %w", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "artifact write")
		return Result{}, err
	}
	span.SetAttributes(attribute.String("artifact.uri", uri), attribute.Int("artifact.bytes", len(out.Body)))
	logger.Info("stage committed", "uri", uri, "bytes", len(out.Body), "elapsed", elapsed)
	return Result{URI: uri}, nil
}

func (e *Executor) run(ctx context.Context, st Stage, in Input, logger *slog.Logger) (Output, error) {
	if !st.Retry {
		return st.Run(ctx, in)
	}
	var out Output
	err := upstream.Retry(ctx, e.retry, func(ctx context.Context) error {
		o, err := st.Run(ctx, in)
		if err != nil {
			return err
		}
		out = o
		return nil
	}, func(err error, wait time.Duration) {
		logger.Warn("transient stage failure, retrying", "error", err, "wait", wait)
	})
	return out, err
}
