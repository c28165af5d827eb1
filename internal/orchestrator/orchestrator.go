package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/animus-labs/adpipe/internal/artifacts"
	"github.com/animus-labs/adpipe/internal/domain"
	"github.com/animus-labs/adpipe/internal/gate"
	"github.com/animus-labs/adpipe/internal/repo"
	"github.com/animus-labs/adpipe/internal/stage"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const instrumentationScope = "github.com/animus-labs/adpipe/internal/orchestrator"

var (
	ErrRunInProgress     = errors.New("run is already executing")
	ErrInvalidSubmission = errors.New("invalid submission")
	ErrNotCancelable     = errors.New("run cannot be canceled in its current status")
	ErrNoPipeline        = errors.New("orchestrator has no pipeline configured")

	errRunCanceled = errors.New("run canceled")
)

// Pipeline is the ordered set of stages one run executes.
type Pipeline struct {
	USPExtraction   stage.Stage
	StyleAnalysis   stage.Stage
	BriefSynthesis  stage.Stage
	VideoGeneration stage.Stage
}

func (p Pipeline) Validate() error {
	for _, st := range []stage.Stage{p.USPExtraction, p.StyleAnalysis, p.BriefSynthesis, p.VideoGeneration} {
		if st.Run == nil || st.Name == "" {
			return fmt.Errorf("pipeline stage %q is incomplete", st.Name)
		}
	}
	return nil
}

type Config struct {
	AnalysisAssignee string
	BriefAssignee    string
	// StatusPollInterval is how often a driving run checks the ledger for
	// an external cancellation.
	StatusPollInterval time.Duration
}

func (c Config) Validate() error {
	if c.StatusPollInterval <= 0 {
		return errors.New("status poll interval must be positive")
	}
	return nil
}

// Deps wires an Orchestrator. Without an Executor it can submit and cancel
// runs but not execute them.
type Deps struct {
	Ledger   repo.RunLedger
	Store    *artifacts.Store
	Executor *stage.Executor
	Gate     *gate.Gate
	Pipeline Pipeline
	Config   Config
	Logger   *slog.Logger
}

// Orchestrator owns the run lifecycle and is the only writer of run status.
type Orchestrator struct {
	ledger   repo.RunLedger
	store    *artifacts.Store
	exec     *stage.Executor
	gate     *gate.Gate
	pipeline Pipeline
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
	newID    func() string

	mu     sync.Mutex
	active map[string]context.CancelCauseFunc
}

func New(deps Deps) (*Orchestrator, error) {
	if deps.Ledger == nil || deps.Store == nil || deps.Gate == nil {
		return nil, errors.New("ledger, store and gate are required")
	}
	if deps.Executor != nil {
		if err := deps.Pipeline.Validate(); err != nil {
			return nil, err
		}
	}
	if err := deps.Config.Validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		ledger:   deps.Ledger,
		store:    deps.Store,
		exec:     deps.Executor,
		gate:     deps.Gate,
		pipeline: deps.Pipeline,
		cfg:      deps.Config,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationScope),
		now:      time.Now,
		newID:    uuid.NewString,
		active:   map[string]context.CancelCauseFunc{},
	}, nil
}

type Submission struct {
	RunID         string
	CreatedBy     string
	ProductText   string
	ProductURL    string
	BrandImageURL string
	CampaignID    string
	ProductID     string
}

func (s Submission) Validate() error {
	if strings.TrimSpace(s.CreatedBy) == "" {
		return fmt.Errorf("%w: created by is required", ErrInvalidSubmission)
	}
	if strings.TrimSpace(s.ProductText) == "" && strings.TrimSpace(s.ProductURL) == "" {
		return fmt.Errorf("%w: product text or product url is required", ErrInvalidSubmission)
	}
	if strings.TrimSpace(s.BrandImageURL) == "" {
		return fmt.Errorf("%w: brand image url is required", ErrInvalidSubmission)
	}
	return nil
}

// Submit records a new run in PENDING_APPROVAL. An existing run id is
// refused with repo.ErrAlreadyExists.
func (o *Orchestrator) Submit(ctx context.Context, sub Submission) (domain.Run, error) {
	if err := sub.Validate(); err != nil {
		return domain.Run{}, err
	}
	id := strings.TrimSpace(sub.RunID)
	if id == "" {
		id = o.newID()
	}
	params := map[string]string{}
	for k, v := range map[string]string{
		domain.ParamProductText:   sub.ProductText,
		domain.ParamProductURL:    sub.ProductURL,
		domain.ParamBrandImageURL: sub.BrandImageURL,
		domain.ParamCampaignID:    sub.CampaignID,
		domain.ParamProductID:     sub.ProductID,
	} {
		if v = strings.TrimSpace(v); v != "" {
			params[k] = v
		}
	}
	now := o.now().UTC()
	run := domain.Run{
		ID:              id,
		CreatedAt:       now,
		CreatedBy:       strings.TrimSpace(sub.CreatedBy),
		Status:          domain.RunStatusPendingApproval,
		ArtifactRootURI: o.store.RunRoot(id),
		Params:          params,
		Artifacts:       map[string]string{},
		UpdatedAt:       now,
	}
	if err := o.ledger.CreateRun(ctx, run); err != nil {
		return domain.Run{}, err
	}
	o.logger.Info("run submitted", "run_id", id, "created_by", run.CreatedBy)
	return run, nil
}

// Execute claims a PENDING_APPROVAL run and drives it to a terminal status.
// A terminal run is returned unchanged; a RUNNING run is refused.
func (o *Orchestrator) Execute(ctx context.Context, runID string) (domain.Run, error) {
	if o.exec == nil {
		return domain.Run{}, ErrNoPipeline
	}
	run, err := o.ledger.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	switch {
	case run.Status.Terminal():
		return run, nil
	case run.Status == domain.RunStatusRunning:
		return run, ErrRunInProgress
	}
	run, err = o.ledger.UpdateRun(ctx, runID, repo.RunUpdate{
		ExpectStatus: domain.RunStatusPendingApproval,
		Status:       domain.RunStatusRunning,
	})
	if errors.Is(err, repo.ErrConflict) {
		current, getErr := o.ledger.GetRun(ctx, runID)
		if getErr != nil {
			return domain.Run{}, getErr
		}
		if current.Status.Terminal() {
			return current, nil
		}
		return current, ErrRunInProgress
	}
	if err != nil {
		return domain.Run{}, err
	}
	return o.drive(ctx, run)
}

// Resume continues a RUNNING run after a restart. Committed stages are
// skipped, resolved gates pass through and pending gates are awaited again.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (domain.Run, error) {
	if o.exec == nil {
		return domain.Run{}, ErrNoPipeline
	}
	run, err := o.ledger.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	switch run.Status {
	case domain.RunStatusPendingApproval:
		return o.Execute(ctx, runID)
	case domain.RunStatusRunning:
		if o.isActive(runID) {
			return run, ErrRunInProgress
		}
		o.logger.Info("resuming run", "run_id", runID)
		return o.drive(ctx, run)
	default:
		return run, nil
	}
}

// Cancel stops a RUNNING run and records it as FAILED with kind CANCELED.
// A run driven by another process notices at its next status check.
func (o *Orchestrator) Cancel(ctx context.Context, runID, actor string) (domain.Run, error) {
	run, err := o.ledger.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if run.Status.Terminal() {
		return run, nil
	}
	if run.Status != domain.RunStatusRunning {
		return run, ErrNotCancelable
	}
	if strings.TrimSpace(actor) == "" {
		actor = "operator"
	}
	run, err = o.ledger.UpdateRun(ctx, runID, repo.RunUpdate{
		ExpectStatus:   domain.RunStatusRunning,
		Status:         domain.RunStatusFailed,
		FailureKind:    domain.KindCanceled,
		FailureMessage: "canceled by " + actor,
		Actor:          actor,
	})
	if errors.Is(err, repo.ErrConflict) {
		return o.ledger.GetRun(ctx, runID)
	}
	if err != nil {
		return domain.Run{}, err
	}
	o.mu.Lock()
	cancel := o.active[runID]
	o.mu.Unlock()
	if cancel != nil {
		cancel(errRunCanceled)
	}
	o.logger.Info("run canceled", "run_id", runID, "actor", actor)
	return run, nil
}

func (o *Orchestrator) isActive(runID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[runID]
	return ok
}

func (o *Orchestrator) register(runID string, cancel context.CancelCauseFunc) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.active[runID]; ok {
		return false
	}
	o.active[runID] = cancel
	return true
}

func (o *Orchestrator) unregister(runID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, runID)
}

func (o *Orchestrator) drive(parent context.Context, run domain.Run) (domain.Run, error) {
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	if !o.register(run.ID, cancel) {
		return run, ErrRunInProgress
	}
	defer o.unregister(run.ID)

	ctx, span := o.tracer.Start(ctx, "run.execute", trace.WithAttributes(attribute.String("run.id", run.ID)))
	defer span.End()
	logger := o.logger.With("run_id", run.ID)

	go o.watch(ctx, run.ID, cancel)

	finalURI, err := o.runStages(ctx, &run, logger)
	if err == nil {
		done, err := o.ledger.UpdateRun(context.WithoutCancel(ctx), run.ID, repo.RunUpdate{
			ExpectStatus:     domain.RunStatusRunning,
			Status:           domain.RunStatusSucceeded,
			FinalArtifactURI: finalURI,
		})
		if err != nil {
			return o.afterLostWrite(ctx, run, err)
		}
		logger.Info("run succeeded", "final_artifact_uri", finalURI)
		return done, nil
	}

	if errors.Is(context.Cause(ctx), errRunCanceled) {
		err = &domain.Error{Kind: domain.KindCanceled, Err: err}
	} else if parent.Err() != nil {
		// Shutdown: leave the run RUNNING so it can be resumed.
		logger.Warn("run interrupted", "error", err)
		return run, err
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, string(domain.KindOf(err)))
	return o.fail(context.WithoutCancel(ctx), run, err, logger)
}

// watch cancels the run context once the ledger shows the run is no longer
// RUNNING.
func (o *Orchestrator) watch(ctx context.Context, runID string, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(o.cfg.StatusPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		run, err := o.ledger.GetRun(ctx, runID)
		if err != nil {
			continue
		}
		if run.Status != domain.RunStatusRunning {
			cancel(errRunCanceled)
			return
		}
	}
}

func (o *Orchestrator) fail(ctx context.Context, run domain.Run, cause error, logger *slog.Logger) (domain.Run, error) {
	update := repo.RunUpdate{
		ExpectStatus:   domain.RunStatusRunning,
		Status:         domain.RunStatusFailed,
		FailureKind:    domain.KindOf(cause),
		FailureMessage: cause.Error(),
	}
	var de *domain.Error
	if errors.As(cause, &de) {
		update.FailedStage = de.Stage
		update.FailureHint = de.Hint
		if de.Raw != "" {
			update.FailureMessage = cause.Error() + "\nraw: " + truncate(de.Raw, 2000)
		}
	}
	failed, err := o.ledger.UpdateRun(ctx, run.ID, update)
	if err != nil {
		if errors.Is(err, repo.ErrConflict) {
			current, getErr := o.ledger.GetRun(ctx, run.ID)
			if getErr == nil {
				return current, cause
			}
		}
		return run, errors.Join(cause, fmt.Errorf("record failure: %w", err))
	}
	logger.Error("run failed", "stage", update.FailedStage, "kind", update.FailureKind, "error", cause)
	return failed, cause
}

func (o *Orchestrator) afterLostWrite(ctx context.Context, run domain.Run, err error) (domain.Run, error) {
	if errors.Is(err, repo.ErrConflict) {
		current, getErr := o.ledger.GetRun(context.WithoutCancel(ctx), run.ID)
		if getErr == nil {
			return current, &domain.Error{Kind: domain.KindCanceled, Err: err}
		}
	}
	return run, err
}

// runStages executes the pipeline and returns the final artifact URI.
func (o *Orchestrator) runStages(ctx context.Context, run *domain.Run, logger *slog.Logger) (string, error) {
	p := o.pipeline

	var uspURI, styleURI string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		uri, err := o.execute(gctx, run, p.USPExtraction, nil)
		uspURI = uri
		return err
	})
	g.Go(func() error {
		uri, err := o.execute(gctx, run, p.StyleAnalysis, nil)
		styleURI = uri
		return err
	})
	if err := g.Wait(); err != nil {
		return "", err
	}

	approved, err := o.approve(ctx, run, domain.TaskAnalysisReview, 1, o.cfg.AnalysisAssignee, map[string]string{
		stage.DocUSPAnalysis:   uspURI,
		stage.DocStyleAnalysis: styleURI,
	})
	if err != nil {
		return "", err
	}

	briefURI, err := o.execute(ctx, run, p.BriefSynthesis, approved)
	if err != nil {
		return "", err
	}

	approvedBrief, err := o.approve(ctx, run, domain.TaskBriefReview, 2, o.cfg.BriefAssignee, map[string]string{
		stage.DocAdBrief: briefURI,
	})
	if err != nil {
		return "", err
	}

	return o.execute(ctx, run, p.VideoGeneration, approvedBrief)
}

// execute runs one stage and publishes its artifact to the ledger after the
// blob write has returned.
func (o *Orchestrator) execute(ctx context.Context, run *domain.Run, st stage.Stage, inputs map[string]string) (string, error) {
	in := stage.Input{
		RunID:   run.ID,
		RootURI: run.ArtifactRootURI,
		Params:  run.Params,
		Inputs:  inputs,
	}
	res, err := o.exec.Execute(ctx, st, in, run.Artifacts[st.Name])
	if err != nil {
		return "", err
	}
	if res.Skipped {
		return res.URI, nil
	}
	_, err = o.ledger.UpdateRun(ctx, run.ID, repo.RunUpdate{
		ExpectStatus: domain.RunStatusRunning,
		Artifacts:    map[string]string{st.Name: res.URI},
	})
	if err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return "", &domain.Error{Kind: domain.KindCanceled, Stage: st.Name, Err: err}
		}
		return "", domain.WithStage(st.Name, fmt.Errorf("record artifact: %w", err))
	}
	return res.URI, nil
}

// approve opens the gate when it does not exist yet and waits for a
// decision. A gate resolved before a restart passes straight through.
func (o *Orchestrator) approve(ctx context.Context, run *domain.Run, taskName string, position int, assignee string, inputs map[string]string) (map[string]string, error) {
	_, err := o.ledger.GetTask(ctx, run.ID, taskName)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		if _, err := o.gate.Open(ctx, gate.OpenRequest{
			RunID:      run.ID,
			RootURI:    run.ArtifactRootURI,
			Name:       taskName,
			Position:   position,
			AssignedTo: assignee,
			Inputs:     inputs,
		}); err != nil {
			return nil, domain.WithStage(taskName, err)
		}
	case err != nil:
		return nil, domain.WithStage(taskName, fmt.Errorf("get task: %w", err))
	}
	o.logger.Info("awaiting approval", "run_id", run.ID, "task", taskName)
	outputs, err := o.gate.Await(ctx, run.ID, taskName)
	if err != nil {
		return nil, domain.WithStage(taskName, err)
	}
	return outputs, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
