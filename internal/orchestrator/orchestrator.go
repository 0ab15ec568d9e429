// Package orchestrator drives a project through the construction pipeline:
// stage ordering, within-stage agent dispatch, refinement loops, retries,
// result caching, and checkpointing all live here. Agents never talk to each
// other directly; the engine sequences them over the shared state and bus.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"forge/internal/agent"
	"forge/internal/bus"
	"forge/internal/cache"
	"forge/internal/checkpoint"
	"forge/internal/config"
	forgeerrors "forge/internal/errors"
	"forge/internal/events"
	"forge/internal/llm"
	"forge/internal/logging"
	"forge/internal/observability"
	"forge/internal/state"
	"forge/internal/workflow"
)

// ErrCanceled reports that the workflow was canceled by the caller.
var ErrCanceled = errors.New("workflow canceled")

// Options carries the engine's collaborators. Project, Team, and Bus are
// required; everything else has a working default.
type Options struct {
	Config      config.Config
	Project     *state.Project
	Team        agent.Team
	Bus         *bus.Bus
	Logger      *observability.Logger
	Tracer      *observability.TracerProvider
	Sinks       []events.Sink
	Results     *cache.Cache[agent.Output]
	Checkpoints *checkpoint.Store
	Metrics     *Metrics
}

// Summary is the outcome of one workflow run.
type Summary struct {
	WorkflowID     string                            `json:"workflow_id"`
	Outcome        workflow.Stage                    `json:"outcome"`
	StageHistory   []string                          `json:"stage_history"`
	StageDurations map[workflow.Stage]time.Duration  `json:"stage_durations"`
	TotalTokens    int64                             `json:"total_tokens"`
	CacheHitRate   float64                           `json:"cache_hit_rate"`
	Errors         []string                          `json:"errors,omitempty"`
}

// Engine runs one workflow to a terminal stage.
type Engine struct {
	cfg     config.Config
	project *state.Project
	team    agent.Team
	msgBus  *bus.Bus
	logger  *observability.Logger
	plog    logging.Logger
	tracer  *observability.TracerProvider
	emitter *events.Emitter
	results *cache.Cache[agent.Output]
	ckpts   *checkpoint.Store
	metrics *Metrics

	mu        sync.Mutex
	history   []string
	durations map[workflow.Stage]time.Duration
	errs      []string
	restored  bool

	cancelMu     sync.Mutex
	cancelFn     context.CancelCauseFunc
	cancelReason string
}

// New validates the configuration and assembles an engine.
func New(opts Options) (*Engine, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Project == nil {
		return nil, forgeerrors.NewConfigurationError("project", "must not be nil")
	}
	if len(opts.Team) == 0 {
		return nil, forgeerrors.NewConfigurationError("team", "must not be empty")
	}
	if opts.Bus == nil {
		return nil, forgeerrors.NewConfigurationError("bus", "must not be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	return &Engine{
		cfg:       opts.Config,
		project:   opts.Project,
		team:      opts.Team,
		msgBus:    opts.Bus,
		logger:    logger.With("workflow_id", opts.Project.ID()),
		plog:      logging.FromSlog(logger.Slog(), "retry"),
		tracer:    opts.Tracer,
		emitter:   events.NewEmitter(opts.Project.ID(), logging.FromSlog(logger.Slog(), "events"), opts.Sinks...),
		results:   opts.Results,
		ckpts:     opts.Checkpoints,
		metrics:   opts.Metrics,
		durations: make(map[workflow.Stage]time.Duration),
	}, nil
}

// Emitter exposes the run's event emitter so callers can add sinks before
// Run.
func (e *Engine) Emitter() *events.Emitter { return e.emitter }

// RestoreLatest loads the most recent resumable checkpoint into the project
// and marks the run as resumed. Failure and cancellation records snapshot
// the workflow already at its terminal stage, so those are skipped in favor
// of the last completed stage. ok is false when nothing resumable exists.
func (e *Engine) RestoreLatest() (bool, error) {
	if e.ckpts == nil {
		return false, nil
	}
	recs, err := e.ckpts.List()
	if err != nil {
		return false, err
	}
	var rec checkpoint.Record
	ok := false
	for i := len(recs) - 1; i >= 0; i-- {
		if !recs[i].State.CurrentStage.IsTerminal() {
			rec = recs[i]
			ok = true
			break
		}
	}
	if !ok {
		return false, nil
	}
	e.project.Restore(rec.State)
	e.mu.Lock()
	e.history = append(append([]string(nil), rec.StageHistory...), workflow.HistoryRestoredMarker)
	e.restored = true
	e.mu.Unlock()
	e.logger.Info("restored from checkpoint",
		"sequence", rec.Sequence, "stage", string(rec.Stage))
	return true, nil
}

// Cancel requests cooperative cancellation. The engine stops at the next
// suspension point, marks the workflow failed, and writes a final checkpoint
// carrying the reason.
func (e *Engine) Cancel(reason string) {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	if e.cancelReason == "" {
		e.cancelReason = reason
	}
	if e.cancelFn != nil {
		e.cancelFn(fmt.Errorf("%w: %s", ErrCanceled, reason))
	}
}

// Run drives the project from its current stage to a terminal one. The
// returned summary is valid even when err is non-nil.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	e.cancelMu.Lock()
	e.cancelFn = cancel
	e.cancelMu.Unlock()

	ctx = observability.WithWorkflowID(ctx, e.project.ID())

	if e.restored {
		e.emit(events.TypeWorkflowRestored, e.project.CurrentStage(), nil)
	} else {
		e.emit(events.TypeWorkflowStarted, e.project.CurrentStage(), nil)
	}

	runErr := e.runPipeline(ctx)
	return e.finish(runErr)
}

func (e *Engine) runPipeline(ctx context.Context) error {
	if e.project.CurrentStage().IsTerminal() {
		return forgeerrors.NewPermanentError(nil,
			fmt.Sprintf("workflow already terminal at %s", e.project.CurrentStage()))
	}
	for {
		if err := e.suspensionPoint(ctx); err != nil {
			return err
		}
		next, ok := workflow.Next(e.project.CurrentStage(), e.cfg.SkipUIDesign)
		if !ok {
			return fmt.Errorf("no stage follows %s", e.project.CurrentStage())
		}
		if err := e.project.AdvanceStage(next, e.cfg.SkipUIDesign); err != nil {
			return err
		}
		if next == workflow.StageCompleted {
			e.appendHistory(string(next))
			return nil
		}
		if err := e.runStage(ctx, next); err != nil {
			return err
		}
	}
}

// suspensionPoint is where cancellation takes effect: between stages, between
// agents, and between refinement iterations.
func (e *Engine) suspensionPoint(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	default:
		return nil
	}
}

// runStage executes one stage, retrying once if the stage times out while
// the workflow itself is still live.
func (e *Engine) runStage(ctx context.Context, stage workflow.Stage) error {
	start := time.Now()
	err := e.runStageOnce(ctx, stage)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		e.logger.Warn("stage timed out, retrying once", "stage", string(stage))
		e.emitter.CountError()
		e.emit(events.TypeStageRetried, stage, map[string]any{"cause": "timeout"})
		err = e.runStageOnce(ctx, stage)
	}
	elapsed := time.Since(start)

	e.mu.Lock()
	e.durations[stage] += elapsed
	e.mu.Unlock()

	// The stage is part of the history whether it completed or failed; on
	// failure the FAILED terminal follows it.
	e.appendHistory(string(stage))

	if err != nil {
		e.recordError(fmt.Sprintf("stage %s: %v", stage, err))
		return err
	}

	e.metrics.stageCompleted(string(stage), elapsed)
	e.publish(bus.NewMessage(bus.TypeStageComplete, workflow.SenderWorkflow, "", map[string]any{
		"stage": string(stage),
	}))
	e.checkpointNow(stage, "stage_complete", nil)
	e.emit(events.TypeStageCompleted, stage, map[string]any{
		"duration_ms": elapsed.Milliseconds(),
	})
	return nil
}

func (e *Engine) runStageOnce(ctx context.Context, stage workflow.Stage) error {
	cancel := func() {}
	if e.cfg.TimeoutPerStage > 0 {
		ctx, cancel = context.WithTimeout(ctx, e.cfg.TimeoutPerStage)
	}
	defer cancel()
	ctx = observability.WithStage(ctx, string(stage))
	if e.tracer != nil {
		spanCtx, span := e.tracer.StartStageSpan(ctx, e.project.ID(), string(stage))
		ctx = spanCtx
		defer span.End()
	}

	agents := e.team.ForStage(stage)
	if len(agents) == 0 {
		return forgeerrors.NewPermanentError(nil, fmt.Sprintf("no agent responsible for stage %s", stage))
	}

	e.emit(events.TypeStageStarted, stage, map[string]any{
		"agents": roleNames(agents),
	})
	e.publish(bus.NewMessage(bus.TypeStageStart, workflow.SenderWorkflow, "", map[string]any{
		"stage": string(stage),
	}))

	if stage.IsRefinement() {
		return e.runRefinement(ctx, stage, agents)
	}
	return e.dispatch(ctx, stage, agents)
}

// dispatch runs the stage's agents under the configured execution mode.
func (e *Engine) dispatch(ctx context.Context, stage workflow.Stage, agents []agent.Agent) error {
	switch e.cfg.Mode {
	case config.ModeParallel:
		return e.dispatchParallel(ctx, stage, agents)
	case config.ModeAdaptive:
		for _, wave := range conflictWaves(agents) {
			if err := e.dispatchParallel(ctx, stage, wave); err != nil {
				return err
			}
		}
		return nil
	default:
		for _, a := range agents {
			if err := e.suspensionPoint(ctx); err != nil {
				return err
			}
			if err := e.executeAgent(ctx, stage, a); err != nil {
				return err
			}
		}
		return nil
	}
}

func (e *Engine) dispatchParallel(ctx context.Context, stage workflow.Stage, agents []agent.Agent) error {
	sem := semaphore.NewWeighted(int64(e.cfg.MaxParallelAgents))
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range agents {
		a := a
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			return e.executeAgent(gctx, stage, a)
		})
	}
	return g.Wait()
}

// conflictWaves partitions agents so no two members of a wave declare a
// common write region. Waves run in order; members of a wave may run
// concurrently.
func conflictWaves(agents []agent.Agent) [][]agent.Agent {
	var waves [][]agent.Agent
	for _, a := range agents {
		placed := false
		for i := range waves {
			if !regionConflict(waves[i], a) {
				waves[i] = append(waves[i], a)
				placed = true
				break
			}
		}
		if !placed {
			waves = append(waves, []agent.Agent{a})
		}
	}
	return waves
}

func regionConflict(wave []agent.Agent, candidate agent.Agent) bool {
	for _, member := range wave {
		for _, r := range member.StateRegions() {
			for _, c := range candidate.StateRegions() {
				if r == c {
					return true
				}
			}
		}
	}
	return false
}

// executeAgent runs one agent for one stage: cache lookup, retried
// generation on a miss, then a single commit of the output.
func (e *Engine) executeAgent(ctx context.Context, stage workflow.Stage, a agent.Agent) error {
	role := a.Role()
	capability := ""
	if caps := a.Capabilities(); len(caps) > 0 {
		capability = caps[0]
	}
	if e.tracer != nil {
		spanCtx, span := e.tracer.StartAgentSpan(ctx, string(role), string(stage))
		ctx = spanCtx
		defer span.End()
	}

	task := e.project.AddTask(
		fmt.Sprintf("%s: %s", stage, capability),
		fmt.Sprintf("%s work for stage %s", role, stage),
		stage, role,
	)
	e.publish(bus.NewRoleMessage(bus.TypeTaskAssigned, workflow.SenderWorkflow, role, map[string]any{
		"task_id": task.ID,
		"stage":   string(stage),
	}))
	e.project.UpdateTaskStatus(task.ID, state.TaskInProgress)

	e.metrics.agentInvoked(string(role))
	e.emit(events.TypeAgentStarted, stage, map[string]any{"role": string(role)})

	out, cached, err := e.obtainOutput(ctx, stage, a, role, capability)
	if err != nil {
		e.metrics.agentFailed(string(role))
		e.project.UpdateTaskStatus(task.ID, state.TaskBlocked)
		e.recordError(fmt.Sprintf("agent %s: %v", role, err))
		return fmt.Errorf("agent %s in stage %s: %w", role, stage, err)
	}

	out.Apply(e.project, role)
	if !cached {
		e.emitter.AddTokens(out.Tokens)
		e.metrics.tokens(out.Tokens)
	}

	keys := make([]string, 0, len(out.Artifacts))
	for k := range out.Artifacts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	e.project.AttachTaskArtifacts(task.ID, keys...)
	e.project.UpdateTaskStatus(task.ID, state.TaskCompleted)
	e.publish(bus.NewMessage(bus.TypeTaskComplete, string(role), "", map[string]any{
		"task_id": task.ID,
		"stage":   string(stage),
	}))

	e.emit(events.TypeAgentCompleted, stage, map[string]any{
		"role":   string(role),
		"cached": cached,
		"tokens": out.Tokens,
	})
	return nil
}

// obtainOutput resolves an agent's stage output from the cache or by
// executing it with retry.
func (e *Engine) obtainOutput(ctx context.Context, stage workflow.Stage, a agent.Agent, role workflow.Role, capability string) (agent.Output, bool, error) {
	cacheKey := ""
	if e.results != nil && e.cfg.CacheEnabled {
		fp := cache.Fingerprint(a.ContextParts(e.project, stage))
		cacheKey = cache.Key(string(role), fp, capability)
		if hit, ok := e.results.Get(cacheKey); ok {
			e.emitter.CountCacheHit()
			e.metrics.cacheHit()
			e.emit(events.TypeCacheHit, stage, map[string]any{"role": string(role)})
			return hit, true, nil
		}
		e.emitter.CountCacheMiss()
		e.metrics.cacheMiss()
		e.emit(events.TypeCacheMiss, stage, map[string]any{"role": string(role)})
	}

	out, err := forgeerrors.RetryWithResult(ctx, e.cfg.Retry, func(ctx context.Context) (agent.Output, error) {
		return a.ExecuteStage(ctx, stage, e.project)
	}, e.plog, e.retryObserver(stage, role))
	if err != nil {
		return agent.Output{}, false, err
	}
	if cacheKey != "" {
		e.results.Set(cacheKey, out)
	}
	return out, false, nil
}

func (e *Engine) retryObserver(stage workflow.Stage, role workflow.Role) forgeerrors.RetryObserver {
	return func(attempt int, err error, delay time.Duration) {
		e.emitter.CountError()
		if delay <= 0 {
			return
		}
		e.metrics.retried()
		e.emit(events.TypeAgentRetried, stage, map[string]any{
			"role":    string(role),
			"attempt": attempt + 1,
			"delay":   delay.String(),
			"error":   err.Error(),
		})
	}
}

// runRefinement drives the bounded verdict loop for the testing and QA
// stages: execute the stage agents, read the verdict flag from the metadata
// region, and on a failing verdict let the developer rework the
// implementation before the next iteration. A missing flag counts as a
// failing iteration.
func (e *Engine) runRefinement(ctx context.Context, stage workflow.Stage, agents []agent.Agent) error {
	flagKey, flagField := agent.TestResultsKey, "all_passed"
	if stage == workflow.StageQA {
		flagKey, flagField = agent.QAResultsKey, "approved"
	}

	for iteration := 1; iteration <= e.cfg.MaxIterations; iteration++ {
		if err := e.suspensionPoint(ctx); err != nil {
			return err
		}
		if err := e.dispatch(ctx, stage, agents); err != nil {
			return err
		}
		passed, report := e.verdict(flagKey, flagField)
		if passed {
			if iteration > 1 {
				e.logger.Info("refinement converged",
					"stage", string(stage), "iterations", iteration)
			}
			return nil
		}
		if iteration == e.cfg.MaxIterations {
			break
		}
		e.emit(events.TypeRefinementStarted, stage, map[string]any{
			"iteration": iteration,
			"flag":      flagKey,
		})
		if err := e.repairImplementation(ctx, stage, report); err != nil {
			return err
		}
	}
	return forgeerrors.NewPermanentError(nil,
		fmt.Sprintf("stage %s not accepted after %d iterations", stage, e.cfg.MaxIterations))
}

func (e *Engine) verdict(flagKey, flagField string) (bool, string) {
	v, ok := e.project.RegionValue(state.RegionMetadata, flagKey)
	if !ok {
		return false, ""
	}
	m, ok := v.(map[string]any)
	if !ok {
		return false, ""
	}
	passed, _ := m[flagField].(bool)
	report, _ := m["report"].(string)
	return passed, report
}

func (e *Engine) repairImplementation(ctx context.Context, stage workflow.Stage, feedback string) error {
	dev := e.team.ByRole(workflow.RoleDeveloper)
	rep, ok := dev.(agent.Repairer)
	if !ok {
		return forgeerrors.NewPermanentError(nil, "no repair-capable agent on the team")
	}
	e.metrics.agentInvoked(string(workflow.RoleDeveloper))
	out, err := forgeerrors.RetryWithResult(ctx, e.cfg.Retry, func(ctx context.Context) (agent.Output, error) {
		return rep.Repair(ctx, e.project, feedback)
	}, e.plog, e.retryObserver(stage, workflow.RoleDeveloper))
	if err != nil {
		e.metrics.agentFailed(string(workflow.RoleDeveloper))
		e.recordError(fmt.Sprintf("repair during %s: %v", stage, err))
		return err
	}
	out.Apply(e.project, workflow.RoleDeveloper)
	e.emitter.AddTokens(out.Tokens)
	e.metrics.tokens(out.Tokens)
	return nil
}

// checkpointNow saves a checkpoint, treating a degraded save as a warning
// rather than a workflow failure.
func (e *Engine) checkpointNow(stage workflow.Stage, reason string, metadata map[string]string) {
	if e.ckpts == nil {
		return
	}
	rec := checkpoint.Record{
		WorkflowID:   e.project.ID(),
		Stage:        stage,
		StageHistory: e.historyCopy(),
		State:        e.project.Snapshot(),
		Metadata:     metadata,
		Reason:       reason,
	}
	path, err := e.ckpts.Save(rec)
	if err != nil {
		e.emitter.CountError()
		e.logger.Warn("checkpoint save degraded", "error", err)
		return
	}
	if err := e.ckpts.Prune(e.cfg.CheckpointRetain); err != nil {
		e.logger.Warn("checkpoint prune failed", "error", err)
	}
	e.emit(events.TypeCheckpointSaved, stage, map[string]any{
		"path":   path,
		"reason": reason,
	})
}

// finish resolves the terminal stage, writes the final checkpoint, and
// builds the summary.
func (e *Engine) finish(runErr error) (Summary, error) {
	outcome := workflow.StageCompleted
	if runErr != nil {
		outcome = workflow.StageFailed
		if !e.project.CurrentStage().IsTerminal() {
			if err := e.project.AdvanceStage(workflow.StageFailed, e.cfg.SkipUIDesign); err != nil {
				e.logger.Error("failed to mark workflow failed", "error", err)
			}
		}
		e.appendHistory(string(workflow.StageFailed))
	}

	summary := Summary{
		WorkflowID:     e.project.ID(),
		Outcome:        outcome,
		StageHistory:   e.historyCopy(),
		StageDurations: e.durationsCopy(),
		TotalTokens:    e.emitter.TotalTokens(),
		CacheHitRate:   e.emitter.CacheHitRate(),
		Errors:         e.errorsCopy(),
	}

	switch {
	case runErr == nil:
		e.checkpointNow(workflow.StageCompleted, "completed", nil)
		e.metrics.runFinished("completed")
		e.emit(events.TypeWorkflowCompleted, workflow.StageCompleted, map[string]any{
			"cache_hit_rate": summary.CacheHitRate,
		})
	case errors.Is(runErr, ErrCanceled) || e.cancellationReason() != "":
		reason := e.cancellationReason()
		e.checkpointNow(workflow.StageFailed, "canceled", map[string]string{
			"cancellation_reason": reason,
		})
		e.metrics.runFinished("canceled")
		e.publish(bus.NewMessage(bus.TypeWorkflowCanceled, workflow.SenderWorkflow, "", map[string]any{
			"reason": reason,
		}))
		e.emit(events.TypeWorkflowCanceled, workflow.StageFailed, map[string]any{
			"reason": reason,
		})
	default:
		e.checkpointNow(workflow.StageFailed, "failure", nil)
		e.metrics.runFinished("failed")
		e.emit(events.TypeWorkflowFailed, workflow.StageFailed, map[string]any{
			"error":              runErr.Error(),
			"last_error_kind":    errorKind(runErr),
			"last_error_message": runErr.Error(),
		})
	}
	return summary, runErr
}

// errorKind classifies the terminal error for the failure event: the
// generation error kind when one is present, the error class otherwise.
func errorKind(err error) string {
	if kind, ok := llm.KindOf(err); ok {
		return string(kind)
	}
	switch {
	case forgeerrors.IsPermanent(err):
		return "Permanent"
	case forgeerrors.IsTransient(err):
		return "Transient"
	default:
		return "Internal"
	}
}

func (e *Engine) cancellationReason() string {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	return e.cancelReason
}

// emit sends a progress event with the percent derived from the stage. Every
// event carries the current stage history, counters, and error list.
func (e *Engine) emit(t events.EventType, stage workflow.Stage, payload map[string]any) {
	percent := workflow.PercentComplete(stage, e.cfg.SkipUIDesign)
	stats := events.Stats{
		StageHistory: e.historyCopy(),
		Errors:       e.errorsCopy(),
	}
	e.emitter.Emit(t, stage, percent, stats, payload)
}

func (e *Engine) publish(msg bus.Message) {
	if err := e.msgBus.Publish(msg); err != nil {
		e.logger.Warn("bus publish failed", "type", string(msg.Type), "error", err)
	}
}

func (e *Engine) appendHistory(entry string) {
	e.mu.Lock()
	e.history = append(e.history, entry)
	e.mu.Unlock()
}

func (e *Engine) historyCopy() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.history...)
}

func (e *Engine) durationsCopy() map[workflow.Stage]time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[workflow.Stage]time.Duration, len(e.durations))
	for k, v := range e.durations {
		out[k] = v
	}
	return out
}

func (e *Engine) recordError(msg string) {
	e.mu.Lock()
	e.errs = append(e.errs, msg)
	e.mu.Unlock()
}

func (e *Engine) errorsCopy() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.errs...)
}

func roleNames(agents []agent.Agent) []string {
	out := make([]string, 0, len(agents))
	for _, a := range agents {
		out = append(out, string(a.Role()))
	}
	return out
}
