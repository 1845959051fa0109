package soar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"warden/core"
	"warden/metrics"
	"warden/storage"
	"warden/util/goroutine"
	"warden/util/keylock"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrRunNotActive is returned when cancelling a run that is not executing
	ErrRunNotActive = errors.New("playbook run is not active")

	// ErrExecutorClosed is returned for triggers after Shutdown
	ErrExecutorClosed = errors.New("playbook executor is shut down")

	// ErrRunInterrupted is recorded on runs a previous process left unfinished
	ErrRunInterrupted = errors.New("playbook run interrupted before completion")
)

const (
	actorSystem = "system"
	actorAuto   = "auto"
)

// persistTimeout bounds store writes made after the run context is gone
const persistTimeout = 10 * time.Second

// Store is the persistence the executor needs
type Store interface {
	storage.IncidentStore
	storage.RunStore
}

// ExecutorConfig bounds playbook execution
type ExecutorConfig struct {
	// MaxConcurrent caps runs executing at once; further runs queue as PENDING
	MaxConcurrent int
	// DefaultStepTimeout applies to steps without a timeout
	DefaultStepTimeout time.Duration
	// Retry is the step retry policy that playbook retry blocks override
	Retry RetryConfig
	// MaxConflictRetries bounds re-reads after a concurrent incident or run update
	MaxConflictRetries int
}

// DefaultExecutorConfig returns the default executor settings
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxConcurrent:      10,
		DefaultStepTimeout: DefaultStepTimeout,
		Retry:              DefaultRetryConfig(),
		MaxConflictRetries: 5,
	}
}

// cancelToken is checked between steps; a step in flight always completes
type cancelToken struct {
	mu    sync.Mutex
	set   bool
	actor string
}

func (t *cancelToken) cancel(actor string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.set {
		return false
	}
	t.set = true
	t.actor = actor
	return true
}

func (t *cancelToken) cancelled() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.actor, t.set
}

type activeRun struct {
	done  chan struct{}
	token *cancelToken
}

// Executor runs playbooks against incidents. Triggers are idempotent per
// (incident, playbook, indicator set) and runs for the same incident and
// playbook never execute concurrently.
type Executor struct {
	registry    *Registry
	store       Store
	actions     ActionProvider
	config      ExecutorConfig
	slots       *keylock.Locker
	semaphore   chan struct{}
	activeMu    sync.Mutex
	active      map[string]*activeRun
	closed      bool
	wg          sync.WaitGroup
	ctx         context.Context
	stop        context.CancelFunc
	logger      *zap.SugaredLogger
	auditLogger AuditLogger
	now         func() time.Time
	newID       func() string
}

// NewExecutor creates a playbook executor
func NewExecutor(registry *Registry, store Store, actions ActionProvider, config ExecutorConfig, logger *zap.SugaredLogger, auditLogger AuditLogger) *Executor {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}
	if config.DefaultStepTimeout <= 0 {
		config.DefaultStepTimeout = DefaultStepTimeout
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = DefaultRetryConfig()
	}
	if config.MaxConflictRetries <= 0 {
		config.MaxConflictRetries = 5
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if auditLogger == nil {
		auditLogger = &NoOpAuditLogger{}
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Executor{
		registry:    registry,
		store:       store,
		actions:     actions,
		config:      config,
		slots:       keylock.New(),
		semaphore:   make(chan struct{}, config.MaxConcurrent),
		active:      make(map[string]*activeRun),
		ctx:         ctx,
		stop:        stop,
		logger:      logger,
		auditLogger: auditLogger,
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// Registry returns the playbook registry
func (e *Executor) Registry() *Registry {
	return e.registry
}

// ActiveCount returns the number of runs queued or executing
func (e *Executor) ActiveCount() int {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	return len(e.active)
}

// Trigger starts the named playbook for an incident on behalf of the system
func (e *Executor) Trigger(ctx context.Context, incidentID, playbook string, indicators core.IndicatorSet) (*core.PlaybookRun, error) {
	return e.TriggerAs(ctx, incidentID, playbook, indicators, actorSystem)
}

// TriggerAs starts the named playbook for an incident. An existing run with the
// same identity is returned unchanged unless it FAILED with attempts left, in
// which case it is re-executed as RETRYING. A cancelled run is only retried by
// an operator. An empty indicator set selects the incident's indicators of the
// playbook's trigger kinds.
func (e *Executor) TriggerAs(ctx context.Context, incidentID, playbook string, indicators core.IndicatorSet, actor string) (*core.PlaybookRun, error) {
	pb, err := e.registry.Get(playbook)
	if err != nil {
		return nil, err
	}
	if e.isClosed() {
		return nil, ErrExecutorClosed
	}

	inc, err := e.store.Get(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if len(indicators) == 0 {
		indicators = inc.Indicators.Filter(pb.Trigger.IndicatorKinds...)
	}
	key := core.NewRunKey(incidentID, pb.Name, indicators)

	if !inc.IsOpen() {
		if run, err := e.store.GetRunByKey(ctx, key); err == nil {
			return run, nil
		}
		return nil, fmt.Errorf("%w: incident %s is closed", core.ErrInvalidTransition, incidentID)
	}

	candidate := &core.PlaybookRun{
		ID:          e.newID(),
		Key:         key,
		IncidentID:  incidentID,
		Playbook:    pb.Name,
		Indicators:  indicators.Clone(),
		Status:      core.RunPending,
		Attempts:    1,
		MaxAttempts: pb.maxAttempts(),
		TriggeredBy: actor,
		CreatedAt:   e.now().UTC(),
	}
	run, created, err := e.store.CreateRunIfAbsent(ctx, candidate)
	if err != nil {
		return nil, fmt.Errorf("failed to create playbook run: %w", err)
	}
	if created {
		e.logger.Infow("Playbook run created",
			"run_id", run.ID,
			"incident_id", incidentID,
			"playbook", pb.Name,
			"indicators", len(indicators),
			"actor", actor)
		e.schedule(run.Clone(), pb)
		return run, nil
	}
	return e.retryIfFailed(ctx, run, pb, actor)
}

// TriggerMatching starts every playbook whose trigger matches the incident
func (e *Executor) TriggerMatching(ctx context.Context, inc *core.Incident) ([]*core.PlaybookRun, error) {
	var runs []*core.PlaybookRun
	var errs []error
	for _, pb := range e.registry.List() {
		set, ok := pb.Matches(inc)
		if !ok {
			continue
		}
		run, err := e.TriggerAs(ctx, inc.ID, pb.Name, set, actorAuto)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", pb.Name, err))
			continue
		}
		runs = append(runs, run)
	}
	return runs, errors.Join(errs...)
}

func (e *Executor) retryIfFailed(ctx context.Context, run *core.PlaybookRun, pb *Playbook, actor string) (*core.PlaybookRun, error) {
	for attempt := 0; ; attempt++ {
		if !run.CanRetry() || (run.Cancelled && isAutomatic(actor)) {
			return run, nil
		}

		run.Status = core.RunRetrying
		run.Attempts++
		run.Steps = nil
		run.Error = ""
		run.Cancelled = false
		run.CancelledBy = ""
		run.TriggeredBy = actor
		run.StartedAt = time.Time{}
		run.FinishedAt = time.Time{}

		err := e.store.UpdateRun(ctx, run)
		if err == nil {
			e.logger.Infow("Retrying failed playbook run",
				"run_id", run.ID,
				"playbook", run.Playbook,
				"attempt", run.Attempts,
				"max_attempts", run.MaxAttempts)
			e.schedule(run.Clone(), pb)
			return run, nil
		}
		if !errors.Is(err, core.ErrStaleRunVersion) || attempt >= e.config.MaxConflictRetries {
			return nil, fmt.Errorf("failed to retry playbook run %s: %w", run.ID, err)
		}
		if run, err = e.store.GetRun(ctx, run.ID); err != nil {
			return nil, err
		}
	}
}

func isAutomatic(actor string) bool {
	return actor == actorSystem || actor == actorAuto
}

func (e *Executor) schedule(run *core.PlaybookRun, pb *Playbook) {
	ar := &activeRun{done: make(chan struct{}), token: &cancelToken{}}

	e.activeMu.Lock()
	if e.closed {
		e.activeMu.Unlock()
		_ = e.finish(run, ErrExecutorClosed)
		return
	}
	defer e.activeMu.Unlock()
	e.active[run.ID] = ar

	goroutine.Go(&e.wg, "playbook-run", e.logger, func() {
		defer func() {
			e.activeMu.Lock()
			if e.active[run.ID] == ar {
				delete(e.active, run.ID)
			}
			e.activeMu.Unlock()
			close(ar.done)
		}()
		e.execute(run, pb, ar.token)
	})
}

// Wait blocks until the run stops executing and returns its stored state
func (e *Executor) Wait(ctx context.Context, runID string) (*core.PlaybookRun, error) {
	e.activeMu.Lock()
	ar := e.active[runID]
	e.activeMu.Unlock()

	if ar != nil {
		select {
		case <-ar.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.store.GetRun(ctx, runID)
}

// RecoverInterrupted fails every run a previous process left PENDING, RUNNING
// or RETRYING so that it can be re-triggered. Call it before the first trigger.
func (e *Executor) RecoverInterrupted(ctx context.Context) (int, error) {
	runs, err := e.store.ListUnfinishedRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list unfinished playbook runs: %w", err)
	}

	recovered := 0
	var errs []error
	for _, run := range runs {
		e.activeMu.Lock()
		_, active := e.active[run.ID]
		e.activeMu.Unlock()
		if active {
			continue
		}
		if err := e.finish(run, ErrRunInterrupted); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", run.ID, err))
			continue
		}
		recovered++
	}
	if recovered > 0 {
		e.logger.Warnw("Failed playbook runs interrupted by a restart", "count", recovered)
	}
	return recovered, errors.Join(errs...)
}

// Cancel requests cooperative cancellation. The step in flight finishes and
// the run then ends FAILED with Cancelled set.
func (e *Executor) Cancel(ctx context.Context, runID, actor string) error {
	e.activeMu.Lock()
	ar := e.active[runID]
	e.activeMu.Unlock()

	if ar == nil {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s is %s", ErrRunNotActive, runID, run.Status)
	}
	if actor == "" {
		actor = "unknown"
	}
	if !ar.token.cancel(actor) {
		return nil
	}

	e.logger.Infow("Playbook run cancellation requested", "run_id", runID, "actor", actor)
	e.auditLogger.Log(ctx, &AuditEvent{
		Timestamp: e.now().UTC(),
		EventType: AuditCancelRequested,
		RunID:     runID,
		Actor:     actor,
		Result:    "requested",
	})
	return nil
}

// Shutdown stops accepting triggers and waits for active runs. When ctx
// expires first, in-flight provider calls are aborted.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.activeMu.Lock()
	e.closed = true
	e.activeMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.stop()
		return nil
	case <-ctx.Done():
		e.stop()
		<-done
		return ctx.Err()
	}
}

func (e *Executor) isClosed() bool {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	return e.closed
}

func (e *Executor) persistCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(e.ctx), persistTimeout)
}

func (e *Executor) execute(run *core.PlaybookRun, pb *Playbook, token *cancelToken) {
	ctx := e.ctx

	unlock := e.slots.Lock([]string{run.Key.SlotKey()})
	defer unlock()

	if ctx.Err() != nil {
		_ = e.finish(run, ErrExecutorClosed)
		return
	}
	select {
	case e.semaphore <- struct{}{}:
	case <-ctx.Done():
		_ = e.finish(run, ErrExecutorClosed)
		return
	}
	defer func() { <-e.semaphore }()

	metrics.PlaybooksActive.Inc()
	defer metrics.PlaybooksActive.Dec()

	run.Status = core.RunRunning
	run.StartedAt = e.now().UTC()
	if err := e.saveRun(run); err != nil {
		e.logger.Errorw("Failed to start playbook run", "run_id", run.ID, "error", err)
		return
	}

	e.auditLogger.Log(ctx, &AuditEvent{
		Timestamp:  run.StartedAt,
		EventType:  AuditRunStarted,
		RunID:      run.ID,
		IncidentID: run.IncidentID,
		Playbook:   run.Playbook,
		Actor:      run.TriggeredBy,
		Attempts:   run.Attempts,
		Result:     "started",
	})
	e.logger.Infow("Starting playbook run",
		"run_id", run.ID,
		"incident_id", run.IncidentID,
		"playbook", run.Playbook,
		"attempt", run.Attempts)

	inc, err := e.recordOnIncident(run, true)
	if err != nil {
		_ = e.finish(run, fmt.Errorf("failed to update incident: %w", err))
		return
	}

	tc := &templateContext{
		incident:   inc,
		run:        run,
		indicators: run.Indicators,
		outputs:    make(map[string]map[string]string),
	}

	var failure error
	for i, step := range pb.Steps {
		if actor, ok := token.cancelled(); ok {
			run.Cancelled = true
			run.CancelledBy = actor
			run.Steps = append(run.Steps, e.skipped(pb.Steps[i:])...)
			failure = fmt.Errorf("cancelled by %s", actor)
			break
		}

		results, err := e.runStep(ctx, run, step, tc)
		run.Steps = append(run.Steps, results...)
		for _, res := range results {
			if res.Output != nil {
				tc.outputs[res.Name] = res.Output
			}
		}
		if err != nil {
			run.Steps = append(run.Steps, e.skipped(pb.Steps[i+1:])...)
			failure = err
			break
		}

		if err := e.saveRun(run); err != nil {
			e.logger.Warnw("Failed to persist playbook progress", "run_id", run.ID, "error", err)
		}
	}

	_ = e.finish(run, failure)
}

// finish records the terminal state of a run and reports whether it was stored
func (e *Executor) finish(run *core.PlaybookRun, failure error) error {
	run.FinishedAt = e.now().UTC()
	if failure != nil {
		run.Status = core.RunFailed
		run.Error = failure.Error()
	} else {
		run.Status = core.RunSucceeded
	}

	saveErr := e.saveRun(run)
	if saveErr != nil {
		e.logger.Errorw("Failed to persist playbook run result", "run_id", run.ID, "status", run.Status, "error", saveErr)
	}
	if _, err := e.recordOnIncident(run, false); err != nil {
		e.logger.Errorw("Failed to record playbook run on incident", "run_id", run.ID, "incident_id", run.IncidentID, "error", err)
	}

	metrics.PlaybookRuns.WithLabelValues(run.Playbook, string(run.Status)).Inc()

	var duration time.Duration
	if !run.StartedAt.IsZero() {
		duration = run.FinishedAt.Sub(run.StartedAt)
	}
	e.auditLogger.Log(e.ctx, &AuditEvent{
		Timestamp:    run.FinishedAt,
		EventType:    AuditRunCompleted,
		RunID:        run.ID,
		IncidentID:   run.IncidentID,
		Playbook:     run.Playbook,
		Actor:        run.CancelledBy,
		Attempts:     run.Attempts,
		Result:       strings.ToLower(string(run.Status)),
		ErrorMessage: run.Error,
		DurationMs:   durationMs(duration),
	})

	if run.Status == core.RunFailed {
		e.logger.Warnw("Playbook run failed",
			"run_id", run.ID,
			"incident_id", run.IncidentID,
			"playbook", run.Playbook,
			"attempt", run.Attempts,
			"cancelled", run.Cancelled,
			"error", run.Error)
		return saveErr
	}
	e.logger.Infow("Playbook run succeeded",
		"run_id", run.ID,
		"incident_id", run.IncidentID,
		"playbook", run.Playbook,
		"duration", duration)
	return saveErr
}

func (e *Executor) saveRun(run *core.PlaybookRun) error {
	ctx, cancel := e.persistCtx()
	defer cancel()
	return e.store.UpdateRun(ctx, run)
}

// recordOnIncident appends the run state to the incident history, moving the
// incident to RESPONDING when a run starts
func (e *Executor) recordOnIncident(run *core.PlaybookRun, starting bool) (*core.Incident, error) {
	ctx, cancel := e.persistCtx()
	defer cancel()

	for attempt := 0; ; attempt++ {
		inc, err := e.store.Get(ctx, run.IncidentID)
		if err != nil {
			return nil, err
		}

		now := e.now().UTC()
		if starting && inc.Status != core.IncidentResponding && inc.CanTransitionTo(core.IncidentResponding) {
			if err := inc.TransitionTo(core.IncidentResponding, "playbook:"+run.Playbook, "playbook run started", now); err != nil {
				return nil, err
			}
		}
		inc.RecordRun(run, now)

		err = e.store.Update(ctx, inc)
		if err == nil {
			return inc, nil
		}
		if !errors.Is(err, core.ErrStaleIncidentVersion) || attempt >= e.config.MaxConflictRetries {
			return nil, err
		}
	}
}

func (e *Executor) runStep(ctx context.Context, run *core.PlaybookRun, step Step, tc *templateContext) ([]core.StepResult, error) {
	if !step.IsGroup() {
		res, err := e.runAction(ctx, run, step, tc)
		return []core.StepResult{res}, err
	}

	// Members run to completion even when a sibling fails, so no side
	// effect is abandoned half applied.
	results := make([]core.StepResult, len(step.Parallel))
	var g errgroup.Group
	for i, leaf := range step.Parallel {
		g.Go(func() error {
			res, err := e.runAction(ctx, run, leaf, tc)
			results[i] = res
			return err
		})
	}
	return results, g.Wait()
}

// runAction executes one action step with its retry policy. Idempotent steps
// retry directly. Other steps consult their verify action first and are not
// retried when they have none.
func (e *Executor) runAction(ctx context.Context, run *core.PlaybookRun, step Step, tc *templateContext) (core.StepResult, error) {
	res := core.StepResult{
		Name:       step.Name,
		Action:     step.Action,
		Idempotent: step.Idempotent,
		StartedAt:  e.now().UTC(),
	}
	fail := func(params map[string]string, err error) (core.StepResult, error) {
		res.Status = core.StepFailed
		res.Error = err.Error()
		res.FinishedAt = e.now().UTC()
		e.observeStep(run, res, params)
		return res, fmt.Errorf("%w: %s: %w", core.ErrPlaybookStepFailed, step.Name, err)
	}

	params, err := tc.render(step.Params)
	if err != nil {
		return fail(nil, err)
	}

	policy := e.config.Retry.withPolicy(step.Retry)
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.config.DefaultStepTimeout
	}

	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		out, err := e.call(ctx, step.Action, params, timeout)
		if err == nil {
			res.Status = core.StepSucceeded
			res.Output = out.Output
			break
		}

		errorType := ClassifyError(err)
		if !ShouldRetry(err) || ctx.Err() != nil {
			return fail(params, err)
		}

		if !step.Idempotent {
			if step.Verify == nil {
				return fail(params, fmt.Errorf("%w; not retried: step is not idempotent and has no verify action", err))
			}
			applied, verr := e.verify(ctx, step, tc, timeout)
			if verr != nil {
				return fail(params, fmt.Errorf("%w; verification failed: %v", err, verr))
			}
			if applied {
				res.Status = core.StepVerified
				res.Verified = true
				break
			}
		}

		if attempt >= policy.MaxAttempts {
			return fail(params, err)
		}
		if step.Idempotent {
			res.IdempotentRetried = true
		}

		delay := policy.delay(attempt-1, errorType)
		metrics.PlaybookStepRetries.WithLabelValues(step.Action, string(errorType)).Inc()
		e.logger.Warnw("Retrying playbook step",
			"run_id", run.ID,
			"step", step.Name,
			"action", step.Action,
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"error_type", errorType,
			"delay", delay,
			"error", err)

		if serr := sleep(ctx, delay); serr != nil {
			return fail(params, fmt.Errorf("%w; retry aborted: %v", err, serr))
		}
	}

	res.FinishedAt = e.now().UTC()
	e.observeStep(run, res, params)
	return res, nil
}

// call runs one provider call under timeout. A call that overruns its
// timeout is a failure even if the provider eventually reports success.
func (e *Executor) call(ctx context.Context, action string, params map[string]string, timeout time.Duration) (*ActionResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := e.actions.Execute(callCtx, action, params)
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	if timedOut && !errors.Is(err, core.ErrProviderTimeout) {
		if err == nil {
			err = errors.New("result arrived after deadline")
		}
		return nil, fmt.Errorf("%w: %s after %s: %v", core.ErrProviderTimeout, action, timeout, err)
	}
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = &ActionResult{Status: ResultOK}
	}
	if out.Status == ResultFailed {
		return nil, fmt.Errorf("%w: %s reported failure: %s", core.ErrProviderError, action, out.Message)
	}
	return out, nil
}

// verify asks whether a non-idempotent step's effect is already in place
func (e *Executor) verify(ctx context.Context, step Step, tc *templateContext, timeout time.Duration) (bool, error) {
	params, err := tc.render(step.Verify.Params)
	if err != nil {
		return false, err
	}
	out, err := e.call(ctx, step.Verify.Action, params, timeout)
	if err != nil {
		return false, err
	}
	switch out.Status {
	case ResultApplied:
		return true, nil
	case ResultAbsent:
		return false, nil
	}
	return false, fmt.Errorf("verify action %s returned %q, want %q or %q", step.Verify.Action, out.Status, ResultApplied, ResultAbsent)
}

func (e *Executor) observeStep(run *core.PlaybookRun, res core.StepResult, params map[string]string) {
	duration := res.FinishedAt.Sub(res.StartedAt)
	metrics.PlaybookStepDuration.WithLabelValues(res.Action, string(res.Status)).Observe(duration.Seconds())
	e.auditLogger.Log(e.ctx, &AuditEvent{
		Timestamp:    res.FinishedAt,
		EventType:    AuditStepCompleted,
		RunID:        run.ID,
		IncidentID:   run.IncidentID,
		Playbook:     run.Playbook,
		StepName:     res.Name,
		Action:       res.Action,
		Attempts:     res.Attempts,
		Parameters:   params,
		Result:       string(res.Status),
		ErrorMessage: res.Error,
		DurationMs:   durationMs(duration),
	})
}

func (e *Executor) skipped(steps []Step) []core.StepResult {
	now := e.now().UTC()
	var out []core.StepResult
	for _, step := range steps {
		for _, leaf := range step.leaves() {
			out = append(out, core.StepResult{
				Name:       leaf.Name,
				Action:     leaf.Action,
				Status:     core.StepSkipped,
				Idempotent: leaf.Idempotent,
				StartedAt:  now,
				FinishedAt: now,
			})
		}
	}
	return out
}
