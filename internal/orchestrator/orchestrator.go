package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"skipper/internal/logger"
	"skipper/internal/resilience"
	"skipper/internal/store"
	"skipper/internal/store/gormstore"
	"skipper/internal/store/model"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Options tunes orchestrator behavior.
type Options struct {
	DefaultMaxRetries int
	MailboxSize       int
}

// Orchestrator owns the Run/Job/Execution state machines. Every run
// gets its own actor so lifecycle evaluation is single-writer per run
// while independent runs proceed fully in parallel.
type Orchestrator struct {
	store store.Store
	retry *resilience.RetryManager
	sink  EventSink

	rootCtx  context.Context
	rootStop context.CancelFunc

	defaultMaxRetries int
	mailboxSize       int

	mu       sync.Mutex
	actors   map[string]*runActor
	handlers map[string]JobHandler
}

func New(st store.Store, retry *resilience.RetryManager, sink EventSink, opts Options) *Orchestrator {
	if opts.DefaultMaxRetries <= 0 {
		opts.DefaultMaxRetries = 3
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:             st,
		retry:             retry,
		sink:              sink,
		rootCtx:           ctx,
		rootStop:          cancel,
		defaultMaxRetries: opts.DefaultMaxRetries,
		mailboxSize:       opts.MailboxSize,
		actors:            make(map[string]*runActor),
		handlers:          make(map[string]JobHandler),
	}
}

// RegisterHandler binds an in-process executor to a job type.
func (o *Orchestrator) RegisterHandler(jobType string, handler JobHandler) {
	o.mu.Lock()
	o.handlers[jobType] = handler
	o.mu.Unlock()
}

func (o *Orchestrator) handlerFor(jobType string) JobHandler {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.handlers[jobType]
}

// StartRun creates a run in started.
func (o *Orchestrator) StartRun(ctx context.Context, strategyRef string, stage model.RunStage, config map[string]any) (string, error) {
	if strings.TrimSpace(strategyRef) == "" {
		return "", &InvalidConfigError{Detail: "strategy_ref is required"}
	}
	if _, ok := model.KnownStages[stage]; !ok {
		return "", &InvalidConfigError{Detail: fmt.Sprintf("unknown stage %q", stage)}
	}
	var cfgJSON datatypes.JSON
	if config != nil {
		raw, err := json.Marshal(config)
		if err != nil {
			return "", &InvalidConfigError{Detail: "config is not serializable: " + err.Error()}
		}
		cfgJSON = datatypes.JSON(raw)
	}

	run := &model.RunModel{
		RunID:       uuid.NewString(),
		StrategyRef: strategyRef,
		Stage:       stage,
		Status:      model.RunStatusStarted,
		MaxRetries:  o.defaultMaxRetries,
		ConfigJSON:  cfgJSON,
		StartedAt:   time.Now(),
	}
	if parent, ok := config["parent_run_id"].(string); ok {
		run.ParentRunID = parent
	}
	if creator, ok := config["created_by"].(string); ok {
		run.CreatedBy = creator
	}
	if err := o.store.Runs().Save(ctx, run); err != nil {
		return "", err
	}
	o.actorFor(run.RunID)
	logger.Infof("orchestrator: run %s started (stage=%s strategy=%s)", run.RunID, stage, strategyRef)
	return run.RunID, nil
}

// Advance creates a job under the run and dispatches it if a handler
// is registered for its type.
func (o *Orchestrator) Advance(ctx context.Context, runID string, desc JobDescriptor) (string, error) {
	actor, err := o.liveActor(ctx, runID)
	if err != nil {
		return "", err
	}
	reply := make(chan idReply, 1)
	if err := actor.send(command{kind: cmdAdvance, desc: desc, replyID: reply}); err != nil {
		return "", err
	}
	select {
	case r := <-reply:
		return r.id, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// RecordOutcome transitions a job and re-evaluates the owning run.
func (o *Orchestrator) RecordOutcome(ctx context.Context, jobID string, status model.JobStatus, results map[string]any, jobErr error) error {
	job, err := o.store.Jobs().FindByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, gormstore.ErrNotFound) {
			return ErrJobNotFound
		}
		return err
	}
	actor, err := o.liveActor(ctx, job.RunID)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	cmd := command{
		kind:     cmdOutcome,
		jobID:    jobID,
		status:   status,
		results:  results,
		jobErr:   jobErr,
		replyErr: reply,
	}
	if err := actor.send(cmd); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel transitions the run and its non-terminal jobs to cancelled.
// Idempotent: cancelling a terminal run is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) error {
	actor, err := o.liveActor(ctx, runID)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	if err := actor.send(command{kind: cmdCancel, replyErr: reply}); err != nil {
		// The actor context dies as part of cancellation; a prior cancel
		// already did the work.
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause suspends a running run (running -> paused).
func (o *Orchestrator) Pause(ctx context.Context, runID string) error {
	return o.sendSimple(ctx, runID, cmdPause)
}

// Resume re-activates a paused run (paused -> running).
func (o *Orchestrator) Resume(ctx context.Context, runID string) error {
	return o.sendSimple(ctx, runID, cmdResume)
}

func (o *Orchestrator) sendSimple(ctx context.Context, runID string, kind commandKind) error {
	actor, err := o.liveActor(ctx, runID)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	if err := actor.send(command{kind: kind, replyErr: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the latest run snapshot. It reads straight from the
// store and always succeeds for known runs, including failed ones.
func (o *Orchestrator) Status(ctx context.Context, runID string) (RunSnapshot, error) {
	run, err := o.loadRun(ctx, runID)
	if err != nil {
		return RunSnapshot{}, err
	}
	jobs, err := o.store.Jobs().ListByRun(ctx, runID)
	if err != nil {
		return RunSnapshot{}, err
	}
	failed, err := o.store.FailedJobs().ListByRun(ctx, runID)
	if err != nil {
		return RunSnapshot{}, err
	}
	return RunSnapshot{Run: *run, Jobs: jobs, FailedJobs: failed}, nil
}

// Execute wraps one outbound call as an Execution audit row: a started
// row before the call, a terminal row after, with duration and a
// resource snapshot. The call itself runs through the RetryManager
// (circuit breaker + idempotency + backoff).
func (o *Orchestrator) Execute(ctx context.Context, jobID, stepName, dependencyKey string, op resilience.Operation) ([]byte, error) {
	exec := &model.ExecutionModel{
		ExecutionID: uuid.NewString(),
		JobID:       jobID,
		StepName:    stepName,
		Status:      model.ExecutionStatusStarted,
		StartedAt:   time.Now(),
	}
	if err := o.store.Executions().Insert(ctx, exec); err != nil {
		return nil, err
	}

	result, err := o.retry.Execute(ctx, dependencyKey, exec.ExecutionID, op)

	now := time.Now()
	exec.EndedAt = &now
	exec.DurationMS = now.Sub(exec.StartedAt).Milliseconds()
	exec.MemoryMB = heapMB()
	if err != nil {
		exec.Status = model.ExecutionStatusFailed
		exec.ErrorMessage = err.Error()
	} else {
		exec.Status = model.ExecutionStatusCompleted
	}
	if finErr := o.store.Executions().Finish(ctx, exec); finErr != nil {
		logger.Warnf("orchestrator: finishing execution %s failed: %v", exec.ExecutionID, finErr)
	}
	return result, err
}

// Recover re-arms actors for all non-terminal runs after a restart and
// re-dispatches their pending jobs.
func (o *Orchestrator) Recover(ctx context.Context) error {
	runs, err := o.store.Runs().ListByStatus(ctx,
		model.RunStatusStarted, model.RunStatusRunning, model.RunStatusPaused)
	if err != nil {
		return err
	}
	for _, run := range runs {
		actor := o.actorFor(run.RunID)
		jobs, err := o.store.Jobs().ListByRun(ctx, run.RunID)
		if err != nil {
			return err
		}
		for _, job := range jobs {
			switch job.Status {
			case model.JobStatusPending:
				_ = actor.send(command{kind: cmdDispatch, jobID: job.JobID})
			case model.JobStatusRunning:
				// The in-flight attempt died with the process; requeue.
				job := job
				job.Status = model.JobStatusPending
				if err := o.store.Jobs().Save(ctx, &job); err != nil {
					return err
				}
				_ = actor.send(command{kind: cmdDispatch, jobID: job.JobID})
			}
		}
	}
	if len(runs) > 0 {
		logger.Infof("orchestrator: recovered %d active runs", len(runs))
	}
	return nil
}

// Close stops all actors. In-flight outbound calls observe context
// cancellation.
func (o *Orchestrator) Close() {
	o.rootStop()
	o.mu.Lock()
	actors := make([]*runActor, 0, len(o.actors))
	for _, a := range o.actors {
		actors = append(actors, a)
	}
	o.mu.Unlock()
	for _, a := range actors {
		a.cancel()
		<-a.done
	}
}

func (o *Orchestrator) actorFor(runID string) *runActor {
	o.mu.Lock()
	defer o.mu.Unlock()
	if a, ok := o.actors[runID]; ok && a.ctx.Err() == nil {
		return a
	}
	a := newRunActor(o.rootCtx, o, runID)
	o.actors[runID] = a
	return a
}

// liveActor returns the actor for runID, verifying the run exists.
func (o *Orchestrator) liveActor(ctx context.Context, runID string) (*runActor, error) {
	if _, err := o.loadRun(ctx, runID); err != nil {
		return nil, err
	}
	return o.actorFor(runID), nil
}

func (o *Orchestrator) loadRun(ctx context.Context, runID string) (*model.RunModel, error) {
	run, err := o.store.Runs().FindByID(ctx, runID)
	if err != nil {
		if errors.Is(err, gormstore.ErrNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

func (o *Orchestrator) newJob(runID string, desc JobDescriptor) (*model.JobModel, error) {
	if strings.TrimSpace(desc.JobType) == "" {
		return nil, &InvalidConfigError{Detail: "job_type is required"}
	}
	maxRetries := desc.MaxRetries
	if maxRetries <= 0 {
		maxRetries = o.defaultMaxRetries
	}
	var params datatypes.JSON
	if desc.Parameters != nil {
		raw, err := json.Marshal(desc.Parameters)
		if err != nil {
			return nil, &InvalidConfigError{Detail: "parameters are not serializable: " + err.Error()}
		}
		params = datatypes.JSON(raw)
	}
	return &model.JobModel{
		JobID:      uuid.NewString(),
		RunID:      runID,
		JobType:    desc.JobType,
		Status:     model.JobStatusPending,
		Priority:   desc.Priority,
		Required:   !desc.Optional,
		Parameters: params,
		MaxRetries: maxRetries,
		WorkerID:   desc.WorkerID,
		CreatedAt:  time.Now(),
	}, nil
}

func (o *Orchestrator) setJobResults(job *model.JobModel, results map[string]any) error {
	raw, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("results are not serializable: %w", err)
	}
	job.Results = datatypes.JSON(raw)
	return nil
}

// retryDelay asks the retry manager's policy for the backoff before
// attempt n, so job retries and outbound-call retries share one curve.
func (o *Orchestrator) retryDelay(attempt int) time.Duration {
	if o.retry == nil {
		return time.Duration(attempt) * time.Second
	}
	return o.retry.Backoff(attempt)
}

func (o *Orchestrator) publish(evt Event) {
	if o.sink == nil {
		return
	}
	o.sink.Publish(evt)
}

func heapMB() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapAlloc) / (1024 * 1024)
}
