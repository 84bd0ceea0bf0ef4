package orchestrator

import (
	"context"
	"fmt"
	"time"

	"skipper/internal/logger"
	"skipper/internal/store/model"
)

type commandKind int

const (
	cmdAdvance commandKind = iota
	cmdOutcome
	cmdCancel
	cmdPause
	cmdResume
	cmdDispatch
)

type command struct {
	kind commandKind

	desc JobDescriptor

	jobID   string
	status  model.JobStatus
	results map[string]any
	jobErr  error

	replyID  chan idReply
	replyErr chan error
}

type idReply struct {
	id  string
	err error
}

// runActor serializes all lifecycle mutations for one run. Commands are
// processed in arrival order, so job outcome callbacks are handled in
// the order they were recorded and run-level completion is always
// evaluated against the latest sibling snapshot.
type runActor struct {
	runID  string
	orc    *Orchestrator
	ctx    context.Context
	cancel context.CancelFunc

	mailbox chan command
	done    chan struct{}
}

func newRunActor(parent context.Context, orc *Orchestrator, runID string) *runActor {
	ctx, cancel := context.WithCancel(parent)
	a := &runActor{
		runID:   runID,
		orc:     orc,
		ctx:     ctx,
		cancel:  cancel,
		mailbox: make(chan command, orc.mailboxSize),
		done:    make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *runActor) loop() {
	defer close(a.done)
	for {
		select {
		case cmd, ok := <-a.mailbox:
			if !ok {
				return
			}
			a.handle(cmd)
		case <-a.ctx.Done():
			// Drain replies so senders never block on a dead actor.
			for {
				select {
				case cmd, ok := <-a.mailbox:
					if !ok {
						return
					}
					a.reject(cmd, a.ctx.Err())
				default:
					return
				}
			}
		}
	}
}

func (a *runActor) send(cmd command) error {
	select {
	case a.mailbox <- cmd:
		return nil
	case <-a.ctx.Done():
		return a.ctx.Err()
	}
}

func (a *runActor) reject(cmd command, err error) {
	if cmd.replyID != nil {
		cmd.replyID <- idReply{err: err}
	}
	if cmd.replyErr != nil {
		cmd.replyErr <- err
	}
}

func (a *runActor) handle(cmd command) {
	switch cmd.kind {
	case cmdAdvance:
		id, err := a.advance(cmd.desc)
		cmd.replyID <- idReply{id: id, err: err}
	case cmdOutcome:
		cmd.replyErr <- a.recordOutcome(cmd.jobID, cmd.status, cmd.results, cmd.jobErr)
	case cmdCancel:
		cmd.replyErr <- a.cancelRun()
	case cmdPause:
		cmd.replyErr <- a.setPaused(true)
	case cmdResume:
		cmd.replyErr <- a.setPaused(false)
	case cmdDispatch:
		a.dispatch(cmd.jobID)
	}
}

// advance creates a job under the run. Rejected unless the run is in
// started/running.
func (a *runActor) advance(desc JobDescriptor) (string, error) {
	run, err := a.orc.loadRun(a.ctx, a.runID)
	if err != nil {
		return "", err
	}
	if run.Status != model.RunStatusStarted && run.Status != model.RunStatusRunning {
		return "", &RunNotActiveError{RunID: a.runID, Status: run.Status}
	}

	job, err := a.orc.newJob(a.runID, desc)
	if err != nil {
		return "", err
	}
	if err := a.orc.store.Jobs().Save(a.ctx, job); err != nil {
		return "", err
	}

	// First job moves the run from started to running.
	if run.Status == model.RunStatusStarted {
		run.Status = model.RunStatusRunning
		if err := a.orc.store.Runs().Save(a.ctx, run); err != nil {
			return "", err
		}
	}

	a.dispatch(job.JobID)
	return job.JobID, nil
}

// dispatch hands a pending job to its registered handler, if any. Jobs
// without a handler stay pending for external workers.
func (a *runActor) dispatch(jobID string) {
	job, err := a.orc.store.Jobs().FindByID(a.ctx, jobID)
	if err != nil {
		logger.Errorf("orchestrator: dispatch lookup for job %s failed: %v", jobID, err)
		return
	}
	if job.Status != model.JobStatusPending {
		return
	}
	handler := a.orc.handlerFor(job.JobType)
	if handler == nil {
		return
	}

	job.Status = model.JobStatusRunning
	if err := a.orc.store.Jobs().Save(a.ctx, job); err != nil {
		logger.Errorf("orchestrator: marking job %s running failed: %v", jobID, err)
		return
	}

	go func(job model.JobModel) {
		results, err := handler(a.ctx, &job)
		status := model.JobStatusCompleted
		if err != nil {
			status = model.JobStatusFailed
		}
		if recErr := a.orc.RecordOutcome(a.ctx, job.JobID, status, results, err); recErr != nil {
			logger.Errorf("orchestrator: recording outcome for job %s failed: %v", job.JobID, recErr)
		}
	}(*job)
}

func (a *runActor) recordOutcome(jobID string, status model.JobStatus, results map[string]any, jobErr error) error {
	job, err := a.orc.store.Jobs().FindByID(a.ctx, jobID)
	if err != nil {
		return err
	}
	if job.RunID != a.runID {
		return fmt.Errorf("job %s does not belong to run %s", jobID, a.runID)
	}
	if job.Status.Terminal() {
		// Late duplicate outcome; the first one won.
		return nil
	}

	switch status {
	case model.JobStatusFailed:
		return a.handleJobFailure(job, jobErr)
	case model.JobStatusCompleted:
		job.Status = model.JobStatusCompleted
		if results != nil {
			if err := a.orc.setJobResults(job, results); err != nil {
				return err
			}
		}
		if err := a.orc.store.Jobs().Save(a.ctx, job); err != nil {
			return err
		}
		return a.evaluateRun()
	case model.JobStatusRunning:
		job.Status = model.JobStatusRunning
		return a.orc.store.Jobs().Save(a.ctx, job)
	case model.JobStatusCancelled:
		job.Status = model.JobStatusCancelled
		if err := a.orc.store.Jobs().Save(a.ctx, job); err != nil {
			return err
		}
		return a.evaluateRun()
	default:
		return fmt.Errorf("unsupported outcome status %q", status)
	}
}

// handleJobFailure retries the job with backoff while budget remains,
// otherwise marks it terminal and records the FailedJob triage row.
func (a *runActor) handleJobFailure(job *model.JobModel, jobErr error) error {
	errMsg := "unknown error"
	if jobErr != nil {
		errMsg = jobErr.Error()
	}
	job.ErrorMessage = errMsg

	if job.RetryCount < job.MaxRetries {
		job.RetryCount++
		job.Status = model.JobStatusPending
		if err := a.orc.store.Jobs().Save(a.ctx, job); err != nil {
			return err
		}
		a.scheduleRetry(job.JobID, job.RetryCount)
		logger.Warnf("orchestrator: job %s failed (%s), retry %d/%d scheduled",
			job.JobID, errMsg, job.RetryCount, job.MaxRetries)
		return nil
	}

	job.Status = model.JobStatusFailed
	if err := a.orc.store.Jobs().Save(a.ctx, job); err != nil {
		return err
	}
	failed := &model.FailedJobModel{
		RunID:        a.runID,
		JobID:        job.JobID,
		ErrorType:    errorType(jobErr),
		ErrorMessage: errMsg,
		StackTrace:   fmt.Sprintf("%+v", jobErr),
		RetryCount:   job.RetryCount,
	}
	if err := a.orc.store.FailedJobs().Insert(a.ctx, failed); err != nil {
		logger.Errorf("orchestrator: failed-job record for %s not written: %v", job.JobID, err)
	}
	a.orc.publish(Event{
		Kind:    "job_failed",
		RunID:   a.runID,
		JobID:   job.JobID,
		Message: errMsg,
	})
	return a.evaluateRun()
}

// scheduleRetry re-dispatches a job after the configured backoff. The
// wait is cancelled if the run is cancelled.
func (a *runActor) scheduleRetry(jobID string, attempt int) {
	delay := a.orc.retryDelay(attempt)
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-a.ctx.Done():
			return
		case <-timer.C:
		}
		_ = a.send(command{kind: cmdDispatch, jobID: jobID})
	}()
}

// evaluateRun recomputes run status from the latest sibling snapshot.
// Runs on the actor goroutine, so two "last job" completions can never
// race on the verdict.
func (a *runActor) evaluateRun() error {
	run, err := a.orc.loadRun(a.ctx, a.runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	jobs, err := a.orc.store.Jobs().ListByRun(a.ctx, a.runID)
	if err != nil {
		return err
	}
	total := len(jobs)
	terminal := 0
	completed := 0
	var exhausted []model.JobModel
	for _, job := range jobs {
		if job.Status.Terminal() {
			terminal++
		}
		if job.Status == model.JobStatusCompleted {
			completed++
		}
		if job.Status == model.JobStatusFailed && job.Required {
			exhausted = append(exhausted, job)
		}
	}
	run.Progress = progressPct(completed, total)

	if len(exhausted) > 0 {
		return a.concludeFailure(run, exhausted)
	}
	if total > 0 && terminal == total {
		now := time.Now()
		run.Status = model.RunStatusCompleted
		run.Progress = 100
		run.EndedAt = &now
		if err := a.orc.store.Runs().Save(a.ctx, run); err != nil {
			return err
		}
		a.orc.publish(Event{Kind: "run_completed", RunID: a.runID, Stage: run.Stage})
		logger.Infof("orchestrator: run %s completed (%d jobs)", a.runID, total)
		return nil
	}
	return a.orc.store.Runs().Save(a.ctx, run)
}

// concludeFailure applies the run-level retry policy: a failed run
// re-enters running (failed -> running) while retry budget remains and
// every exhausted job can be re-dispatched in-process; otherwise the
// run fails for good.
func (a *runActor) concludeFailure(run *model.RunModel, exhausted []model.JobModel) error {
	retryable := run.RetryCount < run.MaxRetries
	for _, job := range exhausted {
		if a.orc.handlerFor(job.JobType) == nil {
			retryable = false
			break
		}
	}

	if retryable {
		run.RetryCount++
		run.Status = model.RunStatusRunning
		run.ErrorMessage = ""
		if err := a.orc.store.Runs().Save(a.ctx, run); err != nil {
			return err
		}
		for _, job := range exhausted {
			job := job
			job.Status = model.JobStatusPending
			job.RetryCount = 0
			job.ErrorMessage = ""
			if err := a.orc.store.Jobs().Save(a.ctx, &job); err != nil {
				return err
			}
			a.scheduleRetry(job.JobID, run.RetryCount)
		}
		logger.Warnf("orchestrator: run %s re-entering running, retry %d/%d (%d jobs reset)",
			a.runID, run.RetryCount, run.MaxRetries, len(exhausted))
		return nil
	}

	now := time.Now()
	run.Status = model.RunStatusFailed
	run.EndedAt = &now
	run.ErrorMessage = exhausted[0].ErrorMessage
	if err := a.orc.store.Runs().Save(a.ctx, run); err != nil {
		return err
	}
	a.orc.publish(Event{
		Kind:    "run_failed",
		RunID:   a.runID,
		Stage:   run.Stage,
		Message: run.ErrorMessage,
	})
	logger.Errorf("orchestrator: run %s failed: %s", a.runID, run.ErrorMessage)
	return nil
}

// cancelRun moves the run and all non-terminal jobs to cancelled and
// propagates cancellation to in-flight work. Cancelling a terminal run
// is a no-op.
func (a *runActor) cancelRun() error {
	run, err := a.orc.loadRun(a.ctx, a.runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	jobs, err := a.orc.store.Jobs().ListByRun(a.ctx, a.runID)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if job.Status.Terminal() {
			continue
		}
		job := job
		job.Status = model.JobStatusCancelled
		if err := a.orc.store.Jobs().Save(a.ctx, &job); err != nil {
			return err
		}
	}

	now := time.Now()
	run.Status = model.RunStatusCancelled
	run.EndedAt = &now
	if err := a.orc.store.Runs().Save(a.ctx, run); err != nil {
		return err
	}
	a.orc.publish(Event{Kind: "run_cancelled", RunID: a.runID, Stage: run.Stage})

	// Cancel after persisting so the status write above is not cut off.
	a.cancel()
	return nil
}

func (a *runActor) setPaused(paused bool) error {
	run, err := a.orc.loadRun(a.ctx, a.runID)
	if err != nil {
		return err
	}
	switch {
	case paused && run.Status == model.RunStatusRunning:
		run.Status = model.RunStatusPaused
	case !paused && run.Status == model.RunStatusPaused:
		run.Status = model.RunStatusRunning
	default:
		return &RunNotActiveError{RunID: a.runID, Status: run.Status}
	}
	return a.orc.store.Runs().Save(a.ctx, run)
}

func progressPct(completed, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(completed) / float64(total) * 100
}

func errorType(err error) string {
	if err == nil {
		return "unknown"
	}
	return fmt.Sprintf("%T", err)
}
