package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"skipper/internal/store/model"
)

// ErrRunNotFound is returned for lookups of unknown run ids.
var ErrRunNotFound = errors.New("run not found")

// ErrJobNotFound is returned for outcome reports against unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// InvalidConfigError rejects a malformed start request.
type InvalidConfigError struct {
	Detail string
}

func (e *InvalidConfigError) Error() string {
	return "invalid config: " + e.Detail
}

// RunNotActiveError rejects work against a run outside started/running.
type RunNotActiveError struct {
	RunID  string
	Status model.RunStatus
}

func (e *RunNotActiveError) Error() string {
	return fmt.Sprintf("run %s is not active (status=%s)", e.RunID, e.Status)
}

// JobDescriptor describes one unit of work to spawn under a run.
type JobDescriptor struct {
	JobType  string `json:"job_type"`
	Priority int    `json:"priority"`
	// Optional jobs may exhaust their retries without failing the
	// owning run. Jobs are required unless marked otherwise.
	Optional   bool           `json:"optional"`
	Parameters map[string]any `json:"parameters"`
	MaxRetries int            `json:"max_retries"`
	WorkerID   string         `json:"worker_id"`
}

// JobHandler executes a job type in-process. Jobs whose type has no
// registered handler are left for external workers to pick up and
// report through RecordOutcome.
type JobHandler func(ctx context.Context, job *model.JobModel) (map[string]any, error)

// RunSnapshot is the read model served by /status/{run_id}.
type RunSnapshot struct {
	Run        model.RunModel         `json:"run"`
	Jobs       []model.JobModel       `json:"jobs"`
	FailedJobs []model.FailedJobModel `json:"failed_jobs,omitempty"`
}

// Event is emitted to the external notifier on run/job milestones.
type Event struct {
	Kind    string // run_completed | run_failed | run_cancelled | job_failed
	RunID   string
	JobID   string
	Stage   model.RunStage
	Message string
}

// EventSink receives orchestration events. Implementations must not block.
type EventSink interface {
	Publish(evt Event)
}
