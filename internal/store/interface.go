package store

import (
	"context"

	"skipper/internal/store/model"
)

// Store is the entry point for database access.
type Store interface {
	Runs() RunRepository
	Jobs() JobRepository
	Executions() ExecutionRepository
	FailedJobs() FailedJobRepository
	Orders() OrderRepository
	Positions() PositionRepository
	Idempotency() IdempotencyRepository

	// Transact runs fn inside one transaction; the Store passed to fn
	// must only be used within fn.
	Transact(ctx context.Context, fn func(tx Store) error) error
	// Close closes the store connection.
	Close() error
}

// RunRepository handles run persistence.
type RunRepository interface {
	Save(ctx context.Context, run *model.RunModel) error
	FindByID(ctx context.Context, runID string) (*model.RunModel, error)
	ListByStatus(ctx context.Context, statuses ...model.RunStatus) ([]model.RunModel, error)
	// Delete removes the run and cascades to its jobs and their executions.
	Delete(ctx context.Context, runID string) error
}

// JobRepository handles job persistence.
type JobRepository interface {
	Save(ctx context.Context, job *model.JobModel) error
	FindByID(ctx context.Context, jobID string) (*model.JobModel, error)
	ListByRun(ctx context.Context, runID string) ([]model.JobModel, error)
}

// ExecutionRepository is append-only: completed/failed rows are never updated.
type ExecutionRepository interface {
	Insert(ctx context.Context, exec *model.ExecutionModel) error
	Finish(ctx context.Context, exec *model.ExecutionModel) error
	ListByJob(ctx context.Context, jobID string) ([]model.ExecutionModel, error)
}

type FailedJobRepository interface {
	Insert(ctx context.Context, rec *model.FailedJobModel) error
	ListByRun(ctx context.Context, runID string) ([]model.FailedJobModel, error)
}

type OrderRepository interface {
	Save(ctx context.Context, order *model.OrderModel) error
	FindByID(ctx context.Context, orderID string) (*model.OrderModel, error)
	// FindByClientID looks up the idempotency anchor (run_id, client_id).
	FindByClientID(ctx context.Context, runID, clientID string) (*model.OrderModel, error)
	ListByRun(ctx context.Context, runID string) ([]model.OrderModel, error)
}

type PositionRepository interface {
	Save(ctx context.Context, pos *model.PositionModel) error
	Find(ctx context.Context, runID, symbol string) (*model.PositionModel, error)
	ListByRun(ctx context.Context, runID string) ([]model.PositionModel, error)
	Delete(ctx context.Context, runID, symbol string) error
}

type IdempotencyRepository interface {
	Get(ctx context.Context, key string) (*model.IdempotencyModel, error)
	Put(ctx context.Context, rec *model.IdempotencyModel) error
	DeleteExpired(ctx context.Context) (int64, error)
}
