package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type RunStatus string

const (
	RunStatusStarted   RunStatus = "started"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusPaused    RunStatus = "paused"
)

// Terminal reports whether the status is absorbing.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

type RunStage string

const (
	StageIngest   RunStage = "ingest"
	StageTrain    RunStage = "train"
	StageBacktest RunStage = "backtest"
	StagePromote  RunStage = "promote"
	StageExecute  RunStage = "execute"
	StageMonitor  RunStage = "monitor"
)

var KnownStages = map[RunStage]struct{}{
	StageIngest:   {},
	StageTrain:    {},
	StageBacktest: {},
	StagePromote:  {},
	StageExecute:  {},
	StageMonitor:  {},
}

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

type ExecutionStatus string

const (
	ExecutionStatusStarted   ExecutionStatus = "started"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusSubmitted       OrderStatus = "SUBMITTED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// RunModel is one end-to-end execution of a staged workflow.
type RunModel struct {
	RunID          string         `gorm:"column:run_id;primaryKey" json:"run_id"`
	StrategyRef    string         `gorm:"column:strategy_ref;index" json:"strategy_ref"`
	Stage          RunStage       `gorm:"column:stage" json:"stage"`
	Status         RunStatus      `gorm:"column:status;index" json:"status"`
	Progress       float64        `gorm:"column:progress" json:"progress"`
	ParentRunID    string         `gorm:"column:parent_run_id;index" json:"parent_run_id"`
	Priority       int            `gorm:"column:priority" json:"priority"`
	RetryCount     int            `gorm:"column:retry_count" json:"retry_count"`
	MaxRetries     int            `gorm:"column:max_retries" json:"max_retries"`
	ConfigJSON     datatypes.JSON `gorm:"column:config_json;type:TEXT" json:"config"`
	MetricsPartial datatypes.JSON `gorm:"column:metrics_partial;type:TEXT" json:"metrics_partial"`
	ETAMinutes     int            `gorm:"column:eta_minutes" json:"eta_minutes"`
	CreatedBy      string         `gorm:"column:created_by" json:"created_by"`
	ErrorMessage   string         `gorm:"column:error_message" json:"error_message"`
	StartedAt      time.Time      `gorm:"column:started_at" json:"started_at"`
	EndedAt        *time.Time     `gorm:"column:ended_at" json:"ended_at"`
	UpdatedAt      time.Time      `gorm:"column:updated_at" json:"updated_at"`
}

func (RunModel) TableName() string { return "runs" }

// JobModel is a unit of work owned by exactly one Run.
type JobModel struct {
	JobID        string         `gorm:"column:job_id;primaryKey" json:"job_id"`
	RunID        string         `gorm:"column:run_id;index" json:"run_id"`
	JobType      string         `gorm:"column:job_type" json:"job_type"`
	Status       JobStatus      `gorm:"column:status;index" json:"status"`
	Priority     int            `gorm:"column:priority" json:"priority"`
	Required     bool           `gorm:"column:required" json:"required"`
	Parameters   datatypes.JSON `gorm:"column:parameters;type:TEXT" json:"parameters"`
	Results      datatypes.JSON `gorm:"column:results;type:TEXT" json:"results"`
	RetryCount   int            `gorm:"column:retry_count" json:"retry_count"`
	MaxRetries   int            `gorm:"column:max_retries" json:"max_retries"`
	WorkerID     string         `gorm:"column:worker_id" json:"worker_id"`
	ErrorMessage string         `gorm:"column:error_message" json:"error_message"`
	CreatedAt    time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"column:updated_at" json:"updated_at"`
}

func (JobModel) TableName() string { return "jobs" }

// ExecutionModel is an append-only attempt record under a Job.
// Rows are immutable once status reaches completed/failed.
type ExecutionModel struct {
	ExecutionID  string          `gorm:"column:execution_id;primaryKey" json:"execution_id"`
	JobID        string          `gorm:"column:job_id;index" json:"job_id"`
	StepName     string          `gorm:"column:step_name" json:"step_name"`
	Status       ExecutionStatus `gorm:"column:status" json:"status"`
	DurationMS   int64           `gorm:"column:duration_ms" json:"duration_ms"`
	CPUPercent   float64         `gorm:"column:cpu_percent" json:"cpu_percent"`
	MemoryMB     float64         `gorm:"column:memory_mb" json:"memory_mb"`
	ErrorMessage string          `gorm:"column:error_message" json:"error_message"`
	StartedAt    time.Time       `gorm:"column:started_at" json:"started_at"`
	EndedAt      *time.Time      `gorm:"column:ended_at" json:"ended_at"`
}

func (ExecutionModel) TableName() string { return "executions" }

// FailedJobModel is the denormalized triage record written when a job
// or run exhausts its retries.
type FailedJobModel struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	RunID        string    `gorm:"column:run_id;index" json:"run_id"`
	JobID        string    `gorm:"column:job_id;index" json:"job_id"`
	ErrorType    string    `gorm:"column:error_type" json:"error_type"`
	ErrorMessage string    `gorm:"column:error_message" json:"error_message"`
	StackTrace   string    `gorm:"column:stack_trace;type:TEXT" json:"stack_trace"`
	RetryCount   int       `gorm:"column:retry_count" json:"retry_count"`
	CreatedAt    time.Time `gorm:"column:created_at" json:"created_at"`
}

func (FailedJobModel) TableName() string { return "failed_jobs" }

// OrderModel. (run_id, client_id) is the idempotency anchor for submission.
type OrderModel struct {
	OrderID         string          `gorm:"column:order_id;primaryKey" json:"order_id"`
	RunID           string          `gorm:"column:run_id;uniqueIndex:idx_order_client,priority:1" json:"run_id"`
	ClientID        string          `gorm:"column:client_id;uniqueIndex:idx_order_client,priority:2" json:"client_id"`
	Symbol          string          `gorm:"column:symbol;index" json:"symbol"`
	Side            OrderSide       `gorm:"column:side" json:"side"`
	Type            string          `gorm:"column:type" json:"type"`
	Quantity        decimal.Decimal `gorm:"column:quantity;type:TEXT" json:"quantity"`
	Price           decimal.Decimal `gorm:"column:price;type:TEXT" json:"price"`
	Status          OrderStatus     `gorm:"column:status;index" json:"status"`
	FilledQuantity  decimal.Decimal `gorm:"column:filled_quantity;type:TEXT" json:"filled_quantity"`
	AveragePrice    decimal.Decimal `gorm:"column:average_price;type:TEXT" json:"average_price"`
	Commission      decimal.Decimal `gorm:"column:commission;type:TEXT" json:"commission"`
	ExternalOrderID string          `gorm:"column:external_order_id" json:"external_order_id"`
	ErrorMessage    string          `gorm:"column:error_message" json:"error_message"`
	CreatedAt       time.Time       `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"column:updated_at" json:"updated_at"`
	FilledAt        *time.Time      `gorm:"column:filled_at" json:"filled_at"`
	CancelledAt     *time.Time      `gorm:"column:cancelled_at" json:"cancelled_at"`
}

func (OrderModel) TableName() string { return "orders" }

// PositionModel is the derived aggregate maintained by the reconciler.
// Quantity is signed: positive long, negative short. The row is deleted
// when quantity returns to zero.
type PositionModel struct {
	ID            int64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	RunID         string          `gorm:"column:run_id;uniqueIndex:idx_position_symbol,priority:1" json:"run_id"`
	Symbol        string          `gorm:"column:symbol;uniqueIndex:idx_position_symbol,priority:2" json:"symbol"`
	Quantity      decimal.Decimal `gorm:"column:quantity;type:TEXT" json:"quantity"`
	AveragePrice  decimal.Decimal `gorm:"column:average_price;type:TEXT" json:"average_price"`
	RealizedPnL   decimal.Decimal `gorm:"column:realized_pnl;type:TEXT" json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `gorm:"column:unrealized_pnl;type:TEXT" json:"unrealized_pnl"`
	UpdatedAt     time.Time       `gorm:"column:updated_at" json:"updated_at"`
}

func (PositionModel) TableName() string { return "positions" }

// IdempotencyModel caches the outcome of a side-effecting call.
type IdempotencyModel struct {
	Key       string    `gorm:"column:idempotency_key;primaryKey" json:"key"`
	Result    []byte    `gorm:"column:cached_result;type:TEXT" json:"result"`
	ExpiresAt time.Time `gorm:"column:expires_at;index" json:"expires_at"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
}

func (IdempotencyModel) TableName() string { return "idempotency_records" }
