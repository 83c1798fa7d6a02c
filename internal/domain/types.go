package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state of an Execution. Only the state machine
// controller writes it.
type Status string

const (
	StatusIdle          Status = "idle"
	StatusAnalyzing     Status = "analyzing"
	StatusDispatching   Status = "dispatching"
	StatusMonitoring    Status = "monitoring"
	StatusCompleted     Status = "completed"
	StatusErrorRecovery Status = "error_recovery"
	StatusFailed        Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// HoldsSlot reports whether an execution in this status occupies a
// concurrency slot.
func (s Status) HoldsSlot() bool {
	return s == StatusDispatching || s == StatusMonitoring
}

// Priority levels. Higher dispatches sooner, but age eventually wins.
const (
	PriorityLow    = 1
	PriorityNormal = 2
	PriorityHigh   = 3
	PriorityUrgent = 4
)

// FailureKind classifies the last failure of an execution.
type FailureKind string

const (
	FailureValidation        FailureKind = "validation"
	FailureTransientDispatch FailureKind = "transient_dispatch"
	FailureWorker            FailureKind = "worker"
	FailureTimeout           FailureKind = "timeout"
	FailureFatalSystem       FailureKind = "fatal_system"
)

// Retryable reports whether a failure of this kind consumes the normal
// backoff path. Validation failures dead-letter immediately.
func (k FailureKind) Retryable() bool {
	return k != FailureValidation
}

// ErrorInfo is the structured last_error record on an execution.
type ErrorInfo struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
	At      time.Time   `json:"at"`
}

// Execution is the unit of orchestrated work.
type Execution struct {
	ID           string
	WorkflowType string
	Priority     int
	Status       Status
	Context      json.RawMessage
	CreatedAt    time.Time
	ScheduledAt  *time.Time
	DispatchedAt *time.Time
	DeadlineAt   *time.Time
	CompletedAt  *time.Time
	AttemptCount int
	MaxAttempts  int
	NextRetryAt  *time.Time
	ParentID     *string
	Boosted      bool
	LastError    *ErrorInfo
}

// Attempt is one row of the append-only attempt history.
type Attempt struct {
	ExecutionID string
	Attempt     int
	StartedAt   time.Time
	FinishedAt  *time.Time
	Outcome     string // "success", "failure", "timeout", ""
	Error       string
}

// DeadLetter is the immutable snapshot taken when an execution exhausts
// its retry budget.
type DeadLetter struct {
	ExecutionID  string
	WorkflowType string
	Priority     int
	Context      json.RawMessage
	AttemptCount int
	FailedAt     time.Time
	LastError    *ErrorInfo
	Requeued     bool
}

// Trigger is a recurring cron schedule that enqueues executions.
type Trigger struct {
	ID           string
	Name         string
	CronExpr     string
	WorkflowType string
	Priority     int
	Context      json.RawMessage
	Enabled      bool
	LastRun      *time.Time
	NextRun      time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// BudgetKind names a metered resource.
type BudgetKind string

const (
	BudgetGeminiRPM     BudgetKind = "gemini_rpm"
	BudgetOpenAIRPM     BudgetKind = "openai_rpm"
	BudgetDailyCostUSD  BudgetKind = "daily_cost_usd"
	BudgetDBConnections BudgetKind = "db_connections"
	BudgetMemoryBytes   BudgetKind = "memory_bytes"
	BudgetConcurrency   BudgetKind = "concurrency_slots"
)

// Usage is a point-in-time reading of one budget.
type Usage struct {
	Used  float64 `json:"used"`
	Limit float64 `json:"limit"`
}

var (
	ErrNotFound          = errors.New("execution not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStaleAttempt      = errors.New("attempt already superseded")
	ErrBudgetExceeded    = errors.New("resource budget exceeded")
	ErrPaused            = errors.New("dispatch paused by system flag")
	ErrUnknownWorkflow   = errors.New("unknown workflow type")
)
