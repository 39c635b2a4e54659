package model

import "time"

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

// Task status constants (spec.md §3.2).
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCanceled  TaskStatus = "canceled"
)

// IsTerminal reports whether the status is one of the three terminal states.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusCanceled:
		return true
	default:
		return false
	}
}

// ResultOutcome classifies how a task concluded, surfaced in ResultSummary.
type ResultOutcome string

// Outcome constants (spec.md §7 "result_summary distinguishes...").
const (
	OutcomeCompleted            ResultOutcome = "completed"
	OutcomeCompletedWithErrors  ResultOutcome = "completed_with_errors"
	OutcomeCompletedWithWarning ResultOutcome = "completed_with_warnings"
	OutcomeInterrupted          ResultOutcome = "interrupted"
)

// ResultSummary is the structured result attached to a finished task.
type ResultSummary struct {
	Outcome        ResultOutcome `json:"outcome"`
	ItemsTotal     int           `json:"items_total"`
	ItemsProcessed int           `json:"items_processed"`
	ItemsErrored   int           `json:"items_errored"`
	Warnings       []string      `json:"warnings,omitempty"`
}

// Task is a long-running, persisted unit of work owned by the worker pool.
type Task struct {
	ID                  string         `json:"task_id"`
	Kind                string         `json:"kind"`
	Status              TaskStatus     `json:"status"`
	Preferences         Preferences    `json:"preferences"`
	CreatedAt           time.Time      `json:"created_at"`
	StartedAt           *time.Time     `json:"started_at,omitempty"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty"`
	LastHeartbeatAt      *time.Time    `json:"last_heartbeat_at,omitempty"`
	CurrentPhase        *string        `json:"current_phase,omitempty"`
	CurrentPhaseMessage string         `json:"current_phase_message,omitempty"`
	ProgressPercent     int            `json:"progress_percent"`
	ErrorMessage        string         `json:"error_message,omitempty"`
	ResultSummary       *ResultSummary `json:"result_summary,omitempty"`
}

// AgentSingleton reflects the currently active task, if any (spec.md §3.3).
type AgentSingleton struct {
	IsRunning           bool      `json:"is_running"`
	CurrentTaskID       string    `json:"current_task_id,omitempty"`
	CurrentPhaseMessage string    `json:"current_phase_message,omitempty"`
	LastUpdate          time.Time `json:"last_update"`
}

// PhaseStat is the rolling per-phase timing sample (spec.md §3.4).
type PhaseStat struct {
	PhaseID              string
	ItemsProcessedTotal  int64
	DurationSecondsTotal float64
}

// AvgSecondsPerItem returns the running average, or 0 if no items were
// ever processed in this phase.
func (s PhaseStat) AvgSecondsPerItem() float64 {
	if s.ItemsProcessedTotal == 0 {
		return 0
	}
	return s.DurationSecondsTotal / float64(s.ItemsProcessedTotal)
}
