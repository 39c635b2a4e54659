// Package events implements the real-time progress/log/phase event
// pipeline (spec.md §4.4): validation, rate limiting, batching, and
// delivery to subscribers, either in-process or via Redis pub/sub.
package events

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies the shape of an event's payload.
type Kind string

// Event kinds (spec.md §4.4).
const (
	KindLogMessage     Kind = "log_message"
	KindPhaseUpdate    Kind = "phase_update"
	KindProgressUpdate Kind = "progress_update"
	KindTaskStatus     Kind = "task_status"
)

// LogLevel is the severity of a log_message event.
type LogLevel string

// Log levels (spec.md §4.4).
const (
	LogDebug    LogLevel = "DEBUG"
	LogInfo     LogLevel = "INFO"
	LogWarning  LogLevel = "WARNING"
	LogError    LogLevel = "ERROR"
	LogCritical LogLevel = "CRITICAL"
)

// PhaseStatus is the lifecycle state carried by a phase_update event.
type PhaseStatus string

// Phase statuses (spec.md §4.4 / §4.6).
const (
	PhasePending     PhaseStatus = "pending"
	PhaseActive      PhaseStatus = "active"
	PhaseInProgress  PhaseStatus = "in_progress"
	PhaseCompleted   PhaseStatus = "completed"
	PhaseSkipped     PhaseStatus = "skipped"
	PhaseInterrupted PhaseStatus = "interrupted"
	PhaseError       PhaseStatus = "error"
)

const logMessageMaxLen = 10000

// Event is one structured message flowing through the bus.
type Event struct {
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	// log_message fields
	Message   string   `json:"message,omitempty"`
	Level     LogLevel `json:"level,omitempty"`
	Truncated bool     `json:"truncated,omitempty"`

	// phase_update fields
	PhaseID                  string      `json:"phase_id,omitempty"`
	Status                   PhaseStatus `json:"status,omitempty"`
	PhaseMessage             string      `json:"phase_message,omitempty"`
	ProcessedCount           *int        `json:"processed_count,omitempty"`
	TotalCount               *int        `json:"total_count,omitempty"`
	ErrorCount               *int        `json:"error_count,omitempty"`
	EstimatedSecondsRemaining *float64   `json:"estimated_seconds_remaining,omitempty"`
	IsSubStep                bool        `json:"is_sub_step,omitempty"`

	// progress_update fields (processed_count/total_count shared with phase_update)
	Percentage float64 `json:"percentage,omitempty"`

	// task_status fields
	TaskID     string `json:"task_id,omitempty"`
	TaskStatus string `json:"task_status,omitempty"`
}

// Validate checks an event against its kind's required fields and enum
// constraints, truncating an oversized log_message in place rather than
// rejecting it (spec.md §4.4: "Messages longer than 10,000 characters are
// truncated... never emitted" applies to invalid events, not oversized
// ones).
func (e *Event) Validate() error {
	switch e.Kind {
	case KindLogMessage:
		if !validLogLevel(e.Level) {
			return fmt.Errorf("events: invalid log level %q", e.Level)
		}
		if len(e.Message) > logMessageMaxLen {
			e.Message = e.Message[:logMessageMaxLen] + "..."
			e.Truncated = true
		}
	case KindPhaseUpdate:
		if e.PhaseID == "" {
			return fmt.Errorf("events: phase_update requires phase_id")
		}
		if !validPhaseStatus(e.Status) {
			return fmt.Errorf("events: invalid phase status %q", e.Status)
		}
	case KindProgressUpdate:
		if e.TotalCount == nil || e.ProcessedCount == nil {
			return fmt.Errorf("events: progress_update requires processed_count and total_count")
		}
		if *e.ProcessedCount > *e.TotalCount {
			return fmt.Errorf("events: progress_update processed_count %d exceeds total_count %d", *e.ProcessedCount, *e.TotalCount)
		}
		if *e.TotalCount > 0 {
			e.Percentage = 100 * float64(*e.ProcessedCount) / float64(*e.TotalCount)
		}
	case KindTaskStatus:
		if e.TaskID == "" || e.TaskStatus == "" {
			return fmt.Errorf("events: task_status requires task_id and status")
		}
	default:
		return fmt.Errorf("events: unknown kind %q", e.Kind)
	}
	return nil
}

func validLogLevel(l LogLevel) bool {
	switch l {
	case LogDebug, LogInfo, LogWarning, LogError, LogCritical:
		return true
	default:
		return false
	}
}

func validPhaseStatus(s PhaseStatus) bool {
	switch s {
	case PhasePending, PhaseActive, PhaseInProgress, PhaseCompleted, PhaseSkipped, PhaseInterrupted, PhaseError:
		return true
	default:
		return false
	}
}

// intPtr and floatPtr are small constructor helpers used by callers
// building phase_update / progress_update events.
func intPtr(n int) *int          { return &n }
func floatPtr(f float64) *float64 { return &f }

// IntPtr exposes intPtr to other packages building events.
func IntPtr(n int) *int { return intPtr(n) }

// FloatPtr exposes floatPtr to other packages building events.
func FloatPtr(f float64) *float64 { return floatPtr(f) }

// NewLogMessage constructs a log_message event with its message trimmed of
// surrounding whitespace. It does not truncate; Bus.Emit applies the length
// limit when it validates the event.
func NewLogMessage(level LogLevel, message string) Event {
	return Event{Kind: KindLogMessage, Timestamp: time.Now(), Level: level, Message: strings.TrimSpace(message)}
}
