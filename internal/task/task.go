// Package task defines the domain types shared by the orchestration runtime:
// task lifecycle states, the ordered event record, and the error taxonomy
// surfaced at the invocation boundary.
package task

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusRunning:   {},
		StatusCancelled: {},
	},
	StatusRunning: {
		StatusSucceeded: {},
		StatusFailed:    {},
		StatusCancelled: {},
	},
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether s → next is a legal lifecycle transition.
func (s Status) CanTransition(next Status) bool {
	_, ok := allowedTransitions[s][next]
	return ok
}

// Agent roles. The Planner stage reports as ProductManager, matching the
// labels clients render.
const (
	RolePlanner   = "ProductManager"
	RoleArchitect = "Architect"
	RoleEngineer  = "Engineer"
	RoleDebugger  = "Debugger"
	RoleEditor    = "Editor"
)

// EventType classifies an event record.
type EventType string

const (
	EventLog             EventType = "LOG"
	EventMessage         EventType = "MESSAGE"
	EventError           EventType = "ERROR"
	EventResult          EventType = "RESULT"
	EventAgentStart      EventType = "AGENT_START"
	EventAgentComplete   EventType = "AGENT_COMPLETE"
	EventTaskStart       EventType = "TASK_START"
	EventTaskComplete    EventType = "TASK_COMPLETE"
	EventTaskError       EventType = "TASK_ERROR"
	EventExecutionStream EventType = "EXECUTION_STREAM"
)

// VisualType tags a payload for client-side rendering.
type VisualType string

const (
	VisualMessage   VisualType = "MESSAGE"
	VisualCode      VisualType = "CODE"
	VisualDiff      VisualType = "DIFF"
	VisualExecution VisualType = "EXECUTION"
	VisualDebug     VisualType = "DEBUG"
)

// Payload carries the typed event body. The explicit fields cover the known
// visual variants (MESSAGE: message+content, CODE: file_path+content,
// DIFF: file_path+code_diff, EXECUTION: file_path+execution_result); Extra is
// a forward-compatibility bag flattened into the same JSON object.
type Payload struct {
	Message         string     `json:"message,omitempty"`
	Content         string     `json:"content,omitempty"`
	VisualType      VisualType `json:"visual_type,omitempty"`
	FilePath        string     `json:"file_path,omitempty"`
	CodeDiff        string     `json:"code_diff,omitempty"`
	ExecutionResult string     `json:"execution_result,omitempty"`
	Status          string     `json:"status,omitempty"`
	Error           string     `json:"error,omitempty"`
	ErrorType       string     `json:"error_type,omitempty"`
	DurationMs      int64      `json:"duration_ms,omitempty"`
	CostUSD         float64    `json:"cost_usd,omitempty"`

	Extra map[string]any `json:"-"`
}

// MarshalJSON flattens Extra into the payload object. Explicit fields win on
// key collision.
func (p Payload) MarshalJSON() ([]byte, error) {
	type alias Payload
	base, err := json.Marshal(alias(p))
	if err != nil {
		return nil, err
	}
	if len(p.Extra) == 0 {
		return base, nil
	}
	merged := make(map[string]any, len(p.Extra)+8)
	for k, v := range p.Extra {
		merged[k] = v
	}
	var explicit map[string]any
	if err := json.Unmarshal(base, &explicit); err != nil {
		return nil, err
	}
	for k, v := range explicit {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// Event is one immutable record in a task's ordered event log.
// EventID is 1-based, strictly increasing and gapless within a task.
type Event struct {
	EventID   int64     `json:"event_id"`
	TaskID    string    `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`
	AgentRole string    `json:"agent_role"`
	EventType EventType `json:"event_type"`
	Payload   Payload   `json:"payload"`
}

// MarshalJSON emits agent_role as null when no stage produced the event,
// which is the wire shape clients depend on.
func (e Event) MarshalJSON() ([]byte, error) {
	var role any
	if e.AgentRole != "" {
		role = e.AgentRole
	}
	return json.Marshal(struct {
		EventID   int64     `json:"event_id"`
		TaskID    string    `json:"task_id"`
		Timestamp string    `json:"timestamp"`
		AgentRole any       `json:"agent_role"`
		EventType EventType `json:"event_type"`
		Payload   Payload   `json:"payload"`
	}{
		EventID:   e.EventID,
		TaskID:    e.TaskID,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		AgentRole: role,
		EventType: e.EventType,
		Payload:   e.Payload,
	})
}

// State is a point-in-time snapshot of a task.
type State struct {
	TaskID       string         `json:"task_id"`
	Status       Status         `json:"status"`
	Progress     float64        `json:"progress"`
	CurrentAgent string         `json:"current_agent,omitempty"`
	LastMessage  string         `json:"last_message,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	FinalResult  map[string]any `json:"final_result,omitempty"`
}

// StageTiming records one stage's wall-clock window within a task run.
type StageTiming struct {
	Role        string     `json:"agent_role"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms"`
}

// Metrics is the per-task timing snapshot captured by the orchestrator.
type Metrics struct {
	TaskID          string        `json:"task_id"`
	Stages          []StageTiming `json:"stages"`
	TotalDurationMs int64         `json:"total_duration_ms"`
}

// Error taxonomy returned synchronously at the invocation boundary.
// Timeout and stage failures never surface as errors from the asynchronous
// dispatch; they are reported through TASK_ERROR events and the State
// snapshot instead.
var (
	ErrConflict  = errors.New("task already tracked")
	ErrNotFound  = errors.New("not found")
	ErrTimeout   = errors.New("task exceeded deadline")
	ErrCancelled = errors.New("task stopped by user")
)
