package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StateType identifies a flow run lifecycle state as tracked by the
// orchestration service.
type StateType string

const (
	StateScheduled  StateType = "SCHEDULED"
	StatePending    StateType = "PENDING"
	StateRunning    StateType = "RUNNING"
	StateCompleted  StateType = "COMPLETED"
	StateFailed     StateType = "FAILED"
	StateCrashed    StateType = "CRASHED"
	StateCancelling StateType = "CANCELLING"
	StateCancelled  StateType = "CANCELLED"
)

// IsTerminal reports whether the state is absorbing: once a run reaches a
// terminal state the service accepts no further transitions for it.
func (s StateType) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCrashed, StateCancelled:
		return true
	}
	return false
}

// State is a point-in-time lifecycle state of a flow run.
type State struct {
	Type      StateType `json:"type"`
	Name      string    `json:"name,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewState builds a state with the current timestamp.
func NewState(t StateType, message string) State {
	return State{Type: t, Message: message, Timestamp: time.Now().UTC()}
}

// Scheduled builds a SCHEDULED state.
func Scheduled() State { return NewState(StateScheduled, "") }

// Pending builds a PENDING state.
func Pending() State { return NewState(StatePending, "") }

// Running builds a RUNNING state.
func Running() State { return NewState(StateRunning, "") }

// Completed builds a COMPLETED state.
func Completed() State { return NewState(StateCompleted, "") }

// Failed builds a FAILED state with a reason.
func Failed(message string) State { return NewState(StateFailed, message) }

// Crashed builds a CRASHED state with a reason. The reason records the exit
// code or signal that took the process down.
func Crashed(message string) State { return NewState(StateCrashed, message) }

// Cancelled builds a CANCELLED state with a reason.
func Cancelled(message string) State { return NewState(StateCancelled, message) }

// FlowRun is one executable instance of a workflow. The orchestration
// service owns the record; the runner reads it when polling for work and
// writes state transitions the run's own engine can no longer report
// (crash, confirmed cancellation).
type FlowRun struct {
	ID           uuid.UUID      `json:"id"`
	DeploymentID uuid.UUID      `json:"deployment_id"`
	Name         string         `json:"name,omitempty"`
	State        State          `json:"state"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Created      time.Time      `json:"created"`
	Updated      time.Time      `json:"updated"`
}

// ExitStatus describes how a spawned flow run process terminated.
type ExitStatus struct {
	Code   int
	Signal string
}

// Abnormal reports whether the process exited through anything other than
// a clean zero status.
func (e ExitStatus) Abnormal() bool {
	return e.Code != 0 || e.Signal != ""
}

// String renders the status for crash reasons and logs.
func (e ExitStatus) String() string {
	if e.Signal != "" {
		return "terminated by signal " + e.Signal
	}
	if e.Code != 0 {
		return fmt.Sprintf("exited with code %d", e.Code)
	}
	return "exited cleanly"
}
