package core

import (
	"time"

	"github.com/google/uuid"
)

// Schedule describes when the orchestration service creates runs for a
// deployment. Exactly one of Interval, Cron, or RRule is set.
type Schedule struct {
	Interval time.Duration `json:"interval,omitempty"`
	Cron     string        `json:"cron,omitempty"`
	RRule    string        `json:"rrule,omitempty"`
	Timezone string        `json:"timezone,omitempty"`
}

// Deployment is the service-side record of a registered deployment: a named,
// schedulable pointer to a flow plus the metadata needed to retrieve and
// launch it.
type Deployment struct {
	ID             uuid.UUID      `json:"id"`
	Name           string         `json:"name"`
	FlowName       string         `json:"flow_name"`
	Entrypoint     string         `json:"entrypoint"`
	Path           string         `json:"path,omitempty"`
	Version        string         `json:"version,omitempty"`
	Description    string         `json:"description,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	JobVariables   map[string]any `json:"job_variables,omitempty"`
	WorkQueueName  string         `json:"work_queue_name,omitempty"`
	Schedule       *Schedule      `json:"schedule,omitempty"`
	ScheduleActive bool           `json:"is_schedule_active"`
}

// FullName returns the flow-qualified deployment name used for lookups,
// in the form "flow-name/deployment-name".
func (d *Deployment) FullName() string {
	return d.FlowName + "/" + d.Name
}

// DeploymentCreate is the payload for registering a deployment with the
// orchestration service.
type DeploymentCreate struct {
	Name          string         `json:"name"`
	FlowName      string         `json:"flow_name"`
	Entrypoint    string         `json:"entrypoint"`
	Path          string         `json:"path,omitempty"`
	Version       string         `json:"version,omitempty"`
	Description   string         `json:"description,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	JobVariables  map[string]any `json:"job_variables,omitempty"`
	WorkQueueName string         `json:"work_queue_name,omitempty"`
	Schedule      *Schedule      `json:"schedule,omitempty"`
	Paused        bool           `json:"paused,omitempty"`
}
