// Package deployments builds deployment definitions and applies them to
// the orchestration service.
package deployments

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/cswartzvi/prefect/internal/core"
)

// ErrExclusiveSchedule is raised when a definition carries more than one
// schedule form.
const exclusiveScheduleMessage = "Only one of interval, cron, rrule, or schedule can be provided."

// cronParser accepts the standard 5-field expression.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// RunnerDeployment is a local deployment definition, built from an
// entrypoint or a storage source, validated and applied to the
// orchestration service.
type RunnerDeployment struct {
	Name          string
	FlowName      string
	Entrypoint    string
	Version       string
	Description   string
	Tags          []string
	Parameters    map[string]any
	JobVariables  map[string]any
	WorkQueueName string
	Paused        bool

	// At most one of Interval, Cron, RRule, or Schedule may be set.
	// Timezone qualifies whichever form is chosen.
	Interval time.Duration
	Cron     string
	RRule    string
	Timezone string
	Schedule *core.Schedule

	// Storage stages the flow's code before execution; nil means the code
	// is already present at Path.
	Storage core.Storage
	Path    string
}

// FromEntrypoint builds a definition for code reachable at a local path.
func FromEntrypoint(flowName, name, entrypoint string) *RunnerDeployment {
	return &RunnerDeployment{
		Name:       name,
		FlowName:   flowName,
		Entrypoint: entrypoint,
	}
}

// FromStorage builds a definition whose code is pulled from a storage
// backend before every execution window.
func FromStorage(flowName, name, entrypoint string, st core.Storage) *RunnerDeployment {
	d := FromEntrypoint(flowName, name, entrypoint)
	d.Storage = st
	if st != nil {
		d.Path = st.Destination()
	}
	return d
}

// FullName returns "flow-name/deployment-name".
func (d *RunnerDeployment) FullName() string {
	return d.FlowName + "/" + d.Name
}

// Validate checks the definition without touching the network.
func (d *RunnerDeployment) Validate() error {
	if d.Name == "" {
		return core.ErrValidation(core.CodeInvalidConfig, "deployment name is required")
	}
	if d.FlowName == "" {
		return core.ErrValidation(core.CodeInvalidConfig, "flow name is required")
	}
	if d.Entrypoint == "" {
		return core.ErrValidation(core.CodeInvalidEntrypoint, "entrypoint is required")
	}
	if _, err := d.schedule(); err != nil {
		return err
	}
	return nil
}

// schedule resolves the schedule forms into one service schedule,
// enforcing mutual exclusion and validating expressions.
func (d *RunnerDeployment) schedule() (*core.Schedule, error) {
	set := 0
	if d.Interval > 0 {
		set++
	}
	if d.Cron != "" {
		set++
	}
	if d.RRule != "" {
		set++
	}
	if d.Schedule != nil {
		set++
	}
	if set > 1 {
		return nil, core.ErrValidation(core.CodeInvalidSchedule, exclusiveScheduleMessage)
	}

	switch {
	case d.Schedule != nil:
		return d.Schedule, nil
	case d.Interval > 0:
		return &core.Schedule{Interval: d.Interval, Timezone: d.Timezone}, nil
	case d.Cron != "":
		if _, err := cronParser.Parse(d.Cron); err != nil {
			return nil, core.ErrValidation(core.CodeInvalidSchedule,
				"invalid cron expression: "+d.Cron).WithCause(err)
		}
		return &core.Schedule{Cron: d.Cron, Timezone: d.Timezone}, nil
	case d.RRule != "":
		if !strings.Contains(strings.ToUpper(d.RRule), "FREQ=") {
			return nil, core.ErrValidation(core.CodeInvalidSchedule,
				"invalid rrule string: "+d.RRule)
		}
		return &core.Schedule{RRule: d.RRule, Timezone: d.Timezone}, nil
	}
	return nil, nil
}

// Apply validates the definition and registers it with the orchestration
// service, returning the created deployment identity. The returned error
// keeps the validation/communication distinction the client reports.
func (d *RunnerDeployment) Apply(ctx context.Context, api core.OrchestrationAPI) (uuid.UUID, error) {
	if err := d.Validate(); err != nil {
		return uuid.Nil, err
	}
	schedule, err := d.schedule()
	if err != nil {
		return uuid.Nil, err
	}

	created, err := api.CreateDeployment(ctx, core.DeploymentCreate{
		Name:          d.Name,
		FlowName:      d.FlowName,
		Entrypoint:    d.Entrypoint,
		Path:          d.Path,
		Version:       d.Version,
		Description:   d.Description,
		Tags:          d.Tags,
		Parameters:    d.Parameters,
		JobVariables:  d.JobVariables,
		WorkQueueName: d.WorkQueueName,
		Schedule:      schedule,
		Paused:        d.Paused,
	})
	if err != nil {
		return uuid.Nil, err
	}
	return created.ID, nil
}
