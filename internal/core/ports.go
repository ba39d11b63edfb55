package core

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Orchestration API Port
// =============================================================================

// OrchestrationAPI defines the client contract against the orchestration
// service. The service owns flow run and deployment records; the runner only
// reads work and reports the transitions a dead engine cannot report itself.
type OrchestrationAPI interface {
	// CreateDeployment registers a deployment and returns the service record.
	// Invalid definitions (bad job variables, malformed schedules) surface as
	// validation errors, distinct from communication failures.
	CreateDeployment(ctx context.Context, req DeploymentCreate) (*Deployment, error)

	// ReadDeployment fetches a deployment by identity.
	ReadDeployment(ctx context.Context, id uuid.UUID) (*Deployment, error)

	// ReadDeploymentByName fetches a deployment by "flow-name/deployment-name".
	ReadDeploymentByName(ctx context.Context, name string) (*Deployment, error)

	// PauseSchedule deactivates a deployment's schedule so the service stops
	// creating new runs for it.
	PauseSchedule(ctx context.Context, id uuid.UUID) error

	// CreateFlowRun asks the service to create a run for a deployment.
	CreateFlowRun(ctx context.Context, deploymentID uuid.UUID, parameters map[string]any) (*FlowRun, error)

	// ReadFlowRun fetches the current remote record of a run.
	ReadFlowRun(ctx context.Context, id uuid.UUID) (*FlowRun, error)

	// SetFlowRunState proposes a state transition for a run.
	SetFlowRunState(ctx context.Context, id uuid.UUID, state State) error

	// ListSchedulableFlowRuns returns runs assigned to the given deployments
	// that are due for execution, in scheduled order.
	ListSchedulableFlowRuns(ctx context.Context, deploymentIDs []uuid.UUID) ([]FlowRun, error)
}

// =============================================================================
// Storage Port
// =============================================================================

// Storage fetches a deployment's code into a local destination before
// execution. Pull must be idempotent and safe to call concurrently for the
// same backend; recency caching above this contract decides when a pull is
// actually issued.
type Storage interface {
	// Destination is the local path pulled code lands in.
	Destination() string

	// PullInterval is how often pulled code should be refreshed. Zero or
	// negative means pull exactly once per process lifetime.
	PullInterval() time.Duration

	// Pull fetches the code.
	Pull(ctx context.Context) error
}

// =============================================================================
// Journal Port
// =============================================================================

// RunRecord is one journaled dispatch: which run was launched, under which
// deployment, as which PID, and how it ended.
type RunRecord struct {
	RunID        uuid.UUID
	DeploymentID uuid.UUID
	FlowName     string
	PID          int
	State        StateType
	ExitCode     *int
	Signal       string
	Reason       string
	DispatchedAt time.Time
	FinishedAt   *time.Time
}

// Journal persists a local audit trail of dispatched runs. Journal failures
// must never fail a dispatch; callers log and continue.
type Journal interface {
	// RecordDispatch inserts a record when a process is spawned.
	RecordDispatch(ctx context.Context, rec RunRecord) error

	// RecordExit finalizes a record when the process is reaped.
	RecordExit(ctx context.Context, runID uuid.UUID, status ExitStatus, state StateType, reason string) error

	// Recent returns the most recently dispatched records, newest first.
	Recent(ctx context.Context, limit int) ([]RunRecord, error)

	// Close releases the underlying store.
	Close() error
}
