// Package runner implements the execution engine of the agent: it polls
// the orchestration service for scheduled flow runs, launches each as an
// isolated OS process under a bounded concurrency budget, enforces remote
// cancellation requests, and reports its own liveness.
package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cswartzvi/prefect/internal/core"
	"github.com/cswartzvi/prefect/internal/logging"
	"github.com/cswartzvi/prefect/internal/metrics"
)

// Config holds runner tuning.
type Config struct {
	// Name identifies this runner instance in logs.
	Name string
	// Limit bounds concurrent flow run processes. Negative means
	// unlimited; zero rejects all work.
	Limit int
	// PollInterval is the pause between poll cycles.
	PollInterval time.Duration
	// CancellationInterval is the pause between cancellation scans. It is
	// usually shorter than PollInterval since cancellation latency matters.
	CancellationInterval time.Duration
}

// DefaultConfig returns the default runner tuning.
func DefaultConfig() Config {
	return Config{
		Name:                 "runner",
		Limit:                Unlimited,
		PollInterval:         10 * time.Second,
		CancellationInterval: 5 * time.Second,
	}
}

// inFlightEntry ties a dispatched flow run to its process handle and slot.
// Created under the runner mutex on dispatch, removed exactly once when
// the process is reaped.
type inFlightEntry struct {
	run    core.FlowRun
	handle *ProcessHandle

	// cancelling is set when the cancellation monitor terminated this run,
	// so supervision reports CANCELLED rather than CRASHED on its death.
	cancelling atomic.Bool

	// reaped closes once supervision has finished all bookkeeping.
	reaped chan struct{}
}

// Runner is the polling scheduler. One cooperative loop drives polling and
// dispatch; a second interval drives cancellation scans; the actual flow
// work runs in independent OS processes supervised by per-run goroutines.
type Runner struct {
	cfg       Config
	api       core.OrchestrationAPI
	registry  *DeploymentRegistry
	limiter   *SlotLimiter
	executor  *ProcessExecutor
	heartbeat *Heartbeat
	journal   core.Journal
	metrics   *metrics.RunnerMetrics
	logger    *logging.Logger

	mu       sync.Mutex
	inFlight map[uuid.UUID]*inFlightEntry
	stopping bool

	supervision sync.WaitGroup
}

// Option configures the runner.
type Option func(*Runner)

// WithJournal records dispatches and exits in a local journal. Journal
// failures are logged, never fatal to a dispatch.
func WithJournal(j core.Journal) Option {
	return func(r *Runner) { r.journal = j }
}

// WithMetrics wires prometheus instruments.
func WithMetrics(m *metrics.RunnerMetrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// New creates a runner.
func New(cfg Config, api core.OrchestrationAPI, executor *ProcessExecutor, logger *logging.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.CancellationInterval <= 0 {
		cfg.CancellationInterval = 5 * time.Second
	}
	r := &Runner{
		cfg:       cfg,
		api:       api,
		registry:  NewDeploymentRegistry(logger),
		limiter:   NewSlotLimiter(cfg.Limit),
		executor:  executor,
		heartbeat: NewHeartbeat(),
		logger:    logger.WithRunner(cfg.Name),
		inFlight:  make(map[uuid.UUID]*inFlightEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Heartbeat exposes the liveness state for the health endpoint.
func (r *Runner) Heartbeat() *Heartbeat { return r.heartbeat }

// Registry exposes the deployment registry.
func (r *Runner) Registry() *DeploymentRegistry { return r.registry }

// SetLimit replaces the process limit at runtime.
func (r *Runner) SetLimit(limit int) {
	old := r.limiter.Limit()
	if old == limit {
		return
	}
	r.limiter.SetLimit(limit)
	r.logger.Info("process limit updated", "old", old, "new", limit)
}

// InFlight returns the number of runs currently being supervised.
func (r *Runner) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inFlight)
}

// RegisterDeployment adds a deployment to this runner, pulling its code.
func (r *Runner) RegisterDeployment(ctx context.Context, dep *core.Deployment, st core.Storage) error {
	return r.registry.Register(ctx, dep, st)
}

// Start refreshes deployment code, then polls until ctx is cancelled. On
// shutdown it pauses the remote schedules of its deployments (best-effort)
// and drains in-flight runs rather than killing them.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.registry.RefreshAll(ctx); err != nil {
		return err
	}

	r.logger.Info("runner started",
		"deployments", r.registry.Len(),
		"limit", r.limiter.Limit(),
		"poll_interval", r.cfg.PollInterval,
	)

	pollTicker := time.NewTicker(r.cfg.PollInterval)
	defer pollTicker.Stop()
	cancelTicker := time.NewTicker(r.cfg.CancellationInterval)
	defer cancelTicker.Stop()

	// First poll immediately rather than waiting out a full interval.
	if err := r.pollOnce(ctx); err != nil {
		r.logger.Error("poll cycle failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return r.shutdown()
		case <-pollTicker.C:
			if err := r.pollOnce(ctx); err != nil {
				r.logger.Error("poll cycle failed", "error", err)
			}
		case <-cancelTicker.C:
			r.checkCancellations(ctx)
		}
	}
}

// RunOnce performs exactly one poll cycle plus one cancellation scan, then
// waits for the work it dispatched to finish. Used for deterministic
// verification and one-shot administration.
func (r *Runner) RunOnce(ctx context.Context) error {
	if err := r.registry.RefreshAll(ctx); err != nil {
		return err
	}
	err := r.pollOnce(ctx)
	r.checkCancellations(ctx)
	r.supervision.Wait()
	return err
}

// Execute runs one specific flow run synchronously, bypassing polling. It
// still goes through code staging, slot acquisition, and process
// supervision; when the limit is reached it waits for a slot rather than
// rejecting.
func (r *Runner) Execute(ctx context.Context, runID uuid.UUID) (core.ExitStatus, error) {
	run, err := r.api.ReadFlowRun(ctx, runID)
	if err != nil {
		return core.ExitStatus{}, err
	}

	for !r.acquireSlot(run.ID) {
		select {
		case <-ctx.Done():
			return core.ExitStatus{}, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	entry, err := r.launch(ctx, *run)
	if err != nil {
		return core.ExitStatus{}, err
	}

	select {
	case <-entry.reaped:
		return entry.handle.Status(), nil
	case <-ctx.Done():
		return core.ExitStatus{}, ctx.Err()
	}
}

// acquireSlot reserves a slot for a run that is not currently in flight.
// The in-flight check and the reservation share the runner mutex with
// supervise's teardown, so a run being reaped cannot be readmitted through
// the limiter's held-ID fast path before its slot is genuinely free.
func (r *Runner) acquireSlot(runID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.inFlight[runID]; exists {
		return false
	}
	return r.limiter.Acquire(runID)
}

// pollOnce executes one full poll cycle. The heartbeat is only refreshed
// after the whole iteration succeeds; an aborted cycle leaves it stale so
// health degrades if failures persist.
func (r *Runner) pollOnce(ctx context.Context) error {
	ids := r.registry.IDs()

	runs, err := r.api.ListSchedulableFlowRuns(ctx, ids)
	if err != nil {
		if r.metrics != nil {
			r.metrics.PollFailures.Inc()
		}
		return err
	}

	// Arrival order: first seen, first served. Rejected runs stay
	// schedulable and come back on a later cycle.
	for i := range runs {
		r.dispatch(ctx, runs[i])
	}

	r.heartbeat.Beat()
	if r.metrics != nil {
		r.metrics.Polls.Inc()
	}
	return nil
}

// dispatch stages and spawns one candidate run. Failures here never abort
// the surrounding poll cycle.
func (r *Runner) dispatch(ctx context.Context, run core.FlowRun) {
	r.mu.Lock()
	if r.stopping {
		r.mu.Unlock()
		return
	}
	if _, exists := r.inFlight[run.ID]; exists {
		r.mu.Unlock()
		return
	}
	// Acquire under the runner mutex so admission cannot interleave with a
	// supervise teardown of the same run.
	admitted := r.limiter.Acquire(run.ID)
	r.mu.Unlock()

	if !admitted {
		// Deliberate backpressure, not an error. The run stays in its
		// schedulable state and is retried next cycle.
		r.logger.Info("run limit reached; flow run not submitted for execution",
			"flow_run_id", run.ID.String(),
			"limit", r.limiter.Limit(),
		)
		if r.metrics != nil {
			r.metrics.AdmissionRejections.Inc()
		}
		return
	}

	if _, err := r.launch(ctx, run); err != nil {
		r.logger.Error("failed to dispatch flow run",
			"flow_run_id", run.ID.String(),
			"error", err,
		)
	}
}

// launch stages code and spawns the process for a run whose slot is
// already held. The slot is released on every failure path and otherwise
// exactly once by supervision.
func (r *Runner) launch(ctx context.Context, run core.FlowRun) (*inFlightEntry, error) {
	workDir, pulled, err := r.registry.EnsureCode(ctx, run.DeploymentID)
	if err != nil {
		// The run never started; leave its remote state alone for retry.
		r.limiter.Release(run.ID)
		return nil, err
	}
	if pulled && r.metrics != nil {
		r.metrics.CodePulls.Inc()
	}

	handle, err := r.executor.Spawn(&run, workDir)
	if err != nil {
		// The OS refused the process; the engine will never self-report,
		// so the crash transition is this runner's responsibility.
		r.reportState(run.ID, core.Crashed("process spawn failed: "+err.Error()))
		r.limiter.Release(run.ID)
		return nil, err
	}

	entry := &inFlightEntry{run: run, handle: handle, reaped: make(chan struct{})}

	r.mu.Lock()
	r.inFlight[run.ID] = entry
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.Dispatched.Inc()
		r.metrics.SlotsInUse.Set(float64(r.limiter.InUse()))
	}
	if r.journal != nil {
		dep, _ := r.registry.Get(run.DeploymentID)
		flowName := ""
		if dep != nil {
			flowName = dep.FlowName
		}
		if err := r.journal.RecordDispatch(ctx, core.RunRecord{
			RunID:        run.ID,
			DeploymentID: run.DeploymentID,
			FlowName:     flowName,
			PID:          handle.PID(),
			State:        core.StatePending,
			DispatchedAt: time.Now().UTC(),
		}); err != nil {
			r.logger.Warn("journal dispatch record failed", "flow_run_id", run.ID.String(), "error", err)
		}
	}

	r.supervision.Add(1)
	go r.supervise(entry)

	return entry, nil
}

// supervise reaps one process and performs the terminal bookkeeping: the
// forced CRASHED or CANCELLED transition the dead engine cannot report
// itself, the journal exit record, and exactly one slot release.
func (r *Runner) supervise(entry *inFlightEntry) {
	defer r.supervision.Done()
	defer close(entry.reaped)

	<-entry.handle.Done()
	status := entry.handle.Status()
	runID := entry.run.ID

	finalState, reason := r.resolveTerminalState(entry, status)

	// The entry removal and the slot release must be one atomic step with
	// respect to admission: a redispatch of the same still-schedulable run
	// landing between them would pass the in-flight check and ride the
	// limiter's held-ID fast path without reserving a slot, and the pending
	// release would then free the slot out from under the new process.
	r.mu.Lock()
	delete(r.inFlight, runID)
	r.limiter.Release(runID)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RunsFinished.WithLabelValues(string(finalState)).Inc()
		r.metrics.SlotsInUse.Set(float64(r.limiter.InUse()))
	}
	if r.journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.journal.RecordExit(ctx, runID, status, finalState, reason); err != nil {
			r.logger.Warn("journal exit record failed", "flow_run_id", runID.String(), "error", err)
		}
		cancel()
	}

	r.logger.Info("flow run process reaped",
		"flow_run_id", runID.String(),
		"status", status.String(),
		"state", string(finalState),
	)
}

// resolveTerminalState decides the run's final state after process death
// and performs the remote transitions this runner owns.
func (r *Runner) resolveTerminalState(entry *inFlightEntry, status core.ExitStatus) (core.StateType, string) {
	runID := entry.run.ID

	if entry.cancelling.Load() {
		// This runner terminated the process; the engine inside may have
		// died before it could confirm, so the CANCELLED transition is
		// performed here, exactly once, after confirmed death.
		reason := "flow run cancelled: " + status.String()
		r.reportState(runID, core.Cancelled(reason))
		return core.StateCancelled, reason
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	remote, err := r.api.ReadFlowRun(ctx, runID)
	if err != nil {
		r.logger.Warn("could not read remote state after exit",
			"flow_run_id", runID.String(), "error", err)
		remote = nil
	}

	if remote != nil && remote.State.Type.IsTerminal() {
		// The engine self-reported before dying; nothing to force.
		return remote.State.Type, remote.State.Message
	}

	if status.Abnormal() {
		reason := status.String()
		r.reportState(runID, core.Crashed(reason))
		return core.StateCrashed, reason
	}

	// Clean exit but the engine never reported a terminal state. Trust the
	// exit code over a possibly lagging remote record.
	return core.StateCompleted, ""
}

// checkCancellations scans in-flight runs for a remote CANCELLING state
// and escalates termination. A run finishing naturally between the state
// read and the terminate call is tolerated: terminating a dead handle is
// a no-op.
func (r *Runner) checkCancellations(ctx context.Context) {
	r.mu.Lock()
	entries := make([]*inFlightEntry, 0, len(r.inFlight))
	for _, e := range r.inFlight {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, entry := range entries {
		if entry.cancelling.Load() || entry.handle.Exited() {
			continue
		}
		remote, err := r.api.ReadFlowRun(ctx, entry.run.ID)
		if err != nil {
			r.logger.Warn("cancellation check failed",
				"flow_run_id", entry.run.ID.String(), "error", err)
			continue
		}
		if remote.State.Type != core.StateCancelling {
			continue
		}

		entry.cancelling.Store(true)
		r.logger.Info("cancelling flow run",
			"flow_run_id", entry.run.ID.String(),
			"pid", entry.handle.PID(),
		)
		if err := entry.handle.Terminate(); err != nil {
			r.logger.Error("terminating flow run process failed",
				"flow_run_id", entry.run.ID.String(), "error", err)
		}
	}
}

// shutdown pauses remote schedules best-effort, stops accepting work, and
// drains in-flight runs: they keep being supervised and reaped normally
// instead of being force-killed.
func (r *Runner) shutdown() error {
	r.mu.Lock()
	r.stopping = true
	inFlight := len(r.inFlight)
	r.mu.Unlock()

	r.logger.Info("Pausing schedules for all deployments")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, id := range r.registry.IDs() {
		if err := r.api.PauseSchedule(ctx, id); err != nil {
			r.logger.Warn("failed to pause deployment schedule",
				"deployment_id", id.String(), "error", err)
		}
	}
	r.logger.Info("All deployment schedules have been paused")

	if inFlight > 0 {
		r.logger.Info("draining in-flight flow runs", "count", inFlight)
	}
	r.supervision.Wait()

	r.logger.Info("runner stopped")
	return nil
}

// reportState proposes a state transition, logging failure. The transition
// matters more than the caller's context, so a fresh bounded context is
// used even during shutdown.
func (r *Runner) reportState(runID uuid.UUID, state core.State) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.api.SetFlowRunState(ctx, runID, state); err != nil {
		r.logger.Error("failed to report flow run state",
			"flow_run_id", runID.String(),
			"state", string(state.Type),
			"error", err,
		)
	}
}
