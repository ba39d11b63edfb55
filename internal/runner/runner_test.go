package runner

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cswartzvi/prefect/internal/core"
	"github.com/cswartzvi/prefect/internal/logging"
)

// fakeAPI is an in-memory orchestration service.
type fakeAPI struct {
	mu        sync.Mutex
	runs      map[uuid.UUID]*core.FlowRun
	listErr   error
	listCalls int
	states    map[uuid.UUID][]core.State
	paused    []uuid.UUID
	pauseErr  error
}

var _ core.OrchestrationAPI = (*fakeAPI)(nil)

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		runs:   make(map[uuid.UUID]*core.FlowRun),
		states: make(map[uuid.UUID][]core.State),
	}
}

func (f *fakeAPI) addRun(deploymentID uuid.UUID) *core.FlowRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	run := &core.FlowRun{
		ID:           uuid.New(),
		DeploymentID: deploymentID,
		State:        core.Scheduled(),
		Created:      time.Now().UTC(),
	}
	f.runs[run.ID] = run
	return run
}

func (f *fakeAPI) setState(id uuid.UUID, state core.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if run, ok := f.runs[id]; ok {
		run.State = state
	}
}

func (f *fakeAPI) stateHistory(id uuid.UUID) []core.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.State(nil), f.states[id]...)
}

func (f *fakeAPI) CreateDeployment(_ context.Context, req core.DeploymentCreate) (*core.Deployment, error) {
	return &core.Deployment{ID: uuid.New(), Name: req.Name, FlowName: req.FlowName, Entrypoint: req.Entrypoint}, nil
}

func (f *fakeAPI) ReadDeployment(_ context.Context, id uuid.UUID) (*core.Deployment, error) {
	return &core.Deployment{ID: id}, nil
}

func (f *fakeAPI) ReadDeploymentByName(_ context.Context, name string) (*core.Deployment, error) {
	return nil, core.ErrNotFound("deployment", name)
}

func (f *fakeAPI) PauseSchedule(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pauseErr != nil {
		return f.pauseErr
	}
	f.paused = append(f.paused, id)
	return nil
}

func (f *fakeAPI) CreateFlowRun(_ context.Context, deploymentID uuid.UUID, _ map[string]any) (*core.FlowRun, error) {
	return f.addRun(deploymentID), nil
}

func (f *fakeAPI) ReadFlowRun(_ context.Context, id uuid.UUID) (*core.FlowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return nil, core.ErrNotFound("flow run", id.String())
	}
	copied := *run
	return &copied, nil
}

func (f *fakeAPI) SetFlowRunState(_ context.Context, id uuid.UUID, state core.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[id] = append(f.states[id], state)
	if run, ok := f.runs[id]; ok {
		run.State = state
	}
	return nil
}

func (f *fakeAPI) ListSchedulableFlowRuns(_ context.Context, deploymentIDs []uuid.UUID) ([]core.FlowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	owned := make(map[uuid.UUID]bool, len(deploymentIDs))
	for _, id := range deploymentIDs {
		owned[id] = true
	}
	var out []core.FlowRun
	for _, run := range f.runs {
		if owned[run.DeploymentID] && run.State.Type == core.StateScheduled {
			out = append(out, *run)
		}
	}
	return out, nil
}

// fakeJournal counts dispatch and exit records.
type fakeJournal struct {
	mu         sync.Mutex
	dispatched []core.RunRecord
	exits      map[uuid.UUID]core.StateType
}

var _ core.Journal = (*fakeJournal)(nil)

func newFakeJournal() *fakeJournal {
	return &fakeJournal{exits: make(map[uuid.UUID]core.StateType)}
}

func (j *fakeJournal) RecordDispatch(_ context.Context, rec core.RunRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.dispatched = append(j.dispatched, rec)
	return nil
}

func (j *fakeJournal) RecordExit(_ context.Context, runID uuid.UUID, _ core.ExitStatus, state core.StateType, _ string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.exits[runID] = state
	return nil
}

func (j *fakeJournal) Recent(context.Context, int) ([]core.RunRecord, error) { return nil, nil }
func (j *fakeJournal) Close() error                                         { return nil }

func (j *fakeJournal) dispatchCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.dispatched)
}

func requirePOSIX(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func shellExecutor(t *testing.T, script string, grace time.Duration) *ProcessExecutor {
	t.Helper()
	return NewProcessExecutor(ProcessConfig{
		Executable:  "/bin/sh",
		Args:        []string{"-c", script},
		GracePeriod: grace,
	}, nil, logging.NewNop())
}

func registerTestDeployment(t *testing.T, r *Runner, api *fakeAPI) *core.Deployment {
	t.Helper()
	dep := &core.Deployment{
		ID:         uuid.New(),
		Name:       "nightly",
		FlowName:   "etl",
		Entrypoint: "flows/etl:main",
		Path:       t.TempDir(),
	}
	if err := r.RegisterDeployment(context.Background(), dep, nil); err != nil {
		t.Fatalf("RegisterDeployment() error: %v", err)
	}
	return dep
}

func TestRunOncePerformsExactlyOneCycle(t *testing.T) {
	requirePOSIX(t)
	api := newFakeAPI()
	r := New(DefaultConfig(), api, shellExecutor(t, "exit 0", time.Second), logging.NewNop())
	dep := registerTestDeployment(t, r, api)
	run := api.addRun(dep.ID)

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}

	if api.listCalls != 1 {
		t.Fatalf("listCalls = %d, want exactly 1", api.listCalls)
	}
	if r.InFlight() != 0 {
		t.Fatal("RunOnce() should drain in-flight work before returning")
	}
	if !r.Heartbeat().Healthy(time.Minute) {
		t.Fatal("a successful cycle must refresh the heartbeat")
	}
	// Clean exit, no remote terminal state: no forced transition needed,
	// but also no CRASHED report.
	for _, st := range api.stateHistory(run.ID) {
		if st.Type == core.StateCrashed {
			t.Fatal("clean exit must not be reported as CRASHED")
		}
	}
}

func TestRunOnceWithNoWork(t *testing.T) {
	api := newFakeAPI()
	r := New(DefaultConfig(), api, shellExecutor(t, "exit 0", time.Second), logging.NewNop())
	registerTestDeployment(t, r, api)

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if api.listCalls != 1 {
		t.Fatalf("listCalls = %d, want 1 even with no work found", api.listCalls)
	}
}

func TestLimitZeroDispatchesNothing(t *testing.T) {
	api := newFakeAPI()
	cfg := DefaultConfig()
	cfg.Limit = 0
	journal := newFakeJournal()
	r := New(cfg, api, shellExecutor(t, "exit 0", time.Second), logging.NewNop(), WithJournal(journal))
	dep := registerTestDeployment(t, r, api)
	api.addRun(dep.ID)
	api.addRun(dep.ID)

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}

	if got := journal.dispatchCount(); got != 0 {
		t.Fatalf("dispatched %d runs, want 0 at limit 0", got)
	}
	// Backpressure is not an error: the cycle still succeeded.
	if !r.Heartbeat().Healthy(time.Minute) {
		t.Fatal("admission rejection must not abort the poll cycle")
	}
}

func TestLimitBoundsConcurrentDispatch(t *testing.T) {
	requirePOSIX(t)
	api := newFakeAPI()
	cfg := DefaultConfig()
	cfg.Limit = 1
	journal := newFakeJournal()
	r := New(cfg, api, shellExecutor(t, "exit 0", time.Second), logging.NewNop(), WithJournal(journal))
	dep := registerTestDeployment(t, r, api)
	api.addRun(dep.ID)
	api.addRun(dep.ID)

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}

	// One slot, two candidates: exactly one dispatched, the other left in
	// its schedulable state for the next cycle.
	if got := journal.dispatchCount(); got != 1 {
		t.Fatalf("dispatched %d runs in one cycle, want 1 at limit 1", got)
	}

	// The engine inside the finished process would have reported COMPLETED;
	// simulate that so the next cycle only sees the leftover run.
	journal.mu.Lock()
	first := journal.dispatched[0].RunID
	journal.mu.Unlock()
	api.setState(first, core.Completed())

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("second RunOnce() error: %v", err)
	}
	if got := journal.dispatchCount(); got != 2 {
		t.Fatalf("dispatched %d runs after retry cycle, want 2", got)
	}
}

func TestRedispatchDuringReapKeepsSlotAccounting(t *testing.T) {
	requirePOSIX(t)
	api := newFakeAPI()
	cfg := DefaultConfig()
	cfg.Limit = 1
	r := New(cfg, api, shellExecutor(t, "true", time.Second), logging.NewNop())
	dep := registerTestDeployment(t, r, api)
	api.addRun(dep.ID)

	// The process exits cleanly without reporting a terminal state, so the
	// run stays schedulable and every cycle redispatches the same ID. Each
	// redispatch races the teardown of the previous process. Occupancy must
	// hold throughout: never more in-flight runs than slots, and every
	// in-flight run holds its slot.
	var violations atomic.Int64
	stop := make(chan struct{})
	var sampler sync.WaitGroup
	sampler.Add(1)
	go func() {
		defer sampler.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			r.mu.Lock()
			r.limiter.mu.Lock()
			inFlight := len(r.inFlight)
			held := 0
			for id := range r.inFlight {
				if _, ok := r.limiter.held[id]; ok {
					held++
				}
			}
			r.limiter.mu.Unlock()
			r.mu.Unlock()
			if inFlight > 1 || held < inFlight {
				violations.Add(1)
			}
		}
	}()

	ctx := context.Background()
	for i := 0; i < 40; i++ {
		if err := r.pollOnce(ctx); err != nil {
			t.Fatalf("poll cycle %d error: %v", i, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	r.supervision.Wait()
	close(stop)
	sampler.Wait()

	if got := violations.Load(); got != 0 {
		t.Fatalf("observed %d occupancy violations at limit 1", got)
	}
	if got := r.limiter.InUse(); got != 0 {
		t.Fatalf("slots in use = %d, want 0 after drain", got)
	}
}

func TestCrashedProcessForcesCrashedState(t *testing.T) {
	requirePOSIX(t)
	api := newFakeAPI()
	r := New(DefaultConfig(), api, shellExecutor(t, "exit 3", time.Second), logging.NewNop())
	dep := registerTestDeployment(t, r, api)
	run := api.addRun(dep.ID)
	// Child engines normally transition PENDING themselves; this one dies
	// before reporting anything, leaving the remote state non-terminal.
	api.setState(run.ID, core.Pending())

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}

	history := api.stateHistory(run.ID)
	if len(history) == 0 {
		t.Fatal("crashed run must be force-transitioned by the runner")
	}
	last := history[len(history)-1]
	if last.Type != core.StateCrashed {
		t.Fatalf("final reported state = %s, want CRASHED", last.Type)
	}
	if !strings.Contains(last.Message, "exited with code 3") {
		t.Fatalf("crash reason = %q, want the exit code recorded", last.Message)
	}
}

func TestCrashSkippedWhenRemoteStateTerminal(t *testing.T) {
	requirePOSIX(t)
	api := newFakeAPI()
	r := New(DefaultConfig(), api, shellExecutor(t, "sleep 0.3; exit 1", time.Second), logging.NewNop())
	dep := registerTestDeployment(t, r, api)
	run := api.addRun(dep.ID)

	// RunOnce dispatches while the run is SCHEDULED; flip it to FAILED
	// before the process dies, as if the engine self-reported.
	go func() {
		time.Sleep(50 * time.Millisecond)
		api.setState(run.ID, core.Failed("boom"))
	}()

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}

	for _, st := range api.stateHistory(run.ID) {
		if st.Type == core.StateCrashed {
			t.Fatal("terminal remote state is absorbing; no CRASHED transition allowed")
		}
	}
}

func TestSpawnFailureMarksRunCrashed(t *testing.T) {
	api := newFakeAPI()
	exec := NewProcessExecutor(ProcessConfig{
		Executable:  "/nonexistent/engine/binary",
		GracePeriod: time.Second,
	}, nil, logging.NewNop())
	r := New(DefaultConfig(), api, exec, logging.NewNop())
	dep := registerTestDeployment(t, r, api)
	run := api.addRun(dep.ID)

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}

	history := api.stateHistory(run.ID)
	if len(history) != 1 || history[0].Type != core.StateCrashed {
		t.Fatalf("state history = %+v, want a single CRASHED report", history)
	}
	if !strings.Contains(history[0].Message, "spawn") {
		t.Fatalf("crash reason = %q, want the spawn error", history[0].Message)
	}
	// Slot must be released on the failure path.
	if got := r.limiter.InUse(); got != 0 {
		t.Fatalf("slots in use = %d, want 0 after spawn failure", got)
	}
}

func TestPullFailureLeavesRunForRetry(t *testing.T) {
	api := newFakeAPI()
	r := New(DefaultConfig(), api, shellExecutor(t, "exit 0", time.Second), logging.NewNop())

	dep := &core.Deployment{ID: uuid.New(), Name: "nightly", FlowName: "etl", Path: t.TempDir()}
	st := &countingStorage{dest: t.TempDir(), interval: time.Minute}
	if err := r.RegisterDeployment(context.Background(), dep, st); err != nil {
		t.Fatal(err)
	}
	run := api.addRun(dep.ID)
	st.pullErr = errors.New("storage unreachable")

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}

	// The run never started: it must not be marked CRASHED, and its slot
	// must be free for the retry.
	if history := api.stateHistory(run.ID); len(history) != 0 {
		t.Fatalf("state history = %+v, want no transitions on pull failure", history)
	}
	if got := r.limiter.InUse(); got != 0 {
		t.Fatalf("slots in use = %d, want 0", got)
	}
}

func TestPollFailureDoesNotRefreshHeartbeat(t *testing.T) {
	api := newFakeAPI()
	api.listErr = errors.New("service unavailable")
	r := New(DefaultConfig(), api, shellExecutor(t, "exit 0", time.Second), logging.NewNop())
	registerTestDeployment(t, r, api)

	if err := r.RunOnce(context.Background()); err == nil {
		t.Fatal("RunOnce() should surface the poll failure")
	}
	if _, ok := r.Heartbeat().LastPoll(); ok {
		t.Fatal("an aborted cycle must not refresh the heartbeat")
	}
}

func TestCancellationTerminatesAndReportsCancelled(t *testing.T) {
	requirePOSIX(t)
	api := newFakeAPI()
	cfg := DefaultConfig()
	cfg.PollInterval = 50 * time.Millisecond
	cfg.CancellationInterval = 25 * time.Millisecond
	r := New(cfg, api, shellExecutor(t, "sleep 60", time.Second), logging.NewNop())
	dep := registerTestDeployment(t, r, api)
	run := api.addRun(dep.ID)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	// Wait for dispatch, then request cancellation remotely.
	waitFor(t, 5*time.Second, func() bool { return r.InFlight() == 1 })
	api.setState(run.ID, core.NewState(core.StateCancelling, "user requested"))

	// Terminated within cancellation interval + grace period, then the
	// runner itself reports CANCELLED since the engine is dead.
	waitFor(t, 10*time.Second, func() bool {
		history := api.stateHistory(run.ID)
		return len(history) > 0 && history[len(history)-1].Type == core.StateCancelled
	})

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start() returned error: %v", err)
	}
	if got := r.limiter.InUse(); got != 0 {
		t.Fatalf("slots in use = %d, want 0 after cancellation", got)
	}
}

func TestShutdownPausesSchedulesAndDrains(t *testing.T) {
	requirePOSIX(t)
	api := newFakeAPI()
	cfg := DefaultConfig()
	cfg.PollInterval = 50 * time.Millisecond
	r := New(cfg, api, shellExecutor(t, "sleep 0.2", time.Second), logging.NewNop())
	dep := registerTestDeployment(t, r, api)
	api.addRun(dep.ID)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	waitFor(t, 5*time.Second, func() bool { return r.InFlight() == 1 })
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("Start() returned error: %v", err)
	}

	// Graceful drain: the in-flight run was supervised to completion, not
	// force-killed, and the deployment's schedule was paused.
	if r.InFlight() != 0 {
		t.Fatal("shutdown must drain in-flight runs")
	}
	api.mu.Lock()
	paused := append([]uuid.UUID(nil), api.paused...)
	api.mu.Unlock()
	if len(paused) != 1 || paused[0] != dep.ID {
		t.Fatalf("paused deployments = %v, want [%s]", paused, dep.ID)
	}
}

func TestShutdownToleratesPauseFailure(t *testing.T) {
	api := newFakeAPI()
	api.pauseErr = errors.New("service unavailable")
	cfg := DefaultConfig()
	cfg.PollInterval = 50 * time.Millisecond
	r := New(cfg, api, shellExecutor(t, "exit 0", time.Second), logging.NewNop())
	registerTestDeployment(t, r, api)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()
	time.Sleep(100 * time.Millisecond)
	cancel()

	// Pause failures are logged, never abort shutdown.
	if err := <-done; err != nil {
		t.Fatalf("Start() = %v, want nil despite pause failure", err)
	}
}

func TestExecuteRunsSynchronously(t *testing.T) {
	requirePOSIX(t)
	api := newFakeAPI()
	r := New(DefaultConfig(), api, shellExecutor(t, "exit 0", time.Second), logging.NewNop())
	dep := registerTestDeployment(t, r, api)
	run := api.addRun(dep.ID)

	status, err := r.Execute(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if status.Abnormal() {
		t.Fatalf("Execute() status = %+v, want clean exit", status)
	}
	if got := r.limiter.InUse(); got != 0 {
		t.Fatalf("slots in use = %d, want 0 after synchronous execution", got)
	}
}

func TestExecuteUnknownRun(t *testing.T) {
	api := newFakeAPI()
	r := New(DefaultConfig(), api, shellExecutor(t, "exit 0", time.Second), logging.NewNop())

	_, err := r.Execute(context.Background(), uuid.New())
	if !core.IsCategory(err, core.ErrCatNotFound) {
		t.Fatalf("Execute() error category = %v, want not_found", core.GetCategory(err))
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
