package runner

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cswartzvi/prefect/internal/core"
	"github.com/cswartzvi/prefect/internal/diagnostics"
	"github.com/cswartzvi/prefect/internal/logging"
)

// EnvFlowRunID carries the flow run's canonical identity into the spawned
// process so the engine inside it can report back against the correct run.
// The value is the dashed UUID string form, never a hex digest, so it
// correlates directly with orchestration service records.
const EnvFlowRunID = "PREFECT__FLOW_RUN_ID"

// EnvAPIURL tells the spawned engine where the orchestration service lives.
const EnvAPIURL = "PREFECT__API_URL"

// ProcessConfig holds executor configuration.
type ProcessConfig struct {
	// Executable is the path of the program that hosts the flow engine.
	// It is passed to process creation as one token; a path with embedded
	// spaces stays a single argument.
	Executable string
	// Args are fixed arguments appended after the executable.
	Args []string
	// APIURL is injected as EnvAPIURL when non-empty.
	APIURL string
	// ExtraEnv is applied on top of the parent environment.
	ExtraEnv map[string]string
	// GracePeriod bounds the wait between the graceful termination signal
	// and the forceful kill.
	GracePeriod time.Duration
}

// DefaultProcessConfig returns executor defaults: the current binary
// re-invoked as the engine child command.
func DefaultProcessConfig() ProcessConfig {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	return ProcessConfig{
		Executable:  exe,
		Args:        []string{"engine"},
		GracePeriod: 30 * time.Second,
	}
}

// ProcessExecutor spawns and supervises one OS process per flow run.
// No pooling or reuse: every Spawn creates a fresh process.
type ProcessExecutor struct {
	cfg       ProcessConfig
	logger    *logging.Logger
	preflight *diagnostics.Preflight
}

// NewProcessExecutor creates an executor. preflight may be nil to skip
// resource checks before spawning.
func NewProcessExecutor(cfg ProcessConfig, preflight *diagnostics.Preflight, logger *logging.Logger) *ProcessExecutor {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 30 * time.Second
	}
	return &ProcessExecutor{cfg: cfg, logger: logger, preflight: preflight}
}

// ProcessHandle tracks one spawned process until it is reaped.
type ProcessHandle struct {
	runID string
	cmd   *exec.Cmd
	grace time.Duration

	done chan struct{}

	mu     sync.Mutex
	status core.ExitStatus
}

// PID returns the OS process id.
func (h *ProcessHandle) PID() int {
	return h.cmd.Process.Pid
}

// Done is closed once the process has been reaped.
func (h *ProcessHandle) Done() <-chan struct{} {
	return h.done
}

// Exited reports whether the process has been reaped.
func (h *ProcessHandle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Status returns the exit status. Only meaningful after Done is closed.
func (h *ProcessHandle) Status() core.ExitStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Terminate sends the graceful termination signal to the process group,
// waits up to the grace period, then kills forcefully. Terminating an
// already-reaped process is a no-op: cancellation checks race naturally
// with process exit.
func (h *ProcessHandle) Terminate() error {
	if h.Exited() {
		return nil
	}
	return terminateProcess(h, h.grace)
}

// Spawn launches the configured executable for a flow run in workDir and
// begins an asynchronous wait. The returned handle's Done channel closes
// when the process is reaped.
func (e *ProcessExecutor) Spawn(run *core.FlowRun, workDir string) (*ProcessHandle, error) {
	if e.cfg.Executable == "" {
		return nil, core.ErrValidation(core.CodeNoExecutable, "flow engine executable not configured")
	}

	if e.preflight != nil {
		if err := e.preflight.Check(); err != nil {
			return nil, core.ErrExecution(core.CodePreflight, "preflight check failed").WithCause(err)
		}
	}

	cmd := e.command(run, workDir)

	e.logger.Info("spawning flow run process",
		"flow_run_id", run.ID.String(),
		"executable", e.cfg.Executable,
		"args", e.cfg.Args,
		"work_dir", cmd.Dir,
	)

	if err := cmd.Start(); err != nil {
		return nil, core.ErrExecution(core.CodeSpawnFailed,
			fmt.Sprintf("starting flow run process: %v", err)).WithCause(err)
	}

	h := &ProcessHandle{
		runID: run.ID.String(),
		cmd:   cmd,
		grace: e.cfg.GracePeriod,
		done:  make(chan struct{}),
	}

	e.logger.Info("flow run process started", "flow_run_id", h.runID, "pid", h.PID())

	go h.reap()

	return h, nil
}

// command builds the exec.Cmd for a run. The executable is a single
// non-splittable token even when the path contains whitespace.
func (e *ProcessExecutor) command(run *core.FlowRun, workDir string) *exec.Cmd {
	// #nosec G204 -- executable path and args come from validated runner config
	cmd := exec.Command(e.cfg.Executable, e.cfg.Args...)
	cmd.Dir = workDir
	cmd.Env = e.environ(run)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	configureProcAttr(cmd)
	return cmd
}

// environ merges the parent environment with run-scoped variables.
func (e *ProcessExecutor) environ(run *core.FlowRun) []string {
	env := os.Environ()
	env = append(env, EnvFlowRunID+"="+run.ID.String())
	if e.cfg.APIURL != "" {
		env = append(env, EnvAPIURL+"="+e.cfg.APIURL)
	}
	for k, v := range e.cfg.ExtraEnv {
		env = append(env, k+"="+v)
	}
	return env
}

// reap waits for the process, records the exit status, and closes done.
func (h *ProcessHandle) reap() {
	err := h.cmd.Wait()

	status := core.ExitStatus{}
	if h.cmd.ProcessState != nil {
		status.Code = h.cmd.ProcessState.ExitCode()
		status.Signal = exitSignal(h.cmd.ProcessState)
	} else if err != nil {
		status.Code = -1
	}

	h.mu.Lock()
	h.status = status
	h.mu.Unlock()
	close(h.done)
}
