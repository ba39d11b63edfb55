package runner

import (
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cswartzvi/prefect/internal/core"
	"github.com/cswartzvi/prefect/internal/logging"
)

func testRun() *core.FlowRun {
	return &core.FlowRun{
		ID:           uuid.New(),
		DeploymentID: uuid.New(),
		Name:         "test-run",
		State:        core.Scheduled(),
	}
}

func TestCommandKeepsExecutablePathIntact(t *testing.T) {
	// A path under a directory with spaces must reach process creation as
	// one argument, not be split on whitespace.
	exe := "/opt/my flows/bin/engine host"
	e := NewProcessExecutor(ProcessConfig{
		Executable:  exe,
		Args:        []string{"engine"},
		GracePeriod: time.Second,
	}, nil, logging.NewNop())

	cmd := e.command(testRun(), t.TempDir())

	if cmd.Args[0] != exe {
		t.Fatalf("argv[0] = %q, want the unsplit path %q", cmd.Args[0], exe)
	}
	if len(cmd.Args) != 2 || cmd.Args[1] != "engine" {
		t.Fatalf("argv = %v, want [%q engine]", cmd.Args, exe)
	}
}

func TestEnvironCarriesCanonicalRunID(t *testing.T) {
	run := testRun()
	e := NewProcessExecutor(ProcessConfig{
		Executable: "/usr/bin/true",
		APIURL:     "http://127.0.0.1:4200/api",
		ExtraEnv:   map[string]string{"FLOW_ENV": "test"},
	}, nil, logging.NewNop())

	env := e.environ(run)

	want := EnvFlowRunID + "=" + run.ID.String()
	var found, foundAPI, foundExtra bool
	for _, kv := range env {
		switch {
		case kv == want:
			found = true
		case kv == EnvAPIURL+"=http://127.0.0.1:4200/api":
			foundAPI = true
		case kv == "FLOW_ENV=test":
			foundExtra = true
		case strings.HasPrefix(kv, EnvFlowRunID+"="):
			t.Fatalf("run id env has wrong value: %q, want %q", kv, want)
		}
	}
	if !found {
		t.Fatalf("environment missing %q", want)
	}
	if !foundAPI || !foundExtra {
		t.Fatal("environment missing API URL or extra variables")
	}

	// Canonical dashed form, not hex: 36 characters including dashes.
	if len(run.ID.String()) != 36 {
		t.Fatalf("run id %q is not in canonical dashed form", run.ID.String())
	}
}

func TestSpawnReapsCleanExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	e := NewProcessExecutor(ProcessConfig{
		Executable:  "/bin/sh",
		Args:        []string{"-c", "exit 0"},
		GracePeriod: time.Second,
	}, nil, logging.NewNop())

	h, err := e.Spawn(testRun(), t.TempDir())
	if err != nil {
		t.Fatalf("Spawn() error: %v", err)
	}

	select {
	case <-h.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process was not reaped")
	}

	if st := h.Status(); st.Abnormal() {
		t.Fatalf("Status() = %+v, want clean exit", st)
	}
}

func TestSpawnReapsNonzeroExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	e := NewProcessExecutor(ProcessConfig{
		Executable:  "/bin/sh",
		Args:        []string{"-c", "exit 7"},
		GracePeriod: time.Second,
	}, nil, logging.NewNop())

	h, err := e.Spawn(testRun(), t.TempDir())
	if err != nil {
		t.Fatalf("Spawn() error: %v", err)
	}
	<-h.Done()

	st := h.Status()
	if !st.Abnormal() {
		t.Fatal("exit 7 should be abnormal")
	}
	if st.Code != 7 {
		t.Fatalf("Status().Code = %d, want 7", st.Code)
	}
}

func TestSpawnFailureSurfacesAsExecutionError(t *testing.T) {
	e := NewProcessExecutor(ProcessConfig{
		Executable:  "/nonexistent/definitely/missing",
		GracePeriod: time.Second,
	}, nil, logging.NewNop())

	_, err := e.Spawn(testRun(), t.TempDir())
	if err == nil {
		t.Fatal("Spawn() should fail for a missing executable")
	}
	if !core.IsCategory(err, core.ErrCatExecution) {
		t.Fatalf("spawn failure category = %v, want execution", core.GetCategory(err))
	}
}

func TestTerminateKillsWithinGracePeriod(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires POSIX signals")
	}
	e := NewProcessExecutor(ProcessConfig{
		Executable:  "/bin/sh",
		Args:        []string{"-c", "sleep 60"},
		GracePeriod: 2 * time.Second,
	}, nil, logging.NewNop())

	h, err := e.Spawn(testRun(), t.TempDir())
	if err != nil {
		t.Fatalf("Spawn() error: %v", err)
	}

	if err := h.Terminate(); err != nil {
		t.Fatalf("Terminate() error: %v", err)
	}

	select {
	case <-h.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process survived termination")
	}

	if st := h.Status(); !st.Abnormal() {
		t.Fatalf("Status() = %+v, want signal or nonzero code", st)
	}
}

func TestTerminateOnDeadHandleIsNoop(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	e := NewProcessExecutor(ProcessConfig{
		Executable:  "/bin/sh",
		Args:        []string{"-c", "exit 0"},
		GracePeriod: time.Second,
	}, nil, logging.NewNop())

	h, err := e.Spawn(testRun(), t.TempDir())
	if err != nil {
		t.Fatalf("Spawn() error: %v", err)
	}
	<-h.Done()

	// The cancellation monitor may race with natural exit.
	if err := h.Terminate(); err != nil {
		t.Fatalf("Terminate() on a reaped handle = %v, want nil", err)
	}
	if err := h.Terminate(); err != nil {
		t.Fatalf("second Terminate() = %v, want nil", err)
	}
}
