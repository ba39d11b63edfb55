package core

import (
	"strings"
	"testing"
)

func TestStateType_IsTerminal(t *testing.T) {
	terminal := []StateType{StateCompleted, StateFailed, StateCrashed, StateCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}

	live := []StateType{StateScheduled, StatePending, StateRunning, StateCancelling}
	for _, s := range live {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestNewState_SetsTimestamp(t *testing.T) {
	s := Crashed("exited with code 1")
	if s.Type != StateCrashed {
		t.Fatalf("expected CRASHED, got %s", s.Type)
	}
	if s.Message != "exited with code 1" {
		t.Fatalf("unexpected message: %q", s.Message)
	}
	if s.Timestamp.IsZero() {
		t.Fatalf("expected timestamp to be set")
	}
}

func TestExitStatus_Abnormal(t *testing.T) {
	cases := []struct {
		status   ExitStatus
		abnormal bool
	}{
		{ExitStatus{Code: 0}, false},
		{ExitStatus{Code: 1}, true},
		{ExitStatus{Code: -1, Signal: "terminated"}, true},
		{ExitStatus{Code: 0, Signal: "killed"}, true},
	}
	for _, tc := range cases {
		if got := tc.status.Abnormal(); got != tc.abnormal {
			t.Errorf("Abnormal(%+v) = %v, want %v", tc.status, got, tc.abnormal)
		}
	}
}

func TestExitStatus_String(t *testing.T) {
	if got := (ExitStatus{Code: 3}).String(); !strings.Contains(got, "3") {
		t.Errorf("expected exit code in %q", got)
	}
	if got := (ExitStatus{Signal: "killed"}).String(); !strings.Contains(got, "killed") {
		t.Errorf("expected signal name in %q", got)
	}
	if got := (ExitStatus{}).String(); got != "exited cleanly" {
		t.Errorf("unexpected clean status: %q", got)
	}
}

func TestDeployment_FullName(t *testing.T) {
	d := &Deployment{Name: "prod", FlowName: "etl"}
	if got := d.FullName(); got != "etl/prod" {
		t.Fatalf("FullName() = %q, want %q", got, "etl/prod")
	}
}
