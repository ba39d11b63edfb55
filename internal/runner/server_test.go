package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cswartzvi/prefect/internal/core"
	"github.com/cswartzvi/prefect/internal/logging"
	"github.com/cswartzvi/prefect/internal/metrics"
)

func newTestServer(t *testing.T, threshold time.Duration, j core.Journal) (*Server, *Runner) {
	t.Helper()
	api := newFakeAPI()
	r := New(DefaultConfig(), api, shellExecutor(t, "exit 0", time.Second), logging.NewNop())
	s := NewServer(ServerConfig{HealthThreshold: threshold}, r, j, nil, logging.NewNop())
	return s, r
}

func TestHealthEndpointHealthyAfterFreshPoll(t *testing.T) {
	s, r := newTestServer(t, 30*time.Second, nil)
	r.Heartbeat().Beat()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp healthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "healthy" || resp.LastPolled == nil {
		t.Fatalf("response = %+v, want healthy with last_polled", resp)
	}
}

func TestHealthEndpointUnhealthyWhenStale(t *testing.T) {
	s, r := newTestServer(t, 30*time.Second, nil)
	r.Heartbeat().BeatAt(time.Now().Add(-5 * time.Minute))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 for a 5 minute old poll", rec.Code)
	}

	// Not latched: a fresh poll flips the endpoint straight back.
	r.Heartbeat().Beat()
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 immediately after a fresh poll", rec.Code)
	}
}

func TestHealthEndpointUnhealthyBeforeFirstPoll(t *testing.T) {
	s, _ := newTestServer(t, 30*time.Second, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 before any successful poll", rec.Code)
	}
}

func TestRunsEndpointReturnsJournalRecords(t *testing.T) {
	s, _ := newTestServer(t, time.Minute, &recentStubJournal{records: []core.RunRecord{
		{RunID: uuid.New(), DeploymentID: uuid.New(), PID: 42, State: core.StateCompleted},
	}})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs?limit=10", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var records []core.RunRecord
	if err := json.NewDecoder(rec.Body).Decode(&records); err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].PID != 42 {
		t.Fatalf("records = %+v", records)
	}
}

func TestRunsEndpointRejectsBadLimit(t *testing.T) {
	s, _ := newTestServer(t, time.Minute, newFakeJournal())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs?limit=banana", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestMetricsEndpointServed(t *testing.T) {
	api := newFakeAPI()
	m := metrics.New()
	r := New(DefaultConfig(), api, shellExecutor(t, "exit 0", time.Second), logging.NewNop(), WithMetrics(m))
	s := NewServer(ServerConfig{HealthThreshold: time.Minute}, r, nil, m, logging.NewNop())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

// recentStubJournal serves canned journal records.
type recentStubJournal struct {
	records []core.RunRecord
}

var _ core.Journal = (*recentStubJournal)(nil)

func (s *recentStubJournal) RecordDispatch(context.Context, core.RunRecord) error { return nil }
func (s *recentStubJournal) RecordExit(context.Context, uuid.UUID, core.ExitStatus, core.StateType, string) error {
	return nil
}
func (s *recentStubJournal) Recent(context.Context, int) ([]core.RunRecord, error) {
	return s.records, nil
}
func (s *recentStubJournal) Close() error { return nil }
