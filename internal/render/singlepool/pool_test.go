package singlepool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
	"github.com/yungbote/neurobridge-backend/internal/render/workerclient"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

// newClientFactory builds a ClientFactory that hands back a
// workerclient.Client pointed at whatever base URL the pool asks for,
// suitable for use with httptest.Server-backed fake workers.
func newClientFactory(t *testing.T) ClientFactory {
	t.Helper()
	return func(baseURL string) (*workerclient.Client, error) {
		return workerclient.New(workerclient.Options{BaseURL: baseURL})
	}
}

func TestNextWorkerRoundRobinsAndPrefersIdle(t *testing.T) {
	p := New([]Worker{{ID: "a", Name: "a"}, {ID: "b", Name: "b"}, {ID: "c", Name: "c"}}, newClientFactory(t), newTestLogger(t))

	first := p.nextWorker()
	p.claim(first, "job-1")
	second := p.nextWorker()
	if second.ID == first.ID {
		t.Fatalf("expected round-robin to skip the now-busy worker, got %s twice", first.ID)
	}
}

func TestNextWorkerFallsBackWhenAllBusy(t *testing.T) {
	p := New([]Worker{{ID: "a", Name: "a"}, {ID: "b", Name: "b"}}, newClientFactory(t), newTestLogger(t))
	for _, w := range p.workers {
		p.claim(w, "busy")
	}
	// every worker busy: nextWorker must still return one rather than blocking or panicking.
	w := p.nextWorker()
	if w == nil {
		t.Fatalf("expected a fallback worker even when all are busy")
	}
}

func TestSubmitKeepsWorkerBusyUntilJobComplete(t *testing.T) {
	var gotWorkerName string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotWorkerName, _ = body["worker_name"].(string)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(workerclient.SubmitResult{Status: "accepted", JobID: "w-1"})
	}))
	defer srv.Close()

	p := New([]Worker{{ID: "a", Name: "worker-a", BaseURL: srv.URL}}, newClientFactory(t), newTestLogger(t))

	result := p.Submit(context.Background(), "job-1", map[string]any{"foo": "bar"})
	if !result.Accepted || result.Worker != "worker-a" {
		t.Fatalf("expected accepted submission to worker-a, got %+v", result)
	}
	if gotWorkerName != "worker-a" {
		t.Fatalf("expected worker_name stamped onto payload, got %q", gotWorkerName)
	}
	if !p.workers[0].IsBusy || p.workers[0].CurrentJobID != "job-1" {
		t.Fatalf("expected the worker to stay busy with job-1 until MarkJobComplete")
	}
}

func TestSubmitFallsBackToBackupWorkerOnFailure(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	var backupHit bool
	backup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupHit = true
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(workerclient.SubmitResult{Status: "accepted", JobID: "w-2"})
	}))
	defer backup.Close()

	factory := func(baseURL string) (*workerclient.Client, error) {
		return workerclient.New(workerclient.Options{BaseURL: baseURL, MaxRetries: 0})
	}
	p := New([]Worker{{ID: "a", Name: "worker-a", BaseURL: failing.URL}, {ID: "b", Name: "worker-b", BaseURL: backup.URL}}, factory, newTestLogger(t))
	// force the first rotation to land on worker-a.
	p.rrIndex = 0

	result := p.Submit(context.Background(), "job-1", map[string]any{})
	if !backupHit {
		t.Fatalf("expected the backup worker to receive a retried submission")
	}
	if !result.Accepted || result.Worker != "worker-b" {
		t.Fatalf("expected the backup worker to succeed, got %+v", result)
	}
	if p.workers[0].IsBusy {
		t.Fatalf("expected the failed worker released after the exchange")
	}
	if !p.workers[1].IsBusy || p.workers[1].CurrentJobID != "job-1" {
		t.Fatalf("expected the backup worker to hold job-1 until MarkJobComplete")
	}
}

func TestMarkJobCompleteReleasesHoldingWorker(t *testing.T) {
	p := New([]Worker{{ID: "a", Name: "a"}}, newClientFactory(t), newTestLogger(t))
	p.claim(p.workers[0], "job-1")

	p.MarkJobComplete("job-1")
	if p.workers[0].IsBusy || p.workers[0].CurrentJobID != "" {
		t.Fatalf("expected MarkJobComplete to release the worker holding job-1")
	}
}

func TestStatusReportsCounts(t *testing.T) {
	p := New([]Worker{{ID: "a", Name: "a"}, {ID: "b", Name: "b"}}, newClientFactory(t), newTestLogger(t))
	p.claim(p.workers[0], "job-1")
	p.workers[1].IsHealthy = false

	st := p.Status()
	if st.TotalWorkers != 2 || st.BusyWorkers != 1 || st.HealthyWorkers != 1 {
		t.Fatalf("unexpected status counts: %+v", st)
	}
}

func TestCheckAllHealthUpdatesWorkerState(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	p := New([]Worker{{ID: "a", Name: "a", BaseURL: healthy.URL}, {ID: "b", Name: "b", BaseURL: "http://127.0.0.1:0"}}, newClientFactory(t), newTestLogger(t))

	results := p.CheckAllHealth(context.Background())
	if !results["a"] {
		t.Fatalf("expected worker a to be reported healthy")
	}
	if results["b"] {
		t.Fatalf("expected worker b (unreachable) to be reported unhealthy")
	}
	if !p.workers[0].IsHealthy || p.workers[1].IsHealthy {
		t.Fatalf("expected pool state updated to match health results")
	}
}
