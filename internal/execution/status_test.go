package execution

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestStatusServer(t *testing.T) {
	f := newFixture(t, "1", "2")
	o := New(Options{Settings: f.settings, Preparer: &fakePreparer{}, Executor: &fakeExecutor{}})
	if err := o.RunSequential(context.Background(), f.stream(t)); err != nil {
		t.Fatalf("RunSequential: %v", err)
	}

	h := NewStatusServer("127.0.0.1:0", o, 2).Handler()

	rec := get(t, h, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("/status: expected 200, got %d", rec.Code)
	}
	var status statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Iteration != 2 || status.Planned != 2 || status.Totals["COMPLETED"] != 2 {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.Failed || len(status.Running) != 0 {
		t.Fatalf("expected idle, successful status, got %+v", status)
	}

	rec = get(t, h, "/runs")
	if rec.Code != http.StatusOK {
		t.Fatalf("/runs: expected 200, got %d", rec.Code)
	}
	var runs []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil {
		t.Fatalf("decode runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}

	if rec := get(t, h, "/runs/Bench-T1-subj-2-P1-C1-0"); rec.Code != http.StatusOK {
		t.Fatalf("known run: expected 200, got %d", rec.Code)
	}
	if rec := get(t, h, "/runs/unknown"); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown run: expected 404, got %d", rec.Code)
	}
}
