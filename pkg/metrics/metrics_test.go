package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRegistryCounts(t *testing.T) {
	r := NewRegistry()
	r.IncStage("received")
	r.IncStage("received")
	r.IncStage("failed")
	r.ObserveRequest("success", 20*time.Millisecond)
	r.ObserveRequest("success", 40*time.Millisecond)
	r.ObserveRequest("auth_failed", 5*time.Millisecond)

	snap := r.Snapshot()
	if snap.Stages["received"] != 2 || snap.Stages["failed"] != 1 {
		t.Fatalf("unexpected stages: %+v", snap.Stages)
	}
	success := snap.Outcomes["success"]
	if success.Count != 2 || success.MaxMillis != 40 || success.AverageMillis != 30 {
		t.Fatalf("unexpected success stat: %+v", success)
	}
	if snap.Outcomes["auth_failed"].Count != 1 {
		t.Fatalf("unexpected auth_failed stat: %+v", snap.Outcomes["auth_failed"])
	}
}

func TestHandler(t *testing.T) {
	r := NewRegistry()
	r.IncStage("completed")
	rr := httptest.NewRecorder()
	r.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	var snap Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Stages["completed"] != 1 || snap.GeneratedAt == "" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestSnapshotIsolatedFromRegistry(t *testing.T) {
	r := NewRegistry()
	r.IncStage("received")
	snap := r.Snapshot()
	snap.Stages["received"] = 99
	if r.Snapshot().Stages["received"] != 1 {
		t.Fatal("snapshot mutation leaked into registry")
	}
}
