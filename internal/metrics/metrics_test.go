package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSnapshotIsCopy(t *testing.T) {
	reg := New()
	reg.IncGenerated()
	reg.IncRejected("ALREADY_USED")

	snap := reg.Snapshot()
	snap.RejectedByReason["ALREADY_USED"] = 99
	snap.Generated = 42

	again := reg.Snapshot()
	if again.Generated != 1 {
		t.Fatalf("expected generated 1, got %d", again.Generated)
	}
	if again.RejectedByReason["ALREADY_USED"] != 1 {
		t.Fatalf("snapshot map leaked into registry: %d", again.RejectedByReason["ALREADY_USED"])
	}
}

func TestResetZeroesGuardCounters(t *testing.T) {
	reg := New()
	reg.IncAdmitted()
	reg.IncDenied()
	reg.AddEvicted(3)
	reg.IncRejected("EXPIRED")
	reg.Reset()

	s := reg.Snapshot()
	if s.Admitted != 0 || s.Denied != 0 || s.Evicted != 0 || len(s.RejectedByReason) != 0 {
		t.Fatalf("expected zeroed snapshot, got %+v", s)
	}
}

func TestNilRegistryIsSafe(t *testing.T) {
	var reg *Registry
	reg.IncGenerated()
	reg.IncRejected("X")
	reg.AddEvicted(2)
	if s := reg.Snapshot(); s.Generated != 0 {
		t.Fatalf("expected empty snapshot from nil registry")
	}
}

func TestHandlerExposesGuardCounters(t *testing.T) {
	reg := New()
	reg.IncValidated()
	reg.IncRejected("OUT_OF_ORDER")
	reg.IncRequest("/v1/echo")

	rr := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rr.Body)
	text := string(body)
	for _, want := range []string{
		"reqguard_nonces_validated_total 1",
		`reqguard_nonces_rejected_total{reason="OUT_OF_ORDER"} 1`,
		`reqguard_requests_total{path="/v1/echo"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in exposition:\n%s", want, text)
		}
	}
}
