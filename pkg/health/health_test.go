package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeDrive struct {
	closed   bool
	writable bool
	version  uint64
	peers    int
}

func (f *fakeDrive) Closed() bool    { return f.closed }
func (f *fakeDrive) Writable() bool  { return f.writable }
func (f *fakeDrive) Version() uint64 { return f.version }
func (f *fakeDrive) Peers() int      { return f.peers }

func TestWorstStatusWins(t *testing.T) {
	c := NewChecker()
	c.Register("ok", func() Check { return Check{Status: StatusHealthy} })
	c.Register("slow", func() Check { return Check{Status: StatusDegraded} })

	resp := c.Check()
	if resp.Status != StatusDegraded {
		t.Fatalf("status = %s, want degraded", resp.Status)
	}
	if resp.Checks["ok"].Name != "ok" {
		t.Errorf("unnamed check should take its registered name, got %q", resp.Checks["ok"].Name)
	}

	c.Register("down", func() Check { return Check{Status: StatusUnhealthy} })
	if got := c.Check().Status; got != StatusUnhealthy {
		t.Fatalf("status = %s, want unhealthy", got)
	}
}

func TestReadinessChecksAreSeparate(t *testing.T) {
	c := NewChecker()
	called := false
	c.RegisterReadiness("ready", func() Check {
		called = true
		return Check{Status: StatusHealthy}
	})

	c.Check()
	if called {
		t.Fatal("readiness check ran for the health endpoint")
	}
	if _, ok := c.CheckReadiness().Checks["ready"]; !ok || !called {
		t.Fatal("readiness check did not run")
	}
}

func TestDriveCheck(t *testing.T) {
	d := &fakeDrive{writable: true, version: 7}
	check := DriveCheck(d)()
	if check.Status != StatusHealthy {
		t.Fatalf("status = %s, want healthy", check.Status)
	}
	if check.Details["version"] != uint64(7) {
		t.Errorf("version detail = %v", check.Details["version"])
	}

	d.closed = true
	if check := DriveCheck(d)(); check.Status != StatusUnhealthy {
		t.Fatalf("closed drive status = %s, want unhealthy", check.Status)
	}
}

func TestReplicationCheck(t *testing.T) {
	tests := []struct {
		name       string
		peers      int
		configured int
		want       Status
	}{
		{"standalone", 0, 0, StatusHealthy},
		{"no peers connected", 0, 2, StatusDegraded},
		{"some peers connected", 1, 2, StatusDegraded},
		{"all peers connected", 2, 2, StatusHealthy},
		{"inbound only", 1, 0, StatusHealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ReplicationCheck(&fakeDrive{peers: tt.peers}, tt.configured)()
			if got.Status != tt.want {
				t.Errorf("status = %s, want %s", got.Status, tt.want)
			}
		})
	}
}

func TestSignalCheck(t *testing.T) {
	ch := make(chan struct{})
	if got := SignalCheck("content", ch)(); got.Status != StatusUnhealthy {
		t.Fatalf("open signal status = %s", got.Status)
	}
	close(ch)
	if got := SignalCheck("content", ch)(); got.Status != StatusHealthy {
		t.Fatalf("closed signal status = %s", got.Status)
	}
}

func TestHandlers(t *testing.T) {
	d := &fakeDrive{}
	c := NewChecker()
	c.Register("drive", DriveCheck(d))
	c.Register("replication", ReplicationCheck(d, 1))
	c.RegisterReadiness("replication", ReplicationCheck(d, 1))

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("degraded health code = %d, want 200", rec.Code)
	}
	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != StatusDegraded {
		t.Errorf("status = %s, want degraded", resp.Status)
	}

	rec = httptest.NewRecorder()
	c.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded readiness code = %d, want 503", rec.Code)
	}

	d.closed = true
	rec = httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy code = %d, want 503", rec.Code)
	}
}
