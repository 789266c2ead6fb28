package cluster

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"offlinegate/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url %q: %v", raw, err)
	}
	return u
}

func TestRoundRobin_PickEndpoint_BasicAndAlive(t *testing.T) {
	ep1 := &Endpoint{URL: mustParseURL(t, "http://origin1")}
	ep2 := &Endpoint{URL: mustParseURL(t, "http://origin2")}

	cl := NewRoundRobinCluster("web", []*Endpoint{ep1, ep2}, nil, nil).(*roundRobin)

	if !ep1.Alive || !ep2.Alive {
		t.Fatalf("expected endpoints to be marked alive at startup")
	}

	var got []*Endpoint
	for i := 0; i < 4; i++ {
		ep, err := cl.PickEndpoint()
		if err != nil {
			t.Fatalf("PickEndpoint error: %v", err)
		}
		got = append(got, ep)
	}
	if got[0] != ep1 || got[1] != ep2 || got[2] != ep1 || got[3] != ep2 {
		t.Errorf("round-robin sequence incorrect: got %v, want [ep1 ep2 ep1 ep2]", got)
	}

	ep2.Alive = false

	for i := 0; i < 4; i++ {
		ep, err := cl.PickEndpoint()
		if err != nil {
			t.Fatalf("PickEndpoint error after ep2 down: %v", err)
		}
		if ep != ep1 {
			t.Errorf("expected only ep1 when ep2 is not alive, got %p", ep)
		}
	}

	ep1.Alive = false
	if _, err := cl.PickEndpoint(); !errors.Is(err, ErrNoEndpoint) {
		t.Fatalf("expected ErrNoEndpoint with every endpoint down, got %v", err)
	}
}

func TestRoundRobin_NoEndpoints(t *testing.T) {
	cl := NewRoundRobinCluster("empty", nil, nil, nil)
	if _, err := cl.PickEndpoint(); !errors.Is(err, ErrNoEndpoint) {
		t.Fatalf("expected ErrNoEndpoint, got %v", err)
	}
}

func TestRoundRobin_CircuitBreaker_OpenAndCloses(t *testing.T) {
	cbCfg := &CircuitBreakerConfig{
		ConsecutiveFailures: 2,
		Cooldown:            30 * time.Second,
	}

	ep := &Endpoint{URL: mustParseURL(t, "http://origin")}
	cl := NewRoundRobinCluster("cb", []*Endpoint{ep}, nil, cbCfg).(*roundRobin)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	cl.now = func() time.Time { return now }

	if got, err := cl.PickEndpoint(); err != nil || got != ep {
		t.Fatalf("expected to pick ep, got %p err=%v", got, err)
	}

	cl.ReportFailure(ep)
	if ep.cbFailures != 1 {
		t.Errorf("expected cbFailures=1 after first failure, got %d", ep.cbFailures)
	}
	if !ep.circuitOpenUntil.IsZero() {
		t.Errorf("expected circuit to remain closed after first failure")
	}

	cl.ReportFailure(ep)
	if ep.circuitOpenUntil.IsZero() {
		t.Errorf("expected circuitOpenUntil to be set after reaching the failure threshold")
	}

	if _, err := cl.PickEndpoint(); !errors.Is(err, ErrNoEndpoint) {
		t.Fatalf("expected PickEndpoint to fail while circuit is open, got %v", err)
	}

	now = now.Add(cbCfg.Cooldown)

	got, err := cl.PickEndpoint()
	if err != nil || got != ep {
		t.Fatalf("expected to pick ep after cooldown, got %p err=%v", got, err)
	}
	if !ep.circuitOpenUntil.IsZero() || ep.cbFailures != 0 {
		t.Errorf("expected breaker state reset after cooldown, got until=%v failures=%d", ep.circuitOpenUntil, ep.cbFailures)
	}
}

func TestRoundRobin_ReportSuccessResetsFailures(t *testing.T) {
	ep := &Endpoint{URL: mustParseURL(t, "http://origin")}
	cl := NewRoundRobinCluster("cb", []*Endpoint{ep}, nil, &CircuitBreakerConfig{ConsecutiveFailures: 2, Cooldown: time.Minute})

	cl.ReportFailure(ep)
	cl.ReportSuccess(ep)
	cl.ReportFailure(ep)

	if !ep.circuitOpenUntil.IsZero() {
		t.Fatal("non-consecutive failures must not open the circuit")
	}
}

func TestRoundRobin_HealthChecks_MarkUnhealthyAndRecover(t *testing.T) {
	var healthy atomic.Bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("expected health check path /health, got %q", r.URL.Path)
		}
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	ep := &Endpoint{URL: mustParseURL(t, srv.URL)}
	hcCfg := &HealthCheckConfig{
		Path:               "/health",
		Interval:           50 * time.Millisecond,
		Timeout:            200 * time.Millisecond,
		UnhealthyThreshold: 2,
		HealthyThreshold:   1,
	}

	cl := NewRoundRobinCluster("hc", []*Endpoint{ep}, hcCfg, nil).(*roundRobin)
	client := &http.Client{}
	ctx := context.Background()

	cl.runHealthChecks(ctx, client, *hcCfg)
	if !ep.Alive {
		t.Fatalf("expected endpoint to remain alive after first failed health check")
	}
	if ep.hcFailures != 1 {
		t.Errorf("expected hcFailures=1 after first failure, got %d", ep.hcFailures)
	}

	cl.runHealthChecks(ctx, client, *hcCfg)
	if ep.Alive {
		t.Fatalf("expected endpoint to be marked unhealthy after reaching UnhealthyThreshold")
	}

	healthy.Store(true)
	cl.runHealthChecks(ctx, client, *hcCfg)
	if !ep.Alive {
		t.Fatalf("expected endpoint to recover after a successful check")
	}
	if ep.hcSuccesses < hcCfg.HealthyThreshold {
		t.Errorf("expected hcSuccesses >= %d after success, got %d", hcCfg.HealthyThreshold, ep.hcSuccesses)
	}
}
