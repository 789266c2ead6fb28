package cluster

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"
)

// ErrNoEndpoint is returned when no origin endpoint can take a request.
// Callers treat it like any other network failure.
var ErrNoEndpoint = errors.New("no origin endpoint available")

type Endpoint struct {
	URL   *url.URL
	Alive bool

	hcFailures       int
	hcSuccesses      int
	cbFailures       int
	circuitOpenUntil time.Time
}

type HealthCheckConfig struct {
	Path               string
	Interval           time.Duration
	Timeout            time.Duration
	UnhealthyThreshold int
	HealthyThreshold   int
}

type CircuitBreakerConfig struct {
	ConsecutiveFailures int
	Cooldown            time.Duration
}

// Cluster is a group of interchangeable origin servers.
type Cluster interface {
	Name() string
	PickEndpoint() (*Endpoint, error)
	ReportSuccess(ep *Endpoint)
	ReportFailure(ep *Endpoint)
	StartHealthChecks(ctx context.Context, client *http.Client)
}
