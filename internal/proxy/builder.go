package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"offlinegate/internal/cache"
	"offlinegate/internal/cache/sqlite"
	"offlinegate/internal/cluster"
	"offlinegate/internal/config"
	"offlinegate/internal/control"
	"offlinegate/internal/lifecycle"
	"offlinegate/internal/logging"
	"offlinegate/internal/metrics"
	"offlinegate/internal/middleware"
	"offlinegate/internal/strategy"
	"offlinegate/internal/upstream"
)

type ListenerServer struct {
	Name   string
	Server *http.Server
	TLS    config.TLSConfig
}

// Gateway is a fully wired gateway ready to be served.
type Gateway struct {
	Listeners  []*ListenerServer
	Engine     *Engine
	Controller *lifecycle.Controller
	Executors  *strategy.Executors
	Storage    cache.Storage

	closers []func() error
}

// Close releases the cache storage. Background revalidations should be
// drained with Executors.Wait first.
func (g *Gateway) Close() error {
	var errs []error
	for _, c := range g.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

type Builder struct {
	cfg    *config.Config
	logger logging.Logger
}

func NewBuilder(cfg *config.Config, logger logging.Logger) *Builder {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Builder{
		cfg:    cfg,
		logger: logger,
	}
}

func (b *Builder) Build(ctx context.Context) (*Gateway, error) {
	gw := &Gateway{}

	storage, err := b.buildStorage(ctx, gw)
	if err != nil {
		return nil, err
	}
	gw.Storage = storage

	transport, err := upstream.NewTransport(b.cfg.Upstream.InsecureSkipVerify)
	if err != nil {
		_ = gw.Close()
		return nil, fmt.Errorf("build transport: %w", err)
	}

	clusters, err := b.buildClusters(ctx, &http.Client{Transport: transport})
	if err != nil {
		_ = gw.Close()
		return nil, err
	}

	network := NewNetwork(NewSimpleDirector(b.buildRoutes()), clusters, transport)

	base, explicit, err := b.baseOrigin()
	if err != nil {
		_ = gw.Close()
		return nil, err
	}

	precache := make([]string, 0, len(b.cfg.Worker.Precache))
	for _, p := range b.cfg.Worker.Precache {
		precache = append(precache, resolve(base, p))
	}

	gw.Controller = lifecycle.NewController(storage, network, b.logger, lifecycle.Config{
		StoreName:   b.cfg.StoreName(),
		Precache:    precache,
		SkipWaiting: b.cfg.SkipWaiting(),
	})

	gw.Executors = &strategy.Executors{
		Storage:         storage,
		StoreName:       b.cfg.StoreName(),
		Fetcher:         network,
		FreshnessWindow: b.cfg.Worker.FreshnessWindow,
		RootURL:         resolve(base, "/"),
		MaxBodyBytes:    b.cfg.Cache.MaxBodyBytes,
		Logger:          b.logger,
	}

	classifier := &strategy.Classifier{
		APIPrefix:       b.cfg.Worker.APIPrefix,
		CacheableRoutes: b.cfg.Worker.CacheableRoutes,
	}
	// Cache keys always use base so precached entries match whatever host
	// clients use to reach the gateway. Cross-origin filtering needs an
	// explicit public origin.
	gw.Engine = &Engine{
		Classifier: classifier,
		Executors:  gw.Executors,
		Network:    network,
		Controller: gw.Controller,
		Origin:     base,
		Logger:     b.logger,
	}
	if explicit {
		classifier.OriginHost = base.Host
	}

	handler, err := b.buildHandler(gw)
	if err != nil {
		_ = gw.Close()
		return nil, err
	}
	gw.Listeners = b.buildListeners(handler)
	return gw, nil
}

func (b *Builder) buildStorage(ctx context.Context, gw *Gateway) (cache.Storage, error) {
	switch b.cfg.Cache.Backend {
	case "sqlite":
		s, err := sqlite.Open(ctx, b.cfg.Cache.SQLitePath, sqlite.WithMaxEntries(b.cfg.Cache.MaxEntries))
		if err != nil {
			return nil, fmt.Errorf("open sqlite cache: %w", err)
		}
		gw.closers = append(gw.closers, s.Close)
		return s, nil
	case "memory", "":
		return cache.NewInMemoryStorage(b.cfg.Cache.MaxEntries), nil
	}
	return nil, fmt.Errorf("unknown cache backend %q", b.cfg.Cache.Backend)
}

func (b *Builder) buildHandler(gw *Gateway) (http.Handler, error) {
	mws := []middleware.Middleware{middleware.RequestLogger(b.logger)}

	if len(b.cfg.Server.IPBlockCIDRS) > 0 {
		ipMw, err := middleware.IPFilter(b.logger, b.cfg.Server.IPBlockCIDRS, b.cfg.Server.TrustedProxyCIDRS)
		if err != nil {
			return nil, fmt.Errorf("invalid ipBlockCIDRs: %w", err)
		}
		mws = append(mws, ipMw)
	}

	ctl := control.NewHandler(b.cfg.Server.ControlPath, gw.Controller, b.logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle(ctl.Prefix(), ctl)
	mux.Handle("/", gw.Engine)

	return middleware.Chain(mux, mws...), nil
}

// baseOrigin returns the origin cache keys and precache URLs are built
// from. The bool is false when it was derived from the listen address.
func (b *Builder) baseOrigin() (*url.URL, bool, error) {
	if raw := b.cfg.Server.PublicOrigin; raw != "" {
		u, err := url.Parse(strings.TrimSuffix(raw, "/"))
		if err != nil {
			return nil, false, fmt.Errorf("parse publicOrigin %q: %w", raw, err)
		}
		return u, true, nil
	}

	scheme := "http"
	if b.cfg.Server.TLS.Enabled {
		scheme = "https"
	}
	host := "localhost"
	if _, port, err := net.SplitHostPort(b.cfg.Server.Address); err == nil && port != "" {
		host = net.JoinHostPort(host, port)
	}
	return &url.URL{Scheme: scheme, Host: host}, false, nil
}

func resolve(base *url.URL, p string) string {
	ref, err := url.Parse(p)
	if err != nil {
		return base.String() + p
	}
	return base.ResolveReference(ref).String()
}

// buildClusters starts health checks on healthClient, which shares the
// origin transport.
func (b *Builder) buildClusters(ctx context.Context, healthClient *http.Client) (map[string]cluster.Cluster, error) {
	clusters := make(map[string]cluster.Cluster)

	for _, c := range b.cfg.Clusters {
		var endpoints []*cluster.Endpoint
		for _, raw := range c.Endpoints {
			u, err := url.Parse(raw)
			if err != nil {
				return nil, fmt.Errorf("parse endpoint %q for cluster %s: %w", raw, c.Name, err)
			}
			endpoints = append(endpoints, &cluster.Endpoint{URL: u})
		}

		var hc *cluster.HealthCheckConfig
		if c.HealthCheck != nil {
			hc = &cluster.HealthCheckConfig{
				Path:               c.HealthCheck.Path,
				Interval:           c.HealthCheck.Interval,
				Timeout:            c.HealthCheck.Timeout,
				UnhealthyThreshold: c.HealthCheck.UnhealthyThreshold,
				HealthyThreshold:   c.HealthCheck.HealthyThreshold,
			}
		}

		var cb *cluster.CircuitBreakerConfig
		if c.CircuitBreaker != nil {
			cb = &cluster.CircuitBreakerConfig{
				ConsecutiveFailures: c.CircuitBreaker.ConsecutiveFailures,
				Cooldown:            c.CircuitBreaker.Cooldown,
			}
		}

		cl := cluster.NewRoundRobinCluster(c.Name, endpoints, hc, cb)
		clusters[c.Name] = cl

		if hc != nil {
			cl.StartHealthChecks(ctx, healthClient)
		}
	}
	return clusters, nil
}

func (b *Builder) buildRoutes() []SimpleRoute {
	routes := make([]SimpleRoute, 0, len(b.cfg.Routes))
	for _, r := range b.cfg.Routes {
		routes = append(routes, SimpleRoute{
			Prefix:      r.PathPrefix,
			ClusterName: r.Cluster,
		})
	}
	return routes
}

func (b *Builder) buildListeners(handler http.Handler) []*ListenerServer {
	listeners := []*ListenerServer{
		{
			Name:   "default",
			Server: &http.Server{Addr: b.cfg.Server.Address, Handler: handler},
			TLS:    b.cfg.Server.TLS,
		},
	}

	if b.cfg.Server.TLS.Enabled && b.cfg.Server.RedirectAddress != "" {
		listeners = append(listeners, &ListenerServer{
			Name: "redirect",
			Server: &http.Server{
				Addr:    b.cfg.Server.RedirectAddress,
				Handler: httpsRedirectHandler(b.cfg.Server.Address),
			},
		})
	}
	return listeners
}

func httpsRedirectHandler(targetAddr string) http.Handler {
	port := extractPort(targetAddr)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		targetURL := *r.URL
		targetURL.Scheme = "https"

		host := r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}

		if port == "" || port == "443" {
			targetURL.Host = host
		} else {
			targetURL.Host = net.JoinHostPort(host, port)
		}
		http.Redirect(w, r, targetURL.String(), http.StatusMovedPermanently)
	})
}

func extractPort(addr string) string {
	idx := strings.LastIndex(addr, ":")
	if idx == -1 {
		return ""
	}
	return addr[idx+1:]
}
