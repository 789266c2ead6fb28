package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"offlinegate/internal/cache"
	"offlinegate/internal/logging"
	"offlinegate/internal/metrics"
	"offlinegate/internal/strategy"
	"offlinegate/internal/telemetry"
)

// Controller reports whether the worker has claimed its clients.
type Controller interface {
	Controlling() bool
}

// Engine intercepts requests and answers them through the caching
// strategies, or forwards them unchanged when they are bypassed.
type Engine struct {
	Classifier *strategy.Classifier
	Executors  *strategy.Executors
	Network    *Network
	Controller Controller
	// Origin is the origin used to build cache keys, so keys do not depend
	// on the Host a client used. Nil uses the request's own scheme and host.
	Origin *url.URL
	Logger logging.Logger
}

func (e *Engine) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	start := time.Now()

	kind := strategy.Bypass
	if e.Controller == nil || e.Controller.Controlling() {
		kind = e.Classifier.Classify(req)
	}

	ctx, span := telemetry.Tracer().Start(req.Context(), "offlinegate.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(req.Method),
			semconv.URLPath(req.URL.Path),
			attribute.String("offlinegate.strategy", string(kind)),
		),
	)
	defer span.End()

	var (
		code   int
		source strategy.Source
	)
	if kind == strategy.Bypass {
		code = e.bypass(ctx, rw, req)
		source = strategy.SourceNetwork
	} else {
		code, source = e.intercept(ctx, rw, req, kind)
	}

	span.SetAttributes(
		semconv.HTTPResponseStatusCode(code),
		attribute.String("offlinegate.source", string(source)),
	)
	if code >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(code))
	}
	metrics.ObserveRequest(string(kind), string(source), strconv.Itoa(code), time.Since(start))
}

func (e *Engine) intercept(ctx context.Context, rw http.ResponseWriter, req *http.Request, kind strategy.Kind) (int, strategy.Source) {
	key := e.CacheKey(req)
	res, err := e.Executors.Execute(ctx, kind, key, req.WithContext(ctx))
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, strategy.ErrNetwork) {
			code = http.StatusBadGateway
		}
		e.logger(ctx).Warn("request failed", "strategy", kind, "url", key, "status", code, "err", err)
		http.Error(rw, http.StatusText(code), code)
		return code, strategy.SourceOffline
	}

	writeResponse(rw, res.Response)
	return res.Response.StatusCode, res.Source
}

// bypass streams the origin response without touching the cache.
func (e *Engine) bypass(ctx context.Context, rw http.ResponseWriter, req *http.Request) int {
	resp, err := e.Network.RoundTrip(ctx, req)
	if err != nil {
		e.logger(ctx).Warn("bypass request failed", "method", req.Method, "path", req.URL.Path, "err", err)
		http.Error(rw, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return http.StatusBadGateway
	}
	defer resp.Body.Close()

	removeHopHeaders(resp.Header)
	copyHeader(rw.Header(), resp.Header)

	trailerKeys := make([]string, 0, len(resp.Trailer))
	for k := range resp.Trailer {
		trailerKeys = append(trailerKeys, k)
	}
	if len(trailerKeys) > 0 {
		rw.Header().Set("Trailer", strings.Join(trailerKeys, ","))
	}

	rw.WriteHeader(resp.StatusCode)

	flusher, _ := rw.(http.Flusher)

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if flusher != nil {
					flusher.Flush()
				}
			case <-done:
				return
			}
		}
	}()

	_, copyErr := io.Copy(rw, resp.Body)
	close(done)

	for k, values := range resp.Trailer {
		for _, v := range values {
			rw.Header().Add(k, v)
		}
	}

	if copyErr != nil {
		e.logger(ctx).Debug("bypass copy interrupted", "path", req.URL.Path, "err", copyErr)
	}
	return resp.StatusCode
}

// CacheKey is the absolute URL a request is stored under.
func (e *Engine) CacheKey(req *http.Request) string {
	scheme, host := "http", req.Host
	if req.TLS != nil {
		scheme = "https"
	}
	if e.Origin != nil {
		scheme, host = e.Origin.Scheme, e.Origin.Host
	}
	return scheme + "://" + host + req.URL.RequestURI()
}

// logger prefers the request-scoped logger installed by
// middleware.RequestLogger.
func (e *Engine) logger(ctx context.Context) logging.Logger {
	return logging.FromContext(ctx, e.Logger)
}

func writeResponse(rw http.ResponseWriter, resp *cache.CachedResponse) {
	copyHeader(rw.Header(), resp.Header)
	rw.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	rw.WriteHeader(resp.StatusCode)
	_, _ = rw.Write(resp.Body)
}

func copyHeader(dst, src http.Header) {
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}
