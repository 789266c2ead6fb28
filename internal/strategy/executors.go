package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"offlinegate/internal/cache"
	"offlinegate/internal/logging"
	"offlinegate/internal/metrics"
)

// CachedAtHeader carries the unix-millisecond fetch time on API entries
// stored by the expiry-aware strategy.
const CachedAtHeader = "X-SW-Cached-At"

// ErrNetwork wraps every failed origin fetch.
var ErrNetwork = errors.New("network request failed")

// Fetcher performs exactly one network attempt for req.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*cache.CachedResponse, error)
}

// Source tells where a Result's response came from.
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
	SourceOffline Source = "offline"
	SourceExpired Source = "expired"
)

type Result struct {
	Response *cache.CachedResponse
	Source   Source
}

// Executors runs the caching strategies against the live store generation.
// The store is reopened on every call so a cleared store is recreated empty.
type Executors struct {
	Storage         cache.Storage
	StoreName       string
	Fetcher         Fetcher
	FreshnessWindow time.Duration
	// RootURL is the cache key of the root page served to offline
	// navigations.
	RootURL      string
	MaxBodyBytes int64
	Logger       logging.Logger
	Now          func() time.Time

	wg sync.WaitGroup
}

// Execute dispatches to the executor for kind.
func (x *Executors) Execute(ctx context.Context, kind Kind, key string, req *http.Request) (Result, error) {
	switch kind {
	case CacheFirst:
		return x.CacheFirst(ctx, key, req)
	case NetworkFirst:
		return x.NetworkFirst(ctx, key, req)
	case StaleWhileRevalidate:
		return x.StaleWhileRevalidate(ctx, key, req)
	case NetworkFirstExpiry:
		return x.NetworkFirstExpiry(ctx, key, req)
	}
	return Result{}, fmt.Errorf("no executor for strategy %q", kind)
}

// CacheFirst serves a stored copy without touching the network. On a miss
// it fetches once and stores ok responses.
func (x *Executors) CacheFirst(ctx context.Context, key string, req *http.Request) (Result, error) {
	st, err := x.store(ctx)
	if err != nil {
		return Result{}, err
	}
	cached, ok, err := x.match(ctx, st, key)
	if err != nil {
		return Result{}, err
	}
	if ok {
		return Result{Response: cached, Source: SourceCache}, nil
	}

	resp, err := x.fetch(ctx, CacheFirst, req)
	if err != nil {
		x.logger().Debug("cache-first offline", "url", key, "err", err)
		return Result{Response: offlineTextResponse(), Source: SourceOffline}, nil
	}
	x.put(ctx, st, key, resp)
	return Result{Response: resp, Source: SourceNetwork}, nil
}

// NetworkFirst prefers the network and refreshes the store on ok responses.
// Offline it falls back to the exact entry, then the root page for
// navigations, then a JSON 503.
func (x *Executors) NetworkFirst(ctx context.Context, key string, req *http.Request) (Result, error) {
	st, err := x.store(ctx)
	if err != nil {
		return Result{}, err
	}

	resp, fetchErr := x.fetch(ctx, NetworkFirst, req)
	if fetchErr == nil {
		x.put(ctx, st, key, resp)
		return Result{Response: resp, Source: SourceNetwork}, nil
	}

	cached, ok, err := x.match(ctx, st, key)
	if err != nil {
		return Result{}, err
	}
	if ok {
		return Result{Response: cached, Source: SourceCache}, nil
	}

	if x.RootURL != "" && IsNavigation(req) {
		root, ok, err := x.match(ctx, st, x.RootURL)
		if err != nil {
			return Result{}, err
		}
		if ok {
			return Result{Response: root, Source: SourceCache}, nil
		}
	}

	x.logger().Debug("network-first offline", "url", key, "err", fetchErr)
	return Result{
		Response: offlineJSONResponse(OfflinePayload{Message: msgOffline}),
		Source:   SourceOffline,
	}, nil
}

// StaleWhileRevalidate returns a stored copy at once and refreshes it in the
// background. Without a stored copy the caller waits for the network and a
// failed fetch is returned as an error.
func (x *Executors) StaleWhileRevalidate(ctx context.Context, key string, req *http.Request) (Result, error) {
	st, err := x.store(ctx)
	if err != nil {
		return Result{}, err
	}
	cached, ok, err := x.match(ctx, st, key)
	if err != nil {
		return Result{}, err
	}

	if ok {
		bg := context.WithoutCancel(ctx)
		bgReq := req.Clone(bg)
		x.wg.Add(1)
		go func() {
			defer x.wg.Done()
			resp, err := x.fetch(bg, StaleWhileRevalidate, bgReq)
			if err != nil {
				x.logger().Debug("background revalidation failed", "url", key, "err", err)
				return
			}
			x.put(bg, st, key, resp)
		}()
		return Result{Response: cached, Source: SourceCache}, nil
	}

	resp, err := x.fetch(ctx, StaleWhileRevalidate, req)
	if err != nil {
		return Result{}, err
	}
	x.put(ctx, st, key, resp)
	return Result{Response: resp, Source: SourceNetwork}, nil
}

// NetworkFirstExpiry stores ok API responses stamped with CachedAtHeader.
// Offline, entries younger than the freshness window are served; older ones
// are deleted and answered with an expired 503. Entries without a readable
// stamp are served as they are.
func (x *Executors) NetworkFirstExpiry(ctx context.Context, key string, req *http.Request) (Result, error) {
	st, err := x.store(ctx)
	if err != nil {
		return Result{}, err
	}

	resp, fetchErr := x.fetch(ctx, NetworkFirstExpiry, req)
	if fetchErr == nil {
		if resp.OK() {
			annotated := resp.Clone()
			annotated.Header.Set(CachedAtHeader, strconv.FormatInt(x.now().UnixMilli(), 10))
			x.put(ctx, st, key, annotated)
		}
		return Result{Response: resp, Source: SourceNetwork}, nil
	}

	cached, ok, err := x.match(ctx, st, key)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{
			Response: offlineJSONResponse(OfflinePayload{Message: msgNotCached, Cached: boolPtr(false)}),
			Source:   SourceOffline,
		}, nil
	}

	cachedAt, stamped := CachedAt(cached)
	if !stamped || x.now().Sub(cachedAt) < x.FreshnessWindow {
		return Result{Response: cached, Source: SourceCache}, nil
	}

	if _, err := st.Delete(ctx, key); err != nil {
		return Result{}, fmt.Errorf("evict expired %s: %w", key, err)
	}
	metrics.ObserveStore("delete", "expired")
	x.logger().Debug("expired cache entry evicted", "url", key, "cached_at", cachedAt)
	return Result{
		Response: offlineJSONResponse(OfflinePayload{Message: msgExpired, Expired: boolPtr(true)}),
		Source:   SourceExpired,
	}, nil
}

// Wait blocks until background revalidations finish.
func (x *Executors) Wait() {
	x.wg.Wait()
}

// CachedAt parses CachedAtHeader from a stored response.
func CachedAt(resp *cache.CachedResponse) (time.Time, bool) {
	raw := resp.Header.Get(CachedAtHeader)
	if raw == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func (x *Executors) store(ctx context.Context) (cache.Store, error) {
	st, err := x.Storage.Open(ctx, x.StoreName)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", x.StoreName, err)
	}
	return st, nil
}

func (x *Executors) match(ctx context.Context, st cache.Store, key string) (*cache.CachedResponse, bool, error) {
	resp, ok, err := st.Match(ctx, key)
	switch {
	case err != nil:
		metrics.ObserveStore("match", "error")
		return nil, false, fmt.Errorf("match %s: %w", key, err)
	case ok:
		metrics.ObserveStore("match", "hit")
	default:
		metrics.ObserveStore("match", "miss")
	}
	return resp, ok, nil
}

func (x *Executors) fetch(ctx context.Context, kind Kind, req *http.Request) (*cache.CachedResponse, error) {
	resp, err := x.Fetcher.Fetch(ctx, req)
	if err != nil {
		metrics.IncNetworkFailure(string(kind))
		if errors.Is(err, ErrNetwork) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	return resp, nil
}

// put stores ok responses within the size cap. Write failures are logged and
// never fail the request that produced the response.
func (x *Executors) put(ctx context.Context, st cache.Store, key string, resp *cache.CachedResponse) {
	if !resp.OK() {
		return
	}
	if x.MaxBodyBytes > 0 && int64(len(resp.Body)) > x.MaxBodyBytes {
		metrics.ObserveStore("put", "too_large")
		return
	}

	err := st.Put(ctx, key, resp)
	switch {
	case err == nil:
		metrics.ObserveStore("put", "ok")
	case errors.Is(err, cache.ErrStoreNotFound):
		metrics.ObserveStore("put", "detached")
		x.logger().Debug("store deleted before write", "url", key)
	default:
		metrics.ObserveStore("put", "error")
		x.logger().Error("cache put failed", "url", key, "err", err)
	}
}

func (x *Executors) now() time.Time {
	if x.Now != nil {
		return x.Now()
	}
	return time.Now()
}

func (x *Executors) logger() logging.Logger {
	if x.Logger != nil {
		return x.Logger
	}
	return logging.Nop()
}
