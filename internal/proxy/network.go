package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"offlinegate/internal/cache"
	"offlinegate/internal/cluster"
	"offlinegate/internal/strategy"
)

// Hop-by-hop headers, dropped in both directions.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Network reaches the origin clusters. Every failure before a response
// arrives is reported as strategy.ErrNetwork.
type Network struct {
	Director  Director
	Clusters  map[string]cluster.Cluster
	Transport http.RoundTripper
}

func NewNetwork(d Director, clusters map[string]cluster.Cluster, t http.RoundTripper) *Network {
	return &Network{
		Director:  d,
		Clusters:  clusters,
		Transport: t,
	}
}

// RoundTrip sends req to an endpoint of the routed cluster and returns the
// unread response.
func (n *Network) RoundTrip(ctx context.Context, req *http.Request) (*http.Response, error) {
	outReq, meta, err := n.Director.Direct(req.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", strategy.ErrNetwork, err)
	}

	cl, ok := n.Clusters[meta.ClusterName]
	if !ok {
		return nil, fmt.Errorf("%w: unknown cluster %q", strategy.ErrNetwork, meta.ClusterName)
	}
	ep, err := cl.PickEndpoint()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", strategy.ErrNetwork, err)
	}

	outReq.URL.Scheme = ep.URL.Scheme
	outReq.URL.Host = ep.URL.Host
	if base := strings.TrimSuffix(ep.URL.Path, "/"); base != "" {
		outReq.URL.Path = base + outReq.URL.Path
		outReq.URL.RawPath = ""
	}
	outReq.Host = ""
	outReq.RequestURI = ""
	removeHopHeaders(outReq.Header)

	resp, err := n.Transport.RoundTrip(outReq)
	if err != nil {
		cl.ReportFailure(ep)
		return nil, fmt.Errorf("%w: %s %s: %w", strategy.ErrNetwork, cl.Name(), ep.URL.Host, err)
	}
	cl.ReportSuccess(ep)
	return resp, nil
}

// Fetch performs one round trip and buffers the body.
func (n *Network) Fetch(ctx context.Context, req *http.Request) (*cache.CachedResponse, error) {
	resp, err := n.RoundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", strategy.ErrNetwork, err)
	}

	header := resp.Header.Clone()
	removeHopHeaders(header)
	header.Del("Content-Length")

	return &cache.CachedResponse{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
	}, nil
}

func removeHopHeaders(h http.Header) {
	for _, k := range hopHeaders {
		h.Del(k)
	}
}
