package proxy

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
)

var ErrNoRoute = errors.New("no route")

type Director interface {
	Direct(req *http.Request) (*http.Request, RouteMetadata, error)
}

type RouteMetadata struct {
	RouteName   string
	ClusterName string
}

type SimpleRoute struct {
	Prefix      string
	ClusterName string
}

type SimpleDirector struct {
	Routes []SimpleRoute
}

// NewSimpleDirector orders routes so the longest prefix wins.
func NewSimpleDirector(routes []SimpleRoute) *SimpleDirector {
	sorted := append([]SimpleRoute(nil), routes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})
	return &SimpleDirector{Routes: sorted}
}

func (d *SimpleDirector) Direct(req *http.Request) (*http.Request, RouteMetadata, error) {
	var route *SimpleRoute
	for i := range d.Routes {
		if strings.HasPrefix(req.URL.Path, d.Routes[i].Prefix) {
			route = &d.Routes[i]
			break
		}
	}
	if route == nil {
		return nil, RouteMetadata{}, fmt.Errorf("%w for path %s", ErrNoRoute, req.URL.Path)
	}

	outReq := req.Clone(req.Context())
	if clientIP := clientIP(req.RemoteAddr); clientIP != "" {
		prior := req.Header.Get("X-Forwarded-For")
		if prior != "" {
			outReq.Header.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			outReq.Header.Set("X-Forwarded-For", clientIP)
		}
	}
	if req.Host != "" {
		outReq.Header.Set("X-Forwarded-Host", req.Host)
	}

	meta := RouteMetadata{
		RouteName:   route.Prefix,
		ClusterName: route.ClusterName,
	}
	return outReq, meta, nil
}

func clientIP(remoteAddr string) string {
	rawAddr := remoteAddr
	if strings.Contains(rawAddr, "://") {
		if parts := strings.SplitN(rawAddr, "://", 2); len(parts) == 2 {
			rawAddr = parts[1]
		}
	}
	if host, _, err := net.SplitHostPort(rawAddr); err == nil {
		return host
	}
	if ip := net.ParseIP(rawAddr); ip != nil {
		return rawAddr
	}
	return ""
}
