package strategy

import (
	"net/http"
	"path"
	"strings"
)

// Kind names the caching policy applied to a request.
type Kind string

const (
	Bypass               Kind = "bypass"
	CacheFirst           Kind = "cache-first"
	NetworkFirst         Kind = "network-first"
	StaleWhileRevalidate Kind = "stale-while-revalidate"
	NetworkFirstExpiry   Kind = "network-first-expiry"
)

// Destination is the resource type a request is fetching, as reported by
// Sec-Fetch-Dest.
type Destination string

const (
	DestUnknown  Destination = ""
	DestDocument Destination = "document"
	DestScript   Destination = "script"
	DestStyle    Destination = "style"
	DestFont     Destination = "font"
	DestImage    Destination = "image"
)

var extDestinations = map[string]Destination{
	".html":  DestDocument,
	".htm":   DestDocument,
	".js":    DestScript,
	".mjs":   DestScript,
	".css":   DestStyle,
	".woff":  DestFont,
	".woff2": DestFont,
	".ttf":   DestFont,
	".otf":   DestFont,
	".eot":   DestFont,
	".png":   DestImage,
	".jpg":   DestImage,
	".jpeg":  DestImage,
	".gif":   DestImage,
	".svg":   DestImage,
	".webp":  DestImage,
	".avif":  DestImage,
	".ico":   DestImage,
}

// Classifier picks a strategy from the request alone.
type Classifier struct {
	// APIPrefix marks API calls, e.g. "/api/".
	APIPrefix string
	// CacheableRoutes are API path prefixes whose responses are kept for the
	// freshness window.
	CacheableRoutes []string
	// OriginHost is the host requests must target to be intercepted. Empty
	// accepts every host.
	OriginHost string
}

// Classify applies the first matching rule: allowlisted API, other API,
// font/image, document/script/style, then the network-first fallback.
func (c *Classifier) Classify(req *http.Request) Kind {
	if req.Method != http.MethodGet || c.crossOrigin(req) {
		return Bypass
	}

	p := req.URL.Path
	if c.APIPrefix != "" && strings.HasPrefix(p, c.APIPrefix) {
		for _, route := range c.CacheableRoutes {
			if strings.HasPrefix(p, route) {
				return NetworkFirstExpiry
			}
		}
		return NetworkFirst
	}

	switch RequestDestination(req) {
	case DestFont, DestImage:
		return CacheFirst
	case DestDocument, DestScript, DestStyle:
		return StaleWhileRevalidate
	}
	return NetworkFirst
}

func (c *Classifier) crossOrigin(req *http.Request) bool {
	if c.OriginHost == "" {
		return false
	}
	if req.URL.Host != "" && !strings.EqualFold(req.URL.Host, c.OriginHost) {
		return true
	}
	return !strings.EqualFold(req.Host, c.OriginHost)
}

// RequestDestination reads Sec-Fetch-Dest and falls back to the path
// extension, then to an HTML Accept header.
func RequestDestination(req *http.Request) Destination {
	if dest := strings.TrimSpace(req.Header.Get("Sec-Fetch-Dest")); dest != "" {
		return Destination(strings.ToLower(dest))
	}
	if d, ok := extDestinations[strings.ToLower(path.Ext(req.URL.Path))]; ok {
		return d
	}
	if strings.Contains(req.Header.Get("Accept"), "text/html") {
		return DestDocument
	}
	return DestUnknown
}

// IsNavigation reports whether the request loads a top-level page.
func IsNavigation(req *http.Request) bool {
	if strings.EqualFold(req.Header.Get("Sec-Fetch-Mode"), "navigate") {
		return true
	}
	return RequestDestination(req) == DestDocument
}
