package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offlinegate/internal/config"
	"offlinegate/internal/lifecycle"
)

func buildGateway(t *testing.T, extra string) (*Gateway, *origin) {
	t.Helper()
	o := newOrigin(t)

	yaml := `
server:
  publicOrigin: "https://youth.example.org"
worker:
  precache: ["/", "/logo.png"]
clusters:
  - name: web
    endpoints: ["` + o.srv.URL + `"]
routes:
  - name: all
    pathPrefix: /
    cluster: web
` + extra
	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)

	gw, err := NewBuilder(cfg, nil).Build(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		gw.Executors.Wait()
		_ = gw.Close()
	})
	return gw, o
}

func TestBuilder_WiresGateway(t *testing.T) {
	gw, o := buildGateway(t, "")
	require.Len(t, gw.Listeners, 1)
	assert.Equal(t, ":8080", gw.Listeners[0].Server.Addr)

	require.NoError(t, gw.Controller.Start(context.Background()))
	assert.Equal(t, lifecycle.StateActivated, gw.Controller.State())
	assert.Equal(t, 1, o.Hits("GET /logo.png"))

	handler := gw.Listeners[0].Server.Handler

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "https://youth.example.org/logo.png", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "png-bytes", rr.Body.String())
	assert.Equal(t, 1, o.Hits("GET /logo.png"), "precached image is served from the store")
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "https://youth.example.org/__sw/status", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"storeName":"youth-pwa-v1"`)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "https://youth.example.org/__sw/message", strings.NewReader(`{"type":"CLEAR_CACHE"}`)))
	require.Equal(t, http.StatusAccepted, rr.Code)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "https://youth.example.org/logo.png", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 2, o.Hits("GET /logo.png"), "cleared cache refetches")
}

func TestBuilder_SQLiteBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	gw, _ := buildGateway(t, `
cache:
  backend: sqlite
  sqlitePath: "`+path+`"
`)
	require.NoError(t, gw.Controller.Start(context.Background()))

	names, err := gw.Storage.Names(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"youth-pwa-v1"}, names)
}

func TestBuilder_BlocksConfiguredRanges(t *testing.T) {
	cfg, err := config.Parse([]byte(`
server:
  publicOrigin: "https://youth.example.org"
  ipBlockCIDRs: ["10.0.0.0/8"]
`))
	require.NoError(t, err)
	gw, err := NewBuilder(cfg, nil).Build(context.Background())
	require.NoError(t, err)
	defer gw.Close()

	req := httptest.NewRequest(http.MethodGet, "https://youth.example.org/", nil)
	req.RemoteAddr = "10.1.1.1:3000"
	rr := httptest.NewRecorder()
	gw.Listeners[0].Server.Handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestBuilder_DerivedOrigin(t *testing.T) {
	cfg, err := config.Parse([]byte("server:\n  address: \":9090\"\n"))
	require.NoError(t, err)
	gw, err := NewBuilder(cfg, nil).Build(context.Background())
	require.NoError(t, err)
	defer gw.Close()

	require.NotNil(t, gw.Engine.Origin)
	assert.Equal(t, "http://localhost:9090", gw.Engine.Origin.String())
	assert.Empty(t, gw.Engine.Classifier.OriginHost, "derived origins do not filter by host")
	assert.Equal(t, "http://localhost:9090/", gw.Executors.RootURL)
}

func TestBuilder_DerivedOriginServesPrecacheOnAnyHost(t *testing.T) {
	o := newOrigin(t)
	cfg, err := config.Parse([]byte(`
server:
  address: ":9090"
worker:
  precache: ["/", "/logo.png"]
clusters:
  - name: web
    endpoints: ["` + o.srv.URL + `"]
routes:
  - name: all
    pathPrefix: /
    cluster: web
`))
	require.NoError(t, err)
	gw, err := NewBuilder(cfg, nil).Build(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		gw.Executors.Wait()
		_ = gw.Close()
	})

	require.NoError(t, gw.Controller.Start(context.Background()))
	require.Equal(t, 1, o.Hits("GET /logo.png"))

	handler := gw.Listeners[0].Server.Handler
	for _, host := range []string{"localhost:9090", "127.0.0.1:9090", "gateway.lan"} {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "http://"+host+"/logo.png", nil))
		require.Equal(t, http.StatusOK, rr.Code, "host %s", host)
		assert.Equal(t, "png-bytes", rr.Body.String(), "host %s", host)
	}
	assert.Equal(t, 1, o.Hits("GET /logo.png"), "every host hits the precached entry")
}

func TestBuilder_HealthChecksUseUpstreamTransport(t *testing.T) {
	var healthHits atomic.Int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			healthHits.Add(1)
		}
		_, _ = io.WriteString(w, "ok")
	}))
	t.Cleanup(srv.Close)

	cfg, err := config.Parse([]byte(`
server:
  publicOrigin: "https://youth.example.org"
upstream:
  insecureSkipVerify: true
clusters:
  - name: web
    endpoints: ["` + srv.URL + `"]
    healthCheck:
      path: /health
      interval: 10ms
      unhealthyThreshold: 1
routes:
  - name: all
    pathPrefix: /
    cluster: web
`))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	gw, err := NewBuilder(cfg, nil).Build(ctx)
	require.NoError(t, err)
	defer gw.Close()

	require.Eventually(t, func() bool { return healthHits.Load() >= 3 }, 2*time.Second, 10*time.Millisecond,
		"health checks must complete the TLS handshake with the self-signed origin")

	rr := httptest.NewRecorder()
	gw.Listeners[0].Server.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "https://youth.example.org/app.js", nil))
	assert.Equal(t, http.StatusOK, rr.Code, "endpoint stays healthy")
}

func TestHTTPSRedirectHandler(t *testing.T) {
	tests := []struct {
		target string
		want   string
	}{
		{":8443", "https://youth.example.org:8443/api/missions?x=1"},
		{":443", "https://youth.example.org/api/missions?x=1"},
		{"", "https://youth.example.org/api/missions?x=1"},
	}
	for _, tt := range tests {
		h := httpsRedirectHandler(tt.target)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "http://youth.example.org:8080/api/missions?x=1", nil))
		assert.Equal(t, http.StatusMovedPermanently, rr.Code)
		assert.Equal(t, tt.want, rr.Header().Get("Location"), "target %q", tt.target)
	}
}

func TestBuildListeners_Redirect(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.Address = ":8443"
	cfg.Server.RedirectAddress = ":8080"
	cfg.Server.TLS = config.TLSConfig{Enabled: true, CertFile: "c.pem", KeyFile: "k.pem"}

	ls := NewBuilder(cfg, nil).buildListeners(http.NotFoundHandler())
	require.Len(t, ls, 2)
	assert.Equal(t, "redirect", ls[1].Name)
	assert.Equal(t, ":8080", ls[1].Server.Addr)
	assert.False(t, ls[1].TLS.Enabled)
}
