package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offlinegate/internal/cache"
	"offlinegate/internal/lifecycle"
)

const origin = "https://youth.example.org"

type assets struct{}

func (assets) Fetch(ctx context.Context, req *http.Request) (*cache.CachedResponse, error) {
	return &cache.CachedResponse{StatusCode: http.StatusOK, Header: http.Header{}, Body: []byte("ok")}, nil
}

func newWaitingController(t *testing.T) (*lifecycle.Controller, cache.Storage) {
	t.Helper()
	storage := cache.NewInMemoryStorage(10)
	c := lifecycle.NewController(storage, assets{}, nil, lifecycle.Config{
		StoreName: "youth-pwa-v1",
		Precache:  []string{origin + "/"},
	})
	require.NoError(t, c.Start(context.Background()))
	return c, storage
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/__sw/message", strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestSkipWaitingMessage(t *testing.T) {
	c, _ := newWaitingController(t)
	h := NewHandler("/__sw", c, nil)

	rr := post(t, h, `{"type":"SKIP_WAITING"}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var st lifecycle.Status
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.Equal(t, lifecycle.StateActivated, st.State)
	assert.True(t, st.Controlling)
	assert.True(t, c.Controlling())
}

func TestClearCacheMessage(t *testing.T) {
	c, storage := newWaitingController(t)
	h := NewHandler("/__sw/", c, nil)

	rr := post(t, h, `{"type":"CLEAR_CACHE"}`)
	require.Equal(t, http.StatusAccepted, rr.Code)

	has, err := storage.Has(context.Background(), "youth-pwa-v1")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestBadMessages(t *testing.T) {
	c, _ := newWaitingController(t)
	h := NewHandler("/__sw", c, nil)

	tests := map[string]string{
		"UnknownType": `{"type":"PING"}`,
		"BadJSON":     `{"type":`,
		"Empty":       ``,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			rr := post(t, h, body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Contains(t, rr.Body.String(), `"error"`)
		})
	}
	assert.Equal(t, lifecycle.StateInstalled, c.State())
}

func TestStatus(t *testing.T) {
	c, _ := newWaitingController(t)
	h := NewHandler("/__sw", c, nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/__sw/status", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var st lifecycle.Status
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.Equal(t, lifecycle.Status{
		State:     lifecycle.StateInstalled,
		StoreName: "youth-pwa-v1",
		Stores:    []string{"youth-pwa-v1"},
	}, st)
}

func TestRoutingErrors(t *testing.T) {
	c, _ := newWaitingController(t)
	h := NewHandler("/__sw", c, nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/__sw/message", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	assert.Equal(t, http.MethodPost, rr.Header().Get("Allow"))

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/__sw/nope", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	assert.Equal(t, "/__sw/", h.Prefix())
}
