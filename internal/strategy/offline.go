package strategy

import (
	"encoding/json"
	"net/http"

	"offlinegate/internal/cache"
)

const (
	offlineText = "Offline"

	msgOffline   = "You are offline and this content is not available."
	msgNotCached = "You are offline and this data has not been cached yet."
	msgExpired   = "You are offline and the cached data has expired."
)

// OfflinePayload is the JSON body of synthetic 503 responses.
type OfflinePayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Cached  *bool  `json:"cached,omitempty"`
	Expired *bool  `json:"expired,omitempty"`
}

func offlineTextResponse() *cache.CachedResponse {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain")
	return &cache.CachedResponse{
		StatusCode: http.StatusServiceUnavailable,
		Header:     h,
		Body:       []byte(offlineText),
	}
}

func offlineJSONResponse(p OfflinePayload) *cache.CachedResponse {
	p.Error = offlineText
	// Marshalling two strings and two bool pointers cannot fail.
	body, _ := json.Marshal(p)

	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &cache.CachedResponse{
		StatusCode: http.StatusServiceUnavailable,
		Header:     h,
		Body:       body,
	}
}

func boolPtr(v bool) *bool { return &v }
