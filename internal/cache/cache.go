package cache

import (
	"context"
	"errors"
	"net/http"
)

var ErrStoreNotFound = errors.New("cache store not found")

// CachedResponse is a fully buffered HTTP response as held by a store.
type CachedResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports whether the status is in the 2xx range.
func (r *CachedResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Clone returns a deep copy so stored entries never share headers or body
// with the response handed back to a client.
func (r *CachedResponse) Clone() *CachedResponse {
	if r == nil {
		return nil
	}
	body := make([]byte, len(r.Body))
	copy(body, r.Body)
	return &CachedResponse{
		StatusCode: r.StatusCode,
		Header:     r.Header.Clone(),
		Body:       body,
	}
}

// Store is one named cache generation keyed by absolute request URL.
type Store interface {
	Match(ctx context.Context, url string) (*CachedResponse, bool, error)
	Put(ctx context.Context, url string, resp *CachedResponse) error
	Delete(ctx context.Context, url string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}

// Storage holds every named store.
type Storage interface {
	// Open returns the named store, creating it when missing.
	Open(ctx context.Context, name string) (Store, error)
	Has(ctx context.Context, name string) (bool, error)
	Names(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) (bool, error)
}
