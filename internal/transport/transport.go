// Package transport moves chunk payloads to and from remote endpoints.
package transport

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/maneesh/hookvault/internal/errs"
)

// Receipt is what a remote endpoint returns for a stored chunk.
type Receipt struct {
	Locator string
	Size    int64
}

// Transport sends payloads to an endpoint and fetches them back by locator.
// Implementations return *errs.TransportError so the engine can tell
// transient failures from permanent ones.
type Transport interface {
	Upload(ctx context.Context, endpointURL, name string, payload []byte) (Receipt, error)
	Download(ctx context.Context, locator string) ([]byte, error)
}

// Router dispatches to a Transport by URL scheme.
type Router struct {
	mu      sync.RWMutex
	schemes map[string]Transport
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{schemes: make(map[string]Transport)}
}

// Register binds a transport to one or more URL schemes.
func (r *Router) Register(t Transport, schemes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range schemes {
		r.schemes[s] = t
	}
}

// Upload implements Transport.
func (r *Router) Upload(ctx context.Context, endpointURL, name string, payload []byte) (Receipt, error) {
	t, err := r.route("upload", endpointURL)
	if err != nil {
		return Receipt{}, err
	}
	return t.Upload(ctx, endpointURL, name, payload)
}

// Download implements Transport.
func (r *Router) Download(ctx context.Context, locator string) ([]byte, error) {
	t, err := r.route("download", locator)
	if err != nil {
		return nil, err
	}
	return t.Download(ctx, locator)
}

func (r *Router) route(op, rawURL string) (Transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &errs.TransportError{Op: op, URL: rawURL, Err: err}
	}

	r.mu.RLock()
	t, ok := r.schemes[u.Scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, &errs.TransportError{Op: op, URL: rawURL, Err: fmt.Errorf("no transport registered for scheme %q", u.Scheme)}
	}
	return t, nil
}
