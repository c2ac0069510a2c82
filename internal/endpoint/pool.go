// Package endpoint holds the set of remote upload targets and hands them out
// round-robin to transfer workers.
package endpoint

import (
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/maneesh/hookvault/internal/errs"
)

// DefaultMaxObjectSize is the per-attachment cap of a free-tier webhook
// channel (25 MiB).
const DefaultMaxObjectSize int64 = 25 * 1024 * 1024

// Endpoint is one configured upload target
type Endpoint struct {
	URL           string `json:"url"`
	MaxObjectSize int64  `json:"max_object_size"`
}

// Pool is safe for concurrent use. The cursor is advanced atomically so two
// workers never compute the same slot for one Acquire each.
type Pool struct {
	mu           sync.RWMutex
	endpoints    []Endpoint
	seen         map[string]struct{}
	defaultLimit int64
	cursor       atomic.Uint64
}

// NewPool builds a pool whose endpoints all share defaultLimit.
func NewPool(defaultLimit int64, urls ...string) (*Pool, error) {
	if defaultLimit <= 0 {
		defaultLimit = DefaultMaxObjectSize
	}
	p := &Pool{
		seen:         make(map[string]struct{}),
		defaultLimit: defaultLimit,
	}
	for _, u := range urls {
		if err := p.Add(u); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Add appends an endpoint with the pool's default size limit.
func (p *Pool) Add(rawURL string) error {
	return p.AddWithLimit(rawURL, p.defaultLimit)
}

// AddWithLimit appends an endpoint with its own size limit.
func (p *Pool) AddWithLimit(rawURL string, limit int64) error {
	if err := validateURL(rawURL); err != nil {
		return err
	}
	if limit <= 0 {
		return errs.NewConfigError("endpoint_limit", "must be positive, got %d", limit)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, dup := p.seen[rawURL]; dup {
		return errs.NewConfigError("webhooks", "endpoint already configured")
	}
	p.seen[rawURL] = struct{}{}
	p.endpoints = append(p.endpoints, Endpoint{URL: rawURL, MaxObjectSize: limit})
	return nil
}

// Remove drops an endpoint. It reports whether the URL was in the pool.
func (p *Pool) Remove(rawURL string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.seen[rawURL]; !ok {
		return false
	}
	delete(p.seen, rawURL)
	for i, e := range p.endpoints {
		if e.URL == rawURL {
			p.endpoints = append(p.endpoints[:i:i], p.endpoints[i+1:]...)
			break
		}
	}
	return true
}

// Acquire returns the next endpoint in round-robin order.
func (p *Pool) Acquire() (Endpoint, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.endpoints) == 0 {
		return Endpoint{}, errs.NewConfigError("webhooks", "no endpoints configured")
	}
	n := p.cursor.Add(1) - 1
	return p.endpoints[n%uint64(len(p.endpoints))], nil
}

// Len returns the number of endpoints.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.endpoints)
}

// Endpoints returns a copy of the endpoint list.
func (p *Pool) Endpoints() []Endpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Endpoint(nil), p.endpoints...)
}

// MinLimit returns the smallest per-object limit in the pool, or 0 when the
// pool is empty.
func (p *Pool) MinLimit() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var min int64
	for i, e := range p.endpoints {
		if i == 0 || e.MaxObjectSize < min {
			min = e.MaxObjectSize
		}
	}
	return min
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return &errs.ConfigError{Field: "webhooks", Message: "invalid endpoint URL", Err: err}
	}
	if u.Scheme == "" || u.Host == "" {
		return errs.NewConfigError("webhooks", "endpoint URL must be absolute")
	}
	return nil
}
