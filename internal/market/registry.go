package market

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Registry caches one Client per uppercased ticker for the process
// lifetime. Construction is serialised per key; distinct tickers are
// built concurrently.
type Registry struct {
	provider Provider
	cfg      ClientConfig
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
	group   singleflight.Group
	built   atomic.Int64
}

// NewRegistry creates an empty registry whose clients share provider.
func NewRegistry(provider Provider, cfg ClientConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		provider: provider,
		cfg:      cfg,
		logger:   logger,
		clients:  make(map[string]*Client),
	}
}

// Normalize returns the cache key for a ticker.
func Normalize(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}

// Get returns the cached client for ticker, constructing it on first use.
func (r *Registry) Get(ticker string) *Client {
	key := Normalize(ticker)

	r.mu.RLock()
	c, ok := r.clients[key]
	r.mu.RUnlock()
	if ok {
		return c
	}

	v, _, _ := r.group.Do(key, func() (any, error) {
		r.mu.RLock()
		c, ok := r.clients[key]
		r.mu.RUnlock()
		if ok {
			return c, nil
		}

		c = NewClient(key, r.provider, r.cfg, r.logger)
		r.built.Add(1)

		r.mu.Lock()
		r.clients[key] = c
		r.mu.Unlock()

		r.logger.Debug("market client created", "ticker", key)
		return c, nil
	})
	return v.(*Client)
}

// Tickers returns the cached tickers in sorted order.
func (r *Registry) Tickers() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.clients))
	for k := range r.clients {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Len returns the number of cached clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Constructed returns how many clients have ever been built, including
// evicted ones.
func (r *Registry) Constructed() int {
	return int(r.built.Load())
}

// Evict drops the cached client for ticker. Reports whether one existed.
func (r *Registry) Evict(ticker string) bool {
	key := Normalize(ticker)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[key]; !ok {
		return false
	}
	delete(r.clients, key)
	return true
}
