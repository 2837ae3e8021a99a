// Package connwatch tracks whether the upstream services a turn depends
// on (the model provider and the market-data source) are reachable.
//
// This is distinct from the per-request retry in httpkit and market:
// those ride out sub-minute blips inside one call, while a Watcher
// answers "is the upstream up right now" for the health endpoint
// without costing a user request.
//
// Each Watcher probes immediately, then every Interval while healthy.
// While unhealthy it re-probes on a capped exponential schedule so a
// recovery is noticed quickly.
package connwatch

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Config controls probe timing.
type Config struct {
	// Interval between probes while healthy (default: 60s).
	Interval time.Duration

	// RetryInitial is the first re-probe delay after a failure (default: 2s).
	RetryInitial time.Duration

	// RetryMax caps the re-probe delay while unhealthy (default: 60s).
	RetryMax time.Duration

	// ProbeTimeout bounds each probe call (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultConfig returns 60s polling with a 2s..60s retry schedule.
func DefaultConfig() Config {
	return Config{
		Interval:     60 * time.Second,
		RetryInitial: 2 * time.Second,
		RetryMax:     60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = def.RetryInitial
	}
	if c.RetryMax <= 0 {
		c.RetryMax = def.RetryMax
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = def.ProbeTimeout
	}
}

// ServiceStatus is the health of one upstream, as served by /health.
type ServiceStatus struct {
	Name        string    `json:"name"`
	Ready       bool      `json:"ready"`
	LastCheck   time.Time `json:"last_check"`
	LastSuccess time.Time `json:"last_success,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
	Failures    int       `json:"consecutive_failures"`
}

// Watcher monitors one upstream.
type Watcher struct {
	name   string
	probe  ProbeFunc
	cfg    Config
	logger *slog.Logger

	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status ServiceStatus
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool { return w.ready.Load() }

// Status returns a snapshot of the watcher's state.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.status
	s.Ready = w.ready.Load()
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	retry := w.cfg.RetryInitial
	for {
		wait := w.cfg.Interval
		if err := w.check(ctx); err != nil {
			wait = retry
			retry = min(retry*2, w.cfg.RetryMax)
		} else {
			retry = w.cfg.RetryInitial
		}
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

// check runs one probe and records the outcome, logging transitions.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.ProbeTimeout)
	err := w.probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	now := time.Now()
	w.mu.Lock()
	w.status.LastCheck = now
	if err != nil {
		w.status.LastError = err.Error()
		w.status.Failures++
	} else {
		w.status.LastError = ""
		w.status.LastSuccess = now
		w.status.Failures = 0
	}
	failures := w.status.Failures
	w.mu.Unlock()

	wasReady := w.ready.Swap(err == nil)
	switch {
	case err == nil && !wasReady:
		w.logger.Info("upstream reachable", "service", w.name)
	case err != nil && wasReady:
		w.logger.Warn("upstream became unreachable", "service", w.name, "error", err)
	case err != nil:
		w.logger.Debug("upstream still unreachable", "service", w.name, "failures", failures, "error", err)
	}
	return err
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager owns the watchers for every upstream.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

// NewManager creates a manager whose watchers share cfg.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger.With("component", "connwatch"),
		watchers: make(map[string]*Watcher),
	}
}

// Watch starts probing name in the background until ctx is cancelled
// or Stop is called. Panics on an empty name or nil probe.
func (m *Manager) Watch(ctx context.Context, name string, probe ProbeFunc) *Watcher {
	if name == "" {
		panic("connwatch: name must not be empty")
	}
	if probe == nil {
		panic("connwatch: probe must not be nil")
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		name:   name,
		probe:  probe,
		cfg:    m.cfg,
		logger: m.logger,
		cancel: cancel,
		done:   make(chan struct{}),
		status: ServiceStatus{Name: name},
	}
	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers[name] = w
	m.mu.Unlock()
	return w
}

// Status returns every watcher's status sorted by name.
func (m *Manager) Status() []ServiceStatus {
	m.mu.RLock()
	out := make([]ServiceStatus, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b ServiceStatus) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Ready reports whether every watched upstream is reachable.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.watchers {
		if !w.IsReady() {
			return false
		}
	}
	return true
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
