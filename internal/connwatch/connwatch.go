// Package connwatch tracks whether the services pacer depends on (the
// activity API and the model providers) are reachable.
//
// A Watcher learns from two signals: outcomes of real traffic reported
// through Observe, and an optional active Probe. Probing the activity API
// costs quota, so that watcher usually runs passively and only model
// providers are probed.
//
// With a probe, a Watcher works in two phases:
//  1. Startup: exponential backoff (2s, 4s, 8s, ... capped at 60s)
//  2. Background: periodic polling (every 60s), skipped while recent
//     traffic has already shown the service healthy
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls the exponential backoff behavior.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry (default: 2s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// MaxRetries is the maximum number of startup probe attempts (default: 10).
	MaxRetries int

	// PollInterval is the background check interval (default: 60s).
	PollInterval time.Duration

	// ProbeTimeout limits each probe call (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns 2s, 4s, 8s, 16s, 32s, 60s (capped), with
// 10 startup retries and 60-second background polling.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	// Name identifies the service in logs and status ("strava", "anthropic").
	Name string

	// Probe checks service health. Nil makes the watcher passive: only
	// Observe changes its state.
	Probe ProbeFunc

	Backoff BackoffConfig

	// OnReady is called when the service transitions to reachable.
	// Called in a separate goroutine. Optional.
	OnReady func()

	// OnDown is called when the service transitions from reachable to
	// unreachable. Called in a separate goroutine. Optional.
	OnDown func(err error)

	Logger *slog.Logger
}

// State is a watched service's reachability.
type State string

const (
	StateUnknown State = "unknown" // nothing observed yet
	StateUp      State = "up"
	StateDown    State = "down"
)

// ServiceStatus is the health status of a watched service, suitable for
// JSON serialization in health endpoints.
type ServiceStatus struct {
	Name                string    `json:"name"`
	State               State     `json:"state"`
	Since               time.Time `json:"since,omitzero"`
	LastCheck           time.Time `json:"last_check,omitzero"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures,omitempty"`
}

// Watcher monitors a single service's health.
type Watcher struct {
	config WatcherConfig
	cancel context.CancelFunc
	done   chan struct{}
	now    func() time.Time

	mu        sync.Mutex
	state     State
	since     time.Time
	lastErr   error
	lastCheck time.Time
	failures  int
}

// IsReady reports whether the service was reachable at the last check.
func (w *Watcher) IsReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == StateUp
}

// LastError returns the most recent failure, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:                w.config.Name,
		State:               w.state,
		Since:               w.since,
		LastCheck:           w.lastCheck,
		ConsecutiveFailures: w.failures,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Observe records the outcome of real traffic to the service: nil for a
// successful exchange, an error when the service could not be reached.
// Callers filter out errors that prove the service is up, such as a 404.
func (w *Watcher) Observe(err error) {
	w.record(err)
}

// Wait blocks until the watcher goroutine exits (context cancelled or Stop called).
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

// record stores a result and fires transition callbacks. It reports
// whether the state changed.
func (w *Watcher) record(err error) bool {
	now := w.now()

	w.mu.Lock()
	prev := w.state
	w.lastErr = err
	w.lastCheck = now
	next := StateUp
	if err != nil {
		next = StateDown
		w.failures++
	} else {
		w.failures = 0
	}
	changed := next != prev
	if changed {
		w.state = next
		w.since = now
	}
	w.mu.Unlock()

	if !changed {
		return false
	}

	logger := w.config.Logger
	switch {
	case next == StateUp:
		logger.Info("service reachable", "service", w.config.Name, "was", string(prev))
		if w.config.OnReady != nil {
			go w.config.OnReady()
		}
	case prev == StateUp:
		logger.Warn("service became unreachable", "service", w.config.Name, "error", err)
		if w.config.OnDown != nil {
			go w.config.OnDown(err)
		}
	default:
		logger.Info("service unreachable", "service", w.config.Name, "error", err)
	}
	return true
}

// fresh reports whether the service was seen healthy within d.
func (w *Watcher) fresh(d time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == StateUp && w.now().Sub(w.lastCheck) < d
}

// run is the probing goroutine. Passive watchers just wait for shutdown.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	if w.config.Probe == nil {
		<-ctx.Done()
		return
	}

	cfg := w.config.Backoff
	logger := w.config.Logger

	// Phase 1: startup probe with exponential backoff.
	delay := cfg.InitialDelay
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		err := w.probe(ctx)
		w.record(err)
		if err == nil {
			logger.Debug("startup probe succeeded", "service", w.config.Name, "attempts", attempt)
			break
		}
		if attempt == cfg.MaxRetries {
			logger.Info("startup probes failed, entering background polling",
				"service", w.config.Name,
				"attempts", attempt,
				"error", err,
			)
			break
		}

		logger.Debug("startup probe failed, retrying",
			"service", w.config.Name,
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = min(time.Duration(float64(delay)*cfg.Multiplier), cfg.MaxDelay)
	}

	// Phase 2: background periodic polling.
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.fresh(cfg.PollInterval) {
				continue
			}
			err := w.probe(ctx)
			if !w.record(err) && err != nil {
				logger.Debug("service still unreachable", "service", w.config.Name, "error", err)
			}
		}
	}
}

// probe calls the configured ProbeFunc with a timeout.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
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

// Manager coordinates multiple service watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a connection watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger.With("component", "connwatch"),
	}
}

// Watch registers and starts a new service watcher. It runs until ctx is
// cancelled or Stop is called. Zero-value BackoffConfig fields are
// replaced with defaults.
//
// Panics if Name is empty: that is a wiring bug.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}

	defaults := DefaultBackoffConfig()
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff.InitialDelay = defaults.InitialDelay
	}
	if cfg.Backoff.MaxDelay <= 0 {
		cfg.Backoff.MaxDelay = defaults.MaxDelay
	}
	if cfg.Backoff.Multiplier <= 0 {
		cfg.Backoff.Multiplier = defaults.Multiplier
	}
	if cfg.Backoff.MaxRetries <= 0 {
		cfg.Backoff.MaxRetries = defaults.MaxRetries
	}
	if cfg.Backoff.PollInterval <= 0 {
		cfg.Backoff.PollInterval = defaults.PollInterval
	}
	if cfg.Backoff.ProbeTimeout <= 0 {
		cfg.Backoff.ProbeTimeout = defaults.ProbeTimeout
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
		now:    time.Now,
		state:  StateUnknown,
	}

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	go w.run(watchCtx)
	return w
}

// Status returns the health status of all watched services.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Healthy reports whether no watched service is known to be down.
func (m *Manager) Healthy() bool {
	for _, s := range m.Status() {
		if s.State == StateDown {
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
