package connwatch

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

// testBackoff returns a fast backoff config for tests.
func testBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		MaxRetries:   5,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

func TestDefaultBackoffConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultBackoffConfig()

	if cfg.InitialDelay != 2*time.Second || cfg.MaxDelay != 60*time.Second {
		t.Errorf("delays = %v..%v, want 2s..60s", cfg.InitialDelay, cfg.MaxDelay)
	}
	if cfg.Multiplier != 2.0 || cfg.MaxRetries != 10 {
		t.Errorf("multiplier/retries = %v/%d", cfg.Multiplier, cfg.MaxRetries)
	}
	if cfg.PollInterval != 60*time.Second || cfg.ProbeTimeout != 10*time.Second {
		t.Errorf("poll/timeout = %v/%v", cfg.PollInterval, cfg.ProbeTimeout)
	}
}

func TestWatcher_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var readyCalled atomic.Int32

	m := NewManager(slog.Default())
	w := m.Watch(ctx, WatcherConfig{
		Name:    "anthropic",
		Probe:   func(ctx context.Context) error { return nil },
		Backoff: testBackoff(),
		OnReady: func() { readyCalled.Add(1) },
	})

	time.Sleep(20 * time.Millisecond)

	if !w.IsReady() {
		t.Error("expected IsReady() == true after successful probe")
	}
	if w.LastError() != nil {
		t.Errorf("expected nil LastError, got %v", w.LastError())
	}
	if readyCalled.Load() != 1 {
		t.Errorf("OnReady called %d times, want 1", readyCalled.Load())
	}
}

func TestWatcher_BackoffThenSuccess(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errDown := errors.New("connection refused")
	var attempts atomic.Int32

	probe := func(ctx context.Context) error {
		if attempts.Add(1) <= 3 {
			return errDown
		}
		return nil
	}

	m := NewManager(slog.Default())
	w := m.Watch(ctx, WatcherConfig{Name: "openrouter", Probe: probe, Backoff: testBackoff()})

	time.Sleep(100 * time.Millisecond)

	if !w.IsReady() {
		t.Error("expected IsReady() == true after probe recovered")
	}
	if n := attempts.Load(); n < 4 {
		t.Errorf("expected at least 4 probe attempts, got %d", n)
	}
}

func TestWatcher_ExhaustsRetries(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	m := NewManager(slog.Default())
	w := m.Watch(ctx, WatcherConfig{
		Name:    "anthropic",
		Probe:   func(ctx context.Context) error { attempts.Add(1); return errors.New("always down") },
		Backoff: testBackoff(),
	})

	time.Sleep(100 * time.Millisecond)

	if w.IsReady() {
		t.Error("expected IsReady() == false after exhausting retries")
	}
	if n := attempts.Load(); n < 5 {
		t.Errorf("expected at least 5 probe attempts, got %d", n)
	}
	if s := w.Status(); s.State != StateDown || s.ConsecutiveFailures < 5 {
		t.Errorf("status = %+v", s)
	}
}

func TestWatcher_ServiceGoesDownAndRecovers(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var shouldFail atomic.Bool
	probe := func(ctx context.Context) error {
		if shouldFail.Load() {
			return errors.New("went down")
		}
		return nil
	}

	var downCalled, readyCalled atomic.Int32
	m := NewManager(slog.Default())
	w := m.Watch(ctx, WatcherConfig{
		Name:    "anthropic",
		Probe:   probe,
		Backoff: testBackoff(),
		OnDown:  func(error) { downCalled.Add(1) },
		OnReady: func() { readyCalled.Add(1) },
	})

	time.Sleep(20 * time.Millisecond)
	if !w.IsReady() {
		t.Fatal("expected IsReady() == true initially")
	}

	shouldFail.Store(true)
	time.Sleep(40 * time.Millisecond)
	if w.IsReady() {
		t.Error("expected IsReady() == false after service went down")
	}
	if downCalled.Load() < 1 {
		t.Errorf("OnDown called %d times, want >= 1", downCalled.Load())
	}

	shouldFail.Store(false)
	time.Sleep(40 * time.Millisecond)
	if !w.IsReady() {
		t.Error("expected recovery")
	}
	if readyCalled.Load() < 2 {
		t.Errorf("OnReady called %d times, want >= 2", readyCalled.Load())
	}
}

func TestWatcher_PassiveObserve(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var downCalled atomic.Int32
	m := NewManager(slog.Default())
	w := m.Watch(ctx, WatcherConfig{
		Name:   "strava",
		OnDown: func(error) { downCalled.Add(1) },
	})

	if s := w.Status(); s.State != StateUnknown {
		t.Fatalf("initial state = %s, want unknown", s.State)
	}
	if !m.Healthy() {
		t.Error("unknown services should not make the manager unhealthy")
	}

	w.Observe(nil)
	if !w.IsReady() {
		t.Error("expected ready after a successful observation")
	}

	errNet := errors.New("dial tcp: i/o timeout")
	w.Observe(errNet)
	w.Observe(errNet)

	s := w.Status()
	if s.State != StateDown || s.ConsecutiveFailures != 2 || s.LastError != errNet.Error() {
		t.Errorf("status = %+v", s)
	}
	if m.Healthy() {
		t.Error("manager healthy with a service down")
	}

	time.Sleep(10 * time.Millisecond)
	if downCalled.Load() != 1 {
		t.Errorf("OnDown called %d times, want 1", downCalled.Load())
	}
}

func TestWatcher_RecentTrafficSkipsProbe(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var probes atomic.Int32
	bcfg := testBackoff()
	bcfg.PollInterval = 20 * time.Millisecond

	m := NewManager(slog.Default())
	w := m.Watch(ctx, WatcherConfig{
		Name:    "anthropic",
		Probe:   func(ctx context.Context) error { probes.Add(1); return nil },
		Backoff: bcfg,
	})

	// Keep reporting healthy traffic faster than the poll interval.
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		w.Observe(nil)
		time.Sleep(2 * time.Millisecond)
	}

	if n := probes.Load(); n != 1 {
		t.Errorf("probes = %d, want only the startup probe", n)
	}
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bcfg := testBackoff()
	bcfg.ProbeTimeout = 5 * time.Millisecond
	bcfg.MaxRetries = 1

	m := NewManager(slog.Default())
	w := m.Watch(ctx, WatcherConfig{
		Name: "anthropic",
		Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Backoff: bcfg,
	})

	time.Sleep(50 * time.Millisecond)

	if w.IsReady() {
		t.Error("expected not ready when probe always times out")
	}
	if w.LastError() == nil {
		t.Error("expected non-nil LastError from timed-out probe")
	}
}

func TestWatcher_StopAndCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	m := NewManager(slog.Default())
	probed := m.Watch(ctx, WatcherConfig{
		Name:    "anthropic",
		Probe:   func(ctx context.Context) error { return errors.New("down") },
		Backoff: testBackoff(),
	})
	passive := m.Watch(context.Background(), WatcherConfig{Name: "strava"})

	cancel()
	waitDone(t, probed.Wait)
	waitDone(t, passive.Stop)
}

func TestManager_Status(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(slog.Default())
	m.Watch(ctx, WatcherConfig{
		Name:    "anthropic",
		Probe:   func(ctx context.Context) error { return nil },
		Backoff: testBackoff(),
	})
	bcfg := testBackoff()
	bcfg.MaxRetries = 1
	m.Watch(ctx, WatcherConfig{
		Name:    "openrouter",
		Probe:   func(ctx context.Context) error { return errors.New("unreachable") },
		Backoff: bcfg,
	})

	time.Sleep(50 * time.Millisecond)

	status := m.Status()
	if len(status) != 2 {
		t.Fatalf("expected 2 entries in Status, got %d", len(status))
	}
	if s := status["anthropic"]; s.State != StateUp || s.LastError != "" || s.Since.IsZero() {
		t.Errorf("anthropic = %+v", s)
	}
	if s := status["openrouter"]; s.State != StateDown || s.LastError == "" {
		t.Errorf("openrouter = %+v", s)
	}
	if m.Healthy() {
		t.Error("Healthy() = true with openrouter down")
	}

	waitDone(t, m.Stop)
}

func waitDone(t *testing.T, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop within timeout")
	}
}
