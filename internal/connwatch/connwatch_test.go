package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func fastConfig() Config {
	return Config{
		Interval:     5 * time.Millisecond,
		RetryInitial: time.Millisecond,
		RetryMax:     4 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Interval != 60*time.Second || cfg.RetryInitial != 2*time.Second || cfg.RetryMax != 60*time.Second {
		t.Errorf("DefaultConfig = %+v", cfg)
	}

	var zero Config
	zero.applyDefaults()
	if zero != cfg {
		t.Errorf("applyDefaults on zero = %+v, want %+v", zero, cfg)
	}
}

func TestWatcher_Healthy(t *testing.T) {
	m := NewManager(fastConfig(), discardLogger())
	defer m.Stop()

	w := m.Watch(t.Context(), "llm", func(context.Context) error { return nil })
	waitFor(t, w.IsReady)

	s := w.Status()
	if !s.Ready || s.LastError != "" || s.LastSuccess.IsZero() || s.Failures != 0 {
		t.Errorf("Status = %+v", s)
	}
}

func TestWatcher_FailThenRecover(t *testing.T) {
	var calls atomic.Int32
	probe := func(context.Context) error {
		if calls.Add(1) <= 3 {
			return errors.New("connection refused")
		}
		return nil
	}

	m := NewManager(fastConfig(), discardLogger())
	defer m.Stop()
	w := m.Watch(t.Context(), "market", probe)

	waitFor(t, func() bool { return w.Status().Failures >= 1 })
	if w.IsReady() && calls.Load() <= 3 {
		t.Error("ready while probes fail")
	}
	if s := w.Status(); s.Failures > 0 && s.LastError != "connection refused" {
		t.Errorf("LastError = %q", s.LastError)
	}

	waitFor(t, w.IsReady)
	if s := w.Status(); s.Failures != 0 || s.LastError != "" {
		t.Errorf("after recovery Status = %+v", s)
	}
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	cfg := fastConfig()
	cfg.ProbeTimeout = 5 * time.Millisecond
	m := NewManager(cfg, discardLogger())
	defer m.Stop()

	w := m.Watch(t.Context(), "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	waitFor(t, func() bool { return w.Status().Failures >= 2 })
	if w.IsReady() {
		t.Error("timed-out probe reported ready")
	}
}

func TestManager_StatusAndReady(t *testing.T) {
	m := NewManager(fastConfig(), discardLogger())
	defer m.Stop()

	up := m.Watch(t.Context(), "yahoo", func(context.Context) error { return nil })
	down := m.Watch(t.Context(), "openai", func(context.Context) error { return errors.New("401 unauthorized") })

	waitFor(t, up.IsReady)
	waitFor(t, func() bool { return down.Status().Failures > 0 })

	if m.Ready() {
		t.Error("Ready() = true with one upstream down")
	}
	st := m.Status()
	if len(st) != 2 || st[0].Name != "openai" || st[1].Name != "yahoo" {
		t.Fatalf("Status = %+v, want sorted by name", st)
	}
	if st[0].Ready || !st[1].Ready {
		t.Errorf("Status readiness = %v/%v", st[0].Ready, st[1].Ready)
	}
}

func TestManager_StopEndsProbing(t *testing.T) {
	var calls atomic.Int32
	m := NewManager(fastConfig(), discardLogger())
	m.Watch(context.Background(), "x", func(context.Context) error {
		calls.Add(1)
		return nil
	})
	waitFor(t, func() bool { return calls.Load() > 0 })
	m.Stop()

	n := calls.Load()
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != n {
		t.Error("probes continued after Stop")
	}
}

func TestWatch_PanicsOnBadConfig(t *testing.T) {
	m := NewManager(fastConfig(), discardLogger())
	for name, fn := range map[string]func(){
		"empty name": func() { m.Watch(t.Context(), "", func(context.Context) error { return nil }) },
		"nil probe":  func() { m.Watch(t.Context(), "x", nil) },
	} {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			fn()
		})
	}
}
