package health

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

// ── Stubs ────────────────────────────────────────────────────────────────

type stubPinger struct {
	err error
}

func (s *stubPinger) Ping(_ context.Context) error { return s.err }

// ── Tests ────────────────────────────────────────────────────────────────

func TestProbe_success(t *testing.T) {
	c := New(&stubPinger{}, Config{}, zap.NewNop())
	c.probe()

	status := c.Current()
	if status.State != "ok" {
		t.Errorf("expected ok, got %q", status.State)
	}
	if status.LastOKAt == nil {
		t.Error("expected last_ok_at to be set")
	}
}

func TestProbe_degradesAfterThreshold(t *testing.T) {
	p := &stubPinger{err: errors.New("connection refused")}
	c := New(p, Config{FailThreshold: 3}, zap.NewNop())

	for i := 0; i < 2; i++ {
		c.probe()
	}
	if got := c.Current().State; got != "ok" {
		t.Errorf("below threshold: expected ok, got %q", got)
	}

	c.probe()
	status := c.Current()
	if status.State != "degraded" {
		t.Errorf("at threshold: expected degraded, got %q", status.State)
	}
	if status.FailCount != 3 {
		t.Errorf("expected fail_count 3, got %d", status.FailCount)
	}
}

func TestProbe_recoversOnSuccess(t *testing.T) {
	p := &stubPinger{err: errors.New("connection refused")}
	c := New(p, Config{FailThreshold: 3}, zap.NewNop())

	for i := 0; i < 4; i++ {
		c.probe()
	}
	p.err = nil
	c.probe()

	status := c.Current()
	if status.State != "ok" {
		t.Errorf("expected ok after recovery, got %q", status.State)
	}
	if status.FailCount != 0 {
		t.Errorf("expected fail_count reset, got %d", status.FailCount)
	}
}

func TestProbe_recordsMetrics(t *testing.T) {
	var results []bool
	c := New(&stubPinger{}, Config{}, zap.NewNop())
	c.SetMetricsRecord(func(success bool) { results = append(results, success) })

	c.probe()
	if len(results) != 1 || !results[0] {
		t.Errorf("expected one successful probe recorded, got %v", results)
	}
}

func TestCurrent_beforeFirstProbe(t *testing.T) {
	c := New(&stubPinger{}, Config{}, zap.NewNop())
	if got := c.Current().State; got != "ok" {
		t.Errorf("expected ok before first probe, got %q", got)
	}
}
