// Package health runs the periodic store probe behind the /health endpoint.
package health

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pinger is the store-connectivity probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(success bool)

// Config holds probe configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	// FailThreshold is how many consecutive failures flip the status to
	// degraded.
	FailThreshold int
}

// Status is the current health verdict.
type Status struct {
	State       string     `json:"status"`
	LastProbeAt time.Time  `json:"last_probe_at"`
	LastOKAt    *time.Time `json:"last_ok_at,omitempty"`
	FailCount   int        `json:"fail_count,omitempty"`
}

// Checker probes the store on a timer and caches the verdict, so /health
// never blocks on a dying database.
type Checker struct {
	pinger    Pinger
	cfg       Config
	onMetrics MetricsRecordFunc
	logger    *zap.Logger

	mu        sync.Mutex
	failCount int
	lastProbe time.Time
	lastOK    *time.Time
}

// New creates a Checker.
func New(pinger Pinger, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 15 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}
	return &Checker{pinger: pinger, cfg: cfg, logger: logger}
}

// SetMetricsRecord configures the metrics recording callback.
func (h *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Start runs the probe loop until quit is signalled. Probes once
// immediately so the first /health after boot reflects reality.
func (h *Checker) Start(quit <-chan os.Signal) {
	h.probe()
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.probe()
		case <-quit:
			return
		}
	}
}

func (h *Checker) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.ProbeTimeout)
	err := h.pinger.Ping(ctx)
	cancel()

	success := err == nil
	if h.onMetrics != nil {
		h.onMetrics(success)
	}

	now := time.Now().UTC()
	h.mu.Lock()
	h.lastProbe = now
	prev := h.failCount
	if success {
		h.failCount = 0
		h.lastOK = &now
	} else {
		h.failCount++
	}
	count := h.failCount
	h.mu.Unlock()

	switch {
	case success && prev >= h.cfg.FailThreshold:
		h.logger.Info("health: store recovered")
	case !success && count == h.cfg.FailThreshold:
		h.logger.Warn("health: store degraded", zap.Error(err), zap.Int("fail_count", count))
	case !success:
		h.logger.Debug("health: store probe failed", zap.Error(err))
	}
}

// Current returns the cached verdict. Before the first probe completes it
// reports ok, trusting the boot-time ping.
func (h *Checker) Current() Status {
	h.mu.Lock()
	defer h.mu.Unlock()

	state := "ok"
	if h.failCount >= h.cfg.FailThreshold {
		state = "degraded"
	}
	return Status{
		State:       state,
		LastProbeAt: h.lastProbe,
		LastOKAt:    h.lastOK,
		FailCount:   h.failCount,
	}
}
