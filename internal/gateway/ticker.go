// ABOUTME: Heartbeat producer: periodic tick broadcasts with memory stats
// ABOUTME: Samples process RSS and system memory via gopsutil

package gateway

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/2389/loom-gateway/internal/protocol"
)

// Ticker periodically publishes tick events on the gateway state.
type Ticker struct {
	state    *State
	interval time.Duration
	proc     *process.Process
	logger   *slog.Logger
}

// NewTicker creates a heartbeat producer. Pass zero interval for the
// protocol default; nil logger for the default logger.
func NewTicker(state *State, interval time.Duration, logger *slog.Logger) *Ticker {
	if interval <= 0 {
		interval = protocol.TickIntervalMs * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	// Process handle resolution can fail in exotic sandboxes; ticks then
	// carry zero process memory rather than not firing at all.
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn("cannot resolve own process handle, tick process memory will read zero", "error", err)
	}
	return &Ticker{
		state:    state,
		interval: interval,
		proc:     proc,
		logger:   logger.With("component", "ticker"),
	}
}

// Run emits ticks until the context is canceled. The first tick fires
// after one full interval.
func (t *Ticker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.logger.Debug("heartbeat started", "interval", t.interval)
	for {
		select {
		case <-ctx.Done():
			t.logger.Debug("heartbeat stopped")
			return
		case <-ticker.C:
			t.emit(ctx)
		}
	}
}

// emit samples memory and broadcasts one tick.
func (t *Ticker) emit(ctx context.Context) {
	var processBytes uint64
	if t.proc != nil {
		if info, err := t.proc.MemoryInfoWithContext(ctx); err == nil {
			processBytes = info.RSS
		}
	}

	var availBytes, totalBytes uint64
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		availBytes = vm.Available
		totalBytes = vm.Total
	} else {
		t.logger.Debug("system memory stats unavailable", "error", err)
	}

	t.state.BroadcastTick(processBytes, availBytes, totalBytes)
}
