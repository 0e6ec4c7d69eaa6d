package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ccrelay/internal/mux"
	"ccrelay/pkg/logx"
)

// startMaintenance registers the periodic cleanup job: stale pending
// tool calls and bindings whose window no longer exists.
func (a *App) startMaintenance() error {
	schedule := a.cfg.Maintenance.Schedule
	_, err := a.cron.AddFunc(schedule, a.maintenanceSweep)
	if err != nil {
		return fmt.Errorf("maintenance schedule %q: %w", schedule, err)
	}
	return nil
}

func (a *App) maintenanceSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if n := a.parser.EvictStale(time.Now()); n > 0 {
		a.log.Info("evicted stale pending calls", logx.Int("count", n))
	}

	a.monitor.RetainOnly(a.reg.ActiveSessionIDs())

	for _, window := range a.bindings.Windows() {
		_, err := a.backend.Find(ctx, window)
		if err == nil {
			continue
		}
		if errors.Is(err, mux.ErrUnavailable) {
			// Multiplexer might just be restarting; do not drop bindings
			// on an outage.
			return
		}
		if !errors.Is(err, mux.ErrWindowNotFound) {
			a.log.Warn("check bound window", logx.String("window", window), logx.Err(err))
			continue
		}
		// The window is gone; a stale activity line must not outlive it.
		for _, tgt := range a.bindings.TargetsFor(window) {
			a.queue.ClearStatus(tgt)
		}
		n, err := a.bindings.RemoveWindow(window)
		if err != nil {
			a.log.Error("remove stale bindings",
				logx.String("window", window), logx.Err(err))
			continue
		}
		if n > 0 {
			a.log.Info("removed stale bindings",
				logx.String("window", window), logx.Int("count", n))
		}
	}
}
