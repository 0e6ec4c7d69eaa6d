package core

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"ccrelay/internal/delivery"
	"ccrelay/internal/mux"
	"ccrelay/internal/registry"
	"ccrelay/internal/transcript"
	"ccrelay/pkg/logx"
)

// tickLoop drives the whole relay: each tick reconciles the session map,
// reads appended transcript content, and refreshes status lines. A poke
// from the session-map watcher runs a tick early.
func (a *App) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()
	for {
		a.tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-a.poke:
		}
	}
}

func (a *App) tick(ctx context.Context) {
	events, err := a.reg.Reconcile(ctx)
	if err != nil {
		// Keep the previous view; the next tick retries.
		a.log.Warn("session map reconcile", logx.Err(err))
	}
	for _, ev := range events {
		a.applyRegistryEvent(ev)
	}

	for _, batch := range a.monitor.Poll(ctx) {
		a.dispatchEvents(batch)
	}

	a.relayStatus(ctx)
}

func (a *App) applyRegistryEvent(ev registry.Event) {
	switch ev.Kind {
	case registry.SessionStarted:
		a.monitor.Track(ev.New.ID, ev.New.CWD)
		a.notifyWindow(ev.Window, fmt.Sprintf("Session started in %s", ev.Window))
	case registry.SessionReplaced:
		a.monitor.Forget(ev.Old.ID)
		a.monitor.Track(ev.New.ID, ev.New.CWD)
	case registry.SessionEnded:
		a.monitor.Forget(ev.Old.ID)
		a.notifyWindow(ev.Window, fmt.Sprintf("Session ended in %s", ev.Window))
	}
}

func (a *App) notifyWindow(window, text string) {
	for _, tgt := range a.router.TargetsForWindow(window) {
		a.queue.Content(tgt, "", text)
	}
}

func (a *App) dispatchEvents(batch transcript.SessionEvents) {
	targets := a.router.TargetsForSession(batch.SessionID)
	if len(targets) == 0 {
		return
	}
	for _, tgt := range targets {
		for _, ev := range batch.Events {
			switch ev.Kind {
			case transcript.EventContent, transcript.EventThinking, transcript.EventLocalOutput:
				a.queue.Content(tgt, batch.SessionID, ev.Text)
			case transcript.EventCallStart:
				a.queue.CallStart(tgt, batch.SessionID, ev.CallID, ev.Text)
			case transcript.EventCallResult:
				a.queue.CallResult(tgt, batch.SessionID, ev.CallID, ev.Matched, ev.Text)
			}
		}
	}
}

// relayStatus captures each bound window once per tick and forwards the
// activity line. Idle windows produce nothing; the queue deduplicates
// unchanged lines.
func (a *App) relayStatus(ctx context.Context) {
	for _, window := range a.bindings.Windows() {
		sess, ok := a.reg.SessionFor(window)
		if !ok {
			continue
		}
		w, err := a.backend.Find(ctx, window)
		if err != nil {
			if !errors.Is(err, mux.ErrWindowNotFound) && !errors.Is(err, mux.ErrUnavailable) {
				a.log.Warn("find window for status", logx.String("window", window), logx.Err(err))
			}
			continue
		}
		capture, err := a.backend.Capture(ctx, w.ID)
		if err != nil {
			continue
		}
		status, ok := delivery.ExtractStatus(capture)
		if !ok {
			continue
		}
		for _, tgt := range a.bindings.TargetsFor(window) {
			a.queue.Status(tgt, sess.ID, status)
		}
	}
}

// watchSessionMap pokes the tick loop when the session map file changes,
// so new sessions are picked up before the next scheduled poll. The
// watch covers the directory because the hook replaces the file by
// rename.
func (a *App) watchSessionMap(ctx context.Context) error {
	mapFile := a.cfg.Monitor.SessionMapFile
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		a.log.Warn("session map watch disabled", logx.Err(err))
		<-ctx.Done()
		return nil
	}
	defer watcher.Close()

	dir := filepath.Dir(mapFile)
	if err := watcher.Add(dir); err != nil {
		a.log.Warn("session map watch disabled",
			logx.String("dir", dir), logx.Err(err))
		<-ctx.Done()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != filepath.Base(mapFile) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			select {
			case a.poke <- struct{}{}:
			default:
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.log.Warn("session map watcher", logx.Err(err))
		}
	}
}
