// Package mux abstracts the terminal multiplexer hosting the relayed
// sessions. Two backends exist: tmux, where every window is independently
// addressable, and Zellij, where actions operate on the focused tab and all
// focus-dependent operations must be serialized.
package mux

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnavailable reports that the multiplexer itself could not be reached
// (binary missing, server not running, per-call timeout). Callers must treat
// the window as unknown, not gone.
var ErrUnavailable = errors.New("multiplexer unavailable")

// ErrWindowNotFound reports that the multiplexer is reachable but the window
// does not exist.
var ErrWindowNotFound = errors.New("window not found")

// Window is the backend-agnostic view of one multiplexer window (tmux
// window or Zellij tab).
type Window struct {
	ID   string // backend-specific opaque id (tmux: "@5", zellij: tab name)
	Name string
	CWD  string
}

// Backend is the execution surface contract. All methods honor ctx
// cancellation; implementations are safe for concurrent use.
type Backend interface {
	Name() string

	// EnsureSession makes sure the multiplexer session exists.
	// tmux creates it when missing; Zellij can only verify.
	EnsureSession(ctx context.Context) error

	// List returns all windows in the session, excluding the main window.
	List(ctx context.Context) ([]Window, error)

	// Find returns the window with the given name, or ErrWindowNotFound.
	Find(ctx context.Context, name string) (Window, error)

	// Create makes a new window in dir, optionally launching command in it.
	// The returned window name may carry a -N suffix when name was taken.
	Create(ctx context.Context, dir, name, command string) (Window, error)

	// Kill removes a window.
	Kill(ctx context.Context, windowID string) error

	// SendKeys types text into the window followed by Enter.
	SendKeys(ctx context.Context, windowID, text string) error

	// Capture returns the visible text of the window's active pane.
	Capture(ctx context.Context, windowID string) (string, error)
}

type Config struct {
	Backend    string // "tmux" or "zellij"
	Session    string
	MainWindow string
	// CommandTimeout bounds each external call. Zero means 5s.
	CommandTimeout time.Duration
}

// New builds the configured backend. The instance is selected once at
// startup and injected everywhere it is used.
func New(cfg Config) (Backend, error) {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 5 * time.Second
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "tmux":
		return newTmux(cfg, execRunner{}), nil
	case "zellij":
		return newZellij(cfg, execRunner{}), nil
	default:
		return nil, fmt.Errorf("unknown multiplexer backend %q", cfg.Backend)
	}
}

// findByName is the shared Find implementation: filter List output.
func findByName(ctx context.Context, b Backend, name string) (Window, error) {
	windows, err := b.List(ctx)
	if err != nil {
		return Window{}, err
	}
	for _, w := range windows {
		if w.Name == name {
			return w, nil
		}
	}
	return Window{}, fmt.Errorf("%w: %s", ErrWindowNotFound, name)
}

// uniqueName appends -2, -3, ... until name is free in the session.
func uniqueName(ctx context.Context, b Backend, base string) (string, error) {
	name := base
	for i := 2; ; i++ {
		_, err := b.Find(ctx, name)
		if errors.Is(err, ErrWindowNotFound) {
			return name, nil
		}
		if err != nil {
			return "", err
		}
		name = fmt.Sprintf("%s-%d", base, i)
	}
}
