package mux

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// tmuxBackend drives tmux through its CLI. Every window is addressable by
// id, so no focus switching (and no global lock) is needed.
type tmuxBackend struct {
	session    string
	mainWindow string
	timeout    time.Duration
	run        Runner

	// sendDelay separates literal text from the trailing Enter. Claude
	// Code's TUI treats an Enter arriving in the same input batch as a
	// newline rather than submit.
	sendDelay time.Duration
}

func newTmux(cfg Config, run Runner) *tmuxBackend {
	return &tmuxBackend{
		session:    cfg.Session,
		mainWindow: cfg.MainWindow,
		timeout:    cfg.CommandTimeout,
		run:        run,
		sendDelay:  500 * time.Millisecond,
	}
}

func (t *tmuxBackend) Name() string { return "tmux" }

func (t *tmuxBackend) exec(ctx context.Context, args ...string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.run.Run(cctx, "tmux", args...)
}

func (t *tmuxBackend) EnsureSession(ctx context.Context) error {
	if _, err := t.exec(ctx, "has-session", "-t", "="+t.session); err == nil {
		return nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "/"
	}
	_, err = t.exec(ctx, "new-session", "-d", "-s", t.session, "-n", t.mainWindow, "-c", home)
	if err != nil {
		return fmt.Errorf("create session %s: %w", t.session, err)
	}
	return nil
}

func (t *tmuxBackend) List(ctx context.Context) ([]Window, error) {
	out, err := t.exec(ctx, "list-windows", "-t", "="+t.session,
		"-F", "#{window_id}\t#{window_name}\t#{pane_current_path}")
	if err != nil {
		return nil, err
	}
	var windows []Window
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) < 2 {
			continue
		}
		w := Window{ID: parts[0], Name: parts[1]}
		if len(parts) == 3 {
			w.CWD = parts[2]
		}
		if w.Name == t.mainWindow {
			continue
		}
		windows = append(windows, w)
	}
	return windows, nil
}

func (t *tmuxBackend) Find(ctx context.Context, name string) (Window, error) {
	return findByName(ctx, t, name)
}

func (t *tmuxBackend) Create(ctx context.Context, dir, name, command string) (Window, error) {
	path, err := validateDir(dir)
	if err != nil {
		return Window{}, err
	}
	if name == "" {
		name = filepath.Base(path)
	}
	name, err = uniqueName(ctx, t, name)
	if err != nil {
		return Window{}, err
	}

	id, err := t.exec(ctx, "new-window", "-t", "="+t.session, "-n", name, "-c", path,
		"-P", "-F", "#{window_id}")
	if err != nil {
		return Window{}, fmt.Errorf("create window %s: %w", name, err)
	}
	w := Window{ID: strings.TrimSpace(id), Name: name, CWD: path}

	if command != "" {
		if err := t.SendKeys(ctx, w.ID, command); err != nil {
			return w, fmt.Errorf("start command in %s: %w", name, err)
		}
	}
	return w, nil
}

func (t *tmuxBackend) Kill(ctx context.Context, windowID string) error {
	_, err := t.exec(ctx, "kill-window", "-t", windowID)
	return err
}

func (t *tmuxBackend) SendKeys(ctx context.Context, windowID, text string) error {
	if text != "" {
		if _, err := t.exec(ctx, "send-keys", "-t", windowID, "-l", "--", text); err != nil {
			return err
		}
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(t.sendDelay):
	}
	_, err := t.exec(ctx, "send-keys", "-t", windowID, "Enter")
	return err
}

func (t *tmuxBackend) Capture(ctx context.Context, windowID string) (string, error) {
	return t.exec(ctx, "capture-pane", "-p", "-t", windowID)
}

func validateDir(dir string) (string, error) {
	if strings.HasPrefix(dir, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
		}
	}
	path, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", dir, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("directory does not exist: %s", dir)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("not a directory: %s", dir)
	}
	return path, nil
}
