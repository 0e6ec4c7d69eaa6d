package mux

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// zellijBackend drives Zellij through its CLI. Zellij actions operate on the
// focused tab, so every targeting operation first navigates to the tab and
// the whole sequence runs under a single mutex: focus is a shared,
// unaddressable resource.
//
// Limitations vs tmux: no headless session creation (the session must
// pre-exist) and capture has no ANSI variant.
type zellijBackend struct {
	session    string
	mainWindow string
	timeout    time.Duration
	run        Runner

	// focusMu serializes all focus-dependent operations.
	focusMu sync.Mutex

	sendDelay time.Duration
}

func newZellij(cfg Config, run Runner) *zellijBackend {
	return &zellijBackend{
		session:    cfg.Session,
		mainWindow: cfg.MainWindow,
		timeout:    cfg.CommandTimeout,
		run:        run,
		sendDelay:  500 * time.Millisecond,
	}
}

func (z *zellijBackend) Name() string { return "zellij" }

func (z *zellijBackend) exec(ctx context.Context, args ...string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, z.timeout)
	defer cancel()
	return z.run.Run(cctx, "zellij", args...)
}

func (z *zellijBackend) action(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"--session", z.session, "action"}, args...)
	return z.exec(ctx, full...)
}

func (z *zellijBackend) EnsureSession(ctx context.Context) error {
	out, err := z.exec(ctx, "list-sessions", "--short", "--no-formatting")
	if err != nil {
		return err
	}
	for _, s := range strings.Split(out, "\n") {
		if strings.TrimSpace(s) == z.session {
			return nil
		}
	}
	return fmt.Errorf("zellij session %q not found; create it first: zellij -s %s", z.session, z.session)
}

func (z *zellijBackend) List(ctx context.Context) ([]Window, error) {
	out, err := z.action(ctx, "query-tab-names")
	if err != nil {
		return nil, err
	}

	cwds := z.tabCWDs(ctx)

	var windows []Window
	for _, name := range strings.Split(out, "\n") {
		name = strings.TrimSpace(name)
		if name == "" || name == z.mainWindow {
			continue
		}
		// Zellij addresses tabs by name.
		windows = append(windows, Window{ID: name, Name: name, CWD: cwds[name]})
	}
	return windows, nil
}

var (
	zellijTabRe = regexp.MustCompile(`(?s)tab\s[^{]*?name="([^"]+)"[^{]*\{([^}]*)\}`)
	zellijCwdRe = regexp.MustCompile(`cwd="([^"]+)"`)
)

// tabCWDs parses per-tab working directories out of dump-layout KDL output.
// Best effort: a tab with no parseable cwd maps to "".
func (z *zellijBackend) tabCWDs(ctx context.Context) map[string]string {
	out, err := z.action(ctx, "dump-layout")
	if err != nil {
		return nil
	}
	result := make(map[string]string)
	for _, m := range zellijTabRe.FindAllStringSubmatch(out, -1) {
		if cwd := zellijCwdRe.FindStringSubmatch(m[2]); cwd != nil {
			result[m[1]] = cwd[1]
		}
	}
	return result
}

func (z *zellijBackend) Find(ctx context.Context, name string) (Window, error) {
	return findByName(ctx, z, name)
}

func (z *zellijBackend) Create(ctx context.Context, dir, name, command string) (Window, error) {
	path, err := validateDir(dir)
	if err != nil {
		return Window{}, err
	}
	if name == "" {
		name = filepath.Base(path)
	}
	name, err = uniqueName(ctx, z, name)
	if err != nil {
		return Window{}, err
	}

	z.focusMu.Lock()
	defer z.focusMu.Unlock()

	if _, err := z.action(ctx, "new-tab", "--name", name, "--cwd", path); err != nil {
		return Window{}, fmt.Errorf("create tab %s: %w", name, err)
	}
	w := Window{ID: name, Name: name, CWD: path}

	if command != "" {
		// Let the tab's shell initialize before typing.
		if err := sleepCtx(ctx, 300*time.Millisecond); err != nil {
			return w, err
		}
		if err := z.typeLocked(ctx, command); err != nil {
			return w, fmt.Errorf("start command in %s: %w", name, err)
		}
	}
	return w, nil
}

func (z *zellijBackend) Kill(ctx context.Context, windowID string) error {
	z.focusMu.Lock()
	defer z.focusMu.Unlock()

	if _, err := z.action(ctx, "go-to-tab-name", windowID); err != nil {
		return err
	}
	_, err := z.action(ctx, "close-tab")
	return err
}

func (z *zellijBackend) SendKeys(ctx context.Context, windowID, text string) error {
	z.focusMu.Lock()
	defer z.focusMu.Unlock()

	if _, err := z.action(ctx, "go-to-tab-name", windowID); err != nil {
		return err
	}
	return z.typeLocked(ctx, text)
}

// typeLocked writes text plus Enter to the focused tab. Caller holds focusMu.
func (z *zellijBackend) typeLocked(ctx context.Context, text string) error {
	if text != "" {
		if _, err := z.action(ctx, "write-chars", text); err != nil {
			return err
		}
	}
	if err := sleepCtx(ctx, z.sendDelay); err != nil {
		return err
	}
	// 13 = carriage return
	_, err := z.action(ctx, "write", "13")
	return err
}

func (z *zellijBackend) Capture(ctx context.Context, windowID string) (string, error) {
	z.focusMu.Lock()
	defer z.focusMu.Unlock()

	if _, err := z.action(ctx, "go-to-tab-name", windowID); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp("", "ccrelay_zellij_*.txt")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer os.Remove(tmpPath)

	if _, err := z.action(ctx, "dump-screen", tmpPath); err != nil {
		return "", err
	}
	b, err := os.ReadFile(tmpPath)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
