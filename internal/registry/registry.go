// Package registry reconciles the externally written window→session map
// against the previously known state. The map file is produced by the
// Claude Code session-start hook; this process only reads it.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"

	"ccrelay/internal/mux"
	"ccrelay/pkg/logx"
)

// Session is the identity one window currently hosts.
type Session struct {
	ID  string `json:"session_id"`
	CWD string `json:"cwd"`
}

type EventKind string

const (
	SessionStarted  EventKind = "started"
	SessionReplaced EventKind = "replaced"
	SessionEnded    EventKind = "ended"
)

// Event describes one observed change of the window→session mapping.
type Event struct {
	Kind   EventKind
	Window string
	Old    Session // set for replaced/ended
	New    Session // set for started/replaced
}

type Registry struct {
	mapFile string
	scope   string // session-map keys are "<scope>:<window>"
	backend mux.Backend
	log     logx.Logger

	mu   sync.Mutex
	prev map[string]Session // window -> session
}

func New(mapFile, scope string, backend mux.Backend, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		mapFile: mapFile,
		scope:   scope,
		backend: backend,
		log:     log,
		prev:    map[string]Session{},
	}
}

// Load reads the session map file fresh. A missing file is an empty map;
// a read or decode failure is returned so the caller can retry next tick
// without emitting spurious end events.
func (r *Registry) Load() (map[string]Session, error) {
	b, err := os.ReadFile(r.mapFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]Session{}, nil
		}
		return nil, err
	}

	var raw map[string]Session
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}

	prefix := r.scope + ":"
	out := make(map[string]Session, len(raw))
	for key, info := range raw {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if info.ID == "" {
			continue
		}
		out[strings.TrimPrefix(key, prefix)] = info
	}
	return out, nil
}

// Reconcile loads the current map, diffs it against the previous cycle, and
// returns the resulting lifecycle events. Windows whose backend surface has
// vanished are treated as removed; if the backend is unavailable the check
// is skipped and all entries are kept (unknown, not gone).
func (r *Registry) Reconcile(ctx context.Context) ([]Event, error) {
	current, err := r.Load()
	if err != nil {
		return nil, err
	}

	if live, ok := r.liveWindows(ctx); ok {
		for name := range current {
			if _, exists := live[name]; !exists {
				delete(current, name)
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var events []Event
	for window, sess := range current {
		old, known := r.prev[window]
		switch {
		case !known:
			events = append(events, Event{Kind: SessionStarted, Window: window, New: sess})
		case old.ID != sess.ID:
			events = append(events, Event{Kind: SessionReplaced, Window: window, Old: old, New: sess})
		}
	}
	for window, old := range r.prev {
		if _, ok := current[window]; !ok {
			events = append(events, Event{Kind: SessionEnded, Window: window, Old: old})
		}
	}

	r.prev = current
	return events, nil
}

// liveWindows asks the backend for existing window names. ok=false means the
// backend could not answer and validation must be skipped.
func (r *Registry) liveWindows(ctx context.Context) (map[string]struct{}, bool) {
	if r.backend == nil {
		return nil, false
	}
	windows, err := r.backend.List(ctx)
	if err != nil {
		if !errors.Is(err, mux.ErrUnavailable) {
			r.log.Debug("window list failed", logx.Err(err))
		}
		return nil, false
	}
	live := make(map[string]struct{}, len(windows))
	for _, w := range windows {
		live[w.Name] = struct{}{}
	}
	return live, true
}

// Snapshot returns a copy of the current window→session view.
func (r *Registry) Snapshot() map[string]Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Session, len(r.prev))
	for k, v := range r.prev {
		out[k] = v
	}
	return out
}

// SessionFor returns the session currently hosted by window.
func (r *Registry) SessionFor(window string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.prev[window]
	return s, ok
}

// WindowsHosting returns every window whose current session is sessionID.
// In practice this is zero or one window.
func (r *Registry) WindowsHosting(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for w, s := range r.prev {
		if s.ID == sessionID {
			out = append(out, w)
		}
	}
	return out
}

// ActiveSessionIDs returns the set of session ids present in the view.
func (r *Registry) ActiveSessionIDs() map[string]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]struct{}, len(r.prev))
	for _, s := range r.prev {
		out[s.ID] = struct{}{}
	}
	return out
}
