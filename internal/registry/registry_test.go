package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"ccrelay/internal/mux"
	"ccrelay/pkg/logx"
)

// fakeBackend serves a fixed window list, or an error.
type fakeBackend struct {
	windows []mux.Window
	err     error
}

func (f *fakeBackend) Name() string                            { return "fake" }
func (f *fakeBackend) EnsureSession(ctx context.Context) error { return nil }
func (f *fakeBackend) List(ctx context.Context) ([]mux.Window, error) {
	return f.windows, f.err
}
func (f *fakeBackend) Find(ctx context.Context, name string) (mux.Window, error) {
	for _, w := range f.windows {
		if w.Name == name {
			return w, nil
		}
	}
	return mux.Window{}, mux.ErrWindowNotFound
}
func (f *fakeBackend) Create(ctx context.Context, dir, name, command string) (mux.Window, error) {
	return mux.Window{}, nil
}
func (f *fakeBackend) Kill(ctx context.Context, windowID string) error           { return nil }
func (f *fakeBackend) SendKeys(ctx context.Context, windowID, text string) error { return nil }
func (f *fakeBackend) Capture(ctx context.Context, windowID string) (string, error) {
	return "", nil
}

func writeMap(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestRegistry(t *testing.T, backend mux.Backend) (*Registry, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session_map.json")
	return New(path, "work", backend, logx.Nop()), path
}

func TestReconcileLifecycle(t *testing.T) {
	backend := &fakeBackend{windows: []mux.Window{{ID: "@1", Name: "api"}}}
	r, path := newTestRegistry(t, backend)

	// Missing file is an empty view.
	events, err := r.Reconcile(t.Context())
	if err != nil || len(events) != 0 {
		t.Fatalf("initial reconcile: %v, %v", events, err)
	}

	writeMap(t, path, `{"work:api":{"session_id":"s1","cwd":"/p"}}`)
	events, err = r.Reconcile(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Kind != SessionStarted || events[0].New.ID != "s1" {
		t.Fatalf("events = %+v", events)
	}

	// Same content again: no events.
	if events, _ = r.Reconcile(t.Context()); len(events) != 0 {
		t.Fatalf("steady state emitted %+v", events)
	}

	// Session replaced in the same window.
	writeMap(t, path, `{"work:api":{"session_id":"s2","cwd":"/p"}}`)
	events, _ = r.Reconcile(t.Context())
	if len(events) != 1 || events[0].Kind != SessionReplaced ||
		events[0].Old.ID != "s1" || events[0].New.ID != "s2" {
		t.Fatalf("events = %+v", events)
	}

	// Entry removed from the map.
	writeMap(t, path, `{}`)
	events, _ = r.Reconcile(t.Context())
	if len(events) != 1 || events[0].Kind != SessionEnded || events[0].Old.ID != "s2" {
		t.Fatalf("events = %+v", events)
	}
}

func TestReconcileScopeFilter(t *testing.T) {
	backend := &fakeBackend{windows: []mux.Window{{Name: "api"}, {Name: "web"}}}
	r, path := newTestRegistry(t, backend)

	writeMap(t, path, `{
		"work:api":{"session_id":"s1","cwd":"/p"},
		"other:web":{"session_id":"s9","cwd":"/q"}
	}`)
	events, err := r.Reconcile(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Window != "api" {
		t.Fatalf("events = %+v", events)
	}
}

func TestReconcileDropsDeadWindows(t *testing.T) {
	backend := &fakeBackend{windows: []mux.Window{{Name: "api"}}}
	r, path := newTestRegistry(t, backend)

	writeMap(t, path, `{
		"work:api":{"session_id":"s1","cwd":"/p"},
		"work:gone":{"session_id":"s2","cwd":"/q"}
	}`)
	events, _ := r.Reconcile(t.Context())
	if len(events) != 1 || events[0].Window != "api" {
		t.Fatalf("events = %+v", events)
	}
	if _, ok := r.SessionFor("gone"); ok {
		t.Fatalf("dead window kept in view")
	}
}

func TestReconcileSkipsValidationWhenBackendDown(t *testing.T) {
	backend := &fakeBackend{err: mux.ErrUnavailable}
	r, path := newTestRegistry(t, backend)

	writeMap(t, path, `{"work:api":{"session_id":"s1","cwd":"/p"}}`)
	events, err := r.Reconcile(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	// Unknown is not gone: entries are kept when the backend cannot answer.
	if len(events) != 1 || events[0].Kind != SessionStarted {
		t.Fatalf("events = %+v", events)
	}
}

func TestReconcileCorruptMapKeepsView(t *testing.T) {
	backend := &fakeBackend{windows: []mux.Window{{Name: "api"}}}
	r, path := newTestRegistry(t, backend)

	writeMap(t, path, `{"work:api":{"session_id":"s1","cwd":"/p"}}`)
	if _, err := r.Reconcile(t.Context()); err != nil {
		t.Fatal(err)
	}

	writeMap(t, path, `{"work:api":`)
	if _, err := r.Reconcile(t.Context()); err == nil {
		t.Fatalf("corrupt map must return an error")
	}
	// The previous view survives so no end events were fabricated.
	if _, ok := r.SessionFor("api"); !ok {
		t.Fatalf("view lost after corrupt read")
	}
}

func TestAccessors(t *testing.T) {
	backend := &fakeBackend{windows: []mux.Window{{Name: "api"}}}
	r, path := newTestRegistry(t, backend)
	writeMap(t, path, `{"work:api":{"session_id":"s1","cwd":"/p"}}`)
	if _, err := r.Reconcile(t.Context()); err != nil {
		t.Fatal(err)
	}

	if got := r.WindowsHosting("s1"); len(got) != 1 || got[0] != "api" {
		t.Fatalf("WindowsHosting = %v", got)
	}
	if got := r.ActiveSessionIDs(); len(got) != 1 {
		t.Fatalf("ActiveSessionIDs = %v", got)
	}
	snap := r.Snapshot()
	if snap["api"].CWD != "/p" {
		t.Fatalf("Snapshot = %v", snap)
	}
}
