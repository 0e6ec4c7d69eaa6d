package transcript

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"ccrelay/pkg/logx"
)

func newTestMonitor(t *testing.T, projectsDir string) (*Monitor, string) {
	t.Helper()
	stateFile := filepath.Join(t.TempDir(), "monitor_state.json")
	p := NewParser(ParserConfig{PendingTTL: time.Hour, PendingMax: 16}, logx.Nop())
	m := NewMonitor(MonitorConfig{ProjectsDir: projectsDir, StateFile: stateFile}, p, logx.Nop())
	return m, stateFile
}

func writeTranscript(t *testing.T, projectsDir, cwd, sessionID, content string) string {
	t.Helper()
	dir := filepath.Join(projectsDir, encodeProjectDir(cwd))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, sessionID+".jsonl")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func appendTranscript(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		t.Fatal(err)
	}
}

const line1 = `{"type":"assistant","message":{"content":[{"type":"text","text":"one"}]},"timestamp":"2026-08-26T10:00:00Z"}` + "\n"
const line2 = `{"type":"assistant","message":{"content":[{"type":"text","text":"two"}]},"timestamp":"2026-08-26T10:00:01Z"}` + "\n"

func TestMonitorIncrementalRead(t *testing.T) {
	projects := t.TempDir()
	m, _ := newTestMonitor(t, projects)
	path := writeTranscript(t, projects, "/home/u/proj", "sess-1", line1)

	m.Track("sess-1", "/home/u/proj")
	batches := m.Poll(t.Context())
	if len(batches) != 1 || len(batches[0].Events) != 1 || batches[0].Events[0].Text != "one" {
		t.Fatalf("first poll: %+v", batches)
	}

	// Nothing new, nothing delivered.
	if batches = m.Poll(t.Context()); len(batches) != 0 {
		t.Fatalf("idle poll yielded %+v", batches)
	}

	appendTranscript(t, path, line2)
	batches = m.Poll(t.Context())
	if len(batches) != 1 || len(batches[0].Events) != 1 || batches[0].Events[0].Text != "two" {
		t.Fatalf("second poll: %+v", batches)
	}
}

func TestMonitorHoldsBackPartialLine(t *testing.T) {
	projects := t.TempDir()
	m, _ := newTestMonitor(t, projects)
	path := writeTranscript(t, projects, "/p", "sess-1", line1+`{"type":"assi`)

	m.Track("sess-1", "/p")
	batches := m.Poll(t.Context())
	if len(batches) != 1 || len(batches[0].Events) != 1 {
		t.Fatalf("first poll: %+v", batches)
	}

	// The writer finishes the record; only then is it delivered.
	appendTranscript(t, path, `stant","message":{"content":[{"type":"text","text":"two"}]}}`+"\n")
	batches = m.Poll(t.Context())
	if len(batches) != 1 || len(batches[0].Events) != 1 || batches[0].Events[0].Text != "two" {
		t.Fatalf("second poll: %+v", batches)
	}
}

func TestMonitorTruncationResetsOffset(t *testing.T) {
	projects := t.TempDir()
	m, _ := newTestMonitor(t, projects)
	path := writeTranscript(t, projects, "/p", "sess-1", line1+line2)

	m.Track("sess-1", "/p")
	if batches := m.Poll(t.Context()); len(batches) != 1 || len(batches[0].Events) != 2 {
		t.Fatalf("first poll: %+v", batches)
	}

	// File shrinks below the stored offset: reread from the start.
	if err := os.WriteFile(path, []byte(line1), 0o644); err != nil {
		t.Fatal(err)
	}
	batches := m.Poll(t.Context())
	if len(batches) != 1 || len(batches[0].Events) != 1 || batches[0].Events[0].Text != "one" {
		t.Fatalf("post-truncation poll: %+v", batches)
	}
}

func TestMonitorStateSurvivesRestart(t *testing.T) {
	projects := t.TempDir()
	stateFile := filepath.Join(t.TempDir(), "monitor_state.json")
	parser := NewParser(ParserConfig{PendingTTL: time.Hour, PendingMax: 16}, logx.Nop())

	writeTranscript(t, projects, "/p", "sess-1", line1)

	m := NewMonitor(MonitorConfig{ProjectsDir: projects, StateFile: stateFile}, parser, logx.Nop())
	m.Track("sess-1", "/p")
	if batches := m.Poll(t.Context()); len(batches) != 1 {
		t.Fatalf("first poll: %+v", batches)
	}

	// A fresh monitor on the same state file must not replay history.
	m2 := NewMonitor(MonitorConfig{ProjectsDir: projects, StateFile: stateFile}, parser, logx.Nop())
	m2.Track("sess-1", "/p")
	if batches := m2.Poll(t.Context()); len(batches) != 0 {
		t.Fatalf("restarted monitor replayed %+v", batches)
	}
}

func TestMonitorGlobFallback(t *testing.T) {
	projects := t.TempDir()
	m, _ := newTestMonitor(t, projects)
	// Transcript lives under a directory that does not match the cwd
	// encoding, e.g. when the session moved directories.
	dir := filepath.Join(projects, "-some-other-name")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sess-1.jsonl"), []byte(line1), 0o644); err != nil {
		t.Fatal(err)
	}

	m.Track("sess-1", "/p")
	batches := m.Poll(t.Context())
	if len(batches) != 1 || batches[0].Events[0].Text != "one" {
		t.Fatalf("glob fallback poll: %+v", batches)
	}
}

const callLine = `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"call-9","name":"Read","input":{"file_path":"/a"}}]},"timestamp":"2026-08-26T10:00:02Z"}` + "\n"

func TestMonitorForgetReplaysFromStart(t *testing.T) {
	projects := t.TempDir()
	m, _ := newTestMonitor(t, projects)
	writeTranscript(t, projects, "/p", "sess-1", line1+callLine)

	m.Track("sess-1", "/p")
	batches := m.Poll(t.Context())
	if len(batches) != 1 || len(batches[0].Events) != 2 {
		t.Fatalf("first poll: %+v", batches)
	}
	if got := m.parser.PendingCount("sess-1"); got != 1 {
		t.Fatalf("pending after poll = %d", got)
	}

	// The window's session was replaced: the offset and the unanswered
	// call both go; tracking again starts over at byte 0.
	m.Forget("sess-1")
	if got := m.parser.PendingCount("sess-1"); got != 0 {
		t.Fatalf("pending after forget = %d", got)
	}
	if _, ok := m.state.get("sess-1"); ok {
		t.Fatalf("sess-1 still tracked after forget")
	}

	m.Track("sess-1", "/p")
	batches = m.Poll(t.Context())
	if len(batches) != 1 || len(batches[0].Events) != 2 {
		t.Fatalf("replay poll: %+v", batches)
	}
	if batches[0].Events[0].Text != "one" {
		t.Fatalf("replay did not start from byte 0: %+v", batches[0].Events)
	}
}

func TestMonitorPruneWaitsForPoll(t *testing.T) {
	projects := t.TempDir()
	m, _ := newTestMonitor(t, projects)
	writeTranscript(t, projects, "/p", "sess-1", line1)
	m.Track("sess-1", "/p")

	// Hold the poll lock: a concurrent prune must block until it is
	// released, never interleave with an in-flight read.
	m.mu.Lock()
	done := make(chan struct{})
	go func() {
		m.RetainOnly(map[string]struct{}{})
		close(done)
	}()
	select {
	case <-done:
		m.mu.Unlock()
		t.Fatal("prune ran while a poll was in flight")
	case <-time.After(20 * time.Millisecond):
	}
	m.mu.Unlock()
	<-done

	if _, ok := m.state.get("sess-1"); ok {
		t.Fatalf("sess-1 should be purged")
	}
	if batches := m.Poll(t.Context()); len(batches) != 0 {
		t.Fatalf("purged session polled: %+v", batches)
	}
}

func TestMonitorRetainOnly(t *testing.T) {
	projects := t.TempDir()
	m, _ := newTestMonitor(t, projects)
	writeTranscript(t, projects, "/p", "sess-1", line1)
	writeTranscript(t, projects, "/q", "sess-2", line2)

	m.Track("sess-1", "/p")
	m.Track("sess-2", "/q")
	m.Poll(t.Context())

	m.RetainOnly(map[string]struct{}{"sess-2": {}})
	if _, ok := m.state.get("sess-1"); ok {
		t.Fatalf("sess-1 should be purged")
	}
	if _, ok := m.state.get("sess-2"); !ok {
		t.Fatalf("sess-2 should be kept")
	}
}
