package transcript

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"ccrelay/pkg/logx"
)

// MonitorConfig locates transcripts and the persisted read state.
type MonitorConfig struct {
	ProjectsDir string
	StateFile   string
}

// SessionEvents is one poll's yield for one session.
type SessionEvents struct {
	SessionID string
	Events    []Event
}

// Monitor tails session transcripts incrementally. Each tracked session
// keeps a byte offset and the file mtime; a poll reads only what was
// appended since the previous one.
type Monitor struct {
	cfg    MonitorConfig
	parser *Parser
	state  *state
	log    logx.Logger

	// mu serializes Poll with every tracked-state mutation. The state's
	// own lock only guards single map operations; the poll's
	// get-read-put per session needs the wider section.
	mu sync.Mutex
}

func NewMonitor(cfg MonitorConfig, parser *Parser, log logx.Logger) *Monitor {
	return &Monitor{
		cfg:    cfg,
		parser: parser,
		state:  loadState(cfg.StateFile, log),
		log:    log,
	}
}

// Track starts following a session from the beginning of its transcript.
// Tracking an already-known session is a no-op so a restart does not
// replay history.
func (m *Monitor) Track(sessionID, cwd string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.get(sessionID); ok {
		return
	}
	m.state.put(trackedSession{SessionID: sessionID, CWD: cwd})
	m.log.Info("tracking session",
		logx.String("session_id", sessionID), logx.String("cwd", cwd))
}

// Forget drops a session's read state and pending calls. It waits for an
// in-flight poll; a poll's get-read-put must never straddle the removal,
// or the put would re-insert the dropped session.
func (m *Monitor) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.remove(sessionID)
	m.parser.Drop(sessionID)
}

// RetainOnly prunes state for sessions no longer hosted anywhere. Like
// Forget it is mutually exclusive with Poll.
func (m *Monitor) RetainOnly(active map[string]struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.retainOnly(active)
}

// Poll reads every tracked transcript once and returns the new events per
// session. State is flushed at the end regardless of partial failures.
func (m *Monitor) Poll(ctx context.Context) []SessionEvents {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.trackedIDs()
	var out []SessionEvents
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		events := m.pollSession(id)
		if len(events) > 0 {
			out = append(out, SessionEvents{SessionID: id, Events: events})
		}
	}
	m.state.saveIfDirty()
	return out
}

func (m *Monitor) trackedIDs() []string {
	m.state.mu.Lock()
	ids := make([]string, 0, len(m.state.sessions))
	for id := range m.state.sessions {
		ids = append(ids, id)
	}
	m.state.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (m *Monitor) pollSession(sessionID string) []Event {
	t, ok := m.state.get(sessionID)
	if !ok {
		return nil
	}
	path := m.resolvePath(&t)
	if path == "" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		// Transcript not written yet, or removed; try again next poll.
		return nil
	}
	mtime := info.ModTime().UnixNano()
	if mtime == t.MTimeNS && info.Size() == t.Offset {
		return nil
	}
	if t.Offset > info.Size() {
		m.log.Info("transcript truncated, rereading from start",
			logx.String("session_id", sessionID),
			logx.Int64("offset", t.Offset),
			logx.Int64("size", info.Size()))
		t.Offset = 0
	}

	lines, newOffset, err := readLines(path, t.Offset)
	if err != nil {
		m.log.Warn("read transcript",
			logx.String("session_id", sessionID),
			logx.String("path", path), logx.Err(err))
		return nil
	}
	t.Offset = newOffset
	t.MTimeNS = mtime
	m.state.put(t)
	if len(lines) == 0 {
		return nil
	}
	return m.parser.Parse(sessionID, lines)
}

// resolvePath finds the transcript file for a session. The cached path is
// reused while it exists; otherwise the path is derived from the working
// directory, falling back to a glob across all project directories.
func (m *Monitor) resolvePath(t *trackedSession) string {
	if t.FilePath != "" {
		if _, err := os.Stat(t.FilePath); err == nil {
			return t.FilePath
		}
		t.FilePath = ""
	}
	derived := filepath.Join(m.cfg.ProjectsDir, encodeProjectDir(t.CWD), t.SessionID+".jsonl")
	if _, err := os.Stat(derived); err == nil {
		t.FilePath = derived
		m.state.put(*t)
		return derived
	}
	matches, err := filepath.Glob(filepath.Join(m.cfg.ProjectsDir, "*", t.SessionID+".jsonl"))
	if err != nil || len(matches) == 0 {
		return ""
	}
	t.FilePath = matches[0]
	m.state.put(*t)
	return matches[0]
}

// encodeProjectDir maps a working directory to its transcript directory
// name, replacing every path separator with a dash.
func encodeProjectDir(cwd string) string {
	return strings.ReplaceAll(cwd, "/", "-")
}

// readLines returns the complete lines appended at or after offset, and
// the offset to resume from. A trailing fragment without a newline is a
// record still being written; it is held back for the next poll.
func readLines(path string, offset int64) ([][]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset, err
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, offset, err
	}
	if len(data) == 0 {
		return nil, offset, nil
	}
	consumed := int64(len(data))
	if data[len(data)-1] != '\n' {
		if i := bytes.LastIndexByte(data, '\n'); i >= 0 {
			consumed = int64(i + 1)
			data = data[:i+1]
		} else {
			return nil, offset, nil
		}
	}
	var lines [][]byte
	for _, l := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(l)) > 0 {
			lines = append(lines, l)
		}
	}
	return lines, offset + consumed, nil
}
