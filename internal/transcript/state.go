package transcript

import (
	"os"
	"sync"

	"ccrelay/internal/fsutil"
	"ccrelay/pkg/logx"
)

// trackedSession is the persisted read position for one transcript.
type trackedSession struct {
	SessionID string `json:"session_id"`
	CWD       string `json:"cwd"`
	FilePath  string `json:"file_path,omitempty"`
	Offset    int64  `json:"last_byte_offset"`
	MTimeNS   int64  `json:"last_mtime_unix_ns,omitempty"`
}

// state persists monitor progress across restarts so already-relayed
// transcript content is not delivered twice.
type state struct {
	path string
	log  logx.Logger

	mu       sync.Mutex
	sessions map[string]*trackedSession
	dirty    bool
}

// loadState reads the state file. A missing file starts empty; a corrupt
// one is logged and discarded rather than blocking startup.
func loadState(path string, log logx.Logger) *state {
	s := &state{
		path:     path,
		log:      log,
		sessions: make(map[string]*trackedSession),
	}
	var list []*trackedSession
	if err := fsutil.ReadJSON(path, &list); err != nil {
		if !os.IsNotExist(err) {
			log.Warn("monitor state unreadable, starting fresh",
				logx.String("path", path), logx.Err(err))
		}
		return s
	}
	for _, t := range list {
		if t.SessionID != "" {
			s.sessions[t.SessionID] = t
		}
	}
	return s
}

func (s *state) get(sessionID string) (trackedSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.sessions[sessionID]
	if !ok {
		return trackedSession{}, false
	}
	return *t, true
}

func (s *state) put(t trackedSession) {
	s.mu.Lock()
	cp := t
	s.sessions[t.SessionID] = &cp
	s.dirty = true
	s.mu.Unlock()
}

func (s *state) remove(sessionID string) {
	s.mu.Lock()
	if _, ok := s.sessions[sessionID]; ok {
		delete(s.sessions, sessionID)
		s.dirty = true
	}
	s.mu.Unlock()
}

// retainOnly drops every session not in keep. Used at startup to purge
// state for sessions that no longer exist.
func (s *state) retainOnly(keep map[string]struct{}) {
	s.mu.Lock()
	for id := range s.sessions {
		if _, ok := keep[id]; !ok {
			delete(s.sessions, id)
			s.dirty = true
		}
	}
	s.mu.Unlock()
}

// saveIfDirty flushes to disk when anything changed since the last save.
func (s *state) saveIfDirty() {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	list := make([]*trackedSession, 0, len(s.sessions))
	for _, t := range s.sessions {
		cp := *t
		list = append(list, &cp)
	}
	s.dirty = false
	s.mu.Unlock()

	if err := fsutil.WriteJSON(s.path, list); err != nil {
		s.log.Error("persist monitor state", logx.String("path", s.path), logx.Err(err))
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
	}
}
