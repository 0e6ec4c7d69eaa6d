package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"ccrelay/pkg/logx"
)

// fileJournal appends one JSON line per entry. Appends are serialized;
// the O_APPEND write keeps each line intact even across processes.
type fileJournal struct {
	log logx.Logger

	mu sync.Mutex
	f  *os.File
}

func openFileJournal(path string, log logx.Logger) (*fileJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &fileJournal{log: log, f: f}, nil
}

func (j *fileJournal) Record(e Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		j.log.Error("marshal journal entry", logx.Err(err))
		return
	}
	data = append(data, '\n')
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return
	}
	if _, err := j.f.Write(data); err != nil {
		j.log.Error("append journal entry", logx.Err(err))
	}
}

func (j *fileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}
