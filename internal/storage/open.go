package storage

import (
	"errors"
	"strings"
	"time"

	"ccrelay/pkg/logx"
)

// Config selects and locates the journal backend.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

// Open initializes the configured journal. An empty or "none" driver
// disables journaling.
func Open(cfg Config, log logx.Logger) (Journal, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "none":
		return Nop(), nil
	case "file":
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, errors.New("file journal path is required")
		}
		return openFileJournal(cfg.Path, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
