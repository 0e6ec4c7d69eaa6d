package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Config struct {
	// Backend selects the execution surface backend: "tmux" or "zellij".
	Backend string `json:"backend"`

	Mux      MuxConfig      `json:"mux"`
	Telegram TelegramConfig `json:"telegram"`
	Monitor  MonitorConfig  `json:"monitor"`
	Delivery DeliveryConfig `json:"delivery"`
	Storage  *StorageConfig `json:"storage,omitempty"`

	// Maintenance holds the cron spec for periodic cleanup jobs
	// (pending-call eviction, stale-binding cleanup).
	Maintenance MaintenanceConfig `json:"maintenance"`

	Logging LoggingConfig `json:"logging"`
}

type MuxConfig struct {
	// Session is the multiplexer session all relayed windows live in.
	// Session map keys are "<session>:<window>".
	Session string `json:"session"`
	// MainWindow is the placeholder window excluded from listings.
	MainWindow string `json:"main_window"`
	// ClaudeCommand is launched in freshly created windows.
	ClaudeCommand string `json:"claude_command"`
	// CommandTimeout bounds every backend invocation (Go duration string).
	CommandTimeout string `json:"command_timeout,omitempty"`
}

type TelegramConfig struct {
	Token          string  `json:"token"`
	AllowedUserIDs []int64 `json:"allowed_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// MonitorConfig controls transcript polling.
//
// All durations are Go duration strings (e.g. "500ms", "2s", "1m").
type MonitorConfig struct {
	PollInterval   string `json:"poll_interval,omitempty"`
	ProjectsDir    string `json:"projects_dir,omitempty"`
	StateFile      string `json:"state_file,omitempty"`
	SessionMapFile string `json:"session_map_file,omitempty"`

	// Pending tool-call entries with no result are evicted after
	// PendingCallTTL, or earliest-first once a session holds more than
	// PendingCallMax of them.
	PendingCallTTL string `json:"pending_call_ttl,omitempty"`
	PendingCallMax int    `json:"pending_call_max,omitempty"`
}

// DeliveryConfig carries the transport constants the queue must respect.
// MaxMessageSize and MinSendInterval come from the transport's published
// limits; the queue never invents its own.
type DeliveryConfig struct {
	BindingsFile string `json:"bindings_file,omitempty"`

	MaxMessageSize int `json:"max_message_size,omitempty"`
	MergeMaxSize   int `json:"merge_max_size,omitempty"`
	// MinSendInterval is a Go duration string (e.g. "1100ms").
	MinSendInterval string `json:"min_send_interval,omitempty"`
}

// StorageConfig controls the optional delivery journal.
//
// Example:
//
//	"storage": { "driver": "file", "path": "~/.ccrelay/journal" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type MaintenanceConfig struct {
	// Schedule is a robfig/cron spec, e.g. "@every 1m".
	Schedule string `json:"schedule,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Validate checks required fields and fills defaults for the rest.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Backend)) {
	case "":
		c.Backend = "tmux"
	case "tmux", "zellij":
		c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	default:
		return fmt.Errorf("backend: unknown value %q (want tmux or zellij)", c.Backend)
	}

	if strings.TrimSpace(c.Mux.Session) == "" {
		c.Mux.Session = "ccrelay"
	}
	if strings.TrimSpace(c.Mux.MainWindow) == "" {
		c.Mux.MainWindow = "__main__"
	}
	if strings.TrimSpace(c.Mux.ClaudeCommand) == "" {
		c.Mux.ClaudeCommand = "claude"
	}

	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if len(c.Telegram.AllowedUserIDs) == 0 {
		return fmt.Errorf("telegram.allowed_user_ids is required")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolve home dir: %w", err)
	}
	stateDir := filepath.Join(home, ".ccrelay")

	if c.Monitor.ProjectsDir == "" {
		c.Monitor.ProjectsDir = filepath.Join(home, ".claude", "projects")
	}
	if c.Monitor.StateFile == "" {
		c.Monitor.StateFile = filepath.Join(stateDir, "monitor_state.json")
	}
	if c.Monitor.SessionMapFile == "" {
		c.Monitor.SessionMapFile = filepath.Join(stateDir, "session_map.json")
	}
	if c.Monitor.PendingCallMax <= 0 {
		c.Monitor.PendingCallMax = 128
	}

	if c.Delivery.BindingsFile == "" {
		c.Delivery.BindingsFile = filepath.Join(stateDir, "bindings.json")
	}
	if c.Delivery.MaxMessageSize <= 0 {
		c.Delivery.MaxMessageSize = 4096
	}
	if c.Delivery.MergeMaxSize <= 0 || c.Delivery.MergeMaxSize > c.Delivery.MaxMessageSize {
		c.Delivery.MergeMaxSize = 3800
	}
	if c.Maintenance.Schedule == "" {
		c.Maintenance.Schedule = "@every 1m"
	}

	return nil
}
