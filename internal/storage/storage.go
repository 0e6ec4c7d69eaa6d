// Package storage records delivery activity in an append-only journal.
// Two drivers exist: a JSONL file (always available) and SQLite (compiled
// in with the sqlite build tag).
package storage

import "time"

// Entry is one journaled delivery action.
type Entry struct {
	At        time.Time `json:"at"`
	ChatID    int64     `json:"chat_id"`
	ThreadID  int       `json:"thread_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Kind      string    `json:"kind"` // content, call_start, call_result, status
	Bytes     int       `json:"bytes"`
	Edited    bool      `json:"edited,omitempty"`
}

// Journal persists entries. Implementations must be safe for concurrent
// use; recording failures are logged by the implementation, never
// surfaced to the delivery path.
type Journal interface {
	Record(e Entry)
	Close() error
}

// nopJournal discards everything. Used when journaling is disabled.
type nopJournal struct{}

func (nopJournal) Record(Entry) {}
func (nopJournal) Close() error { return nil }

// Nop returns a journal that keeps nothing.
func Nop() Journal { return nopJournal{} }
