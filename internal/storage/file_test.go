package storage

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ccrelay/pkg/logx"
)

func TestFileJournalAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}

	at := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	j.Record(Entry{At: at, ChatID: 1, Kind: "content", Bytes: 5})
	j.Record(Entry{At: at, ChatID: 1, ThreadID: 7, SessionID: "s1", Kind: "call_result", Bytes: 9, Edited: true})
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		entries = append(entries, e)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[1].Kind != "call_result" || !entries[1].Edited || entries[1].ThreadID != 7 {
		t.Fatalf("second entry = %+v", entries[1])
	}
}

func TestOpenDrivers(t *testing.T) {
	if j, err := Open(Config{}, logx.Nop()); err != nil || j == nil {
		t.Fatalf("disabled journal: %v, %v", j, err)
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("file driver without path accepted")
	}
	if _, err := Open(Config{Driver: "bolt", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
}

func TestRecordAfterCloseIsIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	_ = j.Close()
	j.Record(Entry{At: time.Now(), ChatID: 1, Kind: "content"})
}
