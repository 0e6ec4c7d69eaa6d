package mux

import (
	"strings"
	"testing"
	"time"
)

func testZellij(run Runner) *zellijBackend {
	b := newZellij(Config{
		Session:        "work",
		MainWindow:     "__main__",
		CommandTimeout: time.Second,
	}, run)
	b.sendDelay = 0
	return b
}

const zellijLayout = `layout {
    tab name="__main__" focus=true {
        pane cwd="/home/u"
    }
    tab name="api" {
        pane cwd="/home/u/api"
    }
    tab name="web" {
        pane cwd="/home/u/web"
    }
}`

func TestZellijListParsesTabsAndCWDs(t *testing.T) {
	run := newFakeRunner()
	run.responses["zellij --session work action query-tab-names"] = "__main__\napi\nweb"
	run.responses["zellij --session work action dump-layout"] = zellijLayout
	b := testZellij(run)

	windows, err := b.List(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if len(windows) != 2 {
		t.Fatalf("windows = %+v", windows)
	}
	if windows[0].Name != "api" || windows[0].CWD != "/home/u/api" {
		t.Fatalf("first window = %+v", windows[0])
	}
	if windows[1].Name != "web" || windows[1].CWD != "/home/u/web" {
		t.Fatalf("second window = %+v", windows[1])
	}
}

func TestZellijEnsureSession(t *testing.T) {
	run := newFakeRunner()
	run.responses["zellij list-sessions"] = "other\nwork"
	b := testZellij(run)
	if err := b.EnsureSession(t.Context()); err != nil {
		t.Fatal(err)
	}

	run2 := newFakeRunner()
	run2.responses["zellij list-sessions"] = "other"
	b2 := testZellij(run2)
	if err := b2.EnsureSession(t.Context()); err == nil {
		t.Fatal("missing session accepted")
	}
}

func TestZellijSendKeysFocusesFirst(t *testing.T) {
	run := newFakeRunner()
	b := testZellij(run)

	if err := b.SendKeys(t.Context(), "api", "hello"); err != nil {
		t.Fatal(err)
	}
	if len(run.calls) != 3 {
		t.Fatalf("calls = %v", run.calls)
	}
	joined := make([]string, len(run.calls))
	for i, c := range run.calls {
		joined[i] = strings.Join(c, " ")
	}
	if !strings.HasSuffix(joined[0], "go-to-tab-name api") {
		t.Fatalf("first call = %q", joined[0])
	}
	if !strings.HasSuffix(joined[1], "write-chars hello") {
		t.Fatalf("second call = %q", joined[1])
	}
	if !strings.HasSuffix(joined[2], "write 13") {
		t.Fatalf("third call = %q", joined[2])
	}
}

func TestZellijKillClosesFocusedTab(t *testing.T) {
	run := newFakeRunner()
	b := testZellij(run)

	if err := b.Kill(t.Context(), "api"); err != nil {
		t.Fatal(err)
	}
	last := strings.Join(run.lastCall(), " ")
	if !strings.HasSuffix(last, "close-tab") {
		t.Fatalf("last call = %q", last)
	}
}
