package delivery

import (
	"fmt"
	"os"
	"sync"

	"ccrelay/internal/fsutil"
	"ccrelay/internal/transport"
	"ccrelay/pkg/logx"
)

// Binding ties one chat target to one multiplexer window. A target holds
// at most one binding; many targets may bind the same window.
type Binding struct {
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	Window   string `json:"window"`
}

func (b Binding) target() transport.ChatTarget {
	return transport.ChatTarget{ChatID: b.ChatID, ThreadID: b.ThreadID}
}

// Bindings is the persisted target-to-window table. Every mutation is
// written through to disk atomically.
type Bindings struct {
	path string
	log  logx.Logger

	mu    sync.RWMutex
	byTgt map[transport.ChatTarget]Binding
	byWin map[string]map[transport.ChatTarget]struct{}
}

// LoadBindings reads the bindings file. Missing means empty; corrupt is
// logged and discarded.
func LoadBindings(path string, log logx.Logger) *Bindings {
	b := &Bindings{
		path:  path,
		log:   log,
		byTgt: make(map[transport.ChatTarget]Binding),
		byWin: make(map[string]map[transport.ChatTarget]struct{}),
	}
	var list []Binding
	if err := fsutil.ReadJSON(path, &list); err != nil {
		if !os.IsNotExist(err) {
			log.Warn("bindings file unreadable, starting fresh",
				logx.String("path", path), logx.Err(err))
		}
		return b
	}
	for _, bd := range list {
		b.index(bd)
	}
	return b
}

func (b *Bindings) index(bd Binding) {
	tgt := bd.target()
	if old, ok := b.byTgt[tgt]; ok {
		b.unindex(old)
	}
	b.byTgt[tgt] = bd
	set := b.byWin[bd.Window]
	if set == nil {
		set = make(map[transport.ChatTarget]struct{})
		b.byWin[bd.Window] = set
	}
	set[tgt] = struct{}{}
}

func (b *Bindings) unindex(bd Binding) {
	tgt := bd.target()
	delete(b.byTgt, tgt)
	if set := b.byWin[bd.Window]; set != nil {
		delete(set, tgt)
		if len(set) == 0 {
			delete(b.byWin, bd.Window)
		}
	}
}

// Bind points a target at a window, replacing any previous binding of
// that target.
func (b *Bindings) Bind(target transport.ChatTarget, window string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.index(Binding{ChatID: target.ChatID, ThreadID: target.ThreadID, Window: window})
	return b.save()
}

// Unbind removes the target's binding if it has one.
func (b *Bindings) Unbind(target transport.ChatTarget) (Binding, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bd, ok := b.byTgt[target]
	if !ok {
		return Binding{}, false, nil
	}
	b.unindex(bd)
	return bd, true, b.save()
}

// WindowFor resolves the window a target is bound to.
func (b *Bindings) WindowFor(target transport.ChatTarget) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bd, ok := b.byTgt[target]
	return bd.Window, ok
}

// TargetsFor lists every target bound to a window.
func (b *Bindings) TargetsFor(window string) []transport.ChatTarget {
	b.mu.RLock()
	defer b.mu.RUnlock()
	set := b.byWin[window]
	out := make([]transport.ChatTarget, 0, len(set))
	for tgt := range set {
		out = append(out, tgt)
	}
	return out
}

// Windows lists all bound windows.
func (b *Bindings) Windows() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.byWin))
	for w := range b.byWin {
		out = append(out, w)
	}
	return out
}

// RemoveWindow drops every binding to a window that no longer exists and
// returns how many went.
func (b *Bindings) RemoveWindow(window string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.byWin[window]
	if len(set) == 0 {
		return 0, nil
	}
	n := 0
	for tgt := range set {
		if bd, ok := b.byTgt[tgt]; ok && bd.Window == window {
			b.unindex(bd)
			n++
		}
	}
	return n, b.save()
}

func (b *Bindings) save() error {
	list := make([]Binding, 0, len(b.byTgt))
	for _, bd := range b.byTgt {
		list = append(list, bd)
	}
	if err := fsutil.WriteJSON(b.path, list); err != nil {
		return fmt.Errorf("persist bindings: %w", err)
	}
	return nil
}
