package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"ccrelay/internal/mux"
	"ccrelay/internal/transport"
	"ccrelay/pkg/logx"
)

const helpText = `Commands:
/ls - list windows and their sessions
/bind <window> - relay a window into this chat
/unbind - stop relaying here
/new <dir> [name] - create a window, launch the agent, bind it here
/kill - kill the window bound here
Plain text is typed into the bound window.`

// dispatchLoop consumes inbound transport updates and executes commands.
// Unauthorized senders are logged and ignored.
func (a *App) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-a.updates:
			if !ok {
				return nil
			}
			if up.Kind != transport.UpdateMessage || up.Message == nil {
				continue
			}
			a.handleMessage(ctx, up.Message)
		}
	}
}

func (a *App) handleMessage(ctx context.Context, msg *transport.Message) {
	if _, ok := a.allowed[msg.FromID]; !ok {
		a.log.Warn("message from unauthorized user",
			logx.Int64("user_id", msg.FromID),
			logx.String("username", msg.FromUsername))
		return
	}
	target := transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	if !strings.HasPrefix(text, "/") {
		a.forwardText(ctx, target, text)
		return
	}

	fields := strings.Fields(text)
	cmd := fields[0]
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	args := fields[1:]

	var reply string
	switch cmd {
	case "/start", "/help":
		reply = helpText
	case "/ls":
		reply = a.cmdList(ctx)
	case "/bind":
		reply = a.cmdBind(ctx, target, args)
	case "/unbind":
		reply = a.cmdUnbind(target)
	case "/new":
		reply = a.cmdNew(ctx, target, args)
	case "/kill":
		reply = a.cmdKill(ctx, target)
	default:
		reply = "Unknown command. " + helpText
	}
	a.reply(ctx, target, reply)
}

func (a *App) reply(ctx context.Context, target transport.ChatTarget, text string) {
	if text == "" {
		return
	}
	if _, err := a.adapter.SendText(ctx, target, text, nil); err != nil {
		a.log.Error("send command reply", logx.Err(err))
	}
}

func (a *App) cmdList(ctx context.Context) string {
	windows, err := a.backend.List(ctx)
	if err != nil {
		return "Cannot list windows: " + err.Error()
	}
	if len(windows) == 0 {
		return "No windows. Use /new <dir> to create one."
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i].Name < windows[j].Name })
	var b strings.Builder
	for _, w := range windows {
		fmt.Fprintf(&b, "%s  %s", w.Name, w.CWD)
		if sess, ok := a.reg.SessionFor(w.Name); ok {
			fmt.Fprintf(&b, "  (session %s)", shortID(sess.ID))
		}
		if n := len(a.bindings.TargetsFor(w.Name)); n > 0 {
			b.WriteString("  [bound]")
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func (a *App) cmdBind(ctx context.Context, target transport.ChatTarget, args []string) string {
	if len(args) != 1 {
		return "Usage: /bind <window>"
	}
	name := args[0]
	if _, err := a.backend.Find(ctx, name); err != nil {
		if errors.Is(err, mux.ErrWindowNotFound) {
			return "No such window: " + name
		}
		return "Cannot check window: " + err.Error()
	}
	if err := a.bindings.Bind(target, name); err != nil {
		return "Bind failed: " + err.Error()
	}
	return "Bound to " + name
}

func (a *App) cmdUnbind(target transport.ChatTarget) string {
	bd, ok, err := a.bindings.Unbind(target)
	if err != nil {
		return "Unbind failed: " + err.Error()
	}
	if !ok {
		return "Nothing bound here."
	}
	return "Unbound from " + bd.Window
}

func (a *App) cmdNew(ctx context.Context, target transport.ChatTarget, args []string) string {
	if len(args) < 1 {
		return "Usage: /new <dir> [name]"
	}
	dir := args[0]
	name := ""
	if len(args) > 1 {
		name = args[1]
	}
	w, err := a.backend.Create(ctx, dir, name, a.cfg.Mux.ClaudeCommand)
	if err != nil {
		return "Create failed: " + err.Error()
	}
	if err := a.bindings.Bind(target, w.Name); err != nil {
		return fmt.Sprintf("Created %s but bind failed: %v", w.Name, err)
	}
	return fmt.Sprintf("Created %s in %s and bound it here.", w.Name, dir)
}

func (a *App) cmdKill(ctx context.Context, target transport.ChatTarget) string {
	window, ok := a.bindings.WindowFor(target)
	if !ok {
		return "Nothing bound here."
	}
	w, err := a.backend.Find(ctx, window)
	if err == nil {
		err = a.backend.Kill(ctx, w.ID)
	}
	if err != nil && !errors.Is(err, mux.ErrWindowNotFound) {
		return "Kill failed: " + err.Error()
	}
	for _, tgt := range a.bindings.TargetsFor(window) {
		a.queue.ClearStatus(tgt)
	}
	if _, err := a.bindings.RemoveWindow(window); err != nil {
		a.log.Error("remove bindings after kill", logx.Err(err))
	}
	return "Killed " + window
}

// forwardText types a plain message into the chat's bound window.
func (a *App) forwardText(ctx context.Context, target transport.ChatTarget, text string) {
	window, ok := a.bindings.WindowFor(target)
	if !ok {
		a.reply(ctx, target, "Nothing bound here. Use /bind <window> first.")
		return
	}
	w, err := a.backend.Find(ctx, window)
	if err != nil {
		if errors.Is(err, mux.ErrWindowNotFound) {
			a.reply(ctx, target, "Bound window is gone: "+window)
			return
		}
		a.reply(ctx, target, "Cannot reach window: "+err.Error())
		return
	}
	if err := a.backend.SendKeys(ctx, w.ID, text); err != nil {
		a.reply(ctx, target, "Send failed: "+err.Error())
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
