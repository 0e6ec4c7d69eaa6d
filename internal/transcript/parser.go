package transcript

import (
	"strings"
	"sync"
	"time"

	"ccrelay/pkg/logx"
)

// EventKind classifies what a transcript record turned into.
type EventKind int

const (
	// EventContent is displayable text from the user or the assistant.
	EventContent EventKind = iota
	// EventThinking is assistant reasoning, relayed collapsed.
	EventThinking
	// EventCallStart announces a tool call.
	EventCallStart
	// EventCallResult resolves a tool call, matched or not.
	EventCallResult
	// EventLocalOutput is output of a slash command run inside the session.
	EventLocalOutput
)

// Event is one displayable unit extracted from a transcript.
type Event struct {
	Kind   EventKind
	Role   string // "user" or "assistant", set for EventContent
	Text   string
	CallID string // set for EventCallStart and EventCallResult
	// Matched is set on EventCallResult when the starting call was still
	// remembered, which lets delivery edit the announcement in place.
	Matched bool
}

// ParserConfig bounds the pending-call memory.
type ParserConfig struct {
	PendingTTL time.Duration
	PendingMax int
}

// Parser turns raw transcript lines into events. It carries per-session
// pending-call state across polls so a result arriving in a later read
// still pairs with its call.
type Parser struct {
	cfg ParserConfig
	log logx.Logger

	mu      sync.Mutex
	pending map[string]*pendingSet
}

func NewParser(cfg ParserConfig, log logx.Logger) *Parser {
	return &Parser{
		cfg:     cfg,
		log:     log,
		pending: make(map[string]*pendingSet),
	}
}

// Parse consumes a batch of transcript lines for one session. Lines that
// do not decode are counted and skipped; a bad record never stops the
// batch.
func (p *Parser) Parse(sessionID string, lines [][]byte) []Event {
	p.mu.Lock()
	set := p.pending[sessionID]
	if set == nil {
		set = newPendingSet(p.cfg.PendingMax)
		p.pending[sessionID] = set
	}
	p.mu.Unlock()

	var events []Event
	var skipped int
	for _, line := range lines {
		rec, ok := decodeLine(line)
		if !ok {
			if len(strings.TrimSpace(string(line))) > 0 {
				skipped++
			}
			continue
		}
		events = append(events, p.parseRecord(set, rec)...)
	}
	if skipped > 0 {
		p.log.Warn("skipped undecodable transcript lines",
			logx.String("session_id", sessionID),
			logx.Int("count", skipped))
	}
	return events
}

func (p *Parser) parseRecord(set *pendingSet, rec rawRecord) []Event {
	switch rec.Type {
	case "assistant":
		return p.parseAssistant(set, rec)
	case "user":
		return p.parseUser(set, rec)
	}
	return nil
}

func (p *Parser) parseAssistant(set *pendingSet, rec rawRecord) []Event {
	var events []Event
	for _, b := range rec.Message.blocks() {
		switch b.Type {
		case "text":
			if t := strings.TrimSpace(b.Text); t != "" {
				events = append(events, Event{Kind: EventContent, Role: "assistant", Text: t})
			}
		case "thinking":
			if t := strings.TrimSpace(b.Thinking); t != "" {
				events = append(events, Event{
					Kind: EventThinking,
					Text: "*Thinking*\n" + quoteBlock(t),
				})
			}
		case "tool_use":
			events = append(events, p.parseToolUse(set, b, rec.at())...)
		}
	}
	return events
}

func (p *Parser) parseToolUse(set *pendingSet, b contentBlock, at time.Time) []Event {
	var events []Event
	// A plan is user-facing content, not tool plumbing.
	if b.Name == "ExitPlanMode" {
		if plan, ok := b.Input["plan"].(string); ok && strings.TrimSpace(plan) != "" {
			events = append(events, Event{Kind: EventContent, Role: "assistant", Text: plan})
		}
	}
	if at.IsZero() {
		at = time.Now()
	}
	p.mu.Lock()
	set.add(b.ID, pendingCall{Name: b.Name, Input: b.Input, Started: at})
	p.mu.Unlock()
	events = append(events, Event{
		Kind:   EventCallStart,
		CallID: b.ID,
		Text:   callSummary(b.Name, b.Input),
	})
	return events
}

func (p *Parser) parseUser(set *pendingSet, rec rawRecord) []Event {
	var events []Event
	for _, b := range rec.Message.blocks() {
		switch b.Type {
		case "text":
			if ev, ok := parseUserText(b.Text); ok {
				events = append(events, ev)
			}
		case "tool_result":
			p.mu.Lock()
			call, matched := set.take(b.ToolUseID)
			p.mu.Unlock()
			text := resultText(b.Content)
			if matched {
				events = append(events, Event{
					Kind:    EventCallResult,
					CallID:  b.ToolUseID,
					Matched: true,
					Text:    resultSummary(call.Name, call.Input, text, b.IsError),
				})
			} else {
				events = append(events, Event{
					Kind:   EventCallResult,
					CallID: b.ToolUseID,
					Text:   resultSummary("", nil, text, b.IsError),
				})
			}
		}
	}
	return events
}

// parseUserText filters the markup Claude Code embeds in user records:
// system reminders are dropped, slash-command invocations and their
// captured output are relayed as local output, and interruption notices
// collapse to a short marker.
func parseUserText(text string) (Event, bool) {
	t := strings.TrimSpace(text)
	if t == "" || strings.HasPrefix(t, "<system-reminder>") {
		return Event{}, false
	}
	if strings.HasPrefix(t, "[Request interrupted by user") {
		return Event{Kind: EventContent, Role: "user", Text: "Interrupted"}, true
	}
	if name, ok := tagContent(t, "command-name"); ok {
		out := name
		if args, ok := tagContent(t, "command-args"); ok && args != "" {
			out += " " + args
		}
		return Event{Kind: EventLocalOutput, Text: out}, true
	}
	if stdout, ok := tagContent(t, "local-command-stdout"); ok {
		stdout = strings.TrimSpace(stdout)
		if stdout == "" {
			return Event{}, false
		}
		return Event{Kind: EventLocalOutput, Text: quoteBlock(stdout)}, true
	}
	return Event{Kind: EventContent, Role: "user", Text: t}, true
}

func tagContent(s, tag string) (string, bool) {
	openTag, closeTag := "<"+tag+">", "</"+tag+">"
	i := strings.Index(s, openTag)
	if i < 0 {
		return "", false
	}
	j := strings.Index(s[i:], closeTag)
	if j < 0 {
		return "", false
	}
	return s[i+len(openTag) : i+j], true
}

// Drop forgets all pending calls of a session that ended.
func (p *Parser) Drop(sessionID string) {
	p.mu.Lock()
	delete(p.pending, sessionID)
	p.mu.Unlock()
}

// EvictStale sweeps pending calls past their TTL across all sessions.
func (p *Parser) EvictStale(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var n int
	for id, set := range p.pending {
		n += set.evictStale(now, p.cfg.PendingTTL)
		if len(set.calls) == 0 {
			delete(p.pending, id)
		}
	}
	return n
}

// PendingCount reports unresolved calls for one session.
func (p *Parser) PendingCount(sessionID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := p.pending[sessionID]
	if set == nil {
		return 0
	}
	return len(set.calls)
}
