package transcript

import (
	"sort"
	"time"
)

// pendingCall remembers a tool_use until its tool_result arrives, which
// may be several polls later or never.
type pendingCall struct {
	Name    string
	Input   map[string]any
	Started time.Time
}

// pendingSet holds the unresolved calls of one session, bounded both by
// age and by count so an abandoned session cannot grow without limit.
type pendingSet struct {
	calls map[string]pendingCall
	max   int
}

func newPendingSet(max int) *pendingSet {
	return &pendingSet{calls: make(map[string]pendingCall), max: max}
}

func (p *pendingSet) add(id string, c pendingCall) {
	p.calls[id] = c
	if p.max > 0 && len(p.calls) > p.max {
		p.evictOldest(len(p.calls) - p.max)
	}
}

func (p *pendingSet) take(id string) (pendingCall, bool) {
	c, ok := p.calls[id]
	if ok {
		delete(p.calls, id)
	}
	return c, ok
}

func (p *pendingSet) evictOldest(n int) {
	ids := make([]string, 0, len(p.calls))
	for id := range p.calls {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return p.calls[ids[i]].Started.Before(p.calls[ids[j]].Started)
	})
	for _, id := range ids[:n] {
		delete(p.calls, id)
	}
}

// evictStale drops calls older than ttl and reports how many went.
func (p *pendingSet) evictStale(now time.Time, ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	var n int
	for id, c := range p.calls {
		if now.Sub(c.Started) > ttl {
			delete(p.calls, id)
			n++
		}
	}
	return n
}
