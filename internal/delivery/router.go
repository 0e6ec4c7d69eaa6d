package delivery

import (
	"ccrelay/internal/registry"
	"ccrelay/internal/transport"
)

// Router resolves which chat targets should receive a session's events:
// the session's hosting windows looked up in the registry, then every
// binding pointing at those windows. Events of sessions nobody is bound
// to are dropped.
type Router struct {
	reg      *registry.Registry
	bindings *Bindings
}

func NewRouter(reg *registry.Registry, bindings *Bindings) *Router {
	return &Router{reg: reg, bindings: bindings}
}

// TargetsForSession lists the targets bound to any window hosting the
// session, deduplicated.
func (r *Router) TargetsForSession(sessionID string) []transport.ChatTarget {
	seen := make(map[transport.ChatTarget]struct{})
	var out []transport.ChatTarget
	for _, window := range r.reg.WindowsHosting(sessionID) {
		for _, tgt := range r.bindings.TargetsFor(window) {
			if _, ok := seen[tgt]; ok {
				continue
			}
			seen[tgt] = struct{}{}
			out = append(out, tgt)
		}
	}
	return out
}

// TargetsForWindow lists the targets bound to one window.
func (r *Router) TargetsForWindow(window string) []transport.ChatTarget {
	return r.bindings.TargetsFor(window)
}
