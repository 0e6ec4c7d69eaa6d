// Package delivery fans transcript events out to bound chat targets and
// paces the sends.
package delivery

import "ccrelay/internal/transport"

type itemKind int

const (
	itemContent itemKind = iota
	itemCallStart
	itemCallResult
	itemStatus
	itemStatusClear
)

// item is one unit of work queued for a chat target.
type item struct {
	kind itemKind
	// sessionID scopes content merging: only consecutive content from the
	// same session is merged into one message.
	sessionID string
	text      string
	callID    string
	// matched marks a call result whose announcement message may be
	// edited in place.
	matched bool
	target  transport.ChatTarget
}
