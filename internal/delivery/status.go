package delivery

import "strings"

// statusMarker appears in the activity line Claude Code paints above its
// input box while it is working.
const statusMarker = "esc to interrupt"

// ExtractStatus scans a pane capture bottom-up for the activity line.
// The scan skips the input box and blank lines and stops at the first
// line carrying the marker; no marker means the session is idle.
func ExtractStatus(capture string) (string, bool) {
	lines := strings.Split(capture, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimRight(lines[i], " \t")
		if line == "" || isBoxLine(line) {
			continue
		}
		if strings.Contains(line, statusMarker) {
			return strings.TrimSpace(line), true
		}
	}
	return "", false
}

// isBoxLine matches the input box frame and prompt rows.
func isBoxLine(line string) bool {
	t := strings.TrimLeft(line, " ")
	if t == "" {
		return true
	}
	switch t[0] {
	case '>', '?':
		return true
	}
	r := []rune(t)
	switch r[0] {
	case '╭', '╰', '│', '─': // box drawing used by the input frame
		return true
	}
	return false
}
