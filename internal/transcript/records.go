package transcript

import (
	"bytes"
	"encoding/json"
	"time"
)

// rawRecord is one newline-delimited JSON record of a session transcript.
// Only the fields this pipeline reads are declared; everything else is
// ignored by the decoder.
type rawRecord struct {
	Type      string      `json:"type"` // "user", "assistant", "summary", ...
	Message   *rawMessage `json:"message"`
	Timestamp string      `json:"timestamp"`
}

type rawMessage struct {
	// Content is either a plain string or a list of content blocks.
	Content json.RawMessage `json:"content"`
}

// contentBlock is the union of all block shapes we care about.
type contentBlock struct {
	Type string `json:"type"` // text, thinking, tool_use, tool_result

	Text     string `json:"text"`
	Thinking string `json:"thinking"`

	// tool_use
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`

	// tool_result
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// decodeLine parses a single transcript line. Blank and undecodable lines
// return ok=false; the caller skips them and keeps going.
func decodeLine(line []byte) (rawRecord, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return rawRecord{}, false
	}
	var rec rawRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return rawRecord{}, false
	}
	return rec, true
}

func (r rawRecord) at() time.Time {
	t, err := time.Parse(time.RFC3339, r.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// blocks normalizes message content into a block list. A bare string
// becomes a single text block.
func (m *rawMessage) blocks() []contentBlock {
	if m == nil || len(m.Content) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return []contentBlock{{Type: "text", Text: s}}
	}
	var bs []contentBlock
	if err := json.Unmarshal(m.Content, &bs); err != nil {
		return nil
	}
	return bs
}

// resultText flattens a tool_result content payload: either a string or a
// list of blocks whose text parts are joined with newlines.
func resultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var bs []contentBlock
	if err := json.Unmarshal(raw, &bs); err != nil {
		return ""
	}
	var parts []string
	for _, b := range bs {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return joinLines(parts)
}

func joinLines(parts []string) string {
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}
	var buf bytes.Buffer
	for i, p := range parts {
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(p)
	}
	return buf.String()
}
