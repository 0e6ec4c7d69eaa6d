package transcript

import (
	"fmt"
	"strings"
)

// Tool activity is relayed as short one-line summaries instead of raw
// payloads. Raw output that is worth showing at all goes into a quote
// block, which downstream splitting keeps intact.

const maxArgLen = 120

// callSummary renders the "**Tool**(arg)" line announcing a tool call.
func callSummary(name string, input map[string]any) string {
	arg := primaryArg(name, input)
	if arg == "" {
		return fmt.Sprintf("**%s**", name)
	}
	return fmt.Sprintf("**%s**(%s)", name, arg)
}

// primaryArg picks the single most informative input field per tool.
func primaryArg(name string, input map[string]any) string {
	var keys []string
	switch name {
	case "Read", "Write", "Edit", "NotebookEdit":
		keys = []string{"file_path"}
	case "Bash":
		keys = []string{"command"}
	case "Grep", "Glob":
		keys = []string{"pattern"}
	case "WebFetch", "WebSearch":
		keys = []string{"url", "query"}
	case "Task":
		keys = []string{"description"}
	default:
		keys = []string{"file_path", "command", "pattern", "url", "query", "description"}
	}
	for _, k := range keys {
		if v, ok := input[k].(string); ok && v != "" {
			return clipArg(v)
		}
	}
	return ""
}

func clipArg(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > maxArgLen {
		return s[:maxArgLen] + "..."
	}
	return s
}

// resultSummary condenses a tool_result payload, using the tool name and
// input remembered from the matching tool_use.
func resultSummary(name string, input map[string]any, text string, isError bool) string {
	if isError {
		return "Error: " + firstLine(text)
	}
	switch name {
	case "Read":
		return fmt.Sprintf("Read %d lines", countLines(text))
	case "Write":
		if c, ok := input["content"].(string); ok {
			return fmt.Sprintf("Wrote %d lines", countLines(c))
		}
		return "Wrote file"
	case "Edit", "NotebookEdit":
		return "Updated file"
	case "Grep", "Glob":
		return fmt.Sprintf("Found %d matches", countLines(text))
	case "WebFetch":
		return fmt.Sprintf("Fetched %d characters", len(text))
	case "TodoWrite":
		return "Updated todo list"
	case "Bash", "Task":
		if strings.TrimSpace(text) == "" {
			return "Done"
		}
		return "Done\n" + quoteBlock(text)
	}
	if strings.TrimSpace(text) == "" {
		return "Done"
	}
	return "Done\n" + quoteBlock(text)
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return clipArg(s)
}

// quoteBlock prefixes every line with "> ". Consumers treat a run of
// quoted lines as one indivisible unit when splitting messages.
func quoteBlock(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = "> " + l
	}
	return strings.Join(lines, "\n")
}

// IsQuotedLine reports whether a line belongs to a quote block.
func IsQuotedLine(line string) bool {
	return strings.HasPrefix(line, "> ") || line == ">"
}
