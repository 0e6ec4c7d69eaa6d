package delivery

import (
	"strings"

	"ccrelay/internal/transcript"
)

// splitMessage breaks text into pieces no longer than max bytes. Splits
// happen on line boundaries and never inside a quote block; a block too
// big for max becomes its own piece and is truncated as a last resort.
func splitMessage(text string, max int) []string {
	if max <= 0 || len(text) <= max {
		return []string{text}
	}

	var pieces []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			pieces = append(pieces, strings.TrimRight(cur.String(), "\n"))
			cur.Reset()
		}
	}
	for _, unit := range splitUnits(text) {
		if len(unit) > max {
			flush()
			pieces = append(pieces, truncate(unit, max))
			continue
		}
		if cur.Len() > 0 && cur.Len()+1+len(unit) > max {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(unit)
	}
	flush()
	if len(pieces) == 0 {
		return []string{""}
	}
	return pieces
}

// splitUnits breaks text into indivisible units: single plain lines and
// whole quote blocks.
func splitUnits(text string) []string {
	lines := strings.Split(text, "\n")
	var units []string
	i := 0
	for i < len(lines) {
		if transcript.IsQuotedLine(lines[i]) {
			j := i
			for j < len(lines) && transcript.IsQuotedLine(lines[j]) {
				j++
			}
			units = append(units, strings.Join(lines[i:j], "\n"))
			i = j
			continue
		}
		units = append(units, lines[i])
		i++
	}
	return units
}

func truncate(s string, max int) string {
	const marker = "\n> ..."
	if len(s) <= max {
		return s
	}
	cut := max - len(marker)
	if cut < 0 {
		cut = max
		return s[:cut]
	}
	// Keep whole lines where possible.
	if i := strings.LastIndexByte(s[:cut], '\n'); i > 0 {
		cut = i
	}
	return s[:cut] + marker
}
