package markdown

import (
	"regexp"
	"strings"
)

var (
	tableRow       = regexp.MustCompile(`^\s*\|(.+)\|\s*$`)
	tableSeparator = regexp.MustCompile(`^\s*\|[\s\-:|]+\|\s*$`)
)

// FenceTables wraps Markdown pipe tables (header, separator and at least one
// row) in code fences so Slack keeps their column alignment. Tables already
// inside a fence are left alone.
func FenceTables(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines)+4)
	inFence := false

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			out = append(out, line)
			continue
		}
		if inFence {
			out = append(out, line)
			continue
		}
		if end := tableEnd(lines, i); end > i {
			out = append(out, "```")
			out = append(out, lines[i:end]...)
			out = append(out, "```")
			i = end - 1
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// tableEnd returns the index after the table starting at i, or i when the
// lines there do not form a table.
func tableEnd(lines []string, i int) int {
	if !tableRow.MatchString(lines[i]) || i+1 >= len(lines) || !tableSeparator.MatchString(lines[i+1]) {
		return i
	}
	end := i + 2
	for end < len(lines) && tableRow.MatchString(lines[end]) {
		end++
	}
	if end == i+2 {
		return i
	}
	return end
}
