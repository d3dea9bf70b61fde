package stream

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// fence matches an opening or closing code fence line.
var fence = regexp.MustCompile("(?m)^([ \t]*)(```+|~~~+)([^\n]*)$")

type fenceSpan struct {
	start, end int
	marker     string
	openLine   string
}

// splitMarkdown cuts text into pieces of at most limit bytes, preferring
// newlines, then spaces. A cut inside a code fence closes the fence and
// reopens it in the next piece, so a piece may exceed limit by the length
// of the closing marker. Cuts never fall inside a UTF-8 sequence.
func splitMarkdown(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var pieces []string
	remaining := text
	for len(remaining) > limit {
		spans := fenceSpans(remaining)
		cut := breakIndex(remaining[:limit], spans)
		open := spanAt(spans, cut)
		// A cut right after an opening fence line would reopen the same
		// fence forever.
		if cut <= 0 || (open != nil && cut <= open.start+len(open.openLine)) {
			cut = runeBoundary(remaining, limit)
			open = spanAt(spans, cut)
		}

		piece := remaining[:cut]
		next := remaining[cut:]
		if open != nil {
			if !strings.HasSuffix(piece, "\n") {
				piece += "\n"
			}
			piece += open.marker
			next = open.openLine + "\n" + strings.TrimPrefix(next, "\n")
		} else {
			next = strings.TrimLeft(next, "\n ")
		}
		if len(next) >= len(remaining) {
			break
		}
		pieces = append(pieces, piece)
		remaining = next
	}
	if remaining != "" {
		pieces = append(pieces, remaining)
	}
	return pieces
}

func fenceSpans(text string) []fenceSpan {
	var spans []fenceSpan
	var open *fenceSpan
	for _, m := range fence.FindAllStringSubmatchIndex(text, -1) {
		marker := text[m[4]:m[5]]
		if open == nil {
			open = &fenceSpan{start: m[0], marker: marker, openLine: text[m[0]:m[1]]}
			continue
		}
		if strings.HasPrefix(marker, open.marker[:1]) && len(marker) >= len(open.marker) && strings.TrimSpace(text[m[6]:m[7]]) == "" {
			open.end = m[1]
			spans = append(spans, *open)
			open = nil
		}
	}
	if open != nil {
		open.end = len(text)
		spans = append(spans, *open)
	}
	return spans
}

// spanAt returns the fence that is still open at byte offset idx.
func spanAt(spans []fenceSpan, idx int) *fenceSpan {
	for i := range spans {
		if idx > spans[i].start && idx < spans[i].end {
			return &spans[i]
		}
	}
	return nil
}

func breakIndex(window string, spans []fenceSpan) int {
	lastNewline, lastSpace := -1, -1
	for i := 0; i < len(window); i++ {
		switch window[i] {
		case '\n':
			lastNewline = i
		case ' ', '\t':
			lastSpace = i
		}
	}
	if lastNewline > 0 {
		return lastNewline
	}
	if lastSpace > 0 && spanAt(spans, lastSpace) == nil {
		return lastSpace
	}
	return -1
}

func runeBoundary(text string, limit int) int {
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	if limit == 0 {
		_, size := utf8.DecodeRuneInString(text)
		return size
	}
	return limit
}
