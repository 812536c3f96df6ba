package search

import (
	"strings"

	"github.com/yoanbernabeu/codegrep/tokenizer"
)

// Snippet returns up to maxLines lines of content around the first line that
// contains the literal query or one of its terms, starting contextLines
// before it. Without any matching line it returns the first lines.
func Snippet(content, query string, maxLines, contextLines int) string {
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	if maxLines <= 0 || maxLines > len(lines) {
		maxLines = len(lines)
	}
	if contextLines >= maxLines {
		contextLines = maxLines - 1
	}

	first := matchingLine(lines, query)
	if first < 0 {
		return strings.Join(lines[:maxLines], "\n")
	}

	start := first - contextLines
	if start < 0 {
		start = 0
	}
	end := start + maxLines
	if end > len(lines) {
		end = len(lines)
	}
	return strings.Join(lines[start:end], "\n")
}

func matchingLine(lines []string, query string) int {
	literal := strings.ToLower(strings.TrimSpace(query))
	terms := tokenizer.Terms(query)

	if literal != "" {
		for i, line := range lines {
			if strings.Contains(strings.ToLower(line), literal) {
				return i
			}
		}
	}
	for i, line := range lines {
		lower := strings.ToLower(line)
		for _, term := range terms {
			if strings.Contains(lower, term) {
				return i
			}
		}
	}
	return -1
}
