// Package chunk splits final answers into ordered segments that respect the
// transport's hard message-size ceiling. Splitting prefers line boundaries
// so formatting survives; content is never dropped or reordered.
package chunk

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Split breaks text into chunks of at most maxSize characters each,
// preferring newline boundaries. A single line longer than maxSize is
// hard-wrapped. Concatenating the returned chunk bodies (ignoring the
// part markers added by Decorate) reproduces the input exactly.
func Split(text string, maxSize int) []string {
	if maxSize < 1 {
		maxSize = 1
	}
	if len(text) <= maxSize {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}

	lines := strings.SplitAfter(text, "\n")
	for _, line := range lines {
		// Hard-wrap lines that alone exceed the limit. The cut backs off
		// to a rune boundary so no chunk is ever invalid UTF-8.
		for len(line) > maxSize {
			cut := maxSize
			for cut > 0 && !utf8.RuneStart(line[cut]) {
				cut--
			}
			if cut == 0 {
				cut = maxSize
			}
			flush()
			chunks = append(chunks, line[:cut])
			line = line[cut:]
		}
		if current.Len()+len(line) > maxSize {
			flush()
		}
		current.WriteString(line)
	}
	flush()

	return chunks
}

// Decorate prefixes each chunk with an ordered "[i/n]" indicator.
// Single-chunk messages are returned unmarked.
func Decorate(chunks []string) []string {
	n := len(chunks)
	if n <= 1 {
		return chunks
	}
	out := make([]string, n)
	for i, c := range chunks {
		out[i] = fmt.Sprintf("[%d/%d]\n%s", i+1, n, c)
	}
	return out
}
