package highlight

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Kind labels a highlighted span.
type Kind string

const (
	KindKeyword Kind = "keyword"
	KindComment Kind = "comment"
	KindString  Kind = "string"
)

// Span marks a half-open byte range [Start, End) of the input.
type Span struct {
	Start int
	End   int
	Kind  Kind
}

// Alternation order is precedence: a string opening before a comment
// marker or keyword claims the range first.
var pattern = regexp.MustCompile(`(".*?"|'.*?')|(#.*)|\b(def|class|if|else|return|import|from|print)\b`)

// Highlight scans script text and returns styled spans in document
// order. Spans never overlap; a keyword inside a string or comment is
// not tagged separately. Pure function, safe for concurrent use.
func Highlight(text string) []Span {
	matches := pattern.FindAllStringSubmatchIndex(text, -1)
	spans := make([]Span, 0, len(matches))
	for _, m := range matches {
		switch {
		case m[2] >= 0:
			spans = append(spans, Span{Start: m[2], End: m[3], Kind: KindString})
		case m[4] >= 0:
			spans = append(spans, Span{Start: m[4], End: m[5], Kind: KindComment})
		case m[6] >= 0:
			spans = append(spans, Span{Start: m[6], End: m[7], Kind: KindKeyword})
		}
	}
	return spans
}

// Stats summarises a text buffer.
type Stats struct {
	Words int
	Chars int
	Lines int
}

// Measure computes word, character, and line counts. Chars counts
// runes rather than bytes; a trailing newline does not open a line.
func Measure(text string) Stats {
	return Stats{
		Words: len(strings.Fields(text)),
		Chars: utf8.RuneCountInString(text),
		Lines: countLines(text),
	}
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	n := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		n++
	}
	return n
}
