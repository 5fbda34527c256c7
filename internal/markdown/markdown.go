// Package markdown parses the markdown subset that agent responses and
// command help are written in: inline bold, italic, strikethrough, and
// code spans, plus line-level headings, bullets, quotes, and rules.
package markdown

import "strings"

// Span represents a styled slice of text.
type Span struct {
	Text   string
	Bold   bool
	Italic bool
	Strike bool
	Code   bool
}

// LineKind classifies a line at block level.
type LineKind int

const (
	// LineText is a regular paragraph line.
	LineText LineKind = iota
	// LineHeading is a #-prefixed heading.
	LineHeading
	// LineBullet is an unordered list item.
	LineBullet
	// LineQuote is a > blockquote line.
	LineQuote
	// LineRule is a horizontal rule.
	LineRule
)

// Line is one parsed markdown line: its block-level kind and the inline
// spans of its content. Level carries the heading depth for headings and
// the nesting depth for bullets, starting at 1.
type Line struct {
	Kind  LineKind
	Level int
	Spans []Span
}

// ParseLine classifies one line at block level and inline-parses the
// remaining content. Rules win over bullets so "---" is never an empty
// list item.
func ParseLine(input string) Line {
	if isRule(input) {
		return Line{Kind: LineRule}
	}
	if level, rest, ok := headingPrefix(input); ok {
		return Line{Kind: LineHeading, Level: level, Spans: ParseInline(rest)}
	}
	if depth, rest, ok := bulletPrefix(input); ok {
		return Line{Kind: LineBullet, Level: depth, Spans: ParseInline(rest)}
	}
	if rest, ok := quotePrefix(input); ok {
		return Line{Kind: LineQuote, Spans: ParseInline(rest)}
	}
	return Line{Kind: LineText, Spans: ParseInline(input)}
}

// isRule matches a run of three or more -, *, or _ and nothing else.
func isRule(input string) bool {
	trimmed := strings.TrimSpace(input)
	if len(trimmed) < 3 {
		return false
	}
	marker := rune(trimmed[0])
	if marker != '-' && marker != '*' && marker != '_' {
		return false
	}
	for _, r := range trimmed {
		if r != marker {
			return false
		}
	}
	return true
}

func headingPrefix(input string) (int, string, bool) {
	level := 0
	for level < len(input) && input[level] == '#' {
		level++
	}
	if level == 0 || level > 6 {
		return 0, "", false
	}
	if level >= len(input) || input[level] != ' ' {
		return 0, "", false
	}
	return level, strings.TrimLeft(input[level:], " "), true
}

func bulletPrefix(input string) (int, string, bool) {
	indent := 0
	for indent < len(input) && input[indent] == ' ' {
		indent++
	}
	rest := input[indent:]
	if len(rest) < 2 {
		return 0, "", false
	}
	if (rest[0] != '-' && rest[0] != '*') || rest[1] != ' ' {
		return 0, "", false
	}
	return indent/2 + 1, rest[2:], true
}

func quotePrefix(input string) (string, bool) {
	trimmed := strings.TrimLeft(input, " ")
	if trimmed != ">" && !strings.HasPrefix(trimmed, "> ") {
		return "", false
	}
	return strings.TrimPrefix(strings.TrimPrefix(trimmed, ">"), " "), true
}

// ParseInline parses inline markers into styled spans. Supported:
// **bold**, *italic*, ~~strike~~, and `code`. A backslash escapes the
// next byte, and markers inside code spans stay literal. Markers without
// a closing partner are kept as text.
func ParseInline(input string) []Span {
	if input == "" {
		return nil
	}
	var spans []Span
	var buf strings.Builder
	var cur Span

	flush := func() {
		if buf.Len() == 0 {
			return
		}
		cur.Text = buf.String()
		spans = append(spans, cur)
		buf.Reset()
	}

	for i := 0; i < len(input); {
		ch := input[i]
		if ch == '\\' && i+1 < len(input) {
			buf.WriteByte(input[i+1])
			i += 2
			continue
		}
		if ch == '`' {
			if cur.Code {
				flush()
				cur.Code = false
				i++
				continue
			}
			if strings.Contains(input[i+1:], "`") {
				flush()
				cur.Code = true
				i++
				continue
			}
		}
		if !cur.Code {
			if strings.HasPrefix(input[i:], "~~") {
				if cur.Strike {
					flush()
					cur.Strike = false
					i += 2
					continue
				}
				if strings.Contains(input[i+2:], "~~") {
					flush()
					cur.Strike = true
					i += 2
					continue
				}
			}
			if ch == '*' {
				if strings.HasPrefix(input[i:], "**") {
					if cur.Bold {
						flush()
						cur.Bold = false
						i += 2
						continue
					}
					if strings.Contains(input[i+2:], "**") {
						flush()
						cur.Bold = true
						i += 2
						continue
					}
					buf.WriteString("**")
					i += 2
					continue
				}
				if cur.Italic {
					flush()
					cur.Italic = false
					i++
					continue
				}
				if strings.Contains(input[i+1:], "*") {
					flush()
					cur.Italic = true
					i++
					continue
				}
			}
		}
		buf.WriteByte(ch)
		i++
	}
	flush()
	return spans
}
