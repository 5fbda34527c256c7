package command

import (
	"strings"
	"unicode"
)

// Command represents a parsed slash command. Remainder holds everything
// after the name with surrounding whitespace trimmed, so arguments that
// contain spaces (titles, transcript names) survive untokenized.
type Command struct {
	Name      string
	Args      []string
	Raw       string
	Remainder string
}

// Parse returns the parsed command when the line starts with "/".
func Parse(input string) (Command, bool) {
	trimmed := strings.TrimLeft(input, " \t")
	if !strings.HasPrefix(trimmed, "/") {
		return Command{}, false
	}
	raw := strings.TrimSpace(trimmed[1:])
	if raw == "" {
		return Command{}, true
	}
	idx := strings.IndexFunc(raw, unicode.IsSpace)
	if idx < 0 {
		return Command{Name: strings.ToLower(raw), Raw: raw}, true
	}
	remainder := strings.TrimSpace(raw[idx:])
	return Command{
		Name:      strings.ToLower(raw[:idx]),
		Args:      strings.Fields(remainder),
		Raw:       raw,
		Remainder: remainder,
	}, true
}
