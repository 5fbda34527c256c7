package sshserver

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/qbit-ai/qbitsync/internal/markdown"
	"github.com/qbit-ai/qbitsync/schema"
)

type lineKind int

const (
	lineShell lineKind = iota
	linePrompt
	lineAgent
	lineReasoning
	lineTool
	lineCommand
	lineNotice
	lineSummary
	lineError
	lineHelp
)

type lineInfo struct {
	kind lineKind
	text string
}

// classifyLine maps a marked output line to its display kind. Lines
// without a marker are cooked terminal output or plain command results.
func classifyLine(raw string) lineInfo {
	switch {
	case strings.HasPrefix(raw, schema.PromptMarker):
		return lineInfo{kind: linePrompt, text: strings.TrimPrefix(raw, schema.PromptMarker)}
	case strings.HasPrefix(raw, schema.AgentMarker):
		return lineInfo{kind: lineAgent, text: strings.TrimPrefix(raw, schema.AgentMarker)}
	case strings.HasPrefix(raw, schema.ReasoningMarker):
		return lineInfo{kind: lineReasoning, text: strings.TrimPrefix(raw, schema.ReasoningMarker)}
	case strings.HasPrefix(raw, schema.ToolMarker):
		return lineInfo{kind: lineTool, text: strings.TrimPrefix(raw, schema.ToolMarker)}
	case strings.HasPrefix(raw, schema.CommandMarker):
		return lineInfo{kind: lineCommand, text: strings.TrimPrefix(raw, schema.CommandMarker)}
	case strings.HasPrefix(raw, schema.NoticeMarker):
		return lineInfo{kind: lineNotice, text: strings.TrimPrefix(raw, schema.NoticeMarker)}
	case strings.HasPrefix(raw, schema.TurnSummaryMarker):
		return lineInfo{kind: lineSummary, text: strings.TrimPrefix(raw, schema.TurnSummaryMarker)}
	case strings.HasPrefix(raw, schema.HelpMarker):
		return lineInfo{kind: lineHelp, text: strings.TrimPrefix(raw, schema.HelpMarker)}
	case strings.HasPrefix(raw, "error:"):
		return lineInfo{kind: lineError, text: raw}
	default:
		return lineInfo{kind: lineShell, text: raw}
	}
}

// renderLines styles and wraps one raw line into display lines.
func renderLines(raw string, width int, theme tuiTheme) []string {
	if width <= 0 {
		width = 80
	}
	info := classifyLine(raw)
	switch info.kind {
	case linePrompt:
		return wrapStyledLines(sanitizeOutputLine(info.text), width, ansiBold+ansiFgRGB(theme.UserFG))
	case lineAgent:
		return renderMarkdownLines(info.text, width, agentMarkdownStyle(theme))
	case lineReasoning:
		return renderMarkdownLines(info.text, width, reasoningMarkdownStyle(theme))
	case lineTool:
		return wrapStyledLines(sanitizeOutputLine(info.text), width, ansiFgRGB(theme.ToolFG))
	case lineCommand:
		return wrapStyledLines(sanitizeOutputLine(info.text), width, ansiFgRGB(theme.CommandFG))
	case lineNotice:
		return wrapStyledLines(sanitizeOutputLine(info.text), width, ansiFgRGB(theme.NoticeFG))
	case lineSummary:
		return []string{renderSummaryLine(info.text, width, theme)}
	case lineError:
		return wrapStyledLines(sanitizeOutputLine(info.text), width, ansiFgRGB(theme.ErrorFG))
	case lineHelp:
		return renderMarkdownLines(info.text, width, helpMarkdownStyle(theme))
	default:
		return wrapPlainLines(sanitizeOutputLine(info.text), width)
	}
}

// markdownStyle holds the SGR prefixes for each span flavor plus the
// heading override.
type markdownStyle struct {
	base    string
	bold    string
	italic  string
	strike  string
	code    string
	heading string
}

func agentMarkdownStyle(theme tuiTheme) markdownStyle {
	fg := ansiFgRGB(theme.AgentFG)
	return markdownStyle{
		base:    fg,
		bold:    ansiBold + fg,
		italic:  ansiItalic + fg,
		strike:  ansiStrike + fg,
		code:    ansiBgRGB(theme.CodeBG) + ansiFgRGB(theme.CodeFG),
		heading: ansiBold + ansiUnderline + fg,
	}
}

func reasoningMarkdownStyle(theme tuiTheme) markdownStyle {
	fg := ansiDim + ansiItalic + ansiFgRGB(theme.ReasoningFG)
	return markdownStyle{
		base:    fg,
		bold:    ansiDim + ansiBold + ansiFgRGB(theme.ReasoningFG),
		italic:  fg,
		strike:  ansiDim + ansiStrike + ansiFgRGB(theme.ReasoningFG),
		code:    ansiDim + ansiBgRGB(theme.CodeBG) + ansiFgRGB(theme.CodeFG),
		heading: ansiDim + ansiBold + ansiFgRGB(theme.ReasoningFG),
	}
}

func helpMarkdownStyle(theme tuiTheme) markdownStyle {
	return markdownStyle{
		base:    ansiFgRGB(theme.AgentFG),
		bold:    ansiBold + ansiFgRGB(theme.PromptFG),
		italic:  ansiItalic + ansiFgRGB(theme.AgentFG),
		strike:  ansiStrike + ansiFgRGB(theme.AgentFG),
		code:    ansiBgRGB(theme.CodeBG) + ansiFgRGB(theme.CodeFG),
		heading: ansiBold + ansiFgRGB(theme.PromptFG),
	}
}

type styledToken struct {
	text  string
	style string
}

// renderMarkdownLines styles one markdown line for the terminal: rules
// become a full-width bar, headings take the heading style, bullets and
// quotes get their glyph prefix, and inline spans wrap at width.
func renderMarkdownLines(text string, width int, style markdownStyle) []string {
	line := markdown.ParseLine(sanitizeOutputLine(text))
	switch line.Kind {
	case markdown.LineRule:
		return []string{style.base + strings.Repeat("─", width) + ansiReset}
	case markdown.LineHeading:
		return wrapSpanTokens(line.Spans, width, style, style.heading, "")
	case markdown.LineBullet:
		indent := strings.Repeat("  ", line.Level-1)
		return wrapSpanTokens(line.Spans, width, style, "", indent+"• ")
	case markdown.LineQuote:
		return wrapSpanTokens(line.Spans, width, style, style.italic, "│ ")
	default:
		return wrapSpanTokens(line.Spans, width, style, "", "")
	}
}

// wrapSpanTokens wraps styled spans at width. A non-empty override
// replaces the per-span style for everything but code, and prefix is
// emitted ahead of the first span in the base style.
func wrapSpanTokens(spans []markdown.Span, width int, style markdownStyle, override, prefix string) []string {
	if len(spans) == 0 && prefix == "" {
		return []string{""}
	}
	var tokens []styledToken
	if prefix != "" {
		tokens = append(tokens, styledToken{text: prefix, style: style.base})
	}
	for _, span := range spans {
		sgr := style.base
		switch {
		case span.Code:
			sgr = style.code
		case span.Bold:
			sgr = style.bold
		case span.Strike:
			sgr = style.strike
		case span.Italic:
			sgr = style.italic
		}
		if override != "" && !span.Code {
			sgr = override
		}
		tokens = append(tokens, splitStyledTokens(span.Text, sgr)...)
	}
	return wrapStyledTokens(tokens, width)
}

// splitStyledTokens splits text into alternating word and space runs so
// the wrapper can break between words.
func splitStyledTokens(text, style string) []styledToken {
	var tokens []styledToken
	var buf []rune
	space := false
	flush := func() {
		if len(buf) == 0 {
			return
		}
		tokens = append(tokens, styledToken{text: string(buf), style: style})
		buf = buf[:0]
	}
	for _, r := range text {
		isSpace := r == ' '
		if len(buf) > 0 && isSpace != space {
			flush()
		}
		space = isSpace
		buf = append(buf, r)
	}
	flush()
	return tokens
}

func wrapStyledTokens(tokens []styledToken, width int) []string {
	if width <= 0 {
		width = 80
	}
	var lines []string
	var b strings.Builder
	col := 0
	newline := func() {
		lines = append(lines, b.String()+ansiReset)
		b.Reset()
		col = 0
	}
	for _, tok := range tokens {
		runes := []rune(tok.text)
		if strings.TrimSpace(tok.text) == "" {
			if col == 0 {
				continue
			}
			if col+len(runes) > width {
				newline()
				continue
			}
			b.WriteString(tok.style)
			b.WriteString(tok.text)
			col += len(runes)
			continue
		}
		if col > 0 && col+len(runes) > width {
			newline()
		}
		for len(runes) > width {
			b.WriteString(tok.style)
			b.WriteString(string(runes[:width]))
			runes = runes[width:]
			newline()
		}
		if len(runes) > 0 {
			b.WriteString(tok.style)
			b.WriteString(string(runes))
			col += len(runes)
		}
	}
	if b.Len() > 0 || len(lines) == 0 {
		newline()
	}
	return lines
}

func wrapStyledLines(text string, width int, style string) []string {
	wrapped := wrapPlainLines(text, width)
	out := make([]string, 0, len(wrapped))
	for _, line := range wrapped {
		if line == "" {
			out = append(out, "")
			continue
		}
		out = append(out, style+line+ansiReset)
	}
	return out
}

// wrapPlainLines word-wraps text at width, hard-splitting words longer
// than a full line. Interior space runs survive except at break points.
func wrapPlainLines(text string, width int) []string {
	if width <= 0 {
		width = 80
	}
	runes := []rune(text)
	if len(runes) <= width {
		return []string{text}
	}
	var lines []string
	line := make([]rune, 0, width)
	lastSpace := -1
	for _, r := range runes {
		line = append(line, r)
		if r == ' ' {
			lastSpace = len(line) - 1
		}
		if len(line) < width {
			continue
		}
		if lastSpace > 0 {
			lines = append(lines, string(line[:lastSpace]))
			rest := append(make([]rune, 0, width), line[lastSpace+1:]...)
			line = rest
		} else {
			lines = append(lines, string(line))
			line = line[:0]
		}
		lastSpace = -1
		for i, rr := range line {
			if rr == ' ' {
				lastSpace = i
			}
		}
	}
	if len(line) > 0 {
		lines = append(lines, string(line))
	}
	if len(lines) == 0 {
		lines = []string{""}
	}
	return lines
}

// renderSummaryLine draws a full-width rule with the label inset, used
// for turn summaries and command output headings.
func renderSummaryLine(label string, width int, theme tuiTheme) string {
	if width <= 0 {
		width = 80
	}
	label = strings.TrimSpace(sanitizeOutputLine(label))
	style := ansiFgRGB(theme.SummaryFG)
	if label == "" {
		return style + strings.Repeat("─", width) + ansiReset
	}
	head := "── " + label + " "
	headRunes := []rune(head)
	if len(headRunes) > width {
		return style + string(headRunes[:width]) + ansiReset
	}
	return style + head + strings.Repeat("─", width-len(headRunes)) + ansiReset
}

// renderTabBar draws one tab per session with a number, title, and state
// glyph. When the labels overflow, a window that keeps the current
// session visible is shown with overflow indicators.
func renderTabBar(sessions []schema.SessionSnapshot, current schema.SessionID, width int, theme tuiTheme, windowStart int) (string, int) {
	if width <= 0 {
		width = 80
	}
	barStyle := ansiBgRGB(theme.TabBarBG) + ansiFgRGB(theme.TabInactiveFG)
	activeStyle := ansiBgRGB(theme.TabActiveBG) + ansiFgRGB(theme.TabActiveFG) + ansiBold
	inactiveStyle := ansiBgRGB(theme.TabInactiveBG) + ansiFgRGB(theme.TabInactiveFG)

	var b strings.Builder
	b.WriteString(barStyle)
	if len(sessions) == 0 {
		label := " no sessions "
		b.WriteString(label)
		pad := width - utf8.RuneCountInString(label)
		if pad > 0 {
			b.WriteString(strings.Repeat(" ", pad))
		}
		b.WriteString(ansiReset)
		return b.String(), 0
	}

	labels := make([]string, len(sessions))
	widths := make([]int, len(sessions))
	currentIndex := 0
	total := 0
	for i, sess := range sessions {
		labels[i] = " " + tabLabel(i, sess) + " "
		widths[i] = utf8.RuneCountInString(labels[i])
		total += widths[i]
		if sess.ID == current {
			currentIndex = i
		}
	}

	start, end := 0, len(sessions)
	leftMark, rightMark := "", ""
	if total > width {
		start, end = tabWindow(widths, currentIndex, windowStart, width)
		if start > 0 {
			leftMark = "<"
		}
		if end < len(sessions) {
			rightMark = ">"
		}
	}

	used := 0
	if leftMark != "" {
		b.WriteString(leftMark)
		used++
	}
	for i := start; i < end; i++ {
		if i == currentIndex {
			b.WriteString(activeStyle)
		} else {
			b.WriteString(inactiveStyle)
		}
		b.WriteString(labels[i])
		b.WriteString(barStyle)
		used += widths[i]
	}
	if rightMark != "" {
		b.WriteString(rightMark)
		used++
	}
	if pad := width - used; pad > 0 {
		b.WriteString(strings.Repeat(" ", pad))
	}
	b.WriteString(ansiReset)
	return b.String(), start
}

func tabLabel(index int, sess schema.SessionSnapshot) string {
	title := strings.TrimSpace(sess.Title)
	if title == "" {
		title = string(sess.ID)
	}
	title = truncateLabel(title, 12)
	glyph := ""
	switch {
	case !sess.Running():
		glyph = "×"
	case sess.AgentBusy():
		glyph = "*"
	}
	return strconv.Itoa(index+1) + ":" + title + glyph
}

func truncateLabel(name string, max int) string {
	runes := []rune(name)
	if len(runes) <= max {
		return name
	}
	if max <= 1 {
		return string(runes[:max])
	}
	return string(runes[:max-1]) + "…"
}

// tabWindow keeps the current tab visible, sliding the previous window
// only when the current tab would fall outside it.
func tabWindow(widths []int, currentIndex, windowStart, width int) (int, int) {
	if windowStart < 0 || windowStart >= len(widths) {
		windowStart = 0
	}
	if currentIndex < windowStart {
		windowStart = currentIndex
	}
	avail := width - 2
	if avail < 1 {
		avail = 1
	}
	for {
		end := windowStart
		used := 0
		for end < len(widths) && used+widths[end] <= avail {
			used += widths[end]
			end++
		}
		if end == windowStart && end < len(widths) {
			end++ // an oversized label still shows, clipped by the screen
		}
		if currentIndex < end || windowStart >= len(widths)-1 {
			return windowStart, end
		}
		windowStart++
	}
}

// renderStatusLine lays out left and right segments on one styled bar.
func renderStatusLine(left, right string, width int, theme tuiTheme) string {
	if width <= 0 {
		width = 80
	}
	style := ansiBgRGB(theme.StatusBG) + ansiFgRGB(theme.StatusFG)
	leftW := visibleWidth(left)
	rightW := visibleWidth(right)
	if leftW+rightW+1 > width {
		keep := width - rightW - 1
		if keep < 0 {
			keep = 0
		}
		left = trimANSIToWidth(left, keep)
		leftW = visibleWidth(left)
	}
	pad := width - leftW - rightW
	if pad < 1 {
		pad = 1
	}
	return style + left + strings.Repeat(" ", pad) + right + ansiReset
}

// renderViewport fills height display lines from raw view lines, keeping
// the tail when pinned to the bottom and the head when scrolled back.
func renderViewport(viewLines []string, width, height int, theme tuiTheme, atBottom bool) []string {
	if height <= 0 {
		return nil
	}
	rendered := make([]string, 0, height)
	if atBottom {
		var flat []string
		for _, raw := range viewLines {
			flat = append(flat, renderLines(raw, width, theme)...)
		}
		if len(flat) > height {
			flat = flat[len(flat)-height:]
		}
		rendered = append(rendered, flat...)
	} else {
		for _, raw := range viewLines {
			if len(rendered) >= height {
				break
			}
			for _, line := range renderLines(raw, width, theme) {
				if len(rendered) >= height {
					break
				}
				rendered = append(rendered, line)
			}
		}
	}
	for len(rendered) < height {
		rendered = append(rendered, "")
	}
	return rendered
}

// renderInputLines wraps the editor content under the prompt prefix and
// reports the cursor cell. Continuation lines are indented two cells.
// cursorRow is 1-based within the returned lines, cursorCol is 1-based.
func renderInputLines(prefix, input string, cursor, width int) ([]string, int, int) {
	if width <= 0 {
		width = 80
	}
	prefixWidth := visibleWidth(prefix)
	if prefixWidth >= width {
		prefix = trimANSIToWidth(prefix, width-1)
		prefixWidth = visibleWidth(prefix)
	}
	const indentWidth = 2
	availFirst := width - prefixWidth
	if availFirst < 1 {
		availFirst = 1
	}
	availRest := width - indentWidth
	if availRest < 1 {
		availRest = 1
	}

	runes := []rune(input)
	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(runes) {
		cursor = len(runes)
	}

	var rows []string
	var row []rune
	cursorRow, cursorCol := 1, prefixWidth+1
	avail := availFirst
	indentFor := func(rowIndex int) int {
		if rowIndex == 0 {
			return prefixWidth
		}
		return indentWidth
	}
	flush := func() {
		rows = append(rows, string(row))
		row = nil
		avail = availRest
	}
	for i := 0; i <= len(runes); i++ {
		if i == len(runes) {
			if i == cursor {
				if len(row) >= avail {
					flush()
				}
				cursorRow = len(rows) + 1
				cursorCol = indentFor(len(rows)) + len(row) + 1
			}
			break
		}
		r := runes[i]
		if r == '\n' {
			if i == cursor {
				cursorRow = len(rows) + 1
				cursorCol = indentFor(len(rows)) + len(row) + 1
			}
			flush()
			continue
		}
		if len(row) >= avail {
			flush()
		}
		if i == cursor {
			cursorRow = len(rows) + 1
			cursorCol = indentFor(len(rows)) + len(row) + 1
		}
		row = append(row, r)
	}
	flush()

	lines := make([]string, len(rows))
	for i, content := range rows {
		if i == 0 {
			lines[i] = prefix + content
		} else {
			lines[i] = strings.Repeat(" ", indentWidth) + content
		}
	}
	return lines, cursorRow, cursorCol
}

// sanitizeOutputLine strips escape sequences and control bytes, expanding
// tabs to four spaces.
func sanitizeOutputLine(text string) string {
	clean := true
	for i := 0; i < len(text); i++ {
		if text[i] < 0x20 || text[i] == 0x7f {
			clean = false
			break
		}
	}
	if clean {
		return text
	}
	var b strings.Builder
	for i := 0; i < len(text); {
		c := text[i]
		switch {
		case c == 0x1b:
			i = skipEscape(text, i)
		case c == '\t':
			b.WriteString("    ")
			i++
		case c < 0x20 || c == 0x7f:
			i++
		default:
			r, size := utf8.DecodeRuneInString(text[i:])
			b.WriteRune(r)
			i += size
		}
	}
	return b.String()
}

// skipEscape returns the index just past the escape sequence starting at
// i, which must point at an ESC byte.
func skipEscape(text string, i int) int {
	if i+1 >= len(text) {
		return len(text)
	}
	switch text[i+1] {
	case '[':
		return skipCSI(text, i+2)
	case ']':
		return skipOSC(text, i+2)
	case '(', ')':
		if i+3 <= len(text) {
			return i + 3
		}
		return len(text)
	default:
		return i + 2
	}
}

func skipCSI(text string, i int) int {
	for i < len(text) {
		c := text[i]
		i++
		if c >= 0x40 && c <= 0x7e {
			break
		}
	}
	return i
}

func skipOSC(text string, i int) int {
	for i < len(text) {
		c := text[i]
		if c == 0x07 {
			return i + 1
		}
		if c == 0x1b && i+1 < len(text) && text[i+1] == '\\' {
			return i + 2
		}
		i++
	}
	return i
}

// visibleWidth counts display cells, skipping escape sequences.
func visibleWidth(text string) int {
	width := 0
	for i := 0; i < len(text); {
		if text[i] == 0x1b {
			i = skipEscape(text, i)
			continue
		}
		_, size := utf8.DecodeRuneInString(text[i:])
		i += size
		width++
	}
	return width
}

// trimANSIToWidth truncates to width display cells, keeping escape
// sequences intact so styling stays balanced.
func trimANSIToWidth(text string, width int) string {
	var b strings.Builder
	count := 0
	for i := 0; i < len(text); {
		if text[i] == 0x1b {
			next := skipEscape(text, i)
			b.WriteString(text[i:next])
			i = next
			continue
		}
		if count >= width {
			break
		}
		r, size := utf8.DecodeRuneInString(text[i:])
		b.WriteRune(r)
		i += size
		count++
	}
	return b.String()
}
