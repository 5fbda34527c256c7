package sshserver

import (
	"strings"
	"testing"
	"time"

	"github.com/qbit-ai/qbitsync/schema"
)

func TestClassifyLine(t *testing.T) {
	cases := []struct {
		raw  string
		kind lineKind
		text string
	}{
		{schema.PromptMarker + "build it", linePrompt, "build it"},
		{schema.AgentMarker + "done", lineAgent, "done"},
		{schema.ReasoningMarker + "hmm", lineReasoning, "hmm"},
		{schema.ToolMarker + "bash", lineTool, "bash"},
		{schema.CommandMarker + "$ ls", lineCommand, "$ ls"},
		{schema.NoticeMarker + "compacted", lineNotice, "compacted"},
		{schema.TurnSummaryMarker + "turn", lineSummary, "turn"},
		{schema.HelpMarker + "**/help**", lineHelp, "**/help**"},
		{"error: no such session", lineError, "error: no such session"},
		{"plain shell output", lineShell, "plain shell output"},
	}
	for _, tc := range cases {
		info := classifyLine(tc.raw)
		if info.kind != tc.kind {
			t.Fatalf("%q: expected kind %v, got %v", tc.raw, tc.kind, info.kind)
		}
		if info.text != tc.text {
			t.Fatalf("%q: expected text %q, got %q", tc.raw, tc.text, info.text)
		}
	}
}

func TestWrapPlainLines(t *testing.T) {
	got := wrapPlainLines("alpha beta gamma", 10)
	want := []string{"alpha", "beta", "gamma"}
	if len(got) != len(want) {
		t.Fatalf("expected %d lines, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("line %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestWrapPlainLinesHardSplit(t *testing.T) {
	got := wrapPlainLines("abcdefghij", 4)
	want := []string{"abcd", "efgh", "ij"}
	if len(got) != len(want) {
		t.Fatalf("expected %d lines, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("line %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestWrapPlainLinesShortPassthrough(t *testing.T) {
	got := wrapPlainLines("hi", 10)
	if len(got) != 1 || got[0] != "hi" {
		t.Fatalf("expected single unchanged line, got %v", got)
	}
}

func TestRenderMarkdownAgentLine(t *testing.T) {
	theme := themeForName(schema.DefaultTheme)
	lines := renderLines(schema.AgentMarker+"a **bold** word", 40, theme)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if !strings.Contains(lines[0], ansiBold) {
		t.Fatalf("expected bold sequence in %q", lines[0])
	}
	if !strings.HasSuffix(lines[0], ansiReset) {
		t.Fatalf("expected reset suffix in %q", lines[0])
	}
	if !strings.Contains(lines[0], "bold") {
		t.Fatalf("expected span text in %q", lines[0])
	}
	if strings.Contains(lines[0], "**") {
		t.Fatalf("expected markers consumed in %q", lines[0])
	}
}

func TestRenderMarkdownReasoningDimmed(t *testing.T) {
	theme := themeForName(schema.DefaultTheme)
	lines := renderLines(schema.ReasoningMarker+"thinking", 40, theme)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if !strings.Contains(lines[0], ansiDim) {
		t.Fatalf("expected dim sequence in %q", lines[0])
	}
}

func TestRenderMarkdownCodeSpan(t *testing.T) {
	theme := themeForName(schema.DefaultTheme)
	lines := renderLines(schema.AgentMarker+"run `go doc`", 40, theme)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if !strings.Contains(lines[0], ansiBgRGB(theme.CodeBG)) {
		t.Fatalf("expected code background in %q", lines[0])
	}
	if !strings.Contains(lines[0], "go doc") {
		t.Fatalf("expected code text in %q", lines[0])
	}
}

func TestRenderMarkdownWraps(t *testing.T) {
	theme := themeForName(schema.DefaultTheme)
	lines := renderLines(schema.AgentMarker+"one two three four", 9, theme)
	if len(lines) < 2 {
		t.Fatalf("expected wrapped lines, got %v", lines)
	}
	for _, line := range lines {
		if got := visibleWidth(line); got > 9 {
			t.Fatalf("expected width <= 9, got %d in %q", got, line)
		}
	}
}

func TestRenderMarkdownHeadingStyled(t *testing.T) {
	theme := themeForName(schema.DefaultTheme)
	lines := renderLines(schema.AgentMarker+"## Plan", 40, theme)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if !strings.Contains(lines[0], ansiUnderline) {
		t.Fatalf("expected heading underline in %q", lines[0])
	}
	if strings.Contains(lines[0], "#") {
		t.Fatalf("expected heading markers consumed in %q", lines[0])
	}
}

func TestRenderMarkdownBulletGlyph(t *testing.T) {
	theme := themeForName(schema.DefaultTheme)
	lines := renderLines(schema.AgentMarker+"- first", 40, theme)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "• ") || !strings.Contains(lines[0], "first") {
		t.Fatalf("expected bullet glyph and text in %q", lines[0])
	}
	nested := renderLines(schema.AgentMarker+"  - second", 40, theme)
	if !strings.Contains(nested[0], "  • ") {
		t.Fatalf("expected nested indent in %q", nested[0])
	}
}

func TestRenderMarkdownQuoteBar(t *testing.T) {
	theme := themeForName(schema.DefaultTheme)
	lines := renderLines(schema.AgentMarker+"> cited", 40, theme)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "│ ") {
		t.Fatalf("expected quote bar in %q", lines[0])
	}
	if !strings.Contains(lines[0], ansiItalic) {
		t.Fatalf("expected italic quote body in %q", lines[0])
	}
}

func TestRenderMarkdownRuleFillsWidth(t *testing.T) {
	theme := themeForName(schema.DefaultTheme)
	lines := renderLines(schema.AgentMarker+"---", 20, theme)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if got := visibleWidth(lines[0]); got != 20 {
		t.Fatalf("expected full width rule, got %d", got)
	}
	if !strings.Contains(lines[0], "─") {
		t.Fatalf("expected rule glyphs in %q", lines[0])
	}
}

func TestRenderMarkdownStrike(t *testing.T) {
	theme := themeForName(schema.DefaultTheme)
	lines := renderLines(schema.AgentMarker+"~~old~~ new", 40, theme)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if !strings.Contains(lines[0], ansiStrike) {
		t.Fatalf("expected strike sequence in %q", lines[0])
	}
	if strings.Contains(lines[0], "~~") {
		t.Fatalf("expected markers consumed in %q", lines[0])
	}
}

func TestRenderSummaryLine(t *testing.T) {
	theme := themeForName(schema.DefaultTheme)
	line := renderSummaryLine("usage", 20, theme)
	if got := visibleWidth(line); got != 20 {
		t.Fatalf("expected full width rule, got %d", got)
	}
	if !strings.Contains(line, "── usage ") {
		t.Fatalf("expected label inset in %q", line)
	}
	bare := renderSummaryLine("", 10, theme)
	if got := visibleWidth(bare); got != 10 {
		t.Fatalf("expected bare rule width 10, got %d", got)
	}
}

func TestSanitizeOutputLine(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"a\x1b[31mb", "ab"},
		{"x\x1b]0;title\x07y", "xy"},
		{"tab\there", "tab    here"},
		{"bell\x07gone", "bellgone"},
		{"åäö", "åäö"},
	}
	for _, tc := range cases {
		if got := sanitizeOutputLine(tc.in); got != tc.want {
			t.Fatalf("%q: expected %q, got %q", tc.in, tc.want, got)
		}
	}
}

func TestVisibleWidthSkipsEscapes(t *testing.T) {
	styled := ansiBold + "héllo" + ansiReset
	if got := visibleWidth(styled); got != 5 {
		t.Fatalf("expected width 5, got %d", got)
	}
}

func TestTrimANSIToWidth(t *testing.T) {
	styled := ansiBold + "hello"
	trimmed := trimANSIToWidth(styled, 3)
	if got := visibleWidth(trimmed); got != 3 {
		t.Fatalf("expected width 3, got %d", got)
	}
	if !strings.HasPrefix(trimmed, ansiBold) {
		t.Fatalf("expected style kept in %q", trimmed)
	}
}

func TestRenderTabBarFullWidth(t *testing.T) {
	sessions := []schema.SessionSnapshot{
		{ID: "s1", Title: "alpha"},
		{ID: "s2", Title: "beta"},
	}
	theme := themeForName(schema.DefaultTheme)
	line, _ := renderTabBar(sessions, "s2", 40, theme, 0)
	if got := visibleWidth(line); got != 40 {
		t.Fatalf("expected tab bar width 40, got %d", got)
	}
	if !strings.Contains(line, ansiBgRGB(theme.TabActiveBG)) {
		t.Fatalf("expected active tab background color sequence")
	}
	if !strings.HasSuffix(line, ansiReset) {
		t.Fatalf("expected tab bar to reset styles")
	}
	if !strings.Contains(line, "1:alpha") || !strings.Contains(line, "2:beta") {
		t.Fatalf("expected numbered labels in %q", line)
	}
}

func TestRenderTabBarEmpty(t *testing.T) {
	theme := themeForName(schema.DefaultTheme)
	line, start := renderTabBar(nil, "", 30, theme, 0)
	if start != 0 {
		t.Fatalf("expected window start 0, got %d", start)
	}
	if !strings.Contains(line, "no sessions") {
		t.Fatalf("expected placeholder in %q", line)
	}
	if got := visibleWidth(line); got != 30 {
		t.Fatalf("expected width 30, got %d", got)
	}
}

func TestRenderTabBarIndicators(t *testing.T) {
	theme := themeForName(schema.DefaultTheme)
	sessions := []schema.SessionSnapshot{
		{ID: "s1", Title: "alpha"},
		{ID: "s2", Title: "beta"},
		{ID: "s3", Title: "gamma"},
		{ID: "s4", Title: "delta"},
		{ID: "s5", Title: "epsilon"},
	}
	line, start := renderTabBar(sessions, "s3", 20, theme, 0)
	if !strings.Contains(line, "<") {
		t.Fatalf("expected left indicator for hidden tabs")
	}
	if !strings.Contains(line, ">") {
		t.Fatalf("expected right indicator for hidden tabs")
	}
	if start == 0 {
		t.Fatalf("expected window to slide toward current tab")
	}

	line, _ = renderTabBar(sessions, "s1", 20, theme, 0)
	if strings.Contains(line, "<") {
		t.Fatalf("did not expect left indicator when at first tab")
	}
	if !strings.Contains(line, ">") {
		t.Fatalf("expected right indicator when more tabs exist")
	}
}

func TestRenderTabBarGlyphs(t *testing.T) {
	theme := themeForName(schema.DefaultTheme)
	ended := time.Now()
	sessions := []schema.SessionSnapshot{
		{ID: "s1", Title: "dead", EndedAt: ended},
		{ID: "s2", Title: "busy", Phase: schema.PhaseThinking},
	}
	line, _ := renderTabBar(sessions, "s1", 60, theme, 0)
	if !strings.Contains(line, "1:dead×") {
		t.Fatalf("expected ended glyph in %q", line)
	}
	if !strings.Contains(line, "2:busy*") {
		t.Fatalf("expected busy glyph in %q", line)
	}
}

func TestTruncateLabel(t *testing.T) {
	if got := truncateLabel("short", 12); got != "short" {
		t.Fatalf("expected unchanged label, got %q", got)
	}
	got := truncateLabel("extraordinarily", 12)
	if len([]rune(got)) != 12 || !strings.HasSuffix(got, "…") {
		t.Fatalf("expected 12-rune ellipsis label, got %q", got)
	}
}

func TestRenderStatusLine(t *testing.T) {
	theme := themeForName(schema.DefaultTheme)
	line := renderStatusLine(" left", "right ", 30, theme)
	if got := visibleWidth(line); got != 30 {
		t.Fatalf("expected width 30, got %d", got)
	}
	if !strings.Contains(line, "left") || !strings.Contains(line, "right") {
		t.Fatalf("expected both segments in %q", line)
	}
}

func TestRenderStatusLineTrimsLeft(t *testing.T) {
	theme := themeForName(schema.DefaultTheme)
	line := renderStatusLine(strings.Repeat("a", 40), "right", 20, theme)
	if got := visibleWidth(line); got != 20 {
		t.Fatalf("expected width 20, got %d", got)
	}
	if !strings.Contains(line, "right") {
		t.Fatalf("expected right segment kept in %q", line)
	}
}

func TestRenderViewportKeepsTail(t *testing.T) {
	theme := themeForName(schema.DefaultTheme)
	raw := []string{"l1", "l2", "l3", "l4", "l5"}
	got := renderViewport(raw, 80, 3, theme, true)
	if len(got) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(got))
	}
	if got[0] != "l3" || got[2] != "l5" {
		t.Fatalf("expected tail lines, got %v", got)
	}
}

func TestRenderViewportKeepsHeadWhenScrolled(t *testing.T) {
	theme := themeForName(schema.DefaultTheme)
	raw := []string{"l1", "l2", "l3", "l4", "l5"}
	got := renderViewport(raw, 80, 3, theme, false)
	if len(got) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(got))
	}
	if got[0] != "l1" || got[2] != "l3" {
		t.Fatalf("expected head lines, got %v", got)
	}
}

func TestRenderViewportPadsShortContent(t *testing.T) {
	theme := themeForName(schema.DefaultTheme)
	got := renderViewport([]string{"only"}, 80, 4, theme, true)
	if len(got) != 4 {
		t.Fatalf("expected 4 lines, got %d", len(got))
	}
	if got[0] != "only" || got[3] != "" {
		t.Fatalf("expected padded viewport, got %v", got)
	}
}

func TestRenderInputLinesSingle(t *testing.T) {
	lines, row, col := renderInputLines("> ", "hello", 5, 10)
	if len(lines) != 1 || lines[0] != "> hello" {
		t.Fatalf("expected single prompt line, got %v", lines)
	}
	if row != 1 || col != 8 {
		t.Fatalf("expected cursor 1,8, got %d,%d", row, col)
	}
}

func TestRenderInputLinesMultiline(t *testing.T) {
	lines, row, col := renderInputLines("> ", "ab\ncd", 5, 10)
	want := []string{"> ab", "  cd"}
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %v", len(want), lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d: expected %q, got %q", i, want[i], lines[i])
		}
	}
	if row != 2 || col != 5 {
		t.Fatalf("expected cursor 2,5, got %d,%d", row, col)
	}
}

func TestRenderInputLinesWrap(t *testing.T) {
	lines, row, col := renderInputLines("> ", strings.Repeat("a", 12), 12, 10)
	want := []string{"> aaaaaaaa", "  aaaa"}
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %v", len(want), lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d: expected %q, got %q", i, want[i], lines[i])
		}
	}
	if row != 2 || col != 7 {
		t.Fatalf("expected cursor 2,7, got %d,%d", row, col)
	}
}

func TestRenderInputLinesCursorMidline(t *testing.T) {
	_, row, col := renderInputLines("> ", "hello", 2, 20)
	if row != 1 || col != 5 {
		t.Fatalf("expected cursor 1,5, got %d,%d", row, col)
	}
}
