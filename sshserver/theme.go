package sshserver

import (
	"strconv"

	"github.com/qbit-ai/qbitsync/schema"
)

type rgb struct {
	r, g, b uint8
}

// tuiTheme names the colors the SSH view draws with. Terminals without
// 24-bit color support degrade on their own; no fallback palette is kept.
type tuiTheme struct {
	TabBarBG      rgb
	TabActiveBG   rgb
	TabActiveFG   rgb
	TabInactiveBG rgb
	TabInactiveFG rgb
	StatusBG      rgb
	StatusFG      rgb
	PromptFG      rgb
	SpinnerFG     rgb
	UserFG        rgb
	AgentFG       rgb
	ReasoningFG   rgb
	ToolFG        rgb
	CommandFG     rgb
	NoticeFG      rgb
	SummaryFG     rgb
	ErrorFG       rgb
	CodeFG        rgb
	CodeBG        rgb
}

var tuiThemes = map[schema.ThemeName]tuiTheme{
	"quartz": {
		TabBarBG:      rgb{216, 218, 223},
		TabActiveBG:   rgb{84, 88, 214},
		TabActiveFG:   rgb{247, 247, 248},
		TabInactiveBG: rgb{228, 229, 234},
		TabInactiveFG: rgb{92, 94, 110},
		StatusBG:      rgb{228, 229, 234},
		StatusFG:      rgb{60, 62, 76},
		PromptFG:      rgb{84, 88, 214},
		SpinnerFG:     rgb{84, 88, 214},
		UserFG:        rgb{28, 28, 34},
		AgentFG:       rgb{36, 37, 46},
		ReasoningFG:   rgb{130, 132, 148},
		ToolFG:        rgb{11, 110, 114},
		CommandFG:     rgb{24, 90, 189},
		NoticeFG:      rgb{146, 94, 7},
		SummaryFG:     rgb{130, 132, 148},
		ErrorFG:       rgb{186, 38, 66},
		CodeFG:        rgb{40, 41, 52},
		CodeBG:        rgb{232, 233, 240},
	},
	"gruvbox": {
		TabBarBG:      rgb{29, 32, 33},
		TabActiveBG:   rgb{250, 189, 47},
		TabActiveFG:   rgb{40, 40, 40},
		TabInactiveBG: rgb{60, 56, 54},
		TabInactiveFG: rgb{168, 153, 132},
		StatusBG:      rgb{60, 56, 54},
		StatusFG:      rgb{213, 196, 161},
		PromptFG:      rgb{250, 189, 47},
		SpinnerFG:     rgb{254, 128, 25},
		UserFG:        rgb{235, 219, 178},
		AgentFG:       rgb{235, 219, 178},
		ReasoningFG:   rgb{168, 153, 132},
		ToolFG:        rgb{142, 192, 124},
		CommandFG:     rgb{131, 165, 152},
		NoticeFG:      rgb{254, 128, 25},
		SummaryFG:     rgb{146, 131, 116},
		ErrorFG:       rgb{251, 73, 52},
		CodeFG:        rgb{235, 219, 178},
		CodeBG:        rgb{60, 56, 54},
	},
	"tokyo-midnight": {
		TabBarBG:      rgb{22, 22, 30},
		TabActiveBG:   rgb{122, 162, 247},
		TabActiveFG:   rgb{26, 27, 38},
		TabInactiveBG: rgb{36, 40, 59},
		TabInactiveFG: rgb{86, 95, 137},
		StatusBG:      rgb{36, 40, 59},
		StatusFG:      rgb{169, 177, 214},
		PromptFG:      rgb{122, 162, 247},
		SpinnerFG:     rgb{187, 154, 247},
		UserFG:        rgb{192, 202, 245},
		AgentFG:       rgb{169, 177, 214},
		ReasoningFG:   rgb{86, 95, 137},
		ToolFG:        rgb{158, 206, 106},
		CommandFG:     rgb{125, 207, 255},
		NoticeFG:      rgb{224, 175, 104},
		SummaryFG:     rgb{86, 95, 137},
		ErrorFG:       rgb{247, 118, 142},
		CodeFG:        rgb{192, 202, 245},
		CodeBG:        rgb{36, 40, 59},
	},
}

func themeForName(name schema.ThemeName) tuiTheme {
	if theme, ok := tuiThemes[name]; ok {
		return theme
	}
	return tuiThemes[schema.DefaultTheme]
}

const (
	ansiReset     = "\x1b[0m"
	ansiBold      = "\x1b[1m"
	ansiDim       = "\x1b[2m"
	ansiItalic    = "\x1b[3m"
	ansiUnderline = "\x1b[4m"
	ansiStrike    = "\x1b[9m"
)

func ansiFgRGB(c rgb) string {
	return "\x1b[38;2;" + strconv.Itoa(int(c.r)) + ";" + strconv.Itoa(int(c.g)) + ";" + strconv.Itoa(int(c.b)) + "m"
}

func ansiBgRGB(c rgb) string {
	return "\x1b[48;2;" + strconv.Itoa(int(c.r)) + ";" + strconv.Itoa(int(c.g)) + ";" + strconv.Itoa(int(c.b)) + "m"
}
