package schema

import (
	"errors"
	"os"
	"path/filepath"
	"time"
)

// ServiceConfig defines defaults and limits for the core service.
type ServiceConfig struct {
	StateDir        string
	TranscriptDir   string
	Shell           []string
	AgentCommand    []string
	WorkDir         string
	SessionTitleMax int
	ScrollbackMax   int
	FrameInterval   time.Duration
	HistoryMax      int
	DefaultTheme    ThemeName
	// DisableAuditLogging disables audit trail debug logs for commands.
	DisableAuditLogging bool
}

// DefaultScrollbackMax is the default per-session scrollback limit.
const DefaultScrollbackMax = 5000

// DefaultFrameInterval is the default display refresh cadence for
// streaming text. Roughly one frame at 60Hz.
const DefaultFrameInterval = 16 * time.Millisecond

// DefaultHistoryMax is the default per-session prompt history limit.
const DefaultHistoryMax = 200

// NormalizeServiceConfig applies defaults and validates the config.
func NormalizeServiceConfig(cfg ServiceConfig) (ServiceConfig, error) {
	if cfg.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ServiceConfig{}, err
		}
		cfg.StateDir = filepath.Join(home, ".qbitsync", "state")
	}
	if cfg.TranscriptDir == "" {
		cfg.TranscriptDir = filepath.Join(cfg.StateDir, "transcripts")
	}
	if len(cfg.Shell) == 0 {
		shell := os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/bash"
		}
		cfg.Shell = []string{shell}
	}
	if cfg.WorkDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ServiceConfig{}, err
		}
		cfg.WorkDir = home
	}
	if cfg.SessionTitleMax <= 0 {
		cfg.SessionTitleMax = 48
	}
	if cfg.ScrollbackMax <= 0 {
		cfg.ScrollbackMax = DefaultScrollbackMax
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = DefaultFrameInterval
	}
	if cfg.FrameInterval < time.Millisecond {
		return ServiceConfig{}, errors.New("frame interval must be at least 1ms")
	}
	if cfg.HistoryMax <= 0 {
		cfg.HistoryMax = DefaultHistoryMax
	}
	if cfg.DefaultTheme == "" {
		cfg.DefaultTheme = DefaultTheme
	}
	return cfg, nil
}
