package appconfig

import (
	"os"
	"path/filepath"

	"github.com/qbit-ai/qbitsync/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int               `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string            `mapstructure:"state_dir" yaml:"state_dir"`
	Service       ServiceConfig     `mapstructure:"service" yaml:"service"`
	Agent         AgentConfig       `mapstructure:"agent" yaml:"agent"`
	HTTP          HTTPConfig        `mapstructure:"http" yaml:"http"`
	SSH           SSHConfig         `mapstructure:"ssh" yaml:"ssh"`
	Auth          AuthConfig        `mapstructure:"auth" yaml:"auth"`
	Transcripts   TranscriptsConfig `mapstructure:"transcripts" yaml:"transcripts"`
	Logging       LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// ServiceConfig controls core session behavior.
type ServiceConfig struct {
	WorkDir            string   `mapstructure:"work_dir" yaml:"work_dir"`
	Shell              []string `mapstructure:"shell" yaml:"shell"`
	ScrollbackMaxLines int      `mapstructure:"scrollback_max_lines" yaml:"scrollback_max_lines"`
	FrameIntervalMs    int      `mapstructure:"frame_interval_ms" yaml:"frame_interval_ms"`
	HistoryMax         int      `mapstructure:"history_max" yaml:"history_max"`
	SessionTitleMax    int      `mapstructure:"session_title_max" yaml:"session_title_max"`
	DefaultTheme       string   `mapstructure:"default_theme" yaml:"default_theme"`
}

// AgentConfig configures the agent process launched per turn.
type AgentConfig struct {
	Command   []string          `mapstructure:"command" yaml:"command"`
	ExtraArgs []string          `mapstructure:"extra_args" yaml:"extra_args"`
	Env       map[string]string `mapstructure:"env" yaml:"env"`
}

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	Addr               string `mapstructure:"addr" yaml:"addr"`
	SessionCookie      string `mapstructure:"session_cookie" yaml:"session_cookie"`
	SessionTTLHours    int    `mapstructure:"session_ttl_hours" yaml:"session_ttl_hours"`
	BaseURL            string `mapstructure:"base_url" yaml:"base_url"`
	BasePath           string `mapstructure:"base_path" yaml:"base_path"`
	InitialBufferLines int    `mapstructure:"initial_buffer_lines" yaml:"initial_buffer_lines"`
	UIMaxBufferLines   int    `mapstructure:"ui_max_buffer_lines" yaml:"ui_max_buffer_lines"`
}

// SSHConfig configures the SSH attach server.
type SSHConfig struct {
	Addr        string `mapstructure:"addr" yaml:"addr"`
	HostKeyPath string `mapstructure:"host_key_path" yaml:"host_key_path"`
}

// AuthConfig configures auth storage and seed users.
type AuthConfig struct {
	UserFile  string     `mapstructure:"user_file" yaml:"user_file"`
	SeedUsers []SeedUser `mapstructure:"seed_users" yaml:"seed_users"`
}

// TranscriptsConfig controls encrypted transcript capture on session close.
type TranscriptsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
	KeyFile string `mapstructure:"key_file" yaml:"key_file"`
}

// LoggingConfig controls audit logging behavior.
type LoggingConfig struct {
	DisableAuditTrails bool `mapstructure:"disable_audit_trails" yaml:"disable_audit_trails"`
}

// SeedUser seeds a user record in the auth store.
type SeedUser struct {
	Username     string `mapstructure:"username" yaml:"username"`
	PasswordHash string `mapstructure:"password_hash" yaml:"password_hash"`
	TOTPSecret   string `mapstructure:"totp_secret" yaml:"totp_secret"`
}

// DefaultConfig returns a config with sensible defaults. Empty shell
// and work_dir resolve at session open ($SHELL, user home).
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      filepath.Join(home, ".qbitsync", "state"),
		Service: ServiceConfig{
			WorkDir:            home,
			Shell:              []string{},
			ScrollbackMaxLines: schema.DefaultScrollbackMax,
			FrameIntervalMs:    16,
			HistoryMax:         schema.DefaultHistoryMax,
			SessionTitleMax:    48,
			DefaultTheme:       string(schema.DefaultTheme),
		},
		Agent: AgentConfig{
			Command:   []string{"qbit-agent"},
			ExtraArgs: []string{},
			Env:       map[string]string{},
		},
		HTTP: HTTPConfig{
			Addr:               ":27380",
			SessionCookie:      "qbitsync_session",
			SessionTTLHours:    720,
			BaseURL:            "",
			BasePath:           "",
			InitialBufferLines: 200,
			UIMaxBufferLines:   2000,
		},
		SSH: SSHConfig{
			Addr:        ":27322",
			HostKeyPath: filepath.Join(home, ".qbitsync", "ssh_host_key"),
		},
		Auth: AuthConfig{
			UserFile:  filepath.Join(home, ".qbitsync", "users.json"),
			SeedUsers: []SeedUser{},
		},
		Transcripts: TranscriptsConfig{
			Enabled: false,
			Dir:     filepath.Join(home, ".qbitsync", "state", "transcripts"),
			KeyFile: filepath.Join(home, ".qbitsync", "transcripts.key"),
		},
		Logging: LoggingConfig{
			DisableAuditTrails: false,
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".qbitsync", "config.yaml"), nil
}
