package appconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/qbit-ai/qbitsync/schema"
)

// Load reads configuration from the provided path. If path is empty,
// uses DefaultConfigPath. A missing file yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("service.work_dir", cfg.Service.WorkDir)
	v.SetDefault("service.shell", cfg.Service.Shell)
	v.SetDefault("service.scrollback_max_lines", cfg.Service.ScrollbackMaxLines)
	v.SetDefault("service.frame_interval_ms", cfg.Service.FrameIntervalMs)
	v.SetDefault("service.history_max", cfg.Service.HistoryMax)
	v.SetDefault("service.session_title_max", cfg.Service.SessionTitleMax)
	v.SetDefault("service.default_theme", cfg.Service.DefaultTheme)
	v.SetDefault("agent.command", cfg.Agent.Command)
	v.SetDefault("agent.extra_args", cfg.Agent.ExtraArgs)
	v.SetDefault("agent.env", cfg.Agent.Env)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.session_cookie", cfg.HTTP.SessionCookie)
	v.SetDefault("http.session_ttl_hours", cfg.HTTP.SessionTTLHours)
	v.SetDefault("http.base_url", cfg.HTTP.BaseURL)
	v.SetDefault("http.base_path", cfg.HTTP.BasePath)
	v.SetDefault("http.initial_buffer_lines", cfg.HTTP.InitialBufferLines)
	v.SetDefault("http.ui_max_buffer_lines", cfg.HTTP.UIMaxBufferLines)
	v.SetDefault("ssh.addr", cfg.SSH.Addr)
	v.SetDefault("ssh.host_key_path", cfg.SSH.HostKeyPath)
	v.SetDefault("auth.user_file", cfg.Auth.UserFile)
	v.SetDefault("auth.seed_users", cfg.Auth.SeedUsers)
	v.SetDefault("transcripts.enabled", cfg.Transcripts.Enabled)
	v.SetDefault("transcripts.dir", cfg.Transcripts.Dir)
	v.SetDefault("transcripts.key_file", cfg.Transcripts.KeyFile)
	v.SetDefault("logging.disable_audit_trails", cfg.Logging.DisableAuditTrails)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.InConfig("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	if cfg.Service.FrameIntervalMs < 1 {
		return fmt.Errorf("service.frame_interval_ms must be at least 1")
	}
	if _, ok := schema.NormalizeThemeName(cfg.Service.DefaultTheme); !ok {
		return fmt.Errorf("unsupported service.default_theme %q", cfg.Service.DefaultTheme)
	}
	if cfg.HTTP.SessionTTLHours < 1 {
		return fmt.Errorf("http.session_ttl_hours must be at least 1")
	}
	if err := validateHTTPConfig(cfg.HTTP); err != nil {
		return err
	}
	if cfg.Transcripts.Enabled {
		if strings.TrimSpace(cfg.Transcripts.Dir) == "" {
			return fmt.Errorf("transcripts.dir is required when transcripts are enabled")
		}
		if strings.TrimSpace(cfg.Transcripts.KeyFile) == "" {
			return fmt.Errorf("transcripts.key_file is required when transcripts are enabled")
		}
	}
	return nil
}

func validateHTTPConfig(cfg HTTPConfig) error {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL != "" {
		parsed, err := url.Parse(baseURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("http.base_url must include scheme and host (e.g. https://example.com)")
		}
	}
	basePath := strings.TrimSpace(cfg.BasePath)
	if basePath != "" {
		if strings.Contains(basePath, "://") {
			return fmt.Errorf("http.base_path must be a path prefix, not a URL")
		}
		if strings.ContainsAny(basePath, "?#") {
			return fmt.Errorf("http.base_path must not include query or fragment")
		}
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.Service.WorkDir = expandEnv(cfg.Service.WorkDir)
	for i, part := range cfg.Service.Shell {
		cfg.Service.Shell[i] = expandEnv(part)
	}
	for i, part := range cfg.Agent.Command {
		cfg.Agent.Command[i] = expandEnv(part)
	}
	for i, part := range cfg.Agent.ExtraArgs {
		cfg.Agent.ExtraArgs[i] = expandEnv(part)
	}
	for key, value := range cfg.Agent.Env {
		cfg.Agent.Env[key] = expandEnv(value)
	}
	cfg.SSH.HostKeyPath = expandEnv(cfg.SSH.HostKeyPath)
	cfg.Auth.UserFile = expandEnv(cfg.Auth.UserFile)
	cfg.Transcripts.Dir = expandEnv(cfg.Transcripts.Dir)
	cfg.Transcripts.KeyFile = expandEnv(cfg.Transcripts.KeyFile)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
