package main

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/qbit-ai/qbitsync"
	"github.com/qbit-ai/qbitsync/core"
	"github.com/qbit-ai/qbitsync/httpapi"
	"github.com/qbit-ai/qbitsync/internal/agentfeed"
	"github.com/qbit-ai/qbitsync/internal/appconfig"
	"github.com/qbit-ai/qbitsync/internal/hostshell"
	"github.com/qbit-ai/qbitsync/internal/transcript"
	"github.com/qbit-ai/qbitsync/schema"
	"github.com/qbit-ai/qbitsync/sshserver"
	"pkt.systems/pslog"
)

//go:embed assets/logo.txt
var serveLogo string

func newServeCmd() *cobra.Command {
	var cfgPath string
	var disableAuditTrails bool
	var noBanner bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start qbitsync servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			logMode := strings.ToLower(strings.TrimSpace(os.Getenv("LOG_MODE")))
			showBanner := !noBanner && logMode != "json" && logMode != "structured"
			if showBanner && serveLogo != "" {
				_, _ = fmt.Fprint(cmd.OutOrStdout(), serveLogo)
			}
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if disableAuditTrails {
				cfg.Logging.DisableAuditTrails = true
			}

			host := hostshell.New(hostshell.Config{})
			feed, err := agentfeed.New(agentfeed.Config{
				Command:   cfg.Agent.Command,
				ExtraArgs: cfg.Agent.ExtraArgs,
				Env:       flattenEnv(cfg.Agent.Env),
			})
			if err != nil {
				return err
			}
			logger.Info("agent command configured", "command", strings.Join(cfg.Agent.Command, " "))

			var transcripts core.TranscriptStore
			if cfg.Transcripts.Enabled {
				if err := transcript.EnsureKeyFileWithLogger(cfg.Transcripts.KeyFile, logger); err != nil {
					return err
				}
				store, err := transcript.NewStoreWithLogger(cfg.Transcripts.Dir, cfg.Transcripts.KeyFile, logger)
				if err != nil {
					return err
				}
				transcripts = store
				logger.Info("transcripts enabled", "dir", cfg.Transcripts.Dir)
			}

			serverCfg := qbitsync.ServerConfig{
				Service:             buildServiceConfig(cfg),
				HTTP:                toHTTPConfig(cfg),
				SSH:                 toSSHConfig(cfg.SSH),
				Auth:                toAuthConfig(cfg.Auth),
				HubHistory:          1000,
				DisableAuditLogging: cfg.Logging.DisableAuditTrails,
			}
			serverDeps := qbitsync.ServerDeps{
				ServiceDeps: core.ServiceDeps{
					Host:        host,
					Agent:       feed,
					Transcripts: transcripts,
					Logger:      logger,
				},
			}
			server, err := qbitsync.New(serverCfg, serverDeps, qbitsync.WithHTTP(), qbitsync.WithSSH())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Stop(stopCtx); err != nil {
					logger.Warn("server stop failed", "err", err)
				}
			}()
			logger.Info("http server listening", "addr", serverCfg.HTTP.Addr)
			logger.Info("ssh server listening", "addr", serverCfg.SSH.Addr)
			if err := server.Start(ctx); err != nil {
				return err
			}
			return server.Wait()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().BoolVar(&disableAuditTrails, "disable-audit-trails", false, "disable audit trail logging for commands")
	cmd.Flags().BoolVar(&noBanner, "no-banner", false, "disable startup banner")
	return cmd
}

func buildServiceConfig(cfg appconfig.Config) schema.ServiceConfig {
	return schema.ServiceConfig{
		StateDir:            cfg.StateDir,
		TranscriptDir:       cfg.Transcripts.Dir,
		Shell:               cfg.Service.Shell,
		AgentCommand:        cfg.Agent.Command,
		WorkDir:             cfg.Service.WorkDir,
		SessionTitleMax:     cfg.Service.SessionTitleMax,
		ScrollbackMax:       cfg.Service.ScrollbackMaxLines,
		FrameInterval:       time.Duration(cfg.Service.FrameIntervalMs) * time.Millisecond,
		HistoryMax:          cfg.Service.HistoryMax,
		DefaultTheme:        schema.ThemeName(cfg.Service.DefaultTheme),
		DisableAuditLogging: cfg.Logging.DisableAuditTrails,
	}
}

func toHTTPConfig(cfg appconfig.Config) httpapi.Config {
	return httpapi.Config{
		Addr:               cfg.HTTP.Addr,
		SessionCookie:      cfg.HTTP.SessionCookie,
		SessionTTLHours:    cfg.HTTP.SessionTTLHours,
		SessionFile:        httpSessionFile(cfg.StateDir),
		BaseURL:            cfg.HTTP.BaseURL,
		BasePath:           cfg.HTTP.BasePath,
		InitialBufferLines: cfg.HTTP.InitialBufferLines,
		UIMaxBufferLines:   cfg.HTTP.UIMaxBufferLines,
	}
}

func httpSessionFile(stateDir string) string {
	if strings.TrimSpace(stateDir) == "" {
		return ""
	}
	return filepath.Join(stateDir, "http_sessions.json")
}

func toSSHConfig(cfg appconfig.SSHConfig) sshserver.Config {
	return sshserver.Config{
		Addr:        cfg.Addr,
		HostKeyPath: cfg.HostKeyPath,
		IdlePrompt:  "> ",
	}
}

func toAuthConfig(cfg appconfig.AuthConfig) qbitsync.AuthConfig {
	seeds := make([]qbitsync.SeedUser, 0, len(cfg.SeedUsers))
	for _, seed := range cfg.SeedUsers {
		seeds = append(seeds, qbitsync.SeedUser{
			Username:     seed.Username,
			PasswordHash: seed.PasswordHash,
			TOTPSecret:   seed.TOTPSecret,
		})
	}
	return qbitsync.AuthConfig{
		UserFile:  cfg.UserFile,
		SeedUsers: seeds,
	}
}

func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, key+"="+env[key])
	}
	return out
}
