package main

import (
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/qbit-ai/qbitsync/internal/appconfig"
	"github.com/qbit-ai/qbitsync/schema"
	"pkt.systems/pslog"
)

func newDebugCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "debug",
		Short: "Debug helpers for qbitsync",
	}
	cmd.AddCommand(newDebugPathsCmd())
	cmd.AddCommand(newDebugConfigCmd())
	return cmd
}

func newDebugPathsCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "paths",
		Short: "Print effective paths and check they exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			serviceCfg, err := schema.NormalizeServiceConfig(buildServiceConfig(cfg))
			if err != nil {
				return err
			}

			logger.Info("debug service paths", "state_dir", serviceCfg.StateDir, "work_dir", serviceCfg.WorkDir, "shell", strings.Join(serviceCfg.Shell, " "))
			logger.Info("debug http paths", "addr", cfg.HTTP.Addr, "session_file", httpSessionFile(serviceCfg.StateDir))
			logger.Info("debug ssh paths", "addr", cfg.SSH.Addr, "host_key", cfg.SSH.HostKeyPath)
			logger.Info("debug auth paths", "user_file", cfg.Auth.UserFile)

			checkPath(logger, "state_dir", serviceCfg.StateDir, true)
			checkPath(logger, "work_dir", serviceCfg.WorkDir, true)
			checkPath(logger, "ssh_host_key", cfg.SSH.HostKeyPath, false)
			checkPath(logger, "user_file", cfg.Auth.UserFile, false)
			checkPath(logger, "http_session_file", httpSessionFile(serviceCfg.StateDir), false)
			if cfg.Transcripts.Enabled {
				checkPath(logger, "transcript_dir", cfg.Transcripts.Dir, true)
				checkPath(logger, "transcript_key_file", cfg.Transcripts.KeyFile, false)
			} else {
				logger.Info("debug transcripts disabled")
			}
			checkCommand(logger, "shell", serviceCfg.Shell)
			checkCommand(logger, "agent", cfg.Agent.Command)
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	return cmd
}

func newDebugConfigCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	return cmd
}

func checkPath(logger pslog.Logger, label, value string, wantDir bool) {
	if strings.TrimSpace(value) == "" {
		logger.Warn("path empty", "name", label)
		return
	}
	info, err := os.Stat(value)
	if err != nil {
		logger.Warn("path missing", "name", label, "path", value, "err", err)
		return
	}
	mode := info.Mode()
	logger.Info("path ok", "name", label, "path", value, "dir", mode.IsDir())
	if wantDir && !mode.IsDir() {
		logger.Warn("path not directory", "name", label, "path", value)
	}
	if !wantDir && mode.IsDir() {
		logger.Warn("path is a directory", "name", label, "path", value)
	}
}

func checkCommand(logger pslog.Logger, label string, command []string) {
	if len(command) == 0 || strings.TrimSpace(command[0]) == "" {
		logger.Warn("command empty", "name", label)
		return
	}
	resolved, err := exec.LookPath(command[0])
	if err != nil {
		logger.Warn("command not found", "name", label, "command", command[0], "err", err)
		return
	}
	logger.Info("command ok", "name", label, "command", strings.Join(command, " "), "path", resolved)
}
