package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	gossh "golang.org/x/crypto/ssh"

	"github.com/qbit-ai/qbitsync/core"
	"github.com/qbit-ai/qbitsync/internal/agentfeed"
	"github.com/qbit-ai/qbitsync/internal/appconfig"
	"github.com/qbit-ai/qbitsync/internal/auth"
	"github.com/qbit-ai/qbitsync/internal/hostshell"
	"github.com/qbit-ai/qbitsync/internal/transcript"
	"github.com/qbit-ai/qbitsync/schema"
	"github.com/qbit-ai/qbitsync/sshserver"
	"pkt.systems/pslog"
)

func newDoctorCmd() *cobra.Command {
	var cfgPath string
	var skipAgent bool
	var agentPrompt string
	var shellTimeout time.Duration
	var agentTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run qbitsync diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())

			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			configPath := cfgPath
			if strings.TrimSpace(configPath) == "" {
				path, err := appconfig.DefaultConfigPath()
				if err != nil {
					return err
				}
				configPath = path
			}
			logger.Info("doctor start", "config", configPath)

			serviceCfg, err := schema.NormalizeServiceConfig(buildServiceConfig(cfg))
			if err != nil {
				return err
			}

			if err := doctorCheckStateDir(logger, serviceCfg.StateDir); err != nil {
				return err
			}
			if err := doctorCheckHostKey(logger, cfg.SSH.HostKeyPath); err != nil {
				return err
			}
			if err := doctorCheckUserStore(logger, cfg); err != nil {
				return err
			}
			if err := doctorCheckShell(cmd.Context(), logger, serviceCfg, shellTimeout); err != nil {
				return err
			}
			if skipAgent {
				logger.Info("doctor agent check skipped")
			} else if err := doctorCheckAgent(cmd.Context(), logger, cfg, serviceCfg, agentPrompt, agentTimeout); err != nil {
				return err
			}
			if cfg.Transcripts.Enabled {
				if err := doctorCheckTranscripts(cmd.Context(), logger, cfg); err != nil {
					return err
				}
			} else {
				logger.Info("doctor transcripts disabled")
			}

			logger.Info("doctor complete")
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().BoolVar(&skipAgent, "skip-agent", false, "skip the agent round trip")
	cmd.Flags().StringVar(&agentPrompt, "agent-prompt", "Say 'ok' and exit.", "prompt used for the agent round trip")
	cmd.Flags().DurationVar(&shellTimeout, "shell-timeout", 15*time.Second, "timeout for the shell check")
	cmd.Flags().DurationVar(&agentTimeout, "agent-timeout", 90*time.Second, "timeout for the agent round trip")
	return cmd
}

func doctorCheckStateDir(logger pslog.Logger, stateDir string) error {
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return fmt.Errorf("doctor state dir: %w", err)
	}
	probe := filepath.Join(stateDir, fmt.Sprintf(".doctor-%d", time.Now().UnixNano()))
	if err := os.WriteFile(probe, []byte("probe\n"), 0o600); err != nil {
		return fmt.Errorf("doctor state dir not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return fmt.Errorf("doctor state dir cleanup: %w", err)
	}
	logger.Info("doctor state dir ok", "path", stateDir)
	return nil
}

func doctorCheckHostKey(logger pslog.Logger, path string) error {
	signer, err := sshserver.EnsureHostKey(path)
	if err != nil {
		return fmt.Errorf("doctor ssh host key: %w", err)
	}
	logger.Info("doctor ssh host key ok",
		"path", path,
		"fingerprint", gossh.FingerprintSHA256(signer.PublicKey()),
	)
	return nil
}

func doctorCheckUserStore(logger pslog.Logger, cfg appconfig.Config) error {
	store, err := auth.NewStoreWithLogger(cfg.Auth.UserFile, cfg.Auth.SeedUsers, logger)
	if err != nil {
		return fmt.Errorf("doctor user store: %w", err)
	}
	users := store.LoadUsers()
	if len(users) == 0 {
		logger.Warn("doctor user store empty", "hint", "enroll with: qbitsync users add <name>")
		return nil
	}
	logger.Info("doctor user store ok", "users", len(users))
	return nil
}

// doctorCheckShell spawns the configured shell in a pty and waits for a
// clean exit, which covers the same path sessions take.
func doctorCheckShell(ctx context.Context, logger pslog.Logger, serviceCfg schema.ServiceConfig, timeout time.Duration) error {
	command := append(append([]string(nil), serviceCfg.Shell...), "-c", "exit 0")
	logger.Info("doctor shell start", "command", strings.Join(command, " "))

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	host := hostshell.New(hostshell.Config{})
	handle, err := host.Open(runCtx, core.HostOpenRequest{
		SessionID:  schema.SessionID(fmt.Sprintf("doctor-%d", time.Now().UnixNano())),
		WorkingDir: serviceCfg.WorkDir,
		Command:    command,
		Size:       schema.TermSize{Rows: 24, Cols: 80},
	})
	if err != nil {
		return fmt.Errorf("doctor shell start: %w", err)
	}
	defer func() { _ = handle.Close() }()

	result, err := handle.Wait(runCtx)
	if err != nil {
		return fmt.Errorf("doctor shell wait: %w", err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("doctor shell failed (exit %d)", result.ExitCode)
	}
	logger.Info("doctor shell ok", "exit", result.ExitCode)
	return nil
}

// doctorCheckAgent runs one full turn against the configured agent
// binary and counts the envelopes it emits.
func doctorCheckAgent(ctx context.Context, logger pslog.Logger, cfg appconfig.Config, serviceCfg schema.ServiceConfig, prompt string, timeout time.Duration) error {
	command := cfg.Agent.Command
	if len(command) == 0 {
		command = []string{"qbit-agent"}
	}
	if _, err := exec.LookPath(command[0]); err != nil {
		return fmt.Errorf("agent binary %q not found; set agent.command or use the built-in mock (qbitsync agent-mock): %w", command[0], err)
	}

	feed, err := agentfeed.New(agentfeed.Config{
		Command:   command,
		ExtraArgs: cfg.Agent.ExtraArgs,
		Env:       flattenEnv(cfg.Agent.Env),
	})
	if err != nil {
		return err
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	logger.Info("doctor agent start", "command", strings.Join(command, " "))
	handle, err := feed.StartTurn(runCtx, core.TurnRequest{
		SessionID:  schema.SessionID(fmt.Sprintf("doctor-%d", time.Now().UnixNano())),
		TurnID:     schema.TurnID(fmt.Sprintf("turn-doctor-%d", time.Now().UnixNano())),
		Prompt:     prompt,
		WorkingDir: serviceCfg.WorkDir,
	})
	if err != nil {
		return fmt.Errorf("doctor agent start: %w", err)
	}
	defer func() { _ = handle.Close() }()

	events := handle.Events()
	var count int
	var completed bool
	var agentErr string
	for {
		env, err := events.Next(runCtx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("doctor agent stream: %w", err)
		}
		count++
		switch env.Event.Type {
		case schema.AgentEventToolApprovalRequest:
			// Deny so the probe stays side-effect free; this also
			// exercises the stdin response path.
			if env.Event.Tool != nil {
				_ = handle.RespondTool(runCtx, env.Event.Tool.ID, false)
			}
		case schema.AgentEventCompleted:
			completed = true
		case schema.AgentEventError:
			agentErr = env.Event.Message
		}
	}
	result, err := handle.Wait(runCtx)
	if err != nil {
		return fmt.Errorf("doctor agent wait: %w", err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("doctor agent failed (exit %d)", result.ExitCode)
	}
	if agentErr != "" {
		return fmt.Errorf("doctor agent reported an error: %s", agentErr)
	}
	if !completed {
		return errors.New("doctor agent never emitted a completed event")
	}
	logger.Info("doctor agent ok", "events", count, "exit", result.ExitCode)
	return nil
}

// doctorCheckTranscripts proves the key file decrypts what it encrypts
// by round-tripping a probe through a throwaway store directory.
func doctorCheckTranscripts(ctx context.Context, logger pslog.Logger, cfg appconfig.Config) error {
	if err := transcript.EnsureKeyFileWithLogger(cfg.Transcripts.KeyFile, logger); err != nil {
		return fmt.Errorf("doctor transcript key: %w", err)
	}
	probeDir, err := os.MkdirTemp("", "qbitsync-doctor-*")
	if err != nil {
		return fmt.Errorf("doctor transcript probe dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(probeDir) }()

	store, err := transcript.NewStoreWithLogger(probeDir, cfg.Transcripts.KeyFile, logger)
	if err != nil {
		return fmt.Errorf("doctor transcript store: %w", err)
	}
	snap := schema.TimelineSnapshot{
		SessionID: "doctor",
		Blocks: []schema.RenderBlock{
			{ID: "blk_doctor", Kind: schema.BlockNotice, Text: "doctor probe"},
		},
	}
	info := schema.TranscriptInfo{
		SessionID: "doctor",
		Title:     "doctor probe",
		Blocks:    len(snap.Blocks),
		SavedAt:   time.Now().UTC(),
	}
	if err := store.Save(ctx, info, snap); err != nil {
		return fmt.Errorf("doctor transcript save: %w", err)
	}
	list, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("doctor transcript list: %w", err)
	}
	if len(list) != 1 {
		return fmt.Errorf("doctor transcript list returned %d entries", len(list))
	}
	_, loaded, err := store.Load(ctx, list[0].Name)
	if err != nil {
		return fmt.Errorf("doctor transcript load: %w", err)
	}
	if len(loaded.Blocks) != len(snap.Blocks) {
		return fmt.Errorf("doctor transcript round trip lost blocks (%d != %d)", len(loaded.Blocks), len(snap.Blocks))
	}
	logger.Info("doctor transcripts ok", "dir", cfg.Transcripts.Dir, "key_file", cfg.Transcripts.KeyFile)
	return nil
}
