package main

import (
	"context"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"pkt.systems/psi"
	"pkt.systems/pslog"
)

func main() {
	psi.Run(submain)
}

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvWriter(os.Stderr),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole}),
	)
	ctx = pslog.ContextWithLogger(ctx, logger)
	log.SetOutput(pslog.LogLogger(logger).Writer())
	log.SetFlags(0)

	args := applyArgv0Alias(os.Args)
	root := newRootCmd()
	root.SetArgs(args[1:])

	if err := root.ExecuteContext(ctx); err != nil {
		if !isAgentMockInvocation(args) {
			pslog.Ctx(ctx).With("err", err).Error("qbitsync command failed")
		}
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "qbitsync",
		Short:         "Session console server with SSH and web UIs",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newAgentMockCmd())
	root.AddCommand(newDoctorCmd())
	root.AddCommand(newDebugCmd())
	root.AddCommand(newVersionCmd())
	root.AddCommand(newUsersCmd())

	return root
}

func argv0Alias(base string) string {
	switch base {
	case "agent-mock", "qbit-agent-mock":
		return "agent-mock"
	default:
		return ""
	}
}

func applyArgv0Alias(args []string) []string {
	if len(args) == 0 {
		return args
	}
	alias := argv0Alias(filepath.Base(args[0]))
	if alias == "" {
		return args
	}
	out := make([]string, 0, len(args)+1)
	out = append(out, args[0], alias)
	out = append(out, args[1:]...)
	return out
}

// isAgentMockInvocation reports whether this process is acting as the
// mock agent. Mock failures surface on the feed side; logging them here
// as well would double them up in the operator log.
func isAgentMockInvocation(args []string) bool {
	return len(args) > 1 && args[1] == "agent-mock"
}
