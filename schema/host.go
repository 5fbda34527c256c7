package schema

// HostChannel identifies the origin stream of a host event.
type HostChannel string

const (
	// ChannelTerminalOutput carries raw terminal bytes from the pty.
	ChannelTerminalOutput HostChannel = "terminal_output"
	// ChannelSyncMode signals a synchronized-output mode change (DEC 2026).
	ChannelSyncMode HostChannel = "sync_mode"
	// ChannelCommandMark carries shell integration prompt marks (OSC 133).
	ChannelCommandMark HostChannel = "command_mark"
	// ChannelDirectoryChanged signals a working directory report (OSC 7).
	ChannelDirectoryChanged HostChannel = "directory_changed"
	// ChannelAlternateScreen signals entering or leaving the alternate screen.
	ChannelAlternateScreen HostChannel = "alternate_screen"
	// ChannelSessionEnded signals the shell process exited.
	ChannelSessionEnded HostChannel = "session_ended"
)

// CommandPhase marks shell integration stages reported via OSC 133.
type CommandPhase string

const (
	// CommandPromptStart marks the start of the shell prompt (133;A).
	CommandPromptStart CommandPhase = "prompt_start"
	// CommandInputStart marks the start of command input (133;B).
	CommandInputStart CommandPhase = "input_start"
	// CommandExecStart marks the start of command execution (133;C).
	CommandExecStart CommandPhase = "exec_start"
	// CommandFinished marks command completion (133;D), with exit code when reported.
	CommandFinished CommandPhase = "finished"
)

// CommandMark is one shell integration mark from the terminal stream.
type CommandMark struct {
	Phase    CommandPhase
	ExitCode *int
}

// HostEvent is one event from a session's terminal host. Exactly one
// payload field is meaningful, selected by Channel.
type HostEvent struct {
	SessionID   SessionID
	Channel     HostChannel
	Data        []byte
	SyncEnabled bool
	Mark        *CommandMark
	Directory   string
	AltScreen   bool
	ExitCode    *int
}
