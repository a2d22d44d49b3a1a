package provider

import "context"

// Request describes one invocation of an agent CLI.
type Request struct {
	Provider        Provider
	Prompt          string
	Workdir         string
	ResumeSessionID string
	ResumeLast      bool
	ContextBriefing string
}

// Result is the terminal outcome of an invocation.
type Result struct {
	Stdout     string
	Stderr     string
	ReturnCode int
	// SessionID is the provider's own conversation id when the CLI
	// surfaced one (codex emits it as a JSON event).
	SessionID string
	// Text is the assembled assistant reply extracted from the output.
	Text string
}

// Stream describes where line-by-line output is delivered while the CLI
// runs. Either callback may be nil.
type Stream struct {
	OnStdout func(line string)
	OnStderr func(line string)
}

// Executor invokes an agent CLI and returns its output. Cancellation and
// deadlines arrive through ctx; an expired deadline kills the process.
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
	ExecuteStream(ctx context.Context, req Request, stream Stream) (Result, error)
}
