package provider

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"sync"
)

// CLIConfig holds the executable path (or bare name, resolved on PATH) for
// each provider.
type CLIConfig struct {
	CodexPath   string
	ClaudePath  string
	GeminiPath  string
	CopilotPath string
}

// CLIExecutor runs the real agent CLIs as subprocesses. The prompt is
// delivered on stdin for every provider; resume ids ride on argv.
type CLIExecutor struct {
	paths map[Provider]string
}

func NewCLIExecutor(cfg CLIConfig) *CLIExecutor {
	return &CLIExecutor{paths: map[Provider]string{
		Codex:   orDefault(cfg.CodexPath, "codex"),
		Claude:  orDefault(cfg.ClaudePath, "claude"),
		Gemini:  orDefault(cfg.GeminiPath, "gemini"),
		Copilot: orDefault(cfg.CopilotPath, "copilot"),
	}}
}

var uuidRe = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

func isUUID(s string) bool { return uuidRe.MatchString(strings.ToLower(s)) }

func orDefault(v, def string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return def
	}
	return v
}

func (e *CLIExecutor) binary(p Provider) (string, error) {
	name := e.paths[p]
	if name == "" {
		return "", fmt.Errorf("%w: %s", ErrUnavailable, p)
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s (%s)", ErrUnavailable, p, name)
	}
	return path, nil
}

// buildArgs returns argv (without the binary) and the stdin payload.
func buildArgs(p Provider, req Request) ([]string, string) {
	prompt := req.Prompt
	if req.ContextBriefing != "" && req.ResumeSessionID == "" && !req.ResumeLast {
		prompt = wrapWithBriefing(req.ContextBriefing, prompt)
	}

	resumeID := req.ResumeSessionID
	// Synthetic local ids are for our own tracking only and must not be
	// handed to a CLI's resume flag.
	if strings.HasPrefix(resumeID, string(p)+"-") {
		resumeID = ""
	}

	var args []string
	switch p {
	case Codex:
		args = []string{"exec", "--skip-git-repo-check", "--json"}
		if resumeID != "" {
			args = append(args, "resume", resumeID)
		} else if req.ResumeLast {
			args = append(args, "resume", "--last")
		}
	case Claude:
		args = []string{"--dangerously-skip-permissions"}
		if isUUID(resumeID) {
			args = append(args, "--resume", resumeID)
		} else if req.ResumeLast {
			args = append(args, "--continue")
		}
	case Gemini:
		if req.ResumeLast {
			args = []string{"--resume", "latest"}
		}
	case Copilot:
		if isUUID(resumeID) {
			args = []string{"--resume", resumeID}
		} else if req.ResumeLast {
			args = []string{"--continue"}
		}
		args = append(args, "--allow-all-paths")
	}
	return args, prompt + "\n"
}

func wrapWithBriefing(briefing, prompt string) string {
	return fmt.Sprintf(
		"# Session Context\n\nPrevious conversation history from other providers:\n\n%s\n\n---\n\n# Current Request\n\n%s",
		briefing, prompt,
	)
}

func (e *CLIExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	return e.run(ctx, req, Stream{})
}

func (e *CLIExecutor) ExecuteStream(ctx context.Context, req Request, stream Stream) (Result, error) {
	return e.run(ctx, req, stream)
}

func (e *CLIExecutor) run(ctx context.Context, req Request, stream Stream) (Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Result{}, fmt.Errorf("prompt must not be empty")
	}
	bin, err := e.binary(req.Provider)
	if err != nil {
		return Result{}, err
	}

	args, stdin := buildArgs(req.Provider, req)
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = req.Workdir
	cmd.Stdin = strings.NewReader(stdin)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start %s: %w", req.Provider, err)
	}

	var stdout, stderr bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go drainLines(stdoutPipe, &stdout, stream.OnStdout, &wg)
	go drainLines(stderrPipe, &stderr, stream.OnStderr, &wg)
	wg.Wait()

	runErr := cmd.Wait()
	res := Result{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		ReturnCode: cmd.ProcessState.ExitCode(),
	}

	switch req.Provider {
	case Codex:
		events := ParseEvents(res.Stdout)
		res.SessionID = ExtractSessionID(events)
		res.Text = ExtractAgentText(events)
		if res.Text == "" {
			res.Text = strings.TrimSpace(res.Stdout)
		}
	case Copilot:
		res.Text = stripCopilotFooter(strings.TrimSpace(res.Stdout))
	default:
		res.Text = strings.TrimSpace(res.Stdout)
	}

	if ctx.Err() != nil {
		// The context killed the process; report the deadline, not the
		// confusing "signal: killed" from Wait.
		return res, ctx.Err()
	}
	if runErr != nil {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(res.Stdout)
		}
		if msg == "" {
			return res, fmt.Errorf("%s failed: %w", req.Provider, runErr)
		}
		return res, fmt.Errorf("%s failed: %w: %s", req.Provider, runErr, msg)
	}
	return res, nil
}

// drainLines reads one stream to completion, mirroring every line into buf
// and optionally to the line callback.
func drainLines(r io.Reader, buf *bytes.Buffer, onLine func(string), wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteString(line)
		buf.WriteByte('\n')
		if onLine != nil {
			onLine(line)
		}
	}
}

var copilotFooterPrefixes = []string{
	"Total usage est:",
	"API time spent:",
	"Total session time:",
	"Total code changes:",
	"Breakdown by AI model:",
}

// stripCopilotFooter removes the usage summary copilot appends to stdout.
func stripCopilotFooter(text string) string {
	if text == "" {
		return text
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), copilotFooterPrefixes[0]) {
			return strings.TrimRight(strings.Join(lines[:i], "\n"), "\n ")
		}
	}
	return text
}
