// Package claude spawns and tracks Claude Code CLI invocations, one session
// per working directory.
package claude

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/amimimor/claude-code-telegram-bot/internal/logging"
)

// ResultKind classifies how an invocation ended.
type ResultKind int

const (
	// Success means the process exited zero.
	Success ResultKind = iota
	// Failed means the process exited non-zero.
	Failed
	// Cancelled means the caller cancelled the invocation.
	Cancelled
	// Timeout means the run exceeded the configured ceiling.
	Timeout
)

func (k ResultKind) String() string {
	switch k {
	case Success:
		return "success"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Invocation is one turn of the assistant for a session.
type Invocation struct {
	ID       string
	Prompt   string
	Dir      string
	Continue bool
	ResumeID string
	Compact  bool
	// AllowedTools pre-authorizes specific tool uses, as "Tool:argument"
	// entries. Set when retrying a turn the user approved after a
	// permission denial.
	AllowedTools []string
}

// NewInvocation creates an Invocation with a fresh ULID.
func NewInvocation(prompt, dir string) *Invocation {
	return &Invocation{
		ID:     ulid.Make().String(),
		Prompt: prompt,
		Dir:    dir,
	}
}

// PermissionDenial is one tool use the CLI refused to perform.
type PermissionDenial struct {
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input"`
}

// Result is the outcome of a single invocation.
type Result struct {
	Kind      ResultKind
	Text      string
	SessionID string
	ExitCode  int
	Stderr    string
	// Denials lists tool uses refused during the run. A successful exit
	// with denials means the turn is incomplete and may be retried with
	// the tools pre-authorized.
	Denials []PermissionDenial
}

// cliResult is the envelope the CLI prints with --output-format json.
type cliResult struct {
	Result            string             `json:"result"`
	SessionID         string             `json:"session_id"`
	PermissionDenials []PermissionDenial `json:"permission_denials"`
}

// killGrace is how long a terminated process gets to exit before it is
// killed outright.
const killGrace = 5 * time.Second

// Runner executes the Claude CLI. Mutual exclusion per session is the
// caller's responsibility; the Runner only runs what it is given.
type Runner struct {
	CLIPath string
	// Timeout is the per-invocation ceiling. Zero disables it.
	Timeout time.Duration
}

// NewRunner creates a Runner for the given CLI path.
func NewRunner(cliPath string, timeout time.Duration) *Runner {
	return &Runner{CLIPath: cliPath, Timeout: timeout}
}

// Run executes one invocation to completion. Cancelling ctx terminates the
// process (term, then kill after a grace period) and yields a Cancelled
// result; exceeding the timeout yields Timeout. A non-nil error means the
// process could not be started at all.
func (r *Runner) Run(ctx context.Context, inv *Invocation) (*Result, error) {
	prompt := inv.Prompt
	if inv.Compact {
		prompt = "/compact"
	}

	args := []string{"--print", "--output-format", "json"}
	if inv.Continue || inv.Compact {
		switch {
		case inv.ResumeID != "":
			args = append(args, "--resume", inv.ResumeID)
		default:
			// No known conversation id; try the CLI's own session store
			// before falling back to --continue.
			if id := LatestSessionID(inv.Dir); id != "" {
				args = append(args, "--resume", id)
			} else {
				args = append(args, "--continue")
			}
		}
	}
	if len(inv.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(inv.AllowedTools, ","))
	}
	args = append(args, prompt)

	runCtx := ctx
	var cancel context.CancelFunc
	if r.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, r.CLIPath, args...)
	cmd.Dir = inv.Dir
	configureCancellation(cmd, killGrace)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("claude: stdout pipe: %w", err)
	}

	logging.Info().
		Str("invocation", inv.ID).
		Str("dir", inv.Dir).
		Strs("args", args[:len(args)-1]).
		Msg("starting claude")

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("claude: start %s: %w", r.CLIPath, err)
	}

	// Collect output incrementally so partial text exists on cancellation.
	var out strings.Builder
	reader := bufio.NewReader(stdout)
	for {
		line, readErr := reader.ReadString('\n')
		out.WriteString(line)
		if readErr != nil {
			break
		}
	}

	waitErr := cmd.Wait()

	if ctxErr := runCtx.Err(); ctxErr != nil {
		kind := Cancelled
		if errors.Is(ctxErr, context.DeadlineExceeded) && ctx.Err() == nil {
			kind = Timeout
		}
		logging.Warn().
			Str("invocation", inv.ID).
			Str("kind", kind.String()).
			Msg("claude run aborted")
		return &Result{Kind: kind}, nil
	}

	if waitErr != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		logging.Error().
			Str("invocation", inv.ID).
			Int("exit_code", exitCode).
			Msg("claude exited with error")
		return &Result{
			Kind:     Failed,
			Text:     out.String(),
			ExitCode: exitCode,
			Stderr:   tail(stderr.String(), 2000),
		}, nil
	}

	res := &Result{Kind: Success}
	res.Text, res.SessionID, res.Denials = parseOutput(out.String())
	if res.SessionID == "" {
		res.SessionID = LatestSessionID(inv.Dir)
	}
	logging.Info().
		Str("invocation", inv.ID).
		Str("session_id", res.SessionID).
		Int("output_bytes", len(res.Text)).
		Int("denials", len(res.Denials)).
		Msg("claude finished")
	return res, nil
}

// parseOutput decodes the CLI's JSON result envelope. Output that is not the
// envelope (older CLI versions, plain --print) passes through as text.
func parseOutput(raw string) (text, sessionID string, denials []PermissionDenial) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return raw, "", nil
	}
	var env cliResult
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return raw, "", nil
	}
	return env.Result, env.SessionID, env.PermissionDenials
}

// tail returns at most n trailing bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
