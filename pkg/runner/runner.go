package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/autopilot/pkg/engine"
	"github.com/openfroyo/autopilot/pkg/telemetry"
)

const (
	// DefaultShell runs commands that are not AppleScript.
	DefaultShell = "/bin/sh"

	// DefaultTimeout is the wall-clock limit of one command.
	DefaultTimeout = 300 * time.Second

	// waitDelay bounds how long Wait blocks on output pipes after the
	// process group has been killed.
	waitDelay = 2 * time.Second
)

// Config configures a Runner.
type Config struct {
	// Shell is invoked as "<shell> -c <command>".
	Shell string

	// Timeout is the wall-clock limit of one command.
	Timeout time.Duration

	// WorkDir is the working directory of commands. Empty means the
	// current directory.
	WorkDir string

	// Env is added to the inherited environment.
	Env map[string]string
}

// Runner executes shell commands and AppleScript on the local host.
type Runner struct {
	shell   string
	timeout time.Duration
	workDir string
	env     []string
	logger  zerolog.Logger
	tracer  *telemetry.Tracer
}

var _ engine.CommandRunner = (*Runner)(nil)

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger.With().Str("component", "runner").Logger()
	}
}

// WithTracer wraps every command in a span.
func WithTracer(tracer *telemetry.Tracer) Option {
	return func(r *Runner) {
		r.tracer = tracer
	}
}

// New creates a runner. Zero values in cfg fall back to the defaults.
func New(cfg Config, opts ...Option) *Runner {
	r := &Runner{
		shell:   cfg.Shell,
		timeout: cfg.Timeout,
		workDir: cfg.WorkDir,
		logger:  zerolog.Nop(),
	}
	if r.shell == "" {
		r.shell = DefaultShell
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}
	if len(cfg.Env) > 0 {
		r.env = os.Environ()
		keys := make([]string, 0, len(cfg.Env))
		for k := range cfg.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			r.env = append(r.env, fmt.Sprintf("%s=%s", k, cfg.Env[k]))
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Timeout returns the per-command wall-clock limit.
func (r *Runner) Timeout() time.Duration {
	return r.timeout
}

// IsAppleScript reports whether a command is AppleScript rather than shell.
func IsAppleScript(command string) bool {
	trimmed := strings.TrimSpace(command)
	return strings.HasPrefix(trimmed, "tell application") || strings.HasPrefix(trimmed, "osascript")
}

// Execute runs command and reports the outcome. It never returns an error:
// timeouts, spawn failures and non-zero exits are all encoded in the result.
func (r *Runner) Execute(ctx context.Context, command string) engine.ExecutionResult {
	ctx, span := r.tracer.StartSpan(ctx, "runner.execute",
		attribute.Bool("runner.applescript", IsAppleScript(command)),
	)
	defer span.End()

	trimmed := strings.TrimSpace(command)
	var result engine.ExecutionResult
	switch {
	case strings.HasPrefix(trimmed, "tell application"):
		result = r.run(ctx, "AppleScript", "osascript", "-e", trimmed)
	case IsAppleScript(trimmed):
		// Already an osascript invocation; the shell handles its quoting.
		result = r.run(ctx, "AppleScript", r.shell, "-c", command)
	default:
		result = r.run(ctx, "Command", r.shell, "-c", command)
	}

	telemetry.SetAttributes(span,
		attribute.Int("runner.exit_code", result.ExitCode),
		attribute.Bool("runner.timed_out", result.TimedOut),
	)
	if result.Succeeded {
		telemetry.RecordSuccess(span)
	} else {
		telemetry.RecordError(span, errors.New(firstLine(result.Stderr)))
	}
	return result
}

// run executes name with args in its own process group. kind names the
// command in the timeout message.
func (r *Runner) run(ctx context.Context, kind, name string, args ...string) engine.ExecutionResult {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = r.workDir
	cmd.Env = r.env
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	result := engine.ExecutionResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}

	switch {
	case err == nil:
		result.Succeeded = true
		result.ExitCode = 0

	case runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		r.logger.Warn().
			Str("command", firstLine(strings.Join(args, " "))).
			Dur("timeout", r.timeout).
			Msg("Command timed out, process group killed")
		result.TimedOut = true
		result.ExitCode = -1
		result.Stdout = ""
		result.Stderr = fmt.Sprintf("%s timed out after %s seconds", kind, formatSeconds(r.timeout))

	case ctx.Err() != nil:
		result.ExitCode = -1
		result.Stderr = fmt.Sprintf("Command execution was cancelled: %v", ctx.Err())

	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			break
		}
		r.logger.Error().Err(err).Str("shell", name).Msg("Failed to start command")
		result.ExitCode = -1
		result.Stderr = fmt.Sprintf("Command execution failed with an internal error: %v", err)
	}

	r.logger.Debug().
		Bool("succeeded", result.Succeeded).
		Int("exit_code", result.ExitCode).
		Dur("duration", duration).
		Msg("Command finished")

	return result
}

// formatSeconds renders a duration as whole seconds when it has no
// fractional part.
func formatSeconds(d time.Duration) string {
	if d%time.Second == 0 {
		return strconv.FormatInt(int64(d/time.Second), 10)
	}
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
