// Package runner is the single chokepoint through which every external
// tool invocation (zfs, proxmox-backup-client) passes. It enforces
// dry-run semantics, classifies commands as read-only or mutating, times
// every invocation, and renders a shell-safe debug log line.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	shellquote "github.com/kballard/go-shellquote"
)

// readOnlyZfsSubcommands enumerates the zfs subcommands that never mutate
// state and therefore must still execute under dry-run so planning can
// work.
var readOnlyZfsSubcommands = map[string]struct{}{
	"list":  {},
	"get":   {},
	"holds": {},
}

// Options configures a single invocation through Run.
type Options struct {
	// Args is the full argv, Args[0] is the binary name (e.g. "zfs").
	Args []string
	// Message is logged alongside the invocation; under dry-run it is
	// prefixed with "[dry-run]" for mutating commands.
	Message string
	// DryRun, when true, causes mutating commands to be stubbed instead
	// of executed.
	DryRun bool
	// ReadOnly overrides read-only inference when non-nil.
	ReadOnly *bool
	// Env are additional environment variables (appended to the
	// process's own environment).
	Env map[string]string
	// Stdin, if set, is wired to the child process's stdin.
	Stdin io.Reader
	// Check, when true, causes non-zero exits without a matching
	// ExpectedReturnCodes entry to return a *CommandError.
	Check bool
	// ExpectedReturnCodes maps a nonzero exit code to a human-readable
	// diagnostic. A match logs the diagnostic and returns *ExpectedExitError
	// instead of *CommandError.
	ExpectedReturnCodes map[int]string
}

// CompletedProcess is the result of a single invocation.
type CompletedProcess struct {
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Elapsed  time.Duration
	// Executed is false when a mutating command was stubbed by dry-run.
	Executed bool
}

// CommandError wraps a non-zero exit that did not match ExpectedReturnCodes.
type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q failed (exit %d): %s", shellquote.Join(e.Args...), e.ExitCode, strings.TrimSpace(e.Stderr))
}

func (e *CommandError) Unwrap() error { return e.Err }

// ExpectedExitError is returned when a nonzero exit code matched a
// caller-supplied diagnostic in Options.ExpectedReturnCodes. Callers are
// expected to terminate the process with exit code 1 upon seeing this.
type ExpectedExitError struct {
	Args       []string
	ExitCode   int
	Diagnostic string
}

func (e *ExpectedExitError) Error() string {
	return fmt.Sprintf("command %q exited %d: %s", shellquote.Join(e.Args...), e.ExitCode, e.Diagnostic)
}

// Runner is the interface the ZFS and PBS adapters depend on. The real
// implementation shells out; tests substitute FakeRunner.
type Runner interface {
	Run(ctx context.Context, opts Options) (*CompletedProcess, error)
}

// Exec is the production Runner, invoking real external processes.
type Exec struct {
	Logger *slog.Logger
}

// NewExec creates a production command runner.
func NewExec(logger *slog.Logger) *Exec {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exec{Logger: logger}
}

// IsReadOnly infers whether an invocation is read-only from its argv:
// zfs list/get/holds, and any proxmox-backup-client invocation none of
// whose arguments is "backup".
func IsReadOnly(args []string) bool {
	if len(args) == 0 {
		return false
	}
	bin := args[0]
	switch bin {
	case "zfs":
		if len(args) < 2 {
			return false
		}
		_, ok := readOnlyZfsSubcommands[args[1]]
		return ok
	case "proxmox-backup-client":
		for _, a := range args[1:] {
			if a == "backup" {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Run executes (or, under dry-run for a mutating command, stubs) a
// single external command.
func (e *Exec) Run(ctx context.Context, opts Options) (*CompletedProcess, error) {
	readOnly := IsReadOnly(opts.Args)
	if opts.ReadOnly != nil {
		readOnly = *opts.ReadOnly
	}

	logger := e.Logger.With("args", shellquote.Join(opts.Args...), "readOnly", readOnly, "dryRun", opts.DryRun)

	if opts.DryRun && !readOnly {
		logger.Info(fmt.Sprintf("[dry-run] %s", opts.Message))
		return &CompletedProcess{
			Args:     opts.Args,
			ExitCode: 0,
			Executed: false,
		}, nil
	}

	logger.Debug(opts.Message)

	start := time.Now()
	cmd := exec.CommandContext(ctx, opts.Args[0], opts.Args[1:]...)
	cmd.SysProcAttr = procAttributes()
	if opts.Stdin != nil {
		cmd.Stdin = opts.Stdin
	}
	if len(opts.Env) > 0 {
		cmd.Env = append(cmd.Environ(), envSlice(opts.Env)...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("error running %s: %w", shellquote.Join(opts.Args...), runErr)
		}
	}

	e.Logger.Debug("runner.Exec.Run: command finished",
		"args", shellquote.Join(opts.Args...),
		"elapsed", elapsed,
		"exitCode", exitCode,
	)

	result := &CompletedProcess{
		Args:     opts.Args,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Elapsed:  elapsed,
		Executed: true,
	}

	if exitCode == 0 {
		return result, nil
	}

	if diag, ok := opts.ExpectedReturnCodes[exitCode]; ok {
		e.Logger.Error("runner.Exec.Run: command exited with a recognized code", "args", shellquote.Join(opts.Args...), "exitCode", exitCode, "diagnostic", diag)
		return result, &ExpectedExitError{Args: opts.Args, ExitCode: exitCode, Diagnostic: diag}
	}

	if opts.Check {
		return result, &CommandError{Args: opts.Args, ExitCode: exitCode, Stderr: stderr.String(), Err: runErr}
	}

	return result, nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}
