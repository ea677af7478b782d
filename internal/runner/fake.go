package runner

import (
	"context"
	"strings"
	"sync"
)

// Invocation records a single call made through FakeRunner.
type Invocation struct {
	Args     []string
	Message  string
	DryRun   bool
	ReadOnly bool
	Env      map[string]string
}

// Script describes a scripted response for a FakeRunner call, matched by
// argv prefix.
type Script struct {
	// Match is matched against the joined argv with strings.HasPrefix;
	// empty matches everything not otherwise matched.
	Match    string
	ExitCode int
	Stdout   string
	Stderr   string
}

// FakeRunner is an in-memory Runner substitute. It never calls exec;
// tests script responses by argv prefix and assert on the recorded
// Invocations afterward.
type FakeRunner struct {
	mu          sync.Mutex
	Invocations []Invocation
	Scripts     []Script
}

// Run implements Runner.
func (f *FakeRunner) Run(_ context.Context, opts Options) (*CompletedProcess, error) {
	readOnly := IsReadOnly(opts.Args)
	if opts.ReadOnly != nil {
		readOnly = *opts.ReadOnly
	}

	f.mu.Lock()
	f.Invocations = append(f.Invocations, Invocation{
		Args:     append([]string(nil), opts.Args...),
		Message:  opts.Message,
		DryRun:   opts.DryRun,
		ReadOnly: readOnly,
		Env:      opts.Env,
	})
	f.mu.Unlock()

	if opts.DryRun && !readOnly {
		return &CompletedProcess{Args: opts.Args, ExitCode: 0, Executed: false}, nil
	}

	joined := strings.Join(opts.Args, " ")
	for _, s := range f.Scripts {
		if s.Match == "" || strings.HasPrefix(joined, s.Match) {
			cp := &CompletedProcess{
				Args:     opts.Args,
				ExitCode: s.ExitCode,
				Stdout:   s.Stdout,
				Stderr:   s.Stderr,
				Executed: true,
			}
			if s.ExitCode == 0 {
				return cp, nil
			}
			if diag, ok := opts.ExpectedReturnCodes[s.ExitCode]; ok {
				return cp, &ExpectedExitError{Args: opts.Args, ExitCode: s.ExitCode, Diagnostic: diag}
			}
			if opts.Check {
				return cp, &CommandError{Args: opts.Args, ExitCode: s.ExitCode, Stderr: s.Stderr}
			}
			return cp, nil
		}
	}

	return &CompletedProcess{Args: opts.Args, ExitCode: 0, Executed: true}, nil
}

// MutatingArgs returns the argv of every recorded invocation that was not
// read-only, in order. Used to assert that a dry run issued no mutations.
func (f *FakeRunner) MutatingArgs() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([][]string, 0)
	for _, inv := range f.Invocations {
		if !inv.ReadOnly {
			out = append(out, inv.Args)
		}
	}
	return out
}

// Executed returns the argv of every invocation that actually reached a
// subprocess (i.e. was not stubbed by dry-run).
func (f *FakeRunner) Executed() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([][]string, 0)
	for _, inv := range f.Invocations {
		if !(inv.DryRun && !inv.ReadOnly) {
			out = append(out, inv.Args)
		}
	}
	return out
}
