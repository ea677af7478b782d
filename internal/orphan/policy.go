package orphan

import (
	"errors"
	"fmt"
	"strings"
)

// Policy is the configured `--remove-orphans` behavior, per spec §4.6.
type Policy string

const (
	// PolicyOff logs the orphan count but removes nothing.
	PolicyOff Policy = "false"
	// PolicyRemove removes orphans using the same hold-aware
	// classification as the Snapshot Orchestrator's teardown.
	PolicyRemove Policy = "true"
	// PolicyAsk interactively confirms before removing.
	PolicyAsk Policy = "ask"
	// PolicyOnly runs orphan cleanup and nothing else; the run
	// controller must exit before creating snapshots or backing up.
	PolicyOnly Policy = "only"
	// PolicyForceRelease releases every hold regardless of tag before
	// destroying, logging each foreign tag first.
	PolicyForceRelease Policy = "force-release"
)

// ErrInvalidPolicy is returned by ParsePolicy for any value outside the
// five recognized policies — a fatal configuration error per spec §4.6.
var ErrInvalidPolicy = errors.New("orphan: invalid remove-orphans policy")

// ParsePolicy normalizes and validates a raw --remove-orphans value.
func ParsePolicy(raw string) (Policy, error) {
	p := Policy(strings.ToLower(strings.TrimSpace(raw)))
	switch p {
	case PolicyOff, PolicyRemove, PolicyAsk, PolicyOnly, PolicyForceRelease:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPolicy, raw)
	}
}
