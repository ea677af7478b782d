// Package zfsutil is the only component that issues "zfs" commands.
// All operations use parsable output (-H -p -o) and never print to
// stderr themselves; failures are returned as errors for the caller
// to log.
package zfsutil

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/tjhop/zfs-pbs-backup/internal/runner"
)

const binary = "zfs"

// DefaultSourceOrder is the source list Get passes to `zfs get -s` when
// the caller supplies none.
var DefaultSourceOrder = []string{"local", "received", "default", "inherited"}

// Adapter issues zfs commands through a runner.Runner.
type Adapter struct {
	Run    runner.Runner
	Logger *slog.Logger
}

// New creates a ZFS Adapter.
func New(r runner.Runner, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{Run: r, Logger: logger}
}

func splitRows(stdout string) [][]string {
	stdout = strings.TrimSuffix(stdout, "\n")
	if stdout == "" {
		return nil
	}
	lines := strings.Split(stdout, "\n")
	rows := make([][]string, 0, len(lines))
	for _, line := range lines {
		rows = append(rows, strings.Split(line, "\t"))
	}
	return rows
}

// List runs `zfs list` for an (optional) dataset, returning tab-split
// rows for the requested columns and types.
func (z *Adapter) List(ctx context.Context, dataset string, recursive bool, columns, types []string) ([][]string, error) {
	args := []string{binary, "list", "-H", "-p"}
	if recursive {
		args = append(args, "-r")
	}
	if len(types) > 0 {
		args = append(args, "-t", strings.Join(types, ","))
	}
	args = append(args, "-o", strings.Join(columns, ","))
	if dataset != "" {
		args = append(args, dataset)
	}

	cp, err := z.Run.Run(ctx, runner.Options{
		Args:    args,
		Message: fmt.Sprintf("listing %s", datasetOrAll(dataset)),
		Check:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("zfsutil.List: %w", err)
	}
	return splitRows(cp.Stdout), nil
}

func datasetOrAll(dataset string) string {
	if dataset == "" {
		return "all datasets"
	}
	return dataset
}

// Exists returns whether a dataset exists. A nonzero exit from
// `zfs list` means false, never an error.
func (z *Adapter) Exists(ctx context.Context, dataset string, types []string) bool {
	args := []string{binary, "list", "-H"}
	if len(types) > 0 {
		args = append(args, "-t", strings.Join(types, ","))
	}
	args = append(args, dataset)

	cp, err := z.Run.Run(ctx, runner.Options{
		Args:    args,
		Message: fmt.Sprintf("checking existence of %s", dataset),
	})
	if err != nil {
		return false
	}
	return cp.ExitCode == 0
}

// Get fetches properties for a set of datasets in a single batched
// invocation, returning raw, uncoerced string values.
func (z *Adapter) Get(ctx context.Context, datasets, properties []string, sourceOrder []string) (map[string]map[string]string, error) {
	if len(sourceOrder) == 0 {
		sourceOrder = DefaultSourceOrder
	}
	args := []string{binary, "get", "-H", "-p", "-o", "name,property,value",
		"-s", strings.Join(sourceOrder, ","),
		strings.Join(properties, ","),
	}
	args = append(args, datasets...)

	cp, err := z.Run.Run(ctx, runner.Options{
		Args:    args,
		Message: fmt.Sprintf("fetching properties %v for %d dataset(s)", properties, len(datasets)),
		Check:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("zfsutil.Get: %w", err)
	}

	out := make(map[string]map[string]string, len(datasets))
	for _, row := range splitRows(cp.Stdout) {
		if len(row) != 3 {
			continue
		}
		name, prop, val := row[0], row[1], row[2]
		if out[name] == nil {
			out[name] = make(map[string]string, len(properties))
		}
		out[name][prop] = val
	}
	return out, nil
}

// Set batches multiple property assignments for a set of datasets into
// one `zfs set` invocation.
func (z *Adapter) Set(ctx context.Context, datasets []string, props map[string]string, dryRun bool) error {
	if len(datasets) == 0 || len(props) == 0 {
		return nil
	}
	args := []string{binary, "set"}
	for k, v := range props {
		args = append(args, fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, datasets...)

	_, err := z.mutate(ctx, args, fmt.Sprintf("setting properties %v on %d dataset(s)", props, len(datasets)), dryRun, datasets)
	if err != nil {
		return fmt.Errorf("zfsutil.Set: %w", err)
	}
	return nil
}

// CreateSnapshots creates `dataset@snapname` for every dataset, either
// recursively (one invocation covering all descendants per dataset) or
// in a single non-recursive invocation listing every target.
func (z *Adapter) CreateSnapshots(ctx context.Context, datasets []string, snapname string, recursive, dryRun bool) ([]string, error) {
	if len(datasets) == 0 {
		return nil, nil
	}

	names := make([]string, len(datasets))
	for i, d := range datasets {
		names[i] = fmt.Sprintf("%s@%s", d, snapname)
	}

	args := []string{binary, "snapshot"}
	if recursive {
		args = append(args, "-r")
	}
	args = append(args, names...)

	_, err := z.mutate(ctx, args, fmt.Sprintf("creating snapshot %q on %d dataset(s) (recursive=%v)", snapname, len(datasets), recursive), dryRun, datasets)
	if err != nil {
		return nil, fmt.Errorf("zfsutil.CreateSnapshots: %w", err)
	}
	return names, nil
}

// HoldSnapshots applies holdName to every snapshot in one invocation.
func (z *Adapter) HoldSnapshots(ctx context.Context, snapshots []string, holdName string, recursive, dryRun bool) error {
	if len(snapshots) == 0 {
		return nil
	}
	args := []string{binary, "hold"}
	if recursive {
		args = append(args, "-r")
	}
	args = append(args, holdName)
	args = append(args, snapshots...)

	_, err := z.mutate(ctx, args, fmt.Sprintf("holding %d snapshot(s) with tag %q", len(snapshots), holdName), dryRun, snapshots)
	if err != nil {
		return fmt.Errorf("zfsutil.HoldSnapshots: %w", err)
	}
	return nil
}

// Holds returns the hold tags for each snapshot; snapshots with no holds
// still appear, mapped to an empty slice.
func (z *Adapter) Holds(ctx context.Context, snapshots []string, recursive bool) (map[string][]string, error) {
	result := make(map[string][]string, len(snapshots))
	for _, s := range snapshots {
		result[s] = nil
	}
	if len(snapshots) == 0 {
		return result, nil
	}

	args := []string{binary, "holds", "-H"}
	if recursive {
		args = append(args, "-r")
	}
	args = append(args, snapshots...)

	cp, err := z.Run.Run(ctx, runner.Options{
		Args:    args,
		Message: fmt.Sprintf("reading holds for %d snapshot(s)", len(snapshots)),
		Check:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("zfsutil.Holds: %w", err)
	}

	for _, row := range splitRows(cp.Stdout) {
		if len(row) < 2 {
			continue
		}
		name, tag := row[0], row[1]
		result[name] = append(result[name], tag)
	}
	return result, nil
}

// ReleaseSnapshots releases holdName from every snapshot in one
// invocation.
func (z *Adapter) ReleaseSnapshots(ctx context.Context, snapshots []string, holdName string, recursive, dryRun bool) error {
	if len(snapshots) == 0 {
		return nil
	}
	args := []string{binary, "release"}
	if recursive {
		args = append(args, "-r")
	}
	args = append(args, holdName)
	args = append(args, snapshots...)

	_, err := z.mutate(ctx, args, fmt.Sprintf("releasing hold %q from %d snapshot(s)", holdName, len(snapshots)), dryRun, snapshots)
	if err != nil {
		return fmt.Errorf("zfsutil.ReleaseSnapshots: %w", err)
	}
	return nil
}

// ErrMissingAtSign is returned by DestroySnapshots when a name lacks the
// "@" separating dataset from snapshot.
var ErrMissingAtSign = fmt.Errorf("zfsutil: refusing to destroy a name without '@'")

// DestroySnapshots destroys every `dataset@snapname` given, refusing
// (fatally) any name that is not a snapshot identifier.
func (z *Adapter) DestroySnapshots(ctx context.Context, snapshots []string, recursive, dryRun bool) error {
	if len(snapshots) == 0 {
		return nil
	}
	for _, s := range snapshots {
		if !strings.Contains(s, "@") {
			return fmt.Errorf("zfsutil.DestroySnapshots: %q: %w", s, ErrMissingAtSign)
		}
	}

	args := []string{binary, "destroy"}
	if recursive {
		args = append(args, "-r")
	}
	args = append(args, snapshots...)

	_, err := z.mutate(ctx, args, fmt.Sprintf("destroying %d snapshot(s) (recursive=%v)", len(snapshots), recursive), dryRun, snapshots)
	if err != nil {
		return fmt.Errorf("zfsutil.DestroySnapshots: %w", err)
	}
	return nil
}

// mutate runs a mutating zfs invocation and, on failure, re-verifies
// target existence to classify the error.
func (z *Adapter) mutate(ctx context.Context, args []string, message string, dryRun bool, targets []string) (*runner.CompletedProcess, error) {
	cp, err := z.Run.Run(ctx, runner.Options{
		Args:    args,
		Message: message,
		DryRun:  dryRun,
	})
	if err != nil {
		return cp, err
	}
	if cp.ExitCode == 0 || !cp.Executed {
		return cp, nil
	}

	stillExists := true
	for _, t := range targets {
		ds := t
		if idx := strings.Index(t, "@"); idx >= 0 {
			ds = t[:idx]
		}
		if !z.Exists(ctx, ds, nil) {
			stillExists = false
			break
		}
	}

	return cp, z.classify(stillExists, cp.Stderr)
}

// ParseTimestamp attempts to parse a decimal unix-seconds string. It
// does not coerce non-decimal values; callers decide the fallback.
func ParseTimestamp(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
