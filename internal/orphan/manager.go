// Package orphan implements the Orphan Manager (spec §4.6): it
// enumerates prior-run snapshots matching the configured naming
// prefix, classifies which of them no longer belong to the current
// run, and destroys them under the configured removal policy.
package orphan

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	eventemitter "github.com/vansante/go-event-emitter"

	"github.com/tjhop/zfs-pbs-backup/internal/zfsutil"
)

// ZFS is the subset of the ZFS Adapter the Orphan Manager needs.
type ZFS interface {
	List(ctx context.Context, dataset string, recursive bool, columns, types []string) ([][]string, error)
	Get(ctx context.Context, datasets, properties []string, sourceOrder []string) (map[string]map[string]string, error)
	Holds(ctx context.Context, snapshots []string, recursive bool) (map[string][]string, error)
	ReleaseSnapshots(ctx context.Context, snapshots []string, holdName string, recursive, dryRun bool) error
	DestroySnapshots(ctx context.Context, snapshots []string, recursive, dryRun bool) error
}

// Manager scans for and removes orphaned snapshots.
type Manager struct {
	*eventemitter.Emitter

	ZFS    ZFS
	Logger *slog.Logger
}

// New creates an Orphan Manager.
func New(zfs ZFS, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		Emitter: eventemitter.NewEmitter(false),
		ZFS:     zfs,
		Logger:  logger,
	}
}

// Candidate is a snapshot that matches the configured prefix and does
// not belong to the current run.
type Candidate struct {
	Snapshot           string
	Dataset            string
	Snapname           string
	EffectiveTimestamp string
	HasTimestamp       bool
}

// FindOptions configures a single orphan scan.
type FindOptions struct {
	Roots             []string
	Prefix            string
	TimestampProperty string
	CurrentTimestamp  string
}

// Find enumerates every snapshot under the given roots whose name
// carries the configured prefix, then classifies which of those are
// orphans relative to CurrentTimestamp, per spec §4.6's orphan
// definition.
func (m *Manager) Find(ctx context.Context, opts FindOptions) ([]Candidate, error) {
	var names []string
	for _, root := range opts.Roots {
		rows, err := m.ZFS.List(ctx, root, true, []string{"name"}, []string{"snapshot"})
		if err != nil {
			return nil, fmt.Errorf("orphan.Find: listing snapshots under %q: %w", root, err)
		}
		for _, row := range rows {
			if len(row) < 1 || row[0] == "" {
				continue
			}
			names = append(names, row[0])
		}
	}
	sort.Strings(names)

	var prefixed []string
	for _, name := range names {
		_, snapname, ok := zfsutil.SplitSnapshotName(name)
		if !ok || !strings.HasPrefix(snapname, opts.Prefix) {
			continue
		}
		prefixed = append(prefixed, name)
	}
	if len(prefixed) == 0 {
		return nil, nil
	}

	props, err := m.ZFS.Get(ctx, prefixed, []string{opts.TimestampProperty}, nil)
	if err != nil {
		return nil, fmt.Errorf("orphan.Find: fetching timestamp property: %w", err)
	}

	candidates := make([]Candidate, 0, len(prefixed))
	for _, name := range prefixed {
		dataset, snapname, _ := zfsutil.SplitSnapshotName(name)
		ts, hasTS := EffectiveTimestamp(props[name][opts.TimestampProperty], snapname, opts.Prefix)
		if hasTS && ts == opts.CurrentTimestamp {
			continue // belongs to this run
		}
		m.EmitEvent(OrphanFoundEvent, name, ts)
		candidates = append(candidates, Candidate{
			Snapshot:           name,
			Dataset:            dataset,
			Snapname:           snapname,
			EffectiveTimestamp: ts,
			HasTimestamp:       hasTS,
		})
	}
	return candidates, nil
}

// EffectiveTimestamp resolves a snapshot's timestamp per spec §4.6: the
// timestamp property if it parses as decimal, else the decimal suffix
// of snapname after prefix, else "no timestamp" (ok=false, which still
// counts as an orphan). Exported so runctl's resume-timestamp selection
// (spec §4.7) can apply the identical rule without drifting from it.
func EffectiveTimestamp(propValue, snapname, prefix string) (string, bool) {
	if v, ok := zfsutil.ParseTimestamp(propValue); ok {
		return strconv.FormatInt(v, 10), true
	}
	suffix := strings.TrimPrefix(snapname, prefix)
	if v, ok := zfsutil.ParseTimestamp(suffix); ok {
		return strconv.FormatInt(v, 10), true
	}
	return "", false
}

// Report records what happened to a single orphan candidate during Remove.
type Report struct {
	Snapshot       string
	Destroyed      bool
	ForeignTags    []string
	clearToDestroy bool
}

// Remove releases holds and destroys every candidate. Releases are issued
// one tag per snapshot per call; the destroys go out in one batched
// invocation. A candidate carrying a foreign hold is
// skipped unless forceRelease is set, in which case every foreign tag
// is logged before being released.
func (m *Manager) Remove(ctx context.Context, candidates []Candidate, holdName string, forceRelease, dryRun bool) ([]Report, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	snaps := make([]string, len(candidates))
	for i, c := range candidates {
		snaps[i] = c.Snapshot
	}

	holds, err := m.ZFS.Holds(ctx, snaps, false)
	if err != nil {
		return nil, fmt.Errorf("orphan.Remove: reading holds: %w", err)
	}

	reports := make(map[string]*Report, len(snaps))
	for _, snap := range snaps {
		reports[snap] = &Report{Snapshot: snap}
	}

	for _, snap := range snaps {
		r := reports[snap]
		var toRelease []string
		clearToDestroy := true
		for _, tag := range holds[snap] {
			if tag != holdName {
				r.ForeignTags = append(r.ForeignTags, tag)
			}
			if tag == holdName || forceRelease {
				toRelease = append(toRelease, tag)
			} else {
				clearToDestroy = false
			}
		}
		if forceRelease && len(r.ForeignTags) > 0 {
			m.Logger.Warn("orphan.Remove: force-releasing foreign holds", "snapshot", snap, "tags", r.ForeignTags)
		}
		for _, tag := range toRelease {
			if err := m.ZFS.ReleaseSnapshots(ctx, []string{snap}, tag, false, dryRun); err != nil {
				return nil, fmt.Errorf("orphan.Remove: releasing %q from %q: %w", tag, snap, err)
			}
		}
		r.clearToDestroy = clearToDestroy
	}

	var destroyTargets []string
	for _, snap := range snaps {
		if reports[snap].clearToDestroy {
			destroyTargets = append(destroyTargets, snap)
		}
	}
	if len(destroyTargets) > 0 {
		if err := m.ZFS.DestroySnapshots(ctx, destroyTargets, false, dryRun); err != nil {
			return nil, fmt.Errorf("orphan.Remove: destroying batch: %w", err)
		}
		for _, snap := range destroyTargets {
			reports[snap].Destroyed = true
			m.EmitEvent(OrphanRemovedEvent, snap)
		}
	}

	out := make([]Report, 0, len(snaps))
	for _, snap := range snaps {
		r := reports[snap]
		if !r.Destroyed {
			m.Logger.Warn("orphan.Remove: snapshot left in place, foreign hold present", "snapshot", snap, "tags", r.ForeignTags)
			m.EmitEvent(OrphanSkippedEvent, snap, r.ForeignTags)
		}
		out = append(out, *r)
	}
	return out, nil
}

// Confirm prompts "prompt [y/N]: " on out, reading a single line from
// in. Only an exact (case-insensitive) "y" answer is a yes, matching
// spec §4.6's `ask` policy. Per spec §9, this is the only place a
// prompt is embedded — callers in runctl select *whether* to call it
// based on the configured Policy, not how it behaves.
func Confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	line, _ := bufio.NewReader(in).ReadString('\n')
	return strings.ToLower(strings.TrimSpace(line)) == "y"
}
