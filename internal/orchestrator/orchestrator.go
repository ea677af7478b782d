// Package orchestrator drives snapshot creation for a run: it
// minimizes recursive roots, batches non-recursive creations, applies
// holds, stamps the run timestamp property, and at teardown releases
// and destroys snapshots.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	eventemitter "github.com/vansante/go-event-emitter"

	"github.com/tjhop/zfs-pbs-backup/internal/planner"
)

// ZFS is the subset of the ZFS Adapter the Orchestrator needs.
type ZFS interface {
	CreateSnapshots(ctx context.Context, datasets []string, snapname string, recursive, dryRun bool) ([]string, error)
	HoldSnapshots(ctx context.Context, snapshots []string, holdName string, recursive, dryRun bool) error
	Holds(ctx context.Context, snapshots []string, recursive bool) (map[string][]string, error)
	ReleaseSnapshots(ctx context.Context, snapshots []string, holdName string, recursive, dryRun bool) error
	DestroySnapshots(ctx context.Context, snapshots []string, recursive, dryRun bool) error
	Set(ctx context.Context, datasets []string, props map[string]string, dryRun bool) error
}

// Orchestrator drives snapshot creation, holding, stamping, and teardown.
type Orchestrator struct {
	*eventemitter.Emitter

	ZFS    ZFS
	Logger *slog.Logger
}

// New creates an Orchestrator.
func New(zfs ZFS, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		Emitter: eventemitter.NewEmitter(false),
		ZFS:     zfs,
		Logger:  logger,
	}
}

// CreationResult records the minimized/partitioned targets a Create call
// acted on, so Hold/Stamp/Teardown can mirror the same partition.
type CreationResult struct {
	SnapshotName        string
	RecursiveRoots      []string // R*
	NonRecursiveTargets []string // N
	CreatedSnapshots    []string // root@snap for each R*, dataset@snap for each N
}

// Create minimizes the recursive roots among plans, issues one
// recursive `zfs snapshot -r` per minimized root, then a single
// non-recursive `zfs snapshot` for everything else, per spec §4.5
// steps 1-5.
func (o *Orchestrator) Create(ctx context.Context, plans []planner.DatasetPlan, snapname string, dryRun bool) (*CreationResult, error) {
	var recursiveCandidates []string
	for _, p := range plans {
		if p.RecursiveForSnapshot {
			recursiveCandidates = append(recursiveCandidates, p.Dataset)
		}
	}
	roots := Minimize(recursiveCandidates)

	result := &CreationResult{SnapshotName: snapname, RecursiveRoots: roots}

	for _, root := range roots {
		created, err := o.ZFS.CreateSnapshots(ctx, []string{root}, snapname, true, dryRun)
		if err != nil {
			return nil, fmt.Errorf("orchestrator.Create: recursive snapshot of %q: %w", root, err)
		}
		result.CreatedSnapshots = append(result.CreatedSnapshots, created...)
		o.EmitEvent(SnapshotCreatedEvent, created[0], root, true)
	}

	var nonRecursive []string
	for _, p := range plans {
		if p.RecursiveForSnapshot {
			continue
		}
		if Covered(p.Dataset, roots) {
			continue
		}
		nonRecursive = append(nonRecursive, p.Dataset)
	}
	result.NonRecursiveTargets = nonRecursive

	if len(nonRecursive) > 0 {
		created, err := o.ZFS.CreateSnapshots(ctx, nonRecursive, snapname, false, dryRun)
		if err != nil {
			return nil, fmt.Errorf("orchestrator.Create: non-recursive snapshot batch: %w", err)
		}
		result.CreatedSnapshots = append(result.CreatedSnapshots, created...)
		for _, name := range created {
			o.EmitEvent(SnapshotCreatedEvent, name, "", false)
		}
	}

	return result, nil
}

// Hold mirrors Create's minimized/partitioned invocations for `zfs
// hold`, per spec §4.5 "Holding".
func (o *Orchestrator) Hold(ctx context.Context, result *CreationResult, holdName string, dryRun bool) error {
	for _, root := range result.RecursiveRoots {
		snap := fmt.Sprintf("%s@%s", root, result.SnapshotName)
		if err := o.ZFS.HoldSnapshots(ctx, []string{snap}, holdName, true, dryRun); err != nil {
			return fmt.Errorf("orchestrator.Hold: recursive hold on %q: %w", snap, err)
		}
		o.EmitEvent(SnapshotHeldEvent, snap, holdName)
	}

	if len(result.NonRecursiveTargets) > 0 {
		snaps := snapshotNames(result.NonRecursiveTargets, result.SnapshotName)
		if err := o.ZFS.HoldSnapshots(ctx, snaps, holdName, false, dryRun); err != nil {
			return fmt.Errorf("orchestrator.Hold: non-recursive hold batch: %w", err)
		}
		for _, s := range snaps {
			o.EmitEvent(SnapshotHeldEvent, s, holdName)
		}
	}
	return nil
}

// Stamp sets the timestamp property on every dataset@snapname for which
// a plan exists, in one batched `zfs set` call, per spec §4.5
// "Stamping" and §3's invariant.
func (o *Orchestrator) Stamp(ctx context.Context, plans []planner.DatasetPlan, snapname, timestampProperty, timestamp string, dryRun bool) error {
	datasets := make([]string, len(plans))
	for i, p := range plans {
		datasets[i] = fmt.Sprintf("%s@%s", p.Dataset, snapname)
	}
	if len(datasets) == 0 {
		return nil
	}
	if err := o.ZFS.Set(ctx, datasets, map[string]string{timestampProperty: timestamp}, dryRun); err != nil {
		return fmt.Errorf("orchestrator.Stamp: %w", err)
	}
	o.EmitEvent(SnapshotStampedEvent, datasets, timestamp)
	return nil
}

func snapshotNames(datasets []string, snapname string) []string {
	out := make([]string, len(datasets))
	for i, d := range datasets {
		out[i] = fmt.Sprintf("%s@%s", d, snapname)
	}
	return out
}

// HoldState classifies what Teardown found on a snapshot when deciding
// whether it is safe to release and destroy.
type HoldState int

const (
	// HoldStateNone means the snapshot carries no holds at all.
	HoldStateNone HoldState = iota
	// HoldStateOwnOnly means the only hold present is the one this run applied.
	HoldStateOwnOnly
	// HoldStateForeign means at least one hold belongs to someone else.
	HoldStateForeign
)

// TeardownReport records what happened to each snapshot target during
// Teardown, for callers that want to log or assert on it.
type TeardownReport struct {
	Snapshot       string
	State          HoldState
	ForeignTags    []string
	Destroyed      bool
	clearToDestroy bool
}

// Teardown reads holds for every snapshot Create produced, releases
// this run's own hold (and, if forceRelease is set, any foreign holds
// too, logging their tags first), and destroys the snapshot. It
// respects the same minimized-recursive partition Create used: roots
// are released/destroyed with -r, the rest in one non-recursive batch.
func (o *Orchestrator) Teardown(ctx context.Context, result *CreationResult, holdName string, holdWasEnabled, forceRelease, dryRun bool) ([]TeardownReport, error) {
	rootSnaps := make([]string, len(result.RecursiveRoots))
	for i, root := range result.RecursiveRoots {
		rootSnaps[i] = fmt.Sprintf("%s@%s", root, result.SnapshotName)
	}
	batchSnaps := snapshotNames(result.NonRecursiveTargets, result.SnapshotName)

	all := append(append([]string(nil), rootSnaps...), batchSnaps...)
	if len(all) == 0 {
		return nil, nil
	}

	holds, err := o.ZFS.Holds(ctx, all, false)
	if err != nil {
		return nil, fmt.Errorf("orchestrator.Teardown: reading holds: %w", err)
	}

	reports := make(map[string]*TeardownReport, len(all))
	isRoot := make(map[string]bool, len(rootSnaps))
	for _, snap := range rootSnaps {
		isRoot[snap] = true
	}
	for _, snap := range all {
		reports[snap] = classifyHolds(snap, holds[snap], holdName, holdWasEnabled)
	}

	// Release tag-by-tag: a snapshot can carry foreign tags distinct
	// from our own, and zfs release only clears one tag per call.
	for _, snap := range all {
		r := reports[snap]
		tags := releaseTags(holds[snap], holdName, forceRelease)
		recursive := isRoot[snap]
		if forceRelease && len(r.ForeignTags) > 0 {
			o.Logger.Warn("orchestrator.Teardown: force-releasing foreign holds", "snapshot", snap, "tags", r.ForeignTags)
		}
		for _, tag := range tags {
			if err := o.ZFS.ReleaseSnapshots(ctx, []string{snap}, tag, recursive, dryRun); err != nil {
				return nil, fmt.Errorf("orchestrator.Teardown: releasing %q from %q: %w", tag, snap, err)
			}
			o.EmitEvent(SnapshotReleasedEvent, snap, tag)
		}
		if r.State == HoldStateForeign && !forceRelease {
			continue
		}
		r.clearToDestroy = true
	}

	var destroyRecursive, destroyBatch []string
	for _, snap := range rootSnaps {
		if reports[snap].clearToDestroy {
			destroyRecursive = append(destroyRecursive, snap)
		}
	}
	for _, snap := range batchSnaps {
		if reports[snap].clearToDestroy {
			destroyBatch = append(destroyBatch, snap)
		}
	}

	for _, snap := range destroyRecursive {
		if err := o.ZFS.DestroySnapshots(ctx, []string{snap}, true, dryRun); err != nil {
			return nil, fmt.Errorf("orchestrator.Teardown: destroying %q: %w", snap, err)
		}
		reports[snap].Destroyed = true
		o.EmitEvent(SnapshotDestroyedEvent, snap)
	}
	if len(destroyBatch) > 0 {
		if err := o.ZFS.DestroySnapshots(ctx, destroyBatch, false, dryRun); err != nil {
			return nil, fmt.Errorf("orchestrator.Teardown: destroying batch: %w", err)
		}
		for _, snap := range destroyBatch {
			reports[snap].Destroyed = true
			o.EmitEvent(SnapshotDestroyedEvent, snap)
		}
	}

	out := make([]TeardownReport, 0, len(all))
	for _, snap := range all {
		r := reports[snap]
		if !r.Destroyed {
			o.Logger.Warn("snapshot left in place, foreign hold present", "snapshot", snap, "tags", r.ForeignTags)
			o.EmitEvent(SnapshotSkippedEvent, snap, r.ForeignTags)
		}
		out = append(out, *r)
	}
	return out, nil
}

func classifyHolds(snap string, tags []string, holdName string, holdWasEnabled bool) *TeardownReport {
	r := &TeardownReport{Snapshot: snap}
	switch {
	case len(tags) == 0:
		r.State = HoldStateNone
	case len(tags) == 1 && tags[0] == holdName && holdWasEnabled:
		r.State = HoldStateOwnOnly
	default:
		r.State = HoldStateForeign
		for _, tag := range tags {
			if tag != holdName {
				r.ForeignTags = append(r.ForeignTags, tag)
			}
		}
	}
	return r
}

// releaseTags returns the hold tags that should be released on a
// snapshot: our own tag always, and every foreign tag too when
// forceRelease is set (after logging, by the caller).
func releaseTags(tags []string, holdName string, forceRelease bool) []string {
	var out []string
	for _, tag := range tags {
		if tag == holdName || forceRelease {
			out = append(out, tag)
		}
	}
	return out
}
