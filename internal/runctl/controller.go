// Package runctl is the Run Controller (spec §4.7): the top-level
// state machine that discovers plans, selects or resumes a run
// timestamp, cleans orphans, sequences snapshot creation/backup, and
// tears down under dry-run or execute mode.
package runctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	eventemitter "github.com/vansante/go-event-emitter"

	"github.com/tjhop/zfs-pbs-backup/internal/config"
	"github.com/tjhop/zfs-pbs-backup/internal/orchestrator"
	"github.com/tjhop/zfs-pbs-backup/internal/orphan"
	"github.com/tjhop/zfs-pbs-backup/internal/pbsutil"
	"github.com/tjhop/zfs-pbs-backup/internal/planner"
	"github.com/tjhop/zfs-pbs-backup/internal/zfsutil"
)

// Phase names the state machine's nodes, per spec §4.7's transition table.
type Phase string

const (
	PhaseStart           Phase = "start"
	PhaseDiscoverPlans   Phase = "discover-plans"
	PhaseSelectTimestamp Phase = "select-timestamp"
	PhaseCleanOrphans    Phase = "clean-orphans"
	PhaseCreateSnapshots Phase = "create-snapshots"
	PhaseStampTimestamp  Phase = "stamp-timestamp"
	PhasePBSStatus       Phase = "pbs-status"
	PhasePBSBackup       Phase = "pbs-backup"
	PhaseTeardown        Phase = "teardown"
	PhaseDone            Phase = "done"
)

// Errors surfaced by the Run Controller, per spec §7.
var (
	// ErrNoResumeCandidate is returned when --resume was given but no
	// prior-run snapshot could be found.
	ErrNoResumeCandidate = errors.New("runctl: --resume given but no prior snapshot found")
	// ErrInterrupted names a run cancelled by SIGINT. Run does not return
	// it: cmd/run.go detects cancellation from the context and exits 130.
	ErrInterrupted = errors.New("runctl: interrupted")
)

// ZFS is the subset of the ZFS Adapter the Run Controller itself needs
// directly (for resume-timestamp scanning); Planner, Orchestrator, and
// Orphan Manager each depend on their own narrower subset.
type ZFS interface {
	List(ctx context.Context, dataset string, recursive bool, columns, types []string) ([][]string, error)
	Get(ctx context.Context, datasets, properties []string, sourceOrder []string) (map[string]map[string]string, error)
}

// Status is a point-in-time, read-only snapshot of a run, exposed to
// statusd for its JSON endpoint.
type Status struct {
	Phase        Phase
	SnapshotName string
	Plans        []planner.DatasetPlan
	StartedAt    time.Time
}

// Controller drives a single run of the pipeline end to end.
type Controller struct {
	*eventemitter.Emitter

	Config       config.Config
	ZFS          ZFS
	Planner      *planner.Planner
	Orchestrator *orchestrator.Orchestrator
	Orphans      *orphan.Manager
	PBS          *pbsutil.Client
	Logger       *slog.Logger

	// Now returns the current time as a decimal unix-seconds string;
	// overridable so tests can pin the run's timestamp.
	Now func() string
	// Hostname resolves the default PBS --backup-id; overridable for tests.
	Hostname func() (string, error)
	// Stdin/Stdout back the `ask` orphan-removal confirmation prompt.
	Stdin  io.Reader
	Stdout io.Writer

	mu     sync.Mutex
	status Status
}

// New creates a Run Controller wired to its already-constructed dependencies.
func New(cfg config.Config, zfs ZFS, pl *planner.Planner, orch *orchestrator.Orchestrator, orphans *orphan.Manager, pbs *pbsutil.Client, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		Emitter:      eventemitter.NewEmitter(false),
		Config:       cfg,
		ZFS:          zfs,
		Planner:      pl,
		Orchestrator: orch,
		Orphans:      orphans,
		PBS:          pbs,
		Logger:       logger,
		Now:          func() string { return strconv.FormatInt(time.Now().Unix(), 10) },
		Hostname:     os.Hostname,
		Stdin:        os.Stdin,
		Stdout:       os.Stdout,
	}
}

// Status returns a copy of the controller's current status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) setPhase(p Phase) {
	c.mu.Lock()
	c.status.Phase = p
	c.mu.Unlock()
	c.EmitEvent(PhaseChangedEvent, p)
}

func (c *Controller) setPlans(plans []planner.DatasetPlan) {
	c.mu.Lock()
	c.status.Plans = plans
	c.mu.Unlock()
}

func (c *Controller) setSnapshotName(name string) {
	c.mu.Lock()
	c.status.SnapshotName = name
	c.mu.Unlock()
}

// Run executes the state machine in spec §4.7 to completion, returning
// the process exit code the caller (cmd/run.go) should use.
func (c *Controller) Run(ctx context.Context) (int, error) {
	c.mu.Lock()
	c.status = Status{Phase: PhaseStart, StartedAt: time.Now()}
	c.mu.Unlock()

	c.setPhase(PhaseDiscoverPlans)
	plans, err := c.Planner.Plan(ctx, planner.Options{
		Roots:               c.Config.Roots,
		IncludeProperty:     c.Config.IncludeProperty,
		ExcludeEmptyParents: c.Config.ExcludeEmptyParents,
	})
	if err != nil {
		return 1, fmt.Errorf("runctl.Run: planning: %w", err)
	}
	if len(plans) == 0 {
		c.Logger.Info("runctl.Run: no datasets matched the include property, nothing to do")
		c.setPhase(PhaseDone)
		return 0, nil
	}
	c.setPlans(plans)

	c.setPhase(PhaseSelectTimestamp)
	timestamp, err := c.selectTimestamp(ctx, plans)
	if err != nil {
		return 1, fmt.Errorf("runctl.Run: selecting timestamp: %w", err)
	}
	if timestamp == "" {
		c.Logger.Error("runctl.Run: --resume given but no prior snapshot found")
		return 1, ErrNoResumeCandidate
	}
	snapshotName := c.Config.SnapshotPrefix + timestamp
	c.setSnapshotName(snapshotName)

	c.setPhase(PhaseCleanOrphans)
	onlyDone, err := c.cleanOrphans(ctx, plans, timestamp)
	if err != nil {
		return 1, fmt.Errorf("runctl.Run: cleaning orphans: %w", err)
	}
	if onlyDone {
		c.setPhase(PhaseDone)
		return 0, nil
	}

	var result *orchestrator.CreationResult
	if !c.Config.Resume {
		c.setPhase(PhaseCreateSnapshots)
		result, err = c.Orchestrator.Create(ctx, plans, snapshotName, c.Config.DryRun())
		if err != nil {
			return 1, fmt.Errorf("runctl.Run: creating snapshots: %w", err)
		}
		if c.Config.HoldSnapshots {
			if err := c.Orchestrator.Hold(ctx, result, c.Config.HoldName, c.Config.DryRun()); err != nil {
				return 1, fmt.Errorf("runctl.Run: holding snapshots: %w", err)
			}
		}

		c.setPhase(PhaseStampTimestamp)
		if err := c.Orchestrator.Stamp(ctx, plans, snapshotName, c.Config.TimestampProperty, timestamp, c.Config.DryRun()); err != nil {
			return 1, fmt.Errorf("runctl.Run: stamping timestamp: %w", err)
		}
	} else {
		c.Logger.Info("runctl.Run: --resume given, skipping snapshot creation and stamping", "snapshotName", snapshotName)
		result = recreatePartition(plans, snapshotName)
	}

	c.setPhase(PhasePBSStatus)
	repository, err := c.Config.Repository()
	if err != nil {
		return 1, fmt.Errorf("runctl.Run: building repository string: %w", err)
	}
	secret := c.Config.Secret()
	if err := c.PBS.Status(ctx, repository, secret, c.Config.DryRun()); err != nil {
		c.Logger.Error("runctl.Run: PBS repository status check failed", "error", err)
		return 1, fmt.Errorf("runctl.Run: PBS status: %w", err)
	}

	c.setPhase(PhasePBSBackup)
	hostname, err := c.Hostname()
	if err != nil {
		return 1, fmt.Errorf("runctl.Run: resolving hostname: %w", err)
	}
	backupID := c.Config.PBS.BackupID
	if backupID == "" {
		backupID = hostname
	}

	var backupPlans []pbsutil.BackupPlan
	for _, p := range plans {
		if !p.ProcessSelf {
			continue
		}
		backupPlans = append(backupPlans, pbsutil.BackupPlan{
			Dataset:           p.Dataset,
			Mountpoint:        p.Mountpoint,
			ArchiveNamePrefix: c.Config.PBS.ArchiveNamePrefix,
		})
	}

	err = c.PBS.Backup(ctx, backupPlans, snapshotName, pbsutil.BackupOptions{
		Repository:          repository,
		Secret:              secret,
		Namespace:           c.Config.PBS.Namespace,
		BackupID:            backupID,
		BackupTime:          timestamp,
		ChangeDetectionMode: pbsutil.ChangeDetectionMode(c.Config.PBS.ChangeDetectionMode),
		DryRun:              c.Config.DryRun(),
	})
	if err != nil {
		// Per spec §9's Open Question, leave snapshots (and holds) in
		// place on backup failure so --resume can pick the run back up.
		c.Logger.Error("runctl.Run: backup failed, leaving snapshots in place for --resume", "error", err)
		return 1, fmt.Errorf("runctl.Run: backup: %w", err)
	}
	c.EmitEvent(BackupCompletedEvent, snapshotName, len(backupPlans))

	c.setPhase(PhaseTeardown)
	if _, err := c.Orchestrator.Teardown(ctx, result, c.Config.HoldName, c.Config.HoldSnapshots, false, c.Config.DryRun()); err != nil {
		return 1, fmt.Errorf("runctl.Run: tearing down snapshots: %w", err)
	}

	c.setPhase(PhaseDone)
	return 0, nil
}

// selectTimestamp implements spec §4.7's SELECT_TIMESTAMP: a fresh
// now() unless --resume was given, in which case it scans for the
// maximum effective timestamp across every plan's matching-prefix
// snapshots.
func (c *Controller) selectTimestamp(ctx context.Context, plans []planner.DatasetPlan) (string, error) {
	if !c.Config.Resume {
		return c.Now(), nil
	}

	var names []string
	for _, p := range plans {
		rows, err := c.ZFS.List(ctx, p.Dataset, false, []string{"name"}, []string{"snapshot"})
		if err != nil {
			return "", fmt.Errorf("listing snapshots for %q: %w", p.Dataset, err)
		}
		for _, row := range rows {
			if len(row) > 0 && row[0] != "" {
				names = append(names, row[0])
			}
		}
	}
	if len(names) == 0 {
		return "", nil
	}

	props, err := c.ZFS.Get(ctx, names, []string{c.Config.TimestampProperty}, nil)
	if err != nil {
		return "", fmt.Errorf("fetching timestamp property: %w", err)
	}

	var best int64
	found := false
	for _, name := range names {
		_, snapname, ok := zfsutil.SplitSnapshotName(name)
		if !ok || !strings.HasPrefix(snapname, c.Config.SnapshotPrefix) {
			continue
		}
		raw, hasTS := orphan.EffectiveTimestamp(props[name][c.Config.TimestampProperty], snapname, c.Config.SnapshotPrefix)
		if !hasTS {
			continue
		}
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		if !found || ts > best {
			best, found = ts, true
		}
	}
	if !found {
		return "", nil
	}
	return strconv.FormatInt(best, 10), nil
}

// cleanOrphans implements spec §4.6's policy switch. It returns
// onlyDone=true when PolicyOnly was configured, signalling the caller
// to exit before creating any snapshots.
func (c *Controller) cleanOrphans(ctx context.Context, plans []planner.DatasetPlan, currentTimestamp string) (onlyDone bool, err error) {
	policy, err := orphan.ParsePolicy(c.Config.RemoveOrphans)
	if err != nil {
		return false, err
	}

	candidates, err := c.Orphans.Find(ctx, orphan.FindOptions{
		Roots:             c.Config.Roots,
		Prefix:            c.Config.SnapshotPrefix,
		TimestampProperty: c.Config.TimestampProperty,
		CurrentTimestamp:  currentTimestamp,
	})
	if err != nil {
		return false, err
	}

	switch policy {
	case orphan.PolicyOff:
		c.Logger.Info("runctl.cleanOrphans: found orphaned snapshots, removal disabled", "count", len(candidates))
	case orphan.PolicyOnly:
		if _, err := c.Orphans.Remove(ctx, candidates, c.Config.HoldName, false, c.Config.DryRun()); err != nil {
			return false, err
		}
		return true, nil
	case orphan.PolicyAsk:
		if len(candidates) == 0 {
			break
		}
		if !orphan.Confirm(c.Stdin, c.Stdout, fmt.Sprintf("Remove %d orphaned snapshot(s)?", len(candidates))) {
			c.Logger.Info("runctl.cleanOrphans: removal declined by operator", "count", len(candidates))
			break
		}
		if _, err := c.Orphans.Remove(ctx, candidates, c.Config.HoldName, false, c.Config.DryRun()); err != nil {
			return false, err
		}
	case orphan.PolicyRemove:
		if _, err := c.Orphans.Remove(ctx, candidates, c.Config.HoldName, false, c.Config.DryRun()); err != nil {
			return false, err
		}
	case orphan.PolicyForceRelease:
		if _, err := c.Orphans.Remove(ctx, candidates, c.Config.HoldName, true, c.Config.DryRun()); err != nil {
			return false, err
		}
	}
	return false, nil
}

// recreatePartition rebuilds the minimized-recursive-root partition
// Create would have produced, without re-running it, so --resume's
// Teardown can respect the same -r-vs-batch split spec §4.5 mandates.
func recreatePartition(plans []planner.DatasetPlan, snapshotName string) *orchestrator.CreationResult {
	var recursiveCandidates []string
	for _, p := range plans {
		if p.RecursiveForSnapshot {
			recursiveCandidates = append(recursiveCandidates, p.Dataset)
		}
	}
	roots := orchestrator.Minimize(recursiveCandidates)

	var nonRecursive []string
	for _, p := range plans {
		if p.RecursiveForSnapshot || orchestrator.Covered(p.Dataset, roots) {
			continue
		}
		nonRecursive = append(nonRecursive, p.Dataset)
	}

	return &orchestrator.CreationResult{
		SnapshotName:        snapshotName,
		RecursiveRoots:      roots,
		NonRecursiveTargets: nonRecursive,
	}
}
