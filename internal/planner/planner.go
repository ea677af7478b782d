// Package planner walks each root dataset, reads the include-mode
// property across the subtree, and emits the per-dataset plans the
// Snapshot Orchestrator and PBS Adapter consume (spec §4.4).
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tjhop/zfs-pbs-backup/internal/zfsutil"
)

// DatasetPlan is a single dataset's contribution to the run, per spec §3.
type DatasetPlan struct {
	Dataset              string
	Mountpoint           string
	IncludeMode          zfsutil.IncludeMode
	RecursiveForSnapshot bool
	ProcessSelf          bool
}

// Options configures a planning pass.
type Options struct {
	Roots               []string
	IncludeProperty     string
	ExcludeEmptyParents bool
}

// Lister is the subset of the ZFS Adapter the Planner needs.
type Lister interface {
	List(ctx context.Context, dataset string, recursive bool, columns, types []string) ([][]string, error)
	Get(ctx context.Context, datasets, properties []string, sourceOrder []string) (map[string]map[string]string, error)
}

// Planner walks dataset trees and emits DatasetPlans.
type Planner struct {
	ZFS    Lister
	Logger *slog.Logger
	// ReadDir is overridable for tests of the empty-parent rule.
	ReadDir func(path string) ([]os.DirEntry, error)
}

// New creates a Planner.
func New(zfs Lister, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{ZFS: zfs, Logger: logger, ReadDir: os.ReadDir}
}

type datasetRow struct {
	name       string
	mountpoint string
}

// Plan walks every root and returns the dataset plans across all of them.
func (p *Planner) Plan(ctx context.Context, opts Options) ([]DatasetPlan, error) {
	var all []datasetRow

	for _, root := range opts.Roots {
		rows, err := p.ZFS.List(ctx, root, true, []string{"name", "mountpoint"}, []string{"filesystem"})
		if err != nil {
			return nil, fmt.Errorf("planner.Plan: listing root %q: %w", root, err)
		}
		for _, row := range rows {
			if len(row) < 2 {
				continue
			}
			all = append(all, datasetRow{name: row[0], mountpoint: row[1]})
		}
	}

	sort.Slice(all, func(i, j int) bool { return all[i].name < all[j].name })

	names := make([]string, len(all))
	mountpoints := make(map[string]string, len(all))
	for i, r := range all {
		names[i] = r.name
		mountpoints[r.name] = r.mountpoint
	}

	props, err := p.ZFS.Get(ctx, names, []string{opts.IncludeProperty}, nil)
	if err != nil {
		return nil, fmt.Errorf("planner.Plan: fetching include-mode property: %w", err)
	}

	childMountpoints := childMountpointsByParent(names, mountpoints)

	plans := make([]DatasetPlan, 0, len(all))
	for _, name := range names {
		raw := props[name][opts.IncludeProperty]
		mode, ok := zfsutil.NormalizeIncludeMode(raw)
		if !ok {
			p.Logger.Warn("planner.Plan: unrecognized include-mode value, treating as false",
				"dataset", name, "value", raw)
		}
		if mode == zfsutil.IncludeFalse {
			continue
		}

		recursiveForSnapshot := mode == zfsutil.IncludeRecursive || mode == zfsutil.IncludeChildren
		processSelf := mode == zfsutil.IncludeTrue || mode == zfsutil.IncludeRecursive

		if processSelf && opts.ExcludeEmptyParents {
			children := childMountpoints[name]
			if len(children) > 0 && p.isEmptyParent(mountpoints[name], children) {
				p.Logger.Info("planner.Plan: suppressing empty parent from backup",
					"dataset", name, "mountpoint", mountpoints[name])
				processSelf = false
			}
		}

		plans = append(plans, DatasetPlan{
			Dataset:              name,
			Mountpoint:           mountpoints[name],
			IncludeMode:          mode,
			RecursiveForSnapshot: recursiveForSnapshot,
			ProcessSelf:          processSelf,
		})
	}

	return plans, nil
}

// childMountpointsByParent computes, for each dataset, the mountpoints of
// its immediate children, taking each name's parent as everything
// before its last "/", per spec §4.4 step 4 / §9's "Bottom-up tree
// walks" note.
func childMountpointsByParent(names []string, mountpoints map[string]string) map[string][]string {
	out := make(map[string][]string, len(names))
	for _, child := range names {
		idx := strings.LastIndex(child, "/")
		if idx < 0 {
			continue
		}
		parent := child[:idx]
		out[parent] = append(out[parent], mountpoints[child])
	}
	return out
}

// isEmptyParent implements spec §4.4's rule: a processed parent whose
// mountpoint contains no immediate entries other than directories that
// are themselves child mountpoints is suppressed. A mountpoint that
// cannot be read is conservatively treated as not empty.
func (p *Planner) isEmptyParent(mountpoint string, childMountpoints []string) bool {
	if mountpoint == "" || mountpoint == "none" || mountpoint == "legacy" {
		return false
	}

	entries, err := p.ReadDir(mountpoint)
	if err != nil {
		p.Logger.Warn("planner.isEmptyParent: cannot read mountpoint, treating as not empty",
			"mountpoint", mountpoint, "error", err)
		return false
	}

	childSet := make(map[string]struct{}, len(childMountpoints))
	for _, c := range childMountpoints {
		childSet[c] = struct{}{}
	}

	for _, e := range entries {
		full := filepath.Join(mountpoint, e.Name())
		if _, isChild := childSet[full]; isChild && e.IsDir() {
			continue
		}
		return false
	}
	return true
}
