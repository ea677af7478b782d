package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjhop/zfs-pbs-backup/internal/planner"
)

type call struct {
	method     string
	datasets   []string
	snapname   string
	holdName   string
	recursive  bool
	props      map[string]string
}

type fakeZFS struct {
	calls []call
	holds map[string][]string
}

func (f *fakeZFS) CreateSnapshots(_ context.Context, datasets []string, snapname string, recursive, _ bool) ([]string, error) {
	f.calls = append(f.calls, call{method: "create", datasets: datasets, snapname: snapname, recursive: recursive})
	out := make([]string, len(datasets))
	for i, d := range datasets {
		out[i] = d + "@" + snapname
	}
	return out, nil
}

func (f *fakeZFS) HoldSnapshots(_ context.Context, snapshots []string, holdName string, recursive, _ bool) error {
	f.calls = append(f.calls, call{method: "hold", datasets: snapshots, holdName: holdName, recursive: recursive})
	return nil
}

func (f *fakeZFS) Holds(_ context.Context, snapshots []string, _ bool) (map[string][]string, error) {
	out := make(map[string][]string, len(snapshots))
	for _, s := range snapshots {
		out[s] = f.holds[s]
	}
	return out, nil
}

func (f *fakeZFS) ReleaseSnapshots(_ context.Context, snapshots []string, holdName string, recursive, _ bool) error {
	f.calls = append(f.calls, call{method: "release", datasets: snapshots, holdName: holdName, recursive: recursive})
	return nil
}

func (f *fakeZFS) DestroySnapshots(_ context.Context, snapshots []string, recursive, _ bool) error {
	f.calls = append(f.calls, call{method: "destroy", datasets: snapshots, recursive: recursive})
	return nil
}

func (f *fakeZFS) Set(_ context.Context, datasets []string, props map[string]string, _ bool) error {
	f.calls = append(f.calls, call{method: "set", datasets: datasets, props: props})
	return nil
}

func plansFor(recursive map[string]bool) []planner.DatasetPlan {
	var out []planner.DatasetPlan
	for d, r := range recursive {
		out = append(out, planner.DatasetPlan{Dataset: d, RecursiveForSnapshot: r, ProcessSelf: true})
	}
	return out
}

func TestCreate_MinimizesRootsAndBatchesRest(t *testing.T) {
	f := &fakeZFS{}
	o := New(f, nil)

	plans := plansFor(map[string]bool{
		"tank":      true,
		"tank/a":    false, // covered by tank, excluded from both lists
		"pool2/b":   false,
		"pool2/b/x": false,
	})
	result, err := o.Create(context.Background(), plans, "snap1", false)
	require.NoError(t, err)

	assert.Equal(t, []string{"tank"}, result.RecursiveRoots)
	assert.ElementsMatch(t, []string{"pool2/b", "pool2/b/x"}, result.NonRecursiveTargets)

	var recursiveCall, batchCall *call
	for i := range f.calls {
		c := &f.calls[i]
		if c.method != "create" {
			continue
		}
		if c.recursive {
			recursiveCall = c
		} else {
			batchCall = c
		}
	}
	require.NotNil(t, recursiveCall)
	require.NotNil(t, batchCall)
	assert.Equal(t, []string{"tank"}, recursiveCall.datasets)
	assert.ElementsMatch(t, []string{"pool2/b", "pool2/b/x"}, batchCall.datasets)
}

func TestStamp_CoversEveryPlan(t *testing.T) {
	f := &fakeZFS{}
	o := New(f, nil)

	plans := []planner.DatasetPlan{{Dataset: "tank/a"}, {Dataset: "tank/b"}}
	err := o.Stamp(context.Background(), plans, "snap1", "myprop:unix_timestamp", "1700000000", false)
	require.NoError(t, err)

	require.Len(t, f.calls, 1)
	assert.Equal(t, "set", f.calls[0].method)
	assert.ElementsMatch(t, []string{"tank/a@snap1", "tank/b@snap1"}, f.calls[0].datasets)
	assert.Equal(t, "1700000000", f.calls[0].props["myprop:unix_timestamp"])
}

func TestTeardown_NoHolds_DestroysDirectly(t *testing.T) {
	f := &fakeZFS{holds: map[string][]string{"tank@snap1": nil}}
	o := New(f, nil)

	result := &CreationResult{SnapshotName: "snap1", RecursiveRoots: []string{"tank"}}
	reports, err := o.Teardown(context.Background(), result, "zfs-pbs-backup", true, false, false)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].Destroyed)

	for _, c := range f.calls {
		assert.NotEqual(t, "release", c.method, "no release call should happen when there are no holds")
	}
}

func TestTeardown_OwnHoldOnly_ReleasesThenDestroys(t *testing.T) {
	f := &fakeZFS{holds: map[string][]string{"tank@snap1": {"zfs-pbs-backup"}}}
	o := New(f, nil)

	result := &CreationResult{SnapshotName: "snap1", RecursiveRoots: []string{"tank"}}
	reports, err := o.Teardown(context.Background(), result, "zfs-pbs-backup", true, false, false)
	require.NoError(t, err)
	assert.True(t, reports[0].Destroyed)

	var released, destroyed bool
	for _, c := range f.calls {
		if c.method == "release" {
			released = true
			assert.Equal(t, "zfs-pbs-backup", c.holdName)
		}
		if c.method == "destroy" {
			destroyed = true
		}
	}
	assert.True(t, released)
	assert.True(t, destroyed)
}

func TestTeardown_ForeignHold_SkipsDestroyWithoutForceRelease(t *testing.T) {
	f := &fakeZFS{holds: map[string][]string{"tank@snap1": {"someone-else"}}}
	o := New(f, nil)

	result := &CreationResult{SnapshotName: "snap1", RecursiveRoots: []string{"tank"}}
	reports, err := o.Teardown(context.Background(), result, "zfs-pbs-backup", true, false, false)
	require.NoError(t, err)
	assert.False(t, reports[0].Destroyed)
	assert.Equal(t, []string{"someone-else"}, reports[0].ForeignTags)

	for _, c := range f.calls {
		assert.NotEqual(t, "destroy", c.method)
	}
}

func TestTeardown_ForeignHold_ForceReleaseDestroys(t *testing.T) {
	f := &fakeZFS{holds: map[string][]string{"tank@snap1": {"someone-else"}}}
	o := New(f, nil)

	result := &CreationResult{SnapshotName: "snap1", RecursiveRoots: []string{"tank"}}
	reports, err := o.Teardown(context.Background(), result, "zfs-pbs-backup", true, true, false)
	require.NoError(t, err)
	assert.True(t, reports[0].Destroyed)

	var releasedForeign bool
	for _, c := range f.calls {
		if c.method == "release" && c.holdName == "someone-else" {
			releasedForeign = true
		}
	}
	assert.True(t, releasedForeign)
}
