package planner

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLister is a minimal in-memory stand-in for the ZFS Adapter,
// following spec §9's "external-tool mocking" seam.
type fakeLister struct {
	rows  map[string][][]string // dataset -> rows returned by List
	props map[string]map[string]string
}

func (f *fakeLister) List(_ context.Context, dataset string, _ bool, _, _ []string) ([][]string, error) {
	return f.rows[dataset], nil
}

func (f *fakeLister) Get(_ context.Context, datasets, properties []string, _ []string) (map[string]map[string]string, error) {
	out := make(map[string]map[string]string, len(datasets))
	for _, d := range datasets {
		out[d] = map[string]string{properties[0]: f.props[d][properties[0]]}
	}
	return out, nil
}

func TestPlan_ThreeDatasetMixedModes(t *testing.T) {
	fl := &fakeLister{
		rows: map[string][][]string{
			"tank": {
				{"tank", "/tank"},
				{"tank/a", "/tank/a"},
				{"tank/b", "/tank/b"},
				{"tank/b/x", "/tank/b/x"},
				{"tank/b/y", "/tank/b/y"},
			},
		},
		props: map[string]map[string]string{
			"tank":     {"include": "recursive"},
			"tank/a":   {"include": "true"},
			"tank/b":   {"include": "children"},
			"tank/b/x": {"include": "true"},
			"tank/b/y": {"include": "false"},
		},
	}

	p := New(fl, nil)
	plans, err := p.Plan(context.Background(), Options{Roots: []string{"tank"}, IncludeProperty: "include"})
	require.NoError(t, err)

	processSelf := map[string]bool{}
	for _, pl := range plans {
		processSelf[pl.Dataset] = pl.ProcessSelf
	}
	assert.True(t, processSelf["tank"])
	assert.True(t, processSelf["tank/a"])
	assert.True(t, processSelf["tank/b/x"])
	assert.False(t, processSelf["tank/b"]) // children mode never backs up itself
	_, present := processSelf["tank/b/y"]
	assert.False(t, present, "false mode must not appear in plans at all")

	for _, pl := range plans {
		if pl.Dataset == "tank" {
			assert.True(t, pl.RecursiveForSnapshot)
		}
		if pl.Dataset == "tank/b" {
			assert.True(t, pl.RecursiveForSnapshot)
		}
		if pl.Dataset == "tank/a" || pl.Dataset == "tank/b/x" {
			assert.False(t, pl.RecursiveForSnapshot)
		}
	}
}

func TestPlan_EmptyParentSuppression(t *testing.T) {
	fl := &fakeLister{
		rows: map[string][][]string{
			"tank": {
				{"tank/media", "/mnt/media"},
				{"tank/media/movies", "/mnt/media/movies"},
			},
		},
		props: map[string]map[string]string{
			"tank/media":        {"include": "true"},
			"tank/media/movies": {"include": "true"},
		},
	}

	for _, exclude := range []bool{true, false} {
		p := New(fl, nil)
		p.ReadDir = func(path string) ([]os.DirEntry, error) {
			assert.Equal(t, "/mnt/media", path)
			return []os.DirEntry{fakeDirEntry{name: "movies", dir: true}}, nil
		}

		plans, err := p.Plan(context.Background(), Options{
			Roots:               []string{"tank"},
			IncludeProperty:     "include",
			ExcludeEmptyParents: exclude,
		})
		require.NoError(t, err)

		var mediaSelf bool
		for _, pl := range plans {
			if pl.Dataset == "tank/media" {
				mediaSelf = pl.ProcessSelf
			}
		}
		assert.Equal(t, !exclude, mediaSelf)
	}
}

type fakeDirEntry struct {
	name string
	dir  bool
}

func (f fakeDirEntry) Name() string               { return f.name }
func (f fakeDirEntry) IsDir() bool                 { return f.dir }
func (f fakeDirEntry) Type() os.FileMode           { return 0 }
func (f fakeDirEntry) Info() (os.FileInfo, error)  { return nil, nil }
