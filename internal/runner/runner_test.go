package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsReadOnly(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want bool
	}{
		{"zfs list", []string{"zfs", "list", "-H"}, true},
		{"zfs get", []string{"zfs", "get", "-H", "all"}, true},
		{"zfs holds", []string{"zfs", "holds", "tank@snap"}, true},
		{"zfs snapshot", []string{"zfs", "snapshot", "tank@snap"}, false},
		{"zfs destroy", []string{"zfs", "destroy", "tank@snap"}, false},
		{"pbs status", []string{"proxmox-backup-client", "status"}, true},
		{"pbs backup", []string{"proxmox-backup-client", "backup", "a.pxar:/x"}, false},
		{"empty", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsReadOnly(tt.args))
		})
	}
}

func TestFakeRunner_DryRunStubsMutating(t *testing.T) {
	f := &FakeRunner{}
	cp, err := f.Run(context.Background(), Options{
		Args:    []string{"zfs", "snapshot", "tank@snap"},
		Message: "creating snapshot",
		DryRun:  true,
	})
	require.NoError(t, err)
	assert.False(t, cp.Executed)
	assert.Empty(t, cp.Stdout)

	_, err = f.Run(context.Background(), Options{
		Args:   []string{"zfs", "list", "-H"},
		DryRun: true,
	})
	require.NoError(t, err)
	assert.Len(t, f.Executed(), 1) // only the read-only one executed
	assert.Len(t, f.MutatingArgs(), 1)
}

func TestFakeRunner_ExpectedReturnCode(t *testing.T) {
	f := &FakeRunner{
		Scripts: []Script{
			{Match: "proxmox-backup-client status", ExitCode: 1, Stderr: "permission check failed"},
		},
	}
	_, err := f.Run(context.Background(), Options{
		Args:                []string{"proxmox-backup-client", "status"},
		ExpectedReturnCodes: map[int]string{1: "permission check failed"},
	})
	require.Error(t, err)
	var expected *ExpectedExitError
	require.ErrorAs(t, err, &expected)
	assert.Equal(t, "permission check failed", expected.Diagnostic)
}
