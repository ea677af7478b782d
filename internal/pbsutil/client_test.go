package pbsutil

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjhop/zfs-pbs-backup/internal/runner"
)

func TestValidateChangeDetectionMode(t *testing.T) {
	for _, m := range []ChangeDetectionMode{ChangeDetectionLegacy, ChangeDetectionData, ChangeDetectionMetadata} {
		assert.NoError(t, ValidateChangeDetectionMode(m))
	}
	assert.ErrorIs(t, ValidateChangeDetectionMode("bogus"), ErrInvalidChangeDetectionMode)
}

func TestArchiveSpec_FailsFastWhenSnapshotDirMissing(t *testing.T) {
	_, err := ArchiveSpec("tank/a", t.TempDir(), "zfs-pbs-backup_100", "", false)
	require.Error(t, err)
}

func TestArchiveSpec_Format(t *testing.T) {
	mnt := t.TempDir()
	snapDir := filepath.Join(mnt, ".zfs", "snapshot", "zfs-pbs-backup_100")
	require.NoError(t, os.MkdirAll(snapDir, 0o755))

	spec, err := ArchiveSpec("tank/home/alice", mnt, "zfs-pbs-backup_100", "", false)
	require.NoError(t, err)
	assert.Equal(t, "tank_home_alice.pxar:"+snapDir, spec)
}

func TestArchiveSpec_DryRunSkipsExistenceCheck(t *testing.T) {
	mnt := t.TempDir() // no .zfs/snapshot/... directory created
	snapDir := filepath.Join(mnt, ".zfs", "snapshot", "zfs-pbs-backup_100")

	spec, err := ArchiveSpec("tank/home/alice", mnt, "zfs-pbs-backup_100", "", true)
	require.NoError(t, err)
	assert.Equal(t, "tank_home_alice.pxar:"+snapDir, spec)
}

func TestClient_Status_ClassifiesFailures(t *testing.T) {
	tests := []struct {
		name    string
		stderr  string
		wantErr error
	}{
		{"permission", "permission check failed", ErrAccessDenied},
		{"repo", "unable to get repository", ErrRepositoryNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &runner.FakeRunner{Scripts: []runner.Script{
				{Match: "proxmox-backup-client status", ExitCode: 1, Stderr: tt.stderr},
			}}
			c := New(f, nil)
			err := c.Status(context.Background(), "backups", Secret{Password: "secret"}, false)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestClient_Status_DoesNotLeakSecretIntoArgv(t *testing.T) {
	f := &runner.FakeRunner{}
	c := New(f, nil)

	err := c.Status(context.Background(), "backups", Secret{Password: "super-secret"}, false)
	require.NoError(t, err)
	require.Len(t, f.Invocations, 1)
	for _, a := range f.Invocations[0].Args {
		assert.NotContains(t, a, "super-secret")
	}
	assert.Equal(t, "super-secret", f.Invocations[0].Env["PBS_PASSWORD"])
}

func TestClient_Backup_SingleInvocation(t *testing.T) {
	mnt := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(mnt, ".zfs", "snapshot", "zfs-pbs-backup_100"), 0o755))

	f := &runner.FakeRunner{}
	c := New(f, nil)

	err := c.Backup(context.Background(), []BackupPlan{{Dataset: "tank/a", Mountpoint: mnt}}, "zfs-pbs-backup_100", BackupOptions{
		Repository:          "backups",
		Secret:              Secret{Password: "x"},
		BackupID:            "host1",
		BackupTime:          "100",
		ChangeDetectionMode: ChangeDetectionMetadata,
		DryRun:              true,
	})
	require.NoError(t, err)
	require.Len(t, f.Invocations, 1, "exactly one proxmox-backup-client backup invocation")
	assert.Contains(t, f.Invocations[0].Args, "--dry-run")
	assert.True(t, f.Invocations[0].ReadOnly, "backup call must always be allowed through, even under dry-run")
}

// TestClient_Backup_DryRunWithoutSnapshotDir exercises the default mode
// end to end: a dry run never actually creates the ZFS snapshot (the
// orchestrator's `zfs snapshot` call is stubbed by the Command Runner),
// so the `.zfs/snapshot/...` directory this dataset's archive spec
// points at never exists. Backup must still produce the full
// `proxmox-backup-client backup ... --dry-run` invocation rather than
// failing fast on a missing directory.
func TestClient_Backup_DryRunWithoutSnapshotDir(t *testing.T) {
	mnt := t.TempDir() // deliberately no .zfs/snapshot/... subdirectory

	f := &runner.FakeRunner{}
	c := New(f, nil)

	err := c.Backup(context.Background(), []BackupPlan{{Dataset: "tank/a", Mountpoint: mnt}}, "zfs-pbs-backup_100", BackupOptions{
		Repository:          "backups",
		Secret:              Secret{Password: "x"},
		BackupID:            "host1",
		BackupTime:          "100",
		ChangeDetectionMode: ChangeDetectionMetadata,
		DryRun:              true,
	})
	require.NoError(t, err)
	require.Len(t, f.Invocations, 1)
	joined := strings.Join(f.Invocations[0].Args, " ")
	assert.Contains(t, joined, "proxmox-backup-client backup")
	assert.Contains(t, joined, "tank_a.pxar:"+filepath.Join(mnt, ".zfs", "snapshot", "zfs-pbs-backup_100"))
	assert.Contains(t, f.Invocations[0].Args, "--dry-run")
}
