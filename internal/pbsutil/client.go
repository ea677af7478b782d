package pbsutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/tjhop/zfs-pbs-backup/internal/runner"
)

const binary = "proxmox-backup-client"

// ChangeDetectionMode is the pxar change-detection strategy, per spec §4.3.
type ChangeDetectionMode string

const (
	ChangeDetectionLegacy   ChangeDetectionMode = "legacy"
	ChangeDetectionData     ChangeDetectionMode = "data"
	ChangeDetectionMetadata ChangeDetectionMode = "metadata"
)

// ErrInvalidChangeDetectionMode is returned for any value outside the
// three recognized modes — a fatal configuration error per spec §4.3.
var ErrInvalidChangeDetectionMode = errors.New("pbsutil: invalid change-detection-mode")

// ValidateChangeDetectionMode rejects anything but legacy/data/metadata.
func ValidateChangeDetectionMode(m ChangeDetectionMode) error {
	switch m {
	case ChangeDetectionLegacy, ChangeDetectionData, ChangeDetectionMetadata:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidChangeDetectionMode, m)
	}
}

// Errors surfaced by the status probe and backup submission, per spec §7.
var (
	ErrAccessDenied       = errors.New("pbsutil: PBS permission check failed")
	ErrRepositoryNotFound = errors.New("pbsutil: unable to get repository")
	ErrBackupFailed       = errors.New("pbsutil: backup invocation failed")
)

const (
	permissionCheckFailedMessage = "permission check failed"
	unableToGetRepositoryMessage = "unable to get repository"
)

// Client wraps proxmox-backup-client invocations through a runner.Runner.
type Client struct {
	Run    runner.Runner
	Logger *slog.Logger
}

// New creates a PBS Adapter client.
func New(r runner.Runner, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{Run: r, Logger: logger}
}

// Secret carries the credential material for a repository, handed to the
// client as environment variables, never as argv (so it never appears in
// the debug-logged command line).
type Secret struct {
	Password              string
	EncryptionPassword    string
	Fingerprint           string
	hasEncryptionPassword bool
	hasFingerprint        bool
}

// WithEncryptionPassword sets an encryption password.
func (s Secret) WithEncryptionPassword(p string) Secret {
	s.EncryptionPassword = p
	s.hasEncryptionPassword = p != ""
	return s
}

// WithFingerprint sets a server fingerprint.
func (s Secret) WithFingerprint(f string) Secret {
	s.Fingerprint = f
	s.hasFingerprint = f != ""
	return s
}

func (s Secret) env(repository string) map[string]string {
	env := map[string]string{
		"PBS_REPOSITORY": repository,
		"PBS_PASSWORD":   s.Password,
	}
	if s.hasEncryptionPassword {
		env["PBS_ENCRYPTION_PASSWORD"] = s.EncryptionPassword
	}
	if s.hasFingerprint {
		env["PBS_FINGERPRINT"] = s.Fingerprint
	}
	return env
}

// Status probes repository accessibility via `proxmox-backup-client
// status`, classifying authentication vs. repository-string failures.
func (c *Client) Status(ctx context.Context, repository string, secret Secret, dryRun bool) error {
	args := []string{binary, "status"}

	cp, err := c.Run.Run(ctx, runner.Options{
		Args:    args,
		Message: fmt.Sprintf("checking PBS repository status for %q", repository),
		Env:     secret.env(repository),
		DryRun:  dryRun,
	})
	if err != nil {
		return fmt.Errorf("pbsutil.Status: %w", err)
	}
	if cp.ExitCode == 0 || !cp.Executed {
		return nil
	}

	low := strings.ToLower(cp.Stderr)
	switch {
	case strings.Contains(low, permissionCheckFailedMessage):
		return fmt.Errorf("%w: %s", ErrAccessDenied, strings.TrimSpace(cp.Stderr))
	case strings.Contains(low, unableToGetRepositoryMessage):
		return fmt.Errorf("%w: %s", ErrRepositoryNotFound, strings.TrimSpace(cp.Stderr))
	default:
		return fmt.Errorf("%w: %s", ErrAccessDenied, strings.TrimSpace(cp.Stderr))
	}
}

// ArchiveSpec builds the "<label>.pxar:<path>" argument for a dataset's
// snapshot directory, per spec §4.3 and §6. Under dryRun the existence
// check is skipped: the snapshot this archive spec points at was never
// actually created (the Snapshot Orchestrator's own `zfs snapshot` call
// was stubbed by the Command Runner), so `os.Stat` would always fail and
// wrongly fail the run before `proxmox-backup-client backup --dry-run`
// ever gets invoked.
func ArchiveSpec(dataset, mountpoint, snapname, archiveNamePrefix string, dryRun bool) (string, error) {
	label := archiveNamePrefix + strings.ReplaceAll(dataset, "/", "_") + ".pxar"
	path := filepath.Join(mountpoint, ".zfs", "snapshot", snapname)

	if dryRun {
		return fmt.Sprintf("%s:%s", label, path), nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("pbsutil.ArchiveSpec: snapshot directory %q does not exist: %w", path, err)
	}
	if !info.IsDir() {
		// Historical behavior: warn but proceed.
		slog.Warn("pbsutil.ArchiveSpec: snapshot path is not a directory, proceeding", "path", path)
		return fmt.Sprintf("%s:%s", label, path), nil
	}

	return fmt.Sprintf("%s:%s", label, path), nil
}

// BackupPlan is a single dataset's contribution to a backup invocation.
type BackupPlan struct {
	Dataset           string
	Mountpoint        string
	ArchiveNamePrefix string
}

// BackupOptions configures a single `proxmox-backup-client backup` call.
type BackupOptions struct {
	Repository          string
	Secret              Secret
	Namespace           string
	BackupID            string
	BackupTime          string
	ChangeDetectionMode ChangeDetectionMode
	DryRun              bool
}

// Backup constructs and issues a single `proxmox-backup-client backup`
// invocation listing every plan's archive spec, per spec §4.3. The
// client's own --dry-run flag is used under dry-run, since the Command
// Runner's stub would otherwise never exercise it (§4.3, §9 Open
// Question).
func (c *Client) Backup(ctx context.Context, plans []BackupPlan, snapshotName string, opts BackupOptions) error {
	if len(plans) == 0 {
		return nil
	}
	if err := ValidateChangeDetectionMode(opts.ChangeDetectionMode); err != nil {
		return err
	}

	args := []string{binary, "backup"}
	for _, p := range plans {
		spec, err := ArchiveSpec(p.Dataset, p.Mountpoint, snapshotName, p.ArchiveNamePrefix, opts.DryRun)
		if err != nil {
			return fmt.Errorf("pbsutil.Backup: %w", err)
		}
		args = append(args, spec)
	}
	args = append(args, "--backup-type", "host")
	args = append(args, "--backup-id", opts.BackupID)
	args = append(args, "--backup-time", opts.BackupTime)
	if opts.Namespace != "" {
		args = append(args, "--ns", opts.Namespace)
	}
	// Always appended: §4.3/§6 treat the mode as a required knob, even
	// though the shortest dry-run scenario's literal argv omits it.
	args = append(args, "--change-detection-mode", string(opts.ChangeDetectionMode))
	if opts.DryRun {
		args = append(args, "--dry-run")
	}

	readOnly := true // always executed: the client's own --dry-run covers dry-run semantics.
	cp, err := c.Run.Run(ctx, runner.Options{
		Args:     args,
		Message:  fmt.Sprintf("backing up %d dataset(s) as snapshot %q", len(plans), snapshotName),
		Env:      opts.Secret.env(opts.Repository),
		ReadOnly: &readOnly,
	})
	if err != nil {
		return fmt.Errorf("pbsutil.Backup: %w", err)
	}
	if cp.ExitCode != 0 {
		return fmt.Errorf("%w: %s", ErrBackupFailed, strings.TrimSpace(cp.Stderr))
	}
	return nil
}
