package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	eventemitter "github.com/vansante/go-event-emitter"

	internalconfig "github.com/tjhop/zfs-pbs-backup/internal/config"
	"github.com/tjhop/zfs-pbs-backup/internal/orchestrator"
	"github.com/tjhop/zfs-pbs-backup/internal/orphan"
	"github.com/tjhop/zfs-pbs-backup/internal/pbsutil"
	"github.com/tjhop/zfs-pbs-backup/internal/planner"
	"github.com/tjhop/zfs-pbs-backup/internal/runctl"
	"github.com/tjhop/zfs-pbs-backup/internal/runner"
	"github.com/tjhop/zfs-pbs-backup/internal/statusd"
	"github.com/tjhop/zfs-pbs-backup/internal/zfsutil"
)

var errRunFailed = errors.New("run failed")

func newRunCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "run [flags] dataset [dataset...]",
		Short: "Snapshot and back up the given ZFS root datasets",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args, configFile)
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "path to a YAML configuration file")

	flags := cmd.Flags()
	flags.String("include-property", "", "ZFS property naming the include mode (default zfs-pbs-backup:include)")
	flags.String("timestamp-property", "", "ZFS property stamped with the run's unix timestamp (default zfs-pbs-backup:unix_timestamp)")
	flags.String("snapshot-prefix", "", "prefix applied to every snapshot this tool creates (default zfs-pbs-backup_)")
	flags.String("hold-name", "", "hold tag applied when --hold-snapshots is set (default zfs-pbs-backup)")
	flags.Bool("hold-snapshots", false, "hold snapshots for the duration of the run")
	flags.Bool("exclude-empty-parents", false, "suppress backup of a parent dataset whose mountpoint holds nothing but child mountpoints")
	flags.String("remove-orphans", "false", "orphan removal policy: false, true, ask, only, force-release")
	flags.Bool("resume", false, "resume from the newest previously-stamped run instead of creating new snapshots")
	flags.Bool("execute", false, "leave dry-run mode and actually run mutating commands")
	flags.CountP("verbose", "v", "increase log verbosity (-v for debug)")

	flags.String("status-addr", "", "address (host:port) to serve the read-only status endpoint on; empty disables it")
	flags.String("status-token", "", "bearer token required to query the status endpoint")

	flags.String("pbs-username", "", "PBS username (e.g. root@pam)")
	flags.String("pbs-token-name", "", "PBS API token name")
	flags.String("pbs-server", "", "PBS server hostname")
	flags.Int("pbs-port", 0, "PBS server port (0 uses the client's default)")
	flags.String("pbs-datastore", "", "PBS datastore name")
	flags.String("pbs-repository", "", "pre-built PBS repository string; overrides the individual pbs-* parts above")
	flags.String("pbs-password", "", "PBS password or API token secret")
	flags.String("pbs-encryption-password", "", "PBS backup encryption password")
	flags.String("pbs-fingerprint", "", "PBS server TLS fingerprint")
	flags.String("pbs-namespace", "", "PBS namespace")
	flags.String("pbs-backup-id", "", "PBS backup-id; defaults to the local hostname")
	flags.String("pbs-archive-name-prefix", "", "prefix applied to every archive label")
	flags.String("pbs-change-detection-mode", "", "pxar change-detection mode: legacy, data, metadata (default data)")

	return cmd
}

// flagBindings maps every CLI flag name to its config key, for
// viper.BindPFlag. Kept as a single table so adding a flag is a
// one-line change in two places instead of a scattered set of calls.
var flagBindings = map[string]string{
	"include-property":          "includeProperty",
	"timestamp-property":        "timestampProperty",
	"snapshot-prefix":           "snapshotPrefix",
	"hold-name":                 "holdName",
	"hold-snapshots":            "holdSnapshots",
	"exclude-empty-parents":     "excludeEmptyParents",
	"remove-orphans":            "removeOrphans",
	"resume":                    "resume",
	"execute":                   "execute",
	"status-addr":               "statusAddr",
	"status-token":              "statusToken",
	"pbs-username":              "pbs.username",
	"pbs-token-name":            "pbs.tokenName",
	"pbs-server":                "pbs.server",
	"pbs-port":                  "pbs.port",
	"pbs-datastore":             "pbs.datastore",
	"pbs-repository":            "pbs.repository",
	"pbs-password":              "pbs.password",
	"pbs-encryption-password":   "pbs.encryptionPassword",
	"pbs-fingerprint":           "pbs.fingerprint",
	"pbs-namespace":             "pbs.namespace",
	"pbs-backup-id":             "pbs.backupID",
	"pbs-archive-name-prefix":   "pbs.archiveNamePrefix",
	"pbs-change-detection-mode": "pbs.changeDetectionMode",
}

func runRun(cmd *cobra.Command, roots []string, configFile string) error {
	v, err := internalconfig.New(configFile)
	if err != nil {
		return exitConfigErrorOrReturn(err)
	}
	v.Set("roots", roots)

	for flagName, key := range flagBindings {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flagName)); err != nil {
			return fmt.Errorf("cmd.runRun: binding --%s: %w", flagName, err)
		}
	}

	verboseCount, _ := cmd.Flags().GetCount("verbose")
	v.Set("verbose", verboseCount > 0)

	cfg, err := internalconfig.Load(v)
	if err != nil {
		return exitConfigErrorOrReturn(err)
	}

	if err := checkTooling(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	level := slog.LevelInfo
	if verboseCount > 0 {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exitCode, runErr := execute(ctx, cfg, logger)
	if ctx.Err() != nil && runErr != nil {
		logger.Error("cmd.runRun: interrupted")
		os.Exit(130)
	}
	if runErr != nil {
		logger.Error("cmd.runRun: run failed", "error", runErr)
		os.Exit(exitCode)
	}
	return nil
}

// exitConfigErrorOrReturn terminates the process with exit 1 for a
// config.ErrConfig failure (an invalid --remove-orphans or
// --change-detection-mode value, a missing datastore, an unreadable
// --config file) — spec §6/§7's logical/configuration-failure code,
// which must never share checkTooling's exit 2 (reserved for a
// missing/non-executable external tool). Any other error from
// internalconfig.New/Load is returned unchanged so it falls through to
// main's generic handling.
func exitConfigErrorOrReturn(err error) error {
	if errors.Is(err, internalconfig.ErrConfig) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return err
}

// checkTooling verifies the external binaries this tool shells out to
// are present on PATH, the spec's "environment failure" (exit 2) case,
// distinct from the logical/configuration failures the Run Controller
// itself reports with exit 1.
func checkTooling() error {
	for _, bin := range []string{"zfs", "proxmox-backup-client"} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("cmd.checkTooling: %q not found on PATH: %w", bin, err)
		}
	}
	return nil
}

// execute wires every component together and runs the Run Controller to
// completion, returning the process exit code the caller should use.
func execute(ctx context.Context, cfg internalconfig.Config, logger *slog.Logger) (int, error) {
	execRunner := runner.NewExec(logger)
	zfs := zfsutil.New(execRunner, logger)
	pbs := pbsutil.New(execRunner, logger)

	pl := planner.New(zfs, logger)
	orch := orchestrator.New(zfs, logger)
	orphans := orphan.New(zfs, logger)

	ctrl := runctl.New(cfg, zfs, pl, orch, orphans, pbs, logger)

	// Mirror job.Runner.attachListeners/AddCapturer: a single capturer logs
	// every lifecycle event this run emits, attached to the Run
	// Controller's, the Orchestrator's, and the Orphan Manager's emitters.
	capture := func(event eventemitter.EventType, arguments ...interface{}) {
		logger.Debug("cmd.execute: event", "event", string(event), "args", arguments)
	}
	ctrl.AddCapturer(capture)
	orch.AddCapturer(capture)
	orphans.AddCapturer(capture)

	var statusSrv *statusd.Server
	if cfg.StatusAddr != "" {
		entry := logrus.NewEntry(logrus.StandardLogger())
		statusSrv = statusd.NewServer(cfg.StatusAddr, cfg.StatusToken, ctrl, ctrl.Emitter, entry)
		go func() {
			if err := statusSrv.ListenAndServe(ctx); err != nil {
				logger.Error("cmd.execute: status server stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = statusSrv.Shutdown(shutdownCtx)
		}()
	}

	code, err := ctrl.Run(ctx)
	if err != nil {
		return code, fmt.Errorf("%w: %w", errRunFailed, err)
	}
	return code, nil
}
