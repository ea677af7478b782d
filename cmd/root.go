// Package cmd builds the cobra command tree. Flag parsing is
// boundary-only, mirroring stratastor-rodent/cmd/root.go and
// ubuntu-zsys's command layout: this package's job is to build a
// config.Config and hand it to the Run Controller — no orchestration
// logic lives here.
package cmd

import (
	"github.com/spf13/cobra"
)

// NewRootCmd builds the root "zfs-pbs-backup" command and its subcommands.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "zfs-pbs-backup",
		Short: "Snapshot ZFS datasets and back them up to Proxmox Backup Server",
		Long: `zfs-pbs-backup walks ZFS datasets tagged for inclusion, creates a
consistent set of snapshots, backs them up to a Proxmox Backup Server
repository via proxmox-backup-client, and tears the snapshots back down.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newRunCmd())
	return rootCmd
}
