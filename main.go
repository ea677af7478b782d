// Command zfs-pbs-backup snapshots tagged ZFS datasets and backs them
// up to a Proxmox Backup Server repository.
package main

import (
	"fmt"
	"os"

	"github.com/tjhop/zfs-pbs-backup/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
