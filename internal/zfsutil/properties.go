package zfsutil

import "strings"

// SplitSnapshotName splits "dataset@snapname" into its two parts. ok is
// false if name carries no "@".
func SplitSnapshotName(name string) (dataset, snapname string, ok bool) {
	idx := strings.Index(name, "@")
	if idx < 0 {
		return "", "", false
	}
	return name[:idx], name[idx+1:], true
}

// Default snapshot naming and property names.
const (
	DefaultSnapshotPrefix    = "zfs-pbs-backup_"
	DefaultHoldName          = "zfs-pbs-backup"
	DefaultIncludeProperty   = "zfs-pbs-backup:include"
	DefaultTimestampProperty = "zfs-pbs-backup:unix_timestamp"
)

// IncludeMode is the per-dataset include-mode property value.
type IncludeMode string

const (
	IncludeFalse     IncludeMode = "false"
	IncludeTrue      IncludeMode = "true"
	IncludeRecursive IncludeMode = "recursive"
	IncludeChildren  IncludeMode = "children"
)

// NormalizeIncludeMode trims and lowercases a raw property value. Empty
// maps to IncludeFalse as a recognized value; anything else
// unrecognized falls back to IncludeFalse. The second return value is
// false only for that fallback, so callers can log a warning.
func NormalizeIncludeMode(raw string) (IncludeMode, bool) {
	switch IncludeMode(strings.ToLower(strings.TrimSpace(raw))) {
	case IncludeTrue:
		return IncludeTrue, true
	case IncludeRecursive:
		return IncludeRecursive, true
	case IncludeChildren:
		return IncludeChildren, true
	case IncludeFalse, "":
		return IncludeFalse, true
	default:
		return IncludeFalse, false
	}
}
