//go:build !freebsd && !linux && !windows
// +build !freebsd,!linux,!windows

package runner

import (
	"syscall"
)

func procAttributes() *syscall.SysProcAttr {
	return nil
}
