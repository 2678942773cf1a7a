//go:build !windows

package main

import (
	"errors"
	"os"
	"syscall"
)

// processAlive probes pid with signal 0. EPERM means it exists under
// another user.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
