// SPDX-License-Identifier: MIT

// Package procgroup spawns and reaps OS process groups. The inference
// pool runs every child in its own group so a timeout or shutdown can
// take down the child and anything it forked in one signal.
package procgroup

import (
	"os/exec"
	"syscall"
	"time"
)

// Set configures cmd to start as a new process group leader. Children
// must be spawned through this for Terminate to reach the whole tree.
func Set(cmd *exec.Cmd) {
	set(cmd)
}

// Terminate stops a process group: SIGTERM, wait up to grace via
// waitCh, then SIGKILL. It consumes and returns the error from waitCh.
// Nil commands are a no-op.
func Terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	_ = signalGroup(cmd, syscall.SIGTERM)

	select {
	case err := <-waitCh:
		return err
	case <-time.After(grace):
	}

	_ = signalGroup(cmd, syscall.SIGKILL)
	return <-waitCh
}
