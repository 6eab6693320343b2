// SPDX-License-Identifier: MIT

//go:build unix

package procgroup

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTerminateNilCommand(t *testing.T) {
	require.NoError(t, Terminate(nil, nil, time.Second))
	require.NoError(t, Terminate(&exec.Cmd{}, nil, time.Second))
}

func TestTerminateGracefulExit(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	Set(cmd)
	require.NoError(t, cmd.Start())

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	start := time.Now()
	// sleep dies on SIGTERM, so Terminate returns well inside grace.
	err := Terminate(cmd, waitCh, 10*time.Second)
	require.Error(t, err) // killed by signal, Wait reports it
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestTerminateForcesStubbornProcess(t *testing.T) {
	// A shell that ignores SIGTERM forces the SIGKILL path.
	cmd := exec.Command("sh", "-c", "trap '' TERM; sleep 30")
	Set(cmd)
	require.NoError(t, cmd.Start())

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	start := time.Now()
	err := Terminate(cmd, waitCh, 300*time.Millisecond)
	require.Error(t, err)
	require.Less(t, time.Since(start), 10*time.Second)
}
