// SPDX-License-Identifier: MIT

package types

import "fmt"

// ScanStatus represents the catalog-synchronization state of a library.
type ScanStatus string

const (
	// ScanStatusIdle indicates no scan has run or the last scan is long done.
	ScanStatusIdle ScanStatus = "idle"

	// ScanStatusScanning indicates a scan currently holds the library.
	ScanStatusScanning ScanStatus = "scanning"

	// ScanStatusComplete indicates the last scan finished successfully.
	ScanStatusComplete ScanStatus = "complete"

	// ScanStatusError indicates the last scan aborted with an error.
	ScanStatusError ScanStatus = "error"
)

// String implements fmt.Stringer.
func (s ScanStatus) String() string {
	return string(s)
}

// IsValid checks whether the scan status is one of the defined constants.
func (s ScanStatus) IsValid() bool {
	switch s {
	case ScanStatusIdle, ScanStatusScanning, ScanStatusComplete, ScanStatusError:
		return true
	default:
		return false
	}
}

// ParseScanStatus parses a string into a ScanStatus.
func ParseScanStatus(s string) (ScanStatus, error) {
	status := ScanStatus(s)
	if !status.IsValid() {
		return "", fmt.Errorf("invalid scan status: %q", s)
	}
	return status, nil
}

// WorkerState is the coarse activity state a worker loop publishes.
type WorkerState string

const (
	// WorkerStateIdle means the loop is polling for work.
	WorkerStateIdle WorkerState = "idle"

	// WorkerStateRunning means the loop has dispatched a job into the pool.
	WorkerStateRunning WorkerState = "running"

	// WorkerStateStopped means the loop has exited.
	WorkerStateStopped WorkerState = "stopped"
)

// String implements fmt.Stringer.
func (s WorkerState) String() string {
	return string(s)
}
