// SPDX-License-Identifier: MIT

// Package types provides type-safe enumerations shared across tonearm.
//
// It centralizes status enums to prevent string-based bugs and enable
// exhaustive switch statements.
package types

import (
	"encoding/json"
	"fmt"
)

// JobStatus represents the current state of a queued tagging job.
type JobStatus string

// Job status constants define all possible states of a queued job.
const (
	// JobPending indicates the job is queued but not yet claimed.
	JobPending JobStatus = "pending"

	// JobRunning indicates a worker currently holds the job.
	JobRunning JobStatus = "running"

	// JobDone indicates the job finished successfully.
	JobDone JobStatus = "done"

	// JobError indicates the job terminated with an error.
	JobError JobStatus = "error"
)

// String implements fmt.Stringer.
func (s JobStatus) String() string {
	return string(s)
}

// IsValid checks whether the job status is one of the defined constants.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobPending, JobRunning, JobDone, JobError:
		return true
	default:
		return false
	}
}

// IsTerminal checks whether the job status represents a final state.
//
// Terminal states are Done and Error. A job in a terminal state only leaves
// it through an admin reset or a flush.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobDone, JobError:
		return true
	default:
		return false
	}
}

// CanTransitionTo checks whether this status can transition to the target.
//
// Valid transitions:
//   - Pending → Running
//   - Running → Done, Error, Pending (admin reset / crash recovery)
//   - Error → Pending (admin reset)
func (s JobStatus) CanTransitionTo(target JobStatus) bool {
	switch s {
	case JobPending:
		return target == JobRunning
	case JobRunning:
		return target == JobDone || target == JobError || target == JobPending
	case JobError:
		return target == JobPending
	default:
		return false
	}
}

// MarshalJSON implements json.Marshaler for JobStatus.
func (s JobStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler for JobStatus.
func (s *JobStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	status := JobStatus(str)
	if !status.IsValid() {
		return fmt.Errorf("invalid job status: %q", str)
	}

	*s = status
	return nil
}

// ParseJobStatus parses a string into a JobStatus, returning an error if invalid.
func ParseJobStatus(s string) (JobStatus, error) {
	status := JobStatus(s)
	if !status.IsValid() {
		return "", fmt.Errorf("invalid job status: %q (valid: pending, running, done, error)", s)
	}
	return status, nil
}

// AllJobStatuses returns all defined job statuses.
func AllJobStatuses() []JobStatus {
	return []JobStatus{
		JobPending,
		JobRunning,
		JobDone,
		JobError,
	}
}
