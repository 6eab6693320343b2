// SPDX-License-Identifier: MIT

package types

import (
	"encoding/json"
	"testing"
)

func TestJobStatusIsValid(t *testing.T) {
	tests := []struct {
		status JobStatus
		want   bool
	}{
		{JobPending, true},
		{JobRunning, true},
		{JobDone, true},
		{JobError, true},
		{JobStatus("completed"), false},
		{JobStatus(""), false},
		{JobStatus("PENDING"), false},
	}
	for _, tt := range tests {
		if got := tt.status.IsValid(); got != tt.want {
			t.Errorf("JobStatus(%q).IsValid() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestJobStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobPending, JobRunning, true},
		{JobPending, JobDone, false},
		{JobRunning, JobDone, true},
		{JobRunning, JobError, true},
		{JobRunning, JobPending, true}, // crash recovery reset
		{JobError, JobPending, true},   // admin reset
		{JobDone, JobPending, false},
		{JobDone, JobRunning, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestJobStatusJSONRoundTrip(t *testing.T) {
	data, err := json.Marshal(JobRunning)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var s JobStatus
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s != JobRunning {
		t.Fatalf("round trip = %q, want running", s)
	}

	if err := json.Unmarshal([]byte(`"bogus"`), &s); err == nil {
		t.Fatal("expected error for invalid status")
	}
}

func TestParseJobStatus(t *testing.T) {
	if _, err := ParseJobStatus("done"); err != nil {
		t.Fatalf("ParseJobStatus(done): %v", err)
	}
	if _, err := ParseJobStatus("cancelled"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestScanStatusParse(t *testing.T) {
	if _, err := ParseScanStatus("scanning"); err != nil {
		t.Fatalf("ParseScanStatus(scanning): %v", err)
	}
	if _, err := ParseScanStatus("busy"); err == nil {
		t.Fatal("expected error for unknown scan status")
	}
}
