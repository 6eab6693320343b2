// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by every span the daemon emits.
const (
	JobIDKey      = "job.id"
	JobForceKey   = "job.force"
	JobStatusKey  = "job.status"
	JobRetriedKey = "job.retried"

	ScanIDKey        = "scan.id"
	ScanLibraryIDKey = "scan.library_id"
	ScanFullKey      = "scan.full"

	WorkerIDKey = "worker.id"

	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// JobAttributes creates span attributes for one tagging job.
func JobAttributes(jobID int64, force bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64(JobIDKey, jobID),
		attribute.Bool(JobForceKey, force),
	}
}

// ScanAttributes creates span attributes for one library scan.
func ScanAttributes(scanID string, libraryID int64, full bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(ScanIDKey, scanID),
		attribute.Int64(ScanLibraryIDKey, libraryID),
		attribute.Bool(ScanFullKey, full),
	}
}

// ErrorAttributes creates span attributes for a failure.
func ErrorAttributes(err error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
		attribute.String("error.message", err.Error()),
	}
}
