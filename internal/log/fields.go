package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldJobID     = "job_id"
	FieldScanID    = "scan_id"
	FieldWorkerID  = "worker_id"
	FieldLibraryID = "library_id"
	FieldClientID  = "client_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldTopic     = "topic"
	FieldStatus    = "status"

	// Path fields
	FieldPath    = "path"
	FieldRelPath = "rel_path"
	FieldFolder  = "folder"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
)
