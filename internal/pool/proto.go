// SPDX-License-Identifier: MIT

// Package pool owns the inference worker processes. Children are full
// OS processes because the native ML runtime cannot be reinitialized
// in-process and a crash must never take the daemon down. Parent and
// child speak JSON Lines over stdin/stdout; a broken pipe or child
// exit observed during a call is a structural crash signal, never
// derived from error strings.
package pool

// Ops the parent may send.
const (
	opProcess = "process"
	opPing    = "ping"
)

// Response statuses on the wire.
const (
	StatusOK    = "ok"
	StatusError = "error"
	statusReady = "ready"
	statusPong  = "pong"
)

// Request is one line from parent to child.
type Request struct {
	ID    uint64 `json:"id"`
	Op    string `json:"op"`
	Path  string `json:"path,omitempty"`
	Force bool   `json:"force,omitempty"`
}

// Response is one line from child to parent. Processing failures
// inside the child are pre-packaged as Status "error"; they are normal
// responses, not crashes.
type Response struct {
	ID      uint64         `json:"id"`
	Status  string         `json:"status"`
	Error   string         `json:"error,omitempty"`
	Results map[string]any `json:"results,omitempty"`
}

// Result is what Submit hands back to the worker loop. The coordinator
// never interprets Results; it only fills Status and Error for
// timeouts and crashes.
type Result struct {
	Status  string         `json:"status"`
	Error   string         `json:"error,omitempty"`
	Results map[string]any `json:"results,omitempty"`
}

// OK reports whether the job completed without error.
func (r Result) OK() bool {
	return r.Status == StatusOK
}
