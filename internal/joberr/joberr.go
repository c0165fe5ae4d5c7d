// Package joberr defines the three-way error taxonomy the worker reports
// per job: execution errors (the submitter's fault), system errors (the
// worker's fault, scoped to one job), and fatal errors (the worker can no
// longer maintain its invariants and must shut down).
package joberr

import (
	"fmt"

	digest "github.com/opencontainers/go-digest"
)

// ExecutionError means the job itself could not run: bad binary, missing
// path, exec permission denied. Attributed to the submitter.
type ExecutionError struct {
	Cause error
}

func (e *ExecutionError) Error() string { return fmt.Sprintf("execution error: %v", e.Cause) }
func (e *ExecutionError) Unwrap() error { return e.Cause }

// SystemError means the worker could not perform its duties for this job:
// a layer download failed, a manifest was unreadable, a digest mismatched.
// Scoped to one job; does not stop the worker.
type SystemError struct {
	Digest digest.Digest
	Cause  error
}

func (e *SystemError) Error() string {
	if e.Digest == "" {
		return fmt.Sprintf("system error: %v", e.Cause)
	}
	return fmt.Sprintf("system error (digest %s): %v", e.Digest, e.Cause)
}
func (e *SystemError) Unwrap() error { return e.Cause }

// FatalError means an on-disk invariant of the cache could not be
// maintained, or a protocol invariant was violated (e.g. JobCompleted for
// an unknown job). The worker shuts down on receipt of one of these.
type FatalError struct {
	Cause error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal error: %v", e.Cause) }
func (e *FatalError) Unwrap() error { return e.Cause }
