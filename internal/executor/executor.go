// Package executor declares the contract the dispatcher uses to actually
// run a job's program once its layers have resolved to a mount path, and a
// timer contract for timeout scheduling.
//
// Grounded on cluster/executor/container.Container, which
// assembles a host config (mounts, network mode) field by field from a
// task spec before handing it to the container runtime; namespaces.Executor
// below does the analogous assembly against os/exec instead of the
// container runtime.
package executor

import (
	"context"
	"time"

	"github.com/thomascherickal/maelstrom/internal/jobspec"
)

// Effects is everything observed about a finished job's execution.
type Effects struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Executor starts a job's program against an already-resolved root and
// waits for it to finish or for ctx to be cancelled (timeout or
// shutdown-triggered cancellation).
type Executor interface {
	// StartJob runs spec.Program inside a sandbox rooted at mountPath and
	// blocks until it exits or ctx is done. A ctx cancellation must cause
	// StartJob to kill the process group and return promptly.
	StartJob(ctx context.Context, spec jobspec.Spec, mountPath string) (Effects, error)
}

// Timer abstracts timeout scheduling so the dispatcher's tests can use a
// fake clock instead of real wall time.
type Timer interface {
	// StartTimer arranges for fire to be called once after d, unless
	// cancelled first. Returns a cancel function.
	StartTimer(d int, fire func()) (cancel func())
}

// RealTimer is the production Timer, backed by time.AfterFunc.
type RealTimer struct{}

func (RealTimer) StartTimer(d int, fire func()) (cancel func()) {
	t := time.AfterFunc(time.Duration(d)*time.Second, fire)
	return func() { t.Stop() }
}
