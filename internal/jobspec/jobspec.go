// Package jobspec defines the wire-level description of a job as accepted
// from the broker: the program to run, its declared layers, and the mount
// and network directives that shape the sandbox it runs in.
package jobspec

import (
	digest "github.com/opencontainers/go-digest"

	"github.com/thomascherickal/maelstrom/internal/layer"
)

type NetworkMode int

const (
	NetworkDisabled NetworkMode = iota
	NetworkLoopback
	NetworkLocal
)

// Mount is one additional mount directive layered onto the job's root.
type Mount struct {
	Type   string // "bind", "tmpfs", "devices", "proc", "sys"
	Source string
	Dest   string
}

// RootOverlay controls whether a fresh, job-private writable layer is
// stacked on top of the resolved read-only root.
type RootOverlay int

const (
	RootOverlayNone RootOverlay = iota
	RootOverlayTmp
	RootOverlayLocal
)

// Spec is everything needed to run one job once its layers resolve to a
// mount path.
type Spec struct {
	Program     string
	Arguments   []string
	Environment []string

	WorkingDirectory string
	User             string
	Group            string

	Layers      []layer.LayerRef
	Mounts      []Mount
	Network     NetworkMode
	RootOverlay RootOverlay
	AllocateTTY bool

	Timeout uint32 // seconds; 0 means no timeout

	// EstimatedDuration, when HasEstimate is true, is the client's declared
	// estimate in milliseconds, used for longest-processing-time-first
	// admission. Absent estimates sort after every job that declared one.
	EstimatedDuration uint32
	HasEstimate       bool
}

// RequiresLocalWorker reports whether spec must run on the worker that
// resolved it rather than being eligible for redistribution, per the
// invariant that bind mounts, a local root overlay, local networking, or
// an allocated TTY all tie a job to this machine's state.
func (s Spec) RequiresLocalWorker() bool {
	if s.RootOverlay == RootOverlayLocal || s.Network == NetworkLocal || s.AllocateTTY {
		return true
	}
	for _, m := range s.Mounts {
		if m.Type == "bind" {
			return true
		}
	}
	return false
}

// ID identifies a job uniquely for the worker's lifetime.
type ID struct {
	ClientID    uint32
	ClientJobID uint32
}

// EffectDigest is used by callers that want a stable identity for a
// completed job's declared inputs, independent of job numbering.
type EffectDigest = digest.Digest
