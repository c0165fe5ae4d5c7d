// Package cache implements the worker's content-addressed artifact cache:
// a disk tree keyed by (kind, digest), reference-counted while in use and
// LRU-evicted once idle, with an atomic rename-based removal protocol so
// an evicted entry's disappearance is never observed half-done.
//
// Grounded on daemon/images.ImageService (store wrapping a
// layer.Store with ref-counted RWLayers) and daemon/internal/builder-next's
// cache.Manager usage, adapted to the tagged-state-machine entry model the
// spec calls for instead of moby's own layer store internals.
package cache

import (
	"fmt"

	digest "github.com/opencontainers/go-digest"
)

// Kind identifies which on-disk namespace a cache entry lives in: a blob
// and a bottom layer sharing a digest are independent entries.
type Kind int

const (
	Blob Kind = iota
	BottomFsLayer
	UpperFsLayer
)

func (k Kind) String() string {
	switch k {
	case Blob:
		return "blob"
	case BottomFsLayer:
		return "bottom_fs_layer"
	case UpperFsLayer:
		return "upper_fs_layer"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Key identifies one cache entry.
type Key struct {
	Kind   Kind
	Digest digest.Digest
}

func (k Key) String() string { return k.Kind.String() + "/" + k.Digest.String() }

// JobID is the (client, client-job) pair that uniquely identifies a job for
// the lifetime of the worker.
type JobID struct {
	ClientID    uint32
	ClientJobID uint32
}

func (j JobID) String() string { return fmt.Sprintf("%d.%d", j.ClientID, j.ClientJobID) }

// entryState tags the three states a cache entry can be in. Exactly one of
// the three payload structs is meaningful, selected by state.
type entryState int

const (
	stateDownloading entryState = iota
	stateInUse
	stateInHeap
)

// entry is the cache's bookkeeping record for one Key. It is never exposed
// outside the package; callers only see Keys and paths.
type entry struct {
	state entryState

	// stateDownloading
	waiters []JobID

	// stateInUse
	bytesUsed uint64
	refCount  uint32

	// stateInHeap
	priority  uint64
	heapIndex int // -1 when not on the heap

	path string
}
