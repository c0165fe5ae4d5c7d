package dispatch

import (
	"context"

	digest "github.com/opencontainers/go-digest"

	"github.com/thomascherickal/maelstrom/internal/cache"
	"github.com/thomascherickal/maelstrom/internal/jobspec"
	"github.com/thomascherickal/maelstrom/internal/layer"
)

// job is the dispatcher's private bookkeeping record. Its presence in
// d.available or d.executing (mutually exclusive, checked by the
// dispatcher, never stored as a field) is what determines its externally
// visible state; awaiting-layers jobs are simply those not yet in either.
type job struct {
	id   jobspec.ID
	spec jobspec.Spec
	seq  uint64

	tracker *layer.Tracker
	fetcher *cacheFetcher

	mountPath string
	cacheKeys []cache.Key

	cancelled bool
	timedOut  bool
	cancelRun context.CancelFunc
	cancelTmr func()
}

func (j *job) cacheJobID() cache.JobID {
	return cache.JobID{ClientID: j.id.ClientID, ClientJobID: j.id.ClientJobID}
}

// layerKindFor reports whether d is a declared layer the job asked for
// directly, or a further blob referenced transitively by a manifest. Only
// directly declared layers may be manifests themselves; everything a
// manifest references is a plain tar layer.
func (j *job) layerKindFor(d digest.Digest) layer.ArtifactKind {
	for _, l := range j.spec.Layers {
		if l.Digest == d {
			return l.Kind
		}
	}
	return layer.Tar
}
