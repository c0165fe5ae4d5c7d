// Package layer implements the per-job LayerTracker state machine: it
// turns a job's ordered layer list into a single mountable path by driving
// blob fetches, manifest reads, and bottom/upper layer builds, reusing
// whatever the artifact cache already has.
//
// Grounded on daemon/internal/builder-next/worker.Worker,
// which drives an analogous "resolve declared inputs into a rootfs"
// pipeline (FromRemote / getRef building a layer chain bottom-up) against
// its own cache.Manager.
package layer

import (
	digest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/thomascherickal/maelstrom/internal/cache"
	"github.com/thomascherickal/maelstrom/internal/digestutil"
)

// ArtifactKind distinguishes a raw archive from a manifest that
// transitively references further blobs.
type ArtifactKind int

const (
	Tar ArtifactKind = iota
	Manifest
)

// LayerRef is one element of a job's declared layer list.
type LayerRef struct {
	Digest digest.Digest
	Kind   ArtifactKind
}

// Tracker drives one job's layer resolution to completion. It is not safe
// for concurrent use; the dispatcher owns it exclusively and serializes
// calls the same way it serializes everything else.
type Tracker struct {
	layers []LayerRef

	fetchedBlobs map[digest.Digest]string
	bottomLayers map[digest.Digest]string
	upperLayers  map[digest.Digest]string // keyed by UpperDigest

	pendingFetches       map[digest.Digest]struct{}
	pendingBottomBuilds  map[digest.Digest]struct{}
	pendingUpperBuilds   map[digest.Digest]struct{}
	pendingManifestReads map[digest.Digest]struct{}

	// manifestDigests records, for each Manifest-kind blob once its
	// content is known, the set of further blob digests it references.
	// Nil until read; entries are themselves chased down as ordinary tar
	// layers appended conceptually after the manifest (the fetch/build
	// machinery treats them identically to declared layers).
	manifestDigests map[digest.Digest][]digest.Digest

	// upperChain holds, as upper layers complete left-to-right, the
	// top-first digest order fed to UpperDigest for the next step.
	upperChain []digest.Digest

	cacheKeys map[cache.Key]struct{}

	mountPath string
	failed    bool
	failedDig digest.Digest
	failedErr error
}

// Fetcher is the narrow capability bundle the tracker needs to make
// progress. A non-nil error means the request failed; otherwise a Success
// outcome carries a ready path, and "pending" is signaled by a Wait or Get
// outcome, whose result arrives later through the Got* methods.
type Fetcher interface {
	FetchArtifact(d digest.Digest, jid cache.JobID) (cache.GetResult, error)
	FetchBottomFsLayer(d digest.Digest, kind ArtifactKind, blobPath string, jid cache.JobID) (cache.GetResult, error)
	FetchUpperFsLayer(upperDigest digest.Digest, top, lower string, jid cache.JobID) (cache.GetResult, error)
	ReadManifestDigests(d digest.Digest, path string, jid cache.JobID) // result delivered async
}

// New constructs a tracker for the given ordered layer list and kicks off
// the initial round of blob fetches. layers must be non-empty.
func New(layers []LayerRef, jid cache.JobID, f Fetcher) (*Tracker, error) {
	if len(layers) == 0 {
		return nil, errors.New("layer: job must declare at least one layer")
	}
	t := &Tracker{
		layers:               layers,
		fetchedBlobs:         map[digest.Digest]string{},
		bottomLayers:         map[digest.Digest]string{},
		upperLayers:          map[digest.Digest]string{},
		pendingFetches:       map[digest.Digest]struct{}{},
		pendingBottomBuilds:  map[digest.Digest]struct{}{},
		pendingUpperBuilds:   map[digest.Digest]struct{}{},
		pendingManifestReads: map[digest.Digest]struct{}{},
		manifestDigests:      map[digest.Digest][]digest.Digest{},
		cacheKeys:            map[cache.Key]struct{}{},
	}
	for _, l := range layers {
		t.startFetch(l.Digest, jid, f)
	}
	return t, nil
}

func (t *Tracker) startFetch(d digest.Digest, jid cache.JobID, f Fetcher) {
	if _, ok := t.fetchedBlobs[d]; ok {
		return
	}
	if _, ok := t.pendingFetches[d]; ok {
		return
	}
	res, err := f.FetchArtifact(d, jid)
	if err != nil {
		t.fail(d, err)
		return
	}
	t.cacheKeys[cache.Key{Kind: cache.Blob, Digest: d}] = struct{}{}
	switch res.Outcome {
	case cache.Success:
		t.GotArtifact(d, res.Path, nil)
		kind := Tar
		for _, l := range t.layers {
			if l.Digest == d {
				kind = l.Kind
			}
		}
		t.AdvanceAfterArtifact(d, kind, jid, f)
	case cache.Wait, cache.Get:
		t.pendingFetches[d] = struct{}{}
	}
}

func (t *Tracker) fail(d digest.Digest, err error) {
	if t.failed {
		return
	}
	t.failed = true
	t.failedDig = d
	t.failedErr = err
}

// Failed reports whether the tracker has recorded a fetch/build failure,
// and if so the offending digest and cause.
func (t *Tracker) Failed() (digest.Digest, error, bool) {
	return t.failedDig, t.failedErr, t.failed
}

// GotArtifact records a completed blob fetch (success when err == nil). It
// does not schedule further work; the caller follows a success with
// AdvanceAfterArtifact, which starts the manifest read or bottom-layer build.
func (t *Tracker) GotArtifact(d digest.Digest, path string, err error) {
	delete(t.pendingFetches, d)
	if err != nil {
		t.fail(d, err)
		return
	}
	t.fetchedBlobs[d] = path
}

// AdvanceAfterArtifact is called once a fetched blob's kind is known
// (tracked by the caller, since LayerRef.Kind came from the job spec) to
// kick off the bottom-layer build or manifest read it requires.
func (t *Tracker) AdvanceAfterArtifact(d digest.Digest, kind ArtifactKind, jid cache.JobID, f Fetcher) {
	path, ok := t.fetchedBlobs[d]
	if !ok {
		return
	}
	if kind == Manifest {
		if _, haveDigests := t.manifestDigests[d]; !haveDigests {
			if _, pending := t.pendingManifestReads[d]; !pending {
				t.pendingManifestReads[d] = struct{}{}
				f.ReadManifestDigests(d, path, jid)
			}
			return
		}
	}
	t.startBottomBuild(d, kind, path, jid, f)
}

func (t *Tracker) startBottomBuild(d digest.Digest, kind ArtifactKind, blobPath string, jid cache.JobID, f Fetcher) {
	if _, ok := t.bottomLayers[d]; ok {
		return
	}
	if _, ok := t.pendingBottomBuilds[d]; ok {
		return
	}
	res, err := f.FetchBottomFsLayer(d, kind, blobPath, jid)
	if err != nil {
		t.fail(d, err)
		return
	}
	t.cacheKeys[cache.Key{Kind: cache.BottomFsLayer, Digest: d}] = struct{}{}
	switch res.Outcome {
	case cache.Success:
		t.GotBottomFsLayer(d, res.Path, nil)
		t.AdvanceUpperChain(jid, f)
	case cache.Wait, cache.Get:
		t.pendingBottomBuilds[d] = struct{}{}
	}
}

// GotManifestDigests records the set of further blobs a manifest
// references and folds them into the tracker's fetch set, exactly like a
// declared layer, so they participate in the same bottom/upper chain.
func (t *Tracker) GotManifestDigests(manifestDigest digest.Digest, refs []digest.Digest, err error, jid cache.JobID, f Fetcher) {
	delete(t.pendingManifestReads, manifestDigest)
	if err != nil {
		t.fail(manifestDigest, err)
		return
	}
	t.manifestDigests[manifestDigest] = refs
	for _, d := range refs {
		t.startFetch(d, jid, f)
	}
	t.AdvanceAfterArtifact(manifestDigest, Manifest, jid, f)
}

// GotBottomFsLayer records a completed bottom-layer build. It does not
// stack anything itself; the caller follows a success with
// AdvanceUpperChain, which builds upper layers left to right as their
// inputs become ready.
func (t *Tracker) GotBottomFsLayer(d digest.Digest, path string, err error) {
	delete(t.pendingBottomBuilds, d)
	if err != nil {
		t.fail(d, err)
		return
	}
	t.bottomLayers[d] = path
}

// AdvanceUpperChain attempts to build the next upper layer in the job's
// left-to-right stacking order. Call after any GotBottomFsLayer or
// GotUpperFsLayer. No-op if the inputs for the next step aren't ready yet.
func (t *Tracker) AdvanceUpperChain(jid cache.JobID, f Fetcher) {
	if t.failed {
		return
	}
	if len(t.upperChain) == 0 {
		// Seed with the first layer's bottom path once available.
		first := t.layers[0].Digest
		bottom, ok := t.bottomLayers[first]
		if !ok {
			return
		}
		t.upperChain = []digest.Digest{first}
		t.upperLayers[first] = bottom
	}

	next := len(t.upperChain)
	if next >= len(t.layers) {
		if t.mountPath == "" {
			last, err := digestutil.UpperDigest(t.upperChain)
			if err != nil {
				t.fail(t.layers[0].Digest, err)
				return
			}
			t.mountPath = t.upperLayers[last]
		}
		return
	}
	topDigest := t.layers[next].Digest
	topBottom, ok := t.bottomLayers[topDigest]
	if !ok {
		return
	}
	lowerChain := append([]digest.Digest{}, t.upperChain...)
	lowerUpperDigest, err := digestutil.UpperDigest(lowerChain)
	if err != nil {
		t.fail(topDigest, err)
		return
	}
	lowerPath, ok := t.upperLayers[lowerUpperDigest]
	if !ok {
		return
	}

	// t.upperChain is already top-first (the most recently stacked layer at
	// index 0); prepending topDigest keeps that invariant since topDigest is
	// stacked above everything accumulated so far.
	candidateChain := append([]digest.Digest{topDigest}, lowerChain...)
	upperDigest, err := digestutil.UpperDigest(candidateChain)
	if err != nil {
		t.fail(topDigest, err)
		return
	}
	if _, ok := t.upperLayers[upperDigest]; ok {
		t.upperChain = candidateChain
		t.advanceUpperChainTail(jid, f)
		return
	}
	if _, ok := t.pendingUpperBuilds[upperDigest]; ok {
		return
	}

	res, err := f.FetchUpperFsLayer(upperDigest, topBottom, lowerPath, jid)
	if err != nil {
		t.fail(topDigest, err)
		return
	}
	t.cacheKeys[cache.Key{Kind: cache.UpperFsLayer, Digest: upperDigest}] = struct{}{}
	switch res.Outcome {
	case cache.Success:
		t.upperLayers[upperDigest] = res.Path
		t.upperChain = candidateChain
		t.advanceUpperChainTail(jid, f)
	case cache.Wait, cache.Get:
		t.pendingUpperBuilds[upperDigest] = struct{}{}
	}
}

func (t *Tracker) advanceUpperChainTail(jid cache.JobID, f Fetcher) {
	if len(t.upperChain) == len(t.layers) {
		last, _ := digestutil.UpperDigest(t.upperChain)
		t.mountPath = t.upperLayers[last]
		return
	}
	t.AdvanceUpperChain(jid, f)
}

// GotUpperFsLayer records a completed upper-layer build keyed by its
// UpperDigest and resumes chain advancement.
func (t *Tracker) GotUpperFsLayer(upperDigest digest.Digest, path string, err error, jid cache.JobID, f Fetcher) {
	delete(t.pendingUpperBuilds, upperDigest)
	if err != nil {
		t.fail(upperDigest, err)
		return
	}
	t.upperLayers[upperDigest] = path
	t.AdvanceUpperChain(jid, f)
}

// IsComplete holds exactly when all pending sets are empty and the final
// mount path has been produced.
func (t *Tracker) IsComplete() bool {
	return !t.failed &&
		len(t.pendingFetches) == 0 &&
		len(t.pendingBottomBuilds) == 0 &&
		len(t.pendingUpperBuilds) == 0 &&
		len(t.pendingManifestReads) == 0 &&
		t.mountPath != ""
}

// Complete returns the final mount path and the full set of cache keys the
// job holds (one per distinct blob, bottom layer, and intermediate upper
// layer), which the dispatcher must eventually decrement one by one.
// Panics if called before IsComplete.
func (t *Tracker) Complete() (mountPath string, keys []cache.Key) {
	if !t.IsComplete() {
		panic("layer: Complete called before tracker finished")
	}
	for k := range t.cacheKeys {
		keys = append(keys, k)
	}
	return t.mountPath, keys
}

// CacheKeys returns every cache key acquired so far, complete or not. Used
// by the dispatcher to release a partial tracker's references on
// cancellation or failure. Keys whose fetch or build is still pending are
// left out: their reference is granted only when the resolution arrives,
// and the dispatcher releases it then if the job is gone.
func (t *Tracker) CacheKeys() []cache.Key {
	keys := make([]cache.Key, 0, len(t.cacheKeys))
	for k := range t.cacheKeys {
		var pending map[digest.Digest]struct{}
		switch k.Kind {
		case cache.Blob:
			pending = t.pendingFetches
		case cache.BottomFsLayer:
			pending = t.pendingBottomBuilds
		case cache.UpperFsLayer:
			pending = t.pendingUpperBuilds
		}
		if _, ok := pending[k.Digest]; ok {
			continue
		}
		keys = append(keys, k)
	}
	return keys
}
