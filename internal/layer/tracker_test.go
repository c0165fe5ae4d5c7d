package layer

import (
	"testing"

	digest "github.com/opencontainers/go-digest"
	"gotest.tools/v3/assert"

	"github.com/thomascherickal/maelstrom/internal/cache"
	"github.com/thomascherickal/maelstrom/internal/digestutil"
)

// fakeFetcher resolves every call synchronously and successfully, letting
// tests exercise the tracker's state machine without any real I/O or
// dependency on the cache package's own bookkeeping.
type fakeFetcher struct {
	blobPaths   map[digest.Digest]string
	bottomPaths map[digest.Digest]string
	upperPaths  map[digest.Digest]string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		blobPaths:   map[digest.Digest]string{},
		bottomPaths: map[digest.Digest]string{},
		upperPaths:  map[digest.Digest]string{},
	}
}

func (f *fakeFetcher) FetchArtifact(d digest.Digest, jid cache.JobID) (cache.GetResult, error) {
	p := "/blobs/" + d.Encoded()
	f.blobPaths[d] = p
	return cache.GetResult{Outcome: cache.Get, Path: p}, nil
}

func (f *fakeFetcher) FetchBottomFsLayer(d digest.Digest, kind ArtifactKind, blobPath string, jid cache.JobID) (cache.GetResult, error) {
	p := "/bottom/" + d.Encoded()
	f.bottomPaths[d] = p
	return cache.GetResult{Outcome: cache.Get, Path: p}, nil
}

func (f *fakeFetcher) FetchUpperFsLayer(upperDigest digest.Digest, top, lower string, jid cache.JobID) (cache.GetResult, error) {
	p := "/upper/" + upperDigest.Encoded()
	f.upperPaths[upperDigest] = p
	return cache.GetResult{Outcome: cache.Get, Path: p}, nil
}

func (f *fakeFetcher) ReadManifestDigests(d digest.Digest, path string, jid cache.JobID) {}

var jid = cache.JobID{ClientID: 1, ClientJobID: 1}

func TestTrackerSingleLayerCompletesOnBottomBuild(t *testing.T) {
	f := newFakeFetcher()
	d := digest.FromString("a")
	tr, err := New([]LayerRef{{Digest: d, Kind: Tar}}, jid, f)
	assert.NilError(t, err)
	assert.Assert(t, !tr.IsComplete())

	tr.GotArtifact(d, f.blobPaths[d], nil)
	tr.AdvanceAfterArtifact(d, Tar, jid, f)
	tr.GotBottomFsLayer(d, f.bottomPaths[d], nil)
	tr.AdvanceUpperChain(jid, f)

	assert.Assert(t, tr.IsComplete())
	mountPath, keys := tr.Complete()
	assert.Equal(t, mountPath, f.bottomPaths[d])
	assert.Assert(t, len(keys) >= 2) // blob + bottom layer
}

// TestTrackerTwoLayerChainBuildsUpperDigestInOrder pins the tracker's cache
// key for a two-layer job to the specification's own formula,
// UpperDigest(top, bottom) = H(top || bottom), rather than whatever the
// tracker happens to compute internally: d1 is declared first (the
// bottommost layer), d2 second (stacked on top of d1), so the chain's
// cache key must be UpperDigest(d2, d1), not UpperDigest(d1, d2).
func TestTrackerTwoLayerChainBuildsUpperDigestInOrder(t *testing.T) {
	f := newFakeFetcher()
	d1 := digest.FromString("bottom")
	d2 := digest.FromString("top")
	layers := []LayerRef{{Digest: d1, Kind: Tar}, {Digest: d2, Kind: Tar}}
	tr, err := New(layers, jid, f)
	assert.NilError(t, err)

	for _, d := range []digest.Digest{d1, d2} {
		tr.GotArtifact(d, f.blobPaths[d], nil)
		tr.AdvanceAfterArtifact(d, Tar, jid, f)
		tr.GotBottomFsLayer(d, f.bottomPaths[d], nil)
	}
	tr.AdvanceUpperChain(jid, f)
	assert.Assert(t, !tr.IsComplete()) // the upper build itself is still pending

	wantUpper, err := digestutil.UpperDigest([]digest.Digest{d2, d1})
	assert.NilError(t, err)
	tr.GotUpperFsLayer(wantUpper, f.upperPaths[wantUpper], nil, jid, f)

	assert.Assert(t, tr.IsComplete())
	mountPath, _ := tr.Complete()
	assert.Equal(t, mountPath, f.upperPaths[wantUpper])
}

func TestTrackerRejectsEmptyLayerList(t *testing.T) {
	_, err := New(nil, jid, newFakeFetcher())
	assert.ErrorContains(t, err, "at least one layer")
}

func TestTrackerPropagatesFetchFailure(t *testing.T) {
	f := newFakeFetcher()
	d := digest.FromString("broken")
	tr, err := New([]LayerRef{{Digest: d, Kind: Tar}}, jid, f)
	assert.NilError(t, err)

	tr.GotArtifact(d, "", assertError{})
	_, _, failed := tr.Failed()
	assert.Assert(t, failed)
	assert.Assert(t, !tr.IsComplete())
}

type assertError struct{}

func (assertError) Error() string { return "boom" }
