package dispatch

import (
	"context"
	"os"
	"path/filepath"

	digest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/thomascherickal/maelstrom/internal/cache"
	"github.com/thomascherickal/maelstrom/internal/fetch"
	"github.com/thomascherickal/maelstrom/internal/layer"
)

var bgCtx = context.Background()

// filepathWalk visits every regular file under root (root itself if it is
// one) and reports its size, used to total up a fetched blob or a built
// layer tree's footprint for the cache's byte accounting.
func filepathWalk(root string, visit func(size int64)) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		visit(info.Size())
		return nil
	}
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			visit(info.Size())
		}
		return nil
	})
}

// cacheFetcher adapts a *cache.Cache plus a fetch.Capability into the
// layer.Fetcher interface the tracker calls synchronously. Every call that
// requires real I/O is dispatched to a goroutine that reports back onto
// the dispatcher's message channel, so the tracker itself is only ever
// touched from the dispatcher's single goroutine.
type cacheFetcher struct {
	cache *cache.Cache
	cap   fetch.Capability
	post  func(dispatcherMsg)
	fatal func(error)
}

func (f *cacheFetcher) FetchArtifact(d digest.Digest, jid cache.JobID) (cache.GetResult, error) {
	k := cache.Key{Kind: cache.Blob, Digest: d}
	res := f.cache.GetArtifact(k, jid)
	if res.Outcome == cache.Get {
		go func() {
			err := f.cap.StartArtifactFetch(d, res.Path, jid)
			f.finish(cache.Blob, k, d, res.Path, err)
		}()
	}
	return res, nil
}

func (f *cacheFetcher) FetchBottomFsLayer(d digest.Digest, kind layer.ArtifactKind, blobPath string, jid cache.JobID) (cache.GetResult, error) {
	k := cache.Key{Kind: cache.BottomFsLayer, Digest: d}
	res := f.cache.GetArtifact(k, jid)
	if res.Outcome == cache.Get {
		go func() {
			err := f.cap.BuildBottomFsLayer(kind, blobPath, res.Path)
			f.finish(cache.BottomFsLayer, k, d, res.Path, err)
		}()
	}
	return res, nil
}

func (f *cacheFetcher) FetchUpperFsLayer(upperDigest digest.Digest, top, lower string, jid cache.JobID) (cache.GetResult, error) {
	k := cache.Key{Kind: cache.UpperFsLayer, Digest: upperDigest}
	res := f.cache.GetArtifact(k, jid)
	if res.Outcome == cache.Get {
		go func() {
			err := f.cap.BuildUpperFsLayer(top, lower, res.Path)
			f.finish(cache.UpperFsLayer, k, upperDigest, res.Path, err)
		}()
	}
	return res, nil
}

func (f *cacheFetcher) ReadManifestDigests(d digest.Digest, path string, jid cache.JobID) {
	go func() {
		refs, err := f.cap.ReadManifestDigests(path)
		f.post(msgReadManifestDigests{jid: jid, manifestDigest: d, refs: refs, err: err})
	}()
}

// finish resolves a completed cache entry and posts one routed message per
// waiter, since a blob or layer build can be shared across jobs that
// requested it concurrently. expectPath is the destination the build
// wrote to; it is reported back verbatim since GotArtifactSuccess returns
// the same value from its own bookkeeping.
//
// GotArtifactFailure/GotArtifactSuccess only ever fail when the cache's own
// on-disk bookkeeping is broken (the entry isn't in DownloadingAndExtracting
// any more, or a quarantine rename failed) - a filesystem-level invariant
// violation, not something scoped to this one job. That is fatal.
func (f *cacheFetcher) finish(kind cache.Kind, k cache.Key, d digest.Digest, expectPath string, err error) {
	var waiters []cache.JobID
	var path string
	var cacheErr error
	if err != nil {
		waiters, cacheErr = f.cache.GotArtifactFailure(bgCtx, k)
	} else {
		path, waiters, cacheErr = f.cache.GotArtifactSuccess(k, sizeOf(expectPath))
	}
	if cacheErr != nil {
		f.fatal(errors.Wrapf(cacheErr, "dispatch: resolve cache entry %s", k))
		return
	}
	for _, jid := range waiters {
		f.post(msgArtifactResolved{kind: kind, jid: jid, digest: d, path: path, err: err})
	}
}

// sizeOf reports the on-disk footprint of a fetched blob or built layer
// tree, used as the cache entry's byte accounting.
func sizeOf(path string) uint64 {
	var total uint64
	_ = filepathWalk(path, func(size int64) { total += uint64(size) })
	return total
}
