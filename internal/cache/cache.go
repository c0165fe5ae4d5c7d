package cache

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/containerd/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Outcome tags the three results of GetArtifact.
type Outcome int

const (
	// Success: the entry was already materialized (InUse or InHeap); the
	// caller received a fresh reference and must eventually call
	// DecrementRefCount.
	Success Outcome = iota
	// Wait: a fetch is already in flight; the caller's JobID was appended
	// to the waiter list and will be notified via GotArtifactSuccess or
	// GotArtifactFailure.
	Wait
	// Get: no entry existed. The caller must populate Path and then call
	// GotArtifactSuccess or GotArtifactFailure.
	Get
)

// GetResult is the outcome of GetArtifact.
type GetResult struct {
	Outcome Outcome
	Path    string
}

// Stats summarizes cache occupancy for the metrics reporter.
type Stats struct {
	TotalBytesUsed uint64
	Target         uint64
	Downloading    int
	InUse          int
	InHeap         int
}

// Cache is the worker's content-addressed artifact store. All methods are
// safe for concurrent use; callers never observe a half-applied state
// transition.
type Cache struct {
	root   string
	target uint64

	mu             sync.Mutex
	entries        map[Key]*entry
	heap           *lruHeap
	totalBytesUsed uint64
	nextPriority   uint64

	onFatal func(error)
}

// OnFatal registers fn to be called when the cache can no longer maintain
// its on-disk invariants, e.g. a quarantine rename fails during eviction.
// Must be called before the cache starts seeing concurrent traffic; fn runs
// on whatever goroutine detected the failure. A cache with no fn registered
// only logs the failure.
func (c *Cache) OnFatal(fn func(error)) {
	c.onFatal = fn
}

// Open creates (or resets, per the cache's startup protocol) the cache
// directory tree rooted at root and returns a ready-to-use Cache targeting
// target bytes of live occupancy. The cache holds no state across
// restarts: pre-existing per-kind directories are quarantined and the
// existing children of removing/ are asynchronously removed. Other files
// directly under root are left alone.
func Open(ctx context.Context, root string, target uint64) (*Cache, error) {
	c := &Cache{
		root:    root,
		target:  target,
		entries: make(map[Key]*entry),
	}
	c.heap = newLRUHeap(c.entries)

	removing := filepath.Join(root, "removing")
	if err := os.MkdirAll(removing, 0o755); err != nil {
		return nil, errors.Wrap(err, "cache: create removing dir")
	}

	stale, err := os.ReadDir(removing)
	if err != nil {
		return nil, errors.Wrap(err, "cache: read removing dir")
	}
	for _, ent := range stale {
		p := filepath.Join(removing, ent.Name())
		go removeAsync(ctx, p)
	}

	for _, kind := range []Kind{Blob, BottomFsLayer, UpperFsLayer} {
		dir := c.kindDir(kind)
		if _, err := os.Stat(dir); err == nil {
			if err := c.quarantine(ctx, dir); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "cache: stat %s", dir)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "cache: create %s", dir)
		}
	}

	return c, nil
}

func (c *Cache) kindDir(k Kind) string {
	return filepath.Join(c.root, k.String(), "sha256")
}

func (c *Cache) pathFor(k Key) string {
	return filepath.Join(c.kindDir(k.Kind), k.Digest.Encoded())
}

// Stats reports current occupancy. Used by the worker's periodic metrics
// reporter; see daemon/images.ImageService.ImageDiskUsage
// for the equivalent "sum up what the store is holding" query.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{TotalBytesUsed: c.totalBytesUsed, Target: c.target}
	for _, e := range c.entries {
		switch e.state {
		case stateDownloading:
			s.Downloading++
		case stateInUse:
			s.InUse++
		case stateInHeap:
			s.InHeap++
		}
	}
	return s
}

// GetArtifact implements the three-way get_artifact operation from
// the get_artifact operation.
func (c *Cache) GetArtifact(k Key, jid JobID) GetResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[k]
	if !ok {
		path := c.pathFor(k)
		c.entries[k] = &entry{
			state:     stateDownloading,
			waiters:   []JobID{jid},
			heapIndex: -1,
			path:      path,
		}
		return GetResult{Outcome: Get, Path: path}
	}

	switch e.state {
	case stateDownloading:
		e.waiters = append(e.waiters, jid)
		return GetResult{Outcome: Wait}
	case stateInHeap:
		c.heap.remove(k)
		e.state = stateInUse
		e.refCount = 1
		return GetResult{Outcome: Success, Path: e.path}
	case stateInUse:
		e.refCount++
		return GetResult{Outcome: Success, Path: e.path}
	default:
		panic("cache: unreachable entry state")
	}
}

// GotArtifactSuccess transitions a DownloadingAndExtracting entry to InUse
// with one reference per waiter, and returns the path plus the waiters so
// the caller (the dispatcher) can resume them. Triggers an eviction sweep.
func (c *Cache) GotArtifactSuccess(k Key, bytesUsed uint64) (path string, waiters []JobID, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[k]
	if !ok || e.state != stateDownloading {
		return "", nil, errors.Errorf("cache: got_artifact_success for %s not in DownloadingAndExtracting", k)
	}

	waiters = e.waiters
	e.waiters = nil
	e.state = stateInUse
	e.bytesUsed = bytesUsed
	e.refCount = uint32(len(waiters))
	c.totalBytesUsed += bytesUsed

	c.evictLocked()
	return e.path, waiters, nil
}

// GotArtifactFailure removes a failed DownloadingAndExtracting entry,
// quarantining any partial file left on disk, and returns the waiters so
// the caller can fail them.
func (c *Cache) GotArtifactFailure(ctx context.Context, k Key) (waiters []JobID, err error) {
	c.mu.Lock()
	e, ok := c.entries[k]
	if !ok || e.state != stateDownloading {
		c.mu.Unlock()
		return nil, errors.Errorf("cache: got_artifact_failure for %s not in DownloadingAndExtracting", k)
	}
	waiters = e.waiters
	delete(c.entries, k)
	path := e.path
	c.mu.Unlock()

	if _, statErr := os.Lstat(path); statErr == nil {
		if err := c.quarantine(ctx, path); err != nil {
			return waiters, err
		}
	}
	return waiters, nil
}

// DecrementRefCount drops a
// reference, and when it was the last one, moves the entry to InHeap with
// a freshly allocated priority. Always runs an eviction sweep afterward.
func (c *Cache) DecrementRefCount(k Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[k]
	if !ok || e.state != stateInUse {
		return errors.Errorf("cache: decrement_ref_count for %s not InUse", k)
	}

	if e.refCount > 1 {
		e.refCount--
		c.evictLocked()
		return nil
	}

	e.refCount = 0
	e.state = stateInHeap
	e.priority = c.nextPriority
	c.nextPriority++
	c.heap.push(k)

	c.evictLocked()
	return nil
}

// evictLocked pops the LRU entry repeatedly while over target, until the
// heap is empty or usage is back at or under target. Must be called with
// c.mu held. DownloadingAndExtracting and InUse entries are never on the
// heap, so they are immune to eviction by construction.
func (c *Cache) evictLocked() {
	for c.totalBytesUsed > c.target && c.heap.Len() > 0 {
		k := c.heap.pop()
		e := c.entries[k]
		c.totalBytesUsed -= e.bytesUsed
		delete(c.entries, k)

		path := e.path
		go func() {
			ctx := context.Background()
			if err := c.quarantine(ctx, path); err != nil {
				log.G(ctx).WithError(err).WithField("path", path).Error("cache: eviction quarantine failed")
				if c.onFatal != nil {
					c.onFatal(errors.Wrapf(err, "cache: evict %s", path))
				}
			}
		}()
	}
}

// quarantine implements the atomic removal protocol: rename p into
// removing/<random>, retrying on name collision, then schedule the
// quarantined path for background deletion. The rename is the single
// linearization point at which p is considered gone.
func (c *Cache) quarantine(ctx context.Context, p string) error {
	removing := filepath.Join(c.root, "removing")
	for {
		dst := filepath.Join(removing, randomName())
		if _, err := os.Lstat(dst); err == nil {
			continue // collision, try another name
		} else if !os.IsNotExist(err) {
			return errors.Wrapf(err, "cache: stat quarantine destination %s", dst)
		}
		if err := os.Rename(p, dst); err != nil {
			return errors.Wrapf(err, "cache: rename %s to %s", p, dst)
		}
		go removeAsync(ctx, dst)
		return nil
	}
}

func removeAsync(ctx context.Context, p string) {
	if err := os.RemoveAll(p); err != nil {
		log.G(ctx).WithError(err).WithField("path", p).Error("cache: background removal failed")
	}
}

func randomName() string {
	return uuid.NewString()
}
