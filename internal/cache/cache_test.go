package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	digest "github.com/opencontainers/go-digest"
	"gotest.tools/v3/assert"
)

func testDigest(t *testing.T, s string) digest.Digest {
	t.Helper()
	return digest.FromString(s)
}

func mustOpen(t *testing.T, target uint64) *Cache {
	t.Helper()
	dir := t.TempDir()
	c, err := Open(context.Background(), dir, target)
	assert.NilError(t, err)
	return c
}

func TestStartupLayout(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(context.Background(), dir, 100)
	assert.NilError(t, err)

	for _, kind := range []Kind{Blob, BottomFsLayer, UpperFsLayer} {
		info, err := os.Stat(c.kindDir(kind))
		assert.NilError(t, err)
		assert.Assert(t, info.IsDir())
	}
	info, err := os.Stat(filepath.Join(dir, "removing"))
	assert.NilError(t, err)
	assert.Assert(t, info.IsDir())
}

func TestGetArtifactNewThenSuccess(t *testing.T) {
	c := mustOpen(t, 1000)
	k := Key{Kind: Blob, Digest: testDigest(t, "d1")}
	jid := JobID{ClientID: 1, ClientJobID: 1}

	res := c.GetArtifact(k, jid)
	assert.Equal(t, res.Outcome, Get)
	assert.Assert(t, res.Path != "")

	path, waiters, err := c.GotArtifactSuccess(k, 4)
	assert.NilError(t, err)
	assert.Equal(t, path, res.Path)
	assert.DeepEqual(t, waiters, []JobID{jid})

	stats := c.Stats()
	assert.Equal(t, stats.TotalBytesUsed, uint64(4))
	assert.Equal(t, stats.InUse, 1)
}

// S2: three jobs request the same digest while a fetch is in flight.
func TestConcurrentWaiters(t *testing.T) {
	c := mustOpen(t, 1000)
	k := Key{Kind: Blob, Digest: testDigest(t, "shared")}
	j1, j2, j3 := JobID{1, 1}, JobID{1, 2}, JobID{1, 3}

	r1 := c.GetArtifact(k, j1)
	assert.Equal(t, r1.Outcome, Get)

	r2 := c.GetArtifact(k, j2)
	assert.Equal(t, r2.Outcome, Wait)

	r3 := c.GetArtifact(k, j3)
	assert.Equal(t, r3.Outcome, Wait)

	_, waiters, err := c.GotArtifactSuccess(k, 100)
	assert.NilError(t, err)
	assert.Equal(t, len(waiters), 3)

	// ref_count becomes 3; three decrements needed to reach InHeap.
	assert.NilError(t, c.DecrementRefCount(k))
	assert.Equal(t, c.Stats().InUse, 1)
	assert.NilError(t, c.DecrementRefCount(k))
	assert.Equal(t, c.Stats().InUse, 1)
	assert.NilError(t, c.DecrementRefCount(k))
	assert.Equal(t, c.Stats().InHeap, 1)
}

func TestGotArtifactFailureQuarantinesPartialFile(t *testing.T) {
	c := mustOpen(t, 1000)
	k := Key{Kind: Blob, Digest: testDigest(t, "broken")}
	jid := JobID{1, 1}

	res := c.GetArtifact(k, jid)
	assert.NilError(t, os.MkdirAll(filepath.Dir(res.Path), 0o755))
	assert.NilError(t, os.WriteFile(res.Path, []byte("partial"), 0o644))

	waiters, err := c.GotArtifactFailure(context.Background(), k)
	assert.NilError(t, err)
	assert.DeepEqual(t, waiters, []JobID{jid})

	_, statErr := os.Stat(res.Path)
	assert.Assert(t, os.IsNotExist(statErr))
}

// S1: LRU eviction under pressure. Target = 10 bytes, 4-byte blobs.
func TestLRUEvictionUnderPressure(t *testing.T) {
	c := mustOpen(t, 10)

	complete := func(name string, jid JobID) Key {
		k := Key{Kind: Blob, Digest: testDigest(t, name)}
		res := c.GetArtifact(k, jid)
		assert.Equal(t, res.Outcome, Get)
		_, _, err := c.GotArtifactSuccess(k, 4)
		assert.NilError(t, err)
		return k
	}

	j1, j2, j3, j4 := JobID{1, 1}, JobID{1, 2}, JobID{1, 3}, JobID{1, 4}

	d1 := complete("d1", j1)
	d2 := complete("d2", j2)

	assert.NilError(t, c.DecrementRefCount(d1))
	assert.NilError(t, c.DecrementRefCount(d2))

	d3 := complete("d3", j3) // pushes total past target, evicts d1 (oldest)

	if _, ok := c.entries[d1]; ok {
		t.Fatal("expected d1 to be evicted")
	}
	if _, ok := c.entries[d2]; !ok {
		t.Fatal("expected d2 to still be present")
	}

	assert.NilError(t, c.DecrementRefCount(d3))
	d4 := complete("d4", j4) // evicts d2 next (older than d3 on the heap)
	_ = d4

	if _, ok := c.entries[d2]; ok {
		t.Fatal("expected d2 to be evicted after release")
	}
}

func TestDecrementRefCountMultipleRefs(t *testing.T) {
	c := mustOpen(t, 1000)
	k := Key{Kind: BottomFsLayer, Digest: testDigest(t, "multi")}
	j1, j2 := JobID{1, 1}, JobID{1, 2}

	res := c.GetArtifact(k, j1)
	assert.Equal(t, res.Outcome, Get)
	_ = c.GetArtifact(k, j2) // Wait

	_, _, err := c.GotArtifactSuccess(k, 8)
	assert.NilError(t, err)
	assert.Equal(t, c.entries[k].refCount, uint32(2))

	assert.NilError(t, c.DecrementRefCount(k))
	assert.Equal(t, c.entries[k].state, stateInUse)
	assert.Equal(t, c.entries[k].refCount, uint32(1))

	assert.NilError(t, c.DecrementRefCount(k))
	assert.Equal(t, c.entries[k].state, stateInHeap)
}

func TestHeapIndexInvariant(t *testing.T) {
	c := mustOpen(t, 1 << 30)
	var keys []Key
	for i := 0; i < 20; i++ {
		k := Key{Kind: Blob, Digest: testDigest(t, string(rune('a'+i)))}
		jid := JobID{1, uint32(i)}
		res := c.GetArtifact(k, jid)
		assert.Equal(t, res.Outcome, Get)
		_, _, err := c.GotArtifactSuccess(k, 1)
		assert.NilError(t, err)
		assert.NilError(t, c.DecrementRefCount(k))
		keys = append(keys, k)
	}

	for i, k := range c.heap.keys {
		assert.Equal(t, c.heap.byKey[k].heapIndex, i)
	}
	_ = keys
}
