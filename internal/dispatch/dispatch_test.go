package dispatch

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	digest "github.com/opencontainers/go-digest"
	"gotest.tools/v3/assert"

	"github.com/thomascherickal/maelstrom/internal/broker"
	"github.com/thomascherickal/maelstrom/internal/cache"
	"github.com/thomascherickal/maelstrom/internal/executor"
	"github.com/thomascherickal/maelstrom/internal/fetch"
	"github.com/thomascherickal/maelstrom/internal/jobspec"
	"github.com/thomascherickal/maelstrom/internal/layer"
)

// fakeCapability satisfies fetch.Capability with instant, synchronous
// writes, so tests don't depend on real HTTP or tar content.
func fakeCapability() fetch.Capability {
	return fetch.Capability{
		StartArtifactFetch: func(d digest.Digest, dest string, jid cache.JobID) error {
			return os.WriteFile(dest, []byte("blob"), 0o644)
		},
		BuildBottomFsLayer: func(kind layer.ArtifactKind, blobPath, dest string) error {
			return os.MkdirAll(dest, 0o755)
		},
		BuildUpperFsLayer: func(top, lower, dest string) error {
			return os.MkdirAll(dest, 0o755)
		},
		ReadManifestDigests: func(path string) ([]digest.Digest, error) {
			return nil, nil
		},
	}
}

type fakeExecutor struct {
	exitCode int
	block    <-chan struct{} // if non-nil, StartJob waits for this or ctx.Done

	mu         sync.Mutex
	running    int
	maxRunning int // highest number of StartJob calls in flight at once
}

func (f *fakeExecutor) StartJob(ctx context.Context, spec jobspec.Spec, mountPath string) (executor.Effects, error) {
	f.mu.Lock()
	f.running++
	if f.running > f.maxRunning {
		f.maxRunning = f.running
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.running--
		f.mu.Unlock()
	}()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return executor.Effects{}, ctx.Err()
		}
	}
	return executor.Effects{ExitCode: f.exitCode}, nil
}

type fakeTimer struct{}

func (fakeTimer) StartTimer(d int, fire func()) func() {
	t := time.AfterFunc(time.Duration(d)*time.Millisecond, fire)
	return func() { t.Stop() }
}

type recordingSink struct {
	mu        sync.Mutex
	completed []jobspec.ID
	timedOut  []jobspec.ID
	execErr   []jobspec.ID
	sysErr    []jobspec.ID
	notify    chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{notify: make(chan struct{}, 16)}
}

func (s *recordingSink) Completed(id jobspec.ID, eff broker.Effects) {
	s.mu.Lock()
	s.completed = append(s.completed, id)
	s.mu.Unlock()
	s.notify <- struct{}{}
}
func (s *recordingSink) TimedOut(id jobspec.ID) {
	s.mu.Lock()
	s.timedOut = append(s.timedOut, id)
	s.mu.Unlock()
	s.notify <- struct{}{}
}
func (s *recordingSink) ExecutionError(id jobspec.ID, err error) {
	s.mu.Lock()
	s.execErr = append(s.execErr, id)
	s.mu.Unlock()
	s.notify <- struct{}{}
}
func (s *recordingSink) SystemError(id jobspec.ID, err error) {
	s.mu.Lock()
	s.sysErr = append(s.sysErr, id)
	s.mu.Unlock()
	s.notify <- struct{}{}
}

func (s *recordingSink) Close() {}

func newTestDispatcher(t *testing.T, slots int, exec executor.Executor) (*Dispatcher, *recordingSink) {
	t.Helper()
	c, err := cache.Open(context.Background(), t.TempDir(), 1<<30)
	assert.NilError(t, err)
	sink := newRecordingSink()
	d := New(Opt{
		Cache:      c,
		Capability: fakeCapability(),
		Executor:   exec,
		Timer:      fakeTimer{},
		Sink:       sink,
		Slots:      slots,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx)
	return d, sink
}

func waitNotify(t *testing.T, sink *recordingSink) {
	t.Helper()
	select {
	case <-sink.notify:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for sink notification")
	}
}

func singleLayerSpec(content string) jobspec.Spec {
	return jobspec.Spec{
		Program: "/bin/true",
		Layers:  []layer.LayerRef{{Digest: digest.FromString(content), Kind: layer.Tar}},
	}
}

func TestDispatcherRunsSingleJobToCompletion(t *testing.T) {
	d, sink := newTestDispatcher(t, 1, &fakeExecutor{exitCode: 0})
	id := jobspec.ID{ClientID: 1, ClientJobID: 1}
	d.EnqueueJob(id, singleLayerSpec("a"))

	waitNotify(t, sink)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, len(sink.completed), 1)
	assert.Equal(t, sink.completed[0], id)
}

func TestDispatcherRespectsSlotLimit(t *testing.T) {
	block := make(chan struct{})
	exec := &fakeExecutor{block: block}
	d, sink := newTestDispatcher(t, 1, exec)

	id1 := jobspec.ID{ClientID: 1, ClientJobID: 1}
	id2 := jobspec.ID{ClientID: 1, ClientJobID: 2}
	d.EnqueueJob(id1, singleLayerSpec("a"))
	d.EnqueueJob(id2, singleLayerSpec("b"))

	time.Sleep(100 * time.Millisecond) // let layer resolution settle
	close(block)

	waitNotify(t, sink)
	waitNotify(t, sink)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, len(sink.completed), 2)
	exec.mu.Lock()
	defer exec.mu.Unlock()
	assert.Equal(t, exec.maxRunning, 1)
}

func TestDispatcherCancelDuringExecution(t *testing.T) {
	block := make(chan struct{})
	d, sink := newTestDispatcher(t, 1, &fakeExecutor{block: block})
	id := jobspec.ID{ClientID: 1, ClientJobID: 1}
	d.EnqueueJob(id, singleLayerSpec("a"))

	time.Sleep(100 * time.Millisecond)
	d.CancelJob(id)
	close(block)

	select {
	case <-sink.notify:
		t.Fatal("cancelled job should not report an outcome")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestDispatcherTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	d, sink := newTestDispatcher(t, 1, &fakeExecutor{block: block})
	id := jobspec.ID{ClientID: 1, ClientJobID: 1}
	spec := singleLayerSpec("a")
	spec.Timeout = 1 // fakeTimer treats this as milliseconds
	d.EnqueueJob(id, spec)

	waitNotify(t, sink)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, len(sink.timedOut), 1)
	assert.Equal(t, sink.timedOut[0], id)
}

func TestDispatcherLPTOrdering(t *testing.T) {
	block := make(chan struct{})
	d, sink := newTestDispatcher(t, 1, &fakeExecutor{block: block})

	blocker := jobspec.ID{ClientID: 1, ClientJobID: 3}
	low := jobspec.ID{ClientID: 1, ClientJobID: 1}
	high := jobspec.ID{ClientID: 1, ClientJobID: 2}

	lowSpec := singleLayerSpec("low")
	lowSpec.HasEstimate = true
	lowSpec.EstimatedDuration = 1
	highSpec := singleLayerSpec("high")
	highSpec.HasEstimate = true
	highSpec.EstimatedDuration = 100

	// A blocker job takes the only slot first. The short-estimate job is
	// then enqueued before the long-estimate one; both resolve their
	// (disjoint, so independently fetched) single layer while the slot is
	// taken. Once the blocker finishes, the longer-estimate job must run
	// first (LPT).
	d.EnqueueJob(blocker, singleLayerSpec("blocker"))
	time.Sleep(100 * time.Millisecond)
	d.EnqueueJob(low, lowSpec)
	d.EnqueueJob(high, highSpec)
	time.Sleep(100 * time.Millisecond)
	close(block)

	waitNotify(t, sink)
	waitNotify(t, sink)
	waitNotify(t, sink)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, len(sink.completed), 3)
	assert.Equal(t, sink.completed[0], blocker)
	assert.Equal(t, sink.completed[1], high)
	assert.Equal(t, sink.completed[2], low)
}

func TestDispatcherSharedBlobAcrossJobs(t *testing.T) {
	d, sink := newTestDispatcher(t, 2, &fakeExecutor{exitCode: 0})
	id1 := jobspec.ID{ClientID: 1, ClientJobID: 1}
	id2 := jobspec.ID{ClientID: 1, ClientJobID: 2}

	spec := singleLayerSpec("shared")
	d.EnqueueJob(id1, spec)
	d.EnqueueJob(id2, spec)

	waitNotify(t, sink)
	waitNotify(t, sink)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, len(sink.completed), 2)
}

// TestDispatcherReleasesRefOnCancelBeforeFetchResolves covers a job that is
// cancelled while one of its layers is still being fetched. The fetch
// still finishes and still counts that job as a waiter in the cache's ref
// count, so the dispatcher must release that reference itself once it
// notices the job is gone - otherwise the shared entry never comes back
// down to InHeap and is stuck un-evictable forever.
func TestDispatcherReleasesRefOnCancelBeforeFetchResolves(t *testing.T) {
	c, err := cache.Open(context.Background(), t.TempDir(), 1<<30)
	assert.NilError(t, err)
	sink := newRecordingSink()
	d := New(Opt{
		Cache:      c,
		Capability: fakeCapability(),
		Executor:   &fakeExecutor{exitCode: 0},
		Timer:      fakeTimer{},
		Sink:       sink,
		Slots:      2,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx)

	spec := singleLayerSpec("shared")
	cancelled := jobspec.ID{ClientID: 1, ClientJobID: 1}
	survivor := jobspec.ID{ClientID: 1, ClientJobID: 2}

	// Both jobs race to fetch the same blob; whichever loses becomes a
	// waiter on the other's in-flight fetch. Cancel one immediately so it
	// is very likely still awaiting_layers (or a pure waiter) when the
	// fetch resolves.
	d.EnqueueJob(cancelled, spec)
	d.EnqueueJob(survivor, spec)
	d.CancelJob(cancelled)

	waitNotify(t, sink) // the survivor completes
	sink.mu.Lock()
	assert.Equal(t, len(sink.completed), 1)
	assert.Equal(t, sink.completed[0], survivor)
	sink.mu.Unlock()

	// handleJobCompleted releases the survivor's references right after it
	// notifies the sink, so poll briefly; then both shared entries (the
	// blob and its bottom layer) must be fully released: InUse==0, InHeap==2.
	deadline := time.Now().Add(2 * time.Second)
	for {
		st := c.Stats()
		if st.InUse == 0 && st.InHeap == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("shared cache entry never released: %+v", st)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDispatcherShutdownStopsRun(t *testing.T) {
	c, err := cache.Open(context.Background(), t.TempDir(), 1<<30)
	assert.NilError(t, err)
	d := New(Opt{
		Cache:      c,
		Capability: fakeCapability(),
		Executor:   &fakeExecutor{},
		Timer:      fakeTimer{},
		Sink:       newRecordingSink(),
		Slots:      1,
	})
	go d.Run(context.Background())
	d.Shutdown()
	select {
	case <-d.Stopped():
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after Shutdown")
	}
}
