// Package dispatch implements the worker's single-threaded actor: it owns
// every job's lifecycle from enqueue through layer resolution, slot
// admission, execution, and completion reporting, processing one message
// at a time off an inbox channel so no lock is ever needed across job
// state.
//
// Grounded on daemon/internal/builder-next.Builder, whose
// jobs map and solve-one-at-a-time dispatch loop plays the analogous role
// for buildkit solve requests; the single-goroutine-over-a-channel shape
// itself also matches the actor pattern used by the llbsolver job queue in
// the wider buildkit codebase.
package dispatch

import (
	"context"
	"sort"
	"sync"

	"github.com/containerd/log"

	"github.com/thomascherickal/maelstrom/internal/broker"
	"github.com/thomascherickal/maelstrom/internal/cache"
	"github.com/thomascherickal/maelstrom/internal/executor"
	"github.com/thomascherickal/maelstrom/internal/fetch"
	"github.com/thomascherickal/maelstrom/internal/joberr"
	"github.com/thomascherickal/maelstrom/internal/jobspec"
	"github.com/thomascherickal/maelstrom/internal/layer"
)

// Dispatcher is the worker's job scheduler. Construct with New and drive
// it by calling Run in its own goroutine; all other methods are safe to
// call from any goroutine and simply enqueue a message.
type Dispatcher struct {
	cache *cache.Cache
	cap   fetch.Capability
	exec  executor.Executor
	timer executor.Timer
	sink  broker.Sink
	slots int

	inbox chan dispatcherMsg
	done  chan struct{}
	ctx   context.Context

	jobs      map[jobspec.ID]*job
	available []*job
	executing map[jobspec.ID]*job
	nextSeq   uint64

	fatalMu  sync.Mutex
	fatalErr error
}

// Opt bundles the Dispatcher's dependencies, following builder-next's
// Opt-struct wiring convention (daemon/internal/builder-next.Opt).
type Opt struct {
	Cache      *cache.Cache
	Capability fetch.Capability
	Executor   executor.Executor
	Timer      executor.Timer
	Sink       broker.Sink
	Slots      int
}

func New(opt Opt) *Dispatcher {
	if opt.Slots <= 0 {
		opt.Slots = 1
	}
	return &Dispatcher{
		cache:     opt.Cache,
		cap:       opt.Capability,
		exec:      opt.Executor,
		timer:     opt.Timer,
		sink:      opt.Sink,
		slots:     opt.Slots,
		inbox:     make(chan dispatcherMsg, 256),
		done:      make(chan struct{}),
		ctx:       context.Background(),
		jobs:      make(map[jobspec.ID]*job),
		executing: make(map[jobspec.ID]*job),
	}
}

func (d *Dispatcher) post(msg dispatcherMsg) {
	d.inbox <- msg
}

// EnqueueJob admits a new job for layer resolution and eventual execution.
func (d *Dispatcher) EnqueueJob(id jobspec.ID, spec jobspec.Spec) {
	d.post(msgEnqueueJob{id: id, spec: spec})
}

// CancelJob cancels a job at whatever stage it is currently in.
func (d *Dispatcher) CancelJob(id jobspec.ID) {
	d.post(msgCancelJob{id: id})
}

// Shutdown requests Run stop: every executing job is cancelled, every
// awaiting_layers and available job is discarded with its cache references
// released, and the sink is closed once the executing jobs it cancelled
// have actually reported back. It does not block; use Stopped to wait for
// the sequence to finish.
func (d *Dispatcher) Shutdown() {
	d.post(msgShutdown{})
}

// Fatal reports that the worker can no longer maintain one of its
// invariants (an on-disk cache invariant, or a filesystem error during
// artifact resolution) and must shut down. Safe to call from any goroutine,
// including ones outside the dispatcher's own, such as the cache's
// background eviction goroutine. The first error reported wins; Run's
// caller can retrieve it via Err once Stopped closes.
func (d *Dispatcher) Fatal(err error) {
	fe := &joberr.FatalError{Cause: err}
	d.fatalMu.Lock()
	if d.fatalErr == nil {
		d.fatalErr = fe
	}
	d.fatalMu.Unlock()
	log.G(context.Background()).WithError(err).Error("dispatch: fatal error, shutting down")
	d.Shutdown()
}

// Err reports the first fatal error Fatal was called with, or nil if none
// was. Meaningful once Stopped has closed.
func (d *Dispatcher) Err() error {
	d.fatalMu.Lock()
	defer d.fatalMu.Unlock()
	return d.fatalErr
}

// Run processes messages until Shutdown is received or ctx is cancelled.
// It is meant to be called exactly once, in its own goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	d.ctx = ctx
	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return
		case msg := <-d.inbox:
			if _, ok := msg.(msgShutdown); ok {
				d.shutdown()
				return
			}
			d.dispatch(msg)
		}
	}
}

func (d *Dispatcher) dispatch(msg dispatcherMsg) {
	switch m := msg.(type) {
	case msgEnqueueJob:
		d.handleEnqueue(m)
	case msgCancelJob:
		d.handleCancel(m)
	case msgJobCompleted:
		d.handleJobCompleted(m)
	case msgJobTimer:
		d.handleJobTimer(m)
	case msgArtifactResolved:
		d.handleArtifactResolved(m)
	case msgReadManifestDigests:
		d.handleReadManifestDigests(m)
	}
}

// shutdown implements the dispatcher's termination sequence: discard
// awaiting_layers and available jobs, releasing whatever cache references
// they had acquired so far; cancel every executing job; then keep draining
// the inbox through the normal handlers - so a late artifact resolution for
// a just-discarded job still releases its reference, and a cancelled
// executing job's background goroutine is never left blocked writing to an
// inbox nobody reads - until every cancelled job has reported its
// completion. Only then is the sink closed.
func (d *Dispatcher) shutdown() {
	for id, j := range d.jobs {
		if _, executing := d.executing[id]; executing {
			continue
		}
		d.releasePartial(j)
		delete(d.jobs, id)
	}
	d.available = nil

	for _, j := range d.executing {
		j.cancelled = true
		j.cancelRun()
	}

	for len(d.executing) > 0 {
		d.dispatch(<-d.inbox)
	}
	d.sink.Close()
}

// Stopped is closed once Run returns, for callers that want to wait for a
// clean shutdown after calling Shutdown.
func (d *Dispatcher) Stopped() <-chan struct{} { return d.done }

func (d *Dispatcher) handleEnqueue(m msgEnqueueJob) {
	j := &job{id: m.id, spec: m.spec, seq: d.nextSeq}
	d.nextSeq++
	j.fetcher = &cacheFetcher{cache: d.cache, cap: d.cap, post: d.post, fatal: d.Fatal}

	tracker, err := layer.New(m.spec.Layers, j.cacheJobID(), j.fetcher)
	if err != nil {
		d.sink.SystemError(m.id, &joberr.SystemError{Cause: err})
		return
	}
	j.tracker = tracker
	d.jobs[m.id] = j
	d.checkProgress(j)
}

func (d *Dispatcher) checkProgress(j *job) {
	if dig, err, failed := j.tracker.Failed(); failed {
		log.G(context.Background()).WithError(err).WithField("job", j.id).WithField("digest", dig).Warn("dispatch: job failed during layer resolution")
		d.sink.SystemError(j.id, &joberr.SystemError{Digest: dig, Cause: err})
		d.releaseAll(j)
		delete(d.jobs, j.id)
		return
	}
	if j.tracker.IsComplete() {
		mountPath, keys := j.tracker.Complete()
		j.mountPath = mountPath
		j.cacheKeys = keys
		d.available = append(d.available, j)
		d.trySchedule()
	}
}

// trySchedule admits available jobs onto free slots using Longest
// Processing Time first: the job with the longest declared
// estimated_duration runs next; jobs with no estimate sort after every
// job that declared one. Ties (including "both absent") break by
// earliest enqueue order, giving FIFO within a duration band.
func (d *Dispatcher) trySchedule() {
	for len(d.executing) < d.slots && len(d.available) > 0 {
		sort.Slice(d.available, func(i, k int) bool {
			a, b := d.available[i], d.available[k]
			if a.spec.HasEstimate != b.spec.HasEstimate {
				return a.spec.HasEstimate
			}
			if a.spec.HasEstimate && a.spec.EstimatedDuration != b.spec.EstimatedDuration {
				return a.spec.EstimatedDuration > b.spec.EstimatedDuration
			}
			return a.seq < b.seq
		})
		j := d.available[0]
		d.available = d.available[1:]
		d.startExecuting(j)
	}
}

func (d *Dispatcher) startExecuting(j *job) {
	ctx, cancel := context.WithCancel(d.ctx)
	j.cancelRun = cancel
	d.executing[j.id] = j

	if j.spec.Timeout > 0 {
		j.cancelTmr = d.timer.StartTimer(int(j.spec.Timeout), func() {
			d.post(msgJobTimer{id: j.id})
		})
	}

	go func() {
		eff, err := d.exec.StartJob(ctx, j.spec, j.mountPath)
		d.post(msgJobCompleted{id: j.id, eff: eff, err: err})
	}()
}

func (d *Dispatcher) handleJobCompleted(m msgJobCompleted) {
	j, ok := d.executing[m.id]
	if !ok {
		return // cancelled and already cleaned up
	}
	delete(d.executing, m.id)
	if j.cancelTmr != nil {
		j.cancelTmr()
	}

	switch {
	case j.timedOut:
		d.sink.TimedOut(j.id)
	case j.cancelled:
		// no report: the canceller already knows.
	case m.err != nil:
		d.sink.ExecutionError(j.id, &joberr.ExecutionError{Cause: m.err})
	default:
		d.sink.Completed(j.id, broker.Effects{
			ExitCode: m.eff.ExitCode,
			Stdout:   inlineStream(m.eff.Stdout),
			Stderr:   inlineStream(m.eff.Stderr),
		})
	}

	d.releaseAll(j)
	delete(d.jobs, j.id)
	d.trySchedule()
}

func inlineStream(b []byte) broker.Stream {
	if len(b) == 0 {
		return broker.Stream{Kind: broker.StreamNone}
	}
	return broker.Stream{Kind: broker.StreamInline, Data: b}
}

func (d *Dispatcher) handleJobTimer(m msgJobTimer) {
	j, ok := d.executing[m.id]
	if !ok || j.cancelled {
		return
	}
	j.timedOut = true
	j.cancelRun()
}

func (d *Dispatcher) handleCancel(m msgCancelJob) {
	j, ok := d.jobs[m.id]
	if !ok {
		return
	}
	if _, executing := d.executing[m.id]; executing {
		j.cancelled = true
		j.cancelRun()
		return // cleanup happens when msgJobCompleted arrives
	}
	for i, a := range d.available {
		if a.id == m.id {
			d.available = append(d.available[:i], d.available[i+1:]...)
			break
		}
	}
	d.releasePartial(j)
	delete(d.jobs, m.id)
}

// releaseAll drops every reference a completed tracker acquired.
func (d *Dispatcher) releaseAll(j *job) {
	keys := j.cacheKeys
	if keys == nil {
		keys = j.tracker.CacheKeys()
	}
	d.releaseKeys(keys)
}

// releasePartial drops whatever references an in-flight tracker has
// acquired so far; used when a job is cancelled before its layers finish
// resolving.
func (d *Dispatcher) releasePartial(j *job) {
	d.releaseKeys(j.tracker.CacheKeys())
}

func (d *Dispatcher) releaseKeys(keys []cache.Key) {
	for _, k := range keys {
		if err := d.cache.DecrementRefCount(k); err != nil {
			log.G(context.Background()).WithError(err).WithField("key", k.String()).Warn("dispatch: release cache key")
		}
	}
}

func (d *Dispatcher) handleArtifactResolved(m msgArtifactResolved) {
	id := jobspec.ID{ClientID: m.jid.ClientID, ClientJobID: m.jid.ClientJobID}
	j, ok := d.jobs[id]
	if !ok {
		// The job was cancelled or already failed before this arrived. A
		// successful resolution already counted this waiter into the
		// cache entry's ref count; since nothing will ever claim it, drop
		// that reference now instead of leaking it.
		if m.err == nil {
			d.releaseKeys([]cache.Key{{Kind: m.kind, Digest: m.digest}})
		}
		return
	}
	jid := j.cacheJobID()
	switch m.kind {
	case cache.Blob:
		j.tracker.GotArtifact(m.digest, m.path, m.err)
		if m.err == nil {
			j.tracker.AdvanceAfterArtifact(m.digest, j.layerKindFor(m.digest), jid, j.fetcher)
		}
	case cache.BottomFsLayer:
		j.tracker.GotBottomFsLayer(m.digest, m.path, m.err)
		if m.err == nil {
			j.tracker.AdvanceUpperChain(jid, j.fetcher)
		}
	case cache.UpperFsLayer:
		j.tracker.GotUpperFsLayer(m.digest, m.path, m.err, jid, j.fetcher)
	}
	d.checkProgress(j)
}

func (d *Dispatcher) handleReadManifestDigests(m msgReadManifestDigests) {
	id := jobspec.ID{ClientID: m.jid.ClientID, ClientJobID: m.jid.ClientJobID}
	j, ok := d.jobs[id]
	if !ok {
		return
	}
	j.tracker.GotManifestDigests(m.manifestDigest, m.refs, m.err, j.cacheJobID(), j.fetcher)
	d.checkProgress(j)
}
