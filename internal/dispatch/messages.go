package dispatch

import (
	digest "github.com/opencontainers/go-digest"

	"github.com/thomascherickal/maelstrom/internal/cache"
	"github.com/thomascherickal/maelstrom/internal/executor"
	"github.com/thomascherickal/maelstrom/internal/jobspec"
)

// dispatcherMsg is the closed set of events the dispatcher's single
// goroutine processes, one at a time, off its inbox channel.
type dispatcherMsg interface{ isDispatcherMsg() }

type msgEnqueueJob struct {
	id   jobspec.ID
	spec jobspec.Spec
}

type msgCancelJob struct{ id jobspec.ID }

type msgJobCompleted struct {
	id  jobspec.ID
	eff executor.Effects
	err error
}

type msgJobTimer struct{ id jobspec.ID }

// msgArtifactResolved reports that a blob fetch or layer build finished,
// routed to the one job (jid) that was waiting on it; a shared cache entry
// fans this message out once per waiter.
type msgArtifactResolved struct {
	kind   cache.Kind
	jid    cache.JobID
	digest digest.Digest
	path   string
	err    error
}

type msgReadManifestDigests struct {
	jid            cache.JobID
	manifestDigest digest.Digest
	refs           []digest.Digest
	err            error
}

type msgShutdown struct{}

func (msgEnqueueJob) isDispatcherMsg()          {}
func (msgCancelJob) isDispatcherMsg()           {}
func (msgJobCompleted) isDispatcherMsg()        {}
func (msgJobTimer) isDispatcherMsg()            {}
func (msgArtifactResolved) isDispatcherMsg()    {}
func (msgReadManifestDigests) isDispatcherMsg() {}
func (msgShutdown) isDispatcherMsg()            {}
