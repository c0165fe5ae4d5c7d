package broker

import (
	"context"

	"github.com/containerd/log"

	"github.com/thomascherickal/maelstrom/internal/jobspec"
)

// LoggingSink is a Sink that just logs outcomes, for local development
// before a real broker connection is wired in.
type LoggingSink struct{}

func NewLoggingSink() *LoggingSink { return &LoggingSink{} }

func (LoggingSink) Completed(id jobspec.ID, eff Effects) {
	log.G(context.Background()).WithField("job", id).WithField("exit_code", eff.ExitCode).Info("broker: job completed")
}

func (LoggingSink) TimedOut(id jobspec.ID) {
	log.G(context.Background()).WithField("job", id).Warn("broker: job timed out")
}

func (LoggingSink) ExecutionError(id jobspec.ID, err error) {
	log.G(context.Background()).WithError(err).WithField("job", id).Warn("broker: execution error")
}

func (LoggingSink) SystemError(id jobspec.ID, err error) {
	log.G(context.Background()).WithError(err).WithField("job", id).Error("broker: system error")
}

func (LoggingSink) Close() {
	log.G(context.Background()).Info("broker: sink closed")
}
