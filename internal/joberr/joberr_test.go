package joberr

import (
	"errors"
	"testing"

	digest "github.com/opencontainers/go-digest"
	"gotest.tools/v3/assert"
)

func TestExecutionErrorUnwraps(t *testing.T) {
	cause := errors.New("exec format error")
	err := &ExecutionError{Cause: cause}
	assert.ErrorContains(t, err, "exec format error")
	assert.Assert(t, errors.Is(err, cause))
}

func TestSystemErrorFormatsDigestWhenPresent(t *testing.T) {
	d := digest.FromString("layer")
	cause := errors.New("fetch failed")

	withDigest := &SystemError{Digest: d, Cause: cause}
	assert.ErrorContains(t, withDigest, d.String())

	withoutDigest := &SystemError{Cause: cause}
	assert.ErrorContains(t, withoutDigest, "fetch failed")
	assert.Assert(t, errors.Is(withoutDigest, cause))
}

func TestFatalErrorUnwraps(t *testing.T) {
	cause := errors.New("quarantine rename failed")
	err := &FatalError{Cause: cause}
	assert.ErrorContains(t, err, "quarantine rename failed")
	assert.Assert(t, errors.Is(err, cause))
}
