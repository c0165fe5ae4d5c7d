// Package namespaces provides a reference executor.Executor for local
// development and integration tests: it runs a job's program directly with
// os/exec inside a minimal Linux mount namespace (bind-mounting the
// resolved layer root to "/" via pivot_root is deliberately out of scope
// here; this reference implementation chroots instead, which is enough to
// exercise the dispatcher end to end but is not a hardened sandbox).
// spec.Mounts beyond what the resolved root already contains are not
// applied; a production Executor would mount them inside the child's
// mount namespace before the chroot.
//
// Grounded on cluster/executor/container.Container, which
// assembles a host config field by field (mounts, network mode, resources)
// from a task spec before starting the container; the same field-by-field
// assembly happens here against exec.Cmd and syscall.SysProcAttr instead.
package namespaces

import (
	"bytes"
	"context"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"

	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/thomascherickal/maelstrom/internal/executor"
	"github.com/thomascherickal/maelstrom/internal/jobspec"
)

// Executor is a dev/test stand-in, not a hardened production sandbox: it
// does not enforce resource limits, seccomp, or user namespace remapping.
// It also does not implement the abstract-namespace TTY socket contract;
// allocate_tty jobs run with stdout/stderr captured as plain pipes instead.
type Executor struct{}

func New() *Executor { return &Executor{} }

func (e *Executor) StartJob(ctx context.Context, spec jobspec.Spec, mountPath string) (executor.Effects, error) {
	cmd := exec.CommandContext(ctx, spec.Program, spec.Arguments...)
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.Env = spec.Environment
	cmd.Dir = spec.WorkingDirectory
	if cmd.Dir == "" {
		cmd.Dir = "/"
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Chroot:     mountPath,
		Setpgid:    true,
		Cloneflags: syscall.CLONE_NEWNS,
	}
	if spec.Network == jobspec.NetworkDisabled {
		cmd.SysProcAttr.Cloneflags |= syscall.CLONE_NEWNET
	}
	if spec.User != "" {
		uid, gid, err := lookupCredential(spec.User, spec.Group)
		if err != nil {
			return executor.Effects{}, errors.Wrapf(err, "namespaces: resolve user %q", spec.User)
		}
		cmd.SysProcAttr.Credential = &syscall.Credential{Uid: uid, Gid: gid}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.G(ctx).WithField("program", spec.Program).Debug("namespaces: starting job")

	err := cmd.Run()
	eff := executor.Effects{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	if exitErr, ok := err.(*exec.ExitError); ok {
		eff.ExitCode = exitErr.ExitCode()
		return eff, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return eff, ctx.Err()
		}
		return eff, errors.Wrap(err, "namespaces: run job")
	}
	return eff, nil
}

// lookupCredential resolves a username (and optional group name) to the
// numeric uid/gid os/exec's Credential needs. This resolves against the
// host's user database, not the job's root, matching the reference
// executor's general "not hardened" scope.
func lookupCredential(userName, groupName string) (uid, gid uint32, err error) {
	u, err := user.Lookup(userName)
	if err != nil {
		return 0, 0, err
	}
	uidN, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, 0, err
	}
	gidStr := u.Gid
	if groupName != "" {
		g, err := user.LookupGroup(groupName)
		if err != nil {
			return 0, 0, err
		}
		gidStr = g.Gid
	}
	gidN, err := strconv.ParseUint(gidStr, 10, 32)
	if err != nil {
		return 0, 0, err
	}
	return uint32(uidN), uint32(gidN), nil
}
