package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/gob"
	"os/exec"
	"syscall"

	"golang.org/x/xerrors"

	"github.com/forgebuild/forge/internal/jobspace"
	"github.com/forgebuild/forge/internal/protocol"
)

// ReplyEnvVar carries a base64(gob(JobStartRpcReply)) blob from the
// process that picked a job's JobSpace/Cmd/Env to the re-exec'd child that
// must enter that JobSpace before running it (see EncodeReply/DecodeReply).
const ReplyEnvVar = "FORGE_JOBSTART_REPLY"

// LocalRunner runs a job as a re-exec'd, namespaced child process on the
// local machine: the "local" backend tag's Run implementation.
type LocalRunner struct {
	// Self is the path to the current binary, used to re-exec into the
	// job's mount namespace (see jobspace.Command).
	Self string
}

// RunResult is what a completed local job reports back for JobEndRpcReq.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Run starts reply's command inside a fresh jobspace and waits for it to
// finish, honoring ctx cancellation by killing the process group.
func (l LocalRunner) Run(ctx context.Context, reply protocol.JobStartRpcReply) (RunResult, error) {
	encoded, err := EncodeReply(reply)
	if err != nil {
		return RunResult{}, xerrors.Errorf("encoding job reply for re-exec: %w", err)
	}
	argv := []string{"__jobspace_exec__"}
	cmd := jobspace.Command(l.Self, argv)
	cmd.SysProcAttr.Setpgid = true
	cmd.Env = append(cmd.Env, envSlice(reply.Env)...)
	cmd.Env = append(cmd.Env, ReplyEnvVar+"="+encoded)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return RunResult{}, xerrors.Errorf("starting job process: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		return RunResult{Stdout: stdout.String(), Stderr: stderr.String()}, ctx.Err()
	case err := <-done:
		res := RunResult{Stdout: stdout.String(), Stderr: stderr.String()}
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				res.ExitCode = exitErr.ExitCode()
				return res, nil // non-zero exit is a job result, not a backend error
			}
			return res, xerrors.Errorf("running job: %w", err)
		}
		return res, nil
	}
}

func envSlice(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out
}

// EncodeReply serializes reply for transport through the ReplyEnvVar
// environment variable to a re-exec'd child.
func EncodeReply(reply protocol.JobStartRpcReply) (string, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(reply); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeReply reverses EncodeReply, taking the encoded ReplyEnvVar value.
func DecodeReply(encoded string) (protocol.JobStartRpcReply, error) {
	var reply protocol.JobStartRpcReply
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return reply, xerrors.Errorf("decoding %s: %w", ReplyEnvVar, err)
	}
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&reply); err != nil {
		return reply, xerrors.Errorf("decoding job reply: %w", err)
	}
	return reply, nil
}

// ExecChild is invoked from main when the process detects it is the
// re-exec'd jobspace child (jobspace.InChild()): it enters the namespace
// views for spec and then execs the job's real command in place.
func ExecChild(spec protocol.JobSpaceSpec, argv []string, env map[string]string) error {
	if err := jobspace.Enter(spec); err != nil {
		return xerrors.Errorf("entering jobspace: %w", err)
	}
	if len(argv) == 0 {
		return xerrors.New("jobspace: empty argv")
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return xerrors.Errorf("looking up %s: %w", argv[0], err)
	}
	return syscallExec(path, argv, envSlice(env))
}

// syscallExec is a thin seam over os/exec's underlying execve so tests can
// avoid actually replacing the process image; production code always
// exec's.
var syscallExec = func(path string, argv, env []string) error {
	return syscall.Exec(path, argv, env)
}
