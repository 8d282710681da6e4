// Package jobspace builds the isolated mount/user namespace a job runs in:
// a private mount namespace with bind and overlay views stacked per
// internal/protocol.JobSpaceSpec, then a chroot into it.
//
// A job never runs directly in the engine's mount namespace. The engine
// spawns a small re-exec of itself with CLONE_NEWNS|CLONE_NEWUSER; the
// child calls Enter to build its views before running the job's command.
package jobspace

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/forgebuild/forge/internal/protocol"
)

// ReexecEnv marks a process as already running inside its namespace, so a
// forked re-exec doesn't try to unshare again.
const ReexecEnv = "FORGE_JOBSPACE_CHILD=1"

// Command returns an *exec.Cmd that re-execs the current binary with argv,
// cloning a new mount and user namespace and mapping the calling uid/gid to
// root inside it so mounts and chroot are permitted unprivileged.
func Command(self string, argv []string) *exec.Cmd {
	cmd := exec.Command(self, argv...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWNS | syscall.CLONE_NEWUSER,
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getuid(), Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getgid(), Size: 1},
		},
	}
	cmd.Env = append(os.Environ(), ReexecEnv)
	return cmd
}

// InChild reports whether the current process is already the re-exec'd
// child of Command, i.e. already running in its own mount namespace.
func InChild() bool {
	for _, e := range os.Environ() {
		if e == ReexecEnv {
			return true
		}
	}
	return false
}

// Enter builds every view named in spec and chroots into spec.ChrootDir.
// It must run after the namespace clone (inside the re-exec'd child), and
// only once: mounts are not idempotent.
func Enter(spec protocol.JobSpaceSpec) error {
	if spec.ChrootDir == "" {
		return xerrors.New("jobspace: ChrootDir is required")
	}
	if err := os.MkdirAll(spec.ChrootDir, 0755); err != nil {
		return xerrors.Errorf("creating chroot dir: %w", err)
	}

	if spec.RepoView != "" {
		if v, ok := spec.Views[spec.RepoView]; ok {
			if err := mountView(filepath.Join(spec.ChrootDir, spec.RepoView), v); err != nil {
				return xerrors.Errorf("mounting repo view %s: %w", spec.RepoView, err)
			}
		}
	}
	if spec.LmakeView != "" {
		if v, ok := spec.Views[spec.LmakeView]; ok {
			if err := mountView(filepath.Join(spec.ChrootDir, spec.LmakeView), v); err != nil {
				return xerrors.Errorf("mounting engine view %s: %w", spec.LmakeView, err)
			}
		}
	}
	if spec.TmpView != "" {
		if v, ok := spec.Views[spec.TmpView]; ok {
			if err := mountView(filepath.Join(spec.ChrootDir, spec.TmpView), v); err != nil {
				return xerrors.Errorf("mounting tmp view %s: %w", spec.TmpView, err)
			}
		} else if err := os.MkdirAll(filepath.Join(spec.ChrootDir, spec.TmpView), 0755); err != nil {
			return xerrors.Errorf("creating tmp view: %w", err)
		}
	}
	for dst, v := range spec.Views {
		if dst == spec.RepoView || dst == spec.LmakeView || dst == spec.TmpView {
			continue // handled above
		}
		if err := mountView(filepath.Join(spec.ChrootDir, dst), v); err != nil {
			return xerrors.Errorf("mounting view %s: %w", dst, err)
		}
	}

	if err := populateMinimalRoot(spec.ChrootDir); err != nil {
		return xerrors.Errorf("populating chroot skeleton: %w", err)
	}

	if err := unix.Chroot(spec.ChrootDir); err != nil {
		return xerrors.Errorf("chroot(%s): %w", spec.ChrootDir, err)
	}
	if err := os.Chdir("/"); err != nil {
		return xerrors.Errorf("chdir(/): %w", err)
	}
	return nil
}

// mountView bind-mounts a single-layer view, or overlay-mounts an N-layer
// one, at dst. A single layer is a plain read-write bind of one directory; two
// or more layers are stacked with the last writable (its contents are the
// CopyUp set).
func mountView(dst string, v protocol.ViewSpec) error {
	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}
	switch len(v.Layers) {
	case 0:
		return xerrors.Errorf("view %s has no layers", dst)
	case 1:
		if err := os.MkdirAll(v.Layers[0], 0755); err != nil {
			return err
		}
		if err := unix.Mount(v.Layers[0], dst, "", unix.MS_BIND, ""); err != nil {
			return xerrors.Errorf("bind mount %s -> %s: %w", v.Layers[0], dst, err)
		}
		return nil
	default:
		upper := v.Layers[len(v.Layers)-1]
		lower := strings.Join(v.Layers[:len(v.Layers)-1], ":")
		work := upper + ".work"
		if err := os.MkdirAll(upper, 0755); err != nil {
			return err
		}
		if err := os.MkdirAll(work, 0755); err != nil {
			return err
		}
		opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lower, upper, work)
		if err := unix.Mount("overlay", dst, "overlay", 0, opts); err != nil {
			return xerrors.Errorf("overlay mount %s: %w", dst, err)
		}
		return nil
	}
}

// populateMinimalRoot writes the handful of files a job's toolchain
// typically assumes exist: /dev/null and a one-user /etc/passwd and
// /etc/group, matching the skeleton a hermetic build chroot needs for
// tools like interpreters that call getpwuid.
func populateMinimalRoot(chrootDir string) error {
	dev := filepath.Join(chrootDir, "dev")
	if err := os.MkdirAll(dev, 0755); err != nil {
		return err
	}
	devNull := filepath.Join(dev, "null")
	if err := os.WriteFile(devNull, nil, 0644); err != nil {
		return err
	}
	if err := unix.Mount("/dev/null", devNull, "", unix.MS_BIND, ""); err != nil {
		return xerrors.Errorf("bind mounting /dev/null: %w", err)
	}

	etc := filepath.Join(chrootDir, "etc")
	if err := os.MkdirAll(etc, 0755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(etc, "passwd"), []byte("root:x:0:0:root:/root:/bin/sh\n"), 0644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(etc, "group"), []byte("root:x:0:\n"), 0644); err != nil {
		return err
	}
	return nil
}

// SubstituteEnv expands $REPO_ROOT, $TMPDIR and $SEQUENCE_NUMBER
// placeholders in a job's declared environment, the job-side analog of the
// view paths Enter just mounted.
func SubstituteEnv(env map[string]string, repoRoot, tmpDir string, seqID int64) map[string]string {
	repl := strings.NewReplacer(
		"$REPO_ROOT", repoRoot,
		"$TMPDIR", tmpDir,
		"$SEQUENCE_NUMBER", fmt.Sprint(seqID),
	)
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = repl.Replace(v)
	}
	return out
}
