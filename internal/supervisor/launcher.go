package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"syscall"
)

// Spec describes the server process to spawn for one installed version.
type Spec struct {
	Dir  string   // version install directory, used as working directory
	Bin  string   // interpreter/binary, e.g. "python3"
	Args []string // arguments, e.g. ["main.py", "--port", "8188"]
}

// Launcher is the OS process primitives collaborator: spawn, signal, and
// liveness inspection.
type Launcher interface {
	Spawn(ctx context.Context, spec Spec) (pid int, err error)
	// Terminate requests a graceful shutdown (SIGTERM).
	Terminate(pid int) error
	// Kill forcibly ends the process (SIGKILL).
	Kill(pid int) error
	// Alive reports whether the OS confirms a live process with this pid.
	Alive(pid int) bool
}

// ExecLauncher implements Launcher with os/exec and POSIX signals.
type ExecLauncher struct{}

// Spawn starts the process detached in its own process group so a launcher
// restart does not take the server down with it.
func (ExecLauncher) Spawn(_ context.Context, spec Spec) (int, error) {
	cmd := exec.Command(spec.Bin, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("supervisor: spawn %s: %w", spec.Bin, err)
	}
	pid := cmd.Process.Pid
	// Reap the child when it exits so it never lingers as a zombie.
	go func() { _ = cmd.Wait() }()
	return pid, nil
}

// Terminate sends SIGTERM.
func (ExecLauncher) Terminate(pid int) error {
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("supervisor: terminate pid %d: %w", pid, err)
	}
	return nil
}

// Kill sends SIGKILL.
func (ExecLauncher) Kill(pid int) error {
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("supervisor: kill pid %d: %w", pid, err)
	}
	return nil
}

// Alive probes the pid with signal 0.
func (ExecLauncher) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

// ServerArgs builds the ComfyUI argument list for the given listen address.
func ServerArgs(script string, port int, extra []string) []string {
	args := []string{script, "--port", strconv.Itoa(port)}
	return append(args, extra...)
}
