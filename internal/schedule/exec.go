package schedule

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// ExecLauncher spawns the harvester binary itself in worker mode. Each
// worker is a real OS process with its own renderer session.
type ExecLauncher struct {
	// Binary overrides the self path; empty means os.Executable().
	Binary string
}

type execHandle struct {
	cmd *exec.Cmd
}

func (h *execHandle) Wait() (int, error) {
	err := h.cmd.Wait()
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}

func (h *execHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

func (l *ExecLauncher) Start(_ context.Context, assignmentPath string) (Handle, error) {
	bin := l.Binary
	if bin == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve own binary: %w", err)
		}
		bin = self
	}

	// Plain exec.Command: a context cancel must not hard kill the worker,
	// it finishes its page and exits on the forwarded signal.
	cmd := exec.Command(bin, "worker", "--assignment", assignmentPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker process: %w", err)
	}
	return &execHandle{cmd: cmd}, nil
}
