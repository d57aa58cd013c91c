package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/cuemby/spindle/pkg/types"
)

// ProcessKind tells executors and drivers apart
type ProcessKind string

const (
	KindExecutor ProcessKind = "executor"
	KindDriver   ProcessKind = "driver"
)

// ProcessSpec describes one process a worker starts
type ProcessSpec struct {
	Kind ProcessKind
	// ID is "appId/execId" for executors and the driver id for drivers
	ID       string
	Command  types.Command
	WorkDir  string
	Cores    int
	MemoryMB int
}

// Process is a started executor or driver
type Process interface {
	// Wait blocks until the process exits and returns its exit code. An
	// error means the exit status could not be determined.
	Wait() (int, error)
	Kill() error
}

// Launcher starts processes for the worker
type Launcher interface {
	Launch(ctx context.Context, spec ProcessSpec) (Process, error)
}

// ExecLauncher runs processes on the local host. Output goes to stdout and
// stderr files in the process work directory when there is one.
type ExecLauncher struct{}

func (ExecLauncher) Launch(ctx context.Context, spec ProcessSpec) (Process, error) {
	if spec.Command.Path == "" {
		return nil, fmt.Errorf("%s %s has no command", spec.Kind, spec.ID)
	}

	cmd := exec.Command(spec.Command.Path, spec.Command.Args...)
	cmd.Dir = spec.WorkDir
	cmd.Env = os.Environ()
	keys := make([]string, 0, len(spec.Command.Env))
	for k := range spec.Command.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+spec.Command.Env[k])
	}

	p := &execProcess{cmd: cmd}
	if spec.WorkDir != "" {
		stdout, err := os.Create(filepath.Join(spec.WorkDir, "stdout"))
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout file: %w", err)
		}
		stderr, err := os.Create(filepath.Join(spec.WorkDir, "stderr"))
		if err != nil {
			stdout.Close()
			return nil, fmt.Errorf("failed to create stderr file: %w", err)
		}
		cmd.Stdout, cmd.Stderr = stdout, stderr
		p.files = []*os.File{stdout, stderr}
	}

	if err := cmd.Start(); err != nil {
		p.closeFiles()
		return nil, fmt.Errorf("failed to start %s %s: %w", spec.Kind, spec.ID, err)
	}
	return p, nil
}

type execProcess struct {
	cmd   *exec.Cmd
	files []*os.File
}

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	p.closeFiles()

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill process %d: %w", p.cmd.Process.Pid, err)
	}
	return nil
}

func (p *execProcess) closeFiles() {
	for _, f := range p.files {
		f.Close()
	}
	p.files = nil
}
