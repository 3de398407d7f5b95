package appserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
)

// Command describes how to spawn an app-server process.
type Command struct {
	Path string
	Args []string
	// Dir is the working directory. The process inherits the bridge's
	// environment plus Env.
	Dir string
	Env []string
}

// Process is a running app-server with piped stdio.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Stderr() io.ReadCloser
	PID() int
	Kill() error
	// Wait blocks until the process exits. The exit code is nil when the
	// process was terminated by a signal.
	Wait() (*int, error)
}

// Launcher spawns processes. Tests substitute an in-memory implementation.
type Launcher interface {
	Launch(ctx context.Context, cmd Command) (Process, error)
}

// ExecLauncher spawns real subprocesses with os/exec.
type ExecLauncher struct{}

// Launch implements Launcher.
func (ExecLauncher) Launch(_ context.Context, spec Command) (Process, error) {
	if spec.Path == "" {
		return nil, fmt.Errorf("app-server command path is empty")
	}
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(cmd.Environ(), spec.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", spec.Path, err)
	}
	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *execProcess) Stderr() io.ReadCloser { return p.stderr }
func (p *execProcess) PID() int { return p.cmd.Process.Pid }
func (p *execProcess) Kill() error { return p.cmd.Process.Kill() }

func (p *execProcess) Wait() (*int, error) {
	err := p.cmd.Wait()
	state := p.cmd.ProcessState
	if state == nil {
		return nil, err
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return nil, err
	}
	code := state.ExitCode()
	if code < 0 {
		return nil, nil
	}
	return &code, nil
}
