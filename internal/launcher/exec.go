package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
)

// Exec launches the scheduler binary as a child process.
type Exec struct {
	// Binary is the path of the flowcache-scheduler executable.
	Binary string
	// Stderr receives the child's log output. Defaults to os.Stderr.
	Stderr io.Writer
	Logger *slog.Logger
}

// Args returns the command line passed to the scheduler binary.
func (o Options) Args() []string {
	args := []string{
		"--root", o.Root,
		"--max-workers", strconv.Itoa(o.MaxWorkers),
		"--max-disk-mb", strconv.Itoa(o.MaxDiskMB),
	}
	if o.MaxTasksPerWorker > 0 {
		args = append(args, "--max-tasks-per-worker", strconv.Itoa(o.MaxTasksPerWorker))
	}
	if o.PollInterval > 0 {
		args = append(args, "--poll-interval", o.PollInterval.String())
	}
	if o.WorkerTimeout > 0 {
		args = append(args, "--worker-timeout", o.WorkerTimeout.String())
	}
	return args
}

// Launch starts the scheduler binary. The child is not tied to ctx; it lives
// until Kill is called or its stdin is closed.
func (e Exec) Launch(_ context.Context, opts Options) (Process, error) {
	if e.Binary == "" {
		return nil, fmt.Errorf("exec launcher: binary path is required")
	}

	cmd := exec.Command(e.Binary, opts.Args()...)
	cmd.Stderr = e.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start scheduler: %w", err)
	}

	if e.Logger != nil {
		e.Logger.Info("scheduler process started", "pid", cmd.Process.Pid, "binary", e.Binary, "root", opts.Root)
	}
	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	waitOnce sync.Once
	waitErr  error
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.ReadCloser { return p.stdout }

func (p *execProcess) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
	})
	return p.waitErr
}

func (p *execProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill scheduler: %w", err)
	}
	return nil
}
