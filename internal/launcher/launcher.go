// Package launcher starts and supervises the scheduler process that a cache
// client talks to. A scheduler can run as a separate OS process or on
// goroutines inside the host; both expose the same line-based pipes.
package launcher

import (
	"context"
	"io"
	"time"
)

// Options are the launch arguments of a scheduler.
type Options struct {
	Root              string
	MaxWorkers        int
	MaxDiskMB         int
	MaxTasksPerWorker int
	PollInterval      time.Duration
	WorkerTimeout     time.Duration
}

// Process is a running scheduler.
type Process interface {
	// Stdin receives wire requests.
	Stdin() io.WriteCloser
	// Stdout yields lifecycle events.
	Stdout() io.ReadCloser
	// Wait blocks until the scheduler exits and returns its exit error.
	Wait() error
	// Kill stops the scheduler without waiting for in-flight work.
	Kill() error
}

// Launcher starts schedulers.
type Launcher interface {
	Launch(ctx context.Context, opts Options) (Process, error)
}
