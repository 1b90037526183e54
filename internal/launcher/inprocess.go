package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/seantiz/flowcache/internal/action"
	"github.com/seantiz/flowcache/internal/scheduler"
)

// ErrKilled is the exit error of an in-process scheduler stopped by Kill.
var ErrKilled = errors.New("scheduler killed")

// InProcess runs the scheduler loop on goroutines connected by pipes.
type InProcess struct {
	Registry *action.Registry
	Logger   *slog.Logger
}

// Launch opens the store under opts.Root and starts the scheduler loop.
func (l InProcess) Launch(ctx context.Context, opts Options) (Process, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}

	s, closeLedger, err := scheduler.Open(scheduler.Config{
		Root:              opts.Root,
		MaxWorkers:        opts.MaxWorkers,
		MaxDiskMB:         opts.MaxDiskMB,
		MaxTasksPerWorker: opts.MaxTasksPerWorker,
		PollInterval:      opts.PollInterval,
		WorkerTimeout:     opts.WorkerTimeout,
	}, l.Registry, logger.With("component", "scheduler"))
	if err != nil {
		return nil, fmt.Errorf("open scheduler: %w", err)
	}

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	p := &inProcess{
		inR:    inR,
		inW:    inW,
		outR:   outR,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		err := s.Run(runCtx, inR, outW)
		if cerr := closeLedger(); cerr != nil {
			logger.Warn("failed to close ledger", "error", cerr)
		}
		p.mu.Lock()
		if p.killed {
			err = ErrKilled
		}
		p.err = err
		p.mu.Unlock()
		inR.Close()
		outW.Close()
		close(p.done)
	}()
	return p, nil
}

type inProcess struct {
	inR    *io.PipeReader
	inW    *io.PipeWriter
	outR   *io.PipeReader
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	killed bool
	err    error
}

func (p *inProcess) Stdin() io.WriteCloser { return p.inW }
func (p *inProcess) Stdout() io.ReadCloser { return p.outR }

func (p *inProcess) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Kill breaks both pipes so the host sees the same errors it would from a
// dead child process, then stops the loop.
func (p *inProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()

	p.inR.CloseWithError(ErrKilled)
	p.outR.CloseWithError(ErrKilled)
	p.cancel()
	return nil
}
