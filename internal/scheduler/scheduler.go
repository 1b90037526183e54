package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/seantiz/flowcache/internal/action"
	"github.com/seantiz/flowcache/internal/ledger"
	"github.com/seantiz/flowcache/internal/model"
	"github.com/seantiz/flowcache/internal/protocol"
	"github.com/seantiz/flowcache/internal/store"
	"github.com/seantiz/flowcache/internal/worker"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultMaxWorkers        = 4
	DefaultMaxTasksPerWorker = 100
	DefaultPollInterval      = 100 * time.Millisecond
)

// Config holds scheduler tuning.
type Config struct {
	Root              string
	MaxWorkers        int
	MaxDiskMB         int
	MaxTasksPerWorker int
	PollInterval      time.Duration
	WorkerTimeout     time.Duration // zero disables the per-action deadline
}

func (c Config) withDefaults() Config {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	if c.MaxTasksPerWorker <= 0 {
		c.MaxTasksPerWorker = DefaultMaxTasksPerWorker
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// ProtocolError is a fatal violation of the wire protocol. It ends Run.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Scheduler accepts wire requests and dispatches them to workers.
type Scheduler struct {
	cfg    Config
	known  *action.Registry
	store  *store.Store
	ledger ledger.Ledger
	logger *slog.Logger

	// Loop-owned state; only Run's goroutine touches it.
	allowed *action.Registry
	pending map[string]struct{}
	hi, lo  []model.Request
	out     io.Writer
	pool    *pool
	done    chan worker.Result
}

// New creates a scheduler over st. known is the compiled-in set of actions an
// init request may enable. ldg may be nil.
func New(cfg Config, known *action.Registry, st *store.Store, ldg ledger.Ledger, logger *slog.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:     cfg,
		known:   known,
		store:   st,
		ledger:  ldg,
		logger:  logger,
		pending: make(map[string]struct{}),
	}
}

// Open creates the store and ledger under cfg.Root and returns a scheduler
// over them, along with a function that closes the ledger.
func Open(cfg Config, known *action.Registry, logger *slog.Logger) (*Scheduler, func() error, error) {
	st, err := store.New(store.Config{Root: cfg.Root, MaxDiskMB: cfg.MaxDiskMB}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	ldg, err := ledger.NewSQLiteLedger(LedgerPath(cfg.Root))
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger: %w", err)
	}
	return New(cfg, known, st, ldg, logger), ldg.Close, nil
}

// LedgerPath returns where Open keeps the worker ledger for a cache root.
func LedgerPath(root string) string {
	return filepath.Join(root, "ledger.db")
}

type inbound struct {
	line []byte
	err  error
}

// Run serves the wire protocol on in and out until in reaches EOF, ctx is
// cancelled or a fatal protocol error occurs. Running workers are allowed
// to finish and commit before Run returns.
func (s *Scheduler) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	s.out = out
	s.pool = newPool(s.cfg.MaxWorkers, s.cfg.MaxTasksPerWorker)
	s.done = make(chan worker.Result, s.cfg.MaxWorkers)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	stop := make(chan struct{})
	defer close(stop)
	lines := make(chan inbound, 256)
	go readLines(in, lines, stop)

	s.logger.Info("scheduler started",
		"root", s.cfg.Root,
		"max_workers", s.cfg.MaxWorkers,
		"poll_interval", s.cfg.PollInterval,
	)

	// On EOF running workers keep their context and commit. A protocol error
	// aborts them; a cancelled ctx already has.
	err := s.loop(ctx, runCtx, lines)
	if err != nil {
		cancelRun()
	}
	s.shutdown()

	if err != nil {
		s.logger.Error("scheduler stopped", "error", err)
		return err
	}
	s.logger.Info("scheduler stopped")
	return nil
}

func readLines(in io.Reader, lines chan<- inbound, stop <-chan struct{}) {
	r := protocol.NewReader(in)
	for {
		line, err := r.ReadLine()
		select {
		case lines <- inbound{line: line, err: err}:
		case <-stop:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Scheduler) loop(ctx, runCtx context.Context, lines <-chan inbound) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case res := <-s.done:
			s.finish(res)
		case <-ticker.C:
			s.collect()
			if err := s.drain(lines); err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			s.schedule(runCtx)
		}
	}
}

// drain handles every line that is already buffered without blocking.
func (s *Scheduler) drain(lines <-chan inbound) error {
	for {
		select {
		case in := <-lines:
			if in.err != nil {
				if errors.Is(in.err, protocol.ErrMessageTooLarge) {
					return &ProtocolError{Reason: "oversized message", Err: in.err}
				}
				return in.err
			}
			if err := s.handle(in.line); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (s *Scheduler) handle(line []byte) error {
	var req model.Request
	if err := protocol.Unmarshal(line, &req); err != nil {
		return &ProtocolError{Reason: "malformed message", Err: err}
	}

	switch req.Op {
	case model.OpPing:
		s.emit(model.Event{Op: model.OpPong})
		return nil
	case model.OpInit:
		return s.handleInit(req)
	case model.OpAction:
		return s.handleAction(req)
	default:
		return &ProtocolError{Reason: fmt.Sprintf("unknown op %q", req.Op)}
	}
}

func (s *Scheduler) handleInit(req model.Request) error {
	var names []string
	if err := json.Unmarshal(req.Message, &names); err != nil {
		return &ProtocolError{Reason: "malformed init message", Err: err}
	}
	allowed, err := s.known.Restrict(names)
	if err != nil {
		return &ProtocolError{Reason: "init", Err: err}
	}
	s.allowed = allowed
	s.logger.Info("actions registered", "actions", allowed.Names())
	return nil
}

func (s *Scheduler) handleAction(req model.Request) error {
	if s.allowed == nil {
		return &ProtocolError{Reason: "action request before init"}
	}
	a, ok := s.allowed.Lookup(req.Action)
	if !ok {
		return &ProtocolError{Reason: fmt.Sprintf("unregistered action %q", req.Action)}
	}
	if req.Priority == "" {
		req.Priority = a.Priority()
	}

	token := req.EnsureToken()
	if _, dup := s.pending[token]; dup {
		requestsTotal.WithLabelValues(outcomeDeduplicated).Inc()
		s.logger.Debug("duplicate request dropped", "action", req.Action, "token", token)
		return nil
	}

	switch req.Priority {
	case model.PriorityHi:
		s.hi = append(s.hi, req)
	case model.PriorityLo:
		s.lo = append(s.lo, req)
	default:
		return &ProtocolError{Reason: fmt.Sprintf("unknown priority %q", req.Priority)}
	}
	s.pending[token] = struct{}{}
	requestsTotal.WithLabelValues(outcomeQueued).Inc()
	s.updateQueueDepth()
	return nil
}

// next pops the oldest hi-priority request, falling back to lo.
func (s *Scheduler) next() (model.Request, bool) {
	var req model.Request
	switch {
	case len(s.hi) > 0:
		req, s.hi = s.hi[0], s.hi[1:]
	case len(s.lo) > 0:
		req, s.lo = s.lo[0], s.lo[1:]
	default:
		return req, false
	}
	s.updateQueueDepth()
	return req, true
}

// schedule starts at most one worker.
func (s *Scheduler) schedule(runCtx context.Context) {
	if !s.pool.hasFree() {
		return
	}
	req, ok := s.next()
	if !ok {
		return
	}
	logger := s.logger.With("action", req.Action, "token", req.IdempotencyToken)

	a, _ := s.allowed.Lookup(req.Action)
	td, err := s.store.OpenTempdir(req.IdempotencyToken, req.Action, req.Stream())
	if err != nil {
		// The worker never starts. Release the token so the request can be
		// retried and tell the client the stream key is no longer in flight.
		logger.Error("failed to open workspace", "error", err)
		delete(s.pending, req.IdempotencyToken)
		s.emit(model.Event{
			Op:               model.OpWorkerTerminate,
			Keys:             len(req.Keys),
			StreamKey:        req.StreamKey,
			IdempotencyToken: req.IdempotencyToken,
		})
		workersTotal.WithLabelValues(req.Action, model.StatusFailed).Inc()
		return
	}

	w := worker.New(req, td, a, s.store, s.cfg.WorkerTimeout, s.logger)
	ev, err := w.Start()
	if err != nil {
		logger.Error("failed to start worker", "error", err)
		s.complete(w.Abort(err))
		return
	}
	s.emit(ev)
	activeWorkers.Inc()
	if s.ledger != nil {
		if err := s.ledger.RecordCreate(runCtx, w.Record()); err != nil {
			logger.Warn("failed to record worker", "error", err)
		}
	}

	done := s.done
	s.pool.submit(func() {
		done <- w.Run(runCtx)
		// The slot stays busy until a timed-out action has really stopped.
		w.Wait()
	})
}

// collect processes worker results that are already available so a freed
// slot is announced before it is reused.
func (s *Scheduler) collect() {
	for {
		select {
		case res := <-s.done:
			s.finish(res)
		default:
			return
		}
	}
}

// finish accounts for a worker that ran on the pool.
func (s *Scheduler) finish(res worker.Result) {
	activeWorkers.Dec()
	workerDuration.Observe(res.Duration.Seconds())
	s.complete(res)
}

// complete releases the token of a terminated worker and announces it.
func (s *Scheduler) complete(res worker.Result) {
	req := res.Record.Request
	delete(s.pending, req.IdempotencyToken)
	s.emit(res.Event)
	workersTotal.WithLabelValues(req.Action, res.Status).Inc()

	if s.ledger != nil {
		term := ledger.Termination{
			Status:      res.Status,
			MissingKeys: len(res.Missing),
			Duration:    res.Duration,
			FinishedAt:  time.Now().UTC(),
		}
		if res.Err != nil {
			term.Error = res.Err.Error()
		}
		// Aborted workers were never recorded as created.
		if err := s.ledger.RecordTerminate(context.Background(), res.Record.ID, term); err != nil && !errors.Is(err, ledger.ErrNotFound) {
			s.logger.Warn("failed to record worker termination", "worker_id", res.Record.ID, "error", err)
		}
	}

	s.logger.Info("worker terminated",
		"worker_id", res.Record.ID,
		"action", req.Action,
		"status", res.Status,
		"missing", len(res.Missing),
		"duration", res.Duration,
	)
}

// shutdown waits for running workers while still processing their results.
func (s *Scheduler) shutdown() {
	finished := make(chan struct{})
	go func() {
		s.pool.close()
		close(finished)
	}()
	for {
		select {
		case res := <-s.done:
			s.finish(res)
		case <-finished:
			s.collect()
			return
		}
	}
}

func (s *Scheduler) emit(ev model.Event) {
	if err := protocol.WriteMessage(s.out, ev); err != nil {
		s.logger.Warn("failed to emit event", "op", ev.Op, "error", err)
	}
}

func (s *Scheduler) updateQueueDepth() {
	queueDepth.WithLabelValues(string(model.PriorityHi)).Set(float64(len(s.hi)))
	queueDepth.WithLabelValues(string(model.PriorityLo)).Set(float64(len(s.lo)))
}

// Pending reports how many idempotency tokens are queued or running. It is
// only safe to call when Run is not active.
func (s *Scheduler) Pending() int {
	return len(s.pending)
}
