package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/flowcache/internal/action"
	"github.com/seantiz/flowcache/internal/launcher"
	"github.com/seantiz/flowcache/internal/model"
	"github.com/seantiz/flowcache/internal/protocol"
	"github.com/seantiz/flowcache/internal/store"
)

// Defaults applied by New when the corresponding Options field is zero.
const (
	DefaultWriteTimeout      = time.Second
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultHeartbeatTimeout  = 10 * time.Second
	DefaultWaitInterval      = 10 * time.Millisecond
	DefaultStartTimeout      = 30 * time.Second
	DefaultCloseTimeout      = 10 * time.Second

	outboxSize = 256
)

// Options configures a Client.
type Options struct {
	// Scheduler launch arguments.
	Root              string
	MaxWorkers        int
	MaxDiskMB         int
	MaxTasksPerWorker int
	PollInterval      time.Duration
	WorkerTimeout     time.Duration

	Launcher launcher.Launcher
	Registry *action.Registry
	Logger   *slog.Logger

	// WriteTimeout bounds how long a request may wait for room in the
	// scheduler's input before it is abandoned.
	WriteTimeout time.Duration
	// HeartbeatInterval is how often the scheduler is pinged.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is how long the scheduler may go without answering a
	// ping before it is considered dead.
	HeartbeatTimeout time.Duration
	// WaitInterval is the sleep between predicate polls in Wait.
	WaitInterval time.Duration
	StartTimeout time.Duration
	CloseTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if o.WaitInterval <= 0 {
		o.WaitInterval = DefaultWaitInterval
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = DefaultStartTimeout
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = DefaultCloseTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Callable invokes one registered action.
type Callable func(ctx context.Context, args json.RawMessage) (*Future, error)

// Client supervises a scheduler and serves action calls.
type Client struct {
	opts     Options
	layout   store.Layout
	registry *action.Registry
	logger   *slog.Logger
	broker   *eventBroker
	actions  map[string]Callable

	proc   launcher.Process
	outbox chan []byte
	group  *errgroup.Group
	cancel context.CancelFunc

	alive    atomic.Bool
	closing  atomic.Bool
	lastPong atomic.Int64

	mu       sync.Mutex
	streams  map[string]struct{}
	tokens   map[string]bool // token -> worker-create seen
	closeErr error
	closed   bool
}

// New creates a Client. Start must be called before actions are invoked.
func New(opts Options) (*Client, error) {
	opts = opts.withDefaults()
	if opts.Root == "" {
		return nil, errors.New("client: root is required")
	}
	if opts.Launcher == nil {
		return nil, errors.New("client: launcher is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("client: action registry is required")
	}
	if _, ok := opts.Registry.Lookup(action.CheckName); !ok {
		opts.Registry.Register(action.Check{})
	}

	c := &Client{
		opts:     opts,
		layout:   store.NewLayout(opts.Root),
		registry: opts.Registry,
		logger:   opts.Logger.With("component", "client"),
		broker:   newEventBroker(),
		outbox:   make(chan []byte, outboxSize),
		streams:  make(map[string]struct{}),
		tokens:   make(map[string]bool),
	}

	c.actions = make(map[string]Callable)
	for _, name := range c.registry.Names() {
		c.actions[name] = func(ctx context.Context, args json.RawMessage) (*Future, error) {
			return c.Call(ctx, name, args)
		}
	}
	return c, nil
}

// Start launches the scheduler, registers the actions and waits until the
// scheduler has executed a check action.
func (c *Client) Start(ctx context.Context) error {
	proc, err := c.opts.Launcher.Launch(ctx, launcher.Options{
		Root:              c.opts.Root,
		MaxWorkers:        c.opts.MaxWorkers,
		MaxDiskMB:         c.opts.MaxDiskMB,
		MaxTasksPerWorker: c.opts.MaxTasksPerWorker,
		PollInterval:      c.opts.PollInterval,
		WorkerTimeout:     c.opts.WorkerTimeout,
	})
	if err != nil {
		return fmt.Errorf("launch scheduler: %w", err)
	}
	c.proc = proc
	c.lastPong.Store(time.Now().UnixNano())
	c.setAlive(true)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	c.group = g
	g.Go(func() error { return c.writeLoop(gctx) })
	g.Go(func() error { return c.readLoop() })
	g.Go(func() error { return c.heartbeat(gctx) })
	g.Go(func() error {
		err := proc.Wait()
		if err == nil {
			err = errors.New("scheduler exited")
		}
		c.markDead(err)
		return nil
	})

	names, err := json.Marshal(c.registry.Names())
	if err != nil {
		return fmt.Errorf("marshal action names: %w", err)
	}
	if err := c.send(ctx, model.Request{Op: model.OpInit, Message: names}); err != nil {
		return fmt.Errorf("send init: %w", err)
	}

	check, err := c.Call(ctx, action.CheckName, nil)
	if err != nil {
		return fmt.Errorf("check scheduler: %w", err)
	}
	if err := check.Wait(ctx, c.opts.StartTimeout); err != nil {
		return fmt.Errorf("check scheduler: %w", err)
	}

	c.logger.Info("cache client ready", "root", c.opts.Root, "actions", c.registry.Names())
	return nil
}

// Actions returns one callable per registered action, by name.
func (c *Client) Actions() map[string]Callable {
	return c.actions
}

// Registry returns the action registry the client serves.
func (c *Client) Registry() *action.Registry {
	return c.registry
}

// Layout returns the on-disk layout of the cache root.
func (c *Client) Layout() store.Layout {
	return c.layout
}

// Call runs the named action's FormatRequest over args and returns a Future
// for its outputs. When every output is already stored and the request does
// not invalidate the cache, no request is sent.
func (c *Client) Call(ctx context.Context, name string, args json.RawMessage) (*Future, error) {
	a, ok := c.registry.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, name)
	}
	formatted, err := a.FormatRequest(args)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidArgs, name, err)
	}

	req := model.Request{
		Op:              model.OpAction,
		Action:          name,
		Priority:        a.Priority(),
		Keys:            formatted.Keys,
		StreamKey:       model.StreamKeyPtr(formatted.StreamKey),
		Message:         formatted.Message,
		DisposableKeys:  formatted.DisposableKeys,
		InvalidateCache: formatted.InvalidateCache,
	}
	token := req.EnsureToken()
	f := newFuture(c, a, req)

	if !req.InvalidateCache && c.layout.AllReadable(req.Keys) {
		callsTotal.WithLabelValues(name, resultHit).Inc()
		f.markHit()
		return f, nil
	}
	callsTotal.WithLabelValues(name, resultMiss).Inc()

	if !c.Alive() {
		return nil, ErrUnreachable
	}

	c.mu.Lock()
	if _, ok := c.tokens[token]; !ok {
		c.tokens[token] = false
	}
	if key := req.Stream(); key != "" {
		c.streams[key] = struct{}{}
	}
	c.mu.Unlock()

	f.sent = true
	if err := c.send(ctx, req); err != nil {
		c.release(token, req.Stream())
		return nil, err
	}
	return f, nil
}

// IsPending reports whether a worker for streamKey is known to be in flight.
func (c *Client) IsPending(streamKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.streams[streamKey]
	return ok
}

func (c *Client) tokenPending(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tokens[token]
	return ok
}

// tokenStarted reports whether the worker for token has been created, or has
// already terminated.
func (c *Client) tokenStarted(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	created, ok := c.tokens[token]
	return created || !ok
}

// PendingStreams returns the number of stream keys in flight.
func (c *Client) PendingStreams() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

func (c *Client) release(token, streamKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, token)
	if streamKey != "" {
		delete(c.streams, streamKey)
	}
}

// Alive reports whether the scheduler is reachable.
func (c *Client) Alive() bool {
	return c.alive.Load()
}

// Subscribe returns lifecycle events for a stream key, or for every request
// when topic is AllEvents. The channel is closed when the client dies.
func (c *Client) Subscribe(topic string) (<-chan model.Event, func()) {
	return c.broker.Subscribe(topic)
}

// Wait polls pred until it holds. It returns ErrUnreachable if the scheduler
// dies first and ErrTimeout if timeout elapses while the scheduler is alive.
// A zero timeout waits until ctx is done.
func (c *Client) Wait(ctx context.Context, pred func() bool, timeout time.Duration) error {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(c.opts.WaitInterval)
	defer ticker.Stop()
	for {
		if pred() {
			return nil
		}
		if !c.Alive() {
			return ErrUnreachable
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			if pred() {
				return nil
			}
			if !c.Alive() {
				return ErrUnreachable
			}
			return ErrTimeout
		case <-ticker.C:
		}
	}
}

// send queues req for the scheduler. It gives up after WriteTimeout.
func (c *Client) send(ctx context.Context, req model.Request) error {
	line, err := protocol.Marshal(req)
	if err != nil {
		return err
	}

	timer := time.NewTimer(c.opts.WriteTimeout)
	defer timer.Stop()
	select {
	case c.outbox <- line:
		return nil
	case <-timer.C:
		droppedWritesTotal.Inc()
		c.logger.Warn("scheduler input did not drain, request abandoned",
			"op", req.Op, "action", req.Action, "timeout", c.opts.WriteTimeout)
		return fmt.Errorf("%w: request not delivered", ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) writeLoop(ctx context.Context) error {
	stdin := c.proc.Stdin()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line := <-c.outbox:
			if _, err := stdin.Write(line); err != nil {
				c.markDead(fmt.Errorf("write to scheduler: %w", err))
				return nil
			}
		}
	}
}

func (c *Client) readLoop() error {
	r := protocol.NewReader(c.proc.Stdout())
	for {
		var ev model.Event
		if err := r.ReadMessage(&ev); err != nil {
			c.markDead(fmt.Errorf("read from scheduler: %w", err))
			return nil
		}
		c.handleEvent(ev)
	}
}

func (c *Client) handleEvent(ev model.Event) {
	switch ev.Op {
	case model.OpPong:
		c.lastPong.Store(time.Now().UnixNano())
		return
	case model.OpWorkerCreate:
		c.mu.Lock()
		c.tokens[ev.IdempotencyToken] = true
		if key := ev.Stream(); key != "" {
			c.streams[key] = struct{}{}
		}
		c.mu.Unlock()
	case model.OpWorkerTerminate:
		c.release(ev.IdempotencyToken, ev.Stream())
	default:
		c.logger.Warn("unexpected scheduler event", "op", ev.Op)
		return
	}
	c.broker.Publish(ev)
}

func (c *Client) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if !c.Alive() {
			return nil
		}

		silent := time.Since(time.Unix(0, c.lastPong.Load()))
		if silent > c.opts.HeartbeatInterval+c.opts.HeartbeatTimeout {
			c.markDead(fmt.Errorf("no heartbeat reply for %s", silent.Round(time.Millisecond)))
			return nil
		}
		if err := c.send(ctx, model.Request{Op: model.OpPing}); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("failed to send heartbeat", "error", err)
		}
	}
}

// markDead flips the client to not-alive. Only the first cause is logged.
func (c *Client) markDead(cause error) {
	if !c.alive.CompareAndSwap(true, false) {
		return
	}
	schedulerAlive.Set(0)
	c.broker.Close()
	if c.closing.Load() {
		c.logger.Info("scheduler stopped")
		return
	}
	c.logger.Error("scheduler unreachable", "error", cause)
}

func (c *Client) setAlive(v bool) {
	c.alive.Store(v)
	if v {
		schedulerAlive.Set(1)
	} else {
		schedulerAlive.Set(0)
	}
}

// Close stops the scheduler, giving in-flight workers up to CloseTimeout to
// commit before it is killed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.closeErr
	}
	c.closed = true
	c.mu.Unlock()

	if c.proc == nil {
		return nil
	}
	c.closing.Store(true)

	// Stop the writer first so nothing races the stdin close.
	c.cancel()
	if err := c.proc.Stdin().Close(); err != nil {
		c.logger.Warn("failed to close scheduler input", "error", err)
	}

	exited := make(chan struct{})
	go func() {
		c.group.Wait()
		close(exited)
	}()

	var err error
	select {
	case <-exited:
	case <-time.After(c.opts.CloseTimeout):
		c.logger.Warn("scheduler did not exit in time, killing", "timeout", c.opts.CloseTimeout)
		err = c.proc.Kill()
		<-exited
	}
	c.markDead(errors.New("client closed"))

	c.mu.Lock()
	c.closeErr = err
	c.mu.Unlock()
	return err
}

// Kill stops the scheduler immediately. Outstanding and later waits fail
// with ErrUnreachable.
func (c *Client) Kill() error {
	if c.proc == nil {
		return nil
	}
	return c.proc.Kill()
}
