// Package actor is a small in-process message-passing runtime.
//
// Every actor owns a bounded mailbox drained by exactly one goroutine, so a
// Receive implementation never runs concurrently with itself and needs no
// locking for the state it owns. Actors are addressed through a *Ref; the
// System keeps a name directory so long-lived actors can be looked up by
// name instead of passing refs around.
//
// Request/reply on top of the runtime is covered by ask.go (Ask) and
// request.go (the Call*/Exec wrappers that turn handler outcomes into
// Reply values).
package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Sentinel errors.
var (
	ErrMailboxFull = errors.New("actor: mailbox full")
	ErrStopped     = errors.New("actor: stopped")
	ErrNameTaken   = errors.New("actor: name already registered")
	ErrNilRef      = errors.New("actor: nil ref")
	ErrTimeout     = errors.New("actor: ask timed out")
	ErrSystemDown  = errors.New("actor: system stopped")
)

// DefaultMailboxSize is used when neither the system nor the spawn call
// configures one.
const DefaultMailboxSize = 1024

// Actor handles one message at a time.
type Actor interface {
	Receive(c *Context)
}

// ActorFunc adapts a plain function to the Actor interface.
type ActorFunc func(c *Context)

// Receive calls f(c).
func (f ActorFunc) Receive(c *Context) { f(c) }

// PreStarter is implemented by actors that need initialisation on their own
// goroutine before the first message. A non-nil error stops the actor.
type PreStarter interface {
	PreStart(ctx context.Context) error
}

// PostStopper is implemented by actors that release resources on stop.
type PostStopper interface {
	PostStop(ctx context.Context)
}

// Executor runs detached handler work off the mailbox goroutine.
// persist.Pool satisfies it.
type Executor interface {
	Submit(key string, fn func(ctx context.Context) error) error
}

// ─── Ref ─────────────────────────────────────────────────────────────────────

var refSeq atomic.Uint64

type envelope struct {
	msg    any
	sender *Ref
}

// Ref is the address of an actor. It is safe to share between goroutines and
// stays valid after the actor stops (Tell then returns ErrStopped).
type Ref struct {
	id      uint64
	name    string
	mailbox chan envelope
	stopCh  chan struct{}
	once    sync.Once
	stopped atomic.Bool
}

func newRef(name string, size int) *Ref {
	id := refSeq.Add(1)
	if name == "" {
		name = fmt.Sprintf("$%d", id)
	}
	return &Ref{
		id:      id,
		name:    name,
		mailbox: make(chan envelope, size),
		stopCh:  make(chan struct{}),
	}
}

// ID returns the process-unique numeric id of the ref.
func (r *Ref) ID() uint64 { return r.id }

// Name returns the directory name, or "$<id>" for anonymous actors.
func (r *Ref) Name() string { return r.name }

func (r *Ref) String() string { return r.name }

// Stopped reports whether the actor behind the ref has been asked to stop.
func (r *Ref) Stopped() bool { return r.stopped.Load() }

// Tell enqueues msg without blocking. sender may be nil.
// A full mailbox drops the message and returns ErrMailboxFull.
func (r *Ref) Tell(msg any, sender *Ref) error {
	if r == nil {
		return ErrNilRef
	}
	if r.stopped.Load() {
		return ErrStopped
	}
	select {
	case r.mailbox <- envelope{msg: msg, sender: sender}:
		return nil
	default:
		stats.mailboxFull.Add(1)
		return ErrMailboxFull
	}
}

// stop marks the ref stopped. The mailbox channel is never closed, so a
// concurrent Tell cannot panic; queued messages are discarded.
func (r *Ref) stop() {
	r.once.Do(func() {
		r.stopped.Store(true)
		close(r.stopCh)
	})
}

// Send delivers msg to ref with no sender.
func Send(ref *Ref, msg any) error {
	return ref.Tell(msg, nil)
}

// ─── Context ─────────────────────────────────────────────────────────────────

// Context is handed to Receive for each message. It is only valid for the
// duration of the call unless obtained through Detach.
type Context struct {
	ctx    context.Context
	sys    *System
	self   *Ref
	sender *Ref
	msg    any
	logger *slog.Logger
}

// Message returns the message being processed.
func (c *Context) Message() any { return c.msg }

// Sender returns the implicit sender, or nil.
func (c *Context) Sender() *Ref { return c.sender }

// Self returns the ref of the running actor.
func (c *Context) Self() *Ref { return c.self }

// System returns the owning system.
func (c *Context) System() *System { return c.sys }

// Context returns the system's context; it is cancelled when the system stops.
func (c *Context) Context() context.Context { return c.ctx }

// Logger returns a logger tagged with the actor name.
func (c *Context) Logger() *slog.Logger { return c.logger }

// Reply sends msg to the implicit sender. It is a no-op without a sender.
func (c *Context) Reply(msg any) {
	if c.sender == nil {
		return
	}
	if err := c.sender.Tell(msg, c.self); err != nil {
		c.logger.Debug("reply dropped", "to", c.sender.Name(), "error", err)
	}
}

// Stop stops the running actor after the current message.
func (c *Context) Stop() { c.sys.stopRef(c.self) }

// Detach runs fn on the system executor with a copy of this context, so the
// mailbox can move on while fn blocks. Messages for the same key run in order
// when the executor is key-sharded.
func (c *Context) Detach(key string, fn func(dc *Context)) {
	dc := *c
	c.sys.detach(key, func(ctx context.Context) error {
		dc.ctx = ctx
		fn(&dc)
		return nil
	})
}

// ─── System ──────────────────────────────────────────────────────────────────

// Option configures a System.
type Option func(*System)

// WithLogger sets the system logger.
func WithLogger(l *slog.Logger) Option { return func(s *System) { s.logger = l } }

// WithMailboxSize sets the default mailbox capacity.
func WithMailboxSize(n int) Option {
	return func(s *System) {
		if n > 0 {
			s.mailboxSize = n
		}
	}
}

// WithExecutor routes Detach work to e instead of the built-in goroutine group.
func WithExecutor(e Executor) Option { return func(s *System) { s.exec = e } }

// WithMaxDetached bounds the built-in detach group. Detach blocks the calling
// actor when the bound is reached.
func WithMaxDetached(n int) Option {
	return func(s *System) { s.maxDetached = n }
}

// SpawnOption configures a single actor.
type SpawnOption func(*spawnConfig)

type spawnConfig struct {
	mailboxSize int
	supervisor  *Ref
}

// Mailbox overrides the mailbox capacity for one actor.
func Mailbox(n int) SpawnOption {
	return func(c *spawnConfig) {
		if n > 0 {
			c.mailboxSize = n
		}
	}
}

// Supervisor makes ref receive StartUpCompleted and ActorTerminated for the
// spawned actor.
func Supervisor(ref *Ref) SpawnOption { return func(c *spawnConfig) { c.supervisor = ref } }

// System owns a set of actors and their name directory.
type System struct {
	name        string
	logger      *slog.Logger
	mailboxSize int
	exec        Executor
	maxDetached int

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	actors  map[string]*Ref
	closed  bool
	wg      sync.WaitGroup
	detachG *errgroup.Group
}

// NewSystem creates an empty system.
func NewSystem(name string, opts ...Option) *System {
	s := &System{
		name:        name,
		logger:      slog.Default(),
		mailboxSize: DefaultMailboxSize,
		maxDetached: 256,
		actors:      make(map[string]*Ref),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "actor", "system", name)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.detachG = &errgroup.Group{}
	if s.maxDetached > 0 {
		s.detachG.SetLimit(s.maxDetached)
	}
	return s
}

// Name returns the system name.
func (s *System) Name() string { return s.name }

// Logger returns the system logger.
func (s *System) Logger() *slog.Logger { return s.logger }

// Spawn starts a under name. An empty name spawns an anonymous actor that is
// not entered in the directory.
func (s *System) Spawn(name string, a Actor, opts ...SpawnOption) (*Ref, error) {
	cfg := spawnConfig{mailboxSize: s.mailboxSize}
	for _, o := range opts {
		o(&cfg)
	}

	ref := newRef(name, cfg.mailboxSize)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSystemDown
	}
	if name != "" {
		if _, dup := s.actors[name]; dup {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrNameTaken, name)
		}
		s.actors[name] = ref
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(ref, a, cfg.supervisor)
	return ref, nil
}

// SpawnFunc is Spawn for an ActorFunc.
func (s *System) SpawnFunc(name string, fn func(c *Context), opts ...SpawnOption) (*Ref, error) {
	return s.Spawn(name, ActorFunc(fn), opts...)
}

// Lookup resolves a directory name.
func (s *System) Lookup(name string) (*Ref, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.actors[name]
	return r, ok
}

// Names returns the directory names currently registered.
func (s *System) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.actors))
	for n := range s.actors {
		out = append(out, n)
	}
	return out
}

// StopActor stops ref. Messages still queued are dropped.
func (s *System) StopActor(ref *Ref) {
	if ref != nil {
		s.stopRef(ref)
	}
}

func (s *System) stopRef(ref *Ref) {
	ref.stop()
}

// Stop stops every actor, waits for their goroutines and for detached work,
// or until ctx is done.
func (s *System) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	refs := make([]*Ref, 0, len(s.actors))
	for _, r := range s.actors {
		refs = append(refs, r)
	}
	s.mu.Unlock()

	for _, r := range refs {
		r.stop()
	}
	// Anonymous actors are not in the directory; they exit on the system context.
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		_ = s.detachG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("actor: stop %s: %w", s.name, ctx.Err())
	}
}

func (s *System) detach(key string, fn func(ctx context.Context) error) {
	if s.exec != nil {
		err := s.exec.Submit(key, fn)
		if err == nil {
			return
		}
		s.logger.Warn("executor rejected detached work, falling back to goroutine", "key", key, "error", err)
	}
	s.detachG.Go(func() error {
		return fn(s.ctx)
	})
}

// run is the mailbox loop of one actor.
func (s *System) run(ref *Ref, a Actor, supervisor *Ref) {
	defer s.wg.Done()
	logger := s.logger.With("actor", ref.name)

	var startErr error
	if ps, ok := a.(PreStarter); ok {
		startErr = safeStart(ps, s.ctx)
	}
	if supervisor != nil {
		_ = supervisor.Tell(StartUpCompleted{Ref: ref, Err: startErr}, ref)
	}

	if startErr == nil {
		c := &Context{ctx: s.ctx, sys: s, self: ref, logger: logger}
	loop:
		for {
			// Prefer the stop signal over pending mail.
			select {
			case <-ref.stopCh:
				break loop
			case <-s.ctx.Done():
				break loop
			default:
			}
			select {
			case <-ref.stopCh:
				break loop
			case <-s.ctx.Done():
				break loop
			case env := <-ref.mailbox:
				c.msg, c.sender = env.msg, env.sender
				s.deliver(a, c)
			}
		}
	} else {
		logger.Error("actor failed to start", "error", startErr)
	}

	ref.stop()
	if pst, ok := a.(PostStopper); ok {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("post stop panicked", "panic", r)
				}
			}()
			pst.PostStop(context.Background())
		}()
	}

	if ref.name != "" {
		s.mu.Lock()
		if cur, ok := s.actors[ref.name]; ok && cur == ref {
			delete(s.actors, ref.name)
		}
		s.mu.Unlock()
	}
	if supervisor != nil {
		_ = supervisor.Tell(ActorTerminated{Ref: ref, ID: ref.id}, nil)
	}
}

// deliver runs one Receive call. A panic is logged and swallowed so the actor
// keeps draining its mailbox.
func (s *System) deliver(a Actor, c *Context) {
	defer func() {
		if r := recover(); r != nil {
			stats.panics.Add(1)
			c.logger.Error("actor panicked while handling message",
				"msg_type", fmt.Sprintf("%T", c.msg),
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	a.Receive(c)
}

func safeStart(ps PreStarter, ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("actor: pre start panicked: %v", r)
		}
	}()
	return ps.PreStart(ctx)
}

// ─── Stats ───────────────────────────────────────────────────────────────────

var stats struct {
	askTimeouts atomic.Uint64
	mailboxFull atomic.Uint64
	panics      atomic.Uint64
}

// Stats is a snapshot of process-wide runtime counters.
type Stats struct {
	AskTimeouts uint64
	MailboxFull uint64
	Panics      uint64
}

// ReadStats returns the current runtime counters.
func ReadStats() Stats {
	return Stats{
		AskTimeouts: stats.askTimeouts.Load(),
		MailboxFull: stats.mailboxFull.Load(),
		Panics:      stats.panics.Load(),
	}
}
