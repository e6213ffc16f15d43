// Package eventbus is a named-topic publish/subscribe bus running as a single
// actor.
//
// Subscribers are either callbacks or actor refs. Callbacks run inline on the
// bus goroutine: a slow callback delays every other delivery on every topic.
// Use a ref subscriber for anything that may block; delivery to a ref is an
// asynchronous Tell.
//
// Delivery is in-process, at-most-once and best-effort. Nothing is persisted
// or retried.
package eventbus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/snehjoshi/gnssbus/internal/actor"
)

// ActorName is the directory name of the bus actor.
const ActorName = "eventbus"

// ErrAlreadyInitialized is returned by SetDefault on a second call.
var ErrAlreadyInitialized = errors.New("eventbus: default bus already initialized")

// Listener receives a published payload on the bus goroutine.
type Listener func(payload any)

// Observer is told about every publish with the number of subscribers it
// reached. It runs on the bus goroutine.
type Observer func(topic string, subscribers int)

type subscriber struct {
	id  uint64
	fn  Listener
	ref *actor.Ref
}

// ─── Messages ────────────────────────────────────────────────────────────────

type registerMsg struct {
	topic string
	sub   *subscriber
}

type unregisterMsg struct {
	topic string
	sub   *subscriber
}

type publishMsg struct {
	topic   string
	payload any
}

// ListenerCountReq asks the bus how many subscribers a topic has.
type ListenerCountReq struct {
	actor.BaseRequest
	Topic string
}

// ─── Bus ─────────────────────────────────────────────────────────────────────

// Option configures a Bus.
type Option func(*Bus)

// WithObserver installs a publish observer (metrics).
func WithObserver(o Observer) Option { return func(b *Bus) { b.observer = o } }

// WithLogger sets the bus logger.
func WithLogger(l *slog.Logger) Option { return func(b *Bus) { b.logger = l } }

// WithAskTimeout sets the bound, in seconds, for queries such as ListenerCount.
func WithAskTimeout(seconds int) Option { return func(b *Bus) { b.askTimeout = seconds } }

// Bus is a handle to the bus actor. It is safe for concurrent use.
type Bus struct {
	ref        *actor.Ref
	logger     *slog.Logger
	observer   Observer
	askTimeout int
	seq        atomic.Uint64
}

// Start spawns the bus actor in sys.
func Start(sys *actor.System, opts ...Option) (*Bus, error) {
	b := &Bus{logger: slog.Default(), askTimeout: 2}
	for _, o := range opts {
		o(b)
	}
	b.logger = b.logger.With("component", "eventbus")

	ref, err := sys.Spawn(ActorName, &busActor{
		topics:   make(map[string][]*subscriber),
		logger:   b.logger,
		observer: b.observer,
	})
	if err != nil {
		return nil, fmt.Errorf("eventbus: spawn: %w", err)
	}
	b.ref = ref
	return b, nil
}

// Ref returns the bus actor's address.
func (b *Bus) Ref() *actor.Ref { return b.ref }

// Subscription is the token returned by Register. Unregister removes exactly
// the entry it was returned for.
type Subscription struct {
	bus   *Bus
	topic string
	sub   *subscriber
	done  atomic.Bool
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Unregister removes the subscription. Calling it more than once is a no-op.
func (s *Subscription) Unregister() error {
	if s == nil || !s.done.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.bus.ref.Tell(unregisterMsg{topic: s.topic, sub: s.sub}, nil); err != nil {
		s.done.Store(false)
		return fmt.Errorf("eventbus: unregister %s: %w", s.topic, err)
	}
	return nil
}

// Register adds a callback subscriber for topic.
func (b *Bus) Register(topic string, fn Listener) (*Subscription, error) {
	if fn == nil {
		return nil, errors.New("eventbus: nil listener")
	}
	return b.register(topic, &subscriber{id: b.seq.Add(1), fn: fn})
}

// RegisterRef adds an actor subscriber for topic. Payloads arrive as plain
// messages with the bus as sender.
func (b *Bus) RegisterRef(topic string, ref *actor.Ref) (*Subscription, error) {
	if ref == nil {
		return nil, actor.ErrNilRef
	}
	return b.register(topic, &subscriber{id: b.seq.Add(1), ref: ref})
}

func (b *Bus) register(topic string, s *subscriber) (*Subscription, error) {
	if topic == "" {
		return nil, errors.New("eventbus: empty topic")
	}
	if err := b.ref.Tell(registerMsg{topic: topic, sub: s}, nil); err != nil {
		return nil, fmt.Errorf("eventbus: register %s: %w", topic, err)
	}
	return &Subscription{bus: b, topic: topic, sub: s}, nil
}

// Publish hands payload to the bus for delivery to topic's subscribers.
// A topic without subscribers is a no-op.
func (b *Bus) Publish(topic string, payload any) error {
	if err := b.ref.Tell(publishMsg{topic: topic, payload: payload}, nil); err != nil {
		return fmt.Errorf("eventbus: publish %s: %w", topic, err)
	}
	return nil
}

// ListenerCount returns the number of active subscribers for topic.
func (b *Bus) ListenerCount(topic string) (int, error) {
	r, err := actor.Ask[int](b.ref, func(replyTo *actor.Ref) actor.Request {
		return &ListenerCountReq{BaseRequest: actor.BaseRequest{Reply: replyTo}, Topic: topic}
	}, b.askTimeout)
	if err != nil {
		return 0, err
	}
	if err := r.Err(); err != nil {
		return 0, err
	}
	return r.Value, nil
}

// ─── Actor ───────────────────────────────────────────────────────────────────

type busActor struct {
	topics   map[string][]*subscriber
	logger   *slog.Logger
	observer Observer
}

func (a *busActor) Receive(c *actor.Context) {
	switch m := c.Message().(type) {
	case registerMsg:
		a.topics[m.topic] = append(a.topics[m.topic], m.sub)
	case unregisterMsg:
		a.remove(m.topic, m.sub)
	case publishMsg:
		a.publish(c, m)
	case *ListenerCountReq:
		actor.CallSingle(c, m, func() (int, error) {
			return len(a.topics[m.Topic]), nil
		})
	default:
		a.logger.Warn("unknown message", "type", fmt.Sprintf("%T", m))
	}
}

func (a *busActor) remove(topic string, s *subscriber) {
	subs := a.topics[topic]
	for i, cur := range subs {
		if cur == s {
			next := make([]*subscriber, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(a.topics, topic)
			} else {
				a.topics[topic] = next
			}
			return
		}
	}
}

func (a *busActor) publish(c *actor.Context, m publishMsg) {
	subs := a.topics[m.topic]
	if a.observer != nil {
		a.observer(m.topic, len(subs))
	}
	for _, s := range subs {
		if s.ref != nil {
			if err := s.ref.Tell(m.payload, c.Self()); err != nil {
				a.logger.Warn("event not delivered", "topic", m.topic, "to", s.ref.Name(), "error", err)
			}
			continue
		}
		a.invoke(m.topic, s, m.payload)
	}
}

func (a *busActor) invoke(topic string, s *subscriber, payload any) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("listener panicked", "topic", topic, "listener", s.id, "panic", r)
		}
	}()
	s.fn(payload)
}
