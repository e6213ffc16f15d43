// Package consumer pushes bus events to HTTP webhooks.
//
// Each subscription is an actor subscribed by ref to one topic, so a slow
// endpoint only backs up its own mailbox, never the bus. Events for one
// subscription are pushed one at a time in delivery order; a failed push is
// retried after each configured delay and then dropped.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/snehjoshi/gnssbus/internal/actor"
	"github.com/snehjoshi/gnssbus/internal/errcode"
	"github.com/snehjoshi/gnssbus/internal/eventbus"
	"github.com/snehjoshi/gnssbus/internal/node"
)

// ErrSubscriptionNotFound is returned by Deregister for an unknown id.
var ErrSubscriptionNotFound = errors.New("consumer: subscription not found")

// Outcomes reported to the observer.
const (
	OutcomeDelivered = "delivered"
	OutcomeRetried   = "retried"
	OutcomeDropped   = "dropped"
)

// Observer is told about every push outcome (metrics).
type Observer func(topic, outcome string)

// Subscription describes a registered webhook.
type Subscription struct {
	ID        string `json:"id"`
	Topic     string `json:"topic"`
	URL       string `json:"url"`
	CreatedAt int64  `json:"createdAt"`

	secret string
	ref    *actor.Ref
	busSub *eventbus.Subscription
	cancel context.CancelFunc
}

// Options tunes delivery.
type Options struct {
	RetryDelays []time.Duration
	Timeout     time.Duration
	Observer    Observer
	Logger      *slog.Logger
}

// Manager owns the webhook subscriptions.
type Manager struct {
	sys    *actor.System
	bus    *eventbus.Bus
	client *http.Client
	delays []time.Duration
	obs    Observer
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewManager creates a Manager that spawns subscription actors in sys.
func NewManager(sys *actor.System, bus *eventbus.Bus, opts Options) *Manager {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observer == nil {
		opts.Observer = func(string, string) {}
	}
	return &Manager{
		sys:    sys,
		bus:    bus,
		client: &http.Client{Timeout: opts.Timeout},
		delays: opts.RetryDelays,
		obs:    opts.Observer,
		logger: opts.Logger.With("component", "consumer"),
		subs:   make(map[string]*Subscription),
	}
}

// Register subscribes url to topic. When secret is set every push carries an
// HMAC-SHA256 signature of the body.
func (m *Manager) Register(topic, url, secret string) (*Subscription, error) {
	if !eventbus.IsKnownTopic(topic) {
		return nil, errcode.NotFound("topic " + topic)
	}
	if url == "" {
		return nil, errcode.InvalidParam("url")
	}
	id, err := node.NewID()
	if err != nil {
		return nil, fmt.Errorf("consumer: generate subscription ID: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		ID:        id,
		Topic:     topic,
		URL:       url,
		CreatedAt: time.Now().UnixMilli(),
		secret:    secret,
		cancel:    cancel,
	}

	ref, err := m.sys.SpawnFunc("webhook-"+id, func(c *actor.Context) {
		m.push(ctx, sub, c.Message())
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("consumer: spawn: %w", err)
	}
	busSub, err := m.bus.RegisterRef(topic, ref)
	if err != nil {
		cancel()
		m.sys.StopActor(ref)
		return nil, fmt.Errorf("consumer: subscribe: %w", err)
	}
	sub.ref, sub.busSub = ref, busSub

	m.mu.Lock()
	m.subs[id] = sub
	m.mu.Unlock()
	m.logger.Info("subscription registered", "id", id, "topic", topic, "url", url)
	return sub, nil
}

// Deregister removes a subscription. Pushes in flight are abandoned.
func (m *Manager) Deregister(id string) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	m.stop(sub)
	m.logger.Info("subscription deregistered", "id", id)
	return nil
}

// List returns the subscriptions, oldest first.
func (m *Manager) List() []Subscription {
	m.mu.RLock()
	out := make([]Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, Subscription{ID: s.ID, Topic: s.Topic, URL: s.URL, CreatedAt: s.CreatedAt})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close removes every subscription.
func (m *Manager) Close() {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[string]*Subscription)
	m.mu.Unlock()
	for _, sub := range subs {
		m.stop(sub)
	}
}

func (m *Manager) stop(sub *Subscription) {
	if err := sub.busSub.Unregister(); err != nil {
		m.logger.Warn("unregister failed", "id", sub.ID, "error", err)
	}
	sub.cancel()
	m.sys.StopActor(sub.ref)
}

// push runs on the subscription actor.
func (m *Manager) push(ctx context.Context, sub *Subscription, payload any) {
	for attempt := 0; ; attempt++ {
		err := deliver(ctx, m.client, sub, payload)
		if err == nil {
			m.obs(sub.Topic, OutcomeDelivered)
			return
		}
		if attempt >= len(m.delays) || ctx.Err() != nil {
			m.obs(sub.Topic, OutcomeDropped)
			m.logger.Warn("webhook push dropped", "sub", sub.ID, "attempts", attempt+1, "error", err)
			return
		}
		m.obs(sub.Topic, OutcomeRetried)
		select {
		case <-time.After(m.delays[attempt]):
		case <-ctx.Done():
			m.obs(sub.Topic, OutcomeDropped)
			return
		}
	}
}
