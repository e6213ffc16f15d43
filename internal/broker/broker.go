// Package broker wires the gnssbus components together from configuration.
//
// All transport code (HTTP handlers, WebSocket streams, webhooks) talks to
// the Broker, never directly to the cache, the store or the actor runtime.
//
// Data flow:
//
//	HTTP → Broker.Commands (termcmd.Service actor) → Commander
//	      → memdb (working set) → persist pool → TermCmdDao
//	      → Hubs.TermCmdStateChanged → relay / webhooks / streams
//	Kafka → relay → Hubs.TermCmdStateChanged (foreign events)
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/snehjoshi/gnssbus/internal/actor"
	"github.com/snehjoshi/gnssbus/internal/config"
	"github.com/snehjoshi/gnssbus/internal/consumer"
	"github.com/snehjoshi/gnssbus/internal/errcode"
	"github.com/snehjoshi/gnssbus/internal/eventbus"
	"github.com/snehjoshi/gnssbus/internal/membership"
	"github.com/snehjoshi/gnssbus/internal/memdb"
	"github.com/snehjoshi/gnssbus/internal/metrics"
	"github.com/snehjoshi/gnssbus/internal/persist"
	"github.com/snehjoshi/gnssbus/internal/relay"
	"github.com/snehjoshi/gnssbus/internal/scheduler"
	"github.com/snehjoshi/gnssbus/internal/storage"
	"github.com/snehjoshi/gnssbus/internal/storage/bolt"
	"github.com/snehjoshi/gnssbus/internal/storage/postgres"
	"github.com/snehjoshi/gnssbus/internal/termcmd"
	"github.com/snehjoshi/gnssbus/internal/types"
)

const zkSessionTimeout = 10 * time.Second

// ─── Option / functional options ─────────────────────────────────────────────

// Option is a functional option for the Broker.
type Option func(*Broker)

// WithMetrics attaches a metrics.Registry. Bus publishes, accepted
// transitions and webhook pushes are counted, and component stats are
// exposed as collectors.
func WithMetrics(reg *metrics.Registry) Option {
	return func(b *Broker) { b.metrics = reg }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithRelayIO replaces the Kafka clients of the relay. The relay is started
// with them even when relay.enabled is false.
func WithRelayIO(w relay.Writer, r relay.Reader) Option {
	return func(b *Broker) { b.relayW, b.relayR = w, r }
}

// ─── Broker ──────────────────────────────────────────────────────────────────

// Broker owns every long-lived component of one instance.
//
// All methods are safe for concurrent use.
type Broker struct {
	cfg    *config.Config
	nodeID string
	logger *slog.Logger

	sys    *actor.System
	detach *persist.Pool
	bus    *eventbus.Bus
	hubs   *eventbus.Hubs

	cache      memdb.MemDb
	closeCache func() error
	dao        storage.TermCmdDao
	finder     storage.TermCmdFinder
	closeStore func() error
	pool       *persist.Pool

	cmds     *termcmd.Commander
	svc      *termcmd.Service
	watchdog *termcmd.Watchdog

	relayW relay.Writer
	relayR relay.Reader
	relay  *relay.Relay

	zk      *membership.ZK
	members membership.Directory

	webhooks *consumer.Manager
	metrics  *metrics.Registry

	cancel context.CancelFunc
}

// New builds and starts a Broker for instance nodeID. ctx bounds the
// connection attempts (Redis, Postgres, ZooKeeper) only.
func New(ctx context.Context, cfg *config.Config, nodeID string, opts ...Option) (_ *Broker, err error) {
	b := &Broker{cfg: cfg, nodeID: nodeID}
	for _, o := range opts {
		o(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}

	defer func() {
		if err != nil {
			b.shutdown(context.Background())
		}
	}()

	// Actor runtime. Blocking request handlers run on their own pool, never on
	// the DAO pool: CreateCmd waits on the DAO pool from inside a detached job.
	b.detach = persist.New("detach", cfg.Actor.DetachWorkers, cfg.Persist.QueueSize, b.logger)
	b.sys = actor.NewSystem("gnssbus",
		actor.WithLogger(b.logger),
		actor.WithMailboxSize(cfg.Actor.MailboxSize),
		actor.WithExecutor(b.detach),
	)

	busOpts := []eventbus.Option{eventbus.WithLogger(b.logger), eventbus.WithAskTimeout(cfg.Actor.AskTimeoutS)}
	if b.metrics != nil {
		busOpts = append(busOpts, eventbus.WithObserver(b.metrics.ObservePublish))
	}
	if b.bus, err = eventbus.Start(b.sys, busOpts...); err != nil {
		return nil, fmt.Errorf("broker: start bus: %w", err)
	}
	b.hubs = eventbus.NewHubs(b.bus)
	b.hubs.SetDebugCallStack(cfg.TermCmd.DebugCallStack)

	if err = b.openCache(ctx); err != nil {
		return nil, err
	}
	if err = b.openStore(ctx); err != nil {
		return nil, err
	}
	b.pool = persist.New("dao", cfg.Persist.Workers, cfg.Persist.QueueSize, b.logger)

	b.cmds = termcmd.New(termcmd.Config{
		InstanceID:        nodeID,
		Retention:         cfg.Retention(),
		ExternalRetention: cfg.ExternalRetention(),
	}, b.dao, b.cache, b.hubs, b.pool, termcmd.WithLogger(b.logger))

	bgCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	if timeout := cfg.AckTimeout(); timeout > 0 {
		b.watchdog = termcmd.NewWatchdog(b.cmds, scheduler.New(), timeout)
		b.watchdog.Start(bgCtx)
	}

	if b.svc, err = termcmd.StartService(b.sys, b.cmds, cfg.AskTimeout()); err != nil {
		return nil, err
	}

	if err = b.startRelay(); err != nil {
		return nil, err
	}
	if err = b.startMembership(ctx); err != nil {
		return nil, err
	}

	b.webhooks = consumer.NewManager(b.sys, b.bus, consumer.Options{
		RetryDelays: millis(cfg.Webhook.RetryDelaysMs),
		Timeout:     time.Duration(cfg.Webhook.TimeoutMs) * time.Millisecond,
		Observer:    b.observeWebhook,
		Logger:      b.logger,
	})

	if b.metrics != nil {
		if err = b.registerMetrics(); err != nil {
			return nil, err
		}
	}

	b.logger.Info("broker started",
		"node_id", nodeID,
		"cache", cfg.Cache.Mode,
		"store", cfg.Store.Driver,
		"relay", b.relay != nil,
		"membership", b.zk != nil,
		"ack_timeout", cfg.AckTimeout(),
	)
	return b, nil
}

func (b *Broker) openCache(ctx context.Context) error {
	if b.cfg.Cache.Mode != config.CacheRedis {
		b.cache = memdb.NewLocal()
		return nil
	}
	client, err := memdb.Connect(ctx, b.cfg.Cache.RedisURL)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	var frontTTL time.Duration
	if b.cfg.Cache.LocalCached {
		frontTTL = b.cfg.LocalTTL()
	}
	r := memdb.NewRedis(client, frontTTL)
	b.cache, b.closeCache = r, r.Close
	return nil
}

func (b *Broker) openStore(ctx context.Context) error {
	switch b.cfg.Store.Driver {
	case config.StorePostgres:
		db, err := postgres.Connect(ctx, b.cfg.Store.PostgresURL, b.cfg.Store.MaxConns)
		if err != nil {
			return fmt.Errorf("broker: %w", err)
		}
		b.closeStore = func() error { return postgres.Close(db) }
		if err := postgres.RunMigrations(ctx, db); err != nil {
			return fmt.Errorf("broker: %w", err)
		}
		dao := postgres.NewDao(db, b.logger)
		b.dao, b.finder = dao, dao
	default:
		if err := os.MkdirAll(b.cfg.Node.DataDir, 0o750); err != nil {
			return fmt.Errorf("broker: create data dir: %w", err)
		}
		dao, err := bolt.Open(filepath.Join(b.cfg.Node.DataDir, "termcmd.db"), b.logger)
		if err != nil {
			return fmt.Errorf("broker: %w", err)
		}
		b.dao, b.finder, b.closeStore = dao, dao, dao.Close
	}
	return nil
}

func (b *Broker) startRelay() error {
	w, r := b.relayW, b.relayR
	if w == nil && r == nil {
		if !b.cfg.Relay.Enabled {
			return nil
		}
		kw, err := relay.NewKafkaWriter(b.cfg.Relay.Brokers, b.cfg.Relay.Topic)
		if err != nil {
			return err
		}
		kr, err := relay.NewKafkaReader(b.cfg.Relay.Brokers, b.cfg.RelayGroupID(b.nodeID), b.cfg.Relay.Topic)
		if err != nil {
			_ = kw.Close()
			return err
		}
		w, r = kw, kr
	}
	b.relay = relay.New(b.nodeID, b.hubs.TermCmdStateChanged, w, r, b.logger)
	return b.relay.Start(b.sys)
}

func (b *Broker) startMembership(ctx context.Context) error {
	self := membership.Member{
		ID:        b.nodeID,
		Addr:      fmt.Sprintf("%s:%d", b.cfg.Node.Host, b.cfg.Node.Port),
		StartedAt: time.Now().UnixMilli(),
	}
	if !b.cfg.Membership.Enabled {
		b.members = membership.Static{Self: self}
		return nil
	}
	conn, err := membership.Connect(b.cfg.Membership.ZKServers, zkSessionTimeout)
	if err != nil {
		return err
	}
	b.zk = membership.NewZK(conn, b.cfg.Membership.Root, self, b.logger)
	b.members = b.zk
	if err := b.zk.Register(ctx); err != nil {
		conn.Close()
		b.zk = nil
		return err
	}
	return nil
}

func millis(ms []int) []time.Duration {
	out := make([]time.Duration, len(ms))
	for i, v := range ms {
		out[i] = time.Duration(v) * time.Millisecond
	}
	return out
}

// Run blocks serving the background loops (relay reader, membership watch)
// until ctx is done or one of them fails.
func (b *Broker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if b.relay != nil {
		g.Go(func() error { return b.relay.Run(ctx) })
	}
	if b.zk != nil {
		g.Go(func() error { return b.zk.Run(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	return g.Wait()
}

// Close stops every component. Pending persistence jobs are flushed before
// the store is closed, or abandoned when ctx expires.
func (b *Broker) Close(ctx context.Context) error {
	return b.shutdown(ctx)
}

func (b *Broker) shutdown(ctx context.Context) error {
	var errs []error
	if b.webhooks != nil {
		b.webhooks.Close()
	}
	if b.relay != nil {
		errs = append(errs, b.relay.Close())
	}
	if b.zk != nil {
		errs = append(errs, b.zk.Deregister())
	}
	if b.watchdog != nil {
		b.watchdog.Stop()
	}
	if b.cancel != nil {
		b.cancel()
	}
	if b.sys != nil {
		errs = append(errs, b.sys.Stop(ctx))
	}
	if b.detach != nil {
		errs = append(errs, b.detach.Close(ctx))
	}
	if b.pool != nil {
		errs = append(errs, b.pool.Close(ctx))
	}
	if b.closeStore != nil {
		errs = append(errs, b.closeStore())
	}
	if b.closeCache != nil {
		errs = append(errs, b.closeCache())
	}
	return errors.Join(errs...)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// NodeID returns the instance id stamped on published events.
func (b *Broker) NodeID() string { return b.nodeID }

// Bus returns the event bus.
func (b *Broker) Bus() *eventbus.Bus { return b.bus }

// Hubs returns the typed topic hubs.
func (b *Broker) Hubs() *eventbus.Hubs { return b.hubs }

// Commands returns the command lifecycle service.
func (b *Broker) Commands() *termcmd.Service { return b.svc }

// Webhooks returns the webhook subscription manager.
func (b *Broker) Webhooks() *consumer.Manager { return b.webhooks }

// Members lists the live instances.
func (b *Broker) Members() []membership.Member { return b.members.Members() }

// PublishCreated reports whether newly created commands are published on the
// TermCmd topic by default.
func (b *Broker) PublishCreated() bool { return b.cfg.TermCmd.PublishCreated }

// StoredCmd reads a command row from the durable store, bypassing the cache.
func (b *Broker) StoredCmd(ctx context.Context, id string) (*types.TermCmd, error) {
	if id == "" {
		return nil, errcode.InvalidParam("id")
	}
	var cmd *types.TermCmd
	err := b.pool.Do(ctx, id, func(ctx context.Context) error {
		var err error
		cmd, err = b.finder.FindTermCmd(ctx, id)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errcode.NotFound("cmd " + id)
	}
	if err != nil {
		return nil, fmt.Errorf("broker: find stored %s: %w", id, err)
	}
	return cmd, nil
}

// ─── Event ingest ────────────────────────────────────────────────────────────

// Ingest decodes a gateway event for topic and publishes it. State-change
// events are produced by the command lifecycle only and cannot be ingested.
func (b *Broker) Ingest(topic string, body []byte) error {
	switch topic {
	case eventbus.TopicTermCmd:
		var cmd types.TermCmd
		if err := decode(body, &cmd); err != nil {
			return err
		}
		return b.cmds.PublishCmd(&cmd)
	case eventbus.TopicOnlineOfflineNotif:
		var n types.OnlineOfflineNotif
		if err := decode(body, &n); err != nil {
			return err
		}
		stampTm(&n.Tm)
		return b.hubs.OnlineOfflineNotif.Publish(&n)
	case eventbus.TopicEvent:
		var e types.Event
		if err := decode(body, &e); err != nil {
			return err
		}
		stampTm(&e.Tm)
		return b.hubs.Event.Publish(&e)
	case eventbus.TopicCmdAsyncCompleted:
		var m types.CmdAsyncCompletedMsg
		if err := decode(body, &m); err != nil {
			return err
		}
		stampTm(&m.Tm)
		return b.hubs.CmdAsyncCompleted.Publish(&m)
	case eventbus.TopicFetchAlmAttReq:
		var r types.FetchAlmAttReq
		if err := decode(body, &r); err != nil {
			return err
		}
		stampTm(&r.Tm)
		return b.hubs.FetchAlmAttReq.Publish(&r)
	case eventbus.TopicTermCmdStateChanged:
		return errcode.InvalidParam("topic " + topic + " is not writable")
	default:
		return errcode.NotFound("topic " + topic)
	}
}

func decode(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return errcode.InvalidParam("body: " + err.Error())
	}
	return nil
}

func stampTm(tm *int64) {
	if *tm == 0 {
		*tm = time.Now().UnixMilli()
	}
}

// ─── Metrics ─────────────────────────────────────────────────────────────────

func (b *Broker) observeWebhook(topic, outcome string) {
	if b.metrics != nil {
		b.metrics.Webhooks.Inc(metrics.WebhookKey(topic, outcome))
	}
}

func (b *Broker) registerMetrics() error {
	reg := b.metrics
	// Only this instance's transitions; relayed ones are counted where they
	// were accepted.
	if _, err := b.hubs.TermCmdStateChanged.Register(func(ev *types.TermCmdStateChanged) {
		if ev != nil && ev.Cmd != nil && ev.Pub == b.nodeID {
			reg.Transitions.Inc(types.StatusName(ev.Cmd.Status))
		}
	}); err != nil {
		return fmt.Errorf("broker: subscribe transitions: %w", err)
	}

	reg.Register(func() []metrics.Sample {
		rt := actor.ReadStats()
		return []metrics.Sample{
			{Name: "gnssbus_actor_ask_timeouts_total", Help: "Ask calls that timed out", Type: "counter", Value: int64(rt.AskTimeouts)},
			{Name: "gnssbus_actor_mailbox_full_total", Help: "Messages dropped on a full mailbox", Type: "counter", Value: int64(rt.MailboxFull)},
			{Name: "gnssbus_actor_panics_total", Help: "Recovered actor panics", Type: "counter", Value: int64(rt.Panics)},
		}
	})

	reg.Register(func() []metrics.Sample {
		var out []metrics.Sample
		for _, p := range []*persist.Pool{b.pool, b.detach} {
			s := p.Stats()
			lbl := fmt.Sprintf("pool=%q", p.Name())
			out = append(out,
				metrics.Sample{Name: "gnssbus_persist_pending", Help: "Queued jobs per worker pool", Type: "gauge", Labels: lbl, Value: int64(s.Pending)},
				metrics.Sample{Name: "gnssbus_persist_failed_total", Help: "Failed jobs per worker pool", Type: "counter", Labels: lbl, Value: int64(s.Failed)},
				metrics.Sample{Name: "gnssbus_persist_rejected_total", Help: "Jobs dropped on a full queue per worker pool", Type: "counter", Labels: lbl, Value: int64(s.Rejected)},
			)
		}
		return out
	})

	reg.Register(func() []metrics.Sample {
		s := b.cmds.Stats()
		out := []metrics.Sample{
			{Name: "gnssbus_termcmd_created_total", Help: "Commands created", Type: "counter", Value: int64(s.Created)},
			{Name: "gnssbus_termcmd_skipped_total", Help: "Mark calls that changed nothing", Type: "counter", Labels: `reason="miss"`, Value: int64(s.SkippedMiss)},
			{Name: "gnssbus_termcmd_skipped_total", Help: "Mark calls that changed nothing", Type: "counter", Labels: `reason="stale"`, Value: int64(s.SkippedStale)},
			{Name: "gnssbus_termcmd_persist_rejects_total", Help: "Status updates refused by the persist pool", Type: "counter", Value: int64(s.PersistRejects)},
		}
		if b.watchdog != nil {
			out = append(out, metrics.Sample{Name: "gnssbus_termcmd_ack_deadlines", Help: "Armed acknowledgement deadlines", Type: "gauge", Value: int64(b.watchdog.Pending())})
		}
		return out
	})

	if b.relay != nil {
		reg.Register(func() []metrics.Sample {
			s := b.relay.Stats()
			return []metrics.Sample{
				{Name: "gnssbus_relay_sent_total", Help: "State changes written to Kafka", Type: "counter", Value: int64(s.Sent)},
				{Name: "gnssbus_relay_send_errors_total", Help: "Failed Kafka writes", Type: "counter", Value: int64(s.SendErrors)},
				{Name: "gnssbus_relay_received_total", Help: "Foreign state changes republished", Type: "counter", Value: int64(s.Received)},
			}
		})
	}

	reg.Register(func() []metrics.Sample {
		return []metrics.Sample{{Name: "gnssbus_instances", Help: "Live gnssbus instances", Type: "gauge", Value: int64(len(b.members.Members()))}}
	})
	return nil
}
