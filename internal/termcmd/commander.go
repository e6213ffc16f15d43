// Package termcmd runs terminal commands through their lifecycle.
//
// A command is created once (DAO insert, then cached under its id and its
// external id), then moved forward by mark calls that arrive out of band from
// the gateways:
//
//	CreateCmd ──► MarkCmdSent ──► MarkCmdAck
//	    │               └───────► MarkCmdCompleted
//	    └───────────────────────► MarkCmdCompleted
//
// The cache is the working set. A mark call for a command that is no longer
// cached (expired, or owned by another instance) updates the caller's object
// only: nothing is persisted and nothing is published. Every accepted
// transition is written back to the cache, queued for persistence on the
// persist pool and published as a TermCmdStateChanged event. The event may
// be observed before the row is written.
package termcmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/snehjoshi/gnssbus/internal/errcode"
	"github.com/snehjoshi/gnssbus/internal/eventbus"
	"github.com/snehjoshi/gnssbus/internal/memdb"
	"github.com/snehjoshi/gnssbus/internal/node"
	"github.com/snehjoshi/gnssbus/internal/persist"
	"github.com/snehjoshi/gnssbus/internal/storage"
	"github.com/snehjoshi/gnssbus/internal/types"
)

// Cache key prefixes, below memdb.KeyPrefix.
const (
	CachePrefixID         = "termcmd:"
	CachePrefixExternalID = "termcmd:ext:"
)

// Default retention windows. The external-id entry outlives the id entry by
// five seconds.
const (
	DefaultRetention         = 2 * time.Hour
	DefaultExternalRetention = DefaultRetention + 5*time.Second
)

const lockStripes = 64

// Config holds the Commander settings.
type Config struct {
	// InstanceID is stamped on every TermCmdStateChanged as Pub.
	InstanceID string
	// Retention is the cache lifetime of the id entry.
	Retention time.Duration
	// ExternalRetention is the cache lifetime of the external-id entry.
	ExternalRetention time.Duration
}

func (c *Config) applyDefaults() {
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.ExternalRetention <= 0 {
		c.ExternalRetention = c.Retention + 5*time.Second
	}
}

// Ack carries the terminal's acknowledgement.
type Ack struct {
	AckTm     int64
	AckMsgID  string
	AckSeqNo  *int
	AckCode   *int
	AckParams json.RawMessage
}

// Stats is a snapshot of Commander counters.
type Stats struct {
	Created        uint64
	Transitions    uint64 // accepted, persisted and published
	SkippedMiss    uint64 // mark call for a command not in the cache
	SkippedStale   uint64 // mark call that would not move the status forward
	PublishErrors  uint64
	PersistRejects uint64 // persist pool refused the update
}

// Option configures a Commander.
type Option func(*Commander)

// WithIDGenerator replaces the ULID id provider.
func WithIDGenerator(g node.IDGenerator) Option { return func(c *Commander) { c.ids = g } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(c *Commander) { c.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Commander) { c.logger = l } }

// Commander is the terminal command lifecycle manager. It is not actor-bound:
// every method is safe for concurrent use from any goroutine.
type Commander struct {
	cfg    Config
	dao    storage.TermCmdDao
	cache  memdb.MemDb
	hubs   *eventbus.Hubs
	pool   *persist.Pool
	ids    node.IDGenerator
	now    func() time.Time
	logger *slog.Logger

	// mark calls for one command are serialised within this instance.
	locks [lockStripes]sync.Mutex

	watchdog atomic.Pointer[Watchdog]

	created        atomic.Uint64
	transitions    atomic.Uint64
	skippedMiss    atomic.Uint64
	skippedStale   atomic.Uint64
	publishErrors  atomic.Uint64
	persistRejects atomic.Uint64
}

// New creates a Commander. Persistence runs on pool, which must not be the
// executor the calling actors detach onto.
func New(cfg Config, dao storage.TermCmdDao, cache memdb.MemDb, hubs *eventbus.Hubs, pool *persist.Pool, opts ...Option) *Commander {
	cfg.applyDefaults()
	c := &Commander{
		cfg:   cfg,
		dao:   dao,
		cache: cache,
		hubs:  hubs,
		pool:  pool,
		ids:   node.NewULIDGenerator(),
		now:   time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "termcmd")
	return c
}

// InstanceID returns the id stamped on published events.
func (c *Commander) InstanceID() string { return c.cfg.InstanceID }

// Stats returns the Commander counters.
func (c *Commander) Stats() Stats {
	return Stats{
		Created:        c.created.Load(),
		Transitions:    c.transitions.Load(),
		SkippedMiss:    c.skippedMiss.Load(),
		SkippedStale:   c.skippedStale.Load(),
		PublishErrors:  c.publishErrors.Load(),
		PersistRejects: c.persistRejects.Load(),
	}
}

func (c *Commander) lock(id string) *sync.Mutex {
	return &c.locks[xxhash.Sum64String(id)%lockStripes]
}

// ─── Create / publish / find ─────────────────────────────────────────────────

// CreateCmd assigns an id when cmd has none, defaults reqTm to now, inserts
// the row and caches the command. When publish is set the created command is
// published on the TermCmd topic.
//
// Unlike the mark calls, a persistence failure is returned to the caller. A
// duplicate id is reported as a conflict. The returned command is a copy.
//
// Caching happens on the persistence worker right after the insert, so an
// insert that completes after ctx expired is still cached and watched even
// though the caller saw the context error. It is not published.
func (c *Commander) CreateCmd(ctx context.Context, cmd *types.TermCmd, publish bool) (*types.TermCmd, error) {
	if cmd == nil {
		return nil, errcode.InvalidParam("cmd")
	}
	if cmd.Status != types.StatusCreated {
		return nil, errcode.InvalidParam("status")
	}
	if cmd.ID == "" {
		id, err := c.ids.Next()
		if err != nil {
			return nil, fmt.Errorf("termcmd: generate id: %w", err)
		}
		cmd.ID = id
	}
	if cmd.ReqTm == 0 {
		cmd.ReqTm = c.now().UnixMilli()
	}

	stored := cmd.Clone()
	err := c.pool.Do(ctx, stored.ID, func(jctx context.Context) error {
		if err := c.dao.CreateTermCmd(jctx, stored); err != nil {
			return err
		}
		c.created.Add(1)
		if err := c.putToCache(jctx, stored.Clone()); err != nil {
			// The row is durable; only the working set misses it.
			c.logger.Warn("created command not cached", "id", stored.ID, "error", err)
		}
		if w := c.watchdog.Load(); w != nil {
			w.track(stored.ID, stored.ReqTm)
		}
		return nil
	})
	switch {
	case errors.Is(err, storage.ErrDuplicate):
		return nil, errcode.Conflict("cmd " + cmd.ID)
	case err != nil:
		return nil, fmt.Errorf("termcmd: create %s: %w", cmd.ID, err)
	}

	if publish {
		if err := c.PublishCmd(stored); err != nil {
			c.logger.Warn("publish created command failed", "id", stored.ID, "error", err)
		}
	}
	return stored.Clone(), nil
}

// PublishCmd publishes a copy of cmd on the TermCmd topic.
func (c *Commander) PublishCmd(cmd *types.TermCmd) error {
	if cmd == nil {
		return errcode.InvalidParam("cmd")
	}
	if err := c.hubs.TermCmd.Publish(cmd.Clone()); err != nil {
		c.publishErrors.Add(1)
		return err
	}
	return nil
}

// FindCmd returns the cached command. A miss (unknown or expired) reports
// ok == false; there is no database fallback.
func (c *Commander) FindCmd(ctx context.Context, id string) (*types.TermCmd, bool, error) {
	if id == "" {
		return nil, false, errcode.InvalidParam("id")
	}
	return c.getCached(ctx, CachePrefixID, id)
}

// FindCmdByExternalID returns the cached command by its external id.
func (c *Commander) FindCmdByExternalID(ctx context.Context, externalID string) (*types.TermCmd, bool, error) {
	if externalID == "" {
		return nil, false, errcode.InvalidParam("externalId")
	}
	return c.getCached(ctx, CachePrefixExternalID, externalID)
}

// ─── Mark calls ──────────────────────────────────────────────────────────────

// MarkCmdSent sets status Sent, sentTm and msgSn on cmd, then applies the same
// change to the cached command if there is one. It never fails.
func (c *Commander) MarkCmdSent(ctx context.Context, cmd *types.TermCmd, sentTm int64, msgSn *int) *types.TermCmd {
	apply := func(t *types.TermCmd) {
		t.Status = types.StatusSent
		t.SentTm = types.Int64(sentTm)
		t.MsgSn = cloneInt(msgSn)
	}
	apply(cmd)
	c.transition(ctx, cmd.ID, types.StatusSent, apply, nil)
	return cmd
}

// MarkCmdAck sets status Ack, ackTm, endTm = ackTm, the ack code and params
// on cmd, then applies the same change to the cached command if there is
// one. It never fails.
func (c *Commander) MarkCmdAck(ctx context.Context, cmd *types.TermCmd, ack Ack) *types.TermCmd {
	apply := func(t *types.TermCmd) {
		t.Status = types.StatusAck
		t.AckTm = types.Int64(ack.AckTm)
		t.EndTm = types.Int64(ack.AckTm)
		t.AckMsgID = ack.AckMsgID
		t.AckSeqNo = cloneInt(ack.AckSeqNo)
		t.AckCode = cloneInt(ack.AckCode)
		t.AckParams = cloneRaw(ack.AckParams)
	}
	apply(cmd)
	c.transition(ctx, cmd.ID, types.StatusAck, apply, nil)
	return cmd
}

// MarkCmdCompleted moves cmd to a completed status other than Ack. A status
// that is Ack, or not a known completed status, fails with an invalid
// parameter error and changes nothing.
func (c *Commander) MarkCmdCompleted(ctx context.Context, cmd *types.TermCmd, status types.Status, endTm int64) (*types.TermCmd, error) {
	if !types.IsCompletedStatus(status) {
		return nil, errcode.InvalidParam("status")
	}
	apply := func(t *types.TermCmd) {
		t.Status = status
		t.EndTm = types.Int64(endTm)
	}
	apply(cmd)
	c.transition(ctx, cmd.ID, status, apply, nil)
	return cmd, nil
}

// expire moves an unacknowledged cached command to Timeout. It reports false
// when the command is gone or was acknowledged or completed meanwhile.
func (c *Commander) expire(ctx context.Context, id string, endTm int64) bool {
	return c.transition(ctx, id, types.StatusTimeout, func(t *types.TermCmd) {
		t.Status = types.StatusTimeout
		t.EndTm = types.Int64(endTm)
	}, func(from types.Status) bool {
		return !types.IsAckOrCompletedStatus(from)
	})
}

// transition applies change to a copy of the cached command and, when it is a
// legal move that guard (if any) accepts, caches, persists and
// publishes it. The stripe lock is held throughout; nothing here blocks on
// the database.
func (c *Commander) transition(ctx context.Context, id string, to types.Status, change func(*types.TermCmd), guard func(from types.Status) bool) bool {
	if id == "" {
		c.skippedMiss.Add(1)
		return false
	}
	mu := c.lock(id)
	mu.Lock()
	defer mu.Unlock()

	cached, ok, err := c.getCached(ctx, CachePrefixID, id)
	if err != nil {
		c.logger.Warn("cache read failed, transition skipped", "id", id, "to", types.StatusName(to), "error", err)
		c.skippedMiss.Add(1)
		return false
	}
	if !ok {
		c.logger.Debug("command not cached, transition skipped", "id", id, "to", types.StatusName(to))
		c.skippedMiss.Add(1)
		return false
	}
	if !types.ValidTransition(cached.Status, to) || (guard != nil && !guard(cached.Status)) {
		c.logger.Debug("stale transition skipped",
			"id", id, "from", types.StatusName(cached.Status), "to", types.StatusName(to))
		c.skippedStale.Add(1)
		return false
	}

	next := cached.Clone()
	change(next)
	if err := c.putToCache(ctx, next); err != nil {
		c.logger.Warn("transition not cached", "id", id, "error", err)
	}

	row := next.Clone()
	if err := c.pool.Submit(id, func(jctx context.Context) error {
		return storage.UpdateTermCmdStatus(jctx, c.dao, row)
	}); err != nil {
		c.persistRejects.Add(1)
		c.logger.Error("status update not queued", "id", id, "status", types.StatusName(to), "error", err)
	}

	c.transitions.Add(1)
	ev := &types.TermCmdStateChanged{
		ID:  uuid.NewString(),
		Pub: c.cfg.InstanceID,
		Cmd: next,
		Tm:  c.now().UnixMilli(),
	}
	if err := c.hubs.TermCmdStateChanged.Publish(ev); err != nil {
		c.publishErrors.Add(1)
		c.logger.Warn("publish state change failed", "id", id, "error", err)
	}

	if w := c.watchdog.Load(); w != nil {
		switch {
		case to == types.StatusSent:
			w.track(id, *next.SentTm)
		case types.IsAckOrCompletedStatus(to):
			w.untrack(id)
		}
	}
	return true
}

// ─── Cache ───────────────────────────────────────────────────────────────────

func (c *Commander) putToCache(ctx context.Context, cmd *types.TermCmd) error {
	b, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("termcmd: encode %s: %w", cmd.ID, err)
	}
	if err := c.cache.Set(ctx, CachePrefixID, cmd.ID, string(b), c.cfg.Retention); err != nil {
		return err
	}
	if cmd.ExternalID != "" {
		c.logger.Debug("cache command by external id", "external_id", cmd.ExternalID)
		if err := c.cache.Set(ctx, CachePrefixExternalID, cmd.ExternalID, string(b), c.cfg.ExternalRetention); err != nil {
			return err
		}
	}
	return nil
}

func (c *Commander) getCached(ctx context.Context, prefix, key string) (*types.TermCmd, bool, error) {
	v, ok, err := c.cache.Get(ctx, prefix, key)
	if err != nil || !ok {
		return nil, false, err
	}
	var cmd types.TermCmd
	if err := json.Unmarshal([]byte(v), &cmd); err != nil {
		c.logger.Warn("corrupt cache entry dropped", "key", prefix+key, "error", err)
		_ = c.cache.Del(ctx, prefix, key)
		return nil, false, nil
	}
	return &cmd, true, nil
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}
