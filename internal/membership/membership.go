// Package membership registers this instance in ZooKeeper and tracks the live
// set of gnssbus instances.
//
// Each instance owns an ephemeral node <root>/instances/<instance id> whose
// data is the JSON-encoded Member. The node disappears with the session, so
// the children of <root>/instances are the live instances. Downstream
// consumers use the list to make sense of the Pub field on relayed events.
package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
)

// Member describes one live instance.
type Member struct {
	ID        string `json:"id"`
	Addr      string `json:"addr"`
	StartedAt int64  `json:"startedAt"`
}

// Directory lists live instances.
type Directory interface {
	Members() []Member
}

// Static is a Directory holding only this instance, used when ZooKeeper is
// disabled.
type Static struct{ Self Member }

// Members implements Directory.
func (s Static) Members() []Member { return []Member{s.Self} }

// Conn is the subset of *zk.Conn used here.
type Conn interface {
	State() zk.State
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Get(path string) ([]byte, *zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	Delete(path string, version int32) error
	Close()
}

// Connect dials the ensemble.
func Connect(servers []string, sessionTimeout time.Duration) (*zk.Conn, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("membership: zk connect: %w", err)
	}
	return conn, nil
}

// ZK is a ZooKeeper-backed Directory.
type ZK struct {
	conn   Conn
	root   string
	self   Member
	logger *slog.Logger

	mu      sync.RWMutex
	members []Member
}

var _ Directory = (*ZK)(nil)

// NewZK creates a ZK membership under root (for example "/gnssbus").
func NewZK(conn Conn, root string, self Member, logger *slog.Logger) *ZK {
	if logger == nil {
		logger = slog.Default()
	}
	return &ZK{
		conn:    conn,
		root:    strings.TrimRight(root, "/"),
		self:    self,
		logger:  logger.With("component", "membership"),
		members: []Member{self},
	}
}

func (m *ZK) dir() string { return m.root + "/instances" }

// Register waits for the session and creates this instance's ephemeral node.
func (m *ZK) Register(ctx context.Context) error {
	if err := m.waitConnected(ctx); err != nil {
		return err
	}
	if err := m.ensurePath(m.dir()); err != nil {
		return fmt.Errorf("membership: ensure %s: %w", m.dir(), err)
	}
	data, err := json.Marshal(m.self)
	if err != nil {
		return err
	}
	path := m.dir() + "/" + m.self.ID
	if _, err := m.conn.Create(path, data, zk.FlagEphemeral, zk.WorldACL(zk.PermAll)); err != nil {
		if errors.Is(err, zk.ErrNodeExists) {
			// Another live session holds our id.
			return fmt.Errorf("membership: instance %s already registered", m.self.ID)
		}
		return fmt.Errorf("membership: create %s: %w", path, err)
	}
	m.logger.Info("registered instance", "path", path)
	return nil
}

// Run keeps the member list current until ctx is done.
func (m *ZK) Run(ctx context.Context) error {
	for {
		children, _, ch, err := m.conn.ChildrenW(m.dir())
		if err != nil {
			m.logger.Warn("watch instances failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(2 * time.Second):
			}
			continue
		}
		m.refresh(children)

		select {
		case ev := <-ch:
			m.logger.Debug("instances changed", "type", ev.Type.String())
		case <-ctx.Done():
			return nil
		}
	}
}

// Deregister removes this instance's node and closes the session.
func (m *ZK) Deregister() error {
	err := m.conn.Delete(m.dir()+"/"+m.self.ID, -1)
	m.conn.Close()
	if err != nil && !errors.Is(err, zk.ErrNoNode) {
		return fmt.Errorf("membership: deregister: %w", err)
	}
	return nil
}

// Members implements Directory. The list is sorted by id.
func (m *ZK) Members() []Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Member(nil), m.members...)
}

func (m *ZK) refresh(children []string) {
	out := make([]Member, 0, len(children))
	for _, id := range children {
		mb := Member{ID: id}
		data, _, err := m.conn.Get(m.dir() + "/" + id)
		switch {
		case errors.Is(err, zk.ErrNoNode):
			continue
		case err != nil:
			m.logger.Warn("read instance failed", "id", id, "error", err)
		case len(data) > 0:
			if err := json.Unmarshal(data, &mb); err != nil {
				m.logger.Warn("bad instance data", "id", id, "error", err)
				mb = Member{ID: id}
			}
		}
		out = append(out, mb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	m.mu.Lock()
	m.members = out
	m.mu.Unlock()
}

func (m *ZK) ensurePath(path string) error {
	cur := ""
	for _, p := range strings.Split(path, "/") {
		if p == "" {
			continue
		}
		cur += "/" + p
		exists, _, err := m.conn.Exists(cur)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := m.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll)); err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return err
		}
	}
	return nil
}

func (m *ZK) waitConnected(ctx context.Context) error {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for {
		st := m.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("membership: not connected, state=%v: %w", st, ctx.Err())
		case <-t.C:
		}
	}
}
