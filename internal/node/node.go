// Package node manages the identity of this gnssbus instance and the
// generation of command ids.
//
// Every instance has a stable id that is stamped on each state-change event it
// publishes (the Pub field). Peers use it to drop their own events when they
// come back over the relay, so the id must be unique across the cluster and
// must survive restarts.
package node

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const instanceIDFile = "instance_id"

// overridePattern bounds operator-supplied ids to something safe to use as a
// ZooKeeper node name and a Kafka header value.
var overridePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// ID identifies a gnssbus process. Generated ids are ULIDs; operators may
// override with any short token matching overridePattern.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id == "" }

// Instance holds the persistent identity of this server.
type Instance struct {
	id      ID
	dataDir string
}

// New returns an Instance whose id is loaded from dataDir/instance_id.
// If the file does not exist a new ULID is generated and written.
// An override other than "" or "auto" wins over the file and is not persisted.
func New(dataDir string, override string) (*Instance, error) {
	if dataDir == "" {
		return nil, errors.New("node: dataDir must not be empty")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("node: create data dir: %w", err)
	}

	if override != "" && override != "auto" {
		if !overridePattern.MatchString(override) {
			return nil, fmt.Errorf("node: invalid instance id override %q", override)
		}
		return &Instance{id: ID(override), dataDir: dataDir}, nil
	}

	id, err := loadOrGenerate(dataDir)
	if err != nil {
		return nil, err
	}
	return &Instance{id: id, dataDir: dataDir}, nil
}

// ID returns the instance's stable id.
func (n *Instance) ID() ID { return n.id }

// DataDir returns the root data directory for this instance.
func (n *Instance) DataDir() string { return n.dataDir }

func loadOrGenerate(dataDir string) (ID, error) {
	path := filepath.Join(dataDir, instanceIDFile)

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, err := ulid.ParseStrict(id); err != nil {
			return "", fmt.Errorf("node: persisted id %q is invalid: %w", id, err)
		}
		return ID(id), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("node: read id file: %w", err)
	}

	id, err := defaultGen.Next()
	if err != nil {
		return "", fmt.Errorf("node: generate id: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("node: persist id: %w", err)
	}
	return ID(id), nil
}

// ─── Command ids ─────────────────────────────────────────────────────────────

// IDGenerator produces unique, time-ordered command ids.
type IDGenerator interface {
	Next() (string, error)
}

// ULIDGenerator is an IDGenerator backed by a monotonic ULID entropy source.
// Ids generated within the same millisecond still sort in creation order.
type ULIDGenerator struct {
	mu      sync.Mutex
	entropy io.Reader
	now     func() time.Time
}

// NewULIDGenerator returns a generator seeded from crypto/rand.
func NewULIDGenerator() *ULIDGenerator {
	return &ULIDGenerator{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

// Next returns a fresh 26-character ULID.
func (g *ULIDGenerator) Next() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(g.now()), g.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

var defaultGen = NewULIDGenerator()

// NewID generates a fresh ULID from the process-wide generator.
func NewID() (string, error) {
	return defaultGen.Next()
}

// MustNewID is like NewID but panics on error. Use only in tests or init code.
func MustNewID() string {
	id, err := NewID()
	if err != nil {
		panic(fmt.Sprintf("node.MustNewID: %v", err))
	}
	return id
}
