// Package relay carries TermCmdStateChanged events between gnssbus instances
// over a Kafka topic.
//
// Outbound, an actor subscribed to the local topic writes every event this
// instance produced (Pub == own instance id), keyed by command id so one
// command's events stay on one partition. Inbound, a reader loop republishes
// events produced by other instances on the local bus and drops our own.
// Republished events keep their Pub, so they are never written back.
//
// Like the bus itself the relay is best-effort: a failed write is logged and
// counted, never retried.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/snehjoshi/gnssbus/internal/actor"
	"github.com/snehjoshi/gnssbus/internal/eventbus"
	"github.com/snehjoshi/gnssbus/internal/types"
)

// ActorName is the directory name of the outbound actor.
const ActorName = "relay"

const writeTimeout = 5 * time.Second

// Writer is the subset of *kafka.Writer the relay uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Reader is the subset of *kafka.Reader the relay uses.
type Reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// NewKafkaWriter returns a writer for topic with hash partitioning on the
// message key.
func NewKafkaWriter(brokers []string, topic string) (*kafka.Writer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("relay: kafka writer requires at least one broker")
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireOne,
		Balancer:     &kafka.Hash{},
	}, nil
}

// NewKafkaReader returns a consumer-group reader for topic. Every instance
// needs its own group id to see every event.
func NewKafkaReader(brokers []string, groupID, topic string) (*kafka.Reader, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("relay: kafka reader requires at least one broker")
	}
	if groupID == "" {
		return nil, fmt.Errorf("relay: kafka reader requires group id")
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     groupID,
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafka.LastOffset,
	}), nil
}

// Stats is a snapshot of relay counters.
type Stats struct {
	Sent        uint64
	SendErrors  uint64
	Received    uint64
	OwnSkipped  uint64
	DecodeError uint64
}

// Relay bridges the local TermCmdStateChanged hub and Kafka.
type Relay struct {
	instanceID string
	hub        *eventbus.Hub[*types.TermCmdStateChanged]
	w          Writer
	r          Reader
	logger     *slog.Logger

	ref *actor.Ref
	sub *eventbus.Subscription

	sent        atomic.Uint64
	sendErrors  atomic.Uint64
	received    atomic.Uint64
	ownSkipped  atomic.Uint64
	decodeError atomic.Uint64
}

// New creates a relay. Either w or r may be nil to run one direction only.
func New(instanceID string, hub *eventbus.Hub[*types.TermCmdStateChanged], w Writer, r Reader, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		instanceID: instanceID,
		hub:        hub,
		w:          w,
		r:          r,
		logger:     logger.With("component", "relay"),
	}
}

// Start spawns the outbound actor in sys and subscribes it to the hub. It is
// a no-op without a writer.
func (rl *Relay) Start(sys *actor.System) error {
	if rl.w == nil {
		return nil
	}
	ref, err := sys.SpawnFunc(ActorName, rl.receive)
	if err != nil {
		return fmt.Errorf("relay: spawn: %w", err)
	}
	sub, err := rl.hub.RegisterRef(ref)
	if err != nil {
		sys.StopActor(ref)
		return fmt.Errorf("relay: subscribe: %w", err)
	}
	rl.ref, rl.sub = ref, sub
	return nil
}

// Run reads the Kafka topic until ctx is done. It returns nil on
// cancellation. Without a reader it just waits for ctx.
func (rl *Relay) Run(ctx context.Context) error {
	if rl.r == nil {
		<-ctx.Done()
		return nil
	}
	for {
		msg, err := rl.r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("relay: read: %w", err)
		}
		rl.inbound(msg)
	}
}

// Close unsubscribes and closes the Kafka clients.
func (rl *Relay) Close() error {
	var errs []error
	if rl.sub != nil {
		errs = append(errs, rl.sub.Unregister())
	}
	if rl.w != nil {
		errs = append(errs, rl.w.Close())
	}
	if rl.r != nil {
		errs = append(errs, rl.r.Close())
	}
	return errors.Join(errs...)
}

// Stats returns the relay counters.
func (rl *Relay) Stats() Stats {
	return Stats{
		Sent:        rl.sent.Load(),
		SendErrors:  rl.sendErrors.Load(),
		Received:    rl.received.Load(),
		OwnSkipped:  rl.ownSkipped.Load(),
		DecodeError: rl.decodeError.Load(),
	}
}

func (rl *Relay) receive(c *actor.Context) {
	ev, ok := c.Message().(*types.TermCmdStateChanged)
	if !ok || ev == nil || ev.Pub != rl.instanceID {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		rl.logger.Error("encode event", "id", ev.ID, "error", err)
		return
	}
	var key []byte
	if ev.Cmd != nil {
		key = []byte(ev.Cmd.ID)
	}

	wctx, cancel := context.WithTimeout(c.Context(), writeTimeout)
	defer cancel()
	if err := rl.w.WriteMessages(wctx, kafka.Message{
		Key:   key,
		Value: b,
		Time:  time.UnixMilli(ev.Tm).UTC(),
	}); err != nil {
		rl.sendErrors.Add(1)
		rl.logger.Warn("relay write failed", "id", ev.ID, "error", err)
		return
	}
	rl.sent.Add(1)
}

func (rl *Relay) inbound(msg kafka.Message) {
	var ev types.TermCmdStateChanged
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		rl.decodeError.Add(1)
		rl.logger.Warn("undecodable relay message", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		return
	}
	if ev.Pub == rl.instanceID {
		rl.ownSkipped.Add(1)
		return
	}
	rl.received.Add(1)
	if err := rl.hub.Publish(&ev); err != nil {
		rl.logger.Warn("republish failed", "id", ev.ID, "error", err)
	}
}
