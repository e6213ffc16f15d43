package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"runtime/debug"

	"github.com/snehjoshi/gnssbus/internal/actor"
	"github.com/snehjoshi/gnssbus/internal/types"
)

// Fixed topic names, one per event kind.
const (
	TopicTermCmd             = "TermCmd"
	TopicTermCmdStateChanged = "TermCmdStateChanged"
	TopicOnlineOfflineNotif  = "OnlineOfflineNotif"
	TopicEvent               = "Event"
	TopicCmdAsyncCompleted   = "CmdAsyncCompletedMsg"
	TopicFetchAlmAttReq      = "FetchAlmAttReq"
)

// Topics lists every topic served by Hubs.
var Topics = []string{
	TopicTermCmd,
	TopicTermCmdStateChanged,
	TopicOnlineOfflineNotif,
	TopicEvent,
	TopicCmdAsyncCompleted,
	TopicFetchAlmAttReq,
}

// IsKnownTopic reports whether topic is one of Topics.
func IsKnownTopic(topic string) bool {
	for _, t := range Topics {
		if t == topic {
			return true
		}
	}
	return false
}

// TopicOf derives the topic from E's type name, ignoring pointer indirection.
func TopicOf[E any]() string {
	t := reflect.TypeFor[E]()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}

// Hub is a typed facade over one topic of a Bus.
type Hub[E any] struct {
	bus            *Bus
	topic          string
	debugCallStack bool
}

// NewHub returns a hub for E's topic on bus.
func NewHub[E any](bus *Bus) *Hub[E] {
	return &Hub[E]{bus: bus, topic: TopicOf[E]()}
}

// Topic returns the hub's topic.
func (h *Hub[E]) Topic() string { return h.topic }

// SetDebugCallStack logs the publisher's call stack at debug level on every
// publish.
func (h *Hub[E]) SetDebugCallStack(on bool) { h.debugCallStack = on }

// Publish sends e to every subscriber of the topic.
func (h *Hub[E]) Publish(e E) error {
	if h.debugCallStack && h.bus.logger.Enabled(context.Background(), slog.LevelDebug) {
		h.bus.logger.Debug("publish", "topic", h.topic, "stack", string(debug.Stack()))
	}
	return h.bus.Publish(h.topic, e)
}

// Register subscribes fn. Payloads of another type are dropped with a warning.
func (h *Hub[E]) Register(fn func(E)) (*Subscription, error) {
	return h.bus.Register(h.topic, func(payload any) {
		e, ok := payload.(E)
		if !ok {
			h.bus.logger.Warn("payload type mismatch", "topic", h.topic, "type", fmt.Sprintf("%T", payload))
			return
		}
		fn(e)
	})
}

// RegisterRef subscribes an actor; it receives values of type E.
func (h *Hub[E]) RegisterRef(ref *actor.Ref) (*Subscription, error) {
	return h.bus.RegisterRef(h.topic, ref)
}

// ListenerCount returns the topic's subscriber count.
func (h *Hub[E]) ListenerCount() (int, error) {
	return h.bus.ListenerCount(h.topic)
}

// Hubs bundles the hubs of every fixed topic.
type Hubs struct {
	TermCmd             *Hub[*types.TermCmd]
	TermCmdStateChanged *Hub[*types.TermCmdStateChanged]
	OnlineOfflineNotif  *Hub[*types.OnlineOfflineNotif]
	Event               *Hub[*types.Event]
	CmdAsyncCompleted   *Hub[*types.CmdAsyncCompletedMsg]
	FetchAlmAttReq      *Hub[*types.FetchAlmAttReq]
}

// NewHubs builds the fixed hubs on bus.
func NewHubs(bus *Bus) *Hubs {
	return &Hubs{
		TermCmd:             NewHub[*types.TermCmd](bus),
		TermCmdStateChanged: NewHub[*types.TermCmdStateChanged](bus),
		OnlineOfflineNotif:  NewHub[*types.OnlineOfflineNotif](bus),
		Event:               NewHub[*types.Event](bus),
		CmdAsyncCompleted:   NewHub[*types.CmdAsyncCompletedMsg](bus),
		FetchAlmAttReq:      NewHub[*types.FetchAlmAttReq](bus),
	}
}

// SetDebugCallStack toggles call-stack logging on every hub.
func (hs *Hubs) SetDebugCallStack(on bool) {
	hs.TermCmd.SetDebugCallStack(on)
	hs.TermCmdStateChanged.SetDebugCallStack(on)
	hs.OnlineOfflineNotif.SetDebugCallStack(on)
	hs.Event.SetDebugCallStack(on)
	hs.CmdAsyncCompleted.SetDebugCallStack(on)
	hs.FetchAlmAttReq.SetDebugCallStack(on)
}
