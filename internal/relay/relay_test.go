package relay_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/snehjoshi/gnssbus/internal/actor"
	"github.com/snehjoshi/gnssbus/internal/eventbus"
	"github.com/snehjoshi/gnssbus/internal/relay"
	"github.com/snehjoshi/gnssbus/internal/types"
)

// ─── Fakes ───────────────────────────────────────────────────────────────────

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

type fakeReader struct{ ch chan kafka.Message }

func (r *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.ch:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) Close() error { return nil }

// ─── Helpers ─────────────────────────────────────────────────────────────────

func newHub(t *testing.T) (*actor.System, *eventbus.Hub[*types.TermCmdStateChanged]) {
	t.Helper()
	sys := actor.NewSystem("relay-test")
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sys.Stop(ctx)
	})
	bus, err := eventbus.Start(sys)
	if err != nil {
		t.Fatal(err)
	}
	return sys, eventbus.NewHub[*types.TermCmdStateChanged](bus)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func event(id, pub, cmdID string) *types.TermCmdStateChanged {
	return &types.TermCmdStateChanged{
		ID:  id,
		Pub: pub,
		Cmd: &types.TermCmd{ID: cmdID, Status: types.StatusSent},
		Tm:  1000,
	}
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestOutbound_WritesOnlyOwnEvents(t *testing.T) {
	sys, hub := newHub(t)
	w := &fakeWriter{}
	rl := relay.New("inst-a", hub, w, nil, nil)
	if err := rl.Start(sys); err != nil {
		t.Fatal(err)
	}
	defer rl.Close()

	_ = hub.Publish(event("e1", "inst-a", "c1"))
	_ = hub.Publish(event("e2", "inst-b", "c2"))
	_ = hub.Publish(event("e3", "inst-a", "c3"))

	if !waitFor(t, time.Second, func() bool { return len(w.written()) == 2 }) {
		t.Fatalf("written = %d, want 2", len(w.written()))
	}
	time.Sleep(20 * time.Millisecond)
	msgs := w.written()
	if len(msgs) != 2 || string(msgs[0].Key) != "c1" || string(msgs[1].Key) != "c3" {
		t.Fatalf("keys = %v", msgs)
	}
	var got types.TermCmdStateChanged
	if err := json.Unmarshal(msgs[0].Value, &got); err != nil || got.ID != "e1" {
		t.Errorf("payload = %s (%v)", msgs[0].Value, err)
	}
	if rl.Stats().Sent != 2 {
		t.Errorf("Sent = %d", rl.Stats().Sent)
	}
}

func TestOutbound_WriteFailureIsCounted(t *testing.T) {
	sys, hub := newHub(t)
	w := &fakeWriter{err: errors.New("broker down")}
	rl := relay.New("inst-a", hub, w, nil, nil)
	if err := rl.Start(sys); err != nil {
		t.Fatal(err)
	}
	defer rl.Close()

	_ = hub.Publish(event("e1", "inst-a", "c1"))
	if !waitFor(t, time.Second, func() bool { return rl.Stats().SendErrors == 1 }) {
		t.Fatal("write failure not counted")
	}
}

func TestInbound_RepublishesForeignEvents(t *testing.T) {
	sys, hub := newHub(t)
	r := &fakeReader{ch: make(chan kafka.Message, 4)}
	w := &fakeWriter{}
	rl := relay.New("inst-a", hub, w, r, nil)
	if err := rl.Start(sys); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var seen []string
	if _, err := hub.Register(func(e *types.TermCmdStateChanged) {
		mu.Lock()
		seen = append(seen, e.ID)
		mu.Unlock()
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rl.Run(ctx) }()

	own, _ := json.Marshal(event("e-own", "inst-a", "c1"))
	foreign, _ := json.Marshal(event("e-foreign", "inst-b", "c2"))
	r.ch <- kafka.Message{Value: own}
	r.ch <- kafka.Message{Value: []byte("{not json")}
	r.ch <- kafka.Message{Value: foreign}

	if !waitFor(t, time.Second, func() bool { return rl.Stats().Received == 1 }) {
		t.Fatal("foreign event not received")
	}
	if !waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}) {
		t.Fatal("foreign event not republished")
	}
	s := rl.Stats()
	if s.OwnSkipped != 1 || s.DecodeError != 1 {
		t.Errorf("stats = %+v", s)
	}
	// Republished events are not ours: nothing goes back out.
	time.Sleep(20 * time.Millisecond)
	if n := len(w.written()); n != 0 {
		t.Errorf("echoed %d events", n)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return on cancel")
	}
	_ = rl.Close()
}
