package broker_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/snehjoshi/gnssbus/internal/broker"
	"github.com/snehjoshi/gnssbus/internal/config"
	"github.com/snehjoshi/gnssbus/internal/errcode"
	"github.com/snehjoshi/gnssbus/internal/eventbus"
	"github.com/snehjoshi/gnssbus/internal/metrics"
	"github.com/snehjoshi/gnssbus/internal/termcmd"
	"github.com/snehjoshi/gnssbus/internal/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Node.DataDir = t.TempDir()
	cfg.Persist.Workers = 2
	cfg.Actor.DetachWorkers = 2
	return cfg
}

func newTestBroker(t *testing.T, cfg *config.Config, opts ...broker.Option) *broker.Broker {
	t.Helper()
	b, err := broker.New(context.Background(), cfg, "node-a", opts...)
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.Close(ctx); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return b
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

func waitStored(t *testing.T, b *broker.Broker, id string, want types.Status) {
	t.Helper()
	var last *types.TermCmd
	ok := waitFor(t, 2*time.Second, func() bool {
		cmd, err := b.StoredCmd(context.Background(), id)
		if err != nil {
			return false
		}
		last = cmd
		return cmd.Status == want
	})
	if !ok {
		t.Fatalf("stored %s = %+v, want status %s", id, last, types.StatusName(want))
	}
}

// ─── Command lifecycle ───────────────────────────────────────────────────────

func TestBroker_CommandLifecyclePersists(t *testing.T) {
	b := newTestBroker(t, testConfig(t))
	ctx := context.Background()
	svc := b.Commands()

	created, err := svc.Create(ctx, &types.TermCmd{AppID: "app", SimNo: "13800000001", MsgID: "8103"}, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID == "" || created.Status != types.StatusCreated {
		t.Fatalf("created = %+v", created)
	}
	waitStored(t, b, created.ID, types.StatusCreated)

	sent, err := svc.MarkSent(ctx, created, 1_700_000_000_000, types.Int(7))
	if err != nil || sent.Status != types.StatusSent {
		t.Fatalf("MarkSent = %+v, %v", sent, err)
	}
	acked, err := svc.MarkAck(ctx, sent, termcmd.Ack{AckTm: 1_700_000_000_500, AckCode: types.Int(0)})
	if err != nil || acked.Status != types.StatusAck {
		t.Fatalf("MarkAck = %+v, %v", acked, err)
	}

	waitStored(t, b, created.ID, types.StatusAck)
	cached, err := svc.Find(ctx, created.ID)
	if err != nil || cached.Status != types.StatusAck || *cached.MsgSn != 7 {
		t.Fatalf("Find = %+v, %v", cached, err)
	}
}

func TestBroker_StoredCmdNotFound(t *testing.T) {
	b := newTestBroker(t, testConfig(t))
	_, err := b.StoredCmd(context.Background(), "nope")
	if !errors.Is(err, errcode.NotFound("")) {
		t.Fatalf("StoredCmd = %v, want NotFound", err)
	}
	if _, err := b.StoredCmd(context.Background(), ""); !errors.Is(err, errcode.InvalidParam("")) {
		t.Fatalf("StoredCmd(\"\") = %v, want InvalidParam", err)
	}
}

func TestBroker_AckTimeoutCompletesCommand(t *testing.T) {
	cfg := testConfig(t)
	cfg.TermCmd.AckTimeout = "50ms"
	b := newTestBroker(t, cfg)

	created, err := b.Commands().Create(context.Background(), &types.TermCmd{SimNo: "1"}, false)
	if err != nil {
		t.Fatal(err)
	}
	waitStored(t, b, created.ID, types.StatusTimeout)
}

func TestBroker_PublishCreatedOnTermCmdTopic(t *testing.T) {
	b := newTestBroker(t, testConfig(t))

	var mu sync.Mutex
	var seen []string
	if _, err := b.Hubs().TermCmd.Register(func(c *types.TermCmd) {
		mu.Lock()
		seen = append(seen, c.ID)
		mu.Unlock()
	}); err != nil {
		t.Fatal(err)
	}
	created, err := b.Commands().Create(context.Background(), &types.TermCmd{SimNo: "1"}, true)
	if err != nil {
		t.Fatal(err)
	}
	if !waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1 && seen[0] == created.ID
	}) {
		t.Fatalf("TermCmd topic saw %v", seen)
	}
}

// ─── Ingest ──────────────────────────────────────────────────────────────────

func TestBroker_IngestPublishesTypedEvents(t *testing.T) {
	b := newTestBroker(t, testConfig(t))

	got := make(chan *types.OnlineOfflineNotif, 1)
	if _, err := b.Hubs().OnlineOfflineNotif.Register(func(n *types.OnlineOfflineNotif) { got <- n }); err != nil {
		t.Fatal(err)
	}
	if err := b.Ingest(eventbus.TopicOnlineOfflineNotif, []byte(`{"simNo":"13800000001","online":true}`)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	select {
	case n := <-got:
		if n.SimNo != "13800000001" || !n.Online || n.Tm == 0 {
			t.Errorf("notif = %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("notification not published")
	}
}

func TestBroker_IngestRejects(t *testing.T) {
	b := newTestBroker(t, testConfig(t))

	cases := []struct {
		topic string
		body  string
		want  error
	}{
		{"Nope", `{}`, errcode.NotFound("")},
		{eventbus.TopicTermCmdStateChanged, `{}`, errcode.InvalidParam("")},
		{eventbus.TopicEvent, `{not json`, errcode.InvalidParam("")},
	}
	for _, tc := range cases {
		if err := b.Ingest(tc.topic, []byte(tc.body)); !errors.Is(err, tc.want) {
			t.Errorf("Ingest(%s, %s) = %v, want %v", tc.topic, tc.body, err, tc.want)
		}
	}
}

// ─── Relay ───────────────────────────────────────────────────────────────────

type memWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *memWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	w.msgs = append(w.msgs, msgs...)
	w.mu.Unlock()
	return nil
}

func (w *memWriter) Close() error { return nil }

func (w *memWriter) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.msgs)
}

type chanReader struct{ ch chan kafka.Message }

func (r *chanReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.ch:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *chanReader) Close() error { return nil }

func TestBroker_RelaysStateChanges(t *testing.T) {
	w := &memWriter{}
	r := &chanReader{ch: make(chan kafka.Message, 1)}
	b := newTestBroker(t, testConfig(t), broker.WithRelayIO(w, r))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	created, err := b.Commands().Create(context.Background(), &types.TermCmd{SimNo: "1"}, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Commands().MarkSent(context.Background(), created, time.Now().UnixMilli(), nil); err != nil {
		t.Fatal(err)
	}
	if !waitFor(t, time.Second, func() bool { return w.len() == 1 }) {
		t.Fatalf("relay wrote %d messages, want 1", w.len())
	}

	foreign := make(chan *types.TermCmdStateChanged, 1)
	if _, err := b.Hubs().TermCmdStateChanged.Register(func(ev *types.TermCmdStateChanged) {
		if ev.Pub == "node-b" {
			foreign <- ev
		}
	}); err != nil {
		t.Fatal(err)
	}
	raw, _ := json.Marshal(&types.TermCmdStateChanged{ID: "ev1", Pub: "node-b", Cmd: &types.TermCmd{ID: "X", Status: types.StatusSent}})
	r.ch <- kafka.Message{Key: []byte("X"), Value: raw}

	select {
	case ev := <-foreign:
		if ev.Cmd.ID != "X" {
			t.Errorf("foreign event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("foreign event not republished")
	}
}

// ─── Metrics / membership ────────────────────────────────────────────────────

func TestBroker_MetricsCollectors(t *testing.T) {
	reg := &metrics.Registry{}
	b := newTestBroker(t, testConfig(t), broker.WithMetrics(reg))

	created, err := b.Commands().Create(context.Background(), &types.TermCmd{SimNo: "1"}, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Commands().MarkSent(context.Background(), created, time.Now().UnixMilli(), nil); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()
	scrape := func() string {
		resp, err := http.Get(srv.URL)
		if err != nil {
			return ""
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return string(body)
	}

	want := []string{
		`gnssbus_termcmd_transitions_total{status="sent"} 1`,
		`gnssbus_events_published_total{topic="TermCmdStateChanged"} 1`,
		"gnssbus_termcmd_created_total 1",
		`gnssbus_persist_pending{pool="dao"}`,
		"gnssbus_instances 1",
	}
	var body string
	ok := waitFor(t, time.Second, func() bool {
		body = scrape()
		for _, w := range want {
			if !strings.Contains(body, w) {
				return false
			}
		}
		return true
	})
	if !ok {
		t.Fatalf("metrics missing one of %q\nbody:\n%s", want, body)
	}
}

func TestBroker_StaticMembership(t *testing.T) {
	cfg := testConfig(t)
	cfg.Node.Port = 8181
	b := newTestBroker(t, cfg)

	members := b.Members()
	if len(members) != 1 || members[0].ID != "node-a" || members[0].Addr != "0.0.0.0:8181" {
		t.Fatalf("Members = %+v", members)
	}
	if b.NodeID() != "node-a" {
		t.Errorf("NodeID = %s", b.NodeID())
	}
}
