package termcmd_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/snehjoshi/gnssbus/internal/actor"
	"github.com/snehjoshi/gnssbus/internal/errcode"
	"github.com/snehjoshi/gnssbus/internal/eventbus"
	"github.com/snehjoshi/gnssbus/internal/memdb"
	"github.com/snehjoshi/gnssbus/internal/persist"
	"github.com/snehjoshi/gnssbus/internal/storage"
	"github.com/snehjoshi/gnssbus/internal/storage/bolt"
	"github.com/snehjoshi/gnssbus/internal/termcmd"
	"github.com/snehjoshi/gnssbus/internal/types"
)

var ctx = context.Background()

// ─── Fixture ─────────────────────────────────────────────────────────────────

type fakeClock struct{ ms atomic.Int64 }

func (c *fakeClock) Now() time.Time          { return time.UnixMilli(c.ms.Load()) }
func (c *fakeClock) Advance(d time.Duration) { c.ms.Add(d.Milliseconds()) }

type seqIDs struct{ n atomic.Int32 }

func (s *seqIDs) Next() (string, error) { return fmt.Sprintf("G%d", s.n.Add(1)), nil }

type recorder[E any] struct {
	mu    sync.Mutex
	items []E
}

func (r *recorder[E]) add(e E) {
	r.mu.Lock()
	r.items = append(r.items, e)
	r.mu.Unlock()
}

func (r *recorder[E]) snapshot() []E {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]E(nil), r.items...)
}

func (r *recorder[E]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
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

// countingDao counts status updates and can fail or delay inserts.
type countingDao struct {
	storage.TermCmdDao
	createErr   error
	createDelay time.Duration
	updates     atomic.Int32
}

func (d *countingDao) CreateTermCmd(ctx context.Context, cmd *types.TermCmd) error {
	if d.createErr != nil {
		return d.createErr
	}
	time.Sleep(d.createDelay)
	return d.TermCmdDao.CreateTermCmd(ctx, cmd)
}

func (d *countingDao) MarkCmdSent(ctx context.Context, cmd *types.TermCmd) error {
	d.updates.Add(1)
	return d.TermCmdDao.MarkCmdSent(ctx, cmd)
}

func (d *countingDao) MarkCmdAck(ctx context.Context, cmd *types.TermCmd) error {
	d.updates.Add(1)
	return d.TermCmdDao.MarkCmdAck(ctx, cmd)
}

func (d *countingDao) MarkCmdCompleted(ctx context.Context, cmd *types.TermCmd) error {
	d.updates.Add(1)
	return d.TermCmdDao.MarkCmdCompleted(ctx, cmd)
}

type fixture struct {
	sys     *actor.System
	hubs    *eventbus.Hubs
	store   *bolt.Dao
	dao     *countingDao
	pool    *persist.Pool
	clock   *fakeClock
	c       *termcmd.Commander
	changes *recorder[*types.TermCmdStateChanged]
	created *recorder[*types.TermCmd]
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithPool(t, persist.New("dao", 4, 64, nil))
}

func newFixtureWithPool(t *testing.T, pool *persist.Pool) *fixture {
	t.Helper()
	f := &fixture{
		pool:    pool,
		clock:   &fakeClock{},
		changes: &recorder[*types.TermCmdStateChanged]{},
		created: &recorder[*types.TermCmd]{},
	}
	f.clock.ms.Store(time.Now().UnixMilli())

	f.sys = actor.NewSystem("termcmd-test")
	bus, err := eventbus.Start(f.sys)
	if err != nil {
		t.Fatalf("eventbus.Start: %v", err)
	}
	f.hubs = eventbus.NewHubs(bus)
	if _, err := f.hubs.TermCmdStateChanged.Register(f.changes.add); err != nil {
		t.Fatal(err)
	}
	if _, err := f.hubs.TermCmd.Register(f.created.add); err != nil {
		t.Fatal(err)
	}

	f.store, err = bolt.Open(filepath.Join(t.TempDir(), "gnssbus.db"), nil)
	if err != nil {
		t.Fatalf("bolt.Open: %v", err)
	}
	f.store.SetClock(f.clock.Now)
	f.dao = &countingDao{TermCmdDao: f.store}

	f.c = termcmd.New(
		termcmd.Config{InstanceID: "inst-1"},
		f.dao,
		memdb.NewLocal(memdb.WithClock(f.clock.Now)),
		f.hubs,
		f.pool,
		termcmd.WithIDGenerator(&seqIDs{}),
		termcmd.WithClock(f.clock.Now),
	)

	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.pool.Close(sctx)
		_ = f.sys.Stop(sctx)
		_ = f.store.Close()
	})
	return f
}

func (f *fixture) create(t *testing.T, cmd *types.TermCmd) *types.TermCmd {
	t.Helper()
	got, err := f.c.CreateCmd(ctx, cmd, false)
	if err != nil {
		t.Fatalf("CreateCmd: %v", err)
	}
	return got
}

func (f *fixture) row(t *testing.T, id string) *types.TermCmd {
	t.Helper()
	if err := f.pool.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	row, err := f.store.FindTermCmd(ctx, id)
	if err != nil {
		t.Fatalf("FindTermCmd(%s): %v", id, err)
	}
	return row
}

func (f *fixture) find(t *testing.T, id string) *types.TermCmd {
	t.Helper()
	got, ok, err := f.c.FindCmd(ctx, id)
	if err != nil || !ok {
		t.Fatalf("FindCmd(%s) = %v, %v", id, ok, err)
	}
	return got
}

func newCmd() *types.TermCmd {
	return &types.TermCmd{AppID: "A1", SimNo: "13800000000", MsgID: "8103"}
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestLifecycle_CreateSentAck(t *testing.T) {
	f := newFixture(t)

	cmd, err := f.c.CreateCmd(ctx, newCmd(), true)
	if err != nil {
		t.Fatalf("CreateCmd: %v", err)
	}
	if cmd.ID != "G1" || cmd.Status != types.StatusCreated {
		t.Fatalf("created = %s/%d, want G1/created", cmd.ID, cmd.Status)
	}
	if cmd.ReqTm != f.clock.Now().UnixMilli() {
		t.Errorf("reqTm = %d, want now", cmd.ReqTm)
	}

	found := f.find(t, "G1")
	a, _ := json.Marshal(found)
	b, _ := json.Marshal(cmd)
	if string(a) != string(b) {
		t.Errorf("FindCmd = %s, want %s", a, b)
	}
	if !waitFor(t, time.Second, func() bool { return f.created.len() == 1 }) {
		t.Fatal("created command was not published")
	}

	f.c.MarkCmdSent(ctx, cmd, 1000, types.Int(7))
	if !waitFor(t, time.Second, func() bool { return f.changes.len() == 1 }) {
		t.Fatal("no state change after MarkCmdSent")
	}
	ev := f.changes.snapshot()[0]
	if ev.Cmd.Status != types.StatusSent || *ev.Cmd.SentTm != 1000 || *ev.Cmd.MsgSn != 7 {
		t.Errorf("sent event = %+v", ev.Cmd)
	}
	if ev.Pub != "inst-1" || ev.ID == "" {
		t.Errorf("event pub/id = %q/%q", ev.Pub, ev.ID)
	}
	if row := f.row(t, "G1"); row.Status != types.StatusSent || *row.SentTm != 1000 {
		t.Errorf("row after sent = %d/%v", row.Status, row.SentTm)
	}

	f.c.MarkCmdAck(ctx, cmd, termcmd.Ack{AckTm: 2000, AckMsgID: "0001", AckSeqNo: types.Int(9), AckCode: types.Int(0)})
	if !waitFor(t, time.Second, func() bool { return f.changes.len() == 2 }) {
		t.Fatal("no state change after MarkCmdAck")
	}
	ev = f.changes.snapshot()[1]
	if ev.Cmd.Status != types.StatusAck || *ev.Cmd.EndTm != 2000 || *ev.Cmd.AckTm != 2000 {
		t.Errorf("ack event = %+v", ev.Cmd)
	}
	if ev.Cmd.AckMsgID != "0001" || *ev.Cmd.AckSeqNo != 9 {
		t.Errorf("ack msg id/seq = %q/%v", ev.Cmd.AckMsgID, ev.Cmd.AckSeqNo)
	}
	if ev.ID == f.changes.snapshot()[0].ID {
		t.Error("events share a correlation id")
	}
	if row := f.row(t, "G1"); row.Status != types.StatusAck || *row.EndTm != 2000 {
		t.Errorf("row after ack = %d/%v", row.Status, row.EndTm)
	}
	if got := f.find(t, "G1"); got.Status != types.StatusAck {
		t.Errorf("cached status = %d", got.Status)
	}
}

func TestCreateCmd_ReturnsCopy(t *testing.T) {
	f := newFixture(t)
	cmd := f.create(t, newCmd())

	cmd.SimNo = "mutated"
	cmd.Status = types.StatusAck
	if got := f.find(t, cmd.ID); got.SimNo != "13800000000" || got.Status != types.StatusCreated {
		t.Errorf("cache changed through returned value: %+v", got)
	}
}

func TestCreateCmd_KeepsCallerID(t *testing.T) {
	f := newFixture(t)
	cmd := newCmd()
	cmd.ID = "custom"
	if got := f.create(t, cmd); got.ID != "custom" {
		t.Errorf("id = %s", got.ID)
	}
}

func TestCreateCmd_NoPublishByDefault(t *testing.T) {
	f := newFixture(t)
	f.create(t, newCmd())
	time.Sleep(50 * time.Millisecond)
	if f.created.len() != 0 {
		t.Errorf("created published %d times", f.created.len())
	}
}

func TestCreateCmd_DuplicateIsConflict(t *testing.T) {
	f := newFixture(t)
	first := newCmd()
	first.ID = "dup"
	f.create(t, first)

	again := newCmd()
	again.ID = "dup"
	_, err := f.c.CreateCmd(ctx, again, false)
	e, ok := errcode.As(err)
	if !ok || e.Code != errcode.CodeConflict {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestCreateCmd_PersistFailurePropagates(t *testing.T) {
	f := newFixture(t)
	down := errors.New("db unavailable")
	f.dao.createErr = down

	_, err := f.c.CreateCmd(ctx, newCmd(), true)
	if !errors.Is(err, down) {
		t.Fatalf("err = %v, want db error", err)
	}
	if _, ok, _ := f.c.FindCmd(ctx, "G1"); ok {
		t.Error("failed create was cached")
	}
}

func TestCreateCmd_LateInsertIsStillCached(t *testing.T) {
	f := newFixture(t)
	f.dao.createDelay = 100 * time.Millisecond

	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if _, err := f.c.CreateCmd(cctx, newCmd(), false); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}

	if !waitFor(t, 2*time.Second, func() bool {
		_, ok, _ := f.c.FindCmd(ctx, "G1")
		return ok
	}) {
		t.Fatal("durable row never cached")
	}
	if row := f.row(t, "G1"); row.Status != types.StatusCreated {
		t.Errorf("row = %+v", row)
	}
	if s := f.c.Stats(); s.Created != 1 {
		t.Errorf("Created = %d", s.Created)
	}

	f.c.MarkCmdSent(ctx, &types.TermCmd{ID: "G1"}, 1000, nil)
	if got := f.find(t, "G1"); got.Status != types.StatusSent {
		t.Errorf("status after late create = %d", got.Status)
	}
}

func TestCreateCmd_RejectsNonCreatedStatus(t *testing.T) {
	f := newFixture(t)
	cmd := newCmd()
	cmd.Status = types.StatusSent
	if _, err := f.c.CreateCmd(ctx, cmd, false); !errors.Is(err, errcode.InvalidParam("status")) {
		t.Fatalf("err = %v", err)
	}
}

func TestMark_UncachedIsBestEffortSkip(t *testing.T) {
	f := newFixture(t)
	cmd := &types.TermCmd{ID: "elsewhere", AppID: "A1", SimNo: "1"}

	got := f.c.MarkCmdSent(ctx, cmd, 1000, types.Int(1))
	if got != cmd || cmd.Status != types.StatusSent || *cmd.SentTm != 1000 {
		t.Errorf("caller object not updated: %+v", cmd)
	}
	f.c.MarkCmdAck(ctx, cmd, termcmd.Ack{AckTm: 2000})
	if *cmd.EndTm != 2000 {
		t.Errorf("endTm = %v", cmd.EndTm)
	}

	_ = f.pool.Flush(ctx)
	time.Sleep(30 * time.Millisecond)
	if f.changes.len() != 0 || f.dao.updates.Load() != 0 {
		t.Errorf("events = %d, updates = %d, want none", f.changes.len(), f.dao.updates.Load())
	}
	if s := f.c.Stats(); s.SkippedMiss != 2 {
		t.Errorf("SkippedMiss = %d", s.SkippedMiss)
	}
}

func TestMarkCompleted_AckStatusIsInvalidParam(t *testing.T) {
	f := newFixture(t)
	cmd := f.create(t, newCmd())

	for _, status := range []int{types.StatusAck, types.StatusCreated, types.StatusSent, 42} {
		_, err := f.c.MarkCmdCompleted(ctx, cmd, status, 3000)
		e, ok := errcode.As(err)
		if !ok || e.Code != errcode.CodeInvalidParam {
			t.Errorf("status %d: err = %v, want invalid param", status, err)
		}
	}
	if cmd.Status != types.StatusCreated || cmd.EndTm != nil {
		t.Errorf("caller object mutated: %+v", cmd)
	}
	if got := f.find(t, cmd.ID); got.Status != types.StatusCreated {
		t.Errorf("cached status = %d", got.Status)
	}
	time.Sleep(30 * time.Millisecond)
	if f.changes.len() != 0 {
		t.Errorf("events = %d", f.changes.len())
	}
}

func TestMarkCompleted_DirectFromCreated(t *testing.T) {
	f := newFixture(t)
	cmd := f.create(t, newCmd())

	if _, err := f.c.MarkCmdCompleted(ctx, cmd, types.StatusOffline, 3000); err != nil {
		t.Fatal(err)
	}
	if !waitFor(t, time.Second, func() bool { return f.changes.len() == 1 }) {
		t.Fatal("no event")
	}
	if row := f.row(t, cmd.ID); row.Status != types.StatusOffline || *row.EndTm != 3000 {
		t.Errorf("row = %d/%v", row.Status, row.EndTm)
	}
}

func TestMark_StatusNeverRegresses(t *testing.T) {
	f := newFixture(t)
	cmd := f.create(t, newCmd())

	f.c.MarkCmdAck(ctx, cmd.Clone(), termcmd.Ack{AckTm: 2000})
	f.c.MarkCmdSent(ctx, cmd.Clone(), 1000, nil)
	_, _ = f.c.MarkCmdCompleted(ctx, cmd.Clone(), types.StatusTimeout, 3000)
	f.c.MarkCmdAck(ctx, cmd.Clone(), termcmd.Ack{AckTm: 4000})
	_, _ = f.c.MarkCmdCompleted(ctx, cmd.Clone(), types.StatusCancelled, 5000)

	time.Sleep(50 * time.Millisecond)
	evs := f.changes.snapshot()
	if len(evs) != 2 || evs[0].Cmd.Status != types.StatusAck || evs[1].Cmd.Status != types.StatusTimeout {
		t.Fatalf("events = %d, want ack then timeout", len(evs))
	}
	if s := f.c.Stats(); s.SkippedStale != 3 {
		t.Errorf("SkippedStale = %d", s.SkippedStale)
	}
	got := f.find(t, cmd.ID)
	if got.Status != types.StatusTimeout || *got.AckTm != 2000 || *got.EndTm != 3000 {
		t.Errorf("cached = %d/%v/%v", got.Status, got.AckTm, got.EndTm)
	}
	if row := f.row(t, cmd.ID); row.Status != types.StatusTimeout || *row.EndTm != 3000 {
		t.Errorf("row = %d/%v", row.Status, row.EndTm)
	}
}

func TestMarkSent_ResendRefreshesFields(t *testing.T) {
	f := newFixture(t)
	cmd := f.create(t, newCmd())

	f.c.MarkCmdSent(ctx, cmd.Clone(), 1000, types.Int(7))
	f.c.MarkCmdSent(ctx, cmd.Clone(), 1500, types.Int(8))

	if !waitFor(t, time.Second, func() bool { return f.changes.len() == 2 }) {
		t.Fatalf("events = %d, want 2", f.changes.len())
	}
	got := f.find(t, cmd.ID)
	if got.Status != types.StatusSent || *got.SentTm != 1500 || *got.MsgSn != 8 {
		t.Errorf("cached = %d/%v/%v", got.Status, got.SentTm, got.MsgSn)
	}
	if row := f.row(t, cmd.ID); *row.SentTm != 1500 || *row.MsgSn != 8 {
		t.Errorf("row sent %d/%d", *row.SentTm, *row.MsgSn)
	}
}

func TestMarkCompleted_AfterAck(t *testing.T) {
	f := newFixture(t)
	cmd := f.create(t, newCmd())

	f.c.MarkCmdAck(ctx, cmd.Clone(), termcmd.Ack{AckTm: 2000, AckCode: types.Int(0)})
	if _, err := f.c.MarkCmdCompleted(ctx, cmd.Clone(), types.StatusCancelled, 2500); err != nil {
		t.Fatal(err)
	}

	if !waitFor(t, time.Second, func() bool { return f.changes.len() == 2 }) {
		t.Fatalf("events = %d, want 2", f.changes.len())
	}
	if got := f.find(t, cmd.ID); got.Status != types.StatusCancelled || *got.AckCode != 0 {
		t.Errorf("cached = %+v", got)
	}
	if row := f.row(t, cmd.ID); row.Status != types.StatusCancelled || *row.EndTm != 2500 {
		t.Errorf("row = %d/%v", row.Status, row.EndTm)
	}
}

func TestMarkSent_ConcurrentCallsSerialize(t *testing.T) {
	f := newFixture(t)
	cmd := f.create(t, newCmd())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f.c.MarkCmdSent(ctx, cmd.Clone(), int64(1000+i), types.Int(i))
		}(i)
	}
	wg.Wait()

	if !waitFor(t, time.Second, func() bool { return f.changes.len() == 16 }) {
		t.Fatalf("events = %d, want 16", f.changes.len())
	}
	cached := f.find(t, cmd.ID)
	row := f.row(t, cmd.ID)
	if *row.SentTm != *cached.SentTm || *row.MsgSn != *cached.MsgSn {
		t.Errorf("row sent %d/%d, cached sent %d/%d", *row.SentTm, *row.MsgSn, *cached.SentTm, *cached.MsgSn)
	}
	if int64(*row.MsgSn)+1000 != *row.SentTm {
		t.Errorf("fields from different writers: sentTm=%d msgSn=%d", *row.SentTm, *row.MsgSn)
	}
	if n := f.dao.updates.Load(); n != 16 {
		t.Errorf("updates = %d, want 16", n)
	}
}

func TestMark_FullPersistQueueDoesNotBlock(t *testing.T) {
	f := newFixtureWithPool(t, persist.New("dao", 1, 1, nil))
	cmd := f.create(t, newCmd())

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	_ = f.pool.Submit("busy", func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started
	_ = f.pool.Submit("queued", func(context.Context) error { return nil })

	done := make(chan struct{})
	go func() {
		f.c.MarkCmdSent(ctx, cmd.Clone(), 1000, nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("MarkCmdSent blocked on a full persistence queue")
	}

	if s := f.c.Stats(); s.PersistRejects != 1 || s.Transitions != 1 {
		t.Errorf("stats = %+v", s)
	}
	if got := f.find(t, cmd.ID); got.Status != types.StatusSent {
		t.Errorf("cached status = %d", got.Status)
	}
	if !waitFor(t, time.Second, func() bool { return f.changes.len() == 1 }) {
		t.Error("state change not published")
	}
}

func TestFindCmdByExternalID(t *testing.T) {
	f := newFixture(t)
	cmd := newCmd()
	cmd.ExternalID = "ext-1"
	created := f.create(t, cmd)

	got, ok, err := f.c.FindCmdByExternalID(ctx, "ext-1")
	if err != nil || !ok || got.ID != created.ID {
		t.Fatalf("FindCmdByExternalID = %v, %v, %v", got, ok, err)
	}

	f.c.MarkCmdSent(ctx, created, 1000, nil)
	got, _, _ = f.c.FindCmdByExternalID(ctx, "ext-1")
	if got.Status != types.StatusSent {
		t.Errorf("external entry status = %d", got.Status)
	}

	if _, _, err := f.c.FindCmdByExternalID(ctx, ""); !errors.Is(err, errcode.InvalidParam("externalId")) {
		t.Errorf("empty external id err = %v", err)
	}
	if _, ok, err := f.c.FindCmdByExternalID(ctx, "nope"); ok || err != nil {
		t.Errorf("miss = %v, %v", ok, err)
	}
}

func TestCache_RetentionWindows(t *testing.T) {
	f := newFixture(t)
	cmd := newCmd()
	cmd.ExternalID = "ext-2"
	created := f.create(t, cmd)

	f.clock.Advance(termcmd.DefaultRetention + time.Second)
	if _, ok, _ := f.c.FindCmd(ctx, created.ID); ok {
		t.Error("id entry outlived retention")
	}
	if _, ok, _ := f.c.FindCmdByExternalID(ctx, "ext-2"); !ok {
		t.Error("external entry expired with the id entry")
	}

	// Expired from the working set: marks are skipped, the row stays.
	f.c.MarkCmdSent(ctx, created, 1000, nil)
	if row := f.row(t, created.ID); row.Status != types.StatusCreated {
		t.Errorf("row status = %d", row.Status)
	}

	f.clock.Advance(5 * time.Second)
	if _, ok, _ := f.c.FindCmdByExternalID(ctx, "ext-2"); ok {
		t.Error("external entry outlived its retention")
	}
}
