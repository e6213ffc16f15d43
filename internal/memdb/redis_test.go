package memdb_test

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/snehjoshi/gnssbus/internal/memdb"
)

// fakeRedis answers GET, SET, DEL and PTTL from memory. Installed as a hook
// it never calls next, so the client never dials.
type fakeRedis struct {
	mu    sync.Mutex
	data  map[string]fakeValue
	calls map[string]int
	fail  error
}

type fakeValue struct {
	v        string
	expireAt time.Time // zero = no expiry
}

func newFakeRedis(t *testing.T) (*fakeRedis, *redis.Client) {
	t.Helper()
	f := &fakeRedis{data: map[string]fakeValue{}, calls: map[string]int{}}
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	client.AddHook(f)
	return f, client
}

func (f *fakeRedis) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeRedis) DialHook(next redis.DialHook) redis.DialHook { return next }

func (f *fakeRedis) ProcessHook(redis.ProcessHook) redis.ProcessHook {
	return func(_ context.Context, cmd redis.Cmder) error { return f.apply(cmd) }
}

func (f *fakeRedis) ProcessPipelineHook(redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(_ context.Context, cmds []redis.Cmder) error {
		var first error
		for _, cmd := range cmds {
			if err := f.apply(cmd); err != nil && first == nil {
				first = err
			}
		}
		return first
	}
}

func (f *fakeRedis) apply(cmd redis.Cmder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := strings.ToLower(cmd.Name())
	f.calls[name]++
	if f.fail != nil {
		cmd.SetErr(f.fail)
		return f.fail
	}

	args := cmd.Args()
	key := fmt.Sprint(args[1])
	cur, ok := f.data[key]
	if ok && !cur.expireAt.IsZero() && !time.Now().Before(cur.expireAt) {
		delete(f.data, key)
		ok = false
	}

	switch c := cmd.(type) {
	case *redis.StringCmd: // GET
		if !ok {
			c.SetErr(redis.Nil)
			return redis.Nil
		}
		c.SetVal(cur.v)
	case *redis.StatusCmd: // SET key value [PX ms | EX s]
		val := fakeValue{v: fmt.Sprint(args[2])}
		if len(args) == 5 {
			n, _ := strconv.ParseInt(fmt.Sprint(args[4]), 10, 64)
			unit := time.Second
			if strings.EqualFold(fmt.Sprint(args[3]), "px") {
				unit = time.Millisecond
			}
			val.expireAt = time.Now().Add(time.Duration(n) * unit)
		}
		f.data[key] = val
		c.SetVal("OK")
	case *redis.IntCmd: // DEL
		if ok {
			delete(f.data, key)
			c.SetVal(1)
		} else {
			c.SetVal(0)
		}
	case *redis.DurationCmd: // PTTL
		switch {
		case !ok:
			c.SetVal(-2)
		case cur.expireAt.IsZero():
			c.SetVal(-1)
		default:
			c.SetVal(time.Until(cur.expireAt))
		}
	default:
		return fmt.Errorf("fake redis: unsupported %s", name)
	}
	return nil
}

func TestRedis_SetGetDel(t *testing.T) {
	f, client := newFakeRedis(t)
	db := memdb.NewRedis(client, 0)
	t.Cleanup(func() { _ = db.Close() })

	if _, ok, err := db.Get(ctx, "termcmd:", "a"); ok || err != nil {
		t.Fatalf("empty Get = ok:%v err:%v", ok, err)
	}
	if err := db.Set(ctx, "termcmd:", "a", "v1", time.Hour); err != nil {
		t.Fatal(err)
	}
	if v, ok, err := db.Get(ctx, "termcmd:", "a"); !ok || err != nil || v != "v1" {
		t.Fatalf("Get = %q %v %v", v, ok, err)
	}
	if err := db.Del(ctx, "termcmd:", "a"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := db.Get(ctx, "termcmd:", "a"); ok {
		t.Error("Get after Del hit")
	}
	if n := f.count("get"); n != 3 {
		t.Errorf("redis GETs = %d, want every read to reach redis", n)
	}
}

func TestRedis_FrontServesRepeatedReads(t *testing.T) {
	f, client := newFakeRedis(t)
	db := memdb.NewRedis(client, time.Minute)

	_ = db.Set(ctx, "termcmd:", "a", "v1", time.Hour)
	for i := 0; i < 5; i++ {
		if v, ok, _ := db.Get(ctx, "termcmd:", "a"); !ok || v != "v1" {
			t.Fatalf("Get #%d = %q %v", i, v, ok)
		}
	}
	if n := f.count("get"); n != 0 {
		t.Errorf("redis GETs = %d, want reads served locally after Set", n)
	}
}

func TestRedis_FrontFillsFromRedis(t *testing.T) {
	f, client := newFakeRedis(t)
	writer := memdb.NewRedis(client, 0)
	reader := memdb.NewRedis(client, time.Minute)

	_ = writer.Set(ctx, "termcmd:", "a", "v1", time.Hour)
	for i := 0; i < 3; i++ {
		if v, ok, _ := reader.Get(ctx, "termcmd:", "a"); !ok || v != "v1" {
			t.Fatalf("Get #%d = %q %v", i, v, ok)
		}
	}
	if n := f.count("get"); n != 1 {
		t.Errorf("redis GETs = %d, want 1", n)
	}
}

func TestRedis_FrontNeverOutlivesRedisTTL(t *testing.T) {
	_, client := newFakeRedis(t)
	db := memdb.NewRedis(client, time.Hour)

	if err := db.Set(ctx, "termcmd:", "a", "v1", 40*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := db.Get(ctx, "termcmd:", "a"); !ok {
		t.Fatal("fresh key missed")
	}
	time.Sleep(80 * time.Millisecond)
	if _, ok, _ := db.Get(ctx, "termcmd:", "a"); ok {
		t.Error("local copy outlived the redis key")
	}
}

func TestRedis_DelInvalidatesFront(t *testing.T) {
	_, client := newFakeRedis(t)
	db := memdb.NewRedis(client, time.Hour)

	_ = db.Set(ctx, "termcmd:", "a", "v1", time.Hour)
	_ = db.Del(ctx, "termcmd:", "a")
	if _, ok, _ := db.Get(ctx, "termcmd:", "a"); ok {
		t.Error("Get after Del served the local copy")
	}
}

func TestRedis_ErrorsPropagate(t *testing.T) {
	f, client := newFakeRedis(t)
	db := memdb.NewRedis(client, time.Minute)
	f.fail = errors.New("connection reset")

	if _, _, err := db.Get(ctx, "termcmd:", "a"); err == nil {
		t.Error("Get swallowed the redis error")
	}
	if err := db.Set(ctx, "termcmd:", "a", "v1", time.Hour); err == nil {
		t.Error("Set swallowed the redis error")
	}
	if err := db.Del(ctx, "termcmd:", "a"); err == nil {
		t.Error("Del swallowed the redis error")
	}
	// A failed Set must not leave a local copy behind.
	f.mu.Lock()
	f.fail = nil
	f.mu.Unlock()
	if _, ok, _ := db.Get(ctx, "termcmd:", "a"); ok {
		t.Error("failed Set was cached locally")
	}
}
