package memdb_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/snehjoshi/gnssbus/internal/memdb"
)

// fakeClock is a manually advanced time source.
type fakeClock struct{ ns atomic.Int64 }

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.ns.Store(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	return c
}

func (c *fakeClock) Now() time.Time          { return time.Unix(0, c.ns.Load()) }
func (c *fakeClock) Advance(d time.Duration) { c.ns.Add(int64(d)) }

var ctx = context.Background()

func TestLocal_SetGetDel(t *testing.T) {
	db := memdb.NewLocal()

	if _, ok, err := db.Get(ctx, "termcmd:", "a"); ok || err != nil {
		t.Fatalf("empty Get = ok:%v err:%v", ok, err)
	}
	if err := db.Set(ctx, "termcmd:", "a", "v1", time.Hour); err != nil {
		t.Fatal(err)
	}
	v, ok, _ := db.Get(ctx, "termcmd:", "a")
	if !ok || v != "v1" {
		t.Fatalf("Get = %q %v", v, ok)
	}
	// Prefixes are independent namespaces.
	if _, ok, _ := db.Get(ctx, "termcmd:ext:", "a"); ok {
		t.Fatal("key leaked across prefixes")
	}
	_ = db.Del(ctx, "termcmd:", "a")
	if _, ok, _ := db.Get(ctx, "termcmd:", "a"); ok {
		t.Fatal("key survived Del")
	}
	if err := db.Del(ctx, "termcmd:", "missing"); err != nil {
		t.Fatalf("Del missing: %v", err)
	}
}

func TestLocal_PerEntryExpiry(t *testing.T) {
	clk := newFakeClock()
	db := memdb.NewLocal(memdb.WithClock(clk.Now))

	_ = db.Set(ctx, "p:", "short", "1", time.Minute)
	_ = db.Set(ctx, "p:", "long", "2", time.Hour)
	_ = db.Set(ctx, "p:", "forever", "3", 0)

	clk.Advance(2 * time.Minute)
	if _, ok, _ := db.Get(ctx, "p:", "short"); ok {
		t.Error("short entry should have expired")
	}
	if _, ok, _ := db.Get(ctx, "p:", "long"); !ok {
		t.Error("long entry expired early")
	}

	clk.Advance(100 * time.Hour)
	if _, ok, _ := db.Get(ctx, "p:", "forever"); !ok {
		t.Error("ttl 0 must never expire")
	}
}

func TestLocal_ExpiredReadEvicts(t *testing.T) {
	clk := newFakeClock()
	db := memdb.NewLocal(memdb.WithClock(clk.Now))

	_ = db.Set(ctx, "p:", "k", "v", time.Second)
	clk.Advance(2 * time.Second)
	_, _, _ = db.Get(ctx, "p:", "k")
	if db.Len() != 0 {
		t.Fatalf("Len = %d after reading an expired entry", db.Len())
	}
}

func TestLocal_SweepOnInsert(t *testing.T) {
	clk := newFakeClock()
	db := memdb.NewLocal(memdb.WithClock(clk.Now), memdb.WithSweepEvery(10))

	for i := 0; i < 9; i++ {
		_ = db.Set(ctx, "p:", fmt.Sprint(i), "v", time.Second)
	}
	clk.Advance(time.Minute)
	// The 10th insert triggers the sweep.
	_ = db.Set(ctx, "p:", "fresh", "v", time.Hour)

	if db.Len() != 1 {
		t.Fatalf("Len = %d, want only the fresh entry", db.Len())
	}
}

func TestLocal_ResetOverwritesExpiry(t *testing.T) {
	clk := newFakeClock()
	db := memdb.NewLocal(memdb.WithClock(clk.Now))

	_ = db.Set(ctx, "p:", "k", "old", time.Second)
	clk.Advance(2 * time.Second)
	_ = db.Set(ctx, "p:", "k", "new", time.Hour)
	if n := db.Sweep(); n != 0 {
		t.Fatalf("Sweep evicted %d entries, the fresh write must survive", n)
	}
	if v, ok, _ := db.Get(ctx, "p:", "k"); !ok || v != "new" {
		t.Fatalf("Get = %q %v", v, ok)
	}
}

func TestLocal_ConcurrentAccess(t *testing.T) {
	db := memdb.NewLocal(memdb.WithSweepEvery(50))
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				k := fmt.Sprintf("%d-%d", w, i%20)
				_ = db.Set(ctx, "c:", k, "v", time.Millisecond*time.Duration(i%3))
				_, _, _ = db.Get(ctx, "c:", k)
				if i%7 == 0 {
					_ = db.Del(ctx, "c:", k)
				}
			}
		}(w)
	}
	wg.Wait()
}
