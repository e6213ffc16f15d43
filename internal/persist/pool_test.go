package persist_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/snehjoshi/gnssbus/internal/actor"
	"github.com/snehjoshi/gnssbus/internal/persist"
)

// The actor system hands detached work to a persist pool.
var _ actor.Executor = (*persist.Pool)(nil)

func newPool(t *testing.T, workers int) *persist.Pool {
	t.Helper()
	return newPoolSize(t, workers, 64)
}

func newPoolSize(t *testing.T, workers, queueSize int) *persist.Pool {
	t.Helper()
	p := persist.New("test", workers, queueSize, nil)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

func TestSubmit_SameKeyRunsInOrder(t *testing.T) {
	p := newPoolSize(t, 4, 256)

	var mu sync.Mutex
	seen := map[string][]int{}
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("cmd-%d", i%5)
		i := i
		if err := p.Submit(key, func(context.Context) error {
			mu.Lock()
			seen[key] = append(seen[key], i)
			mu.Unlock()
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}
	if err := p.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	for key, order := range seen {
		for j := 1; j < len(order); j++ {
			if order[j] < order[j-1] {
				t.Fatalf("%s ran out of order: %v", key, order)
			}
		}
	}
	if s := p.Stats(); s.Completed < 200 {
		t.Errorf("completed = %d", s.Completed)
	}
}

func TestDo_ReturnsJobError(t *testing.T) {
	p := newPool(t, 2)
	boom := errors.New("duplicate key")

	err := p.Do(context.Background(), "k", func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("Do = %v, want job error", err)
	}
	if p.Stats().Failed != 1 {
		t.Errorf("failed = %d", p.Stats().Failed)
	}
}

func TestDo_RespectsCallerContext(t *testing.T) {
	p := newPool(t, 1)
	release := make(chan struct{})
	defer close(release)

	_ = p.Submit("k", func(context.Context) error { <-release; return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := p.Do(ctx, "k", func(context.Context) error { return nil }); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Do = %v, want deadline exceeded", err)
	}
}

func TestPanickingJobIsContained(t *testing.T) {
	p := newPool(t, 1)
	err := p.Do(context.Background(), "k", func(context.Context) error { panic("bad row") })
	if err == nil {
		t.Fatal("expected error from panicking job")
	}
	if err := p.Do(context.Background(), "k", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("worker died after panic: %v", err)
	}
}

func TestClose_DrainsQueueAndRejectsNewWork(t *testing.T) {
	p := persist.New("drain", 2, 16, nil)
	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		_ = p.Submit(fmt.Sprint(i), func(context.Context) error {
			time.Sleep(time.Millisecond)
			ran.Add(1)
			return nil
		})
	}
	if err := p.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ran.Load() != 10 {
		t.Errorf("ran = %d, want all queued jobs", ran.Load())
	}
	if err := p.Submit("x", func(context.Context) error { return nil }); !errors.Is(err, persist.ErrClosed) {
		t.Errorf("Submit after close = %v", err)
	}
	if err := p.Close(context.Background()); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestSubmit_FullQueueRejectsWithoutBlocking(t *testing.T) {
	p := newPoolSize(t, 1, 1)
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	if err := p.Submit("k", func(context.Context) error {
		close(started)
		<-release
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	<-started
	if err := p.Submit("k", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("queued Submit = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- p.Submit("k", func(context.Context) error { return nil }) }()
	select {
	case err := <-done:
		if !errors.Is(err, persist.ErrQueueFull) {
			t.Fatalf("Submit on full queue = %v, want ErrQueueFull", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Submit blocked on a full queue")
	}
	if s := p.Stats(); s.Rejected != 1 || s.Submitted != 2 {
		t.Errorf("stats = %+v", s)
	}
}

func TestExecutor_DetachedWorkRunsOnPool(t *testing.T) {
	p := newPool(t, 2)
	var exec actor.Executor = p

	ran := make(chan string, 1)
	if err := exec.Submit("cmd-1", func(context.Context) error {
		ran <- "cmd-1"
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	select {
	case key := <-ran:
		if key != "cmd-1" {
			t.Errorf("ran %q", key)
		}
	case <-time.After(time.Second):
		t.Fatal("detached job never ran")
	}
}
