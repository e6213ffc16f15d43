package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// FireFunc is called from the scheduler goroutine when a deadline is due. It
// must not block for long.
type FireFunc func(key, kind string)

// Scheduler fires keyed deadlines at or after their due time.
//
//	s := scheduler.New()
//	s.Start(ctx, func(key, kind string) { ... })
//	defer s.Stop()
//	s.Schedule(cmdID, "ack_timeout", time.Now().Add(30*time.Second))
//
// All methods are safe for concurrent use.
type Scheduler struct {
	mu    sync.Mutex
	h     deadlineHeap
	byKey map[string]*deadline

	notify chan struct{}
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// New creates a stopped Scheduler. Call Start to begin firing.
func New() *Scheduler {
	h := make(deadlineHeap, 0, 64)
	heap.Init(&h)
	return &Scheduler{
		h:      h,
		byKey:  make(map[string]*deadline),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Schedule sets the deadline for key, replacing any pending one. A due time
// in the past fires promptly.
func (s *Scheduler) Schedule(key, kind string, due time.Time) {
	s.mu.Lock()
	if prev, ok := s.byKey[key]; ok {
		prev.cancelled = true
		s.h.remove(prev.idx)
		delete(s.byKey, key)
	}
	d := &deadline{key: key, kind: kind, due: due.UnixMilli()}
	heap.Push(&s.h, d)
	s.byKey[key] = d
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Cancel drops the pending deadline for key. It reports whether one existed.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.byKey[key]
	if !ok {
		return false
	}
	d.cancelled = true
	s.h.remove(d.idx)
	delete(s.byKey, key)
	return true
}

// Len returns the number of pending deadlines.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey)
}

// CountByKind returns the number of pending deadlines of the given kind.
func (s *Scheduler) CountByKind(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.byKey {
		if d.kind == kind {
			n++
		}
	}
	return n
}

// Start launches the firing goroutine. It must be called exactly once.
func (s *Scheduler) Start(ctx context.Context, fire FireFunc) {
	s.wg.Add(1)
	go s.run(ctx, fire)
}

// Stop shuts the goroutine down and waits for it. Pending deadlines are
// abandoned.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}

// ─── firing goroutine ────────────────────────────────────────────────────────

func (s *Scheduler) run(ctx context.Context, fire FireFunc) {
	defer s.wg.Done()

	var t *time.Timer
	defer func() {
		if t != nil {
			t.Stop()
		}
	}()

	for {
		s.mu.Lock()
		next := s.peek()
		s.mu.Unlock()

		if next == nil {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-s.notify:
			}
			continue
		}

		wait := time.Until(time.UnixMilli(next.due))
		if wait <= 0 {
			s.fireRoot(fire)
			continue
		}

		if t == nil {
			t = time.NewTimer(wait)
		} else {
			t.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.notify:
			// A sooner deadline may have arrived.
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
		case <-t.C:
			s.fireRoot(fire)
		}
	}
}

func (s *Scheduler) fireRoot(fire FireFunc) {
	s.mu.Lock()
	d := s.popDue(time.Now().UnixMilli())
	s.mu.Unlock()
	if d != nil {
		fire(d.key, d.kind)
	}
}

// peek returns the root, or nil. Caller holds s.mu.
func (s *Scheduler) peek() *deadline {
	for s.h.Len() > 0 {
		root := s.h[0]
		if root.cancelled {
			heap.Pop(&s.h)
			continue
		}
		return root
	}
	return nil
}

// popDue removes and returns the root if it is due by now. The root may have
// been replaced by a later deadline since the timer was armed. Caller holds
// s.mu.
func (s *Scheduler) popDue(now int64) *deadline {
	root := s.peek()
	if root == nil || root.due > now {
		return nil
	}
	heap.Pop(&s.h)
	delete(s.byKey, root.key)
	return root
}
