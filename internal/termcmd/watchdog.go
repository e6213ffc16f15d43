package termcmd

import (
	"context"
	"log/slog"
	"time"

	"github.com/snehjoshi/gnssbus/internal/scheduler"
	"github.com/snehjoshi/gnssbus/internal/types"
)

// KindAckTimeout is the scheduler kind used for acknowledgement deadlines.
const KindAckTimeout = "ack_timeout"

// Watchdog completes commands with StatusTimeout when no acknowledgement
// arrives in time. The deadline is armed at creation from reqTm and re-armed
// from sentTm when the command is sent; Ack or any completed status disarms
// it.
//
// Only commands still cached on this instance can time out: the deadline
// goes through MarkCmdCompleted like any other caller.
type Watchdog struct {
	c       *Commander
	sched   *scheduler.Scheduler
	timeout time.Duration
	logger  *slog.Logger
	ctx     context.Context
}

// NewWatchdog attaches a watchdog with the given ack timeout to c.
func NewWatchdog(c *Commander, sched *scheduler.Scheduler, timeout time.Duration) *Watchdog {
	w := &Watchdog{
		c:       c,
		sched:   sched,
		timeout: timeout,
		logger:  c.logger.With("sub", "watchdog"),
		ctx:     context.Background(),
	}
	c.watchdog.Store(w)
	return w
}

// Start begins firing deadlines. It must be called once.
func (w *Watchdog) Start(ctx context.Context) {
	w.ctx = ctx
	w.sched.Start(ctx, w.fire)
}

// Stop halts the scheduler and detaches the watchdog. Pending deadlines are
// dropped.
func (w *Watchdog) Stop() {
	w.c.watchdog.CompareAndSwap(w, nil)
	w.sched.Stop()
}

// Pending returns the number of armed deadlines.
func (w *Watchdog) Pending() int {
	return w.sched.CountByKind(KindAckTimeout)
}

func (w *Watchdog) track(id string, fromMs int64) {
	due := time.UnixMilli(fromMs).Add(w.timeout)
	w.sched.Schedule(id, KindAckTimeout, due)
}

func (w *Watchdog) untrack(id string) {
	w.sched.Cancel(id)
}

func (w *Watchdog) fire(id, kind string) {
	if kind != KindAckTimeout {
		return
	}
	cmd, ok, err := w.c.FindCmd(w.ctx, id)
	if err != nil {
		w.logger.Warn("ack deadline lookup failed", "id", id, "error", err)
		return
	}
	if !ok || types.IsAckOrCompletedStatus(cmd.Status) {
		return
	}
	if w.c.expire(w.ctx, id, w.c.now().UnixMilli()) {
		w.logger.Info("command ack timed out", "id", id, "status", types.StatusName(cmd.Status))
	}
}
