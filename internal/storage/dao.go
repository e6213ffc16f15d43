// Package storage defines the persistence contract for terminal commands.
//
// The command lifecycle only talks to the database through TermCmdDao.
// Implementations:
//   - bolt.Dao     — single-node, embedded bbolt file (default)
//   - postgres.Dao — shared Postgres table via gorm
//
// Status updates follow the conditional-then-fallback discipline: the primary
// UPDATE is guarded by the prior statuses types.ValidTransition accepts; when it affects no row (a
// concurrent writer advanced the row first) a secondary UPDATE fills in the
// timing/sequence fields if they are still unset. There are no row locks, so
// a genuine race can lose a field update. A lost race is never an error.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/snehjoshi/gnssbus/internal/types"
)

var (
	// ErrNotFound is returned when a command row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicate is returned by CreateTermCmd for an id that already exists.
	ErrDuplicate = errors.New("storage: duplicate id")
)

// TermCmdDao persists terminal commands. Every method may fill generated
// fields (timestamps) on the passed command. All methods must be safe for
// concurrent use.
type TermCmdDao interface {
	// CreateTermCmd inserts cmd. It fails with ErrDuplicate when the id is
	// taken.
	CreateTermCmd(ctx context.Context, cmd *types.TermCmd) error
	// MarkCmdSent moves a Created or Sent row to Sent.
	MarkCmdSent(ctx context.Context, cmd *types.TermCmd) error
	// MarkCmdAck moves a Created, Sent or Ack row to Ack.
	MarkCmdAck(ctx context.Context, cmd *types.TermCmd) error
	// MarkCmdCompleted moves a row that is not yet completed to cmd.Status.
	MarkCmdCompleted(ctx context.Context, cmd *types.TermCmd) error
}

// TermCmdFinder reads a command row back. It is used by tests and the
// durable lookup path, never by the cache-only lifecycle operations.
type TermCmdFinder interface {
	FindTermCmd(ctx context.Context, id string) (*types.TermCmd, error)
}

// UpdateTermCmdStatus dispatches to the DAO method matching cmd.Status.
func UpdateTermCmdStatus(ctx context.Context, dao TermCmdDao, cmd *types.TermCmd) error {
	switch {
	case cmd.Status == types.StatusSent:
		return dao.MarkCmdSent(ctx, cmd)
	case cmd.Status == types.StatusAck:
		return dao.MarkCmdAck(ctx, cmd)
	case types.IsCompletedStatus(cmd.Status):
		return dao.MarkCmdCompleted(ctx, cmd)
	default:
		return fmt.Errorf("storage: no update for status %d", cmd.Status)
	}
}

// AcceptsStatus reports whether a row in status from matches the primary
// update guard for target status to.
func AcceptsStatus(from, to types.Status) bool {
	return types.ValidTransition(from, to)
}

// PriorStatuses lists the row statuses the primary update for to matches,
// for use in an SQL IN clause.
func PriorStatuses(to types.Status) []int {
	var out []int
	for s := types.StatusCreated; s <= types.StatusCancelled; s++ {
		if types.ValidTransition(s, to) {
			out = append(out, s)
		}
	}
	return out
}

// ─── Generated-field defaults ────────────────────────────────────────────────

func nowMs(now time.Time) int64 { return now.UnixMilli() }

// PrepareCreate fills reqTm when unset.
func PrepareCreate(cmd *types.TermCmd, now time.Time) {
	if cmd.ReqTm == 0 {
		cmd.ReqTm = nowMs(now)
	}
}

// PrepareSent fills sentTm when unset.
func PrepareSent(cmd *types.TermCmd, now time.Time) {
	if cmd.SentTm == nil {
		cmd.SentTm = types.Int64(nowMs(now))
	}
}

// PrepareAck fills ackTm when unset and endTm from ackTm.
func PrepareAck(cmd *types.TermCmd, now time.Time) {
	if cmd.AckTm == nil {
		cmd.AckTm = types.Int64(nowMs(now))
	}
	if cmd.EndTm == nil {
		cmd.EndTm = types.Int64(*cmd.AckTm)
	}
}

// PrepareCompleted fills endTm when unset.
func PrepareCompleted(cmd *types.TermCmd, now time.Time) {
	if cmd.EndTm == nil {
		cmd.EndTm = types.Int64(nowMs(now))
	}
}

// ─── Conditional update ──────────────────────────────────────────────────────

// Outcome reports which branch of a conditional update touched the row.
type Outcome int

const (
	// Skipped means neither update matched: the row is gone or already past
	// the target state with its fields set.
	Skipped Outcome = iota
	// Applied means the status-guarded update matched.
	Applied
	// AppliedFallback means only the field-filling fallback matched.
	AppliedFallback
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case AppliedFallback:
		return "fallback"
	default:
		return "skipped"
	}
}

// ConditionalUpdate runs primary and, when it affected no rows, fallback.
// fallback may be nil. Each func returns the number of affected rows.
func ConditionalUpdate(primary, fallback func() (int64, error)) (Outcome, error) {
	n, err := primary()
	if err != nil {
		return Skipped, err
	}
	if n > 0 {
		return Applied, nil
	}
	if fallback == nil {
		return Skipped, nil
	}
	n, err = fallback()
	if err != nil {
		return Skipped, err
	}
	if n > 0 {
		return AppliedFallback, nil
	}
	return Skipped, nil
}
