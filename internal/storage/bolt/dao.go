// Package bolt is the embedded, single-node TermCmdDao.
//
// Each command is stored as a JSON document keyed by id in one bbolt bucket.
// The conditional updates run inside a single read-write transaction, so the
// check-then-write of each branch is atomic; the two branches of one call
// still run as separate steps, matching the SQL implementation.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/gnssbus/internal/storage"
	"github.com/snehjoshi/gnssbus/internal/types"
)

var bucketTermCmd = []byte("term_cmd")

// Dao is a bbolt-backed storage.TermCmdDao.
type Dao struct {
	db     *bbolt.DB
	now    func() time.Time
	logger *slog.Logger
}

var (
	_ storage.TermCmdDao    = (*Dao)(nil)
	_ storage.TermCmdFinder = (*Dao)(nil)
)

// Open opens (or creates) the database file at path.
func Open(path string, logger *slog.Logger) (*Dao, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTermCmd)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt: init bucket: %w", err)
	}
	return &Dao{db: db, now: time.Now, logger: logger.With("component", "store", "driver", "bolt")}, nil
}

// SetClock replaces time.Now for generated timestamps.
func (d *Dao) SetClock(now func() time.Time) { d.now = now }

// Close closes the database file.
func (d *Dao) Close() error { return d.db.Close() }

// CreateTermCmd implements storage.TermCmdDao.
func (d *Dao) CreateTermCmd(_ context.Context, cmd *types.TermCmd) error {
	if cmd.ID == "" {
		return fmt.Errorf("bolt: create: empty id")
	}
	storage.PrepareCreate(cmd, d.now())
	val, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("bolt: marshal %s: %w", cmd.ID, err)
	}
	return d.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTermCmd)
		if b.Get([]byte(cmd.ID)) != nil {
			return fmt.Errorf("%w: %s", storage.ErrDuplicate, cmd.ID)
		}
		return b.Put([]byte(cmd.ID), val)
	})
}

// FindTermCmd implements storage.TermCmdFinder.
func (d *Dao) FindTermCmd(_ context.Context, id string) (*types.TermCmd, error) {
	var out *types.TermCmd
	err := d.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketTermCmd).Get([]byte(id))
		if val == nil {
			return storage.ErrNotFound
		}
		var c types.TermCmd
		if err := json.Unmarshal(val, &c); err != nil {
			return fmt.Errorf("bolt: unmarshal %s: %w", id, err)
		}
		out = &c
		return nil
	})
	return out, err
}

// MarkCmdSent implements storage.TermCmdDao.
//
//	primary:  status = Sent, sentTm, msgSn    WHERE status IN (Created, Sent)
//	fallback: sentTm, msgSn                   WHERE sentTm IS NULL
func (d *Dao) MarkCmdSent(ctx context.Context, cmd *types.TermCmd) error {
	storage.PrepareSent(cmd, d.now())
	return d.conditional(ctx, cmd.ID, "sent",
		func(row *types.TermCmd) bool {
			if !storage.AcceptsStatus(row.Status, types.StatusSent) {
				return false
			}
			row.Status = types.StatusSent
			row.SentTm, row.MsgSn = cmd.SentTm, cmd.MsgSn
			return true
		},
		func(row *types.TermCmd) bool {
			if row.SentTm != nil {
				return false
			}
			row.SentTm, row.MsgSn = cmd.SentTm, cmd.MsgSn
			return true
		})
}

// MarkCmdAck implements storage.TermCmdDao.
//
//	primary:  status = Ack, ack fields, endTm  WHERE status IN (Created, Sent, Ack)
//	fallback: ack fields, endTm                WHERE ackTm IS NULL
func (d *Dao) MarkCmdAck(ctx context.Context, cmd *types.TermCmd) error {
	storage.PrepareAck(cmd, d.now())
	apply := func(row *types.TermCmd) {
		row.AckTm, row.EndTm = cmd.AckTm, cmd.EndTm
		row.AckCode, row.AckParams = cmd.AckCode, cmd.AckParams
		row.AckMsgID, row.AckSeqNo = cmd.AckMsgID, cmd.AckSeqNo
	}
	return d.conditional(ctx, cmd.ID, "ack",
		func(row *types.TermCmd) bool {
			if !storage.AcceptsStatus(row.Status, types.StatusAck) {
				return false
			}
			row.Status = types.StatusAck
			apply(row)
			return true
		},
		func(row *types.TermCmd) bool {
			if row.AckTm != nil {
				return false
			}
			apply(row)
			return true
		})
}

// MarkCmdCompleted implements storage.TermCmdDao.
//
//	primary: status, endTm  WHERE status IN (Created, Sent, Ack)
func (d *Dao) MarkCmdCompleted(ctx context.Context, cmd *types.TermCmd) error {
	storage.PrepareCompleted(cmd, d.now())
	return d.conditional(ctx, cmd.ID, "completed",
		func(row *types.TermCmd) bool {
			if !storage.AcceptsStatus(row.Status, cmd.Status) {
				return false
			}
			row.Status = cmd.Status
			row.EndTm = cmd.EndTm
			return true
		}, nil)
}

// conditional runs each branch in its own transaction. A branch returns
// false when its WHERE clause does not match.
func (d *Dao) conditional(_ context.Context, id, op string, primary, fallback func(*types.TermCmd) bool) error {
	var fb func() (int64, error)
	if fallback != nil {
		fb = func() (int64, error) { return d.updateRow(id, fallback) }
	}
	outcome, err := storage.ConditionalUpdate(func() (int64, error) {
		return d.updateRow(id, primary)
	}, fb)
	if err != nil {
		return fmt.Errorf("bolt: mark %s %s: %w", op, id, err)
	}
	if outcome != storage.Applied {
		d.logger.Debug("conditional update", "op", op, "id", id, "outcome", outcome.String())
	}
	return nil
}

func (d *Dao) updateRow(id string, mutate func(*types.TermCmd) bool) (int64, error) {
	var affected int64
	err := d.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTermCmd)
		val := b.Get([]byte(id))
		if val == nil {
			return nil
		}
		var row types.TermCmd
		if err := json.Unmarshal(val, &row); err != nil {
			return fmt.Errorf("unmarshal: %w", err)
		}
		if !mutate(&row) {
			return nil
		}
		out, err := json.Marshal(&row)
		if err != nil {
			return err
		}
		affected = 1
		return b.Put([]byte(id), out)
	})
	return affected, err
}
